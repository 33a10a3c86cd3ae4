package logger

// Standard field keys for structured logging. Use these consistently
// across subsystems so case-scoped log queries line up.
const (
	// Tracing
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	// Bus and signal protocol
	KeyAddress  = "address"   // subsystem address (1-1, 2-1, Bus-1, ...)
	KeyCaller   = "caller"    // caller_address of a signal
	KeyTarget   = "target"    // target_address of a signal
	KeySignalID = "signal_id" // globally unique signal identifier
	KeyTopic    = "topic"     // emit/subscribe topic
	KeyRadio    = "radio"     // radio code (10-4, STATUS, SOS, ...)

	// Case and sections
	KeyCaseID   = "case_id"
	KeySection  = "section"
	KeyState    = "state"
	KeyRevision = "revision_depth"

	// Evidence
	KeyEvidenceID  = "evidence_id"
	KeyContentHash = "content_hash"
	KeyKind        = "kind"
	KeyPath        = "path"
	KeySize        = "size"

	// Faults and repair
	KeyFaultID   = "fault_id"
	KeyFaultCode = "fault_code"
	KeySeverity  = "severity"
	KeyAttempt   = "attempt"

	// General
	KeyError      = "error"
	KeyDurationMs = "duration_ms"
	KeyCount      = "count"
)
