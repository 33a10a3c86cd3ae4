package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for pipeline operations.
// Component-agnostic keys use the "case." prefix; component-specific
// keys use their own prefix.
const (
	// ========================================================================
	// Case attributes (component-agnostic)
	// ========================================================================
	AttrCaseID     = "case.id"
	AttrSectionID  = "case.section"
	AttrRevision   = "case.revision"
	AttrReportType = "case.report_type"

	// ========================================================================
	// Evidence attributes
	// ========================================================================
	AttrEvidenceID     = "evidence.id"
	AttrContentHash    = "evidence.content_hash"
	AttrEvidenceKind   = "evidence.kind"
	AttrClassification = "evidence.classification"
	AttrEvidenceSize   = "evidence.size"

	// ========================================================================
	// Bus attributes
	// ========================================================================
	AttrBusTopic  = "bus.topic"
	AttrBusFrom   = "bus.from"
	AttrBusTo     = "bus.to"
	AttrRadioCode = "bus.radio_code"
	AttrSignalID  = "bus.signal_id"

	// ========================================================================
	// Fault attributes
	// ========================================================================
	AttrFaultCode     = "fault.code"
	AttrFaultSeverity = "fault.severity"
	AttrFaultOrigin   = "fault.origin"

	// ========================================================================
	// Storage backend attributes
	// ========================================================================
	AttrBucket = "storage.bucket"
	AttrKey    = "storage.key"
	AttrRegion = "storage.region"
)

// Span names for operations.
// Format: <component>.<operation>
const (
	SpanIngest     = "locker.ingest"
	SpanClassify   = "locker.classify"
	SpanVerify     = "locker.verify"
	SpanCheckout   = "marshall.checkout"
	SpanRoute      = "gateway.route"
	SpanPublish    = "gateway.publish"
	SpanSectionRun = "section.run"
	SpanAssemble   = "debrief.assemble"
	SpanRepair     = "diag.repair"
)

// CaseID returns an attribute for the case identifier
func CaseID(id string) attribute.KeyValue {
	return attribute.String(AttrCaseID, id)
}

// SectionID returns an attribute for the section identifier
func SectionID(id string) attribute.KeyValue {
	return attribute.String(AttrSectionID, id)
}

// Revision returns an attribute for the envelope revision
func Revision(rev int) attribute.KeyValue {
	return attribute.Int(AttrRevision, rev)
}

// EvidenceID returns an attribute for the evidence identifier
func EvidenceID(id string) attribute.KeyValue {
	return attribute.String(AttrEvidenceID, id)
}

// ContentHash returns an attribute for the evidence content hash
func ContentHash(hash string) attribute.KeyValue {
	return attribute.String(AttrContentHash, hash)
}

// EvidenceKind returns an attribute for the evidence kind
func EvidenceKind(kind string) attribute.KeyValue {
	return attribute.String(AttrEvidenceKind, kind)
}

// EvidenceSize returns an attribute for the evidence size in bytes
func EvidenceSize(size int64) attribute.KeyValue {
	return attribute.Int64(AttrEvidenceSize, size)
}

// BusTopic returns an attribute for the signal topic
func BusTopic(topic string) attribute.KeyValue {
	return attribute.String(AttrBusTopic, topic)
}

// RadioCode returns an attribute for the signal's radio code
func RadioCode(code string) attribute.KeyValue {
	return attribute.String(AttrRadioCode, code)
}

// FaultCode returns an attribute for a fault code
func FaultCode(code string) attribute.KeyValue {
	return attribute.String(AttrFaultCode, code)
}

// FaultSeverity returns an attribute for a fault severity
func FaultSeverity(severity string) attribute.KeyValue {
	return attribute.String(AttrFaultSeverity, severity)
}

// Bucket returns an attribute for S3 bucket name
func Bucket(name string) attribute.KeyValue {
	return attribute.String(AttrBucket, name)
}

// StorageKey returns an attribute for S3 object key
func StorageKey(key string) attribute.KeyValue {
	return attribute.String(AttrKey, key)
}

// StartEvidenceSpan starts a span for an evidence operation.
// This is a convenience function that sets common attributes.
func StartEvidenceSpan(ctx context.Context, name, evidenceID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		EvidenceID(evidenceID),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, name, trace.WithAttributes(allAttrs...))
}

// StartSectionSpan starts a span for a section operation.
func StartSectionSpan(ctx context.Context, name, caseID, sectionID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		CaseID(caseID),
		SectionID(sectionID),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, name, trace.WithAttributes(allAttrs...))
}
