package bus

import "time"

// RadioCode is the closed vocabulary tag attached to every signal.
// The set is fixed; signals carrying an unknown code fail envelope
// validation.
type RadioCode string

const (
	RadioAck        RadioCode = "10-4"        // acknowledged
	RadioEvidence   RadioCode = "10-6"        // evidence received
	RadioComplete   RadioCode = "10-8"        // processing complete
	RadioRepeat     RadioCode = "10-9"        // please repeat
	RadioStandby    RadioCode = "10-10"       // standby
	RadioStatus     RadioCode = "STATUS"      // status request
	RadioRollcall   RadioCode = "ROLLCALL"    // all respond
	RadioCheck      RadioCode = "RADIO_CHECK" // connectivity probe
	RadioSOS        RadioCode = "SOS"         // emergency, immediate attention
	RadioMayday     RadioCode = "MAYDAY"      // system down
)

// Priority orders signals for mailbox eviction under backpressure.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityCritical
)

type radioTraits struct {
	responseExpected bool
	defaultTimeout   time.Duration
	priority         Priority
}

var radioTable = map[RadioCode]radioTraits{
	RadioAck:      {false, 0, PriorityLow},
	RadioEvidence: {true, 30 * time.Second, PriorityNormal},
	// Processing-complete notifications must survive backpressure: a
	// dropped completion would wedge the section dependency chain.
	RadioComplete: {true, 30 * time.Second, PriorityCritical},
	RadioRepeat:   {true, 15 * time.Second, PriorityLow},
	RadioStandby:  {true, 60 * time.Second, PriorityNormal},
	RadioStatus:   {true, 30 * time.Second, PriorityNormal},
	RadioRollcall: {true, 60 * time.Second, PriorityNormal},
	RadioCheck:    {true, 15 * time.Second, PriorityLow},
	RadioSOS:      {true, 5 * time.Second, PriorityCritical},
	RadioMayday:   {true, 5 * time.Second, PriorityCritical},
}

// Known reports whether the code belongs to the closed vocabulary.
func (r RadioCode) Known() bool {
	_, ok := radioTable[r]
	return ok
}

// ResponseExpected reports whether a signal with this code requires a
// response by default.
func (r RadioCode) ResponseExpected() bool {
	return radioTable[r].responseExpected
}

// DefaultTimeout returns the default response window for the code, or
// zero when no response is expected.
func (r RadioCode) DefaultTimeout() time.Duration {
	return radioTable[r].defaultTimeout
}

// Priority returns the backpressure priority of the code.
func (r RadioCode) Priority() Priority {
	if t, ok := radioTable[r]; ok {
		return t.priority
	}
	return PriorityNormal
}

// Critical reports whether signals with this code bypass backpressure.
func (r RadioCode) Critical() bool {
	return r.Priority() == PriorityCritical
}
