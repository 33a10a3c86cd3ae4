// Package fault defines the fault record model shared by every casewire
// subsystem: the <ADDRESS>-<XX> code grammar, the two-digit family
// taxonomy, severities, and the propagation policy attached to each
// family. A Fault is both a vault record and a Go error, so public
// operations return it directly instead of using exceptions for control
// flow.
package fault

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Severity classifies the operational impact of a fault.
type Severity string

const (
	SeverityHigh   Severity = "HIGH"
	SeverityMedium Severity = "MEDIUM"
	SeverityLow    Severity = "LOW"
)

// rank orders severities for the repair queue: HIGH before MEDIUM before LOW.
func (s Severity) rank() int {
	switch s {
	case SeverityHigh:
		return 0
	case SeverityMedium:
		return 1
	default:
		return 2
	}
}

// Less reports whether s sorts before other in repair priority order.
func (s Severity) Less(other Severity) bool {
	return s.rank() < other.rank()
}

// State is the lifecycle state of a fault in the vault.
type State string

const (
	StateOpen       State = "open"
	StateInRepair   State = "in_repair"
	StateClosed     State = "closed"
	StateUnrepaired State = "unrepaired"
)

// Fault is one fault record. Records live in the diagnostic supervisor's
// vault until closed; closed records are retained for a bounded window
// and then evicted.
type Fault struct {
	FaultID       string         `json:"fault_id"`
	OriginAddress string         `json:"origin_address"`
	Code          Code           `json:"fault_code"`
	Severity      Severity       `json:"severity"`
	Message       string         `json:"message"`
	DetectedAt    time.Time      `json:"detected_at"`
	Context       map[string]any `json:"context,omitempty"`
	State         State          `json:"state"`
	Attempts      int            `json:"attempts"`

	// Remediation is a short operator hint surfaced with HIGH faults.
	Remediation string `json:"remediation_hint,omitempty"`
}

// New creates an open fault originating at the given address.
func New(origin string, family Family, severity Severity, msg string) *Fault {
	return &Fault{
		FaultID:       uuid.NewString(),
		OriginAddress: origin,
		Code:          NewCode(origin, family),
		Severity:      severity,
		Message:       msg,
		DetectedAt:    time.Now().UTC(),
		State:         StateOpen,
	}
}

// Newf is New with printf-style message formatting.
func Newf(origin string, family Family, severity Severity, format string, args ...any) *Fault {
	return New(origin, family, severity, fmt.Sprintf(format, args...))
}

// WithContext attaches a context key/value pair and returns the fault.
func (f *Fault) WithContext(key string, value any) *Fault {
	if f.Context == nil {
		f.Context = make(map[string]any)
	}
	f.Context[key] = value
	return f
}

// WithRemediation attaches an operator hint and returns the fault.
func (f *Fault) WithRemediation(hint string) *Fault {
	f.Remediation = hint
	return f
}

// Error implements the error interface.
func (f *Fault) Error() string {
	return fmt.Sprintf("[%s] %s: %s", f.Code, f.Severity, f.Message)
}

// Policy returns the propagation policy for this fault's family.
func (f *Fault) Policy() Policy {
	return f.Code.Family().PropagationPolicy()
}

// IsTerminal reports whether the fault has left the open/in_repair states.
func (f *Fault) IsTerminal() bool {
	return f.State == StateClosed || f.State == StateUnrepaired
}

// AsFault extracts a *Fault from an error chain, or wraps a plain error
// into a report-class fault at the given origin.
func AsFault(err error, origin string) *Fault {
	if err == nil {
		return nil
	}
	if f, ok := err.(*Fault); ok {
		return f
	}
	return New(origin, FamilyDataProcessing, SeverityMedium, err.Error())
}
