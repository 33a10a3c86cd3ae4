package fault

import (
	"fmt"
	"strings"
)

// Family is the two-digit suffix of a fault code. The family determines
// how a fault propagates: retried locally, reported as a contract error,
// or treated as fatal for the owning component.
type Family int

const (
	FamilySyntax          Family = 1  // syntax or configuration error
	FamilyInitFailure     Family = 10 // component failed to initialize
	FamilyTimeout         Family = 20 // request or response deadline exceeded
	FamilySignalLost      Family = 23 // expected signal never received
	FamilyAddressUnknown  Family = 24 // target address not registered
	FamilyDataProcessing  Family = 30 // data processing error
	FamilyValidation      Family = 31 // validation failed
	FamilyCorruption      Family = 32 // data corruption detected
	FamilyResourceBusy    Family = 40 // resource unavailable
	FamilyBusinessRule    Family = 50 // business rule violation
	FamilyInvalidState    Family = 51 // operation not legal in current state
	FamilyForbidden       Family = 52 // operation forbidden in current state
	FamilyRevisionBudget  Family = 53 // revision budget exhausted
	FamilyExternalService Family = 60 // external service error
	FamilyFileMissing     Family = 70 // file missing
	FamilyDatabase        Family = 80 // database error
	FamilyCrash           Family = 90 // component crash
	FamilyOOM             Family = 91 // out of memory
	FamilyNetwork         Family = 93 // network error
)

// Code is a fault code in <ADDRESS>-<XX> form, e.g. "2-1-52".
type Code string

// NewCode builds a fault code from an origin address and a family.
func NewCode(origin string, family Family) Code {
	return Code(fmt.Sprintf("%s-%02d", origin, int(family)))
}

// Origin returns the address portion of the code.
func (c Code) Origin() string {
	s := string(c)
	i := strings.LastIndex(s, "-")
	if i < 0 {
		return s
	}
	return s[:i]
}

// Family returns the two-digit family of the code, or 0 if malformed.
func (c Code) Family() Family {
	s := string(c)
	i := strings.LastIndex(s, "-")
	if i < 0 || i == len(s)-1 {
		return 0
	}
	var f int
	if _, err := fmt.Sscanf(s[i+1:], "%d", &f); err != nil {
		return 0
	}
	return Family(f)
}

// Policy describes how a fault family propagates.
type Policy int

const (
	// PolicyRetry faults are retried locally with exponential backoff,
	// then escalated to the repair queue on exhaustion.
	PolicyRetry Policy = iota

	// PolicyReport faults are contract or programming errors. They are
	// surfaced with full context and never retried.
	PolicyReport

	// PolicyFatal faults trigger a single component restart; a re-fault
	// within the restart window disables the component and broadcasts
	// a MAYDAY.
	PolicyFatal
)

// PropagationPolicy returns the policy for a family. Families outside
// the retry, report and fatal sets default to report.
func (f Family) PropagationPolicy() Policy {
	switch f {
	case FamilyResourceBusy, FamilyExternalService, FamilyDatabase, FamilyNetwork:
		return PolicyRetry
	case FamilyCrash, FamilyOOM:
		return PolicyFatal
	default:
		return PolicyReport
	}
}

// MaxRetryAttempts is the retry budget for PolicyRetry families.
const MaxRetryAttempts = 3
