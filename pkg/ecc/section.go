package ecc

import (
	"time"
)

// Address is the ecosystem controller's bus address.
const Address = "2-1"

// State is a section lifecycle state.
type State string

const (
	StateIdle              State = "IDLE"
	StatePreparing         State = "PREPARING"
	StateExecuting         State = "EXECUTING"
	StateCompleted         State = "COMPLETED"
	StateFailed            State = "FAILED"
	StateRevisionRequested State = "REVISION_REQUESTED"
)

// DefaultMaxReruns bounds how many times a section may re-enter
// REVISION_REQUESTED for one case.
const DefaultMaxReruns = 2

// Record is one section's lifecycle record. The controller owns all
// records; observers receive version-stamped copies.
type Record struct {
	SectionID         string    `json:"section_id"`
	State             State     `json:"state"`
	DependsOn         []string  `json:"depends_on"`
	Priority          int       `json:"priority"`
	FrozenPayloadHash string    `json:"frozen_payload_hash,omitempty"`
	RevisionDepth     int       `json:"revision_depth"`
	MaxReruns         int       `json:"max_reruns"`
	LastTransitionAt  time.Time `json:"last_transition_at"`

	// Version is the case version at the record's last accepted
	// transition. Stale-write detection by non-owners keys off this.
	Version uint64 `json:"version"`
}

// clone returns an independent copy safe to hand to observers.
func (r *Record) clone() Record {
	c := *r
	c.DependsOn = append([]string(nil), r.DependsOn...)
	return c
}

// SectionSpec declares a section for registration.
type SectionSpec struct {
	SectionID string
	DependsOn []string
	Priority  int
}

// CanonicalSections returns the fixed twelve-section report chain:
// CP → TOC → 1..8 → DP → FR, priorities ascending in that order.
func CanonicalSections() []SectionSpec {
	ids := []string{"CP", "TOC", "1", "2", "3", "4", "5", "6", "7", "8", "DP", "FR"}
	specs := make([]SectionSpec, len(ids))
	for i, id := range ids {
		var deps []string
		if i > 0 {
			deps = []string{ids[i-1]}
		}
		specs[i] = SectionSpec{SectionID: id, DependsOn: deps, Priority: i + 1}
	}
	return specs
}
