// Package ecc implements the ecosystem controller at address 2-1: the
// single owner of section lifecycle records. It decides what may run,
// what must wait, and what must re-run, and serializes every state
// transition so no two transitions for the same section interleave.
package ecc

import (
	"sync"
	"time"

	"github.com/casewire/casewire/internal/logger"
	"github.com/casewire/casewire/pkg/bus"
	"github.com/casewire/casewire/pkg/fault"
)

// SignalEmitter publishes controller events. *bus.Bus satisfies it; a
// nil emitter disables publication (used in tests).
type SignalEmitter interface {
	Emit(topic string, sig *bus.Signal)
}

// FaultSink receives faults the controller raises.
type FaultSink interface {
	Raise(f *fault.Fault)
}

// Metrics is the optional transition observability hook.
type Metrics interface {
	SectionTransition(sectionID string, from, to string)
}

// Controller owns section records for one case.
type Controller struct {
	mu       sync.Mutex
	sections map[string]*Record
	order    []string // cached topological order; nil when dirty
	version  uint64   // case version counter, bumped per accepted transition

	emitter SignalEmitter
	sink    FaultSink
	metrics Metrics
}

// New creates an empty controller. Emitter and sink may be nil.
func New(emitter SignalEmitter, sink FaultSink) *Controller {
	return &Controller{
		sections: make(map[string]*Record),
		emitter:  emitter,
		sink:     sink,
	}
}

// SetMetrics installs the transition metrics hook.
func (c *Controller) SetMetrics(m Metrics) {
	c.mu.Lock()
	c.metrics = m
	c.mu.Unlock()
}

// RegisterSection registers a section with its static dependency set
// and priority. Registration is idempotent for an identical dependency
// set; a different set, or one that would close a cycle, raises 2-1-31.
func (c *Controller) RegisterSection(sectionID string, dependsOn []string, priority int, maxReruns int) *fault.Fault {
	if maxReruns <= 0 {
		maxReruns = DefaultMaxReruns
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.sections[sectionID]; ok {
		if sameDeps(existing.DependsOn, dependsOn) {
			return nil
		}
		return c.raiseLocked(fault.Newf(Address, fault.FamilyValidation, fault.SeverityMedium,
			"section %s re-registered with a different dependency set", sectionID).
			WithContext("section_id", sectionID))
	}

	graph := make(map[string][]string, len(c.sections))
	for id, r := range c.sections {
		graph[id] = r.DependsOn
	}
	if wouldCycle(graph, sectionID, dependsOn) {
		return c.raiseLocked(fault.Newf(Address, fault.FamilyValidation, fault.SeverityMedium,
			"registering section %s would close a dependency cycle", sectionID).
			WithContext("section_id", sectionID))
	}

	c.sections[sectionID] = &Record{
		SectionID:        sectionID,
		State:            StateIdle,
		DependsOn:        append([]string(nil), dependsOn...),
		Priority:         priority,
		MaxReruns:        maxReruns,
		LastTransitionAt: time.Now().UTC(),
		Version:          c.version,
	}
	c.order = nil
	return nil
}

// RegisterCanonical registers the fixed twelve-section chain.
func (c *Controller) RegisterCanonical(maxReruns int) {
	for _, s := range CanonicalSections() {
		// Canonical registration cannot fail: the chain is acyclic and
		// each id registers once.
		_ = c.RegisterSection(s.SectionID, s.DependsOn, s.Priority, maxReruns)
	}
}

// CanRun reports whether the section is eligible: state IDLE or
// REVISION_REQUESTED and every dependency COMPLETED.
func (c *Controller) CanRun(sectionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canRunLocked(sectionID)
}

func (c *Controller) canRunLocked(sectionID string) bool {
	r, ok := c.sections[sectionID]
	if !ok {
		return false
	}
	if r.State != StateIdle && r.State != StateRevisionRequested {
		return false
	}
	return c.depsCompleteLocked(r)
}

func (c *Controller) depsCompleteLocked(r *Record) bool {
	for _, d := range r.DependsOn {
		dep, ok := c.sections[d]
		if !ok || dep.State != StateCompleted {
			return false
		}
	}
	return true
}

// DependenciesComplete reports whether every dependency of the section
// is COMPLETED. The gateway's order lock consults this before preparing.
func (c *Controller) DependenciesComplete(sectionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.sections[sectionID]
	return ok && c.depsCompleteLocked(r)
}

// Prepare transitions IDLE → PREPARING for an eligible section. A
// section in REVISION_REQUESTED is re-accepted into IDLE first.
func (c *Controller) Prepare(sectionID string) *fault.Fault {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.sections[sectionID]
	if !ok {
		return c.unknownSectionLocked(sectionID)
	}
	if r.State != StateIdle && r.State != StateRevisionRequested {
		return c.illegalLocked(r, StatePreparing)
	}
	if !c.depsCompleteLocked(r) {
		return c.raiseLocked(fault.Newf(Address, fault.FamilyForbidden, fault.SeverityMedium,
			"section %s has unresolved dependencies", sectionID).
			WithContext("section_id", sectionID))
	}
	if r.State == StateRevisionRequested {
		// Revision accepted: the section re-enters IDLE before preparing.
		c.transitionLocked(r, StateIdle)
	}
	c.transitionLocked(r, StatePreparing)
	return nil
}

// Start transitions PREPARING → EXECUTING.
func (c *Controller) Start(sectionID string) *fault.Fault {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.sections[sectionID]
	if !ok {
		return c.unknownSectionLocked(sectionID)
	}
	if r.State != StatePreparing {
		return c.illegalLocked(r, StateExecuting)
	}
	c.transitionLocked(r, StateExecuting)
	return nil
}

// MarkComplete transitions EXECUTING → COMPLETED, freezes the payload
// hash and emits gateway.section.complete.
func (c *Controller) MarkComplete(sectionID, frozenPayloadHash string, by bus.Address) *fault.Fault {
	c.mu.Lock()
	r, ok := c.sections[sectionID]
	if !ok {
		defer c.mu.Unlock()
		return c.unknownSectionLocked(sectionID)
	}
	if r.State != StateExecuting {
		defer c.mu.Unlock()
		return c.illegalLocked(r, StateCompleted)
	}
	r.FrozenPayloadHash = frozenPayloadHash
	c.transitionLocked(r, StateCompleted)
	emitter := c.emitter
	c.mu.Unlock()

	if emitter != nil {
		sig := bus.NewSignal(Address, "2-2", "gateway.section.complete", bus.RadioComplete, map[string]any{
			"section_id":          sectionID,
			"frozen_payload_hash": frozenPayloadHash,
			"completed_by":        string(by),
		})
		sig.ResponseExpected = false
		emitter.Emit("gateway.section.complete", sig)
	}
	return nil
}

// Fail transitions any non-terminal state to FAILED.
func (c *Controller) Fail(sectionID, reason string) *fault.Fault {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.sections[sectionID]
	if !ok {
		return c.unknownSectionLocked(sectionID)
	}
	if r.State == StateCompleted || r.State == StateFailed {
		return c.illegalLocked(r, StateFailed)
	}
	logger.Warn("section failed", logger.KeySection, sectionID, "reason", reason)
	c.transitionLocked(r, StateFailed)
	return nil
}

// RequestRevision transitions the section to REVISION_REQUESTED
// provided revision_depth < max_reruns. On overflow the section goes
// to FAILED and a HIGH 2-1-53 fault is raised. FAILED sections are
// absorbing and reject revision with 2-1-51.
func (c *Controller) RequestRevision(sectionID, reason string, requester bus.Address) *fault.Fault {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.sections[sectionID]
	if !ok {
		return c.unknownSectionLocked(sectionID)
	}
	if r.State == StateFailed {
		return c.illegalLocked(r, StateRevisionRequested)
	}
	if r.RevisionDepth >= r.MaxReruns {
		c.transitionLocked(r, StateFailed)
		return c.raiseLocked(fault.Newf(Address, fault.FamilyRevisionBudget, fault.SeverityHigh,
			"section %s exceeded max reruns (%d)", sectionID, r.MaxReruns).
			WithContext("section_id", sectionID).
			WithContext("reason", reason).
			WithContext("requester", string(requester)).
			WithRemediation("administrative reopen required"))
	}
	r.RevisionDepth++
	logger.Info("revision requested",
		logger.KeySection, sectionID,
		logger.KeyRevision, r.RevisionDepth,
		"reason", reason,
		"requester", string(requester))
	c.transitionLocked(r, StateRevisionRequested)
	return nil
}

// Reopen is the out-of-band administrative action resetting a FAILED
// section to IDLE with a fresh revision budget. Not reachable from the
// bus.
func (c *Controller) Reopen(sectionID, actor string) *fault.Fault {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.sections[sectionID]
	if !ok {
		return c.unknownSectionLocked(sectionID)
	}
	if r.State != StateFailed {
		return c.illegalLocked(r, StateIdle)
	}
	r.RevisionDepth = 0
	r.FrozenPayloadHash = ""
	logger.Info("section reopened", logger.KeySection, sectionID, "actor", actor)
	c.transitionLocked(r, StateIdle)
	return nil
}

// ExecutionOrder returns the stable topological order over depends_on,
// ties broken by priority ascending then section_id lexicographically.
func (c *Controller) ExecutionOrder() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.order == nil {
		c.order = topoOrder(c.sections)
	}
	return append([]string(nil), c.order...)
}

// Eligible returns the sections that may run now, in execution order.
func (c *Controller) Eligible() []string {
	order := c.ExecutionOrder()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, id := range order {
		if c.canRunLocked(id) {
			out = append(out, id)
		}
	}
	return out
}

// Snapshot returns a version-stamped copy of one section record.
func (c *Controller) Snapshot(sectionID string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.sections[sectionID]
	if !ok {
		return Record{}, false
	}
	return r.clone(), true
}

// SnapshotAll returns copies of every record keyed by section id.
func (c *Controller) SnapshotAll() map[string]Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Record, len(c.sections))
	for id, r := range c.sections {
		out[id] = r.clone()
	}
	return out
}

// State returns the current state of a section; ok is false when the
// section is unknown.
func (c *Controller) State(sectionID string) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.sections[sectionID]
	if !ok {
		return "", false
	}
	return r.State, true
}

// Version returns the case version counter.
func (c *Controller) Version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// transitionLocked applies an accepted transition: bumps the case
// version, stamps the record and publishes the state event.
func (c *Controller) transitionLocked(r *Record, to State) {
	from := r.State
	r.State = to
	r.LastTransitionAt = time.Now().UTC()
	c.version++
	r.Version = c.version

	if c.metrics != nil {
		c.metrics.SectionTransition(r.SectionID, string(from), string(to))
	}
	if c.emitter != nil {
		sig := bus.NewSignal(Address, "2-2", "ecc.section.state", bus.RadioAck, map[string]any{
			"section_id": r.SectionID,
			"from":       string(from),
			"to":         string(to),
			"version":    r.Version,
		})
		c.emitter.Emit("ecc.section.state", sig)
	}
}

func (c *Controller) unknownSectionLocked(sectionID string) *fault.Fault {
	return c.raiseLocked(fault.Newf(Address, fault.FamilyValidation, fault.SeverityMedium,
		"unknown section %s", sectionID).
		WithContext("section_id", sectionID))
}

// illegalLocked raises 2-1-51 for a transition outside the legal graph
// and leaves state unchanged.
func (c *Controller) illegalLocked(r *Record, to State) *fault.Fault {
	return c.raiseLocked(fault.Newf(Address, fault.FamilyInvalidState, fault.SeverityMedium,
		"illegal transition for section %s: %s -> %s", r.SectionID, r.State, to).
		WithContext("section_id", r.SectionID).
		WithContext("from", string(r.State)).
		WithContext("to", string(to)))
}

func (c *Controller) raiseLocked(f *fault.Fault) *fault.Fault {
	if c.sink != nil {
		c.sink.Raise(f)
	}
	return f
}
