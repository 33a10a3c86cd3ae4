package ecc

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casewire/casewire/pkg/bus"
	"github.com/casewire/casewire/pkg/fault"
)

type sinkRecorder struct {
	mu     sync.Mutex
	faults []*fault.Fault
}

func (s *sinkRecorder) Raise(f *fault.Fault) {
	s.mu.Lock()
	s.faults = append(s.faults, f)
	s.mu.Unlock()
}

type emitRecorder struct {
	mu      sync.Mutex
	signals []*bus.Signal
	topics  []string
}

func (e *emitRecorder) Emit(topic string, sig *bus.Signal) {
	e.mu.Lock()
	e.topics = append(e.topics, topic)
	e.signals = append(e.signals, sig)
	e.mu.Unlock()
}

func (e *emitRecorder) count(topic string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, t := range e.topics {
		if t == topic {
			n++
		}
	}
	return n
}

// driveToExecuting walks a section through IDLE → PREPARING → EXECUTING.
func driveToExecuting(t *testing.T, c *Controller, id string) {
	t.Helper()
	require.Nil(t, c.Prepare(id))
	require.Nil(t, c.Start(id))
}

// completeChain completes sections in order up to and including last.
func completeChain(t *testing.T, c *Controller, ids ...string) {
	t.Helper()
	for _, id := range ids {
		driveToExecuting(t, c, id)
		require.Nil(t, c.MarkComplete(id, "hash-"+id, "4-1"))
	}
}

func TestRegisterSection(t *testing.T) {
	t.Run("IdempotentWithSameDeps", func(t *testing.T) {
		c := New(nil, nil)
		require.Nil(t, c.RegisterSection("TOC", []string{"CP"}, 2, 0))
		assert.Nil(t, c.RegisterSection("TOC", []string{"CP"}, 2, 0))
	})

	t.Run("DifferentDepsRejected", func(t *testing.T) {
		c := New(nil, nil)
		require.Nil(t, c.RegisterSection("TOC", []string{"CP"}, 2, 0))
		f := c.RegisterSection("TOC", []string{"CP", "1"}, 2, 0)
		require.NotNil(t, f)
		assert.Equal(t, fault.Code("2-1-31"), f.Code)
	})

	t.Run("CycleRejected", func(t *testing.T) {
		c := New(nil, nil)
		require.Nil(t, c.RegisterSection("A", []string{"B"}, 1, 0))
		require.Nil(t, c.RegisterSection("B", []string{"C"}, 2, 0))
		f := c.RegisterSection("C", []string{"A"}, 3, 0)
		require.NotNil(t, f)
		assert.Equal(t, fault.Code("2-1-31"), f.Code)
	})
}

func TestExecutionOrder(t *testing.T) {
	t.Run("CanonicalChain", func(t *testing.T) {
		c := New(nil, nil)
		c.RegisterCanonical(0)
		want := []string{"CP", "TOC", "1", "2", "3", "4", "5", "6", "7", "8", "DP", "FR"}
		assert.Equal(t, want, c.ExecutionOrder())
	})

	t.Run("TiesBreakByPriorityThenID", func(t *testing.T) {
		c := New(nil, nil)
		require.Nil(t, c.RegisterSection("root", nil, 1, 0))
		require.Nil(t, c.RegisterSection("zeta", []string{"root"}, 2, 0))
		require.Nil(t, c.RegisterSection("beta", []string{"root"}, 2, 0))
		require.Nil(t, c.RegisterSection("alpha", []string{"root"}, 3, 0))
		assert.Equal(t, []string{"root", "beta", "zeta", "alpha"}, c.ExecutionOrder())
	})
}

func TestStateMachine(t *testing.T) {
	t.Run("LegalPath", func(t *testing.T) {
		c := New(nil, nil)
		c.RegisterCanonical(0)

		require.Nil(t, c.Prepare("CP"))
		st, _ := c.State("CP")
		assert.Equal(t, StatePreparing, st)

		require.Nil(t, c.Start("CP"))
		st, _ = c.State("CP")
		assert.Equal(t, StateExecuting, st)

		require.Nil(t, c.MarkComplete("CP", "h1", "4-1"))
		st, _ = c.State("CP")
		assert.Equal(t, StateCompleted, st)

		rec, _ := c.Snapshot("CP")
		assert.Equal(t, "h1", rec.FrozenPayloadHash)
	})

	t.Run("IllegalTransitionLeavesStateUnchanged", func(t *testing.T) {
		sink := &sinkRecorder{}
		c := New(nil, sink)
		c.RegisterCanonical(0)

		f := c.Start("CP") // still IDLE, never prepared
		require.NotNil(t, f)
		assert.Equal(t, fault.Code("2-1-51"), f.Code)
		st, _ := c.State("CP")
		assert.Equal(t, StateIdle, st)
	})

	t.Run("DependencyGateBlocksPrepare", func(t *testing.T) {
		c := New(nil, nil)
		c.RegisterCanonical(0)

		f := c.Prepare("TOC") // CP not complete
		require.NotNil(t, f)
		assert.Equal(t, fault.Code("2-1-52"), f.Code)
		assert.False(t, c.CanRun("TOC"))

		completeChain(t, c, "CP")
		assert.True(t, c.CanRun("TOC"))
		assert.Nil(t, c.Prepare("TOC"))
	})

	t.Run("ExecutingImpliesDepsCompleted", func(t *testing.T) {
		c := New(nil, nil)
		c.RegisterCanonical(0)
		completeChain(t, c, "CP", "TOC", "1")
		driveToExecuting(t, c, "2")

		rec, _ := c.Snapshot("2")
		require.Equal(t, StateExecuting, rec.State)
		for _, d := range rec.DependsOn {
			st, _ := c.State(d)
			assert.Equal(t, StateCompleted, st)
		}
	})
}

func TestMarkCompleteEmitsSignal(t *testing.T) {
	em := &emitRecorder{}
	c := New(em, nil)
	c.RegisterCanonical(0)
	completeChain(t, c, "CP")

	require.Equal(t, 1, em.count("gateway.section.complete"))
}

func TestRevisions(t *testing.T) {
	t.Run("RevisionWithinBudget", func(t *testing.T) {
		c := New(nil, nil)
		c.RegisterCanonical(2)
		completeChain(t, c, "CP")

		require.Nil(t, c.RequestRevision("CP", "typo in header", "2-2"))
		st, _ := c.State("CP")
		assert.Equal(t, StateRevisionRequested, st)

		rec, _ := c.Snapshot("CP")
		assert.Equal(t, 1, rec.RevisionDepth)
		assert.True(t, c.CanRun("CP"))

		// Re-runs through the normal path.
		require.Nil(t, c.Prepare("CP"))
		require.Nil(t, c.Start("CP"))
		require.Nil(t, c.MarkComplete("CP", "h2", "4-1"))
	})

	t.Run("ExactBudgetBoundary", func(t *testing.T) {
		sink := &sinkRecorder{}
		c := New(nil, sink)
		require.Nil(t, c.RegisterSection("6", nil, 1, 2))
		completeChain(t, c, "6")

		// Depth 0 -> 1: accepted.
		require.Nil(t, c.RequestRevision("6", "first", "2-2"))
		require.Nil(t, c.Prepare("6"))
		require.Nil(t, c.Start("6"))
		require.Nil(t, c.MarkComplete("6", "h", "4-1"))

		// Depth 1 -> 2: still accepted (max_reruns exactly reached).
		require.Nil(t, c.RequestRevision("6", "second", "2-2"))
		require.Nil(t, c.Prepare("6"))
		require.Nil(t, c.Start("6"))
		require.Nil(t, c.MarkComplete("6", "h", "4-1"))

		// Depth 2 with max 2: overflow fails the section.
		f := c.RequestRevision("6", "billing conflict", "2-2")
		require.NotNil(t, f)
		assert.Equal(t, fault.Code("2-1-53"), f.Code)
		assert.Equal(t, fault.SeverityHigh, f.Severity)
		st, _ := c.State("6")
		assert.Equal(t, StateFailed, st)
	})

	t.Run("FailedIsAbsorbing", func(t *testing.T) {
		c := New(nil, nil)
		require.Nil(t, c.RegisterSection("6", nil, 1, 0))
		driveToExecuting(t, c, "6")
		require.Nil(t, c.Fail("6", "renderer crash"))

		f := c.RequestRevision("6", "try again", "2-2")
		require.NotNil(t, f)
		assert.Equal(t, fault.Code("2-1-51"), f.Code)

		f = c.Prepare("6")
		require.NotNil(t, f)
		assert.Equal(t, fault.Code("2-1-51"), f.Code)
	})

	t.Run("AdministrativeReopen", func(t *testing.T) {
		c := New(nil, nil)
		require.Nil(t, c.RegisterSection("6", nil, 1, 1))
		completeChain(t, c, "6")
		require.Nil(t, c.RequestRevision("6", "r1", "2-2"))
		require.Nil(t, c.Prepare("6"))
		require.Nil(t, c.Start("6"))
		require.Nil(t, c.MarkComplete("6", "h", "4-1"))
		require.NotNil(t, c.RequestRevision("6", "r2", "2-2")) // overflow -> FAILED

		require.Nil(t, c.Reopen("6", "operator:kang"))
		st, _ := c.State("6")
		assert.Equal(t, StateIdle, st)
		rec, _ := c.Snapshot("6")
		assert.Zero(t, rec.RevisionDepth)

		// Reopen of a healthy section is illegal.
		f := c.Reopen("6", "operator:kang")
		require.NotNil(t, f)
		assert.Equal(t, fault.Code("2-1-51"), f.Code)
	})
}

func TestVersionCounter(t *testing.T) {
	c := New(nil, nil)
	c.RegisterCanonical(0)
	v0 := c.Version()
	completeChain(t, c, "CP")
	v1 := c.Version()
	assert.Greater(t, v1, v0)

	rec, _ := c.Snapshot("CP")
	assert.Equal(t, v1, rec.Version)

	// Rejected operations must not bump the version.
	_ = c.Start("CP")
	assert.Equal(t, v1, c.Version())
}

func TestEligible(t *testing.T) {
	c := New(nil, nil)
	c.RegisterCanonical(0)
	assert.Equal(t, []string{"CP"}, c.Eligible())

	completeChain(t, c, "CP")
	assert.Equal(t, []string{"TOC"}, c.Eligible())
}
