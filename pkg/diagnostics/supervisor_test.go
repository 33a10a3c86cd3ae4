package diagnostics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casewire/casewire/pkg/bus"
	"github.com/casewire/casewire/pkg/fault"
)

// fakeConn scripts bus behavior: which addresses answer probes, and
// records everything emitted or cancelled.
type fakeConn struct {
	mu        sync.Mutex
	responds  map[bus.Address]bool
	emitted   []string
	signals   []*bus.Signal
	cancelled []bus.Address
}

func newFakeConn() *fakeConn {
	return &fakeConn{responds: make(map[bus.Address]bool)}
}

func (c *fakeConn) Emit(topic string, sig *bus.Signal) {
	c.mu.Lock()
	c.emitted = append(c.emitted, topic)
	c.signals = append(c.signals, sig)
	c.mu.Unlock()
}

func (c *fakeConn) Request(ctx context.Context, sig *bus.Signal, timeout time.Duration) bus.Result {
	c.mu.Lock()
	ok := c.responds[sig.TargetAddress]
	c.mu.Unlock()
	if ok {
		return bus.Result{Outcome: bus.OutcomeResponse, Response: sig.Response(sig.TargetAddress, nil)}
	}
	return bus.Result{Outcome: bus.OutcomeTimeout}
}

func (c *fakeConn) CancelOwned(owners ...bus.Address) int {
	c.mu.Lock()
	c.cancelled = append(c.cancelled, owners...)
	c.mu.Unlock()
	return len(owners)
}

func (c *fakeConn) count(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.emitted {
		if t == topic {
			n++
		}
	}
	return n
}

func newTestSupervisor(conn *fakeConn) *Supervisor {
	cfg := DefaultConfig()
	cfg.SweepInterval = time.Hour // loops driven manually in tests
	cfg.VaultSweep = time.Hour
	cfg.Workers = 1
	return New(cfg, conn, NewVault(0, 0, nil))
}

func TestRaiseRouting(t *testing.T) {
	t.Run("ReportFamilyStoredOnly", func(t *testing.T) {
		s := newTestSupervisor(newFakeConn())
		f := fault.New("2-1", fault.FamilyInvalidState, fault.SeverityMedium, "illegal transition")
		s.Raise(f)

		got, ok := s.Vault().Get(f.FaultID)
		require.True(t, ok)
		assert.Equal(t, fault.StateOpen, got.State)
		assert.Zero(t, s.queue.depth())
	})

	t.Run("RetryFamilyQueued", func(t *testing.T) {
		s := newTestSupervisor(newFakeConn())
		f := fault.New("1-1", fault.FamilyDatabase, fault.SeverityMedium, "index write failed")
		s.Raise(f)
		assert.Equal(t, 1, s.queue.depth())
	})
}

func TestRepair(t *testing.T) {
	t.Run("RepairedAndClosed", func(t *testing.T) {
		conn := newFakeConn()
		s := newTestSupervisor(conn)
		calls := 0
		s.RegisterRepairer(fault.FamilyDatabase, func(ctx context.Context, f *fault.Fault) error {
			calls++
			if calls < 2 {
				return errors.New("still down")
			}
			return nil
		})

		f := fault.New("1-1", fault.FamilyDatabase, fault.SeverityMedium, "db")
		s.vault.Put(f)
		s.repair(f)

		assert.Equal(t, 2, calls)
		got, _ := s.Vault().Get(f.FaultID)
		assert.Equal(t, fault.StateClosed, got.State)
		assert.Equal(t, 2, got.Attempts)
		assert.Zero(t, conn.count(TopicSOS))
	})

	t.Run("ExhaustionEscalatesSOS", func(t *testing.T) {
		conn := newFakeConn()
		s := newTestSupervisor(conn)
		s.RegisterRepairer(fault.FamilyNetwork, func(ctx context.Context, f *fault.Fault) error {
			return errors.New("unreachable")
		})

		f := fault.New("3-1", fault.FamilyNetwork, fault.SeverityMedium, "export endpoint down")
		s.vault.Put(f)
		s.repair(f)

		got, _ := s.Vault().Get(f.FaultID)
		assert.Equal(t, fault.StateUnrepaired, got.State)
		assert.Equal(t, fault.MaxRetryAttempts, got.Attempts)
		require.Equal(t, 1, conn.count(TopicSOS))

		sos := conn.signals[len(conn.signals)-1]
		assert.Equal(t, bus.RadioSOS, sos.RadioCode)
		assert.Equal(t, f.FaultID, sos.Payload["fault_id"])
	})

	t.Run("NoRepairerEscalatesImmediately", func(t *testing.T) {
		conn := newFakeConn()
		s := newTestSupervisor(conn)

		f := fault.New("1-1", fault.FamilyResourceBusy, fault.SeverityLow, "mailbox full")
		s.vault.Put(f)
		s.repair(f)

		got, _ := s.Vault().Get(f.FaultID)
		assert.Equal(t, fault.StateUnrepaired, got.State)
		assert.Equal(t, 1, conn.count(TopicSOS))
	})

	t.Run("WorkerPoolDrainsQueue", func(t *testing.T) {
		conn := newFakeConn()
		s := newTestSupervisor(conn)
		var mu sync.Mutex
		repaired := 0
		s.RegisterRepairer(fault.FamilyDatabase, func(ctx context.Context, f *fault.Fault) error {
			mu.Lock()
			repaired++
			mu.Unlock()
			return nil
		})
		s.Start()
		defer s.Stop()

		for i := 0; i < 5; i++ {
			s.Raise(fault.New("1-1", fault.FamilyDatabase, fault.SeverityMedium, "db"))
		}
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return repaired == 5
		}, 2*time.Second, 5*time.Millisecond)
	})
}

func TestLiveness(t *testing.T) {
	conn := newFakeConn()
	s := newTestSupervisor(conn)
	s.Register("1-1")
	s.Register("2-1")
	conn.responds["1-1"] = true

	// Two sweeps: 2-1 stays silent but is still under the threshold.
	s.sweepOnce()
	s.sweepOnce()
	h := s.Health()
	assert.True(t, h["1-1"].Healthy)
	assert.True(t, h["2-1"].Healthy)
	assert.Equal(t, 2, h["2-1"].Misses)

	// Third miss crosses the threshold.
	s.sweepOnce()
	h = s.Health()
	assert.False(t, h["2-1"].Healthy)

	var timeouts, escalations int
	for _, f := range s.Vault().Snapshot() {
		switch f.Code {
		case "2-1-20":
			timeouts++
		case "2-1-23":
			escalations++
			assert.Equal(t, fault.SeverityHigh, f.Severity)
		}
	}
	assert.Equal(t, 3, timeouts)
	assert.Equal(t, 1, escalations)

	// Recovery resets the tally.
	conn.mu.Lock()
	conn.responds["2-1"] = true
	conn.mu.Unlock()
	s.sweepOnce()
	h = s.Health()
	assert.True(t, h["2-1"].Healthy)
	assert.Zero(t, h["2-1"].Misses)
}

func TestRollcall(t *testing.T) {
	conn := newFakeConn()
	s := newTestSupervisor(conn)
	s.Register("1-1")
	s.Register("2-2")
	conn.responds["1-1"] = true

	results, f := s.Rollcall(context.Background(), "2-1")
	require.Nil(t, f)
	assert.Equal(t, map[bus.Address]bool{"1-1": true, "2-2": false}, results)

	// A silent member accumulates a miss on the shared ledger; a
	// responsive one stays clean.
	h := s.Health()
	assert.Equal(t, 1, h["2-2"].Misses)
	assert.Zero(t, h["1-1"].Misses)
	assert.True(t, h["2-2"].Healthy)

	// Same caller inside the window is rejected, never queued.
	_, f = s.Rollcall(context.Background(), "2-1")
	require.NotNil(t, f)
	assert.Equal(t, fault.Code("Diag-40"), f.Code)

	// A different caller is not throttled.
	_, f = s.Rollcall(context.Background(), "3-1")
	assert.Nil(t, f)
}

func TestRollcallMissesCrossThreshold(t *testing.T) {
	conn := newFakeConn()
	s := newTestSupervisor(conn)
	s.Register("4-5")

	// Rollcall and STATUS misses share one tally: two silent sweeps
	// plus one silent rollcall cross the threshold.
	s.sweepOnce()
	s.sweepOnce()
	_, f := s.Rollcall(context.Background(), "2-1")
	require.Nil(t, f)

	h := s.Health()
	assert.Equal(t, 3, h["4-5"].Misses)
	assert.False(t, h["4-5"].Healthy)

	escalations := 0
	for _, vf := range s.Vault().Snapshot() {
		if vf.Code == "4-5-23" {
			escalations++
			assert.Equal(t, fault.SeverityHigh, vf.Severity)
		}
	}
	assert.Equal(t, 1, escalations)
}

func TestFatalPolicy(t *testing.T) {
	conn := newFakeConn()
	s := newTestSupervisor(conn)
	s.Register("4-6")

	crash := func() *fault.Fault {
		return fault.New("4-6", fault.FamilyCrash, fault.SeverityHigh, "renderer crash")
	}

	// First fatal requests a restart.
	s.Raise(crash())
	assert.Equal(t, 1, conn.count(TopicRestart))
	assert.Zero(t, conn.count(TopicMayday))

	// A re-fault inside the window disables the component.
	s.Raise(crash())
	assert.Equal(t, 1, conn.count(TopicMayday))
	h := s.Health()
	assert.True(t, h["4-6"].Disabled)
	assert.False(t, h["4-6"].Healthy)

	// Disabled members drop out of the sweep set.
	s.sweepOnce()
	assert.Zero(t, conn.count("diagnostics.status")) // no probes recorded via Emit
	snap := s.Vault().Snapshot()
	for _, f := range snap {
		assert.NotEqual(t, fault.Code("4-6-20"), f.Code)
	}
}

func TestCancelFor(t *testing.T) {
	conn := newFakeConn()
	s := newTestSupervisor(conn)
	n := s.CancelFor("4-6", "4-7")
	assert.Equal(t, 2, n)
	assert.Equal(t, []bus.Address{"4-6", "4-7"}, conn.cancelled)
}
