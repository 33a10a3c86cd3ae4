package section

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casewire/casewire/pkg/bus"
	"github.com/casewire/casewire/pkg/ecc"
	"github.com/casewire/casewire/pkg/fault"
	"github.com/casewire/casewire/pkg/gateway"
)

// fakeEvidence hands out canned bytes and records custody calls.
type fakeEvidence struct {
	mu       sync.Mutex
	bytes    map[string][]byte
	checked  []string
	returned []string
}

func newFakeEvidence() *fakeEvidence {
	return &fakeEvidence{bytes: map[string][]byte{
		"E1": []byte("statement"),
		"E2": []byte("photo bytes"),
	}}
}

func (s *fakeEvidence) Checkout(ctx context.Context, sectionID, evidenceID string) ([]byte, *fault.Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checked = append(s.checked, evidenceID)
	return s.bytes[evidenceID], nil
}

func (s *fakeEvidence) Return(ctx context.Context, sectionID, evidenceID, notes string) *fault.Fault {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.returned = append(s.returned, evidenceID)
	return nil
}

type emitRecorder struct {
	mu     sync.Mutex
	topics []string
}

func (e *emitRecorder) Emit(topic string, sig *bus.Signal) {
	e.mu.Lock()
	e.topics = append(e.topics, topic)
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

// blockingWorker runs until its release channel closes, or honors ctx
// if obedient.
type blockingWorker struct {
	id       string
	obedient bool
	release  chan struct{}
}

func (w *blockingWorker) SectionID() string { return w.id }

func (w *blockingWorker) Execute(ctx context.Context, in Input) (Output, error) {
	if w.obedient {
		select {
		case <-ctx.Done():
			return Output{}, ctx.Err()
		case <-w.release:
			return Output{Content: map[string]any{"ok": true}}, nil
		}
	}
	<-w.release
	return Output{}, errors.New("released after hang")
}

func newPoolFixture(t *testing.T) (*Pool, *ecc.Controller, *gateway.Gateway, *emitRecorder) {
	t.Helper()
	ctrl := ecc.New(nil, nil)
	ctrl.RegisterCanonical(0)
	gw := gateway.New(nil, ctrl, nil, nil)
	em := &emitRecorder{}
	p := NewPool(4, ctrl, gw, em, nil)
	return p, ctrl, gw, em
}

func TestEchoWorker(t *testing.T) {
	src := newFakeEvidence()
	w := &EchoWorker{ID: "3"}
	out, err := w.Execute(context.Background(), Input{
		CaseID:   "CASE-1",
		Envelope: gateway.Envelope{SectionID: "3", EvidenceIDs: []string{"E1", "E2"}},
		Evidence: src,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"E1", "E2"}, src.checked)
	assert.Equal(t, []string{"E1", "E2"}, src.returned)
	assert.Equal(t, 20, out.Content["total_bytes"])
	assert.Contains(t, out.Summary, "2 evidence items")
}

func TestRunSection(t *testing.T) {
	t.Run("CompletesThroughGateway", func(t *testing.T) {
		p, ctrl, gw, _ := newPoolFixture(t)
		p.RegisterCanonicalEcho(0)
		gw.HandleIndexed(gateway.EvidenceAttrs{EvidenceID: "E1", SectionHints: []string{"CP"}})

		require.Nil(t, p.RunSection(context.Background(), "CASE-1", "CP", newFakeEvidence()))

		st, _ := ctrl.State("CP")
		assert.Equal(t, ecc.StateCompleted, st)
		payload, ok := gw.Payload("CP")
		require.True(t, ok)
		assert.Equal(t, "CP", payload.SectionID)
	})

	t.Run("UnregisteredSection", func(t *testing.T) {
		p, _, _, _ := newPoolFixture(t)
		f := p.RunSection(context.Background(), "CASE-1", "CP", newFakeEvidence())
		require.NotNil(t, f)
		assert.Equal(t, fault.Code("4-CP-24"), f.Code)
	})

	t.Run("DependencyGateHolds", func(t *testing.T) {
		p, _, _, _ := newPoolFixture(t)
		p.RegisterCanonicalEcho(0)
		f := p.RunSection(context.Background(), "CASE-1", "TOC", newFakeEvidence())
		require.NotNil(t, f)
		assert.Equal(t, fault.Code("2-2-52"), f.Code)
	})
}

func TestExecutionBudget(t *testing.T) {
	p, ctrl, _, em := newPoolFixture(t)
	w := &blockingWorker{id: "CP", obedient: true, release: make(chan struct{})}
	p.Register(w, 30*time.Millisecond)

	f := p.RunSection(context.Background(), "CASE-1", "CP", newFakeEvidence())
	require.NotNil(t, f)
	assert.Equal(t, fault.Code("4-CP-20"), f.Code)

	st, _ := ctrl.State("CP")
	assert.Equal(t, ecc.StateFailed, st)
	assert.Equal(t, 1, em.count(TopicCancelled))
}

func TestCancellationContract(t *testing.T) {
	t.Run("HungWorkerRaisesNetworkFault", func(t *testing.T) {
		old := cancelGrace
		cancelGrace = 50 * time.Millisecond
		defer func() { cancelGrace = old }()

		sink := &faultRecorder{}
		ctrl := ecc.New(nil, nil)
		ctrl.RegisterCanonical(0)
		gw := gateway.New(nil, ctrl, nil, nil)
		p := NewPool(2, ctrl, gw, nil, sink)

		w := &blockingWorker{id: "CP", obedient: false, release: make(chan struct{})}
		p.Register(w, 30*time.Millisecond)

		f := p.RunSection(context.Background(), "CASE-1", "CP", newFakeEvidence())
		require.NotNil(t, f)
		assert.Equal(t, fault.Code("4-CP-93"), f.Code)
		assert.Equal(t, fault.SeverityHigh, f.Severity)
		close(w.release)
	})

	t.Run("CaseCancelAcknowledged", func(t *testing.T) {
		p, _, _, em := newPoolFixture(t)
		w := &blockingWorker{id: "CP", obedient: true, release: make(chan struct{})}
		p.Register(w, time.Minute)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan *fault.Fault, 1)
		go func() { done <- p.RunSection(ctx, "CASE-1", "CP", newFakeEvidence()) }()

		time.Sleep(20 * time.Millisecond)
		cancel()

		select {
		case f := <-done:
			require.NotNil(t, f)
			assert.Equal(t, fault.Code("4-CP-20"), f.Code)
		case <-time.After(time.Second):
			t.Fatal("cancelled run did not wind down")
		}
		assert.Equal(t, 1, em.count(TopicCancelled))
	})
}

type faultRecorder struct {
	mu     sync.Mutex
	faults []*fault.Fault
}

func (r *faultRecorder) Raise(f *fault.Fault) {
	r.mu.Lock()
	r.faults = append(r.faults, f)
	r.mu.Unlock()
}

func TestRunCase(t *testing.T) {
	p, ctrl, gw, _ := newPoolFixture(t)
	p.RegisterCanonicalEcho(0)
	gw.HandleIndexed(gateway.EvidenceAttrs{EvidenceID: "E1", SectionHints: []string{"CP", "3"}})

	require.Nil(t, p.RunCase(context.Background(), "CASE-1", newFakeEvidence()))

	for _, id := range ctrl.ExecutionOrder() {
		st, _ := ctrl.State(id)
		assert.Equal(t, ecc.StateCompleted, st, id)
	}
}
