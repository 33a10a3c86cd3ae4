package gateway

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casewire/casewire/pkg/bus"
	"github.com/casewire/casewire/pkg/ecc"
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
	topics  []string
	signals []*bus.Signal
}

func (e *emitRecorder) Emit(topic string, sig *bus.Signal) {
	e.mu.Lock()
	e.topics = append(e.topics, topic)
	e.signals = append(e.signals, sig)
	e.mu.Unlock()
}

func (e *emitRecorder) byTopic(topic string) []*bus.Signal {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*bus.Signal
	for i, t := range e.topics {
		if t == topic {
			out = append(out, e.signals[i])
		}
	}
	return out
}

func newTestGateway(routes []Route) (*Gateway, *ecc.Controller, *emitRecorder, *sinkRecorder) {
	ctrl := ecc.New(nil, nil)
	ctrl.RegisterCanonical(2)
	em := &emitRecorder{}
	sink := &sinkRecorder{}
	return New(routes, ctrl, em, sink), ctrl, em, sink
}

// publishThrough drives a section to completion via the gateway.
func publishThrough(t *testing.T, g *Gateway, ctrl *ecc.Controller, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, f := g.PrepareSection(id)
		require.Nil(t, f)
		require.Nil(t, ctrl.Start(id))
		require.Nil(t, g.Publish(PublishPayload{
			SectionID: id,
			Content:   map[string]any{"body": "text for " + id},
		}, SectionAddress(id)))
	}
}

func TestRouting(t *testing.T) {
	t.Run("RoutesAndHintsUnion", func(t *testing.T) {
		routes := []Route{
			{Kind: "image", Sections: []string{"8"}},
			{Classification: "witness_statement", Sections: []string{"3", "5"}},
			{Tags: []string{"scene"}, Sections: []string{"6"}},
		}
		g, _, em, _ := newTestGateway(routes)

		got := g.HandleIndexed(EvidenceAttrs{
			EvidenceID:     "E1",
			Kind:           "image",
			Classification: "witness_statement",
			Tags:           []string{"scene", "exterior"},
			SectionHints:   []string{"CP"},
		})
		assert.ElementsMatch(t, []string{"8", "3", "5", "6", "CP"}, got)

		deliveries := em.byTopic(TopicDeliver)
		require.Len(t, deliveries, 5)
		assert.Equal(t, bus.Address("4-8"), deliveries[0].TargetAddress)
		assert.Equal(t, "E1", deliveries[0].Payload["evidence_id"])
	})

	t.Run("DuplicateDeliverySuppressed", func(t *testing.T) {
		g, _, em, _ := newTestGateway([]Route{{Kind: "image", Sections: []string{"8"}}})

		ev := EvidenceAttrs{EvidenceID: "E1", Kind: "image"}
		require.Len(t, g.HandleIndexed(ev), 1)
		assert.Empty(t, g.HandleIndexed(ev))
		assert.Len(t, em.byTopic(TopicDeliver), 1)
		assert.Equal(t, []string{"E1"}, g.Delivered("8"))
	})

	t.Run("NoMatchNoDelivery", func(t *testing.T) {
		g, _, em, _ := newTestGateway([]Route{{Kind: "audio", Sections: []string{"6"}}})
		assert.Empty(t, g.HandleIndexed(EvidenceAttrs{EvidenceID: "E1", Kind: "image"}))
		assert.Empty(t, em.byTopic(TopicDeliver))
	})
}

func TestPrepareSection(t *testing.T) {
	t.Run("FreezesEnvelope", func(t *testing.T) {
		g, _, em, _ := newTestGateway([]Route{{Sections: []string{"CP"}}})
		g.HandleIndexed(EvidenceAttrs{EvidenceID: "E1"})
		g.HandleIndexed(EvidenceAttrs{EvidenceID: "E2"})

		env, f := g.PrepareSection("CP")
		require.Nil(t, f)
		assert.Equal(t, []string{"E1", "E2"}, env.EvidenceIDs)
		assert.Zero(t, env.Revision)

		updates := em.byTopic(TopicDataUpdated)
		require.Len(t, updates, 1)
		assert.Equal(t, bus.Address("4-CP"), updates[0].TargetAddress)

		// Evidence arriving after the freeze stays out of the envelope.
		g.HandleIndexed(EvidenceAttrs{EvidenceID: "E3"})
		frozen, ok := g.Envelope("CP")
		require.True(t, ok)
		assert.Equal(t, []string{"E1", "E2"}, frozen.EvidenceIDs)
	})

	t.Run("OrderLock", func(t *testing.T) {
		g, _, _, sink := newTestGateway(nil)

		_, f := g.PrepareSection("TOC") // CP not completed
		require.NotNil(t, f)
		assert.Equal(t, fault.Code("2-2-52"), f.Code)
		sink.mu.Lock()
		assert.Len(t, sink.faults, 1)
		sink.mu.Unlock()
	})
}

func TestPublish(t *testing.T) {
	t.Run("CompletesSection", func(t *testing.T) {
		g, ctrl, _, _ := newTestGateway(nil)
		publishThrough(t, g, ctrl, "CP")

		st, _ := ctrl.State("CP")
		assert.Equal(t, ecc.StateCompleted, st)

		rec, _ := ctrl.Snapshot("CP")
		assert.NotEmpty(t, rec.FrozenPayloadHash)

		p, ok := g.Payload("CP")
		require.True(t, ok)
		assert.Equal(t, "CP", p.SectionID)
	})

	t.Run("SchemaValidation", func(t *testing.T) {
		g, ctrl, _, _ := newTestGateway(nil)
		_, f := g.PrepareSection("CP")
		require.Nil(t, f)
		require.Nil(t, ctrl.Start("CP"))

		f = g.Publish(PublishPayload{SectionID: "CP"}, "4-CP") // no content
		require.NotNil(t, f)
		assert.Equal(t, fault.Code("2-2-31"), f.Code)

		// The section is untouched by the rejected publish.
		st, _ := ctrl.State("CP")
		assert.Equal(t, ecc.StateExecuting, st)
	})

	t.Run("DeterministicPayloadHash", func(t *testing.T) {
		content := map[string]any{"b": 2, "a": "one", "c": []any{"x"}}
		h1, err := payloadHash(PublishPayload{SectionID: "1", Content: content})
		require.NoError(t, err)
		h2, err := payloadHash(PublishPayload{SectionID: "1", Content: map[string]any{"c": []any{"x"}, "a": "one", "b": 2}})
		require.NoError(t, err)
		assert.Equal(t, h1, h2)

		h3, err := payloadHash(PublishPayload{SectionID: "2", Content: content})
		require.NoError(t, err)
		assert.NotEqual(t, h1, h3)
	})
}

func TestRevisionReplay(t *testing.T) {
	g, ctrl, em, _ := newTestGateway([]Route{{Sections: []string{"CP"}}})
	g.HandleIndexed(EvidenceAttrs{EvidenceID: "E1"})
	publishThrough(t, g, ctrl, "CP")

	// New evidence lands after completion.
	g.HandleIndexed(EvidenceAttrs{EvidenceID: "E2"})

	env, f := g.RequestRevision("CP", "missing exterior photos", "2-2")
	require.Nil(t, f)
	assert.Equal(t, 1, env.Revision)
	assert.Equal(t, []string{"E1", "E2"}, env.EvidenceIDs)

	updates := em.byTopic(TopicDataUpdated)
	require.Len(t, updates, 2) // prepare + revision replay
	assert.Equal(t, 1, updates[1].Payload["revision"])

	st, _ := ctrl.State("CP")
	assert.Equal(t, ecc.StateRevisionRequested, st)
}
