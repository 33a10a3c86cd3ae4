// Package gateway bridges the evidence stream to report sections. It
// routes indexed evidence to section feeds, composes frozen input
// envelopes when a section becomes eligible, mediates payload
// publication, and replays envelopes on accepted revisions.
package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/casewire/casewire/internal/logger"
	"github.com/casewire/casewire/pkg/bus"
	"github.com/casewire/casewire/pkg/ecc"
	"github.com/casewire/casewire/pkg/fault"
)

// Address is the gateway's bus address.
const Address = "2-2"

// Bus topics the gateway publishes on.
const (
	TopicDeliver     = "evidence.deliver"
	TopicDataUpdated = "section.data.updated"
)

// SignalEmitter publishes gateway events. *bus.Bus satisfies it.
type SignalEmitter interface {
	Emit(topic string, sig *bus.Signal)
}

// FaultSink receives faults the gateway raises.
type FaultSink interface {
	Raise(f *fault.Fault)
}

// Metrics is the optional routing observability hook.
type Metrics interface {
	EvidenceDelivered(sectionID string)
	SectionPublished(sectionID string)
	RevisionForwarded(sectionID string)
}

// Envelope is the frozen input handed to a section worker. Revision
// replays carry the frozen IDs plus anything delivered since.
type Envelope struct {
	SectionID   string    `json:"section_id"`
	EvidenceIDs []string  `json:"evidence_ids"`
	Revision    int       `json:"revision"`
	FrozenAt    time.Time `json:"frozen_at"`
}

// PublishPayload is a section's published output.
type PublishPayload struct {
	SectionID string         `json:"section_id" validate:"required"`
	Content   map[string]any `json:"content" validate:"required"`
	Summary   string         `json:"summary,omitempty"`
}

// feed is the per-section delivery ledger. frozen marks how much of
// delivered was in the envelope at the last freeze.
type feed struct {
	delivered []string
	seen      map[string]struct{}
	frozen    int
	envelope  *Envelope
	payload   *PublishPayload
}

// Gateway mediates between the locker's evidence stream and the
// controller's section lifecycle.
type Gateway struct {
	mu       sync.Mutex
	routes   []Route
	feeds    map[string]*feed
	ctrl     *ecc.Controller
	emitter  SignalEmitter
	sink     FaultSink
	metrics  Metrics
	validate *validator.Validate
}

// New creates a gateway over the controller. Emitter and sink may be
// nil.
func New(routes []Route, ctrl *ecc.Controller, emitter SignalEmitter, sink FaultSink) *Gateway {
	return &Gateway{
		routes:   routes,
		feeds:    make(map[string]*feed),
		ctrl:     ctrl,
		emitter:  emitter,
		sink:     sink,
		validate: validator.New(),
	}
}

// SetMetrics installs the routing metrics hook.
func (g *Gateway) SetMetrics(m Metrics) {
	g.mu.Lock()
	g.metrics = m
	g.mu.Unlock()
}

// SectionAddress returns the bus address of a section worker.
func SectionAddress(sectionID string) bus.Address {
	return bus.Address("4-" + sectionID)
}

// HandleIndexed routes one indexed evidence item to its target
// sections, emitting one delivery signal per section. Duplicate
// deliveries to the same section are suppressed.
func (g *Gateway) HandleIndexed(ev EvidenceAttrs) []string {
	targets := targetSections(g.routes, ev)

	g.mu.Lock()
	defer g.mu.Unlock()

	var delivered []string
	for _, sectionID := range targets {
		f := g.feedLocked(sectionID)
		if _, ok := f.seen[ev.EvidenceID]; ok {
			continue
		}
		f.seen[ev.EvidenceID] = struct{}{}
		f.delivered = append(f.delivered, ev.EvidenceID)
		delivered = append(delivered, sectionID)

		g.emit(TopicDeliver, SectionAddress(sectionID), "evidence_deliver", map[string]any{
			"section_id":  sectionID,
			"evidence_id": ev.EvidenceID,
		})
		if g.metrics != nil {
			g.metrics.EvidenceDelivered(sectionID)
		}
	}
	if len(delivered) > 0 {
		logger.Debug("evidence routed",
			logger.KeyEvidenceID, ev.EvidenceID,
			logger.KeyCount, len(delivered))
	}
	return delivered
}

// PrepareSection freezes the section's input envelope and announces it.
// The controller's dependency gate is checked first; preparing ahead
// of its dependencies is forbidden.
func (g *Gateway) PrepareSection(sectionID string) (*Envelope, *fault.Fault) {
	if !g.ctrl.DependenciesComplete(sectionID) {
		return nil, g.raise(fault.Newf(Address, fault.FamilyForbidden, fault.SeverityMedium,
			"cannot prepare section %s: dependencies not completed", sectionID))
	}
	if f := g.ctrl.Prepare(sectionID); f != nil {
		return nil, f
	}

	g.mu.Lock()
	fd := g.feedLocked(sectionID)
	rev := 0
	if fd.envelope != nil {
		rev = fd.envelope.Revision
	}
	env := &Envelope{
		SectionID:   sectionID,
		EvidenceIDs: append([]string(nil), fd.delivered...),
		Revision:    rev,
		FrozenAt:    time.Now().UTC(),
	}
	fd.frozen = len(fd.delivered)
	fd.envelope = env
	g.mu.Unlock()

	g.emitEnvelope(env)
	return env, nil
}

// Publish validates and stores a section's output, then asks the
// controller to complete the section. The controller announces the
// completion on acceptance.
func (g *Gateway) Publish(payload PublishPayload, by bus.Address) *fault.Fault {
	if err := g.validate.Struct(payload); err != nil {
		return g.raise(fault.New(Address, fault.FamilyValidation, fault.SeverityMedium,
			"invalid section payload: "+err.Error()).
			WithContext(logger.KeySection, payload.SectionID))
	}

	hash, err := payloadHash(payload)
	if err != nil {
		return g.raise(fault.New(Address, fault.FamilyDataProcessing, fault.SeverityMedium,
			"failed to hash section payload: "+err.Error()))
	}

	if f := g.ctrl.MarkComplete(payload.SectionID, hash, by); f != nil {
		return f
	}

	g.mu.Lock()
	g.feedLocked(payload.SectionID).payload = &payload
	g.mu.Unlock()

	if g.metrics != nil {
		g.metrics.SectionPublished(payload.SectionID)
	}
	logger.Info("section payload published",
		logger.KeySection, payload.SectionID,
		logger.KeyContentHash, hash)
	return nil
}

// RequestRevision forwards a revision request to the controller. On
// acceptance the input envelope is replayed: the frozen IDs plus any
// evidence delivered since the freeze, at a bumped revision.
func (g *Gateway) RequestRevision(sectionID, reason string, requester bus.Address) (*Envelope, *fault.Fault) {
	if f := g.ctrl.RequestRevision(sectionID, reason, requester); f != nil {
		return nil, f
	}

	g.mu.Lock()
	fd := g.feedLocked(sectionID)
	rev := 1
	if fd.envelope != nil {
		rev = fd.envelope.Revision + 1
	}
	env := &Envelope{
		SectionID:   sectionID,
		EvidenceIDs: append([]string(nil), fd.delivered...),
		Revision:    rev,
		FrozenAt:    time.Now().UTC(),
	}
	fd.frozen = len(fd.delivered)
	fd.envelope = env
	g.mu.Unlock()

	if g.metrics != nil {
		g.metrics.RevisionForwarded(sectionID)
	}
	logger.Info("section revision accepted",
		logger.KeySection, sectionID,
		logger.KeyRevision, rev)
	g.emitEnvelope(env)
	return env, nil
}

// Payload returns the last published payload for a section.
func (g *Gateway) Payload(sectionID string) (*PublishPayload, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fd, ok := g.feeds[sectionID]
	if !ok || fd.payload == nil {
		return nil, false
	}
	p := *fd.payload
	return &p, true
}

// Envelope returns the current frozen envelope for a section.
func (g *Gateway) Envelope(sectionID string) (*Envelope, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fd, ok := g.feeds[sectionID]
	if !ok || fd.envelope == nil {
		return nil, false
	}
	env := *fd.envelope
	env.EvidenceIDs = append([]string(nil), fd.envelope.EvidenceIDs...)
	return &env, true
}

// Delivered returns the IDs delivered to a section so far.
func (g *Gateway) Delivered(sectionID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	fd, ok := g.feeds[sectionID]
	if !ok {
		return nil
	}
	return append([]string(nil), fd.delivered...)
}

func (g *Gateway) feedLocked(sectionID string) *feed {
	fd, ok := g.feeds[sectionID]
	if !ok {
		fd = &feed{seen: make(map[string]struct{})}
		g.feeds[sectionID] = fd
	}
	return fd
}

func (g *Gateway) emitEnvelope(env *Envelope) {
	g.emit(TopicDataUpdated, SectionAddress(env.SectionID), "section_data_updated", map[string]any{
		"section_id":   env.SectionID,
		"evidence_ids": env.EvidenceIDs,
		"revision":     env.Revision,
		"frozen_at":    env.FrozenAt.Format(time.RFC3339Nano),
	})
}

func (g *Gateway) emit(topic string, target bus.Address, signalType string, payload map[string]any) {
	if g.emitter == nil {
		return
	}
	sig := bus.NewSignal(Address, target, signalType, bus.RadioEvidence, payload)
	sig.ResponseExpected = false
	g.emitter.Emit(topic, sig)
}

func (g *Gateway) raise(f *fault.Fault) *fault.Fault {
	if g.sink != nil {
		g.sink.Raise(f)
	}
	return f
}

// payloadHash is the canonical content hash of a published payload:
// SHA-256 over the JSON encoding with sorted top-level content keys.
func payloadHash(p PublishPayload) (string, error) {
	keys := make([]string, 0, len(p.Content))
	for k := range p.Content {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(p.SectionID))
	for _, k := range keys {
		v, err := json.Marshal(p.Content[k])
		if err != nil {
			return "", err
		}
		h.Write([]byte(k))
		h.Write(v)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
