// Package locker implements the evidence locker: content-addressed
// intake, deduplication, classification and custody tracking for
// evidence items. Every state change is appended to a durable manifest
// and announced on the signal bus.
package locker

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/casewire/casewire/internal/logger"
	"github.com/casewire/casewire/pkg/bus"
	"github.com/casewire/casewire/pkg/fault"
	"github.com/casewire/casewire/pkg/jsonl"
	"github.com/casewire/casewire/pkg/locker/blob"
)

// Bus topics the locker publishes on.
const (
	TopicNew         = "evidence.new"
	TopicDuplicate   = "evidence.duplicate"
	TopicClassified  = "evidence.classified"
	TopicIndexed     = "evidence.indexed"
	TopicQuarantined = "evidence.quarantined"
)

// gatewayAddress is where evidence announcements are targeted.
const gatewayAddress = bus.Address("2-2")

// SignalEmitter publishes locker events. *bus.Bus satisfies it; a nil
// emitter disables publication.
type SignalEmitter interface {
	Emit(topic string, sig *bus.Signal)
}

// FaultSink receives faults the locker raises.
type FaultSink interface {
	Raise(f *fault.Fault)
}

// Metrics is the optional intake observability hook.
type Metrics interface {
	EvidenceIngested(kind string)
	EvidenceDuplicate()
	EvidenceClassified(outcome string)
	EvidenceQuarantined()
}

// Config holds locker tuning knobs.
type Config struct {
	// ClassifyAttempts is the retry budget for the classifier.
	ClassifyAttempts int

	// ClassifyBackoff is the initial retry backoff, doubled per attempt.
	ClassifyBackoff time.Duration

	// MaxEvidenceSize caps a single item's size in bytes. Zero means
	// unlimited.
	MaxEvidenceSize int64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ClassifyAttempts: fault.MaxRetryAttempts,
		ClassifyBackoff:  500 * time.Millisecond,
	}
}

// Locker is the evidence locker for one case.
type Locker struct {
	cfg        Config
	index      *Index
	blobs      blob.Store
	manifest   jsonl.Persister[ManifestRecord]
	classifier Classifier
	emitter    SignalEmitter
	sink       FaultSink
	metrics    Metrics

	mu     sync.Mutex // serializes item mutations
	wg     sync.WaitGroup
	closed chan struct{}
}

// New creates a locker. Emitter, sink and metrics may be nil. A nil
// classifier falls back to the extension classifier.
func New(cfg Config, index *Index, blobs blob.Store, manifest jsonl.Persister[ManifestRecord], classifier Classifier, emitter SignalEmitter, sink FaultSink) *Locker {
	if cfg.ClassifyAttempts <= 0 {
		cfg.ClassifyAttempts = fault.MaxRetryAttempts
	}
	if cfg.ClassifyBackoff <= 0 {
		cfg.ClassifyBackoff = 500 * time.Millisecond
	}
	if classifier == nil {
		classifier = ExtensionClassifier{}
	}
	return &Locker{
		cfg:        cfg,
		index:      index,
		blobs:      blobs,
		manifest:   manifest,
		classifier: classifier,
		emitter:    emitter,
		sink:       sink,
		closed:     make(chan struct{}),
	}
}

// SetMetrics installs the intake metrics hook.
func (l *Locker) SetMetrics(m Metrics) {
	l.mu.Lock()
	l.metrics = m
	l.mu.Unlock()
}

// IngestRequest describes one piece of incoming evidence.
type IngestRequest struct {
	Path         string
	Data         []byte
	Kind         Kind
	CapturedAt   time.Time
	Tags         []string
	SectionHints []string
	ActorAddress string
}

// Ingest runs the intake pipeline: hash, dedupe, store, announce.
// Returns the resolved item and whether it was a duplicate of
// already-held evidence. Classification runs asynchronously.
func (l *Locker) Ingest(ctx context.Context, req IngestRequest) (*Item, bool, *fault.Fault) {
	if l.cfg.MaxEvidenceSize > 0 && int64(len(req.Data)) > l.cfg.MaxEvidenceSize {
		return nil, false, l.raise(fault.New(Address, fault.FamilyValidation,
			fault.SeverityLow, fmt.Sprintf("evidence %q exceeds size limit: %d > %d bytes",
				req.Path, len(req.Data), l.cfg.MaxEvidenceSize)))
	}

	sum := sha256.Sum256(req.Data)
	hash := hex.EncodeToString(sum[:])

	l.mu.Lock()
	defer l.mu.Unlock()

	if id, err := l.index.Lookup(ctx, hash); err == nil {
		return l.absorbDuplicateLocked(ctx, id, req)
	} else if err != ErrNotFound {
		return nil, false, l.raise(fault.New(Address, fault.FamilyDatabase,
			fault.SeverityMedium, "evidence index lookup failed: "+err.Error()))
	}

	now := time.Now().UTC()
	it := &Item{
		EvidenceID:   uuid.NewString(),
		ContentHash:  hash,
		Kind:         req.Kind,
		Path:         req.Path,
		Size:         int64(len(req.Data)),
		CapturedAt:   req.CapturedAt,
		IngestedAt:   now,
		Tags:         append([]string(nil), req.Tags...),
		SectionHints: append([]string(nil), req.SectionHints...),
		Status:       StatusIngested,
		CustodyChain: []CustodyEntry{{
			ActorAddress: req.ActorAddress,
			Action:       "ingested",
			Timestamp:    now,
		}},
	}

	if err := l.blobs.Put(ctx, hash, bytes.NewReader(req.Data), it.Size); err != nil {
		return nil, false, l.raise(fault.New(Address, fault.FamilyExternalService,
			fault.SeverityMedium, "failed to store evidence blob: "+err.Error()))
	}

	winner, err := l.index.PutNew(ctx, it)
	if err != nil {
		return nil, false, l.raise(fault.New(Address, fault.FamilyDatabase,
			fault.SeverityMedium, "failed to index evidence: "+err.Error()))
	}
	if winner != it.EvidenceID {
		// Lost a concurrent ingest race for the same bytes.
		return l.absorbDuplicateLocked(ctx, winner, req)
	}

	l.appendManifest(it.EvidenceID, EventIngested, req.ActorAddress)
	l.emit(TopicNew, "evidence_new", it)
	if l.metrics != nil {
		l.metrics.EvidenceIngested(string(it.Kind))
	}
	logger.Info("evidence ingested",
		logger.KeyEvidenceID, it.EvidenceID,
		logger.KeyContentHash, hash,
		logger.KeySize, it.Size)

	l.classifyAsync(it.EvidenceID, req.ActorAddress)
	return it, false, nil
}

// absorbDuplicateLocked merges a re-submission into the existing item:
// tags union, custody entry, duplicate manifest event. Classification
// is never re-run for duplicates.
func (l *Locker) absorbDuplicateLocked(ctx context.Context, id string, req IngestRequest) (*Item, bool, *fault.Fault) {
	it, err := l.index.Get(ctx, id)
	if err != nil {
		return nil, false, l.raise(fault.New(Address, fault.FamilyDatabase,
			fault.SeverityMedium, "failed to load duplicate evidence: "+err.Error()))
	}

	it.Tags = mergeTags(it.Tags, req.Tags)
	it.SectionHints = mergeTags(it.SectionHints, req.SectionHints)
	it.CustodyChain = append(it.CustodyChain, CustodyEntry{
		ActorAddress: req.ActorAddress,
		Action:       "duplicate_submission",
		Timestamp:    time.Now().UTC(),
		Note:         req.Path,
	})
	if err := l.index.Update(ctx, it); err != nil {
		return nil, false, l.raise(fault.New(Address, fault.FamilyDatabase,
			fault.SeverityMedium, "failed to update duplicate evidence: "+err.Error()))
	}

	l.appendManifest(id, EventDuplicate, req.ActorAddress)
	l.emit(TopicDuplicate, "evidence_duplicate", it)
	if l.metrics != nil {
		l.metrics.EvidenceDuplicate()
	}
	logger.Info("duplicate evidence absorbed",
		logger.KeyEvidenceID, id,
		logger.KeyContentHash, it.ContentHash)
	return it, true, nil
}

// classifyAsync runs the classifier in the background with retries.
// Exhausted retries mark the item unknown rather than blocking intake.
func (l *Locker) classifyAsync(id, actor string) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.classify(context.Background(), id, actor)
	}()
}

func (l *Locker) classify(ctx context.Context, id, actor string) {
	l.mu.Lock()
	it, err := l.index.Get(ctx, id)
	l.mu.Unlock()
	if err != nil {
		return
	}

	var (
		classification string
		hints          []string
	)
	backoff := l.cfg.ClassifyBackoff
	for attempt := 1; ; attempt++ {
		classification, hints, err = l.classifier.Classify(ctx, it)
		if err == nil {
			break
		}
		if attempt >= l.cfg.ClassifyAttempts {
			l.raise(fault.New(Address, fault.FamilyDataProcessing,
				fault.SeverityMedium, "classification failed after retries: "+err.Error()).
				WithContext(logger.KeyEvidenceID, id).
				WithContext(logger.KeyAttempt, attempt))
			classification = ClassificationUnknown
			hints = nil
			break
		}
		select {
		case <-time.After(backoff):
		case <-l.closed:
			return
		}
		backoff *= 2
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	it, err = l.index.Get(ctx, id)
	if err != nil || it.Status == StatusQuarantined {
		return
	}
	now := time.Now().UTC()
	it.Classification = classification
	it.SectionHints = mergeTags(it.SectionHints, hints)
	it.Status = StatusClassified
	it.CustodyChain = append(it.CustodyChain, CustodyEntry{
		ActorAddress: Address,
		Action:       "classified",
		Timestamp:    now,
		Note:         classification,
	})
	if err := l.index.Update(ctx, it); err != nil {
		return
	}
	l.appendManifest(id, EventClassified, Address)
	l.emit(TopicClassified, "evidence_classified", it)
	if l.metrics != nil {
		l.metrics.EvidenceClassified(classification)
	}

	// Indexing follows classification immediately. It is a separate
	// status so consumers can distinguish "labelled" from "queryable".
	it.Status = StatusIndexed
	if err := l.index.Update(ctx, it); err != nil {
		return
	}
	l.appendManifest(id, EventIndexed, Address)
	l.emit(TopicIndexed, "evidence_indexed", it)
}

// Reclassify re-runs the classifier for an item, for example after a
// classifier upgrade. Quarantined items are not reclassified.
func (l *Locker) Reclassify(ctx context.Context, id, actor string) *fault.Fault {
	l.mu.Lock()
	it, err := l.index.Get(ctx, id)
	if err != nil {
		l.mu.Unlock()
		return l.raise(fault.New(Address, fault.FamilyFileMissing,
			fault.SeverityLow, "cannot reclassify unknown evidence "+id))
	}
	if it.Status == StatusQuarantined {
		l.mu.Unlock()
		return l.raise(fault.New(Address, fault.FamilyInvalidState,
			fault.SeverityLow, "cannot reclassify quarantined evidence "+id))
	}
	l.appendManifest(id, EventReclassify, actor)
	l.mu.Unlock()

	l.classifyAsync(id, actor)
	return nil
}

// Verify recomputes the content hash from stored bytes. A mismatch
// quarantines the item and raises a corruption fault.
func (l *Locker) Verify(ctx context.Context, id string) *fault.Fault {
	l.mu.Lock()
	defer l.mu.Unlock()

	it, err := l.index.Get(ctx, id)
	if err != nil {
		return l.raise(fault.New(Address, fault.FamilyFileMissing,
			fault.SeverityLow, "cannot verify unknown evidence "+id))
	}

	rc, err := l.blobs.Get(ctx, it.ContentHash)
	if err != nil {
		return l.quarantineLocked(ctx, it, "blob missing: "+err.Error())
	}
	h := sha256.New()
	_, err = io.Copy(h, rc)
	rc.Close()
	if err != nil {
		return l.raise(fault.New(Address, fault.FamilyExternalService,
			fault.SeverityMedium, "failed to read evidence blob: "+err.Error()))
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != it.ContentHash {
		return l.quarantineLocked(ctx, it, "content hash mismatch: stored bytes hash to "+got)
	}
	return nil
}

func (l *Locker) quarantineLocked(ctx context.Context, it *Item, reason string) *fault.Fault {
	it.Status = StatusQuarantined
	it.CustodyChain = append(it.CustodyChain, CustodyEntry{
		ActorAddress: Address,
		Action:       "quarantined",
		Timestamp:    time.Now().UTC(),
		Note:         reason,
	})
	_ = l.index.Update(ctx, it)
	l.appendManifest(it.EvidenceID, EventQuarantine, Address)
	l.emit(TopicQuarantined, "evidence_quarantined", it)
	if l.metrics != nil {
		l.metrics.EvidenceQuarantined()
	}
	logger.Error("evidence quarantined",
		logger.KeyEvidenceID, it.EvidenceID,
		logger.KeyContentHash, it.ContentHash,
		logger.KeyError, reason)
	return l.raise(fault.New(Address, fault.FamilyCorruption,
		fault.SeverityHigh, reason).
		WithContext(logger.KeyEvidenceID, it.EvidenceID))
}

// Checkout hands evidence bytes to a section worker, recording the
// custody transfer. The state gate lives with the evidence manager,
// not here.
func (l *Locker) Checkout(ctx context.Context, id, actor string) (*Item, io.ReadCloser, *fault.Fault) {
	l.mu.Lock()
	defer l.mu.Unlock()

	it, err := l.index.Get(ctx, id)
	if err != nil {
		return nil, nil, l.raise(fault.New(Address, fault.FamilyFileMissing,
			fault.SeverityLow, "cannot check out unknown evidence "+id))
	}
	if it.Status == StatusQuarantined {
		return nil, nil, l.raise(fault.New(Address, fault.FamilyInvalidState,
			fault.SeverityMedium, "cannot check out quarantined evidence "+id))
	}

	rc, err := l.blobs.Get(ctx, it.ContentHash)
	if err != nil {
		return nil, nil, l.raise(fault.New(Address, fault.FamilyFileMissing,
			fault.SeverityMedium, "evidence blob unavailable: "+err.Error()).
			WithContext(logger.KeyEvidenceID, id))
	}

	it.CustodyChain = append(it.CustodyChain, CustodyEntry{
		ActorAddress: actor,
		Action:       "checked_out",
		Timestamp:    time.Now().UTC(),
	})
	if err := l.index.Update(ctx, it); err != nil {
		rc.Close()
		return nil, nil, l.raise(fault.New(Address, fault.FamilyDatabase,
			fault.SeverityMedium, "failed to record checkout: "+err.Error()))
	}
	return it, rc, nil
}

// AppendCustody appends one custody entry to an item's chain.
func (l *Locker) AppendCustody(ctx context.Context, id string, entry CustodyEntry) *fault.Fault {
	l.mu.Lock()
	defer l.mu.Unlock()

	it, err := l.index.Get(ctx, id)
	if err != nil {
		return l.raise(fault.New(Address, fault.FamilyFileMissing,
			fault.SeverityLow, "unknown evidence "+id))
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	it.CustodyChain = append(it.CustodyChain, entry)
	if err := l.index.Update(ctx, it); err != nil {
		return l.raise(fault.New(Address, fault.FamilyDatabase,
			fault.SeverityMedium, "failed to append custody entry: "+err.Error()))
	}
	return nil
}

// MarkDispatched records that evidence was delivered to a section.
func (l *Locker) MarkDispatched(ctx context.Context, id, section string) *fault.Fault {
	return l.advance(ctx, id, StatusDispatched, "dispatched", section)
}

// MarkProcessed records that a section consumed the evidence.
func (l *Locker) MarkProcessed(ctx context.Context, id, section string) *fault.Fault {
	return l.advance(ctx, id, StatusProcessed, "processed", section)
}

func (l *Locker) advance(ctx context.Context, id string, status Status, action, actor string) *fault.Fault {
	l.mu.Lock()
	defer l.mu.Unlock()

	it, err := l.index.Get(ctx, id)
	if err != nil {
		return l.raise(fault.New(Address, fault.FamilyFileMissing,
			fault.SeverityLow, "unknown evidence "+id))
	}
	if it.Status == StatusQuarantined {
		return l.raise(fault.New(Address, fault.FamilyInvalidState,
			fault.SeverityLow, "evidence "+id+" is quarantined"))
	}
	it.Status = status
	it.CustodyChain = append(it.CustodyChain, CustodyEntry{
		ActorAddress: actor,
		Action:       action,
		Timestamp:    time.Now().UTC(),
	})
	if err := l.index.Update(ctx, it); err != nil {
		return l.raise(fault.New(Address, fault.FamilyDatabase,
			fault.SeverityMedium, "failed to update evidence status: "+err.Error()))
	}
	return nil
}

// Get returns the item by id.
func (l *Locker) Get(ctx context.Context, id string) (*Item, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.index.Get(ctx, id)
}

// List returns all items held by the locker.
func (l *Locker) List(ctx context.Context) ([]*Item, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.index.List(ctx)
}

// ManifestHistory replays the manifest from disk.
func (l *Locker) ManifestHistory() ([]ManifestRecord, error) {
	return l.manifest.Recover()
}

// Close waits for in-flight classification and syncs the manifest.
func (l *Locker) Close() error {
	close(l.closed)
	l.wg.Wait()
	return l.manifest.Close()
}

func (l *Locker) appendManifest(id, event, actor string) {
	rec := ManifestRecord{
		EvidenceID:   id,
		Event:        event,
		Timestamp:    time.Now().UTC(),
		ActorAddress: actor,
	}
	if err := l.manifest.Append(rec); err != nil {
		logger.Error("failed to append manifest record",
			logger.KeyEvidenceID, id,
			logger.KeyError, err)
	}
}

func (l *Locker) emit(topic, signalType string, it *Item) {
	if l.emitter == nil {
		return
	}
	sig := bus.NewSignal(Address, gatewayAddress, signalType, bus.RadioEvidence, map[string]any{
		"evidence_id":    it.EvidenceID,
		"content_hash":   it.ContentHash,
		"kind":           string(it.Kind),
		"classification": it.Classification,
		"tags":           it.Tags,
		"section_hints":  it.SectionHints,
		"status":         string(it.Status),
	})
	// Announcements are fire and forget regardless of the code default.
	sig.ResponseExpected = false
	l.emitter.Emit(topic, sig)
}

func (l *Locker) raise(f *fault.Fault) *fault.Fault {
	if l.sink != nil {
		l.sink.Raise(f)
	}
	return f
}
