package locker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casewire/casewire/pkg/bus"
	"github.com/casewire/casewire/pkg/fault"
	"github.com/casewire/casewire/pkg/jsonl"
	"github.com/casewire/casewire/pkg/locker/blob"
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

func (s *sinkRecorder) byCode(code fault.Code) *fault.Fault {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.faults {
		if f.Code == code {
			return f
		}
	}
	return nil
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

// flakyClassifier fails a fixed number of times before succeeding.
type flakyClassifier struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (c *flakyClassifier) Classify(ctx context.Context, it *Item) (string, []string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls <= c.failures {
		return "", nil, errors.New("classifier backend unavailable")
	}
	return "witness_statement", []string{"3"}, nil
}

func newTestLocker(t *testing.T, classifier Classifier, em SignalEmitter, sink FaultSink) *Locker {
	t.Helper()
	dir := t.TempDir()

	index, err := OpenIndex("")
	require.NoError(t, err)
	t.Cleanup(func() { index.Close() })

	blobs, err := blob.NewFSStore(filepath.Join(dir, "blobs"))
	require.NoError(t, err)

	manifest, err := jsonl.Open[ManifestRecord](filepath.Join(dir, "manifest.jsonl"))
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.ClassifyBackoff = time.Millisecond
	return New(cfg, index, blobs, manifest, classifier, em, sink)
}

func waitForStatus(t *testing.T, l *Locker, id string, want Status) *Item {
	t.Helper()
	var it *Item
	require.Eventually(t, func() bool {
		got, err := l.Get(context.Background(), id)
		if err != nil {
			return false
		}
		it = got
		return it.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return it
}

func TestIngest(t *testing.T) {
	t.Run("NewEvidence", func(t *testing.T) {
		em := &emitRecorder{}
		l := newTestLocker(t, nil, em, nil)
		defer l.Close()

		data := []byte("interview transcript")
		it, dup, f := l.Ingest(context.Background(), IngestRequest{
			Path:         "intake/interview.txt",
			Data:         data,
			Tags:         []string{"interview"},
			ActorAddress: "2-2",
		})
		require.Nil(t, f)
		assert.False(t, dup)

		sum := sha256.Sum256(data)
		assert.Equal(t, hex.EncodeToString(sum[:]), it.ContentHash)
		assert.Equal(t, int64(len(data)), it.Size)
		require.Len(t, it.CustodyChain, 1)
		assert.Equal(t, "ingested", it.CustodyChain[0].Action)

		// Classification and indexing follow asynchronously.
		final := waitForStatus(t, l, it.EvidenceID, StatusIndexed)
		assert.Equal(t, "text", final.Classification)
		assert.Contains(t, final.SectionHints, "3")

		assert.Equal(t, 1, em.count(TopicNew))
		assert.Equal(t, 1, em.count(TopicClassified))
		assert.Equal(t, 1, em.count(TopicIndexed))

		history, err := l.ManifestHistory()
		require.NoError(t, err)
		events := make([]string, len(history))
		for i, rec := range history {
			events[i] = rec.Event
		}
		assert.Equal(t, []string{EventIngested, EventClassified, EventIndexed}, events)
	})

	t.Run("DuplicateResolvesToSameItem", func(t *testing.T) {
		em := &emitRecorder{}
		l := newTestLocker(t, nil, em, nil)
		defer l.Close()

		data := []byte("scene photo bytes")
		first, dup, f := l.Ingest(context.Background(), IngestRequest{
			Path: "a/photo.jpg", Data: data, Tags: []string{"scene"}, ActorAddress: "2-2",
		})
		require.Nil(t, f)
		require.False(t, dup)
		waitForStatus(t, l, first.EvidenceID, StatusIndexed)

		second, dup, f := l.Ingest(context.Background(), IngestRequest{
			Path: "b/photo_copy.jpg", Data: data, Tags: []string{"scene", "exterior"}, ActorAddress: "2-2",
		})
		require.Nil(t, f)
		assert.True(t, dup)
		assert.Equal(t, first.EvidenceID, second.EvidenceID)

		// Tags union, custody grows, classification untouched.
		assert.ElementsMatch(t, []string{"scene", "exterior"}, second.Tags)
		assert.Equal(t, "duplicate_submission", second.CustodyChain[len(second.CustodyChain)-1].Action)
		assert.Equal(t, 1, em.count(TopicNew))
		assert.Equal(t, 1, em.count(TopicDuplicate))
		assert.Equal(t, 1, em.count(TopicClassified))
	})
}

func TestClassificationRetries(t *testing.T) {
	t.Run("TransientFailureRecovered", func(t *testing.T) {
		sink := &sinkRecorder{}
		cls := &flakyClassifier{failures: 2}
		l := newTestLocker(t, cls, nil, sink)
		defer l.Close()

		it, _, f := l.Ingest(context.Background(), IngestRequest{
			Path: "w.txt", Data: []byte("x"), ActorAddress: "2-2",
		})
		require.Nil(t, f)

		final := waitForStatus(t, l, it.EvidenceID, StatusIndexed)
		assert.Equal(t, "witness_statement", final.Classification)
		assert.Nil(t, sink.byCode("1-1-30"))
	})

	t.Run("ExhaustedBudgetMarksUnknown", func(t *testing.T) {
		sink := &sinkRecorder{}
		cls := &flakyClassifier{failures: 100}
		l := newTestLocker(t, cls, nil, sink)
		defer l.Close()

		it, _, f := l.Ingest(context.Background(), IngestRequest{
			Path: "w.txt", Data: []byte("y"), ActorAddress: "2-2",
		})
		require.Nil(t, f)

		final := waitForStatus(t, l, it.EvidenceID, StatusIndexed)
		assert.Equal(t, ClassificationUnknown, final.Classification)

		raised := sink.byCode("1-1-30")
		require.NotNil(t, raised)
		assert.Equal(t, fault.SeverityMedium, raised.Severity)
	})
}

func TestVerify(t *testing.T) {
	t.Run("IntactEvidencePasses", func(t *testing.T) {
		l := newTestLocker(t, nil, nil, nil)
		defer l.Close()

		it, _, f := l.Ingest(context.Background(), IngestRequest{
			Path: "doc.pdf", Data: []byte("report body"), ActorAddress: "2-2",
		})
		require.Nil(t, f)
		waitForStatus(t, l, it.EvidenceID, StatusIndexed)

		assert.Nil(t, l.Verify(context.Background(), it.EvidenceID))
	})

	t.Run("CorruptionQuarantines", func(t *testing.T) {
		sink := &sinkRecorder{}
		em := &emitRecorder{}
		dir := t.TempDir()

		index, err := OpenIndex("")
		require.NoError(t, err)
		defer index.Close()
		blobs, err := blob.NewFSStore(filepath.Join(dir, "blobs"))
		require.NoError(t, err)
		manifest, err := jsonl.Open[ManifestRecord](filepath.Join(dir, "manifest.jsonl"))
		require.NoError(t, err)
		cfg := DefaultConfig()
		cfg.ClassifyBackoff = time.Millisecond
		l := New(cfg, index, blobs, manifest, nil, em, sink)
		defer l.Close()

		it, _, f := l.Ingest(context.Background(), IngestRequest{
			Path: "doc.pdf", Data: []byte("original bytes"), ActorAddress: "2-2",
		})
		require.Nil(t, f)
		waitForStatus(t, l, it.EvidenceID, StatusIndexed)

		// Tamper with the stored blob behind the locker's back.
		path := filepath.Join(dir, "blobs", it.ContentHash[:2], it.ContentHash)
		require.NoError(t, os.WriteFile(path, []byte("tampered"), 0o644))

		vf := l.Verify(context.Background(), it.EvidenceID)
		require.NotNil(t, vf)
		assert.Equal(t, fault.Code("1-1-32"), vf.Code)
		assert.Equal(t, fault.SeverityHigh, vf.Severity)

		got, err := l.Get(context.Background(), it.EvidenceID)
		require.NoError(t, err)
		assert.Equal(t, StatusQuarantined, got.Status)
		assert.Equal(t, 1, em.count(TopicQuarantined))

		// Quarantined evidence cannot be checked out.
		_, _, cf := l.Checkout(context.Background(), it.EvidenceID, "4-3")
		require.NotNil(t, cf)
		assert.Equal(t, fault.Code("1-1-51"), cf.Code)
	})
}

func TestCheckout(t *testing.T) {
	l := newTestLocker(t, nil, nil, nil)
	defer l.Close()

	data := []byte("ballistics scan")
	it, _, f := l.Ingest(context.Background(), IngestRequest{
		Path: "scan.png", Data: data, ActorAddress: "2-2",
	})
	require.Nil(t, f)
	waitForStatus(t, l, it.EvidenceID, StatusIndexed)

	got, rc, cf := l.Checkout(context.Background(), it.EvidenceID, "4-5")
	require.Nil(t, cf)
	defer rc.Close()

	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, data, body)
	assert.Equal(t, "checked_out", got.CustodyChain[len(got.CustodyChain)-1].Action)
	assert.Equal(t, "4-5", got.CustodyChain[len(got.CustodyChain)-1].ActorAddress)

	require.Nil(t, l.MarkDispatched(context.Background(), it.EvidenceID, "4-5"))
	require.Nil(t, l.MarkProcessed(context.Background(), it.EvidenceID, "4-5"))
	final, err := l.Get(context.Background(), it.EvidenceID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, final.Status)
}

func TestExtensionClassifier(t *testing.T) {
	cls := ExtensionClassifier{}

	cases := []struct {
		path string
		want string
	}{
		{"a/scene.jpg", "image"},
		{"b/interview.mp3", "audio"},
		{"c/statement.pdf", "document"},
		{"d/notes.txt", "text"},
		{"e/unknown.bin", "document"},
	}
	for _, tc := range cases {
		got, _, err := cls.Classify(context.Background(), &Item{Path: tc.path})
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, tc.path)
	}

	// An explicit kind wins over the extension.
	got, hints, err := cls.Classify(context.Background(), &Item{Path: "x.bin", Kind: KindVideo})
	require.NoError(t, err)
	assert.Equal(t, "video", got)
	assert.Equal(t, []string{"8"}, hints)
}
