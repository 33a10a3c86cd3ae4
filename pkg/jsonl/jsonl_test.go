package jsonl

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRec struct {
	ID    string `json:"id"`
	Event string `json:"event"`
}

func TestAppendAndRecover(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.jsonl")
	log, err := Open[testRec](path)
	require.NoError(t, err)
	defer log.Close()

	recs := []testRec{
		{ID: "E1", Event: "ingested"},
		{ID: "E1", Event: "classified"},
		{ID: "E1", Event: "indexed"},
	}
	for _, r := range recs {
		require.NoError(t, log.Append(r))
	}

	got, err := log.Recover()
	require.NoError(t, err)
	assert.Equal(t, recs, got)

	// Appends after recovery continue the log, not overwrite it.
	require.NoError(t, log.Append(testRec{ID: "E2", Event: "ingested"}))
	got, err = log.Recover()
	require.NoError(t, err)
	assert.Len(t, got, 4)
}

func TestRecoverAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.jsonl")

	log, err := Open[testRec](path)
	require.NoError(t, err)
	require.NoError(t, log.Append(testRec{ID: "F1", Event: "open"}))
	require.NoError(t, log.Close())

	log2, err := Open[testRec](path)
	require.NoError(t, err)
	defer log2.Close()
	got, err := log2.Recover()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "F1", got[0].ID)
}

func TestTornTailSkipped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "torn.jsonl")
	log, err := Open[testRec](path)
	require.NoError(t, err)
	require.NoError(t, log.Append(testRec{ID: "E1", Event: "ingested"}))
	require.NoError(t, log.Close())

	// Simulate a crash mid-write.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"E2","ev`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	log2, err := Open[testRec](path)
	require.NoError(t, err)
	defer log2.Close()
	got, err := log2.Recover()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "E1", got[0].ID)
}

func TestClosedLogRejectsWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "closed.jsonl")
	log, err := Open[testRec](path)
	require.NoError(t, err)
	require.NoError(t, log.Close())

	assert.ErrorIs(t, log.Append(testRec{ID: "E1"}), ErrClosed)
	_, err = log.Recover()
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, log.Close())
}

func TestNullPersister(t *testing.T) {
	n := NewNull[testRec]()
	assert.NoError(t, n.Append(testRec{ID: "x"}))
	got, err := n.Recover()
	assert.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, n.Sync())
	assert.NoError(t, n.Close())
}
