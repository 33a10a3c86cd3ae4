package casestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(&Config{
		Type:   DatabaseTypeSQLite,
		SQLite: SQLiteConfig{Path: filepath.Join(t.TempDir(), "cases.db")},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCaseLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c, err := store.CreateCase(ctx, "CASE-1", "Investigative")
	require.NoError(t, err)
	assert.Equal(t, CaseStatusOpen, c.Status)
	assert.Equal(t, uint64(0), c.Version)

	_, err = store.CreateCase(ctx, "CASE-1", "Investigative")
	assert.ErrorIs(t, err, ErrCaseExists)

	got, err := store.GetCase(ctx, "CASE-1")
	require.NoError(t, err)
	assert.Equal(t, "Investigative", got.ReportType)

	_, err = store.GetCase(ctx, "CASE-404")
	assert.ErrorIs(t, err, ErrCaseNotFound)

	require.NoError(t, store.SetCaseStatus(ctx, "CASE-1", CaseStatusAssembled))
	require.NoError(t, store.SetCaseVersion(ctx, "CASE-1", 3))

	got, err = store.GetCase(ctx, "CASE-1")
	require.NoError(t, err)
	assert.Equal(t, CaseStatusAssembled, got.Status)
	assert.Equal(t, uint64(3), got.Version)

	assert.ErrorIs(t, store.SetCaseStatus(ctx, "CASE-404", CaseStatusClosed), ErrCaseNotFound)
	assert.ErrorIs(t, store.SetCaseVersion(ctx, "CASE-404", 1), ErrCaseNotFound)
}

func TestListCases(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.CreateCase(ctx, "CASE-1", "Investigative")
	require.NoError(t, err)
	_, err = store.CreateCase(ctx, "CASE-2", "Surveillance")
	require.NoError(t, err)

	cases, err := store.ListCases(ctx)
	require.NoError(t, err)
	assert.Len(t, cases, 2)
}

func TestSignOffHistory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.CreateCase(ctx, "CASE-1", "Investigative")
	require.NoError(t, err)

	require.NoError(t, store.RecordSignOff(ctx, "CASE-1", "CP", "hash-a", 0, "4-CP"))
	require.NoError(t, store.RecordSignOff(ctx, "CASE-1", "TOC", "hash-b", 0, "4-TOC"))
	// Revision appends a second row for the same section.
	require.NoError(t, store.RecordSignOff(ctx, "CASE-1", "CP", "hash-c", 1, "4-CP"))

	rows, err := store.SignOffHistory(ctx, "CASE-1")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "CP", rows[0].SectionID)
	assert.Equal(t, "hash-a", rows[0].PayloadHash)
	assert.Equal(t, "CP", rows[2].SectionID)
	assert.Equal(t, 1, rows[2].RevisionDepth)

	other, err := store.SignOffHistory(ctx, "CASE-2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestReopenHistory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.CreateCase(ctx, "CASE-1", "Hybrid")
	require.NoError(t, err)

	require.NoError(t, store.RecordReopen(ctx, "CASE-1", "6", "admin", "missing exhibit"))

	rows, err := store.ReopenHistory(ctx, "CASE-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "6", rows[0].SectionID)
	assert.Equal(t, "admin", rows[0].Actor)
	assert.Equal(t, "missing exhibit", rows[0].Reason)
	assert.False(t, rows[0].ReopenedAt.IsZero())
}

func TestConfigDefaults(t *testing.T) {
	t.Run("SQLiteByDefault", func(t *testing.T) {
		cfg := &Config{}
		cfg.ApplyDefaults()
		assert.Equal(t, DatabaseTypeSQLite, cfg.Type)
		assert.NotEmpty(t, cfg.SQLite.Path)
	})

	t.Run("PostgresDefaults", func(t *testing.T) {
		cfg := &Config{Type: DatabaseTypePostgres}
		cfg.ApplyDefaults()
		assert.Equal(t, 5432, cfg.Postgres.Port)
		assert.Equal(t, "disable", cfg.Postgres.SSLMode)
		assert.Equal(t, 25, cfg.Postgres.MaxOpenConns)
	})

	t.Run("PostgresRequiresHost", func(t *testing.T) {
		cfg := &Config{Type: DatabaseTypePostgres}
		cfg.ApplyDefaults()
		assert.Error(t, cfg.Validate())
	})
}
