// Package blob provides content-addressed byte storage for evidence
// payloads. Blobs are keyed by their hex SHA-256 content hash and are
// immutable once written.
package blob

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when no blob exists for the given hash.
var ErrNotFound = errors.New("blob not found")

// Store is the content-addressed storage contract. Put is idempotent:
// writing the same hash twice is a no-op.
type Store interface {
	// Put stores the blob under its content hash.
	Put(ctx context.Context, hash string, r io.Reader, size int64) error

	// Get opens the blob for reading. The caller closes the reader.
	Get(ctx context.Context, hash string) (io.ReadCloser, error)

	// Exists reports whether a blob is stored for the hash.
	Exists(ctx context.Context, hash string) (bool, error)

	// Delete removes the blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, hash string) error
}
