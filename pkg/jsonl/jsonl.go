// Package jsonl provides the append-only JSON-lines persister used for
// casewire's durable logs: the evidence manifest and the fault vault.
// One record per line; recovery replays the file from the top. Records
// are never rewritten in place.
package jsonl

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrClosed is returned for operations on a closed log.
var ErrClosed = errors.New("jsonl log is closed")

// Persister is the append-only persistence contract.
//
// Implementations must be safe for concurrent use.
type Persister[T any] interface {
	// Append writes one record to the log.
	Append(rec T) error

	// Sync forces buffered writes to the OS.
	Sync() error

	// Recover replays the log and returns every record in append order.
	// Called on startup to reconstruct in-memory state.
	Recover() ([]T, error)

	// Close syncs pending data and releases the file.
	Close() error
}

// Log is a file-backed Persister.
type Log[T any] struct {
	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	closed bool
}

// Open opens (or creates) the log file at path, creating parent
// directories as needed.
func Open[T any](path string) (*Log[T], error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log %q: %w", path, err)
	}
	return &Log[T]{f: f, w: bufio.NewWriter(f)}, nil
}

// Append serializes rec as one JSON line and writes it.
func (l *Log[T]) Append(rec T) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if _, err := l.w.Write(data); err != nil {
		return err
	}
	if err := l.w.WriteByte('\n'); err != nil {
		return err
	}
	// Line-buffered durability: flush per record, let the OS schedule
	// the disk sync.
	return l.w.Flush()
}

// Sync flushes buffered data and fsyncs the file.
func (l *Log[T]) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if err := l.w.Flush(); err != nil {
		return err
	}
	return l.f.Sync()
}

// Recover replays the log from the start. Truncated trailing lines
// (partial last write after a crash) are skipped; a malformed line in
// the middle is an error.
func (l *Log[T]) Recover() ([]T, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	if err := l.w.Flush(); err != nil {
		return nil, err
	}
	if _, err := l.f.Seek(0, 0); err != nil {
		return nil, err
	}
	defer func() {
		_, _ = l.f.Seek(0, 2)
	}()

	var out []T
	sc := bufio.NewScanner(l.f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	var lastErr error
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec T
		if err := json.Unmarshal(line, &rec); err != nil {
			lastErr = err
			continue
		}
		if lastErr != nil {
			// A malformed line followed by a good one means corruption,
			// not a torn tail.
			return nil, fmt.Errorf("corrupt record in log: %w", lastErr)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Close syncs and closes the underlying file.
func (l *Log[T]) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.w.Flush(); err != nil {
		_ = l.f.Close()
		return err
	}
	if err := l.f.Sync(); err != nil {
		_ = l.f.Close()
		return err
	}
	return l.f.Close()
}

// Null is a no-op Persister for when persistence is disabled.
type Null[T any] struct{}

// NewNull creates a no-op persister.
func NewNull[T any]() *Null[T] { return &Null[T]{} }

func (*Null[T]) Append(T) error        { return nil }
func (*Null[T]) Sync() error           { return nil }
func (*Null[T]) Recover() ([]T, error) { return nil, nil }
func (*Null[T]) Close() error          { return nil }
