package locker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned when no evidence item matches the lookup.
var ErrNotFound = errors.New("evidence item not found")

// Index key layout:
//
//	hash/<hex-sha256>  -> evidence_id
//	item/<evidence_id> -> JSON-encoded Item
type Index struct {
	db *badger.DB
}

func keyHash(hash string) []byte { return []byte("hash/" + hash) }
func keyItem(id string) []byte   { return []byte("item/" + id) }

// OpenIndex opens the evidence index at dir. An empty dir opens an
// in-memory index, used by tests and ephemeral deployments.
func OpenIndex(dir string) (*Index, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(dir)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open evidence index: %w", err)
	}
	return &Index{db: db}, nil
}

// Lookup resolves a content hash to its evidence id.
func (ix *Index) Lookup(ctx context.Context, hash string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var id string
	err := ix.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyHash(hash))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			id = string(val)
			return nil
		})
	})
	return id, err
}

// Get retrieves an evidence item by id.
func (ix *Index) Get(ctx context.Context, id string) (*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out *Item
	err := ix.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyItem(id))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var it Item
			if err := json.Unmarshal(val, &it); err != nil {
				return err
			}
			out = &it
			return nil
		})
	})
	return out, err
}

// PutNew stores a new item and its hash mapping in one transaction.
// If another ingest won the race for the same hash, the existing id is
// returned and the new item is discarded.
func (ix *Index) PutNew(ctx context.Context, it *Item) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	winner := it.EvidenceID
	err := ix.db.Update(func(txn *badger.Txn) error {
		existing, err := txn.Get(keyHash(it.ContentHash))
		if err == nil {
			return existing.Value(func(val []byte) error {
				winner = string(val)
				return nil
			})
		}
		if err != badger.ErrKeyNotFound {
			return err
		}

		data, err := json.Marshal(it)
		if err != nil {
			return err
		}
		if err := txn.Set(keyHash(it.ContentHash), []byte(it.EvidenceID)); err != nil {
			return err
		}
		return txn.Set(keyItem(it.EvidenceID), data)
	})
	return winner, err
}

// Update overwrites an existing item. The hash mapping is immutable
// and never touched here.
func (ix *Index) Update(ctx context.Context, it *Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(it)
	if err != nil {
		return err
	}
	return ix.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(keyItem(it.EvidenceID)); err == badger.ErrKeyNotFound {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		return txn.Set(keyItem(it.EvidenceID), data)
	})
}

// List returns every stored item. Order is unspecified.
func (ix *Index) List(ctx context.Context) ([]*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []*Item
	err := ix.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("item/")
		iter := txn.NewIterator(opts)
		defer iter.Close()
		for iter.Rewind(); iter.Valid(); iter.Next() {
			err := iter.Item().Value(func(val []byte) error {
				var it Item
				if err := json.Unmarshal(val, &it); err != nil {
					return err
				}
				out = append(out, &it)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// Close closes the underlying database.
func (ix *Index) Close() error {
	return ix.db.Close()
}
