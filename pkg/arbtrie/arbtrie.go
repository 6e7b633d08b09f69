// Package arbtrie is the public entry point for an embedded,
// single-writer/many-reader, ACID-capable ordered key-value store built on
// a copy-on-write radix trie over a segmented, memory-mapped object heap
// with background compaction. It wraps internal/engine, exposing named
// top-root slots as independent snapshot-isolated key spaces within one
// open database directory.
package arbtrie

import (
	"context"

	"github.com/arbtrie-go/arbtrie/internal/cbt"
	"github.com/arbtrie-go/arbtrie/internal/engine"
	"github.com/arbtrie-go/arbtrie/internal/trie"
	"github.com/arbtrie-go/arbtrie/pkg/errors"
	"github.com/arbtrie-go/arbtrie/pkg/logger"
	"github.com/arbtrie-go/arbtrie/pkg/options"
)

// Address identifies a subtree root nested within a key space, as
// returned by GetSubtree and consumed by the Subtree* transaction methods
// (spec.md §4.7: "operations also work with a value that is itself a
// subtree Address").
type Address = cbt.Address

// NullAddress is the address of an absent or not-yet-created subtree.
const NullAddress = cbt.NullAddress

// DefaultRoot is the top-root slot used by the single-key-space
// convenience methods (Get/Insert/Update/Upsert/Remove on *DB itself).
// Callers needing more than one independent key space should use
// BeginRead/BeginWrite directly against whichever slot they've assigned.
const DefaultRoot = 0

// DB is an open arbtrie database directory. A DB is safe for concurrent
// use by any number of goroutines: each top-root slot serializes its own
// writers but slots never block one another, and readers never block
// writers or other readers (spec.md §5).
type DB struct {
	engine *engine.Engine
	opts   *options.Options
}

// Open creates (if absent) or opens the database directory named by the
// resolved options' DataDir, starting its background compactor, segment
// provider, and (if enabled) cache-decay loops. The returned *DB owns
// those goroutines until Close is called.
func Open(ctx context.Context, service string, opts ...options.OptionFunc) (*DB, error) {
	log := logger.New(service)

	resolved := options.NewDefaultOptions()
	for _, opt := range opts {
		opt(&resolved)
	}

	eng, err := engine.New(ctx, &engine.Config{Logger: log, Options: &resolved})
	if err != nil {
		return nil, err
	}
	return &DB{engine: eng, opts: &resolved}, nil
}

// Close stops every background subsystem and releases the database's
// registry slot. A second call returns an error rather than panicking;
// callers should call it exactly once, typically via defer.
func (db *DB) Close() error {
	return db.engine.Close()
}

// TopRootCount reports how many independent named top-root slots this
// database was opened with.
func (db *DB) TopRootCount() int {
	return db.engine.TopRootCount()
}

// Get looks up key in the given top-root slot's most recently committed
// state. It is equivalent to opening a read transaction, reading once, and
// closing it, for callers that don't need multiple reads against the same
// snapshot.
func (db *DB) Get(slot int, key []byte) ([]byte, bool, error) {
	r, err := db.BeginRead(slot)
	if err != nil {
		return nil, false, err
	}
	defer r.Close()
	return r.Get(key)
}

// GetSubtree resolves key's value as a nested subtree root within slot,
// rather than as a byte string.
func (db *DB) GetSubtree(slot int, key []byte) (Address, error) {
	r, err := db.BeginRead(slot)
	if err != nil {
		return NullAddress, err
	}
	defer r.Close()
	return r.GetSubtree(key)
}

// Insert adds key with value to slot's key space, failing if key already
// exists there. The mutation is committed immediately as its own
// transaction; for multiple mutations committed atomically together, use
// BeginWrite.
func (db *DB) Insert(slot int, key, value []byte) error {
	return db.oneShot(slot, func(w *WriteTxn) error { return w.Insert(key, value) })
}

// Update replaces key's existing value in slot's key space, failing if key
// is absent.
func (db *DB) Update(slot int, key, value []byte) error {
	return db.oneShot(slot, func(w *WriteTxn) error { return w.Update(key, value) })
}

// Upsert inserts key if absent or replaces its value if present.
func (db *DB) Upsert(slot int, key, value []byte) error {
	return db.oneShot(slot, func(w *WriteTxn) error { return w.Upsert(key, value) })
}

// Remove deletes key from slot's key space, reporting whether it was
// present. Removing an absent key is not an error.
func (db *DB) Remove(slot int, key []byte) (removed bool, err error) {
	err = db.oneShot(slot, func(w *WriteTxn) error {
		var innerErr error
		removed, innerErr = w.Remove(key)
		return innerErr
	})
	return removed, err
}

// MustRemove deletes key from slot's key space, failing if it is absent.
func (db *DB) MustRemove(slot int, key []byte) error {
	return db.oneShot(slot, func(w *WriteTxn) error { return w.MustRemove(key) })
}

// oneShot runs fn against a fresh write transaction on slot, aborting on
// error and committing on success.
func (db *DB) oneShot(slot int, fn func(*WriteTxn) error) error {
	w, err := db.BeginWrite(slot)
	if err != nil {
		return err
	}
	if err := fn(w); err != nil {
		w.Abort()
		return err
	}
	_, err = w.Commit()
	return err
}

// CountKeys returns the number of live keys in slot's current committed
// state.
func (db *DB) CountKeys(slot int) (uint64, error) {
	r, err := db.BeginRead(slot)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	return r.CountKeys()
}

// BeginRead starts a read transaction against slot, snapshotting its
// current committed root. The returned ReadTxn must eventually be closed.
func (db *DB) BeginRead(slot int) (*ReadTxn, error) {
	inner, err := db.engine.BeginRead(slot)
	if err != nil {
		return nil, err
	}
	return &ReadTxn{inner: inner}, nil
}

// BeginWrite starts a write transaction against slot, blocking until any
// other writer on that slot finishes. The returned WriteTxn must
// eventually be committed or aborted.
func (db *DB) BeginWrite(slot int) (*WriteTxn, error) {
	inner, err := db.engine.BeginWrite(slot)
	if err != nil {
		return nil, err
	}
	return &WriteTxn{inner: inner}, nil
}

func valueOf(key []byte, v trie.Value) ([]byte, error) {
	if v.IsSubtree {
		return nil, errors.NewValueIsSubtreeError(key)
	}
	return v.Bytes, nil
}
