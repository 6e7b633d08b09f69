package arbtrie

import (
	"github.com/arbtrie-go/arbtrie/internal/engine"
	"github.com/arbtrie-go/arbtrie/internal/trie"
)

// ReadTxn is a read transaction: it captures the root committed in a
// top-root slot at BeginRead time and holds it alive for its whole
// lifetime, so no concurrent writer can cause it to observe a partial or
// later state (spec.md §4.8).
type ReadTxn struct {
	inner *engine.ReadTxn
}

// Get looks up key against the transaction's captured snapshot.
func (t *ReadTxn) Get(key []byte) ([]byte, bool, error) {
	v, ok, err := t.inner.Get(key)
	if err != nil || !ok {
		return nil, ok, err
	}
	b, err := valueOf(key, v)
	return b, err == nil, err
}

// GetSubtree resolves key's value as a nested subtree root.
func (t *ReadTxn) GetSubtree(key []byte) (Address, error) {
	return t.inner.GetSubtree(key)
}

// SubtreeGet reads key from an arbitrary subtree root previously obtained
// from GetSubtree, without opening a separate transaction.
func (t *ReadTxn) SubtreeGet(root Address, key []byte) ([]byte, bool, error) {
	v, ok, err := t.inner.SubtreeGet(root, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	b, err := valueOf(key, v)
	return b, err == nil, err
}

// SubtreeCount returns the number of live keys under an arbitrary subtree
// root.
func (t *ReadTxn) SubtreeCount(root Address) (uint64, error) {
	return t.inner.SubtreeCount(root)
}

// CountKeys returns the number of live keys reachable from the captured
// root.
func (t *ReadTxn) CountKeys() (uint64, error) {
	return t.inner.CountKeys()
}

// Close releases the captured root. Safe to call once; an additional call
// is a no-op.
func (t *ReadTxn) Close() error {
	return t.inner.Close()
}

// WriteTxn is a write transaction on one top-root slot: it holds the
// slot's modify_lock for its whole duration and applies mutations against
// a private working root invisible to readers until Commit.
type WriteTxn struct {
	inner *engine.WriteTxn
}

// Insert adds key with value, failing if key already exists.
func (t *WriteTxn) Insert(key, value []byte) error {
	return t.inner.Insert(key, trie.Value{Bytes: value})
}

// Update replaces key's existing value, failing if key is absent.
func (t *WriteTxn) Update(key, value []byte) error {
	return t.inner.Update(key, trie.Value{Bytes: value})
}

// Upsert inserts key if absent or replaces its value if present.
func (t *WriteTxn) Upsert(key, value []byte) error {
	return t.inner.Upsert(key, trie.Value{Bytes: value})
}

// Remove deletes key, reporting whether it was present.
func (t *WriteTxn) Remove(key []byte) (bool, error) {
	return t.inner.Remove(key)
}

// MustRemove deletes key, failing if it is absent.
func (t *WriteTxn) MustRemove(key []byte) error {
	return t.inner.MustRemove(key)
}

// Get reads back against the transaction's own in-flight working root, so
// a writer observes its own uncommitted mutations.
func (t *WriteTxn) Get(key []byte) ([]byte, bool, error) {
	v, ok, err := t.inner.Get(key)
	if err != nil || !ok {
		return nil, ok, err
	}
	b, err := valueOf(key, v)
	return b, err == nil, err
}

// GetSubtree resolves key's value as a nested subtree root against the
// transaction's own in-flight working root.
func (t *WriteTxn) GetSubtree(key []byte) (Address, error) {
	return t.inner.GetSubtree(key)
}

// AttachSubtree sets key's value to a nested subtree root, rather than a
// byte string, within this transaction's working root.
func (t *WriteTxn) AttachSubtree(key []byte, root Address) error {
	return t.inner.Upsert(key, trie.Value{IsSubtree: true, Subtree: root})
}

// SubtreeUpsert inserts or replaces key within an arbitrary subtree root,
// returning that subtree's new root Address. The caller must re-attach it
// at its owning key via AttachSubtree before Commit for the change to
// become reachable.
func (t *WriteTxn) SubtreeUpsert(root Address, key, value []byte) (Address, error) {
	return t.inner.SubtreeUpsert(root, key, trie.Value{Bytes: value})
}

// SubtreeRemove deletes key from an arbitrary subtree root, returning its
// new root Address and whether the key was present.
func (t *WriteTxn) SubtreeRemove(root Address, key []byte) (newRoot Address, removed bool, err error) {
	return t.inner.SubtreeRemove(root, key)
}

// ReleaseSubtree drops one reference to an unattached subtree root,
// freeing it if that was the last reference.
func (t *WriteTxn) ReleaseSubtree(root Address) error {
	return t.inner.ReleaseSubtree(root)
}

// Commit publishes the transaction's working root atomically, returning
// the prior root Address.
func (t *WriteTxn) Commit() (priorRoot Address, err error) {
	return t.inner.Commit()
}

// Abort discards the transaction's working root without publishing it.
func (t *WriteTxn) Abort() error {
	return t.inner.Abort()
}
