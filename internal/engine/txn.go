package engine

import (
	"github.com/arbtrie-go/arbtrie/internal/cbt"
	"github.com/arbtrie-go/arbtrie/internal/trie"
	"github.com/arbtrie-go/arbtrie/pkg/errors"
)

func validSlot(rt *RootTable, slot int) error {
	if slot < 0 || slot >= rt.Count() {
		return errors.NewConfigurationValidationError("slot", "top-root slot out of range")
	}
	return nil
}

// ReadTxn is a read transaction (spec.md §4.8): it captures the Address
// published in a top-root slot at start time and retains it, so no
// descendant can be freed out from under it regardless of what writers do
// to that slot afterward.
type ReadTxn struct {
	engine *Engine
	slot   int
	root   cbt.Address
	epoch  sessionEpoch
	closed bool
}

// BeginRead starts a read transaction snapshotting top-root slot.
func (e *Engine) BeginRead(slot int) (*ReadTxn, error) {
	if err := validSlot(e.roots, slot); err != nil {
		return nil, err
	}
	root := e.roots.Load(slot)
	e.table.Retain(root)
	return &ReadTxn{engine: e, slot: slot, root: root, epoch: e.beginEpoch()}, nil
}

// Root returns the Address this transaction captured.
func (t *ReadTxn) Root() cbt.Address { return t.root }

// Get looks up key against the captured root.
func (t *ReadTxn) Get(key []byte) (trie.Value, bool, error) {
	return t.engine.trie.Get(t.root, key)
}

// GetSubtree resolves key's value as a nested subtree root.
func (t *ReadTxn) GetSubtree(key []byte) (cbt.Address, error) {
	return t.engine.trie.GetSubtree(t.root, key)
}

// CountKeys returns the number of live keys reachable from the captured
// root without walking the subtree (spec.md §4.7's descendants counter).
func (t *ReadTxn) CountKeys() (uint64, error) {
	if t.root == cbt.NullAddress {
		return 0, nil
	}
	return t.engine.trie.Count(t.root)
}

// SubtreeGet reads key from an arbitrary subtree root nested somewhere
// within this transaction's captured root (spec.md §4.7: "operations also
// work with a value that is itself a subtree Address"). The subtree
// Address is typically one previously returned by GetSubtree.
func (t *ReadTxn) SubtreeGet(root cbt.Address, key []byte) (trie.Value, bool, error) {
	return t.engine.trie.Get(root, key)
}

// SubtreeCount returns the number of live keys under an arbitrary subtree
// root.
func (t *ReadTxn) SubtreeCount(root cbt.Address) (uint64, error) {
	if root == cbt.NullAddress {
		return 0, nil
	}
	return t.engine.trie.Count(root)
}

// Close releases the captured root and ends this transaction's epoch
// registration. Safe to call once; whatever it protected may now be
// collected if nothing else still references it.
func (t *ReadTxn) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	t.epoch.end()
	if t.root == cbt.NullAddress {
		return nil
	}
	_, err := t.engine.table.Release(t.root)
	return err
}

// WriteTxn is a write transaction on one top-root slot (spec.md §4.8): it
// holds the slot's modify_lock for its whole duration, applies in-memory
// mutations against a private working root, and on Commit publishes the
// new root atomically; Abort instead unwinds the working root's refcount
// graph without ever publishing it.
type WriteTxn struct {
	engine *Engine
	slot   int
	base   cbt.Address
	root   cbt.Address
	epoch  sessionEpoch
	done   bool
}

// BeginWrite starts a write transaction on top-root slot, blocking until
// any other writer on that slot finishes.
func (e *Engine) BeginWrite(slot int) (*WriteTxn, error) {
	if err := validSlot(e.roots, slot); err != nil {
		return nil, err
	}
	e.roots.Lock(slot)
	base := e.roots.Load(slot)
	return &WriteTxn{engine: e, slot: slot, base: base, root: base, epoch: e.beginEpoch()}, nil
}

// Insert/Update/Upsert/Remove/MustRemove mutate the transaction's working
// root in place (program order within one transaction, per spec.md §5),
// without making any change visible to readers until Commit.
func (t *WriteTxn) Insert(key []byte, value trie.Value) error {
	root, err := t.engine.trie.Insert(t.root, key, value)
	if err != nil {
		return err
	}
	t.root = root
	return nil
}

func (t *WriteTxn) Update(key []byte, value trie.Value) error {
	root, err := t.engine.trie.Update(t.root, key, value)
	if err != nil {
		return err
	}
	t.root = root
	return nil
}

func (t *WriteTxn) Upsert(key []byte, value trie.Value) error {
	root, err := t.engine.trie.Upsert(t.root, key, value)
	if err != nil {
		return err
	}
	t.root = root
	return nil
}

func (t *WriteTxn) Remove(key []byte) (removed bool, err error) {
	root, removed, err := t.engine.trie.Remove(t.root, key)
	if err != nil {
		return false, err
	}
	t.root = root
	return removed, nil
}

func (t *WriteTxn) MustRemove(key []byte) error {
	root, err := t.engine.trie.MustRemove(t.root, key)
	if err != nil {
		return err
	}
	t.root = root
	return nil
}

// Get reads back against the transaction's own in-flight working root, so
// a writer observes its own uncommitted mutations.
func (t *WriteTxn) Get(key []byte) (trie.Value, bool, error) {
	return t.engine.trie.Get(t.root, key)
}

// GetSubtree resolves key's value as a nested subtree root against the
// transaction's own in-flight working root.
func (t *WriteTxn) GetSubtree(key []byte) (cbt.Address, error) {
	return t.engine.trie.GetSubtree(t.root, key)
}

// SubtreeUpsert/SubtreeRemove mutate an arbitrary subtree root nested
// within this transaction's working root (spec.md §4.7), returning the
// subtree's new root Address. The caller is responsible for re-attaching
// it at its owning key via Upsert(key, Value{IsSubtree: true, Subtree:
// newRoot}) before Commit, and for releasing the old subtree root if it
// replaced it outright rather than updating it in place.
func (t *WriteTxn) SubtreeUpsert(root cbt.Address, key []byte, value trie.Value) (cbt.Address, error) {
	return t.engine.trie.Upsert(root, key, value)
}

func (t *WriteTxn) SubtreeRemove(root cbt.Address, key []byte) (newRoot cbt.Address, removed bool, err error) {
	return t.engine.trie.Remove(root, key)
}

// ReleaseSubtree drops one reference to an unattached subtree root,
// freeing it if that was the last reference. Used to discard a subtree
// built up during a transaction that ends up never attached anywhere.
func (t *WriteTxn) ReleaseSubtree(root cbt.Address) error {
	return t.engine.trie.ReleaseRoot(root)
}

// Commit syncs the writer session's dirty segments, atomically publishes
// the new root into its top-root slot, flushes the header file, and
// releases the modify_lock (spec.md §4.8 steps 1-4). The prior root
// Address is returned so the caller may keep it alive.
func (t *WriteTxn) Commit() (priorRoot cbt.Address, err error) {
	if t.done {
		return cbt.NullAddress, errors.NewConfigurationValidationError("txn", "transaction already finished")
	}
	defer t.finish()

	if err := t.engine.writerSession.SealCurrent(); err != nil {
		return cbt.NullAddress, err
	}
	if err := t.engine.roots.Publish(t.slot, t.root); err != nil {
		return cbt.NullAddress, err
	}
	t.engine.commitSeq.Add(1)
	return t.base, nil
}

// Abort releases the modify_lock and unwinds the refcount graph of
// whatever working root this transaction built, without ever publishing
// it (spec.md §4.8: "drops the new, never-published Address").
func (t *WriteTxn) Abort() error {
	if t.done {
		return nil
	}
	defer t.finish()

	if t.root == t.base {
		return nil
	}
	return t.engine.trie.ReleaseRoot(t.root)
}

func (t *WriteTxn) finish() {
	t.done = true
	t.epoch.end()
	t.engine.roots.Unlock(t.slot)
}
