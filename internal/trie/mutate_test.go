package trie

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/arbtrie-go/arbtrie/internal/cbt"
	"github.com/arbtrie-go/arbtrie/internal/segment"
	"github.com/arbtrie-go/arbtrie/pkg/logger"
	"github.com/arbtrie-go/arbtrie/pkg/options"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	opts := options.NewDefaultOptions()
	opts.DataDir = t.TempDir()
	opts.SegmentOptions.Size = 64 * 1024
	opts.MaxValueSize = 16 // force the out-of-line value path to exercise in small tests

	heap, err := segment.Open(&segment.Config{Options: &opts, Logger: logger.NewDevelopment("trie-test")})
	if err != nil {
		t.Fatalf("segment.Open: %v", err)
	}
	t.Cleanup(func() { heap.Close() })

	epoch := segment.NewEpochQueue(logger.NewDevelopment("trie-test"))
	provider := segment.NewProvider(heap, logger.NewDevelopment("trie-test"))
	session := segment.NewSession(1, heap, provider, epoch, options.SyncNone, logger.NewDevelopment("trie-test"))
	t.Cleanup(func() { session.Close() })

	table := cbt.New(&cbt.Config{})

	return New(&Config{
		Table:   table,
		Heap:    heap,
		Session: session,
		Options: &opts,
		Logger:  logger.NewDevelopment("trie-test"),
	})
}

func mustInsert(t *testing.T, e *Engine, root cbt.Address, key string, value string) cbt.Address {
	t.Helper()
	newRoot, err := e.Insert(root, []byte(key), Value{Bytes: []byte(value)})
	if err != nil {
		t.Fatalf("Insert(%q): %v", key, err)
	}
	return newRoot
}

func mustGet(t *testing.T, e *Engine, root cbt.Address, key string) string {
	t.Helper()
	v, found, err := e.Get(root, []byte(key))
	if err != nil {
		t.Fatalf("Get(%q): %v", key, err)
	}
	if !found {
		t.Fatalf("Get(%q): expected found, got not found", key)
	}
	return string(v.Bytes)
}

// TestInsertGetRoundTrip covers spec.md §8's basic round-trip property: every
// inserted key reads back the exact value given.
func TestInsertGetRoundTrip(t *testing.T) {
	e := newTestEngine(t)

	var root cbt.Address = cbt.NullAddress
	keys := []string{"apple", "application", "app", "banana", "band", "bandana", "cherry"}
	for i, k := range keys {
		root = mustInsert(t, e, root, k, fmt.Sprintf("value-%d", i))
	}

	for i, k := range keys {
		got := mustGet(t, e, root, k)
		want := fmt.Sprintf("value-%d", i)
		if got != want {
			t.Fatalf("Get(%q) = %q, want %q", k, got, want)
		}
	}

	if _, found, err := e.Get(root, []byte("missing")); err != nil {
		t.Fatalf("Get(missing): %v", err)
	} else if found {
		t.Fatalf("Get(missing) unexpectedly found")
	}
}

// TestInsertDuplicateFails covers the Insert/already-exists invariant.
func TestInsertDuplicateFails(t *testing.T) {
	e := newTestEngine(t)

	root := mustInsert(t, e, cbt.NullAddress, "key", "first")
	if _, err := e.Insert(root, []byte("key"), Value{Bytes: []byte("second")}); err == nil {
		t.Fatalf("expected error inserting duplicate key")
	}

	// The original value must be untouched by the failed insert.
	if got := mustGet(t, e, root, "key"); got != "first" {
		t.Fatalf("Get(key) = %q, want %q after failed duplicate insert", got, "first")
	}
}

// TestUpdateMissingFails and TestUpdateReplacesValue cover the Update
// contract: fails on an absent key, replaces the value for a present one.
func TestUpdateMissingFails(t *testing.T) {
	e := newTestEngine(t)

	root := mustInsert(t, e, cbt.NullAddress, "present", "v1")
	if _, err := e.Update(root, []byte("absent"), Value{Bytes: []byte("v2")}); err == nil {
		t.Fatalf("expected error updating absent key")
	}
}

func TestUpdateReplacesValue(t *testing.T) {
	e := newTestEngine(t)

	root := mustInsert(t, e, cbt.NullAddress, "key", "v1")
	root, err := e.Update(root, []byte("key"), Value{Bytes: []byte("v2")})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := mustGet(t, e, root, "key"); got != "v2" {
		t.Fatalf("Get(key) = %q, want %q", got, "v2")
	}
}

// TestUpsertIsIdempotentOnRepeat covers spec.md §8's idempotent-upsert
// property: repeating the same Upsert leaves the observable state unchanged.
func TestUpsertIsIdempotentOnRepeat(t *testing.T) {
	e := newTestEngine(t)

	var root cbt.Address = cbt.NullAddress
	root, err := e.Upsert(root, []byte("key"), Value{Bytes: []byte("v1")})
	if err != nil {
		t.Fatalf("Upsert (insert): %v", err)
	}
	before := mustGet(t, e, root, "key")

	for i := 0; i < 3; i++ {
		root, err = e.Upsert(root, []byte("key"), Value{Bytes: []byte("v1")})
		if err != nil {
			t.Fatalf("Upsert (repeat %d): %v", i, err)
		}
		after := mustGet(t, e, root, "key")
		if after != before {
			t.Fatalf("Upsert repeat %d changed value: %q -> %q", i, before, after)
		}
	}
}

// TestUpsertInsertsThenReplaces exercises both halves of Upsert's contract
// against the same key.
func TestUpsertInsertsThenReplaces(t *testing.T) {
	e := newTestEngine(t)

	root, err := e.Upsert(cbt.NullAddress, []byte("key"), Value{Bytes: []byte("v1")})
	if err != nil {
		t.Fatalf("Upsert (insert): %v", err)
	}
	if got := mustGet(t, e, root, "key"); got != "v1" {
		t.Fatalf("Get(key) = %q, want v1", got)
	}

	root, err = e.Upsert(root, []byte("key"), Value{Bytes: []byte("v2")})
	if err != nil {
		t.Fatalf("Upsert (replace): %v", err)
	}
	if got := mustGet(t, e, root, "key"); got != "v2" {
		t.Fatalf("Get(key) = %q, want v2", got)
	}
}

// TestRemoveDeletesKeyAndReportsNotFound covers Remove's boolean contract
// and the fact that a removed key genuinely disappears.
func TestRemoveDeletesKeyAndReportsNotFound(t *testing.T) {
	e := newTestEngine(t)

	var root cbt.Address = cbt.NullAddress
	for i, k := range []string{"alpha", "beta", "gamma"} {
		root = mustInsert(t, e, root, k, fmt.Sprintf("v%d", i))
	}

	newRoot, removed, err := e.Remove(root, []byte("beta"))
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if !removed {
		t.Fatalf("Remove(beta) reported not removed")
	}
	root = newRoot

	if _, found, err := e.Get(root, []byte("beta")); err != nil {
		t.Fatalf("Get(beta): %v", err)
	} else if found {
		t.Fatalf("Get(beta) still found after Remove")
	}

	_, removed, err = e.Remove(root, []byte("beta"))
	if err != nil {
		t.Fatalf("Remove (second time): %v", err)
	}
	if removed {
		t.Fatalf("Remove(beta) reported removed on an already-absent key")
	}

	// The untouched siblings must still be present.
	if got := mustGet(t, e, root, "alpha"); got != "v0" {
		t.Fatalf("Get(alpha) = %q, want v0", got)
	}
	if got := mustGet(t, e, root, "gamma"); got != "v2" {
		t.Fatalf("Get(gamma) = %q, want v2", got)
	}
}

// TestMustRemoveFailsOnAbsentKey covers MustRemove's stricter contract.
func TestMustRemoveFailsOnAbsentKey(t *testing.T) {
	e := newTestEngine(t)

	root := mustInsert(t, e, cbt.NullAddress, "present", "v")
	if _, err := e.MustRemove(root, []byte("absent")); err == nil {
		t.Fatalf("expected error from MustRemove on absent key")
	}
	if _, err := e.MustRemove(root, []byte("present")); err != nil {
		t.Fatalf("MustRemove(present): %v", err)
	}
}

// TestRemoveAllKeysEmptiesRoot drains a populated trie down to NullAddress,
// exercising the path that releases a leaf once its last entry is removed.
func TestRemoveAllKeysEmptiesRoot(t *testing.T) {
	e := newTestEngine(t)

	keys := []string{"a", "ab", "abc", "b", "ba", "c"}
	var root cbt.Address = cbt.NullAddress
	for i, k := range keys {
		root = mustInsert(t, e, root, k, fmt.Sprintf("v%d", i))
	}

	for _, k := range keys {
		newRoot, removed, err := e.Remove(root, []byte(k))
		if err != nil {
			t.Fatalf("Remove(%q): %v", k, err)
		}
		if !removed {
			t.Fatalf("Remove(%q): not removed", k)
		}
		root = newRoot
	}

	if root != cbt.NullAddress {
		t.Fatalf("root = %d after removing every key, want NullAddress", root)
	}
}

// TestLeafSplitOnOverflow inserts enough keys sharing a common prefix to
// force a leaf past maxLeafEntries, exercising buildFromEntries's split path
// (spec.md §4.7), and confirms every key still round-trips afterward.
func TestLeafSplitOnOverflow(t *testing.T) {
	e := newTestEngine(t)

	var root cbt.Address = cbt.NullAddress
	const n = maxLeafEntries * 3
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("key-%04d", i)
		root = mustInsert(t, e, root, k, fmt.Sprintf("val-%d", i))
	}

	for i := 0; i < n; i++ {
		k := fmt.Sprintf("key-%04d", i)
		want := fmt.Sprintf("val-%d", i)
		if got := mustGet(t, e, root, k); got != want {
			t.Fatalf("Get(%q) = %q, want %q", k, got, want)
		}
	}
}

// TestPrefixDivergenceSplit exercises mutateOnDivergence: inserting a key
// that shares only a partial prefix with an existing inner-prefix node's
// prefix must split it without losing the original key.
func TestPrefixDivergenceSplit(t *testing.T) {
	e := newTestEngine(t)

	// Force an inner-prefix node with a multi-byte prefix via leaf overflow
	// on keys that all share "common-".
	var root cbt.Address = cbt.NullAddress
	for i := 0; i < maxLeafEntries*2; i++ {
		k := fmt.Sprintf("common-%04d", i)
		root = mustInsert(t, e, root, k, fmt.Sprintf("v%d", i))
	}

	// "other" diverges from "common-" at the very first byte.
	root = mustInsert(t, e, root, "other", "other-value")

	if got := mustGet(t, e, root, "other"); got != "other-value" {
		t.Fatalf("Get(other) = %q, want other-value", got)
	}
	if got := mustGet(t, e, root, "common-0000"); got != "v0" {
		t.Fatalf("Get(common-0000) = %q, want v0", got)
	}
	if got := mustGet(t, e, root, fmt.Sprintf("common-%04d", maxLeafEntries*2-1)); got != fmt.Sprintf("v%d", maxLeafEntries*2-1) {
		t.Fatalf("last common- key lost value after divergence split")
	}
}

// TestEOFValueAtPrefixBoundary covers spec.md §9 Open Question 1: a key
// ending exactly at an inner-prefix node's prefix must be stored as that
// node's EOF value, distinct from any key continuing past the prefix.
func TestEOFValueAtPrefixBoundary(t *testing.T) {
	e := newTestEngine(t)

	var root cbt.Address = cbt.NullAddress
	// Force a shared "team" prefix inner-prefix node via overflow.
	for i := 0; i < maxLeafEntries*2; i++ {
		k := fmt.Sprintf("team%04d", i)
		root = mustInsert(t, e, root, k, fmt.Sprintf("v%d", i))
	}

	// "team" itself ends exactly at the shared prefix.
	root = mustInsert(t, e, root, "team", "team-eof-value")

	if got := mustGet(t, e, root, "team"); got != "team-eof-value" {
		t.Fatalf("Get(team) = %q, want team-eof-value", got)
	}
	if got := mustGet(t, e, root, "team0000"); got != "v0" {
		t.Fatalf("Get(team0000) = %q, want v0", got)
	}

	newRoot, removed, err := e.Remove(root, []byte("team"))
	if err != nil {
		t.Fatalf("Remove(team): %v", err)
	}
	if !removed {
		t.Fatalf("Remove(team) not removed")
	}
	root = newRoot

	if _, found, err := e.Get(root, []byte("team")); err != nil {
		t.Fatalf("Get(team) after removal: %v", err)
	} else if found {
		t.Fatalf("Get(team) still found after Remove")
	}
	if got := mustGet(t, e, root, "team0000"); got != "v0" {
		t.Fatalf("Get(team0000) = %q after removing EOF sibling, want v0", got)
	}
}

// TestOutOfLineValueRoundTrip exercises the value-node indirection path:
// values larger than the engine's inline threshold must still round-trip
// byte-for-byte.
func TestOutOfLineValueRoundTrip(t *testing.T) {
	e := newTestEngine(t)

	big := bytes.Repeat([]byte("x"), e.inlineThreshold*4)
	root, err := e.Insert(cbt.NullAddress, []byte("bigkey"), Value{Bytes: big})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	v, found, err := e.Get(root, []byte("bigkey"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found {
		t.Fatalf("Get(bigkey): not found")
	}
	if !bytes.Equal(v.Bytes, big) {
		t.Fatalf("out-of-line value mismatch: got %d bytes, want %d bytes", len(v.Bytes), len(big))
	}
}

// TestSubtreeValueRoundTrip covers storing a value that is itself a subtree
// Address (spec.md §4.7), including GetSubtree's type-checking contract.
func TestSubtreeValueRoundTrip(t *testing.T) {
	e := newTestEngine(t)

	subRoot := mustInsert(t, e, cbt.NullAddress, "nested-key", "nested-value")

	root, err := e.Insert(cbt.NullAddress, []byte("mount"), Value{IsSubtree: true, Subtree: subRoot})
	if err != nil {
		t.Fatalf("Insert(mount): %v", err)
	}

	got, err := e.GetSubtree(root, []byte("mount"))
	if err != nil {
		t.Fatalf("GetSubtree(mount): %v", err)
	}
	if got != subRoot {
		t.Fatalf("GetSubtree(mount) = %d, want %d", got, subRoot)
	}

	if nested := mustGet(t, e, got, "nested-key"); nested != "nested-value" {
		t.Fatalf("Get(nested-key) via subtree = %q, want nested-value", nested)
	}

	plainRoot := mustInsert(t, e, cbt.NullAddress, "plain", "value")
	if _, err := e.GetSubtree(plainRoot, []byte("plain")); err == nil {
		t.Fatalf("expected error calling GetSubtree on a non-subtree value")
	}
}

// TestSharedRootIsolation covers spec.md §8's shared-root isolation
// property: mutating a trie reached through one root must never change
// what an older, still-retained root observes (the copy-on-write contract
// this whole engine exists to provide).
func TestSharedRootIsolation(t *testing.T) {
	e := newTestEngine(t)

	var root cbt.Address = cbt.NullAddress
	for i, k := range []string{"one", "two", "three", "four", "five"} {
		root = mustInsert(t, e, root, k, fmt.Sprintf("v%d", i))
	}

	// Snapshot root by retaining it before further mutation, the way a
	// long-lived reader transaction would.
	e.table.Retain(root)
	snapshot := root

	newRoot, err := e.Update(root, []byte("two"), Value{Bytes: []byte("CHANGED")})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	if got := mustGet(t, e, newRoot, "two"); got != "CHANGED" {
		t.Fatalf("Get(two) via new root = %q, want CHANGED", got)
	}
	if got := mustGet(t, e, snapshot, "two"); got != "v1" {
		t.Fatalf("Get(two) via snapshot root = %q, want v1 (snapshot must be unaffected)", got)
	}

	newRoot2, removed, err := e.Remove(newRoot, []byte("one"))
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if !removed {
		t.Fatalf("Remove(one) not removed")
	}
	if _, found, err := e.Get(newRoot2, []byte("one")); err != nil {
		t.Fatalf("Get(one) on newRoot2: %v", err)
	} else if found {
		t.Fatalf("Get(one) still found on newRoot2 after Remove")
	}
	if got := mustGet(t, e, snapshot, "one"); got != "v0" {
		t.Fatalf("Get(one) via snapshot root = %q, want v0 (snapshot must still see removed-elsewhere key)", got)
	}

	if err := e.releaseSubtree(snapshot); err != nil {
		t.Fatalf("releaseSubtree(snapshot): %v", err)
	}
}

// TestGetOnNullRootIsAlwaysNotFound covers the empty-trie edge case with no
// preceding Insert at all.
func TestGetOnNullRootIsAlwaysNotFound(t *testing.T) {
	e := newTestEngine(t)
	if _, found, err := e.Get(cbt.NullAddress, []byte("anything")); err != nil {
		t.Fatalf("Get: %v", err)
	} else if found {
		t.Fatalf("Get on NullAddress root unexpectedly found a key")
	}
}

// TestKeyTooLargeRejected covers spec.md §9 Open Question 3: an oversized
// key is rejected at the API boundary rather than panicking internally.
func TestKeyTooLargeRejected(t *testing.T) {
	e := newTestEngine(t)
	oversized := bytes.Repeat([]byte("k"), e.maxKeySize+1)

	if _, err := e.Insert(cbt.NullAddress, oversized, Value{Bytes: []byte("v")}); err == nil {
		t.Fatalf("expected error inserting an oversized key")
	}
	if _, _, err := e.Get(cbt.NullAddress, oversized); err == nil {
		t.Fatalf("expected error getting with an oversized key")
	}
}

// TestDescendantsCountTracksLiveKeys covers spec.md §8's live-count
// invariant: the root's descendants counter always equals the number of
// keys actually reachable from it.
func TestDescendantsCountTracksLiveKeys(t *testing.T) {
	e := newTestEngine(t)

	var root cbt.Address = cbt.NullAddress
	keys := []string{"k1", "k2", "k3", "k4", "k5", "k6", "k7"}
	for i, k := range keys {
		root = mustInsert(t, e, root, k, fmt.Sprintf("v%d", i))
		count, err := e.descendantsOf(root)
		if err != nil {
			t.Fatalf("descendantsOf: %v", err)
		}
		if count != uint64(i+1) {
			t.Fatalf("after inserting %d keys, descendantsOf = %d, want %d", i+1, count, i+1)
		}
	}

	for i, k := range keys {
		newRoot, removed, err := e.Remove(root, []byte(k))
		if err != nil {
			t.Fatalf("Remove(%q): %v", k, err)
		}
		if !removed {
			t.Fatalf("Remove(%q) not removed", k)
		}
		root = newRoot
		remaining := len(keys) - i - 1
		if root == cbt.NullAddress {
			if remaining != 0 {
				t.Fatalf("root collapsed to NullAddress with %d keys still expected", remaining)
			}
			continue
		}
		count, err := e.descendantsOf(root)
		if err != nil {
			t.Fatalf("descendantsOf: %v", err)
		}
		if count != uint64(remaining) {
			t.Fatalf("after removing %q, descendantsOf = %d, want %d", k, count, remaining)
		}
	}
}
