package arbtrie

import (
	"context"
	"sort"
	"testing"

	"github.com/arbtrie-go/arbtrie/pkg/options"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), "arbtrie-test",
		options.WithDataDir(t.TempDir()),
		options.WithReadCacheEnabled(false),
		options.WithTopRootCount(4),
	)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return db
}

// TestRoundTrip covers Testable Property 1: insert then commit makes a
// fresh read transaction observe the value.
func TestRoundTrip(t *testing.T) {
	db := openTestDB(t)

	if err := db.Insert(DefaultRoot, []byte("hello"), []byte("world")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	v, ok, err := db.Get(DefaultRoot, []byte("hello"))
	if err != nil || !ok {
		t.Fatalf("Get: v=%s ok=%v err=%v", v, ok, err)
	}
	if string(v) != "world" {
		t.Fatalf("got %q, want %q", v, "world")
	}
}

// TestUpsertIdempotence covers Testable Property 4: a repeated upsert with
// the same value leaves the database logically unchanged.
func TestUpsertIdempotence(t *testing.T) {
	db := openTestDB(t)

	if err := db.Upsert(DefaultRoot, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("first Upsert: %v", err)
	}
	if err := db.Upsert(DefaultRoot, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}

	n, err := db.CountKeys(DefaultRoot)
	if err != nil {
		t.Fatalf("CountKeys: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 live key after redundant upsert, got %d", n)
	}

	v, ok, err := db.Get(DefaultRoot, []byte("k"))
	if err != nil || !ok || string(v) != "v" {
		t.Fatalf("v=%s ok=%v err=%v", v, ok, err)
	}
}

// TestPrefixSplit covers Testable Scenario E2: inserting "hello", "help",
// "helmet" builds a shared-prefix branch without losing any of the three
// entries, and the live-key count at the root reflects all three.
func TestPrefixSplit(t *testing.T) {
	db := openTestDB(t)

	entries := map[string]string{
		"hello":  "world",
		"help":   "yourself",
		"helmet": "bike",
	}
	for k, v := range entries {
		if err := db.Upsert(DefaultRoot, []byte(k), []byte(v)); err != nil {
			t.Fatalf("Upsert(%q): %v", k, err)
		}
		for k2, v2 := range entries {
			got, ok, err := db.Get(DefaultRoot, []byte(k2))
			if err != nil {
				t.Fatalf("Get(%q) after inserting %q: %v", k2, k, err)
				continue
			}
			if !ok {
				continue // k2 may not have been inserted yet in this iteration order
			}
			if string(got) != v2 {
				t.Fatalf("Get(%q)=%q, want %q", k2, got, v2)
			}
		}
	}

	n, err := db.CountKeys(DefaultRoot)
	if err != nil {
		t.Fatalf("CountKeys: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 live keys, got %d", n)
	}
}

// TestSharedRootIsolation covers Testable Property 5: a reader that
// captured a committed root is unaffected by a later writer's commit.
func TestSharedRootIsolation(t *testing.T) {
	db := openTestDB(t)

	if err := db.Insert(DefaultRoot, []byte("a"), []byte("1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	r, err := db.BeginRead(DefaultRoot)
	if err != nil {
		t.Fatalf("BeginRead: %v", err)
	}
	defer r.Close()

	if err := db.Insert(DefaultRoot, []byte("b"), []byte("2")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := db.Remove(DefaultRoot, []byte("a")); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	v, ok, err := r.Get([]byte("a"))
	if err != nil || !ok || string(v) != "1" {
		t.Fatalf("isolated snapshot lost data: v=%s ok=%v err=%v", v, ok, err)
	}
	if _, ok, err := r.Get([]byte("b")); err != nil || ok {
		t.Fatalf("isolated snapshot must not observe later commits: ok=%v err=%v", ok, err)
	}
}

// TestSubtreeAsValue covers Testable Scenario E3: a committed root attached
// as another slot's value is still reachable after its attaching key is
// removed, because the top-root slot still holds its own reference.
func TestSubtreeAsValue(t *testing.T) {
	db := openTestDB(t)

	w1, err := db.BeginWrite(0)
	if err != nil {
		t.Fatalf("BeginWrite(0): %v", err)
	}
	if err := w1.Insert([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := w1.Insert([]byte("b"), []byte("2")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := w1.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	snap, err := db.BeginRead(0)
	if err != nil {
		t.Fatalf("BeginRead(0): %v", err)
	}
	r1 := snap.inner.Root() // Commit returns the prior root, not the new one
	snap.Close()

	w2, err := db.BeginWrite(1)
	if err != nil {
		t.Fatalf("BeginWrite(1): %v", err)
	}
	if err := w2.AttachSubtree([]byte("sub"), r1); err != nil {
		t.Fatalf("AttachSubtree: %v", err)
	}
	if _, err := w2.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	sub, err := db.GetSubtree(1, []byte("sub"))
	if err != nil {
		t.Fatalf("GetSubtree: %v", err)
	}

	rr, err := db.BeginRead(1)
	if err != nil {
		t.Fatalf("BeginRead: %v", err)
	}
	defer rr.Close()
	v, ok, err := rr.SubtreeGet(sub, []byte("a"))
	if err != nil || !ok || string(v) != "1" {
		t.Fatalf("SubtreeGet(a): v=%s ok=%v err=%v", v, ok, err)
	}

	if removed, err := db.Remove(1, []byte("sub")); err != nil || !removed {
		t.Fatalf("Remove(sub): removed=%v err=%v", removed, err)
	}

	r0, err := db.BeginRead(0)
	if err != nil {
		t.Fatalf("BeginRead(0): %v", err)
	}
	defer r0.Close()
	if v, ok, err := r0.Get([]byte("a")); err != nil || !ok || string(v) != "1" {
		t.Fatalf("original slot 0 root must still resolve after removing the attaching key elsewhere: v=%s ok=%v err=%v", v, ok, err)
	}
}

func TestGetOnSubtreeValueFails(t *testing.T) {
	db := openTestDB(t)

	w1, err := db.BeginWrite(0)
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	if err := w1.Insert([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	r1, err := w1.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := db.oneShot(1, func(w *WriteTxn) error { return w.AttachSubtree([]byte("sub"), r1) }); err != nil {
		t.Fatalf("AttachSubtree via oneShot: %v", err)
	}

	if _, _, err := db.Get(1, []byte("sub")); err == nil {
		t.Fatalf("expected error reading a subtree-valued key as a plain value")
	}
}

// TestUpdateMissingKeyFails and TestMustRemoveMissingKeyFails exercise the
// pre-commit logical failures spec.md §7 assigns to the trie layer.
func TestUpdateMissingKeyFails(t *testing.T) {
	db := openTestDB(t)
	if err := db.Update(DefaultRoot, []byte("missing"), []byte("x")); err == nil {
		t.Fatalf("expected error updating an absent key")
	}
}

func TestMustRemoveMissingKeyFails(t *testing.T) {
	db := openTestDB(t)
	if err := db.MustRemove(DefaultRoot, []byte("missing")); err == nil {
		t.Fatalf("expected error removing an absent key with MustRemove")
	}
}

func TestInsertDuplicateFails(t *testing.T) {
	db := openTestDB(t)
	if err := db.Insert(DefaultRoot, []byte("k"), []byte("v1")); err != nil {
		t.Fatalf("first Insert: %v", err)
	}
	if err := db.Insert(DefaultRoot, []byte("k"), []byte("v2")); err == nil {
		t.Fatalf("expected error inserting a key that already exists")
	}
}

// TestManyKeysOrderedSubset is a small-scale stand-in for Scenario E1: it
// inserts an ascending word list and confirms every key round-trips and
// CountKeys tracks the running total, without the full ~235k-word scale
// reserved for a dedicated benchmark.
func TestManyKeysOrderedSubset(t *testing.T) {
	db := openTestDB(t)

	words := []string{"ant", "bee", "cat", "dog", "emu", "fox", "gnu", "hen"}
	sort.Strings(words)

	for i, w := range words {
		n, err := db.CountKeys(DefaultRoot)
		if err != nil {
			t.Fatalf("CountKeys before inserting %q: %v", w, err)
		}
		if int(n) != i {
			t.Fatalf("CountKeys before inserting %q = %d, want %d", w, n, i)
		}
		if err := db.Upsert(DefaultRoot, []byte(w), []byte(strUpper(w))); err != nil {
			t.Fatalf("Upsert(%q): %v", w, err)
		}
	}

	for _, w := range words {
		v, ok, err := db.Get(DefaultRoot, []byte(w))
		if err != nil || !ok || string(v) != strUpper(w) {
			t.Fatalf("Get(%q)=%q ok=%v err=%v, want %q", w, v, ok, err, strUpper(w))
		}
	}
}

func strUpper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}
