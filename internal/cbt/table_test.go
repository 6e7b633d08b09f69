package cbt

import (
	"sync"
	"testing"
)

func newTestTable() *Table {
	return New(&Config{})
}

func TestAllocFreeRoundTrip(t *testing.T) {
	tbl := newTestTable()

	addr, err := tbl.Alloc(TypeLeaf, Location{Segment: 3, Offset: 128})
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if addr == NullAddress {
		t.Fatalf("Alloc returned NullAddress")
	}

	cb, ok := tbl.Get(addr)
	if !ok {
		t.Fatalf("Get(%d): not found", addr)
	}
	if cb.Refcount != 1 || cb.Type != TypeLeaf || cb.Location.Segment != 3 || cb.Location.Offset != 128 {
		t.Fatalf("unexpected control block after alloc: %+v", cb)
	}

	if freed, err := tbl.Release(addr); err != nil || !freed {
		t.Fatalf("Release: freed=%v err=%v", freed, err)
	}

	if _, ok := tbl.TryGet(addr); ok {
		t.Fatalf("TryGet succeeded on freed address %d", addr)
	}

	if err := tbl.Free(addr); err == nil {
		t.Fatalf("expected double-free error, got nil")
	}
}

func TestRetainKeepsAliveAcrossMultipleReleases(t *testing.T) {
	tbl := newTestTable()
	addr, err := tbl.Alloc(TypeValue, Location{Segment: 0, Offset: 0})
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	tbl.Retain(addr)
	tbl.Retain(addr)

	for i := 0; i < 2; i++ {
		if freed, err := tbl.Release(addr); err != nil {
			t.Fatalf("Release: %v", err)
		} else if freed {
			t.Fatalf("Release freed address too early on iteration %d", i)
		}
	}

	if freed, err := tbl.Release(addr); err != nil || !freed {
		t.Fatalf("final Release should free: freed=%v err=%v", freed, err)
	}
}

func TestConcurrentRetainRelease(t *testing.T) {
	tbl := newTestTable()
	addr, err := tbl.Alloc(TypeInner, Location{Segment: 1, Offset: 1})
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	const n = 200
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		tbl.Retain(addr)
		go func() {
			defer wg.Done()
			tbl.Retain(addr)
			tbl.Release(addr)
		}()
	}
	wg.Wait()

	cb, ok := tbl.Get(addr)
	if !ok {
		t.Fatalf("address freed unexpectedly")
	}
	if cb.Refcount != n+1 {
		t.Fatalf("expected refcount %d, got %d", n+1, cb.Refcount)
	}
}

// TestCopyingExcludesModifying exercises the mutual-exclusion invariant
// between a compactor relocation and an in-place writer edit: once
// TryStartMove succeeds, StartModify must not also succeed, and vice versa.
func TestCopyingExcludesModifying(t *testing.T) {
	tbl := newTestTable()
	loc := Location{Segment: 5, Offset: 64}
	addr, err := tbl.Alloc(TypeLeaf, loc)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	cb, _ := tbl.Get(addr)
	loc = cb.Location

	if !tbl.TryStartMove(addr, loc) {
		t.Fatalf("TryStartMove should succeed on a fresh, unmodified block")
	}

	if err := tbl.StartModify(addr); err == nil {
		t.Fatalf("StartModify unexpectedly succeeded while a move is in flight")
	}

	newLoc := Location{Segment: 6, Offset: 0}
	if !tbl.TryMove(addr, loc, newLoc) {
		t.Fatalf("TryMove should succeed while copying")
	}
	tbl.EndMove(addr)

	if err := tbl.StartModify(addr); err != nil {
		t.Fatalf("StartModify should succeed once move has ended: %v", err)
	}
	if tbl.TryStartMove(addr, newLoc) {
		t.Fatalf("TryStartMove unexpectedly succeeded while modifying")
	}
	tbl.EndModify(addr)

	cb, ok := tbl.Get(addr)
	if !ok || cb.Location != newLoc {
		t.Fatalf("expected location %+v after move, got %+v (ok=%v)", newLoc, cb.Location, ok)
	}
}

func TestAllocHintPrefersCachelineBand(t *testing.T) {
	tbl := newTestTable()
	hint, err := tbl.Alloc(TypeInner, Location{})
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	addr, err := tbl.AllocHint([]Address{hint}, TypeInner, Location{})
	if err != nil {
		t.Fatalf("AllocHint: %v", err)
	}
	if addr.CachelineBase() != hint.CachelineBase() {
		t.Fatalf("AllocHint landed outside hint's cacheline band: hint=%d addr=%d", hint, addr)
	}
}

func TestGetOnUnallocatedAddressNotFound(t *testing.T) {
	tbl := newTestTable()
	if _, ok := tbl.Get(Address(999999)); ok {
		t.Fatalf("Get succeeded on an address in an ungrown zone")
	}
}

func TestDecaySweepClearsReadBits(t *testing.T) {
	tbl := newTestTable()
	addr, err := tbl.Alloc(TypeLeaf, Location{})
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	tbl.SetRead(addr)
	cb, _ := tbl.Get(addr)
	if !cb.Read {
		t.Fatalf("expected read bit set")
	}

	tbl.DecaySweep()
	cb, _ = tbl.Get(addr)
	if cb.Read {
		t.Fatalf("expected read bit cleared after decay sweep")
	}
}
