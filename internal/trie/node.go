// Package trie implements the copy-on-write radix trie (C6 node formats,
// C7 mutation engine): inner, inner-prefix, leaf, and value nodes built over
// the control-block table and segment heap, with unique/shared-mode
// dispatch for in-place versus copy-on-write edits.
package trie

import (
	"encoding/binary"
	"sort"

	"github.com/arbtrie-go/arbtrie/internal/cbt"
	"github.com/arbtrie-go/arbtrie/internal/segment"
	"github.com/arbtrie-go/arbtrie/pkg/errors"
	"github.com/arbtrie-go/arbtrie/pkg/options"
	"go.uber.org/zap"
)

func newCorruptNodeError(kind string, loc cbt.Location) error {
	return errors.NewCorruptNodeError(kind, loc.Segment, loc.Offset)
}

// maxLeafEntries bounds how many (key, value) entries one leaf node holds
// before an insert forces a split (spec.md §4.6/§4.7).
const maxLeafEntries = 64

// Value is the public view of what is stored at a key: either a byte string
// or a nested subtree root (spec.md §4.7's "insert/update/upsert/remove
// also work with a value that is itself a subtree Address").
type Value struct {
	Bytes     []byte
	IsSubtree bool
	Subtree   cbt.Address
}

// slotValue is how a value is actually stored inside a node's payload:
// inline bytes, a pointer to its own out-of-line value node (the value
// exceeded the inline threshold), or a subtree Address. Cacheline
// compression (clineTable) is deliberately not applied to slotValues —
// only to inner-node branch children — since Testable Property 9 only
// constrains the fan-out of a node's direct children, not its values; see
// DESIGN.md.
type slotValue struct {
	isSubtree bool
	subtree   cbt.Address
	inline    []byte
	outOfLine cbt.Address
	size      int
}

func (e *Engine) toSlotValue(v Value) (slotValue, error) {
	if v.IsSubtree {
		return slotValue{isSubtree: true, subtree: v.Subtree, size: 4}, nil
	}
	if len(v.Bytes) <= e.inlineThreshold {
		return slotValue{inline: append([]byte(nil), v.Bytes...), size: len(v.Bytes)}, nil
	}
	addr, err := e.writeValueNode(v.Bytes)
	if err != nil {
		return slotValue{}, err
	}
	return slotValue{outOfLine: addr, size: len(v.Bytes)}, nil
}

func (e *Engine) fromSlotValue(sv slotValue) (Value, error) {
	if sv.isSubtree {
		return Value{IsSubtree: true, Subtree: sv.subtree}, nil
	}
	if sv.outOfLine != cbt.NullAddress {
		b, err := e.readValueNode(sv.outOfLine)
		if err != nil {
			return Value{}, err
		}
		if sv.size <= len(b) {
			b = b[:sv.size] // drop the frame's alignment padding
		}
		return Value{Bytes: b}, nil
	}
	return Value{Bytes: append([]byte(nil), sv.inline...)}, nil
}

func encodeSlotValue(w *byteWriter, sv slotValue) {
	switch {
	case sv.isSubtree:
		w.u8(2)
		w.u32(uint32(sv.size))
		w.u32(uint32(sv.subtree))
	case sv.outOfLine != cbt.NullAddress:
		w.u8(1)
		w.u32(uint32(sv.size))
		w.u32(uint32(sv.outOfLine))
	default:
		w.u8(0)
		w.u32(uint32(sv.size))
		w.bytes(sv.inline)
	}
}

func decodeSlotValue(r *byteReader) slotValue {
	kind := r.u8()
	size := int(r.u32())
	switch kind {
	case 2:
		return slotValue{isSubtree: true, subtree: cbt.Address(r.u32()), size: size}
	case 1:
		return slotValue{outOfLine: cbt.Address(r.u32()), size: size}
	default:
		return slotValue{inline: append([]byte(nil), r.bytes(size)...), size: size}
	}
}

func slotValueEncodedSize(sv slotValue) int {
	const base = 1 + 4
	if sv.isSubtree || sv.outOfLine != cbt.NullAddress {
		return base + 4
	}
	return base + len(sv.inline)
}

// Engine is the trie mutation engine (C7): it dispatches Get/Insert/Update/
// Upsert/Remove over a root Address, maintaining the unique/shared-mode
// copy-on-write discipline of spec.md §4.7.
type Engine struct {
	table   *cbt.Table
	heap    *segment.Heap
	session *segment.Session

	maxKeySize      int
	inlineThreshold int

	log *zap.SugaredLogger
}

// Config holds the parameters needed to construct an Engine.
type Config struct {
	Table   *cbt.Table
	Heap    *segment.Heap
	Session *segment.Session
	Options *options.Options
	Logger  *zap.SugaredLogger
}

// New creates a trie mutation engine bound to a single writer session.
func New(config *Config) *Engine {
	return &Engine{
		table:           config.Table,
		heap:            config.Heap,
		session:         config.Session,
		maxKeySize:      config.Options.MaxKeySize,
		inlineThreshold: config.Options.MaxValueSize,
		log:             config.Logger,
	}
}

func toSegLoc(l cbt.Location) segment.Location {
	return segment.Location{Segment: l.Segment, Offset: l.Offset}
}

func toCBTLoc(l segment.Location) cbt.Location {
	return cbt.Location{Segment: l.Segment, Offset: l.Offset}
}

// allocNode publishes payload as a brand-new object of type typ, returning
// its freshly allocated Address.
func (e *Engine) allocNode(typ cbt.NodeType, payload []byte) (cbt.Address, error) {
	addr, err := e.table.Alloc(typ, cbt.Location{})
	if err != nil {
		return cbt.NullAddress, err
	}
	loc, buf, err := e.session.AllocData(uint32(len(payload)), uint8(typ), uint32(addr), false)
	if err != nil {
		return cbt.NullAddress, err
	}
	copy(buf, payload)
	if err := e.table.SetLive(addr, typ, toCBTLoc(loc)); err != nil {
		return cbt.NullAddress, err
	}
	return addr, nil
}

// republish rewrites addr's content in place, keeping its Address. Only
// valid in unique mode, where the caller already knows addr's refcount is
// exactly 1 (spec.md §4.7: "under unique mode the Address returned by a
// mutation equals the Address passed in").
func (e *Engine) republish(addr cbt.Address, typ cbt.NodeType, payload []byte) error {
	if err := e.table.StartModify(addr); err != nil {
		return err
	}
	defer e.table.EndModify(addr)

	loc, buf, err := e.session.AllocData(uint32(len(payload)), uint8(typ), uint32(addr), false)
	if err != nil {
		return err
	}
	copy(buf, payload)
	return e.table.SetLive(addr, typ, toCBTLoc(loc))
}

// releaseSubtree drops one reference to addr, and if that was the last
// reference, recursively releases everything addr owned (spec.md §4.7's
// "release a subtree" walk, exercising the refcount-to-zero testable
// property from spec.md §8).
func (e *Engine) releaseSubtree(addr cbt.Address) error {
	if addr == cbt.NullAddress {
		return nil
	}
	cb, ok := e.table.TryGet(addr)
	if !ok {
		return nil
	}
	freed, err := e.table.Release(addr)
	if err != nil || !freed {
		return err
	}

	switch cb.Type {
	case cbt.TypeLeaf:
		leaf, lerr := e.loadLeaf(cb.Location)
		if lerr != nil {
			return lerr
		}
		for _, ent := range leaf.entries {
			if err := e.releaseValueRefs(ent.value); err != nil {
				return err
			}
		}
	case cbt.TypeInner, cbt.TypePrefixInner:
		inner, ierr := e.loadInner(cb.Location)
		if ierr != nil {
			return ierr
		}
		if inner.hasEOF {
			if err := e.releaseValueRefs(inner.eofValue); err != nil {
				return err
			}
		}
		for i := range inner.branches {
			if err := e.releaseSubtree(inner.resolveBranch(i)); err != nil {
				return err
			}
		}
	case cbt.TypeValue:
		// Raw bytes: nothing further to release.
	}
	return nil
}

func (e *Engine) releaseValueRefs(v slotValue) error {
	if v.isSubtree {
		return e.releaseSubtree(v.subtree)
	}
	if v.outOfLine != cbt.NullAddress {
		return e.releaseSubtree(v.outOfLine)
	}
	return nil
}

func (e *Engine) retainValueRefs(v slotValue) {
	if v.isSubtree {
		e.table.Retain(v.subtree)
		return
	}
	if v.outOfLine != cbt.NullAddress {
		e.table.Retain(v.outOfLine)
	}
}

// commonPrefixLen returns the length of the shared prefix of a and b.
func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

// commonPrefixRaw returns the longest prefix shared by every entry's key.
func commonPrefixRaw(entries []leafEntry) []byte {
	if len(entries) == 0 {
		return nil
	}
	prefix := entries[0].key
	for _, ent := range entries[1:] {
		n := commonPrefixLen(prefix, ent.key)
		prefix = prefix[:n]
		if n == 0 {
			break
		}
	}
	return append([]byte(nil), prefix...)
}

// groupByFirstByte partitions a sorted entry slice into contiguous runs
// sharing the same first key byte. Every entry must be non-empty.
func groupByFirstByte(entries []leafEntry) [][]leafEntry {
	var groups [][]leafEntry
	start := 0
	for i := 1; i <= len(entries); i++ {
		if i == len(entries) || entries[i].key[0] != entries[start].key[0] {
			groups = append(groups, entries[start:i])
			start = i
		}
	}
	return groups
}

// splitGroupsBalanced picks the group boundary minimizing the size
// imbalance between the resulting left and right halves, never separating
// two entries that share a first byte (spec.md §4.7: "split position
// minimizing size imbalance, on a key-byte boundary").
func splitGroupsBalanced(groups [][]leafEntry) (left, right []leafEntry) {
	total := 0
	for _, g := range groups {
		total += len(g)
	}
	bestCut, bestDiff, running := 1, total, 0
	for i := 0; i < len(groups)-1; i++ {
		running += len(groups[i])
		diff := abs(total - 2*running)
		if diff < bestDiff {
			bestDiff, bestCut = diff, i+1
		}
	}
	for _, g := range groups[:bestCut] {
		left = append(left, g...)
	}
	for _, g := range groups[bestCut:] {
		right = append(right, g...)
	}
	return left, right
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// lowerBound returns the branch index a query byte resolves to: the count
// of dividers less than or equal to b. A byte with no exact branch of its own
// still resolves to the nearest lower branch; the recursion that follows
// never strips the selecting byte, so a child only confirms a genuine match
// via its own prefix compare or leaf-entry compare (spec.md §4.6).
func lowerBound(dividers []byte, b byte) int {
	return sort.Search(len(dividers), func(i int) bool { return dividers[i] > b })
}

// byteWriter is a small forward-only buffer writer shared by the inner and
// leaf node encoders.
type byteWriter struct {
	buf []byte
	off int
}

func newByteWriter(size int) *byteWriter { return &byteWriter{buf: make([]byte, size)} }

func (w *byteWriter) u8(v uint8)     { w.buf[w.off] = v; w.off++ }
func (w *byteWriter) u16(v uint16)   { binary.LittleEndian.PutUint16(w.buf[w.off:], v); w.off += 2 }
func (w *byteWriter) u32(v uint32)   { binary.LittleEndian.PutUint32(w.buf[w.off:], v); w.off += 4 }
func (w *byteWriter) u64(v uint64)   { binary.LittleEndian.PutUint64(w.buf[w.off:], v); w.off += 8 }
func (w *byteWriter) bytes(b []byte) { copy(w.buf[w.off:], b); w.off += len(b) }

// byteReader is byteWriter's counterpart for decoding.
type byteReader struct {
	buf []byte
	off int
}

func newByteReader(buf []byte) *byteReader { return &byteReader{buf: buf} }

func (r *byteReader) u8() uint8 {
	v := r.buf[r.off]
	r.off++
	return v
}
func (r *byteReader) u16() uint16 {
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}
func (r *byteReader) u32() uint32 {
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}
func (r *byteReader) u64() uint64 {
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}
func (r *byteReader) bytes(n int) []byte {
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}
