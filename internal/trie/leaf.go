package trie

import (
	"bytes"
	"sort"

	"github.com/arbtrie-go/arbtrie/internal/cbt"
	"github.com/arbtrie-go/arbtrie/internal/segment"
)

// leafEntry is one (key, value) pair held directly by a leaf node, sorted
// by key (spec.md §4.6: "small sorted table of key -> value-or-address
// entries").
type leafEntry struct {
	key   []byte
	value slotValue
}

// leafNode is the decoded form of a leaf/binary/bucket node. Rather than
// the append-region, in-place-edit byte format spec.md §4.6 describes (a
// parallel-array layout with a dead_space counter reclaimed by local
// compaction), this engine decodes a leaf fully into entries, mutates the
// slice with ordinary sorted insert/remove/update, and re-encodes the whole
// node on every write. The per-session allocator only ever hands back
// exactly the bytes requested (segment.Session.AllocData has no notion of
// "allocate with slack"), so there is no spare capacity to edit into in
// place; see DESIGN.md. The identity-preserving half of the unique-mode
// invariant — the same Address republished at a new Location — is still
// fully implemented via Engine.republish.
type leafNode struct {
	entries []leafEntry
}

func (n *leafNode) find(key []byte) (int, bool) {
	idx := sort.Search(len(n.entries), func(i int) bool { return bytes.Compare(n.entries[i].key, key) >= 0 })
	if idx < len(n.entries) && bytes.Equal(n.entries[idx].key, key) {
		return idx, true
	}
	return idx, false
}

func (n *leafNode) encodedSize() int {
	size := 2
	for _, ent := range n.entries {
		size += 2 + len(ent.key) + slotValueEncodedSize(ent.value)
	}
	return size
}

func (n *leafNode) encode() []byte {
	w := newByteWriter(n.encodedSize())
	w.u16(uint16(len(n.entries)))
	for _, ent := range n.entries {
		w.u16(uint16(len(ent.key)))
		w.bytes(ent.key)
		encodeSlotValue(w, ent.value)
	}
	return w.buf[:w.off]
}

func decodeLeaf(buf []byte) *leafNode {
	r := newByteReader(buf)
	n := &leafNode{}
	count := int(r.u16())
	n.entries = make([]leafEntry, count)
	for i := 0; i < count; i++ {
		keyLen := int(r.u16())
		key := append([]byte(nil), r.bytes(keyLen)...)
		n.entries[i] = leafEntry{key: key, value: decodeSlotValue(r)}
	}
	return n
}

func (e *Engine) loadLeaf(loc cbt.Location) (*leafNode, error) {
	_, payload, ok := segment.ReadFrame(e.heap, toSegLoc(loc))
	if !ok {
		return nil, newCorruptNodeError("leaf", loc)
	}
	return decodeLeaf(payload), nil
}

// withInserted returns a new, sorted entry slice with (key, value) added.
// The caller must already know key is absent.
func withInserted(entries []leafEntry, key []byte, value slotValue) []leafEntry {
	idx, _ := (&leafNode{entries: entries}).find(key)
	out := make([]leafEntry, 0, len(entries)+1)
	out = append(out, entries[:idx]...)
	out = append(out, leafEntry{key: append([]byte(nil), key...), value: value})
	out = append(out, entries[idx:]...)
	return out
}

// withReplaced returns a new entry slice with the entry at idx's value
// replaced.
func withReplaced(entries []leafEntry, idx int, value slotValue) []leafEntry {
	out := append([]leafEntry(nil), entries...)
	out[idx].value = value
	return out
}

// withRemoved returns a new entry slice with the entry at idx dropped.
func withRemoved(entries []leafEntry, idx int) []leafEntry {
	out := make([]leafEntry, 0, len(entries)-1)
	out = append(out, entries[:idx]...)
	out = append(out, entries[idx+1:]...)
	return out
}
