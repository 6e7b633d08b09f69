// Package segment implements the segmented, memory-mapped object heap:
// the block allocator that grows one contiguous mmap in whole 32 MiB
// segments (C1), the per-session bump allocator that hands those segments
// out as sessions write objects into them (C3), and the background
// provider and epoch/read-lock queue that keep sealed segments safe to
// recycle once every reader has moved past them.
package segment

import (
	"encoding/binary"
	"sync/atomic"
	"time"
)

// FrameHeaderSize is the fixed size, in bytes, of the allocation header
// prefixing every persisted object frame.
const FrameHeaderSize = 12

// FrameHeader is the 12-byte header stamped at the start of every object
// frame: the whole frame's size (so a scanner can walk forward over any
// segment without understanding the payload), the node type tag, the
// Address the frame belongs to, and the allocation sequence distinguishing
// a fresh allocation from a stale one occupying the same freed Address.
type FrameHeader struct {
	Size     uint32
	Type     uint8
	Address  uint32
	Sequence uint16
}

// Encode writes h into buf, which must be at least FrameHeaderSize bytes.
func (h FrameHeader) Encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Size)
	buf[4] = h.Type
	binary.LittleEndian.PutUint32(buf[5:9], h.Address)
	binary.LittleEndian.PutUint16(buf[9:11], h.Sequence)
	buf[11] = 0
}

// DecodeFrameHeader reads a FrameHeader out of buf.
func DecodeFrameHeader(buf []byte) FrameHeader {
	return FrameHeader{
		Size:     binary.LittleEndian.Uint32(buf[0:4]),
		Type:     buf[4],
		Address:  binary.LittleEndian.Uint32(buf[5:9]),
		Sequence: binary.LittleEndian.Uint16(buf[9:11]),
	}
}

// Location is the compact (segment, offset) pair recorded in a control
// block, pointing at an object frame's payload (just past its header).
type Location struct {
	Segment uint32
	Offset  uint32
}

// Meta is the small header every segment carries: its bump cursor, the
// write-protect cursor trailing behind it, a virtual age used for
// age-locality during compaction, the owning session, and the open/close
// timestamps. One Meta is allocated per segment and never moves once
// created, so it can be referenced without a lock.
type Meta struct {
	ID uint32

	AllocCursor atomic.Uint32 // bump cursor: next free byte offset
	SyncCursor  atomic.Uint32 // trailing cursor: bytes already mprotect'd/synced

	Age          atomic.Uint64 // virtual age accumulator
	OwnerSession atomic.Uint64

	Sealed            atomic.Bool
	Pinned            atomic.Bool
	InRecyclePipeline atomic.Bool

	FreedBytes atomic.Uint64

	OpenedAt time.Time
	ClosedAt atomic.Pointer[time.Time]
}

func newMeta(id uint32) *Meta {
	return &Meta{ID: id, OpenedAt: time.Now()}
}

// Occupancy returns the fraction of the segment still live, given its
// total size: 1 - freedBytes/size.
func (m *Meta) Occupancy(segmentSize uint64) float64 {
	if segmentSize == 0 {
		return 0
	}
	return 1.0 - float64(m.FreedBytes.Load())/float64(segmentSize)
}

// ReadFrame reads back the frame header and payload for an object whose
// control block records loc as its current Location (loc.Offset points just
// past the frame header, matching what AllocData returns). Used by callers
// that only hold a Location and need the frame's size/type back, such as the
// trie engine reading an existing node or the compactor re-reading a
// promotion candidate.
func ReadFrame(heap *Heap, loc Location) (FrameHeader, []byte, bool) {
	segBytes := heap.SegmentBytes(loc.Segment)
	if segBytes == nil || loc.Offset < FrameHeaderSize {
		return FrameHeader{}, nil, false
	}
	headerStart := loc.Offset - FrameHeaderSize
	header := DecodeFrameHeader(segBytes[headerStart:loc.Offset])
	frameEnd := headerStart + header.Size
	if frameEnd > uint32(len(segBytes)) || loc.Offset > frameEnd {
		return FrameHeader{}, nil, false
	}
	return header, segBytes[loc.Offset:frameEnd], true
}
