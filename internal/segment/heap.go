package segment

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/arbtrie-go/arbtrie/pkg/errors"
	"github.com/arbtrie-go/arbtrie/pkg/filesys"
	"github.com/arbtrie-go/arbtrie/pkg/options"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// segsFileName is the single backing file holding the whole segmented
// object heap (spec.md §6: "segs: the segmented object heap").
const segsFileName = "segs"

// Heap owns one growable mmap of fixed-size segments (C1). It hands out
// whole segments; it never understands object frames itself, that is
// Session's job. Growth extends the file and remaps under growMu so
// concurrent SegmentBytes callers always see a consistent mapping via
// remapMu, matching the resize-then-remap pattern background compaction and
// readers both rely on.
type Heap struct {
	file *os.File

	mapping atomic.Pointer[[]byte]
	remapMu sync.RWMutex

	growMu     sync.Mutex
	metasPtr   atomic.Pointer[[]*Meta]
	ageCounter atomic.Uint64

	segmentSize uint64
	dataDir     string

	log *zap.SugaredLogger
}

// Config holds the parameters needed to open a Heap.
type Config struct {
	Options *options.Options
	Logger  *zap.SugaredLogger
}

// Open opens (creating if necessary) the segments file, mmaps whatever is
// already on disk, and reconstructs one Meta per whole segment found.
func Open(config *Config) (*Heap, error) {
	if config == nil || config.Options == nil || config.Logger == nil {
		return nil, errors.NewConfigurationValidationError("segment.Config", "Options and Logger must not be nil")
	}

	segmentDir := filepath.Join(config.Options.DataDir, config.Options.SegmentOptions.Directory)
	if err := filesys.CreateDir(segmentDir, 0755, true); err != nil {
		return nil, errors.NewStorageError(err, errors.ErrorCodeIO, "failed to create segment directory").
			WithPath(segmentDir)
	}

	path := filepath.Join(segmentDir, segsFileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.NewStorageError(err, errors.ErrorCodeIO, "failed to open segments file").
			WithFileName(segsFileName).WithPath(path)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, errors.NewStorageError(err, errors.ErrorCodeIO, "failed to stat segments file").
			WithFileName(segsFileName).WithPath(path)
	}

	segmentSize := config.Options.SegmentOptions.Size
	existingSegments := uint32(uint64(info.Size()) / segmentSize)

	h := &Heap{
		file:        file,
		segmentSize: segmentSize,
		dataDir:     segmentDir,
		log:         config.Logger,
	}
	emptyMapping := []byte{}
	h.mapping.Store(&emptyMapping)
	emptyMetas := make([]*Meta, 0)
	h.metasPtr.Store(&emptyMetas)

	if existingSegments > 0 {
		if err := h.remap(uint64(existingSegments) * segmentSize); err != nil {
			file.Close()
			return nil, err
		}
		metas := make([]*Meta, existingSegments)
		for i := range metas {
			m := newMeta(uint32(i))
			m.Sealed.Store(true) // recovered segments are assumed sealed; engine revalidates.
			m.Age.Store(h.ageCounter.Add(1))
			metas[i] = m
		}
		h.metasPtr.Store(&metas)
	}

	config.Logger.Infow("Opened segment heap", "path", path, "segmentSize", segmentSize, "existingSegments", existingSegments)
	return h, nil
}

// remap replaces the current mapping with a fresh one covering [0, newSize).
func (h *Heap) remap(newSize uint64) error {
	h.remapMu.Lock()
	defer h.remapMu.Unlock()

	data, err := unix.Mmap(int(h.file.Fd()), 0, int(newSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return errors.NewStorageError(err, errors.ErrorCodeIO, "mmap failed").WithFileName(segsFileName)
	}

	if old := h.mapping.Load(); old != nil && len(*old) > 0 {
		if err := unix.Munmap(*old); err != nil {
			h.log.Warnw("failed to munmap previous segment mapping", "error", err)
		}
	}
	h.mapping.Store(&data)
	return nil
}

// AllocSegment grows the heap by exactly one segment and returns its ID.
// Growth is safe under concurrent readers because only the
// tail is extended and the mapping is swapped atomically under remapMu
// (spec.md §4.1).
func (h *Heap) AllocSegment() (uint32, error) {
	h.growMu.Lock()
	defer h.growMu.Unlock()

	metas := *h.metasPtr.Load()
	newCount := uint32(len(metas)) + 1
	newSize := uint64(newCount) * h.segmentSize

	if err := h.file.Truncate(int64(newSize)); err != nil {
		return 0, errors.NewStorageError(err, errors.ErrorCodeIO, "failed to grow segments file").
			WithFileName(segsFileName)
	}
	if err := h.remap(newSize); err != nil {
		return 0, err
	}

	id := newCount - 1
	next := make([]*Meta, len(metas)+1)
	copy(next, metas)
	m := newMeta(id)
	m.Age.Store(h.ageCounter.Add(1))
	next[id] = m
	h.metasPtr.Store(&next)

	h.log.Infow("Grew segment heap", "segmentID", id, "totalSegments", newCount, "totalBytes", newSize)
	return id, nil
}

// SegmentCount returns how many segments the heap currently has.
func (h *Heap) SegmentCount() uint32 {
	return uint32(len(*h.metasPtr.Load()))
}

// Meta returns the metadata header for segment id, or nil if out of range.
func (h *Heap) Meta(id uint32) *Meta {
	metas := *h.metasPtr.Load()
	if int(id) >= len(metas) {
		return nil
	}
	return metas[id]
}

// AllMeta returns a snapshot slice of every segment's metadata, used by the
// compactor's eligibility scan.
func (h *Heap) AllMeta() []*Meta {
	return *h.metasPtr.Load()
}

// SegmentBytes returns the byte range backing segment id. The returned
// slice aliases the live mmap; callers must not retain it across a call to
// AllocSegment (which may remap).
func (h *Heap) SegmentBytes(id uint32) []byte {
	h.remapMu.RLock()
	defer h.remapMu.RUnlock()
	m := *h.mapping.Load()
	start := uint64(id) * h.segmentSize
	end := start + h.segmentSize
	if end > uint64(len(m)) {
		return nil
	}
	return m[start:end]
}

// SegmentSize returns the fixed per-segment size in bytes.
func (h *Heap) SegmentSize() uint64 {
	return h.segmentSize
}

const pageSize = 4096

func roundDownPage(off uint32) uint32 {
	return off &^ (pageSize - 1)
}

func roundUpPage(off uint32) uint32 {
	return (off + pageSize - 1) &^ (pageSize - 1)
}

// Protect write-protects the byte range [from, to) of segment id by
// mprotecting it PROT_READ, matching the seal-time guarantee that no
// further writes land before the range is pushed to disk (spec.md §4.3).
func (h *Heap) Protect(id uint32, from, to uint32) error {
	if to <= from {
		return nil
	}
	h.remapMu.RLock()
	defer h.remapMu.RUnlock()
	m := *h.mapping.Load()
	segStart := uint64(id) * h.segmentSize

	pFrom := roundDownPage(from)
	pTo := roundUpPage(to)
	if uint64(pTo) > h.segmentSize {
		pTo = uint32(h.segmentSize)
	}

	region := m[segStart+uint64(pFrom) : segStart+uint64(pTo)]
	if err := unix.Mprotect(region, unix.PROT_READ); err != nil {
		return errors.NewStorageError(err, errors.ErrorCodeIO, "mprotect failed").
			WithSegmentID(int(id)).WithOffset(int(from))
	}
	return nil
}

// Sync flushes segment id's dirty pages according to mode (spec.md §4.8).
func (h *Heap) Sync(id uint32, mode options.SyncMode) error {
	switch mode {
	case options.SyncNone, options.SyncMprotect:
		return nil
	case options.SyncMsyncAsync, options.SyncMsyncSync:
		h.remapMu.RLock()
		m := *h.mapping.Load()
		h.remapMu.RUnlock()
		start := uint64(id) * h.segmentSize
		region := m[start : start+h.segmentSize]
		flag := unix.MS_ASYNC
		if mode == options.SyncMsyncSync {
			flag = unix.MS_SYNC
		}
		if err := unix.Msync(region, flag); err != nil {
			return errors.NewStorageError(err, errors.ErrorCodeIO, "msync failed").WithSegmentID(int(id))
		}
		return nil
	case options.SyncFsync, options.SyncFull:
		if err := h.file.Sync(); err != nil {
			return errors.NewStorageError(err, errors.ErrorCodeIO, "fsync failed").WithFileName(segsFileName)
		}
		return nil
	default:
		return nil
	}
}

// Mlock pins segment id's pages in physical memory.
func (h *Heap) Mlock(id uint32) error {
	b := h.SegmentBytes(id)
	if b == nil {
		return nil
	}
	if err := unix.Mlock(b); err != nil {
		return errors.NewStorageError(err, errors.ErrorCodeIO, "mlock failed").WithSegmentID(int(id))
	}
	return nil
}

// Munlock releases segment id's pinned pages.
func (h *Heap) Munlock(id uint32) error {
	b := h.SegmentBytes(id)
	if b == nil {
		return nil
	}
	if err := unix.Munlock(b); err != nil {
		return errors.NewStorageError(err, errors.ErrorCodeIO, "munlock failed").WithSegmentID(int(id))
	}
	return nil
}

// Close unmaps and closes the segments file.
func (h *Heap) Close() error {
	h.remapMu.Lock()
	defer h.remapMu.Unlock()
	if m := h.mapping.Load(); m != nil && len(*m) > 0 {
		if err := unix.Munmap(*m); err != nil {
			h.log.Warnw("failed to munmap on close", "error", err)
		}
	}
	return h.file.Close()
}
