package options

import "time"

const (
	// DefaultDataDir specifies the default base directory where arbtrie will
	// store its data files (header, and segs under the segment directory).
	DefaultDataDir = "/var/lib/arbtrie"

	// ZoneSize is the number of control-block slots per CBT zone: 2^22.
	// Zones are held in memory only; they are not written to disk.
	ZoneSize uint32 = 1 << 22

	// MinSegmentSize is the smallest allowed segment size. spec.md fixes
	// segments at exactly 32 MiB; there is no independent range to tune.
	MinSegmentSize uint64 = 32 * 1024 * 1024

	// MaxSegmentSize equals MinSegmentSize for the same reason.
	MaxSegmentSize uint64 = 32 * 1024 * 1024

	// DefaultSegmentSize is the only supported segment size.
	DefaultSegmentSize uint64 = 32 * 1024 * 1024

	// DefaultSegmentDirectory is the subdirectory, within DataDir, that holds
	// the segmented object heap.
	DefaultSegmentDirectory = "/segments"

	// DefaultSegmentPrefix is the default SegmentOptions.Prefix; the segment
	// heap does not use it.
	DefaultSegmentPrefix = "segment"

	// MaxKeySize bounds the key length accepted at the API boundary,
	// resolving spec.md §9 Open Question 3: reject oversized keys rather
	// than assert internally.
	MaxKeySize = 1024

	// InlineValueThreshold is the largest value a binary (leaf/bucket) node
	// stores inline; larger values are promoted to a value node.
	InlineValueThreshold = 64

	// DefaultCompactInterval is how often the compactor sweeps for eligible
	// segments absent an explicit signal from a sealed segment.
	DefaultCompactInterval = time.Second * 30

	// DefaultCompactPinnedUnusedMB is the freed-space threshold, in MiB, that
	// makes a pinned (mlock'd) segment eligible for compaction.
	DefaultCompactPinnedUnusedMB = 8

	// DefaultCompactUnpinnedUnusedMB is the freed-space threshold, in MiB,
	// that makes an unpinned segment eligible for compaction.
	DefaultCompactUnpinnedUnusedMB = 4

	// DefaultMaxPinnedCacheMB bounds the total mlock'd working set.
	DefaultMaxPinnedCacheMB = 256

	// DefaultReadCacheWindowSec is the target period, in seconds, for one
	// full read-bit decay sweep of the control-block table.
	DefaultReadCacheWindowSec = 60

	// DefaultTopRootCount is re-derived (spec.md §9 Open Question 4) from a
	// 4 KiB sync unit over 4-byte Addresses: 4096 / 4 = 1024 top-root slots.
	DefaultTopRootCount = 1024
)

// SyncMode names one of the durability policies from spec.md §4.8/§6.
type SyncMode int

const (
	// SyncNone performs no explicit flushing after commit.
	SyncNone SyncMode = iota
	// SyncMprotect write-protects sealed pages but does not msync.
	SyncMprotect
	// SyncMsyncAsync adds an MS_ASYNC flush of dirty segment pages.
	SyncMsyncAsync
	// SyncMsyncSync adds an MS_SYNC flush of dirty segment pages.
	SyncMsyncSync
	// SyncFsync calls fsync on the segments file.
	SyncFsync
	// SyncFull adds a platform full-sync on the header file, the strongest
	// durability mode.
	SyncFull
)

// String renders the sync mode for logging.
func (m SyncMode) String() string {
	switch m {
	case SyncNone:
		return "none"
	case SyncMprotect:
		return "mprotect"
	case SyncMsyncAsync:
		return "msync_async"
	case SyncMsyncSync:
		return "msync_sync"
	case SyncFsync:
		return "fsync"
	case SyncFull:
		return "full"
	default:
		return "unknown"
	}
}

// defaultOptions holds the default configuration for an arbtrie database.
var defaultOptions = Options{
	DataDir: DefaultDataDir,
	SegmentOptions: &segmentOptions{
		Size:      DefaultSegmentSize,
		Prefix:    DefaultSegmentPrefix,
		Directory: DefaultSegmentDirectory,
	},
	CompactOptions: &compactOptions{
		Interval:         DefaultCompactInterval,
		PinnedUnusedMB:   DefaultCompactPinnedUnusedMB,
		UnpinnedUnusedMB: DefaultCompactUnpinnedUnusedMB,
		PinnedBatch:      16,
		UnpinnedBatch:    8,
	},
	CacheOptions: &cacheOptions{
		MaxPinnedCacheMB: DefaultMaxPinnedCacheMB,
		ReadCacheWindow:  time.Second * DefaultReadCacheWindowSec,
		EnableReadCache:  true,
	},
	SyncMode:     SyncFsync,
	TopRootCount: DefaultTopRootCount,
	MaxKeySize:   MaxKeySize,
	MaxValueSize: InlineValueThreshold,
}

// NewDefaultOptions returns a copy of the default configuration, including
// fresh copies of its nested option groups so callers can mutate them via
// OptionFunc without aliasing the package-level default.
func NewDefaultOptions() Options {
	opts := defaultOptions
	segCopy := *defaultOptions.SegmentOptions
	opts.SegmentOptions = &segCopy
	compactCopy := *defaultOptions.CompactOptions
	opts.CompactOptions = &compactCopy
	cacheCopy := *defaultOptions.CacheOptions
	opts.CacheOptions = &cacheCopy
	return opts
}
