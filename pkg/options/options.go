// Package options provides data structures and functions for configuring an
// arbtrie database. It defines the parameters that control the segmented
// object heap, the control-block table, background compaction, the pinning
// cache, and commit durability, following the teacher's functional-options
// pattern (NewDefaultOptions + OptionFunc).
package options

import (
	"strings"
	"time"
)

// segmentOptions configures the segmented object heap (C1/C3).
type segmentOptions struct {
	// Size is the fixed size, in bytes, of every segment. spec.md fixes this
	// at 32 MiB; it is not independently tunable per database.
	//
	//  - Default: 32 MiB
	Size uint64 `json:"segmentSize"`

	// Directory is where segment files are stored, relative to DataDir.
	//
	// Default: "/segments"
	Directory string `json:"directory"`

	// Prefix is a filename prefix for segment files. The heap keeps every
	// segment in one file named "segs" and does not read this field.
	//
	// Default: "segment"
	Prefix string `json:"prefix"`
}

// compactOptions configures the background compactor (C4).
type compactOptions struct {
	// Interval is how often the compactor scans for eligible segments.
	Interval time.Duration `json:"interval"`

	// PinnedUnusedMB is the freed-space threshold, in MiB, that makes a
	// pinned segment eligible for compaction.
	PinnedUnusedMB uint64 `json:"pinnedUnusedMB"`

	// UnpinnedUnusedMB is the freed-space threshold, in MiB, that makes an
	// unpinned segment eligible for compaction.
	UnpinnedUnusedMB uint64 `json:"unpinnedUnusedMB"`

	// PinnedBatch is how many pinned segments are compacted per pass.
	PinnedBatch int `json:"pinnedBatch"`

	// UnpinnedBatch is how many unpinned segments are compacted per pass.
	UnpinnedBatch int `json:"unpinnedBatch"`
}

// cacheOptions configures the pinning/read-bit-decay policy (C5).
type cacheOptions struct {
	// MaxPinnedCacheMB bounds the total mlock'd working set.
	MaxPinnedCacheMB uint64 `json:"maxPinnedCacheMB"`

	// ReadCacheWindow is the target period for one full read-bit decay sweep.
	ReadCacheWindow time.Duration `json:"readCacheWindow"`

	// EnableReadCache is the master switch for promoting observed-hot
	// objects into pinned segments.
	EnableReadCache bool `json:"enableReadCache"`
}

// Options defines the configuration parameters for an arbtrie database. It
// provides control over storage layout, allocator sizing, compaction,
// caching, and commit durability.
type Options struct {
	// DataDir is the base path where files will be stored.
	//
	// Default: "/var/lib/arbtrie"
	DataDir string `json:"dataDir"`

	// SegmentOptions configures the object heap.
	SegmentOptions *segmentOptions `json:"segmentOptions"`

	// CompactOptions configures the background compactor.
	CompactOptions *compactOptions `json:"compactOptions"`

	// CacheOptions configures the pinning/read-cache policy.
	CacheOptions *cacheOptions `json:"cacheOptions"`

	// SyncMode selects the commit durability policy (spec.md §4.8).
	SyncMode SyncMode `json:"syncMode"`

	// TopRootCount is the number of named top-root slots in the header file.
	TopRootCount int `json:"topRootCount"`

	// MaxKeySize bounds accepted key length at the API boundary.
	MaxKeySize int `json:"maxKeySize"`

	// MaxValueSize bounds the inline value length a binary node stores
	// before a value is promoted to its own value node.
	MaxValueSize int `json:"maxValueSize"`
}

// OptionFunc is a function type that modifies an arbtrie database's configuration.
type OptionFunc func(*Options)

// WithDefaultOptions applies the full set of default configuration values.
func WithDefaultOptions() OptionFunc {
	return func(o *Options) {
		*o = NewDefaultOptions()
	}
}

// WithDataDir sets the primary data directory.
func WithDataDir(directory string) OptionFunc {
	return func(o *Options) {
		directory = strings.TrimSpace(directory)
		if directory != "" {
			o.DataDir = directory
		}
	}
}

// WithCompactInterval sets how often the compactor scans for eligible segments.
func WithCompactInterval(interval time.Duration) OptionFunc {
	return func(o *Options) {
		if interval > 0 {
			o.CompactOptions.Interval = interval
		}
	}
}

// WithCompactThresholds sets the freed-space eligibility thresholds, in MiB,
// for pinned and unpinned segments respectively.
func WithCompactThresholds(pinnedMB, unpinnedMB uint64) OptionFunc {
	return func(o *Options) {
		if pinnedMB > 0 {
			o.CompactOptions.PinnedUnusedMB = pinnedMB
		}
		if unpinnedMB > 0 {
			o.CompactOptions.UnpinnedUnusedMB = unpinnedMB
		}
	}
}

// WithSegmentDir sets the directory specifically used for segment files.
func WithSegmentDir(directory string) OptionFunc {
	return func(o *Options) {
		directory = strings.TrimSpace(directory)
		if directory != "" {
			o.SegmentOptions.Directory = directory
		}
	}
}

// WithSegmentPrefix sets the filename prefix for segment files.
func WithSegmentPrefix(prefix string) OptionFunc {
	return func(o *Options) {
		prefix = strings.TrimSpace(prefix)
		if prefix != "" {
			o.SegmentOptions.Prefix = prefix
		}
	}
}

// WithSyncMode selects the commit durability policy.
func WithSyncMode(mode SyncMode) OptionFunc {
	return func(o *Options) {
		o.SyncMode = mode
	}
}

// WithMaxPinnedCacheMB bounds the total mlock'd working set.
func WithMaxPinnedCacheMB(mb uint64) OptionFunc {
	return func(o *Options) {
		if mb > 0 {
			o.CacheOptions.MaxPinnedCacheMB = mb
		}
	}
}

// WithReadCacheWindow sets the target period for a full read-bit decay sweep.
func WithReadCacheWindow(window time.Duration) OptionFunc {
	return func(o *Options) {
		if window > 0 {
			o.CacheOptions.ReadCacheWindow = window
		}
	}
}

// WithReadCacheEnabled toggles promotion of observed-hot objects into pinned segments.
func WithReadCacheEnabled(enabled bool) OptionFunc {
	return func(o *Options) {
		o.CacheOptions.EnableReadCache = enabled
	}
}

// WithTopRootCount overrides the number of named top-root slots.
func WithTopRootCount(n int) OptionFunc {
	return func(o *Options) {
		if n > 0 {
			o.TopRootCount = n
		}
	}
}

// WithMaxKeySize overrides the accepted key-length bound.
func WithMaxKeySize(n int) OptionFunc {
	return func(o *Options) {
		if n > 0 {
			o.MaxKeySize = n
		}
	}
}
