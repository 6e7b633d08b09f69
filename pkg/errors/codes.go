package errors

// ErrorCode represents a standardized way to categorize different types of errors.
type ErrorCode string

// Base error codes represent the fundamental categories of failures that can
// occur across any software system. These codes provide the foundation layer
// of error classification.
const (
	// ErrorCodeIO represents failures in input/output operations across any
	// system boundary. This includes file system operations like reading or
	// writing segment files, network operations when communicating with remote
	// systems, and device I/O when accessing storage hardware.
	ErrorCodeIO ErrorCode = "IO_ERROR"

	// ErrorCodeInvalidInput represents client-side errors where the provided
	// data doesn't meet the system's requirements or constraints. This maps
	// to HTTP 400-series errors and indicates problems with the request itself
	// rather than system failures.
	ErrorCodeInvalidInput ErrorCode = "INVALID_INPUT"

	// ErrorCodeInternal represents unexpected system failures that don't fit
	// into other categories. These are the equivalent of HTTP 500 errors and
	// indicate bugs, assertion failures, or other programming errors that
	// shouldn't occur during normal operation.
	ErrorCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// Storage-specific error codes extend the base error taxonomy to handle the
// unique failure modes that occur in persistent storage systems. These codes
// represent problems that are specific to the storage layer of your key-value
// store, particularly focusing on segment file management and data persistence.
const (
	// ErrorCodeSegmentCorrupted indicates that a segment file's data has been
	// damaged or is in an inconsistent state.
	ErrorCodeSegmentCorrupted ErrorCode = "SEGMENT_CORRUPTED"

	// ErrorCodeHeaderReadFailure occurs when the system cannot read the header
	// portion of a segment file. Headers contain critical metadata about the
	// segment's structure, so header read failures prevent access to the
	// entire segment and all data it contains.
	ErrorCodeHeaderReadFailure ErrorCode = "HEADER_READ_FAILURE"

	// ErrorCodePayloadReadFailure indicates problems reading the actual data
	// content from segment files after successfully reading the header. This
	// represents a more localized failure compared to header problems, as the
	// segment structure is intact but specific data regions are inaccessible.
	ErrorCodePayloadReadFailure ErrorCode = "PAYLOAD_READ_FAILURE"

	// ErrorCodeRecoveryFailed indicates that the storage system's attempt to
	// recover from a previous failure was unsuccessful. This represents a
	// compound failure where both the original problem and the recovery
	// mechanism have failed, creating a more serious operational situation.
	ErrorCodeRecoveryFailed ErrorCode = "STORAGE_RECOVERY_FAILED"

	// ErrorCodePermissionDenied indicates insufficient permissions to access a resource.
	// This is distinct from generic IO errors because it has a specific resolution path:
	// the user needs to adjust file/directory permissions or run with elevated privileges.
	ErrorCodePermissionDenied ErrorCode = "PERMISSION_DENIED"

	// ErrorCodeDiskFull indicates that the storage device has run out of space.
	// This requires specific handling like cleanup operations or alerting administrators.
	ErrorCodeDiskFull ErrorCode = "DISK_FULL"

	// ErrorCodeFilesystemReadonly indicates that the filesystem is mounted read-only.
	// This requires administrative intervention to remount the filesystem with write permissions.
	ErrorCodeFilesystemReadonly ErrorCode = "FILESYSTEM_READONLY"
)

// Control-block table error codes cover the failure modes of the C2 address
// allocator: exhaustion of the 32-bit Address space, lookups against a freed
// or out-of-range Address, and the CAS loops that bound allocation retries.
const (
	// ErrorCodeCBTExhausted indicates every zone is full and growth would
	// exceed the 32-bit Address space.
	ErrorCodeCBTExhausted ErrorCode = "CBT_EXHAUSTED"

	// ErrorCodeCBTFreedAddress indicates a caller dereferenced an Address
	// whose control block has refcount == 0 (a caller bug per spec.md §7).
	ErrorCodeCBTFreedAddress ErrorCode = "CBT_FREED_ADDRESS"

	// ErrorCodeCBTDoubleFree indicates a Free() call targeted a slot whose
	// free bit was already set. Treated as an internal invariant violation.
	ErrorCodeCBTDoubleFree ErrorCode = "CBT_DOUBLE_FREE"

	// ErrorCodeCBTAllocRetriesExhausted indicates the bounded CAS retry loop
	// in Alloc/AllocHint gave up without claiming a slot.
	ErrorCodeCBTAllocRetriesExhausted ErrorCode = "CBT_ALLOC_RETRIES_EXHAUSTED"

	// ErrorCodeCBTInvalidTransition indicates an impossible control-block
	// state transition was observed (e.g. try_move succeeding while
	// modifying was set). Always an internal invariant violation.
	ErrorCodeCBTInvalidTransition ErrorCode = "CBT_INVALID_TRANSITION"
)

// Trie error codes cover the pre-commit logical failures and API-boundary
// validation described in spec.md §7 for the mutation engine (C7).
const (
	// ErrorCodeTrieKeyExists indicates Insert was called with a key that
	// already has a value in the trie.
	ErrorCodeTrieKeyExists ErrorCode = "TRIE_KEY_EXISTS"

	// ErrorCodeTrieKeyNotFound indicates Update/Remove/MustRemove was
	// called with a key that has no value in the trie.
	ErrorCodeTrieKeyNotFound ErrorCode = "TRIE_KEY_NOT_FOUND"

	// ErrorCodeTrieKeyTooLarge indicates a key exceeded MaxKeySize.
	ErrorCodeTrieKeyTooLarge ErrorCode = "TRIE_KEY_TOO_LARGE"

	// ErrorCodeTrieValueTooLarge indicates an inline value exceeded the
	// binary-node inline threshold and could not be promoted to a value node.
	ErrorCodeTrieValueTooLarge ErrorCode = "TRIE_VALUE_TOO_LARGE"

	// ErrorCodeTrieNodeCorrupted indicates a node's control block pointed at
	// a Location that no longer decodes to a valid frame.
	ErrorCodeTrieNodeCorrupted ErrorCode = "TRIE_NODE_CORRUPTED"

	// ErrorCodeTrieNotSubtree indicates get_subtree was called on a key
	// whose stored value is a plain byte value, not a nested root Address.
	ErrorCodeTrieNotSubtree ErrorCode = "TRIE_NOT_SUBTREE"

	// ErrorCodeTrieValueIsSubtree indicates a plain byte-value read was
	// attempted against a key whose stored value is a nested subtree root.
	ErrorCodeTrieValueIsSubtree ErrorCode = "TRIE_VALUE_IS_SUBTREE"
)

// Compaction error codes cover the background relocation failures described
// in spec.md §7 as internal invariant violations: these poison the database.
const (
	// ErrorCodeCompactionChecksumMismatch indicates a relocated object's
	// recomputed checksum disagreed with the one stamped in its frame header.
	ErrorCodeCompactionChecksumMismatch ErrorCode = "COMPACTION_CHECKSUM_MISMATCH"

	// ErrorCodeCompactionImpossibleState indicates the copying/modifying
	// mutual-exclusion invariant was violated during a relocation attempt.
	ErrorCodeCompactionImpossibleState ErrorCode = "COMPACTION_IMPOSSIBLE_STATE"

	// ErrorCodeCompactionSegmentBusy indicates a segment chosen for
	// compaction was claimed by another compactor goroutine first.
	ErrorCodeCompactionSegmentBusy ErrorCode = "COMPACTION_SEGMENT_BUSY"
)

// Index codes retained for the CBT's lookup-by-Address error paths, named
// after their control-block-table role rather than the teacher's hash-index role.
const (
	// ErrorCodeIndexKeyNotFound indicates a lookup Address had no live control block.
	ErrorCodeIndexKeyNotFound ErrorCode = "INDEX_KEY_NOT_FOUND"

	// ErrorCodeIndexInvalidSegmentID indicates a location pointed at a
	// segment number outside the heap's currently mapped range.
	ErrorCodeIndexInvalidSegmentID ErrorCode = "INDEX_INVALID_SEGMENT_ID"

	// ErrorCodeIndexCorrupted indicates an internal consistency check on the
	// control-block table failed (bitmap/zone mismatch).
	ErrorCodeIndexCorrupted ErrorCode = "INDEX_CORRUPTED"
)
