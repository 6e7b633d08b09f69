package errors

// TrieError is a specialized error type for the COW radix trie mutation
// engine (C7): key-exists-on-insert, key-missing-on-update/remove, and the
// oversized-key/value rejections spec.md §9 Open Question 3 asks to be
// enforced at the API boundary rather than via internal asserts.
type TrieError struct {
	*baseError

	// key is a best-effort, possibly-truncated rendering of the offending key.
	key string

	// operation names the trie operation in flight ("Insert", "Update",
	// "Upsert", "Remove", "MustRemove", "GetSubtree", ...).
	operation string

	// size records the key or value length that triggered a bounds error.
	size int

	// limit records the configured bound that was exceeded.
	limit int
}

// NewTrieError creates a new trie-specific error with the provided context.
func NewTrieError(err error, code ErrorCode, msg string) *TrieError {
	return &TrieError{baseError: NewBaseError(err, code, msg)}
}

func (te *TrieError) WithMessage(msg string) *TrieError {
	te.baseError.WithMessage(msg)
	return te
}

func (te *TrieError) WithCode(code ErrorCode) *TrieError {
	te.baseError.WithCode(code)
	return te
}

func (te *TrieError) WithDetail(key string, value any) *TrieError {
	te.baseError.WithDetail(key, value)
	return te
}

// WithKey records the key involved in the error, truncated to a sane preview
// length so a pathological key can't blow up log lines.
func (te *TrieError) WithKey(key []byte) *TrieError {
	if len(key) > 64 {
		te.key = string(key[:64]) + "..."
	} else {
		te.key = string(key)
	}
	return te
}

// WithOperation records which trie operation was being performed.
func (te *TrieError) WithOperation(operation string) *TrieError {
	te.operation = operation
	return te
}

// WithBounds records the observed size and the configured limit it exceeded.
func (te *TrieError) WithBounds(size, limit int) *TrieError {
	te.size = size
	te.limit = limit
	return te
}

// Key returns the (possibly truncated) key involved in the error.
func (te *TrieError) Key() string { return te.key }

// Operation returns the trie operation that failed.
func (te *TrieError) Operation() string { return te.operation }

// Size returns the observed size that violated a bound.
func (te *TrieError) Size() int { return te.size }

// Limit returns the configured bound that was violated.
func (te *TrieError) Limit() int { return te.limit }

// NewKeyExistsError builds the error Insert returns when the key is already present.
func NewKeyExistsError(key []byte) *TrieError {
	return NewTrieError(nil, ErrorCodeTrieKeyExists, "key already exists").
		WithKey(key).
		WithOperation("Insert")
}

// NewKeyNotFoundErrorTrie builds the error Update/Remove/MustRemove return
// when the key has no value in the trie.
func NewKeyNotFoundErrorTrie(key []byte, operation string) *TrieError {
	return NewTrieError(nil, ErrorCodeTrieKeyNotFound, "key not found").
		WithKey(key).
		WithOperation(operation)
}

// NewKeyTooLargeError builds the error returned when a key exceeds MaxKeySize.
func NewKeyTooLargeError(key []byte, limit int) *TrieError {
	return NewTrieError(nil, ErrorCodeTrieKeyTooLarge, "key exceeds maximum key size").
		WithKey(key).
		WithBounds(len(key), limit)
}

// NewValueTooLargeError builds the error returned when a value exceeds the
// configured maximum value size.
func NewValueTooLargeError(size, limit int) *TrieError {
	return NewTrieError(nil, ErrorCodeTrieValueTooLarge, "value exceeds maximum value size").
		WithBounds(size, limit)
}

// NewCorruptNodeError builds the error returned when a node's recorded
// Location no longer decodes to a readable frame.
func NewCorruptNodeError(kind string, segmentID, offset uint32) *TrieError {
	return NewTrieError(nil, ErrorCodeTrieNodeCorrupted, "node frame could not be read back").
		WithDetail("nodeKind", kind).
		WithDetail("segment", segmentID).
		WithDetail("offset", offset)
}

// NewNotSubtreeError builds the error GetSubtree returns when the stored
// value at key is a plain byte value rather than a nested root Address.
func NewNotSubtreeError(key []byte) *TrieError {
	return NewTrieError(nil, ErrorCodeTrieNotSubtree, "value at key is not a subtree").
		WithKey(key).
		WithOperation("GetSubtree")
}

// NewValueIsSubtreeError builds the error a plain byte-value read returns
// when the stored value at key is in fact a nested subtree root.
func NewValueIsSubtreeError(key []byte) *TrieError {
	return NewTrieError(nil, ErrorCodeTrieValueIsSubtree, "value at key is a subtree, use GetSubtree").
		WithKey(key).
		WithOperation("Get")
}
