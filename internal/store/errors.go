package store

import "errors"

var (
	// ErrUnsupportedStore indicates a store URL with an unknown scheme
	ErrUnsupportedStore = errors.New("unsupported_store")
	// ErrCorruptSnapshot indicates a stored value that cannot be decoded
	ErrCorruptSnapshot = errors.New("corrupt_snapshot")
)
