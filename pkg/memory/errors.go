package memory

import "errors"

// Sentinel errors returned by the store. Backend adapters wrap their
// connector failures in ErrBackendUnavailable so callers can match with
// errors.Is regardless of the engine in use.
var (
	// ErrKeyNotFound is returned by Get, Delete and Pop when the key has no
	// live record and no default was supplied.
	ErrKeyNotFound = errors.New("key not found")

	// ErrInvalidValue is returned by Set when the embedding is missing or
	// has the wrong dimension, or when the payload cannot be encoded.
	ErrInvalidValue = errors.New("invalid value")

	// ErrDecode is returned when a stored payload cannot be decoded again,
	// distinct from ErrKeyNotFound: the record exists but is unreadable.
	ErrDecode = errors.New("cannot decode stored value")

	// ErrBackendUnavailable wraps connector, network and storage-engine
	// failures. The store never retries; the error surfaces as-is.
	ErrBackendUnavailable = errors.New("backend unavailable")
)
