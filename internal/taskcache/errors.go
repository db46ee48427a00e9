package taskcache

import "errors"

var (
	// ErrLockTimeout is returned when the cache directory lock could not be
	// acquired within the configured timeout.
	ErrLockTimeout = errors.New("timed out waiting for task cache lock")

	// ErrInvalidItem is returned when an item violates the
	// status/endtime invariant.
	ErrInvalidItem = errors.New("invalid task cache item")

	// ErrClosed is returned when a handle is used after Close.
	ErrClosed = errors.New("task cache handle is closed")
)
