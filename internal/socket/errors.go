package socket

import "errors"

// Error kinds from spec.md §7. Each is a distinct sentinel so callers can
// distinguish them with errors.Is even after wrapping with context.
var (
	ErrUnknownConnection = errors.New("utp: unknown connection")
	ErrStaleConnection    = errors.New("utp: stale connection")
	ErrIncompleteStream   = errors.New("utp: incomplete stream")
	ErrTimeout            = errors.New("utp: timeout")
	ErrCancelled          = errors.New("utp: cancelled")
	ErrPeerReset          = errors.New("utp: peer reset")
)
