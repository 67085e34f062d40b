package transport

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrCancelled        = errors.New("transport: cancelled")
	ErrDiscoveryTimeout = errors.New("transport: discovery timeout")
	ErrDialFailure      = errors.New("transport: dial failure")
	ErrSendFailure      = errors.New("transport: send failure")
	ErrClosed           = errors.New("transport: closed")
)

// Cancelled returns the error reported when ctx ends an operation. It
// matches ErrCancelled as well as the context's own cause.
func Cancelled(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = context.Canceled
	}
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}

// IsCancelled reports whether err means the caller gave up, as opposed to
// the operation failing.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
