package store

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a closed store or cache.
var ErrClosed = errors.New("store: closed")

// ErrTargetMismatch is returned when a batch is committed to a target other
// than the one it was built for.
var ErrTargetMismatch = errors.New("store: batch target mismatch")

// IOError marks a failure of the persistent layer. Callers recover from it
// by scheduling a rebuild rather than failing the build.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("store: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// IsIOError reports whether err is or wraps an *IOError.
func IsIOError(err error) bool {
	var ioErr *IOError
	return errors.As(err, &ioErr)
}
