package namespace

import (
	"errors"
	"fmt"
	"syscall"
)

// Error is a namespace failure carrying the POSIX errno the wire protocol
// reports back to clients.
type Error struct {
	Errno syscall.Errno
	Msg   string
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", e.Errno.Error(), e.Msg)
	}
	return e.Errno.Error()
}

// Errf builds a namespace error with a formatted message.
func Errf(errno syscall.Errno, format string, args ...any) error {
	return &Error{Errno: errno, Msg: fmt.Sprintf(format, args...)}
}

// ErrnoOf extracts the errno from an error chain; unknown errors map to EIO.
func ErrnoOf(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var nerr *Error
	if errors.As(err, &nerr) {
		return nerr.Errno
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return syscall.EIO
}
