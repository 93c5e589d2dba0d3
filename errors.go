package ethnl

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrNotSupported is returned by driver callbacks for operations a
// device does not implement. A nil callback in DriverOps is equivalent.
var ErrNotSupported = &Error{
	Errno:   unix.EOPNOTSUPP,
	Message: "operation not supported",
}

// An Error is an error produced while handling a request. It carries
// the errno reported to the transport in the netlink acknowledgement,
// the extended acknowledgement message, and, when the failure was
// caused by a specific attribute, that attribute's type so the
// transport can point the sender at the offending attribute.
type Error struct {
	Errno   unix.Errno
	Message string
	Attr    uint16
}

func errMsg(errno unix.Errno, msg string) *Error {
	return &Error{Errno: errno, Message: msg}
}

func errAttr(errno unix.Errno, attr uint16, msg string) *Error {
	return &Error{Errno: errno, Message: msg, Attr: attr}
}

// Error implements error.
func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("ethnl: %s", e.Message)
	}

	return fmt.Sprintf("ethnl: errno %d", int(e.Errno))
}

// Is enables compatibility with errors.Is.
func (e *Error) Is(target error) bool {
	switch target {
	case os.ErrNotExist:
		// The device does not exist or does not support the operation.
		return e.Errno == unix.ENODEV || e.Errno == unix.EOPNOTSUPP
	case os.ErrPermission:
		return e.Errno == unix.EPERM
	case os.ErrInvalid:
		return e.Errno == unix.EINVAL
	default:
		return false
	}
}

// isNotSupported reports whether err indicates an unsupported operation,
// the one error class dumps skip a device over instead of aborting.
func isNotSupported(err error) bool {
	eerr, ok := err.(*Error)
	return ok && eerr.Errno == unix.EOPNOTSUPP
}

func panicf(format string, a ...any) {
	panic(fmt.Sprintf(format, a...))
}
