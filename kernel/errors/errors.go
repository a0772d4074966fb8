// Package errors defines the kernel-wide error type. All kernel subsystems
// return *Errno instead of using the stdlib errors package: values are
// package-level vars so that returning an error never allocates, the same
// guarantee the teacher's KernelError string type offered.
package errors

import "fmt"

// Errno is a Linux error number, stored positive as in errno.h (a syscall
// ABI returns its negation), plus its message. It implements the error
// interface so it can be returned from any Go function, but callers that
// need the raw number (e.g. to propagate to a syscall ABI) can read Num
// directly.
type Errno struct {
	Num     int
	Message string
}

// Error implements the error interface.
func (e *Errno) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s (errno %d)", e.Message, e.Num)
}

// Is reports whether err is this Errno (by number), letting callers use
// errors.Is(err, errors.ENOMEM) without a type assertion.
func (e *Errno) Is(target error) bool {
	o, ok := target.(*Errno)
	return ok && o != nil && e != nil && o.Num == e.Num
}

func newErrno(num int, msg string) *Errno {
	return &Errno{Num: num, Message: msg}
}

// The subset of -EXXX values spec.md §7 enumerates.
var (
	ENOENT       = newErrno(2, "no such file or directory")
	ENOMEM       = newErrno(12, "out of memory")
	ENOSPC       = newErrno(28, "no space left on device")
	EINVAL       = newErrno(22, "invalid argument")
	EBADF        = newErrno(9, "bad file descriptor")
	EFAULT       = newErrno(14, "bad address")
	ENAMETOOLONG = newErrno(36, "file name too long")
	EISDIR       = newErrno(21, "is a directory")
	ENOTDIR      = newErrno(20, "not a directory")
	ENOTEMPTY    = newErrno(39, "directory not empty")
	EEXIST       = newErrno(17, "file exists")
	EROFS        = newErrno(30, "read-only file system")
	EACCES       = newErrno(13, "permission denied")
	EPERM        = newErrno(1, "operation not permitted")
	EIO          = newErrno(5, "I/O error")
	ENOEXEC      = newErrno(8, "exec format error")
	ERANGE       = newErrno(34, "result out of range")
	E2BIG        = newErrno(7, "argument list too long")
	EAGAIN       = newErrno(11, "resource temporarily unavailable")
	EINTR        = newErrno(4, "interrupted system call")
	EPIPE        = newErrno(32, "broken pipe")
	ESRCH        = newErrno(3, "no such process")
	EADDRINUSE   = newErrno(98, "address already in use")

	// ErrInvalidParamValue is kept from the teacher's KernelError sentinel
	// for call sites that reject a malformed argument before it has any
	// meaningful errno mapping.
	ErrInvalidParamValue = EINVAL
)
