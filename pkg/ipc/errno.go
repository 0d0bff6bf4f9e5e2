package ipc

import (
	"fmt"
	"syscall"

	"github.com/baaaht/netlinkd/pkg/types"
)

// errnoCodes maps error codes to the negative errno carried in error records
var errnoCodes = map[string]syscall.Errno{
	types.ErrCodeInvalidArgument:    syscall.EINVAL,
	types.ErrCodeInvalid:            syscall.EINVAL,
	types.ErrCodeNotFound:           syscall.ENOENT,
	types.ErrCodeAlreadyExists:      syscall.EEXIST,
	types.ErrCodeUnsupported:        syscall.EOPNOTSUPP,
	types.ErrCodeResourceExhausted:  syscall.ENOBUFS,
	types.ErrCodeFailedPrecondition: syscall.EBUSY,
	types.ErrCodeUnavailable:        syscall.ENOTCONN,
	types.ErrCodeTimeout:            syscall.ETIMEDOUT,
	types.ErrCodeCanceled:           syscall.EINTR,
}

// Errno returns the negative errno reported to a client for err, or 0 for nil
func Errno(err error) int32 {
	if err == nil {
		return 0
	}
	if errno, ok := errnoCodes[types.GetErrorCode(err)]; ok {
		return -int32(errno)
	}
	return -int32(syscall.EIO)
}

// ErrnoError converts the errno of an error record back into a coded error.
// It returns nil for an acknowledgement.
func ErrnoError(errno int32) error {
	if errno == 0 {
		return nil
	}
	e := syscall.Errno(-errno)
	if errno > 0 {
		e = syscall.Errno(errno)
	}
	for code, mapped := range errnoCodes {
		if mapped == e && code != types.ErrCodeInvalid {
			return types.WrapError(code, fmt.Sprintf("request failed with errno %d", errno), e)
		}
	}
	return types.WrapError(types.ErrCodeInternal, fmt.Sprintf("request failed with errno %d", errno), e)
}
