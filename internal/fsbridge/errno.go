package fsbridge

import (
	"context"
	"errors"
	"io/fs"
	"syscall"

	"github.com/aweris/depres/internal/remote"
)

// Errno maps an error from the read path onto the errno a FUSE client sees.
func Errno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, remote.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, ErrReadOnly):
		return syscall.EROFS
	case errors.Is(err, remote.ErrAuth), errors.Is(err, fs.ErrPermission):
		return syscall.EACCES
	case errors.Is(err, remote.ErrFetchTimeout), errors.Is(err, context.DeadlineExceeded):
		return syscall.ETIMEDOUT
	case errors.Is(err, context.Canceled):
		return syscall.EINTR
	case errors.Is(err, fs.ErrInvalid):
		return syscall.EINVAL
	}
	return syscall.EIO
}
