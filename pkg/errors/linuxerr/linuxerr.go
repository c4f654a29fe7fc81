// Copyright 2025 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package linuxerr contains syscall error codes exported as error interface
// pointers. Pointer identity makes comparison cheap, and Errno recovers the
// numeric code that is handed back to user tasks.
package linuxerr

import (
	goerrors "errors"

	"gvisor.dev/rvsentry/pkg/abi/linux/errno"
	"gvisor.dev/rvsentry/pkg/errors"
)

// Errors used by the kernel. Only the codes rvsentry can produce are listed.
var (
	ESRCH   = errors.New(errno.ESRCH, "no such process")
	EIO     = errors.New(errno.EIO, "I/O error")
	ENOEXEC = errors.New(errno.ENOEXEC, "exec format error")
	EBADF   = errors.New(errno.EBADF, "bad file number")
	ENOMEM  = errors.New(errno.ENOMEM, "out of memory")
	EFAULT  = errors.New(errno.EFAULT, "bad address")
	EEXIST  = errors.New(errno.EEXIST, "file exists")
	EINVAL  = errors.New(errno.EINVAL, "invalid argument")
	ENOSYS  = errors.New(errno.ENOSYS, "invalid system call number")
)

var errNotValidError = errors.New(errno.EINVAL, "not a valid error")

// ToError returns the *errors.Error carried by err, looking through wrapping.
// It returns nil, false when err does not carry an errno.
func ToError(err error) (*errors.Error, bool) {
	var e *errors.Error
	if goerrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// ToErrno returns the errno carried by err. Errors that do not carry an errno
// are reported as EINVAL so that no failure can escape as a success.
func ToErrno(err error) errno.Errno {
	if err == nil {
		return errno.NOERRNO
	}
	if e, ok := ToError(err); ok && e != nil {
		return e.Errno()
	}
	return errNotValidError.Errno()
}

// Equals reports whether err carries the same errno as e.
func Equals(e *errors.Error, err error) bool {
	if err == nil {
		return e == nil
	}
	if e == nil {
		return false
	}
	got, ok := ToError(err)
	return ok && got != nil && got.Errno() == e.Errno()
}
