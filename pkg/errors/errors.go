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

// Package errors defines the error type the kernel returns to user tasks.
package errors

import (
	"gvisor.dev/rvsentry/pkg/abi/linux/errno"
)

// Error is an error that carries the errno a failed syscall returns.
type Error struct {
	no  errno.Errno
	msg string
}

// New returns an Error for no, described by msg.
func New(no errno.Errno, msg string) *Error {
	return &Error{no: no, msg: msg}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.msg }

// Errno returns the errno carried by e.
func (e *Error) Errno() errno.Errno { return e.no }

// Is reports whether target is an *Error with the same errno, so that
// errors.Is matches distinct values for one code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t != nil && t.no == e.no
}
