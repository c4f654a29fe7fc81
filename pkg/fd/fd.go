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

// Package fd writes task console output to host file descriptors.
package fd

import (
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// Writer is an io.Writer for a host file descriptor it does not own.
type Writer struct {
	fd int
}

var _ io.Writer = (*Writer)(nil)

// NewWriter returns a Writer for fd.
func NewWriter(fd int) *Writer {
	return &Writer{fd: fd}
}

// Stdout returns a Writer for the host's standard output.
func Stdout() *Writer {
	return NewWriter(unix.Stdout)
}

// Stderr returns a Writer for the host's standard error.
func Stderr() *Writer {
	return NewWriter(unix.Stderr)
}

// FD returns the host file descriptor.
func (w *Writer) FD() int {
	return w.fd
}

// Write implements io.Writer. It bypasses os.File buffering so that output
// from a task is visible on the host as soon as its write syscall returns.
// Short and interrupted writes are retried until b is consumed.
func (w *Writer) Write(b []byte) (int, error) {
	done := 0
	for done < len(b) {
		n, err := unix.Write(w.fd, b[done:])
		if n > 0 {
			done += n
			continue
		}
		switch err {
		case nil:
			// No progress and no error: retrying could spin forever.
			panic(fmt.Sprintf("write(%d) returned %d with no error", w.fd, n))
		case unix.EINTR:
		default:
			return done, err
		}
	}
	return done, nil
}
