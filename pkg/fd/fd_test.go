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

package fd

import (
	"bytes"
	"errors"
	"testing"

	"golang.org/x/sys/unix"
)

func newPipe(t *testing.T) (r, w int) {
	t.Helper()
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		t.Fatalf("unix.Pipe: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(p[0])
		unix.Close(p[1])
	})
	return p[0], p[1]
}

func TestWrite(t *testing.T) {
	r, w := newPipe(t)
	msg := []byte("hello\n")
	n, err := NewWriter(w).Write(msg)
	if err != nil || n != len(msg) {
		t.Fatalf("Write = (%d, %v), want (%d, nil)", n, err, len(msg))
	}
	got := make([]byte, 64)
	n, err = unix.Read(r, got)
	if err != nil {
		t.Fatalf("unix.Read: %v", err)
	}
	if !bytes.Equal(got[:n], msg) {
		t.Errorf("read %q, want %q", got[:n], msg)
	}
}

func TestWriteEmpty(t *testing.T) {
	_, w := newPipe(t)
	if n, err := NewWriter(w).Write(nil); n != 0 || err != nil {
		t.Errorf("Write(nil) = (%d, %v), want (0, nil)", n, err)
	}
}

func TestWriteBadFD(t *testing.T) {
	r, _ := newPipe(t)
	// The read end of a pipe is not writable.
	n, err := NewWriter(r).Write([]byte("x"))
	if n != 0 || !errors.Is(err, unix.EBADF) {
		t.Errorf("Write = (%d, %v), want (0, %v)", n, err, unix.EBADF)
	}
}

func TestConsole(t *testing.T) {
	if got := Stdout().FD(); got != unix.Stdout {
		t.Errorf("Stdout().FD() = %d, want %d", got, unix.Stdout)
	}
	if got := Stderr().FD(); got != unix.Stderr {
		t.Errorf("Stderr().FD() = %d, want %d", got, unix.Stderr)
	}
}
