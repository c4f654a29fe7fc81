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

package loader

import (
	"bytes"
	"errors"
	"math"
	"testing"
	"testing/iotest"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/rvsentry/pkg/errors/linuxerr"
	"gvisor.dev/rvsentry/pkg/hostarch"
	"gvisor.dev/rvsentry/pkg/ring0/pagetables"
	"gvisor.dev/rvsentry/pkg/sentry/mm"
	"gvisor.dev/rvsentry/pkg/sentry/pgalloc"
)

func newMM(t *testing.T) *mm.MemoryManager {
	t.Helper()
	mf, err := pgalloc.NewMemoryFile(pgalloc.MemoryFileOpts{Size: 64 * hostarch.PageSize})
	if err != nil {
		t.Fatalf("NewMemoryFile: %v", err)
	}
	m, err := mm.NewMemoryManager(mm.Opts{Memory: mf, Tables: pagetables.NewFrameAllocator(mf)})
	if err != nil {
		t.Fatalf("NewMemoryManager: %v", err)
	}
	return m
}

func TestLoadImage(t *testing.T) {
	for _, tc := range []struct {
		name     string
		size     int
		maxPages int
		wantLen  uint64
	}{
		{"small", 10, 0, hostarch.PageSize},
		{"exact page", hostarch.PageSize, 0, hostarch.PageSize},
		{"two pages", hostarch.PageSize + 1, 0, 2 * hostarch.PageSize},
		{"truncated", 3 * hostarch.PageSize, 2, 2 * hostarch.PageSize},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := newMM(t)
			image := bytes.Repeat([]byte{0xa5}, tc.size)
			ar, err := LoadImage(m, bytes.NewReader(image), DefaultEntry, LoadOpts{MaxImagePages: tc.maxPages})
			if err != nil {
				t.Fatalf("LoadImage: %v", err)
			}
			want := hostarch.AddrRange{Start: DefaultEntry, End: DefaultEntry + hostarch.Addr(tc.wantLen)}
			if ar != want {
				t.Errorf("LoadImage mapped %v, want %v", ar, want)
			}

			got := make([]byte, tc.wantLen)
			if _, err := m.CopyIn(DefaultEntry, got); err != nil {
				t.Fatalf("CopyIn: %v", err)
			}
			wantBytes := make([]byte, tc.wantLen)
			copy(wantBytes, image)
			if diff := cmp.Diff(wantBytes, got); diff != "" {
				t.Errorf("image contents mismatch (-want +got):\n%s", diff)
			}
			if _, at, err := m.Query(DefaultEntry); err != nil || at != hostarch.AnyAccess {
				t.Errorf("Query(entry) = %v, %v, want %v", at, err, hostarch.AnyAccess)
			}
		})
	}
}

func TestLoadImageHugePageLimit(t *testing.T) {
	m := newMM(t)
	ar, err := LoadImage(m, bytes.NewReader([]byte{1, 2, 3}), DefaultEntry, LoadOpts{MaxImagePages: math.MaxInt})
	if err != nil {
		t.Fatalf("LoadImage: %v", err)
	}
	if want := (hostarch.AddrRange{Start: DefaultEntry, End: DefaultEntry + hostarch.PageSize}); ar != want {
		t.Errorf("LoadImage mapped %v, want %v", ar, want)
	}

	// An image that would run off the top of user space is truncated there.
	last := newMM(t)
	entry := last.End() - hostarch.PageSize
	image := bytes.Repeat([]byte{0xa5}, 2*hostarch.PageSize)
	ar, err = LoadImage(last, bytes.NewReader(image), entry, LoadOpts{MaxImagePages: math.MaxInt})
	if err != nil {
		t.Fatalf("LoadImage at %v: %v", entry, err)
	}
	if want := (hostarch.AddrRange{Start: entry, End: last.End()}); ar != want {
		t.Errorf("LoadImage mapped %v, want %v", ar, want)
	}

	if _, err := LoadImage(last, bytes.NewReader(image), last.End(), LoadOpts{}); !errors.Is(err, ErrLoad) {
		t.Errorf("LoadImage at the end of user space = %v, want ErrLoad", err)
	}
}

func TestLoadImageErrors(t *testing.T) {
	m := newMM(t)
	if _, err := LoadImage(m, bytes.NewReader(nil), DefaultEntry, LoadOpts{}); !errors.Is(err, ErrLoad) || !linuxerr.Equals(linuxerr.ENOEXEC, err) {
		t.Errorf("LoadImage of empty image = %v, want ErrLoad and ENOEXEC", err)
	}
	readErr := errors.New("disk on fire")
	if _, err := LoadImage(m, iotest.ErrReader(readErr), DefaultEntry, LoadOpts{}); !errors.Is(err, ErrLoad) || !errors.Is(err, readErr) {
		t.Errorf("LoadImage with failing reader = %v, want ErrLoad", err)
	}
	if _, err := LoadImage(m, bytes.NewReader([]byte{1}), DefaultEntry+1, LoadOpts{}); !errors.Is(err, ErrLoad) {
		t.Errorf("LoadImage at misaligned entry = %v, want ErrLoad", err)
	}
	if got := m.VirtualSize(); got != 0 {
		t.Errorf("failed loads left %#x bytes mapped", got)
	}
}

func TestLoadImageOutOfMemory(t *testing.T) {
	m := newMM(t)
	// More pages than there are frames: the copy fails part way.
	image := bytes.Repeat([]byte{0xa5}, 80*hostarch.PageSize)
	if _, err := LoadImage(m, bytes.NewReader(image), DefaultEntry, LoadOpts{MaxImagePages: 80}); !errors.Is(err, ErrLoad) {
		t.Fatalf("LoadImage = %v, want ErrLoad", err)
	}
	if got := m.VirtualSize(); got != 0 {
		t.Errorf("failed load left %#x bytes mapped", got)
	}
	// Every image frame went back: a full-memory image of a smaller size
	// loads afterwards.
	small := bytes.Repeat([]byte{0x5a}, 8*hostarch.PageSize)
	if _, err := LoadImage(m, bytes.NewReader(small), DefaultEntry, LoadOpts{MaxImagePages: 8}); err != nil {
		t.Errorf("LoadImage after a failed load: %v", err)
	}
}

func TestMapStack(t *testing.T) {
	m := newMM(t)
	top, err := MapStack(m, DefaultStackSize, false)
	if err != nil {
		t.Fatalf("MapStack: %v", err)
	}
	if top != m.End() {
		t.Errorf("stack top = %v, want %v", top, m.End())
	}
	// The stack is demand paged and writable.
	if _, err := m.CopyOut(top-8, []byte("sentinel")); err != nil {
		t.Errorf("CopyOut to stack: %v", err)
	}
	if _, err := m.CopyOut(top-DefaultStackSize-8, []byte("x")); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("CopyOut below stack = %v, want EFAULT", err)
	}
	if _, err := MapStack(m, DefaultStackSize, false); !linuxerr.Equals(linuxerr.EEXIST, err) {
		t.Errorf("second MapStack = %v, want EEXIST", err)
	}
}
