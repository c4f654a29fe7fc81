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

// Package loader places a program image and a stack in a fresh address
// space.
//
// Images are flat: the first byte of the image is the first instruction and
// is placed at the entry address. There are no headers or segments.
package loader

import (
	"errors"
	"fmt"
	"io"

	"gvisor.dev/rvsentry/pkg/errors/linuxerr"
	"gvisor.dev/rvsentry/pkg/hostarch"
	"gvisor.dev/rvsentry/pkg/log"
	"gvisor.dev/rvsentry/pkg/sentry/mm"
)

// Defaults for the user layout.
const (
	// DefaultEntry is the address of the first instruction.
	DefaultEntry hostarch.Addr = 0x1000

	// DefaultStackSize is the size of the user stack.
	DefaultStackSize = 0x10000

	// DefaultMaxImagePages bounds the image mapping.
	DefaultMaxImagePages = 16
)

// ErrLoad is returned, wrapped, when an image cannot be loaded.
var ErrLoad = errors.New("cannot load image")

// LoadOpts configures LoadImage.
type LoadOpts struct {
	// MaxImagePages caps the image mapping. Longer images are truncated.
	// Zero selects DefaultMaxImagePages.
	MaxImagePages int

	// Populate backs the image mapping immediately. The image is copied in
	// either way, so it only matters for the zero padding.
	Populate bool
}

// LoadImage reads a flat image from r and maps it at entry as a single
// readable, writable and executable user mapping of at least one page. The
// image is truncated to the mapping or zero padded up to it.
//
// It returns the mapped range. An empty or unreadable image yields ErrLoad
// and leaves m untouched.
func LoadImage(m *mm.MemoryManager, r io.Reader, entry hostarch.Addr, opts LoadOpts) (hostarch.AddrRange, error) {
	if opts.MaxImagePages <= 0 {
		opts.MaxImagePages = DefaultMaxImagePages
	}
	if !entry.IsPageAligned() {
		return hostarch.AddrRange{}, fmt.Errorf("%w: entry %v is not page aligned: %w", ErrLoad, entry, linuxerr.EINVAL)
	}
	if entry >= m.End() {
		return hostarch.AddrRange{}, fmt.Errorf("%w: entry %v is outside user space: %w", ErrLoad, entry, linuxerr.EINVAL)
	}
	// The mapping cannot extend past user space, which also keeps limit
	// from overflowing.
	if room := uint64(m.End()-entry) / hostarch.PageSize; uint64(opts.MaxImagePages) > room {
		opts.MaxImagePages = int(room)
	}
	limit := int64(opts.MaxImagePages) * hostarch.PageSize

	// Read one byte past the limit to detect truncation. A short read is
	// fine.
	image, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return hostarch.AddrRange{}, fmt.Errorf("%w: %w", ErrLoad, err)
	}
	if len(image) == 0 {
		return hostarch.AddrRange{}, fmt.Errorf("%w: empty image: %w", ErrLoad, linuxerr.ENOEXEC)
	}
	if int64(len(image)) > limit {
		log.Warningf("Image truncated to %d pages", opts.MaxImagePages)
		image = image[:limit]
	}

	length := hostarch.Addr(len(image)).MustRoundUp()
	if err := m.MapAlloc(entry, uint64(length), hostarch.AnyAccess, opts.Populate, "[image]"); err != nil {
		return hostarch.AddrRange{}, fmt.Errorf("mapping image at %v: %w", entry, err)
	}
	if _, err := m.CopyOut(entry, image); err != nil {
		if uerr := m.Unmap(entry, uint64(length)); uerr != nil {
			log.Warningf("Unmapping partially loaded image at %v: %v", entry, uerr)
		}
		return hostarch.AddrRange{}, fmt.Errorf("%w: copying image to %v: %w", ErrLoad, entry, err)
	}
	ar, _ := entry.ToRange(uint64(length))
	log.Debugf("Loaded %d byte image at %v", len(image), ar)
	return ar, nil
}

// MapStack maps a readable and writable user stack of size bytes directly
// below the top of user space and returns the initial stack pointer.
func MapStack(m *mm.MemoryManager, size uint64, populate bool) (hostarch.Addr, error) {
	if size == 0 {
		size = DefaultStackSize
	}
	la, ok := hostarch.Addr(size).RoundUp()
	if !ok || uint64(la) > uint64(m.End()-m.MinAddr()) {
		return 0, fmt.Errorf("stack size %#x: %w", size, linuxerr.EINVAL)
	}
	top := m.End()
	if err := m.MapAlloc(top-la, uint64(la), hostarch.ReadWrite, populate, "[stack]"); err != nil {
		return 0, fmt.Errorf("mapping stack [%v, %v): %w", top-la, top, err)
	}
	return top, nil
}
