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

// Package pgalloc contains the physical memory of the machine and the frame
// allocator over it.
package pgalloc

import (
	"fmt"
	"sync"

	"gvisor.dev/rvsentry/pkg/bitmap"
	"gvisor.dev/rvsentry/pkg/errors/linuxerr"
	"gvisor.dev/rvsentry/pkg/hostarch"
	"gvisor.dev/rvsentry/pkg/log"
)

// DefaultBase is the physical address at which RAM starts.
const DefaultBase hostarch.PhysAddr = 0x8000_0000

// FrameKind records what an allocated frame holds.
type FrameKind uint8

const (
	// NoFrame marks a free frame.
	NoFrame FrameKind = iota

	// DataFrame holds user or kernel data and may be accessed as bytes.
	DataFrame

	// TableFrame holds a page table and is never exposed as bytes.
	TableFrame
)

// String implements fmt.Stringer.String.
func (k FrameKind) String() string {
	switch k {
	case NoFrame:
		return "free"
	case DataFrame:
		return "data"
	case TableFrame:
		return "table"
	default:
		return fmt.Sprintf("FrameKind(%d)", uint8(k))
	}
}

// MemoryFileOpts configures a MemoryFile.
type MemoryFileOpts struct {
	// Base is the first physical address. Zero means DefaultBase.
	Base hostarch.PhysAddr

	// Size is the amount of RAM in bytes. It is rounded down to a whole
	// number of frames.
	Size uint64
}

// MemoryFile is the simulated RAM of the machine.
type MemoryFile struct {
	base   hostarch.PhysAddr
	frames uint32

	// mem is the backing store. Table frames have space reserved here but
	// it is never handed out.
	mem []byte

	// mu protects the fields below.
	mu sync.Mutex

	// used tracks allocated frames.
	used bitmap.Bitmap

	// claimed tracks data frames installed in an address space. A frame is
	// claimed at most once and the claim is dropped when it is freed.
	claimed bitmap.Bitmap

	// kinds is indexed by frame number relative to base.
	kinds []FrameKind
}

// NewMemoryFile creates a MemoryFile.
func NewMemoryFile(opts MemoryFileOpts) (*MemoryFile, error) {
	if opts.Base == 0 {
		opts.Base = DefaultBase
	}
	if !opts.Base.IsPageAligned() {
		return nil, fmt.Errorf("physical base %v is not page aligned", opts.Base)
	}
	frames := opts.Size / hostarch.PageSize
	if frames == 0 || frames > uint64(bitmap.MaxLen) {
		return nil, fmt.Errorf("invalid memory size %d", opts.Size)
	}
	log.Infof("Physical memory: %d frames at %v", frames, opts.Base)
	return &MemoryFile{
		base:    opts.Base,
		frames:  uint32(frames),
		mem:     make([]byte, frames*hostarch.PageSize),
		used:    bitmap.New(uint32(frames)),
		claimed: bitmap.New(uint32(frames)),
		kinds:   make([]FrameKind, frames),
	}, nil
}

// Base returns the first physical address of RAM.
func (f *MemoryFile) Base() hostarch.PhysAddr {
	return f.base
}

// End returns the physical address just past RAM.
func (f *MemoryFile) End() hostarch.PhysAddr {
	return f.base + hostarch.PhysAddr(uint64(f.frames)*hostarch.PageSize)
}

// Usage returns the number of allocated frames and the total.
func (f *MemoryFile) Usage() (allocated, total uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(f.used.Count()), uint64(f.frames)
}

// index returns the frame index of pa.
func (f *MemoryFile) index(pa hostarch.PhysAddr) (uint32, bool) {
	if pa < f.base || pa >= f.End() {
		return 0, false
	}
	return uint32((pa - f.base) >> hostarch.PageShift), true
}

// AllocateFrame returns a zeroed frame of the given kind.
func (f *MemoryFile) AllocateFrame(kind FrameKind) (hostarch.PhysAddr, error) {
	if kind != DataFrame && kind != TableFrame {
		panic(fmt.Sprintf("invalid frame kind %v", kind))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	idx, ok := f.used.FindClear(0)
	if !ok {
		return 0, fmt.Errorf("allocating %v frame: %w", kind, linuxerr.ENOMEM)
	}
	f.used.Set(idx)
	f.kinds[idx] = kind
	off := uint64(idx) * hostarch.PageSize
	clear(f.mem[off : off+hostarch.PageSize])
	return f.base + hostarch.PhysAddr(off), nil
}

// FreeFrame returns the frame at pa to the allocator.
//
// Preconditions: pa is the page-aligned address of an allocated frame.
func (f *MemoryFile) FreeFrame(pa hostarch.PhysAddr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx, ok := f.index(pa)
	if !ok || !pa.IsPageAligned() || !f.used.Test(idx) {
		panic(fmt.Sprintf("FreeFrame(%v): not an allocated frame", pa))
	}
	f.used.Clear(idx)
	f.claimed.Clear(idx)
	f.kinds[idx] = NoFrame
}

// Claim records that the caller owns the data frame at pa. It returns false
// if pa is not an allocated data frame or someone already claimed it.
func (f *MemoryFile) Claim(pa hostarch.PhysAddr) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx, ok := f.index(pa)
	if !ok || !pa.IsPageAligned() || f.kinds[idx] != DataFrame {
		return false
	}
	return f.claimed.Set(idx)
}

// Unclaim drops a claim taken by Claim without freeing the frame.
func (f *MemoryFile) Unclaim(pa hostarch.PhysAddr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx, ok := f.index(pa)
	if !ok || !f.claimed.Clear(idx) {
		panic(fmt.Sprintf("Unclaim(%v): frame is not claimed", pa))
	}
}

// Kind returns the kind of the frame containing pa. It returns NoFrame for
// free frames and addresses outside of RAM.
func (f *MemoryFile) Kind(pa hostarch.PhysAddr) FrameKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx, ok := f.index(pa)
	if !ok {
		return NoFrame
	}
	return f.kinds[idx]
}

// Slice returns the n bytes at pa. The range must lie within a single
// allocated data frame.
func (f *MemoryFile) Slice(pa hostarch.PhysAddr, n uint64) ([]byte, error) {
	if n > hostarch.PageSize-pa.PageOffset() {
		return nil, fmt.Errorf("range [%v, +%#x) crosses a frame: %w", pa, n, linuxerr.EFAULT)
	}
	if k := f.Kind(pa); k != DataFrame {
		return nil, fmt.Errorf("frame at %v is %v: %w", pa, k, linuxerr.EFAULT)
	}
	off := uint64(pa - f.base)
	return f.mem[off : off+n : off+n], nil
}

// ReadAt copies len(dst) bytes starting at pa into dst. Every frame touched
// must be an allocated data frame, and nothing is copied otherwise.
func (f *MemoryFile) ReadAt(dst []byte, pa hostarch.PhysAddr) (int, error) {
	if err := f.checkData(pa, uint64(len(dst))); err != nil {
		return 0, err
	}
	off := uint64(pa - f.base)
	return copy(dst, f.mem[off:off+uint64(len(dst))]), nil
}

// WriteAt copies src into memory starting at pa, with the same constraints as
// ReadAt.
func (f *MemoryFile) WriteAt(src []byte, pa hostarch.PhysAddr) (int, error) {
	if err := f.checkData(pa, uint64(len(src))); err != nil {
		return 0, err
	}
	off := uint64(pa - f.base)
	return copy(f.mem[off:off+uint64(len(src))], src), nil
}

func (f *MemoryFile) checkData(pa hostarch.PhysAddr, n uint64) error {
	if n == 0 {
		return nil
	}
	end := pa + hostarch.PhysAddr(n)
	if end < pa || end > f.End() || pa < f.base {
		return fmt.Errorf("range [%v, %v) outside of RAM: %w", pa, end, linuxerr.EFAULT)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for p := pa.RoundDown(); p < end; p += hostarch.PageSize {
		idx, _ := f.index(p)
		if f.kinds[idx] != DataFrame {
			return fmt.Errorf("frame at %v is %v: %w", p, f.kinds[idx], linuxerr.EFAULT)
		}
	}
	return nil
}

// AllocateTable implements pagetables.FrameSource.AllocateTable.
func (f *MemoryFile) AllocateTable() (hostarch.PhysAddr, error) {
	return f.AllocateFrame(TableFrame)
}

// FreeTable implements pagetables.FrameSource.FreeTable.
func (f *MemoryFile) FreeTable(pa hostarch.PhysAddr) {
	if k := f.Kind(pa); k != TableFrame {
		panic(fmt.Sprintf("FreeTable(%v): frame is %v", pa, k))
	}
	f.FreeFrame(pa)
}
