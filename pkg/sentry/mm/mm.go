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

// Package mm provides the user address space of a task.
//
// A MemoryManager pairs the Sv39 page tables of one task with the set of
// virtual memory areas (vmas) that the task may touch. Frames behind a vma
// are allocated either when it is mapped (populate) or on first touch
// through HandleUserFault.
//
// Lock order:
//
//	MemoryManager.mu
//	  pgalloc.MemoryFile.mu
package mm

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"gvisor.dev/rvsentry/pkg/hostarch"
	"gvisor.dev/rvsentry/pkg/log"
	"gvisor.dev/rvsentry/pkg/ring0/pagetables"
	"gvisor.dev/rvsentry/pkg/sentry/pgalloc"
)

// Default bounds of user space.
const (
	DefaultMinAddr hostarch.Addr = 0x1000
	DefaultMaxAddr hostarch.Addr = 0x40_0000_0000
)

// btreeDegree is the degree of the vma tree.
const btreeDegree = 8

// Opts configures a MemoryManager.
type Opts struct {
	// Memory provides the data frames.
	Memory *pgalloc.MemoryFile

	// Tables allocates page tables.
	Tables pagetables.Allocator

	// Invalidator drops cached translations when a mapping changes. It may
	// be nil.
	Invalidator pagetables.Invalidator

	// MinAddr and MaxAddr bound user mappings. Zero values select
	// DefaultMinAddr and DefaultMaxAddr.
	MinAddr hostarch.Addr
	MaxAddr hostarch.Addr
}

// MemoryManager implements a task's address space.
type MemoryManager struct {
	mf  *pgalloc.MemoryFile
	inv pagetables.Invalidator

	// minAddr and maxAddr are immutable.
	minAddr hostarch.Addr
	maxAddr hostarch.Addr

	// refs is the number of references held on the MemoryManager. When it
	// reaches zero every frame and table is released.
	refs atomic.Int64

	// mu protects the fields below. Readers only translate; anything that
	// maps, unmaps or faults in takes it for writing.
	mu sync.RWMutex

	// pt is the page table tree. It is nil after release.
	pt *pagetables.PageTables

	// vmas is the ordered set of non-overlapping vmas.
	vmas *btree.BTreeG[*vma]

	// frames maps each backed page to the data frame the address space
	// owns for it.
	frames map[hostarch.Addr]hostarch.PhysAddr
}

// NewMemoryManager returns a MemoryManager with no mappings and a single
// reference.
func NewMemoryManager(opts Opts) (*MemoryManager, error) {
	if opts.Memory == nil || opts.Tables == nil {
		return nil, fmt.Errorf("memory manager needs physical memory and a table allocator")
	}
	if opts.MinAddr == 0 {
		opts.MinAddr = DefaultMinAddr
	}
	if opts.MaxAddr == 0 {
		opts.MaxAddr = DefaultMaxAddr
	}
	if !opts.MinAddr.IsPageAligned() || !opts.MaxAddr.IsPageAligned() || opts.MinAddr >= opts.MaxAddr {
		return nil, fmt.Errorf("invalid user address range [%v, %v)", opts.MinAddr, opts.MaxAddr)
	}
	if !pagetables.IsCanonical(opts.MaxAddr - 1) {
		return nil, fmt.Errorf("user address range [%v, %v) is not canonical", opts.MinAddr, opts.MaxAddr)
	}
	pt, err := pagetables.New(opts.Tables)
	if err != nil {
		return nil, fmt.Errorf("allocating root page table: %w", err)
	}
	mm := &MemoryManager{
		mf:      opts.Memory,
		inv:     opts.Invalidator,
		minAddr: opts.MinAddr,
		maxAddr: opts.MaxAddr,
		pt:      pt,
		vmas:    btree.NewG(btreeDegree, vmaLess),
		frames:  make(map[hostarch.Addr]hostarch.PhysAddr),
	}
	mm.refs.Store(1)
	log.Debugf("Created address space with root %v", pt.RootPhysical())
	return mm, nil
}

// IncRef increments the reference count.
func (mm *MemoryManager) IncRef() {
	if v := mm.refs.Add(1); v <= 1 {
		panic(fmt.Sprintf("Incrementing non-positive count %p on MemoryManager", mm))
	}
}

// DecRef decrements the reference count. The last reference frees every
// frame and page table.
func (mm *MemoryManager) DecRef() {
	switch v := mm.refs.Add(-1); {
	case v < 0:
		panic(fmt.Sprintf("Decrementing non-positive ref count %p on MemoryManager", mm))
	case v == 0:
		mm.release()
	}
}

// ReadRefs returns the current reference count.
func (mm *MemoryManager) ReadRefs() int64 {
	return mm.refs.Load()
}

func (mm *MemoryManager) release() {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	root := mm.pt.RootPhysical()
	for page, pa := range mm.frames {
		if mm.inv != nil {
			mm.inv.InvalidateAddr(root, page)
		}
		mm.mf.FreeFrame(pa)
	}
	clear(mm.frames)
	mm.vmas.Clear(false)
	mm.pt.Release()
	mm.pt = nil
	log.Debugf("Released address space with root %v", root)
}

// Root returns the physical address of the root page table, the value
// written to satp when the task runs.
func (mm *MemoryManager) Root() hostarch.PhysAddr {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return mm.pt.RootPhysical()
}

// MinAddr returns the lowest mappable address.
func (mm *MemoryManager) MinAddr() hostarch.Addr {
	return mm.minAddr
}

// End returns the top of user space.
func (mm *MemoryManager) End() hostarch.Addr {
	return mm.maxAddr
}

// ResidentPages returns the number of pages backed by a frame.
func (mm *MemoryManager) ResidentPages() int {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return len(mm.frames)
}

// VirtualSize returns the total length of all vmas.
func (mm *MemoryManager) VirtualSize() uint64 {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	var n uint64
	mm.vmas.Ascend(func(v *vma) bool {
		n += uint64(v.ar.Length())
		return true
	})
	return n
}

// String implements fmt.Stringer.String. It lists the vmas in the style of
// /proc/[pid]/maps.
func (mm *MemoryManager) String() string {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	var b strings.Builder
	mm.vmas.Ascend(func(v *vma) bool {
		b.WriteString(mm.vmaEntryLocked(v))
		return true
	})
	return b.String()
}

// vmaEntryLocked returns one line describing v, including the trailing
// newline.
//
// Preconditions: mm.mu must be locked.
func (mm *MemoryManager) vmaEntryLocked(v *vma) string {
	var resident int
	for page := v.ar.Start; page < v.ar.End; page += hostarch.PageSize {
		if _, ok := mm.frames[page]; ok {
			resident++
		}
	}
	return fmt.Sprintf("%08x-%08x %s %4d/%-4d %s\n", uint64(v.ar.Start), uint64(v.ar.End), v.permString(), resident, v.pages(), v.name)
}
