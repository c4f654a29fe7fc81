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

package pagetables

import (
	"fmt"
	"sync"

	"gvisor.dev/rvsentry/pkg/hostarch"
)

// Allocator is used to allocate and map PTEs.
//
// Note that allocators may be called concurrently.
type Allocator interface {
	// NewPTEs returns a new set of PTEs and their physical address.
	NewPTEs() (*PTEs, error)

	// PhysicalFor gives the physical address for a set of PTEs.
	PhysicalFor(ptes *PTEs) hostarch.PhysAddr

	// LookupPTEs looks up PTEs by physical address. It returns nil if no
	// table lives at physical.
	LookupPTEs(physical hostarch.PhysAddr) *PTEs

	// FreePTEs marks a set of PTEs a freed, although they may not be available
	// for use again until Recycle is called, depending on the implementation.
	FreePTEs(ptes *PTEs)
}

// FrameSource supplies the physical frames that back page tables.
type FrameSource interface {
	// AllocateTable returns a zeroed frame reserved for a page table.
	AllocateTable() (hostarch.PhysAddr, error)

	// FreeTable returns a frame obtained from AllocateTable.
	FreeTable(pa hostarch.PhysAddr)
}

// FrameAllocator is an Allocator whose tables occupy real physical frames.
// It keeps the frame-to-table registry that the kernel and the hardware MMU
// both walk, so a PPN read out of a PTE always finds its table here.
type FrameAllocator struct {
	src FrameSource

	mu     sync.RWMutex
	tables map[hostarch.PhysAddr]*PTEs
	phys   map[*PTEs]hostarch.PhysAddr
}

// NewFrameAllocator returns an allocator drawing frames from src.
func NewFrameAllocator(src FrameSource) *FrameAllocator {
	return &FrameAllocator{
		src:    src,
		tables: make(map[hostarch.PhysAddr]*PTEs),
		phys:   make(map[*PTEs]hostarch.PhysAddr),
	}
}

// NewPTEs implements Allocator.NewPTEs.
func (a *FrameAllocator) NewPTEs() (*PTEs, error) {
	pa, err := a.src.AllocateTable()
	if err != nil {
		return nil, err
	}
	ptes := new(PTEs)
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.tables[pa]; ok {
		panic(fmt.Sprintf("frame %v handed out twice", pa))
	}
	a.tables[pa] = ptes
	a.phys[ptes] = pa
	return ptes, nil
}

// PhysicalFor implements Allocator.PhysicalFor.
func (a *FrameAllocator) PhysicalFor(ptes *PTEs) hostarch.PhysAddr {
	a.mu.RLock()
	defer a.mu.RUnlock()
	pa, ok := a.phys[ptes]
	if !ok {
		panic("PhysicalFor: unknown table")
	}
	return pa
}

// LookupPTEs implements Allocator.LookupPTEs.
func (a *FrameAllocator) LookupPTEs(physical hostarch.PhysAddr) *PTEs {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.tables[physical]
}

// FreePTEs implements Allocator.FreePTEs.
func (a *FrameAllocator) FreePTEs(ptes *PTEs) {
	a.mu.Lock()
	pa, ok := a.phys[ptes]
	if !ok {
		a.mu.Unlock()
		panic("FreePTEs: unknown table")
	}
	delete(a.phys, ptes)
	delete(a.tables, pa)
	a.mu.Unlock()
	a.src.FreeTable(pa)
}

// Tables returns the number of live tables.
func (a *FrameAllocator) Tables() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.tables)
}
