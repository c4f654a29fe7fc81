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

// Package pagetables provides a generic implementation of Sv39 page tables.
package pagetables

import (
	"fmt"

	"gvisor.dev/rvsentry/pkg/hostarch"
)

// PageTables is a set of page tables rooted at one table frame.
//
// PageTables takes no lock. Callers serialize writers.
type PageTables struct {
	// Allocator is used to allocate nodes.
	Allocator Allocator

	// root is the pagetable root.
	root *PTEs

	// rootPhysical is the cached physical address of the root.
	rootPhysical hostarch.PhysAddr
}

// New returns new PageTables with an empty root.
func New(a Allocator) (*PageTables, error) {
	root, err := a.NewPTEs()
	if err != nil {
		return nil, fmt.Errorf("allocating root table: %w", err)
	}
	return &PageTables{
		Allocator:    a,
		root:         root,
		rootPhysical: a.PhysicalFor(root),
	}, nil
}

// RootPhysical returns the physical address of the root table. Its frame
// number is the PPN written to satp.
func (p *PageTables) RootPhysical() hostarch.PhysAddr {
	return p.rootPhysical
}

// checkRange validates a [addr, addr+length) request.
func checkRange(addr hostarch.Addr, length uint64) error {
	if !addr.IsPageAligned() || length%pteSize != 0 || length == 0 {
		return fmt.Errorf("range [%v, +%#x) is not page aligned", addr, length)
	}
	end, ok := addr.AddLength(length)
	if !ok || !IsCanonical(addr) || !IsCanonical(end-1) || (int64(addr) < 0) != (int64(end-1) < 0) {
		return fmt.Errorf("range [%v, +%#x): %w", addr, length, ErrNotCanonical)
	}
	return nil
}

// Map installs a mapping with the given physical address. Missing
// intermediate tables are allocated. Existing leaves in the range are
// overwritten.
//
// If an allocation fails part way, the pages mapped so far stay mapped and
// the caller is expected to Unmap the range.
func (p *PageTables) Map(addr hostarch.Addr, length uint64, opts MapOpts, physical hostarch.PhysAddr) error {
	if err := checkRange(addr, length); err != nil {
		return err
	}
	if !physical.IsPageAligned() {
		return fmt.Errorf("physical address %v is not page aligned", physical)
	}
	for off := uint64(0); off < length; off += pteSize {
		pte, err := p.leafFor(addr + hostarch.Addr(off))
		if err != nil {
			return err
		}
		pte.Set(physical+hostarch.PhysAddr(off), opts)
	}
	return nil
}

// leafFor returns the level 0 entry for addr, allocating tables on the way.
func (p *PageTables) leafFor(addr hostarch.Addr) (*PTE, error) {
	ptes := p.root
	for level := levels - 1; level > 0; level-- {
		entry := &ptes[index(addr, level)]
		if entry.Valid() {
			if entry.IsLeaf() {
				panic(fmt.Sprintf("superpage at %v level %d", addr, level))
			}
			ptes = p.Allocator.LookupPTEs(entry.Address())
			continue
		}
		next, err := p.Allocator.NewPTEs()
		if err != nil {
			return nil, fmt.Errorf("allocating level %d table for %v: %w", level-1, addr, err)
		}
		entry.setPageTable(p.Allocator.PhysicalFor(next))
		ptes = next
	}
	return &ptes[index(addr, 0)], nil
}

// Unmap unmaps the given range. Intermediate tables that become empty are
// freed.
//
// True is returned iff there was a previous mapping in the range.
func (p *PageTables) Unmap(addr hostarch.Addr, length uint64) bool {
	if err := checkRange(addr, length); err != nil {
		panic(fmt.Sprintf("Unmap: %v", err))
	}
	start := uint64(addr)
	unmapped, _ := p.unmapLevel(p.root, levels-1, start, start+length)
	return unmapped
}

// unmapLevel clears entries of ptes (a table at level) overlapping
// [start, end). It returns whether any leaf was cleared and whether ptes is
// now empty.
func (p *PageTables) unmapLevel(ptes *PTEs, level int, start, end uint64) (unmapped, empty bool) {
	size := levelSize(level)
	for addr := start; addr < end; {
		next := (addr + size) &^ (size - 1)
		if next > end || next < addr {
			next = end
		}
		entry := &ptes[index(hostarch.Addr(addr), level)]
		switch {
		case !entry.Valid():
		case entry.IsLeaf():
			entry.Clear()
			unmapped = true
		default:
			child := p.Allocator.LookupPTEs(entry.Address())
			u, childEmpty := p.unmapLevel(child, level-1, addr, next)
			unmapped = unmapped || u
			if childEmpty {
				entry.Clear()
				p.Allocator.FreePTEs(child)
			}
		}
		addr = next
	}
	for i := range ptes {
		if ptes[i].Valid() {
			return unmapped, false
		}
	}
	return unmapped, true
}

// Lookup returns the physical address and options mapped at addr.
func (p *PageTables) Lookup(addr hostarch.Addr) (physical hostarch.PhysAddr, opts MapOpts, ok bool) {
	pte, size, err := Walk(p.Allocator, p.rootPhysical, addr)
	if err != nil {
		return 0, MapOpts{}, false
	}
	return pte.Address() + hostarch.PhysAddr(uint64(addr)&(size-1)), pte.Opts(), true
}

// ForEach calls fn for every valid leaf, in address order.
func (p *PageTables) ForEach(fn func(addr hostarch.Addr, pte *PTE)) {
	p.forEach(p.root, levels-1, 0, fn)
}

func (p *PageTables) forEach(ptes *PTEs, level int, base uint64, fn func(hostarch.Addr, *PTE)) {
	for i := range ptes {
		entry := &ptes[i]
		if !entry.Valid() {
			continue
		}
		addr := base + uint64(i)<<levelShift(level)
		if entry.IsLeaf() {
			fn(signExtend(addr), entry)
			continue
		}
		p.forEach(p.Allocator.LookupPTEs(entry.Address()), level-1, addr, fn)
	}
}

// Release frees every table, including the root. Leaf frames are not
// touched: they belong to the caller.
//
// The PageTables may not be used after Release.
func (p *PageTables) Release() {
	p.release(p.root, levels-1)
	p.root = nil
	p.rootPhysical = 0
}

func (p *PageTables) release(ptes *PTEs, level int) {
	if level > 0 {
		for i := range ptes {
			if entry := &ptes[i]; entry.Valid() && !entry.IsLeaf() {
				p.release(p.Allocator.LookupPTEs(entry.Address()), level-1)
			}
		}
	}
	p.Allocator.FreePTEs(ptes)
}

// signExtend turns a 39-bit walk address into a canonical Addr.
func signExtend(addr uint64) hostarch.Addr {
	return hostarch.Addr(int64(addr<<(64-vaddrBits)) >> (64 - vaddrBits))
}
