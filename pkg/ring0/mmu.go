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

package ring0

import (
	"sync"

	"gvisor.dev/rvsentry/pkg/hostarch"
	"gvisor.dev/rvsentry/pkg/ring0/pagetables"
)

type tlbKey struct {
	root hostarch.PhysAddr
	page hostarch.Addr
}

type tlbEntry struct {
	frame hostarch.PhysAddr
	opts  pagetables.MapOpts
}

// TLB caches leaf translations per (root, page).
type TLB struct {
	mu      sync.Mutex
	entries map[tlbKey]tlbEntry
	hits    uint64
	misses  uint64
}

func (t *TLB) init() {
	t.entries = make(map[tlbKey]tlbEntry)
}

func (t *TLB) lookup(root hostarch.PhysAddr, addr hostarch.Addr) (tlbEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[tlbKey{root, addr.RoundDown()}]
	if ok {
		t.hits++
	} else {
		t.misses++
	}
	return e, ok
}

func (t *TLB) insert(root hostarch.PhysAddr, addr hostarch.Addr, e tlbEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[tlbKey{root, addr.RoundDown()}] = e
}

// FlushAddr drops the translation of the page containing addr under root.
func (t *TLB) FlushAddr(root hostarch.PhysAddr, addr hostarch.Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, tlbKey{root, addr.RoundDown()})
}

// FlushAll drops every translation.
func (t *TLB) FlushAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.entries)
}

// Len returns the number of cached translations.
func (t *TLB) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Stats returns the number of hits and misses.
func (t *TLB) Stats() (hits, misses uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hits, t.misses
}

func pageFault(at hostarch.AccessType) Vector {
	switch {
	case at.Execute:
		return InstructionPageFault
	case at.Write:
		return StorePageFault
	default:
		return LoadPageFault
	}
}

func accessFault(at hostarch.AccessType) Vector {
	switch {
	case at.Execute:
		return InstructionAccessFault
	case at.Write:
		return StoreAccessFault
	default:
		return LoadAccessFault
	}
}

func misaligned(at hostarch.AccessType) Vector {
	switch {
	case at.Execute:
		return InstructionMisaligned
	case at.Write:
		return StoreMisaligned
	default:
		return LoadMisaligned
	}
}

// permits checks a leaf's permissions for an access from the current mode.
// User pages are off limits to supervisor mode.
func (c *CPU) permits(opts pagetables.MapOpts, at hostarch.AccessType) bool {
	if opts.User != (c.mode == UserMode) {
		return false
	}
	return opts.AccessType.SupersetOf(at)
}

// translate performs Sv39 translation of addr for an access of type at.
func (c *CPU) translate(addr uint64, at hostarch.AccessType) (hostarch.PhysAddr, Vector, bool) {
	root, ok := satpRoot(c.satp)
	if !ok {
		return 0, accessFault(at), false
	}
	va := hostarch.Addr(addr)
	e, hit := c.tlb.lookup(root, va)
	if !hit {
		pte, size, err := pagetables.Walk(c.kernel.Tables, root, va)
		if err != nil {
			return 0, pageFault(at), false
		}
		e = tlbEntry{
			frame: (pte.Address() + hostarch.PhysAddr(uint64(va)&(size-1))).RoundDown(),
			opts:  pte.Opts(),
		}
		c.tlb.insert(root, va, e)
	}
	if !c.permits(e.opts, at) {
		return 0, pageFault(at), false
	}
	return e.frame + hostarch.PhysAddr(va.PageOffset()), 0, true
}

// access moves size bytes between buf and the virtual address addr.
// Accesses must be naturally aligned, so they never cross a page.
func (c *CPU) access(addr uint64, buf []byte, at hostarch.AccessType) (Vector, bool) {
	if addr%uint64(len(buf)) != 0 {
		return misaligned(at), false
	}
	pa, cause, ok := c.translate(addr, at)
	if !ok {
		return cause, false
	}
	var err error
	if at.Write {
		_, err = c.kernel.Memory.WriteAt(buf, pa)
	} else {
		_, err = c.kernel.Memory.ReadAt(buf, pa)
	}
	if err != nil {
		return accessFault(at), false
	}
	return 0, true
}

// load reads a size byte little-endian value from addr.
func (c *CPU) load(addr uint64, size int) (uint64, Vector, bool) {
	var buf [8]byte
	if cause, ok := c.access(addr, buf[:size], hostarch.Read); !ok {
		return 0, cause, false
	}
	return hostarch.ByteOrder.Uint64(buf[:]), 0, true
}

// store writes the low size bytes of v to addr.
func (c *CPU) store(addr uint64, size int, v uint64) (Vector, bool) {
	var buf [8]byte
	hostarch.ByteOrder.PutUint64(buf[:], v)
	return c.access(addr, buf[:size], hostarch.Write)
}

// fetch reads the instruction at pc.
func (c *CPU) fetch() (uint32, Vector, bool) {
	var buf [hostarch.InstructionSize]byte
	if cause, ok := c.access(c.pc, buf[:], hostarch.Execute); !ok {
		return 0, cause, false
	}
	return hostarch.ByteOrder.Uint32(buf[:]), 0, true
}
