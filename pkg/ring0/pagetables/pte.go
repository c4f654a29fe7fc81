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
	"sync/atomic"

	"gvisor.dev/rvsentry/pkg/hostarch"
)

// Sv39 geometry.
const (
	pteShift = 12
	pmdShift = 21
	pudShift = 30

	pteSize = 1 << pteShift
	pmdSize = 1 << pmdShift
	pudSize = 1 << pudShift

	// levels is the depth of an Sv39 walk.
	levels = 3

	// indexBits is the width of one VPN field.
	indexBits = 9
	indexMask = 1<<indexBits - 1

	// vaddrBits is the number of significant virtual address bits. Bits
	// 63..39 must equal bit 38.
	vaddrBits = 39
)

// PTE flag bits.
const (
	valid    = 1 << 0
	readable = 1 << 1
	writable = 1 << 2
	execute  = 1 << 3
	user     = 1 << 4
	global   = 1 << 5
	accessed = 1 << 6
	dirty    = 1 << 7

	flagsMask = 1<<8 - 1
	leafMask  = readable | writable | execute

	ppnShift = 10
	ppnBits  = 44
	ppnMask  = (1<<ppnBits - 1) << ppnShift
)

// MapOpts are page table options passed to Map and returned by Lookup.
type MapOpts struct {
	// AccessType defines permissions. A writable mapping is always readable.
	AccessType hostarch.AccessType

	// Global indicates the page is globally accessible.
	Global bool

	// User indicates the page is a user page.
	User bool
}

// String implements fmt.Stringer.String.
func (o MapOpts) String() string {
	s := o.AccessType.String()
	if o.User {
		s += "u"
	}
	if o.Global {
		s += "g"
	}
	return s
}

// PTE is a single Sv39 page table entry.
type PTE uint64

// PTEs is a collection of entries: the typed view of one table frame.
type PTEs [hostarch.EntriesPerTable]PTE

func (p *PTE) load() uint64 {
	return atomic.LoadUint64((*uint64)(p))
}

func (p *PTE) store(v uint64) {
	atomic.StoreUint64((*uint64)(p), v)
}

// Clear clears this PTE.
func (p *PTE) Clear() {
	p.store(0)
}

// Valid returns true iff this entry is valid.
func (p *PTE) Valid() bool {
	return p.load()&valid != 0
}

// IsLeaf returns true iff this entry maps a page rather than pointing to the
// next level table.
func (p *PTE) IsLeaf() bool {
	return p.load()&leafMask != 0
}

// Opts returns the PTE options.
//
// These are all options except Valid.
func (p *PTE) Opts() MapOpts {
	v := p.load()
	return MapOpts{
		AccessType: hostarch.AccessType{
			Read:    v&readable != 0,
			Write:   v&writable != 0,
			Execute: v&execute != 0,
		},
		Global: v&global != 0,
		User:   v&user != 0,
	}
}

// Address extracts the address. This should only be called if Valid returns
// true.
func (p *PTE) Address() hostarch.PhysAddr {
	return hostarch.PhysAddr((p.load() & ppnMask) >> ppnShift << pteShift)
}

// Set sets this PTE value as a leaf.
//
// This does not change the valid bit when opts.AccessType is NoAccess, in
// which case the entry is cleared.
func (p *PTE) Set(addr hostarch.PhysAddr, opts MapOpts) {
	if !opts.AccessType.Any() {
		p.Clear()
		return
	}
	v := ppnFor(addr) | valid | accessed
	if opts.AccessType.Read || opts.AccessType.Write {
		v |= readable
	}
	if opts.AccessType.Write {
		v |= writable | dirty
	}
	if opts.AccessType.Execute {
		v |= execute
	}
	if opts.User {
		v |= user
	}
	if opts.Global {
		v |= global
	}
	p.store(v)
}

// SetAddress replaces the frame of a leaf and keeps every flag.
func (p *PTE) SetAddress(addr hostarch.PhysAddr) {
	p.store(p.load()&^ppnMask | ppnFor(addr))
}

// setPageTable sets this PTE value and forces the write bit and super bit to
// be cleared. This is used explicitly for breaking super pages.
func (p *PTE) setPageTable(addr hostarch.PhysAddr) {
	p.store(ppnFor(addr) | valid)
}

// Flags returns the raw low flag bits.
func (p *PTE) Flags() uint8 {
	return uint8(p.load() & flagsMask)
}

// String implements fmt.Stringer.String.
func (p *PTE) String() string {
	if !p.Valid() {
		return "invalid"
	}
	if !p.IsLeaf() {
		return fmt.Sprintf("table@%v", p.Address())
	}
	return fmt.Sprintf("%v %s", p.Address(), p.Opts())
}

func ppnFor(addr hostarch.PhysAddr) uint64 {
	if !addr.IsPageAligned() {
		panic(fmt.Sprintf("unaligned physical address %v", addr))
	}
	return (uint64(addr) >> pteShift << ppnShift) & ppnMask
}

// levelShift returns the address shift of the VPN field at level, where
// level 2 is the root.
func levelShift(level int) uint {
	return uint(pteShift + indexBits*level)
}

// levelSize returns the size covered by one entry at level.
func levelSize(level int) uint64 {
	return 1 << levelShift(level)
}

// index returns the VPN field of addr at level.
func index(addr hostarch.Addr, level int) int {
	return int(uint64(addr)>>levelShift(level)) & indexMask
}

// IsCanonical returns true iff addr is a valid Sv39 virtual address: bits
// 63..39 all equal bit 38.
func IsCanonical(addr hostarch.Addr) bool {
	top := int64(addr) >> (vaddrBits - 1)
	return top == 0 || top == -1
}
