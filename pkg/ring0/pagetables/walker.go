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
	"errors"
	"fmt"

	"gvisor.dev/rvsentry/pkg/hostarch"
)

var (
	// ErrNotMapped is returned when an entry on the walk path is invalid.
	ErrNotMapped = errors.New("address not mapped")

	// ErrNotCanonical is returned for addresses outside the Sv39 range.
	ErrNotCanonical = errors.New("address not canonical")
)

// Invalidator drops cached translations.
type Invalidator interface {
	// InvalidateAddr drops any cached translation of addr under the table
	// rooted at root.
	InvalidateAddr(root hostarch.PhysAddr, addr hostarch.Addr)
}

// Walk translates addr under the table at root. It returns the leaf entry
// and the size of the page it maps.
//
// Each non-leaf entry's PPN names the next table. A leaf may be found at any
// level. Walk is shared by the kernel and the hardware MMU, and it never
// modifies an entry.
func Walk(a Allocator, root hostarch.PhysAddr, addr hostarch.Addr) (*PTE, uint64, error) {
	if !IsCanonical(addr) {
		return nil, 0, fmt.Errorf("%v: %w", addr, ErrNotCanonical)
	}
	ptes := a.LookupPTEs(root)
	if ptes == nil {
		return nil, 0, fmt.Errorf("root %v is not a page table: %w", root, ErrNotMapped)
	}
	for level := levels - 1; level >= 0; level-- {
		entry := &ptes[index(addr, level)]
		if !entry.Valid() {
			return nil, 0, fmt.Errorf("%v: level %d entry invalid: %w", addr, level, ErrNotMapped)
		}
		if entry.IsLeaf() {
			return entry, levelSize(level), nil
		}
		if level == 0 {
			break
		}
		if ptes = a.LookupPTEs(entry.Address()); ptes == nil {
			return nil, 0, fmt.Errorf("%v: level %d entry points at %v, not a table: %w", addr, level, entry.Address(), ErrNotMapped)
		}
	}
	return nil, 0, fmt.Errorf("%v: no leaf at level 0: %w", addr, ErrNotMapped)
}

// Resolve returns the physical address that addr translates to. It does not
// modify any state.
func (p *PageTables) Resolve(addr hostarch.Addr) (hostarch.PhysAddr, error) {
	pte, size, err := Walk(p.Allocator, p.rootPhysical, addr)
	if err != nil {
		return 0, err
	}
	return pte.Address() + hostarch.PhysAddr(uint64(addr)&(size-1)), nil
}

// Remap points the existing leaf for addr at physical and keeps its flags.
// Exactly one cached translation is then dropped through inv, which may be
// nil when nothing caches translations. Remap never allocates.
//
// Preconditions: addr is mapped.
func (p *PageTables) Remap(addr hostarch.Addr, physical hostarch.PhysAddr, inv Invalidator) error {
	pte, size, err := Walk(p.Allocator, p.rootPhysical, addr)
	if err != nil {
		return err
	}
	if uint64(physical)&(size-1) != 0 {
		return fmt.Errorf("physical address %v is not aligned to the %#x page at %v", physical, size, addr)
	}
	pte.SetAddress(physical)
	if inv != nil {
		inv.InvalidateAddr(p.rootPhysical, addr)
	}
	return nil
}
