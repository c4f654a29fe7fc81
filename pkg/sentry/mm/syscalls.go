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

package mm

import (
	"fmt"

	"gvisor.dev/rvsentry/pkg/errors/linuxerr"
	"gvisor.dev/rvsentry/pkg/hostarch"
	"gvisor.dev/rvsentry/pkg/log"
	"gvisor.dev/rvsentry/pkg/metric"
	"gvisor.dev/rvsentry/pkg/ring0/pagetables"
	"gvisor.dev/rvsentry/pkg/sentry/pgalloc"
)

var faultsServiced = metric.MustCreateNewUint64Metric("/mm/page_faults_serviced", "Number of user page faults resolved by allocating a frame.")

// MapAlloc creates an anonymous mapping of length bytes at addr with
// permissions at. length is rounded up to whole pages. If populate is true
// every page is backed immediately; otherwise pages are backed when first
// touched.
//
// MapAlloc returns EINVAL if the range is misaligned, empty or outside user
// space, EEXIST if it overlaps an existing mapping and ENOMEM if memory runs
// out while populating. On error no mapping is left behind.
func (mm *MemoryManager) MapAlloc(addr hostarch.Addr, length uint64, at hostarch.AccessType, populate bool, name string) error {
	ar, err := mm.checkMapRange(addr, length)
	if err != nil {
		return err
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()
	if vs := mm.overlappingVMAsLocked(ar); len(vs) != 0 {
		return fmt.Errorf("mapping %v overlaps %v (%s): %w", ar, vs[0].ar, vs[0].name, linuxerr.EEXIST)
	}
	v := &vma{ar: ar, perms: at, populate: populate, name: name}
	mm.vmas.ReplaceOrInsert(v)
	if populate {
		for page := ar.Start; page < ar.End; page += hostarch.PageSize {
			if err := mm.backPageLocked(v, page); err != nil {
				mm.removeVMALocked(v)
				return fmt.Errorf("populating %v: %w", ar, err)
			}
		}
	}
	log.Debugf("Mapped %v %s populate=%t %s", ar, v.permString(), populate, name)
	return nil
}

// checkMapRange validates a range passed to MapAlloc or Unmap.
func (mm *MemoryManager) checkMapRange(addr hostarch.Addr, length uint64) (hostarch.AddrRange, error) {
	if !addr.IsPageAligned() || length == 0 {
		return hostarch.AddrRange{}, linuxerr.EINVAL
	}
	la, ok := hostarch.Addr(length).RoundUp()
	if !ok {
		return hostarch.AddrRange{}, linuxerr.EINVAL
	}
	ar, ok := addr.ToRange(uint64(la))
	if !ok || ar.Start < mm.minAddr || ar.End > mm.maxAddr {
		return hostarch.AddrRange{}, linuxerr.EINVAL
	}
	return ar, nil
}

// Unmap removes every vma inside [addr, addr+length) and frees the frames
// behind them. vmas are never split: one that only partly overlaps the range
// makes Unmap fail with EINVAL before anything is removed.
func (mm *MemoryManager) Unmap(addr hostarch.Addr, length uint64) error {
	ar, err := mm.checkMapRange(addr, length)
	if err != nil {
		return err
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()
	vs := mm.overlappingVMAsLocked(ar)
	for _, v := range vs {
		if !ar.IsSupersetOf(v.ar) {
			return fmt.Errorf("unmapping %v would split %v: %w", ar, v.ar, linuxerr.EINVAL)
		}
	}
	for _, v := range vs {
		mm.removeVMALocked(v)
		log.Debugf("Unmapped %v %s", v.ar, v.name)
	}
	return nil
}

// removeVMALocked drops v from the tree and releases its pages.
//
// Preconditions: mm.mu must be locked for writing.
func (mm *MemoryManager) removeVMALocked(v *vma) {
	mm.vmas.Delete(v)
	root := mm.pt.RootPhysical()
	for page := v.ar.Start; page < v.ar.End; page += hostarch.PageSize {
		pa, ok := mm.frames[page]
		if !ok {
			continue
		}
		mm.pt.Unmap(page, hostarch.PageSize)
		if mm.inv != nil {
			mm.inv.InvalidateAddr(root, page)
		}
		mm.mf.FreeFrame(pa)
		delete(mm.frames, page)
	}
}

// backPageLocked allocates a zeroed frame for page and maps it.
//
// Preconditions: mm.mu must be locked for writing. page lies in v and has no
// frame.
func (mm *MemoryManager) backPageLocked(v *vma, page hostarch.Addr) error {
	pa, err := mm.mf.AllocateFrame(pgalloc.DataFrame)
	if err != nil {
		return err
	}
	mm.mf.Claim(pa)
	if err := mm.pt.Map(page, hostarch.PageSize, v.opts(), pa); err != nil {
		mm.mf.FreeFrame(pa)
		return err
	}
	mm.frames[page] = pa
	return nil
}

// HandleUserFault handles a user page fault at addr for an access of type
// at. If addr lies in a vma that permits at and its page has no frame yet, a
// frame is allocated and mapped and the faulting instruction can be retried.
// Any other fault is a genuine access violation and EFAULT is returned.
func (mm *MemoryManager) HandleUserFault(addr hostarch.Addr, at hostarch.AccessType) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	v := mm.findVMALocked(addr)
	if v == nil || !v.perms.SupersetOf(at) {
		return linuxerr.EFAULT
	}
	page := addr.RoundDown()
	if _, ok := mm.frames[page]; ok {
		return linuxerr.EFAULT
	}
	if err := mm.backPageLocked(v, page); err != nil {
		log.Warningf("Out of memory serving %v fault at %v: %v", at, addr, err)
		return linuxerr.EFAULT
	}
	faultsServiced.Increment()
	return nil
}

// Query returns the physical address addr translates to and the user
// permissions of its page. It returns pagetables.ErrNotMapped if the page
// has no frame.
func (mm *MemoryManager) Query(addr hostarch.Addr) (hostarch.PhysAddr, hostarch.AccessType, error) {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	pa, opts, ok := mm.pt.Lookup(addr)
	if !ok {
		return 0, hostarch.NoAccess, pagetables.ErrNotMapped
	}
	return pa, opts.AccessType, nil
}

// Resolve walks the page tables for addr.
func (mm *MemoryManager) Resolve(addr hostarch.Addr) (hostarch.PhysAddr, error) {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return mm.pt.Resolve(addr)
}

// Remap points the page containing addr at the data frame pa and drops the
// one stale translation. The address space takes ownership of pa and frees
// the frame previously behind the page, so pa must be an allocated data
// frame that no address space owns yet.
func (mm *MemoryManager) Remap(addr hostarch.Addr, pa hostarch.PhysAddr) error {
	if mm.mf.Kind(pa) != pgalloc.DataFrame || !pa.IsPageAligned() {
		return fmt.Errorf("remap %v to %v: %w", addr, pa, linuxerr.EINVAL)
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	page := addr.RoundDown()
	old, ok := mm.frames[page]
	if !ok {
		return fmt.Errorf("remap %v: %w", addr, pagetables.ErrNotMapped)
	}
	if old == pa {
		return nil
	}
	if !mm.mf.Claim(pa) {
		return fmt.Errorf("remap %v to %v: frame is owned by an address space: %w", addr, pa, linuxerr.EINVAL)
	}
	if err := mm.pt.Remap(page, pa, mm.inv); err != nil {
		mm.mf.Unclaim(pa)
		return err
	}
	mm.frames[page] = pa
	mm.mf.FreeFrame(old)
	log.Debugf("Remapped %v from %v to %v", page, old, pa)
	return nil
}
