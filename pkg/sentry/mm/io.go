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
	"io"

	"gvisor.dev/rvsentry/pkg/errors/linuxerr"
	"gvisor.dev/rvsentry/pkg/hostarch"
)

// CheckIORange is similar to hostarch.Addr.ToRange, but also requires the
// range to lie in user space.
func (mm *MemoryManager) CheckIORange(addr hostarch.Addr, length uint64) (hostarch.AddrRange, bool) {
	ar, ok := addr.ToRange(length)
	return ar, ok && ar.Start >= mm.minAddr && ar.End <= mm.maxAddr
}

// prepareIOLocked validates [addr, addr+length) for an access of type at and
// backs every page in it, so that the copy that follows cannot fail part
// way.
//
// Preconditions: mm.mu must be locked for writing.
func (mm *MemoryManager) prepareIOLocked(addr hostarch.Addr, length uint64, at hostarch.AccessType) (hostarch.AddrRange, error) {
	ar, ok := mm.CheckIORange(addr, length)
	if !ok || !mm.checkAccessLocked(ar, at) {
		return hostarch.AddrRange{}, linuxerr.EFAULT
	}
	if length == 0 {
		return ar, nil
	}
	end := ar.End - 1
	for page := ar.Start.RoundDown(); page <= end.RoundDown(); page += hostarch.PageSize {
		if _, ok := mm.frames[page]; ok {
			continue
		}
		if err := mm.backPageLocked(mm.findVMALocked(page), page); err != nil {
			return hostarch.AddrRange{}, err
		}
	}
	return ar, nil
}

// copyLocked moves bytes between buf and the user range starting at addr,
// one page at a time.
//
// Preconditions: mm.mu must be locked. prepareIOLocked succeeded for the
// range.
func (mm *MemoryManager) copyLocked(addr hostarch.Addr, buf []byte, write bool) error {
	for done := 0; done < len(buf); {
		cur := addr + hostarch.Addr(done)
		n := min(len(buf)-done, int(hostarch.PageSize-cur.PageOffset()))
		pa := mm.frames[cur.RoundDown()] + hostarch.PhysAddr(cur.PageOffset())
		var err error
		if write {
			_, err = mm.mf.WriteAt(buf[done:done+n], pa)
		} else {
			_, err = mm.mf.ReadAt(buf[done:done+n], pa)
		}
		if err != nil {
			return linuxerr.EFAULT
		}
		done += n
	}
	return nil
}

// CopyOut copies src to the user range starting at addr. The whole range
// must be writable by the task; otherwise EFAULT is returned and nothing is
// copied.
func (mm *MemoryManager) CopyOut(addr hostarch.Addr, src []byte) (int, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if _, err := mm.prepareIOLocked(addr, uint64(len(src)), hostarch.Write); err != nil {
		return 0, err
	}
	if err := mm.copyLocked(addr, src, true); err != nil {
		return 0, err
	}
	return len(src), nil
}

// CopyIn copies len(dst) bytes from the user range starting at addr. The
// whole range must be readable by the task; otherwise EFAULT is returned and
// dst is untouched.
func (mm *MemoryManager) CopyIn(addr hostarch.Addr, dst []byte) (int, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if _, err := mm.prepareIOLocked(addr, uint64(len(dst)), hostarch.Read); err != nil {
		return 0, err
	}
	if err := mm.copyLocked(addr, dst, false); err != nil {
		return 0, err
	}
	return len(dst), nil
}

// WriteTo writes n bytes of user memory starting at addr to w. The range is
// validated before any byte is read, so w sees either all n bytes or none.
func (mm *MemoryManager) WriteTo(w io.Writer, addr hostarch.Addr, n uint64) (int64, error) {
	mm.mu.Lock()
	if _, err := mm.prepareIOLocked(addr, n, hostarch.Read); err != nil {
		mm.mu.Unlock()
		return 0, err
	}
	buf := make([]byte, n)
	err := mm.copyLocked(addr, buf, false)
	mm.mu.Unlock()
	if err != nil {
		return 0, err
	}
	written, err := w.Write(buf)
	return int64(written), err
}

// Peek returns up to n bytes of user memory starting at addr without
// faulting anything in. It stops at the first page that is not backed yet.
// The range must be readable by the task; otherwise EFAULT is returned.
func (mm *MemoryManager) Peek(addr hostarch.Addr, n uint64) ([]byte, error) {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	ar, ok := mm.CheckIORange(addr, n)
	if !ok || !mm.checkAccessLocked(ar, hostarch.Read) {
		return nil, linuxerr.EFAULT
	}
	var buf []byte
	for cur := ar.Start; cur < ar.End; {
		pa, ok := mm.frames[cur.RoundDown()]
		if !ok {
			break
		}
		chunk := make([]byte, min(uint64(ar.End-cur), hostarch.PageSize-cur.PageOffset()))
		if _, err := mm.mf.ReadAt(chunk, pa+hostarch.PhysAddr(cur.PageOffset())); err != nil {
			return nil, linuxerr.EFAULT
		}
		buf = append(buf, chunk...)
		cur += hostarch.Addr(len(chunk))
	}
	return buf, nil
}
