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

// Package bitmap provides a fixed-size bitmap used to track physical frames.
package bitmap

import (
	"math"
	"math/bits"
)

// MaxLen is the largest bitmap New accepts.
const MaxLen uint32 = math.MaxInt32

// Bitmap is a fixed-size set of bits. The zero value is an empty bitmap of
// length zero.
type Bitmap struct {
	words []uint64
	n     uint32
	set   uint32
}

// New returns a Bitmap of n clear bits.
//
// Preconditions: n <= MaxLen.
func New(n uint32) Bitmap {
	return Bitmap{
		words: make([]uint64, (uint64(n)+63)/64),
		n:     n,
	}
}

// Len returns the number of bits in b.
func (b *Bitmap) Len() uint32 {
	return b.n
}

// Count returns the number of set bits.
func (b *Bitmap) Count() uint32 {
	return b.set
}

// Test reports whether bit i is set. Bits outside of b are clear.
func (b *Bitmap) Test(i uint32) bool {
	return i < b.n && b.words[i/64]&(1<<(i%64)) != 0
}

// Set sets bit i and reports whether it was previously clear.
//
// Preconditions: i < Len().
func (b *Bitmap) Set(i uint32) bool {
	w, m := &b.words[i/64], uint64(1)<<(i%64)
	if *w&m != 0 {
		return false
	}
	*w |= m
	b.set++
	return true
}

// Clear clears bit i and reports whether it was previously set.
//
// Preconditions: i < Len().
func (b *Bitmap) Clear(i uint32) bool {
	w, m := &b.words[i/64], uint64(1)<<(i%64)
	if *w&m == 0 {
		return false
	}
	*w &^= m
	b.set--
	return true
}

// FindClear returns the first clear bit at or after from, wrapping around to
// the start of b. It returns false if every bit is set.
func (b *Bitmap) FindClear(from uint32) (uint32, bool) {
	if b.set == b.n {
		return 0, false
	}
	if from >= b.n {
		from = 0
	}
	if i, ok := b.findClear(from, b.n); ok {
		return i, true
	}
	return b.findClear(0, from)
}

// findClear scans [start, end).
func (b *Bitmap) findClear(start, end uint32) (uint32, bool) {
	for start < end {
		wi := start / 64
		// Treat bits below start as set.
		w := b.words[wi] | (1<<(start%64) - 1)
		if w != math.MaxUint64 {
			i := wi*64 + uint32(bits.TrailingZeros64(^w))
			if i < end {
				return i, true
			}
			return 0, false
		}
		start = (wi + 1) * 64
	}
	return 0, false
}

// Bits returns the indices of the set bits in increasing order.
func (b *Bitmap) Bits() []uint32 {
	out := make([]uint32, 0, b.set)
	for wi, w := range b.words {
		for ; w != 0; w &= w - 1 {
			out = append(out, uint32(wi)*64+uint32(bits.TrailingZeros64(w)))
		}
	}
	return out
}
