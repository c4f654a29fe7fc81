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

// Package bits includes bit-manipulation and alignment utilities.
package bits

import (
	"golang.org/x/exp/constraints"
)

// IsPowerOfTwo returns true if v is a power of 2.
func IsPowerOfTwo[T constraints.Unsigned](v T) bool {
	return v != 0 && v&(v-1) == 0
}

// AlignDown rounds a down to the nearest multiple of align.
//
// Preconditions: align is a power of 2.
func AlignDown[T constraints.Unsigned](a, align T) T {
	return a &^ (align - 1)
}

// AlignUp rounds a up to the nearest multiple of align. The result wraps
// around if a is within align-1 of the maximum value of T.
//
// Preconditions: align is a power of 2.
func AlignUp[T constraints.Unsigned](a, align T) T {
	return AlignDown(a+align-1, align)
}

// IsAligned returns true if a is a multiple of align.
//
// Preconditions: align is a power of 2.
func IsAligned[T constraints.Unsigned](a, align T) bool {
	return a&(align-1) == 0
}

// Mask returns a value with the low n bits set.
func Mask[T constraints.Unsigned](n uint) T {
	if n >= uint(8*sizeOf[T]()) {
		return ^T(0)
	}
	return T(1)<<n - 1
}

// Extract returns the n-bit field of v starting at bit shift.
func Extract[T constraints.Unsigned](v T, shift, n uint) T {
	return (v >> shift) & Mask[T](n)
}

func sizeOf[T constraints.Unsigned]() int {
	var v T
	size := 0
	for v = ^T(0); v != 0; v >>= 8 {
		size++
	}
	return size
}
