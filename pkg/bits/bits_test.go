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

package bits

import (
	"testing"
)

func TestAlign(t *testing.T) {
	for _, tc := range []struct {
		v, align   uint64
		down, up   uint64
		wantAlined bool
	}{
		{0, 4096, 0, 0, true},
		{1, 4096, 0, 4096, false},
		{4095, 4096, 0, 4096, false},
		{4096, 4096, 4096, 4096, true},
		{0x1234, 0x10, 0x1230, 0x1240, false},
	} {
		if got := AlignDown(tc.v, tc.align); got != tc.down {
			t.Errorf("AlignDown(%#x, %#x) = %#x, want %#x", tc.v, tc.align, got, tc.down)
		}
		if got := AlignUp(tc.v, tc.align); got != tc.up {
			t.Errorf("AlignUp(%#x, %#x) = %#x, want %#x", tc.v, tc.align, got, tc.up)
		}
		if got := IsAligned(tc.v, tc.align); got != tc.wantAlined {
			t.Errorf("IsAligned(%#x, %#x) = %v, want %v", tc.v, tc.align, got, tc.wantAlined)
		}
	}
}

func TestIsPowerOfTwo(t *testing.T) {
	for v, want := range map[uint32]bool{0: false, 1: true, 2: true, 3: false, 4096: true, 4097: false} {
		if got := IsPowerOfTwo(v); got != want {
			t.Errorf("IsPowerOfTwo(%d) = %v, want %v", v, got, want)
		}
	}
}

func TestMaskExtract(t *testing.T) {
	if got := Mask[uint64](9); got != 0x1ff {
		t.Errorf("Mask(9) = %#x, want 0x1ff", got)
	}
	if got := Mask[uint8](8); got != 0xff {
		t.Errorf("Mask[uint8](8) = %#x, want 0xff", got)
	}
	if got := Mask[uint64](64); got != ^uint64(0) {
		t.Errorf("Mask(64) = %#x, want all ones", got)
	}
	// VPN[2] of an Sv39 address.
	if got := Extract(uint64(0x3f_ffff_f000), 30, 9); got != 0xff {
		t.Errorf("Extract = %#x, want 0xff", got)
	}
}
