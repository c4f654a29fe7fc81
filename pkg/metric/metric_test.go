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

package metric

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/common/expfmt"
)

// reset forgets every registered metric.
func reset() {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.metrics = nil
}

func TestNameValidation(t *testing.T) {
	defer reset()

	for _, name := range []string{"", "foo", "/Foo", "/foo/", "/foo bar"} {
		if _, err := NewUint64Metric(name, "bad"); !errors.Is(err, ErrInvalidName) {
			t.Errorf("NewUint64Metric(%q) got err %v, want ErrInvalidName", name, err)
		}
	}
	if _, err := NewUint64Metric("/kernel/task_exits", "ok"); err != nil {
		t.Fatalf("NewUint64Metric got err %v, want nil", err)
	}
	if _, err := NewUint64Metric("/kernel/task_exits", "dup"); !errors.Is(err, ErrNameInUse) {
		t.Errorf("duplicate NewUint64Metric got err %v, want ErrNameInUse", err)
	}
}

func TestNoAllowedValues(t *testing.T) {
	defer reset()

	if _, err := NewUint64Metric("/foo", "foo", NewField("field")); !errors.Is(err, ErrFieldHasNoAllowedValues) {
		t.Errorf("got err %v, want ErrFieldHasNoAllowedValues", err)
	}
}

func TestIncrementAndValue(t *testing.T) {
	defer reset()

	m := MustCreateNewUint64Metric("/kernel/syscalls", "Syscalls", NewField("name", "write", "exit"))
	m.Increment("write")
	m.Increment("write")
	m.IncrementBy(5, "exit")
	if got := m.Value("write"); got != 2 {
		t.Errorf("Value(write) = %d, want 2", got)
	}
	if got := m.Value("exit"); got != 5 {
		t.Errorf("Value(exit) = %d, want 5", got)
	}

	defer func() {
		if recover() == nil {
			t.Errorf("Increment with a disallowed value did not panic")
		}
	}()
	m.Increment("read")
}

func TestCellIndex(t *testing.T) {
	c, err := newCells(NewField("a", "x", "y"), NewField("b", "1", "2", "3"))
	if err != nil {
		t.Fatalf("newCells: %v", err)
	}
	seen := make(map[int]bool)
	for _, a := range []string{"x", "y"} {
		for _, b := range []string{"1", "2", "3"} {
			idx := c.index(a, b)
			if idx < 0 || idx >= c.n || seen[idx] {
				t.Errorf("index(%s, %s) = %d: out of range or reused", a, b, idx)
			}
			seen[idx] = true
			if diff := cmp.Diff([]string{a, b}, c.values(idx)); diff != "" {
				t.Errorf("values(index(%s, %s)) mismatch (-want +got):\n%s", a, b, diff)
			}
		}
	}
}

func TestWriteText(t *testing.T) {
	defer reset()

	faults := MustCreateNewUint64Metric("/kernel/faults", "Faults by cause.", NewField("cause", "page", "illegal"))
	exits := MustCreateNewUint64Metric("/kernel/task_exits", "Task exits.")
	faults.Increment("illegal")
	exits.IncrementBy(3)

	var buf bytes.Buffer
	if err := WriteText(&buf); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	parsed, err := (&expfmt.TextParser{}).TextToMetricFamilies(&buf)
	if err != nil {
		t.Fatalf("TextToMetricFamilies: %v", err)
	}

	got := make(map[string]float64)
	for name, mf := range parsed {
		for _, m := range mf.GetMetric() {
			key := name
			for _, l := range m.GetLabel() {
				key += "{" + l.GetName() + "=" + l.GetValue() + "}"
			}
			got[key] = m.GetCounter().GetValue()
		}
	}
	want := map[string]float64{
		"rvsentry_kernel_faults{cause=page}":    0,
		"rvsentry_kernel_faults{cause=illegal}": 1,
		"rvsentry_kernel_task_exits":            3,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("WriteText mismatch (-want +got):\n%s", diff)
	}
}
