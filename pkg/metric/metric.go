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

// Package metric provides cumulative counters that the kernel updates and
// the CLI exports in Prometheus text format.
package metric

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/slices"
)

// Registration errors.
var (
	ErrNameInUse                = errors.New("metric name already in use")
	ErrInvalidName              = errors.New("metric name is not valid")
	ErrFieldHasNoAllowedValues  = errors.New("metric field does not define any allowed values")
	ErrTooManyFieldCombinations = errors.New("metric has too many combinations of allowed field values")
)

// Names are slash separated paths of lower-case components, such as
// /kernel/syscalls.
var validName = regexp.MustCompile(`^(/[a-z][a-z0-9_]*)+$`)

// Field breaks a metric down by one dimension. Every value the metric is
// updated with must be listed up front.
type Field struct {
	name   string
	values []string
}

// NewField returns a Field called name that takes one of values.
func NewField(name string, values ...string) Field {
	return Field{name: name, values: values}
}

// position returns the index of v in f.values.
func (f Field) position(v string) int {
	if i := slices.Index(f.values, v); i >= 0 {
		return i
	}
	panic(fmt.Sprintf("metric field %q does not allow value %q", f.name, v))
}

// cells maps each combination of field values to a counter index, in
// mixed radix with the first field most significant.
type cells struct {
	fields []Field
	n      int
}

func newCells(fields ...Field) (cells, error) {
	n := 1
	for _, f := range fields {
		if len(f.values) == 0 {
			return cells{}, fmt.Errorf("%w: %q", ErrFieldHasNoAllowedValues, f.name)
		}
		if n *= len(f.values); n > math.MaxUint32 {
			return cells{}, ErrTooManyFieldCombinations
		}
	}
	return cells{fields: fields, n: n}, nil
}

// index returns the counter index for values, one per field.
func (c cells) index(values ...string) int {
	if len(values) != len(c.fields) {
		panic(fmt.Sprintf("metric has %d fields, got %d values", len(c.fields), len(values)))
	}
	idx := 0
	for i, f := range c.fields {
		idx = idx*len(f.values) + f.position(values[i])
	}
	return idx
}

// values is the inverse of index.
func (c cells) values(idx int) []string {
	if len(c.fields) == 0 {
		return nil
	}
	vs := make([]string, len(c.fields))
	for i := len(c.fields) - 1; i >= 0; i-- {
		n := len(c.fields[i].values)
		vs[i] = c.fields[i].values[idx%n]
		idx /= n
	}
	return vs
}

// Uint64Metric is a cumulative counter, optionally broken down by fields.
type Uint64Metric struct {
	name        string
	description string
	cells       cells
	counts      []atomic.Uint64
}

// registry holds every metric by name.
var registry struct {
	mu      sync.Mutex
	metrics map[string]*Uint64Metric
}

// NewUint64Metric creates a counter and registers it under name.
func NewUint64Metric(name, description string, fields ...Field) (*Uint64Metric, error) {
	if !validName.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	c, err := newCells(fields...)
	if err != nil {
		return nil, err
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if _, ok := registry.metrics[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrNameInUse, name)
	}
	m := &Uint64Metric{
		name:        name,
		description: description,
		cells:       c,
		counts:      make([]atomic.Uint64, c.n),
	}
	if registry.metrics == nil {
		registry.metrics = make(map[string]*Uint64Metric)
	}
	registry.metrics[name] = m
	return m, nil
}

// MustCreateNewUint64Metric is NewUint64Metric for package initialization: it
// panics on error.
func MustCreateNewUint64Metric(name, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("creating metric %q: %v", name, err))
	}
	return m
}

// Name returns the name m is registered under.
func (m *Uint64Metric) Name() string {
	return m.name
}

// Value returns the count for the given field values.
func (m *Uint64Metric) Value(values ...string) uint64 {
	return m.counts[m.cells.index(values...)].Load()
}

// Increment adds one to the count for the given field values. It panics if a
// value is not allowed.
func (m *Uint64Metric) Increment(values ...string) {
	m.IncrementBy(1, values...)
}

// IncrementBy adds v to the count for the given field values.
func (m *Uint64Metric) IncrementBy(v uint64, values ...string) {
	m.counts[m.cells.index(values...)].Add(v)
}

// registered returns every metric, ordered by name.
func registered() []*Uint64Metric {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	ms := make([]*Uint64Metric, 0, len(registry.metrics))
	for _, m := range registry.metrics {
		ms = append(ms, m)
	}
	slices.SortFunc(ms, func(a, b *Uint64Metric) int {
		switch {
		case a.name < b.name:
			return -1
		case a.name > b.name:
			return 1
		}
		return 0
	})
	return ms
}
