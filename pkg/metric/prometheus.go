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
	"fmt"
	"io"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// namePrefix is prepended to every exported metric name.
const namePrefix = "rvsentry"

// PrometheusName converts a metric name such as /kernel/syscalls into its
// exported form, rvsentry_kernel_syscalls.
func PrometheusName(name string) string {
	return namePrefix + strings.ReplaceAll(name, "/", "_")
}

// family builds the Prometheus representation of m.
func (m *Uint64Metric) family() *dto.MetricFamily {
	mf := &dto.MetricFamily{
		Name: proto.String(PrometheusName(m.name)),
		Help: proto.String(m.description),
		Type: dto.MetricType_COUNTER.Enum(),
	}
	for idx := range m.counts {
		var labels []*dto.LabelPair
		for i, v := range m.cells.values(idx) {
			labels = append(labels, &dto.LabelPair{
				Name:  proto.String(m.cells.fields[i].name),
				Value: proto.String(v),
			})
		}
		mf.Metric = append(mf.Metric, &dto.Metric{
			Label:   labels,
			Counter: &dto.Counter{Value: proto.Float64(float64(m.counts[idx].Load()))},
		})
	}
	return mf
}

// WriteText writes all registered metrics to w in the Prometheus text
// exposition format, sorted by name.
func WriteText(w io.Writer) error {
	for _, m := range registered() {
		if _, err := expfmt.MetricFamilyToText(w, m.family()); err != nil {
			return fmt.Errorf("writing metric %q: %w", m.name, err)
		}
	}
	return nil
}
