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

package cmd

import (
	"context"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/rvsentry/pkg/metric"
	"gvisor.dev/rvsentry/rvsentry/flag"
)

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct{}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "print the metrics rvsentry exports, in Prometheus text format"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return `metrics - print every registered metric in Prometheus text format. Use --metrics-file with run or demo to collect values from a run.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Metrics) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Metrics) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	if err := metric.WriteText(os.Stdout); err != nil {
		Fatalf("Error writing metrics: %v", err)
	}
	return subcommands.ExitSuccess
}
