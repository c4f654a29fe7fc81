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
	"bytes"
	"context"
	"io"

	"github.com/google/subcommands"
	"gvisor.dev/rvsentry/pkg/log"
	"gvisor.dev/rvsentry/pkg/rvasm"
	"gvisor.dev/rvsentry/rvsentry/config"
	"gvisor.dev/rvsentry/rvsentry/flag"
)

// Demo implements subcommands.Command for the "demo" command.
type Demo struct{}

// Name implements subcommands.Command.Name.
func (*Demo) Name() string {
	return "demo"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Demo) Synopsis() string {
	return "run the built-in hello world task"
}

// Usage implements subcommands.Command.Usage.
func (*Demo) Usage() string {
	return `demo - run a built-in task that writes "hello" to standard output and exits.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Demo) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Demo) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	status := args[1].(*int)

	code, err := runDemo(ctx, conf, nil)
	if err := writeMetrics(conf); err != nil {
		log.Warningf("Writing metrics: %v", err)
	}
	if err != nil {
		Fatalf("%v", err)
	}
	*status = int(code)
	return subcommands.ExitSuccess
}

// runDemo runs the hello world program, writing its output to stdout or to
// the host's standard output if nil.
func runDemo(ctx context.Context, conf *config.Config, stdout io.Writer) (int32, error) {
	k, err := newKernel(conf, stdout, nil)
	if err != nil {
		return 0, err
	}
	h, err := k.Launch(ctx, launchOpts(conf, "hello", bytes.NewReader(rvasm.HelloWorld())))
	if err != nil {
		return 0, err
	}
	code, ok := h.Join()
	if !ok {
		return 0, k.Halted()
	}
	return code, nil
}
