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
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/rvsentry/pkg/log"
	"gvisor.dev/rvsentry/pkg/sentry/kernel"
	"gvisor.dev/rvsentry/rvsentry/config"
	"gvisor.dev/rvsentry/rvsentry/flag"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	// quiet suppresses the exit code report.
	quiet bool
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run flat program images as user tasks"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] <image> [<image>...] - load each image into its own address space and run all of them to completion.

The exit status is the exit code of the first image's task.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.quiet, "quiet", false, "do not report each task's exit code on stderr.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	status := args[1].(*int)

	k, err := newKernel(conf, nil, nil)
	if err != nil {
		Fatalf("creating kernel: %v", err)
	}
	codes, err := runImages(ctx, k, conf, f.Args())
	if err := writeMetrics(conf); err != nil {
		log.Warningf("Writing metrics: %v", err)
	}
	if err != nil {
		Fatalf("%v", err)
	}
	if !r.quiet {
		reportExits(os.Stderr, f.Args(), codes)
	}
	*status = int(codes[0])
	return subcommands.ExitSuccess
}

// runImages launches a task for every image in paths and waits for all of
// them. It returns their exit codes in the order of paths.
func runImages(ctx context.Context, k *kernel.Kernel, conf *config.Config, paths []string) ([]int32, error) {
	codes := make([]int32, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("opening image: %w", err)
			}
			defer f.Close()

			h, err := k.Launch(ctx, launchOpts(conf, filepath.Base(path), f))
			if err != nil {
				return fmt.Errorf("launching %q: %w", path, err)
			}
			code, ok := h.Join()
			if !ok {
				return fmt.Errorf("task %q did not exit: %w", path, k.Halted())
			}
			log.Infof("Task %d (%s) exited with code %d", h.ThreadID(), h.Name(), code)
			codes[i] = code
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return codes, nil
}

func reportExits(w io.Writer, paths []string, codes []int32) {
	for i, path := range paths {
		fmt.Fprintf(w, "%s: exit code %d\n", path, codes[i])
	}
}
