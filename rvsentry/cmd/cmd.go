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

// Package cmd holds implementations of the rvsentry commands.
package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gvisor.dev/rvsentry/pkg/hostarch"
	"gvisor.dev/rvsentry/pkg/log"
	"gvisor.dev/rvsentry/pkg/metric"
	"gvisor.dev/rvsentry/pkg/sentry/arch"
	"gvisor.dev/rvsentry/pkg/sentry/kernel"
	"gvisor.dev/rvsentry/pkg/sentry/strace"
	"gvisor.dev/rvsentry/rvsentry/config"

	// Register the RISCV64 syscall table.
	_ "gvisor.dev/rvsentry/pkg/sentry/syscalls/linux"
)

// ErrorLogger is where error messages should be written to. These messages
// are consumed by the caller of rvsentry.
var ErrorLogger io.Writer

// Fatalf logs to stderr and exits with a failure status code.
func Fatalf(format string, args ...any) {
	// We must log to stderr as well as ErrorLogger, since the log may be
	// discarded.
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	if ErrorLogger != nil {
		fmt.Fprintf(ErrorLogger, format+"\n", args...)
	}
	log.Warningf("FATAL ERROR: "+format, args...)
	os.Exit(128)
}

// newKernel creates a kernel configured by conf. Tasks write to stdout and
// stderr, or to the host's standard output and error if they are nil.
func newKernel(conf *config.Config, stdout, stderr io.Writer) (*kernel.Kernel, error) {
	opts := kernel.Opts{
		MemoryBytes: conf.MemoryBytes,
		Quantum:     conf.Quantum,
		Stdout:      stdout,
		Stderr:      stderr,
	}
	if conf.Strace {
		var names []string
		if conf.StraceSyscalls != "" {
			names = strings.Split(conf.StraceSyscalls, ",")
		}
		strace.LogMaximumSize = conf.StraceLogSize
		tracer, err := strace.New(arch.RISCV64, names)
		if err != nil {
			return nil, fmt.Errorf("enabling strace: %w", err)
		}
		opts.Stracer = tracer
	}
	return kernel.New(opts)
}

// launchOpts returns the options to launch the image in r, named name.
func launchOpts(conf *config.Config, name string, r io.Reader) kernel.LaunchOpts {
	return kernel.LaunchOpts{
		Name:            name,
		Image:           r,
		Entry:           hostarch.Addr(conf.Entry),
		StackSize:       conf.StackSize,
		KernelStackSize: conf.KernelStackSize,
		MaxImagePages:   conf.MaxImagePages,
		Populate:        conf.Populate,
	}
}

// writeMetrics writes all metrics to conf.MetricsFile, if set.
func writeMetrics(conf *config.Config) error {
	if conf.MetricsFile == "" {
		return nil
	}
	f, err := os.Create(conf.MetricsFile)
	if err != nil {
		return fmt.Errorf("creating metrics file: %w", err)
	}
	if err := metric.WriteText(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
