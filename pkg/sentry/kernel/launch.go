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

package kernel

import (
	"context"
	"fmt"
	"io"

	"gvisor.dev/rvsentry/pkg/cleanup"
	"gvisor.dev/rvsentry/pkg/hostarch"
	"gvisor.dev/rvsentry/pkg/log"
	"gvisor.dev/rvsentry/pkg/sentry/arch"
	"gvisor.dev/rvsentry/pkg/sentry/loader"
	"gvisor.dev/rvsentry/pkg/sentry/mm"
)

// LaunchOpts holds the options to Kernel.Launch.
type LaunchOpts struct {
	// Name is used in logs. It defaults to "task".
	Name string

	// Image is the flat program image.
	Image io.Reader

	// Entry is where the image is mapped and where execution starts. Zero
	// selects loader.DefaultEntry.
	Entry hostarch.Addr

	// StackSize is the size of the user stack, mapped at the top of the
	// address space. Zero selects loader.DefaultStackSize.
	StackSize uint64

	// KernelStackSize is the size of the task's kernel stack. Zero selects
	// DefaultKernelStackSize.
	KernelStackSize uint64

	// MaxImagePages caps the image mapping. Zero selects
	// loader.DefaultMaxImagePages.
	MaxImagePages int

	// Populate backs every mapping up front instead of on first touch.
	Populate bool

	// Stdout and Stderr override the kernel's output channels for this
	// task.
	Stdout io.Writer
	Stderr io.Writer
}

// Launch creates a task running the image in opts and submits it to the
// scheduler. The task has its own address space, stack and kernel stack,
// and starts with every register zero except pc and sp.
//
// If Launch fails nothing is left behind: no task is registered and every
// frame is returned.
func (k *Kernel) Launch(ctx context.Context, opts LaunchOpts) (*TaskHandle, error) {
	t, err := k.newTask(ctx, opts)
	if err != nil {
		return nil, err
	}
	return k.Spawn(t), nil
}

// newTask builds an unstarted task for opts and registers it.
func (k *Kernel) newTask(ctx context.Context, opts LaunchOpts) (*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.Image == nil {
		return nil, fmt.Errorf("%w: no image", loader.ErrLoad)
	}
	if opts.Name == "" {
		opts.Name = "task"
	}
	if opts.Entry == 0 {
		opts.Entry = loader.DefaultEntry
	}
	if opts.StackSize == 0 {
		opts.StackSize = loader.DefaultStackSize
	}
	if opts.KernelStackSize == 0 {
		opts.KernelStackSize = DefaultKernelStackSize
	}
	if opts.Stdout == nil {
		opts.Stdout = k.stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = k.stderr
	}

	m, err := mm.NewMemoryManager(mm.Opts{
		Memory:      k.mf,
		Tables:      k.tables,
		Invalidator: &k.ring0,
	})
	if err != nil {
		return nil, fmt.Errorf("creating address space for %q: %w", opts.Name, err)
	}
	cu := cleanup.Make(m.DecRef)
	defer cu.Clean()

	image, err := loader.LoadImage(m, opts.Image, opts.Entry, loader.LoadOpts{
		MaxImagePages: opts.MaxImagePages,
		Populate:      opts.Populate,
	})
	if err != nil {
		return nil, fmt.Errorf("loading %q: %w", opts.Name, err)
	}
	sp, err := loader.MapStack(m, opts.StackSize, opts.Populate)
	if err != nil {
		return nil, fmt.Errorf("mapping stack for %q: %w", opts.Name, err)
	}
	ks, err := k.ring0.NewKernelStack(opts.KernelStackSize, m.Root())
	if err != nil {
		return nil, fmt.Errorf("allocating kernel stack for %q: %w", opts.Name, err)
	}
	cu.Add(func() { k.ring0.ReleaseKernelStack(ks) })

	t := &Task{
		k:      k,
		name:   opts.Name,
		entry:  opts.Entry,
		mm:     m,
		kstack: ks,
		stdout: opts.Stdout,
		stderr: opts.Stderr,
		ctx:    arch.NewUserContext(uintptr(opts.Entry), uintptr(sp)),
		wake:   make(chan struct{}, 1),
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := k.registerTask(t); err != nil {
		return nil, err
	}
	cu.Release()
	log.Infof("%v created: image %v, stack top %v, kernel stack %#x", t, image, sp, ks.Top())
	return t, nil
}
