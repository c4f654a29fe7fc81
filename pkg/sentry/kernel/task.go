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
	"fmt"
	"io"
	"sync"

	"gvisor.dev/rvsentry/pkg/hostarch"
	"gvisor.dev/rvsentry/pkg/ring0"
	"gvisor.dev/rvsentry/pkg/sentry/arch"
	"gvisor.dev/rvsentry/pkg/sentry/mm"
)

// ThreadID is a task identifier.
type ThreadID int32

// TaskState is the lifecycle state of a task.
type TaskState int

const (
	// TaskUnstarted is a task that has not yet entered user mode.
	TaskUnstarted TaskState = iota

	// TaskRunningUser is a task executing user instructions, or waiting
	// for the core to do so.
	TaskRunningUser

	// TaskTrapped is a task whose trap is being handled in supervisor
	// mode.
	TaskTrapped

	// TaskTerminated is a task that will never run again.
	TaskTerminated
)

// String implements fmt.Stringer.String.
func (s TaskState) String() string {
	switch s {
	case TaskUnstarted:
		return "Unstarted"
	case TaskRunningUser:
		return "RunningUser"
	case TaskTrapped:
		return "Trapped"
	case TaskTerminated:
		return "Terminated"
	default:
		return fmt.Sprintf("TaskState(%d)", int(s))
	}
}

// validTransitions lists the states each state may move to.
var validTransitions = map[TaskState][]TaskState{
	TaskUnstarted:   {TaskRunningUser},
	TaskRunningUser: {TaskTrapped},
	TaskTrapped:     {TaskRunningUser, TaskTerminated},
}

// Task represents a single user task: one address space, one saved user
// context and one kernel stack, run by its own goroutine.
type Task struct {
	k *Kernel

	// These are immutable after creation.
	tid    ThreadID
	name   string
	entry  hostarch.Addr
	mm     *mm.MemoryManager
	kstack *ring0.KernelStack
	stdout io.Writer
	stderr io.Writer
	handle *TaskHandle

	// ctx is the saved user context. It is loaded when the task first
	// enters user mode, and is synchronized with the trap frame while a
	// trap is handled. It is only accessed by the task goroutine.
	ctx *arch.Context64

	// wake passes the core to the task.
	wake chan struct{}

	mu sync.Mutex

	// state is the lifecycle state.
	state TaskState

	// spawned is set once the task is submitted to the scheduler.
	spawned bool

	// exitCode is the status recorded by PrepareExit.
	exitCode int32
}

// String implements fmt.Stringer.String.
func (t *Task) String() string {
	return fmt.Sprintf("[%3d:%s]", t.tid, t.name)
}

// Kernel returns the kernel the task belongs to.
func (t *Task) Kernel() *Kernel {
	return t.k
}

// ThreadID returns the task's ID.
func (t *Task) ThreadID() ThreadID {
	return t.tid
}

// Name returns the task's name.
func (t *Task) Name() string {
	return t.name
}

// MemoryManager returns the task's address space.
func (t *Task) MemoryManager() *mm.MemoryManager {
	return t.mm
}

// Arch returns the task's saved user context.
//
// Preconditions: The caller must be running on the task goroutine.
func (t *Task) Arch() *arch.Context64 {
	return t.ctx
}

// Stdout returns the channel that file descriptor 1 writes to.
func (t *Task) Stdout() io.Writer {
	return t.stdout
}

// Stderr returns the channel that file descriptor 2 writes to.
func (t *Task) Stderr() io.Writer {
	return t.stderr
}

// State returns the task's lifecycle state.
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// setState moves t to state. It panics on a transition the lifecycle does
// not allow.
func (t *Task) setState(state TaskState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, next := range validTransitions[t.state] {
		if next == state {
			t.state = state
			return
		}
	}
	panic(fmt.Sprintf("%v: invalid state transition %v -> %v", t, t.state, state))
}

// markSpawned records that t was submitted to the scheduler. It returns false
// if it already was.
func (t *Task) markSpawned() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.spawned {
		return false
	}
	t.spawned = true
	return true
}

// PrepareExit records the exit status reported to joiners. It is called by
// syscalls that return CtrlDoExit.
func (t *Task) PrepareExit(code int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exitCode = code
}

// ExitCode returns the status recorded by PrepareExit.
func (t *Task) ExitCode() int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitCode
}

// TaskHandle is the launcher's view of a task. It outlives the task.
type TaskHandle struct {
	tid  ThreadID
	name string

	once sync.Once
	done chan struct{}

	// code and ok are immutable once done is closed.
	code int32
	ok   bool
}

func newTaskHandle(t *Task) *TaskHandle {
	return &TaskHandle{
		tid:  t.tid,
		name: t.name,
		done: make(chan struct{}),
	}
}

// finish publishes the result. Only the first call has an effect.
func (h *TaskHandle) finish(code int32, ok bool) {
	h.once.Do(func() {
		h.code = code
		h.ok = ok
		close(h.done)
	})
}

// ThreadID returns the task's ID.
func (h *TaskHandle) ThreadID() ThreadID {
	return h.tid
}

// Name returns the task's name.
func (h *TaskHandle) Name() string {
	return h.name
}

// Done returns a channel that is closed once the task has terminated.
func (h *TaskHandle) Done() <-chan struct{} {
	return h.done
}

// Join blocks until the task has terminated and returns its exit code. ok is
// false only if the kernel halted before the task exited, in which case code
// is zero.
func (h *TaskHandle) Join() (code int32, ok bool) {
	<-h.done
	return h.code, h.ok
}
