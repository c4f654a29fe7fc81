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
	"runtime"
	"sync"
)

// scheduler hands the single logical core to one task goroutine at a time.
// A task goroutine runs only while it holds the core, so the hart and the
// trap handler are never entered concurrently.
type scheduler struct {
	mu sync.Mutex

	// cur holds the core, or is nil when the core is idle.
	cur *Task

	// runq are the tasks waiting for the core, in FIFO order.
	runq []*Task

	// halted is closed when the kernel halts.
	halted   chan struct{}
	haltOnce sync.Once
}

func (s *scheduler) init() {
	s.halted = make(chan struct{})
}

func (s *scheduler) current() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// enqueue appends t to the run queue. An idle core is handed out at once.
func (s *scheduler) enqueue(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runq = append(s.runq, t)
	if s.cur == nil {
		s.dispatchLocked()
	}
}

// dispatchLocked hands the core to the head of the run queue.
//
// Preconditions: s.mu is locked.
func (s *scheduler) dispatchLocked() {
	if len(s.runq) == 0 {
		s.cur = nil
		return
	}
	t := s.runq[0]
	s.runq[0] = nil
	s.runq = s.runq[1:]
	s.cur = t
	t.wake <- struct{}{}
}

// wait blocks until t holds the core. If the kernel halts first, the task
// goroutine ends.
func (s *scheduler) wait(t *Task) {
	select {
	case <-t.wake:
	case <-s.halted:
	}
	if s.isHalted() {
		runtime.Goexit()
	}
}

// yield moves t, which must hold the core, to the back of the run queue and
// waits for its next turn.
func (s *scheduler) yield(t *Task) {
	s.mu.Lock()
	if s.cur != t {
		s.mu.Unlock()
		panic(fmt.Sprintf("%v yields a core held by %v", t, s.cur))
	}
	s.runq = append(s.runq, t)
	s.dispatchLocked()
	s.mu.Unlock()
	s.wait(t)
}

// release gives up the core held by t for good.
func (s *scheduler) release(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != t {
		panic(fmt.Sprintf("%v releases a core held by %v", t, s.cur))
	}
	s.dispatchLocked()
}

func (s *scheduler) halt() {
	s.haltOnce.Do(func() { close(s.halted) })
}

func (s *scheduler) isHalted() bool {
	select {
	case <-s.halted:
		return true
	default:
		return false
	}
}

// Spawn submits an unstarted task to the scheduler and returns its handle.
// The task enters user mode once it is given the core.
func (k *Kernel) Spawn(t *Task) *TaskHandle {
	if t.k != k {
		panic(fmt.Sprintf("%v spawned on a foreign kernel", t))
	}
	if !t.markSpawned() {
		panic(fmt.Sprintf("%v spawned twice", t))
	}
	taskLaunch.Increment()
	go t.run()
	k.sched.enqueue(t)
	return t.handle
}

// Yield gives up the core to the next runnable task. It returns once t
// holds the core again. It must be called from t's goroutine.
func (t *Task) Yield() {
	t.k.sched.yield(t)
}
