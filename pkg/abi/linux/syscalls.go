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

package linux

// System call numbers from include/uapi/asm-generic/unistd.h, which is the
// table used by riscv64.
const (
	SYS_WRITE       = 64
	SYS_EXIT        = 93
	SYS_EXIT_GROUP  = 94
	SYS_SCHED_YIELD = 124
	SYS_GETPID      = 172
	SYS_GETTID      = 178
)

// Standard file descriptors that user tasks may write to.
const (
	STDOUT_FILENO = 1
	STDERR_FILENO = 2
)
