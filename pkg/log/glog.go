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

package log

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"
)

// GoogleEmitter writes glog-style lines:
//
//	Lmmdd hh:mm:ss.uuuuuu pid file:line] msg
//
// where L is the first letter of the level.
type GoogleEmitter struct {
	*Writer
}

var pid = os.Getpid()

// caller returns the base name and line of the frame depth levels above its
// own caller, or "???" and 0 if it is unknown.
func caller(depth int) (string, int) {
	_, file, line, ok := runtime.Caller(depth + 2)
	if !ok {
		return "???", 0
	}
	return file[strings.LastIndexByte(file, '/')+1:], line
}

// Emit implements Emitter.Emit.
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	prefix := byte('?')
	if level <= Debug {
		prefix = level.String()[0]
	}
	file, line := caller(depth)
	_, month, day := timestamp.Date()
	fmt.Fprintf(g.Writer, "%c%02d%02d %s % 7d %s:%d] %s\n",
		prefix, int(month), day, timestamp.Format("15:04:05.000000"), pid, file, line, fmt.Sprintf(format, args...))
}
