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
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// FileOpts turns a log file pattern into a path.
type FileOpts interface {
	Build(pattern string) string
}

// PatternOpts expands %COMMAND% and %TIMESTAMP% (in nanoseconds since the
// epoch) in a log file pattern.
type PatternOpts struct {
	Command   string
	Timestamp time.Time
}

// Build implements FileOpts.Build.
func (p PatternOpts) Build(pattern string) string {
	return strings.NewReplacer(
		"%COMMAND%", p.Command,
		"%TIMESTAMP%", strconv.FormatInt(p.Timestamp.UnixNano(), 10),
	).Replace(pattern)
}

// OpenFile opens the log file named by pattern, creating its directory if
// needed. An empty pattern means no log file: OpenFile returns nil, nil.
func OpenFile(pattern string, flags int, opts FileOpts) (*os.File, error) {
	if pattern == "" {
		return nil, nil
	}
	path := opts.Build(pattern)
	if err := os.MkdirAll(filepath.Dir(path), 0775); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(path, flags, 0664)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, nil
}
