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

// Package config provides basic infrastructure to set configuration settings
// for rvsentry. Each setting that can be changed from the command line must
// be added to Config and a corresponding flag registered in flags.go. The
// same settings may also be read from a TOML or YAML file named by --config.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v2"
	"gvisor.dev/rvsentry/pkg/hostarch"
	"gvisor.dev/rvsentry/pkg/log"
)

// Config holds configuration that is not part of a program image.
//
// Fields tagged with `flag` are populated from the command line. The `toml`
// and `yaml` tags name the same setting in a configuration file.
type Config struct {
	// File is the configuration file the rest of the settings may come from.
	File string `flag:"config" toml:"-" yaml:"-"`

	// LogFormat is the log format: text or json.
	LogFormat string `flag:"log-format" toml:"log-format" yaml:"log-format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug" yaml:"debug"`

	// DebugLog is the path to log debug information to, if not empty. It may
	// contain %TIMESTAMP% and %COMMAND%.
	DebugLog string `flag:"debug-log" toml:"debug-log" yaml:"debug-log"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr" toml:"alsologtostderr" yaml:"alsologtostderr"`

	// MemoryBytes is the size of the emulated RAM.
	MemoryBytes uint64 `flag:"memory" toml:"memory" yaml:"memory"`

	// StackSize is the size of each task's user stack.
	StackSize uint64 `flag:"stack-size" toml:"stack-size" yaml:"stack-size"`

	// KernelStackSize is the size of each task's kernel stack.
	KernelStackSize uint64 `flag:"kernel-stack-size" toml:"kernel-stack-size" yaml:"kernel-stack-size"`

	// Entry is the address images are mapped at and start executing from.
	Entry uint64 `flag:"entry" toml:"entry" yaml:"entry"`

	// MaxImagePages caps the size of an image mapping.
	MaxImagePages int `flag:"max-image-pages" toml:"max-image-pages" yaml:"max-image-pages"`

	// Quantum is the number of user instructions between timer interrupts.
	// A negative value disables preemption.
	Quantum int64 `flag:"quantum" toml:"quantum" yaml:"quantum"`

	// Populate backs every user mapping when it is created instead of on
	// first touch.
	Populate bool `flag:"populate" toml:"populate" yaml:"populate"`

	// Strace indicates that strace should be enabled.
	Strace bool `flag:"strace" toml:"strace" yaml:"strace"`

	// StraceSyscalls is the comma-separated list of syscalls to trace. If
	// empty, all syscalls are traced.
	StraceSyscalls string `flag:"strace-syscalls" toml:"strace-syscalls" yaml:"strace-syscalls"`

	// StraceLogSize is the max size of data blobs to display.
	StraceLogSize uint `flag:"strace-log-size" toml:"strace-log-size" yaml:"strace-log-size"`

	// MetricsFile is where metrics are written in Prometheus text format
	// when a command finishes. Empty disables it.
	MetricsFile string `flag:"metrics-file" toml:"metrics-file" yaml:"metrics-file"`
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if c.MemoryBytes == 0 || c.MemoryBytes%hostarch.PageSize != 0 {
		return fmt.Errorf("memory must be a non-zero multiple of %d bytes, got %d", hostarch.PageSize, c.MemoryBytes)
	}
	if c.StackSize == 0 {
		return fmt.Errorf("stack-size must be non-zero")
	}
	if c.KernelStackSize == 0 {
		return fmt.Errorf("kernel-stack-size must be non-zero")
	}
	if entry := hostarch.Addr(c.Entry); entry == 0 || !entry.IsPageAligned() {
		return fmt.Errorf("entry must be a non-zero page aligned address, got %#x", c.Entry)
	}
	if c.MaxImagePages <= 0 {
		return fmt.Errorf("max-image-pages must be positive, got %d", c.MaxImagePages)
	}
	if c.StraceSyscalls != "" && !c.Strace {
		return fmt.Errorf("strace-syscalls requires strace to be enabled")
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		log.Infof("\t%s: %v", st.Field(i).Name, obj.Field(i).Interface())
	}
}

// loadFile decodes the configuration file at path over c. Settings the file
// does not mention are left alone. The format is chosen by extension.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	switch ext := filepath.Ext(path); ext {
	case ".toml":
		md, err := toml.Decode(string(data), c)
		if err != nil {
			return fmt.Errorf("parsing config file %q: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("unknown settings in config file %q: %v", path, undecoded)
		}
	case ".yaml", ".yml":
		if err := yaml.UnmarshalStrict(data, c); err != nil {
			return fmt.Errorf("parsing config file %q: %w", path, err)
		}
	default:
		return fmt.Errorf("config file %q: unknown format %q, must be .toml, .yaml or .yml", path, ext)
	}
	return nil
}
