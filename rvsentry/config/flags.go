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

package config

import (
	"fmt"
	"reflect"
	"strconv"

	"gvisor.dev/rvsentry/pkg/sentry/kernel"
	"gvisor.dev/rvsentry/pkg/sentry/loader"
	"gvisor.dev/rvsentry/pkg/sentry/strace"
	"gvisor.dev/rvsentry/rvsentry/flag"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "path to a TOML (.toml) or YAML (.yaml, .yml) file with settings. Flags set on the command line take precedence.")

	// Debugging flags.
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("debug-log", "", "additional location for logs. The following variables are available: %TIMESTAMP%, %COMMAND%.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr.")

	// Debugging flags: strace related.
	flagSet.Bool("strace", false, "enable strace.")
	flagSet.String("strace-syscalls", "", "comma-separated list of syscalls to trace. If --strace is true and this list is empty, then all syscalls will be traced.")
	flagSet.Uint("strace-log-size", strace.DefaultLogMaximumSize, "default size (in bytes) to log data argument blobs.")

	// Flags that control the emulated machine.
	flagSet.Uint64("memory", kernel.DefaultMemoryBytes, "size of the emulated RAM in bytes.")
	flagSet.Int64("quantum", kernel.DefaultQuantum, "number of user instructions between timer interrupts. A negative value disables preemption.")

	// Flags that control task layout.
	flagSet.Uint64("entry", uint64(loader.DefaultEntry), "address images are mapped at and start executing from.")
	flagSet.Uint64("stack-size", loader.DefaultStackSize, "size of each task's user stack in bytes.")
	flagSet.Uint64("kernel-stack-size", kernel.DefaultKernelStackSize, "size of each task's kernel stack in bytes.")
	flagSet.Int("max-image-pages", loader.DefaultMaxImagePages, "maximum number of pages an image is mapped into. Longer images are truncated.")
	flagSet.Bool("populate", false, "back user mappings when they are created instead of on first touch.")

	// Metrics.
	flagSet.String("metrics-file", "", "file to write metrics to, in Prometheus text format, when the command finishes.")
}

// flagFields calls fn for every Config field tagged with a flag name.
func (c *Config) flagFields(fn func(name string, v reflect.Value)) {
	obj := reflect.ValueOf(c).Elem()
	for _, f := range reflect.VisibleFields(obj.Type()) {
		if name, ok := f.Tag.Lookup("flag"); ok {
			fn(name, obj.FieldByIndex(f.Index))
		}
	}
}

// NewFromFlags builds a Config from flagSet. Settings come from the flag
// defaults, then from the file named by --config, if any, then from flags
// set explicitly on the command line.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	conf.flagFields(func(name string, v reflect.Value) {
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("flag %q not registered", name))
		}
		v.Set(reflect.ValueOf(flag.Get(fl.Value)))
	})

	if conf.File != "" {
		if err := conf.loadFile(conf.File); err != nil {
			return nil, err
		}
		var err error
		flagSet.Visit(func(fl *flag.Flag) {
			if err == nil {
				err = conf.set(fl)
			}
		})
		if err != nil {
			return nil, err
		}
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// set stores the value of fl in the field it populates. Flags that do not
// populate a field are ignored.
func (c *Config) set(fl *flag.Flag) error {
	var err error
	c.flagFields(func(name string, v reflect.Value) {
		if name != fl.Name {
			return
		}
		x := reflect.ValueOf(flag.Get(fl.Value))
		if x.Type() != v.Type() {
			err = fmt.Errorf("flag %q is a %v, setting is a %v", fl.Name, x.Type(), v.Type())
			return
		}
		v.Set(x)
	})
	return err
}

// ToFlags returns the command line that reproduces c. Settings equal to
// their flag default are left out.
func (c *Config) ToFlags() []string {
	defaults := flag.NewFlagSet("defaults", flag.ContinueOnError)
	RegisterFlags(defaults)

	var args []string
	c.flagFields(func(name string, v reflect.Value) {
		fl := defaults.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("flag %q not registered", name))
		}
		if s := format(v); s != fl.DefValue {
			args = append(args, fmt.Sprintf("--%s=%s", name, s))
		}
	})
	return args
}

// format renders v the way the flag package renders defaults.
func format(v reflect.Value) string {
	switch v.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(v.Bool())
	case reflect.Int, reflect.Int64:
		return strconv.FormatInt(v.Int(), 10)
	case reflect.Uint, reflect.Uint64:
		return strconv.FormatUint(v.Uint(), 10)
	case reflect.String:
		return v.String()
	}
	panic(fmt.Sprintf("unsupported setting type %v", v.Type()))
}
