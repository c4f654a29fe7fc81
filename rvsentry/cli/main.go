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

// Package cli is the main entrypoint for rvsentry.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/google/subcommands"
	"gvisor.dev/rvsentry/pkg/log"
	"gvisor.dev/rvsentry/rvsentry/cmd"
	"gvisor.dev/rvsentry/rvsentry/config"
	"gvisor.dev/rvsentry/rvsentry/flag"
)

// version is set at link time.
var version = "VERSION_MISSING"

// Main parses the command line, sets up logging and runs the selected
// subcommand. It does not return.
func Main() {
	registerCommands(subcommands.Register)
	config.RegisterFlags(flag.CommandLine)
	showVersion := flag.Bool("version", false, "print the version and exit.")
	flag.Parse()

	if *showVersion {
		fmt.Printf("rvsentry version %s\n", version)
		os.Exit(0)
	}

	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		cmd.Fatalf("%v", err)
	}
	setupLogging(conf, flag.CommandLine.Arg(0), time.Now())

	var status int
	if ret := subcommands.Execute(context.Background(), conf, &status); ret != subcommands.ExitSuccess {
		log.Warningf("Command failed: %v", ret)
		os.Exit(128)
	}
	log.Infof("Exit status %d", status)
	os.Exit(status)
}

// registerCommands passes every rvsentry command and its group to register.
func registerCommands(register func(c subcommands.Command, group string)) {
	for _, c := range []subcommands.Command{
		subcommands.HelpCommand(),
		subcommands.FlagsCommand(),
		subcommands.CommandsCommand(),
		new(cmd.Run),
		new(cmd.Demo),
	} {
		register(c, "")
	}
	register(new(cmd.Syscalls), "debug")
	register(new(cmd.Metrics), "debug")
}

// setupLogging points the global logger at the debug log and, if asked, at
// stderr. Standard output and error belong to the tasks, so without a debug
// log nothing is written.
func setupLogging(conf *config.Config, command string, start time.Time) {
	if conf.Debug {
		log.SetLevel(log.Debug)
	}

	var out []io.Writer
	if conf.DebugLog != "" {
		f, err := log.OpenFile(conf.DebugLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, log.PatternOpts{
			Command:   command,
			Timestamp: start,
		})
		if err != nil {
			cmd.Fatalf("debug log %q: %v", conf.DebugLog, err)
		}
		cmd.ErrorLogger = f
		out = append(out, f)
	}
	if conf.AlsoLogToStderr {
		out = append(out, os.Stderr)
	}

	switch len(out) {
	case 0:
		log.SetTarget(newEmitter(conf.LogFormat, io.Discard))
	case 1:
		log.SetTarget(newEmitter(conf.LogFormat, out[0]))
	default:
		var m log.MultiEmitter
		for _, w := range out {
			m = append(m, newEmitter(conf.LogFormat, w))
		}
		log.SetTarget(&m)
	}

	log.Infof("rvsentry %s (%s %s/%s), pid %d", version, runtime.Version(), runtime.GOOS, runtime.GOARCH, os.Getpid())
	log.Infof("Args: %v", os.Args)
	log.Infof("Flags: %v", conf.ToFlags())
	conf.Log()
}

// newEmitter returns an emitter writing conf.LogFormat to w. The format has
// already been validated.
func newEmitter(format string, w io.Writer) log.Emitter {
	if format == "json" {
		return log.JSONEmitter{Writer: &log.Writer{Next: w}}
	}
	return log.GoogleEmitter{Writer: &log.Writer{Next: w}}
}
