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

package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/rvsentry/pkg/rvasm"
	"gvisor.dev/rvsentry/pkg/sentry/loader"
	"gvisor.dev/rvsentry/rvsentry/config"
	"gvisor.dev/rvsentry/rvsentry/flag"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	config.RegisterFlags(testFlags)
	testFlags.Set("memory", "0x400000")
	conf, err := config.NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	return conf
}

func writeImage(t *testing.T, dir, name string, image []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, image, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunImages(t *testing.T) {
	conf := testConfig(t)
	var stdout bytes.Buffer
	k, err := newKernel(conf, &stdout, io.Discard)
	if err != nil {
		t.Fatalf("newKernel: %v", err)
	}

	dir := t.TempDir()
	paths := []string{
		writeImage(t, dir, "exit3", rvasm.Exit(3)),
		writeImage(t, dir, "hello", rvasm.HelloWorld()),
		writeImage(t, dir, "exit-1", rvasm.Exit(-1)),
	}
	codes, err := runImages(context.Background(), k, conf, paths)
	if err != nil {
		t.Fatalf("runImages: %v", err)
	}
	if diff := cmp.Diff([]int32{3, 0, -1}, codes); diff != "" {
		t.Errorf("exit codes mismatch (-want +got):\n%s", diff)
	}
	if got, want := stdout.String(), "hello\n"; got != want {
		t.Errorf("stdout = %q, want %q", got, want)
	}
	if got := k.Tasks(); got != 0 {
		t.Errorf("Tasks() = %d after all exits, want 0", got)
	}

	var report bytes.Buffer
	reportExits(&report, paths, codes)
	if !strings.Contains(report.String(), "exit-1: exit code -1\n") {
		t.Errorf("report %q does not contain the last task", report.String())
	}
}

func TestRunImagesErrors(t *testing.T) {
	conf := testConfig(t)
	k, err := newKernel(conf, io.Discard, io.Discard)
	if err != nil {
		t.Fatalf("newKernel: %v", err)
	}
	dir := t.TempDir()

	if _, err := runImages(context.Background(), k, conf, []string{filepath.Join(dir, "missing")}); err == nil || !strings.Contains(err.Error(), "opening image") {
		t.Errorf("runImages(missing) err: %v, want: opening image", err)
	}

	empty := writeImage(t, dir, "empty", nil)
	if _, err := runImages(context.Background(), k, conf, []string{empty}); !errors.Is(err, loader.ErrLoad) {
		t.Errorf("runImages(empty) err: %v, want: %v", err, loader.ErrLoad)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	hello := writeImage(t, dir, "hello", rvasm.HelloWorld())
	if _, err := runImages(ctx, k, conf, []string{hello}); !errors.Is(err, context.Canceled) {
		t.Errorf("runImages(canceled) err: %v, want: %v", err, context.Canceled)
	}
	if got := k.Tasks(); got != 0 {
		t.Errorf("Tasks() = %d after failed launches, want 0", got)
	}
}

func TestDemo(t *testing.T) {
	conf := testConfig(t)
	conf.Strace = true
	conf.MetricsFile = filepath.Join(t.TempDir(), "metrics.txt")

	var stdout bytes.Buffer
	code, err := runDemo(context.Background(), conf, &stdout)
	if err != nil {
		t.Fatalf("runDemo: %v", err)
	}
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	if got, want := stdout.String(), "hello\n"; got != want {
		t.Errorf("stdout = %q, want %q", got, want)
	}

	if err := writeMetrics(conf); err != nil {
		t.Fatalf("writeMetrics: %v", err)
	}
	data, err := os.ReadFile(conf.MetricsFile)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"# TYPE rvsentry_kernel_task_launches counter",
		`rvsentry_kernel_syscalls{outcome="success"}`,
		`rvsentry_kernel_task_exits{reason="exit"}`,
	} {
		if !strings.Contains(string(data), want) {
			t.Errorf("metrics file does not contain %q:\n%s", want, data)
		}
	}
}

func TestNewKernelBadStrace(t *testing.T) {
	conf := testConfig(t)
	conf.Strace = true
	conf.StraceSyscalls = "write,open"
	if _, err := newKernel(conf, nil, nil); err == nil || !strings.Contains(err.Error(), `syscall "open" not found`) {
		t.Errorf("newKernel() err: %v, want: syscall \"open\" not found", err)
	}
}

func TestWriteMetricsDisabled(t *testing.T) {
	if err := writeMetrics(testConfig(t)); err != nil {
		t.Errorf("writeMetrics() without a file: %v", err)
	}
}

func TestSyscallsOutput(t *testing.T) {
	info, err := getCompatibilityInfo("riscv64")
	if err != nil {
		t.Fatalf("getCompatibilityInfo: %v", err)
	}

	var csvOut bytes.Buffer
	if err := outputCSV(&csvOut, info); err != nil {
		t.Fatalf("outputCSV: %v", err)
	}
	want := strings.Join([]string{
		"Arch,Num,Name,Support,Note",
		"riscv64,64,write,Partial Support,Only standard output and standard error are open.",
		"riscv64,93,exit,Full Support,Fully Supported.",
		"riscv64,94,exit_group,Full Support,Fully Supported.",
		"riscv64,124,sched_yield,Full Support,Fully Supported.",
		"riscv64,172,getpid,Full Support,Fully Supported.",
		"riscv64,178,gettid,Full Support,Fully Supported.",
		"",
	}, "\n")
	if diff := cmp.Diff(want, csvOut.String()); diff != "" {
		t.Errorf("CSV output mismatch (-want +got):\n%s", diff)
	}

	var jsonOut bytes.Buffer
	if err := outputJSON(&jsonOut, info); err != nil {
		t.Fatalf("outputJSON: %v", err)
	}
	var decoded map[string]struct {
		Syscalls map[string]struct {
			Name    string `json:"name"`
			Support string `json:"support"`
		} `json:"syscalls"`
	}
	if err := json.Unmarshal(jsonOut.Bytes(), &decoded); err != nil {
		t.Fatalf("json.Unmarshal: %v", err)
	}
	if got := decoded["riscv64"].Syscalls["64"].Name; got != "write" {
		t.Errorf("syscall 64 name = %q, want write", got)
	}

	var tableOut bytes.Buffer
	if err := outputTable(&tableOut, info); err != nil {
		t.Fatalf("outputTable: %v", err)
	}
	lines := strings.Split(tableOut.String(), "\n")
	if len(lines) < 4 || lines[0] != "linux/riscv64:" || !strings.HasPrefix(lines[2], "NUM") || !strings.HasPrefix(lines[3], "64") {
		t.Errorf("unexpected table output:\n%s", tableOut.String())
	}

	if _, err := getCompatibilityInfo("amd64"); err == nil {
		t.Errorf("getCompatibilityInfo(amd64) succeeded, want error")
	}
	all, err := getCompatibilityInfo(archAll)
	if err != nil {
		t.Fatalf("getCompatibilityInfo(all): %v", err)
	}
	if _, ok := all["riscv64"]; !ok {
		t.Errorf("getCompatibilityInfo(all) = %v, missing riscv64", all)
	}
}
