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
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/google/subcommands"
	"golang.org/x/exp/slices"
	"gvisor.dev/rvsentry/pkg/sentry/kernel"
	"gvisor.dev/rvsentry/rvsentry/flag"
)

// Syscalls implements subcommands.Command for the "syscalls" command.
type Syscalls struct {
	format string
	arch   string
}

// CompatibilityInfo maps architecture names to their syscall documentation.
type CompatibilityInfo map[string]ArchInfo

// ArchInfo documents the syscall table of one architecture.
type ArchInfo struct {
	// Syscalls is keyed by syscall number.
	Syscalls map[uintptr]SyscallDoc `json:"syscalls"`

	// byNum lists Syscalls in ascending number order.
	byNum []uintptr
}

// SyscallDoc documents one syscall.
type SyscallDoc struct {
	Name    string   `json:"name"`
	Support string   `json:"support"`
	Note    string   `json:"note,omitempty"`
	URLs    []string `json:"urls,omitempty"`
}

// archAll selects every registered architecture.
const archAll = "all"

var formats = map[string]func(io.Writer, CompatibilityInfo) error{
	"csv":   outputCSV,
	"json":  outputJSON,
	"table": outputTable,
}

// Name implements subcommands.Command.Name.
func (*Syscalls) Name() string {
	return "syscalls"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Syscalls) Synopsis() string {
	return "print the syscalls the kernel implements"
}

// Usage implements subcommands.Command.Usage.
func (*Syscalls) Usage() string {
	return "syscalls [-o table|csv|json] [-arch riscv64|all]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Syscalls) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.format, "o", "table", "output format: table, csv or json.")
	f.StringVar(&s.arch, "arch", archAll, "architecture to describe, or all.")
}

// Execute implements subcommands.Command.Execute.
func (s *Syscalls) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	out, ok := formats[s.format]
	if !ok {
		Fatalf("unknown output format %q", s.format)
	}
	info, err := getCompatibilityInfo(s.arch)
	if err != nil {
		Fatalf("%v", err)
	}
	if err := out(os.Stdout, info); err != nil {
		Fatalf("writing syscall table: %v", err)
	}
	return subcommands.ExitSuccess
}

// getCompatibilityInfo documents the table registered for archName, or every
// table if archName is "all".
func getCompatibilityInfo(archName string) (CompatibilityInfo, error) {
	info := make(CompatibilityInfo)
	for _, st := range kernel.SyscallTables() {
		if name := st.Arch.String(); archName == archAll || archName == name {
			info[name] = getArchInfo(st)
		}
	}
	if len(info) == 0 {
		return nil, fmt.Errorf("no syscall table for %q", archName)
	}
	return info, nil
}

func getArchInfo(st *kernel.SyscallTable) ArchInfo {
	ai := ArchInfo{
		Syscalls: make(map[uintptr]SyscallDoc, len(st.Table)),
		byNum:    st.Numbers(),
	}
	for num, sc := range st.Table {
		ai.Syscalls[num] = SyscallDoc{
			Name:    sc.Name,
			Support: sc.SupportLevel.String(),
			Note:    sc.Note,
			URLs:    sc.URLs,
		}
	}
	return ai
}

// each calls fn for every syscall in info, ordered by architecture name and
// then by number.
func (info CompatibilityInfo) each(fn func(arch string, num uintptr, sc SyscallDoc) error) error {
	names := make([]string, 0, len(info))
	for name := range info {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		ai := info[name]
		for _, num := range ai.byNum {
			if err := fn(name, num, ai.Syscalls[num]); err != nil {
				return err
			}
		}
	}
	return nil
}

func outputTable(w io.Writer, info CompatibilityInfo) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	last := ""
	err := info.each(func(arch string, num uintptr, sc SyscallDoc) error {
		if arch != last {
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(w, "linux/%s:\n\n", arch)
			fmt.Fprintln(tw, "NUM\tNAME\tSUPPORT\tNOTE")
			last = arch
		}
		if _, err := fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", num, sc.Name, sc.Support, sc.Note); err != nil {
			return err
		}
		for _, url := range sc.URLs {
			if _, err := fmt.Fprintf(tw, "\t\t\tSee: %s\n", url); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return tw.Flush()
}

func outputJSON(w io.Writer, info CompatibilityInfo) error {
	e := json.NewEncoder(w)
	e.SetIndent("", "  ")
	return e.Encode(info)
}

func outputCSV(w io.Writer, info CompatibilityInfo) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"Arch", "Num", "Name", "Support", "Note"}); err != nil {
		return err
	}
	err := info.each(func(arch string, num uintptr, sc SyscallDoc) error {
		note := sc.Note
		if len(sc.URLs) > 0 {
			note += "\nSee: " + strings.Join(sc.URLs, "\nSee: ")
		}
		return cw.Write([]string{arch, strconv.FormatUint(uint64(num), 10), sc.Name, sc.Support, note})
	})
	if err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}
