// Copyright 2026 The gVisor Authors.
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

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/google/subcommands"
	"github.com/rcrowley/go-metrics"
	"gvisor.dev/gvisor/pkg/log"
)

// Simulate implements subcommands.Command for the "simulate" command.
type Simulate struct {
	timeout time.Duration
}

// Name implements subcommands.Command.Name.
func (*Simulate) Name() string {
	return "simulate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Simulate) Synopsis() string {
	return "run a load/unload scenario against an in-memory grant table"
}

// Usage implements subcommands.Command.Usage.
func (*Simulate) Usage() string {
	return `simulate [flags] <scenario.toml> - run the maps of a scenario concurrently and print grant table statistics
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Simulate) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&s.timeout, "timeout", 10*time.Second, "time to wait for a single load to complete.")
}

// Execute implements subcommands.Command.Execute.
func (s *Simulate) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	sc, err := loadScenario(f.Arg(0))
	if err != nil {
		return Errorf("%v", err)
	}
	log.Infof("Running %d maps against %d grant entries for domain %d", len(sc.Maps), sc.GrantEntries, sc.Domain)
	rep, err := sc.run(ctx, s.timeout)
	if err != nil {
		return Errorf("simulation failed: %v", err)
	}
	rep.write(os.Stdout)
	return subcommands.ExitSuccess
}

// write prints r as tables.
func (r *report) write(out io.Writer) {
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprintf(w, "MAP\tLOADS\tDEFERRED\tRETRIES\tFAILED\n")
	for _, m := range r.Maps {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", m.Name, m.Loads, m.Deferred, m.Retries, m.Failed)
	}
	w.Flush()

	fmt.Fprintf(out, "\ngrant table: %d total, %d free, %d granted, %d mapped, %d callbacks armed\n\n",
		r.Table.Total, r.Table.Free, r.Table.Granted, r.Table.Mapped, r.Table.Callbacks)

	var names []string
	r.Registry.Each(func(name string, _ any) {
		names = append(names, name)
	})
	sort.Strings(names)
	for _, name := range names {
		switch m := r.Registry.Get(name).(type) {
		case metrics.Counter:
			fmt.Fprintf(out, "%s %d\n", name, m.Count())
		case metrics.Gauge:
			fmt.Fprintf(out, "%s %d\n", name, m.Value())
		case metrics.Histogram:
			s := m.Snapshot()
			fmt.Fprintf(out, "%s count=%d min=%d max=%d p50=%.0f p99=%.0f\n", name, s.Count(), s.Min(), s.Max(), s.Percentile(0.5), s.Percentile(0.99))
		}
	}
}
