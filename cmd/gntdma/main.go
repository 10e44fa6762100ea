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

// Binary gntdma exercises the Xen grant-table bus_dma backend from the
// command line.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/refs"
)

var (
	debug    = flag.Bool("debug", false, "enable debug logging.")
	leakMode = refs.NoLeakChecking
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(Simulate), "")
	subcommands.Register(new(Translate), "")
	flag.Var(&leakMode, "ref-leak-mode", "sets tag reference leak check mode: disabled (default), log-names, log-traces.")

	flag.Parse()
	if *debug {
		log.SetLevel(log.Debug)
	}
	refs.SetLeakMode(leakMode)

	code := subcommands.Execute(context.Background())
	// Every tag is destroyed before a command returns.
	refs.DoLeakCheck()
	os.Exit(int(code))
}

// Errorf logs an error and returns the failure status for a command.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	log.Warningf(format, args...)
	return subcommands.ExitFailure
}
