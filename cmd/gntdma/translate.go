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
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"github.com/xenbusdma/xenbusdma/pkg/abi/xen"
	"github.com/xenbusdma/xenbusdma/pkg/busdma"
	"github.com/xenbusdma/xenbusdma/pkg/busdma/direct"
	"github.com/xenbusdma/xenbusdma/pkg/busdma/pagemap"
	"github.com/xenbusdma/xenbusdma/pkg/gnttab"
	"github.com/xenbusdma/xenbusdma/pkg/xenbusdma"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/sync"
)

// Translate implements subcommands.Command for the "translate" command.
type Translate struct {
	pages    int
	domain   uint
	readOnly bool
}

// Name implements subcommands.Command.Name.
func (*Translate) Name() string {
	return "translate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Translate) Synopsis() string {
	return "grant a locally allocated DMA buffer and show its frames"
}

// Usage implements subcommands.Command.Usage.
func (*Translate) Usage() string {
	return `translate [flags] - allocate DMA memory, load it through a grant table and print the reference of every page

Physical frames are read from /proc/self/pagemap, which requires CAP_SYS_ADMIN.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (t *Translate) SetFlags(f *flag.FlagSet) {
	f.IntVar(&t.pages, "pages", 4, "number of pages to allocate.")
	f.UintVar(&t.domain, "domain", 0, "domain to grant the pages to.")
	f.BoolVar(&t.readOnly, "ro", false, "grant read-only access.")
}

// Execute implements subcommands.Command.Execute.
func (t *Translate) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || t.pages <= 0 || t.domain >= uint(xen.DomIDSelf) {
		f.Usage()
		return subcommands.ExitUsageError
	}

	as, err := pagemap.Open()
	if err != nil {
		return Errorf("%v", err)
	}
	defer as.Close()

	var mu sync.Mutex
	size := uint64(t.pages) * hostarch.PageSize
	root, err := direct.New(busdma.TagParams{
		MaxSize:    size,
		NSegments:  t.pages,
		MaxSegSize: hostarch.PageSize,
		Lock:       &mu,
	}, direct.Config{AS: as})
	if err != nil {
		return Errorf("creating root tag: %v", err)
	}
	defer root.Destroy()

	tbl, err := gnttab.NewTable(gnttab.Config{})
	if err != nil {
		return Errorf("creating grant table: %v", err)
	}
	tag, err := xenbusdma.NewTag(root, tbl, busdma.TagParams{
		MaxSize:    size,
		NSegments:  t.pages,
		MaxSegSize: hostarch.PageSize,
		Flags:      busdma.Flags(xen.TagFlags(xen.DomID(t.domain), 0)),
	})
	if err != nil {
		return Errorf("creating Xen tag: %v", err)
	}
	defer tag.Destroy()

	buf, m, err := tag.AllocMem(busdma.Zero)
	if err != nil {
		return Errorf("allocating %d bytes: %v", size, err)
	}
	defer tag.FreeMem(buf, m)

	var lflags uint32
	if t.readOnly {
		lflags |= xen.LoadReadOnly
	}
	var segs []busdma.Segment
	if err := tag.Load(m, busdma.BufferOf(buf, nil), busdma.Flags(lflags|uint32(busdma.NoWait)), func(s []busdma.Segment, err error) {
		segs = append(segs, s...)
	}); err != nil {
		return Errorf("loading buffer: %v", err)
	}
	defer tag.Unload(m)

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintf(w, "REF\tLEN\tFRAME\tACCESS\n")
	for _, seg := range segs {
		e, ok := tbl.Lookup(xen.GrantRef(seg.Addr))
		if !ok {
			return Errorf("reference %d is not granted", seg.Addr)
		}
		fmt.Fprintf(w, "%d\t%#x\t%v\t%v\n", seg.Addr, seg.Len, e.Frame, e.Flags)
	}
	w.Flush()
	return subcommands.ExitSuccess
}
