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
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cenkalti/backoff"
	"github.com/rcrowley/go-metrics"
	"github.com/xenbusdma/xenbusdma/pkg/abi/xen"
	"github.com/xenbusdma/xenbusdma/pkg/busdma"
	"github.com/xenbusdma/xenbusdma/pkg/busdma/direct"
	"github.com/xenbusdma/xenbusdma/pkg/gnttab"
	"github.com/xenbusdma/xenbusdma/pkg/xenbusdma"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

// scenario describes a set of maps that load and unload concurrently against
// one grant table.
type scenario struct {
	// Domain is the domain loads are granted to.
	Domain uint16 `toml:"domain"`

	// MaxSegments is the tag's segment limit.
	MaxSegments int `toml:"max_segments"`

	// GrantEntries is the number of usable grant references.
	GrantEntries uint32 `toml:"grant_entries"`

	// MaxLoads bounds the maps the translator has loaded at once. Zero
	// means no bound.
	MaxLoads int `toml:"max_loads"`

	// LoadRate limits loads per second across all maps. Zero means no
	// limit.
	LoadRate float64 `toml:"load_rate"`

	Maps []mapConfig `toml:"map"`
}

// mapConfig is one map of a scenario.
type mapConfig struct {
	Name string `toml:"name"`

	// Addr is the physical address of the buffer, Pages its length.
	Addr  uint64 `toml:"addr"`
	Pages int    `toml:"pages"`

	// Iterations is the number of load/unload cycles.
	Iterations int `toml:"iterations"`

	ReadOnly bool `toml:"read_only"`
	NoWait   bool `toml:"no_wait"`
	Prealloc bool `toml:"prealloc"`

	// Retries is the number of times a NoWait load that found no free
	// grant references is retried, with exponential backoff.
	Retries int `toml:"retries"`
}

const (
	defaultMaxSegments  = 4
	defaultGrantEntries = 64
)

// loadScenario reads a scenario from a TOML file.
func loadScenario(path string) (*scenario, error) {
	var s scenario
	if _, err := toml.DecodeFile(path, &s); err != nil {
		return nil, fmt.Errorf("decoding scenario %q: %w", path, err)
	}
	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("scenario %q: %w", path, err)
	}
	return &s, nil
}

// validate fills in defaults and rejects scenarios that cannot make progress.
func (s *scenario) validate() error {
	if s.MaxSegments == 0 {
		s.MaxSegments = defaultMaxSegments
	}
	if s.GrantEntries == 0 {
		s.GrantEntries = defaultGrantEntries
	}
	if s.MaxSegments < 0 || s.MaxLoads < 0 || s.LoadRate < 0 {
		return fmt.Errorf("negative limit")
	}
	if len(s.Maps) == 0 {
		return fmt.Errorf("no maps")
	}
	names := make(map[string]bool)
	reserved := 0
	for i := range s.Maps {
		mc := &s.Maps[i]
		if mc.Name == "" {
			mc.Name = fmt.Sprintf("map%d", i)
		}
		if names[mc.Name] {
			return fmt.Errorf("duplicate map %q", mc.Name)
		}
		names[mc.Name] = true
		if mc.Pages <= 0 || mc.Pages > s.MaxSegments {
			return fmt.Errorf("map %q: %d pages, want 1 to %d", mc.Name, mc.Pages, s.MaxSegments)
		}
		if mc.Addr&(hostarch.PageSize-1) != 0 {
			return fmt.Errorf("map %q: address %#x is not page aligned", mc.Name, mc.Addr)
		}
		if mc.Iterations == 0 {
			mc.Iterations = 1
		}
		if mc.Retries < 0 || (mc.Retries > 0 && !mc.NoWait) {
			return fmt.Errorf("map %q: retries only apply to no_wait loads", mc.Name)
		}
		if mc.Prealloc {
			reserved += s.MaxSegments
		}
	}
	// A waiting load must eventually fit next to the preallocated maps.
	if uint32(reserved+s.MaxSegments) > s.GrantEntries {
		return fmt.Errorf("%d grant entries cannot serve %d preallocated references and one full load", s.GrantEntries, reserved)
	}
	return nil
}

// mapStats are the outcomes of one map's loads.
type mapStats struct {
	Name     string
	Loads    int
	Deferred int
	Retries  int
	Failed   int
}

// report is the result of a scenario run.
type report struct {
	Maps     []mapStats
	Table    gnttab.Stats
	Registry metrics.Registry
}

// runner holds what the maps of a scenario share.
type runner struct {
	tag     *xenbusdma.Tag
	limiter *rate.Limiter
	latency metrics.Histogram
	timeout time.Duration
}

// run executes s. Each map runs its load/unload cycles on its own goroutine;
// the run fails if a load does not complete within timeout.
func (s *scenario) run(ctx context.Context, timeout time.Duration) (*report, error) {
	reg := metrics.NewRegistry()
	tbl, err := gnttab.NewTable(gnttab.Config{
		NrEntries: gnttab.NrReservedEntries + s.GrantEntries,
		Registry:  reg,
	})
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	maxSize := uint64(s.MaxSegments) * hostarch.PageSize
	root, err := direct.New(busdma.TagParams{
		MaxSize:    maxSize,
		NSegments:  s.MaxSegments,
		MaxSegSize: hostarch.PageSize,
		Lock:       &mu,
	}, direct.Config{MaxLoads: s.MaxLoads})
	if err != nil {
		return nil, err
	}
	defer root.Destroy()

	tag, err := xenbusdma.NewTag(root, tbl, busdma.TagParams{
		MaxSize:    maxSize,
		NSegments:  s.MaxSegments,
		MaxSegSize: hostarch.PageSize,
		Flags:      busdma.Flags(xen.TagFlags(xen.DomID(s.Domain), 0)),
	})
	if err != nil {
		return nil, err
	}
	defer tag.Destroy()

	r := &runner{
		tag:     tag,
		latency: metrics.GetOrRegisterHistogram("gntdma.load.latency_us", reg, metrics.NewExpDecaySample(1028, 0.015)),
		timeout: timeout,
	}
	if s.LoadRate > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(s.LoadRate), 1)
	}
	rep := &report{
		Maps:     make([]mapStats, len(s.Maps)),
		Registry: reg,
	}
	g, ctx := errgroup.WithContext(ctx)
	for i, mc := range s.Maps {
		st := &rep.Maps[i]
		st.Name = mc.Name
		g.Go(func() error {
			return r.runMap(ctx, mc, st)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	rep.Table = tbl.Stats()
	return rep, nil
}

// runMap runs the load/unload cycles of one map.
func (r *runner) runMap(ctx context.Context, mc mapConfig, st *mapStats) error {
	var mflags uint32
	if mc.Prealloc {
		mflags |= xen.MapPreallocRefs
	}
	m, err := r.tag.CreateMap(busdma.Flags(mflags))
	if err != nil {
		return fmt.Errorf("map %q: %w", mc.Name, err)
	}
	defer r.tag.DestroyMap(m)

	lflags := uint32(busdma.WaitOK)
	if mc.NoWait {
		lflags |= uint32(busdma.NoWait)
	}
	if mc.ReadOnly {
		lflags |= xen.LoadReadOnly
	}
	mem := busdma.Phys{Addr: mc.Addr, Len: uint64(mc.Pages) * hostarch.PageSize}

	for i := 0; i < mc.Iterations; i++ {
		attempts := 0
		op := func() error {
			attempts++
			err := r.load(ctx, m, mem, busdma.Flags(lflags), st)
			if err != nil && !linuxerr.Equals(linuxerr.ENOSPC, err) {
				return backoff.Permanent(err)
			}
			return err
		}
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = time.Millisecond
		b.MaxInterval = 100 * time.Millisecond
		err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(mc.Retries)), ctx))
		st.Retries += attempts - 1
		switch {
		case err == nil:
			st.Loads++
			r.tag.Unload(m)
		case linuxerr.Equals(linuxerr.ENOSPC, err):
			log.Debugf("map %q: load %d: no grant references after %d attempts", mc.Name, i, attempts)
			st.Failed++
		default:
			return fmt.Errorf("map %q: load %d: %w", mc.Name, i, err)
		}
	}
	return nil
}

// load loads mem into m and waits for the result. On success m is left
// loaded.
func (r *runner) load(ctx context.Context, m busdma.Map, mem busdma.Memory, flags busdma.Flags, st *mapStats) error {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	type result struct {
		segs []busdma.Segment
		err  error
	}
	done := make(chan result, 1)
	start := time.Now()
	err := r.tag.Load(m, mem, flags, func(segs []busdma.Segment, err error) {
		done <- result{append([]busdma.Segment(nil), segs...), err}
	})
	if linuxerr.Equals(linuxerr.EINPROGRESS, err) {
		st.Deferred++
	}

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		r.tag.Unload(m)
		return ctx.Err()
	case <-time.After(r.timeout):
		r.tag.Unload(m)
		return fmt.Errorf("load did not complete in %v", r.timeout)
	}
	r.latency.Update(time.Since(start).Microseconds())
	if res.err == nil {
		log.Debugf("map %v bound %v", m, res.segs)
	}
	return res.err
}
