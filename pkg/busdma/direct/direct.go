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

// Package direct implements busdma.Tag for devices that see physical
// addresses directly, with no IOMMU in between.
//
// Loads split the buffer into segments that honor the tag's maximum segment
// size, boundary and segment count. The number of maps loaded at once can be
// bounded; when the bound is reached, loads that allow waiting are queued and
// completed from a deferred context once another map is unloaded.
package direct

import (
	"fmt"

	"github.com/xenbusdma/xenbusdma/pkg/busdma"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

// Config configures a root tag.
type Config struct {
	// AS resolves virtual addresses for busdma.Buffer loads. Buffer loads
	// fail with EINVAL if it is nil.
	AS busdma.AddressSpace

	// MaxLoads bounds the number of maps loaded at once across the root
	// tag and all of its children. Zero means no bound.
	MaxLoads int

	// Schedule runs deferred loads. If nil, each deferred load runs on its
	// own goroutine.
	Schedule func(func())
}

// Stats counts operations across a tree of tags.
type Stats struct {
	Loads    uint64
	Deferred uint64
	Unloads  uint64
	Syncs    uint64
	Failed   uint64
}

// resources is shared by a root tag and its descendants.
type resources struct {
	as       busdma.AddressSpace
	schedule func(func())

	mu sync.Mutex

	// max is the bound on loaded maps, or 0. Immutable.
	max int

	// inUse is the number of loaded maps. Protected by mu.
	inUse int

	// waiters are queued loads in arrival order. Protected by mu.
	waiters []*deferredLoad

	// stats is protected by mu.
	stats Stats
}

// Tag implements busdma.Tag.
type Tag struct {
	busdma.TagRefs

	parent *Tag
	params busdma.TagParams
	res    *resources

	// domain, maps and destroyed are protected by res.mu.
	domain    int
	maps      int
	destroyed bool
}

var _ busdma.Tag = (*Tag)(nil)

// New creates a root tag.
func New(p busdma.TagParams, cfg Config) (*Tag, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxLoads < 0 {
		return nil, linuxerr.EINVAL
	}
	schedule := cfg.Schedule
	if schedule == nil {
		schedule = func(f func()) { go f() }
	}
	t := &Tag{
		params: p,
		res: &resources{
			as:       cfg.AS,
			schedule: schedule,
			max:      cfg.MaxLoads,
		},
	}
	t.InitRefs()
	return t, nil
}

// Params implements busdma.Tag.Params.
func (t *Tag) Params() busdma.TagParams {
	return t.params
}

// CreateTag implements busdma.Tag.CreateTag.
func (t *Tag) CreateTag(p busdma.TagParams) (busdma.Tag, error) {
	p = p.Inherit(t.params)
	if err := p.Validate(); err != nil {
		return nil, err
	}
	t.res.mu.Lock()
	defer t.res.mu.Unlock()
	if t.destroyed {
		return nil, linuxerr.EINVAL
	}
	t.IncRef()
	child := &Tag{
		parent: t,
		params: p,
		res:    t.res,
	}
	child.InitRefs()
	return child, nil
}

// Destroy implements busdma.Tag.Destroy. It fails with EBUSY while the tag
// has maps; a destroyed tag creates no maps or children.
func (t *Tag) Destroy() error {
	t.res.mu.Lock()
	if t.destroyed {
		t.res.mu.Unlock()
		return linuxerr.EINVAL
	}
	if t.maps != 0 {
		t.res.mu.Unlock()
		return linuxerr.EBUSY
	}
	t.destroyed = true
	t.res.mu.Unlock()

	t.release()
	return nil
}

// release drops a reference on t.
func (t *Tag) release() {
	t.DecRef(func() {
		if t.parent != nil {
			t.parent.release()
		}
	})
}

// SetDomain implements busdma.Tag.SetDomain.
func (t *Tag) SetDomain(domain int) error {
	if domain < 0 {
		return linuxerr.EINVAL
	}
	t.res.mu.Lock()
	defer t.res.mu.Unlock()
	t.domain = domain
	return nil
}

// Domain returns the memory domain set by SetDomain.
func (t *Tag) Domain() int {
	t.res.mu.Lock()
	defer t.res.mu.Unlock()
	return t.domain
}

// Stats returns the operation counts of the tag tree.
func (t *Tag) Stats() Stats {
	t.res.mu.Lock()
	defer t.res.mu.Unlock()
	return t.res.stats
}

// dmaMap is the busdma.Map of a direct tag.
type dmaMap struct {
	tag *Tag

	// All fields below are protected by tag.res.mu.

	// loaded is true between a successful load and unload.
	loaded bool

	// pending is the queued load, if any.
	pending *deferredLoad

	// segs is the segment buffer, reused across loads.
	segs []busdma.Segment

	// mem is the memory returned by AllocMem, if any.
	mem []byte
}

func (t *Tag) toMap(m busdma.Map) *dmaMap {
	dm, ok := m.(*dmaMap)
	if !ok || dm.tag != t {
		panic(fmt.Sprintf("direct: map %v does not belong to tag %p", m, t))
	}
	return dm
}

// CreateMap implements busdma.Tag.CreateMap.
func (t *Tag) CreateMap(flags busdma.Flags) (busdma.Map, error) {
	t.res.mu.Lock()
	defer t.res.mu.Unlock()
	if t.destroyed {
		return nil, linuxerr.EINVAL
	}
	t.maps++
	return &dmaMap{
		tag:  t,
		segs: make([]busdma.Segment, 0, t.params.NSegments),
	}, nil
}

// DestroyMap implements busdma.Tag.DestroyMap.
func (t *Tag) DestroyMap(m busdma.Map) error {
	dm := t.toMap(m)
	t.res.mu.Lock()
	defer t.res.mu.Unlock()
	if dm.loaded || dm.pending != nil {
		return linuxerr.EBUSY
	}
	if dm.mem != nil {
		return linuxerr.EINVAL
	}
	t.maps--
	return nil
}

// Load implements busdma.Tag.Load.
func (t *Tag) Load(m busdma.Map, mem busdma.Memory, flags busdma.Flags, cb busdma.Callback) error {
	dm := t.toMap(m)

	t.res.mu.Lock()
	if dm.loaded || dm.pending != nil {
		t.res.mu.Unlock()
		panic(fmt.Sprintf("direct: load of busy map %p", dm))
	}
	if !t.res.acquireLocked() {
		if !flags.CanDefer() {
			t.res.stats.Failed++
			t.res.mu.Unlock()
			cb(nil, linuxerr.ENOMEM)
			return linuxerr.ENOMEM
		}
		dl := &deferredLoad{m: dm, mem: mem, cb: cb}
		dm.pending = dl
		t.res.waiters = append(t.res.waiters, dl)
		t.res.stats.Deferred++
		t.res.mu.Unlock()
		log.Debugf("direct: load of map %p deferred, all %d mappings in use", dm, t.res.max)
		return linuxerr.EINPROGRESS
	}
	segs, err := t.translate(mem, dm.segs[:0])
	if err != nil {
		t.res.stats.Failed++
		t.res.releaseLocked()
		ready := t.res.dequeueLocked()
		t.res.mu.Unlock()
		t.res.run(ready)
		cb(nil, err)
		return err
	}
	dm.segs = segs
	dm.loaded = true
	t.res.stats.Loads++
	t.res.mu.Unlock()

	cb(segs, nil)
	return nil
}

// Unload implements busdma.Tag.Unload.
func (t *Tag) Unload(m busdma.Map) {
	dm := t.toMap(m)

	t.res.mu.Lock()
	switch {
	case dm.pending != nil:
		dl := dm.pending
		dm.pending = nil
		if dl.granted {
			t.res.releaseLocked()
		} else {
			t.res.removeWaiterLocked(dl)
		}
	case dm.loaded:
		dm.loaded = false
		t.res.releaseLocked()
	default:
		t.res.mu.Unlock()
		return
	}
	t.res.stats.Unloads++
	ready := t.res.dequeueLocked()
	t.res.mu.Unlock()

	t.res.run(ready)
}

// Sync implements busdma.Tag.Sync. Memory is cache coherent with devices, so
// there is nothing to flush.
func (t *Tag) Sync(m busdma.Map, op busdma.SyncOp) {
	dm := t.toMap(m)
	t.res.mu.Lock()
	defer t.res.mu.Unlock()
	if !dm.loaded {
		log.Warningf("direct: sync %v of unloaded map %p", op, dm)
	}
	t.res.stats.Syncs++
}
