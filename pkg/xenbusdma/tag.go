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

// Package xenbusdma implements busdma.Tag on top of another tag, granting a
// remote Xen domain access to every page that a load maps.
//
// The underlying tag translates buffers into segments. Each segment is then
// bound to a grant reference, and the segment handed to the driver carries
// the reference in place of the bus address. Segments never cross a page, so
// every segment is backed by exactly one frame.
//
// When grant references run out, a load that allows waiting is completed
// later, from a grant table free callback, with the tag's lock held.
package xenbusdma

import (
	"fmt"

	"github.com/xenbusdma/xenbusdma/pkg/abi/xen"
	"github.com/xenbusdma/xenbusdma/pkg/busdma"
	"github.com/xenbusdma/xenbusdma/pkg/gnttab"
	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

// Tag is a busdma.Tag whose loads are granted to a remote domain.
type Tag struct {
	busdma.TagRefs

	// parent is the Xen tag this tag was derived from, if any.
	parent *Tag

	// translator is the tag that translates loads into segments. It is
	// owned by this tag.
	translator busdma.Tag

	alloc  gnttab.Allocator
	domid  xen.DomID
	params busdma.TagParams

	mu sync.Mutex

	// maps is the number of live maps. Protected by mu.
	maps int

	// destroyed is set by Destroy. A destroyed tag creates no maps or
	// children. Protected by mu.
	destroyed bool
}

var _ busdma.Tag = (*Tag)(nil)

// NewTag creates a Xen tag. The target domain is taken from the upper half
// of p.Flags (see xen.TagFlags); the remaining constraints are used to create
// the translator, a child of parent.
//
// The maximum segment size may not exceed a page. The translator's boundary
// is lowered to a page if needed.
func NewTag(parent busdma.Tag, alloc gnttab.Allocator, p busdma.TagParams) (*Tag, error) {
	return newTag(nil, parent, alloc, p)
}

func newTag(xparent *Tag, parent busdma.Tag, alloc gnttab.Allocator, p busdma.TagParams) (*Tag, error) {
	if parent == nil || alloc == nil {
		return nil, linuxerr.EINVAL
	}
	if p.MaxSegSize > hostarch.PageSize {
		log.Warningf("xenbusdma: max segment size %#x exceeds a page", p.MaxSegSize)
		return nil, linuxerr.EINVAL
	}
	domid, generic := xen.DecodeTagFlags(uint32(p.Flags))
	if domid == 0 && xparent != nil {
		domid = xparent.domid
	}

	tp := p
	tp.Flags = busdma.Flags(generic)
	if tp.Boundary == 0 || tp.Boundary > hostarch.PageSize {
		tp.Boundary = hostarch.PageSize
	}
	translator, err := parent.CreateTag(tp)
	if err != nil {
		return nil, err
	}

	params := translator.Params()
	params.Flags = busdma.Flags(xen.TagFlags(domid, generic))
	t := &Tag{
		parent:     xparent,
		translator: translator,
		alloc:      alloc,
		domid:      domid,
		params:     params,
	}
	t.InitRefs()
	log.Debugf("xenbusdma: created tag %p for domain %d, %d segments", t, domid, params.NSegments)
	return t, nil
}

// DomID returns the domain loads are granted to.
func (t *Tag) DomID() xen.DomID {
	return t.domid
}

// Params implements busdma.Tag.Params.
func (t *Tag) Params() busdma.TagParams {
	return t.params
}

// CreateTag implements busdma.Tag.CreateTag. The child's translator is
// derived from t's, and the child grants to t's domain unless p names
// another.
func (t *Tag) CreateTag(p busdma.TagParams) (busdma.Tag, error) {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return nil, linuxerr.EINVAL
	}
	t.IncRef()
	t.mu.Unlock()
	cu := cleanup.Make(t.release)
	defer cu.Clean()

	child, err := newTag(t, t.translator, t.alloc, p)
	if err != nil {
		return nil, err
	}
	cu.Release()
	return child, nil
}

// Destroy implements busdma.Tag.Destroy. It fails with EBUSY while the tag
// has maps, and with EINVAL if the tag was already destroyed.
func (t *Tag) Destroy() error {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return linuxerr.EINVAL
	}
	if t.maps != 0 {
		t.mu.Unlock()
		return linuxerr.EBUSY
	}
	t.destroyed = true
	t.mu.Unlock()

	t.release()
	return nil
}

// addMap accounts for a new map. It fails with EINVAL once t is destroyed.
func (t *Tag) addMap() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return linuxerr.EINVAL
	}
	t.maps++
	return nil
}

func (t *Tag) removeMap() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maps--
}

// release drops a reference on t.
func (t *Tag) release() {
	t.DecRef(func() {
		if err := t.translator.Destroy(); err != nil {
			log.Warningf("xenbusdma: destroying translator of tag %p: %v", t, err)
		}
		if t.parent != nil {
			t.parent.release()
		}
	})
}

// SetDomain implements busdma.Tag.SetDomain.
func (t *Tag) SetDomain(domain int) error {
	return t.translator.SetDomain(domain)
}

// toMap returns the Map behind m, which must have been created by t.
func (t *Tag) toMap(m busdma.Map) *Map {
	xm, ok := m.(*Map)
	if !ok || xm.tag != t {
		panic(fmt.Sprintf("xenbusdma: map %v does not belong to tag %p", m, t))
	}
	return xm
}

// Refs returns a copy of the references bound to m.
func (t *Tag) Refs(m busdma.Map) []xen.GrantRef {
	return t.toMap(m).Refs()
}

// RefsOf returns a copy of the references bound to m, which must be a map
// created by a Xen tag.
func RefsOf(m busdma.Map) []xen.GrantRef {
	xm, ok := m.(*Map)
	if !ok {
		panic(fmt.Sprintf("xenbusdma: %v is not a Xen map", m))
	}
	return xm.Refs()
}

// AllocMem implements busdma.Tag.AllocMem.
func (t *Tag) AllocMem(flags busdma.Flags) ([]byte, busdma.Map, error) {
	if err := t.addMap(); err != nil {
		return nil, nil, err
	}
	buf, tm, err := t.translator.AllocMem(flags)
	if err != nil {
		t.removeMap()
		return nil, nil, err
	}
	return buf, t.newMap(tm), nil
}

// FreeMem implements busdma.Tag.FreeMem.
func (t *Tag) FreeMem(buf []byte, m busdma.Map) {
	xm := t.toMap(m)
	xm.mu.Lock()
	xm.assertEmptyLocked("free memory of")
	xm.mu.Unlock()

	t.translator.FreeMem(buf, xm.tmap)
	t.removeMap()
}

// Sync implements busdma.Tag.Sync.
func (t *Tag) Sync(m busdma.Map, op busdma.SyncOp) {
	t.translator.Sync(t.toMap(m).tmap, op)
}
