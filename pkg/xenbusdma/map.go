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

package xenbusdma

import (
	"fmt"

	"github.com/xenbusdma/xenbusdma/pkg/abi/xen"
	"github.com/xenbusdma/xenbusdma/pkg/busdma"
	"github.com/xenbusdma/xenbusdma/pkg/gnttab"
	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

// State is the load state of a Map.
type State int

const (
	// Idle maps hold no translation and no grants.
	Idle State = iota

	// Translating maps wait for the translator to produce segments.
	Translating

	// AwaitingGrants maps hold segments and wait for free references.
	AwaitingGrants

	// Bound maps have every segment granted.
	Bound
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Translating:
		return "Translating"
	case AwaitingGrants:
		return "AwaitingGrants"
	case Bound:
		return "Bound"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Map is the busdma.Map of a Xen tag.
type Map struct {
	tag *Tag

	// tmap is the translator's map. Immutable.
	tmap busdma.Map

	// prealloc is true if the map claimed its references at creation.
	// Immutable.
	prealloc bool

	mu sync.Mutex

	// state is protected by mu.
	state State

	// refs are the references bound by the current load, one per segment.
	// It is empty unless state is Bound. Protected by mu.
	refs []xen.GrantRef

	// preRefs are the references claimed at creation in prealloc mode.
	// Protected by mu.
	preRefs []xen.GrantRef

	// pending is the load in progress, if any. Protected by mu.
	pending *pendingLoad

	// freeCB is armed while state is AwaitingGrants. It is owned by the
	// allocator while armed.
	freeCB gnttab.FreeCallback
}

func (t *Tag) newMap(tmap busdma.Map) *Map {
	return &Map{
		tag:  t,
		tmap: tmap,
	}
}

// State returns the load state of m.
func (m *Map) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Refs returns a copy of the references bound to m.
func (m *Map) Refs() []xen.GrantRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]xen.GrantRef(nil), m.refs...)
}

// String implements fmt.Stringer.
func (m *Map) String() string {
	return fmt.Sprintf("xenbusdma.Map{%p}", m)
}

// assertEmptyLocked panics if m holds a load.
//
// +checklocks:m.mu
func (m *Map) assertEmptyLocked(op string) {
	if m.state != Idle || len(m.refs) != 0 {
		panic(fmt.Sprintf("xenbusdma: %s map %p in state %v with %d references bound", op, m, m.state, len(m.refs)))
	}
	if m.pending != nil {
		panic(fmt.Sprintf("xenbusdma: %s map %p with a load pending", op, m))
	}
}

// CreateMap implements busdma.Tag.CreateMap. If flags carry
// xen.MapPreallocRefs, the map claims one reference per segment up front and
// loads never wait for the grant table.
func (t *Tag) CreateMap(flags busdma.Flags) (busdma.Map, error) {
	prealloc, generic := xen.DecodeMapFlags(uint32(flags))
	if err := t.addMap(); err != nil {
		return nil, err
	}
	cu := cleanup.Make(t.removeMap)
	defer cu.Clean()

	tmap, err := t.translator.CreateMap(busdma.Flags(generic))
	if err != nil {
		return nil, err
	}
	cu.Add(func() { t.translator.DestroyMap(tmap) })

	xm := t.newMap(tmap)
	if prealloc {
		b, err := t.alloc.AllocBatch(t.params.NSegments)
		if err != nil {
			return nil, err
		}
		xm.prealloc = true
		xm.preRefs = make([]xen.GrantRef, 0, t.params.NSegments)
		for b.Len() > 0 {
			xm.preRefs = append(xm.preRefs, t.alloc.Claim(b))
		}
		log.Debugf("xenbusdma: map %p claimed %d references", xm, len(xm.preRefs))
	}
	cu.Release()
	return xm, nil
}

// DestroyMap implements busdma.Tag.DestroyMap. Destroying a loaded map is a
// fatal error.
func (t *Tag) DestroyMap(m busdma.Map) error {
	xm := t.toMap(m)
	xm.mu.Lock()
	xm.assertEmptyLocked("destroy")
	xm.mu.Unlock()

	// The map stays usable, references included, if the translator refuses.
	if err := t.translator.DestroyMap(xm.tmap); err != nil {
		return err
	}
	if xm.prealloc {
		xm.mu.Lock()
		if err := t.alloc.EndAccessRefs(xm.preRefs); err != nil {
			panic(fmt.Sprintf("xenbusdma: revoking references of map %p: %v", xm, err))
		}
		xm.preRefs = nil
		xm.mu.Unlock()
	}
	t.removeMap()
	return nil
}
