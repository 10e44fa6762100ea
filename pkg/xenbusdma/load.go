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
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/log"
)

// pendingLoad is a load between Load and the driver's callback.
type pendingLoad struct {
	m  *Map
	cb busdma.Callback

	// access is applied to every grant of the load.
	access xen.GrantFlags

	// canDefer is true if the load may wait for references.
	canDefer bool

	// The fields below are protected by m.mu.

	// segs is the translated segments, kept while awaiting references.
	segs []busdma.Segment

	// err is the result of a load that did not wait for the translator.
	err error
}

// Load implements busdma.Tag.Load. Grant flags are taken from the upper half
// of flags (see xen.LoadReadOnly); the lower half is passed to the
// translator.
//
// The segments passed to cb carry grant references in Addr. Loading a map
// that is not Idle is a fatal error.
func (t *Tag) Load(m busdma.Map, mem busdma.Memory, flags busdma.Flags, cb busdma.Callback) error {
	xm := t.toMap(m)
	access, generic := xen.DecodeLoadFlags(uint32(flags))
	pl := &pendingLoad{
		m:        xm,
		cb:       cb,
		access:   access,
		canDefer: busdma.Flags(generic).CanDefer(),
	}

	xm.mu.Lock()
	if state := xm.state; state != Idle {
		xm.mu.Unlock()
		panic(fmt.Sprintf("xenbusdma: load of map %p in state %v", xm, state))
	}
	xm.state = Translating
	xm.pending = pl
	xm.mu.Unlock()

	err := t.translator.Load(xm.tmap, mem, busdma.Flags(generic), func(segs []busdma.Segment, err error) {
		t.translated(pl, segs, err)
	})
	if linuxerr.Equals(linuxerr.EINPROGRESS, err) {
		log.Debugf("xenbusdma: translation of map %p deferred", xm)
		return err
	}

	// The translator reported synchronously, so translated already ran.
	xm.mu.Lock()
	defer xm.mu.Unlock()
	return pl.err
}

// translated continues a load once the translator produced segments. It runs
// either from Load or, for deferred translations, from the translator with
// the tag lock held.
func (t *Tag) translated(pl *pendingLoad, segs []busdma.Segment, err error) {
	xm := pl.m
	xm.mu.Lock()
	if xm.pending != pl {
		// Unloaded while the translator was running.
		xm.mu.Unlock()
		return
	}
	if err != nil {
		xm.state = Idle
		xm.pending = nil
		pl.err = err
		xm.mu.Unlock()
		pl.cb(nil, err)
		return
	}

	out, err := t.grantLocked(pl, segs)
	pl.err = err
	xm.mu.Unlock()

	switch {
	case err == nil:
		pl.cb(out, nil)
	case linuxerr.Equals(linuxerr.EINPROGRESS, err):
		// Completed by grantsFreed.
	default:
		pl.cb(nil, err)
	}
}

// grantLocked binds a reference to every segment and returns the rewritten
// segments. If references are exhausted, it either arms the free callback and
// returns EINPROGRESS, or unwinds the translation and returns the allocator's
// error.
//
// +checklocks:pl.m.mu
func (t *Tag) grantLocked(pl *pendingLoad, segs []busdma.Segment) ([]busdma.Segment, error) {
	xm := pl.m
	n := len(segs)
	if n == 0 || n > t.params.NSegments {
		panic(fmt.Sprintf("xenbusdma: translator returned %d segments for map %p, limit %d", n, xm, t.params.NSegments))
	}

	if xm.prealloc {
		return t.bindLocked(pl, segs, xm.preRefs[:n]), nil
	}

	b, err := t.alloc.AllocBatch(n)
	if err != nil {
		if !pl.canDefer {
			log.Debugf("xenbusdma: no references for map %p: %v", xm, err)
			xm.state = Idle
			xm.pending = nil
			t.translator.Unload(xm.tmap)
			return nil, err
		}
		pl.segs = append(make([]busdma.Segment, 0, n), segs...)
		xm.state = AwaitingGrants
		t.alloc.RequestFreeCallback(&xm.freeCB, n, func(b *gnttab.Batch) {
			t.grantsFreed(pl, b)
		})
		log.Debugf("xenbusdma: map %p waiting for %d references", xm, n)
		return nil, linuxerr.EINPROGRESS
	}

	refs := make([]xen.GrantRef, n)
	for i := range refs {
		refs[i] = t.alloc.Claim(b)
	}
	return t.bindLocked(pl, segs, refs), nil
}

// bindLocked grants segs[i] through refs[i], moves the map to Bound and
// returns the rewritten segments.
//
// +checklocks:pl.m.mu
func (t *Tag) bindLocked(pl *pendingLoad, segs []busdma.Segment, refs []xen.GrantRef) []busdma.Segment {
	xm := pl.m
	out := make([]busdma.Segment, len(segs))
	for i, seg := range segs {
		frame := xen.Frame(seg.Addr >> hostarch.PageShift)
		t.alloc.GrantAccess(refs[i], t.domid, frame, pl.access)
		out[i] = busdma.Segment{Addr: uint64(refs[i]), Len: seg.Len}
	}
	xm.refs = append(xm.refs[:0], refs...)
	xm.state = Bound
	xm.pending = nil
	pl.segs = nil
	return out
}

// grantsFreed completes a load that waited for references. b holds as many
// references as the load has segments.
func (t *Tag) grantsFreed(pl *pendingLoad, b *gnttab.Batch) {
	xm := pl.m
	t.params.Lock.Lock()
	defer t.params.Lock.Unlock()

	xm.mu.Lock()
	if xm.pending != pl {
		// Unloaded after the callback left the allocator.
		xm.mu.Unlock()
		log.Debugf("xenbusdma: map %p unloaded while references were delivered", xm)
		t.alloc.ReleaseBatch(b)
		return
	}
	if xm.state != AwaitingGrants {
		panic(fmt.Sprintf("xenbusdma: references delivered to map %p in state %v", xm, xm.state))
	}
	n := len(pl.segs)
	if b.Len() != n {
		panic(fmt.Sprintf("xenbusdma: delivered %d references to map %p, need %d", b.Len(), xm, n))
	}
	refs := make([]xen.GrantRef, n)
	for i := range refs {
		refs[i] = t.alloc.Claim(b)
	}
	out := t.bindLocked(pl, pl.segs, refs)
	xm.mu.Unlock()

	log.Debugf("xenbusdma: deferred load of map %p bound %d references", xm, n)
	pl.cb(out, nil)
}

// Unload implements busdma.Tag.Unload. It cancels a load in progress or
// revokes the references of a bound load, then unloads the translator's map.
// A reference the remote domain still maps cannot be revoked, which is a
// fatal error.
//
// Pre-allocated references are not revoked: they stay granted to the frames
// of the last load, and the remote domain can reach that memory until the
// next load rebinds them or DestroyMap revokes them.
func (t *Tag) Unload(m busdma.Map) {
	xm := t.toMap(m)
	xm.mu.Lock()
	switch xm.state {
	case Idle:
		xm.mu.Unlock()
		return
	case AwaitingGrants:
		if !t.alloc.CancelFreeCallback(&xm.freeCB) {
			log.Debugf("xenbusdma: free callback of map %p already fired", xm)
		}
		xm.pending.segs = nil
	case Bound:
		if xm.pending != nil {
			panic(fmt.Sprintf("xenbusdma: bound map %p still holds a pending load", xm))
		}
		if !xm.prealloc {
			if err := t.alloc.EndAccessRefs(xm.refs); err != nil {
				panic(fmt.Sprintf("xenbusdma: revoking %d references of map %p: %v", len(xm.refs), xm, err))
			}
		}
		xm.refs = xm.refs[:0]
	}
	xm.state = Idle
	xm.pending = nil
	xm.mu.Unlock()

	t.translator.Unload(xm.tmap)
}
