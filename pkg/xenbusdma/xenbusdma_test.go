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
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/xenbusdma/xenbusdma/pkg/abi/xen"
	"github.com/xenbusdma/xenbusdma/pkg/busdma"
	"github.com/xenbusdma/xenbusdma/pkg/busdma/direct"
	"github.com/xenbusdma/xenbusdma/pkg/gnttab"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/sync"
)

// countingLock is a sync.Locker that counts acquisitions.
type countingLock struct {
	mu    sync.Mutex
	locks int
}

func (l *countingLock) Lock() {
	l.mu.Lock()
	l.locks++
}

func (l *countingLock) Unlock() {
	l.mu.Unlock()
}

// queue is a manual scheduler.
type queue struct {
	fns []func()
}

func (q *queue) schedule(f func()) {
	q.fns = append(q.fns, f)
}

func (q *queue) runAll() int {
	n := 0
	for len(q.fns) > 0 {
		f := q.fns[0]
		q.fns = q.fns[1:]
		f()
		n++
	}
	return n
}

// result records a load callback.
type result struct {
	calls int
	segs  []busdma.Segment
	err   error
}

func (r *result) cb(segs []busdma.Segment, err error) {
	r.calls++
	r.segs = append([]busdma.Segment(nil), segs...)
	r.err = err
}

type envConfig struct {
	// free is the number of usable grant references.
	free int

	nsegs    int
	domid    xen.DomID
	maxLoads int
}

// env is a Xen tag on top of a direct root tag and an in-memory grant
// table, with every deferred context driven by hand.
type env struct {
	lock *countingLock

	// translatorQ runs deferred translations, grantQ free callbacks.
	translatorQ queue
	grantQ      queue

	root *direct.Tag
	tbl  *gnttab.Table
	tag  *Tag
}

func newEnv(t *testing.T, cfg envConfig) *env {
	t.Helper()
	e := &env{lock: &countingLock{}}
	var err error
	e.root, err = direct.New(busdma.TagParams{
		MaxSize:    uint64(cfg.nsegs) * hostarch.PageSize,
		NSegments:  cfg.nsegs,
		MaxSegSize: hostarch.PageSize,
		Lock:       e.lock,
	}, direct.Config{MaxLoads: cfg.maxLoads, Schedule: e.translatorQ.schedule})
	if err != nil {
		t.Fatalf("direct.New failed: %v", err)
	}
	e.tbl, err = gnttab.NewTable(gnttab.Config{
		NrEntries: uint32(gnttab.NrReservedEntries + cfg.free),
		Schedule:  e.grantQ.schedule,
	})
	if err != nil {
		t.Fatalf("gnttab.NewTable failed: %v", err)
	}
	e.tag, err = NewTag(e.root, e.tbl, busdma.TagParams{
		MaxSize:    uint64(cfg.nsegs) * hostarch.PageSize,
		NSegments:  cfg.nsegs,
		MaxSegSize: hostarch.PageSize,
		Flags:      busdma.Flags(xen.TagFlags(cfg.domid, 0)),
	})
	if err != nil {
		t.Fatalf("NewTag failed: %v", err)
	}
	return e
}

func (e *env) createMap(t *testing.T, flags uint32) *Map {
	t.Helper()
	m, err := e.tag.CreateMap(busdma.Flags(flags))
	if err != nil {
		t.Fatalf("CreateMap(%#x) failed: %v", flags, err)
	}
	return m.(*Map)
}

// pages describes n physically contiguous pages at addr.
func pages(addr uint64, n int) busdma.Phys {
	return busdma.Phys{Addr: addr, Len: uint64(n) * hostarch.PageSize}
}

// checkBound verifies that segs carry the references bound to m and that
// every reference grants the page of the matching frame.
func (e *env) checkBound(t *testing.T, m *Map, segs []busdma.Segment, frames []xen.Frame, want gnttab.Entry) {
	t.Helper()
	if got := m.State(); got != Bound {
		t.Errorf("state = %v, want Bound", got)
	}
	refs := m.Refs()
	if len(refs) != len(frames) || len(segs) != len(frames) {
		t.Fatalf("got %d refs and %d segments, want %d", len(refs), len(segs), len(frames))
	}
	seen := make(map[xen.GrantRef]bool)
	for i, ref := range refs {
		if seen[ref] {
			t.Errorf("reference %d bound twice", ref)
		}
		seen[ref] = true
		if segs[i].Addr != uint64(ref) {
			t.Errorf("segment %d addr = %#x, want reference %d", i, segs[i].Addr, ref)
		}
		got, ok := e.tbl.Lookup(ref)
		if !ok {
			t.Errorf("reference %d is not granted", ref)
			continue
		}
		w := want
		w.Frame = frames[i]
		if diff := cmp.Diff(w, got); diff != "" {
			t.Errorf("reference %d entry mismatch (-want +got):\n%s", ref, diff)
		}
	}
}

func rw(domid xen.DomID) gnttab.Entry {
	return gnttab.Entry{DomID: domid, Flags: xen.GTFPermitAccess}
}

func TestNewTag(t *testing.T) {
	e := newEnv(t, envConfig{free: 4, nsegs: 4, domid: 7})
	if got := e.tag.DomID(); got != 7 {
		t.Errorf("DomID = %d, want 7", got)
	}
	p := e.tag.Params()
	if p.Boundary != hostarch.PageSize {
		t.Errorf("Boundary = %#x, want a page", p.Boundary)
	}
	if dom, generic := xen.DecodeTagFlags(uint32(p.Flags)); dom != 7 || generic != 0 {
		t.Errorf("Params().Flags decode to (%d, %#x), want (7, 0)", dom, generic)
	}
	if got := e.tag.translator.Params().Flags; got != 0 {
		t.Errorf("translator flags = %#x, want domain masked out", got)
	}
	if got := e.root.ReadRefs(); got != 2 {
		t.Errorf("root refs = %d, want 2", got)
	}

	_, err := NewTag(e.root, e.tbl, busdma.TagParams{
		MaxSize:    2 * hostarch.PageSize,
		NSegments:  1,
		MaxSegSize: 2 * hostarch.PageSize,
	})
	if err != linuxerr.EINVAL {
		t.Errorf("NewTag with segments larger than a page = %v, want EINVAL", err)
	}
	if _, err := NewTag(e.root, nil, busdma.TagParams{}); err != linuxerr.EINVAL {
		t.Errorf("NewTag without allocator = %v, want EINVAL", err)
	}
}

func TestTagTree(t *testing.T) {
	e := newEnv(t, envConfig{free: 4, nsegs: 4, domid: 7})
	child, err := e.tag.CreateTag(busdma.TagParams{
		MaxSize:    hostarch.PageSize,
		NSegments:  1,
		MaxSegSize: 0x800,
	})
	if err != nil {
		t.Fatalf("CreateTag failed: %v", err)
	}
	xc := child.(*Tag)
	if got := xc.DomID(); got != 7 {
		t.Errorf("child DomID = %d, want inherited 7", got)
	}
	other, err := e.tag.CreateTag(busdma.TagParams{
		MaxSize:    hostarch.PageSize,
		NSegments:  1,
		MaxSegSize: hostarch.PageSize,
		Flags:      busdma.Flags(xen.TagFlags(9, 0)),
	})
	if err != nil {
		t.Fatalf("CreateTag failed: %v", err)
	}
	if got := other.(*Tag).DomID(); got != 9 {
		t.Errorf("child DomID = %d, want 9", got)
	}
	if got := e.tag.ReadRefs(); got != 3 {
		t.Errorf("tag refs = %d, want 3", got)
	}

	// A child's loads are granted to the inherited domain.
	m, err := child.CreateMap(0)
	if err != nil {
		t.Fatalf("CreateMap failed: %v", err)
	}
	var r result
	if err := child.Load(m, busdma.Phys{Addr: 0x10000, Len: 0x800}, 0, r.cb); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	e.checkBound(t, m.(*Map), r.segs, []xen.Frame{0x10}, rw(7))
	if err := child.Destroy(); err != linuxerr.EBUSY {
		t.Errorf("Destroy with a live map = %v, want EBUSY", err)
	}
	child.Unload(m)
	if err := child.DestroyMap(m); err != nil {
		t.Fatalf("DestroyMap failed: %v", err)
	}

	for _, tag := range []busdma.Tag{child, other} {
		if err := tag.Destroy(); err != nil {
			t.Fatalf("Destroy failed: %v", err)
		}
	}
	if got := e.tag.ReadRefs(); got != 1 {
		t.Errorf("tag refs = %d after children destroyed, want 1", got)
	}
	if err := e.tag.Destroy(); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if got := e.root.ReadRefs(); got != 1 {
		t.Errorf("root refs = %d after tag destroyed, want 1", got)
	}
}

func TestLoadUnload(t *testing.T) {
	e := newEnv(t, envConfig{free: 8, nsegs: 4, domid: 7})
	m := e.createMap(t, 0)

	var r result
	if err := e.tag.Load(m, pages(0x10000, 3), busdma.WaitOK, r.cb); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if r.calls != 1 || r.err != nil {
		t.Fatalf("callback = (%d calls, %v), want one successful call", r.calls, r.err)
	}
	for i, seg := range r.segs {
		if seg.Len != hostarch.PageSize {
			t.Errorf("segment %d len = %#x, want a page", i, seg.Len)
		}
	}
	e.checkBound(t, m, r.segs, []xen.Frame{0x10, 0x11, 0x12}, rw(7))
	first := m.Refs()
	if diff := cmp.Diff(first, e.tag.Refs(m)); diff != "" {
		t.Errorf("Tag.Refs mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(first, RefsOf(m)); diff != "" {
		t.Errorf("RefsOf mismatch (-want +got):\n%s", diff)
	}

	e.tag.Unload(m)
	if got := m.State(); got != Idle {
		t.Errorf("state after unload = %v, want Idle", got)
	}
	if refs := m.Refs(); len(refs) != 0 {
		t.Errorf("refs after unload = %v, want none", refs)
	}
	for _, ref := range first {
		if _, ok := e.tbl.Lookup(ref); ok {
			t.Errorf("reference %d still granted after unload", ref)
		}
	}
	want := gnttab.Stats{Total: 8, Free: 8}
	if diff := cmp.Diff(want, e.tbl.Stats()); diff != "" {
		t.Errorf("table stats mismatch (-want +got):\n%s", diff)
	}
	if got := e.root.Stats().Unloads; got != 1 {
		t.Errorf("translator unloads = %d, want 1", got)
	}

	// Reload gets references that were not used by the previous load.
	var r2 result
	if err := e.tag.Load(m, pages(0x20000, 2), 0, r2.cb); err != nil {
		t.Fatalf("second Load failed: %v", err)
	}
	e.checkBound(t, m, r2.segs, []xen.Frame{0x20, 0x21}, rw(7))
	for _, ref := range m.Refs() {
		for _, old := range first {
			if ref == old {
				t.Errorf("reference %d reused by reload", ref)
			}
		}
	}
	e.tag.Unload(m)

	// Unloading an idle map does nothing.
	e.tag.Unload(m)
	if got := e.root.Stats().Unloads; got != 2 {
		t.Errorf("translator unloads = %d, want 2", got)
	}
	if err := e.tag.DestroyMap(m); err != nil {
		t.Errorf("DestroyMap failed: %v", err)
	}
}

func TestLoadReadOnly(t *testing.T) {
	e := newEnv(t, envConfig{free: 4, nsegs: 4, domid: 3})
	m := e.createMap(t, 0)
	var r result
	if err := e.tag.Load(m, pages(0x40000, 2), busdma.Flags(xen.LoadReadOnly), r.cb); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	e.checkBound(t, m, r.segs, []xen.Frame{0x40, 0x41}, gnttab.Entry{
		DomID: 3,
		Flags: xen.GTFPermitAccess | xen.GTFReadOnly,
	})
	e.tag.Unload(m)

	// Access flags do not stick to the map.
	if err := e.tag.Load(m, pages(0x40000, 1), 0, r.cb); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	e.checkBound(t, m, r.segs, []xen.Frame{0x40}, rw(3))
}

func TestLoadUnalignedBuffer(t *testing.T) {
	e := newEnv(t, envConfig{free: 4, nsegs: 4, domid: 1})
	m := e.createMap(t, 0)
	var r result
	if err := e.tag.Load(m, busdma.Phys{Addr: 0x10800, Len: hostarch.PageSize}, 0, r.cb); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	// The buffer straddles two frames.
	e.checkBound(t, m, r.segs, []xen.Frame{0x10, 0x11}, rw(1))
	for i, seg := range r.segs {
		if seg.Len != 0x800 {
			t.Errorf("segment %d len = %#x, want 0x800", i, seg.Len)
		}
	}
}

func TestLoadTranslationError(t *testing.T) {
	e := newEnv(t, envConfig{free: 4, nsegs: 2, domid: 1})
	m := e.createMap(t, 0)
	var r result
	err := e.tag.Load(m, pages(0x10000, 3), 0, r.cb)
	if err != linuxerr.EINVAL {
		t.Fatalf("Load larger than MaxSize = %v, want EINVAL", err)
	}
	if r.calls != 1 || r.err != linuxerr.EINVAL {
		t.Errorf("callback = (%d calls, %v), want one call with EINVAL", r.calls, r.err)
	}
	if got := m.State(); got != Idle {
		t.Errorf("state = %v, want Idle", got)
	}
	if got := e.tbl.Stats().Free; got != 4 {
		t.Errorf("free references = %d, want 4", got)
	}
}

func TestLoadNoWaitExhausted(t *testing.T) {
	e := newEnv(t, envConfig{free: 2, nsegs: 4, domid: 7})
	m := e.createMap(t, 0)

	var r result
	err := e.tag.Load(m, pages(0x10000, 3), busdma.NoWait, r.cb)
	if err != linuxerr.ENOSPC {
		t.Fatalf("Load = %v, want ENOSPC", err)
	}
	if r.calls != 1 || r.err != linuxerr.ENOSPC || r.segs != nil {
		t.Errorf("callback = (%d calls, %v, %v), want one call with ENOSPC", r.calls, r.segs, r.err)
	}
	if got := m.State(); got != Idle {
		t.Errorf("state = %v, want Idle", got)
	}
	if refs := m.Refs(); len(refs) != 0 {
		t.Errorf("refs = %v, want none", refs)
	}
	if got := e.root.Stats().Unloads; got != 1 {
		t.Errorf("translator unloads = %d, want the translation unwound", got)
	}
	want := gnttab.Stats{Total: 2, Free: 2}
	if diff := cmp.Diff(want, e.tbl.Stats()); diff != "" {
		t.Errorf("table stats mismatch (-want +got):\n%s", diff)
	}
	if n := e.grantQ.runAll(); n != 0 {
		t.Errorf("ran %d free callbacks, want none", n)
	}

	// The map is usable again.
	if err := e.tag.Load(m, pages(0x10000, 2), busdma.NoWait, r.cb); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	e.checkBound(t, m, r.segs, []xen.Frame{0x10, 0x11}, rw(7))
}

func TestLoadDeferredGrants(t *testing.T) {
	e := newEnv(t, envConfig{free: 4, nsegs: 4, domid: 7})

	// Leave one free reference.
	hog := e.createMap(t, 0)
	var hr result
	if err := e.tag.Load(hog, pages(0x90000, 3), 0, hr.cb); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	m := e.createMap(t, 0)
	var r result
	if err := e.tag.Load(m, pages(0x50000, 3), busdma.WaitOK, r.cb); err != linuxerr.EINPROGRESS {
		t.Fatalf("Load = %v, want EINPROGRESS", err)
	}
	if r.calls != 0 {
		t.Fatalf("callback ran %d times before references were free", r.calls)
	}
	if got := m.State(); got != AwaitingGrants {
		t.Errorf("state = %v, want AwaitingGrants", got)
	}
	if refs := m.Refs(); len(refs) != 0 {
		t.Errorf("refs while awaiting grants = %v, want none", refs)
	}

	// Another map completes a load in between.
	other := e.createMap(t, 0)
	var or result
	if err := e.tag.Load(other, pages(0x80000, 1), 0, or.cb); err != nil {
		t.Fatalf("Load of other map failed: %v", err)
	}
	e.checkBound(t, other, or.segs, []xen.Frame{0x80}, rw(7))
	e.tag.Unload(other)
	if n := e.grantQ.runAll(); n != 0 || r.calls != 0 {
		t.Fatalf("free callback fired with too few references")
	}

	e.tag.Unload(hog)
	locks := e.lock.locks
	if n := e.grantQ.runAll(); n != 1 {
		t.Fatalf("ran %d free callbacks, want 1", n)
	}
	if r.calls != 1 || r.err != nil {
		t.Fatalf("callback = (%d calls, %v), want one successful call", r.calls, r.err)
	}
	if e.lock.locks != locks+1 {
		t.Errorf("deferred callback took the tag lock %d times, want 1", e.lock.locks-locks)
	}
	e.checkBound(t, m, r.segs, []xen.Frame{0x50, 0x51, 0x52}, rw(7))

	e.tag.Unload(m)
	want := gnttab.Stats{Total: 4, Free: 4}
	if diff := cmp.Diff(want, e.tbl.Stats()); diff != "" {
		t.Errorf("table stats mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadDeferredTranslation(t *testing.T) {
	e := newEnv(t, envConfig{free: 4, nsegs: 4, domid: 2, maxLoads: 1})

	busy := e.createMap(t, 0)
	var br result
	if err := e.tag.Load(busy, pages(0x10000, 1), 0, br.cb); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	m := e.createMap(t, 0)
	var r result
	if err := e.tag.Load(m, pages(0x20000, 2), 0, r.cb); err != linuxerr.EINPROGRESS {
		t.Fatalf("Load = %v, want EINPROGRESS", err)
	}
	if got := m.State(); got != Translating {
		t.Errorf("state = %v, want Translating", got)
	}

	e.tag.Unload(busy)
	if n := e.translatorQ.runAll(); n != 1 {
		t.Fatalf("ran %d deferred translations, want 1", n)
	}
	if r.calls != 1 || r.err != nil {
		t.Fatalf("callback = (%d calls, %v), want one successful call", r.calls, r.err)
	}
	e.checkBound(t, m, r.segs, []xen.Frame{0x20, 0x21}, rw(2))
}

func TestLoadDeferredTranslationThenGrants(t *testing.T) {
	e := newEnv(t, envConfig{free: 2, nsegs: 4, domid: 2, maxLoads: 1})

	busy := e.createMap(t, 0)
	var br result
	if err := e.tag.Load(busy, pages(0x10000, 2), 0, br.cb); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	m := e.createMap(t, 0)
	var r result
	if err := e.tag.Load(m, pages(0x30000, 2), 0, r.cb); err != linuxerr.EINPROGRESS {
		t.Fatalf("Load = %v, want EINPROGRESS", err)
	}

	// Unloading busy returns its references before its translator slot,
	// so the deferred translation finds enough references free.
	e.tag.Unload(busy)
	if n := e.translatorQ.runAll(); n != 1 {
		t.Fatalf("ran %d deferred translations, want 1", n)
	}
	if r.calls != 1 || r.err != nil {
		t.Fatalf("callback = (%d calls, %v), want one successful call", r.calls, r.err)
	}
	if n := e.grantQ.runAll(); n != 0 {
		t.Errorf("ran %d free callbacks, want none", n)
	}
	e.checkBound(t, m, r.segs, []xen.Frame{0x30, 0x31}, rw(2))
}

func TestUnloadWhileAwaitingGrants(t *testing.T) {
	e := newEnv(t, envConfig{free: 2, nsegs: 4, domid: 7})
	hog := e.createMap(t, 0)
	var hr result
	if err := e.tag.Load(hog, pages(0x10000, 2), 0, hr.cb); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	m := e.createMap(t, 0)
	var r result
	if err := e.tag.Load(m, pages(0x50000, 2), 0, r.cb); err != linuxerr.EINPROGRESS {
		t.Fatalf("Load = %v, want EINPROGRESS", err)
	}
	e.tag.Unload(m)
	if got := m.State(); got != Idle {
		t.Errorf("state = %v, want Idle", got)
	}
	if got := e.tbl.Stats().Callbacks; got != 0 {
		t.Errorf("armed callbacks = %d after unload, want 0", got)
	}

	e.tag.Unload(hog)
	if n := e.grantQ.runAll(); n != 0 || r.calls != 0 {
		t.Errorf("cancelled load completed: %d callbacks, %d calls", n, r.calls)
	}
	want := gnttab.Stats{Total: 2, Free: 2}
	if diff := cmp.Diff(want, e.tbl.Stats()); diff != "" {
		t.Errorf("table stats mismatch (-want +got):\n%s", diff)
	}
	if err := e.tag.DestroyMap(m); err != nil {
		t.Errorf("DestroyMap failed: %v", err)
	}
}

func TestUnloadRacesFreeCallback(t *testing.T) {
	e := newEnv(t, envConfig{free: 2, nsegs: 4, domid: 7})
	hog := e.createMap(t, 0)
	var hr result
	if err := e.tag.Load(hog, pages(0x10000, 2), 0, hr.cb); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	m := e.createMap(t, 0)
	var r result
	if err := e.tag.Load(m, pages(0x50000, 2), 0, r.cb); err != linuxerr.EINPROGRESS {
		t.Fatalf("Load = %v, want EINPROGRESS", err)
	}

	// The callback leaves the table with its batch, then the map is
	// unloaded before it runs.
	e.tag.Unload(hog)
	if got := e.tbl.Stats().Free; got != 0 {
		t.Fatalf("free references = %d, want the batch reserved", got)
	}
	e.tag.Unload(m)
	if n := e.grantQ.runAll(); n != 1 {
		t.Fatalf("ran %d free callbacks, want 1", n)
	}
	if r.calls != 0 {
		t.Errorf("stale callback completed the load")
	}
	if got := m.State(); got != Idle {
		t.Errorf("state = %v, want Idle", got)
	}
	want := gnttab.Stats{Total: 2, Free: 2}
	if diff := cmp.Diff(want, e.tbl.Stats()); diff != "" {
		t.Errorf("table stats mismatch (-want +got):\n%s", diff)
	}

	// A new load on the map is not confused by the stale delivery.
	if err := e.tag.Load(m, pages(0x60000, 1), 0, r.cb); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	e.checkBound(t, m, r.segs, []xen.Frame{0x60}, rw(7))
}

func TestUnloadCancelsDeferredTranslation(t *testing.T) {
	e := newEnv(t, envConfig{free: 4, nsegs: 4, domid: 7, maxLoads: 1})
	busy := e.createMap(t, 0)
	var br result
	if err := e.tag.Load(busy, pages(0x10000, 1), 0, br.cb); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	m := e.createMap(t, 0)
	var r result
	if err := e.tag.Load(m, pages(0x20000, 1), 0, r.cb); err != linuxerr.EINPROGRESS {
		t.Fatalf("Load = %v, want EINPROGRESS", err)
	}
	e.tag.Unload(m)
	e.tag.Unload(busy)
	e.translatorQ.runAll()
	if r.calls != 0 {
		t.Errorf("cancelled load completed")
	}
	if got := e.tbl.Stats().Free; got != 4 {
		t.Errorf("free references = %d, want 4", got)
	}
}

func TestUnloadMappedReferencePanics(t *testing.T) {
	e := newEnv(t, envConfig{free: 2, nsegs: 2, domid: 7})
	m := e.createMap(t, 0)
	var r result
	if err := e.tag.Load(m, pages(0x10000, 1), 0, r.cb); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	ref := m.Refs()[0]
	if _, _, err := e.tbl.MapForeign(ref, 7); err != nil {
		t.Fatalf("MapForeign failed: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Errorf("unload of a reference mapped by the peer did not panic")
		}
	}()
	e.tag.Unload(m)
}

func TestDoubleLoadPanics(t *testing.T) {
	e := newEnv(t, envConfig{free: 2, nsegs: 2, domid: 7})
	m := e.createMap(t, 0)
	var r result
	if err := e.tag.Load(m, pages(0x10000, 1), 0, r.cb); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("load of a bound map did not panic")
		}
		if msg, _ := r.(string); !strings.Contains(msg, "in state Bound") {
			t.Errorf("panic = %q, want the map's state", msg)
		}
	}()
	e.tag.Load(m, pages(0x20000, 1), 0, r.cb)
}

func TestDestroyLoadedMapPanics(t *testing.T) {
	e := newEnv(t, envConfig{free: 2, nsegs: 2, domid: 7})
	m := e.createMap(t, 0)
	var r result
	if err := e.tag.Load(m, pages(0x10000, 1), 0, r.cb); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Errorf("destroy of a bound map did not panic")
		}
	}()
	e.tag.DestroyMap(m)
}

func TestForeignMapPanics(t *testing.T) {
	e := newEnv(t, envConfig{free: 2, nsegs: 2, domid: 7})
	other := newEnv(t, envConfig{free: 2, nsegs: 2, domid: 7})
	m := other.createMap(t, 0)
	defer func() {
		if recover() == nil {
			t.Errorf("load of another tag's map did not panic")
		}
	}()
	e.tag.Load(m, pages(0x10000, 1), 0, func([]busdma.Segment, error) {})
}

func TestPrealloc(t *testing.T) {
	e := newEnv(t, envConfig{free: 6, nsegs: 4, domid: 5})
	m := e.createMap(t, xen.MapPreallocRefs)
	if got := e.tbl.Stats().Free; got != 2 {
		t.Fatalf("free references = %d after prealloc, want 2", got)
	}
	pre := append([]xen.GrantRef(nil), m.preRefs...)

	var r result
	if err := e.tag.Load(m, pages(0x10000, 2), busdma.NoWait, r.cb); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	e.checkBound(t, m, r.segs, []xen.Frame{0x10, 0x11}, rw(5))
	if diff := cmp.Diff(pre[:2], m.Refs()); diff != "" {
		t.Errorf("bound refs are not the preallocated ones (-want +got):\n%s", diff)
	}
	if got := e.tbl.Stats().Free; got != 2 {
		t.Errorf("free references = %d after load, want 2", got)
	}

	// Unload keeps the references.
	e.tag.Unload(m)
	if s := e.tbl.Stats(); s.Free != 2 {
		t.Errorf("free references = %d after unload, want 2", s.Free)
	}
	if refs := m.Refs(); len(refs) != 0 {
		t.Errorf("refs after unload = %v, want none", refs)
	}
	// They stay granted to the last load's frames until the next load.
	for i, frame := range []xen.Frame{0x10, 0x11} {
		got, ok := e.tbl.Lookup(pre[i])
		want := rw(5)
		want.Frame = frame
		if !ok {
			t.Errorf("reference %d revoked by unload", pre[i])
		} else if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("reference %d entry mismatch (-want +got):\n%s", pre[i], diff)
		}
	}

	// Loads never wait on the table, even when it is empty.
	b, err := e.tbl.AllocBatch(2)
	if err != nil {
		t.Fatalf("AllocBatch failed: %v", err)
	}
	if err := e.tag.Load(m, pages(0x20000, 4), busdma.NoWait, r.cb); err != nil {
		t.Fatalf("Load with empty table failed: %v", err)
	}
	e.checkBound(t, m, r.segs, []xen.Frame{0x20, 0x21, 0x22, 0x23}, rw(5))
	e.tag.Unload(m)
	e.tbl.ReleaseBatch(b)

	if err := e.tag.DestroyMap(m); err != nil {
		t.Fatalf("DestroyMap failed: %v", err)
	}
	want := gnttab.Stats{Total: 6, Free: 6}
	if diff := cmp.Diff(want, e.tbl.Stats()); diff != "" {
		t.Errorf("table stats mismatch (-want +got):\n%s", diff)
	}
}

func TestPreallocExhausted(t *testing.T) {
	e := newEnv(t, envConfig{free: 3, nsegs: 4, domid: 5})
	if _, err := e.tag.CreateMap(busdma.Flags(xen.MapPreallocRefs)); err != linuxerr.ENOSPC {
		t.Fatalf("CreateMap = %v, want ENOSPC", err)
	}
	// The translator map was destroyed with it.
	if err := e.tag.Destroy(); err != nil {
		t.Errorf("Destroy failed: %v", err)
	}
}

func TestDestroyMapTranslatorBusy(t *testing.T) {
	e := newEnv(t, envConfig{free: 6, nsegs: 4, domid: 5})
	m := e.createMap(t, xen.MapPreallocRefs)

	// A translator map that is still loaded cannot be destroyed.
	if err := e.tag.translator.Load(m.tmap, pages(0x10000, 1), busdma.NoWait, func([]busdma.Segment, error) {}); err != nil {
		t.Fatalf("translator Load failed: %v", err)
	}
	if err := e.tag.DestroyMap(m); err != linuxerr.EBUSY {
		t.Fatalf("DestroyMap = %v, want EBUSY", err)
	}
	if got := e.tbl.Stats().Free; got != 2 {
		t.Errorf("free references = %d after failed destroy, want 2", got)
	}
	e.tag.translator.Unload(m.tmap)

	// The map keeps its references and still loads.
	var r result
	if err := e.tag.Load(m, pages(0x20000, 2), busdma.NoWait, r.cb); err != nil {
		t.Fatalf("Load after failed destroy failed: %v", err)
	}
	e.checkBound(t, m, r.segs, []xen.Frame{0x20, 0x21}, rw(5))
	e.tag.Unload(m)

	if err := e.tag.DestroyMap(m); err != nil {
		t.Fatalf("DestroyMap failed: %v", err)
	}
	if got := e.tbl.Stats().Free; got != 6 {
		t.Errorf("free references = %d after destroy, want 6", got)
	}
	if err := e.tag.Destroy(); err != nil {
		t.Errorf("Destroy failed: %v", err)
	}
}

func TestDestroyedTag(t *testing.T) {
	e := newEnv(t, envConfig{free: 2, nsegs: 2, domid: 7})
	if err := e.tag.Destroy(); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if _, err := e.tag.CreateMap(0); err != linuxerr.EINVAL {
		t.Errorf("CreateMap after Destroy = %v, want EINVAL", err)
	}
	if _, _, err := e.tag.AllocMem(0); err != linuxerr.EINVAL {
		t.Errorf("AllocMem after Destroy = %v, want EINVAL", err)
	}
	if _, err := e.tag.CreateTag(busdma.TagParams{
		MaxSize:    hostarch.PageSize,
		NSegments:  1,
		MaxSegSize: hostarch.PageSize,
	}); err != linuxerr.EINVAL {
		t.Errorf("CreateTag after Destroy = %v, want EINVAL", err)
	}
	if err := e.tag.Destroy(); err != linuxerr.EINVAL {
		t.Errorf("second Destroy = %v, want EINVAL", err)
	}
	if got := e.root.ReadRefs(); got != 1 {
		t.Errorf("root refs = %d, want 1", got)
	}
}

func TestSync(t *testing.T) {
	e := newEnv(t, envConfig{free: 2, nsegs: 2, domid: 7})
	m := e.createMap(t, 0)
	var r result
	if err := e.tag.Load(m, pages(0x10000, 1), 0, r.cb); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	e.tag.Sync(m, busdma.SyncPreWrite)
	e.tag.Sync(m, busdma.SyncPostWrite)
	if got := e.root.Stats().Syncs; got != 2 {
		t.Errorf("translator syncs = %d, want 2", got)
	}
}

func TestSetDomain(t *testing.T) {
	e := newEnv(t, envConfig{free: 2, nsegs: 2, domid: 7})
	if err := e.tag.SetDomain(1); err != nil {
		t.Fatalf("SetDomain failed: %v", err)
	}
	if got := e.tag.translator.(*direct.Tag).Domain(); got != 1 {
		t.Errorf("translator domain = %d, want 1", got)
	}
	if err := e.tag.SetDomain(-1); err != linuxerr.EINVAL {
		t.Errorf("SetDomain(-1) = %v, want EINVAL", err)
	}
}

func TestAllocMem(t *testing.T) {
	e := newEnv(t, envConfig{free: 2, nsegs: 2, domid: 7})
	buf, m, err := e.tag.AllocMem(busdma.Zero)
	if err != nil {
		t.Fatalf("AllocMem failed: %v", err)
	}
	if got := uint64(len(buf)); got != 2*hostarch.PageSize {
		t.Errorf("len(buf) = %#x, want two pages", got)
	}
	if err := e.tag.Destroy(); err != linuxerr.EBUSY {
		t.Errorf("Destroy with allocated memory = %v, want EBUSY", err)
	}
	e.tag.FreeMem(buf, m)
	if err := e.tag.Destroy(); err != nil {
		t.Errorf("Destroy failed: %v", err)
	}
}
