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

package gnttab

import (
	"fmt"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/xenbusdma/xenbusdma/pkg/abi/xen"
	"gvisor.dev/gvisor/pkg/bitmap"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

const (
	// NrReservedEntries is the number of references at the start of the
	// table that are reserved for the toolstack and never allocated.
	NrReservedEntries = 8

	// DefaultNrEntries is the size of a table of four v1 grant frames.
	DefaultNrEntries = 4 * 512
)

// exhaustedLog limits warnings about an exhausted pool.
var exhaustedLog = log.BasicRateLimitedLogger(time.Second)

// Config configures a Table.
type Config struct {
	// NrEntries is the total number of entries, including the reserved
	// ones. Zero means DefaultNrEntries.
	NrEntries uint32

	// Schedule runs free callbacks. If nil, each callback runs on its own
	// goroutine.
	Schedule func(func())

	// Registry receives the table's metrics. If nil, a private registry is
	// used.
	Registry metrics.Registry
}

// Entry is a view of one grant table entry.
type Entry struct {
	DomID  xen.DomID
	Frame  xen.Frame
	Flags  xen.GrantFlags
	Mapped int
}

// Stats is a snapshot of a Table.
type Stats struct {
	Total     int
	Free      int
	Granted   int
	Mapped    int
	Callbacks int
}

// entry is the state of one reference.
type entry struct {
	Entry

	// allocated is true while the reference is outside the free pool.
	allocated bool

	// granted is true while the reference is bound.
	granted bool
}

// Table is an in-memory grant table.
type Table struct {
	schedule func(func())
	registry metrics.Registry

	mAlloc     metrics.Counter
	mBusy      metrics.Counter
	mFree      metrics.Counter
	mCallbacks metrics.Counter
	mFreeRefs  metrics.Gauge

	mu sync.Mutex

	// entries is indexed by reference. Protected by mu.
	entries []entry

	// free has a bit set for every free reference. Protected by mu.
	free bitmap.Bitmap

	// next is where the search for a free reference starts, so that freed
	// references are reused last. Protected by mu.
	next uint32

	// callbacks are armed callbacks in arrival order. Protected by mu.
	callbacks []*FreeCallback
}

var _ Allocator = (*Table)(nil)

// NewTable creates a table with every non-reserved entry free.
func NewTable(cfg Config) (*Table, error) {
	n := cfg.NrEntries
	if n == 0 {
		n = DefaultNrEntries
	}
	if n <= NrReservedEntries {
		return nil, linuxerr.EINVAL
	}
	schedule := cfg.Schedule
	if schedule == nil {
		schedule = func(f func()) { go f() }
	}
	reg := cfg.Registry
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	t := &Table{
		schedule:   schedule,
		registry:   reg,
		mAlloc:     metrics.GetOrRegisterCounter("gnttab.alloc", reg),
		mBusy:      metrics.GetOrRegisterCounter("gnttab.alloc.busy", reg),
		mFree:      metrics.GetOrRegisterCounter("gnttab.free", reg),
		mCallbacks: metrics.GetOrRegisterCounter("gnttab.callback.fired", reg),
		mFreeRefs:  metrics.GetOrRegisterGauge("gnttab.free_refs", reg),
		entries:    make([]entry, n),
		free:       bitmap.New(n),
		next:       NrReservedEntries,
	}
	for ref := uint32(NrReservedEntries); ref < n; ref++ {
		t.free.Add(ref)
	}
	t.mFreeRefs.Update(int64(t.free.GetNumOnes()))
	return t, nil
}

// Registry returns the registry holding the table's metrics.
func (t *Table) Registry() metrics.Registry {
	return t.registry
}

// +checklocks:t.mu
func (t *Table) entryLocked(ref xen.GrantRef) *entry {
	if int(ref) < NrReservedEntries || int(ref) >= len(t.entries) {
		panic(fmt.Sprintf("gnttab: reference %d out of range", ref))
	}
	return &t.entries[ref]
}

// +checklocks:t.mu
func (t *Table) reserveLocked(n int) *Batch {
	b := &Batch{refs: make([]xen.GrantRef, 0, n)}
	for i := 0; i < n; i++ {
		ref, err := t.free.FirstOne(t.next)
		if err != nil {
			// Wrap around.
			if ref, err = t.free.FirstOne(NrReservedEntries); err != nil {
				panic(fmt.Sprintf("gnttab: free count %d but no free bit: %v", t.free.GetNumOnes(), err))
			}
		}
		t.free.Remove(ref)
		t.next = ref + 1
		t.entries[ref].allocated = true
		b.refs = append(b.refs, xen.GrantRef(ref))
	}
	t.mAlloc.Inc(int64(n))
	t.mFreeRefs.Update(int64(t.free.GetNumOnes()))
	return b
}

// +checklocks:t.mu
func (t *Table) putFreeLocked(ref xen.GrantRef) {
	e := t.entryLocked(ref)
	if !e.allocated {
		panic(fmt.Sprintf("gnttab: reference %d freed twice", ref))
	}
	*e = entry{}
	t.free.Add(uint32(ref))
	t.mFree.Inc(1)
}

// firing is a callback that was handed its batch.
type firing struct {
	fn    func(*Batch)
	batch *Batch
}

// checkCallbacksLocked reserves batches for every armed callback that can
// now be satisfied, in arrival order.
//
// +checklocks:t.mu
func (t *Table) checkCallbacksLocked() []firing {
	t.mFreeRefs.Update(int64(t.free.GetNumOnes()))
	var ready []firing
	kept := t.callbacks[:0]
	for _, cb := range t.callbacks {
		if int(t.free.GetNumOnes()) < cb.count {
			kept = append(kept, cb)
			continue
		}
		cb.armed = false
		ready = append(ready, firing{fn: cb.fn, batch: t.reserveLocked(cb.count)})
		t.mCallbacks.Inc(1)
	}
	for i := len(kept); i < len(t.callbacks); i++ {
		t.callbacks[i] = nil
	}
	t.callbacks = kept
	return ready
}

// fire runs ready callbacks. It must be called without t.mu held.
func (t *Table) fire(ready []firing) {
	for _, f := range ready {
		t.schedule(func() { f.fn(f.batch) })
	}
}

// AllocBatch implements Allocator.AllocBatch.
func (t *Table) AllocBatch(n int) (*Batch, error) {
	if n <= 0 {
		return nil, linuxerr.EINVAL
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if free := int(t.free.GetNumOnes()); free < n {
		t.mBusy.Inc(1)
		exhaustedLog.Warningf("gnttab: %d references requested, %d free", n, free)
		return nil, linuxerr.ENOSPC
	}
	return t.reserveLocked(n), nil
}

// Claim implements Allocator.Claim.
func (t *Table) Claim(b *Batch) xen.GrantRef {
	return b.pop()
}

// ReleaseBatch implements Allocator.ReleaseBatch.
func (t *Table) ReleaseBatch(b *Batch) {
	if b.Len() == 0 {
		return
	}
	t.mu.Lock()
	for _, ref := range b.refs {
		t.putFreeLocked(ref)
	}
	b.refs = nil
	ready := t.checkCallbacksLocked()
	t.mu.Unlock()
	t.fire(ready)
}

// GrantAccess implements Allocator.GrantAccess.
func (t *Table) GrantAccess(ref xen.GrantRef, domid xen.DomID, frame xen.Frame, flags xen.GrantFlags) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entryLocked(ref)
	if !e.allocated {
		panic(fmt.Sprintf("gnttab: granting free reference %d", ref))
	}
	if e.Mapped != 0 {
		panic(fmt.Sprintf("gnttab: regranting reference %d mapped by domain %d", ref, e.DomID))
	}
	e.DomID = domid
	e.Frame = frame
	e.Flags = flags | xen.GTFPermitAccess
	e.granted = true
}

// +checklocks:t.mu
func (t *Table) endAccessLocked(ref xen.GrantRef) error {
	e := t.entryLocked(ref)
	if e.Mapped != 0 {
		log.Warningf("gnttab: reference %d still mapped by domain %d", ref, e.DomID)
		return linuxerr.EBUSY
	}
	e.Entry = Entry{}
	e.granted = false
	return nil
}

// EndAccess implements Allocator.EndAccess.
func (t *Table) EndAccess(ref xen.GrantRef) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.endAccessLocked(ref)
}

// EndAccessRefs implements Allocator.EndAccessRefs.
func (t *Table) EndAccessRefs(refs []xen.GrantRef) error {
	t.mu.Lock()
	var err error
	for _, ref := range refs {
		if err = t.endAccessLocked(ref); err != nil {
			break
		}
		t.putFreeLocked(ref)
	}
	ready := t.checkCallbacksLocked()
	t.mu.Unlock()
	t.fire(ready)
	return err
}

// RequestFreeCallback implements Allocator.RequestFreeCallback.
func (t *Table) RequestFreeCallback(cb *FreeCallback, n int, fn func(*Batch)) {
	if n <= 0 {
		panic(fmt.Sprintf("gnttab: free callback for %d references", n))
	}
	t.mu.Lock()
	if cb.armed {
		t.mu.Unlock()
		panic(fmt.Sprintf("gnttab: %v armed twice", cb))
	}
	if usable := len(t.entries) - NrReservedEntries; n > usable {
		log.Warningf("gnttab: free callback for %d references can never fire, table has %d", n, usable)
	}
	cb.armed = true
	cb.count = n
	cb.fn = fn
	t.callbacks = append(t.callbacks, cb)
	ready := t.checkCallbacksLocked()
	t.mu.Unlock()
	t.fire(ready)
}

// CancelFreeCallback implements Allocator.CancelFreeCallback.
func (t *Table) CancelFreeCallback(cb *FreeCallback) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !cb.armed {
		return false
	}
	for i, c := range t.callbacks {
		if c == cb {
			t.callbacks = append(t.callbacks[:i], t.callbacks[i+1:]...)
			break
		}
	}
	cb.armed = false
	return true
}

// MapForeign maps ref on behalf of the remote domain domid, the way a
// backend maps a frontend's grant. It fails with EPERM if ref is not granted
// to domid.
func (t *Table) MapForeign(ref xen.GrantRef, domid xen.DomID) (xen.Frame, xen.GrantFlags, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(ref) < NrReservedEntries || int(ref) >= len(t.entries) {
		return 0, 0, linuxerr.EINVAL
	}
	e := &t.entries[ref]
	if !e.granted || e.DomID != domid {
		return 0, 0, linuxerr.EPERM
	}
	e.Mapped++
	return e.Frame, e.Flags, nil
}

// UnmapForeign drops one remote mapping of ref.
func (t *Table) UnmapForeign(ref xen.GrantRef) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(ref) < NrReservedEntries || int(ref) >= len(t.entries) {
		return linuxerr.EINVAL
	}
	e := &t.entries[ref]
	if e.Mapped == 0 {
		return linuxerr.EINVAL
	}
	e.Mapped--
	return nil
}

// Lookup returns the entry of a granted reference.
func (t *Table) Lookup(ref xen.GrantRef) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(ref) < NrReservedEntries || int(ref) >= len(t.entries) {
		return Entry{}, false
	}
	e := &t.entries[ref]
	if !e.granted {
		return Entry{}, false
	}
	return e.Entry, true
}

// Stats returns a snapshot of the table.
func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Stats{
		Total:     len(t.entries) - NrReservedEntries,
		Free:      int(t.free.GetNumOnes()),
		Callbacks: len(t.callbacks),
	}
	for i := range t.entries {
		e := &t.entries[i]
		if e.granted {
			s.Granted++
		}
		if e.Mapped != 0 {
			s.Mapped++
		}
	}
	return s
}
