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

package direct

import (
	"github.com/xenbusdma/xenbusdma/pkg/busdma"
)

// deferredLoad is a load waiting for a mapping resource.
type deferredLoad struct {
	m   *dmaMap
	mem busdma.Memory
	cb  busdma.Callback

	// granted is set once the load holds a mapping resource and has been
	// handed to the scheduler. Protected by res.mu.
	granted bool
}

// +checklocks:r.mu
func (r *resources) acquireLocked() bool {
	if r.max != 0 && r.inUse >= r.max {
		return false
	}
	r.inUse++
	return true
}

// +checklocks:r.mu
func (r *resources) releaseLocked() {
	if r.inUse <= 0 {
		panic("direct: mapping resource released twice")
	}
	r.inUse--
}

// dequeueLocked grants free mapping resources to waiters in arrival order
// and returns the loads that are now ready to run.
//
// +checklocks:r.mu
func (r *resources) dequeueLocked() []*deferredLoad {
	var ready []*deferredLoad
	for len(r.waiters) > 0 && r.acquireLocked() {
		dl := r.waiters[0]
		r.waiters[0] = nil
		r.waiters = r.waiters[1:]
		dl.granted = true
		ready = append(ready, dl)
	}
	return ready
}

// +checklocks:r.mu
func (r *resources) removeWaiterLocked(dl *deferredLoad) {
	for i, w := range r.waiters {
		if w == dl {
			r.waiters = append(r.waiters[:i], r.waiters[i+1:]...)
			return
		}
	}
	panic("direct: deferred load not queued")
}

// run schedules ready loads. It must be called without r.mu held.
func (r *resources) run(ready []*deferredLoad) {
	for _, dl := range ready {
		r.schedule(func() { dl.m.tag.complete(dl) })
	}
}

// complete finishes a deferred load and delivers its result with the tag
// lock held. Translation runs under res.mu, as in Load.
func (t *Tag) complete(dl *deferredLoad) {
	dm := dl.m
	t.res.mu.Lock()
	if dm.pending != dl {
		// Unloaded while queued; Unload returned the resource. The map may
		// have been loaded again since, so its segment buffer is not ours.
		t.res.mu.Unlock()
		return
	}
	dm.pending = nil
	segs, err := t.translate(dl.mem, dm.segs[:0])
	if err != nil {
		t.res.stats.Failed++
		t.res.releaseLocked()
		ready := t.res.dequeueLocked()
		t.res.mu.Unlock()
		t.res.run(ready)

		t.params.Lock.Lock()
		dl.cb(nil, err)
		t.params.Lock.Unlock()
		return
	}
	dm.segs = segs
	dm.loaded = true
	t.res.stats.Loads++
	t.res.mu.Unlock()

	t.params.Lock.Lock()
	dl.cb(segs, nil)
	t.params.Lock.Unlock()
}
