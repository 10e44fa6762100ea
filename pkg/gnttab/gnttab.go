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

// Package gnttab provides grant table reference allocation.
//
// Allocator is the contract the DMA layer consumes: references are reserved
// in batches, claimed one at a time, bound to a (domain, frame, flags)
// triple, and revoked. When the pool is exhausted a caller may arm a
// FreeCallback, which is delivered a batch of the requested size as soon as
// enough references are free.
//
// Table is an in-memory grant table implementing Allocator. It also exposes
// the remote domain's side of the protocol (MapForeign and UnmapForeign) so
// that a peer holding a mapping can be modeled.
package gnttab

import (
	"fmt"

	"github.com/xenbusdma/xenbusdma/pkg/abi/xen"
)

// Batch is a set of references reserved as a unit.
type Batch struct {
	refs []xen.GrantRef
}

// Len returns the number of unclaimed references left in b.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.refs)
}

// pop removes one reference from b.
func (b *Batch) pop() xen.GrantRef {
	if len(b.refs) == 0 {
		panic("gnttab: claim from an empty batch")
	}
	ref := b.refs[len(b.refs)-1]
	b.refs = b.refs[:len(b.refs)-1]
	return ref
}

// FreeCallback is a one-shot request to be notified when references become
// free. The zero value is ready to use. A FreeCallback may be re-armed after
// it fired or was cancelled.
type FreeCallback struct {
	// The fields below are owned by the Table the callback is armed on and
	// protected by its mutex.
	armed bool
	count int
	fn    func(*Batch)
}

// String implements fmt.Stringer.
func (cb *FreeCallback) String() string {
	return fmt.Sprintf("FreeCallback{%p, count=%d}", cb, cb.count)
}

// Allocator allocates and binds grant references.
type Allocator interface {
	// AllocBatch reserves n references. It fails with ENOSPC without
	// reserving anything if fewer than n are free.
	AllocBatch(n int) (*Batch, error)

	// Claim takes one reference out of b. Claiming from an empty batch is
	// a fatal error.
	Claim(b *Batch) xen.GrantRef

	// ReleaseBatch returns the unclaimed references of b to the pool.
	ReleaseBatch(b *Batch)

	// GrantAccess allows domid to access frame through ref.
	GrantAccess(ref xen.GrantRef, domid xen.DomID, frame xen.Frame, flags xen.GrantFlags)

	// EndAccess revokes ref without freeing it. It fails with EBUSY if the
	// remote domain still maps the frame.
	EndAccess(ref xen.GrantRef) error

	// EndAccessRefs revokes and frees refs in order. It stops with EBUSY at
	// the first reference the remote domain still maps.
	EndAccessRefs(refs []xen.GrantRef) error

	// RequestFreeCallback arms cb to receive a batch of n references once
	// they are free. fn runs outside the caller's stack. Arming an armed
	// callback is a fatal error.
	RequestFreeCallback(cb *FreeCallback, n int, fn func(*Batch))

	// CancelFreeCallback disarms cb. It returns false if cb was not armed,
	// because it never was or because it already fired.
	CancelFreeCallback(cb *FreeCallback) bool
}
