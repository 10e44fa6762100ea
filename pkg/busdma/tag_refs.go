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

package busdma

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/refs"
)

// enableTagRefsLogging logs every reference event with a stack trace. It is
// only useful when chasing a tag leak.
const enableTagRefsLogging = false

// TagRefs is the reference count embedded by tag implementations. A child tag
// holds one reference on its parent, so a chain of tags is released exactly
// once, from the leaf up.
type TagRefs struct {
	refCount atomicbitops.Int64
}

// InitRefs initializes r with one reference and, if enabled, activates leak
// checking.
func (r *TagRefs) InitRefs() {
	r.refCount.Store(1)
	refs.Register(r)
}

// RefType implements refs.CheckedObject.RefType.
func (r *TagRefs) RefType() string {
	return "busdma.Tag"
}

// LeakMessage implements refs.CheckedObject.LeakMessage.
func (r *TagRefs) LeakMessage() string {
	return fmt.Sprintf("[%s %p] reference count of %d instead of 0", r.RefType(), r, r.ReadRefs())
}

// LogRefs implements refs.CheckedObject.LogRefs.
func (r *TagRefs) LogRefs() bool {
	return enableTagRefsLogging
}

// ReadRefs returns the current number of references. The returned count is
// inherently racy.
func (r *TagRefs) ReadRefs() int64 {
	return r.refCount.Load()
}

// IncRef adds a reference.
func (r *TagRefs) IncRef() {
	v := r.refCount.Add(1)
	if enableTagRefsLogging {
		refs.LogIncRef(r, v)
	}
	if v <= 1 {
		panic(fmt.Sprintf("Incrementing non-positive count %p on %s", r, r.RefType()))
	}
}

// DecRef drops a reference and calls destroy when the last one goes away.
func (r *TagRefs) DecRef(destroy func()) {
	v := r.refCount.Add(-1)
	if enableTagRefsLogging {
		refs.LogDecRef(r, v)
	}
	switch {
	case v < 0:
		panic(fmt.Sprintf("Decrementing non-positive ref count %p, owned by %s", r, r.RefType()))

	case v == 0:
		refs.Unregister(r)
		if destroy != nil {
			destroy()
		}
	}
}
