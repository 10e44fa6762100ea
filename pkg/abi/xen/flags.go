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

package xen

// Xen specific values are carried in the upper half of the 32-bit bus_dma
// flag words. The lower half is passed through to the underlying tag.
const (
	// DomIDShift is the shift of the domain id in tag creation flags.
	DomIDShift = 16

	// GnttabFlagsShift is the shift of grant flags in load and map creation
	// flags.
	GnttabFlagsShift = 16

	// GenericFlagsMask selects the bits owned by the generic layer.
	GenericFlagsMask = 1<<16 - 1
)

const (
	// LoadReadOnly requests read-only grants for a load.
	LoadReadOnly uint32 = 1 << GnttabFlagsShift

	// MapPreallocRefs asks map creation to claim the tag's full grant
	// quota up front.
	MapPreallocRefs uint32 = 1 << (GnttabFlagsShift + 1)
)

// TagFlags encodes domid into the flag word passed at tag creation.
func TagFlags(domid DomID, flags uint32) uint32 {
	return uint32(domid)<<DomIDShift | flags&GenericFlagsMask
}

// DecodeTagFlags splits tag creation flags into the target domain and the
// generic flags.
func DecodeTagFlags(flags uint32) (DomID, uint32) {
	return DomID(flags >> DomIDShift), flags & GenericFlagsMask
}

// DecodeLoadFlags splits load flags into grant access flags and the generic
// flags.
func DecodeLoadFlags(flags uint32) (GrantFlags, uint32) {
	var gf GrantFlags
	if flags&LoadReadOnly != 0 {
		gf |= GTFReadOnly
	}
	return gf, flags & GenericFlagsMask
}

// DecodeMapFlags splits map creation flags into the pre-allocation request
// and the generic flags.
func DecodeMapFlags(flags uint32) (prealloc bool, generic uint32) {
	return flags&MapPreallocRefs != 0, flags & GenericFlagsMask
}
