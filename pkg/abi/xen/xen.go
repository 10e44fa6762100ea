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

// Package xen defines Xen grant table ABI types and the encoding of Xen
// specific bits inside generic bus_dma flag words.
package xen

import "fmt"

// DomID identifies a Xen domain.
type DomID uint16

const (
	// DomIDSelf refers to the calling domain.
	DomIDSelf DomID = 0x7ff0

	// DomIDInvalid is never a valid domain.
	DomIDInvalid DomID = 0x7ff4
)

// GrantRef is a grant table reference.
type GrantRef uint32

// GrantRefInvalid is the reserved "no reference" value.
const GrantRefInvalid GrantRef = ^GrantRef(0)

// GrantFlags are the access flags of a grant entry, from
// xen/include/public/grant_table.h.
type GrantFlags uint16

const (
	// GTFPermitAccess allows the remote domain to map the frame.
	GTFPermitAccess GrantFlags = 1 << 0

	// GTFReadOnly restricts the remote domain to read-only mappings.
	GTFReadOnly GrantFlags = 1 << 2

	// GTFReading is set by the hypervisor while the frame is mapped for
	// reading.
	GTFReading GrantFlags = 1 << 3

	// GTFWriting is set by the hypervisor while the frame is mapped for
	// writing.
	GTFWriting GrantFlags = 1 << 4
)

// ReadOnly returns true if f restricts the grantee to read access.
func (f GrantFlags) ReadOnly() bool {
	return f&GTFReadOnly != 0
}

// String implements fmt.Stringer.
func (f GrantFlags) String() string {
	if f.ReadOnly() {
		return "ro"
	}
	return "rw"
}

// Frame is a machine frame number.
type Frame uint64

// String implements fmt.Stringer.
func (fr Frame) String() string {
	return fmt.Sprintf("mfn:%#x", uint64(fr))
}
