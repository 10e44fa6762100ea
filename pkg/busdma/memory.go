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

	"gvisor.dev/gvisor/pkg/hostarch"
)

// Memory describes a buffer to load. The concrete type is one of Phys,
// Buffer or Pages.
type Memory interface {
	// Size returns the number of bytes described.
	Size() uint64

	isMemory()
}

// Phys is a physically contiguous buffer.
type Phys struct {
	Addr uint64
	Len  uint64
}

// Size implements Memory.Size.
func (p Phys) Size() uint64 { return p.Len }

func (Phys) isMemory() {}

// String implements fmt.Stringer.
func (p Phys) String() string {
	return fmt.Sprintf("phys[%#x+%#x]", p.Addr, p.Len)
}

// AddressSpace resolves virtual addresses in some address space.
type AddressSpace interface {
	// Translate returns the physical address backing va.
	Translate(va hostarch.Addr) (uint64, error)
}

// Buffer is a virtually contiguous buffer in an address space.
type Buffer struct {
	Addr hostarch.Addr
	Len  uint64
	AS   AddressSpace
}

// Size implements Memory.Size.
func (b Buffer) Size() uint64 { return b.Len }

func (Buffer) isMemory() {}

// String implements fmt.Stringer.
func (b Buffer) String() string {
	return fmt.Sprintf("buf[%#x+%#x]", uint64(b.Addr), b.Len)
}

// Pages is a buffer spread over a list of physical pages. Frames holds the
// page-aligned physical address of each page; the buffer starts Offset bytes
// into the first page.
type Pages struct {
	Frames []uint64
	Offset uint64
	Len    uint64
}

// Size implements Memory.Size.
func (p Pages) Size() uint64 { return p.Len }

func (Pages) isMemory() {}

// String implements fmt.Stringer.
func (p Pages) String() string {
	return fmt.Sprintf("pages[%d@%#x+%#x]", len(p.Frames), p.Offset, p.Len)
}
