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
	"math/bits"

	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/sync"
)

// MaxAddr is the largest bus address.
const MaxAddr = ^uint64(0)

// TagParams are the constraints of a tag.
type TagParams struct {
	// Alignment is the required alignment of allocations. Zero means 1.
	Alignment uint64

	// Boundary is a power of two that no segment may cross. Zero means no
	// boundary.
	Boundary uint64

	// LowAddr and HighAddr bound the window (LowAddr, HighAddr] of bus
	// addresses the device cannot reach. The window is empty unless
	// HighAddr > LowAddr.
	LowAddr  uint64
	HighAddr uint64

	// MaxSize is the largest transfer in bytes.
	MaxSize uint64

	// NSegments is the largest number of segments per load.
	NSegments int

	// MaxSegSize is the largest segment in bytes.
	MaxSegSize uint64

	// Flags are tag creation flags. Backends may define the upper half.
	Flags Flags

	// Lock serializes deferred callbacks with the driver. If nil, deferred
	// callbacks panic.
	Lock sync.Locker
}

// Validate checks p and normalizes its zero values. It returns EINVAL if p is
// not usable.
func (p *TagParams) Validate() error {
	if p.Alignment == 0 {
		p.Alignment = 1
	}
	if bits.OnesCount64(p.Alignment) != 1 {
		return linuxerr.EINVAL
	}
	if p.Boundary != 0 && bits.OnesCount64(p.Boundary) != 1 {
		return linuxerr.EINVAL
	}
	if p.MaxSize == 0 || p.NSegments <= 0 || p.MaxSegSize == 0 {
		return linuxerr.EINVAL
	}
	if p.Boundary != 0 && p.Boundary < p.MaxSegSize {
		p.MaxSegSize = p.Boundary
	}
	p.Lock = lockOrDefault(p.Lock)
	return nil
}

// Excluded returns true if addr falls in the unreachable window.
func (p *TagParams) Excluded(addr uint64) bool {
	return p.HighAddr > p.LowAddr && addr > p.LowAddr && addr <= p.HighAddr
}

// Inherit restricts p by the constraints of parent, the way a child tag is
// derived from its parent.
func (p TagParams) Inherit(parent TagParams) TagParams {
	if parent.HighAddr > parent.LowAddr {
		if p.HighAddr > p.LowAddr {
			p.LowAddr = min(p.LowAddr, parent.LowAddr)
			p.HighAddr = max(p.HighAddr, parent.HighAddr)
		} else {
			p.LowAddr, p.HighAddr = parent.LowAddr, parent.HighAddr
		}
	}
	if parent.Boundary != 0 {
		if p.Boundary == 0 {
			p.Boundary = parent.Boundary
		} else {
			p.Boundary = min(p.Boundary, parent.Boundary)
		}
	}
	p.Alignment = max(p.Alignment, parent.Alignment)
	if p.Lock == nil {
		p.Lock = parent.Lock
	}
	return p
}
