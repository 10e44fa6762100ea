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

// Package busdma defines a bus_dma(9) style interface for mapping buffers
// into device-visible DMA segments.
//
// A Tag describes the constraints of a class of transfers. A Map is a handle
// for one transfer buffer that may be loaded with a Memory description and
// later unloaded. Loads report their result through a Callback, which may run
// synchronously from Load or later from a deferred context.
package busdma

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/sync"
)

// Flags are bus_dma flags. Only the low 16 bits are interpreted by this
// package; implementations may define the upper half.
type Flags uint32

const (
	// WaitOK allows the operation to be deferred.
	WaitOK Flags = 0x0

	// NoWait requires the operation to complete or fail synchronously.
	NoWait Flags = 0x1

	// AllocNow asks tag creation to reserve mapping resources up front.
	AllocNow Flags = 0x2

	// Coherent requests coherent memory from AllocMem.
	Coherent Flags = 0x4

	// Zero requests zeroed memory from AllocMem.
	Zero Flags = 0x8

	// NoCache requests uncached memory from AllocMem.
	NoCache Flags = 0x10
)

// CanDefer returns true if f allows an operation to be deferred.
func (f Flags) CanDefer() bool {
	return f&NoWait == 0
}

// SyncOp is a cache synchronization operation.
type SyncOp int

const (
	// SyncPreRead is issued before the device writes to memory.
	SyncPreRead SyncOp = 1 << iota

	// SyncPostRead is issued after the device wrote to memory.
	SyncPostRead

	// SyncPreWrite is issued before the device reads from memory.
	SyncPreWrite

	// SyncPostWrite is issued after the device read from memory.
	SyncPostWrite
)

// String implements fmt.Stringer.
func (op SyncOp) String() string {
	switch op {
	case SyncPreRead:
		return "PREREAD"
	case SyncPostRead:
		return "POSTREAD"
	case SyncPreWrite:
		return "PREWRITE"
	case SyncPostWrite:
		return "POSTWRITE"
	default:
		return fmt.Sprintf("SyncOp(%#x)", int(op))
	}
}

// Segment is a contiguous range of device-visible memory.
type Segment struct {
	// Addr is the bus address of the segment. Backends that translate
	// addresses (for example into grant references) rewrite it.
	Addr uint64

	// Len is the length of the segment in bytes.
	Len uint64
}

// String implements fmt.Stringer.
func (s Segment) String() string {
	return fmt.Sprintf("[%#x+%#x]", s.Addr, s.Len)
}

// Callback receives the result of a load. On success err is nil and segs
// holds the loaded segments; segs is only valid for the duration of the
// call.
type Callback func(segs []Segment, err error)

// Map is an opaque per-transfer handle created by a Tag.
type Map any

// Tag maps memory for one class of transfers.
//
// Load always reports its result through cb exactly once. If the result is
// available synchronously, cb is called before Load returns and Load returns
// the same error (nil on success). If the load is deferred, Load returns
// linuxerr.EINPROGRESS and cb is called later with the tag's lock held.
type Tag interface {
	// Params returns the constraints the tag was created with.
	Params() TagParams

	// CreateTag creates a child tag of the same implementation. The child
	// holds a reference on the receiver.
	CreateTag(p TagParams) (Tag, error)

	// Destroy drops the caller's reference on the tag.
	Destroy() error

	// SetDomain sets the memory domain used for allocations.
	SetDomain(domain int) error

	// CreateMap creates a map for loads on this tag.
	CreateMap(flags Flags) (Map, error)

	// DestroyMap destroys an unloaded map.
	DestroyMap(m Map) error

	// AllocMem allocates DMA-able memory of Params().MaxSize bytes and a
	// map for it.
	AllocMem(flags Flags) ([]byte, Map, error)

	// FreeMem frees memory returned by AllocMem along with its map.
	FreeMem(buf []byte, m Map)

	// Load loads mem into m.
	Load(m Map, mem Memory, flags Flags, cb Callback) error

	// Unload releases the resources of a loaded map.
	Unload(m Map)

	// Sync synchronizes the memory loaded into m for op.
	Sync(m Map, op SyncOp)
}

// lockOrDefault returns l, or a lock that panics when used if l is nil.
func lockOrDefault(l sync.Locker) sync.Locker {
	if l == nil {
		return defaultLock{}
	}
	return l
}

// defaultLock is used by tags created without a lock. Deferred callbacks
// must run under a caller supplied lock, so using it is a driver error.
type defaultLock struct{}

// Lock implements sync.Locker.Lock.
func (defaultLock) Lock() {
	panic("driver error: busdma default lock called")
}

// Unlock implements sync.Locker.Unlock.
func (defaultLock) Unlock() {
	panic("driver error: busdma default lock called")
}
