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

// Package pagemap resolves virtual addresses of the current process to
// physical addresses using /proc/self/pagemap.
//
// Physical frame numbers are only reported to processes with CAP_SYS_ADMIN;
// without it the kernel reports zero and Translate fails with EPERM.
package pagemap

import (
	"encoding/binary"
	"os"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/log"
)

// Path is the pagemap file of the calling process.
const Path = "/proc/self/pagemap"

const (
	entrySize = 8

	pfnMask      = 1<<55 - 1
	exclusiveBit = 1 << 56
	swappedBit   = 1 << 62
	presentBit   = 1 << 63
)

// Entry is one 64-bit pagemap entry.
type Entry uint64

// PFN returns the page frame number, or zero if it is hidden or the page is
// not present.
func (e Entry) PFN() uint64 {
	if !e.Present() || e.Swapped() {
		return 0
	}
	return uint64(e) & pfnMask
}

// Present returns true if the page is resident.
func (e Entry) Present() bool {
	return e&presentBit != 0
}

// Swapped returns true if the page is in swap.
func (e Entry) Swapped() bool {
	return e&swappedBit != 0
}

// Exclusive returns true if the page is mapped exclusively.
func (e Entry) Exclusive() bool {
	return e&exclusiveBit != 0
}

// Resolver implements busdma.AddressSpace for the calling process.
type Resolver struct {
	f *os.File
}

// Open opens the pagemap of the calling process.
func Open() (*Resolver, error) {
	f, err := os.Open(Path)
	if err != nil {
		return nil, err
	}
	return &Resolver{f: f}, nil
}

// Close releases the pagemap file.
func (r *Resolver) Close() error {
	return r.f.Close()
}

// Entry reads the pagemap entry of the page containing va.
func (r *Resolver) Entry(va hostarch.Addr) (Entry, error) {
	var buf [entrySize]byte
	off := int64(uint64(va)>>hostarch.PageShift) * entrySize
	n, err := unix.Pread(int(r.f.Fd()), buf[:], off)
	if err != nil {
		return 0, err
	}
	if n != entrySize {
		return 0, linuxerr.EIO
	}
	return Entry(binary.LittleEndian.Uint64(buf[:])), nil
}

// Translate implements busdma.AddressSpace.Translate.
func (r *Resolver) Translate(va hostarch.Addr) (uint64, error) {
	e, err := r.Entry(va)
	if err != nil {
		return 0, err
	}
	if !e.Present() {
		log.Debugf("pagemap: %#x is not present (entry %#x)", uint64(va), uint64(e))
		return 0, linuxerr.EFAULT
	}
	pfn := e.PFN()
	if pfn == 0 {
		return 0, linuxerr.EPERM
	}
	return pfn<<hostarch.PageShift | uint64(va.PageOffset()), nil
}
