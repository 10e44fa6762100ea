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
	"unsafe"

	"gvisor.dev/gvisor/pkg/hostarch"
)

// BufferOf returns a Buffer describing b in as.
//
// The caller must keep b alive and pinned for as long as it is loaded.
func BufferOf(b []byte, as AddressSpace) Buffer {
	if len(b) == 0 {
		return Buffer{AS: as}
	}
	return Buffer{
		Addr: hostarch.Addr(uintptr(unsafe.Pointer(&b[0]))),
		Len:  uint64(len(b)),
		AS:   as,
	}
}
