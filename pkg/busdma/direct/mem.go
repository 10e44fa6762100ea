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
	"fmt"

	"github.com/xenbusdma/xenbusdma/pkg/busdma"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/log"
)

// AllocMem implements busdma.Tag.AllocMem.
//
// Memory is anonymous, populated and locked so that it stays resident at a
// stable physical address while loaded. It is always zeroed and cache
// coherent.
func (t *Tag) AllocMem(flags busdma.Flags) ([]byte, busdma.Map, error) {
	if t.params.Alignment > hostarch.PageSize {
		return nil, nil, linuxerr.EINVAL
	}
	size := (t.params.MaxSize + hostarch.PageSize - 1) &^ (hostarch.PageSize - 1)
	buf, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	cu := cleanup.Make(func() {
		unix.Munmap(buf)
	})
	defer cu.Clean()

	if err := unix.Mlock(buf); err != nil {
		// Without the lock the pages may move; loads still work but the
		// physical addresses can go stale.
		log.Warningf("direct: mlock of %d bytes failed: %v", size, err)
	}

	m, err := t.CreateMap(flags)
	if err != nil {
		return nil, nil, err
	}
	dm := m.(*dmaMap)
	t.res.mu.Lock()
	dm.mem = buf
	t.res.mu.Unlock()

	cu.Release()
	return buf[:t.params.MaxSize], m, nil
}

// FreeMem implements busdma.Tag.FreeMem.
func (t *Tag) FreeMem(buf []byte, m busdma.Map) {
	dm := t.toMap(m)
	t.res.mu.Lock()
	if dm.loaded || dm.pending != nil {
		t.res.mu.Unlock()
		panic(fmt.Sprintf("direct: freeing memory of loaded map %p", dm))
	}
	mem := dm.mem
	dm.mem = nil
	t.maps--
	t.res.mu.Unlock()

	if mem == nil {
		panic(fmt.Sprintf("direct: map %p was not created by AllocMem", dm))
	}
	if err := unix.Munmap(mem); err != nil {
		log.Warningf("direct: munmap failed: %v", err)
	}
}
