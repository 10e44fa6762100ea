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
	"github.com/xenbusdma/xenbusdma/pkg/busdma"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"
)

// translate appends the segments of mem to segs.
func (t *Tag) translate(mem busdma.Memory, segs []busdma.Segment) ([]busdma.Segment, error) {
	if mem.Size() == 0 || mem.Size() > t.params.MaxSize {
		return segs, linuxerr.EINVAL
	}
	var err error
	switch m := mem.(type) {
	case busdma.Phys:
		segs, err = t.addRange(segs, m.Addr, m.Len)
	case busdma.Buffer:
		segs, err = t.translateBuffer(segs, m)
	case busdma.Pages:
		segs, err = t.translatePages(segs, m)
	default:
		err = linuxerr.EINVAL
	}
	return segs, err
}

func (t *Tag) translateBuffer(segs []busdma.Segment, b busdma.Buffer) ([]busdma.Segment, error) {
	as := b.AS
	if as == nil {
		as = t.res.as
	}
	if as == nil {
		return segs, linuxerr.EINVAL
	}
	va := b.Addr
	for left := b.Len; left > 0; {
		pa, err := as.Translate(va)
		if err != nil {
			return segs, err
		}
		n := min(left, hostarch.PageSize-va.PageOffset())
		if segs, err = t.addRange(segs, pa, n); err != nil {
			return segs, err
		}
		va += hostarch.Addr(n)
		left -= n
	}
	return segs, nil
}

func (t *Tag) translatePages(segs []busdma.Segment, p busdma.Pages) ([]busdma.Segment, error) {
	if p.Offset >= hostarch.PageSize {
		return segs, linuxerr.EINVAL
	}
	off := p.Offset
	left := p.Len
	for _, frame := range p.Frames {
		if left == 0 {
			break
		}
		if frame&(hostarch.PageSize-1) != 0 {
			return segs, linuxerr.EINVAL
		}
		n := min(left, hostarch.PageSize-off)
		var err error
		if segs, err = t.addRange(segs, frame+off, n); err != nil {
			return segs, err
		}
		left -= n
		off = 0
	}
	if left != 0 {
		return segs, linuxerr.EINVAL
	}
	return segs, nil
}

// addRange splits the physically contiguous range [pa, pa+n) into segments.
func (t *Tag) addRange(segs []busdma.Segment, pa, n uint64) ([]busdma.Segment, error) {
	for n > 0 {
		size := min(n, t.params.MaxSegSize)
		if t.params.Excluded(pa) || t.params.Excluded(pa+size-1) {
			return segs, linuxerr.EFBIG
		}
		var ok bool
		segs, size, ok = t.addSeg(segs, pa, size)
		if !ok {
			return segs, linuxerr.EFBIG
		}
		pa += size
		n -= size
	}
	return segs, nil
}

// addSeg adds up to size bytes at pa to segs, merging with the last segment
// when the two are contiguous and the result respects the tag's limits. It
// returns the number of bytes added, clipped at the next boundary.
func (t *Tag) addSeg(segs []busdma.Segment, pa, size uint64) ([]busdma.Segment, uint64, bool) {
	bmask := ^uint64(0)
	if b := t.params.Boundary; b != 0 {
		bmask = ^(b - 1)
		if next := (pa + b) & bmask; size > next-pa {
			size = next - pa
		}
	}
	if n := len(segs); n > 0 {
		last := &segs[n-1]
		if last.Addr+last.Len == pa &&
			last.Len+size <= t.params.MaxSegSize &&
			(t.params.Boundary == 0 || last.Addr&bmask == pa&bmask) {
			last.Len += size
			return segs, size, true
		}
	}
	if len(segs) >= t.params.NSegments {
		return segs, 0, false
	}
	return append(segs, busdma.Segment{Addr: pa, Len: size}), size, true
}
