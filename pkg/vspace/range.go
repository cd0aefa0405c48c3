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

package vspace

import (
	"sort"

	"vspace.dev/vspace/pkg/errors/vmerr"
	"vspace.dev/vspace/pkg/hostarch"
	"vspace.dev/vspace/pkg/log"
	"vspace.dev/vspace/pkg/pagetables"
)

// validateRange checks the bounds of a range operation.
func (m *Manager) validateRange(start, end hostarch.Addr) error {
	ps := m.cfg.PageSize()
	if !start.IsAligned(ps) || !end.IsAligned(ps) {
		return vmerr.Wrapf(vmerr.AlignmentError, "range [%v, %v) is not aligned to %#x", start, end, ps)
	}
	if start >= end || end > m.cfg.TopOfAddressSpace() {
		return vmerr.Wrapf(vmerr.RangeError, "range [%v, %v) is empty or outside the %d-bit address space", start, end, m.cfg.AddressBits())
	}
	return nil
}

// chunk runs visit over one chunk of [start, end) in s.
func (m *Manager) chunk(s *AddressSpace, start, end hostarch.Addr, visit pagetables.Visitor) (int, hostarch.Addr, error) {
	if err := m.validateRange(start, end); err != nil {
		return 0, start, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUsable(); err != nil {
		return 0, start, err
	}
	num, next, err := m.walker.Chunk(s.root, start, end, m.cfg.RangeChunk, visit)
	if err == nil {
		m.stats.chunk(num)
	}
	return num, next, err
}

// RangeProtect changes the rights of the pages of one chunk of [start, end)
// in s to at. It returns the number of entries visited, empty ones included,
// and the address to continue from. A page larger than the leaf entries
// counts as one entry.
//
// Each call is atomic. A caller covers a larger range by calling again from
// next until next reaches end.
func (m *Manager) RangeProtect(s *AddressSpace, start, end hostarch.Addr, at hostarch.AccessType) (int, hostarch.Addr, error) {
	num, next, err := m.chunk(s, start, end, func(addr hostarch.Addr, level int, pte *pagetables.PTE) {
		if !pte.IsPage() {
			return
		}
		pte.SetAccessType(at)
		if f := m.lookupFrame(pte.Frame()); f != nil {
			f.mu.Lock()
			if f.recordMatches(s.id, addr) {
				f.rec.Opts.AccessType = at
			}
			f.mu.Unlock()
		}
	})
	m.stats.count(opRangeProtect, err)
	if err != nil {
		log.Debugf("RangeProtect [%v, %v) in %v: %v", start, end, s, err)
	}
	return num, next, err
}

// RangeUnmap removes the pages of one chunk of [start, end) in s, with the
// chunking of RangeProtect. Frames removed this way keep a stale mapping
// record.
func (m *Manager) RangeUnmap(s *AddressSpace, start, end hostarch.Addr) (int, hostarch.Addr, error) {
	num, next, err := m.chunk(s, start, end, func(addr hostarch.Addr, level int, pte *pagetables.PTE) {
		if !pte.IsPage() {
			return
		}
		id := pte.Frame()
		pte.Clear()
		m.invalidate(s.id, id, addr, false)
	})
	m.stats.count(opRangeUnmap, err)
	if err != nil {
		log.Debugf("RangeUnmap [%v, %v) in %v: %v", start, end, s, err)
	}
	return num, next, err
}

// RangeMap maps frames at consecutive addresses of s starting at vaddr. Each
// frame advances the cursor by its own size.
//
// The call is all or nothing: every frame is checked before any is mapped.
// Unlike Map, RangeMap never replaces an existing page (DeleteFirst). At most
// Config.MaxRangeMapBatch frames are accepted (InvalidArgument).
func (m *Manager) RangeMap(s *AddressSpace, frames []*Frame, vaddr hostarch.Addr, opts pagetables.MapOpts) error {
	err := m.rangeMap(s, frames, vaddr, opts)
	m.stats.count(opRangeMap, err)
	if err != nil {
		log.Debugf("RangeMap of %d frames at %v in %v: %v", len(frames), vaddr, s, err)
	}
	return err
}

// rangeSlot is a validated destination of RangeMap.
type rangeSlot struct {
	table *pagetables.Table
	index int
	vaddr hostarch.Addr
}

func (m *Manager) rangeMap(s *AddressSpace, frames []*Frame, vaddr hostarch.Addr, opts pagetables.MapOpts) error {
	if len(frames) > m.cfg.MaxRangeMapBatch {
		return vmerr.Wrapf(vmerr.InvalidArgument, "%d frames exceed the batch limit of %d", len(frames), m.cfg.MaxRangeMapBatch)
	}
	if len(frames) == 0 {
		return nil
	}
	locked := make([]*Frame, len(frames))
	copy(locked, frames)
	sort.Slice(locked, func(i, j int) bool { return locked[i].id < locked[j].id })
	for i := 1; i < len(locked); i++ {
		if locked[i] == locked[i-1] {
			return vmerr.Wrapf(vmerr.InvalidArgument, "%v appears twice in the batch", locked[i])
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUsable(); err != nil {
		return err
	}
	for _, f := range locked {
		f.mu.Lock()
		defer f.mu.Unlock()
	}

	slots := make([]rangeSlot, len(frames))
	cursor := vaddr
	for i, f := range frames {
		if err := m.checkAddr(cursor, f.size.Size()); err != nil {
			return err
		}
		if rec := f.rec; rec != nil {
			if rec.Space != s.id {
				return vmerr.Wrapf(vmerr.InvalidCapability, "%v is mapped in space %d", f, rec.Space)
			}
			if rec.VAddr != cursor {
				return vmerr.Wrapf(vmerr.InvalidArgument, "%v is mapped at %v", f, rec.VAddr)
			}
		}
		t, idx, err := m.frameSlot(s, cursor, f.level)
		if err != nil {
			return err
		}
		if pte := &t.Entries[idx]; pte.Valid() {
			return vmerr.Wrapf(vmerr.DeleteFirst, "%v already holds %v in %v", cursor, pte, s)
		}
		slots[i] = rangeSlot{table: t, index: idx, vaddr: cursor}
		// Cannot overflow: checkAddr bounds cursor+size by the top of the
		// address space.
		cursor += hostarch.Addr(f.size.Size())
	}

	for i, f := range frames {
		sl := slots[i]
		var e pagetables.PTE
		e.Set(f.id, opts)
		if _, err := sl.table.Insert(sl.index, e); err != nil {
			// Every slot was checked empty above.
			panic(err)
		}
		f.rec = &MappingRecord{
			Space: s.id,
			ASID:  s.asid,
			VAddr: sl.vaddr,
			Opts:  opts,
		}
	}
	log.Debugf("RangeMap %d frames at [%v, %v) in %v", len(frames), vaddr, cursor, s)
	return nil
}
