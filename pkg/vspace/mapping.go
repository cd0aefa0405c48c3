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
	"vspace.dev/vspace/pkg/errors/vmerr"
	"vspace.dev/vspace/pkg/hostarch"
	"vspace.dev/vspace/pkg/log"
	"vspace.dev/vspace/pkg/pagetables"
)

// Map maps f at vaddr in s.
//
// If f already has a mapping record, it must name s (InvalidCapability
// otherwise) and vaddr (InvalidArgument otherwise); such a call remaps f in
// place, e.g. to change its rights. This also holds for a stale record. Every
// table above the frame's level must be present (FailedLookup). A page
// already in the slot is replaced and its frame's record becomes stale. A
// larger page covering vaddr or a table in the slot fails with DeleteFirst.
func (m *Manager) Map(f *Frame, s *AddressSpace, vaddr hostarch.Addr, opts pagetables.MapOpts) error {
	replaced, err := m.mapFrame(f, s, vaddr, opts)
	m.stats.count(opMap, err)
	if err != nil {
		log.Debugf("Map %v at %v in %v: %v", f, vaddr, s, err)
	}
	return m.finishReplace(s, replaced, vaddr, err)
}

func (m *Manager) mapFrame(f *Frame, s *AddressSpace, vaddr hostarch.Addr, opts pagetables.MapOpts) (pagetables.PTE, error) {
	s.mu.Lock()
	if err := s.checkUsable(); err != nil {
		return pagetables.PTE{}, err
	}
	if err := m.checkAddr(vaddr, f.size.Size()); err != nil {
		return pagetables.PTE{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if rec := f.rec; rec != nil {
		if rec.Space != s.id {
			return pagetables.PTE{}, vmerr.Wrapf(vmerr.InvalidCapability, "%v is mapped in space %d", f, rec.Space)
		}
		if rec.VAddr != vaddr {
			return pagetables.PTE{}, vmerr.Wrapf(vmerr.InvalidArgument, "%v is mapped at %v", f, rec.VAddr)
		}
	}
	return m.installLocked(s, f, vaddr, opts)
}

// DirectedMap maps f at vaddr in s, relocating f if its mapping record is
// stale.
//
// A live record fails with InvalidArgument unless it names exactly (s,
// vaddr). The remaining checks are those of Map.
func (m *Manager) DirectedMap(s *AddressSpace, f *Frame, vaddr hostarch.Addr, opts pagetables.MapOpts) error {
	replaced, err := m.directedMap(s, f, vaddr, opts)
	m.stats.count(opDirectedMap, err)
	if err != nil {
		log.Debugf("DirectedMap %v at %v in %v: %v", f, vaddr, s, err)
	}
	return m.finishReplace(s, replaced, vaddr, err)
}

func (m *Manager) directedMap(s *AddressSpace, f *Frame, vaddr hostarch.Addr, opts pagetables.MapOpts) (pagetables.PTE, error) {
	s.mu.Lock()
	if err := s.checkUsable(); err != nil {
		return pagetables.PTE{}, err
	}
	if err := m.checkAddr(vaddr, f.size.Size()); err != nil {
		return pagetables.PTE{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if rec := f.rec; rec != nil {
		if !rec.Stale && (rec.Space != s.id || rec.VAddr != vaddr) {
			return pagetables.PTE{}, vmerr.Wrapf(vmerr.InvalidArgument, "%v is live in space %d at %v", f, rec.Space, rec.VAddr)
		}
		if rec.Stale {
			m.stats.staleRelocations.Add(1)
			m.staleLog.Warningf("Relocating %v with stale record %v to %v in %v", f, *rec, vaddr, s)
		}
	}
	return m.installLocked(s, f, vaddr, opts)
}

// installLocked installs f at vaddr in s and sets its record. It returns the
// entry that was replaced, if any.
//
// Preconditions: s.mu and f.mu must be locked.
func (m *Manager) installLocked(s *AddressSpace, f *Frame, vaddr hostarch.Addr, opts pagetables.MapOpts) (pagetables.PTE, error) {
	t, idx, err := m.frameSlot(s, vaddr, f.level)
	if err != nil {
		return pagetables.PTE{}, err
	}
	var e pagetables.PTE
	e.Set(f.id, opts)
	old, err := t.Insert(idx, e)
	if err != nil {
		return pagetables.PTE{}, err
	}
	f.rec = &MappingRecord{
		Space: s.id,
		ASID:  s.asid,
		VAddr: vaddr,
		Opts:  opts,
	}
	if old.IsPage() && old.Frame() == f.id {
		return pagetables.PTE{}, nil
	}
	return old, nil
}

// frameSlot returns the table and index of the slot for a frame at level.
//
// Precondition: s.mu must be locked.
func (m *Manager) frameSlot(s *AddressSpace, vaddr hostarch.Addr, level int) (*pagetables.Table, int, error) {
	t, idx := m.walker.Walk(s.root, vaddr, level)
	if t.Level < level {
		if !t.Entries[idx].Valid() {
			return nil, 0, vmerr.Wrapf(vmerr.FailedLookup, "no %s for %v in %v", m.cfg.LevelName(t.Level+1), vaddr, s)
		}
		return nil, 0, vmerr.Wrapf(vmerr.DeleteFirst, "%v is covered by a %s page in %v", vaddr, m.cfg.LevelName(t.Level), s)
	}
	return t, idx, nil
}

// finishReplace unlocks s after marking the record of a replaced frame stale.
// The replaced frame is handled after the mapped frame's lock was dropped, so
// that at most one frame lock is held outside of RangeMap.
//
// Precondition: s.mu must be locked.
func (m *Manager) finishReplace(s *AddressSpace, replaced pagetables.PTE, vaddr hostarch.Addr, err error) error {
	defer s.mu.Unlock()
	if err == nil && replaced.IsPage() {
		log.Debugf("Map at %v in %v replaced frame %d", vaddr, s, replaced.Frame())
		m.invalidate(s.id, replaced.Frame(), vaddr, false)
	}
	return err
}
