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

// InsertTable inserts the detached table t into s so that it translates
// vaddr.
//
// A table allocated for level L goes into the level L-1 entry for vaddr, and
// every table above it must be present (FailedLookup). With uniform tables,
// t goes into the first entry on the walk that does not hold a table, and
// takes the level below it. The entry must be empty (DeleteFirst).
func (m *Manager) InsertTable(t *pagetables.Table, s *AddressSpace, vaddr hostarch.Addr) error {
	err := m.insertTable(t, s, vaddr)
	m.stats.count(opInsertTable, err)
	if err != nil {
		log.Debugf("InsertTable %d at %v in %v: %v", t.ID, vaddr, s, err)
	}
	return err
}

func (m *Manager) insertTable(t *pagetables.Table, s *AddressSpace, vaddr hostarch.Addr) error {
	if vaddr >= m.cfg.TopOfAddressSpace() {
		return vmerr.Wrapf(vmerr.InvalidArgument, "%v is outside the %d-bit address space", vaddr, m.cfg.AddressBits())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUsable(); err != nil {
		return err
	}
	// The placement fields of t belong to its owner, so t is claimed before
	// its level is read.
	if !t.Claim(uint64(s.id)) {
		owner := SpaceID(t.Owner())
		if o := m.lookupSpace(owner); o != nil && o.root == t {
			return vmerr.Wrapf(vmerr.IllegalOperation, "table %d is the root of %v", t.ID, o)
		}
		return vmerr.Wrapf(vmerr.InvalidCapability, "table %d is already mapped in space %d", t.ID, owner)
	}
	if t.Level == 0 {
		// The root of a deleted space.
		t.Release()
		return vmerr.Wrapf(vmerr.IllegalOperation, "table %d is a root", t.ID)
	}
	if err := m.attachLocked(t, s, vaddr); err != nil {
		m.releaseTable(t)
		return err
	}
	log.Debugf("InsertTable %d: %s at %v in %v", t.ID, m.cfg.LevelName(t.Level), t.Base, s)
	return nil
}

// attachLocked finds the parent entry for t and installs t in it.
//
// Precondition: s.mu must be locked and t claimed for s.
func (m *Manager) attachLocked(t *pagetables.Table, s *AddressSpace, vaddr hostarch.Addr) error {
	if m.cfg.UniformTables {
		parent, idx := m.walker.Walk(s.root, vaddr, m.cfg.LeafLevel())
		if parent.Level == m.cfg.LeafLevel() {
			return vmerr.Wrapf(vmerr.DeleteFirst, "%v already has a table at every level in %v", vaddr, s)
		}
		if parent.Entries[idx].Valid() {
			return vmerr.Wrapf(vmerr.DeleteFirst, "%v is covered by a %s page in %v", vaddr, m.cfg.LevelName(parent.Level), s)
		}
		t.Level = parent.Level + 1
		return m.walker.Attach(parent, idx, t)
	}

	parent, idx := m.walker.Walk(s.root, vaddr, t.Level-1)
	if parent.Level < t.Level-1 {
		if !parent.Entries[idx].Valid() {
			return vmerr.Wrapf(vmerr.FailedLookup, "no %s for %v in %v", m.cfg.LevelName(parent.Level+1), vaddr, s)
		}
		return vmerr.Wrapf(vmerr.DeleteFirst, "%v is covered by a %s page in %v", vaddr, m.cfg.LevelName(parent.Level), s)
	}
	return m.walker.Attach(parent, idx, t)
}

// UnmapTable removes t from the address space holding it. Frames mapped
// beneath t lose their mapping records and tables beneath t become detached.
// Unmapping a detached table is a no-op.
func (m *Manager) UnmapTable(t *pagetables.Table) error {
	err := m.unmapTable(t)
	m.stats.count(opUnmapTable, err)
	if err != nil {
		log.Debugf("UnmapTable %d: %v", t.ID, err)
	}
	return err
}

func (m *Manager) unmapTable(t *pagetables.Table) error {
	for {
		owner := SpaceID(t.Owner())
		if owner == 0 {
			return nil
		}
		s := m.lookupSpace(owner)
		if s == nil {
			// The space is being deleted, which detaches t.
			continue
		}
		if s.root == t {
			return vmerr.Wrapf(vmerr.IllegalOperation, "table %d is the root of %v", t.ID, s)
		}

		s.mu.Lock()
		if SpaceID(t.Owner()) != owner {
			s.mu.Unlock()
			continue
		}
		parent := m.alloc.LookupTable(t.Parent)
		parent.Remove(t.ParentIndex)
		base, level := t.Base, t.Level
		pages, tables := m.dismantle(s, t, true)
		m.releaseTable(t)
		s.mu.Unlock()
		log.Debugf("UnmapTable %d: %s at %v in %v, %d pages and %d tables below", t.ID, m.cfg.LevelName(level), base, s, pages, tables)
		return nil
	}
}

// TableLevel returns the level of the deepest table on the path to vaddr in
// s. It is 0 if only the root is present.
func (m *Manager) TableLevel(s *AddressSpace, vaddr hostarch.Addr) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return 0
	}
	t, _ := m.walker.Walk(s.root, vaddr, m.cfg.LeafLevel())
	return t.Level
}
