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
	"testing"

	"vspace.dev/vspace/pkg/arch"
	"vspace.dev/vspace/pkg/errors"
	"vspace.dev/vspace/pkg/errors/vmerr"
	"vspace.dev/vspace/pkg/hostarch"
	"vspace.dev/vspace/pkg/pagetables"
)

// testBase is aligned to every frame size and valid on every architecture.
const testBase = hostarch.Addr(0x40000000)

var rw = pagetables.MapOpts{AccessType: hostarch.ReadWrite}

func forEachArch(t *testing.T, fn func(t *testing.T, m *Manager)) {
	for _, name := range arch.Names() {
		t.Run(name, func(t *testing.T) {
			m, err := New(arch.MustLookup(name))
			if err != nil {
				t.Fatalf("New(%s) failed: %v", name, err)
			}
			fn(t, m)
		})
	}
}

func newManager(t *testing.T, name string) *Manager {
	t.Helper()
	m, err := New(arch.MustLookup(name))
	if err != nil {
		t.Fatalf("New(%s) failed: %v", name, err)
	}
	return m
}

func newSpace(t *testing.T, m *Manager) *AddressSpace {
	t.Helper()
	s := m.NewAddressSpace()
	if err := m.Assign(m.InitialPool(), s); err != nil {
		t.Fatalf("Assign got err %v want nil", err)
	}
	return s
}

func newFrame(t *testing.T, m *Manager, size string) *Frame {
	t.Helper()
	f, err := m.NewFrameNamed(size)
	if err != nil {
		t.Fatalf("NewFrameNamed(%q) failed: %v", size, err)
	}
	return f
}

// ensurePath inserts tables until the path to vaddr in s holds a table at
// level.
func ensurePath(t *testing.T, m *Manager, s *AddressSpace, vaddr hostarch.Addr, level int) {
	t.Helper()
	for l := m.TableLevel(s, vaddr); l < level; l = m.TableLevel(s, vaddr) {
		tbl, err := m.NewTable(l + 1)
		if err != nil {
			t.Fatalf("NewTable(%d) failed: %v", l+1, err)
		}
		if err := m.InsertTable(tbl, s, vaddr); err != nil {
			t.Fatalf("InsertTable at %v level %d got err %v want nil", vaddr, l+1, err)
		}
	}
}

// mapAt maps a new frame of the given size at vaddr, building the path.
func mapAt(t *testing.T, m *Manager, s *AddressSpace, vaddr hostarch.Addr, size string) *Frame {
	t.Helper()
	f := newFrame(t, m, size)
	ensurePath(t, m, s, vaddr, f.level)
	if err := m.Map(f, s, vaddr, rw); err != nil {
		t.Fatalf("Map(%v, %v) got err %v want nil", f, vaddr, err)
	}
	return f
}

// leafTable returns the table holding the leaf entry for vaddr.
func leafTable(m *Manager, s *AddressSpace, vaddr hostarch.Addr) *pagetables.Table {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, _ := m.walker.Walk(s.root, vaddr, m.cfg.LeafLevel())
	return t
}

func wantErr(t *testing.T, op string, err error, want *errors.Error) {
	t.Helper()
	if want == nil {
		if err != nil {
			t.Fatalf("%s got err %v want nil", op, err)
		}
		return
	}
	if !vmerr.Equals(want, err) {
		t.Fatalf("%s got err %v want %v", op, err, want)
	}
}

func wantRecord(t *testing.T, f *Frame, s *AddressSpace, vaddr hostarch.Addr, stale bool) {
	t.Helper()
	rec, ok := f.Record()
	if !ok {
		t.Fatalf("%v has no record, want %v at %v", f, s, vaddr)
	}
	if rec.Space != s.ID() || rec.VAddr != vaddr || rec.Stale != stale {
		t.Fatalf("%v record is %v, want %v at %v (stale %t)", f, rec, s, vaddr, stale)
	}
}

func wantNoRecord(t *testing.T, f *Frame) {
	t.Helper()
	if rec, ok := f.Record(); ok {
		t.Fatalf("%v has record %v, want none", f, rec)
	}
}

func wantFrameAt(t *testing.T, m *Manager, s *AddressSpace, vaddr hostarch.Addr, f *Frame) {
	t.Helper()
	tr, err := m.Translate(s, vaddr)
	if err != nil {
		t.Fatalf("Translate(%v) got err %v want frame %d", vaddr, err, f.ID())
	}
	if tr.Frame != f.ID() {
		t.Fatalf("Translate(%v) = frame %d, want %d", vaddr, tr.Frame, f.ID())
	}
}

func TestMapRemapElsewhereNeedsUnmap(t *testing.T) {
	forEachArch(t, func(t *testing.T, m *Manager) {
		s := newSpace(t, m)
		ps := hostarch.Addr(m.cfg.PageSize())
		f := mapAt(t, m, s, testBase, "small")
		wantRecord(t, f, s, testBase, false)

		wantErr(t, "Map at a second address", m.Map(f, s, testBase+ps, rw), vmerr.InvalidArgument)
		wantErr(t, "Unmap", m.Unmap(f), nil)
		wantNoRecord(t, f)
		wantErr(t, "Map after Unmap", m.Map(f, s, testBase+ps, rw), nil)
		wantRecord(t, f, s, testBase+ps, false)
	})
}

func TestMapOtherSpace(t *testing.T) {
	forEachArch(t, func(t *testing.T, m *Manager) {
		s1 := newSpace(t, m)
		s2 := newSpace(t, m)
		f := mapAt(t, m, s1, testBase, "small")
		ensurePath(t, m, s2, testBase, m.cfg.LeafLevel())

		wantErr(t, "Map in another space", m.Map(f, s2, testBase, rw), vmerr.InvalidCapability)
		if _, err := m.Translate(s2, testBase); !vmerr.Equals(vmerr.FailedLookup, err) {
			t.Fatalf("Translate in the other space got err %v want FailedLookup", err)
		}
		wantRecord(t, f, s1, testBase, false)
	})
}

func TestMapSameSlotChangesRights(t *testing.T) {
	forEachArch(t, func(t *testing.T, m *Manager) {
		s := newSpace(t, m)
		f := mapAt(t, m, s, testBase, "small")
		ro := pagetables.MapOpts{AccessType: hostarch.Read}
		wantErr(t, "Map again", m.Map(f, s, testBase, ro), nil)
		tr, err := m.Translate(s, testBase)
		if err != nil {
			t.Fatalf("Translate got err %v want nil", err)
		}
		if tr.Opts.AccessType != hostarch.Read {
			t.Errorf("rights = %v, want %v", tr.Opts.AccessType, hostarch.Read)
		}
		rec, _ := f.Record()
		if rec.Opts.AccessType != hostarch.Read {
			t.Errorf("record rights = %v, want %v", rec.Opts.AccessType, hostarch.Read)
		}
	})
}

func TestMapChecks(t *testing.T) {
	forEachArch(t, func(t *testing.T, m *Manager) {
		unassigned := m.NewAddressSpace()
		f := newFrame(t, m, "small")
		wantErr(t, "Map without ASID", m.Map(f, unassigned, testBase, rw), vmerr.InvalidCapability)

		s := newSpace(t, m)
		wantErr(t, "Map without path", m.Map(f, s, testBase, rw), vmerr.FailedLookup)
		wantErr(t, "Map misaligned", m.Map(f, s, testBase+1, rw), vmerr.AlignmentError)
		wantErr(t, "Map beyond the top", m.Map(f, s, m.cfg.TopOfAddressSpace(), rw), vmerr.InvalidArgument)
		wantNoRecord(t, f)

		large := newFrame(t, m, "large")
		wantErr(t, "Map large misaligned", m.Map(large, s, testBase+hostarch.Addr(m.cfg.PageSize()), rw), vmerr.AlignmentError)
	})
}

func TestLargePageBlocksTables(t *testing.T) {
	forEachArch(t, func(t *testing.T, m *Manager) {
		s := newSpace(t, m)
		mapAt(t, m, s, testBase, "large")

		small := newFrame(t, m, "small")
		wantErr(t, "Map small under a large page", m.Map(small, s, testBase, rw), vmerr.DeleteFirst)

		leaf := m.cfg.LeafLevel()
		tbl, err := m.NewTable(leaf)
		if err != nil {
			t.Fatalf("NewTable failed: %v", err)
		}
		wantErr(t, "InsertTable over a large page", m.InsertTable(tbl, s, testBase), vmerr.DeleteFirst)
		if tbl.Owner() != 0 {
			t.Fatalf("failed insert left table owned by %d", tbl.Owner())
		}

		// A large frame cannot replace a table either.
		size, _ := m.cfg.FrameSizeByName("large")
		next := testBase + hostarch.Addr(size.Size())
		ensurePath(t, m, s, next, leaf)
		wantErr(t, "Map large over a table", m.Map(newFrame(t, m, "large"), s, next, rw), vmerr.DeleteFirst)
	})
}

func TestOverwriteMakesRecordStale(t *testing.T) {
	forEachArch(t, func(t *testing.T, m *Manager) {
		s := newSpace(t, m)
		ps := hostarch.Addr(m.cfg.PageSize())
		f1 := mapAt(t, m, s, testBase, "small")
		f2 := newFrame(t, m, "small")

		wantErr(t, "Map over f1", m.Map(f2, s, testBase, rw), nil)
		wantFrameAt(t, m, s, testBase, f2)
		wantRecord(t, f1, s, testBase, true)
		wantRecord(t, f2, s, testBase, false)

		// The stale record still pins f1 to its old slot for plain maps.
		wantErr(t, "Map stale frame elsewhere", m.Map(f1, s, testBase+ps, rw), vmerr.InvalidArgument)
		wantErr(t, "Map stale frame back", m.Map(f1, s, testBase, rw), nil)
		wantRecord(t, f1, s, testBase, false)
		wantRecord(t, f2, s, testBase, true)

		wantErr(t, "DirectedMap stale frame", m.DirectedMap(s, f2, testBase+ps, rw), nil)
		wantRecord(t, f2, s, testBase+ps, false)
		if got := m.Stats().StaleRelocations(); got != 1 {
			t.Errorf("StaleRelocations = %d, want 1", got)
		}
	})
}

func TestUnmapLeavesEntry(t *testing.T) {
	forEachArch(t, func(t *testing.T, m *Manager) {
		s := newSpace(t, m)
		ps := hostarch.Addr(m.cfg.PageSize())
		f := mapAt(t, m, s, testBase, "small")
		wantErr(t, "Unmap", m.Unmap(f), nil)
		wantErr(t, "Unmap again", m.Unmap(f), nil)
		wantFrameAt(t, m, s, testBase, f)

		wantErr(t, "Map at a new address", m.Map(f, s, testBase+ps, rw), nil)
		wantFrameAt(t, m, s, testBase+ps, f)

		// Overwriting the old slot does not touch the new record.
		wantErr(t, "Map over the old slot", m.Map(newFrame(t, m, "small"), s, testBase, rw), nil)
		wantRecord(t, f, s, testBase+ps, false)
	})
}

func TestDirectedMapLiveRecord(t *testing.T) {
	forEachArch(t, func(t *testing.T, m *Manager) {
		s := newSpace(t, m)
		ps := hostarch.Addr(m.cfg.PageSize())
		f := mapAt(t, m, s, testBase, "small")
		wantErr(t, "DirectedMap elsewhere", m.DirectedMap(s, f, testBase+ps, rw), vmerr.InvalidArgument)
		wantErr(t, "DirectedMap in place", m.DirectedMap(s, f, testBase, rw), nil)

		s2 := newSpace(t, m)
		ensurePath(t, m, s2, testBase, m.cfg.LeafLevel())
		wantErr(t, "DirectedMap into another space", m.DirectedMap(s2, f, testBase, rw), vmerr.InvalidArgument)
	})
}

func TestUnmapTableCascades(t *testing.T) {
	forEachArch(t, func(t *testing.T, m *Manager) {
		s := newSpace(t, m)
		ps := hostarch.Addr(m.cfg.PageSize())
		f1 := mapAt(t, m, s, testBase, "small")
		f2 := mapAt(t, m, s, testBase+ps, "small")
		leaf := leafTable(m, s, testBase)

		wantErr(t, "UnmapTable", m.UnmapTable(leaf), nil)
		wantNoRecord(t, f1)
		wantNoRecord(t, f2)
		if leaf.Owner() != 0 || !leaf.IsEmpty() {
			t.Fatalf("unmapped table is owned by %d, empty %t", leaf.Owner(), leaf.IsEmpty())
		}
		if _, err := m.Translate(s, testBase); !vmerr.Equals(vmerr.FailedLookup, err) {
			t.Fatalf("Translate after UnmapTable got err %v want FailedLookup", err)
		}
		wantErr(t, "UnmapTable again", m.UnmapTable(leaf), nil)

		other := testBase * 2
		ensurePath(t, m, s, other, m.cfg.LeafLevel())
		wantErr(t, "DirectedMap after cascade", m.DirectedMap(s, f1, other, rw), nil)
		wantRecord(t, f1, s, other, false)

		// The detached table can be inserted again.
		wantErr(t, "reinsert table", m.InsertTable(leaf, s, testBase), nil)
		wantErr(t, "Map f2 back", m.Map(f2, s, testBase+ps, rw), nil)
	})
}

func TestUnmapTableCascadesThroughLevels(t *testing.T) {
	m := newManager(t, "x86_64")
	s := newSpace(t, m)
	f := mapAt(t, m, s, testBase, "small")
	large := newFrame(t, m, "large")
	ensurePath(t, m, s, testBase+0x200000, 2)
	wantErr(t, "Map large", m.Map(large, s, testBase+0x200000, rw), nil)

	// Remove the pdpt: the pd and pt beneath it become detached.
	s.mu.Lock()
	pdpt, _ := m.walker.Walk(s.root, testBase, 1)
	pd := m.alloc.LookupTable(pdpt.Entries[m.cfg.Index(testBase, 1)].Table())
	s.mu.Unlock()
	wantErr(t, "UnmapTable pdpt", m.UnmapTable(pdpt), nil)
	wantNoRecord(t, f)
	wantNoRecord(t, large)
	if pd.Owner() != 0 {
		t.Fatalf("pd still owned by %d", pd.Owner())
	}
	if got := m.TableLevel(s, testBase); got != 0 {
		t.Fatalf("TableLevel = %d, want 0", got)
	}
}

func TestInsertTableChecks(t *testing.T) {
	forEachArch(t, func(t *testing.T, m *Manager) {
		s := newSpace(t, m)
		leaf := m.cfg.LeafLevel()
		ensurePath(t, m, s, testBase, leaf)
		tbl := leafTable(m, s, testBase)

		s2 := newSpace(t, m)
		wantErr(t, "InsertTable of a mapped table", m.InsertTable(tbl, s2, testBase), vmerr.InvalidCapability)
		wantErr(t, "InsertTable of a root", m.InsertTable(s2.root, s, testBase*2), vmerr.IllegalOperation)
		wantErr(t, "UnmapTable of a root", m.UnmapTable(s.root), vmerr.IllegalOperation)

		fresh, err := m.NewTable(leaf)
		if err != nil {
			t.Fatalf("NewTable failed: %v", err)
		}
		wantErr(t, "InsertTable into an occupied slot", m.InsertTable(fresh, s, testBase), vmerr.DeleteFirst)
		wantErr(t, "InsertTable beyond the top", m.InsertTable(fresh, s, m.cfg.TopOfAddressSpace()), vmerr.InvalidArgument)
		wantErr(t, "InsertTable without ASID", m.InsertTable(fresh, m.NewAddressSpace(), testBase), vmerr.InvalidCapability)
		if fresh.Owner() != 0 {
			t.Fatalf("failed inserts left table owned by %d", fresh.Owner())
		}
		wantErr(t, "FreeTable", m.FreeTable(fresh), nil)
		wantErr(t, "FreeTable again", m.FreeTable(fresh), vmerr.InvalidCapability)
		wantErr(t, "FreeTable of a root", m.FreeTable(s.root), vmerr.IllegalOperation)
		if leafTable(m, s, testBase) != tbl {
			t.Fatalf("failed FreeTable of a root changed the tree")
		}
		wantErr(t, "FreeTable of a mapped table", m.FreeTable(tbl), nil)
		if tbl.Owner() != 0 {
			t.Fatalf("freed table still owned by %d", tbl.Owner())
		}
	})
}

func TestInsertTableMissingParent(t *testing.T) {
	for _, name := range []string{"aarch64", "aarch64-hyp40", "x86_64"} {
		t.Run(name, func(t *testing.T) {
			m := newManager(t, name)
			s := newSpace(t, m)
			tbl, err := m.NewTable(m.cfg.LeafLevel())
			if err != nil {
				t.Fatalf("NewTable failed: %v", err)
			}
			wantErr(t, "InsertTable of a leaf table", m.InsertTable(tbl, s, testBase), vmerr.FailedLookup)
		})
	}
}

func TestNewTableLevels(t *testing.T) {
	m := newManager(t, "aarch64")
	for _, level := range []int{-1, 0, 4} {
		if _, err := m.NewTable(level); !vmerr.Equals(vmerr.InvalidArgument, err) {
			t.Errorf("NewTable(%d) got err %v want InvalidArgument", level, err)
		}
	}
	tbl, err := m.NewTable(3)
	if err != nil {
		t.Fatalf("NewTable(3) failed: %v", err)
	}
	if len(tbl.Entries) != 512 {
		t.Errorf("leaf table has %d entries, want 512", len(tbl.Entries))
	}
}

func TestUniformTablesTakeLevel(t *testing.T) {
	m := newManager(t, "riscv64")
	s := newSpace(t, m)
	var tables []*pagetables.Table
	for i := 0; i < 2; i++ {
		tbl, err := m.NewTable(0)
		if err != nil {
			t.Fatalf("NewTable failed: %v", err)
		}
		if tbl.Level != pagetables.Unbound {
			t.Fatalf("new table has level %d, want unbound", tbl.Level)
		}
		wantErr(t, "InsertTable", m.InsertTable(tbl, s, testBase), nil)
		if tbl.Level != i+1 {
			t.Fatalf("table %d took level %d, want %d", i, tbl.Level, i+1)
		}
		tables = append(tables, tbl)
	}
	extra, _ := m.NewTable(0)
	wantErr(t, "InsertTable below the leaf", m.InsertTable(extra, s, testBase), vmerr.DeleteFirst)
	if extra.Level != pagetables.Unbound {
		t.Fatalf("failed insert left level %d", extra.Level)
	}

	wantErr(t, "UnmapTable", m.UnmapTable(tables[0]), nil)
	for _, tbl := range tables {
		if tbl.Level != pagetables.Unbound || tbl.Owner() != 0 {
			t.Errorf("table %d: level %d owner %d, want unbound and detached", tbl.ID, tbl.Level, tbl.Owner())
		}
	}
}

func TestDeleteSpace(t *testing.T) {
	forEachArch(t, func(t *testing.T, m *Manager) {
		s := newSpace(t, m)
		free := m.InitialPool().Free()
		f := mapAt(t, m, s, testBase, "small")
		leaf := leafTable(m, s, testBase)

		wantErr(t, "DeleteSpace", m.DeleteSpace(s), nil)
		wantErr(t, "DeleteSpace again", m.DeleteSpace(s), nil)
		wantRecord(t, f, s, testBase, true)
		if got := m.InitialPool().Free(); got != free+1 {
			t.Errorf("pool has %d free slots, want %d", got, free+1)
		}
		if leaf.Owner() != 0 {
			t.Errorf("leaf table still owned by %d", leaf.Owner())
		}

		wantErr(t, "Map into a deleted space", m.Map(newFrame(t, m, "small"), s, testBase, rw), vmerr.InvalidCapability)
		wantErr(t, "Assign a deleted space", m.Assign(m.InitialPool(), s), vmerr.InvalidCapability)
		if _, err := m.Translate(s, testBase); !vmerr.Equals(vmerr.InvalidCapability, err) {
			t.Errorf("Translate in a deleted space got err %v want InvalidCapability", err)
		}

		s2 := newSpace(t, m)
		ensurePath(t, m, s2, testBase, m.cfg.LeafLevel())
		wantErr(t, "Map stale frame into a new space", m.Map(f, s2, testBase, rw), vmerr.InvalidCapability)
		wantErr(t, "DirectedMap stale frame into a new space", m.DirectedMap(s2, f, testBase, rw), nil)

		other := newFrame(t, m, "small")
		wantErr(t, "DirectedMap", m.DirectedMap(s2, other, testBase+hostarch.Addr(m.cfg.PageSize()), rw), nil)
		wantErr(t, "Unmap after delete", m.Unmap(other), nil)
	})
}

func TestDeleteFrame(t *testing.T) {
	forEachArch(t, func(t *testing.T, m *Manager) {
		s := newSpace(t, m)
		f := mapAt(t, m, s, testBase, "small")
		if err := m.WriteUint32(s, testBase, 7); err != nil {
			t.Fatalf("WriteUint32 got err %v want nil", err)
		}
		blocks := m.Memory().Blocks()
		wantErr(t, "DeleteFrame", m.DeleteFrame(f), nil)
		if _, err := m.Translate(s, testBase); !vmerr.Equals(vmerr.FailedLookup, err) {
			t.Errorf("Translate after DeleteFrame got err %v want FailedLookup", err)
		}
		if got := m.Memory().Blocks(); got != blocks-1 {
			t.Errorf("Blocks = %d, want %d", got, blocks-1)
		}
	})
}

func TestDeleteUnmappedFrameLeavesFault(t *testing.T) {
	m := newManager(t, "aarch64")
	s := newSpace(t, m)
	f := mapAt(t, m, s, testBase, "small")
	wantErr(t, "Unmap", m.Unmap(f), nil)
	wantErr(t, "DeleteFrame", m.DeleteFrame(f), nil)
	err := m.Access(s, testBase, hostarch.Read)
	fault, ok := err.(*Fault)
	if !ok || fault.Mapped {
		t.Fatalf("Access to a deleted frame got err %v want an unmapped fault", err)
	}
	// Removing the stale entry does not trip over the deleted frame.
	if _, _, err := m.RangeUnmap(s, testBase, testBase+hostarch.Addr(m.cfg.PageSize())); err != nil {
		t.Fatalf("RangeUnmap got err %v want nil", err)
	}
}
