// Copyright 2018 The gVisor Authors.
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

package pagetables

import (
	"fmt"

	"vspace.dev/vspace/pkg/arch"
	"vspace.dev/vspace/pkg/errors/vmerr"
	"vspace.dev/vspace/pkg/hostarch"
)

// Walker walks tables shaped by Config.
type Walker struct {
	// Config describes the hierarchy.
	Config *arch.Config

	// Allocator holds the tables.
	Allocator Allocator
}

// addrEnd returns the address of the next boundary of size after addr, or
// end if that comes earlier. size is a power of two.
func addrEnd(addr, end hostarch.Addr, size uint64) hostarch.Addr {
	next := (addr + hostarch.Addr(size)) &^ hostarch.Addr(size-1)
	if next < addr || next > end {
		return end
	}
	return next
}

// child returns the table pointed to by pte.
func (w *Walker) child(pte *PTE) *Table {
	t := w.Allocator.LookupTable(pte.Table())
	if t == nil {
		panic(fmt.Sprintf("entry %v points to a missing table", pte))
	}
	return t
}

// Walk descends from root towards level for addr. It returns the table
// holding the entry for addr at the deepest level reached, and the index of
// that entry. If the returned table is above level, the entry is not a table:
// it is either empty or a page covering addr.
func (w *Walker) Walk(root *Table, addr hostarch.Addr, level int) (*Table, int) {
	t := root
	for {
		idx := w.Config.Index(addr, t.Level)
		if t.Level >= level || !t.Entries[idx].IsTable() {
			return t, idx
		}
		t = w.child(&t.Entries[idx])
	}
}

// Visitor is called for every entry in a chunk. addr is the first address
// translated by the entry.
type Visitor func(addr hostarch.Addr, level int, pte *PTE)

// Chunk visits a run of consecutive entries of one table, starting with the
// entry translating start, and returns the number of entries visited and the
// address following the last one.
//
// The walk for start stops at the first entry that is not a table. If that
// entry is an empty entry above the leaf level, the path to start is
// incomplete and Chunk fails with FailedLookup. Otherwise the run continues
// until max entries were visited, the table ends, end is reached, or (above
// the leaf level) an entry that is not a page is found.
func (w *Walker) Chunk(root *Table, start, end hostarch.Addr, max int, visit Visitor) (int, hostarch.Addr, error) {
	leaf := w.Config.LeafLevel()
	t, idx := w.Walk(root, start, leaf)
	if t.Level < leaf && !t.Entries[idx].Valid() {
		return 0, start, vmerr.Wrapf(vmerr.FailedLookup, "no %s for %v", w.Config.LevelName(t.Level+1), start)
	}
	size := w.Config.EntrySize(t.Level)
	addr := start.RoundDown(size)
	num := 0
	for idx < len(t.Entries) && num < max && addr < end {
		pte := &t.Entries[idx]
		if t.Level < leaf && !pte.IsPage() {
			break
		}
		visit(addr, t.Level, pte)
		num++
		idx++
		addr = addrEnd(addr, ^hostarch.Addr(0), size)
	}
	return num, addr, nil
}

// Teardown empties the subtree below t. page is called for every page entry
// found, before it is cleared. table is called for every descendant table
// after it was emptied and detached from t's subtree.
func (w *Walker) Teardown(t *Table, page func(addr hostarch.Addr, level int, pte PTE), table func(*Table)) {
	size := w.Config.EntrySize(t.Level)
	for i := range t.Entries {
		pte := &t.Entries[i]
		switch {
		case pte.IsPage():
			if page != nil {
				page(t.Base+hostarch.Addr(uint64(i)*size), t.Level, *pte)
			}
		case pte.IsTable():
			c := w.child(pte)
			w.Teardown(c, page, table)
			if table != nil {
				table(c)
			}
		}
		pte.Clear()
	}
}

// Attach installs c in the entry idx of parent. c must be detached and parent
// one level above c's level.
func (w *Walker) Attach(parent *Table, idx int, c *Table) error {
	var e PTE
	e.SetTable(c.ID)
	if _, err := parent.Insert(idx, e); err != nil {
		return err
	}
	c.Parent = parent.ID
	c.ParentIndex = idx
	c.Base = parent.Base + hostarch.Addr(uint64(idx)*w.Config.EntrySize(parent.Level))
	return nil
}

// Translate returns the entry mapping addr and its level, or nil if addr is
// not mapped.
func (w *Walker) Translate(root *Table, addr hostarch.Addr) (*PTE, int) {
	t, idx := w.Walk(root, addr, w.Config.LeafLevel())
	pte := &t.Entries[idx]
	if !pte.IsPage() {
		return nil, t.Level
	}
	return pte, t.Level
}
