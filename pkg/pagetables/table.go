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
	"sync/atomic"

	"vspace.dev/vspace/pkg/errors/vmerr"
	"vspace.dev/vspace/pkg/hostarch"
)

// Unbound is the level of a table whose level is chosen when it is inserted.
const Unbound = -1

// Table is one table of the hierarchy.
//
// The entries and placement fields are protected by the lock of the address
// space that owns the table. A detached table may only be modified by the
// goroutine that claimed it.
type Table struct {
	// ID is immutable.
	ID TableID

	// Level is the level of the table, or Unbound.
	Level int

	// Entries are the table entries.
	Entries PTEs

	// Parent and ParentIndex locate the entry pointing to this table. They
	// are zero for roots and detached tables.
	Parent      TableID
	ParentIndex int

	// Base is the first virtual address translated by this table.
	Base hostarch.Addr

	// owner is the address space holding this table, or zero.
	owner atomic.Uint64
}

// Owner returns the address space holding the table, or zero if detached.
func (t *Table) Owner() uint64 {
	return t.owner.Load()
}

// Claim marks the table as owned by space. It returns false if the table is
// already owned.
func (t *Table) Claim(space uint64) bool {
	return t.owner.CompareAndSwap(0, space)
}

// Release detaches the table from its owner and parent.
func (t *Table) Release() {
	t.Parent = 0
	t.ParentIndex = 0
	t.Base = 0
	t.owner.Store(0)
}

// Lookup returns the entry at index.
func (t *Table) Lookup(index int) PTE {
	return t.Entries[index]
}

// Insert installs e at index and returns the previous occupant.
//
// A page may replace an empty slot or another page. A table may only be
// installed in an empty slot. Anything else fails with DeleteFirst.
func (t *Table) Insert(index int, e PTE) (PTE, error) {
	old := t.Entries[index]
	switch {
	case !old.Valid():
	case old.IsPage() && e.IsPage():
	default:
		return old, vmerr.Wrapf(vmerr.DeleteFirst, "slot %d of table %d holds %v", index, t.ID, &old)
	}
	t.Entries[index] = e
	return old, nil
}

// Remove clears the entry at index and returns the previous occupant.
func (t *Table) Remove(index int) PTE {
	old := t.Entries[index]
	t.Entries[index].Clear()
	return old
}

// IsEmpty returns true if no entry is valid.
func (t *Table) IsEmpty() bool {
	for i := range t.Entries {
		if t.Entries[i].Valid() {
			return false
		}
	}
	return true
}
