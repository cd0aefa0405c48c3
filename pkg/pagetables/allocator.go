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

	"vspace.dev/vspace/pkg/sync"
)

// Allocator is used to allocate and map tables.
type Allocator interface {
	// NewTable returns a new detached table with the given number of
	// entries.
	NewTable(level, entries int) *Table

	// LookupTable returns the table with the given ID, or nil.
	LookupTable(id TableID) *Table

	// FreeTable frees a table. The table must be detached.
	FreeTable(t *Table)
}

// RuntimeAllocator is an arena of tables indexed by TableID. IDs of freed
// tables are reused.
type RuntimeAllocator struct {
	mu     sync.RWMutex
	tables []*Table
	free   []TableID
}

// NewRuntimeAllocator returns an allocator.
func NewRuntimeAllocator() *RuntimeAllocator {
	// Slot zero is reserved so that the zero TableID is never valid.
	return &RuntimeAllocator{tables: make([]*Table, 1)}
}

// NewTable implements Allocator.NewTable.
func (r *RuntimeAllocator) NewTable(level, entries int) *Table {
	r.mu.Lock()
	defer r.mu.Unlock()
	var id TableID
	if n := len(r.free); n > 0 {
		id = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		id = TableID(len(r.tables))
		r.tables = append(r.tables, nil)
	}
	t := &Table{
		ID:      id,
		Level:   level,
		Entries: make(PTEs, entries),
	}
	r.tables[id] = t
	return t
}

// LookupTable implements Allocator.LookupTable.
func (r *RuntimeAllocator) LookupTable(id TableID) *Table {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(id) >= len(r.tables) {
		return nil
	}
	return r.tables[id]
}

// FreeTable implements Allocator.FreeTable.
func (r *RuntimeAllocator) FreeTable(t *Table) {
	if t.Owner() != 0 {
		panic(fmt.Sprintf("freeing table %d still owned by %d", t.ID, t.Owner()))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tables[t.ID] != t {
		panic(fmt.Sprintf("table %d freed twice", t.ID))
	}
	r.tables[t.ID] = nil
	r.free = append(r.free, t.ID)
}

// Len returns the number of live tables.
func (r *RuntimeAllocator) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tables) - 1 - len(r.free)
}
