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
	"fmt"

	"vspace.dev/vspace/pkg/errors/vmerr"
	"vspace.dev/vspace/pkg/hostarch"
	"vspace.dev/vspace/pkg/log"
	"vspace.dev/vspace/pkg/pagetables"
	"vspace.dev/vspace/pkg/sync"
)

// SpaceID identifies an address space. IDs are never reused by a Manager, so
// a mapping record naming a deleted address space never matches a new one.
type SpaceID uint64

// ASID is an address space identifier.
type ASID uint32

// InvalidASID is the ASID of an address space that was never assigned one.
const InvalidASID ASID = 0

// AddressSpace is a root table and the ASID it is bound to.
type AddressSpace struct {
	m *Manager

	// id and root are immutable.
	id   SpaceID
	root *pagetables.Table

	// mu serializes all structural operations on the address space.
	mu sync.Mutex

	// asid and pool are set once by ASIDPool.Assign.
	asid ASID
	pool *ASIDPool

	// dead is set by DeleteSpace.
	dead bool
}

// ID returns the address space ID.
func (s *AddressSpace) ID() SpaceID {
	return s.id
}

// ASID returns the ASID of s, or InvalidASID.
func (s *AddressSpace) ASID() ASID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.asid
}

// Root returns the ID of the root table.
func (s *AddressSpace) Root() pagetables.TableID {
	return s.root.ID
}

// String implements fmt.Stringer.String.
func (s *AddressSpace) String() string {
	return fmt.Sprintf("space %d", s.id)
}

// checkUsable returns an error unless frames and tables may be mapped in s.
//
// Precondition: s.mu must be locked.
func (s *AddressSpace) checkUsable() error {
	if s.dead {
		return vmerr.Wrapf(vmerr.InvalidCapability, "%v was deleted", s)
	}
	if s.asid == InvalidASID {
		return vmerr.Wrapf(vmerr.InvalidCapability, "%v has no ASID", s)
	}
	return nil
}

// dismantle empties the tree of s below t. Frames whose records name a
// removed slot get their record cleared if clear is set, and marked stale
// otherwise. Descendant tables are detached.
//
// Precondition: s.mu must be locked.
func (m *Manager) dismantle(s *AddressSpace, t *pagetables.Table, clear bool) (pages, tables int) {
	m.walker.Teardown(t, func(addr hostarch.Addr, level int, pte pagetables.PTE) {
		m.invalidate(s.id, pte.Frame(), addr, clear)
		pages++
	}, func(c *pagetables.Table) {
		m.releaseTable(c)
		tables++
	})
	return pages, tables
}

// DeleteSpace deletes s. Every table below the root is detached, frames
// mapped in s keep stale records, and the ASID of s returns to its pool.
// Deleting a deleted address space is a no-op.
func (m *Manager) DeleteSpace(s *AddressSpace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return nil
	}
	pages, tables := m.dismantle(s, s.root, false)
	if s.pool != nil {
		s.pool.release(s.asid)
	}
	asid := s.asid
	s.asid = InvalidASID
	s.pool = nil
	s.dead = true

	m.mu.Lock()
	delete(m.spaces, s.id)
	m.mu.Unlock()

	s.root.Release()
	m.alloc.FreeTable(s.root)
	m.stats.count(opDeleteSpace, nil)
	log.Debugf("DeleteSpace %v (asid %d): %d pages, %d tables detached", s, asid, pages, tables)
	return nil
}
