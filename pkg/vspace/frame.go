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

	"vspace.dev/vspace/pkg/arch"
	"vspace.dev/vspace/pkg/hostarch"
	"vspace.dev/vspace/pkg/log"
	"vspace.dev/vspace/pkg/pagetables"
	"vspace.dev/vspace/pkg/physmem"
	"vspace.dev/vspace/pkg/sync"
)

// FrameID identifies a frame. IDs are never reused by a Manager.
type FrameID = pagetables.FrameID

// MappingRecord records where a frame is mapped.
type MappingRecord struct {
	// Space is the address space holding the mapping.
	Space SpaceID

	// ASID is the ASID Space had when the mapping was made.
	ASID ASID

	// VAddr is the virtual address of the mapping.
	VAddr hostarch.Addr

	// Opts are the rights and attributes of the mapping.
	Opts pagetables.MapOpts

	// Stale is set once the slot named by the record stopped holding the
	// frame without the record being cleared: the slot was overwritten by
	// another frame, removed by a range unmap, or its address space was
	// deleted.
	Stale bool
}

// String implements fmt.Stringer.String.
func (r MappingRecord) String() string {
	s := fmt.Sprintf("space %d (asid %d) at %v %v", r.Space, r.ASID, r.VAddr, r.Opts)
	if r.Stale {
		s += " (stale)"
	}
	return s
}

// Frame is a unit of physical memory of one of the configured frame sizes.
type Frame struct {
	// id, size and level are immutable.
	id    FrameID
	size  arch.FrameSize
	level int

	// mem is the frame contents.
	mem *physmem.Block

	// mu protects rec.
	mu sync.Mutex

	// rec is the mapping record, or nil when the frame is not mapped.
	rec *MappingRecord
}

// ID returns the frame ID.
func (f *Frame) ID() FrameID {
	return f.id
}

// Size returns the frame size.
func (f *Frame) Size() arch.FrameSize {
	return f.size
}

// Record returns a copy of the mapping record and whether it is set.
func (f *Frame) Record() (MappingRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rec == nil {
		return MappingRecord{}, false
	}
	return *f.rec, true
}

// String implements fmt.Stringer.String.
func (f *Frame) String() string {
	return fmt.Sprintf("frame %d (%s)", f.id, f.size.Name)
}

// recordMatches returns true if the record of f is live at (space, vaddr).
//
// Precondition: f.mu must be locked.
func (f *Frame) recordMatches(space SpaceID, vaddr hostarch.Addr) bool {
	return f.rec != nil && !f.rec.Stale && f.rec.Space == space && f.rec.VAddr == vaddr
}

// Unmap clears the mapping record of f. The table entry that referenced the
// frame is left in place. Unmapping an unmapped frame is a no-op.
func (m *Manager) Unmap(f *Frame) error {
	f.mu.Lock()
	rec := f.rec
	f.rec = nil
	f.mu.Unlock()
	m.stats.count(opUnmap, nil)
	if rec != nil {
		log.Debugf("Unmap %v: cleared record %v", f, *rec)
	}
	return nil
}

// invalidate updates the record of the frame that was held by the slot at
// (space, vaddr) once the slot no longer holds it. If the record still names
// that slot, it is cleared when clear is set and marked stale otherwise.
//
// Precondition: the address space lock must be held and the frame lock must
// not be held.
func (m *Manager) invalidate(space SpaceID, id FrameID, vaddr hostarch.Addr, clear bool) {
	f := m.lookupFrame(id)
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.recordMatches(space, vaddr) {
		return
	}
	if clear {
		f.rec = nil
		return
	}
	f.rec.Stale = true
}

// DeleteFrame deletes f. A live mapping of f is removed from its table first.
func (m *Manager) DeleteFrame(f *Frame) error {
	for {
		rec, ok := f.Record()
		if !ok || rec.Stale {
			break
		}
		s := m.lookupSpace(rec.Space)
		if s == nil {
			break
		}
		s.mu.Lock()
		f.mu.Lock()
		if !f.recordMatches(rec.Space, rec.VAddr) {
			// Moved while we were not holding the lock.
			f.mu.Unlock()
			s.mu.Unlock()
			continue
		}
		t, idx := m.walker.Walk(s.root, rec.VAddr, f.level)
		if pte := &t.Entries[idx]; t.Level == f.level && pte.IsPage() && pte.Frame() == f.id {
			pte.Clear()
		}
		f.rec = nil
		f.mu.Unlock()
		s.mu.Unlock()
		break
	}

	f.mu.Lock()
	f.rec = nil
	f.mu.Unlock()
	m.mu.Lock()
	delete(m.frames, f.id)
	m.mu.Unlock()
	log.Debugf("DeleteFrame %v", f)
	return f.mem.Release()
}
