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

// Package vspace implements capability-governed address spaces: hierarchies
// of translation tables rooted at an address space, frames mapped into them,
// and the ASID pools address spaces are bound to.
//
// Lock ordering:
//
//	AddressSpace.mu
//		ASIDPool.mu
//		Frame.mu (several frames are locked in increasing FrameID order)
//			Manager.mu
//
// Every structural mutation of an address space happens with its mu held, so
// address spaces are independent of each other. The mapping record of a frame
// is only changed with Frame.mu held, which serializes address spaces
// competing for the same frame.
package vspace

import (
	"fmt"
	"time"

	"vspace.dev/vspace/pkg/arch"
	"vspace.dev/vspace/pkg/errors/vmerr"
	"vspace.dev/vspace/pkg/hostarch"
	"vspace.dev/vspace/pkg/log"
	"vspace.dev/vspace/pkg/pagetables"
	"vspace.dev/vspace/pkg/physmem"
	"vspace.dev/vspace/pkg/sync"
)

// staleLogInterval bounds how often stale mapping records are reported.
const staleLogInterval = time.Second

// Manager owns every table, frame and address space of one architecture.
type Manager struct {
	cfg    *arch.Config
	alloc  *pagetables.RuntimeAllocator
	walker pagetables.Walker
	mem    physmem.Memory
	stats  Stats

	// staleLog reports stale mapping records.
	staleLog log.Logger

	// control is immutable.
	control *ASIDControl

	// mu protects the fields below.
	mu        sync.RWMutex
	frames    map[FrameID]*Frame
	nextFrame FrameID
	spaces    map[SpaceID]*AddressSpace
	nextSpace SpaceID
}

// New returns a Manager for the given architecture. The configuration must
// not be modified afterwards.
func New(cfg *arch.Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:       cfg,
		alloc:     pagetables.NewRuntimeAllocator(),
		staleLog:  log.BasicRateLimitedLogger(staleLogInterval),
		frames:    make(map[FrameID]*Frame),
		nextFrame: 1,
		spaces:    make(map[SpaceID]*AddressSpace),
		nextSpace: 1,
	}
	m.walker = pagetables.Walker{Config: cfg, Allocator: m.alloc}
	m.control = newASIDControl(m)
	m.stats.init()
	log.Infof("vspace manager for %v: %d ASID pools of %d", cfg, cfg.NumASIDPools(), cfg.ASIDPoolSize())
	return m, nil
}

// Config returns the architecture configuration.
func (m *Manager) Config() *arch.Config {
	return m.cfg
}

// Control returns the ASID control object.
func (m *Manager) Control() *ASIDControl {
	return m.control
}

// InitialPool returns the ASID pool that exists from the start.
func (m *Manager) InitialPool() *ASIDPool {
	return m.control.pool(0)
}

// Stats returns the operation counters.
func (m *Manager) Stats() *Stats {
	return &m.stats
}

// Memory returns the frame backing memory.
func (m *Manager) Memory() *physmem.Memory {
	return &m.mem
}

// NewTable allocates a detached table for the given level. Level 0 is the
// root level and cannot be allocated as a plain table. On architectures with
// uniform tables, level is ignored and the table takes its level when it is
// inserted.
func (m *Manager) NewTable(level int) (*pagetables.Table, error) {
	if m.cfg.UniformTables {
		return m.alloc.NewTable(pagetables.Unbound, m.cfg.Entries(1)), nil
	}
	if level <= 0 || level >= m.cfg.Depth() {
		return nil, vmerr.Wrapf(vmerr.InvalidArgument, "no table level %d below the root of %s", level, m.cfg.Name)
	}
	return m.alloc.NewTable(level, m.cfg.Entries(level)), nil
}

// FreeTable releases a table. A mapped table is unmapped first. Roots are
// released through DeleteSpace (IllegalOperation), and a table freed before
// fails InvalidCapability.
func (m *Manager) FreeTable(t *pagetables.Table) error {
	if m.alloc.LookupTable(t.ID) != t {
		return vmerr.Wrapf(vmerr.InvalidCapability, "table %d was freed", t.ID)
	}
	if err := m.UnmapTable(t); err != nil {
		return err
	}
	if owner := t.Owner(); owner != 0 {
		return vmerr.Wrapf(vmerr.InvalidCapability, "table %d was mapped again in space %d", t.ID, owner)
	}
	m.alloc.FreeTable(t)
	return nil
}

// NewFrame allocates a frame of the given size.
func (m *Manager) NewFrame(size arch.FrameSize) (*Frame, error) {
	level, ok := m.cfg.FrameLevel(size)
	if !ok {
		return nil, vmerr.Wrapf(vmerr.InvalidArgument, "frame size %q is not mappable on %s", size.Name, m.cfg.Name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	f := &Frame{
		id:    m.nextFrame,
		size:  size,
		level: level,
		mem:   m.mem.NewBlock(size.Size()),
	}
	m.nextFrame++
	m.frames[f.id] = f
	return f, nil
}

// NewFrameNamed allocates a frame of the named size.
func (m *Manager) NewFrameNamed(name string) (*Frame, error) {
	size, ok := m.cfg.FrameSizeByName(name)
	if !ok {
		return nil, vmerr.Wrapf(vmerr.InvalidArgument, "unknown frame size %q", name)
	}
	return m.NewFrame(size)
}

// NewAddressSpace allocates a root table and returns a detached address space
// without an ASID.
func (m *Manager) NewAddressSpace() *AddressSpace {
	root := m.alloc.NewTable(0, m.cfg.Entries(0))
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &AddressSpace{
		m:    m,
		id:   m.nextSpace,
		root: root,
	}
	m.nextSpace++
	root.Claim(uint64(s.id))
	m.spaces[s.id] = s
	return s
}

// lookupFrame returns the frame with the given ID, or nil if it was deleted.
func (m *Manager) lookupFrame(id FrameID) *Frame {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.frames[id]
}

// lookupSpace returns the live address space with the given ID, or nil.
func (m *Manager) lookupSpace(id SpaceID) *AddressSpace {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.spaces[id]
}

// releaseTable detaches t from its parent and owner. The level is reset
// before the owner is cleared, so the next claimant sees it.
func (m *Manager) releaseTable(t *pagetables.Table) {
	if m.cfg.UniformTables {
		t.Level = pagetables.Unbound
	}
	t.Release()
}

// checkAddr checks that vaddr can hold a mapping of size bytes.
func (m *Manager) checkAddr(vaddr hostarch.Addr, size uint64) error {
	if !vaddr.IsAligned(size) {
		return vmerr.Wrapf(vmerr.AlignmentError, "%v is not aligned to %#x", vaddr, size)
	}
	if end, ok := vaddr.AddLength(size); !ok || end > m.cfg.TopOfAddressSpace() {
		return vmerr.Wrapf(vmerr.InvalidArgument, "%v is outside the %d-bit address space", vaddr, m.cfg.AddressBits())
	}
	return nil
}

// String implements fmt.Stringer.String.
func (m *Manager) String() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fmt.Sprintf("%s: %d spaces, %d frames, %d tables", m.cfg.Name, len(m.spaces), len(m.frames), m.alloc.Len())
}
