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

	"vspace.dev/vspace/pkg/bitmap"
	"vspace.dev/vspace/pkg/errors/vmerr"
	"vspace.dev/vspace/pkg/log"
	"vspace.dev/vspace/pkg/sync"
)

// ASIDControl creates ASID pools. At most Config.NumASIDPools pools exist,
// including the initial one, and pools are never freed.
type ASIDControl struct {
	m *Manager

	// mu protects the fields below.
	mu    sync.Mutex
	used  bitmap.Bitmap
	pools []*ASIDPool
}

func newASIDControl(m *Manager) *ASIDControl {
	c := &ASIDControl{
		m:     m,
		used:  bitmap.New(uint32(m.cfg.NumASIDPools())),
		pools: make([]*ASIDPool, m.cfg.NumASIDPools()),
	}
	p := c.newPoolLocked(0)
	// ASID zero is never handed out.
	p.slots.Add(0)
	return c
}

func (c *ASIDControl) newPoolLocked(index uint32) *ASIDPool {
	p := &ASIDPool{
		index: index,
		base:  ASID(index) << c.m.cfg.ASIDPoolIndexBits,
		slots: bitmap.New(uint32(c.m.cfg.ASIDPoolSize())),
	}
	c.used.Add(index)
	c.pools[index] = p
	return p
}

func (c *ASIDControl) pool(index uint32) *ASIDPool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pools[index]
}

// HasFreePool returns true if MakePool would not fail.
func (c *ASIDControl) HasFreePool() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.used.IsFull()
}

// NumPools returns the number of live pools.
func (c *ASIDControl) NumPools() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.used.GetNumOnes())
}

// MakePool creates a new pool. It fails with DeleteFirst once the maximum
// number of pools exists.
func (c *ASIDControl) MakePool() (*ASIDPool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	index, err := c.used.FirstZero(0)
	if err != nil {
		err := vmerr.Wrapf(vmerr.DeleteFirst, "all %d ASID pools are in use", c.used.Size())
		c.m.stats.count(opMakePool, err)
		return nil, err
	}
	p := c.newPoolLocked(index)
	c.m.stats.count(opMakePool, nil)
	log.Debugf("MakePool: pool %d covers ASIDs from %d", index, p.base)
	return p, nil
}

// ASIDPool hands out the ASIDs of one pool.
type ASIDPool struct {
	// index and base are immutable.
	index uint32
	base  ASID

	// mu protects the fields below.
	mu    sync.Mutex
	slots bitmap.Bitmap
}

// Index returns the pool number.
func (p *ASIDPool) Index() int {
	return int(p.index)
}

// Free returns the number of unassigned slots.
func (p *ASIDPool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.slots.Size() - p.slots.GetNumOnes())
}

// String implements fmt.Stringer.String.
func (p *ASIDPool) String() string {
	return fmt.Sprintf("asid pool %d", p.index)
}

// Assign binds s to a free slot of p. It fails with DeleteFirst if p is full
// or if s already holds an ASID, and with InvalidCapability if s was deleted.
func (m *Manager) Assign(p *ASIDPool, s *AddressSpace) error {
	err := m.assign(p, s)
	m.stats.count(opAssign, err)
	return err
}

func (m *Manager) assign(p *ASIDPool, s *AddressSpace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return vmerr.Wrapf(vmerr.InvalidCapability, "%v was deleted", s)
	}
	if s.asid != InvalidASID {
		return vmerr.Wrapf(vmerr.DeleteFirst, "%v already holds asid %d", s, s.asid)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	slot, err := p.slots.FirstZero(0)
	if err != nil {
		return vmerr.Wrapf(vmerr.DeleteFirst, "%v has no free slot", p)
	}
	p.slots.Add(slot)
	s.asid = p.base + ASID(slot)
	s.pool = p
	log.Debugf("Assign %v: asid %d from %v", s, s.asid, p)
	return nil
}

// release frees the slot of asid.
//
// Preconditions: the address space holding asid must be locked.
func (p *ASIDPool) release(asid ASID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slots.Remove(uint32(asid - p.base))
}
