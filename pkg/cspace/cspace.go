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

// Package cspace is a capability table: it hands out the tables, address
// spaces, frames and ASID pools of a vspace.Manager under capability pointers,
// drawing object memory from a fixed budget.
package cspace

import (
	"fmt"

	"github.com/google/btree"
	"vspace.dev/vspace/pkg/errors/vmerr"
	"vspace.dev/vspace/pkg/log"
	"vspace.dev/vspace/pkg/pagetables"
	"vspace.dev/vspace/pkg/sync"
	"vspace.dev/vspace/pkg/vspace"
)

// CPtr is a capability pointer. Zero is the null capability.
type CPtr uint64

// Kind is the type of the object a capability refers to.
type Kind int

// Object kinds.
const (
	KindUntyped Kind = iota
	KindTable
	KindRoot
	KindFrame
	KindASIDControl
	KindASIDPool
)

var kindNames = map[Kind]string{
	KindUntyped:     "untyped",
	KindTable:       "table",
	KindRoot:        "root",
	KindFrame:       "frame",
	KindASIDControl: "asid_control",
	KindASIDPool:    "asid_pool",
}

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Well-known slots filled by New.
const (
	ASIDControlSlot CPtr = 1
	InitialPoolSlot CPtr = 2
)

// tableEntryBytes is the memory charged per table entry.
const tableEntryBytes = 8

// PoolBytes is the size of the untyped memory consumed by MakePool.
const PoolBytes = 1 << 12

// Object is the target of a capability.
type Object struct {
	Kind Kind

	// Bytes is the memory charged for the object.
	Bytes uint64

	// Exactly one of the fields below is set, according to Kind.
	Table   *pagetables.Table
	Space   *vspace.AddressSpace
	Frame   *vspace.Frame
	Pool    *vspace.ASIDPool
	Control *vspace.ASIDControl
}

// String implements fmt.Stringer.String.
func (o *Object) String() string {
	switch o.Kind {
	case KindTable:
		return fmt.Sprintf("table %d (level %d)", o.Table.ID, o.Table.Level)
	case KindRoot:
		return o.Space.String()
	case KindFrame:
		return o.Frame.String()
	case KindASIDPool:
		return o.Pool.String()
	case KindUntyped:
		return fmt.Sprintf("untyped (%d bytes)", o.Bytes)
	default:
		return o.Kind.String()
	}
}

type slot struct {
	cptr CPtr
	obj  *Object
}

func slotLess(a, b slot) bool {
	return a.cptr < b.cptr
}

// CSpace is a capability table.
type CSpace struct {
	m *vspace.Manager

	// mu protects the fields below.
	mu     sync.Mutex
	slots  *btree.BTreeG[slot]
	budget uint64
	used   uint64
}

// New returns a CSpace for m with budget bytes of object memory. The ASID
// control capability and the initial pool are installed in their well-known
// slots.
func New(m *vspace.Manager, budget uint64) *CSpace {
	c := &CSpace{
		m:      m,
		slots:  btree.NewG(8, slotLess),
		budget: budget,
	}
	c.slots.ReplaceOrInsert(slot{ASIDControlSlot, &Object{Kind: KindASIDControl, Control: m.Control()}})
	c.slots.ReplaceOrInsert(slot{InitialPoolSlot, &Object{Kind: KindASIDPool, Pool: m.InitialPool()}})
	return c
}

// Manager returns the manager the objects belong to.
func (c *CSpace) Manager() *vspace.Manager {
	return c.m
}

// freeSlotLocked returns the lowest empty slot.
//
// Precondition: c.mu must be locked.
func (c *CSpace) freeSlotLocked() CPtr {
	next := CPtr(1)
	c.slots.Ascend(func(s slot) bool {
		if s.cptr != next {
			return false
		}
		next++
		return true
	})
	return next
}

// charge reserves bytes of the budget.
func (c *CSpace) charge(bytes uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if bytes > c.budget-c.used {
		return vmerr.Wrapf(vmerr.NotEnoughMemory, "%d bytes requested, %d of %d left", bytes, c.budget-c.used, c.budget)
	}
	c.used += bytes
	return nil
}

// insert installs obj in the lowest empty slot.
func (c *CSpace) insert(obj *Object) CPtr {
	c.mu.Lock()
	defer c.mu.Unlock()
	cptr := c.freeSlotLocked()
	c.slots.ReplaceOrInsert(slot{cptr, obj})
	log.Debugf("cspace: %v in slot %d", obj, cptr)
	return cptr
}

// NewUntyped allocates bytes of untyped memory.
func (c *CSpace) NewUntyped(bytes uint64) (CPtr, error) {
	if err := c.charge(bytes); err != nil {
		return 0, err
	}
	return c.insert(&Object{Kind: KindUntyped, Bytes: bytes}), nil
}

// NewTable allocates a table for the given level.
func (c *CSpace) NewTable(level int) (CPtr, error) {
	t, err := c.m.NewTable(level)
	if err != nil {
		return 0, err
	}
	bytes := uint64(len(t.Entries)) * tableEntryBytes
	if err := c.charge(bytes); err != nil {
		if ferr := c.m.FreeTable(t); ferr != nil {
			log.Warningf("cspace: freeing table %d: %v", t.ID, ferr)
		}
		return 0, err
	}
	return c.insert(&Object{Kind: KindTable, Bytes: bytes, Table: t}), nil
}

// NewRoot allocates an address space without an ASID.
func (c *CSpace) NewRoot() (CPtr, error) {
	bytes := uint64(c.m.Config().Entries(0)) * tableEntryBytes
	if err := c.charge(bytes); err != nil {
		return 0, err
	}
	return c.insert(&Object{Kind: KindRoot, Bytes: bytes, Space: c.m.NewAddressSpace()}), nil
}

// NewFrame allocates a frame of the named size.
func (c *CSpace) NewFrame(size string) (CPtr, error) {
	fs, ok := c.m.Config().FrameSizeByName(size)
	if !ok {
		return 0, vmerr.Wrapf(vmerr.InvalidArgument, "unknown frame size %q", size)
	}
	if err := c.charge(fs.Size()); err != nil {
		return 0, err
	}
	f, err := c.m.NewFrame(fs)
	if err != nil {
		c.uncharge(fs.Size())
		return 0, err
	}
	return c.insert(&Object{Kind: KindFrame, Bytes: fs.Size(), Frame: f}), nil
}

// MakePool creates an ASID pool from the untyped memory at untyped, which is
// consumed. It fails with DeleteFirst once every pool exists, before the
// untyped capability is examined.
func (c *CSpace) MakePool(untyped CPtr) (CPtr, error) {
	control := c.m.Control()
	if !control.HasFreePool() {
		return 0, vmerr.Wrapf(vmerr.DeleteFirst, "all %d ASID pools are in use", control.NumPools())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots.Get(slot{cptr: untyped})
	if !ok || s.obj.Kind != KindUntyped {
		return 0, vmerr.Wrapf(vmerr.InvalidCapability, "slot %d does not hold untyped memory", untyped)
	}
	if s.obj.Bytes < PoolBytes {
		return 0, vmerr.Wrapf(vmerr.InvalidArgument, "untyped at slot %d has %d bytes, a pool needs %d", untyped, s.obj.Bytes, PoolBytes)
	}
	p, err := control.MakePool()
	if err != nil {
		return 0, err
	}
	c.slots.ReplaceOrInsert(slot{untyped, &Object{Kind: KindASIDPool, Bytes: s.obj.Bytes, Pool: p}})
	return untyped, nil
}

// Lookup returns the object at cptr. An empty slot fails with
// InvalidCapability.
func (c *CSpace) Lookup(cptr CPtr) (*Object, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots.Get(slot{cptr: cptr})
	if !ok {
		return nil, vmerr.Wrapf(vmerr.InvalidCapability, "slot %d is empty", cptr)
	}
	return s.obj, nil
}

func (c *CSpace) lookupKind(cptr CPtr, kind Kind) (*Object, error) {
	obj, err := c.Lookup(cptr)
	if err != nil {
		return nil, err
	}
	if obj.Kind != kind {
		return nil, vmerr.Wrapf(vmerr.InvalidCapability, "slot %d holds %v, not a %v", cptr, obj, kind)
	}
	return obj, nil
}

// Table returns the table at cptr. A root presented as a table fails with
// IllegalOperation.
func (c *CSpace) Table(cptr CPtr) (*pagetables.Table, error) {
	obj, err := c.Lookup(cptr)
	if err != nil {
		return nil, err
	}
	switch obj.Kind {
	case KindTable:
		return obj.Table, nil
	case KindRoot:
		return nil, vmerr.Wrapf(vmerr.IllegalOperation, "slot %d holds the root of %v", cptr, obj.Space)
	default:
		return nil, vmerr.Wrapf(vmerr.InvalidCapability, "slot %d holds %v, not a table", cptr, obj)
	}
}

// Space returns the address space at cptr.
func (c *CSpace) Space(cptr CPtr) (*vspace.AddressSpace, error) {
	obj, err := c.lookupKind(cptr, KindRoot)
	if err != nil {
		return nil, err
	}
	return obj.Space, nil
}

// Frame returns the frame at cptr.
func (c *CSpace) Frame(cptr CPtr) (*vspace.Frame, error) {
	obj, err := c.lookupKind(cptr, KindFrame)
	if err != nil {
		return nil, err
	}
	return obj.Frame, nil
}

// Pool returns the ASID pool at cptr.
func (c *CSpace) Pool(cptr CPtr) (*vspace.ASIDPool, error) {
	obj, err := c.lookupKind(cptr, KindASIDPool)
	if err != nil {
		return nil, err
	}
	return obj.Pool, nil
}

// Assign binds the address space at root to a slot of the pool at pool.
func (c *CSpace) Assign(pool, root CPtr) error {
	p, err := c.Pool(pool)
	if err != nil {
		return err
	}
	s, err := c.Space(root)
	if err != nil {
		return err
	}
	return c.m.Assign(p, s)
}

func (c *CSpace) uncharge(bytes uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.used -= bytes
}

// Delete finalizes the object at cptr and empties the slot. A mapped frame
// is removed from its table, a mapped table is unmapped with its subtree and
// a root deletes its address space. ASID pools and the control capability
// cannot be deleted (IllegalOperation).
func (c *CSpace) Delete(cptr CPtr) error {
	obj, err := c.Lookup(cptr)
	if err != nil {
		return err
	}
	switch obj.Kind {
	case KindASIDControl, KindASIDPool:
		return vmerr.Wrapf(vmerr.IllegalOperation, "%v in slot %d cannot be deleted", obj, cptr)
	case KindFrame:
		err = c.m.DeleteFrame(obj.Frame)
	case KindTable:
		err = c.m.FreeTable(obj.Table)
	case KindRoot:
		err = c.m.DeleteSpace(obj.Space)
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.slots.Delete(slot{cptr: cptr})
	c.used -= obj.Bytes
	c.mu.Unlock()
	log.Debugf("cspace: deleted %v from slot %d", obj, cptr)
	return nil
}

// Len returns the number of occupied slots.
func (c *CSpace) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slots.Len()
}

// Used returns the bytes charged to live objects and the budget.
func (c *CSpace) Used() (used, budget uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used, c.budget
}

// Ascend calls fn for every occupied slot in increasing order until fn
// returns false.
func (c *CSpace) Ascend(fn func(cptr CPtr, obj *Object) bool) {
	c.mu.Lock()
	var slots []slot
	c.slots.Ascend(func(s slot) bool {
		slots = append(slots, s)
		return true
	})
	c.mu.Unlock()
	for _, s := range slots {
		if !fn(s.cptr, s.obj) {
			return
		}
	}
}
