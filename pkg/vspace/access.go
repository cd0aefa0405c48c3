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
	"encoding/binary"
	"fmt"

	"vspace.dev/vspace/pkg/errors/vmerr"
	"vspace.dev/vspace/pkg/hostarch"
	"vspace.dev/vspace/pkg/log"
	"vspace.dev/vspace/pkg/pagetables"
)

// Translation is the result of translating a virtual address.
type Translation struct {
	// Frame is the ID of the frame holding the address.
	Frame FrameID

	// Offset is the offset of the address in the frame.
	Offset uint64

	// Level is the level of the page entry and Size the span it maps.
	Level int
	Size  uint64

	// Opts are the rights and attributes of the page entry.
	Opts pagetables.MapOpts

	// Accessed and Dirty are the status bits of the page entry.
	Accessed bool
	Dirty    bool
}

// Fault is returned by accesses that the translation does not allow.
type Fault struct {
	// Addr is the faulting address.
	Addr hostarch.Addr

	// Access is the attempted access.
	Access hostarch.AccessType

	// Mapped is set if a page translates Addr, and Allowed then holds its
	// rights.
	Mapped  bool
	Allowed hostarch.AccessType
}

// Error implements error.Error.
func (f *Fault) Error() string {
	if !f.Mapped {
		return fmt.Sprintf("%v fault at %v: not mapped", f.Access, f.Addr)
	}
	return fmt.Sprintf("%v fault at %v: page allows %v", f.Access, f.Addr, f.Allowed)
}

// checkLive returns an error if s was deleted.
//
// Precondition: s.mu must be locked.
func (s *AddressSpace) checkLive() error {
	if s.dead {
		return vmerr.Wrapf(vmerr.InvalidCapability, "%v was deleted", s)
	}
	return nil
}

// Translate returns the translation of vaddr in s. It fails with
// FailedLookup if no page translates vaddr.
func (m *Manager) Translate(s *AddressSpace, vaddr hostarch.Addr) (Translation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLive(); err != nil {
		return Translation{}, err
	}
	if vaddr >= m.cfg.TopOfAddressSpace() {
		return Translation{}, vmerr.Wrapf(vmerr.InvalidArgument, "%v is outside the %d-bit address space", vaddr, m.cfg.AddressBits())
	}
	pte, level := m.walker.Translate(s.root, vaddr)
	if pte == nil {
		return Translation{}, vmerr.Wrapf(vmerr.FailedLookup, "%v is not mapped in %v", vaddr, s)
	}
	size := m.cfg.EntrySize(level)
	return Translation{
		Frame:    pte.Frame(),
		Offset:   uint64(vaddr) & (size - 1),
		Level:    level,
		Size:     size,
		Opts:     pte.Opts(),
		Accessed: pte.Accessed(),
		Dirty:    pte.Dirty(),
	}, nil
}

// StatusBits returns the accessed and dirty bits of the page translating
// vaddr in s.
func (m *Manager) StatusBits(s *AddressSpace, vaddr hostarch.Addr) (accessed, dirty bool, err error) {
	t, err := m.Translate(s, vaddr)
	if err != nil {
		return false, false, err
	}
	return t.Accessed, t.Dirty, nil
}

// Access performs an access of type at to vaddr in s. It returns a *Fault if
// the page translating vaddr does not allow it, and otherwise sets the
// accessed bit of the page, and the dirty bit for writes.
func (m *Manager) Access(s *AddressSpace, vaddr hostarch.Addr, at hostarch.AccessType) error {
	return m.access(s, vaddr, at, nil)
}

// access is Access. If fn is set, it is called with the frame and offset of
// vaddr while s is locked.
func (m *Manager) access(s *AddressSpace, vaddr hostarch.Addr, at hostarch.AccessType, fn func(f *Frame, off uint64) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLive(); err != nil {
		return err
	}
	if vaddr >= m.cfg.TopOfAddressSpace() {
		return &Fault{Addr: vaddr, Access: at}
	}
	pte, level := m.walker.Translate(s.root, vaddr)
	if pte == nil {
		return &Fault{Addr: vaddr, Access: at}
	}
	f := m.lookupFrame(pte.Frame())
	if f == nil {
		// The entry outlived its frame.
		return &Fault{Addr: vaddr, Access: at}
	}
	allowed := pte.Opts().AccessType
	if !allowed.Effective().SupersetOf(at) {
		return &Fault{Addr: vaddr, Access: at, Mapped: true, Allowed: allowed}
	}
	pte.Touch(at)
	off := uint64(vaddr) & (m.cfg.EntrySize(level) - 1)
	if fn != nil {
		if err := fn(f, off); err != nil {
			// The frame was deleted while the entry still pointed at it.
			log.Debugf("access to %v in %v: %v", vaddr, s, err)
			return &Fault{Addr: vaddr, Access: at}
		}
	}
	return nil
}

// ReadUint32 reads the 32-bit word at vaddr in s.
func (m *Manager) ReadUint32(s *AddressSpace, vaddr hostarch.Addr) (uint32, error) {
	if !vaddr.IsAligned(4) {
		return 0, vmerr.Wrapf(vmerr.AlignmentError, "%v is not aligned to 4", vaddr)
	}
	var buf [4]byte
	err := m.access(s, vaddr, hostarch.Read, func(f *Frame, off uint64) error {
		return f.mem.ReadAt(buf[:], off)
	})
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// WriteUint32 writes val to the 32-bit word at vaddr in s.
func (m *Manager) WriteUint32(s *AddressSpace, vaddr hostarch.Addr, val uint32) error {
	if !vaddr.IsAligned(4) {
		return vmerr.Wrapf(vmerr.AlignmentError, "%v is not aligned to 4", vaddr)
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], val)
	return m.access(s, vaddr, hostarch.Write, func(f *Frame, off uint64) error {
		return f.mem.WriteAt(buf[:], off)
	})
}
