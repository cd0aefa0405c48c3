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

// Package pagetables provides a generic implementation of pagetables.
//
// The hierarchy shape (number of levels, entries per level, frame sizes) is
// taken from an arch.Config. Tables live in an Allocator and refer to each
// other by TableID, and page entries refer to frames by an opaque FrameID, so
// the structure has no pointer cycles.
package pagetables

import (
	"fmt"

	"vspace.dev/vspace/pkg/hostarch"
)

// TableID identifies a table within its Allocator. The zero value is never a
// valid table.
type TableID uint32

// FrameID identifies a frame. Its meaning belongs to the user of the tables.
type FrameID uint64

// MapOpts are the options for a page mapping.
type MapOpts struct {
	// AccessType defines permissions.
	AccessType hostarch.AccessType

	// MemoryType is the memory type.
	MemoryType hostarch.MemoryType
}

// String implements fmt.Stringer.String.
func (o MapOpts) String() string {
	return fmt.Sprintf("%v/%s", o.AccessType, o.MemoryType.ShortString())
}

type entryKind uint8

const (
	entryEmpty entryKind = iota
	entryTable
	entryPage
)

// PTE is a page table entry. It is either empty, points to a table one level
// down, or maps a frame.
type PTE struct {
	target uint64
	kind   entryKind
	opts   MapOpts

	// accessed and dirty are the status bits of a page entry.
	accessed bool
	dirty    bool
}

// Valid returns true iff this entry is not empty.
func (p *PTE) Valid() bool {
	return p.kind != entryEmpty
}

// IsTable returns true iff this entry points to a table.
func (p *PTE) IsTable() bool {
	return p.kind == entryTable
}

// IsPage returns true iff this entry maps a frame.
func (p *PTE) IsPage() bool {
	return p.kind == entryPage
}

// Clear clears this PTE.
func (p *PTE) Clear() {
	*p = PTE{}
}

// Set sets this PTE to map frame with the given options. The status bits are
// reset.
func (p *PTE) Set(frame FrameID, opts MapOpts) {
	*p = PTE{kind: entryPage, target: uint64(frame), opts: opts}
}

// SetTable sets this PTE to point to the given table.
func (p *PTE) SetTable(id TableID) {
	*p = PTE{kind: entryTable, target: uint64(id)}
}

// Table returns the table this entry points to, or zero.
func (p *PTE) Table() TableID {
	if p.kind != entryTable {
		return 0
	}
	return TableID(p.target)
}

// Frame returns the frame this entry maps. It is only meaningful for page
// entries.
func (p *PTE) Frame() FrameID {
	return FrameID(p.target)
}

// Opts returns the PTE options.
func (p *PTE) Opts() MapOpts {
	return p.opts
}

// SetAccessType changes the rights of a page entry.
func (p *PTE) SetAccessType(at hostarch.AccessType) {
	p.opts.AccessType = at
}

// Accessed returns the accessed bit.
func (p *PTE) Accessed() bool {
	return p.accessed
}

// Dirty returns the dirty bit.
func (p *PTE) Dirty() bool {
	return p.dirty
}

// Touch records an access of the given type.
func (p *PTE) Touch(at hostarch.AccessType) {
	p.accessed = true
	if at.Write {
		p.dirty = true
	}
}

// String implements fmt.Stringer.String.
func (p *PTE) String() string {
	switch p.kind {
	case entryTable:
		return fmt.Sprintf("table(%d)", p.target)
	case entryPage:
		return fmt.Sprintf("page(%d,%v)", p.target, p.opts)
	default:
		return "empty"
	}
}

// PTEs is a collection of entries.
type PTEs []PTE
