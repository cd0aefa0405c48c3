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

// Package arch describes the shape of a translation hierarchy: how many
// levels it has, how many index bits each level consumes, which frame sizes
// can be mapped and how many ASIDs exist.
//
// Levels are numbered from the root. Level 0 is the top-level table of an
// address space and Depth()-1 is the leaf level, whose entries map the
// smallest frames.
package arch

import (
	"fmt"

	"vspace.dev/vspace/pkg/hostarch"
)

// Level describes one level of the hierarchy.
type Level struct {
	// Name is the architectural name of tables at this level, e.g. "pd".
	Name string `toml:"name"`

	// IndexBits is the number of virtual address bits used to index a table
	// at this level. A table has 1<<IndexBits entries.
	IndexBits uint `toml:"index_bits"`
}

// FrameSize describes one mappable frame size.
type FrameSize struct {
	// Name is the name of the frame size, e.g. "small" or "large".
	Name string `toml:"name"`

	// Bits is log2 of the frame size in bytes. It must equal the shift of
	// exactly one level, which is where frames of this size are mapped.
	Bits uint `toml:"bits"`
}

// Size returns the frame size in bytes.
func (f FrameSize) Size() uint64 {
	return 1 << f.Bits
}

// Config describes a translation architecture.
type Config struct {
	// Name identifies the configuration.
	Name string `toml:"name"`

	// PageShift is log2 of the smallest page size.
	PageShift uint `toml:"page_shift"`

	// Levels lists table levels from the root down to the leaf.
	Levels []Level `toml:"levels"`

	// FrameSizes lists the mappable frame sizes, smallest first.
	FrameSizes []FrameSize `toml:"frame_sizes"`

	// ASIDPoolsBits is log2 of the maximum number of ASID pools.
	ASIDPoolsBits uint `toml:"asid_pools_bits"`

	// ASIDPoolIndexBits is log2 of the number of slots in one ASID pool.
	ASIDPoolIndexBits uint `toml:"asid_pool_index_bits"`

	// RangeChunk is the maximum number of entries a single range
	// protect or range unmap call processes.
	RangeChunk int `toml:"range_chunk"`

	// MaxRangeMapBatch is the maximum number of frames a single range map
	// call accepts.
	MaxRangeMapBatch int `toml:"max_range_map_batch"`

	// UniformTables is set when every table below the root has the same
	// object type, so that a table takes the level of the slot it is
	// inserted into (RISC-V). Otherwise a table is allocated for a fixed
	// level.
	UniformTables bool `toml:"uniform_tables"`
}

// Depth returns the number of levels.
func (c *Config) Depth() int {
	return len(c.Levels)
}

// LeafLevel returns the index of the leaf level.
func (c *Config) LeafLevel() int {
	return len(c.Levels) - 1
}

// Shift returns log2 of the span of a single entry of a table at the given
// level.
func (c *Config) Shift(level int) uint {
	shift := c.PageShift
	for l := len(c.Levels) - 1; l > level; l-- {
		shift += c.Levels[l].IndexBits
	}
	return shift
}

// EntrySize returns the number of bytes covered by one entry at level.
func (c *Config) EntrySize(level int) uint64 {
	return 1 << c.Shift(level)
}

// Entries returns the number of entries of a table at level.
func (c *Config) Entries(level int) int {
	return 1 << c.Levels[level].IndexBits
}

// Index returns the index of addr in a table at level.
func (c *Config) Index(addr hostarch.Addr, level int) int {
	return int((uint64(addr) >> c.Shift(level)) & (uint64(c.Entries(level)) - 1))
}

// AddressBits returns the number of virtual address bits translated by the
// hierarchy.
func (c *Config) AddressBits() uint {
	return c.Shift(0) + c.Levels[0].IndexBits
}

// TopOfAddressSpace returns the first address that cannot be translated.
func (c *Config) TopOfAddressSpace() hostarch.Addr {
	return hostarch.Addr(uint64(1) << c.AddressBits())
}

// PageSize returns the smallest page size.
func (c *Config) PageSize() uint64 {
	return 1 << c.PageShift
}

// LevelName returns the name of the given level.
func (c *Config) LevelName(level int) string {
	if level < 0 || level >= len(c.Levels) {
		return fmt.Sprintf("level%d", level)
	}
	return c.Levels[level].Name
}

// LevelByName returns the index of the level with the given name.
func (c *Config) LevelByName(name string) (int, bool) {
	for i, l := range c.Levels {
		if l.Name == name {
			return i, true
		}
	}
	return 0, false
}

// FrameSizeByName returns the frame size with the given name.
func (c *Config) FrameSizeByName(name string) (FrameSize, bool) {
	for _, f := range c.FrameSizes {
		if f.Name == name {
			return f, true
		}
	}
	return FrameSize{}, false
}

// FrameLevel returns the level whose entries map frames of size f.
func (c *Config) FrameLevel(f FrameSize) (int, bool) {
	for l := range c.Levels {
		if c.Shift(l) == f.Bits {
			return l, true
		}
	}
	return 0, false
}

// NumASIDPools returns the maximum number of ASID pools.
func (c *Config) NumASIDPools() int {
	return 1 << c.ASIDPoolsBits
}

// ASIDPoolSize returns the number of slots in one ASID pool.
func (c *Config) ASIDPoolSize() int {
	return 1 << c.ASIDPoolIndexBits
}

// Validate checks that the configuration describes a usable hierarchy.
func (c *Config) Validate() error {
	if len(c.Levels) < 2 {
		return fmt.Errorf("%s: need at least two levels, got %d", c.Name, len(c.Levels))
	}
	if c.PageShift == 0 {
		return fmt.Errorf("%s: page_shift must be set", c.Name)
	}
	seen := make(map[string]bool)
	for i, l := range c.Levels {
		if l.IndexBits == 0 || l.IndexBits > 16 {
			return fmt.Errorf("%s: level %d (%q) has invalid index_bits %d", c.Name, i, l.Name, l.IndexBits)
		}
		if l.Name == "" || seen[l.Name] {
			return fmt.Errorf("%s: level %d has an empty or duplicate name %q", c.Name, i, l.Name)
		}
		seen[l.Name] = true
	}
	if c.UniformTables {
		for i := 2; i < len(c.Levels); i++ {
			if c.Levels[i].IndexBits != c.Levels[1].IndexBits {
				return fmt.Errorf("%s: uniform tables need equal index_bits below the root", c.Name)
			}
		}
	}
	if bits := c.AddressBits(); bits > 63 {
		return fmt.Errorf("%s: hierarchy translates %d address bits, at most 63 are supported", c.Name, bits)
	}
	if len(c.FrameSizes) == 0 {
		return fmt.Errorf("%s: no frame sizes", c.Name)
	}
	names := make(map[string]bool)
	for i, f := range c.FrameSizes {
		if names[f.Name] || f.Name == "" {
			return fmt.Errorf("%s: empty or duplicate frame size name %q", c.Name, f.Name)
		}
		names[f.Name] = true
		if i > 0 && f.Bits <= c.FrameSizes[i-1].Bits {
			return fmt.Errorf("%s: frame sizes must be listed smallest first", c.Name)
		}
		if _, ok := c.FrameLevel(f); !ok {
			return fmt.Errorf("%s: frame size %q (%d bits) does not match the span of any level", c.Name, f.Name, f.Bits)
		}
	}
	if c.FrameSizes[0].Bits != c.PageShift {
		return fmt.Errorf("%s: smallest frame size must be the page size", c.Name)
	}
	if c.ASIDPoolIndexBits == 0 || c.ASIDPoolsBits+c.ASIDPoolIndexBits > 24 {
		return fmt.Errorf("%s: invalid ASID layout (%d pool bits, %d index bits)", c.Name, c.ASIDPoolsBits, c.ASIDPoolIndexBits)
	}
	if c.RangeChunk <= 0 {
		return fmt.Errorf("%s: range_chunk must be positive", c.Name)
	}
	if c.MaxRangeMapBatch <= 0 {
		return fmt.Errorf("%s: max_range_map_batch must be positive", c.Name)
	}
	return nil
}

// String implements fmt.Stringer.String.
func (c *Config) String() string {
	s := c.Name + ":"
	for i, l := range c.Levels {
		s += fmt.Sprintf(" %s[%d]@%d", l.Name, 1<<l.IndexBits, c.Shift(i))
	}
	return s
}
