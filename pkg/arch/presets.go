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

package arch

import (
	"fmt"
	"sort"

	"github.com/mohae/deepcopy"
)

// Default limits shared by all presets.
const (
	DefaultRangeChunk       = 32
	DefaultMaxRangeMapBatch = 32
)

var (
	small = FrameSize{Name: "small", Bits: 12}
	large = FrameSize{Name: "large", Bits: 21}
	huge  = FrameSize{Name: "huge", Bits: 30}
)

var presets = map[string]*Config{
	"aarch32": {
		Name:      "aarch32",
		PageShift: 12,
		Levels: []Level{
			{Name: "pd", IndexBits: 12},
			{Name: "pt", IndexBits: 8},
		},
		// Sections are the 1M mappings held directly in the page directory.
		FrameSizes:        []FrameSize{small, {Name: "large", Bits: 20}},
		ASIDPoolsBits:     7,
		ASIDPoolIndexBits: 10,
		RangeChunk:        DefaultRangeChunk,
		MaxRangeMapBatch:  DefaultMaxRangeMapBatch,
	},
	"aarch64": {
		Name:      "aarch64",
		PageShift: 12,
		Levels: []Level{
			{Name: "pgd", IndexBits: 9},
			{Name: "pud", IndexBits: 9},
			{Name: "pd", IndexBits: 9},
			{Name: "pt", IndexBits: 9},
		},
		FrameSizes:        []FrameSize{small, large, huge},
		ASIDPoolsBits:     7,
		ASIDPoolIndexBits: 9,
		RangeChunk:        DefaultRangeChunk,
		MaxRangeMapBatch:  DefaultMaxRangeMapBatch,
	},
	"aarch64-hyp40": {
		Name:      "aarch64-hyp40",
		PageShift: 12,
		Levels: []Level{
			{Name: "pud", IndexBits: 10},
			{Name: "pd", IndexBits: 9},
			{Name: "pt", IndexBits: 9},
		},
		FrameSizes:        []FrameSize{small, large, huge},
		ASIDPoolsBits:     7,
		ASIDPoolIndexBits: 9,
		RangeChunk:        DefaultRangeChunk,
		MaxRangeMapBatch:  DefaultMaxRangeMapBatch,
	},
	"riscv64": {
		Name:      "riscv64",
		PageShift: 12,
		Levels: []Level{
			{Name: "pt2", IndexBits: 9},
			{Name: "pt1", IndexBits: 9},
			{Name: "pt0", IndexBits: 9},
		},
		FrameSizes:        []FrameSize{small, large, huge},
		ASIDPoolsBits:     7,
		ASIDPoolIndexBits: 9,
		RangeChunk:        DefaultRangeChunk,
		MaxRangeMapBatch:  DefaultMaxRangeMapBatch,
		UniformTables:     true,
	},
	"x86_64": {
		Name:      "x86_64",
		PageShift: 12,
		Levels: []Level{
			{Name: "pml4", IndexBits: 9},
			{Name: "pdpt", IndexBits: 9},
			{Name: "pd", IndexBits: 9},
			{Name: "pt", IndexBits: 9},
		},
		FrameSizes:        []FrameSize{small, large, huge},
		ASIDPoolsBits:     3,
		ASIDPoolIndexBits: 9,
		RangeChunk:        DefaultRangeChunk,
		MaxRangeMapBatch:  DefaultMaxRangeMapBatch,
	},
}

// Names returns the sorted names of all presets.
func Names() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns a copy of the named preset. The copy may be modified freely.
func Lookup(name string) (*Config, error) {
	p, ok := presets[name]
	if !ok {
		return nil, fmt.Errorf("unknown architecture %q, known: %v", name, Names())
	}
	return deepcopy.Copy(p).(*Config), nil
}

// MustLookup is like Lookup but panics on unknown names.
func MustLookup(name string) *Config {
	c, err := Lookup(name)
	if err != nil {
		panic(err)
	}
	return c
}
