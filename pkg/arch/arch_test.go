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
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"vspace.dev/vspace/pkg/hostarch"
)

func TestPresetsValidate(t *testing.T) {
	for _, name := range Names() {
		c, err := Lookup(name)
		if err != nil {
			t.Fatalf("Lookup(%q) got err %v", name, err)
		}
		if err := c.Validate(); err != nil {
			t.Errorf("preset %q: %v", name, err)
		}
	}
}

func TestShifts(t *testing.T) {
	for _, tc := range []struct {
		name       string
		wantShifts []uint
		wantBits   uint
	}{
		{name: "x86_64", wantShifts: []uint{39, 30, 21, 12}, wantBits: 48},
		{name: "aarch64", wantShifts: []uint{39, 30, 21, 12}, wantBits: 48},
		{name: "aarch64-hyp40", wantShifts: []uint{30, 21, 12}, wantBits: 40},
		{name: "riscv64", wantShifts: []uint{30, 21, 12}, wantBits: 39},
		{name: "aarch32", wantShifts: []uint{20, 12}, wantBits: 32},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := MustLookup(tc.name)
			var got []uint
			for l := 0; l < c.Depth(); l++ {
				got = append(got, c.Shift(l))
			}
			if diff := cmp.Diff(tc.wantShifts, got); diff != "" {
				t.Errorf("shifts mismatch (-want +got):\n%s", diff)
			}
			if c.AddressBits() != tc.wantBits {
				t.Errorf("AddressBits got %d want %d", c.AddressBits(), tc.wantBits)
			}
		})
	}
}

func TestIndexAndFrameLevel(t *testing.T) {
	c := MustLookup("x86_64")
	addr := hostarch.Addr(0x10000000 + 3*0x1000)
	if got := c.Index(addr, c.LeafLevel()); got != 3 {
		t.Errorf("leaf index got %d want 3", got)
	}
	if got := c.Index(addr, 2); got != 0x80 {
		t.Errorf("pd index got %#x want 0x80", got)
	}
	for _, tc := range []struct {
		size string
		want int
	}{{"small", 3}, {"large", 2}, {"huge", 1}} {
		f, ok := c.FrameSizeByName(tc.size)
		if !ok {
			t.Fatalf("FrameSizeByName(%q) not found", tc.size)
		}
		if l, ok := c.FrameLevel(f); !ok || l != tc.want {
			t.Errorf("FrameLevel(%q) got (%d, %t) want %d", tc.size, l, ok, tc.want)
		}
	}
	if c.NumASIDPools() != 8 || c.ASIDPoolSize() != 512 {
		t.Errorf("ASID layout got %d pools of %d", c.NumASIDPools(), c.ASIDPoolSize())
	}
}

func TestLookupReturnsCopy(t *testing.T) {
	a := MustLookup("aarch64")
	a.Levels[0].IndexBits = 4
	a.RangeChunk = 1
	b := MustLookup("aarch64")
	if b.Levels[0].IndexBits != 9 || b.RangeChunk != DefaultRangeChunk {
		t.Errorf("modifying a looked up preset changed the preset: %+v", b)
	}
	if _, err := Lookup("pdp11"); err == nil {
		t.Errorf("Lookup(pdp11) got nil err")
	}
}

func TestValidateRejects(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(c *Config)
	}{
		{"one level", func(c *Config) { c.Levels = c.Levels[:1] }},
		{"odd frame", func(c *Config) { c.FrameSizes = append(c.FrameSizes, FrameSize{Name: "odd", Bits: 33}) }},
		{"unordered frames", func(c *Config) { c.FrameSizes[0], c.FrameSizes[1] = c.FrameSizes[1], c.FrameSizes[0] }},
		{"no chunk", func(c *Config) { c.RangeChunk = 0 }},
		{"no batch", func(c *Config) { c.MaxRangeMapBatch = -1 }},
		{"duplicate level", func(c *Config) { c.Levels[1].Name = c.Levels[0].Name }},
		{"no asid slots", func(c *Config) { c.ASIDPoolIndexBits = 0 }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := MustLookup("x86_64")
			tc.mutate(c)
			if err := c.Validate(); err == nil {
				t.Errorf("Validate got nil err for %v", c)
			}
		})
	}
}

func TestDecode(t *testing.T) {
	c, err := Decode(`
base = "x86_64"
name = "x86_64-tiny-asid"
asid_pools_bits = 1
asid_pool_index_bits = 2
range_chunk = 8
`)
	if err != nil {
		t.Fatalf("Decode got err %v want nil", err)
	}
	if c.Name != "x86_64-tiny-asid" || c.NumASIDPools() != 2 || c.ASIDPoolSize() != 4 || c.RangeChunk != 8 {
		t.Errorf("Decode got %+v", c)
	}
	if c.Depth() != 4 || c.MaxRangeMapBatch != DefaultMaxRangeMapBatch {
		t.Errorf("Decode lost base fields: %+v", c)
	}
}

func TestDecodeFull(t *testing.T) {
	c, err := Decode(`
name = "toy"
page_shift = 12
asid_pools_bits = 2
asid_pool_index_bits = 4
range_chunk = 4
max_range_map_batch = 4

[[levels]]
name = "top"
index_bits = 4

[[levels]]
name = "leaf"
index_bits = 4

[[frame_sizes]]
name = "small"
bits = 12

[[frame_sizes]]
name = "large"
bits = 16
`)
	if err != nil {
		t.Fatalf("Decode got err %v want nil", err)
	}
	if c.AddressBits() != 20 {
		t.Errorf("AddressBits got %d want 20", c.AddressBits())
	}
}

func TestDecodeErrors(t *testing.T) {
	for _, text := range []string{
		`base = "vax"`,
		`base = "x86_64"` + "\n" + `colour = "blue"`,
		`name = "incomplete"`,
		`this is not toml`,
	} {
		if _, err := Decode(text); err == nil {
			t.Errorf("Decode(%q) got nil err", text)
		}
	}
}

func TestLoadAndEncode(t *testing.T) {
	text, err := Encode(MustLookup("riscv64"))
	if err != nil {
		t.Fatalf("Encode got err %v", err)
	}
	path := filepath.Join(t.TempDir(), "riscv.toml")
	if err := os.WriteFile(path, []byte(text), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load got err %v", err)
	}
	if diff := cmp.Diff(MustLookup("riscv64"), c); diff != "" {
		t.Errorf("Load mismatch (-want +got):\n%s", diff)
	}
}
