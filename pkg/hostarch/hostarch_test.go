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

package hostarch

import (
	"testing"
)

func TestAddrRounding(t *testing.T) {
	for _, tc := range []struct {
		addr      Addr
		size      uint64
		wantDown  Addr
		wantUp    Addr
		wantAlign bool
	}{
		{addr: 0x1000, size: 0x1000, wantDown: 0x1000, wantUp: 0x1000, wantAlign: true},
		{addr: 0x1001, size: 0x1000, wantDown: 0x1000, wantUp: 0x2000},
		{addr: 0x200fff, size: 0x200000, wantDown: 0x200000, wantUp: 0x400000},
		{addr: 0, size: 1 << 30, wantDown: 0, wantUp: 0, wantAlign: true},
	} {
		if got := tc.addr.RoundDown(tc.size); got != tc.wantDown {
			t.Errorf("%v.RoundDown(%#x) got %v want %v", tc.addr, tc.size, got, tc.wantDown)
		}
		if got, ok := tc.addr.RoundUp(tc.size); !ok || got != tc.wantUp {
			t.Errorf("%v.RoundUp(%#x) got (%v, %t) want (%v, true)", tc.addr, tc.size, got, ok, tc.wantUp)
		}
		if got := tc.addr.IsAligned(tc.size); got != tc.wantAlign {
			t.Errorf("%v.IsAligned(%#x) got %t want %t", tc.addr, tc.size, got, tc.wantAlign)
		}
	}
	if _, ok := Addr(^uint64(0)).RoundUp(0x1000); ok {
		t.Errorf("RoundUp of the last address did not report overflow")
	}
}

func TestAddrRange(t *testing.T) {
	r, ok := Addr(0x1000).ToRange(0x2000)
	if !ok {
		t.Fatalf("ToRange overflowed")
	}
	if r.Length() != 0x2000 || !r.Contains(0x2fff) || r.Contains(0x3000) {
		t.Errorf("unexpected range %v", r)
	}
	if !r.Overlaps(AddrRange{0x2000, 0x4000}) || r.Overlaps(AddrRange{0x3000, 0x4000}) {
		t.Errorf("Overlaps on %v gave unexpected results", r)
	}
	if got, want := r.String(), "[0x1000, 0x3000)"; got != want {
		t.Errorf("String got %q want %q", got, want)
	}
}

func TestParseAccessType(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want AccessType
	}{
		{"none", NoAccess},
		{"r--", Read},
		{"rw-", ReadWrite},
		{"rwx", AnyAccess},
		{"all", AnyAccess},
		{"-w-", Write},
		{"--x", Execute},
	} {
		got, err := ParseAccessType(tc.in)
		if err != nil {
			t.Fatalf("ParseAccessType(%q) got err %v want nil", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("ParseAccessType(%q) got %v want %v", tc.in, got, tc.want)
		}
		if again, err := ParseAccessType(got.String()); err != nil || again != got {
			t.Errorf("ParseAccessType(%q) round trip got (%v, %v)", got.String(), again, err)
		}
	}
	if _, err := ParseAccessType("rwz"); err == nil {
		t.Errorf("ParseAccessType(rwz) got nil err")
	}
}

func TestAccessTypeSets(t *testing.T) {
	if !AnyAccess.SupersetOf(ReadWrite) || Read.SupersetOf(Write) {
		t.Errorf("SupersetOf gave unexpected results")
	}
	if got := Write.Effective(); got != ReadWrite {
		t.Errorf("Write.Effective() got %v want %v", got, ReadWrite)
	}
	if got := ReadWrite.Intersect(Write.Union(Execute)); got != Write {
		t.Errorf("Intersect got %v want %v", got, Write)
	}
}

func TestParseMemoryType(t *testing.T) {
	for mt := MemoryTypeWriteBack; mt < NumMemoryTypes; mt++ {
		for _, s := range []string{mt.String(), mt.ShortString()} {
			got, err := ParseMemoryType(s)
			if err != nil || got != mt {
				t.Errorf("ParseMemoryType(%q) got (%v, %v) want %v", s, got, err, mt)
			}
		}
	}
}
