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
	"testing"

	"vspace.dev/vspace/pkg/errors/vmerr"
)

func TestMakePoolLimit(t *testing.T) {
	forEachArch(t, func(t *testing.T, m *Manager) {
		c := m.Control()
		for i := 1; i < m.cfg.NumASIDPools(); i++ {
			p, err := c.MakePool()
			if err != nil {
				t.Fatalf("MakePool %d got err %v want nil", i, err)
			}
			if p.Index() != i {
				t.Fatalf("pool %d has index %d", i, p.Index())
			}
		}
		if c.HasFreePool() {
			t.Fatalf("HasFreePool = true with %d pools", c.NumPools())
		}
		if _, err := c.MakePool(); !vmerr.Equals(vmerr.DeleteFirst, err) {
			t.Fatalf("MakePool beyond the limit got err %v want DeleteFirst", err)
		}
		if got, want := m.Stats().Errors("make_pool", vmerr.KindOf(vmerr.DeleteFirst)), uint64(1); got != want {
			t.Errorf("make_pool DeleteFirst count = %d, want %d", got, want)
		}
	})
}

func TestAssignPoolCapacity(t *testing.T) {
	forEachArch(t, func(t *testing.T, m *Manager) {
		p, err := m.Control().MakePool()
		if err != nil {
			t.Fatalf("MakePool got err %v want nil", err)
		}
		seen := make(map[ASID]bool)
		for i := 0; i < m.cfg.ASIDPoolSize(); i++ {
			s := m.NewAddressSpace()
			if err := m.Assign(p, s); err != nil {
				t.Fatalf("Assign %d got err %v want nil", i, err)
			}
			asid := s.ASID()
			if asid == InvalidASID || seen[asid] {
				t.Fatalf("Assign %d handed out asid %d again", i, asid)
			}
			if int(asid>>m.cfg.ASIDPoolIndexBits) != p.Index() {
				t.Fatalf("asid %d is outside %v", asid, p)
			}
			seen[asid] = true
		}
		if p.Free() != 0 {
			t.Fatalf("full pool has %d free slots", p.Free())
		}
		wantErr(t, "Assign into a full pool", m.Assign(p, m.NewAddressSpace()), vmerr.DeleteFirst)
	})
}

func TestInitialPoolReservesZero(t *testing.T) {
	m := newManager(t, "x86_64")
	p := m.InitialPool()
	if got, want := p.Free(), m.cfg.ASIDPoolSize()-1; got != want {
		t.Fatalf("initial pool has %d free slots, want %d", got, want)
	}
	s := newSpace(t, m)
	if s.ASID() != 1 {
		t.Fatalf("first asid = %d, want 1", s.ASID())
	}
}

func TestAssignOnce(t *testing.T) {
	m := newManager(t, "aarch64")
	s := newSpace(t, m)
	asid := s.ASID()
	wantErr(t, "Assign again", m.Assign(m.InitialPool(), s), vmerr.DeleteFirst)
	p, err := m.Control().MakePool()
	if err != nil {
		t.Fatalf("MakePool got err %v want nil", err)
	}
	wantErr(t, "Assign from another pool", m.Assign(p, s), vmerr.DeleteFirst)
	if s.ASID() != asid {
		t.Fatalf("asid changed from %d to %d", asid, s.ASID())
	}
}

func TestASIDReuse(t *testing.T) {
	m := newManager(t, "riscv64")
	p, err := m.Control().MakePool()
	if err != nil {
		t.Fatalf("MakePool got err %v want nil", err)
	}
	s1 := m.NewAddressSpace()
	wantErr(t, "Assign", m.Assign(p, s1), nil)
	asid := s1.ASID()
	wantErr(t, "DeleteSpace", m.DeleteSpace(s1), nil)
	if s1.ASID() != InvalidASID {
		t.Fatalf("deleted space kept asid %d", s1.ASID())
	}
	s2 := m.NewAddressSpace()
	wantErr(t, "Assign", m.Assign(p, s2), nil)
	if s2.ASID() != asid {
		t.Fatalf("asid %d was not reused, got %d", asid, s2.ASID())
	}
}
