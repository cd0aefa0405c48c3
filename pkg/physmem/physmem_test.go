// Copyright 2021 The gVisor Authors.
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

package physmem

import (
	"bytes"
	"sync"
	"testing"
)

func TestBlockLazyMapping(t *testing.T) {
	var m Memory
	b := m.NewBlock(1 << 12)
	if m.Mapped() != 0 {
		t.Fatalf("Mapped got %d before first use want 0", m.Mapped())
	}
	if err := b.WriteAt([]byte("frame"), 0x10); err != nil {
		t.Fatalf("WriteAt got err %v want nil", err)
	}
	if m.Mapped() < 1<<12 {
		t.Errorf("Mapped got %d want at least %d", m.Mapped(), 1<<12)
	}
	got := make([]byte, 5)
	if err := b.ReadAt(got, 0x10); err != nil {
		t.Fatalf("ReadAt got err %v want nil", err)
	}
	if !bytes.Equal(got, []byte("frame")) {
		t.Errorf("ReadAt got %q want %q", got, "frame")
	}
	if err := b.Release(); err != nil {
		t.Fatalf("Release got err %v want nil", err)
	}
	if err := b.Release(); err != nil {
		t.Fatalf("second Release got err %v want nil", err)
	}
	if m.Mapped() != 0 || m.Blocks() != 0 {
		t.Errorf("after Release got mapped=%d blocks=%d want 0, 0", m.Mapped(), m.Blocks())
	}
	if _, err := b.Bytes(); err == nil {
		t.Errorf("Bytes after Release got nil err")
	}
}

func TestBlockBounds(t *testing.T) {
	var m Memory
	b := m.NewBlock(1 << 12)
	defer b.Release()
	if err := b.WriteAt(make([]byte, 8), (1<<12)-4); err == nil {
		t.Errorf("WriteAt past the end got nil err")
	}
	if err := b.ReadAt(make([]byte, 1), 1<<12); err == nil {
		t.Errorf("ReadAt past the end got nil err")
	}
	if m.Mapped() != 0 {
		t.Errorf("out of bounds accesses mapped %d bytes", m.Mapped())
	}
}

func TestZeroFilled(t *testing.T) {
	var m Memory
	b := m.NewBlock(1 << 21)
	defer b.Release()
	got := make([]byte, 16)
	if err := b.ReadAt(got, 1<<20); err != nil {
		t.Fatalf("ReadAt got err %v want nil", err)
	}
	if !bytes.Equal(got, make([]byte, 16)) {
		t.Errorf("fresh block not zero filled: %v", got)
	}
}

func TestReleaseDuringAccess(t *testing.T) {
	for round := 0; round < 200; round++ {
		var m Memory
		b := m.NewBlock(1 << 12)
		if err := b.WriteAt([]byte{1, 2, 3, 4}, 0); err != nil {
			t.Fatalf("WriteAt got err %v want nil", err)
		}
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				buf := make([]byte, 4)
				for j := 0; j < 50; j++ {
					// Accesses racing with Release either complete or
					// report the release.
					if i%2 == 0 {
						_ = b.ReadAt(buf, 0)
					} else {
						_ = b.WriteAt(buf, 8)
					}
				}
			}(i)
		}
		if err := b.Release(); err != nil {
			t.Fatalf("Release got err %v want nil", err)
		}
		wg.Wait()
		if err := b.ReadAt(make([]byte, 4), 0); err == nil {
			t.Fatalf("ReadAt after Release got nil err")
		}
		if m.Mapped() != 0 {
			t.Fatalf("round %d: Mapped got %d after Release want 0", round, m.Mapped())
		}
	}
}
