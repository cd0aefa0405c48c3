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

// Package physmem provides the host memory backing frames.
//
// Each Block is an anonymous private mapping created on first use, so that
// allocating many large frames costs nothing until they are touched.
package physmem

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"
	"vspace.dev/vspace/pkg/sync"
)

// HostPageSize returns the host page size.
func HostPageSize() int {
	return unix.Getpagesize()
}

// Memory tracks the blocks handed out for frames.
type Memory struct {
	// mapped is the number of bytes currently mapped on the host.
	mapped atomic.Int64

	// blocks is the number of live blocks.
	blocks atomic.Int64
}

// Block is the backing memory of one frame.
type Block struct {
	mem  *Memory
	size uint64

	mu       sync.Mutex
	data     []byte
	released bool
}

// NewBlock returns a block of size bytes. No host memory is mapped until
// Bytes is called.
func (m *Memory) NewBlock(size uint64) *Block {
	m.blocks.Add(1)
	return &Block{mem: m, size: size}
}

// Size returns the size of the block.
func (b *Block) Size() uint64 {
	return b.size
}

// Bytes returns the contents of the block, mapping it if necessary. The
// slice is only valid until Release.
func (b *Block) Bytes() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mapLocked()
}

// mapLocked maps the block if necessary.
//
// Precondition: b.mu must be locked.
func (b *Block) mapLocked() ([]byte, error) {
	if b.released {
		return nil, fmt.Errorf("block of %d bytes already released", b.size)
	}
	if b.data != nil {
		return b.data, nil
	}
	length := int(b.size)
	if ps := HostPageSize(); length < ps {
		length = ps
	}
	data, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("mmap of %d bytes failed: %w", length, err)
	}
	b.data = data[:b.size]
	b.mem.mapped.Add(int64(len(data)))
	return b.data, nil
}

// withBytes calls fn with the contents of the block. Release waits for fn to
// return, so fn never sees unmapped memory.
func (b *Block) withBytes(fn func(data []byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, err := b.mapLocked()
	if err != nil {
		return err
	}
	fn(data)
	return nil
}

// ReadAt copies len(dst) bytes at off into dst.
func (b *Block) ReadAt(dst []byte, off uint64) error {
	if off+uint64(len(dst)) > b.size || off+uint64(len(dst)) < off {
		return fmt.Errorf("read of %d bytes at %#x outside block of %#x bytes", len(dst), off, b.size)
	}
	return b.withBytes(func(data []byte) {
		copy(dst, data[off:])
	})
}

// WriteAt copies src into the block at off.
func (b *Block) WriteAt(src []byte, off uint64) error {
	if off+uint64(len(src)) > b.size || off+uint64(len(src)) < off {
		return fmt.Errorf("write of %d bytes at %#x outside block of %#x bytes", len(src), off, b.size)
	}
	return b.withBytes(func(data []byte) {
		copy(data[off:], src)
	})
}

// Release unmaps the block. It is safe to call more than once.
func (b *Block) Release() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return nil
	}
	b.released = true
	b.mem.blocks.Add(-1)
	if b.data == nil {
		return nil
	}
	full := b.data[:cap(b.data)]
	b.data = nil
	b.mem.mapped.Add(-int64(len(full)))
	return unix.Munmap(full)
}

// Mapped returns the number of host bytes currently mapped.
func (m *Memory) Mapped() int64 {
	return m.mapped.Load()
}

// Blocks returns the number of live blocks.
func (m *Memory) Blocks() int64 {
	return m.blocks.Load()
}
