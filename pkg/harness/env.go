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

// Package harness runs conformance scenarios against a vspace.Manager. An Env
// bundles a manager, a capability table and the ASID objects, and provides
// helper execution contexts bound to their own address spaces.
package harness

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"vspace.dev/vspace/pkg/arch"
	"vspace.dev/vspace/pkg/cspace"
	"vspace.dev/vspace/pkg/errors"
	"vspace.dev/vspace/pkg/errors/vmerr"
	"vspace.dev/vspace/pkg/hostarch"
	"vspace.dev/vspace/pkg/pagetables"
	"vspace.dev/vspace/pkg/vspace"
)

// DefaultBudget is the object memory of an Env.
const DefaultBudget = 1 << 34

// MapBase is the address scenarios and helpers map frames at.
const MapBase = hostarch.Addr(0x10000000)

// AllRights maps pages read-write.
var AllRights = pagetables.MapOpts{AccessType: hostarch.ReadWrite}

// NoRights maps pages without access.
var NoRights = pagetables.MapOpts{AccessType: hostarch.NoAccess}

// Env is the environment a scenario runs in.
type Env struct {
	M *vspace.Manager
	C *cspace.CSpace

	// Pool is the initial ASID pool.
	Pool cspace.CPtr
}

// NewEnv returns an Env for cfg.
func NewEnv(cfg *arch.Config, budget uint64) (*Env, error) {
	m, err := vspace.New(cfg)
	if err != nil {
		return nil, err
	}
	return &Env{
		M:    m,
		C:    cspace.New(m, budget),
		Pool: cspace.InitialPoolSlot,
	}, nil
}

// Config returns the architecture of e.
func (e *Env) Config() *arch.Config {
	return e.M.Config()
}

// PageSize returns the small page size as an address.
func (e *Env) PageSize() hostarch.Addr {
	return hostarch.Addr(e.Config().PageSize())
}

// FrameSize returns the size of the named frame size as an address.
func (e *Env) FrameSize(name string) hostarch.Addr {
	fs, ok := e.Config().FrameSizeByName(name)
	if !ok {
		return 0
	}
	return hostarch.Addr(fs.Size())
}

// FrameLevel returns the level frames of the named size are mapped at.
func (e *Env) FrameLevel(name string) int {
	fs, _ := e.Config().FrameSizeByName(name)
	level, _ := e.Config().FrameLevel(fs)
	return level
}

// LeafSpan returns the span of one leaf table.
func (e *Env) LeafSpan() hostarch.Addr {
	cfg := e.Config()
	leaf := cfg.LeafLevel()
	return hostarch.Addr(cfg.EntrySize(leaf) * uint64(cfg.Entries(leaf)))
}

// NewSpace allocates an address space and assigns it an ASID from pool.
func (e *Env) NewSpace(pool cspace.CPtr) (cspace.CPtr, *vspace.AddressSpace, error) {
	root, err := e.C.NewRoot()
	if err != nil {
		return 0, nil, err
	}
	if err := e.C.Assign(pool, root); err != nil {
		return 0, nil, fmt.Errorf("assign: %w", err)
	}
	s, err := e.C.Space(root)
	return root, s, err
}

// NewPool creates an ASID pool from fresh untyped memory.
func (e *Env) NewPool() (cspace.CPtr, error) {
	ut, err := e.C.NewUntyped(cspace.PoolBytes)
	if err != nil {
		return 0, err
	}
	return e.C.MakePool(ut)
}

// EnsurePath inserts tables until the path to vaddr in s holds a table at
// level, and returns the capabilities of the tables it inserted.
func (e *Env) EnsurePath(s *vspace.AddressSpace, vaddr hostarch.Addr, level int) ([]cspace.CPtr, error) {
	var inserted []cspace.CPtr
	for l := e.M.TableLevel(s, vaddr); l < level; l = e.M.TableLevel(s, vaddr) {
		cptr, err := e.C.NewTable(l + 1)
		if err != nil {
			return inserted, err
		}
		t, err := e.C.Table(cptr)
		if err != nil {
			return inserted, err
		}
		if err := e.M.InsertTable(t, s, vaddr); err != nil {
			return inserted, fmt.Errorf("insert %s at %v: %w", e.Config().LevelName(l+1), vaddr, err)
		}
		inserted = append(inserted, cptr)
	}
	return inserted, nil
}

// EnsureLeafPath inserts every table down to the leaf level for vaddr.
func (e *Env) EnsureLeafPath(s *vspace.AddressSpace, vaddr hostarch.Addr) ([]cspace.CPtr, error) {
	return e.EnsurePath(s, vaddr, e.Config().LeafLevel())
}

// NewFrames allocates n frames of the named size.
func (e *Env) NewFrames(size string, n int) ([]*vspace.Frame, error) {
	fs := make([]*vspace.Frame, 0, n)
	for i := 0; i < n; i++ {
		cptr, err := e.C.NewFrame(size)
		if err != nil {
			return nil, err
		}
		f, err := e.C.Frame(cptr)
		if err != nil {
			return nil, err
		}
		fs = append(fs, f)
	}
	return fs, nil
}

// NewFrame allocates one frame of the named size.
func (e *Env) NewFrame(size string) (*vspace.Frame, error) {
	fs, err := e.NewFrames(size, 1)
	if err != nil {
		return nil, err
	}
	return fs[0], nil
}

// MapNew allocates a frame of the named size and maps it at vaddr in s,
// inserting the tables above it as needed.
func (e *Env) MapNew(s *vspace.AddressSpace, size string, vaddr hostarch.Addr, opts pagetables.MapOpts) (*vspace.Frame, error) {
	f, err := e.NewFrame(size)
	if err != nil {
		return nil, err
	}
	if _, err := e.EnsurePath(s, vaddr, e.FrameLevel(size)); err != nil {
		return nil, err
	}
	if err := e.M.Map(f, s, vaddr, opts); err != nil {
		return nil, fmt.Errorf("map %v at %v: %w", f, vaddr, err)
	}
	return f, nil
}

// Expect returns an error unless err is of the same kind as want. A nil want
// expects success.
func Expect(op string, err error, want *errors.Error) error {
	if vmerr.Equals(want, err) {
		return nil
	}
	if want == nil {
		return fmt.Errorf("%s: got err %v want success", op, err)
	}
	return fmt.Errorf("%s: got err %v want %v", op, err, want.Kind())
}

// Helper is an execution context bound to its own address space, with one
// small frame mapped at MapBase.
type Helper struct {
	Env   *Env
	Root  cspace.CPtr
	Space *vspace.AddressSpace
}

// HelperFunc is the body of a helper. Its result is collected by RunHelpers.
type HelperFunc func(ctx context.Context, h *Helper) (uint64, error)

// NewHelper creates a helper whose address space is assigned from pool.
func (e *Env) NewHelper(pool cspace.CPtr) (*Helper, error) {
	root, s, err := e.NewSpace(pool)
	if err != nil {
		return nil, err
	}
	if _, err := e.MapNew(s, "small", MapBase, AllRights); err != nil {
		return nil, err
	}
	return &Helper{Env: e, Root: root, Space: s}, nil
}

// Cleanup deletes the address space of h.
func (h *Helper) Cleanup() error {
	return h.Env.C.Delete(h.Root)
}

// RunHelpers runs fn on every helper concurrently and returns the results in
// helper order. The first error cancels the context passed to the others.
func (e *Env) RunHelpers(ctx context.Context, helpers []*Helper, fn HelperFunc) ([]uint64, error) {
	results := make([]uint64, len(helpers))
	g, ctx := errgroup.WithContext(ctx)
	for i, h := range helpers {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			r, err := fn(ctx, h)
			if err != nil {
				return fmt.Errorf("helper %d (%v): %w", i, h.Space, err)
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
