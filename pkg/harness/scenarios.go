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

package harness

import (
	"context"
	"fmt"

	"vspace.dev/vspace/pkg/errors/vmerr"
	"vspace.dev/vspace/pkg/hostarch"
	"vspace.dev/vspace/pkg/vspace"
)

// Scenario is a named conformance check.
type Scenario struct {
	// Name is the identifier of the scenario, e.g. "VSPACE0014".
	Name string

	// Description says what the scenario exercises.
	Description string

	// Run executes the scenario in a fresh Env.
	Run func(e *Env) error
}

// Scenarios returns every scenario in name order.
func Scenarios() []Scenario {
	return []Scenario{
		{"VSPACE0000", "Helper running in a different address space", helperInOtherSpace},
		{"VSPACE0001", "Unmapping a page after deleting its address space", unmapAfterDelete},
		{"VSPACE0002", "Creating an ASID pool and assigning from it", makePool},
		{"VSPACE0003", "Creating every ASID pool", allocAllPools},
		{"VSPACE0004", "Running out of ASID pools", runOutOfPools},
		{"VSPACE0005", "Overassigning an ASID pool", overassignPool},
		{"VSPACE0006", "Touching memory from a helper in every ASID pool", touchAllPools},
		{"VSPACE0007", "Range map batch limit", rangeMapBatchLimit},
		{"VSPACE0008", "Range map over an occupied page", rangeMapOccupied},
		{"VSPACE0009", "Range map with mixed frame sizes", rangeMapMixed},
		{"VSPACE0010", "Dirty and accessed bits", statusBits},
		{"VSPACE0011", "Range protect over small pages", rangeProtectSmall},
		{"VSPACE0012", "Range unmap over large pages", rangeUnmapLarge},
		{"VSPACE0013", "Range unmap over small and large pages", rangeUnmapSmallLarge},
		{"VSPACE0014", "Reusing a frame for a different address after range unmap", reuseAfterRangeUnmap},
		{"VSPACE0015", "Relocating a frame made stale by an overwrite", twoFramesSameAddr},
		{"VSPACE0016", "Relocating a frame after unmapping its table", remapAfterTableUnmap},
		{"VSPACE0017", "Relocating a stale frame from a different address space", remapOtherSpace},
	}
}

// Lookup returns the scenario with the given name.
func Lookup(name string) (Scenario, bool) {
	for _, sc := range Scenarios() {
		if sc.Name == name {
			return sc, true
		}
	}
	return Scenario{}, false
}

// rangeLoop calls op from start until next reaches end. If want is not
// zero, every call must visit exactly want entries.
func rangeLoop(name string, start, end hostarch.Addr, want int, op func(cur, end hostarch.Addr) (int, hostarch.Addr, error)) (total int, err error) {
	for cur := start; cur < end; {
		num, next, err := op(cur, end)
		if err != nil {
			return total, fmt.Errorf("%s at %v: %w", name, cur, err)
		}
		if want != 0 && num != want {
			return total, fmt.Errorf("%s at %v: visited %d entries, want %d", name, cur, num, want)
		}
		if next <= cur {
			return total, fmt.Errorf("%s at %v: no progress, next %v", name, cur, next)
		}
		total += num
		cur = next
	}
	return total, nil
}

// roundUp rounds addr up to a multiple of size, a power of two.
func roundUp(addr, size hostarch.Addr) hostarch.Addr {
	return (addr + size - 1) &^ (size - 1)
}

// wantLive fails unless f has a live record at vaddr in s.
func wantLive(f *vspace.Frame, s *vspace.AddressSpace, vaddr hostarch.Addr) error {
	rec, ok := f.Record()
	if !ok || rec.Stale || rec.Space != s.ID() || rec.VAddr != vaddr {
		return fmt.Errorf("%v: record %v (set %t), want live at %v in %v", f, rec, ok, vaddr, s)
	}
	return nil
}

// wantStale fails unless f has a stale record.
func wantStale(f *vspace.Frame) error {
	if rec, ok := f.Record(); !ok || !rec.Stale {
		return fmt.Errorf("%v: record %v (set %t), want stale", f, rec, ok)
	}
	return nil
}

func helperInOtherSpace(e *Env) error {
	h, err := e.NewHelper(e.Pool)
	if err != nil {
		return err
	}
	res, err := e.RunHelpers(context.Background(), []*Helper{h}, func(ctx context.Context, h *Helper) (uint64, error) {
		if err := e.M.WriteUint32(h.Space, MapBase, 42); err != nil {
			return 0, err
		}
		v, err := e.M.ReadUint32(h.Space, MapBase)
		return uint64(v), err
	})
	if err != nil {
		return err
	}
	if res[0] != 42 {
		return fmt.Errorf("helper returned %d, want 42", res[0])
	}
	return h.Cleanup()
}

func unmapAfterDelete(e *Env) error {
	root, s, err := e.NewSpace(e.Pool)
	if err != nil {
		return err
	}
	if _, err := e.EnsureLeafPath(s, MapBase); err != nil {
		return err
	}
	f, err := e.NewFrame("small")
	if err != nil {
		return err
	}
	if err := Expect("map", e.M.Map(f, s, MapBase, AllRights), nil); err != nil {
		return err
	}
	if err := Expect("delete root", e.C.Delete(root), nil); err != nil {
		return err
	}
	if err := wantStale(f); err != nil {
		return err
	}
	if err := Expect("unmap", e.M.Unmap(f), nil); err != nil {
		return err
	}
	if _, ok := f.Record(); ok {
		return fmt.Errorf("%v still has a record after unmap", f)
	}
	_, err = e.M.Translate(s, MapBase)
	return Expect("translate in deleted space", err, vmerr.InvalidCapability)
}

func makePool(e *Env) error {
	pool, err := e.NewPool()
	if err != nil {
		return Expect("make pool", err, nil)
	}
	root, _, err := e.NewSpace(e.Pool)
	if err != nil {
		return err
	}
	if err := Expect("assign assigned root", e.C.Assign(pool, root), vmerr.DeleteFirst); err != nil {
		return err
	}
	frame, err := e.C.NewFrame("small")
	if err != nil {
		return err
	}
	if err := Expect("assign frame", e.C.Assign(pool, frame), vmerr.InvalidCapability); err != nil {
		return err
	}
	fresh, err := e.C.NewRoot()
	if err != nil {
		return err
	}
	if err := Expect("assign fresh root", e.C.Assign(pool, fresh), nil); err != nil {
		return err
	}
	p, err := e.C.Pool(pool)
	if err != nil {
		return err
	}
	s, err := e.C.Space(fresh)
	if err != nil {
		return err
	}
	if lo := vspace.ASID(p.Index() << e.Config().ASIDPoolIndexBits); s.ASID() < lo {
		return fmt.Errorf("%v got asid %d outside %v", s, s.ASID(), p)
	}
	return nil
}

func allocAllPools(e *Env) error {
	for i := 0; i < e.Config().NumASIDPools()-1; i++ {
		if _, err := e.NewPool(); err != nil {
			return fmt.Errorf("pool %d: %w", i+1, err)
		}
	}
	return nil
}

func runOutOfPools(e *Env) error {
	if err := allocAllPools(e); err != nil {
		return err
	}
	_, err := e.NewPool()
	return Expect("make pool past the limit", err, vmerr.DeleteFirst)
}

func overassignPool(e *Env) error {
	pool, err := e.NewPool()
	if err != nil {
		return err
	}
	for i := 0; i < e.Config().ASIDPoolSize(); i++ {
		if _, _, err := e.NewSpace(pool); err != nil {
			return fmt.Errorf("space %d: %w", i, err)
		}
	}
	root, err := e.C.NewRoot()
	if err != nil {
		return err
	}
	return Expect("assign to full pool", e.C.Assign(pool, root), vmerr.DeleteFirst)
}

func touchAllPools(e *Env) error {
	var helpers []*Helper
	for i := 0; i < e.Config().NumASIDPools()-1; i++ {
		pool, err := e.NewPool()
		if err != nil {
			return fmt.Errorf("pool %d: %w", i+1, err)
		}
		h, err := e.NewHelper(pool)
		if err != nil {
			return err
		}
		helpers = append(helpers, h)
	}
	tags := make(map[*Helper]uint32, len(helpers))
	for i, h := range helpers {
		tags[h] = uint32(i)
	}
	res, err := e.RunHelpers(context.Background(), helpers, func(ctx context.Context, h *Helper) (uint64, error) {
		if err := e.M.WriteUint32(h.Space, MapBase, tags[h]); err != nil {
			return 0, err
		}
		v, err := e.M.ReadUint32(h.Space, MapBase)
		return uint64(v), err
	})
	if err != nil {
		return err
	}
	for i, r := range res {
		if r != uint64(i) {
			return fmt.Errorf("helper %d returned %d", i, r)
		}
	}
	for _, h := range helpers {
		if err := h.Cleanup(); err != nil {
			return err
		}
	}
	return nil
}

func rangeMapBatchLimit(e *Env) error {
	_, s, err := e.NewSpace(e.Pool)
	if err != nil {
		return err
	}
	if _, err := e.EnsureLeafPath(s, MapBase); err != nil {
		return err
	}
	max := e.Config().MaxRangeMapBatch
	frames, err := e.NewFrames("small", max+1)
	if err != nil {
		return err
	}
	if err := Expect("range map over the limit", e.M.RangeMap(s, frames, MapBase, AllRights), vmerr.InvalidArgument); err != nil {
		return err
	}
	for _, f := range frames {
		if _, ok := f.Record(); ok {
			return fmt.Errorf("%v mapped by a rejected batch", f)
		}
	}
	frames = frames[:max]
	if err := Expect("range map at the limit", e.M.RangeMap(s, frames, MapBase, AllRights), nil); err != nil {
		return err
	}
	for i, f := range frames {
		vaddr := MapBase + hostarch.Addr(i)*e.PageSize()
		if err := wantLive(f, s, vaddr); err != nil {
			return err
		}
	}
	return nil
}

func rangeMapOccupied(e *Env) error {
	_, s, err := e.NewSpace(e.Pool)
	if err != nil {
		return err
	}
	if _, err := e.EnsureLeafPath(s, MapBase); err != nil {
		return err
	}
	occupied := MapBase + 5*e.PageSize()
	old, err := e.MapNew(s, "small", occupied, AllRights)
	if err != nil {
		return err
	}
	frames, err := e.NewFrames("small", 8)
	if err != nil {
		return err
	}
	if err := Expect("range map over a page", e.M.RangeMap(s, frames, MapBase, AllRights), vmerr.DeleteFirst); err != nil {
		return err
	}
	for _, f := range frames {
		if _, ok := f.Record(); ok {
			return fmt.Errorf("%v mapped by a rejected batch", f)
		}
	}
	if err := wantLive(old, s, occupied); err != nil {
		return err
	}
	// The same batch fits once the page is gone.
	if _, _, err := e.M.RangeUnmap(s, occupied, occupied+e.PageSize()); err != nil {
		return err
	}
	return Expect("range map after unmap", e.M.RangeMap(s, frames, MapBase, AllRights), nil)
}

func rangeMapMixed(e *Env) error {
	_, s, err := e.NewSpace(e.Pool)
	if err != nil {
		return err
	}
	largeSize := e.FrameSize("large")
	base := roundUp(MapBase, largeSize)
	if _, err := e.EnsurePath(s, base, e.FrameLevel("large")); err != nil {
		return err
	}
	if _, err := e.EnsureLeafPath(s, base+largeSize); err != nil {
		return err
	}
	large, err := e.NewFrame("large")
	if err != nil {
		return err
	}
	smalls, err := e.NewFrames("small", 2)
	if err != nil {
		return err
	}
	frames := append([]*vspace.Frame{large}, smalls...)
	if err := Expect("range map", e.M.RangeMap(s, frames, base, AllRights), nil); err != nil {
		return err
	}
	want := []hostarch.Addr{base, base + largeSize, base + largeSize + e.PageSize()}
	for i, f := range frames {
		tr, err := e.M.Translate(s, want[i])
		if err != nil {
			return err
		}
		if tr.Frame != f.ID() {
			return fmt.Errorf("%v translates to frame %d, want %v", want[i], tr.Frame, f)
		}
	}
	return nil
}

func statusBits(e *Env) error {
	_, s, err := e.NewSpace(e.Pool)
	if err != nil {
		return err
	}
	if _, err := e.MapNew(s, "small", MapBase, AllRights); err != nil {
		return err
	}
	check := func(when string, wantAccessed, wantDirty bool) error {
		accessed, dirty, err := e.M.StatusBits(s, MapBase)
		if err != nil {
			return err
		}
		if accessed != wantAccessed || dirty != wantDirty {
			return fmt.Errorf("%s: accessed %t dirty %t, want %t %t", when, accessed, dirty, wantAccessed, wantDirty)
		}
		return nil
	}
	if err := check("after map", false, false); err != nil {
		return err
	}
	if _, err := e.M.ReadUint32(s, MapBase); err != nil {
		return err
	}
	if err := check("after read", true, false); err != nil {
		return err
	}
	if err := e.M.WriteUint32(s, MapBase, 42); err != nil {
		return err
	}
	return check("after write", true, true)
}

func rangeProtectSmall(e *Env) error {
	_, s, err := e.NewSpace(e.Pool)
	if err != nil {
		return err
	}
	npage := 2 * e.Config().Entries(e.Config().LeafLevel())
	end := MapBase + hostarch.Addr(npage)*e.PageSize()
	for _, vaddr := range []hostarch.Addr{MapBase, MapBase + e.LeafSpan()} {
		if _, err := e.EnsureLeafPath(s, vaddr); err != nil {
			return err
		}
	}
	frames, err := e.NewFrames("small", npage)
	if err != nil {
		return err
	}
	for i, f := range frames {
		if err := e.M.Map(f, s, MapBase+hostarch.Addr(i)*e.PageSize(), AllRights); err != nil {
			return fmt.Errorf("map page %d: %w", i, err)
		}
	}
	chunk := e.Config().RangeChunk
	for cur := MapBase; cur < end; {
		num, _, err := e.M.RangeProtect(s, cur, end, hostarch.NoAccess)
		if err != nil {
			return err
		}
		if num != chunk {
			return fmt.Errorf("protect none at %v: num %d, want %d", cur, num, chunk)
		}
		num, next, err := e.M.RangeProtect(s, cur, end, hostarch.ReadWrite)
		if err != nil {
			return err
		}
		if num != chunk {
			return fmt.Errorf("protect all at %v: num %d, want %d", cur, num, chunk)
		}
		cur = next
	}
	return e.M.Access(s, end-e.PageSize(), hostarch.Write)
}

// mapLarge maps n large frames at consecutive large pages from base.
func (e *Env) mapLarge(s *vspace.AddressSpace, base hostarch.Addr, n int) ([]*vspace.Frame, error) {
	size := e.FrameSize("large")
	frames := make([]*vspace.Frame, 0, n)
	for i := 0; i < n; i++ {
		f, err := e.MapNew(s, "large", base+hostarch.Addr(i)*size, NoRights)
		if err != nil {
			return nil, fmt.Errorf("large page %d: %w", i, err)
		}
		frames = append(frames, f)
	}
	return frames, nil
}

func rangeUnmapLarge(e *Env) error {
	_, s, err := e.NewSpace(e.Pool)
	if err != nil {
		return err
	}
	n := 8 * e.Config().RangeChunk
	frames, err := e.mapLarge(s, MapBase, n)
	if err != nil {
		return err
	}
	small, err := e.NewFrame("small")
	if err != nil {
		return err
	}
	inside := MapBase + 3*e.PageSize()
	if err := Expect("map inside a large page", e.M.Map(small, s, inside, AllRights), vmerr.DeleteFirst); err != nil {
		return err
	}
	end := MapBase + hostarch.Addr(n)*e.FrameSize("large")
	if _, err := rangeLoop("range unmap", MapBase, end, e.Config().RangeChunk, func(cur, end hostarch.Addr) (int, hostarch.Addr, error) {
		return e.M.RangeUnmap(s, cur, end)
	}); err != nil {
		return err
	}
	for _, f := range frames {
		if err := wantStale(f); err != nil {
			return err
		}
	}
	if _, err := e.EnsureLeafPath(s, inside); err != nil {
		return err
	}
	return Expect("map after range unmap", e.M.Map(small, s, inside, AllRights), nil)
}

func rangeUnmapSmallLarge(e *Env) error {
	_, s, err := e.NewSpace(e.Pool)
	if err != nil {
		return err
	}
	if _, err := e.EnsureLeafPath(s, MapBase); err != nil {
		return err
	}
	const nsmall, nlarge = 128, 8
	smalls, err := e.NewFrames("small", nsmall)
	if err != nil {
		return err
	}
	for i, f := range smalls {
		if err := e.M.Map(f, s, MapBase+hostarch.Addr(i)*e.PageSize(), NoRights); err != nil {
			return fmt.Errorf("map page %d: %w", i, err)
		}
	}
	largeBase := roundUp(MapBase+nsmall*e.PageSize(), e.FrameSize("large"))
	larges, err := e.mapLarge(s, largeBase, nlarge)
	if err != nil {
		return err
	}
	small, err := e.NewFrame("small")
	if err != nil {
		return err
	}
	if err := Expect("map inside a large page", e.M.Map(small, s, largeBase, NoRights), vmerr.DeleteFirst); err != nil {
		return err
	}
	end := largeBase + nlarge*e.FrameSize("large")
	if _, err := rangeLoop("range unmap", MapBase, end, 0, func(cur, end hostarch.Addr) (int, hostarch.Addr, error) {
		return e.M.RangeUnmap(s, cur, end)
	}); err != nil {
		return err
	}
	for _, f := range append(smalls, larges...) {
		if err := wantStale(f); err != nil {
			return err
		}
	}
	if _, err := e.EnsureLeafPath(s, largeBase); err != nil {
		return err
	}
	return Expect("map after range unmap", e.M.Map(small, s, largeBase, NoRights), nil)
}

func reuseAfterRangeUnmap(e *Env) error {
	addr2 := MapBase + 0x10000
	addr3 := MapBase + 0x20000
	_, s, err := e.NewSpace(e.Pool)
	if err != nil {
		return err
	}
	f, err := e.MapNew(s, "small", MapBase, AllRights)
	if err != nil {
		return err
	}
	if err := Expect("map at another address", e.M.Map(f, s, addr2, AllRights), vmerr.InvalidArgument); err != nil {
		return err
	}
	if err := Expect("unmap", e.M.Unmap(f), nil); err != nil {
		return err
	}
	if err := Expect("map after unmap", e.M.Map(f, s, addr2, AllRights), nil); err != nil {
		return err
	}
	if _, _, err := e.M.RangeUnmap(s, addr2, addr2+16*e.PageSize()); err != nil {
		return err
	}
	if err := Expect("map with stale record", e.M.Map(f, s, addr3, AllRights), vmerr.InvalidArgument); err != nil {
		return err
	}
	if err := Expect("directed map with stale record", e.M.DirectedMap(s, f, addr3, AllRights), nil); err != nil {
		return err
	}
	return wantLive(f, s, addr3)
}

func twoFramesSameAddr(e *Env) error {
	addr2 := MapBase + 0x5000
	_, s, err := e.NewSpace(e.Pool)
	if err != nil {
		return err
	}
	f1, err := e.MapNew(s, "small", MapBase, AllRights)
	if err != nil {
		return err
	}
	f2, err := e.NewFrame("small")
	if err != nil {
		return err
	}
	if err := Expect("overwrite", e.M.Map(f2, s, MapBase, AllRights), nil); err != nil {
		return err
	}
	if err := Expect("directed map of live frame", e.M.DirectedMap(s, f2, addr2, AllRights), vmerr.InvalidArgument); err != nil {
		return err
	}
	if err := Expect("map of stale frame", e.M.Map(f1, s, addr2, AllRights), vmerr.InvalidArgument); err != nil {
		return err
	}
	if err := Expect("directed map of stale frame", e.M.DirectedMap(s, f1, addr2, AllRights), nil); err != nil {
		return err
	}
	if err := wantLive(f1, s, addr2); err != nil {
		return err
	}
	return wantLive(f2, s, MapBase)
}

func remapAfterTableUnmap(e *Env) error {
	addr2 := MapBase + e.LeafSpan()
	_, s, err := e.NewSpace(e.Pool)
	if err != nil {
		return err
	}
	tables, err := e.EnsureLeafPath(s, MapBase)
	if err != nil {
		return err
	}
	if _, err := e.EnsureLeafPath(s, addr2); err != nil {
		return err
	}
	f, err := e.NewFrame("small")
	if err != nil {
		return err
	}
	if err := Expect("map", e.M.Map(f, s, MapBase, AllRights), nil); err != nil {
		return err
	}
	pt, err := e.C.Table(tables[len(tables)-1])
	if err != nil {
		return err
	}
	if err := Expect("unmap table", e.M.UnmapTable(pt), nil); err != nil {
		return err
	}
	if err := Expect("directed map", e.M.DirectedMap(s, f, addr2, AllRights), nil); err != nil {
		return err
	}
	return wantLive(f, s, addr2)
}

func remapOtherSpace(e *Env) error {
	_, s1, err := e.NewSpace(e.Pool)
	if err != nil {
		return err
	}
	_, s2, err := e.NewSpace(e.Pool)
	if err != nil {
		return err
	}
	f, err := e.MapNew(s1, "small", MapBase, AllRights)
	if err != nil {
		return err
	}
	if _, err := e.EnsureLeafPath(s2, MapBase); err != nil {
		return err
	}
	if err := Expect("map in other space", e.M.Map(f, s2, MapBase, AllRights), vmerr.InvalidCapability); err != nil {
		return err
	}
	if err := Expect("directed map of live frame", e.M.DirectedMap(s2, f, MapBase, AllRights), vmerr.InvalidArgument); err != nil {
		return err
	}
	if _, _, err := e.M.RangeUnmap(s1, MapBase, MapBase+e.PageSize()); err != nil {
		return err
	}
	if err := Expect("map of stale frame in other space", e.M.Map(f, s2, MapBase, AllRights), vmerr.InvalidCapability); err != nil {
		return err
	}
	if err := Expect("directed map of stale frame", e.M.DirectedMap(s2, f, MapBase, AllRights), nil); err != nil {
		return err
	}
	return wantLive(f, s2, MapBase)
}
