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

package scenario

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"

	"vspace.dev/vspace/pkg/arch"
	"vspace.dev/vspace/pkg/cspace"
	"vspace.dev/vspace/pkg/errors"
	"vspace.dev/vspace/pkg/errors/vmerr"
	"vspace.dev/vspace/pkg/harness"
	"vspace.dev/vspace/pkg/hostarch"
	"vspace.dev/vspace/pkg/log"
	"vspace.dev/vspace/pkg/pagetables"
	"vspace.dev/vspace/pkg/vspace"
)

// StepResult is the outcome of one step.
type StepResult struct {
	// Index is the position of the step in the script.
	Index int

	// Op is the operation of the step.
	Op string

	// Kind is the error kind the step produced.
	Kind errors.Kind

	// Fault is set if the step produced a *vspace.Fault.
	Fault bool

	// Calls is the number of engine invocations the step made.
	Calls int

	// Num is the number of entries visited by a range step, summed over
	// calls.
	Num int
}

// Report collects the results of a run.
type Report struct {
	Script string
	Arch   string
	Steps  []StepResult
}

// Run executes sc in a fresh environment for cfg.
func Run(ctx context.Context, cfg *arch.Config, sc *Script) (*Report, error) {
	e, err := harness.NewEnv(cfg, harness.DefaultBudget)
	if err != nil {
		return nil, err
	}
	return RunIn(ctx, e, sc)
}

// RunIn executes sc in e. It stops at the first step whose outcome differs
// from its expectation, and returns the report of the steps that ran
// together with an error describing the mismatch.
func RunIn(ctx context.Context, e *harness.Env, sc *Script) (*Report, error) {
	if name := e.Config().Name; sc.Arch != "" && sc.Arch != name {
		return nil, fmt.Errorf("script %q is written for %s, not %s", sc.Name, sc.Arch, name)
	}
	r := &runner{
		e:    e,
		objs: map[string][]cspace.CPtr{InitialPool: {e.Pool}},
	}
	if err := r.allocate(sc.Objects); err != nil {
		return nil, err
	}
	rep := &Report{Script: sc.Name, Arch: e.Config().Name}
	for i := range sc.Steps {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		st := &sc.Steps[i]
		res := StepResult{Index: i, Op: st.Op}
		err := r.step(st, &res)
		rep.Steps = append(rep.Steps, res)
		if err != nil {
			return rep, fmt.Errorf("step %d (%s): %w", i, st.Op, err)
		}
		log.Debugf("%s: step %d (%s) produced %v in %d calls", sc.Name, i, st.Op, res.Kind, res.Calls)
	}
	return rep, nil
}

// runner holds the state of one run.
type runner struct {
	e    *harness.Env
	objs map[string][]cspace.CPtr
}

func (r *runner) allocate(objs []Object) error {
	cfg := r.e.Config()
	for _, o := range objs {
		n := o.Count
		if n == 0 {
			n = 1
		}
		level := cfg.LeafLevel()
		if o.Level != "" {
			l, ok := cfg.LevelByName(o.Level)
			if !ok {
				return fmt.Errorf("object %q: unknown level %q", o.Name, o.Level)
			}
			level = l
		}
		bytes := o.Bytes
		if bytes == 0 {
			bytes = cspace.PoolBytes
		}
		cptrs := make([]cspace.CPtr, 0, n)
		for i := 0; i < n; i++ {
			var (
				cptr cspace.CPtr
				err  error
			)
			switch o.Type {
			case "root":
				cptr, err = r.e.C.NewRoot()
			case "table":
				cptr, err = r.e.C.NewTable(level)
			case "frame":
				cptr, err = r.e.C.NewFrame(o.Size)
			case "untyped":
				cptr, err = r.e.C.NewUntyped(bytes)
			}
			if err != nil {
				return fmt.Errorf("object %q: %w", o.Name, err)
			}
			cptrs = append(cptrs, cptr)
		}
		r.objs[o.Name] = cptrs
	}
	return nil
}

// resolve returns the capabilities named by ref: one member for "name[i]",
// every member for "name".
func (r *runner) resolve(ref string) ([]cspace.CPtr, error) {
	name, idx, indexed := strings.Cut(ref, "[")
	cptrs, ok := r.objs[name]
	if !ok {
		return nil, fmt.Errorf("unknown object %q", name)
	}
	if !indexed {
		return cptrs, nil
	}
	i, err := strconv.Atoi(strings.TrimSuffix(idx, "]"))
	if err != nil || !strings.HasSuffix(idx, "]") {
		return nil, fmt.Errorf("malformed reference %q", ref)
	}
	if i < 0 || i >= len(cptrs) {
		return nil, fmt.Errorf("%q is out of range, %q has %d members", ref, name, len(cptrs))
	}
	return cptrs[i : i+1], nil
}

// one resolves ref to exactly one capability.
func (r *runner) one(ref string) (cspace.CPtr, error) {
	cptrs, err := r.resolve(ref)
	if err != nil {
		return 0, err
	}
	if len(cptrs) != 1 {
		return 0, fmt.Errorf("%q names %d objects, want one", ref, len(cptrs))
	}
	return cptrs[0], nil
}

// scriptError is a failure of the script itself rather than an outcome of
// the engine, like a reference to an unknown object or a mismatch in a
// returned value.
type scriptError struct {
	err error
}

func scriptErrorf(format string, v ...any) error {
	return &scriptError{fmt.Errorf(format, v...)}
}

// Error implements error.Error.
func (e *scriptError) Error() string { return e.err.Error() }

// Unwrap returns the underlying error.
func (e *scriptError) Unwrap() error { return e.err }

// step runs st and checks its expectations.
func (r *runner) step(st *Step, res *StepResult) error {
	err := r.invoke(st, res)
	var se *scriptError
	if stderrors.As(err, &se) {
		return se
	}
	var fault *vspace.Fault
	res.Fault = stderrors.As(err, &fault)
	res.Kind = vmerr.KindOf(err)
	switch {
	case st.expectFault:
		if !res.Fault {
			return fmt.Errorf("got %v want a fault", err)
		}
	case res.Fault:
		return fmt.Errorf("got %v want %v", err, st.expect)
	case res.Kind != st.expect:
		return fmt.Errorf("got %v (%v) want %v", res.Kind, err, st.expect)
	}
	return nil
}

// invoke runs st and returns the outcome of the engine, or a *scriptError.
func (r *runner) invoke(st *Step, res *StepResult) error {
	var opts pagetables.MapOpts
	if st.Rights != "" {
		at, err := hostarch.ParseAccessType(st.Rights)
		if err != nil {
			return &scriptError{err}
		}
		opts.AccessType = at
	} else {
		opts.AccessType = hostarch.ReadWrite
	}
	vaddr := hostarch.Addr(st.VAddr)

	// A capability of the wrong type is an engine outcome.
	var s *vspace.AddressSpace
	if st.Root != "" && st.Op != "assign" {
		cptr, err := r.one(st.Root)
		if err != nil {
			return &scriptError{err}
		}
		if s, err = r.e.C.Space(cptr); err != nil {
			res.Calls++
			return err
		}
	}

	switch st.Op {
	case "assign":
		pool := st.Pool
		if pool == "" {
			pool = InitialPool
		}
		p, err := r.one(pool)
		if err != nil {
			return &scriptError{err}
		}
		roots, err := r.resolve(st.Root)
		if err != nil {
			return &scriptError{err}
		}
		for _, root := range roots {
			res.Calls++
			if err := r.e.C.Assign(p, root); err != nil {
				return err
			}
		}
		return nil

	case "make_pool":
		ut, err := r.one(st.Untyped)
		if err != nil {
			return &scriptError{err}
		}
		res.Calls++
		_, err = r.e.C.MakePool(ut)
		return err

	case "map_table":
		cptr, err := r.one(st.Table)
		if err != nil {
			return &scriptError{err}
		}
		res.Calls++
		t, err := r.e.C.Table(cptr)
		if err != nil {
			return err
		}
		return r.e.M.InsertTable(t, s, vaddr)

	case "ensure_path":
		level := r.e.Config().LeafLevel()
		if st.Level != "" {
			l, ok := r.e.Config().LevelByName(st.Level)
			if !ok {
				return scriptErrorf("unknown level %q", st.Level)
			}
			level = l
		}
		inserted, err := r.e.EnsurePath(s, vaddr, level)
		res.Calls += len(inserted)
		if st.Name != "" {
			r.objs[st.Name] = inserted
		}
		return err

	case "map", "directed_map":
		frames, err := r.resolve(st.Frame)
		if err != nil {
			return &scriptError{err}
		}
		for _, cptr := range frames {
			res.Calls++
			f, err := r.e.C.Frame(cptr)
			if err != nil {
				return err
			}
			if st.Op == "map" {
				err = r.e.M.Map(f, s, vaddr, opts)
			} else {
				err = r.e.M.DirectedMap(s, f, vaddr, opts)
			}
			if err != nil {
				return err
			}
			vaddr += hostarch.Addr(f.Size().Size())
		}
		return nil

	case "unmap":
		frames, err := r.resolve(st.Frame)
		if err != nil {
			return &scriptError{err}
		}
		for _, cptr := range frames {
			res.Calls++
			f, err := r.e.C.Frame(cptr)
			if err != nil {
				return err
			}
			if err := r.e.M.Unmap(f); err != nil {
				return err
			}
		}
		return nil

	case "unmap_table":
		tables, err := r.resolve(st.Table)
		if err != nil {
			return &scriptError{err}
		}
		for _, cptr := range tables {
			res.Calls++
			t, err := r.e.C.Table(cptr)
			if err != nil {
				return err
			}
			if err := r.e.M.UnmapTable(t); err != nil {
				return err
			}
		}
		return nil

	case "range_protect", "range_unmap":
		op := func(cur, end hostarch.Addr) (int, hostarch.Addr, error) {
			if st.Op == "range_protect" {
				return r.e.M.RangeProtect(s, cur, end, opts.AccessType)
			}
			return r.e.M.RangeUnmap(s, cur, end)
		}
		return r.rangeLoop(st, res, op)

	case "range_map":
		var frames []*vspace.Frame
		for _, ref := range st.Frames {
			cptrs, err := r.resolve(ref)
			if err != nil {
				return &scriptError{err}
			}
			for _, cptr := range cptrs {
				f, err := r.e.C.Frame(cptr)
				if err != nil {
					res.Calls++
					return err
				}
				frames = append(frames, f)
			}
		}
		res.Calls++
		return r.e.M.RangeMap(s, frames, vaddr, opts)

	case "delete":
		cptrs, err := r.resolve(st.Object)
		if err != nil {
			return &scriptError{err}
		}
		for _, cptr := range cptrs {
			res.Calls++
			if err := r.e.C.Delete(cptr); err != nil {
				return err
			}
		}
		return nil

	case "write":
		res.Calls++
		return r.e.M.WriteUint32(s, vaddr, uint32(*st.Value))

	case "read":
		res.Calls++
		v, err := r.e.M.ReadUint32(s, vaddr)
		if err != nil {
			return err
		}
		if st.Value != nil && uint64(v) != *st.Value {
			return scriptErrorf("read %#x at %v, want %#x", v, vaddr, *st.Value)
		}
		return nil

	case "status":
		res.Calls++
		accessed, dirty, err := r.e.M.StatusBits(s, vaddr)
		if err != nil {
			return err
		}
		if st.Accessed != nil && accessed != *st.Accessed {
			return scriptErrorf("accessed is %t at %v, want %t", accessed, vaddr, *st.Accessed)
		}
		if st.Dirty != nil && dirty != *st.Dirty {
			return scriptErrorf("dirty is %t at %v, want %t", dirty, vaddr, *st.Dirty)
		}
		return nil
	}
	panic(fmt.Sprintf("unhandled op %q", st.Op))
}

// rangeLoop calls op once, or from start until end if st.Loop is set, and
// checks the number of entries every call visits.
func (r *runner) rangeLoop(st *Step, res *StepResult, op func(cur, end hostarch.Addr) (int, hostarch.Addr, error)) error {
	cur, end := hostarch.Addr(st.Start), hostarch.Addr(st.End)
	for {
		res.Calls++
		num, next, err := op(cur, end)
		if err != nil {
			return err
		}
		res.Num += num
		if st.ExpectNum != 0 && num != st.ExpectNum {
			return scriptErrorf("call %d at %v visited %d entries, want %d", res.Calls, cur, num, st.ExpectNum)
		}
		if !st.Loop || next >= end {
			return nil
		}
		if next <= cur {
			return scriptErrorf("call %d at %v made no progress", res.Calls, cur)
		}
		cur = next
	}
}
