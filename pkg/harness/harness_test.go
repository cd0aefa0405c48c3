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
	"errors"
	"strings"
	"testing"

	"vspace.dev/vspace/pkg/arch"
	"vspace.dev/vspace/pkg/errors/vmerr"
)

func newEnv(t *testing.T, name string) *Env {
	t.Helper()
	e, err := NewEnv(arch.MustLookup(name), DefaultBudget)
	if err != nil {
		t.Fatalf("NewEnv(%s) failed: %v", name, err)
	}
	return e
}

func TestScenarios(t *testing.T) {
	for _, name := range arch.Names() {
		t.Run(name, func(t *testing.T) {
			cfg := arch.MustLookup(name)
			for _, sc := range Scenarios() {
				t.Run(sc.Name, func(t *testing.T) {
					if res := RunOne(cfg, sc); !res.Passed() {
						t.Errorf("%s: %v", sc.Description, res.Err)
					}
				})
			}
		})
	}
}

func TestScenarioNames(t *testing.T) {
	seen := make(map[string]bool)
	prev := ""
	for _, sc := range Scenarios() {
		if seen[sc.Name] {
			t.Errorf("duplicate scenario %s", sc.Name)
		}
		seen[sc.Name] = true
		if sc.Name <= prev {
			t.Errorf("scenario %s listed after %s", sc.Name, prev)
		}
		prev = sc.Name
		if got, ok := Lookup(sc.Name); !ok || got.Name != sc.Name {
			t.Errorf("Lookup(%s) got %v, %t", sc.Name, got.Name, ok)
		}
	}
	if _, ok := Lookup("VSPACE9999"); ok {
		t.Errorf("Lookup of an unknown scenario succeeded")
	}
}

func TestRunAll(t *testing.T) {
	scs := Scenarios()
	results, err := RunAll(context.Background(), arch.MustLookup("x86_64"), scs, 4)
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}
	if len(results) != len(scs) {
		t.Fatalf("got %d results want %d", len(results), len(scs))
	}
	for i, r := range results {
		if r.Name != scs[i].Name {
			t.Errorf("result %d is %s want %s", i, r.Name, scs[i].Name)
		}
		if !r.Passed() {
			t.Errorf("%v", r)
		}
		if !strings.HasPrefix(r.String(), "x86_64/"+r.Name+": ok") {
			t.Errorf("String() = %q", r.String())
		}
	}
}

func TestRunAllReportsFailures(t *testing.T) {
	boom := errors.New("boom")
	scs := []Scenario{
		{Name: "fails", Run: func(*Env) error { return boom }},
		{Name: "passes", Run: func(*Env) error { return nil }},
	}
	results, err := RunAll(context.Background(), arch.MustLookup("riscv64"), scs, 0)
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}
	if !errors.Is(results[0].Err, boom) {
		t.Errorf("first result got err %v want %v", results[0].Err, boom)
	}
	if !results[1].Passed() {
		t.Errorf("second result failed: %v", results[1].Err)
	}
}

func TestRunAllCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := RunAll(ctx, arch.MustLookup("aarch64"), Scenarios(), 1); !errors.Is(err, context.Canceled) {
		t.Errorf("RunAll got err %v want %v", err, context.Canceled)
	}
}

func TestEnsurePath(t *testing.T) {
	e := newEnv(t, "x86_64")
	_, s, err := e.NewSpace(e.Pool)
	if err != nil {
		t.Fatalf("NewSpace failed: %v", err)
	}
	inserted, err := e.EnsureLeafPath(s, MapBase)
	if err != nil {
		t.Fatalf("EnsureLeafPath failed: %v", err)
	}
	if got, want := len(inserted), e.Config().Depth()-1; got != want {
		t.Errorf("inserted %d tables want %d", got, want)
	}
	if got := e.M.TableLevel(s, MapBase); got != e.Config().LeafLevel() {
		t.Errorf("TableLevel got %d want %d", got, e.Config().LeafLevel())
	}
	again, err := e.EnsureLeafPath(s, MapBase)
	if err != nil || len(again) != 0 {
		t.Errorf("second EnsureLeafPath inserted %d tables, err %v", len(again), err)
	}
	// The neighbouring leaf table shares every table above it.
	next, err := e.EnsureLeafPath(s, MapBase+e.LeafSpan())
	if err != nil || len(next) != 1 {
		t.Errorf("EnsureLeafPath of the next leaf inserted %d tables, err %v", len(next), err)
	}
}

func TestRunHelpers(t *testing.T) {
	e := newEnv(t, "aarch64")
	var helpers []*Helper
	for i := 0; i < 4; i++ {
		h, err := e.NewHelper(e.Pool)
		if err != nil {
			t.Fatalf("NewHelper failed: %v", err)
		}
		helpers = append(helpers, h)
	}
	boom := errors.New("boom")
	_, err := e.RunHelpers(context.Background(), helpers, func(ctx context.Context, h *Helper) (uint64, error) {
		if h == helpers[2] {
			return 0, boom
		}
		return 1, nil
	})
	if !errors.Is(err, boom) {
		t.Errorf("RunHelpers got err %v want %v", err, boom)
	}
	res, err := e.RunHelpers(context.Background(), helpers, func(ctx context.Context, h *Helper) (uint64, error) {
		tr, err := e.M.Translate(h.Space, MapBase)
		return uint64(tr.Frame), err
	})
	if err != nil {
		t.Fatalf("RunHelpers failed: %v", err)
	}
	seen := make(map[uint64]bool)
	for _, r := range res {
		if seen[r] {
			t.Errorf("frame %d is mapped by two helpers", r)
		}
		seen[r] = true
	}
	for _, h := range helpers {
		if err := h.Cleanup(); err != nil {
			t.Errorf("Cleanup failed: %v", err)
		}
		if _, err := e.M.Translate(h.Space, MapBase); !vmerr.Equals(vmerr.InvalidCapability, err) {
			t.Errorf("Translate after Cleanup got err %v want %v", err, vmerr.InvalidCapability)
		}
	}
}

func TestExpect(t *testing.T) {
	if err := Expect("op", nil, nil); err != nil {
		t.Errorf("Expect(nil, nil) = %v", err)
	}
	if err := Expect("op", vmerr.Wrapf(vmerr.DeleteFirst, "x"), vmerr.DeleteFirst); err != nil {
		t.Errorf("Expect of a matching kind = %v", err)
	}
	if err := Expect("op", nil, vmerr.DeleteFirst); err == nil {
		t.Errorf("Expect of a missing error succeeded")
	}
	if err := Expect("op", vmerr.FailedLookup, nil); err == nil {
		t.Errorf("Expect of an unexpected error succeeded")
	}
}
