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
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"vspace.dev/vspace/pkg/arch"
	"vspace.dev/vspace/pkg/errors"
)

func TestTestdata(t *testing.T) {
	paths, err := filepath.Glob("testdata/*.toml")
	if err != nil || len(paths) == 0 {
		t.Fatalf("no scripts found: %v", err)
	}
	for _, path := range paths {
		sc, err := Load(path)
		if err != nil {
			t.Fatalf("Load(%s) failed: %v", path, err)
		}
		names := arch.Names()
		if sc.Arch != "" {
			names = []string{sc.Arch}
		}
		for _, name := range names {
			t.Run(sc.Name+"/"+name, func(t *testing.T) {
				rep, err := Run(context.Background(), arch.MustLookup(name), sc)
				if err != nil {
					t.Fatalf("Run failed: %v", err)
				}
				if len(rep.Steps) != len(sc.Steps) {
					t.Errorf("ran %d steps want %d", len(rep.Steps), len(sc.Steps))
				}
			})
		}
	}
}

const prelude = `
[[object]]
name = "vs"
type = "root"

[[object]]
name = "small"
type = "frame"
size = "small"
count = 4

[[step]]
op = "assign"
root = "vs"

[[step]]
op = "ensure_path"
root = "vs"
vaddr = 0x10000000
`

func mustDecode(t *testing.T, text string) *Script {
	t.Helper()
	sc, err := Decode(text)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	return sc
}

func TestReport(t *testing.T) {
	sc := mustDecode(t, prelude+`
[[step]]
op = "map"
frame = "small"
root = "vs"
vaddr = 0x10000000

[[step]]
op = "range_unmap"
root = "vs"
start = 0x10000000
end = 0x10004000
loop = true
expect_num = 4

[[step]]
op = "read"
root = "vs"
vaddr = 0x10000000
expect = "Fault"
`)
	rep, err := Run(context.Background(), arch.MustLookup("aarch64"), sc)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	want := []StepResult{
		{Index: 0, Op: "assign", Calls: 1},
		{Index: 1, Op: "ensure_path", Calls: 3},
		{Index: 2, Op: "map", Calls: 4},
		{Index: 3, Op: "range_unmap", Calls: 1, Num: 4},
		{Index: 4, Op: "read", Calls: 1, Kind: errors.IllegalOperation, Fault: true},
	}
	if diff := cmp.Diff(want, rep.Steps); diff != "" {
		t.Errorf("Steps mismatch (-want +got):\n%s", diff)
	}
}

func TestMismatch(t *testing.T) {
	sc := mustDecode(t, prelude+`
[[step]]
op = "map"
frame = "small[0]"
root = "vs"
vaddr = 0x10000001

[[step]]
op = "unmap"
frame = "small[0]"
`)
	rep, err := Run(context.Background(), arch.MustLookup("x86_64"), sc)
	if err == nil {
		t.Fatalf("Run succeeded, want a mismatch at step 2")
	}
	if !strings.Contains(err.Error(), "step 2 (map)") || !strings.Contains(err.Error(), "AlignmentError") {
		t.Errorf("Run got err %v, want it to name step 2 and AlignmentError", err)
	}
	if got := len(rep.Steps); got != 3 {
		t.Fatalf("ran %d steps want 3", got)
	}
	if got := rep.Steps[2].Kind; got != errors.AlignmentError {
		t.Errorf("step 2 got kind %v want %v", got, errors.AlignmentError)
	}
}

func TestScriptErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		step string
	}{
		{
			name: "unknown object",
			step: `op = "unmap"
frame = "nope"`,
		},
		{
			name: "index out of range",
			step: `op = "unmap"
frame = "small[4]"`,
		},
		{
			name: "malformed index",
			step: `op = "unmap"
frame = "small[x"`,
		},
		{
			name: "family where one is needed",
			step: `op = "make_pool"
untyped = "small"`,
		},
		{
			name: "unexpected value",
			step: `op = "read"
root = "vs"
vaddr = 0x10000000
value = 1`,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			text := prelude
			if tc.name == "unexpected value" {
				text += "\n[[step]]\nop = \"map\"\nframe = \"small[0]\"\nroot = \"vs\"\nvaddr = 0x10000000\n"
			}
			sc := mustDecode(t, text+"\n[[step]]\n"+tc.step+"\n")
			_, err := Run(context.Background(), arch.MustLookup("riscv64"), sc)
			var se *scriptError
			if !stderrors.As(err, &se) {
				t.Errorf("Run got err %v want a script error", err)
			}
		})
	}
}

func TestArchMismatch(t *testing.T) {
	sc := mustDecode(t, `arch = "aarch32"`)
	if _, err := Run(context.Background(), arch.MustLookup("x86_64"), sc); err == nil {
		t.Errorf("Run of an aarch32 script on x86_64 succeeded")
	}
}

func TestCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, arch.MustLookup("x86_64"), mustDecode(t, prelude))
	if !stderrors.Is(err, context.Canceled) {
		t.Errorf("Run got err %v want %v", err, context.Canceled)
	}
}

func TestDecodeErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		text string
		want string
	}{
		{
			name: "unknown key",
			text: "colour = 1",
			want: "unknown key",
		},
		{
			name: "unknown op",
			text: "[[step]]\nop = \"remap\"",
			want: "unknown op",
		},
		{
			name: "missing argument",
			text: "[[step]]\nop = \"map\"\nroot = \"vs\"",
			want: "missing frame",
		},
		{
			name: "duplicate object",
			text: "[[object]]\nname = \"a\"\ntype = \"root\"\n[[object]]\nname = \"a\"\ntype = \"root\"",
			want: "declared twice",
		},
		{
			name: "unknown type",
			text: "[[object]]\nname = \"a\"\ntype = \"pool\"",
			want: "unknown type",
		},
		{
			name: "frame without size",
			text: "[[object]]\nname = \"a\"\ntype = \"frame\"",
			want: "no size",
		},
		{
			name: "unknown kind",
			text: "[[step]]\nop = \"unmap\"\nframe = \"a\"\nexpect = \"Oops\"",
			want: "unknown error kind",
		},
		{
			name: "name reused",
			text: "[[object]]\nname = \"a\"\ntype = \"root\"\n[[step]]\nop = \"ensure_path\"\nroot = \"a\"\nname = \"a\"",
			want: "already in use",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.text)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Decode got err %v want one containing %q", err, tc.want)
			}
		})
	}
}
