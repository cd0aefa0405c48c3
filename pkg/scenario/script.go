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

// Package scenario decodes and runs scenario scripts. A script declares
// objects and a sequence of steps invoking the mapping engine, each with the
// error kind it is expected to produce:
//
//	name = "reuse"
//
//	[[object]]
//	name = "pd"
//	type = "root"
//
//	[[object]]
//	name = "small"
//	type = "frame"
//	size = "small"
//	count = 2
//
//	[[step]]
//	op = "assign"
//	root = "pd"
//
//	[[step]]
//	op = "ensure_path"
//	root = "pd"
//	vaddr = 0x10000000
//
//	[[step]]
//	op = "map"
//	frame = "small[0]"
//	root = "pd"
//	vaddr = 0x10000000
//
//	[[step]]
//	op = "map"
//	frame = "small[0]"
//	root = "pd"
//	vaddr = 0x10010000
//	expect = "InvalidArgument"
//
// An object with a count declares a family; "name[i]" names one member and
// the bare name all of them.
package scenario

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"vspace.dev/vspace/pkg/errors"
)

// ExpectFault is the expectation of a step that faults.
const ExpectFault = "Fault"

// InitialPool names the ASID pool every environment starts with.
const InitialPool = "initial_pool"

// Object declares a capability allocated before the first step.
type Object struct {
	// Name is the name steps refer to the object by.
	Name string `toml:"name"`

	// Type is one of "root", "table", "frame" and "untyped".
	Type string `toml:"type"`

	// Level names the level of a table. It defaults to the leaf level.
	Level string `toml:"level"`

	// Size names the size of a frame.
	Size string `toml:"size"`

	// Bytes is the size of untyped memory. It defaults to the size of an
	// ASID pool.
	Bytes uint64 `toml:"bytes"`

	// Count makes the object a family of Count members.
	Count int `toml:"count"`
}

// Step is one invocation.
type Step struct {
	// Op is the operation, see ops.
	Op string `toml:"op"`

	// Capability arguments. They name declared objects.
	Root    string   `toml:"root"`
	Frame   string   `toml:"frame"`
	Frames  []string `toml:"frames"`
	Table   string   `toml:"table"`
	Pool    string   `toml:"pool"`
	Object  string   `toml:"object"`
	Untyped string   `toml:"untyped"`

	// Name registers the tables inserted by ensure_path as a family.
	Name string `toml:"name"`

	// Address arguments.
	VAddr uint64 `toml:"vaddr"`
	Start uint64 `toml:"start"`
	End   uint64 `toml:"end"`

	// Level names the level ensure_path builds down to.
	Level string `toml:"level"`

	// Rights are parsed by hostarch.ParseAccessType and default to "rw".
	Rights string `toml:"rights"`

	// Loop repeats a range operation from the returned address until the
	// end of the range.
	Loop bool `toml:"loop"`

	// Value is written by write and compared by read.
	Value *uint64 `toml:"value"`

	// Accessed and Dirty are compared by status when set.
	Accessed *bool `toml:"accessed"`
	Dirty    *bool `toml:"dirty"`

	// Expect names the error kind of the step, or is "Fault" for an access
	// the translation does not allow. It defaults to NoError.
	Expect string `toml:"expect"`

	// ExpectNum is the number of entries every range call must visit, if
	// not zero.
	ExpectNum int `toml:"expect_num"`

	expect      errors.Kind
	expectFault bool
}

// String implements fmt.Stringer.String.
func (s *Step) String() string {
	return s.Op
}

// Script is a decoded scenario script.
type Script struct {
	// Name identifies the script.
	Name string `toml:"name"`

	// Description says what the script checks.
	Description string `toml:"description"`

	// Arch optionally names the preset the script is written for.
	Arch string `toml:"arch"`

	Objects []Object `toml:"object"`
	Steps   []Step   `toml:"step"`
}

// ops maps every operation to the capability arguments it requires.
var ops = map[string][]string{
	"assign":        {"root"},
	"make_pool":     {"untyped"},
	"map_table":     {"table", "root"},
	"ensure_path":   {"root"},
	"map":           {"frame", "root"},
	"directed_map":  {"frame", "root"},
	"unmap":         {"frame"},
	"unmap_table":   {"table"},
	"range_protect": {"root"},
	"range_unmap":   {"root"},
	"range_map":     {"frames", "root"},
	"delete":        {"object"},
	"write":         {"root", "value"},
	"read":          {"root"},
	"status":        {"root"},
}

var objectTypes = map[string]bool{
	"root":    true,
	"table":   true,
	"frame":   true,
	"untyped": true,
}

// has returns true if the argument arg of s is set.
func (s *Step) has(arg string) bool {
	switch arg {
	case "root":
		return s.Root != ""
	case "frame":
		return s.Frame != ""
	case "frames":
		return len(s.Frames) != 0
	case "table":
		return s.Table != ""
	case "object":
		return s.Object != ""
	case "untyped":
		return s.Untyped != ""
	case "value":
		return s.Value != nil
	default:
		panic(fmt.Sprintf("unknown argument %q", arg))
	}
}

// validate checks the script for errors that do not depend on the
// architecture.
func (sc *Script) validate() error {
	names := map[string]bool{InitialPool: true}
	for i, o := range sc.Objects {
		if o.Name == "" {
			return fmt.Errorf("object %d has no name", i)
		}
		if names[o.Name] {
			return fmt.Errorf("object %q declared twice", o.Name)
		}
		names[o.Name] = true
		if !objectTypes[o.Type] {
			return fmt.Errorf("object %q has unknown type %q", o.Name, o.Type)
		}
		if o.Type == "frame" && o.Size == "" {
			return fmt.Errorf("frame %q has no size", o.Name)
		}
		if o.Count < 0 {
			return fmt.Errorf("object %q has negative count %d", o.Name, o.Count)
		}
	}
	for i := range sc.Steps {
		st := &sc.Steps[i]
		args, ok := ops[st.Op]
		if !ok {
			return fmt.Errorf("step %d: unknown op %q", i, st.Op)
		}
		for _, arg := range args {
			if !st.has(arg) {
				return fmt.Errorf("step %d (%s): missing %s", i, st.Op, arg)
			}
		}
		if st.Name != "" {
			if names[st.Name] {
				return fmt.Errorf("step %d (%s): name %q already in use", i, st.Op, st.Name)
			}
			names[st.Name] = true
		}
		st.expect = errors.NoError
		switch st.Expect {
		case "":
		case ExpectFault:
			st.expectFault = true
		default:
			k, err := errors.ParseKind(st.Expect)
			if err != nil {
				return fmt.Errorf("step %d (%s): %w", i, st.Op, err)
			}
			st.expect = k
		}
	}
	return nil
}

// Decode parses a script.
func Decode(text string) (*Script, error) {
	var sc Script
	md, err := toml.Decode(text, &sc)
	if err != nil {
		return nil, err
	}
	if keys := md.Undecoded(); len(keys) != 0 {
		return nil, fmt.Errorf("unknown key %q", keys[0].String())
	}
	if err := sc.validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Load reads and decodes the script at path.
func Load(path string) (*Script, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sc, err := Decode(string(b))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}
