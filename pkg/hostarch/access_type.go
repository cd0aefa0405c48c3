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
	"bytes"
	"fmt"
	"strings"
)

// AccessType specifies memory access types. This is used for mapping rights
// and for describing the access that caused a fault.
type AccessType struct {
	// Read is read access.
	Read bool

	// Write is write access.
	Write bool

	// Execute is executable access.
	Execute bool
}

// String returns a pretty representation of access. This looks like the
// familiar r-w-x from ls.
func (a AccessType) String() string {
	var buf bytes.Buffer
	if a.Read {
		buf.WriteString("r")
	} else {
		buf.WriteString("-")
	}
	if a.Write {
		buf.WriteString("w")
	} else {
		buf.WriteString("-")
	}
	if a.Execute {
		buf.WriteString("x")
	} else {
		buf.WriteString("-")
	}
	return buf.String()
}

// Any returns true iff at least one of Read, Write or Execute is true.
func (a AccessType) Any() bool {
	return a.Read || a.Write || a.Execute
}

// Effective returns the set of effective access types allowed by a, even if
// some types are not explicitly allowed.
func (a AccessType) Effective() AccessType {
	// In Linux, Write and Execute access generally imply Read access. See
	// mm/mmap.c:protection_map.
	//
	// The notable exception is get_user_pages, which only checks against
	// the original vma flags. That said, most user memory accesses do not
	// use GUP.
	if a.Write || a.Execute {
		a.Read = true
	}
	return a
}

// SupersetOf returns true iff the access types in a are a superset of the
// access types in other.
func (a AccessType) SupersetOf(other AccessType) bool {
	if !a.Read && other.Read {
		return false
	}
	if !a.Write && other.Write {
		return false
	}
	if !a.Execute && other.Execute {
		return false
	}
	return true
}

// Intersect returns the access types set in both a and other.
func (a AccessType) Intersect(other AccessType) AccessType {
	return AccessType{
		Read:    a.Read && other.Read,
		Write:   a.Write && other.Write,
		Execute: a.Execute && other.Execute,
	}
}

// Union returns the access types set in either a or other.
func (a AccessType) Union(other AccessType) AccessType {
	return AccessType{
		Read:    a.Read || other.Read,
		Write:   a.Write || other.Write,
		Execute: a.Execute || other.Execute,
	}
}

// An AccessType is the set of rights a mapping grants.
var (
	NoAccess  = AccessType{}
	Read      = AccessType{Read: true}
	Write     = AccessType{Write: true}
	Execute   = AccessType{Execute: true}
	ReadWrite = AccessType{Read: true, Write: true}
	AnyAccess = AccessType{Read: true, Write: true, Execute: true}
)

// ParseAccessType parses either the r-w-x form produced by String or one of
// the names "none", "read", "write", "rw" and "all".
func ParseAccessType(s string) (AccessType, error) {
	switch strings.ToLower(s) {
	case "none", "":
		return NoAccess, nil
	case "read", "r":
		return Read, nil
	case "write", "w":
		return Write, nil
	case "rw", "readwrite":
		return ReadWrite, nil
	case "all", "rwx", "any":
		return AnyAccess, nil
	}
	if len(s) != 3 {
		return NoAccess, fmt.Errorf("invalid access type %q", s)
	}
	var a AccessType
	for i, want := range []byte("rwx") {
		switch s[i] {
		case want:
			switch i {
			case 0:
				a.Read = true
			case 1:
				a.Write = true
			case 2:
				a.Execute = true
			}
		case '-':
		default:
			return NoAccess, fmt.Errorf("invalid access type %q", s)
		}
	}
	return a, nil
}
