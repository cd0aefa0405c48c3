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

// Package errors holds the standardized error definition for the mapping
// engine.
package errors

import "fmt"

// Kind is a kernel error kind. The numbering follows the seL4 error codes so
// that values can be compared with traces taken from a real kernel.
type Kind int

// Error kinds.
const (
	NoError Kind = iota
	InvalidArgument
	InvalidCapability
	IllegalOperation
	RangeError
	AlignmentError
	FailedLookup
	TruncatedMessage
	DeleteFirst
	RevokeFirst
	NotEnoughMemory

	// NumKinds is the number of error kinds.
	NumKinds
)

var kindNames = [NumKinds]string{
	NoError:           "NoError",
	InvalidArgument:   "InvalidArgument",
	InvalidCapability: "InvalidCapability",
	IllegalOperation:  "IllegalOperation",
	RangeError:        "RangeError",
	AlignmentError:    "AlignmentError",
	FailedLookup:      "FailedLookup",
	TruncatedMessage:  "TruncatedMessage",
	DeleteFirst:       "DeleteFirst",
	RevokeFirst:       "RevokeFirst",
	NotEnoughMemory:   "NotEnoughMemory",
}

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	if k >= 0 && k < NumKinds {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind returns the Kind named by s.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return Kind(k), nil
		}
	}
	return NoError, fmt.Errorf("unknown error kind %q", s)
}

// Error represents a kernel error kind with a descriptive message.
type Error struct {
	kind    Kind
	message string
}

// New creates a new *Error.
func New(kind Kind, message string) *Error {
	return &Error{
		kind:    kind,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Kind returns the underlying Kind value.
func (e *Error) Kind() Kind { return e.kind }
