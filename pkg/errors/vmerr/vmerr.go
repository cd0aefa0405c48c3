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

// Package vmerr contains the error values returned by mapping operations and
// helpers to classify them.
package vmerr

import (
	stderrors "errors"
	"fmt"

	"vspace.dev/vspace/pkg/errors"
)

// The following variables have the same meaning as their seL4 counterparts.
var (
	InvalidArgument   = errors.New(errors.InvalidArgument, "invalid argument")
	InvalidCapability = errors.New(errors.InvalidCapability, "invalid capability")
	IllegalOperation  = errors.New(errors.IllegalOperation, "illegal operation")
	RangeError        = errors.New(errors.RangeError, "range error")
	AlignmentError    = errors.New(errors.AlignmentError, "alignment error")
	FailedLookup      = errors.New(errors.FailedLookup, "failed lookup")
	TruncatedMessage  = errors.New(errors.TruncatedMessage, "truncated message")
	DeleteFirst       = errors.New(errors.DeleteFirst, "delete first")
	RevokeFirst       = errors.New(errors.RevokeFirst, "revoke first")
	NotEnoughMemory   = errors.New(errors.NotEnoughMemory, "not enough memory")
)

var errorSlice = [errors.NumKinds]*errors.Error{
	errors.NoError:           nil,
	errors.InvalidArgument:   InvalidArgument,
	errors.InvalidCapability: InvalidCapability,
	errors.IllegalOperation:  IllegalOperation,
	errors.RangeError:        RangeError,
	errors.AlignmentError:    AlignmentError,
	errors.FailedLookup:      FailedLookup,
	errors.TruncatedMessage:  TruncatedMessage,
	errors.DeleteFirst:       DeleteFirst,
	errors.RevokeFirst:       RevokeFirst,
	errors.NotEnoughMemory:   NotEnoughMemory,
}

// FromKind returns the sentinel error for kind, or nil for NoError.
func FromKind(kind errors.Kind) error {
	if kind < 0 || kind >= errors.NumKinds {
		panic(fmt.Sprintf("invalid error kind requested: %d", kind))
	}
	if e := errorSlice[kind]; e != nil {
		return e
	}
	return nil
}

// detailed carries context for one of the sentinel errors above.
type detailed struct {
	err *errors.Error
	msg string
}

// Error implements error.Error.
func (d *detailed) Error() string {
	return d.err.Error() + ": " + d.msg
}

// Unwrap returns the sentinel error.
func (d *detailed) Unwrap() error { return d.err }

// Wrapf returns an error of the same kind as e annotated with a formatted
// message.
func Wrapf(e *errors.Error, format string, v ...any) error {
	return &detailed{err: e, msg: fmt.Sprintf(format, v...)}
}

// errorUnwrappers is an array of unwrap functions to extract typed errors.
var errorUnwrappers = []func(error) (*errors.Error, bool){}

// AddErrorUnwrapper registers an unwrap method that can extract a concrete
// error from an error type defined by another package.
func AddErrorUnwrapper(unwrap func(e error) (*errors.Error, bool)) {
	errorUnwrappers = append(errorUnwrappers, unwrap)
}

// TranslateError returns the sentinel error carried by from. It returns false
// if from carries no kind.
func TranslateError(from error) (*errors.Error, bool) {
	var e *errors.Error
	if stderrors.As(from, &e) {
		return e, true
	}
	for _, unwrap := range errorUnwrappers {
		if e, ok := unwrap(from); ok {
			return e, true
		}
	}
	return nil, false
}

// KindOf returns the kind of err. A nil error is NoError and an error that
// carries no kind is reported as IllegalOperation.
func KindOf(err error) errors.Kind {
	if err == nil {
		return errors.NoError
	}
	if e, ok := TranslateError(err); ok {
		return e.Kind()
	}
	return errors.IllegalOperation
}

// Equals compares a sentinel error to a given error. A nil e matches only a
// nil err.
func Equals(e *errors.Error, err error) bool {
	if e == nil {
		return err == nil
	}
	return KindOf(err) == e.Kind()
}
