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

// Package util groups helpers shared by the vspacectl commands.
package util

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/subcommands"
	"vspace.dev/vspace/pkg/log"
)

// ErrorLogger is where error messages should be written to. These messages
// are consumed by tooling that drives vspacectl, so they are written as JSON
// lines.
var ErrorLogger io.Writer

type jsonError struct {
	Msg   string    `json:"msg"`
	Level string    `json:"level"`
	Time  time.Time `json:"time"`
}

func writeError(msg string) {
	if ErrorLogger == nil {
		return
	}
	b, err := json.Marshal(jsonError{Msg: msg, Level: "error", Time: time.Now()})
	if err != nil {
		return
	}
	_, _ = ErrorLogger.Write(append(b, '\n'))
}

// Errorf logs an error to the debug log and to stderr, and returns
// subcommand failure status.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", msg)
	writeError(msg)
	fmt.Fprintln(os.Stderr, msg)
	return subcommands.ExitFailure
}

// Fatalf logs the same way as Errorf, and then exits with status 128, which
// no scenario outcome maps to.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	os.Exit(128)
}

// Infof writes an informational message to stdout and the debug log.
func Infof(format string, args ...any) {
	log.Infof(format, args...)
	fmt.Fprintf(os.Stdout, format+"\n", args...)
}
