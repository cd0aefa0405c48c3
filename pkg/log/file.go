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

package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileOpts contains options for creating a log file.
type FileOpts interface {
	// Build constructs the log file path based on the given pattern.
	Build(logPattern string) string
}

// TimestampFormat is the layout %TIMESTAMP% expands to.
const TimestampFormat = "20060102-150405.000000"

// PatternOpts expands %TIMESTAMP% and %COMMAND% in log patterns. A pattern
// ending in '/' names a directory, and DirName is appended to it before
// expansion.
type PatternOpts struct {
	Command string
	Start   time.Time
	DirName string
}

// Build implements FileOpts.Build.
func (o PatternOpts) Build(pattern string) string {
	if strings.HasSuffix(pattern, "/") {
		pattern += o.DirName
	}
	return strings.NewReplacer(
		"%TIMESTAMP%", o.Start.Format(TimestampFormat),
		"%COMMAND%", o.Command,
	).Replace(pattern)
}

// OpenFile opens the log file named by logPattern after expansion by opts,
// creating its parent directory if needed. It returns a nil file for an empty
// pattern.
func OpenFile(logPattern string, flags int, opts FileOpts) (*os.File, error) {
	if logPattern == "" {
		return nil, nil
	}
	path := opts.Build(logPattern)
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0775); err != nil {
			return nil, fmt.Errorf("creating log directory %q: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, flags, 0664)
	if err != nil {
		return nil, fmt.Errorf("opening log file %q: %w", path, err)
	}
	return f, nil
}
