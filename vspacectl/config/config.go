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

// Package config provides basic infrastructure to set configuration settings
// for vspacectl. Each setting that can be changed from the command line must
// have a config field tagged with the flag name.
package config

import (
	"fmt"
	"os"
	"reflect"
	"time"

	"vspace.dev/vspace/pkg/arch"
	"vspace.dev/vspace/pkg/log"
)

// Log formats accepted by --log-format and --debug-log-format.
var logFormats = map[string]bool{
	"text":     true,
	"json":     true,
	"json-k8s": true,
}

// Config holds configuration that is not part of the architecture
// description or the scripts being run.
type Config struct {
	// Arch is the name of the architecture preset.
	Arch string `flag:"arch"`

	// ArchFile is a TOML architecture description. It takes precedence over
	// Arch.
	ArchFile string `flag:"arch-file"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// LogFormat is the format of the log on stderr.
	LogFormat string `flag:"log-format"`

	// DebugLog is the path to log debug information to, if not empty. It may
	// contain %TIMESTAMP% and %COMMAND%, and names a directory if it ends
	// with '/'.
	DebugLog string `flag:"debug-log"`

	// DebugLogFormat is the format of the debug log.
	DebugLogFormat string `flag:"debug-log-format"`

	// RangeChunk overrides the number of entries per range call, if
	// positive.
	RangeChunk int `flag:"range-chunk"`

	// MaxRangeMap overrides the range map batch limit, if positive.
	MaxRangeMap int `flag:"max-range-map"`

	// Metrics is a file the engine metrics are written to when a command
	// completes, if not empty.
	Metrics string `flag:"metrics"`

	// Parallel bounds the number of scenarios run at once. Zero means no
	// limit.
	Parallel int `flag:"parallel"`
}

func (c *Config) validate() error {
	if c.Arch == "" && c.ArchFile == "" {
		return fmt.Errorf("one of --arch or --arch-file must be set")
	}
	if !logFormats[c.LogFormat] {
		return fmt.Errorf("invalid log format %q, must be 'text', 'json', or 'json-k8s'", c.LogFormat)
	}
	if !logFormats[c.DebugLogFormat] {
		return fmt.Errorf("invalid debug log format %q, must be 'text', 'json', or 'json-k8s'", c.DebugLogFormat)
	}
	if c.RangeChunk < 0 || c.MaxRangeMap < 0 || c.Parallel < 0 {
		return fmt.Errorf("--range-chunk, --max-range-map and --parallel must not be negative")
	}
	return nil
}

// ArchConfig returns the architecture selected by c, with the limits of c
// applied.
func (c *Config) ArchConfig() (*arch.Config, error) {
	var (
		ac  *arch.Config
		err error
	)
	if c.ArchFile != "" {
		ac, err = arch.Load(c.ArchFile)
	} else {
		ac, err = arch.Lookup(c.Arch)
	}
	if err != nil {
		return nil, err
	}
	if c.RangeChunk > 0 {
		ac.RangeChunk = c.RangeChunk
	}
	if c.MaxRangeMap > 0 {
		ac.MaxRangeMapBatch = c.MaxRangeMap
	}
	if err := ac.Validate(); err != nil {
		return nil, err
	}
	return ac, nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Debugf("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		if name, ok := f.Tag.Lookup("flag"); ok {
			log.Debugf("  %s: %v", name, obj.Field(i).Interface())
		}
	}
}

// DebugLogFile opens the debug log for command, started at start.
func (c *Config) DebugLogFile(command string, start time.Time) (*os.File, error) {
	return log.OpenFile(c.DebugLog, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, log.PatternOpts{
		Command: command,
		Start:   start,
		DirName: "vspacectl.log.%TIMESTAMP%.%COMMAND%",
	})
}
