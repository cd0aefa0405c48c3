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

// Package cmd holds implementations of the vspacectl commands.
package cmd

import (
	"io"
	"os"

	"vspace.dev/vspace/pkg/vspace"
	"vspace.dev/vspace/vspacectl/config"
)

// writeMetrics writes the metrics of m to the file named by conf.Metrics, if
// any.
func writeMetrics(conf *config.Config, m *vspace.Manager) error {
	if conf.Metrics == "" {
		return nil
	}
	var w io.Writer = os.Stdout
	if conf.Metrics != "-" {
		f, err := os.Create(conf.Metrics)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	return m.WriteMetrics(w)
}
