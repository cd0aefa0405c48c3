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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/google/subcommands"
	"vspace.dev/vspace/pkg/harness"
	"vspace.dev/vspace/vspacectl/cmd/util"
	"vspace.dev/vspace/vspacectl/config"
)

// SelfTest implements subcommands.Command for the "selftest" command.
type SelfTest struct {
	filter string
}

// Name implements subcommands.Command.Name.
func (*SelfTest) Name() string {
	return "selftest"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*SelfTest) Synopsis() string {
	return "run the built-in conformance scenarios"
}

// Usage implements subcommands.Command.Usage.
func (*SelfTest) Usage() string {
	return `selftest [-filter=<substring>] [scenario...] - runs the named scenarios, or all of them, against the selected architecture
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *SelfTest) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.filter, "filter", "", "only run scenarios whose name contains this substring")
}

// Execute implements subcommands.Command.Execute.
func (s *SelfTest) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	cfg, err := conf.ArchConfig()
	if err != nil {
		util.Fatalf("%v", err)
	}
	scenarios, err := s.selected(f.Args())
	if err != nil {
		f.Usage()
		return util.Errorf("%v", err)
	}

	results, err := harness.RunAll(ctx, cfg, scenarios, conf.Parallel)
	if err != nil {
		return util.Errorf("selftest interrupted: %v", err)
	}
	failed := 0
	for _, r := range results {
		fmt.Println(r)
		if !r.Passed() {
			failed++
		}
	}
	if failed > 0 {
		return util.Errorf("%d of %d scenarios failed on %s", failed, len(results), cfg.Name)
	}
	util.Infof("%d scenarios passed on %s", len(results), cfg.Name)
	return subcommands.ExitSuccess
}

func (s *SelfTest) selected(names []string) ([]harness.Scenario, error) {
	var all []harness.Scenario
	if len(names) == 0 {
		all = harness.Scenarios()
	} else {
		for _, name := range names {
			sc, ok := harness.Lookup(name)
			if !ok {
				return nil, fmt.Errorf("unknown scenario %q", name)
			}
			all = append(all, sc)
		}
	}
	if s.filter == "" {
		return all, nil
	}
	var out []harness.Scenario
	for _, sc := range all {
		if strings.Contains(sc.Name, s.filter) {
			out = append(out, sc)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no scenario matches %q", s.filter)
	}
	return out, nil
}
