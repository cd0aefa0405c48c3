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

	"github.com/google/subcommands"
	"vspace.dev/vspace/pkg/harness"
	"vspace.dev/vspace/pkg/scenario"
	"vspace.dev/vspace/vspacectl/cmd/util"
	"vspace.dev/vspace/vspacectl/config"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	verbose bool
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run scenario scripts"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [-v] <script.toml>... - runs each script in a fresh environment and checks every step against its expectation
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.verbose, "v", false, "print the outcome of every step")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	cfg, err := conf.ArchConfig()
	if err != nil {
		util.Fatalf("%v", err)
	}

	failed := 0
	for _, path := range f.Args() {
		sc, err := scenario.Load(path)
		if err != nil {
			return util.Errorf("%v", err)
		}
		e, err := harness.NewEnv(cfg, harness.DefaultBudget)
		if err != nil {
			util.Fatalf("creating environment: %v", err)
		}
		rep, err := scenario.RunIn(ctx, e, sc)
		if rep != nil && r.verbose {
			for _, st := range rep.Steps {
				fmt.Printf("  %3d %-16s kind=%v fault=%t calls=%d num=%d\n", st.Index, st.Op, st.Kind, st.Fault, st.Calls, st.Num)
			}
		}
		if err != nil {
			fmt.Printf("%s/%s: FAIL: %v\n", cfg.Name, sc.Name, err)
			failed++
			continue
		}
		fmt.Printf("%s/%s: ok (%d steps)\n", cfg.Name, sc.Name, len(rep.Steps))
		if err := writeMetrics(conf, e.M); err != nil {
			return util.Errorf("writing metrics: %v", err)
		}
	}
	if failed > 0 {
		return util.Errorf("%d of %d scripts failed", failed, f.NArg())
	}
	return subcommands.ExitSuccess
}
