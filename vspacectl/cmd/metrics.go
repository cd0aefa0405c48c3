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
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/prometheus/common/expfmt"
	"vspace.dev/vspace/pkg/harness"
	"vspace.dev/vspace/pkg/scenario"
	"vspace.dev/vspace/vspacectl/cmd/util"
	"vspace.dev/vspace/vspacectl/config"
)

// defaultMetricsScenario unmaps ranges of both page sizes.
const defaultMetricsScenario = "VSPACE0013"

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct {
	scenario string
	script   string
	check    bool
}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "print engine metrics after a workload in Prometheus format"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return `metrics [-scenario=<name>|-script=<file>] [-check] - runs one workload and prints the engine metrics in Prometheus text format
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Metrics) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.scenario, "scenario", defaultMetricsScenario, "built-in scenario to run before exporting")
	f.StringVar(&m.script, "script", "", "scenario script to run instead of a built-in scenario")
	f.BoolVar(&m.check, "check", false, "parse the exported text before printing it")
}

// Execute implements subcommands.Command.Execute.
func (m *Metrics) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	cfg, err := conf.ArchConfig()
	if err != nil {
		util.Fatalf("%v", err)
	}
	e, err := harness.NewEnv(cfg, harness.DefaultBudget)
	if err != nil {
		util.Fatalf("creating environment: %v", err)
	}

	if m.script != "" {
		sc, err := scenario.Load(m.script)
		if err != nil {
			return util.Errorf("%v", err)
		}
		if _, err := scenario.RunIn(ctx, e, sc); err != nil {
			return util.Errorf("%s: %v", sc.Name, err)
		}
	} else {
		sc, ok := harness.Lookup(m.scenario)
		if !ok {
			return util.Errorf("unknown scenario %q", m.scenario)
		}
		if res := harness.RunIn(e, sc); !res.Passed() {
			return util.Errorf("%v", res)
		}
	}

	var buf bytes.Buffer
	if err := e.M.WriteMetrics(&buf); err != nil {
		return util.Errorf("exporting metrics: %v", err)
	}
	if m.check {
		n, err := checkExposition(buf.Bytes())
		if err != nil {
			return util.Errorf("exported metrics do not parse: %v", err)
		}
		util.Infof("Exported %d metric families", n)
	}
	if _, err := os.Stdout.Write(buf.Bytes()); err != nil {
		return util.Errorf("writing metrics: %v", err)
	}
	if err := writeMetrics(conf, e.M); err != nil {
		return util.Errorf("writing metrics: %v", err)
	}
	return subcommands.ExitSuccess
}

// checkExposition parses text in the Prometheus text format and returns the
// number of metric families in it.
func checkExposition(text []byte) (int, error) {
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(bytes.NewReader(text))
	if err != nil {
		return 0, err
	}
	if len(families) == 0 {
		return 0, fmt.Errorf("no metric families")
	}
	return len(families), nil
}
