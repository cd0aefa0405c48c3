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

package harness

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"vspace.dev/vspace/pkg/arch"
	"vspace.dev/vspace/pkg/log"
)

// Result is the outcome of one scenario.
type Result struct {
	Name     string
	Arch     string
	Err      error
	Duration time.Duration
}

// Passed returns true if the scenario succeeded.
func (r Result) Passed() bool {
	return r.Err == nil
}

// String implements fmt.Stringer.String.
func (r Result) String() string {
	if r.Err != nil {
		return fmt.Sprintf("%s/%s: FAIL (%v): %v", r.Arch, r.Name, r.Duration, r.Err)
	}
	return fmt.Sprintf("%s/%s: ok (%v)", r.Arch, r.Name, r.Duration)
}

// RunOne runs sc in a fresh Env for cfg.
func RunOne(cfg *arch.Config, sc Scenario) Result {
	e, err := NewEnv(cfg, DefaultBudget)
	if err != nil {
		return Result{Name: sc.Name, Arch: cfg.Name, Err: err}
	}
	return RunIn(e, sc)
}

// RunIn runs sc in e.
func RunIn(e *Env, sc Scenario) Result {
	start := time.Now()
	err := sc.Run(e)
	res := Result{
		Name:     sc.Name,
		Arch:     e.Config().Name,
		Err:      err,
		Duration: time.Since(start),
	}
	if err != nil {
		log.Warningf("%v", res)
	} else {
		log.Debugf("%v", res)
	}
	return res
}

// RunAll runs scenarios for cfg with at most parallel of them at a time, or
// without limit if parallel is not positive. Failing scenarios do not stop
// the others; only cancellation of ctx does. Results are in scenario order.
func RunAll(ctx context.Context, cfg *arch.Config, scenarios []Scenario, parallel int) ([]Result, error) {
	results := make([]Result, len(scenarios))
	g, ctx := errgroup.WithContext(ctx)
	if parallel > 0 {
		g.SetLimit(parallel)
	}
	for i, sc := range scenarios {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i] = RunOne(cfg, sc)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
