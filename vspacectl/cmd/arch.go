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
	"vspace.dev/vspace/pkg/arch"
	"vspace.dev/vspace/vspacectl/cmd/util"
	"vspace.dev/vspace/vspacectl/config"
)

// Arch implements subcommands.Command for the "arch" command.
type Arch struct {
	list bool
}

// Name implements subcommands.Command.Name.
func (*Arch) Name() string {
	return "arch"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Arch) Synopsis() string {
	return "print the selected architecture description"
}

// Usage implements subcommands.Command.Usage.
func (*Arch) Usage() string {
	return `arch [-list] - prints the architecture selected by --arch or --arch-file in TOML, with overrides applied
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (a *Arch) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&a.list, "list", false, "list the names of the built-in architectures instead")
}

// Execute implements subcommands.Command.Execute.
func (a *Arch) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if a.list {
		for _, name := range arch.Names() {
			fmt.Println(name)
		}
		return subcommands.ExitSuccess
	}

	conf := args[0].(*config.Config)
	cfg, err := conf.ArchConfig()
	if err != nil {
		util.Fatalf("%v", err)
	}
	text, err := arch.Encode(cfg)
	if err != nil {
		util.Fatalf("encoding %s: %v", cfg.Name, err)
	}
	fmt.Print(text)
	return subcommands.ExitSuccess
}
