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

// Package cli is the main entrypoint for vspacectl.
package cli

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"runtime"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"
	"vspace.dev/vspace/pkg/log"
	"vspace.dev/vspace/vspacectl/cmd"
	"vspace.dev/vspace/vspacectl/cmd/util"
	"vspace.dev/vspace/vspacectl/config"
)

// errorLogFile receives JSON error records for tooling that drives
// vspacectl.
var errorLogFile = flag.String("error-log", "", "file to append JSON error records to.")

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	// Create a new Config from the flags.
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		util.Fatalf("%v", err)
	}

	if *errorLogFile != "" {
		f, err := os.OpenFile(*errorLogFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			util.Fatalf("error opening error log file %q: %v", *errorLogFile, err)
		}
		util.ErrorLogger = f
	}

	subcommand := flag.CommandLine.Arg(0)

	// Set up logging.
	if conf.Debug {
		log.SetLevel(log.Debug)
	}

	// Set the start time as soon as possible.
	startTime := time.Now()

	var emitters log.MultiEmitter
	emitters = append(emitters, newEmitter(conf.LogFormat, os.Stderr, "" /* tag */))
	if len(conf.DebugLog) > 0 {
		f, err := conf.DebugLogFile(subcommand, startTime)
		if err != nil {
			util.Fatalf("error opening debug log file in %q: %v", conf.DebugLog, err)
		}
		emitters = append(emitters, newEmitter(conf.DebugLogFormat, f, subcommand))
	}

	switch len(emitters) {
	case 1:
		// Use the singular emitter to avoid needless
		// `for` loop overhead when logging to a single place.
		log.SetTarget(emitters[0])
	default:
		log.SetTarget(&emitters)
	}

	const delimString = `**************** vspacectl ****************`
	log.Debugf(delimString)
	log.Debugf("%s, %s, %d CPUs, %s, PID %d", runtime.Version(), runtime.GOARCH, runtime.NumCPU(), runtime.GOOS, os.Getpid())
	log.Debugf("Page size: 0x%x (%d bytes)", os.Getpagesize(), os.Getpagesize())
	log.Debugf("Args: %v", os.Args)
	conf.Log()
	log.Debugf(delimString)

	// Interrupting a self test stops scheduling new scenarios.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	// Call the subcommand and pass in the configuration.
	subcmdCode := subcommands.Execute(ctx, conf)
	if subcmdCode == subcommands.ExitSuccess {
		log.Debugf("Exiting with status: %v", subcmdCode)
		os.Exit(0)
	}
	log.Warningf("Failure to execute command, err: %v", subcmdCode)
	os.Exit(int(subcmdCode))
}

// forEachCmd invokes the passed callback for each command supported by
// vspacectl.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	cb(new(cmd.Arch), "")
	cb(new(cmd.SelfTest), "")
	cb(new(cmd.Run), "")

	const metricGroup = "metrics"
	cb(new(cmd.Metrics), metricGroup)
}

// newEmitter returns an emitter writing format to logFile. Every line carries
// tag if it is not empty.
func newEmitter(format string, logFile io.Writer, tag string) log.Emitter {
	w := &log.Writer{Next: logFile}
	switch format {
	case "text":
		return log.GoogleEmitter{Emitter: w, Tag: tag}
	case "json":
		return log.JSONEmitter{Writer: w, Tag: tag}
	case "json-k8s":
		return log.K8sJSONEmitter{Writer: w, Tag: tag}
	}
	util.Fatalf("invalid log format %q, must be 'text', 'json', or 'json-k8s'", format)
	panic("unreachable")
}
