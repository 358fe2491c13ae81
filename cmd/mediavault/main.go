// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/mediavault/lib/clock"
	"github.com/bureau-foundation/mediavault/lib/config"
	"github.com/bureau-foundation/mediavault/lib/process"
	"github.com/bureau-foundation/mediavault/lib/version"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		process.Fatal("mediavault", err)
	}
}

// command is one mediavault subcommand.
type command struct {
	name    string
	summary string
	run     func(ctx context.Context, a *app, args []string) error
}

var commands = []command{
	{"label", "write a new volume label and record the volume in the catalog", runLabel},
	{"show-label", "print the label of the volume on a device", runShowLabel},
	{"write", "write files to a volume as one job, spooling when configured", runWrite},
	{"read", "list or restore the jobs and files on a volume", runRead},
	{"chunks", "show upload state of a chunked volume", runChunks},
	{"media", "list the volumes in the catalog", runMedia},
}

// app carries what every command needs.
type app struct {
	stdout  io.Writer
	stderr  io.Writer
	config  *config.Config
	clock   clock.Clock
	logger  *slog.Logger
	verbose bool
}

func run(args []string, stdout, stderr io.Writer) error {
	flags := pflag.NewFlagSet("mediavault", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.SetInterspersed(false)
	configPath := flags.String("config", "", "configuration file (default: $MEDIAVAULT_CONFIG)")
	verbose := flags.BoolP("verbose", "v", false, "log debug messages and report every checksum mismatch")
	showVersion := flags.Bool("version", false, "print version information and exit")
	flags.Usage = func() { printUsage(stderr, flags) }

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return &process.UsageError{Err: err}
	}
	if *showVersion {
		fmt.Fprintf(stdout, "mediavault %s\n", version.Full())
		return nil
	}
	if flags.NArg() == 0 {
		printUsage(stderr, flags)
		return process.Usagef("no command given")
	}

	name := flags.Arg(0)
	var selected *command
	for i := range commands {
		if commands[i].name == name {
			selected = &commands[i]
		}
	}
	if selected == nil {
		return process.Usagef("unknown command %q", name)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{
		stdout:  stdout,
		stderr:  stderr,
		config:  cfg,
		clock:   clock.Real(),
		logger:  newLogger(stderr, *verbose).With("command", name),
		verbose: *verbose,
	}
	err = selected.run(ctx, a, flags.Args()[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	return err
}

func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func printUsage(w io.Writer, flags *pflag.FlagSet) {
	fmt.Fprintf(w, "Usage: mediavault [flags] <command> [command flags]\n\nCommands:\n")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-11s %s\n", c.name, c.summary)
	}
	fmt.Fprintf(w, "\nFlags:\n%s", flags.FlagUsages())
}

// flags returns a FlagSet for a subcommand.
func (a *app) flags(name string) *pflag.FlagSet {
	flags := pflag.NewFlagSet("mediavault "+name, pflag.ContinueOnError)
	flags.SetOutput(a.stderr)
	return flags
}

// parse parses subcommand flags, turning failures into usage errors.
// A help request passes through as pflag.ErrHelp.
func (a *app) parse(flags *pflag.FlagSet, args []string) error {
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return err
		}
		return &process.UsageError{Err: err}
	}
	return nil
}
