// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Program transcend is a command-line utility for inspecting and stopping
// transcended objects.
package main

import (
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"text/tabwriter"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/transcend"
)

var flags struct {
	RegistryPath string `flag:"registry-path,Registry file path (default from configuration)"`
}

var killFlags struct {
	Name string `flag:"name,Name of the object to stop"`
	All  bool   `flag:"all,Stop all registered objects"`
}

var statsFlags struct {
	Name string `flag:"name,Name of the object to query"`
}

// stdout receives the output of commands.
var stdout io.Writer = os.Stdout

func main() {
	command.RunOrFail(newRoot().NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func newRoot() *command.C {
	return &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: `Utilities for inspecting and stopping transcended objects.

The registry file is chosen by the --registry-path flag, or else by the
TRANSCEND_REGISTRY environment variable or the configuration file named by
TRANSCEND_CONFIG.`,
		SetFlags: command.Flags(flax.MustBind, &flags),
		Commands: []*command.C{
			{
				Name: "list",
				Help: "List the registered objects and their owning processes.",
				Run:  runList,
			},
			{
				Name:  "kill",
				Usage: "--name <name>\n--all",
				Help: `Stop transcended objects.

With --name, stop the named object. With --all, stop every registered object
and remove the registry file. Objects whose owning processes have already
exited are removed from the registry without error.`,
				SetFlags: command.Flags(flax.MustBind, &killFlags),
				Run:      runKill,
			},
			{
				Name:     "stats",
				Usage:    "--name <name>",
				Help:     "Print the metrics of the owning process of an object.",
				SetFlags: command.Flags(flax.MustBind, &statsFlags),
				Run:      runStats,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
}

func newClient() (*transcend.Client, error) {
	c, err := transcend.NewClient()
	if err != nil {
		return nil, err
	}
	if flags.RegistryPath != "" {
		c.RegistryPath = flags.RegistryPath
	}
	return c, nil
}

func runList(env *command.Env) error {
	if len(env.Args) != 0 {
		return env.Usagef("extra arguments: %q", env.Args)
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	all, err := c.List(env.Context())
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(stdout, 4, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tADDRESS\tPID")
	for _, name := range slices.Sorted(maps.Keys(all)) {
		e := all[name]
		fmt.Fprintf(tw, "%s\t%s\t%d\n", name, e.Addr(), e.PID)
	}
	return tw.Flush()
}

func runKill(env *command.Env) error {
	switch {
	case len(env.Args) != 0:
		return env.Usagef("extra arguments: %q", env.Args)
	case killFlags.All && killFlags.Name != "":
		return env.Usagef("--name and --all are mutually exclusive")
	case !killFlags.All && killFlags.Name == "":
		return env.Usagef("one of --name or --all is required")
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	if killFlags.All {
		return c.TerminateAll(env.Context())
	}
	return c.Terminate(env.Context(), killFlags.Name)
}

func runStats(env *command.Env) error {
	if statsFlags.Name == "" {
		return env.Usagef("missing --name")
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	text, err := c.Stats(env.Context(), statsFlags.Name)
	if err != nil {
		return err
	}
	_, err = io.WriteString(stdout, text)
	return err
}
