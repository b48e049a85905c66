// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package cmd holds the small command framework behind the lineage
// binary: a Command interface, gnuflag-based parsing and a
// SuperCommand dispatching subcommands.
package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/gnuflag"
)

// Info holds everything necessary to describe a Command's intent and
// usage.
type Info struct {
	// Name is the Command's name.
	Name string

	// Args describes the command's expected arguments.
	Args string

	// Purpose is a short explanation of the Command's purpose.
	Purpose string

	// Doc is the long documentation for the Command.
	Doc string

	// Intersperse controls whether the Command will accept
	// interspersed options and positional args. A SuperCommand must
	// not, so flags after the subcommand name reach the subcommand.
	Intersperse bool
}

// Usage combines Name and Args to describe the Command's intended
// usage.
func (i *Info) Usage() string {
	return strings.TrimSpace(fmt.Sprintf("%s %s", i.Name, i.Args))
}

// Command is implemented by types that interpret command-line
// arguments.
type Command interface {
	// Info returns information about the command.
	Info() *Info

	// SetFlags prepares a FlagSet such that parsing it will
	// initialize the Command's options.
	SetFlags(f *gnuflag.FlagSet)

	// Init is called with the positional arguments remaining after
	// flag parsing.
	Init(args []string) error

	// Run executes the command.
	Run(ctx context.Context) error
}

// CheckEmpty returns an error if args is not empty.
func CheckEmpty(args []string) error {
	if len(args) != 0 {
		return errors.Errorf("unrecognised args: %s", args)
	}
	return nil
}

// ZeroOrOneArgs returns the first of args, if present, erroring on
// extras.
func ZeroOrOneArgs(args []string) (string, error) {
	if len(args) == 0 {
		return "", nil
	}
	if err := CheckEmpty(args[1:]); err != nil {
		return "", err
	}
	return args[0], nil
}

func newFlagSet(c Command) *gnuflag.FlagSet {
	f := gnuflag.NewFlagSet(c.Info().Name, gnuflag.ContinueOnError)
	f.SetOutput(os.Stderr)
	f.Usage = func() { printUsage(c) }
	c.SetFlags(f)
	return f
}

func printUsage(c Command) {
	i := c.Info()
	fmt.Fprintf(os.Stderr, "usage: %s\n", i.Usage())
	fmt.Fprintf(os.Stderr, "purpose: %s\n", i.Purpose)
	fmt.Fprintf(os.Stderr, "\noptions:\n")
	newFlagSet(c).PrintDefaults()
	if i.Doc != "" {
		fmt.Fprintf(os.Stderr, "\n%s\n", strings.TrimSpace(i.Doc))
	}
}

// parse parses args on c. This must be called before c is Run.
func parse(c Command, args []string) error {
	f := newFlagSet(c)
	if err := f.Parse(c.Info().Intersperse, args); err != nil {
		return err
	}
	return c.Init(f.Args())
}

// Main parses and runs a Command, returning the process exit code.
func Main(ctx context.Context, c Command, args []string) int {
	if err := parse(c, args); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR %v\n", err)
		return 2
	}
	if err := c.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR %v\n", err)
		return 1
	}
	return 0
}

// SuperCommand dispatches its first positional argument to a
// registered subcommand.
type SuperCommand struct {
	name    string
	purpose string
	subcmds map[string]Command
	action  Command
}

// NewSuperCommand returns an empty SuperCommand.
func NewSuperCommand(name, purpose string) *SuperCommand {
	return &SuperCommand{
		name:    name,
		purpose: purpose,
		subcmds: make(map[string]Command),
	}
}

// Register makes a subcommand available for use on the command line.
func (c *SuperCommand) Register(subcmd Command) {
	name := subcmd.Info().Name
	if _, found := c.subcmds[name]; found {
		panic(fmt.Sprintf("command %q is already registered", name))
	}
	c.subcmds[name] = subcmd
}

// Info implements Command.
func (c *SuperCommand) Info() *Info {
	names := make([]string, 0, len(c.subcmds))
	for name := range c.subcmds {
		names = append(names, name)
	}
	sort.Strings(names)
	docs := make([]string, len(names))
	for i, name := range names {
		docs[i] = fmt.Sprintf("    %-12s %s", name, c.subcmds[name].Info().Purpose)
	}
	return &Info{
		Name:    c.name,
		Args:    "<command> ...",
		Purpose: c.purpose,
		Doc:     "commands:\n" + strings.Join(docs, "\n"),
	}
}

// SetFlags implements Command.
func (c *SuperCommand) SetFlags(f *gnuflag.FlagSet) {}

// Init implements Command, selecting and initialising the subcommand.
func (c *SuperCommand) Init(args []string) error {
	if len(args) == 0 {
		return errors.New("no command specified")
	}
	subcmd, found := c.subcmds[args[0]]
	if !found {
		return errors.Errorf("unrecognised command: %s %s", c.name, args[0])
	}
	c.action = subcmd
	return parse(subcmd, args[1:])
}

// Run implements Command, running the selected subcommand.
func (c *SuperCommand) Run(ctx context.Context) error {
	return c.action.Run(ctx)
}
