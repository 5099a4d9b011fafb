package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/mopemope/meghanada-server-sub002/pkg/entitystore"
)

// Access describes what a command does to the project store.
type Access int

const (
	// Inspect commands read an existing store and never create one.
	Inspect Access = iota
	// Maintain commands change or delete the store.
	Maintain
)

func (a Access) String() string {
	if a == Maintain {
		return "Maintenance"
	}

	return "Inspection"
}

func (a Access) note() string {
	if a == Maintain {
		return "Modifies the project store. Stop the language server for this project first."
	}

	return "Reads the project store; a missing store is reported, never created."
}

// Command is one cachectl subcommand.
type Command struct {
	// Flags holds command flags; nil means none.
	Flags *flag.FlagSet

	// Usage starts with the command name, e.g. "show <type> <id>".
	Usage string
	Short string
	// Long replaces Short in "cachectl <cmd> --help" when set.
	Long string

	Access   Access
	Examples []string

	Exec func(ctx context.Context, o *IO, args []string) error
}

// Name returns the first word of Usage.
func (c *Command) Name() string {
	name, _, _ := strings.Cut(c.Usage, " ")

	return name
}

func (c *Command) helpLine() string {
	return fmt.Sprintf("  %-38s %s", c.Usage, c.Short)
}

// PrintHelp writes "cachectl <cmd> --help" output.
func (c *Command) PrintHelp(o *IO) {
	o.Printf("Usage: cachectl [options] %s\n\n", c.Usage)

	if c.Long != "" {
		o.Println(c.Long)
	} else {
		o.Println(c.Short)
	}

	o.Println()
	o.Println(c.Access.note())

	if c.Flags != nil && c.Flags.HasFlags() {
		o.Printf("\nFlags:\n%s", c.Flags.FlagUsages())
	}

	if len(c.Examples) > 0 {
		o.Println("\nExamples:")

		for _, ex := range c.Examples {
			o.Println("  cachectl", ex)
		}
	}

	o.Println("\nRun 'cachectl --help' for options shared by all commands.")
}

// Run parses args, executes the command and returns the exit code.
func (c *Command) Run(ctx context.Context, o *IO, args []string) int {
	if c.Flags == nil {
		c.Flags = flag.NewFlagSet(c.Name(), flag.ContinueOnError)
	}

	c.Flags.SetOutput(&strings.Builder{}) // errors are reported below

	err := c.Flags.Parse(args)
	if errors.Is(err, flag.ErrHelp) {
		c.PrintHelp(o)

		return 0
	}

	if err != nil {
		o.ErrPrintln("error:", err)
		o.ErrPrintln("Run 'cachectl " + c.Name() + " --help' for usage.")

		return 1
	}

	err = c.Exec(ctx, o, c.Flags.Args())
	if err != nil {
		o.ErrPrintln("error:", err)

		if errors.Is(err, entitystore.ErrLocked) {
			o.ErrPrintln("The store is held by a running session; stop it and retry.")
		}

		return 1
	}

	return o.Finish()
}
