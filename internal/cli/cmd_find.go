package cli

import (
	"context"
	"fmt"

	flag "github.com/spf13/pflag"

	"github.com/mopemope/meghanada-server-sub002/pkg/entitystore"
)

func findCommand(p *project) *Command {
	fs := flag.NewFlagSet("find", flag.ContinueOnError)
	raw := fs.Bool("string", false, "Match the value as a string")
	verbose := fs.BoolP("verbose", "v", false, "Print properties and blobs")

	return &Command{
		Flags: fs,
		Usage: "find <type> <prop> <value> [flags]",
		Short: "List entities whose property equals value",
		Examples: []string{
			"find Source package com.example",
			"find Member memberCount 3 -v",
			"find Source filePath /src/A.java --string",
		},
		Long: `List entities of <type> whose property <prop> equals <value>.

Values that parse as integers, floats or booleans are matched as such
unless --string is given. The property _id matches the store id.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 3 {
				return fmt.Errorf("%w: want <type> <prop> <value>", errArgs)
			}

			return p.withStore(ctx, func(s *entitystore.Store) error {
				views, err := entitystore.Find(ctx, s, args[0], args[1], parseValue(args[2], *raw), viewOf)
				if err != nil {
					return err
				}

				printViews(o, views, *verbose)

				return nil
			})
		},
	}
}

func prefixCommand(p *project) *Command {
	fs := flag.NewFlagSet("prefix", flag.ContinueOnError)
	verbose := fs.BoolP("verbose", "v", false, "Print properties and blobs")

	return &Command{
		Flags: fs,
		Usage: "prefix <type> <prop> <prefix> [flags]",
		Short: "List entities whose string property starts with prefix",
		Examples: []string{
			"prefix Member declaration java.util.",
		},
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 3 {
				return fmt.Errorf("%w: want <type> <prop> <prefix>", errArgs)
			}

			return p.withStore(ctx, func(s *entitystore.Store) error {
				views, err := entitystore.FindStartingWith(ctx, s, args[0], args[1], args[2], viewOf)
				if err != nil {
					return err
				}

				printViews(o, views, *verbose)

				return nil
			})
		},
	}
}

func showCommand(p *project) *Command {
	return &Command{
		Flags: flag.NewFlagSet("show", flag.ContinueOnError),
		Usage: "show <type> <id>",
		Short: "Print one entity with its properties and blobs",
		Examples: []string{
			"show Member java.util.List",
			"show Project /src/app",
		},
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("%w: want <type> <id>", errArgs)
			}

			return p.withStore(ctx, func(s *entitystore.Store) error {
				return showEntity(ctx, o, s, args[0], args[1])
			})
		},
	}
}
