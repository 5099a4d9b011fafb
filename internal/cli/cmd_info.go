package cli

import (
	"context"

	flag "github.com/spf13/pflag"

	"github.com/mopemope/meghanada-server-sub002/pkg/entitystore"
)

func infoCommand(p *project) *Command {
	return &Command{
		Flags: flag.NewFlagSet("info", flag.ContinueOnError),
		Usage: "info",
		Short: "Show store location, manifest and entity counts",
		Examples: []string{
			"info",
			"-C ~/src/app info",
		},
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			if !p.hasStore() {
				o.Printf("project:  %s\n", p.root)
				o.Printf("store:    %s (not created)\n", p.location().Dir)

				return nil
			}

			return p.withStore(ctx, func(s *entitystore.Store) error {
				return printInfo(ctx, o, p, s)
			})
		},
	}
}
