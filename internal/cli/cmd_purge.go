package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"
)

var errPurgeNotConfirmed = errors.New("refusing to purge without --force")

func purgeCommand(p *project) *Command {
	fs := flag.NewFlagSet("purge", flag.ContinueOnError)
	force := fs.BoolP("force", "f", false, "Confirm deletion")

	return &Command{
		Flags:  fs,
		Usage:  "purge --force",
		Short:  "Delete the project's cache store",
		Access: Maintain,
		Examples: []string{
			"purge --force",
		},
		Long: `Delete the project's cache store directory.

Fails if another process holds the store open.`,
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			if !*force {
				return errPurgeNotConfirmed
			}

			loc := p.location()
			if !p.hasStore() {
				o.Println("nothing to purge:", loc.Dir)

				return nil
			}

			// Opening takes the process lock, so a live session blocks the purge.
			s, err := p.openStore(ctx)
			if err != nil {
				return err
			}

			err = s.Close()
			if err != nil {
				return fmt.Errorf("close store: %w", err)
			}

			err = os.RemoveAll(loc.Dir)
			if err != nil {
				return fmt.Errorf("purge: %w", err)
			}

			o.Println("purged", loc.Dir)

			return nil
		},
	}
}
