package cli

import (
	"context"
	"errors"
	"fmt"

	flag "github.com/spf13/pflag"

	"github.com/mopemope/meghanada-server-sub002/internal/analysis"
	"github.com/mopemope/meghanada-server-sub002/internal/session"
)

var errUnavailable = errors.New("not available in cachectl")

// offline stands in for the parser and reflector; gc never computes values.
type offline struct{}

func (offline) ParseFile(context.Context, string) (*analysis.Source, error) {
	return nil, errUnavailable
}

func (offline) Reflect(context.Context, string) ([]analysis.Member, error) {
	return nil, errUnavailable
}

func (offline) ClassFile(string) (string, error) {
	return "", errUnavailable
}

func gcCommand(p *project) *Command {
	return &Command{
		Flags:  flag.NewFlagSet("gc", flag.ContinueOnError),
		Usage:  "gc",
		Short:  "Drop cached sources and checksums of deleted files",
		Access: Maintain,
		Examples: []string{
			"gc",
		},
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			if !p.hasStore() {
				o.Println("nothing to collect: no store")

				return nil
			}

			cfg := p.cfg
			cfg.Watch = false

			s, err := session.Open(ctx, session.Options{
				ProjectRoot: p.root,
				Config:      cfg,
				Parser:      offline{},
				Reflector:   offline{},
				Logger:      p.log,
			})
			if err != nil {
				return err
			}

			if !s.Persistent() {
				o.Warn("store unavailable", "close other processes using this project and retry")
			}

			n, err := s.PruneMissingSources(ctx)

			err = errors.Join(err, s.Shutdown(ctx))
			if err != nil {
				return fmt.Errorf("gc: %w", err)
			}

			o.Printf("removed %d source entities\n", n)

			return nil
		},
	}
}
