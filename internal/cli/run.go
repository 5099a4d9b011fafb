// Package cli implements cachectl, the maintenance tool for project cache
// stores.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/mopemope/meghanada-server-sub002/internal/config"
	"github.com/mopemope/meghanada-server-sub002/internal/logging"
	"github.com/mopemope/meghanada-server-sub002/internal/session"
)

// Run is the main entry point. Returns exit code.
func Run(in io.Reader, out io.Writer, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	globals := flag.NewFlagSet("cachectl", flag.ContinueOnError)
	globals.SetInterspersed(false)
	globals.SetOutput(&strings.Builder{})

	workDir := globals.StringP("cwd", "C", "", "Run as if started in `dir`")
	configPath := globals.StringP("config", "c", "", "Use specified config `file`")
	cacheRoot := globals.String("cache-root", "", "Override the cache root `dir`")
	logLevel := globals.String("log-level", "warn", "Log `level` (debug, info, warn, error)")
	help := globals.BoolP("help", "h", false, "Show help")

	if len(args) == 0 {
		args = []string{"cachectl"}
	}

	err := globals.Parse(args[1:])
	if err != nil {
		fprintln(errOut, "error:", err)
		printUsage(errOut, globals)

		return 1
	}

	rest := globals.Args()
	if *help || len(rest) == 0 || rest[0] == "help" {
		printUsage(out, globals)

		return 0
	}

	root := *workDir
	if root == "" {
		root, err = os.Getwd()
		if err != nil {
			fprintln(errOut, "error: cannot get working directory:", err)

			return 1
		}
	}

	root = session.Canonical(root)

	cfg, err := config.Load(config.LoadInput{
		ProjectRoot:       root,
		ConfigPath:        *configPath,
		CacheRootOverride: *cacheRoot,
		LogLevelOverride:  *logLevel,
		Env:               env,
	})
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	log, err := logging.NewTo(errOut, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	defer func() { _ = log.Sync() }()

	p := &project{root: root, cfg: cfg, log: log, in: in, env: env}

	cmd := lookupCommand(commands(p), rest[0])
	if cmd == nil {
		fprintln(errOut, "error: unknown command:", rest[0])
		printUsage(errOut, globals)

		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-sigCh:
			log.Info("interrupted")
			cancel()
		case <-ctx.Done():
		}
	}()

	return cmd.Run(ctx, NewIO(out, errOut), rest[1:])
}

// project is the resolved invocation context shared by all commands.
type project struct {
	root string
	cfg  config.Config
	log  *zap.Logger
	in   io.Reader
	env  map[string]string
}

var errArgs = errors.New("wrong number of arguments")

func commands(p *project) []*Command {
	return []*Command{
		infoCommand(p),
		findCommand(p),
		prefixCommand(p),
		showCommand(p),
		gcCommand(p),
		purgeCommand(p),
		shellCommand(p),
	}
}

func lookupCommand(cmds []*Command, name string) *Command {
	for _, c := range cmds {
		if c.Name() == name {
			return c
		}
	}

	return nil
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

func printUsage(w io.Writer, globals *flag.FlagSet) {
	fprintln(w, `cachectl - inspect and maintain the analysis cache store of a Java project

Usage: cachectl [options] <command> [args]

Options:`)
	fprintln(w, globals.FlagUsages())

	cmds := commands(&project{})

	for _, access := range []Access{Inspect, Maintain} {
		fprintln(w, access.String()+" commands:")

		for _, c := range cmds {
			if c.Access == access {
				fprintln(w, c.helpLine())
			}
		}

		fprintln(w)
	}

	fprintln(w, "Run 'cachectl <command> --help' for details.")
}
