package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/mopemope/meghanada-server-sub002/pkg/entitystore"
)

func shellCommand(p *project) *Command {
	return &Command{
		Flags:  flag.NewFlagSet("shell", flag.ContinueOnError),
		Usage:  "shell",
		Short:  "Interactive store browser",
		Access: Maintain,
		Examples: []string{
			"shell",
			"shell < script.txt",
		},
		Long: `Open the project store and read commands interactively.
Type 'help' inside the shell for the command list.`,
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			return p.withStore(ctx, func(s *entitystore.Store) error {
				sh := &shell{p: p, store: s, o: o}

				if f, ok := p.in.(*os.File); ok && f == os.Stdin && liner.TerminalSupported() {
					return sh.interactive(ctx)
				}

				return sh.script(ctx, p.in)
			})
		},
	}
}

// shell is the REPL over an open store.
type shell struct {
	p     *project
	store *entitystore.Store
	o     *IO
	liner *liner.State
}

var shellCommands = []string{
	"info", "types", "count", "find", "prefix", "show", "delete",
	"help", "exit", "quit", "q",
}

func (sh *shell) historyFile() string {
	home := sh.p.env["HOME"]
	if home == "" {
		return ""
	}

	return filepath.Join(home, ".cachectl_history")
}

// interactive runs the line-edited loop on the terminal.
func (sh *shell) interactive(ctx context.Context) error {
	sh.liner = liner.NewLiner()
	defer sh.liner.Close()

	sh.liner.SetCtrlCAborts(true)
	sh.liner.SetCompleter(sh.completer)

	if f, err := os.Open(sh.historyFile()); err == nil {
		_, _ = sh.liner.ReadHistory(f)
		_ = f.Close()
	}

	defer sh.saveHistory()

	sh.o.Printf("cachectl shell - %s\n", sh.store.Location().Dir)
	sh.o.Println("Type 'help' for available commands.")

	for ctx.Err() == nil {
		line, err := sh.liner.Prompt("cachectl> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				sh.o.Println()

				return nil
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		sh.liner.AppendHistory(line)

		if sh.exec(ctx, line) {
			return nil
		}
	}

	return ctx.Err()
}

// script runs commands read from r, one per line.
func (sh *shell) script(ctx context.Context, r io.Reader) error {
	if r == nil {
		return nil
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if sh.exec(ctx, line) {
			return nil
		}
	}

	return scanner.Err()
}

func (sh *shell) saveHistory() {
	path := sh.historyFile()
	if path == "" {
		return
	}

	f, err := os.Create(path)
	if err != nil {
		return
	}

	_, _ = sh.liner.WriteHistory(f)
	_ = f.Close()
}

func (sh *shell) completer(line string) []string {
	var out []string

	lower := strings.ToLower(line)
	for _, c := range shellCommands {
		if strings.HasPrefix(c, lower) {
			out = append(out, c)
		}
	}

	return out
}

// exec runs one shell line and reports whether the shell should exit.
// Command errors are printed, not returned.
func (sh *shell) exec(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	var err error

	switch cmd {
	case "exit", "quit", "q":
		return true
	case "help", "?":
		sh.printHelp()
	case "info":
		err = printInfo(ctx, sh.o, sh.p, sh.store)
	case "types":
		err = sh.cmdTypes(ctx)
	case "count":
		err = sh.cmdCount(ctx, args)
	case "find":
		err = sh.cmdFind(ctx, args)
	case "prefix":
		err = sh.cmdPrefix(ctx, args)
	case "show":
		if len(args) != 2 {
			err = fmt.Errorf("%w: show <type> <id>", errArgs)
		} else {
			err = showEntity(ctx, sh.o, sh.store, args[0], args[1])
		}
	case "delete", "del":
		err = sh.cmdDelete(ctx, args)
	default:
		sh.o.Printf("unknown command: %s (type 'help' for commands)\n", cmd)
	}

	if err != nil {
		sh.o.Println("error:", err)
	}

	return false
}

func (sh *shell) printHelp() {
	sh.o.Println("Commands:")
	sh.o.Println("  info                          Show store info")
	sh.o.Println("  types                         List entity types")
	sh.o.Println("  count <type>                  Count entities of a type")
	sh.o.Println("  find <type> <prop> <value>    Entities whose property equals value")
	sh.o.Println("  prefix <type> <prop> <pfx>    Entities whose property starts with pfx")
	sh.o.Println("  show <type> <id>              Print one entity")
	sh.o.Println("  delete <type> <id>            Delete one entity")
	sh.o.Println("  help                          Show this help")
	sh.o.Println("  exit / quit / q               Exit")
}

func (sh *shell) cmdTypes(ctx context.Context) error {
	types, err := entitystore.ComputeReadonly(ctx, sh.store, func(tx *entitystore.Tx) ([]string, error) {
		return tx.EntityTypes()
	})
	if err != nil {
		return err
	}

	for _, t := range types {
		sh.o.Println(t)
	}

	return nil
}

func (sh *shell) cmdCount(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: count <type>", errArgs)
	}

	n, err := sh.store.Count(ctx, args[0])
	if err != nil {
		return err
	}

	sh.o.Println(n)

	return nil
}

func (sh *shell) cmdFind(ctx context.Context, args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("%w: find <type> <prop> <value>", errArgs)
	}

	views, err := entitystore.Find(ctx, sh.store, args[0], args[1], parseValue(args[2], false), viewOf)
	if err != nil {
		return err
	}

	printViews(sh.o, views, false)
	sh.o.Printf("(%d)\n", len(views))

	return nil
}

func (sh *shell) cmdPrefix(ctx context.Context, args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("%w: prefix <type> <prop> <prefix>", errArgs)
	}

	views, err := entitystore.FindStartingWith(ctx, sh.store, args[0], args[1], args[2], viewOf)
	if err != nil {
		return err
	}

	printViews(sh.o, views, false)
	sh.o.Printf("(%d)\n", len(views))

	return nil
}

func (sh *shell) cmdDelete(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("%w: delete <type> <id>", errArgs)
	}

	ok, err := sh.store.Delete(ctx, args[0], args[1])
	if err != nil {
		return err
	}

	if !ok {
		sh.o.Println("not found")

		return nil
	}

	sh.o.Println("deleted")

	return nil
}
