package cli

import (
	"fmt"
	"io"
)

// IO carries a command's output. Problems that do not stop a command, such
// as an unreadable manifest, are recorded with Warn and reported on stderr
// when the command finishes.
type IO struct {
	out      io.Writer
	errOut   io.Writer
	warnings []warning
}

type warning struct {
	issue  string
	action string
}

func NewIO(out, errOut io.Writer) *IO {
	return &IO{out: out, errOut: errOut}
}

// Warn records a problem and what the user can do about it. The command
// keeps running but exits with code 1.
func (o *IO) Warn(issue string, action string) {
	o.warnings = append(o.warnings, warning{issue: issue, action: action})
}

func (o *IO) Println(a ...any) {
	_, _ = fmt.Fprintln(o.out, a...)
}

func (o *IO) Printf(format string, a ...any) {
	_, _ = fmt.Fprintf(o.out, format, a...)
}

func (o *IO) ErrPrintln(a ...any) {
	_, _ = fmt.Fprintln(o.errOut, a...)
}

// Out returns the stdout writer.
func (o *IO) Out() io.Writer { return o.out }

// Finish reports recorded warnings and returns the exit code.
func (o *IO) Finish() int {
	if len(o.warnings) == 0 {
		return 0
	}

	for _, w := range o.warnings {
		_, _ = fmt.Fprintf(o.errOut, "warning: %s (%s)\n", w.issue, w.action)
	}

	_, _ = fmt.Fprintf(o.errOut, "%d warning(s); the store may need 'cachectl gc' or 'cachectl purge --force'\n", len(o.warnings))

	return 1
}
