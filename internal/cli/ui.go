package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pterm/pterm"
	"golang.org/x/term"
)

// ui writes user-facing output. Spinners and colors are only used on a terminal;
// anything else gets plain lines.
type ui struct {
	out   io.Writer
	fancy bool
}

func newUI(out io.Writer) *ui {
	fancy := isTerminal(out)
	if !fancy {
		pterm.DisableStyling()
	}
	return &ui{out: out, fancy: fancy}
}

func isTerminal(v any) bool {
	f, ok := v.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (u *ui) println(a ...any) {
	pterm.Fprintln(u.out, a...)
}

func (u *ui) banner(title string) {
	if u.fancy {
		pterm.DefaultHeader.WithWriter(u.out).WithFullWidth().Println(title)
		return
	}
	rule := strings.Repeat("=", 70)
	u.println(rule)
	u.println(title)
	u.println(rule)
}

func (u *ui) success(msg string) {
	u.println(pterm.NewStyle(pterm.FgGreen).Sprint("✓ " + msg))
}

func (u *ui) failure(msg string) {
	u.println(pterm.NewStyle(pterm.FgRed).Sprint("✗ " + msg))
}

func (u *ui) label(name, value string) {
	u.println(pterm.NewStyle(pterm.FgLightCyan).Sprint(name) + pterm.NewStyle(pterm.FgCyan, pterm.Bold).Sprint(value))
}

// spin shows text until the returned function is called.
func (u *ui) spin(text string) func() {
	if !u.fancy {
		u.println(text)
		return func() {}
	}
	sp, err := pterm.DefaultSpinner.WithWriter(u.out).WithRemoveWhenDone(true).Start(text)
	if err != nil {
		u.println(text)
		return func() {}
	}
	return func() { _ = sp.Stop() }
}

// text writes s and a newline without any styling or markup processing.
func (u *ui) text(s string) {
	fmt.Fprintln(u.out, s)
}

func (u *ui) printf(format string, a ...any) {
	pterm.Fprint(u.out, fmt.Sprintf(format, a...))
}
