// Package prompt asks the operator yes/no questions before destructive actions.
package prompt

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"
)

// Confirmer asks a yes/no question. The default answer is no.
type Confirmer interface {
	Confirm(question string) (bool, error)
}

// Terminal uses an interactive huh form when stdin is a terminal and falls back to
// reading a y/N line otherwise.
type Terminal struct {
	In  io.Reader
	Out io.Writer
}

// NewTerminal returns a Terminal on the process stdin and stdout.
func NewTerminal() *Terminal {
	return &Terminal{In: os.Stdin, Out: os.Stdout}
}

// Confirm implements Confirmer.
func (t *Terminal) Confirm(question string) (bool, error) {
	if f, ok := t.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		answer := false
		err := huh.NewForm(
			huh.NewGroup(
				huh.NewConfirm().
					Title(question).
					Affirmative("Yes").
					Negative("No").
					Value(&answer),
			),
		).Run()
		if err == huh.ErrUserAborted {
			return false, nil
		}
		return answer, err
	}
	return Line(t.In, t.Out, question)
}

// Line prints question with a [y/N] suffix and reads one answer line from in.
// Anything but y or yes is no, including end of input.
func Line(in io.Reader, out io.Writer, question string) (bool, error) {
	fmt.Fprintf(out, "%s [y/N]: ", question)
	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// Fixed always gives the same answer. Used for --force and in tests.
type Fixed bool

// Confirm implements Confirmer.
func (f Fixed) Confirm(string) (bool, error) { return bool(f), nil }
