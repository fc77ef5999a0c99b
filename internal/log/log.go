// Package log provides the console and run-log output used by every gamevm command.
//
// Console lines follow the `[+]` / `[✓]` / `[=]` / `[~]` / `[!]` convention and are
// colorized only when the stream is a TTY. Every console line is mirrored as a
// structured zerolog event into the per-run log file, when one is attached.
package log

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// ANSI escape codes.
const (
	reset  = "\033[0m"
	bold   = "\033[1m"
	cyan   = "\033[36m"
	green  = "\033[32m"
	yellow = "\033[33m"
	red    = "\033[31m"
	grey   = "\033[90m"
)

// Logger writes operator-facing console lines and structured run-log events.
type Logger struct {
	out      io.Writer
	errOut   io.Writer
	color    bool
	errColor bool
	verbose  bool
	events   zerolog.Logger
}

// New returns a Logger writing to out and errOut. Color is enabled per stream when
// it is a terminal.
func New(out, errOut io.Writer) *Logger {
	return &Logger{
		out:      out,
		errOut:   errOut,
		color:    isTerminal(out),
		errColor: isTerminal(errOut),
		events:   zerolog.Nop(),
	}
}

// NewConsole returns a Logger on os.Stdout and os.Stderr.
func NewConsole() *Logger {
	return New(os.Stdout, os.Stderr)
}

// Discard returns a Logger that drops everything. Useful in tests.
func Discard() *Logger {
	return New(io.Discard, io.Discard)
}

// SetVerbose toggles debug lines on the console.
func (l *Logger) SetVerbose(v bool) {
	l.verbose = v
}

// AttachRunLog mirrors every line as a JSON event into w.
func (l *Logger) AttachRunLog(w io.Writer, runID string) {
	l.events = zerolog.New(w).With().Timestamp().Str("run_id", runID).Logger()
}

// Component returns a child Logger whose run-log events carry a component field.
func (l *Logger) Component(name string) *Logger {
	cp := *l
	cp.events = l.events.With().Str("component", name).Logger()
	return &cp
}

// Events exposes the structured logger for components that want extra fields.
func (l *Logger) Events() *zerolog.Logger {
	return &l.events
}

func (l *Logger) Info(msg string) {
	fmt.Fprintf(l.out, "%s %s\n", l.paint(l.color, cyan, "[+]"), msg)
	l.events.Info().Msg(msg)
}

func (l *Logger) Ok(msg string) {
	fmt.Fprintf(l.out, "%s %s\n", l.paint(l.color, green, "[✓]"), msg)
	l.events.Info().Bool("ok", true).Msg(msg)
}

func (l *Logger) Skip(msg string) {
	fmt.Fprintf(l.out, "%s %s\n", l.paint(l.color, yellow, "[=]"), msg)
	l.events.Info().Bool("skipped", true).Msg(msg)
}

func (l *Logger) Warn(msg string) {
	fmt.Fprintf(l.errOut, "%s %s\n", l.paint(l.errColor, yellow, "[~]"), msg)
	l.events.Warn().Msg(msg)
}

func (l *Logger) Error(msg string) {
	fmt.Fprintf(l.errOut, "%s %s\n", l.paint(l.errColor, red, "[!]"), msg)
	l.events.Error().Msg(msg)
}

// Debug is written to the run log always and to the console only in verbose mode.
func (l *Logger) Debug(msg string) {
	if l.verbose {
		fmt.Fprintf(l.out, "%s %s\n", l.paint(l.color, grey, "[.]"), msg)
	}
	l.events.Debug().Msg(msg)
}

// Hint prints an indented remediation line under an error.
func (l *Logger) Hint(msg string) {
	fmt.Fprintf(l.errOut, "    %s\n", msg)
	l.events.Info().Str("hint", msg).Send()
}

// Out is the console stdout writer.
func (l *Logger) Out() io.Writer { return l.out }

func (l *Logger) paint(enabled bool, color, msg string) string {
	if enabled {
		return color + bold + msg + reset
	}
	return msg
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
