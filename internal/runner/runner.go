// Package runner executes external commands for gamevm.
//
// Mutating commands go through Run and Start, which only print the command line in
// dry-run mode. Read-only probes go through Output, which always executes because
// later decisions depend on its result.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	apperrors "github.com/h3ow3d/gamevm/internal/errors"
	"github.com/h3ow3d/gamevm/internal/log"
)

// Runner executes host commands.
type Runner interface {
	// Run executes a mutating command synchronously.
	Run(ctx context.Context, name string, args ...string) error
	// Output executes a read-only command and returns its stdout.
	Output(ctx context.Context, name string, args ...string) (string, error)
	// Start launches a command in the background.
	Start(ctx context.Context, name string, args ...string) (Process, error)
}

// Process is a handle on a background command.
type Process interface {
	// Wait blocks until the process exits or timeout elapses. A timeout yields a
	// KindTimeout error and leaves the process running.
	Wait(timeout time.Duration) error
	// Terminate stops the process: SIGTERM, then SIGKILL after a short grace.
	Terminate() error
	// Exited reports whether the process has finished.
	Exited() bool
}

// ExitError is returned when a command exits non-zero.
type ExitError struct {
	Cmd    string
	Code   int
	Stderr string
	Err    error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s: exit status %d", e.Cmd, e.Code)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *ExitError) Unwrap() error { return e.Err }

// Tolerate discards err when it is an ExitError whose stderr contains one of
// phrases. Every other error, including other exit failures, is returned as is.
// Callers document the phrases that mean "already absent" for their command.
func Tolerate(err error, phrases ...string) error {
	if err == nil {
		return nil
	}
	var ee *ExitError
	if !apperrors.As(err, &ee) {
		return err
	}
	stderr := strings.ToLower(ee.Stderr)
	for _, p := range phrases {
		if strings.Contains(stderr, strings.ToLower(p)) {
			return nil
		}
	}
	return err
}

// Exec runs commands on the local host.
type Exec struct {
	DryRun bool
	// Env entries are appended to the inherited environment of every child.
	Env []string
	// Stdout receives the output of Run commands. Nil discards it.
	Stdout io.Writer
	Log    *log.Logger
}

// NewExec returns an Exec logging through l.
func NewExec(l *log.Logger, dryRun bool) *Exec {
	return &Exec{DryRun: dryRun, Log: l}
}

// Run implements Runner.
func (e *Exec) Run(ctx context.Context, name string, args ...string) error {
	line := FormatCommand(name, args...)
	if e.DryRun {
		e.Log.Info("[dry-run] " + line)
		return nil
	}
	e.Log.Debug(line)

	cmd := e.command(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stdout = e.Stdout
	cmd.Stderr = &stderr
	return wrapExit(line, cmd.Run(), stderr.String())
}

// Output implements Runner.
func (e *Exec) Output(ctx context.Context, name string, args ...string) (string, error) {
	line := FormatCommand(name, args...)
	e.Log.Debug(line)

	cmd := e.command(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), wrapExit(line, err, stderr.String())
}

// Start implements Runner. The child is placed in its own process group so that
// terminal signals reach gamevm first and cleanup decides its fate.
func (e *Exec) Start(ctx context.Context, name string, args ...string) (Process, error) {
	line := FormatCommand(name, args...)
	if e.DryRun {
		e.Log.Info("[dry-run] " + line + " &")
		return finished(), nil
	}
	e.Log.Debug(line + " &")

	cmd := exec.Command(name, args...)
	cmd.Env = append(cmd.Environ(), e.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	p := &background{line: line, cmd: cmd, done: make(chan struct{})}
	cmd.Stdout = &p.output
	cmd.Stderr = &p.output
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", line, err)
	}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.err = wrapExit(line, err, p.output.String())
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

func (e *Exec) command(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	if len(e.Env) > 0 {
		cmd.Env = append(cmd.Environ(), e.Env...)
	}
	return cmd
}

func wrapExit(line string, err error, stderr string) error {
	if err == nil {
		return nil
	}
	var xe *exec.ExitError
	if apperrors.As(err, &xe) {
		return &ExitError{Cmd: line, Code: xe.ExitCode(), Stderr: stderr, Err: err}
	}
	return fmt.Errorf("%s: %w", line, err)
}

// FormatCommand renders a command line for logs, quoting arguments that need it.
func FormatCommand(name string, args ...string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, name)
	for _, a := range args {
		if a == "" || strings.ContainsAny(a, " \t\"'\\<>|&;$") {
			a = strconv.Quote(a)
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

const terminateGrace = 5 * time.Second

type background struct {
	line   string
	cmd    *exec.Cmd
	output bytes.Buffer
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (p *background) Wait(timeout time.Duration) error {
	// An exited process reports its result even when timeout is zero.
	if p.Exited() {
		return p.result()
	}
	select {
	case <-p.done:
		return p.result()
	case <-time.After(timeout):
		return apperrors.Errorf(apperrors.KindTimeout, "%s still running after %s", p.line, timeout)
	}
}

func (p *background) result() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *background) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *background) Terminate() error {
	if p.Exited() {
		return nil
	}
	// Negative pid signals the whole process group.
	pgid := -p.cmd.Process.Pid
	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("terminate %s: %w", p.line, err)
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(terminateGrace):
	}
	if err := syscall.Kill(pgid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("kill %s: %w", p.line, err)
	}
	<-p.done
	return nil
}

type done struct{}

func finished() Process { return done{} }

func (done) Wait(time.Duration) error { return nil }
func (done) Terminate() error         { return nil }
func (done) Exited() bool             { return true }
