// Package runnertest provides a scripted, recording runner.Runner for tests.
package runnertest

import (
	"context"
	"strings"
	"sync"
	"time"

	apperrors "github.com/h3ow3d/gamevm/internal/errors"
	"github.com/h3ow3d/gamevm/internal/runner"
)

// Call is one recorded invocation.
type Call struct {
	Mode string // "run", "output" or "start"
	Name string
	Args []string
}

// Line returns the call as a single space-joined command line.
func (c Call) Line() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Response is what the fake returns for a matching call.
type Response struct {
	Output string
	Err    error
}

// Handler computes a response dynamically. Returning ok=false falls through to the
// scripted responses.
type Handler func(c Call) (resp Response, ok bool)

type rule struct {
	prefix string
	resp   Response
}

// Fake is a runner.Runner that records every call and answers from scripted
// responses. Unmatched calls succeed with empty output.
type Fake struct {
	mu      sync.Mutex
	calls   []Call
	rules   []rule
	handler Handler

	// Process is returned from Start. Nil yields a fresh finished Process.
	Process *Process
}

// New returns an empty Fake.
func New() *Fake { return &Fake{} }

// On scripts the response for calls whose command line starts with prefix. The
// most recently added matching rule wins.
func (f *Fake) On(prefix, output string, err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, rule{prefix: prefix, resp: Response{Output: output, Err: err}})
	return f
}

// Handle installs a dynamic handler consulted before the scripted rules.
func (f *Fake) Handle(h Handler) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
	return f
}

// Fail scripts a non-zero exit with the given stderr.
func (f *Fake) Fail(prefix, stderr string) *Fake {
	return f.On(prefix, "", &runner.ExitError{Cmd: prefix, Code: 1, Stderr: stderr})
}

func (f *Fake) respond(c Call) Response {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	h := f.handler
	rules := append([]rule(nil), f.rules...)
	f.mu.Unlock()

	if h != nil {
		if resp, ok := h(c); ok {
			return resp
		}
	}
	line := c.Line()
	for i := len(rules) - 1; i >= 0; i-- {
		if strings.HasPrefix(line, rules[i].prefix) {
			return rules[i].resp
		}
	}
	return Response{}
}

// Run implements runner.Runner.
func (f *Fake) Run(_ context.Context, name string, args ...string) error {
	return f.respond(Call{Mode: "run", Name: name, Args: args}).Err
}

// Output implements runner.Runner.
func (f *Fake) Output(_ context.Context, name string, args ...string) (string, error) {
	r := f.respond(Call{Mode: "output", Name: name, Args: args})
	return r.Output, r.Err
}

// Start implements runner.Runner.
func (f *Fake) Start(_ context.Context, name string, args ...string) (runner.Process, error) {
	r := f.respond(Call{Mode: "start", Name: name, Args: args})
	if r.Err != nil {
		return nil, r.Err
	}
	if f.Process != nil {
		return f.Process, nil
	}
	return &Process{Done: true}, nil
}

// Calls returns a copy of the recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Lines returns the recorded command lines filtered by mode. An empty mode
// returns every call.
func (f *Fake) Lines(mode string) []string {
	var out []string
	for _, c := range f.Calls() {
		if mode == "" || c.Mode == mode {
			out = append(out, c.Line())
		}
	}
	return out
}

// Ran reports whether a mutating call (run or start) started with prefix.
func (f *Fake) Ran(prefix string) bool {
	return f.Count(prefix) > 0
}

// Count returns how many mutating calls started with prefix.
func (f *Fake) Count(prefix string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Mode != "output" && strings.HasPrefix(c.Line(), prefix) {
			n++
		}
	}
	return n
}

// Process is a controllable runner.Process.
type Process struct {
	mu         sync.Mutex
	Done       bool
	ExitErr    error
	Terminated bool
	Waited     int
}

func (p *Process) Wait(timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Waited++
	if !p.Done {
		return apperrors.Errorf(apperrors.KindTimeout, "process still running after %s", timeout)
	}
	return p.ExitErr
}

func (p *Process) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Terminated = true
	p.Done = true
	return nil
}

func (p *Process) Exited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Done
}
