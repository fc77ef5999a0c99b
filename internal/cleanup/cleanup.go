// Package cleanup runs deferred release actions in reverse registration order on
// every exit path of a gamevm invocation.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/h3ow3d/gamevm/internal/log"
)

// Func releases one resource.
type Func func() error

type entry struct {
	name     string
	fn       Func
	released bool
}

// Registry is an ordered list of release actions.
type Registry struct {
	mu      sync.Mutex
	entries []*entry
	ran     bool
	log     *log.Logger
}

// New returns an empty Registry reporting failures through l.
func New(l *log.Logger) *Registry {
	return &Registry{log: l}
}

// Handle identifies a registered action.
type Handle struct {
	r *Registry
	e *entry
}

// Release drops the action without running it, for resources that have been
// handed off or already released normally.
func (h Handle) Release() {
	if h.r == nil {
		return
	}
	h.r.mu.Lock()
	h.e.released = true
	h.r.mu.Unlock()
}

// Add registers fn under name and returns a handle to release it early.
func (r *Registry) Add(name string, fn Func) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := &entry{name: name, fn: fn}
	r.entries = append(r.entries, e)
	return Handle{r: r, e: e}
}

// Run executes every unreleased action, last registered first. Failures are
// logged and joined; they never stop the remaining actions. Run is a no-op after
// the first call.
func (r *Registry) Run() error {
	r.mu.Lock()
	if r.ran {
		r.mu.Unlock()
		return nil
	}
	r.ran = true
	entries := r.entries
	r.entries = nil
	r.mu.Unlock()

	var errs []error
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.released {
			continue
		}
		if err := e.fn(); err != nil {
			r.log.Warn(fmt.Sprintf("cleanup %s: %v", e.name, err))
			errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
			continue
		}
		r.log.Debug("cleanup " + e.name)
	}
	return errors.Join(errs...)
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
