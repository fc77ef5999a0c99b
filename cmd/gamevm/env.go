package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/h3ow3d/gamevm/internal/cleanup"
	"github.com/h3ow3d/gamevm/internal/config"
	"github.com/h3ow3d/gamevm/internal/datasync"
	"github.com/h3ow3d/gamevm/internal/forward"
	"github.com/h3ow3d/gamevm/internal/lock"
	"github.com/h3ow3d/gamevm/internal/log"
	"github.com/h3ow3d/gamevm/internal/metrics"
	"github.com/h3ow3d/gamevm/internal/network"
	"github.com/h3ow3d/gamevm/internal/remote"
	"github.com/h3ow3d/gamevm/internal/runner"
	"github.com/h3ow3d/gamevm/internal/vm"
	"github.com/h3ow3d/gamevm/internal/workload"
	"github.com/h3ow3d/gamevm/internal/xdg"
)

type globalFlags struct {
	config  string
	dryRun  bool
	verbose bool
}

// env is everything one command invocation needs, built from the
// configuration. close must be called once the command is done.
type env struct {
	flags   *globalFlags
	log     *log.Logger
	dirs    xdg.Dirs
	cfg     *config.Config
	run     runner.Runner
	cleanup *cleanup.Registry
	metrics *metrics.Run
	runLog  *log.RunLog

	network *network.Manager
	vm      *vm.Controller
	remote  *remote.SSH
}

// openEnv loads and validates the configuration, attaches the run log and,
// for mutating commands, takes the host-wide lock.
func openEnv(g *globalFlags, mutating bool) (*env, error) {
	l := log.NewConsole()
	l.SetVerbose(g.verbose)
	dirs := xdg.Default()

	store, err := config.Load(config.ResolvePath(g.config, dirs), dirs)
	if err != nil {
		return nil, err
	}
	cfg, warnings, err := store.Validate()
	if err != nil {
		return nil, err
	}

	e := &env{flags: g, log: l, dirs: dirs, cfg: cfg}
	if rl, err := log.OpenRunLog(cfg.LogDir, cfg.LogRetain, time.Now()); err != nil {
		l.Warn(fmt.Sprintf("run log disabled: %v", err))
	} else {
		e.runLog = rl
		l.AttachRunLog(rl, rl.ID)
		l.Debug("run log: " + rl.Path)
	}
	l.Debug("configuration: " + store.Path())
	for _, w := range warnings {
		l.Warn(w)
	}

	e.cleanup = cleanup.New(l)
	if mutating {
		lk, err := lock.Acquire(cfg.LockFile)
		if err != nil {
			e.closeRunLog()
			return nil, err
		}
		e.cleanup.Add("release lock", lk.Release)
	}

	e.run = runner.NewExec(l.Component("runner"), g.dryRun)
	e.metrics = metrics.New(cfg.MetricsTextfile)
	e.network = network.New(e.run, cfg.LibvirtURI, l.Component("network"))
	e.vm = vm.New(e.run, vm.Options{URI: cfg.LibvirtURI, DryRun: g.dryRun}, e.network, l.Component("vm"))
	e.remote = remote.NewSSH(remote.Options{
		Host:     cfg.VMIP,
		Port:     cfg.SSHPort,
		User:     cfg.VMUser,
		Password: cfg.VMPassword,
	}, l.Component("remote"))
	e.cleanup.Add("close ssh session", e.remote.Close)
	return e, nil
}

// close records the outcome, runs the cleanup registry and closes the run log.
// It returns runErr unchanged.
func (e *env) close(runErr error) error {
	if err := e.metrics.Finish(runErr); err != nil {
		e.log.Warn(fmt.Sprintf("write metrics %s: %v", e.cfg.MetricsTextfile, err))
	}
	if err := e.cleanup.Run(); err != nil {
		e.log.Warn(fmt.Sprintf("cleanup: %v", err))
	}
	if runErr != nil {
		e.log.Events().Error().Err(runErr).Msg("command failed")
	}
	e.closeRunLog()
	return runErr
}

func (e *env) closeRunLog() {
	if e.runLog != nil {
		_ = e.runLog.Close()
		e.runLog = nil
	}
}

func (e *env) forwarder() (*forward.Forwarder, error) {
	b, err := forward.NewBackend(e.cfg.ForwardBackend, e.run, e.flags.dryRun, e.log.Component("forward"))
	if err != nil {
		return nil, err
	}
	rules := forward.Rules(e.cfg.VMIP, e.cfg.ExternalInterface, e.cfg.GamePort, e.cfg.WebPort)
	return forward.New(b, rules, e.log.Component("forward")), nil
}

func (e *env) syncer() *datasync.Syncer {
	return datasync.New(e.remote, e.cfg.DataDir, e.cfg.RemoteDir, e.log.Component("sync"))
}

func (e *env) workload() *workload.Manager {
	return workload.New(e.remote, workload.SettingsFrom(e.cfg), e.syncer(), e.log.Component("workload"))
}

// timed runs fn as one metrics step.
func (e *env) timed(step string, fn func() error) error {
	done := e.metrics.Time(step)
	defer done()
	return fn()
}

// skipRemote reports, and logs, that a dry run does not connect to the VM.
func (e *env) skipRemote(what string) bool {
	if !e.flags.dryRun {
		return false
	}
	e.log.Skip(fmt.Sprintf("[dry-run] not connecting to %s to %s", e.cfg.VMName, what))
	return true
}

type runFunc func(ctx context.Context, e *env, args []string) error

// withEnv adapts fn to a cobra RunE that opens and closes an env around it.
func withEnv(g *globalFlags, mutating bool, fn runFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(g, mutating)
		if err != nil {
			return err
		}
		return e.close(fn(cmd.Context(), e, args))
	}
}
