// Package workload installs, starts, stops and inspects the game server running
// inside the VM.
package workload

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/h3ow3d/gamevm/internal/config"
	apperrors "github.com/h3ow3d/gamevm/internal/errors"
	"github.com/h3ow3d/gamevm/internal/log"
	"github.com/h3ow3d/gamevm/internal/remote"
	"github.com/h3ow3d/gamevm/internal/wait"
)

// TaskName is the scheduled task that launches the workload detached from the
// SSH session.
const TaskName = "gamevm-workload"

// Settings configures a Manager.
type Settings struct {
	RemoteDir         string
	InstallScript     string // host path of the installer
	WorkloadProcess   string
	SupervisorProcess string
	WorkloadCommand   string
	WorkloadLog       string
	GamePort          int
	WebPort           int

	StartTimeout time.Duration
	StopGrace    time.Duration
	PollInterval time.Duration
	Retry        wait.RetryPolicy
}

// SettingsFrom derives Settings from the configuration.
func SettingsFrom(cfg *config.Config) Settings {
	return Settings{
		RemoteDir:         cfg.RemoteDir,
		InstallScript:     cfg.InstallScript,
		WorkloadProcess:   cfg.WorkloadProcess,
		SupervisorProcess: cfg.SupervisorProcess,
		WorkloadCommand:   cfg.WorkloadCommand,
		WorkloadLog:       cfg.WorkloadLog,
		GamePort:          cfg.GamePort,
		WebPort:           cfg.WebPort,
		StartTimeout:      config.Seconds(cfg.WorkloadStartTimeout),
		StopGrace:         config.Seconds(cfg.StopGrace),
		PollInterval:      2 * time.Second,
		Retry:             wait.DefaultRetry,
	}
}

// Puller saves the VM's data to the host.
type Puller interface {
	Pull(ctx context.Context) error
}

// Manager drives the workload over a remote.Client.
type Manager struct {
	client remote.Client
	pull   Puller
	s      Settings
	log    *log.Logger
}

// New returns a Manager. p is used by StopWorkload to save data after stopping.
func New(c remote.Client, s Settings, p Puller, l *log.Logger) *Manager {
	if s.PollInterval <= 0 {
		s.PollInterval = 2 * time.Second
	}
	return &Manager{client: c, pull: p, s: s, log: l}
}

// processes returns the configured process names, supervisor first.
func (m *Manager) processes() []string {
	var out []string
	if m.s.SupervisorProcess != "" {
		out = append(out, m.s.SupervisorProcess)
	}
	return append(out, m.s.WorkloadProcess)
}

// quoteList renders names as a PowerShell array literal.
func quoteList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = remote.Quote(n)
	}
	return "@(" + strings.Join(quoted, ",") + ")"
}

// ── install ──────────────────────────────────────────────────────────────────

// Install uploads the installer and runs it. Transport failures are retried;
// a non-zero exit of the installer is not.
func (m *Manager) Install(ctx context.Context) error {
	if _, err := os.Stat(m.s.InstallScript); err != nil {
		return &apperrors.Error{
			Kind:        apperrors.KindConfigInvalid,
			Message:     "installer script " + m.s.InstallScript + " not found",
			Remediation: "set INSTALL_SCRIPT to the game server installer (.ps1)",
			Underlying:  err,
		}
	}
	target := remote.Join(m.s.RemoteDir, "install.ps1")
	script := fmt.Sprintf("& %s -GamePort %d -WebPort %d -InstallDir %s",
		remote.Quote(target), m.s.GamePort, m.s.WebPort, remote.Quote(m.s.RemoteDir))

	m.log.Info("Installing workload into " + m.s.RemoteDir)
	onRetry := func(err error, next time.Duration) {
		m.log.Warn(fmt.Sprintf("install attempt failed (%v); retrying in %s", err, next))
	}
	err := wait.Retry(ctx, m.s.Retry, remote.IsTransient, onRetry, func() error {
		if err := m.client.Copy(ctx, m.s.InstallScript, target, remote.Push); err != nil {
			return err
		}
		out, err := m.client.Execute(ctx, script)
		if out != "" {
			m.log.Debug(strings.TrimSpace(out))
		}
		return err
	})
	if err != nil {
		if apperrors.GetKind(err) == apperrors.KindRemoteCommandFailed {
			return apperrors.WithHint(err, "inspect the installer output with: gamevm manage ssh")
		}
		return err
	}
	m.log.Ok("Workload installed")
	return nil
}

// ── start / stop ─────────────────────────────────────────────────────────────

// IsRunning reports whether a process with the given name runs on the VM.
func (m *Manager) IsRunning(ctx context.Context, process string) (bool, error) {
	out, err := m.client.Execute(ctx, fmt.Sprintf(
		"if (Get-Process -Name %s -ErrorAction SilentlyContinue) { 'running' } else { 'stopped' }",
		remote.Quote(process)))
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "running", nil
}

func (m *Manager) anyRunning(ctx context.Context) (bool, error) {
	for _, p := range m.processes() {
		ok, err := m.IsRunning(ctx, p)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

func (m *Manager) forceStop(ctx context.Context) error {
	_, err := m.client.Execute(ctx, fmt.Sprintf(
		"Stop-Process -Name %s -Force -ErrorAction SilentlyContinue; exit 0", quoteList(m.processes())))
	return err
}

// StartWorkload launches the workload through a SYSTEM scheduled task after
// clearing stale processes, then waits for the workload process to appear. A
// process that does not appear in time is a warning, not a failure.
func (m *Manager) StartWorkload(ctx context.Context) error {
	if err := m.forceStop(ctx); err != nil {
		return apperrors.Wrap(err, apperrors.GetKind(err), "stop stale workload processes")
	}

	tr := `"` + m.s.WorkloadCommand + `"`
	script := strings.Join([]string{
		fmt.Sprintf("schtasks.exe /Create /TN %s /TR %s /SC ONCE /ST 00:00 /RU SYSTEM /RL HIGHEST /F | Out-Null",
			remote.Quote(TaskName), remote.Quote(tr)),
		"if ($LASTEXITCODE -ne 0) { exit $LASTEXITCODE }",
		fmt.Sprintf("schtasks.exe /Run /TN %s | Out-Null", remote.Quote(TaskName)),
		"exit $LASTEXITCODE",
	}, "\n")
	if _, err := m.client.Execute(ctx, script); err != nil {
		return apperrors.WithHint(err, "check the task with: schtasks /Query /TN "+TaskName)
	}
	m.log.Info("Workload task started; waiting for " + m.s.WorkloadProcess)

	err := wait.Until(ctx, m.s.StartTimeout, m.s.PollInterval, m.s.WorkloadProcess, func(ctx context.Context) bool {
		ok, _ := m.IsRunning(ctx, m.s.WorkloadProcess)
		return ok
	})
	switch {
	case err == nil:
		m.log.Ok("Workload running")
	case apperrors.GetKind(err) == apperrors.KindTimeout:
		m.log.Warn(fmt.Sprintf("%s did not appear within %s; check: gamevm manage logs", m.s.WorkloadProcess, m.s.StartTimeout))
	default:
		return err
	}
	return nil
}

// StopWorkload stops the supervisor and workload gracefully, forcing them after
// the grace period, then pulls the VM's data. With nothing running it does
// nothing.
func (m *Manager) StopWorkload(ctx context.Context) error {
	running, err := m.anyRunning(ctx)
	if err != nil {
		return err
	}
	if !running {
		m.log.Skip("Workload not running")
		return nil
	}

	m.log.Info("Stopping workload")
	var kill []string
	for _, p := range m.processes() {
		kill = append(kill, fmt.Sprintf("taskkill.exe /IM %s 2>&1 | Out-Null", remote.Quote(p+".exe")))
	}
	if _, err := m.client.Execute(ctx, strings.Join(append(kill, "exit 0"), "\n")); err != nil {
		return err
	}

	err = wait.Until(ctx, m.s.StopGrace, m.s.PollInterval, "workload to exit", func(ctx context.Context) bool {
		ok, err := m.anyRunning(ctx)
		return err == nil && !ok
	})
	if err != nil {
		if apperrors.GetKind(err) != apperrors.KindTimeout {
			return err
		}
		m.log.Warn(fmt.Sprintf("workload still running after %s; forcing", m.s.StopGrace))
		if err := m.forceStop(ctx); err != nil {
			return err
		}
	}
	m.log.Ok("Workload stopped")

	if m.pull == nil {
		return nil
	}
	return m.pull.Pull(ctx)
}

// ── logs ─────────────────────────────────────────────────────────────────────

// Logs writes the last lines of the workload log to w, following it when
// follow is set until ctx is cancelled.
func (m *Manager) Logs(ctx context.Context, lines int, follow bool, w, errW io.Writer) error {
	if lines <= 0 {
		lines = 50
	}
	path := remote.Quote(m.s.WorkloadLog)
	script := fmt.Sprintf("if (-not (Test-Path -LiteralPath %s)) { [Console]::Error.WriteLine('no log at ' + %s); exit 2 }\n"+
		"Get-Content -LiteralPath %s -Tail %d", path, path, path, lines)
	if follow {
		script += " -Wait"
	}
	err := m.client.Stream(ctx, script, w, errW)
	if err != nil && follow && ctx.Err() != nil {
		return nil
	}
	return err
}
