package workload_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/h3ow3d/gamevm/internal/errors"
	"github.com/h3ow3d/gamevm/internal/forward"
	"github.com/h3ow3d/gamevm/internal/log"
	"github.com/h3ow3d/gamevm/internal/remote"
	"github.com/h3ow3d/gamevm/internal/remote/remotetest"
	"github.com/h3ow3d/gamevm/internal/wait"
	"github.com/h3ow3d/gamevm/internal/workload"
)

func settings(t *testing.T) workload.Settings {
	t.Helper()
	script := filepath.Join(t.TempDir(), "install-gameserver.ps1")
	require.NoError(t, os.WriteFile(script, []byte("param($GamePort)"), 0o644))
	return workload.Settings{
		RemoteDir:         `C:\GameServer`,
		InstallScript:     script,
		WorkloadProcess:   "GameServer",
		SupervisorProcess: "GameServerSupervisor",
		WorkloadCommand:   `C:\GameServer\start-server.bat`,
		WorkloadLog:       `C:\GameServer\logs\server.log`,
		GamePort:          7777,
		WebPort:           8080,
		StartTimeout:      200 * time.Millisecond,
		StopGrace:         200 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
		Retry:             wait.RetryPolicy{Attempts: 3, Base: time.Millisecond},
	}
}

// windows simulates the VM's process table for the scripts the manager sends.
type windows struct {
	mu      sync.Mutex
	running map[string]bool
	// ignoreTaskkill keeps processes alive through a graceful stop.
	ignoreTaskkill bool
	// startsOnRun lists processes that appear when the scheduled task runs.
	startsOnRun []string
}

func (w *windows) handle(script string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case strings.HasPrefix(script, "if (Get-Process -Name "):
		name := strings.Trim(strings.Fields(script)[3], "'")
		if w.running[name] {
			return "running\n", nil
		}
		return "stopped\n", nil
	case strings.HasPrefix(script, "Stop-Process"):
		w.running = map[string]bool{}
	case strings.HasPrefix(script, "taskkill.exe"):
		if !w.ignoreTaskkill {
			w.running = map[string]bool{}
		}
	case strings.HasPrefix(script, "schtasks.exe /Create"):
		for _, p := range w.startsOnRun {
			w.running[p] = true
		}
	}
	return "", nil
}

type pullRecorder struct{ pulls int }

func (p *pullRecorder) Pull(context.Context) error {
	p.pulls++
	return nil
}

func TestInstallUploadsAndRuns(t *testing.T) {
	vm := remotetest.New(t.TempDir())
	m := workload.New(vm, settings(t), nil, log.Discard())

	require.NoError(t, m.Install(context.Background()))

	got, err := vm.ReadFile(`C:\GameServer\install.ps1`)
	require.NoError(t, err)
	assert.Equal(t, "param($GamePort)", string(got))
	assert.Equal(t, []string{`& 'C:\GameServer\install.ps1' -GamePort 7777 -WebPort 8080 -InstallDir 'C:\GameServer'`}, vm.Scripts())
}

func TestInstallRetriesTransientFailures(t *testing.T) {
	calls := 0
	vm := remotetest.New(t.TempDir()).Handle(func(string) (string, error) {
		calls++
		if calls < 3 {
			return "", apperrors.Wrap(errors.New("connection reset by peer"), apperrors.KindTransferFailed, "ssh session")
		}
		return "", nil
	})
	m := workload.New(vm, settings(t), nil, log.Discard())

	require.NoError(t, m.Install(context.Background()))
	assert.Equal(t, 3, calls)
}

func TestInstallDoesNotRetryRemoteFailure(t *testing.T) {
	calls := 0
	vm := remotetest.New(t.TempDir()).Handle(func(string) (string, error) {
		calls++
		return "", apperrors.Wrap(&remote.CommandError{ExitStatus: 1, Stderr: "download failed"},
			apperrors.KindRemoteCommandFailed, "remote command failed")
	})
	m := workload.New(vm, settings(t), nil, log.Discard())

	err := m.Install(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.KindRemoteCommandFailed, apperrors.GetKind(err))
	assert.Equal(t, 1, calls)
}

func TestInstallMissingScript(t *testing.T) {
	vm := remotetest.New(t.TempDir())
	s := settings(t)
	s.InstallScript = filepath.Join(t.TempDir(), "missing.ps1")
	m := workload.New(vm, s, nil, log.Discard())

	err := m.Install(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.KindConfigInvalid, apperrors.GetKind(err))
	assert.Empty(t, vm.Scripts())
	assert.Empty(t, vm.Copies())
}

func TestStartWorkload(t *testing.T) {
	win := &windows{running: map[string]bool{"GameServer": true}, startsOnRun: []string{"GameServer"}}
	vm := remotetest.New(t.TempDir()).Handle(win.handle)
	m := workload.New(vm, settings(t), nil, log.Discard())

	require.NoError(t, m.StartWorkload(context.Background()))

	scripts := vm.Scripts()
	assert.True(t, strings.HasPrefix(scripts[0], "Stop-Process -Name @('GameServerSupervisor','GameServer') -Force"))
	assert.True(t, vm.Ran(`/TN 'gamevm-workload' /TR '"C:\GameServer\start-server.bat"'`))
	assert.True(t, vm.Ran("/RU SYSTEM"))
	assert.True(t, vm.Ran("schtasks.exe /Run /TN 'gamevm-workload'"))
}

func TestStartWorkloadTimeoutIsWarning(t *testing.T) {
	win := &windows{running: map[string]bool{}}
	vm := remotetest.New(t.TempDir()).Handle(win.handle)
	var out, errOut bytes.Buffer
	m := workload.New(vm, settings(t), nil, log.New(&out, &errOut))

	require.NoError(t, m.StartWorkload(context.Background()))
	assert.Contains(t, errOut.String(), "GameServer did not appear")
}

func TestStopWorkloadNotRunningIsNoop(t *testing.T) {
	win := &windows{running: map[string]bool{}}
	vm := remotetest.New(t.TempDir()).Handle(win.handle)
	pull := &pullRecorder{}
	m := workload.New(vm, settings(t), pull, log.Discard())

	require.NoError(t, m.StopWorkload(context.Background()))
	assert.False(t, vm.Ran("taskkill"))
	assert.False(t, vm.Ran("Stop-Process"))
	assert.Zero(t, pull.pulls)
}

func TestStopWorkloadGraceful(t *testing.T) {
	win := &windows{running: map[string]bool{"GameServer": true, "GameServerSupervisor": true}}
	vm := remotetest.New(t.TempDir()).Handle(win.handle)
	pull := &pullRecorder{}
	m := workload.New(vm, settings(t), pull, log.Discard())

	require.NoError(t, m.StopWorkload(context.Background()))
	assert.True(t, vm.Ran("taskkill.exe /IM 'GameServerSupervisor.exe'"))
	assert.True(t, vm.Ran("taskkill.exe /IM 'GameServer.exe'"))
	assert.False(t, vm.Ran("Stop-Process"))
	assert.Equal(t, 1, pull.pulls)
}

func TestStopWorkloadForcesAfterGrace(t *testing.T) {
	win := &windows{running: map[string]bool{"GameServer": true}, ignoreTaskkill: true}
	vm := remotetest.New(t.TempDir()).Handle(win.handle)
	pull := &pullRecorder{}
	m := workload.New(vm, settings(t), pull, log.Discard())

	start := time.Now()
	require.NoError(t, m.StopWorkload(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.True(t, vm.Ran("Stop-Process -Name @('GameServerSupervisor','GameServer') -Force"))
	assert.Equal(t, 1, pull.pulls)
}

func TestLogs(t *testing.T) {
	vm := remotetest.New(t.TempDir()).Handle(func(script string) (string, error) {
		return "line 1\nline 2\n", nil
	})
	m := workload.New(vm, settings(t), nil, log.Discard())

	var out bytes.Buffer
	require.NoError(t, m.Logs(context.Background(), 20, true, &out, &out))
	assert.Equal(t, "line 1\nline 2\n", out.String())
	assert.True(t, vm.Ran(`Get-Content -LiteralPath 'C:\GameServer\logs\server.log' -Tail 20 -Wait`))
}

type fixedPower string

func (p fixedPower) State(context.Context, string) string { return string(p) }

type fixedForwards []forward.Status

func (f fixedForwards) Status(context.Context) []forward.Status { return f }

func TestStatusUnreachable(t *testing.T) {
	vm := remotetest.New(t.TempDir()).ReachableAt(0)
	m := workload.New(vm, settings(t), nil, log.Discard())

	r := m.Status(context.Background(), workload.Sources{
		VMName: "gameserver-win",
		VMIP:   "192.168.122.50",
		Power:  fixedPower("running"),
		Ping: func(context.Context, string) (time.Duration, error) {
			return 0, errors.New("no reply")
		},
	})
	assert.Equal(t, "running", r.Power)
	assert.False(t, r.Reachable)
	assert.Equal(t, workload.Unknown, r.Workload)
	assert.Equal(t, workload.Unknown, r.Supervisor)
	assert.Equal(t, workload.Unknown, r.Ping)
	assert.Empty(t, vm.Scripts())
}

func TestStatusReachable(t *testing.T) {
	win := &windows{running: map[string]bool{"GameServer": true}}
	vm := remotetest.New(t.TempDir()).ReachableAt(1).Handle(win.handle)
	m := workload.New(vm, settings(t), nil, log.Discard())

	rule := forward.Rule{Proto: "tcp", Port: 7777, DestIP: "192.168.122.50"}
	r := m.Status(context.Background(), workload.Sources{
		VMName:   "gameserver-win",
		VMIP:     "192.168.122.50",
		Power:    fixedPower("running"),
		Forwards: fixedForwards{{Rule: rule, Active: true}},
		Ping: func(context.Context, string) (time.Duration, error) {
			return 1500 * time.Microsecond, nil
		},
	})
	assert.True(t, r.Reachable)
	assert.Equal(t, "running", r.Workload)
	assert.Equal(t, "stopped", r.Supervisor)
	assert.Equal(t, "1.5ms", r.Ping)
	assert.Equal(t, []workload.ForwardReport{{Rule: "tcp/7777 -> 192.168.122.50:7777", Active: true}}, r.Forwards)
}

func TestStatusShutOff(t *testing.T) {
	vm := remotetest.New(t.TempDir()).ReachableAt(1)
	m := workload.New(vm, settings(t), nil, log.Discard())

	r := m.Status(context.Background(), workload.Sources{VMName: "gameserver-win", Power: fixedPower("shut off")})
	assert.False(t, r.Reachable)
	assert.Zero(t, vm.Probes())
}
