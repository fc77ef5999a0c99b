package runner_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/h3ow3d/gamevm/internal/errors"
	"github.com/h3ow3d/gamevm/internal/log"
	"github.com/h3ow3d/gamevm/internal/runner"
)

func TestDryRunDoesNotExecute(t *testing.T) {
	var out bytes.Buffer
	r := runner.NewExec(log.New(&out, &out), true)

	marker := t.TempDir() + "/created"
	require.NoError(t, r.Run(context.Background(), "touch", marker))

	assert.NoFileExists(t, marker)
	assert.Contains(t, out.String(), "[dry-run] touch")
}

func TestDryRunStartReturnsFinishedProcess(t *testing.T) {
	r := runner.NewExec(log.Discard(), true)
	p, err := r.Start(context.Background(), "sleep", "60")
	require.NoError(t, err)
	assert.True(t, p.Exited())
	assert.NoError(t, p.Wait(time.Millisecond))
}

func TestOutputRunsInDryRun(t *testing.T) {
	r := runner.NewExec(log.Discard(), true)
	out, err := r.Output(context.Background(), "echo", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out)
}

func TestExitErrorCarriesStderr(t *testing.T) {
	r := runner.NewExec(log.Discard(), false)
	err := r.Run(context.Background(), "sh", "-c", "echo 'domain is not running' >&2; exit 3")

	var ee *runner.ExitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, 3, ee.Code)
	assert.Contains(t, ee.Stderr, "domain is not running")
}

func TestEnvIsPassedToChildren(t *testing.T) {
	r := runner.NewExec(log.Discard(), false)
	r.Env = []string{"GAMEVM_TEST_VALUE=42"}
	out, err := r.Output(context.Background(), "sh", "-c", "echo $GAMEVM_TEST_VALUE")
	require.NoError(t, err)
	assert.Equal(t, "42\n", out)
}

func TestTolerate(t *testing.T) {
	absent := &runner.ExitError{Cmd: "virsh destroy vm", Code: 1, Stderr: "error: Requested operation is not valid: domain is not running"}
	other := &runner.ExitError{Cmd: "virsh destroy vm", Code: 1, Stderr: "error: permission denied"}

	assert.NoError(t, runner.Tolerate(nil, "x"))
	assert.NoError(t, runner.Tolerate(absent, "domain is not running"))
	assert.Equal(t, other, runner.Tolerate(other, "domain is not running"))

	plain := errors.New("exec: not found")
	assert.Equal(t, plain, runner.Tolerate(plain, "not found"))
}

func TestBackgroundWaitTimeoutAndTerminate(t *testing.T) {
	r := runner.NewExec(log.Discard(), false)
	p, err := r.Start(context.Background(), "sleep", "30")
	require.NoError(t, err)

	err = p.Wait(50 * time.Millisecond)
	assert.True(t, apperrors.IsKind(err, apperrors.KindTimeout))
	assert.False(t, p.Exited())

	require.NoError(t, p.Terminate())
	assert.True(t, p.Exited())
}

func TestBackgroundWaitReturnsExitStatus(t *testing.T) {
	r := runner.NewExec(log.Discard(), false)
	p, err := r.Start(context.Background(), "sh", "-c", "echo boom; exit 2")
	require.NoError(t, err)

	err = p.Wait(5 * time.Second)
	var ee *runner.ExitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, 2, ee.Code)
	assert.Contains(t, ee.Stderr, "boom")
}

func TestWaitOnExitedProcessReturnsItsResult(t *testing.T) {
	r := runner.NewExec(log.Discard(), false)
	for i := 0; i < 50; i++ {
		p, err := r.Start(context.Background(), "true")
		require.NoError(t, err)
		require.Eventually(t, p.Exited, 5*time.Second, time.Millisecond)
		require.NoError(t, p.Wait(0), "attempt %d", i)
	}
}

func TestFormatCommand(t *testing.T) {
	assert.Equal(t, `virsh --connect qemu:///system dominfo vm`,
		runner.FormatCommand("virsh", "--connect", "qemu:///system", "dominfo", "vm"))
	assert.Equal(t, `virsh net-update default add ip-dhcp-host "<host mac='x'/>"`,
		runner.FormatCommand("virsh", "net-update", "default", "add", "ip-dhcp-host", "<host mac='x'/>"))
}
