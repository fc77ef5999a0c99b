package remote_test

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"
	"unicode/utf16"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/h3ow3d/gamevm/internal/errors"
	"github.com/h3ow3d/gamevm/internal/remote"
	"github.com/h3ow3d/gamevm/internal/remote/remotetest"
)

func TestSFTPPath(t *testing.T) {
	cases := map[string]string{
		`C:\GameServer\config`: "/C:/GameServer/config",
		`C:\GameServer\`:       "/C:/GameServer",
		`D:\saves\world.dat`:   "/D:/saves/world.dat",
		"/already/unix":        "/already/unix",
	}
	for in, want := range cases {
		assert.Equal(t, want, remote.SFTPPath(in), in)
	}
}

func TestJoin(t *testing.T) {
	assert.Equal(t, `C:\GameServer\config`, remote.Join(`C:\GameServer`, "config"))
	assert.Equal(t, `C:\GameServer\install.ps1`, remote.Join(`C:\GameServer\`, `\install.ps1`))
}

func TestEncodeCommandIsUTF16LEBase64(t *testing.T) {
	raw, err := base64.StdEncoding.DecodeString(remote.EncodeCommand("Get-Process 'Game'"))
	require.NoError(t, err)
	require.Equal(t, 0, len(raw)%2)

	units := make([]uint16, len(raw)/2)
	for i := range units {
		units[i] = uint16(raw[2*i]) | uint16(raw[2*i+1])<<8
	}
	assert.Equal(t, "Get-Process 'Game'", string(utf16.Decode(units)))
}

func TestQuote(t *testing.T) {
	assert.Equal(t, `'C:\Game Server'`, remote.Quote(`C:\Game Server`))
	assert.Equal(t, `'it''s'`, remote.Quote("it's"))
}

func TestIsTransient(t *testing.T) {
	cmdErr := apperrors.Wrap(&remote.CommandError{ExitStatus: 1}, apperrors.KindRemoteCommandFailed, "remote command failed")
	assert.False(t, remote.IsTransient(cmdErr))
	assert.True(t, remote.IsTransient(apperrors.New(apperrors.KindTransferFailed, "connection reset")))
	assert.False(t, remote.IsTransient(nil))
}

func TestWaitUntilReachableProceedsAtFirstSuccess(t *testing.T) {
	fake := remotetest.New(t.TempDir()).ReachableAt(3)
	start := time.Now()
	err := remote.WaitUntilReachable(context.Background(), fake, 10*time.Second, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 3, fake.Probes())
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitUntilReachableTimesOut(t *testing.T) {
	fake := remotetest.New(t.TempDir()).ReachableAt(0)
	start := time.Now()
	err := remote.WaitUntilReachable(context.Background(), fake, 2*time.Second, time.Second)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, apperrors.KindTimeout, apperrors.GetKind(err))
	assert.Contains(t, apperrors.Hint(err), "gamevm manage vnc")
	assert.InDelta(t, 2*time.Second, elapsed, float64(500*time.Millisecond))
	assert.GreaterOrEqual(t, fake.Probes(), 2)
}

func TestFakeCopyRoundTrip(t *testing.T) {
	fake := remotetest.New(t.TempDir())
	local := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(local, "world"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(local, "world", "level.dat"), []byte{0, 1, 2}, 0o644))

	ctx := context.Background()
	require.NoError(t, fake.Copy(ctx, local, `C:\GameServer\saves`, remote.Push))

	ok, err := fake.Exists(ctx, `C:\GameServer\saves\world\level.dat`)
	require.NoError(t, err)
	assert.True(t, ok)

	back := t.TempDir()
	require.NoError(t, fake.Copy(ctx, back, `C:\GameServer\saves`, remote.Pull))
	data, err := os.ReadFile(filepath.Join(back, "world", "level.dat"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2}, data)
}
