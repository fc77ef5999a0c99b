package log_test

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h3ow3d/gamevm/internal/log"
)

func TestConsolePrefixes(t *testing.T) {
	var out, errOut bytes.Buffer
	l := log.New(&out, &errOut)

	l.Info("defining network")
	l.Ok("network ready")
	l.Skip("network already active")
	l.Warn("lease already present")
	l.Error("virt-install failed")

	assert.Equal(t, "[+] defining network\n[✓] network ready\n[=] network already active\n", out.String())
	assert.Equal(t, "[~] lease already present\n[!] virt-install failed\n", errOut.String())
}

func TestDebugOnlyWhenVerbose(t *testing.T) {
	var out bytes.Buffer
	l := log.New(&out, &out)

	l.Debug("virsh dominfo gamevm")
	assert.Empty(t, out.String())

	l.SetVerbose(true)
	l.Debug("virsh dominfo gamevm")
	assert.Equal(t, "[.] virsh dominfo gamevm\n", out.String())
}

func TestRunLogMirrorsEvents(t *testing.T) {
	var out, events bytes.Buffer
	l := log.New(&out, &out)
	l.AttachRunLog(&events, "abc123")

	l.Component("vm").Ok("VM created")

	var ev map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(events.Bytes()), &ev))
	assert.Equal(t, "VM created", ev["message"])
	assert.Equal(t, "vm", ev["component"])
	assert.Equal(t, "abc123", ev["run_id"])
	assert.Equal(t, true, ev["ok"])
}

func TestOpenRunLogRetainsNewest(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	var paths []string
	for i := 0; i < 5; i++ {
		rl, err := log.OpenRunLog(dir, 3, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		require.NoError(t, rl.Close())
		paths = append(paths, rl.Path)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	for _, p := range paths[:2] {
		assert.NoFileExists(t, p)
	}
	for _, p := range paths[2:] {
		assert.FileExists(t, p)
	}
}

func TestPruneIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("keep"), 0o644))
	for _, ts := range []string{"20260101T000000Z", "20260102T000000Z"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "run-"+ts+"-deadbeef.log"), nil, 0o644))
	}

	require.NoError(t, log.Prune(dir, 1))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"notes.txt", "run-20260102T000000Z-deadbeef.log"}, names)
	assert.False(t, strings.Contains(strings.Join(names, ","), "20260101"))
}
