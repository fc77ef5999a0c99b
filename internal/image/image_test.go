package image_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/h3ow3d/gamevm/internal/errors"
	"github.com/h3ow3d/gamevm/internal/image"
	"github.com/h3ow3d/gamevm/internal/log"
)

func TestEnsureDriverISODownloadsOnce(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("iso-bytes"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := image.NewFetcher(log.Discard(), false)

	path, err := f.EnsureDriverISO(context.Background(), srv.URL, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, image.DriverISOName), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "iso-bytes", string(data))

	_, err = f.EnsureDriverISO(context.Background(), srv.URL, dir)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestEnsureDriverISOFailureLeavesNoFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	dir := t.TempDir()
	_, err := image.NewFetcher(log.Discard(), false).EnsureDriverISO(context.Background(), srv.URL, dir)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindTransferFailed, apperrors.GetKind(err))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEnsureDriverISODryRun(t *testing.T) {
	dir := t.TempDir()
	path, err := image.NewFetcher(log.Discard(), true).EnsureDriverISO(context.Background(), "http://invalid.test/x.iso", dir)
	require.NoError(t, err)
	assert.NoFileExists(t, path)
}

func TestCandidatesOrder(t *testing.T) {
	got := image.Candidates("/flag.iso", "/setting.iso", "/var/lib/libvirt/images", "/home/op")
	assert.Equal(t, []string{
		"/flag.iso",
		"/setting.iso",
		"/var/lib/libvirt/images/windows.iso",
		"/home/op/Downloads/windows.iso",
		"windows.iso",
	}, got)

	assert.Equal(t, "/img/windows.iso", image.Candidates("", "", "/img", "")[0])
}

func TestLocateBaseISO(t *testing.T) {
	dir := t.TempDir()
	second := filepath.Join(dir, "second.iso")
	require.NoError(t, os.WriteFile(second, []byte("x"), 0o644))

	got, err := image.LocateBaseISO([]string{filepath.Join(dir, "first.iso"), second, dir})
	require.NoError(t, err)
	assert.Equal(t, second, got)

	_, err = image.LocateBaseISO([]string{filepath.Join(dir, "nope.iso"), dir})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindPrerequisiteUnmet, apperrors.GetKind(err))
	assert.Contains(t, apperrors.Hint(err), "--image")
}
