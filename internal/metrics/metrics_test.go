package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFinishWritesTextfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gamevm.prom")
	r := New(path)
	r.now = func() time.Time { return time.Unix(1700000000, 0) }

	r.Observe("sync", 1500*time.Millisecond)
	require.NoError(t, r.Finish(nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `gamevm_step_duration_seconds{step="sync"} 1.5`)
	assert.Contains(t, text, "gamevm_run_success 1")
	assert.Contains(t, text, "gamevm_run_timestamp_seconds 1.7e+09")
}

func TestFinishFailure(t *testing.T) {
	r := New("")
	require.NoError(t, r.Finish(errors.New("boom")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.success))
}

func TestTime(t *testing.T) {
	r := New("")
	clock := time.Unix(0, 0)
	r.now = func() time.Time { return clock }

	done := r.Time("creating_vm")
	clock = clock.Add(3 * time.Second)
	done()

	assert.Equal(t, 3.0, testutil.ToFloat64(r.stepDuration.WithLabelValues("creating_vm")))
	n, err := testutil.GatherAndCount(r.Gatherer(), "gamevm_step_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
