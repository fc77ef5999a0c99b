// Package metrics records per-invocation step timings and outcome, and writes
// them in the node_exporter textfile format.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Run collects the metrics of one gamevm invocation.
type Run struct {
	path     string
	registry *prometheus.Registry
	now      func() time.Time

	stepDuration *prometheus.GaugeVec
	success      prometheus.Gauge
	timestamp    prometheus.Gauge
}

// New returns a Run that writes to path on Finish. An empty path disables the
// write but still records.
func New(path string) *Run {
	r := &Run{
		path:     path,
		registry: prometheus.NewRegistry(),
		now:      time.Now,
		stepDuration: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gamevm_step_duration_seconds",
				Help: "Duration of each step of the last gamevm run",
			},
			[]string{"step"},
		),
		success: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gamevm_run_success",
				Help: "Whether the last gamevm run succeeded (1) or failed (0)",
			},
		),
		timestamp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gamevm_run_timestamp_seconds",
				Help: "Unix time the last gamevm run finished",
			},
		),
	}
	r.registry.MustRegister(r.stepDuration, r.success, r.timestamp)
	return r
}

// Observe records the duration of step.
func (r *Run) Observe(step string, d time.Duration) {
	r.stepDuration.WithLabelValues(step).Set(d.Seconds())
}

// Time starts timing step; call the returned func when it ends.
func (r *Run) Time(step string) func() {
	start := r.now()
	return func() { r.Observe(step, r.now().Sub(start)) }
}

// Gatherer exposes the registry.
func (r *Run) Gatherer() prometheus.Gatherer { return r.registry }

// Finish records the outcome and writes the textfile when a path is set.
func (r *Run) Finish(runErr error) error {
	if runErr == nil {
		r.success.Set(1)
	} else {
		r.success.Set(0)
	}
	r.timestamp.Set(float64(r.now().Unix()))
	if r.path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(r.path, r.registry)
}
