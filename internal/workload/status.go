package workload

import (
	"context"
	"fmt"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"github.com/h3ow3d/gamevm/internal/forward"
)

// Unknown is reported for anything that could not be determined.
const Unknown = "unknown"

// Report is the output of manage status.
type Report struct {
	VM         string          `json:"vm" yaml:"vm"`
	Power      string          `json:"power" yaml:"power"`
	Reachable  bool            `json:"reachable" yaml:"reachable"`
	Supervisor string          `json:"supervisor" yaml:"supervisor"`
	Workload   string          `json:"workload" yaml:"workload"`
	Ping       string          `json:"ping" yaml:"ping"`
	Forwards   []ForwardReport `json:"forwards" yaml:"forwards"`
}

// ForwardReport is one port forward in a Report.
type ForwardReport struct {
	Rule   string `json:"rule" yaml:"rule"`
	Active bool   `json:"active" yaml:"active"`
}

// PowerSource reports the hypervisor state of a VM.
type PowerSource interface {
	State(ctx context.Context, name string) string
}

// ForwardSource reports port forward presence.
type ForwardSource interface {
	Status(ctx context.Context) []forward.Status
}

// PingFunc measures the round trip to ip.
type PingFunc func(ctx context.Context, ip string) (time.Duration, error)

// Sources feeds Status with the host-side view of the VM.
type Sources struct {
	VMName   string
	VMIP     string
	Power    PowerSource
	Forwards ForwardSource // optional
	Ping     PingFunc      // optional
}

// Status assembles a Report. Process fields are Unknown when the VM cannot be
// reached; nothing in it is fatal.
func (m *Manager) Status(ctx context.Context, src Sources) Report {
	r := Report{
		VM:         src.VMName,
		Power:      src.Power.State(ctx, src.VMName),
		Supervisor: Unknown,
		Workload:   Unknown,
		Ping:       Unknown,
	}

	if r.Power == "running" {
		r.Reachable = m.client.IsReachable(ctx)
	}
	if r.Reachable {
		r.Workload = m.processState(ctx, m.s.WorkloadProcess)
		if m.s.SupervisorProcess != "" {
			r.Supervisor = m.processState(ctx, m.s.SupervisorProcess)
		}
	}

	if src.Ping != nil && r.Power == "running" {
		if rtt, err := src.Ping(ctx, src.VMIP); err == nil {
			r.Ping = rtt.Round(10 * time.Microsecond).String()
		} else {
			m.log.Debug(fmt.Sprintf("ping %s: %v", src.VMIP, err))
		}
	}

	if src.Forwards != nil {
		for _, s := range src.Forwards.Status(ctx) {
			r.Forwards = append(r.Forwards, ForwardReport{Rule: s.Rule.String(), Active: s.Active})
		}
	}
	return r
}

func (m *Manager) processState(ctx context.Context, name string) string {
	ok, err := m.IsRunning(ctx, name)
	switch {
	case err != nil:
		return Unknown
	case ok:
		return "running"
	default:
		return "stopped"
	}
}

// Ping sends one unprivileged ICMP echo to ip.
func Ping(ctx context.Context, ip string) (time.Duration, error) {
	pinger, err := probing.NewPinger(ip)
	if err != nil {
		return 0, fmt.Errorf("create pinger: %w", err)
	}
	pinger.Count = 1
	pinger.Timeout = time.Second
	pinger.SetPrivileged(false)

	if err := pinger.RunWithContext(ctx); err != nil {
		return 0, err
	}
	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return 0, fmt.Errorf("no reply from %s", ip)
	}
	return stats.AvgRtt, nil
}
