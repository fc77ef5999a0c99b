// Package forward publishes the workload ports on the host by forwarding them to
// the VM's private address.
package forward

import (
	"context"
	"fmt"

	apperrors "github.com/h3ow3d/gamevm/internal/errors"
	"github.com/h3ow3d/gamevm/internal/log"
	"github.com/h3ow3d/gamevm/internal/runner"
)

// Rule forwards one host port to the same port on DestIP.
type Rule struct {
	Proto     string // "tcp" or "udp"
	Port      int
	DestIP    string
	Interface string // inbound interface; empty matches all
}

func (r Rule) String() string {
	return fmt.Sprintf("%s/%d -> %s:%d", r.Proto, r.Port, r.DestIP, r.Port)
}

// Rules returns the game port (tcp and udp) and web port (tcp) forwards.
func Rules(vmIP, iface string, gamePort, webPort int) []Rule {
	return []Rule{
		{Proto: "tcp", Port: gamePort, DestIP: vmIP, Interface: iface},
		{Proto: "udp", Port: gamePort, DestIP: vmIP, Interface: iface},
		{Proto: "tcp", Port: webPort, DestIP: vmIP, Interface: iface},
	}
}

// Backend manipulates one rule in the host firewall.
type Backend interface {
	Name() string
	Exists(ctx context.Context, r Rule) (bool, error)
	Add(ctx context.Context, r Rule) error
	Delete(ctx context.Context, r Rule) error
}

// NewBackend returns the backend named by FORWARD_BACKEND.
func NewBackend(name string, r runner.Runner, dryRun bool, l *log.Logger) (Backend, error) {
	switch name {
	case "", "iptables":
		return NewIPTables(r), nil
	case "nftables":
		nft, err := NewNFTables(dryRun, l)
		if err != nil {
			return nil, err
		}
		return nft, nil
	default:
		return nil, apperrors.Errorf(apperrors.KindConfigInvalid, "unknown forward backend %q", name)
	}
}

// Status is the presence of one rule.
type Status struct {
	Rule   Rule
	Active bool
}

// Forwarder keeps a fixed rule set present or absent.
type Forwarder struct {
	backend Backend
	rules   []Rule
	log     *log.Logger
}

// New returns a Forwarder for rules.
func New(b Backend, rules []Rule, l *log.Logger) *Forwarder {
	return &Forwarder{backend: b, rules: rules, log: l}
}

// Ensure adds every rule that is not already present.
func (f *Forwarder) Ensure(ctx context.Context) error {
	for _, r := range f.rules {
		ok, err := f.backend.Exists(ctx, r)
		if err != nil {
			return f.fail(err, "check", r)
		}
		if ok {
			f.log.Skip("Port forward " + r.String() + " already present")
			continue
		}
		if err := f.backend.Add(ctx, r); err != nil {
			return f.fail(err, "add", r)
		}
		f.log.Ok("Port forward " + r.String())
	}
	return nil
}

// Remove deletes every rule that is present.
func (f *Forwarder) Remove(ctx context.Context) error {
	for _, r := range f.rules {
		ok, err := f.backend.Exists(ctx, r)
		if err != nil {
			return f.fail(err, "check", r)
		}
		if !ok {
			f.log.Skip("Port forward " + r.String() + " not present")
			continue
		}
		if err := f.backend.Delete(ctx, r); err != nil {
			return f.fail(err, "delete", r)
		}
		f.log.Ok("Port forward " + r.String() + " removed")
	}
	return nil
}

// Status reports each rule's presence. A rule that cannot be checked is
// reported inactive.
func (f *Forwarder) Status(ctx context.Context) []Status {
	out := make([]Status, 0, len(f.rules))
	for _, r := range f.rules {
		ok, err := f.backend.Exists(ctx, r)
		if err != nil {
			f.log.Debug(fmt.Sprintf("check %s: %v", r, err))
		}
		out = append(out, Status{Rule: r, Active: ok && err == nil})
	}
	return out
}

func (f *Forwarder) fail(err error, op string, r Rule) error {
	return &apperrors.Error{
		Kind:        apperrors.KindPrerequisiteUnmet,
		Message:     fmt.Sprintf("%s %s port forward %s", op, f.backend.Name(), r),
		Remediation: "port forwarding needs root; re-run with sudo",
		Underlying:  err,
	}
}
