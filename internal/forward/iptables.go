package forward

import (
	"context"
	"strconv"

	"github.com/h3ow3d/gamevm/internal/runner"
)

// absentPhrases are the iptables -C messages that mean "no such rule".
var absentPhrases = []string{"Bad rule", "No chain/target/match by that name", "does a matching rule exist"}

// IPTables forwards with a nat PREROUTING DNAT rule and a FORWARD ACCEPT rule.
type IPTables struct {
	run runner.Runner
}

// NewIPTables returns the iptables backend.
func NewIPTables(r runner.Runner) *IPTables {
	return &IPTables{run: r}
}

func (*IPTables) Name() string { return "iptables" }

type ruleSpec struct {
	table string
	chain string
	match []string
	// insert puts the rule at the head of the chain, ahead of libvirt's
	// reject rules for the NAT network.
	insert bool
}

func ruleSpecs(r Rule) []ruleSpec {
	port := strconv.Itoa(r.Port)
	dnat := []string{}
	if r.Interface != "" {
		dnat = append(dnat, "-i", r.Interface)
	}
	dnat = append(dnat, "-p", r.Proto, "--dport", port, "-j", "DNAT", "--to-destination", r.DestIP+":"+port)
	accept := []string{"-p", r.Proto, "-d", r.DestIP, "--dport", port, "-j", "ACCEPT"}
	return []ruleSpec{
		{table: "nat", chain: "PREROUTING", match: dnat},
		{table: "filter", chain: "FORWARD", match: accept, insert: true},
	}
}

func (s ruleSpec) args(op string) []string {
	args := []string{"-t", s.table, op, s.chain}
	if op == "-I" {
		args = append(args, "1")
	}
	return append(args, s.match...)
}

// present runs iptables -C. Check commands execute even in dry-run.
func (b *IPTables) present(ctx context.Context, s ruleSpec) (bool, error) {
	_, err := b.run.Output(ctx, "iptables", s.args("-C")...)
	if err == nil {
		return true, nil
	}
	return false, runner.Tolerate(err, absentPhrases...)
}

// Exists reports whether both halves of the forward are installed.
func (b *IPTables) Exists(ctx context.Context, r Rule) (bool, error) {
	for _, s := range ruleSpecs(r) {
		ok, err := b.present(ctx, s)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// Add installs whichever half of the forward is missing.
func (b *IPTables) Add(ctx context.Context, r Rule) error {
	for _, s := range ruleSpecs(r) {
		ok, err := b.present(ctx, s)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		op := "-A"
		if s.insert {
			op = "-I"
		}
		if err := b.run.Run(ctx, "iptables", s.args(op)...); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes whichever half of the forward is present.
func (b *IPTables) Delete(ctx context.Context, r Rule) error {
	for _, s := range ruleSpecs(r) {
		ok, err := b.present(ctx, s)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := b.run.Run(ctx, "iptables", s.args("-D")...); err != nil {
			return err
		}
	}
	return nil
}
