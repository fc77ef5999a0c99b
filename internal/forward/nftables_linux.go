//go:build linux

package forward

import (
	"context"
	"fmt"
	"net"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"

	apperrors "github.com/h3ow3d/gamevm/internal/errors"
	"github.com/h3ow3d/gamevm/internal/log"
)

const (
	tableName   = "gamevm"
	natChain    = "prerouting"
	filterChain = "forward"
	tagPrefix   = "gamevm:"
)

// nftConn is the subset of *nftables.Conn the backend uses.
type nftConn interface {
	ListTables() ([]*nftables.Table, error)
	AddTable(t *nftables.Table) *nftables.Table
	AddChain(c *nftables.Chain) *nftables.Chain
	AddRule(r *nftables.Rule) *nftables.Rule
	DelRule(r *nftables.Rule) error
	GetRules(t *nftables.Table, c *nftables.Chain) ([]*nftables.Rule, error)
	Flush() error
}

// NFTables forwards with rules in a dedicated "ip gamevm" table. Each rule
// carries a user-data tag naming the forward it belongs to.
type NFTables struct {
	conn   nftConn
	dryRun bool
	log    *log.Logger

	table  *nftables.Table
	nat    *nftables.Chain
	filter *nftables.Chain
}

// NewNFTables opens a netlink connection to nf_tables.
func NewNFTables(dryRun bool, l *log.Logger) (*NFTables, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindPrerequisiteUnmet, "open nftables netlink connection")
	}
	return newNFTables(conn, dryRun, l), nil
}

func newNFTables(conn nftConn, dryRun bool, l *log.Logger) *NFTables {
	table := &nftables.Table{Family: nftables.TableFamilyIPv4, Name: tableName}
	return &NFTables{
		conn:   conn,
		dryRun: dryRun,
		log:    l,
		table:  table,
		nat: &nftables.Chain{
			Name:     natChain,
			Table:    table,
			Type:     nftables.ChainTypeNAT,
			Hooknum:  nftables.ChainHookPrerouting,
			Priority: nftables.ChainPriorityNATDest,
		},
		filter: &nftables.Chain{
			Name:     filterChain,
			Table:    table,
			Type:     nftables.ChainTypeFilter,
			Hooknum:  nftables.ChainHookForward,
			Priority: nftables.ChainPriorityFilter,
		},
	}
}

func (*NFTables) Name() string { return "nftables" }

func tag(r Rule) []byte {
	return []byte(fmt.Sprintf("%s%s/%d>%s", tagPrefix, r.Proto, r.Port, r.DestIP))
}

func (b *NFTables) tableExists() (bool, error) {
	tables, err := b.conn.ListTables()
	if err != nil {
		return false, err
	}
	for _, t := range tables {
		if t.Name == tableName && t.Family == nftables.TableFamilyIPv4 {
			return true, nil
		}
	}
	return false, nil
}

// tagged returns the rules in chain carrying r's tag.
func (b *NFTables) tagged(chain *nftables.Chain, r Rule) ([]*nftables.Rule, error) {
	rules, err := b.conn.GetRules(b.table, chain)
	if err != nil {
		return nil, err
	}
	want := string(tag(r))
	var out []*nftables.Rule
	for _, rule := range rules {
		if string(rule.UserData) == want {
			out = append(out, rule)
		}
	}
	return out, nil
}

// Exists reports whether the DNAT rule for r is installed.
func (b *NFTables) Exists(_ context.Context, r Rule) (bool, error) {
	ok, err := b.tableExists()
	if err != nil || !ok {
		return false, err
	}
	rules, err := b.tagged(b.nat, r)
	if err != nil {
		return false, err
	}
	return len(rules) > 0, nil
}

// Add installs the DNAT and accept rules for r, creating the table and chains
// as needed.
func (b *NFTables) Add(_ context.Context, r Rule) error {
	if b.dryRun {
		b.log.Info(fmt.Sprintf("[dry-run] nft add rule ip %s %s %s", tableName, natChain, r))
		return nil
	}
	dest := net.ParseIP(r.DestIP).To4()
	if dest == nil {
		return apperrors.Errorf(apperrors.KindConfigInvalid, "forward destination %q is not an IPv4 address", r.DestIP)
	}

	b.conn.AddTable(b.table)
	b.conn.AddChain(b.nat)
	b.conn.AddChain(b.filter)

	dnat := append(match(r), []expr.Any{
		&expr.Immediate{Register: 1, Data: dest},
		&expr.Immediate{Register: 2, Data: binaryutil.BigEndian.PutUint16(uint16(r.Port))},
		&expr.NAT{
			Type:        expr.NATTypeDestNAT,
			Family:      unix.NFPROTO_IPV4,
			RegAddrMin:  1,
			RegProtoMin: 2,
		},
	}...)
	b.conn.AddRule(&nftables.Rule{Table: b.table, Chain: b.nat, Exprs: dnat, UserData: tag(r)})

	accept := []expr.Any{
		// ip daddr
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 16, Len: 4},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: dest},
	}
	accept = append(accept, protoPort(r)...)
	accept = append(accept, &expr.Verdict{Kind: expr.VerdictAccept})
	b.conn.AddRule(&nftables.Rule{Table: b.table, Chain: b.filter, Exprs: accept, UserData: tag(r)})

	return b.conn.Flush()
}

// Delete removes every rule tagged for r from both chains.
func (b *NFTables) Delete(_ context.Context, r Rule) error {
	if b.dryRun {
		b.log.Info(fmt.Sprintf("[dry-run] nft delete rules tagged %s", tag(r)))
		return nil
	}
	for _, chain := range []*nftables.Chain{b.nat, b.filter} {
		rules, err := b.tagged(chain, r)
		if err != nil {
			return err
		}
		for _, rule := range rules {
			if err := b.conn.DelRule(&nftables.Rule{Table: b.table, Chain: chain, Handle: rule.Handle}); err != nil {
				return err
			}
		}
	}
	return b.conn.Flush()
}

// match builds the optional iifname check followed by the protocol and port.
func match(r Rule) []expr.Any {
	var exprs []expr.Any
	if r.Interface != "" {
		exprs = append(exprs,
			&expr.Meta{Key: expr.MetaKeyIIFNAME, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifname(r.Interface)},
		)
	}
	return append(exprs, protoPort(r)...)
}

func protoPort(r Rule) []expr.Any {
	proto := byte(unix.IPPROTO_TCP)
	if r.Proto == "udp" {
		proto = unix.IPPROTO_UDP
	}
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{proto}},
		// th dport
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseTransportHeader, Offset: 2, Len: 2},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.BigEndian.PutUint16(uint16(r.Port))},
	}
}

// ifname pads an interface name to IFNAMSIZ with a trailing NUL.
func ifname(n string) []byte {
	b := make([]byte, unix.IFNAMSIZ)
	copy(b, n+"\x00")
	return b
}
