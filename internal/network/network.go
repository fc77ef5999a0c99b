// Package network manages the libvirt NAT network and the VM's static DHCP lease
// via virsh.
package network

import (
	"context"
	"encoding/xml"
	"fmt"
	"net"
	"os"
	"strings"

	"libvirt.org/go/libvirtxml"

	apperrors "github.com/h3ow3d/gamevm/internal/errors"
	"github.com/h3ow3d/gamevm/internal/log"
	"github.com/h3ow3d/gamevm/internal/runner"
)

// Host is a static DHCP lease.
type Host struct {
	MAC  string
	Name string
	IP   string
}

// Manager drives virsh net-* commands.
type Manager struct {
	run runner.Runner
	uri string
	log *log.Logger
}

// New returns a Manager talking to the libvirt daemon at uri.
func New(r runner.Runner, uri string, l *log.Logger) *Manager {
	return &Manager{run: r, uri: uri, log: l}
}

// Ensure defines the NAT network when it is unknown to libvirt, starts it when
// inactive and marks it autostart. vmIP picks the /24 subnet of a newly defined
// network: gateway .1, DHCP range .100-.254.
func (m *Manager) Ensure(ctx context.Context, name, vmIP string) error {
	info, defined := m.info(ctx, name)
	if defined {
		m.log.Skip(fmt.Sprintf("Network %s already defined", name))
	} else {
		m.log.Info(fmt.Sprintf("Defining network %s", name))
		def, err := DefinitionXML(name, vmIP)
		if err != nil {
			return err
		}
		if err := m.define(ctx, def); err != nil {
			return apperrors.Wrapf(err, apperrors.KindInternal, "define network %s", name)
		}
	}

	if info["Active"] == "yes" {
		m.log.Skip(fmt.Sprintf("Network %s already active", name))
	} else {
		m.log.Info(fmt.Sprintf("Starting network %s", name))
		if err := m.virsh(ctx, "net-start", name); err != nil {
			return apperrors.Wrapf(err, apperrors.KindInternal, "start network %s", name)
		}
	}

	if info["Autostart"] != "yes" {
		if err := m.virsh(ctx, "net-autostart", name); err != nil {
			return apperrors.Wrapf(err, apperrors.KindInternal, "autostart network %s", name)
		}
	}

	if defined {
		m.checkSubnet(ctx, name, vmIP)
	}
	m.log.Ok(fmt.Sprintf("Network %s ready", name))
	return nil
}

// checkSubnet warns when an existing network does not serve vmIP.
func (m *Manager) checkSubnet(ctx context.Context, name, vmIP string) {
	def, err := m.dump(ctx, name)
	if err != nil {
		return
	}
	ip := net.ParseIP(vmIP)
	for _, nip := range def.IPs {
		if nip.Family != "" && nip.Family != "ipv4" {
			continue
		}
		mask := net.IPMask(net.ParseIP(nip.Netmask).To4())
		if nip.Prefix > 0 {
			mask = net.CIDRMask(int(nip.Prefix), 32)
		}
		if (&net.IPNet{IP: net.ParseIP(nip.Address).Mask(mask), Mask: mask}).Contains(ip) {
			return
		}
	}
	m.log.Warn(fmt.Sprintf("VM_IP %s is outside every subnet of network %s", vmIP, name))
}

// DefinitionXML renders the libvirt definition of a NAT network serving vmIP.
func DefinitionXML(name, vmIP string) (string, error) {
	ip := net.ParseIP(vmIP).To4()
	if ip == nil {
		return "", apperrors.Errorf(apperrors.KindConfigInvalid, "VM_IP %q is not an IPv4 address", vmIP)
	}
	prefix := fmt.Sprintf("%d.%d.%d.", ip[0], ip[1], ip[2])

	def := &libvirtxml.Network{
		Name:    name,
		Forward: &libvirtxml.NetworkForward{Mode: "nat"},
		Bridge:  &libvirtxml.NetworkBridge{STP: "on"},
		IPs: []libvirtxml.NetworkIP{
			{
				Address: prefix + "1",
				Netmask: "255.255.255.0",
				DHCP: &libvirtxml.NetworkDHCP{
					Ranges: []libvirtxml.NetworkDHCPRange{
						{Start: prefix + "100", End: prefix + "254"},
					},
				},
			},
		},
	}
	out, err := def.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal network XML: %w", err)
	}
	return out, nil
}

func (m *Manager) define(ctx context.Context, def string) error {
	tmp, err := os.CreateTemp("", "gamevm-net-*.xml")
	if err != nil {
		return fmt.Errorf("create temp network XML: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.WriteString(def); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp network XML: %w", err)
	}
	tmp.Close()

	return m.virsh(ctx, "net-define", tmpPath)
}

// Hosts returns the static DHCP leases of network name.
func (m *Manager) Hosts(ctx context.Context, name string) ([]Host, error) {
	def, err := m.dump(ctx, name)
	if err != nil {
		return nil, err
	}
	var hosts []Host
	for _, nip := range def.IPs {
		if nip.DHCP == nil {
			continue
		}
		for _, h := range nip.DHCP.Hosts {
			hosts = append(hosts, Host{MAC: strings.ToLower(h.MAC), Name: h.Name, IP: h.IP})
		}
	}
	return hosts, nil
}

// AddHost registers h as a static lease. An identical entry is left alone and a
// conflicting one (same MAC, name or IP) is replaced.
func (m *Manager) AddHost(ctx context.Context, name string, h Host) error {
	h.MAC = strings.ToLower(h.MAC)
	existing, err := m.Hosts(ctx, name)
	if err != nil {
		return err
	}
	for _, e := range existing {
		if e == h {
			m.log.Skip(fmt.Sprintf("Static lease %s -> %s already present", h.MAC, h.IP))
			return nil
		}
	}
	for _, e := range existing {
		if e.MAC == h.MAC || e.Name == h.Name || e.IP == h.IP {
			if err := m.updateHost(ctx, name, "delete", e); err != nil {
				return err
			}
		}
	}

	m.log.Info(fmt.Sprintf("Adding static lease %s -> %s", h.MAC, h.IP))
	return m.updateHost(ctx, name, "add", h)
}

// RemoveHost deletes the static lease for h if present.
func (m *Manager) RemoveHost(ctx context.Context, name string, h Host) error {
	h.MAC = strings.ToLower(h.MAC)
	existing, err := m.Hosts(ctx, name)
	if err != nil {
		return err
	}
	for _, e := range existing {
		if e.MAC == h.MAC {
			return m.updateHost(ctx, name, "delete", e)
		}
	}
	return nil
}

func (m *Manager) updateHost(ctx context.Context, name, op string, h Host) error {
	entry, err := HostXML(h)
	if err != nil {
		return err
	}
	err = m.virsh(ctx, "net-update", name, op, "ip-dhcp-host", entry, "--live", "--config")
	if err != nil {
		return apperrors.Wrapf(err, apperrors.KindInternal, "%s static lease %s", op, h.MAC)
	}
	return nil
}

// HostXML renders the <host mac name ip/> element used by net-update.
func HostXML(h Host) (string, error) {
	var b strings.Builder
	start := xml.StartElement{Name: xml.Name{Local: "host"}}
	entry := libvirtxml.NetworkDHCPHost{MAC: h.MAC, Name: h.Name, IP: h.IP}
	if err := xml.NewEncoder(&b).EncodeElement(entry, start); err != nil {
		return "", fmt.Errorf("marshal host entry: %w", err)
	}
	return b.String(), nil
}

func (m *Manager) dump(ctx context.Context, name string) (*libvirtxml.Network, error) {
	out, err := m.run.Output(ctx, "virsh", "--connect", m.uri, "net-dumpxml", name)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.KindInternal, "read network %s", name)
	}
	var def libvirtxml.Network
	if err := def.Unmarshal(out); err != nil {
		return nil, fmt.Errorf("parse network %s XML: %w", name, err)
	}
	return &def, nil
}

// info returns the key/value lines of net-info and whether the network exists.
func (m *Manager) info(ctx context.Context, name string) (map[string]string, bool) {
	out, err := m.run.Output(ctx, "virsh", "--connect", m.uri, "net-info", name)
	if err != nil {
		return map[string]string{}, false
	}
	fields := map[string]string{}
	for _, line := range strings.Split(out, "\n") {
		k, v, ok := strings.Cut(line, ":")
		if ok {
			fields[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return fields, true
}

func (m *Manager) virsh(ctx context.Context, args ...string) error {
	return m.run.Run(ctx, "virsh", append([]string{"--connect", m.uri}, args...)...)
}
