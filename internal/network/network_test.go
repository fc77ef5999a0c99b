package network_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"libvirt.org/go/libvirtxml"

	"github.com/h3ow3d/gamevm/internal/log"
	"github.com/h3ow3d/gamevm/internal/network"
	"github.com/h3ow3d/gamevm/internal/runner/runnertest"
)

const uri = "qemu:///system"

const activeInfo = `Name:           default
UUID:           4d2b8f3c-0000-0000-0000-000000000000
Active:         yes
Persistent:     yes
Autostart:      yes
Bridge:         virbr0
`

const dumpWithHost = `<network>
  <name>default</name>
  <forward mode='nat'/>
  <ip address='192.168.122.1' netmask='255.255.255.0'>
    <dhcp>
      <range start='192.168.122.100' end='192.168.122.254'/>
      <host mac='52:54:00:aa:bb:cc' name='gameserver-win' ip='192.168.122.50'/>
    </dhcp>
  </ip>
</network>`

const dumpEmpty = `<network>
  <name>default</name>
  <ip address='192.168.122.1' netmask='255.255.255.0'>
    <dhcp><range start='192.168.122.100' end='192.168.122.254'/></dhcp>
  </ip>
</network>`

func TestEnsureSkipsExistingActiveNetwork(t *testing.T) {
	fake := runnertest.New().
		On("virsh --connect "+uri+" net-info default", activeInfo, nil).
		On("virsh --connect "+uri+" net-dumpxml default", dumpEmpty, nil)

	m := network.New(fake, uri, log.Discard())
	require.NoError(t, m.Ensure(context.Background(), "default", "192.168.122.50"))

	assert.Empty(t, fake.Lines("run"), "no mutating virsh call expected")
}

func TestEnsureDefinesAndStartsMissingNetwork(t *testing.T) {
	fake := runnertest.New().Fail("virsh --connect "+uri+" net-info gamevm", "error: failed to get network 'gamevm'")

	m := network.New(fake, uri, log.Discard())
	require.NoError(t, m.Ensure(context.Background(), "gamevm", "10.20.30.40"))

	runs := fake.Lines("run")
	require.Len(t, runs, 3)
	assert.True(t, strings.HasPrefix(runs[0], "virsh --connect "+uri+" net-define "))
	assert.Equal(t, "virsh --connect "+uri+" net-start gamevm", runs[1])
	assert.Equal(t, "virsh --connect "+uri+" net-autostart gamevm", runs[2])
}

func TestDefinitionXML(t *testing.T) {
	out, err := network.DefinitionXML("gamevm", "10.20.30.40")
	require.NoError(t, err)

	var def libvirtxml.Network
	require.NoError(t, def.Unmarshal(out))
	assert.Equal(t, "nat", def.Forward.Mode)
	require.Len(t, def.IPs, 1)
	assert.Equal(t, "10.20.30.1", def.IPs[0].Address)
	require.Len(t, def.IPs[0].DHCP.Ranges, 1)
	assert.Equal(t, "10.20.30.100", def.IPs[0].DHCP.Ranges[0].Start)
	assert.Equal(t, "10.20.30.254", def.IPs[0].DHCP.Ranges[0].End)

	_, err = network.DefinitionXML("gamevm", "not-an-ip")
	assert.Error(t, err)
}

func TestHostXML(t *testing.T) {
	out, err := network.HostXML(network.Host{MAC: "52:54:00:aa:bb:cc", Name: "vm", IP: "192.168.122.50"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "<host "), out)
	assert.Contains(t, out, `mac="52:54:00:aa:bb:cc"`)
	assert.Contains(t, out, `name="vm"`)
	assert.Contains(t, out, `ip="192.168.122.50"`)
}

func TestAddHostSkipsIdenticalEntry(t *testing.T) {
	fake := runnertest.New().On("virsh --connect "+uri+" net-dumpxml default", dumpWithHost, nil)
	m := network.New(fake, uri, log.Discard())

	err := m.AddHost(context.Background(), "default", network.Host{MAC: "52:54:00:AA:BB:CC", Name: "gameserver-win", IP: "192.168.122.50"})
	require.NoError(t, err)
	assert.Empty(t, fake.Lines("run"))
}

func TestAddHostReplacesConflictingEntry(t *testing.T) {
	fake := runnertest.New().On("virsh --connect "+uri+" net-dumpxml default", dumpWithHost, nil)
	m := network.New(fake, uri, log.Discard())

	err := m.AddHost(context.Background(), "default", network.Host{MAC: "52:54:00:aa:bb:cc", Name: "gameserver-win", IP: "192.168.122.60"})
	require.NoError(t, err)

	runs := fake.Lines("run")
	require.Len(t, runs, 2)
	assert.Contains(t, runs[0], "net-update default delete ip-dhcp-host")
	assert.Contains(t, runs[0], `ip="192.168.122.50"`)
	assert.Contains(t, runs[1], "net-update default add ip-dhcp-host")
	assert.Contains(t, runs[1], `ip="192.168.122.60"`)
	assert.True(t, strings.HasSuffix(runs[1], "--live --config"))
}

func TestRemoveHost(t *testing.T) {
	fake := runnertest.New().On("virsh --connect "+uri+" net-dumpxml default", dumpWithHost, nil)
	m := network.New(fake, uri, log.Discard())

	require.NoError(t, m.RemoveHost(context.Background(), "default", network.Host{MAC: "52:54:00:aa:bb:cc"}))
	assert.Equal(t, 1, fake.Count("virsh --connect "+uri+" net-update default delete"))

	require.NoError(t, m.RemoveHost(context.Background(), "default", network.Host{MAC: "52:54:00:00:00:01"}))
	assert.Equal(t, 1, fake.Count("virsh --connect "+uri+" net-update default delete"))
}
