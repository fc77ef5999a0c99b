// Package vm creates, controls and destroys the libvirt domain running the game
// server.
package vm

import (
	"context"
	"crypto/sha256"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"libvirt.org/go/libvirtxml"

	"github.com/h3ow3d/gamevm/internal/config"
	apperrors "github.com/h3ow3d/gamevm/internal/errors"
	"github.com/h3ow3d/gamevm/internal/log"
	"github.com/h3ow3d/gamevm/internal/network"
	"github.com/h3ow3d/gamevm/internal/runner"
	"github.com/h3ow3d/gamevm/internal/wait"
)

// Phrases virsh prints when the domain is already in the requested state.
var (
	notRunning = []string{"domain is not running", "not running"}
	notFound   = []string{"failed to get domain", "domain not found"}
)

// Descriptor holds everything needed to create the VM. It is built once and
// never updated in place.
type Descriptor struct {
	Name      string
	RAM       int // MiB
	CPUs      int
	DiskSize  int // GiB
	IP        string
	MAC       string
	OSVariant string
	Network   string
	DiskPath  string
	BaseISO   string
	DriverISO string
	MediaISO  string
}

// NewDescriptor builds the descriptor for cfg with the given install images.
func NewDescriptor(cfg *config.Config, baseISO, driverISO, mediaISO string) Descriptor {
	return Descriptor{
		Name:      cfg.VMName,
		RAM:       cfg.RAM,
		CPUs:      cfg.CPUs,
		DiskSize:  cfg.DiskSize,
		IP:        cfg.VMIP,
		MAC:       DeriveMAC(cfg.VMName),
		OSVariant: cfg.OSVariant,
		Network:   cfg.NetworkName,
		DiskPath:  DiskPath(cfg.ImagesDir, cfg.VMName),
		BaseISO:   baseISO,
		DriverISO: driverISO,
		MediaISO:  mediaISO,
	}
}

// DiskPath is where the VM's system disk lives.
func DiskPath(imagesDir, name string) string {
	return filepath.Join(imagesDir, name+".qcow2")
}

// DeriveMAC returns a stable locally administered MAC in the QEMU OUI for name:
// 52:54:00 followed by the first three bytes of SHA-256(name).
func DeriveMAC(name string) string {
	sum := sha256.Sum256([]byte(name))
	return fmt.Sprintf("52:54:00:%02x:%02x:%02x", sum[0], sum[1], sum[2])
}

// Leases removes static DHCP leases. Implemented by *network.Manager.
type Leases interface {
	RemoveHost(ctx context.Context, networkName string, h network.Host) error
}

// Options configure a Controller.
type Options struct {
	URI string
	// DryRun skips waiting for state changes that will never happen.
	DryRun bool
	// PollInterval between state checks. Zero means 2s.
	PollInterval time.Duration
}

// Controller drives virsh and virt-install for one libvirt connection.
type Controller struct {
	run    runner.Runner
	opts   Options
	leases Leases
	log    *log.Logger
}

// New returns a Controller. leases may be nil.
func New(r runner.Runner, opts Options, leases Leases, l *log.Logger) *Controller {
	if opts.PollInterval == 0 {
		opts.PollInterval = 2 * time.Second
	}
	return &Controller{run: r, opts: opts, leases: leases, log: l}
}

func (c *Controller) virsh(ctx context.Context, args ...string) error {
	return c.run.Run(ctx, "virsh", append([]string{"--connect", c.opts.URI}, args...)...)
}

func (c *Controller) query(ctx context.Context, args ...string) (string, error) {
	out, err := c.run.Output(ctx, "virsh", append([]string{"--connect", c.opts.URI}, args...)...)
	return strings.TrimSpace(out), err
}

// Exists reports whether a domain called name is defined.
func (c *Controller) Exists(ctx context.Context, name string) bool {
	_, err := c.query(ctx, "dominfo", name)
	return err == nil
}

// State returns the domain state as reported by virsh (e.g. "running",
// "shut off"), or "absent" for an undefined domain.
func (c *Controller) State(ctx context.Context, name string) string {
	out, err := c.query(ctx, "domstate", name)
	if err != nil {
		if runner.Tolerate(err, notFound...) == nil {
			return "absent"
		}
		return "unknown"
	}
	return out
}

// IsRunning reports whether the domain is running.
func (c *Controller) IsRunning(ctx context.Context, name string) bool {
	return c.State(ctx, name) == "running"
}

// Create starts virt-install for d in the background and returns its handle.
// An existing domain of the same name is a KindResourceConflict.
func (c *Controller) Create(ctx context.Context, d Descriptor) (runner.Process, error) {
	if c.Exists(ctx, d.Name) {
		return nil, &apperrors.Error{
			Kind:        apperrors.KindResourceConflict,
			Message:     fmt.Sprintf("VM %s already exists", d.Name),
			Remediation: "destroy it first with: gamevm manage destroy, or re-run setup with --force",
		}
	}

	c.log.Info(fmt.Sprintf("Installing VM %s (%d MiB, %d vCPU, %d GiB)", d.Name, d.RAM, d.CPUs, d.DiskSize))
	p, err := c.run.Start(ctx, "virt-install", InstallArgs(c.opts.URI, d)...)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.KindInternal, "start virt-install for %s", d.Name)
	}
	return p, nil
}

// InstallArgs returns the virt-install arguments for d.
func InstallArgs(uri string, d Descriptor) []string {
	return []string{
		"--connect", uri,
		"--name", d.Name,
		"--memory", strconv.Itoa(d.RAM),
		"--vcpus", strconv.Itoa(d.CPUs),
		"--disk", fmt.Sprintf("path=%s,size=%d,format=qcow2,bus=virtio", d.DiskPath, d.DiskSize),
		"--cdrom", d.BaseISO,
		"--disk", fmt.Sprintf("path=%s,device=cdrom,readonly=on", d.DriverISO),
		"--disk", fmt.Sprintf("path=%s,device=cdrom,readonly=on", d.MediaISO),
		"--network", fmt.Sprintf("network=%s,model=virtio,mac=%s", d.Network, d.MAC),
		"--graphics", "vnc,listen=127.0.0.1",
		"--os-variant", d.OSVariant,
		"--noautoconsole",
		"--wait", "-1",
	}
}

// Destroy powers off and undefines the domain, deleting its system disk unless
// keepDisk is set, then drops its static lease. An absent domain is a no-op.
func (c *Controller) Destroy(ctx context.Context, name, networkName string, keepDisk bool, diskPath string) error {
	if !c.Exists(ctx, name) {
		c.log.Skip(fmt.Sprintf("VM %s not found (already gone)", name))
		return nil
	}

	mac, err := c.MAC(ctx, name)
	if err != nil || mac == "" {
		mac = DeriveMAC(name)
	}

	c.log.Info(fmt.Sprintf("Stopping %s (if running)", name))
	if err := runner.Tolerate(c.virsh(ctx, "destroy", name), notRunning...); err != nil {
		return apperrors.Wrapf(err, apperrors.KindInternal, "power off %s", name)
	}

	args := []string{"undefine", name, "--nvram"}
	if keepDisk {
		c.log.Info(fmt.Sprintf("Undefining %s (keeping %s)", name, diskPath))
	} else {
		c.log.Info(fmt.Sprintf("Undefining %s and removing %s", name, diskPath))
		args = append(args, "--storage", diskPath)
	}
	if err := c.virsh(ctx, args...); err != nil {
		return apperrors.Wrapf(err, apperrors.KindInternal, "undefine %s", name)
	}

	if c.leases != nil {
		if err := c.leases.RemoveHost(ctx, networkName, network.Host{MAC: mac, Name: name}); err != nil {
			c.log.Warn(fmt.Sprintf("could not remove static lease for %s: %v", name, err))
		}
	}

	c.log.Ok(fmt.Sprintf("%s deleted", name))
	return nil
}

// Start boots the domain if it is not running.
func (c *Controller) Start(ctx context.Context, name string) error {
	if err := c.requireExists(ctx, name); err != nil {
		return err
	}
	if c.IsRunning(ctx, name) {
		c.log.Skip(fmt.Sprintf("VM %s already running", name))
		return nil
	}
	c.log.Info(fmt.Sprintf("Starting %s", name))
	if err := c.virsh(ctx, "start", name); err != nil {
		return apperrors.Wrapf(err, apperrors.KindInternal, "start %s", name)
	}
	c.log.Ok(fmt.Sprintf("VM %s started", name))
	return nil
}

// Shutdown stops the domain. Graceful shutdown sends an ACPI request and waits
// up to timeout for the domain to leave the running state; otherwise the domain
// is powered off immediately.
func (c *Controller) Shutdown(ctx context.Context, name string, graceful bool, timeout time.Duration) error {
	if err := c.requireExists(ctx, name); err != nil {
		return err
	}
	if !c.IsRunning(ctx, name) {
		c.log.Skip(fmt.Sprintf("VM %s is not running", name))
		return nil
	}

	if !graceful {
		c.log.Info(fmt.Sprintf("Powering off %s", name))
		if err := runner.Tolerate(c.virsh(ctx, "destroy", name), notRunning...); err != nil {
			return apperrors.Wrapf(err, apperrors.KindInternal, "power off %s", name)
		}
		c.log.Ok(fmt.Sprintf("VM %s powered off", name))
		return nil
	}

	c.log.Info(fmt.Sprintf("Shutting down %s (up to %s)", name, timeout))
	if err := runner.Tolerate(c.virsh(ctx, "shutdown", name), notRunning...); err != nil {
		return apperrors.Wrapf(err, apperrors.KindInternal, "shut down %s", name)
	}
	if c.opts.DryRun {
		return nil
	}
	err := wait.Until(ctx, timeout, c.opts.PollInterval, "VM "+name+" to shut down", func(ctx context.Context) bool {
		return !c.IsRunning(ctx, name)
	})
	if err != nil {
		return apperrors.WithHint(err, "force it off with: gamevm manage stop --force")
	}
	c.log.Ok(fmt.Sprintf("VM %s stopped", name))
	return nil
}

// SetAutostart enables or disables starting the domain with the host.
func (c *Controller) SetAutostart(ctx context.Context, name string, on bool) error {
	if err := c.requireExists(ctx, name); err != nil {
		return err
	}
	args := []string{"autostart", name}
	if !on {
		args = append(args, "--disable")
	}
	if err := c.virsh(ctx, args...); err != nil {
		return apperrors.Wrapf(err, apperrors.KindInternal, "set autostart for %s", name)
	}
	return nil
}

// Autostart reports whether the domain starts with the host.
func (c *Controller) Autostart(ctx context.Context, name string) (bool, error) {
	out, err := c.query(ctx, "dominfo", name)
	if err != nil {
		return false, c.absent(name, err)
	}
	for _, line := range strings.Split(out, "\n") {
		k, v, ok := strings.Cut(line, ":")
		if ok && strings.TrimSpace(k) == "Autostart" {
			return strings.TrimSpace(v) == "enable", nil
		}
	}
	return false, nil
}

// VNCDisplay returns the VNC display of a running domain, e.g. "127.0.0.1:0".
func (c *Controller) VNCDisplay(ctx context.Context, name string) (string, error) {
	out, err := c.query(ctx, "vncdisplay", name)
	if err != nil {
		return "", c.absent(name, err)
	}
	if out == "" {
		return "", apperrors.Errorf(apperrors.KindPrerequisiteUnmet, "VM %s has no VNC display; is it running?", name)
	}
	if strings.HasPrefix(out, ":") {
		out = "127.0.0.1" + out
	}
	return out, nil
}

// MAC returns the MAC address of the domain's first network interface.
func (c *Controller) MAC(ctx context.Context, name string) (string, error) {
	out, err := c.query(ctx, "dumpxml", name)
	if err != nil {
		return "", c.absent(name, err)
	}
	var dom libvirtxml.Domain
	if err := dom.Unmarshal(out); err != nil {
		return "", fmt.Errorf("parse domain %s XML: %w", name, err)
	}
	if dom.Devices == nil {
		return "", nil
	}
	for _, iface := range dom.Devices.Interfaces {
		if iface.MAC != nil && iface.MAC.Address != "" {
			return strings.ToLower(iface.MAC.Address), nil
		}
	}
	return "", nil
}

func (c *Controller) requireExists(ctx context.Context, name string) error {
	if c.Exists(ctx, name) {
		return nil
	}
	return &apperrors.Error{
		Kind:        apperrors.KindPrerequisiteUnmet,
		Message:     fmt.Sprintf("VM %s does not exist", name),
		Remediation: "create it with: gamevm setup",
	}
}

func (c *Controller) absent(name string, err error) error {
	if runner.Tolerate(err, notFound...) == nil {
		return &apperrors.Error{
			Kind:        apperrors.KindPrerequisiteUnmet,
			Message:     fmt.Sprintf("VM %s does not exist", name),
			Remediation: "create it with: gamevm setup",
			Underlying:  err,
		}
	}
	return apperrors.Wrapf(err, apperrors.KindInternal, "query VM %s", name)
}
