// Package packages installs the host packages the virtualization stack needs.
package packages

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	apperrors "github.com/h3ow3d/gamevm/internal/errors"
	"github.com/h3ow3d/gamevm/internal/log"
	"github.com/h3ow3d/gamevm/internal/runner"
)

// Manager is a host package manager.
type Manager struct {
	Name     string
	Required []string
	// installed reports whether one package is installed.
	installed func(ctx context.Context, r runner.Runner, pkg string) bool
	// install installs pkgs.
	install func(ctx context.Context, r runner.Runner, pkgs []string) error
}

// Apt handles Debian and Ubuntu hosts. qemu-kvm is a virtual package there,
// which dpkg-query never reports as installed, so the real package is probed.
var Apt = Manager{
	Name:     "apt",
	Required: []string{"qemu-system-x86", "libvirt-daemon-system", "libvirt-clients", "virtinst", "genisoimage", "iptables"},
	installed: func(ctx context.Context, r runner.Runner, pkg string) bool {
		out, err := r.Output(ctx, "dpkg-query", "-W", "-f=${Status}", pkg)
		return err == nil && strings.TrimSpace(out) == "install ok installed"
	},
	install: func(ctx context.Context, r runner.Runner, pkgs []string) error {
		args := append([]string{"DEBIAN_FRONTEND=noninteractive", "apt-get", "install", "-y"}, pkgs...)
		return r.Run(ctx, "env", args...)
	},
}

// Dnf handles Fedora and RHEL hosts.
var Dnf = Manager{
	Name:     "dnf",
	Required: []string{"qemu-kvm", "libvirt", "virt-install", "genisoimage", "iptables"},
	installed: func(ctx context.Context, r runner.Runner, pkg string) bool {
		_, err := r.Output(ctx, "rpm", "-q", pkg)
		return err == nil
	},
	install: func(ctx context.Context, r runner.Runner, pkgs []string) error {
		return r.Run(ctx, "dnf", append([]string{"install", "-y"}, pkgs...)...)
	},
}

// Detect picks the package manager present on the host.
func Detect(lookPath func(string) (string, error)) (Manager, error) {
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	if _, err := lookPath("apt-get"); err == nil {
		return Apt, nil
	}
	if _, err := lookPath("dnf"); err == nil {
		return Dnf, nil
	}
	return Manager{}, &apperrors.Error{
		Kind:        apperrors.KindPrerequisiteUnmet,
		Message:     "no supported package manager found (apt-get or dnf)",
		Remediation: "install qemu-kvm, libvirt, virt-install and genisoimage by hand, then re-run",
	}
}

// Installer installs the set difference between required and installed packages.
type Installer struct {
	run runner.Runner
	mgr Manager
	log *log.Logger
}

// NewInstaller returns an Installer for mgr.
func NewInstaller(r runner.Runner, mgr Manager, l *log.Logger) *Installer {
	return &Installer{run: r, mgr: mgr, log: l}
}

// Missing returns the required packages that are not installed, in order.
func (i *Installer) Missing(ctx context.Context) []string {
	var missing []string
	for _, pkg := range i.mgr.Required {
		if !i.mgr.installed(ctx, i.run, pkg) {
			missing = append(missing, pkg)
		}
	}
	return missing
}

// Ensure installs only the missing packages. With nothing missing it runs no
// mutating command.
func (i *Installer) Ensure(ctx context.Context) error {
	missing := i.Missing(ctx)
	if len(missing) == 0 {
		i.log.Skip("Host packages already installed")
		return nil
	}
	i.log.Info(fmt.Sprintf("Installing %s via %s", strings.Join(missing, " "), i.mgr.Name))
	if err := i.mgr.install(ctx, i.run, missing); err != nil {
		return &apperrors.Error{
			Kind:        apperrors.KindPrerequisiteUnmet,
			Message:     "package installation failed",
			Remediation: "re-run with sudo, or install by hand: " + strings.Join(missing, " "),
			Underlying:  err,
		}
	}
	i.log.Ok("Host packages installed")
	return nil
}
