package prereq

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	apperrors "github.com/h3ow3d/gamevm/internal/errors"
	"github.com/h3ow3d/gamevm/internal/runner"
	"github.com/h3ow3d/gamevm/internal/xdg"
)

// CheckResult holds the outcome of a single doctor check.
type CheckResult struct {
	Name     string
	OK       bool
	Message  string
	HowToFix string
}

// DoctorInput selects what the doctor checks. It is filled from the
// configuration when one loads, and from defaults otherwise.
type DoctorInput struct {
	URI            string
	ImagesDir      string
	DiskSize       int
	DataDir        string
	LogDir         string // empty means the XDG state logs directory
	ForwardBackend string
	Dirs           xdg.Dirs
}

// Doctor runs the host checks behind `gamevm doctor`.
type Doctor struct {
	run  runner.Runner
	host Host
	// lookPath resolves executables. Replaced in tests.
	lookPath func(string) (string, error)
}

// NewDoctor returns a Doctor using r for read-only probes.
func NewDoctor(r runner.Runner, h Host) *Doctor {
	return &Doctor{run: r, host: h, lookPath: exec.LookPath}
}

// Run performs every check and returns the results. It never returns an error
// itself; pass/fail is encoded in each CheckResult.
func (d *Doctor) Run(ctx context.Context, in DoctorInput) []CheckResult {
	results := []CheckResult{
		d.checkCommand(ctx, "virsh", "virsh", "--version"),
		d.checkCommand(ctx, "virt-install", "virt-install", "--version"),
		d.checkISOTool(),
		d.checkLibvirtConn(ctx, in.URI),
		d.checkVirtualization(),
		d.checkDiskSpace(in.ImagesDir, in.DiskSize),
		d.checkFirewall(in.ForwardBackend),
		checkDirs(in.Dirs, in.LogDir, in.DataDir),
	}
	return results
}

// Failed reports whether any result failed.
func Failed(results []CheckResult) bool {
	for _, r := range results {
		if !r.OK {
			return true
		}
	}
	return false
}

// checkCommand verifies that an executable is on PATH and runs without error.
func (d *Doctor) checkCommand(ctx context.Context, name, bin string, args ...string) CheckResult {
	path, err := d.lookPath(bin)
	if err != nil {
		return CheckResult{
			Name:     name,
			OK:       false,
			Message:  fmt.Sprintf("%s not found in PATH", bin),
			HowToFix: installHint(bin),
		}
	}
	if _, err := d.run.Output(ctx, path, args...); err != nil {
		return CheckResult{
			Name:     name,
			OK:       false,
			Message:  fmt.Sprintf("%s found but failed: %v", bin, err),
			HowToFix: installHint(bin),
		}
	}
	return CheckResult{Name: name, OK: true, Message: fmt.Sprintf("%s found", path)}
}

// checkISOTool accepts any of the ISO packagers the media builder can use.
func (d *Doctor) checkISOTool() CheckResult {
	const name = "iso builder"
	for _, bin := range []string{"genisoimage", "mkisofs", "xorriso"} {
		if path, err := d.lookPath(bin); err == nil {
			return CheckResult{Name: name, OK: true, Message: fmt.Sprintf("%s found", path)}
		}
	}
	return CheckResult{
		Name:     name,
		OK:       false,
		Message:  "none of genisoimage, mkisofs or xorriso found in PATH",
		HowToFix: installHint("genisoimage"),
	}
}

// checkLibvirtConn verifies that virsh can contact the libvirt daemon.
func (d *Doctor) checkLibvirtConn(ctx context.Context, uri string) CheckResult {
	const name = "libvirt connectivity"
	path, err := d.lookPath("virsh")
	if err != nil {
		return CheckResult{
			Name:     name,
			OK:       false,
			Message:  "virsh not found; cannot check libvirt connectivity",
			HowToFix: installHint("virsh"),
		}
	}
	if _, err := d.run.Output(ctx, path, "--connect", uri, "version"); err != nil {
		return CheckResult{
			Name:    name,
			OK:      false,
			Message: fmt.Sprintf("cannot connect to %s: %v", uri, err),
			HowToFix: "Ensure libvirtd is running and your user is in the 'libvirt' group:\n" +
				"  sudo systemctl start libvirtd\n" +
				"  sudo usermod -aG libvirt \"$USER\"   # then log out and back in",
		}
	}
	return CheckResult{Name: name, OK: true, Message: "connected to " + uri}
}

func (d *Doctor) checkVirtualization() CheckResult {
	const name = "qemu/kvm"
	if err := d.host.CheckVirtualization(); err != nil {
		return failure(name, err)
	}
	f, err := os.OpenFile(d.host.KVM, os.O_RDWR, 0)
	if err != nil {
		return CheckResult{
			Name:    name,
			OK:      false,
			Message: fmt.Sprintf("%s exists but is not accessible: %v", d.host.KVM, err),
			HowToFix: "Add your user to the 'kvm' group:\n" +
				"  sudo usermod -aG kvm \"$USER\"   # then log out and back in",
		}
	}
	f.Close()
	return CheckResult{Name: name, OK: true, Message: d.host.KVM + " is accessible"}
}

func (d *Doctor) checkDiskSpace(dir string, diskGiB int) CheckResult {
	const name = "disk space"
	if err := d.host.CheckDiskSpace(dir, diskGiB); err != nil {
		return failure(name, err)
	}
	return CheckResult{Name: name, OK: true, Message: fmt.Sprintf("%s has room for a %d GiB disk", dir, diskGiB)}
}

func (d *Doctor) checkFirewall(backend string) CheckResult {
	const name = "port forwarding"
	bin := "iptables"
	if backend == "nftables" {
		// The nftables backend talks netlink directly; nft is only needed to inspect rules.
		bin = "nft"
	}
	if path, err := d.lookPath(bin); err == nil {
		return CheckResult{Name: name, OK: true, Message: fmt.Sprintf("%s backend, %s found", backend, path)}
	}
	if backend == "nftables" {
		return CheckResult{Name: name, OK: true, Message: "nftables backend (nft not installed, rules cannot be listed by hand)"}
	}
	return CheckResult{
		Name:     name,
		OK:       false,
		Message:  "iptables not found in PATH",
		HowToFix: installHint("iptables") + "\nor set FORWARD_BACKEND=nftables",
	}
}

// checkDirs verifies that gamevm can write to its XDG and data directories.
func checkDirs(dirs xdg.Dirs, logDir, dataDir string) CheckResult {
	const name = "directory access"
	if err := dirs.EnsureDirs(logDir, dataDir); err != nil {
		return CheckResult{
			Name:     name,
			OK:       false,
			Message:  fmt.Sprintf("cannot create gamevm directories: %v", err),
			HowToFix: "Check that your home directory is writable, or set DATA_DIR and LOG_DIR.",
		}
	}
	return CheckResult{
		Name:    name,
		OK:      true,
		Message: fmt.Sprintf("directories ready (config=%s data=%s state=%s)", dirs.Config, dataDir, dirs.State),
	}
}

func failure(name string, err error) CheckResult {
	msg := err.Error()
	hint := "see the message above"
	if h := apperrors.Hint(err); h != "" {
		hint = h
	}
	return CheckResult{Name: name, OK: false, Message: msg, HowToFix: hint}
}

// installHint returns a human-friendly install hint for a known binary.
func installHint(bin string) string {
	hints := map[string]string{
		"virsh":        "sudo apt install libvirt-clients   # or: sudo dnf install libvirt-client",
		"virt-install": "sudo apt install virtinst          # or: sudo dnf install virt-install",
		"genisoimage":  "sudo apt install genisoimage       # or: sudo dnf install genisoimage",
		"iptables":     "sudo apt install iptables          # or: sudo dnf install iptables",
	}
	if hint, ok := hints[bin]; ok {
		return hint
	}
	return fmt.Sprintf("Install %q and ensure it is on your PATH.", strings.TrimSpace(bin))
}
