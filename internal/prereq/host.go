// Package prereq verifies that the host can run the game server VM.
package prereq

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	apperrors "github.com/h3ow3d/gamevm/internal/errors"
)

// HeadroomGiB is the free space required in the images directory on top of the
// VM disk, for install ISOs and qcow2 growth.
const HeadroomGiB = 10

const gib = 1 << 30

// Host locates the host facts the checks read. The zero value is not usable;
// use DefaultHost.
type Host struct {
	CPUInfo string
	KVM     string
	// FreeBytes returns the bytes available to unprivileged users under path.
	FreeBytes func(path string) (uint64, error)
}

// DefaultHost reads the real /proc/cpuinfo and /dev/kvm.
func DefaultHost() Host {
	return Host{CPUInfo: "/proc/cpuinfo", KVM: "/dev/kvm", FreeBytes: statfsFree}
}

func statfsFree(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// Check runs the provisioning prerequisites: hardware virtualization, then free
// space for a diskGiB disk in imagesDir. It has no side effects.
func (h Host) Check(imagesDir string, diskGiB int) error {
	if err := h.CheckVirtualization(); err != nil {
		return err
	}
	return h.CheckDiskSpace(imagesDir, diskGiB)
}

// CheckVirtualization requires the vmx or svm CPU flag and the KVM device.
func (h Host) CheckVirtualization() error {
	data, err := os.ReadFile(h.CPUInfo)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.KindPrerequisiteUnmet, "read %s", h.CPUInfo)
	}
	if !hasVirtFlag(string(data)) {
		return &apperrors.Error{
			Kind:        apperrors.KindPrerequisiteUnmet,
			Message:     "CPU does not advertise hardware virtualization (vmx/svm)",
			Remediation: "enable Intel VT-x or AMD-V in the BIOS/UEFI settings",
		}
	}
	if _, err := os.Stat(h.KVM); err != nil {
		return &apperrors.Error{
			Kind:        apperrors.KindPrerequisiteUnmet,
			Message:     fmt.Sprintf("%s not found; KVM is not available", h.KVM),
			Remediation: "load the kvm_intel or kvm_amd kernel module and install qemu-kvm",
			Underlying:  err,
		}
	}
	return nil
}

func hasVirtFlag(cpuinfo string) bool {
	for _, line := range strings.Split(cpuinfo, "\n") {
		k, v, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(k) != "flags" {
			continue
		}
		for _, f := range strings.Fields(v) {
			if f == "vmx" || f == "svm" {
				return true
			}
		}
	}
	return false
}

// CheckDiskSpace requires diskGiB + HeadroomGiB free in dir. A missing dir is
// checked through its nearest existing parent.
func (h Host) CheckDiskSpace(dir string, diskGiB int) error {
	probe := existingParent(dir)
	free, err := h.FreeBytes(probe)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.KindPrerequisiteUnmet, "check free space in %s", probe)
	}
	need := uint64(diskGiB+HeadroomGiB) * gib
	if free < need {
		return &apperrors.Error{
			Kind:        apperrors.KindPrerequisiteUnmet,
			Message:     fmt.Sprintf("%s has %d GiB free, need %d GiB (disk %d GiB + %d GiB headroom)", dir, free/gib, need/gib, diskGiB, HeadroomGiB),
			Remediation: "free space there, lower VM_DISK_SIZE or point IMAGES_DIR elsewhere",
		}
	}
	return nil
}

func existingParent(dir string) string {
	for d := dir; ; {
		if _, err := os.Stat(d); err == nil {
			return d
		}
		parent := filepath.Dir(d)
		if parent == d {
			return d
		}
		d = parent
	}
}
