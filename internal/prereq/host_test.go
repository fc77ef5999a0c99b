package prereq_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/h3ow3d/gamevm/internal/errors"
	"github.com/h3ow3d/gamevm/internal/prereq"
)

const cpuinfoVMX = `processor	: 0
vendor_id	: GenuineIntel
flags		: fpu vme de pse tsc msr vmx ssse3 sse4_1
`

const cpuinfoPlain = `processor	: 0
vendor_id	: GenuineIntel
flags		: fpu vme de pse tsc msr ssse3 sse4_1
`

// hostWithFree returns a Host whose CPU supports virtualization, whose KVM
// device exists, and which reports free bytes everywhere.
func hostWithFree(t *testing.T, free uint64) prereq.Host {
	t.Helper()
	dir := t.TempDir()
	cpuinfo := filepath.Join(dir, "cpuinfo")
	kvm := filepath.Join(dir, "kvm")
	require.NoError(t, os.WriteFile(cpuinfo, []byte(cpuinfoVMX), 0o644))
	require.NoError(t, os.WriteFile(kvm, nil, 0o600))
	return prereq.Host{
		CPUInfo:   cpuinfo,
		KVM:       kvm,
		FreeBytes: func(string) (uint64, error) { return free, nil },
	}
}

func TestCheckVirtualization(t *testing.T) {
	h := hostWithFree(t, 0)
	require.NoError(t, h.CheckVirtualization())

	require.NoError(t, os.WriteFile(h.CPUInfo, []byte(cpuinfoPlain), 0o644))
	err := h.CheckVirtualization()
	require.Error(t, err)
	assert.Equal(t, apperrors.KindPrerequisiteUnmet, apperrors.GetKind(err))
	assert.Contains(t, apperrors.Hint(err), "BIOS")
}

func TestCheckVirtualizationWithoutKVM(t *testing.T) {
	h := hostWithFree(t, 0)
	h.KVM = filepath.Join(t.TempDir(), "missing")
	err := h.CheckVirtualization()
	assert.Equal(t, apperrors.KindPrerequisiteUnmet, apperrors.GetKind(err))
}

func TestCheckDiskSpace(t *testing.T) {
	const gib = uint64(1 << 30)
	dir := t.TempDir()

	assert.NoError(t, hostWithFree(t, 90*gib).CheckDiskSpace(dir, 80))

	err := hostWithFree(t, 89*gib).CheckDiskSpace(dir, 80)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindPrerequisiteUnmet, apperrors.GetKind(err))
	assert.Contains(t, err.Error(), "need 90 GiB")
}

func TestCheckDiskSpaceProbesExistingParent(t *testing.T) {
	root := t.TempDir()
	var probed string
	h := hostWithFree(t, 0)
	h.FreeBytes = func(p string) (uint64, error) {
		probed = p
		return 1 << 40, nil
	}
	require.NoError(t, h.CheckDiskSpace(filepath.Join(root, "not", "yet"), 80))
	assert.Equal(t, root, probed)
}

func TestCheckHasNoSideEffects(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "images")
	require.NoError(t, hostWithFree(t, 1<<40).Check(dir, 80))
	assert.NoDirExists(t, dir)
}
