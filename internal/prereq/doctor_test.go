package prereq_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/h3ow3d/gamevm/internal/prereq"
	"github.com/h3ow3d/gamevm/internal/runner/runnertest"
	"github.com/h3ow3d/gamevm/internal/xdg"
)

func doctorInput(t *testing.T, dirs xdg.Dirs) prereq.DoctorInput {
	return prereq.DoctorInput{
		URI:            "qemu:///system",
		ImagesDir:      t.TempDir(),
		DiskSize:       1,
		DataDir:        dirs.Data,
		ForwardBackend: "iptables",
		Dirs:           dirs,
	}
}

func findResult(results []prereq.CheckResult, name string) *prereq.CheckResult {
	for i := range results {
		if results[i].Name == name {
			return &results[i]
		}
	}
	return nil
}

func TestDoctor_ReturnsResults(t *testing.T) {
	tmp := t.TempDir()
	dirs := xdg.Dirs{
		Config: filepath.Join(tmp, "config", "gamevm"),
		Data:   filepath.Join(tmp, "data", "gamevm"),
		State:  filepath.Join(tmp, "state", "gamevm"),
	}

	d := prereq.NewDoctor(runnertest.New(), hostWithFree(t, 1<<40))
	results := d.Run(context.Background(), doctorInput(t, dirs))
	if len(results) == 0 {
		t.Fatal("Run returned no results")
	}

	// Every result must have a non-empty Name and Message.
	for _, r := range results {
		if r.Name == "" {
			t.Errorf("CheckResult has empty Name: %+v", r)
		}
		if r.Message == "" {
			t.Errorf("CheckResult %q has empty Message", r.Name)
		}
		// When a check fails it MUST include a HowToFix hint.
		if !r.OK && r.HowToFix == "" {
			t.Errorf("failed check %q is missing HowToFix hint", r.Name)
		}
	}
}

func TestDoctor_DirectoryCheckPasses(t *testing.T) {
	tmp := t.TempDir()
	dirs := xdg.Dirs{
		Config: filepath.Join(tmp, "config", "gamevm"),
		Data:   filepath.Join(tmp, "data", "gamevm"),
		State:  filepath.Join(tmp, "state", "gamevm"),
	}

	d := prereq.NewDoctor(runnertest.New(), hostWithFree(t, 1<<40))
	r := findResult(d.Run(context.Background(), doctorInput(t, dirs)), "directory access")
	if r == nil {
		t.Fatal("directory access check not found")
	}
	if !r.OK {
		t.Errorf("directory access check failed: %s", r.Message)
	}
}

func TestDoctor_DirectoryCheckFailsOnReadOnly(t *testing.T) {
	// Point all dirs at a path that cannot be created under a read-only root.
	dirs := xdg.Dirs{
		Config: "/proc/gamevm/config",
		Data:   "/proc/gamevm/data",
		State:  "/proc/gamevm/state",
	}

	d := prereq.NewDoctor(runnertest.New(), hostWithFree(t, 1<<40))
	r := findResult(d.Run(context.Background(), doctorInput(t, dirs)), "directory access")
	if r == nil {
		t.Fatal("directory access check not found")
	}
	if r.OK {
		t.Error("expected directory access check to fail for unwritable path")
	}
	if r.HowToFix == "" {
		t.Error("failed directory check must provide a HowToFix hint")
	}
}

func TestDoctor_DiskSpaceFailureCarriesHint(t *testing.T) {
	tmp := t.TempDir()
	dirs := xdg.Dirs{Config: filepath.Join(tmp, "c"), Data: filepath.Join(tmp, "d"), State: filepath.Join(tmp, "s")}

	d := prereq.NewDoctor(runnertest.New(), hostWithFree(t, 1<<30))
	r := findResult(d.Run(context.Background(), doctorInput(t, dirs)), "disk space")
	if r == nil {
		t.Fatal("disk space check not found")
	}
	if r.OK {
		t.Fatal("expected disk space check to fail with 1 GiB free")
	}
	if r.HowToFix == "" {
		t.Error("failed disk space check must provide a HowToFix hint")
	}
}

func TestFailed(t *testing.T) {
	if prereq.Failed([]prereq.CheckResult{{Name: "a", OK: true}}) {
		t.Error("all-OK results reported as failed")
	}
	if !prereq.Failed([]prereq.CheckResult{{Name: "a", OK: true}, {Name: "b"}}) {
		t.Error("failed result not detected")
	}
}
