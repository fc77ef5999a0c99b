package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/h3ow3d/gamevm/internal/config"
	apperrors "github.com/h3ow3d/gamevm/internal/errors"
	"github.com/h3ow3d/gamevm/internal/log"
	"github.com/h3ow3d/gamevm/internal/prereq"
	"github.com/h3ow3d/gamevm/internal/runner"
	"github.com/h3ow3d/gamevm/internal/xdg"
)

// ── doctor ────────────────────────────────────────────────────────────────────

func doctorCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that this host can run gamevm",
		Long: `Check the host tools and resources gamevm relies on: virsh, virt-install,
an ISO builder, the libvirt connection, KVM, free space in IMAGES_DIR, the
port-forward backend and the gamevm directories.

The configuration is used when it loads; built-in defaults otherwise.
Nothing is changed. Exits non-zero when any check fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			l := log.NewConsole()
			l.SetVerbose(g.verbose)
			dirs := xdg.Default()
			in := doctorInput(l, g.config, dirs)

			results := prereq.NewDoctor(runner.NewExec(l, false), prereq.DefaultHost()).Run(cmd.Context(), in)
			return printChecks(l, results)
		},
	}
}

func doctorInput(l *log.Logger, configFlag string, dirs xdg.Dirs) prereq.DoctorInput {
	in := prereq.DoctorInput{
		URI:            "qemu:///system",
		ImagesDir:      "/var/lib/libvirt/images",
		DiskSize:       80,
		DataDir:        dirs.Data,
		LogDir:         dirs.LogsDir(),
		ForwardBackend: "iptables",
		Dirs:           dirs,
	}
	store, err := config.Load(config.ResolvePath(configFlag, dirs), dirs)
	if err == nil {
		var cfg *config.Config
		if cfg, _, err = store.Validate(); err == nil {
			in.URI = cfg.LibvirtURI
			in.ImagesDir = cfg.ImagesDir
			in.DiskSize = cfg.DiskSize
			in.DataDir = cfg.DataDir
			in.LogDir = cfg.LogDir
			in.ForwardBackend = cfg.ForwardBackend
			return in
		}
	}
	l.Warn(fmt.Sprintf("checking with defaults: %v", err))
	return in
}

func printChecks(l *log.Logger, results []prereq.CheckResult) error {
	failed := 0
	for _, r := range results {
		if r.OK {
			l.Ok(fmt.Sprintf("%s: %s", r.Name, r.Message))
			continue
		}
		failed++
		l.Error(fmt.Sprintf("%s: %s", r.Name, r.Message))
		if r.HowToFix != "" {
			l.Hint(r.HowToFix)
		}
	}
	if failed > 0 {
		return apperrors.Errorf(apperrors.KindPrerequisiteUnmet, "%d of %d checks failed", failed, len(results))
	}
	l.Ok("All checks passed")
	return nil
}
