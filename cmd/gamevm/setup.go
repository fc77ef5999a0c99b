package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/h3ow3d/gamevm/internal/config"
	apperrors "github.com/h3ow3d/gamevm/internal/errors"
	"github.com/h3ow3d/gamevm/internal/image"
	"github.com/h3ow3d/gamevm/internal/log"
	"github.com/h3ow3d/gamevm/internal/media"
	"github.com/h3ow3d/gamevm/internal/packages"
	"github.com/h3ow3d/gamevm/internal/prereq"
	"github.com/h3ow3d/gamevm/internal/prompt"
	"github.com/h3ow3d/gamevm/internal/provision"
	"github.com/h3ow3d/gamevm/internal/runner"
	"github.com/h3ow3d/gamevm/internal/xdg"
)

// ── setup ─────────────────────────────────────────────────────────────────────

func setupCmd(g *globalFlags) *cobra.Command {
	var opts provision.Options
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Create the VM and provision the game server",
		Long: `Set up the game-server VM from nothing:

  1. check hardware virtualization and free disk space
  2. install missing host packages (apt-get or dnf)
  3. download the virtio driver ISO if absent and locate the Windows ISO
  4. build the unattended install media from UNATTEND_TEMPLATE
  5. create the VM with virt-install and register its static DHCP lease
  6. wait for Windows to finish installing and accept SSH
  7. run INSTALL_SCRIPT in the VM, push DATA_DIR and add port forwards

An existing VM of the same name is only replaced after confirmation
(or with --force). A timeout in step 6 leaves the VM in place; watch it
with 'gamevm manage vnc'.`,
		Args: cobra.NoArgs,
		RunE: withEnv(g, true, func(ctx context.Context, e *env, _ []string) error {
			opts.DryRun = g.dryRun
			return runSetup(ctx, e, opts)
		}),
	}
	cmd.Flags().StringVar(&opts.Image, "image", "", "Windows installation ISO (default: WINDOWS_ISO, then IMAGES_DIR/windows.iso)")
	cmd.Flags().BoolVar(&opts.SkipProvision, "skip-provision", false, "create the VM but do not install the game server")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "replace an existing VM without asking")
	return cmd
}

func runSetup(ctx context.Context, e *env, opts provision.Options) error {
	if err := prepareDirs(e.log, e.dirs, e.cfg, opts.DryRun); err != nil {
		return err
	}
	fwd, err := e.forwarder()
	if err != nil {
		return err
	}

	o := provision.New(e.cfg, provision.Deps{
		Host:     prereq.DefaultHost(),
		Packages: &hostPackages{run: e.run, log: e.log.Component("packages")},
		Images:   image.NewFetcher(e.log.Component("image"), e.flags.dryRun),
		Media:    media.NewBuilder(e.run, e.cleanup, e.log.Component("media")),
		Network:  e.network,
		Machines: e.vm,
		Remote:   e.remote,
		Workload: e.workload(),
		Data:     e.syncer(),
		Forwards: fwd,
		Confirm:  prompt.NewTerminal(),
		Cleanup:  e.cleanup,
		Metrics:  e.metrics,
	}, e.log.Component("provision"))

	if err := o.Run(ctx, opts); err != nil {
		return apperrors.WithHint(err, failureHint(err, failedStep(o.History())))
	}
	return nil
}

// prepareDirs creates the configured log and data directories. A dry run only
// names them.
func prepareDirs(l *log.Logger, dirs xdg.Dirs, cfg *config.Config, dryRun bool) error {
	if dryRun {
		l.Info(fmt.Sprintf("[dry-run] mkdir -p %s %s", cfg.LogDir, strings.Join(xdg.SyncDirs(cfg.DataDir), " ")))
		return nil
	}
	if err := dirs.EnsureDirs(cfg.LogDir, cfg.DataDir); err != nil {
		return apperrors.Wrap(err, apperrors.KindPrerequisiteUnmet, "prepare gamevm directories")
	}
	return nil
}

// failureHint keeps a specific remediation and otherwise names the failed step.
func failureHint(err error, s provision.State) string {
	if h := apperrors.Hint(err); h != "" {
		return h
	}
	return fmt.Sprintf("setup failed while %s; re-run with --verbose for the commands executed", s)
}

// failedStep is the last state entered before Failed.
func failedStep(history []provision.State) provision.State {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i] != provision.Failed {
			return history[i]
		}
	}
	return provision.Failed
}

// hostPackages detects the package manager when the step runs, so a host
// without one fails in InstallingPackages rather than before the first check.
type hostPackages struct {
	run runner.Runner
	log *log.Logger
}

func (p *hostPackages) Ensure(ctx context.Context) error {
	mgr, err := packages.Detect(nil)
	if err != nil {
		return err
	}
	return packages.NewInstaller(p.run, mgr, p.log).Ensure(ctx)
}
