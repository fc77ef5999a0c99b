package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/h3ow3d/gamevm/internal/config"
	"github.com/h3ow3d/gamevm/internal/datasync"
	apperrors "github.com/h3ow3d/gamevm/internal/errors"
	"github.com/h3ow3d/gamevm/internal/prompt"
	"github.com/h3ow3d/gamevm/internal/vm"
	"github.com/h3ow3d/gamevm/internal/workload"
)

const (
	readOnly = false
	mutating = true
)

func manageCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manage",
		Short: "Operate an existing game-server VM",
		Long: `Day-to-day operation of the VM created by 'gamevm setup'.

Commands that change the VM or the host take a host-wide lock, so two
gamevm runs never interleave. status, ssh, logs and vnc do not.`,
	}
	cmd.AddCommand(
		startCmd(g),
		stopCmd(g),
		restartCmd(g),
		statusCmd(g),
		sshCmd(g),
		installCmd(g),
		startWorkloadCmd(g),
		stopWorkloadCmd(g),
		syncCmd(g),
		logsCmd(g),
		autostartCmd(g),
		destroyCmd(g),
		vncCmd(g),
	)
	return cmd
}

// ── power ─────────────────────────────────────────────────────────────────────

func startCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Boot the VM and re-apply port forwards",
		Long: `Boot the VM if it is not running, then make sure the host port
forwards to it are in place. Forwards do not survive a host reboot with the
iptables backend, so this is safe to run from a boot script.`,
		Args: cobra.NoArgs,
		RunE: withEnv(g, mutating, func(ctx context.Context, e *env, _ []string) error {
			return e.timed("start", func() error { return startVM(ctx, e) })
		}),
	}
}

func startVM(ctx context.Context, e *env) error {
	if err := e.vm.Start(ctx, e.cfg.VMName); err != nil {
		return err
	}
	fwd, err := e.forwarder()
	if err != nil {
		return err
	}
	return fwd.Ensure(ctx)
}

func stopCmd(g *globalFlags) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Shut the VM down",
		Long: `Ask Windows to shut down and wait up to SHUTDOWN_TIMEOUT seconds for it.
With --force the VM is powered off at once.`,
		Args: cobra.NoArgs,
		RunE: withEnv(g, mutating, func(ctx context.Context, e *env, _ []string) error {
			return e.timed("stop", func() error {
				return e.vm.Shutdown(ctx, e.cfg.VMName, !force, config.Seconds(e.cfg.ShutdownTimeout))
			})
		}),
	}
	cmd.Flags().BoolVar(&force, "force", false, "power off without a graceful shutdown")
	return cmd
}

func restartCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Shut the VM down gracefully and boot it again",
		Args:  cobra.NoArgs,
		RunE: withEnv(g, mutating, func(ctx context.Context, e *env, _ []string) error {
			return e.timed("restart", func() error {
				if err := e.vm.Shutdown(ctx, e.cfg.VMName, true, config.Seconds(e.cfg.ShutdownTimeout)); err != nil {
					return err
				}
				return startVM(ctx, e)
			})
		}),
	}
}

// ── status ────────────────────────────────────────────────────────────────────

func statusCmd(g *globalFlags) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show VM power, reachability, workload processes and port forwards",
		Args:  cobra.NoArgs,
		RunE: withEnv(g, readOnly, func(ctx context.Context, e *env, _ []string) error {
			format, err := parseFormat(output)
			if err != nil {
				return err
			}
			src := workload.Sources{
				VMName: e.cfg.VMName,
				VMIP:   e.cfg.VMIP,
				Power:  e.vm,
				Ping:   workload.Ping,
			}
			if fwd, err := e.forwarder(); err != nil {
				e.log.Warn(fmt.Sprintf("port forwards not checked: %v", err))
			} else {
				src.Forwards = fwd
			}
			return writeReport(e.log.Out(), format, e.workload().Status(ctx, src))
		}),
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text, yaml or json")
	return cmd
}

// ── access ────────────────────────────────────────────────────────────────────

func sshCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ssh",
		Short: "Open an interactive PowerShell session in the VM",
		Args:  cobra.NoArgs,
		RunE: withEnv(g, readOnly, func(ctx context.Context, e *env, _ []string) error {
			return e.remote.Shell(ctx)
		}),
	}
}

func vncCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "vnc",
		Short: "Show the VM console",
		Long: `Open the VM console with virt-viewer when it is installed, otherwise
print the VNC display to connect to. Useful while Windows is installing.`,
		Args: cobra.NoArgs,
		RunE: withEnv(g, readOnly, func(ctx context.Context, e *env, _ []string) error {
			display, err := e.vm.VNCDisplay(ctx, e.cfg.VMName)
			if err != nil {
				return err
			}
			e.log.Ok("VNC display: " + display)
			if _, err := exec.LookPath("virt-viewer"); err != nil {
				e.log.Info("connect a VNC viewer to it, or install virt-viewer")
				return nil
			}
			return e.run.Run(ctx, "virt-viewer", "--connect", e.cfg.LibvirtURI, e.cfg.VMName)
		}),
	}
}

func logsCmd(g *globalFlags) *cobra.Command {
	var (
		lines  int
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the game server log from the VM",
		Args:  cobra.NoArgs,
		RunE: withEnv(g, readOnly, func(ctx context.Context, e *env, _ []string) error {
			return e.workload().Logs(ctx, lines, follow, e.log.Out(), os.Stderr)
		}),
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "number of lines from the end of the log")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new lines until interrupted")
	return cmd
}

// ── workload ──────────────────────────────────────────────────────────────────

func installCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Run INSTALL_SCRIPT in the VM again",
		Long: `Upload INSTALL_SCRIPT and run it in the VM with the configured ports.
The script is expected to be idempotent; this is how game server updates
are applied.`,
		Args: cobra.NoArgs,
		RunE: withEnv(g, mutating, func(ctx context.Context, e *env, _ []string) error {
			if e.skipRemote("install the game server") {
				return nil
			}
			return e.timed("install", func() error { return e.workload().Install(ctx) })
		}),
	}
}

func startWorkloadCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start-workload",
		Short: "Start the game server process in the VM",
		Args:  cobra.NoArgs,
		RunE: withEnv(g, mutating, func(ctx context.Context, e *env, _ []string) error {
			if e.skipRemote("start " + e.cfg.WorkloadProcess) {
				return nil
			}
			return e.timed("start_workload", func() error { return e.workload().StartWorkload(ctx) })
		}),
	}
}

func stopWorkloadCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop-workload",
		Short: "Stop the game server process and pull its data",
		Long: `Ask the game server and its supervisor to exit, force them after
STOP_GRACE seconds, then pull config, saves and backups to DATA_DIR.`,
		Args: cobra.NoArgs,
		RunE: withEnv(g, mutating, func(ctx context.Context, e *env, _ []string) error {
			if e.skipRemote("stop " + e.cfg.WorkloadProcess) {
				return nil
			}
			return e.timed("stop_workload", func() error { return e.workload().StopWorkload(ctx) })
		}),
	}
}

func syncCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sync [to|from|both]",
		Short: "Copy game data between DATA_DIR and the VM",
		Long: `Copy the config, saves and mods directories of DATA_DIR to the VM (to),
the config, saves and backups directories back from it (from), or push then
pull (both, the default). The last writer wins; nothing is merged.`,
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{string(datasync.ModeTo), string(datasync.ModeFrom), string(datasync.ModeBoth)},
		RunE: withEnv(g, mutating, func(ctx context.Context, e *env, args []string) error {
			mode, err := datasync.ParseMode(firstArg(args))
			if err != nil {
				return err
			}
			if e.skipRemote("sync " + string(mode)) {
				return nil
			}
			return e.timed("sync", func() error { return e.syncer().Sync(ctx, mode) })
		}),
	}
}

// ── host integration ──────────────────────────────────────────────────────────

func autostartCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:       "autostart [on|off]",
		Short:     "Show or set whether the VM boots with the host",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: withEnv(g, mutating, func(ctx context.Context, e *env, args []string) error {
			name := e.cfg.VMName
			if len(args) == 0 {
				on, err := e.vm.Autostart(ctx, name)
				if err != nil {
					return err
				}
				e.log.Info(fmt.Sprintf("Autostart for %s: %s", name, onOff(on)))
				return nil
			}
			on, err := parseOnOff(args[0])
			if err != nil {
				return err
			}
			if err := e.vm.SetAutostart(ctx, name, on); err != nil {
				return err
			}
			e.log.Ok(fmt.Sprintf("Autostart for %s: %s", name, onOff(on)))
			return nil
		}),
	}
}

func destroyCmd(g *globalFlags) *cobra.Command {
	var force, keepDisk bool
	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Delete the VM, its disk and its port forwards",
		Long: `Power off and undefine the VM, delete its system disk (unless
--keep-disk), drop its static DHCP lease and remove the host port forwards.
DATA_DIR on the host is left alone. Asks for confirmation unless --force.`,
		Args: cobra.NoArgs,
		RunE: withEnv(g, mutating, func(ctx context.Context, e *env, _ []string) error {
			return runDestroy(ctx, e, prompt.NewTerminal(), force, keepDisk)
		}),
	}
	cmd.Flags().BoolVar(&force, "force", false, "do not ask for confirmation")
	cmd.Flags().BoolVar(&keepDisk, "keep-disk", false, "keep the VM system disk image")
	return cmd
}

func runDestroy(ctx context.Context, e *env, confirm prompt.Confirmer, force, keepDisk bool) error {
	name := e.cfg.VMName
	if !force {
		question := fmt.Sprintf("Destroy VM %s and delete its disk?", name)
		if keepDisk {
			question = fmt.Sprintf("Destroy VM %s (keeping its disk)?", name)
		}
		ok, err := confirm.Confirm(question)
		if err != nil {
			return apperrors.Wrap(err, apperrors.KindInternal, "read confirmation")
		}
		if !ok {
			e.log.Skip("Nothing destroyed")
			return nil
		}
	}

	fwd, err := e.forwarder()
	if err != nil {
		return err
	}
	if err := fwd.Remove(ctx); err != nil {
		e.log.Warn(fmt.Sprintf("port forwards not removed: %v", err))
	}
	return e.timed("destroy", func() error {
		return e.vm.Destroy(ctx, name, e.cfg.NetworkName, keepDisk, vm.DiskPath(e.cfg.ImagesDir, name))
	})
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func parseOnOff(s string) (bool, error) {
	switch s {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	return false, apperrors.Errorf(apperrors.KindConfigInvalid, "autostart takes on or off, not %q", s)
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
