// Command gamevm provisions and operates a Windows game-server VM on a Linux
// libvirt host.
//
// Usage:
//
//	gamevm setup [--image PATH] [--skip-provision] [--force]
//	gamevm manage start|stop|restart|status|ssh|install|start-workload|stop-workload
//	gamevm manage sync [to|from|both]
//	gamevm manage logs [--lines N] [--follow]
//	gamevm manage autostart [on|off]
//	gamevm manage destroy [--force] [--keep-disk]
//	gamevm manage vnc
//	gamevm doctor
package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/h3ow3d/gamevm/internal/cleanup"
	"github.com/h3ow3d/gamevm/internal/log"
)

func main() {
	ctx, stop := cleanup.SignalContext(context.Background())
	root := newRootCmd()
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		report(log.NewConsole(), err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "gamevm",
		Short: "Provision and operate a Windows game-server VM",
		Long: `gamevm builds a Windows VM on this host with libvirt, installs the game
server in it over SSH, and then runs it day to day: power, workload
processes, save-game sync, port forwarding and status.

Settings are read from a key=value file (./gamevm.env, then
~/.config/gamevm/gamevm.env, or --config). GAMEVM_<KEY> environment
variables override file values.`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&g.config, "config", "", "configuration file (default ./gamevm.env)")
	root.PersistentFlags().BoolVar(&g.dryRun, "dry-run", false, "print mutating commands instead of running them")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "show every command executed")

	root.AddCommand(setupCmd(g), manageCmd(g), doctorCmd(g))
	return root
}
