// Package provision drives gamevm setup: from a bare host to a running,
// provisioned game-server VM.
package provision

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/h3ow3d/gamevm/internal/cleanup"
	"github.com/h3ow3d/gamevm/internal/config"
	apperrors "github.com/h3ow3d/gamevm/internal/errors"
	"github.com/h3ow3d/gamevm/internal/image"
	"github.com/h3ow3d/gamevm/internal/log"
	"github.com/h3ow3d/gamevm/internal/media"
	"github.com/h3ow3d/gamevm/internal/metrics"
	"github.com/h3ow3d/gamevm/internal/network"
	"github.com/h3ow3d/gamevm/internal/prompt"
	"github.com/h3ow3d/gamevm/internal/remote"
	"github.com/h3ow3d/gamevm/internal/runner"
	"github.com/h3ow3d/gamevm/internal/vm"
)

// State is a step of the setup run.
type State string

const (
	CheckingPrerequisites  State = "checking_prerequisites"
	InstallingPackages     State = "installing_packages"
	AcquiringImages        State = "acquiring_images"
	BuildingInstallMedia   State = "building_install_media"
	CreatingVM             State = "creating_vm"
	WaitingForReachability State = "waiting_for_reachability"
	ProvisioningWorkload   State = "provisioning_workload"
	Ready                  State = "ready"
	Failed                 State = "failed"
)

// DefaultReapTimeout bounds the wait for virt-install to exit once the VM is up.
const DefaultReapTimeout = 30 * time.Second

// Dependencies of the orchestrator, one per collaborator.
type (
	HostChecker interface {
		Check(imagesDir string, diskGiB int) error
	}
	PackageInstaller interface {
		Ensure(ctx context.Context) error
	}
	ImageFetcher interface {
		EnsureDriverISO(ctx context.Context, url, dir string) (string, error)
	}
	MediaBuilder interface {
		Build(ctx context.Context, in media.Input) (string, error)
	}
	Network interface {
		Ensure(ctx context.Context, name, vmIP string) error
		AddHost(ctx context.Context, name string, h network.Host) error
	}
	Machines interface {
		Exists(ctx context.Context, name string) bool
		Create(ctx context.Context, d vm.Descriptor) (runner.Process, error)
		Destroy(ctx context.Context, name, networkName string, keepDisk bool, diskPath string) error
	}
	WorkloadInstaller interface {
		Install(ctx context.Context) error
	}
	Pusher interface {
		Push(ctx context.Context) error
	}
	Forwards interface {
		Ensure(ctx context.Context) error
	}
)

// Deps wires the orchestrator.
type Deps struct {
	Host     HostChecker
	Packages PackageInstaller
	Images   ImageFetcher
	Media    MediaBuilder
	Network  Network
	Machines Machines
	Remote   remote.Prober
	Workload WorkloadInstaller
	Data     Pusher
	Forwards Forwards
	Confirm  prompt.Confirmer
	Cleanup  *cleanup.Registry
	Metrics  *metrics.Run // optional
}

// Options of one setup run.
type Options struct {
	Image         string // --image
	SkipProvision bool
	Force         bool
	DryRun        bool
	Home          string // for ~/Downloads/windows.iso
	// PollInterval and ReachTimeout override SSH_POLL_INTERVAL and SSH_TIMEOUT.
	PollInterval time.Duration
	ReachTimeout time.Duration
	ReapTimeout  time.Duration
}

// Orchestrator runs the setup state machine once.
type Orchestrator struct {
	cfg  *config.Config
	deps Deps
	log  *log.Logger

	state   State
	history []State
	aborted bool

	// carried between steps
	baseISO, driverISO, mediaISO string
	install                      runner.Process
	installHandle                cleanup.Handle
}

// New returns an Orchestrator for cfg.
func New(cfg *config.Config, deps Deps, l *log.Logger) *Orchestrator {
	return &Orchestrator{cfg: cfg, deps: deps, log: l}
}

// State returns the current state.
func (o *Orchestrator) State() State { return o.state }

// History returns every state entered, in order.
func (o *Orchestrator) History() []State { return append([]State(nil), o.history...) }

// Aborted reports whether the operator declined to replace an existing VM.
func (o *Orchestrator) Aborted() bool { return o.aborted }

type step struct {
	state State
	title string
	run   func(ctx context.Context, opts Options) error
}

// Run executes every step in order. Any failure moves to Failed and is
// returned; resources registered with the cleanup registry are released by the
// caller.
func (o *Orchestrator) Run(ctx context.Context, opts Options) error {
	if opts.Home == "" {
		opts.Home, _ = os.UserHomeDir()
	}
	steps := []step{
		{CheckingPrerequisites, "Checking host prerequisites", o.checkPrerequisites},
		{InstallingPackages, "Installing host packages", o.installPackages},
		{AcquiringImages, "Acquiring install images", o.acquireImages},
		{BuildingInstallMedia, "Building unattended install media", o.buildMedia},
		{CreatingVM, "Creating VM " + o.cfg.VMName, o.createVM},
		{WaitingForReachability, "Waiting for " + o.cfg.VMName + " to accept SSH", o.waitReachable},
		{ProvisioningWorkload, "Provisioning workload", o.provisionWorkload},
	}

	for _, s := range steps {
		o.enter(s.state)
		o.log.Info(s.title)
		done := o.timer(s.state)
		err := s.run(ctx, opts)
		done()
		if err != nil {
			o.enter(Failed)
			return err
		}
		if o.aborted {
			return nil
		}
	}
	o.enter(Ready)
	o.log.Ok(fmt.Sprintf("%s is ready at %s (game port %d, web port %d)", o.cfg.VMName, o.cfg.VMIP, o.cfg.GamePort, o.cfg.WebPort))
	return nil
}

func (o *Orchestrator) enter(s State) {
	o.state = s
	o.history = append(o.history, s)
	o.log.Events().Info().Str("state", string(s)).Msg("transition")
}

func (o *Orchestrator) timer(s State) func() {
	if o.deps.Metrics == nil {
		return func() {}
	}
	return o.deps.Metrics.Time(string(s))
}

// ── steps ────────────────────────────────────────────────────────────────────

func (o *Orchestrator) checkPrerequisites(context.Context, Options) error {
	return o.deps.Host.Check(o.cfg.ImagesDir, o.cfg.DiskSize)
}

func (o *Orchestrator) installPackages(ctx context.Context, _ Options) error {
	return o.deps.Packages.Ensure(ctx)
}

func (o *Orchestrator) acquireImages(ctx context.Context, opts Options) error {
	driver, err := o.deps.Images.EnsureDriverISO(ctx, o.cfg.VirtioURL, o.cfg.ImagesDir)
	if err != nil {
		return err
	}
	base, err := image.LocateBaseISO(image.Candidates(opts.Image, o.cfg.WindowsISO, o.cfg.ImagesDir, opts.Home))
	if err != nil {
		return err
	}
	o.log.Ok("Windows ISO: " + base)
	o.driverISO, o.baseISO = driver, base
	return nil
}

func (o *Orchestrator) buildMedia(ctx context.Context, _ Options) error {
	iso, err := o.deps.Media.Build(ctx, media.Input{
		Template:    o.cfg.UnattendTemplate,
		SetupScript: o.cfg.SetupScript,
		Values:      o.cfg.Values(),
		Output:      filepath.Join(o.cfg.ImagesDir, o.cfg.VMName+"-unattend.iso"),
	})
	if err != nil {
		return err
	}
	o.mediaISO = iso
	return nil
}

func (o *Orchestrator) createVM(ctx context.Context, opts Options) error {
	name := o.cfg.VMName
	disk := vm.DiskPath(o.cfg.ImagesDir, name)

	if o.deps.Machines.Exists(ctx, name) {
		replace := opts.Force
		if !replace {
			ok, err := o.deps.Confirm.Confirm(fmt.Sprintf("VM %s already exists. Destroy it and install again?", name))
			if err != nil {
				return apperrors.Wrap(err, apperrors.KindInternal, "read confirmation")
			}
			replace = ok
		}
		if !replace {
			o.log.Skip(fmt.Sprintf("Keeping existing VM %s; nothing changed", name))
			o.aborted = true
			return nil
		}
		if err := o.deps.Machines.Destroy(ctx, name, o.cfg.NetworkName, false, disk); err != nil {
			return err
		}
	}

	if err := o.deps.Network.Ensure(ctx, o.cfg.NetworkName, o.cfg.VMIP); err != nil {
		return err
	}

	d := vm.NewDescriptor(o.cfg, o.baseISO, o.driverISO, o.mediaISO)
	proc, err := o.deps.Machines.Create(ctx, d)
	if err != nil {
		return err
	}
	o.install = proc
	o.installHandle = o.deps.Cleanup.Add("terminate virt-install", proc.Terminate)

	if err := o.deps.Network.AddHost(ctx, o.cfg.NetworkName, network.Host{MAC: d.MAC, Name: name, IP: o.cfg.VMIP}); err != nil {
		o.log.Warn(fmt.Sprintf("could not register static lease %s -> %s: %v", d.MAC, o.cfg.VMIP, err))
	}
	return nil
}

// installWatch answers reachability probes, and also stops the wait when
// virt-install has failed.
type installWatch struct {
	remote.Prober
	proc runner.Process
	err  error
}

func (w *installWatch) IsReachable(ctx context.Context) bool {
	if w.proc != nil && w.proc.Exited() {
		if err := w.proc.Wait(0); err != nil {
			w.err = err
			return true
		}
	}
	return w.Prober.IsReachable(ctx)
}

func (o *Orchestrator) waitReachable(ctx context.Context, opts Options) error {
	if opts.DryRun {
		o.log.Skip("[dry-run] not waiting for SSH")
		return nil
	}
	timeout := opts.ReachTimeout
	if timeout <= 0 {
		timeout = config.Seconds(o.cfg.SSHTimeout)
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = config.Seconds(o.cfg.SSHPollInterval)
	}

	o.log.Info(fmt.Sprintf("Windows is installing; polling %s:%d every %s (up to %s)", o.cfg.VMIP, o.cfg.SSHPort, interval, timeout))
	watch := &installWatch{Prober: o.deps.Remote, proc: o.install}
	if err := remote.WaitUntilReachable(ctx, watch, timeout, interval); err != nil {
		return err
	}
	if watch.err != nil {
		return &apperrors.Error{
			Kind:        apperrors.KindInternal,
			Message:     "virt-install exited before the VM became reachable",
			Remediation: "inspect the VM with: gamevm manage vnc",
			Underlying:  watch.err,
		}
	}
	o.log.Ok(o.cfg.VMName + " is reachable over SSH")
	o.reap(opts)
	return nil
}

// reap waits briefly for virt-install to exit and terminates it otherwise.
func (o *Orchestrator) reap(opts Options) {
	if o.install == nil {
		return
	}
	timeout := opts.ReapTimeout
	if timeout <= 0 {
		timeout = DefaultReapTimeout
	}
	if err := o.install.Wait(timeout); err != nil {
		if apperrors.GetKind(err) == apperrors.KindTimeout {
			o.log.Debug("virt-install still running; terminating it")
			if err := o.install.Terminate(); err != nil {
				o.log.Warn(fmt.Sprintf("terminate virt-install: %v", err))
			}
		} else {
			o.log.Debug(fmt.Sprintf("virt-install exited: %v", err))
		}
	}
	o.installHandle.Release()
	o.install = nil
}

func (o *Orchestrator) provisionWorkload(ctx context.Context, opts Options) error {
	switch {
	case opts.SkipProvision:
		o.log.Skip("Workload provisioning skipped (--skip-provision)")
	case opts.DryRun:
		o.log.Skip("[dry-run] not provisioning the workload")
	default:
		if err := o.deps.Workload.Install(ctx); err != nil {
			return err
		}
		if err := o.deps.Data.Push(ctx); err != nil {
			return err
		}
	}
	return o.deps.Forwards.Ensure(ctx)
}
