// Package media renders the unattended-install answer file and packages it,
// together with the first-boot setup script, into a small ISO attached to the VM.
package media

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/h3ow3d/gamevm/internal/cleanup"
	apperrors "github.com/h3ow3d/gamevm/internal/errors"
	"github.com/h3ow3d/gamevm/internal/log"
	"github.com/h3ow3d/gamevm/internal/runner"
)

const (
	answerFile  = "autounattend.xml"
	setupFile   = "setup.ps1"
	volumeLabel = "UNATTEND"
)

var tokenPattern = regexp.MustCompile(`\{\{\s*([A-Za-z][A-Za-z0-9_]*)\s*\}\}`)

// Render substitutes every {{KEY}} token in tmpl with values[KEY]. Tokens without
// a value are collected and reported together as a KindConfigInvalid error.
func Render(tmpl string, values map[string]string) (string, error) {
	unknown := map[string]bool{}
	out := tokenPattern.ReplaceAllStringFunc(tmpl, func(tok string) string {
		key := tokenPattern.FindStringSubmatch(tok)[1]
		v, ok := values[key]
		if !ok {
			unknown[key] = true
			return tok
		}
		return v
	})
	if len(unknown) == 0 {
		return out, nil
	}
	var violations []string
	for k := range unknown {
		violations = append(violations, fmt.Sprintf("{{%s}}: no configuration value", k))
	}
	sort.Strings(violations)
	return "", apperrors.Invalid("unattended template references unknown settings", violations)
}

// Input describes one install-media build.
type Input struct {
	Template    string // path of the answer-file template
	SetupScript string // path of the first-boot script, copied verbatim
	Values      map[string]string
	Output      string // ISO path to write
}

// Builder stages and packages install media.
type Builder struct {
	run      runner.Runner
	cleanup  *cleanup.Registry
	log      *log.Logger
	lookPath func(string) (string, error)
}

// NewBuilder returns a Builder whose staging dirs are released through reg.
func NewBuilder(r runner.Runner, reg *cleanup.Registry, l *log.Logger) *Builder {
	return &Builder{run: r, cleanup: reg, log: l, lookPath: exec.LookPath}
}

// WithLookPath replaces the PATH lookup used to pick the ISO tool.
func (b *Builder) WithLookPath(fn func(string) (string, error)) *Builder {
	b.lookPath = fn
	return b
}

// Build renders the template, stages it with the setup script and writes the ISO
// to in.Output, which it returns.
func (b *Builder) Build(ctx context.Context, in Input) (string, error) {
	tmpl, err := os.ReadFile(in.Template)
	if err != nil {
		return "", &apperrors.Error{
			Kind:        apperrors.KindConfigInvalid,
			Message:     "read unattended template " + in.Template,
			Remediation: "set UNATTEND_TEMPLATE to an existing autounattend.xml template",
			Underlying:  err,
		}
	}
	answer, err := Render(string(tmpl), in.Values)
	if err != nil {
		return "", err
	}
	script, err := os.ReadFile(in.SetupScript)
	if err != nil {
		return "", &apperrors.Error{
			Kind:        apperrors.KindConfigInvalid,
			Message:     "read setup script " + in.SetupScript,
			Remediation: "set SETUP_SCRIPT to the first-boot PowerShell script",
			Underlying:  err,
		}
	}

	tool, toolArgs, err := b.isoTool()
	if err != nil {
		return "", err
	}

	staging, err := os.MkdirTemp("", "gamevm-media-")
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.KindInternal, "create staging directory")
	}
	remove := func() error { return os.RemoveAll(staging) }
	h := b.cleanup.Add("staging dir "+staging, remove)
	defer func() {
		h.Release()
		_ = remove()
	}()

	if err := os.WriteFile(filepath.Join(staging, answerFile), []byte(answer), 0o600); err != nil {
		return "", apperrors.Wrap(err, apperrors.KindInternal, "stage answer file")
	}
	if err := os.WriteFile(filepath.Join(staging, setupFile), script, 0o600); err != nil {
		return "", apperrors.Wrap(err, apperrors.KindInternal, "stage setup script")
	}

	args := append(toolArgs, "-o", in.Output, "-J", "-r", "-V", volumeLabel, staging)
	b.log.Info("Building install media " + in.Output)
	if err := b.run.Run(ctx, tool, args...); err != nil {
		return "", apperrors.Wrapf(err, apperrors.KindPrerequisiteUnmet, "package install media with %s", tool)
	}
	b.log.Ok("Install media ready")
	return in.Output, nil
}

// isoTool picks genisoimage, then mkisofs, then xorriso in mkisofs mode.
func (b *Builder) isoTool() (string, []string, error) {
	for _, bin := range []string{"genisoimage", "mkisofs"} {
		if _, err := b.lookPath(bin); err == nil {
			return bin, nil, nil
		}
	}
	if _, err := b.lookPath("xorriso"); err == nil {
		return "xorriso", []string{"-as", "mkisofs"}, nil
	}
	return "", nil, &apperrors.Error{
		Kind:        apperrors.KindPrerequisiteUnmet,
		Message:     "no ISO builder found (genisoimage, mkisofs or xorriso)",
		Remediation: "install genisoimage (apt/dnf install genisoimage)",
	}
}
