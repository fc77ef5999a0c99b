package media_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h3ow3d/gamevm/internal/cleanup"
	apperrors "github.com/h3ow3d/gamevm/internal/errors"
	"github.com/h3ow3d/gamevm/internal/log"
	"github.com/h3ow3d/gamevm/internal/media"
	"github.com/h3ow3d/gamevm/internal/runner/runnertest"
)

func TestRender(t *testing.T) {
	out, err := media.Render("<User>{{VM_USER}}</User><Pw>{{ VM_PASSWORD }}</Pw>{{VM_USER}}", map[string]string{
		"VM_USER":     "gameadmin",
		"VM_PASSWORD": "s3cret",
	})
	require.NoError(t, err)
	assert.Equal(t, "<User>gameadmin</User><Pw>s3cret</Pw>gameadmin", out)
}

func TestRenderUnknownTokens(t *testing.T) {
	_, err := media.Render("{{VM_USER}} {{PRODUCT_KEY}} {{LOCALE}} {{PRODUCT_KEY}}", map[string]string{"VM_USER": "x"})
	require.Error(t, err)

	var e *apperrors.Error
	require.True(t, apperrors.As(err, &e))
	assert.Equal(t, apperrors.KindConfigInvalid, e.Kind)
	assert.Equal(t, []string{
		"{{LOCALE}}: no configuration value",
		"{{PRODUCT_KEY}}: no configuration value",
	}, e.Violations)
}

func TestRenderLeavesOtherBracesAlone(t *testing.T) {
	out, err := media.Render("$a = @{ k = 1 }; {{ }}", nil)
	require.NoError(t, err)
	assert.Equal(t, "$a = @{ k = 1 }; {{ }}", out)
}

func inputs(t *testing.T) media.Input {
	t.Helper()
	dir := t.TempDir()
	tmpl := filepath.Join(dir, "autounattend.xml")
	script := filepath.Join(dir, "setup.ps1")
	require.NoError(t, os.WriteFile(tmpl, []byte("<Name>{{VM_NAME}}</Name>"), 0o644))
	require.NoError(t, os.WriteFile(script, []byte("Write-Host setup"), 0o644))
	return media.Input{
		Template:    tmpl,
		SetupScript: script,
		Values:      map[string]string{"VM_NAME": "gameserver-win"},
		Output:      filepath.Join(dir, "gameserver-win-unattend.iso"),
	}
}

func only(bins ...string) func(string) (string, error) {
	return func(name string) (string, error) {
		for _, b := range bins {
			if b == name {
				return "/usr/bin/" + name, nil
			}
		}
		return "", errors.New("not found")
	}
}

func TestBuildStagesAndPackages(t *testing.T) {
	in := inputs(t)
	var staged map[string]string
	var stagingDir string
	fake := runnertest.New().Handle(func(c runnertest.Call) (runnertest.Response, bool) {
		stagingDir = c.Args[len(c.Args)-1]
		staged = map[string]string{}
		for _, name := range []string{"autounattend.xml", "setup.ps1"} {
			data, err := os.ReadFile(filepath.Join(stagingDir, name))
			require.NoError(t, err)
			staged[name] = string(data)
		}
		return runnertest.Response{}, true
	})
	reg := cleanup.New(log.Discard())
	b := media.NewBuilder(fake, reg, log.Discard()).WithLookPath(only("genisoimage", "xorriso"))

	out, err := b.Build(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, in.Output, out)

	assert.Equal(t, "<Name>gameserver-win</Name>", staged["autounattend.xml"])
	assert.Equal(t, "Write-Host setup", staged["setup.ps1"])

	runs := fake.Lines("run")
	require.Len(t, runs, 1)
	assert.Equal(t, "genisoimage -o "+in.Output+" -J -r -V UNATTEND "+stagingDir, runs[0])

	assert.NoDirExists(t, stagingDir)
	assert.NoError(t, reg.Run())
}

func TestBuildFallsBackToXorriso(t *testing.T) {
	in := inputs(t)
	fake := runnertest.New()
	b := media.NewBuilder(fake, cleanup.New(log.Discard()), log.Discard()).WithLookPath(only("xorriso"))

	_, err := b.Build(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, fake.Ran("xorriso -as mkisofs -o "+in.Output))
}

func TestBuildRemovesStagingOnFailure(t *testing.T) {
	in := inputs(t)
	var stagingDir string
	fake := runnertest.New().Handle(func(c runnertest.Call) (runnertest.Response, bool) {
		stagingDir = c.Args[len(c.Args)-1]
		return runnertest.Response{Err: errors.New("exit status 2")}, true
	})
	b := media.NewBuilder(fake, cleanup.New(log.Discard()), log.Discard()).WithLookPath(only("mkisofs"))

	_, err := b.Build(context.Background(), in)
	require.Error(t, err)
	assert.NotEmpty(t, stagingDir)
	assert.NoDirExists(t, stagingDir)
}

func TestBuildWithoutISOTool(t *testing.T) {
	in := inputs(t)
	fake := runnertest.New()
	b := media.NewBuilder(fake, cleanup.New(log.Discard()), log.Discard()).WithLookPath(only())

	_, err := b.Build(context.Background(), in)
	assert.Equal(t, apperrors.KindPrerequisiteUnmet, apperrors.GetKind(err))
	assert.Empty(t, fake.Calls())
}

func TestBuildUnknownTokenRunsNothing(t *testing.T) {
	in := inputs(t)
	require.NoError(t, os.WriteFile(in.Template, []byte("{{MISSING}}"), 0o644))
	fake := runnertest.New()
	b := media.NewBuilder(fake, cleanup.New(log.Discard()), log.Discard()).WithLookPath(only("genisoimage"))

	_, err := b.Build(context.Background(), in)
	assert.Equal(t, apperrors.KindConfigInvalid, apperrors.GetKind(err))
	assert.Empty(t, fake.Calls())
}
