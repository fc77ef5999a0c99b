// Package datasync mirrors the workload's config, saves, mods and backups
// between the host data dir and the VM.
package datasync

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	apperrors "github.com/h3ow3d/gamevm/internal/errors"
	"github.com/h3ow3d/gamevm/internal/log"
	"github.com/h3ow3d/gamevm/internal/remote"
)

// Mode selects the direction of Sync.
type Mode string

const (
	ModeTo   Mode = "to"
	ModeFrom Mode = "from"
	ModeBoth Mode = "both"
)

// ParseMode validates a sync direction argument. Empty means both.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case "":
		return ModeBoth, nil
	case ModeTo, ModeFrom, ModeBoth:
		return m, nil
	}
	return "", apperrors.Errorf(apperrors.KindConfigInvalid, "sync direction must be to, from or both, got %q", s)
}

// textExtensions are config files whose line endings are converted.
var textExtensions = map[string]bool{
	".ini": true, ".cfg": true, ".conf": true, ".txt": true, ".json": true,
	".xml": true, ".yaml": true, ".yml": true, ".properties": true, ".lua": true,
}

func isText(name string) bool {
	return textExtensions[strings.ToLower(filepath.Ext(name))]
}

// Syncer transfers the data directories over a remote.Client.
type Syncer struct {
	client    remote.Client
	dataDir   string
	remoteDir string
	log       *log.Logger
}

// New returns a Syncer between dataDir on the host and remoteDir on the VM.
func New(c remote.Client, dataDir, remoteDir string, l *log.Logger) *Syncer {
	return &Syncer{client: c, dataDir: dataDir, remoteDir: remoteDir, log: l}
}

func (s *Syncer) local(name string) string  { return filepath.Join(s.dataDir, name) }
func (s *Syncer) remote(name string) string { return remote.Join(s.remoteDir, name) }

// Sync runs Push, Pull or Push then Pull.
func (s *Syncer) Sync(ctx context.Context, m Mode) error {
	if m == ModeTo || m == ModeBoth {
		if err := s.Push(ctx); err != nil {
			return err
		}
	}
	if m == ModeFrom || m == ModeBoth {
		return s.Pull(ctx)
	}
	return nil
}

// Push uploads config (with CRLF line endings for text files), saves and mods.
func (s *Syncer) Push(ctx context.Context) error {
	if s.present("config") {
		staging, err := os.MkdirTemp("", "gamevm-config-")
		if err != nil {
			return apperrors.Wrap(err, apperrors.KindInternal, "create staging directory")
		}
		defer os.RemoveAll(staging)

		if err := stageCRLF(s.local("config"), staging); err != nil {
			return apperrors.Wrap(err, apperrors.KindTransferFailed, "stage config")
		}
		if err := s.copy(ctx, staging, "config", remote.Push); err != nil {
			return err
		}
	}
	for _, name := range []string{"saves", "mods"} {
		if !s.present(name) {
			continue
		}
		if err := s.copy(ctx, s.local(name), name, remote.Push); err != nil {
			return err
		}
	}
	s.log.Ok("Pushed data to " + s.remoteDir)
	return nil
}

// Pull downloads config and saves, and backups when the VM has any. Text config
// files are rewritten with LF line endings.
func (s *Syncer) Pull(ctx context.Context) error {
	for _, name := range []string{"config", "saves", "backups"} {
		if err := s.pullIfExists(ctx, name); err != nil {
			return err
		}
	}
	if err := normalizeLF(s.local("config")); err != nil {
		return apperrors.Wrap(err, apperrors.KindTransferFailed, "convert config line endings")
	}
	s.log.Ok("Pulled data from " + s.remoteDir)
	return nil
}

func (s *Syncer) pullIfExists(ctx context.Context, name string) error {
	ok, err := s.client.Exists(ctx, s.remote(name))
	if err != nil {
		return apperrors.Wrapf(err, apperrors.KindTransferFailed, "probe %s", s.remote(name))
	}
	if !ok {
		s.log.Skip(fmt.Sprintf("No %s on the VM, nothing to sync", name))
		return nil
	}
	if err := os.MkdirAll(s.local(name), 0o700); err != nil {
		return apperrors.Wrapf(err, apperrors.KindInternal, "create %s", s.local(name))
	}
	return s.copy(ctx, s.local(name), name, remote.Pull)
}

func (s *Syncer) present(name string) bool {
	info, err := os.Stat(s.local(name))
	if err != nil || !info.IsDir() {
		s.log.Skip(fmt.Sprintf("No %s at %s, nothing to sync", name, s.local(name)))
		return false
	}
	return true
}

func (s *Syncer) copy(ctx context.Context, local, name string, dir remote.Direction) error {
	s.log.Info(fmt.Sprintf("Sync %s (%s)", name, dir))
	return s.client.Copy(ctx, local, s.remote(name), dir)
}

// ToCRLF converts bare LF line endings to CRLF, leaving existing CRLF intact.
func ToCRLF(data []byte) []byte {
	return bytes.ReplaceAll(ToLF(data), []byte("\n"), []byte("\r\n"))
}

// ToLF converts CRLF line endings to LF.
func ToLF(data []byte) []byte {
	return bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
}

// stageCRLF copies src into dst, converting text files to CRLF.
func stageCRLF(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o700)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		if isText(p) {
			data = ToCRLF(data)
		}
		return os.WriteFile(target, data, 0o600)
	})
}

// normalizeLF rewrites text files under dir with LF endings. A missing dir is
// not an error.
func normalizeLF(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !isText(p) {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		lf := ToLF(data)
		if bytes.Equal(lf, data) {
			return nil
		}
		return os.WriteFile(p, lf, 0o600)
	})
}
