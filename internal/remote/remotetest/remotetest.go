// Package remotetest provides a remote.Client backed by a local directory that
// stands in for the VM's filesystem.
package remotetest

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	apperrors "github.com/h3ow3d/gamevm/internal/errors"
	"github.com/h3ow3d/gamevm/internal/remote"
)

// Handler answers Execute and Stream calls. Without one every script succeeds
// with empty output.
type Handler func(script string) (string, error)

// Fake is a remote.Client. Remote Windows paths map under Root: C:\GameServer
// becomes Root/C/GameServer.
type Fake struct {
	Root string

	mu       sync.Mutex
	scripts  []string
	copies   []string
	handler  Handler
	probes   int
	readyAt  int
	closed   bool
	shellRan bool
}

// New returns a Fake whose VM filesystem lives under root.
func New(root string) *Fake {
	return &Fake{Root: root, readyAt: 1}
}

// Handle installs the command handler.
func (f *Fake) Handle(h Handler) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
	return f
}

// ReachableAt makes IsReachable answer true from the n-th probe on. n <= 0 means
// never reachable.
func (f *Fake) ReachableAt(n int) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readyAt = n
	return f
}

// Probes returns how many times IsReachable was called.
func (f *Fake) Probes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes
}

// Scripts returns every script executed so far.
func (f *Fake) Scripts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.scripts...)
}

// Ran reports whether any executed script contains substr.
func (f *Fake) Ran(substr string) bool {
	for _, s := range f.Scripts() {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

// Copies returns "push|pull <remote path>" records for every Copy.
func (f *Fake) Copies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.copies...)
}

// Path maps a Windows path into the fake filesystem.
func (f *Fake) Path(windowsPath string) string {
	p := strings.ReplaceAll(windowsPath, `\`, "/")
	p = strings.Replace(p, ":", "", 1)
	return filepath.Join(f.Root, filepath.FromSlash(p))
}

// Execute implements remote.Client.
func (f *Fake) Execute(_ context.Context, script string) (string, error) {
	f.mu.Lock()
	f.scripts = append(f.scripts, script)
	h := f.handler
	f.mu.Unlock()
	if h == nil {
		return "", nil
	}
	return h(script)
}

// Stream implements remote.Client.
func (f *Fake) Stream(ctx context.Context, script string, stdout, _ io.Writer) error {
	out, err := f.Execute(ctx, script)
	_, _ = io.WriteString(stdout, out)
	return err
}

// Copy implements remote.Client.
func (f *Fake) Copy(_ context.Context, localPath, remotePath string, dir remote.Direction) error {
	f.mu.Lock()
	f.copies = append(f.copies, dir.String()+" "+remotePath)
	f.mu.Unlock()

	src, dst := localPath, f.Path(remotePath)
	if dir == remote.Pull {
		src, dst = dst, src
	}
	if err := copyTree(src, dst); err != nil {
		return apperrors.Wrapf(err, apperrors.KindTransferFailed, "%s %s", dir, remotePath)
	}
	return nil
}

// Exists implements remote.Client.
func (f *Fake) Exists(_ context.Context, remotePath string) (bool, error) {
	_, err := os.Stat(f.Path(remotePath))
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

// IsReachable implements remote.Client.
func (f *Fake) IsReachable(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	return f.readyAt > 0 && f.probes >= f.readyAt
}

// Shell implements remote.Client.
func (f *Fake) Shell(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shellRan = true
	return nil
}

// ShellRan reports whether Shell was called.
func (f *Fake) ShellRan() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shellRan
}

// Close implements remote.Client.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// WriteFile creates a file on the fake VM.
func (f *Fake) WriteFile(windowsPath string, data []byte) error {
	p := f.Path(windowsPath)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}

// ReadFile reads a file from the fake VM.
func (f *Fake) ReadFile(windowsPath string) ([]byte, error) {
	return os.ReadFile(f.Path(windowsPath))
}

func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(src, dst)
	}
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
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(p, target)
	})
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(dst), err)
	}
	return os.WriteFile(dst, data, 0o644)
}
