// Package remote runs PowerShell commands and transfers files on the Windows VM.
package remote

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf16"

	apperrors "github.com/h3ow3d/gamevm/internal/errors"
	"github.com/h3ow3d/gamevm/internal/wait"
)

// Direction of a Copy.
type Direction int

const (
	// Push copies host to VM.
	Push Direction = iota
	// Pull copies VM to host.
	Pull
)

func (d Direction) String() string {
	if d == Pull {
		return "pull"
	}
	return "push"
}

// Client is a session on the VM. Commands are PowerShell scripts.
type Client interface {
	// Execute runs script and returns its stdout. A non-zero exit is a
	// KindRemoteCommandFailed error wrapping *CommandError.
	Execute(ctx context.Context, script string) (string, error)
	// Stream runs script writing its output as it arrives.
	Stream(ctx context.Context, script string, stdout, stderr io.Writer) error
	// Copy transfers a file or directory tree. remotePath is a Windows path.
	Copy(ctx context.Context, localPath, remotePath string, dir Direction) error
	// Exists reports whether remotePath exists on the VM.
	Exists(ctx context.Context, remotePath string) (bool, error)
	// IsReachable reports whether an authenticated session can be opened now.
	IsReachable(ctx context.Context) bool
	// Shell attaches the local terminal to an interactive session.
	Shell(ctx context.Context) error
	Close() error
}

// Prober is the subset of Client used to poll for reachability.
type Prober interface {
	IsReachable(ctx context.Context) bool
}

// CommandError is a remote command that ran and exited non-zero.
type CommandError struct {
	Script     string
	ExitStatus int
	Stderr     string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("remote command exited with status %d", e.ExitStatus)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// IsTransient reports whether err is a transport failure worth retrying, as
// opposed to a command that ran and failed.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var ce *CommandError
	return !apperrors.As(err, &ce)
}

// WaitUntilReachable polls p every interval until it answers or timeout elapses.
// The first probe is immediate.
func WaitUntilReachable(ctx context.Context, p Prober, timeout, interval time.Duration) error {
	err := wait.Until(ctx, timeout, interval, "SSH on the VM", p.IsReachable)
	if apperrors.GetKind(err) == apperrors.KindTimeout {
		return apperrors.WithHint(err, "watch the installation with: gamevm manage vnc")
	}
	return err
}

// EncodeCommand encodes script for powershell -EncodedCommand (base64 of UTF-16LE).
func EncodeCommand(script string) string {
	units := utf16.Encode([]rune(script))
	buf := make([]byte, len(units)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[i*2:], u)
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// CommandLine returns the command sent over SSH to run script.
func CommandLine(script string) string {
	return "powershell.exe -NoProfile -NonInteractive -ExecutionPolicy Bypass -EncodedCommand " + EncodeCommand(script)
}

// Quote renders s as a single-quoted PowerShell string literal.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// SFTPPath converts a Windows path such as C:\GameServer\config into the form
// served by Windows OpenSSH sftp-server: /C:/GameServer/config.
func SFTPPath(windowsPath string) string {
	p := strings.ReplaceAll(windowsPath, `\`, "/")
	if len(p) >= 2 && p[1] == ':' {
		p = "/" + p
	}
	return strings.TrimSuffix(p, "/")
}

// Join joins Windows path elements with backslashes.
func Join(elem ...string) string {
	parts := make([]string, 0, len(elem))
	for i, e := range elem {
		if i > 0 {
			e = strings.TrimLeft(e, `\/`)
		}
		if i < len(elem)-1 {
			e = strings.TrimRight(e, `\/`)
		}
		if e != "" {
			parts = append(parts, e)
		}
	}
	return strings.Join(parts, `\`)
}
