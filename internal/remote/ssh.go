package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/term"

	apperrors "github.com/h3ow3d/gamevm/internal/errors"
	"github.com/h3ow3d/gamevm/internal/log"
)

// Options configure an SSH client.
type Options struct {
	Host     string
	Port     int
	User     string
	Password string
	// DialTimeout bounds connection setup. Zero means 10s.
	DialTimeout time.Duration
}

// SSH is a Client over golang.org/x/crypto/ssh with password authentication.
// The connection is opened lazily and reopened after a transport failure.
type SSH struct {
	opts Options
	log  *log.Logger

	mu   sync.Mutex
	conn *ssh.Client
}

// NewSSH returns an unconnected SSH client.
func NewSSH(opts Options, l *log.Logger) *SSH {
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 10 * time.Second
	}
	return &SSH{opts: opts, log: l}
}

func (c *SSH) addr() string {
	return net.JoinHostPort(c.opts.Host, strconv.Itoa(c.opts.Port))
}

func (c *SSH) config() *ssh.ClientConfig {
	password := c.opts.Password
	return &ssh.ClientConfig{
		User: c.opts.User,
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		},
		// The VM is recreated with a fresh host key on every setup and is only
		// reachable on the host's private NAT network.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.opts.DialTimeout,
	}
}

func (c *SSH) client(ctx context.Context) (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}

	d := net.Dialer{Timeout: c.opts.DialTimeout}
	raw, err := d.DialContext(ctx, "tcp", c.addr())
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", c.addr(), err)
	}
	_ = raw.SetDeadline(time.Now().Add(c.opts.DialTimeout))
	sc, chans, reqs, err := ssh.NewClientConn(raw, c.addr(), c.config())
	if err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", c.addr(), err)
	}
	_ = raw.SetDeadline(time.Time{})
	c.conn = ssh.NewClient(sc, chans, reqs)
	return c.conn, nil
}

// drop discards a connection that failed so the next call redials.
func (c *SSH) drop(conn *ssh.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *SSH) session(ctx context.Context) (*ssh.Client, *ssh.Session, error) {
	conn, err := c.client(ctx)
	if err != nil {
		return nil, nil, err
	}
	s, err := conn.NewSession()
	if err != nil {
		c.drop(conn)
		return nil, nil, fmt.Errorf("open ssh session: %w", err)
	}
	return conn, s, nil
}

// Execute implements Client.
func (c *SSH) Execute(ctx context.Context, script string) (string, error) {
	var stdout, stderr bytes.Buffer
	err := c.run(ctx, script, &stdout, &stderr)
	return stdout.String(), c.classify(script, err, stderr.String())
}

// Stream implements Client.
func (c *SSH) Stream(ctx context.Context, script string, stdout, stderr io.Writer) error {
	var captured bytes.Buffer
	err := c.run(ctx, script, stdout, io.MultiWriter(stderr, &captured))
	return c.classify(script, err, captured.String())
}

func (c *SSH) run(ctx context.Context, script string, stdout, stderr io.Writer) error {
	c.log.Debug("remote: " + firstLine(script))
	conn, s, err := c.session(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	s.Stdout = stdout
	s.Stderr = stderr

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Signal(ssh.SIGTERM)
			_ = s.Close()
		case <-done:
		}
	}()

	err = s.Run(CommandLine(script))
	var ee *ssh.ExitError
	var missing *ssh.ExitMissingError
	if err != nil && !errors.As(err, &ee) && !errors.As(err, &missing) {
		c.drop(conn)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (c *SSH) classify(script string, err error, stderr string) error {
	if err == nil {
		return nil
	}
	var ee *ssh.ExitError
	if errors.As(err, &ee) {
		ce := &CommandError{Script: script, ExitStatus: ee.ExitStatus(), Stderr: stderr}
		return apperrors.Wrap(ce, apperrors.KindRemoteCommandFailed, "remote command failed")
	}
	return apperrors.Wrapf(err, apperrors.KindTransferFailed, "ssh %s", c.addr())
}

// IsReachable implements Client.
func (c *SSH) IsReachable(ctx context.Context) bool {
	c.mu.Lock()
	cached := c.conn
	c.mu.Unlock()
	if cached != nil {
		if keepalive(ctx, cached, c.opts.DialTimeout) {
			return true
		}
		c.drop(cached)
	}

	_, err := c.client(ctx)
	if err != nil {
		c.log.Debug("ssh not reachable yet: " + err.Error())
	}
	return err == nil
}

// keepalive reports whether conn answers a keepalive request within timeout.
// A half-open connection never answers, so the request is abandoned rather
// than awaited.
func keepalive(ctx context.Context, conn ssh.Conn, timeout time.Duration) bool {
	answered := make(chan error, 1)
	go func() {
		_, _, err := conn.SendRequest("keepalive@openssh.com", true, nil)
		answered <- err
	}()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case err := <-answered:
		return err == nil
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Exists implements Client.
func (c *SSH) Exists(ctx context.Context, remotePath string) (bool, error) {
	var found bool
	err := c.withSFTP(ctx, func(sc *sftp.Client) error {
		_, err := sc.Stat(SFTPPath(remotePath))
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		found = err == nil
		return err
	})
	if err != nil {
		return false, apperrors.Wrapf(err, apperrors.KindTransferFailed, "stat %s", remotePath)
	}
	return found, nil
}

// Copy implements Client.
func (c *SSH) Copy(ctx context.Context, localPath, remotePath string, dir Direction) error {
	rp := SFTPPath(remotePath)
	c.log.Debug(fmt.Sprintf("sftp %s %s <-> %s", dir, localPath, rp))
	err := c.withSFTP(ctx, func(sc *sftp.Client) error {
		if dir == Pull {
			return pullTree(ctx, sc, rp, localPath)
		}
		return pushTree(ctx, sc, localPath, rp)
	})
	if err != nil {
		return apperrors.Wrapf(err, apperrors.KindTransferFailed, "%s %s", dir, remotePath)
	}
	return nil
}

func (c *SSH) withSFTP(ctx context.Context, fn func(*sftp.Client) error) error {
	conn, err := c.client(ctx)
	if err != nil {
		return err
	}
	sc, err := sftp.NewClient(conn)
	if err != nil {
		c.drop(conn)
		return fmt.Errorf("open sftp subsystem: %w", err)
	}
	defer sc.Close()
	return fn(sc)
}

func pushTree(ctx context.Context, sc *sftp.Client, local, remoteRoot string) error {
	info, err := os.Stat(local)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		if err := sc.MkdirAll(path.Dir(remoteRoot)); err != nil {
			return err
		}
		return pushFile(sc, local, remoteRoot)
	}
	return filepath.WalkDir(local, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, err := filepath.Rel(local, p)
		if err != nil {
			return err
		}
		target := remoteRoot
		if rel != "." {
			target = path.Join(remoteRoot, filepath.ToSlash(rel))
		}
		if d.IsDir() {
			return sc.MkdirAll(target)
		}
		return pushFile(sc, p, target)
	})
}

func pushFile(sc *sftp.Client, local, remote string) error {
	src, err := os.Open(local)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := sc.OpenFile(remote, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("create %s: %w", remote, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("write %s: %w", remote, err)
	}
	return dst.Close()
}

func pullTree(ctx context.Context, sc *sftp.Client, remoteRoot, local string) error {
	info, err := sc.Stat(remoteRoot)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
			return err
		}
		return pullFile(sc, remoteRoot, local)
	}
	w := sc.Walk(remoteRoot)
	for w.Step() {
		if err := w.Err(); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(w.Path(), remoteRoot), "/")
		target := filepath.Join(local, filepath.FromSlash(rel))
		if w.Stat().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := pullFile(sc, w.Path(), target); err != nil {
			return err
		}
	}
	return nil
}

func pullFile(sc *sftp.Client, remote, local string) error {
	src, err := sc.Open(remote)
	if err != nil {
		return fmt.Errorf("open %s: %w", remote, err)
	}
	defer src.Close()
	dst, err := os.Create(local)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("read %s: %w", remote, err)
	}
	return dst.Close()
}

// Shell implements Client. The local terminal is put in raw mode for the
// duration of the session and restored afterwards.
func (c *SSH) Shell(ctx context.Context) error {
	_, s, err := c.session(ctx)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.KindTransferFailed, "ssh %s", c.addr())
	}
	defer s.Close()

	fd := int(os.Stdin.Fd())
	width, height := 120, 40
	if term.IsTerminal(fd) {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("set terminal raw mode: %w", err)
		}
		defer term.Restore(fd, state)
		if w, h, err := term.GetSize(fd); err == nil {
			width, height = w, h
		}
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := s.RequestPty("xterm-256color", height, width, modes); err != nil {
		return fmt.Errorf("request pty: %w", err)
	}
	s.Stdin = os.Stdin
	s.Stdout = os.Stdout
	s.Stderr = os.Stderr

	if err := s.Shell(); err != nil {
		return fmt.Errorf("start shell: %w", err)
	}
	err = s.Wait()
	var ee *ssh.ExitError
	if errors.As(err, &ee) {
		// The exit status of the last command typed is not a gamevm failure.
		return nil
	}
	return err
}

// Close implements Client.
func (c *SSH) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}
