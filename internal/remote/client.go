package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

var (
	// ErrTimeout marks a remote command that exceeded its wall-clock
	// bound. The session is torn down when this is returned.
	ErrTimeout = errors.New("remote: command timed out")
)

// ExitError reports a remote command that completed with a non-zero
// exit status. Channel failures (auth, network) surface as plain
// errors instead; callers that need to distinguish inspect stderr.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("remote: command exited with code %d", e.Code)
	}
	return fmt.Sprintf("remote: command exited with code %d: %s", e.Code, e.Stderr)
}

// Access executes commands on the remote host and uploads files to it.
type Access interface {
	Exec(ctx context.Context, cmd string, timeout time.Duration) (string, error)
	Upload(ctx context.Context, localPath, remotePath string, timeout time.Duration) error
}

// Client dials the remote host over SSH per call. The dial timeout is
// a separate, shorter bound than the per-command timeout so a dead
// host fails fast instead of eating the command budget.
type Client struct {
	Host                string
	Port                int
	User                string
	KeyPath             string
	KnownHostsPath      string
	InsecureSkipHostKey bool
	ConnectTimeout      time.Duration
}

func (c Client) Exec(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	log.Info().
		Str("host", c.Host).
		Str("cmd", cmd).
		Dur("timeout", timeout).
		Msg("ssh exec")

	client, err := c.dial()
	if err != nil {
		return "", fmt.Errorf("remote: dial %s: %w", c.Host, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("remote: session: %w", err)
	}
	defer session.Close()

	var stdout, stderr strings.Builder
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := session.Start(cmd); err != nil {
		return "", fmt.Errorf("remote: start %q: %w", cmd, err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err = <-done:
	case <-timer.C:
		session.Close()
		<-done
		return strings.TrimSpace(stdout.String()), fmt.Errorf("%w after %s: %s", ErrTimeout, timeout, cmd)
	case <-ctx.Done():
		session.Close()
		<-done
		return strings.TrimSpace(stdout.String()), ctx.Err()
	}

	out := strings.TrimSpace(stdout.String())
	if err == nil {
		return out, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return out, &ExitError{Code: exitErr.ExitStatus(), Stderr: strings.TrimSpace(stderr.String())}
	}
	return out, fmt.Errorf("remote: %q: %w", cmd, err)
}

func (c Client) Upload(ctx context.Context, localPath, remotePath string, timeout time.Duration) error {
	log.Info().
		Str("host", c.Host).
		Str("local", localPath).
		Str("remote", remotePath).
		Msg("sftp upload")

	client, err := c.dial()
	if err != nil {
		return fmt.Errorf("remote: dial %s: %w", c.Host, err)
	}
	defer client.Close()

	ftp, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("remote: sftp: %w", err)
	}
	defer ftp.Close()

	deadline := time.Now().Add(timeout)
	watchdog := time.AfterFunc(timeout, func() { client.Close() })
	defer watchdog.Stop()

	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("remote: open %s: %w", localPath, err)
	}
	defer src.Close()

	if err := ftp.MkdirAll(filepath.ToSlash(filepath.Dir(remotePath))); err != nil {
		return fmt.Errorf("remote: mkdir %s: %w", filepath.Dir(remotePath), err)
	}

	dst, err := ftp.Create(remotePath)
	if err != nil {
		return fmt.Errorf("remote: create %s: %w", remotePath, err)
	}

	if _, err := dst.ReadFrom(src); err != nil {
		dst.Close()
		if time.Now().After(deadline) {
			return fmt.Errorf("%w after %s: upload %s", ErrTimeout, timeout, remotePath)
		}
		return fmt.Errorf("remote: upload %s: %w", remotePath, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("remote: close %s: %w", remotePath, err)
	}
	return nil
}

func (c Client) dial() (*ssh.Client, error) {
	address, err := c.address()
	if err != nil {
		return nil, err
	}

	config, err := c.clientConfig()
	if err != nil {
		return nil, err
	}

	if c.ConnectTimeout <= 0 {
		return ssh.Dial("tcp", address, config)
	}

	conn, err := net.DialTimeout("tcp", address, c.ConnectTimeout)
	if err != nil {
		return nil, err
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return ssh.NewClient(clientConn, chans, reqs), nil
}

func (c Client) address() (string, error) {
	host := strings.TrimSpace(c.Host)
	if host == "" {
		return "", fmt.Errorf("remote: host is required")
	}
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

func (c Client) clientConfig() (*ssh.ClientConfig, error) {
	if c.User == "" {
		return nil, fmt.Errorf("remote: ssh user is required")
	}

	signer, err := c.signer()
	if err != nil {
		return nil, err
	}

	var hostKeyCallback ssh.HostKeyCallback
	if c.InsecureSkipHostKey {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	} else {
		callback, err := c.knownHostsCallback()
		if err != nil {
			return nil, err
		}
		hostKeyCallback = callback
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectTimeout,
	}, nil
}

func (c Client) signer() (ssh.Signer, error) {
	if c.KeyPath == "" {
		return nil, fmt.Errorf("remote: ssh key path is required")
	}
	privateKey, err := os.ReadFile(c.KeyPath)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(privateKey)
}

func (c Client) knownHostsCallback() (ssh.HostKeyCallback, error) {
	path := strings.TrimSpace(c.KnownHostsPath)
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("remote: known hosts path not set and home dir unavailable")
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	return knownhosts.New(path)
}

// Quote wraps a value in single quotes for safe interpolation into a
// remote shell command.
func Quote(value string) string {
	if value == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}
