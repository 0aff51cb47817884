// Package remote owns the authenticated SSH/SFTP connection to the device and
// the operations that run over it.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"pwnlink/agent/internal/logging"
)

var (
	ErrNetwork    = errors.New("device network error")
	ErrAuth       = errors.New("device authentication failed")
	ErrRemoteExec = errors.New("remote command failed")
)

// Session is one authenticated connection. Callers close it when the
// operation that opened it is done.
type Session interface {
	Execute(ctx context.Context, command string) ([]byte, error)
	OpenFileTransfer() (FileTransfer, error)
	Close() error
}

type FileTransfer interface {
	ReadFile(path string) ([]byte, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

type Credentials struct {
	Host     string
	Port     int
	User     string
	Password string
	Timeout  time.Duration
}

func (c Credentials) address() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// SSHDialer opens password-authenticated SSH sessions. Host keys are not
// verified: the device sits on a trusted local link and regenerates its keys
// on reflash, so any key is accepted.
type SSHDialer struct {
	creds  Credentials
	logger *zap.Logger
}

func NewSSHDialer(creds Credentials, logger *zap.Logger) *SSHDialer {
	if creds.Timeout <= 0 {
		creds.Timeout = 10 * time.Second
	}
	return &SSHDialer{creds: creds, logger: logging.OrNop(logger)}
}

func (d *SSHDialer) clientConfig() *ssh.ClientConfig {
	password := d.creds.Password
	return &ssh.ClientConfig{
		User: d.creds.User,
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
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         d.creds.Timeout,
	}
}

func (d *SSHDialer) Dial(ctx context.Context) (Session, error) {
	addr := d.creds.address()
	d.logger.Debug("opening ssh session", zap.String("addr", addr), zap.String("user", d.creds.User))

	dialCtx, cancel := context.WithTimeout(ctx, d.creds.Timeout)
	defer cancel()

	var netDialer net.Dialer
	conn, err := netDialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrNetwork, addr, err)
	}
	if deadline, ok := dialCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, d.clientConfig())
	if err != nil {
		_ = conn.Close()
		return nil, classifyHandshakeError(addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return &sshSession{client: ssh.NewClient(clientConn, chans, reqs), addr: addr}, nil
}

func classifyHandshakeError(addr string, err error) error {
	if strings.Contains(err.Error(), "unable to authenticate") || strings.Contains(err.Error(), "no supported methods remain") {
		return fmt.Errorf("%w: %s: %v", ErrAuth, addr, err)
	}
	return fmt.Errorf("%w: handshake %s: %v", ErrNetwork, addr, err)
}

type sshSession struct {
	client *ssh.Client
	addr   string
}

// Execute runs command in a new SSH channel and returns its stdout. Context
// cancellation closes the channel.
func (s *sshSession) Execute(ctx context.Context, command string) ([]byte, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: open channel: %v", ErrNetwork, err)
	}
	defer func() { _ = session.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = session.Close() })
	defer stop()

	var stderr bytes.Buffer
	session.Stderr = &stderr
	out, err := session.Output(command)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%w: %q exited %d: %s", ErrRemoteExec, command, exitErr.ExitStatus(), strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("%w: %q: %v", ErrRemoteExec, command, err)
	}
	return out, nil
}

func (s *sshSession) OpenFileTransfer() (FileTransfer, error) {
	client, err := sftp.NewClient(s.client)
	if err != nil {
		return nil, fmt.Errorf("%w: start sftp subsystem: %v", ErrNetwork, err)
	}
	return &sftpTransfer{client: client}, nil
}

func (s *sshSession) Close() error {
	return s.client.Close()
}

type sftpTransfer struct {
	client *sftp.Client
}

func (t *sftpTransfer) ReadFile(path string) ([]byte, error) {
	f, err := t.client.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sftp open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("sftp read %s: %w", path, err)
	}
	return data, nil
}

func (t *sftpTransfer) Close() error {
	return t.client.Close()
}

// ShellQuote wraps s in single quotes for a POSIX shell.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
