package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/pkg/crypto"
)

const stderrTailSize = 8 << 10

// SSHExecutor runs commands over a fresh SSH connection per call.
type SSHExecutor struct {
	box            *crypto.Box
	knownHosts     ssh.HostKeyCallback
	connectTimeout time.Duration
	defaultTimeout time.Duration
	log            *slog.Logger
}

// SSHOption customises the executor.
type SSHOption func(*SSHExecutor)

// WithKnownHostsFile verifies host keys against an OpenSSH known_hosts file.
func WithKnownHostsFile(path string) SSHOption {
	return func(e *SSHExecutor) {
		if path == "" {
			return
		}
		cb, err := knownhosts.New(path)
		if err != nil {
			e.log.Warn("known_hosts unavailable, falling back to stored fingerprints", "path", path, "error", err)
			return
		}
		e.knownHosts = cb
	}
}

// WithTimeouts overrides the connect and default command timeouts.
func WithTimeouts(connect, command time.Duration) SSHOption {
	return func(e *SSHExecutor) {
		if connect > 0 {
			e.connectTimeout = connect
		}
		if command > 0 {
			e.defaultTimeout = command
		}
	}
}

// NewSSHExecutor constructs an executor decrypting server credentials with box.
func NewSSHExecutor(box *crypto.Box, log *slog.Logger, opts ...SSHOption) *SSHExecutor {
	if log == nil {
		log = slog.Default()
	}
	e := &SSHExecutor{
		box:            box,
		connectTimeout: 10 * time.Second,
		defaultTimeout: 30 * time.Second,
		log:            log.With("component", "ssh"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var _ Executor = (*SSHExecutor)(nil)

// Run executes cmd and returns stdout.
func (e *SSHExecutor) Run(ctx context.Context, server domain.Server, cmd Command) (string, error) {
	var stdout bytes.Buffer
	if err := e.exec(ctx, server, cmd, &stdout, nil); err != nil {
		return stdout.String(), err
	}
	return stdout.String(), nil
}

// Copy executes cmd streaming raw stdout into w.
func (e *SSHExecutor) Copy(ctx context.Context, server domain.Server, cmd Command, w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	err := e.exec(ctx, server, cmd, cw, nil)
	return cw.n, err
}

// Stream executes cmd delivering stdout and stderr line by line.
func (e *SSHExecutor) Stream(ctx context.Context, server domain.Server, cmd Command, onLine func(string) bool) error {
	streamCtx, stop := context.WithCancel(ctx)
	defer stop()

	var stopped atomic.Bool
	var mu sync.Mutex
	emit := func(line string) {
		if stopped.Load() {
			return
		}
		if !onLine(line) {
			stopped.Store(true)
			stop()
		}
	}
	out := &lineWriter{mu: &mu, emit: emit}
	errOut := &lineWriter{mu: &mu, emit: emit}

	err := e.exec(streamCtx, server, cmd, out, errOut)
	out.flush()
	errOut.flush()
	if stopped.Load() {
		return nil
	}
	return err
}

func (e *SSHExecutor) exec(ctx context.Context, server domain.Server, cmd Command, stdout, stderr io.Writer) error {
	if len(cmd.Args) == 0 {
		return errors.New("remote: empty command")
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := e.connect(runCtx, server)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return &ConnectionError{Host: server.Host, Err: fmt.Errorf("open session: %w", err)}
	}
	defer session.Close()

	tail := &tailBuffer{max: stderrTailSize}
	session.Stdout = stdout
	if stderr != nil {
		session.Stderr = io.MultiWriter(stderr, tail)
	} else {
		session.Stderr = tail
	}
	if cmd.Stdin != nil {
		session.Stdin = cmd.Stdin
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd.Line()) }()

	select {
	case err := <-done:
		return classify(server.Host, cmd, err, tail.String())
	case <-runCtx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = client.Close()
		<-done
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TimeoutError{Command: cmd.String(), Timeout: timeout}
	}
}

func classify(host string, cmd Command, err error, stderr string) error {
	if err == nil {
		return nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return &CommandError{Command: cmd.String(), ExitStatus: exitErr.ExitStatus(), Stderr: strings.TrimSpace(stderr)}
	}
	return &ConnectionError{Host: host, Err: err}
}

func (e *SSHExecutor) connect(ctx context.Context, server domain.Server) (*ssh.Client, error) {
	auth, err := e.authMethod(server)
	if err != nil {
		return nil, &ConnectionError{Host: server.Host, Err: err}
	}
	port := server.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(server.Host, strconv.Itoa(port))
	cfg := &ssh.ClientConfig{
		User:            server.Username,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: e.hostKeyCallback(server),
		Timeout:         e.connectTimeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, e.connectTimeout)
	defer cancel()
	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, &ConnectionError{Host: addr, Err: err}
	}
	if deadline, ok := dialCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, &ConnectionError{Host: addr, Err: err}
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

func (e *SSHExecutor) authMethod(server domain.Server) (ssh.AuthMethod, error) {
	if e.box == nil {
		return nil, errors.New("credential box not configured")
	}
	secret, err := e.box.Open(server.Credential)
	if err != nil {
		return nil, fmt.Errorf("decrypt credential: %w", err)
	}
	switch server.AuthMethod {
	case domain.AuthPassword:
		return ssh.Password(secret), nil
	case domain.AuthKey:
		signer, err := ssh.ParsePrivateKey([]byte(secret))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return ssh.PublicKeys(signer), nil
	default:
		return nil, fmt.Errorf("unsupported auth method %q", server.AuthMethod)
	}
}

func (e *SSHExecutor) hostKeyCallback(server domain.Server) ssh.HostKeyCallback {
	if e.knownHosts != nil {
		return e.knownHosts
	}
	if server.HostKey != "" {
		return FingerprintCallback(server.HostKey)
	}
	e.log.Warn("accepting unverified host key", "server_id", server.ID, "host", server.Host)
	return ssh.InsecureIgnoreHostKey()
}

// FingerprintCallback accepts only a host key whose SHA256 fingerprint matches.
func FingerprintCallback(fingerprint string) ssh.HostKeyCallback {
	return func(hostname string, _ net.Addr, key ssh.PublicKey) error {
		if got := ssh.FingerprintSHA256(key); got != fingerprint {
			return fmt.Errorf("host key mismatch for %s: got %s", hostname, got)
		}
		return nil
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// lineWriter splits writes into lines; writers sharing mu emit sequentially.
type lineWriter struct {
	mu   *sync.Mutex
	buf  []byte
	emit func(string)
}

func (l *lineWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf = append(l.buf, p...)
	for {
		idx := bytes.IndexByte(l.buf, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimRight(string(l.buf[:idx]), "\r")
		l.buf = l.buf[idx+1:]
		l.emit(line)
	}
	return len(p), nil
}

func (l *lineWriter) flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buf) > 0 {
		l.emit(strings.TrimRight(string(l.buf), "\r"))
		l.buf = nil
	}
}

// tailBuffer keeps the last max bytes written.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
