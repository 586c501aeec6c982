// ABOUTME: SSH implementation of the Transport interface using golang.org/x/crypto/ssh
// ABOUTME: Password auth, bounded dial timeout, PTY-backed interactive shells

package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
)

const defaultDialTimeout = 20 * time.Second

// SSHDialer dials real SSH transports.
type SSHDialer struct {
	// Timeout bounds the TCP connect and handshake. Zero means the
	// 20 second default.
	Timeout time.Duration
}

// Dial opens an authenticated SSH connection to the host described by cfg.
func (d *SSHDialer) Dial(ctx context.Context, cfg Config) (Transport, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(cfg.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	nd := net.Dialer{Timeout: timeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return &sshTransport{client: ssh.NewClient(sshConn, chans, reqs)}, nil
}

type sshTransport struct {
	client *ssh.Client
}

func (t *sshTransport) Exec(ctx context.Context, command string) (ExecOutput, error) {
	sess, err := t.client.NewSession()
	if err != nil {
		return ExecOutput{}, classify(fmt.Errorf("new session: %w", err))
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	select {
	case <-ctx.Done():
		sess.Close()
		return ExecOutput{}, ctx.Err()
	case err = <-done:
	}

	out := ExecOutput{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			// Non-zero exit is command output, not a transport failure.
			out.ExitCode = exitErr.ExitStatus()
			return out, nil
		}
		return out, classify(fmt.Errorf("run %q: %w", command, err))
	}
	return out, nil
}

func (t *sshTransport) OpenShell(cols, rows int) (Shell, error) {
	sess, err := t.client.NewSession()
	if err != nil {
		return nil, classify(fmt.Errorf("new session: %w", err))
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("xterm-256color", rows, cols, modes); err != nil {
		sess.Close()
		return nil, classify(fmt.Errorf("request pty: %w", err))
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	// Merge stdout and stderr into one ordered stream.
	pr, pw := io.Pipe()
	sess.Stdout = pw
	sess.Stderr = pw

	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, classify(fmt.Errorf("start shell: %w", err))
	}

	go func() {
		err := sess.Wait()
		pw.CloseWithError(classify(err))
	}()

	return &sshShell{sess: sess, stdin: stdin, output: pr}, nil
}

func (t *sshTransport) Close() error {
	return t.client.Close()
}

type sshShell struct {
	sess   *ssh.Session
	stdin  io.WriteCloser
	output *io.PipeReader
}

func (s *sshShell) Read(p []byte) (int, error) {
	n, err := s.output.Read(p)
	if err != nil && err != io.EOF {
		err = classify(err)
	}
	return n, err
}

func (s *sshShell) Write(p []byte) (int, error) {
	n, err := s.stdin.Write(p)
	if err != nil {
		err = classify(err)
	}
	return n, err
}

func (s *sshShell) Resize(cols, rows int) error {
	return s.sess.WindowChange(rows, cols)
}

func (s *sshShell) Close() error {
	s.stdin.Close()
	s.output.Close()
	return s.sess.Close()
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransportLost) {
		return err
	}
	if IsLost(err) {
		return fmt.Errorf("%w: %v", ErrTransportLost, err)
	}
	return err
}
