// ABOUTME: Transport abstraction over remote shell connections
// ABOUTME: Defines Transport/Shell/Dialer interfaces and transport-loss classification

package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

// ErrTransportLost indicates the underlying connection died and the
// operation may be retried on a fresh transport.
var ErrTransportLost = errors.New("transport lost")

// Config describes how to reach a remote host.
type Config struct {
	ID       string
	Name     string
	Host     string
	Port     int
	Username string
	Password string
}

// ExecOutput is the result of a single non-interactive command.
type ExecOutput struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Shell is an interactive pseudo-terminal channel. Read returns combined
// stdout/stderr bytes in production order.
type Shell interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Resize(cols, rows int) error
	Close() error
}

// Transport is one authenticated connection to a remote host.
type Transport interface {
	Exec(ctx context.Context, command string) (ExecOutput, error)
	OpenShell(cols, rows int) (Shell, error)
	Close() error
}

// Dialer establishes transports. The session registry depends on this
// interface so tests can substitute in-memory fakes.
type Dialer interface {
	Dial(ctx context.Context, cfg Config) (Transport, error)
}

// IsLost reports whether err indicates a dead connection rather than a
// command-level failure.
func IsLost(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransportLost) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	msg := err.Error()
	for _, marker := range []string{
		"connection reset",
		"broken pipe",
		"connection refused",
		"use of closed network connection",
		"ssh: disconnect",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
