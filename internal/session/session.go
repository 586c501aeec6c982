// ABOUTME: Remote session wrapping one transport with a PTY shell
// ABOUTME: Tracks working directory, buffers trailing output, fans out PTY chunks

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/eshell/opsconsole/internal/transport"
)

const (
	DefaultCols = 120
	DefaultRows = 36

	minCols = 20
	minRows = 8

	// Trailing output retained per session, in bytes.
	maxBufferedOutput = 16000

	readChunkSize = 16 * 1024
)

// Info is the caller-visible snapshot of a session.
type Info struct {
	ID               string    `json:"id"`
	ConfigID         string    `json:"configId"`
	Label            string    `json:"label"`
	Host             string    `json:"host"`
	WorkingDirectory string    `json:"workingDirectory"`
	CreatedAt        time.Time `json:"createdAt"`
}

// ExecResult is the outcome of one command executed on a session.
type ExecResult struct {
	SessionID        string    `json:"sessionId"`
	Command          string    `json:"command"`
	Stdout           string    `json:"stdout"`
	Stderr           string    `json:"stderr"`
	ExitCode         int       `json:"exitCode"`
	WorkingDirectory string    `json:"workingDirectory"`
	StartedAt        time.Time `json:"startedAt"`
	FinishedAt       time.Time `json:"finishedAt"`
}

// Session is one live remote session. All access goes through the Registry;
// the registry's indirection keeps old identifiers addressable after the
// underlying transport is replaced.
type Session struct {
	ID        string
	ConfigID  string
	Label     string
	Host      string
	CreatedAt time.Time

	logger *slog.Logger
	hub    *outputHub

	reconnectMu sync.Mutex

	mu         sync.Mutex
	tr         transport.Transport
	shell      transport.Shell
	cwd        string
	cols, rows int
	lastOutput string
	closed     bool
}

func newSession(id string, cfg transport.Config, tr transport.Transport, shell transport.Shell, cwd string, cols, rows int, hub *outputHub, logger *slog.Logger) *Session {
	s := &Session{
		ID:        id,
		ConfigID:  cfg.ID,
		Label:     cfg.Name,
		Host:      cfg.Host,
		CreatedAt: time.Now(),
		logger:    logger.With("component", "session", "session_id", id),
		hub:       hub,
		tr:        tr,
		shell:     shell,
		cwd:       cwd,
		cols:      cols,
		rows:      rows,
	}
	s.startPump(shell)
	return s
}

// Info returns a point-in-time snapshot.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:               s.ID,
		ConfigID:         s.ConfigID,
		Label:            s.Label,
		Host:             s.Host,
		WorkingDirectory: s.cwd,
		CreatedAt:        s.CreatedAt,
	}
}

// WorkingDirectory returns the last known remote working directory.
func (s *Session) WorkingDirectory() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwd
}

// LastOutput returns the trailing buffered output.
func (s *Session) LastOutput() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastOutput
}

// WriteInput sends raw bytes to the interactive shell.
func (s *Session) WriteInput(data []byte) error {
	s.mu.Lock()
	shell := s.shell
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return fmt.Errorf("%w: session closed", transport.ErrTransportLost)
	}
	if shell == nil {
		return fmt.Errorf("%w: shell not available", transport.ErrTransportLost)
	}
	if _, err := shell.Write(data); err != nil {
		return err
	}
	return nil
}

// Resize changes the PTY dimensions, flooring to usable minimums.
func (s *Session) Resize(cols, rows int) error {
	if cols < minCols {
		cols = minCols
	}
	if rows < minRows {
		rows = minRows
	}

	s.mu.Lock()
	s.cols = cols
	s.rows = rows
	shell := s.shell
	s.mu.Unlock()

	if shell == nil {
		return fmt.Errorf("%w: shell not available", transport.ErrTransportLost)
	}
	return shell.Resize(cols, rows)
}

// Exec runs one command non-interactively, anchored at the session's working
// directory. A leading "cd" updates the tracked directory on success.
func (s *Session) Exec(ctx context.Context, command string) (ExecResult, error) {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return ExecResult{}, errors.New("command cannot be empty")
	}

	s.mu.Lock()
	tr := s.tr
	cwd := s.cwd
	s.mu.Unlock()
	if tr == nil {
		return ExecResult{}, fmt.Errorf("%w: transport not available", transport.ErrTransportLost)
	}

	started := time.Now()
	result := ExecResult{
		SessionID: s.ID,
		Command:   command,
		StartedAt: started,
	}

	if target, isCD := parseCDTarget(trimmed); isCD {
		if target == "" {
			target = "~"
		}
		out, err := tr.Exec(ctx, fmt.Sprintf("cd %s && cd %s && pwd", shellQuote(cwd), target))
		if err != nil {
			return ExecResult{}, err
		}
		if out.ExitCode == 0 {
			newDir := sanitizeCwd(strings.TrimSpace(out.Stdout))
			s.mu.Lock()
			s.cwd = newDir
			s.lastOutput = strings.TrimSpace(out.Stdout)
			s.mu.Unlock()
		}
		result.Stdout = out.Stdout
		result.Stderr = out.Stderr
		result.ExitCode = out.ExitCode
		result.WorkingDirectory = s.WorkingDirectory()
		result.FinishedAt = time.Now()
		return result, nil
	}

	out, err := tr.Exec(ctx, fmt.Sprintf("cd %s && %s", shellQuote(cwd), trimmed))
	if err != nil {
		return ExecResult{}, err
	}

	s.mu.Lock()
	s.lastOutput = formatStdoutStderr(out.Stdout, out.Stderr)
	s.mu.Unlock()

	result.Stdout = out.Stdout
	result.Stderr = out.Stderr
	result.ExitCode = out.ExitCode
	result.WorkingDirectory = cwd
	result.FinishedAt = time.Now()
	return result, nil
}

// startPump reads PTY output until the shell dies, recording and fanning out
// each chunk in production order.
func (s *Session) startPump(shell transport.Shell) {
	go func() {
		buf := make([]byte, readChunkSize)
		for {
			n, err := shell.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				s.recordOutput(chunk)
				s.hub.publish(chunk)
			}
			if err != nil {
				s.mu.Lock()
				if s.shell == shell {
					s.shell = nil
				}
				closed := s.closed
				s.mu.Unlock()
				if !closed {
					s.logger.Warn("pty stream ended", "error", err)
				}
				return
			}
		}
	}()
}

func (s *Session) recordOutput(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastOutput += string(chunk)
	if len(s.lastOutput) > maxBufferedOutput {
		s.lastOutput = s.lastOutput[len(s.lastOutput)-maxBufferedOutput:]
	}
}

// appendSystemNotice pushes a system-generated line into the interactive log.
func (s *Session) appendSystemNotice(text string) {
	chunk := []byte("\r\n[system] " + text + "\r\n")
	s.recordOutput(chunk)
	s.hub.publish(chunk)
}

// teardownTransport closes the transport without touching the output hub so
// a replacement session can keep serving existing subscribers.
func (s *Session) teardownTransport() {
	s.mu.Lock()
	shell := s.shell
	tr := s.tr
	s.shell = nil
	s.tr = nil
	s.closed = true
	s.mu.Unlock()

	if shell != nil {
		shell.Close()
	}
	if tr != nil {
		tr.Close()
	}
}

func (s *Session) close() {
	s.teardownTransport()
	s.hub.close()
}

func (s *Session) dimensions() (cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}
