// ABOUTME: Session registry owning all remote sessions and the alias table
// ABOUTME: WithSession handles transport loss with exactly one transparent reconnect

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/eshell/opsconsole/internal/transport"
)

var (
	// ErrSessionNotFound means the id (after alias resolution) maps to nothing.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionLost means the transport died and reopening it failed; the
	// session is terminally gone.
	ErrSessionLost = errors.New("session lost")
)

// ConfigSource resolves host connection configs by id.
type ConfigSource interface {
	FindHostConfig(ctx context.Context, id string) (transport.Config, error)
}

// Registry creates, resolves, and closes remote sessions. Old identifiers
// stay addressable through the alias table after reconnection.
type Registry struct {
	logger  *slog.Logger
	dialer  transport.Dialer
	configs ConfigSource

	mu       sync.RWMutex
	sessions map[string]*Session
	aliases  map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry(dialer transport.Dialer, configs ConfigSource, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger.With("component", "session-registry"),
		dialer:   dialer,
		configs:  configs,
		sessions: make(map[string]*Session),
		aliases:  make(map[string]string),
	}
}

// Open dials the host described by configID and starts an interactive session.
func (r *Registry) Open(ctx context.Context, configID string) (Info, error) {
	cfg, err := r.configs.FindHostConfig(ctx, configID)
	if err != nil {
		return Info{}, fmt.Errorf("resolving host config %q: %w", configID, err)
	}

	s, err := r.dial(ctx, cfg, "", DefaultCols, DefaultRows, newOutputHub())
	if err != nil {
		return Info{}, err
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	r.logger.Info("session opened", "session_id", s.ID, "config_id", configID, "host", cfg.Host)
	return s.Info(), nil
}

// dial establishes a transport and shell, probing the initial working
// directory. cwd overrides the probe when non-empty (reconnection path).
func (r *Registry) dial(ctx context.Context, cfg transport.Config, cwd string, cols, rows int, hub *outputHub) (*Session, error) {
	tr, err := r.dialer.Dial(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", cfg.Host, err)
	}

	if cwd == "" {
		out, perr := tr.Exec(ctx, "pwd")
		if perr == nil && out.ExitCode == 0 {
			cwd = sanitizeCwd(strings.TrimSpace(out.Stdout))
		} else {
			cwd = "/"
		}
	}

	shell, err := tr.OpenShell(cols, rows)
	if err != nil {
		tr.Close()
		return nil, fmt.Errorf("opening shell on %s: %w", cfg.Host, err)
	}

	return newSession(uuid.New().String(), cfg, tr, shell, cwd, cols, rows, hub, r.logger), nil
}

// lookup resolves id through the alias table to a live session.
func (r *Registry) lookup(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for range len(r.aliases) + 1 {
		if s, ok := r.sessions[id]; ok {
			return s
		}
		next, ok := r.aliases[id]
		if !ok {
			return nil
		}
		id = next
	}
	return nil
}

// Get returns the session info for id, following aliases.
func (r *Registry) Get(id string) (Info, error) {
	s := r.lookup(id)
	if s == nil {
		return Info{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s.Info(), nil
}

// List returns all live sessions ordered by creation time.
func (r *Registry) List() []Info {
	r.mu.RLock()
	infos := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		infos = append(infos, s.Info())
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.Before(infos[j].CreatedAt) })
	return infos
}

// Close tears down the session and removes it plus any aliases pointing at it.
func (r *Registry) Close(id string) error {
	s := r.lookup(id)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	r.mu.Lock()
	delete(r.sessions, s.ID)
	for alias, target := range r.aliases {
		if r.resolvesToLocked(target, s.ID) {
			delete(r.aliases, alias)
		}
	}
	r.mu.Unlock()

	s.close()
	r.logger.Info("session closed", "session_id", s.ID)
	return nil
}

func (r *Registry) resolvesToLocked(id, target string) bool {
	for range len(r.aliases) + 1 {
		if id == target {
			return true
		}
		next, ok := r.aliases[id]
		if !ok {
			return false
		}
		id = next
	}
	return false
}

// CloseAll shuts down every session, used at process exit.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.aliases = make(map[string]string)
	r.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}

// WithSession runs fn against the live session for id. On a detected
// transport loss it reopens a replacement session from the original config,
// aliases the old id to it, and retries fn exactly once. A failed reopen or
// a second loss surfaces as ErrSessionLost.
func (r *Registry) WithSession(ctx context.Context, id string, fn func(ctx context.Context, s *Session) error) error {
	s := r.lookup(id)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	err := fn(ctx, s)
	if err == nil || !transport.IsLost(err) {
		return err
	}

	r.logger.Warn("transport lost, reopening session",
		"session_id", s.ID, "config_id", s.ConfigID, "error", err)

	repl, rerr := r.reopen(ctx, s)
	if rerr != nil {
		return fmt.Errorf("%w: %s: %v", ErrSessionLost, s.ID, rerr)
	}

	if err := fn(ctx, repl); err != nil {
		if transport.IsLost(err) {
			return fmt.Errorf("%w: %s: %v", ErrSessionLost, repl.ID, err)
		}
		return err
	}
	return nil
}

// reopen replaces old with a fresh session sharing its output hub, so
// existing subscribers keep receiving a contiguous stream.
func (r *Registry) reopen(ctx context.Context, old *Session) (*Session, error) {
	old.reconnectMu.Lock()
	defer old.reconnectMu.Unlock()

	// A concurrent caller may have already replaced this session.
	if cur := r.lookup(old.ID); cur != nil && cur != old {
		return cur, nil
	}

	cfg, err := r.configs.FindHostConfig(ctx, old.ConfigID)
	if err != nil {
		return nil, fmt.Errorf("resolving host config %q: %w", old.ConfigID, err)
	}

	cwd := old.WorkingDirectory()
	cols, rows := old.dimensions()

	repl, err := r.dial(ctx, cfg, cwd, cols, rows, old.hub)
	if err != nil {
		return nil, err
	}

	// Best-effort working directory re-apply; a vanished directory is not
	// fatal, the session just lands in its home.
	if cwd != "" {
		if out, perr := repl.tr.Exec(ctx, fmt.Sprintf("cd %s && pwd", shellQuote(cwd))); perr != nil || out.ExitCode != 0 {
			r.logger.Warn("could not restore working directory", "session_id", repl.ID, "cwd", cwd)
		}
	}

	r.mu.Lock()
	delete(r.sessions, old.ID)
	r.sessions[repl.ID] = repl
	r.aliases[old.ID] = repl.ID
	r.mu.Unlock()

	old.teardownTransport()
	repl.appendSystemNotice(fmt.Sprintf("reconnected to %s, session re-established", repl.Host))
	r.logger.Info("session reconnected",
		"old_session_id", old.ID, "session_id", repl.ID, "host", repl.Host)
	return repl, nil
}

// Write sends raw input bytes, reconnecting transparently on transport loss.
func (r *Registry) Write(ctx context.Context, id string, data []byte) error {
	return r.WithSession(ctx, id, func(_ context.Context, s *Session) error {
		return s.WriteInput(data)
	})
}

// Resize adjusts the PTY dimensions, reconnecting transparently on loss.
func (r *Registry) Resize(ctx context.Context, id string, cols, rows int) error {
	return r.WithSession(ctx, id, func(_ context.Context, s *Session) error {
		return s.Resize(cols, rows)
	})
}

// Exec runs one command on the session, reconnecting transparently on loss.
func (r *Registry) Exec(ctx context.Context, id string, command string) (ExecResult, error) {
	var result ExecResult
	err := r.WithSession(ctx, id, func(ctx context.Context, s *Session) error {
		var execErr error
		result, execErr = s.Exec(ctx, command)
		return execErr
	})
	return result, err
}

// Subscribe attaches an observer to the session's PTY output stream. The
// stream survives reconnection because the hub follows the replacement.
func (r *Registry) Subscribe(ctx context.Context, id string) (<-chan []byte, error) {
	s := r.lookup(id)
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	ch, _ := s.hub.subscribe(ctx)
	return ch, nil
}
