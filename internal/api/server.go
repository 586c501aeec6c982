// ABOUTME: HTTP JSON API and SSE streams for the operations console
// ABOUTME: Exposes sessions, status, conversations, agent runs, and profiles

package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/eshell/opsconsole/internal/agent"
	"github.com/eshell/opsconsole/internal/auth"
	"github.com/eshell/opsconsole/internal/convo"
	"github.com/eshell/opsconsole/internal/events"
	"github.com/eshell/opsconsole/internal/profiles"
	"github.com/eshell/opsconsole/internal/session"
	"github.com/eshell/opsconsole/internal/status"
)

// Config carries server wiring options.
type Config struct {
	Addr     string
	Verifier auth.TokenVerifier
}

// Server serves the console API over HTTP.
type Server struct {
	registry    *session.Registry
	statusCache *status.Cache
	store       *convo.Store
	engine      *agent.Engine
	profiles    *profiles.SQLiteStore
	broadcaster *events.Broadcaster
	logger      *slog.Logger
	httpSrv     *http.Server
}

// NewServer builds the server and its route table.
func NewServer(cfg Config, registry *session.Registry, statusCache *status.Cache, store *convo.Store, engine *agent.Engine, profileStore *profiles.SQLiteStore, broadcaster *events.Broadcaster, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		registry:    registry,
		statusCache: statusCache,
		store:       store,
		engine:      engine,
		profiles:    profileStore,
		broadcaster: broadcaster,
		logger:      logger.With("component", "api"),
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           auth.Middleware(cfg.Verifier)(s.routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	mux.HandleFunc("POST /api/v1/sessions", s.handleOpenSession)
	mux.HandleFunc("GET /api/v1/sessions", s.handleListSessions)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.handleCloseSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/input", s.handleSessionInput)
	mux.HandleFunc("POST /api/v1/sessions/{id}/resize", s.handleSessionResize)
	mux.HandleFunc("POST /api/v1/sessions/{id}/exec", s.handleSessionExec)
	mux.HandleFunc("GET /api/v1/sessions/{id}/stream", s.handleSessionStream)
	mux.HandleFunc("GET /api/v1/sessions/{id}/status", s.handleSessionStatus)

	mux.HandleFunc("GET /api/v1/conversations", s.handleListConversations)
	mux.HandleFunc("POST /api/v1/conversations", s.handleCreateConversation)
	mux.HandleFunc("GET /api/v1/conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("DELETE /api/v1/conversations/{id}", s.handleDeleteConversation)
	mux.HandleFunc("POST /api/v1/conversations/{id}/activate", s.handleActivateConversation)

	mux.HandleFunc("POST /api/v1/agent/runs", s.handleStartRun)
	mux.HandleFunc("DELETE /api/v1/agent/runs/{id}", s.handleCancelRun)
	mux.HandleFunc("GET /api/v1/agent/stream", s.handleAgentStream)

	mux.HandleFunc("GET /api/v1/actions", s.handleListActions)
	mux.HandleFunc("POST /api/v1/actions/{id}/resolve", s.handleResolveAction)

	mux.HandleFunc("GET /api/v1/profiles/hosts", s.handleListHosts)
	mux.HandleFunc("POST /api/v1/profiles/hosts", s.handleCreateHost)
	mux.HandleFunc("PUT /api/v1/profiles/hosts/{id}", s.handleUpdateHost)
	mux.HandleFunc("DELETE /api/v1/profiles/hosts/{id}", s.handleDeleteHost)

	mux.HandleFunc("GET /api/v1/profiles/scripts", s.handleListScripts)
	mux.HandleFunc("POST /api/v1/profiles/scripts", s.handleCreateScript)
	mux.HandleFunc("DELETE /api/v1/profiles/scripts/{id}", s.handleDeleteScript)
	mux.HandleFunc("POST /api/v1/profiles/scripts/{id}/run", s.handleRunScript)

	mux.HandleFunc("GET /api/v1/profiles/models", s.handleListModels)
	mux.HandleFunc("POST /api/v1/profiles/models", s.handleCreateModel)
	mux.HandleFunc("PUT /api/v1/profiles/models/{id}", s.handleUpdateModel)
	mux.HandleFunc("DELETE /api/v1/profiles/models/{id}", s.handleDeleteModel)
	mux.HandleFunc("POST /api/v1/profiles/models/{id}/activate", s.handleActivateModel)

	return mux
}

// Start listens on the configured address and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpSrv.Addr, err)
	}
	s.logger.Info("api server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serving http: %w", err)
		}
		return nil
	}
}

// --- envelope helpers ---

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, code, msg string) {
	s.writeJSON(w, statusCode, errorResponse{Error: apiError{Code: code, Message: msg}})
}

// writeDomainError maps sentinel errors onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, convo.ErrNotFound),
		errors.Is(err, profiles.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, session.ErrSessionLost):
		s.writeError(w, http.StatusBadGateway, "session_lost", err.Error())
	case errors.Is(err, convo.ErrActionAlreadyResolved):
		s.writeError(w, http.StatusConflict, "already_resolved", err.Error())
	case errors.Is(err, agent.ErrRunActive):
		s.writeError(w, http.StatusConflict, "run_active", err.Error())
	case errors.Is(err, profiles.ErrDuplicateName):
		s.writeError(w, http.StatusConflict, "duplicate_name", err.Error())
	case errors.Is(err, agent.ErrRateLimited):
		s.writeError(w, http.StatusTooManyRequests, "rate_limited", err.Error())
	case errors.Is(err, agent.ErrUpstreamUnavailable):
		s.writeError(w, http.StatusBadGateway, "upstream_unavailable", err.Error())
	default:
		s.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	}
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decoding request body: %w", err)
	}
	return nil
}

// --- health ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- sessions ---

type openSessionRequest struct {
	ConfigID string `json:"configId"`
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.ConfigID == "" {
		s.writeError(w, http.StatusBadRequest, "bad_request", "configId is required")
		return
	}

	info, err := s.registry.Open(r.Context(), req.ConfigID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	list := s.registry.List()
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": list})
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.registry.Close(id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.statusCache.Forget(id)
	w.WriteHeader(http.StatusNoContent)
}

type sessionInputRequest struct {
	Data string `json:"data"`
}

func (s *Server) handleSessionInput(w http.ResponseWriter, r *http.Request) {
	var req sessionInputRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := s.registry.Write(r.Context(), r.PathValue("id"), []byte(req.Data)); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sessionResizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

func (s *Server) handleSessionResize(w http.ResponseWriter, r *http.Request) {
	var req sessionResizeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := s.registry.Resize(r.Context(), r.PathValue("id"), req.Cols, req.Rows); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sessionExecRequest struct {
	Command string `json:"command"`
}

func (s *Server) handleSessionExec(w http.ResponseWriter, r *http.Request) {
	var req sessionExecRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	result, err := s.registry.Exec(r.Context(), r.PathValue("id"), req.Command)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleSessionStream pushes raw PTY output as SSE. Chunks are base64
// encoded because terminal bytes are not valid SSE payload text.
func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	ch, err := s.registry.Subscribe(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support streaming")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case chunk, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: pty-output\ndata: %s\n\n", base64.StdEncoding.EncodeToString(chunk))
			flusher.Flush()
		}
	}
}

// handleSessionStatus serves the cached snapshot, or refreshes when asked.
// The cached path never touches the transport; clients polling for an
// instant render get a 404 until a refresh has populated the cache.
func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if r.URL.Query().Get("refresh") != "true" {
		snapshot, ok := s.statusCache.GetCached(id)
		if !ok {
			s.writeError(w, http.StatusNotFound, "not_found", "no cached status for session "+id)
			return
		}
		s.writeJSON(w, http.StatusOK, snapshot)
		return
	}

	snapshot, err := s.statusCache.Refresh(r.Context(), id, r.URL.Query().Get("interface"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snapshot)
}

// --- conversations ---

func (s *Server) handleListConversations(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"conversations":        s.store.ListSummaries(),
		"activeConversationId": s.store.ActiveID(),
	})
}

type createConversationRequest struct {
	Title     string `json:"title"`
	SessionID string `json:"sessionId"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	c, err := s.store.Create(req.Title, req.SessionID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.Get(r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(r.PathValue("id")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActivateConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.store.SetActive(r.PathValue("id")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- agent runs ---

type startRunRequest struct {
	ConversationID string `json:"conversationId"`
	SessionID      string `json:"sessionId"`
	Question       string `json:"question"`
}

type startRunResponse struct {
	RunID          string `json:"runId"`
	ConversationID string `json:"conversationId"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	cfg, err := s.activeModelConfig(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	runID, conversationID, err := s.engine.Start(cfg, req.ConversationID, req.SessionID, req.Question)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, startRunResponse{RunID: runID, ConversationID: conversationID})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	if !s.engine.Cancel(r.PathValue("id")) {
		s.writeError(w, http.StatusNotFound, "not_found", "no active run with that id")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAgentStream pushes agent run events for one conversation as SSE.
func (s *Server) handleAgentStream(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversationId")
	if conversationID == "" {
		s.writeError(w, http.StatusBadRequest, "bad_request", "conversationId is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support streaming")
		return
	}

	ch, _ := s.broadcaster.Subscribe(r.Context(), conversationID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn("could not encode event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: agent-stream\ndata: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func (s *Server) activeModelConfig(ctx context.Context) (agent.ModelConfig, error) {
	p, err := s.profiles.ActiveModel(ctx)
	if err != nil {
		return agent.ModelConfig{}, fmt.Errorf("no usable model profile: %w", err)
	}
	return agent.ModelConfig{
		BaseURL:     p.BaseURL,
		APIKey:      p.APIKey,
		Model:       p.Model,
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
	}, nil
}

// --- pending actions ---

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	onlyPending := r.URL.Query().Get("pending") == "true"
	s.writeJSON(w, http.StatusOK, map[string]any{
		"actions": s.store.ListPendingActions(sessionID, onlyPending),
	})
}

type resolveActionRequest struct {
	Approve bool `json:"approve"`
}

func (s *Server) handleResolveAction(w http.ResponseWriter, r *http.Request) {
	var req resolveActionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	cfg, err := s.activeModelConfig(r.Context())
	if err != nil {
		// Resolution must still work when no model profile exists; the
		// engine just skips the continuation run.
		cfg = agent.ModelConfig{}
	}

	action, err := s.engine.Resolve(r.Context(), cfg, r.PathValue("id"), req.Approve)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, action)
}

// --- profiles ---

func (s *Server) handleListHosts(w http.ResponseWriter, r *http.Request) {
	hosts, err := s.profiles.ListHosts(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"hosts": hosts})
}

func (s *Server) handleCreateHost(w http.ResponseWriter, r *http.Request) {
	var p profiles.HostProfile
	if err := decodeBody(r, &p); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	created, err := s.profiles.CreateHost(r.Context(), p)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateHost(w http.ResponseWriter, r *http.Request) {
	var p profiles.HostProfile
	if err := decodeBody(r, &p); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	p.ID = r.PathValue("id")
	updated, err := s.profiles.UpdateHost(r.Context(), p)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteHost(w http.ResponseWriter, r *http.Request) {
	if err := s.profiles.DeleteHost(r.Context(), r.PathValue("id")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListScripts(w http.ResponseWriter, r *http.Request) {
	scripts, err := s.profiles.ListScripts(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"scripts": scripts})
}

func (s *Server) handleCreateScript(w http.ResponseWriter, r *http.Request) {
	var p profiles.ScriptProfile
	if err := decodeBody(r, &p); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	created, err := s.profiles.CreateScript(r.Context(), p)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleDeleteScript(w http.ResponseWriter, r *http.Request) {
	if err := s.profiles.DeleteScript(r.Context(), r.PathValue("id")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type runScriptRequest struct {
	SessionID string `json:"sessionId"`
}

// handleRunScript executes a saved script on the named session. An inline
// command runs as-is; a path-only script runs through bash on the remote host.
func (s *Server) handleRunScript(w http.ResponseWriter, r *http.Request) {
	var req runScriptRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.SessionID == "" {
		s.writeError(w, http.StatusBadRequest, "bad_request", "sessionId is required")
		return
	}

	script, err := s.profiles.GetScript(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	result, err := s.registry.Exec(r.Context(), req.SessionID, script.RunCommand())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"scriptId":   script.ID,
		"scriptName": script.Name,
		"execution":  result,
	})
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.profiles.ListModels(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (s *Server) handleCreateModel(w http.ResponseWriter, r *http.Request) {
	var p profiles.ModelProfile
	if err := decodeBody(r, &p); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	created, err := s.profiles.CreateModel(r.Context(), p)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateModel(w http.ResponseWriter, r *http.Request) {
	var p profiles.ModelProfile
	if err := decodeBody(r, &p); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	p.ID = r.PathValue("id")
	updated, err := s.profiles.UpdateModel(r.Context(), p)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	if err := s.profiles.DeleteModel(r.Context(), r.PathValue("id")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActivateModel(w http.ResponseWriter, r *http.Request) {
	if err := s.profiles.SetActiveModel(r.Context(), r.PathValue("id")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
