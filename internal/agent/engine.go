// ABOUTME: Agent run engine driving the streamed model loop per conversation
// ABOUTME: One active run per conversation; write_shell suspends until resolved

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eshell/opsconsole/internal/convo"
	"github.com/eshell/opsconsole/internal/events"
)

// ErrRunActive means the conversation already has a run in flight.
var ErrRunActive = errors.New("agent run already active for conversation")

const (
	defaultMaxToolRounds = 8
	defaultModelTimeout  = 2 * time.Minute
)

const defaultSystemPrompt = `You are an operations assistant connected to a remote server over SSH.
Answer questions about the server and help the operator diagnose problems.
Use the read_shell tool for read-only diagnostic commands; they run immediately.
Use the write_shell tool for anything that changes system state; those commands
are queued for human approval and never run without it. Keep answers short and
concrete, and prefer running a command over guessing.`

// EngineOptions tune a new engine. Zero values pick defaults.
type EngineOptions struct {
	SystemPrompt  string
	MaxToolRounds int
	ModelTimeout  time.Duration
}

type run struct {
	id             string
	conversationID string
	cancel         context.CancelFunc
}

// Engine owns agent runs. Each run streams model output, executes read
// tools inline, and suspends on the first write tool round.
type Engine struct {
	store       *convo.Store
	dispatcher  *Dispatcher
	broadcaster *events.Broadcaster
	model       ModelClient
	logger      *slog.Logger

	systemPrompt  string
	maxToolRounds int
	modelTimeout  time.Duration

	mu      sync.Mutex
	active  map[string]*run // keyed by conversation id
	byRunID map[string]*run
}

// NewEngine creates an engine.
func NewEngine(store *convo.Store, dispatcher *Dispatcher, broadcaster *events.Broadcaster, model ModelClient, opts EngineOptions, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = defaultSystemPrompt
	}
	if opts.MaxToolRounds <= 0 {
		opts.MaxToolRounds = defaultMaxToolRounds
	}
	if opts.ModelTimeout <= 0 {
		opts.ModelTimeout = defaultModelTimeout
	}
	return &Engine{
		store:         store,
		dispatcher:    dispatcher,
		broadcaster:   broadcaster,
		model:         model,
		logger:        logger.With("component", "agent-engine"),
		systemPrompt:  opts.SystemPrompt,
		maxToolRounds: opts.MaxToolRounds,
		modelTimeout:  opts.ModelTimeout,
		active:        make(map[string]*run),
		byRunID:       make(map[string]*run),
	}
}

// Start records the operator's question and launches a run for the
// conversation. The returned run id identifies the event stream. Exactly one
// run may be active per conversation.
func (e *Engine) Start(cfg ModelConfig, conversationID, sessionID, question string) (string, string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", "", errors.New("question cannot be empty")
	}
	if err := cfg.Validate(); err != nil {
		return "", "", err
	}

	conversation, err := e.store.Ensure(conversationID, sessionID)
	if err != nil {
		return "", "", err
	}
	if _, err := e.store.AppendMessage(conversation.ID, convo.RoleUser, question, ""); err != nil {
		return "", "", err
	}

	runID, err := e.launch(cfg, conversation.ID, conversation.SessionID)
	if err != nil {
		return "", "", err
	}
	return runID, conversation.ID, nil
}

// launch registers a run and spawns its processing loop. The run context is
// detached from the caller so an HTTP request ending does not kill the run.
func (e *Engine) launch(cfg ModelConfig, conversationID, sessionID string) (string, error) {
	e.mu.Lock()
	if _, busy := e.active[conversationID]; busy {
		e.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrRunActive, conversationID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{id: uuid.New().String(), conversationID: conversationID, cancel: cancel}
	e.active[conversationID] = r
	e.byRunID[r.id] = r
	e.mu.Unlock()

	go func() {
		defer e.finish(r)
		e.process(ctx, cfg, r, sessionID)
	}()
	return r.id, nil
}

func (e *Engine) finish(r *run) {
	e.mu.Lock()
	if cur, ok := e.active[r.conversationID]; ok && cur == r {
		delete(e.active, r.conversationID)
	}
	delete(e.byRunID, r.id)
	e.mu.Unlock()
	r.cancel()
}

// Cancel stops a run by id. Returns false when no such run is active.
func (e *Engine) Cancel(runID string) bool {
	e.mu.Lock()
	r, ok := e.byRunID[runID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	r.cancel()
	e.logger.Info("run cancelled", "run_id", runID)
	return true
}

// Active reports whether the conversation has a run in flight.
func (e *Engine) Active(conversationID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[conversationID]
	return ok
}

// Resolve settles a pending action. Approval executes the command, records
// the output, and launches a continuation run so the model can react to the
// result. Rejection records the refusal without a continuation.
func (e *Engine) Resolve(ctx context.Context, cfg ModelConfig, actionID string, approve bool) (convo.PendingAction, error) {
	action, err := e.dispatcher.Resolve(ctx, actionID, approve)
	if err != nil {
		return convo.PendingAction{}, err
	}
	if !approve {
		return action, nil
	}

	if err := cfg.Validate(); err != nil {
		e.logger.Warn("no continuation after approval, model config invalid", "action_id", actionID, "error", err)
		return action, nil
	}
	if _, err := e.launch(cfg, action.ConversationID, action.SessionID); err != nil {
		// A concurrent run already covers this conversation; the recorded
		// tool result will be in its history on the next round.
		e.logger.Warn("no continuation after approval", "action_id", actionID, "error", err)
	}
	return action, nil
}

func (e *Engine) process(ctx context.Context, cfg ModelConfig, r *run, sessionID string) {
	e.emit(r, events.StageStarted, func(ev *events.Event) {})
	e.logger.Info("run started", "run_id", r.id, "conversation_id", r.conversationID)

	for round := 0; round < e.maxToolRounds; round++ {
		if ctx.Err() != nil {
			e.emitError(r, "run cancelled")
			return
		}

		messages, err := e.buildMessages(r.conversationID)
		if err != nil {
			e.emitError(r, fmt.Sprintf("loading conversation: %v", err))
			return
		}

		modelCtx, cancel := context.WithTimeout(ctx, e.modelTimeout)
		resp, err := e.model.Stream(modelCtx, cfg, messages, func(chunk string) {
			e.emit(r, events.StageDelta, func(ev *events.Event) { ev.Chunk = chunk })
		})
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				e.emitError(r, "run cancelled")
				return
			}
			e.emitError(r, fmt.Sprintf("model call failed: %v", err))
			return
		}

		answer := strings.TrimSpace(resp.Text)

		if len(resp.ToolCalls) == 0 {
			if answer == "" {
				answer = "(no reply)"
			}
			if _, err := e.store.AppendMessage(r.conversationID, convo.RoleAssistant, answer, ""); err != nil {
				e.emitError(r, fmt.Sprintf("recording reply: %v", err))
				return
			}
			e.emit(r, events.StageCompleted, func(ev *events.Event) { ev.FullAnswer = answer })
			e.logger.Info("run completed", "run_id", r.id, "rounds", round+1)
			return
		}

		// Partial assistant text from a tool round is still conversation
		// history the next round must see.
		if answer != "" {
			if _, err := e.store.AppendMessage(r.conversationID, convo.RoleAssistant, answer, ""); err != nil {
				e.emitError(r, fmt.Sprintf("recording reply: %v", err))
				return
			}
		}

		if e.hasWriteCall(resp.ToolCalls) {
			e.suspendForApproval(r, sessionID, resp.ToolCalls, answer)
			return
		}

		for _, call := range resp.ToolCalls {
			if ctx.Err() != nil {
				e.emitError(r, "run cancelled")
				return
			}
			if _, err := e.dispatcher.Dispatch(ctx, r.id, r.conversationID, sessionID, call); err != nil {
				e.emitError(r, fmt.Sprintf("tool dispatch failed: %v", err))
				return
			}
		}
	}

	e.emitError(r, fmt.Sprintf("run exceeded %d tool rounds", e.maxToolRounds))
}

func (e *Engine) hasWriteCall(calls []ToolCall) bool {
	for _, call := range calls {
		if call.Kind == ToolWriteShell {
			return true
		}
	}
	return false
}

// suspendForApproval creates one pending action per write call, then ends
// the run. Read calls mixed into a write round are dropped; the continuation
// run re-plans with the approval outcome in history.
func (e *Engine) suspendForApproval(r *run, sessionID string, calls []ToolCall, answer string) {
	var last *convo.PendingAction
	for _, call := range calls {
		if call.Kind != ToolWriteShell {
			continue
		}
		outcome, err := e.dispatcher.Dispatch(context.Background(), r.id, r.conversationID, sessionID, call)
		if err != nil {
			e.emitError(r, fmt.Sprintf("queueing approval: %v", err))
			return
		}
		last = outcome.Action
	}

	e.emit(r, events.StageCompleted, func(ev *events.Event) {
		ev.FullAnswer = answer
		ev.PendingAction = last
	})
	e.logger.Info("run suspended for approval", "run_id", r.id)
}

// buildMessages renders the stored conversation as the model wire history.
// Tool results travel as user messages with a marker prefix, which keeps the
// request valid for endpoints that reject orphaned tool roles.
func (e *Engine) buildMessages(conversationID string) ([]ChatMessage, error) {
	conversation, err := e.store.Get(conversationID)
	if err != nil {
		return nil, err
	}

	messages := make([]ChatMessage, 0, len(conversation.Messages)+1)
	messages = append(messages, ChatMessage{Role: "system", Content: e.systemPrompt})
	for _, m := range conversation.Messages {
		switch m.Role {
		case convo.RoleTool:
			messages = append(messages, ChatMessage{Role: "user", Content: "[tool-result]\n" + m.Content})
		case convo.RoleUser, convo.RoleAssistant, convo.RoleSystem:
			messages = append(messages, ChatMessage{Role: string(m.Role), Content: m.Content})
		}
	}
	return messages, nil
}

func (e *Engine) emit(r *run, stage events.Stage, fill func(*events.Event)) {
	ev := &events.Event{
		RunID:          r.id,
		ConversationID: r.conversationID,
		Stage:          stage,
		CreatedAt:      time.Now(),
	}
	fill(ev)
	e.broadcaster.Publish(ev)
}

// emitError always carries the run and conversation ids so subscribers can
// route the failure.
func (e *Engine) emitError(r *run, message string) {
	e.emit(r, events.StageError, func(ev *events.Event) { ev.Error = message })
	e.logger.Warn("run failed", "run_id", r.id, "error", message)
}
