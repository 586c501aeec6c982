// ABOUTME: Tool dispatcher mapping model-requested actions to risk classes
// ABOUTME: read_shell executes immediately; write_shell becomes a pending action

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eshell/opsconsole/internal/convo"
	"github.com/eshell/opsconsole/internal/events"
	"github.com/eshell/opsconsole/internal/session"
)

// CommandRunner executes a command on a session. Satisfied by the session
// registry, which adds transparent reconnection.
type CommandRunner interface {
	Exec(ctx context.Context, sessionID, command string) (session.ExecResult, error)
}

// DispatchOutcome is the result of dispatching one tool call.
type DispatchOutcome struct {
	// Suspend is set when the call requires approval and the run must stop.
	Suspend bool
	// Action is the pending action created for a write_shell call.
	Action *convo.PendingAction
}

// Dispatcher classifies and executes tool calls.
//
// Known risk, preserved deliberately: a read_shell call is auto-executed
// based solely on the tool name, with no inspection of the command string.
type Dispatcher struct {
	store       *convo.Store
	runner      CommandRunner
	broadcaster *events.Broadcaster
	logger      *slog.Logger

	mu        sync.Mutex
	resolving map[string]struct{}
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(store *convo.Store, runner CommandRunner, broadcaster *events.Broadcaster, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:       store,
		runner:      runner,
		broadcaster: broadcaster,
		logger:      logger.With("component", "tool-dispatcher"),
		resolving:   make(map[string]struct{}),
	}
}

// Dispatch handles one tool call for a run. Read calls block until their
// output returns; write calls create exactly one pending action each and
// signal suspension.
func (d *Dispatcher) Dispatch(ctx context.Context, runID, conversationID, sessionID string, call ToolCall) (DispatchOutcome, error) {
	switch call.Kind {
	case ToolReadShell:
		return DispatchOutcome{}, d.dispatchRead(ctx, runID, conversationID, sessionID, call)
	case ToolWriteShell:
		return d.dispatchWrite(runID, conversationID, sessionID, call)
	default:
		return DispatchOutcome{}, fmt.Errorf("cannot dispatch tool kind %s", call.Kind)
	}
}

func (d *Dispatcher) dispatchRead(ctx context.Context, runID, conversationID, sessionID string, call ToolCall) error {
	if call.Command == "" {
		return fmt.Errorf("read_shell call carried no command")
	}
	if sessionID == "" {
		return fmt.Errorf("read_shell requires a bound session")
	}

	var output string
	var exitCode int
	result, err := d.runner.Exec(ctx, sessionID, call.Command)
	if err != nil {
		// Command-level failure is tool-result content, not a run error.
		output = fmt.Sprintf("execution failed: %v", err)
		exitCode = -1
	} else {
		output = formatExecutionOutput(result.Stdout, result.Stderr, result.ExitCode)
		exitCode = result.ExitCode
	}

	toolNote := fmt.Sprintf("read_shell executed.\nCommand: %s\nExit: %d\n%s", call.Command, exitCode, output)
	if _, err := d.store.AppendMessage(conversationID, convo.RoleTool, toolNote, ToolReadShell.String()); err != nil {
		return fmt.Errorf("recording read_shell result: %w", err)
	}

	d.broadcaster.Publish(&events.Event{
		RunID:          runID,
		ConversationID: conversationID,
		Stage:          events.StageToolRead,
		Chunk:          "read_shell: " + call.Command,
		CreatedAt:      time.Now(),
	})
	d.logger.Info("read_shell executed", "run_id", runID, "command", call.Command, "exit_code", exitCode)
	return nil
}

func (d *Dispatcher) dispatchWrite(runID, conversationID, sessionID string, call ToolCall) (DispatchOutcome, error) {
	reason := call.Reason
	if reason == "" {
		reason = "requested by agent"
	}

	action, err := d.store.CreatePendingAction(conversationID, sessionID, call.Command, reason)
	if err != nil {
		return DispatchOutcome{}, fmt.Errorf("creating pending action: %w", err)
	}

	d.broadcaster.Publish(&events.Event{
		RunID:          runID,
		ConversationID: conversationID,
		Stage:          events.StageRequiresApproval,
		PendingAction:  &action,
		CreatedAt:      time.Now(),
	})
	d.logger.Info("write_shell queued for approval",
		"run_id", runID, "action_id", action.ID, "command", call.Command)
	return DispatchOutcome{Suspend: true, Action: &action}, nil
}

// Resolve approves or rejects a pending action exactly once. Approval
// executes the stored command and records real output; rejection records a
// declined tool-result message and executes nothing.
func (d *Dispatcher) Resolve(ctx context.Context, actionID string, approve bool) (convo.PendingAction, error) {
	// Claim the action before the pending check so two concurrent approvals
	// cannot both reach execution. The store check alone is not enough: the
	// status only flips after the command ran.
	if err := d.claimResolution(actionID); err != nil {
		return convo.PendingAction{}, err
	}
	defer d.releaseResolution(actionID)

	action, err := d.store.GetPendingAction(actionID)
	if err != nil {
		return convo.PendingAction{}, err
	}
	if action.Status != convo.ActionPending {
		return convo.PendingAction{}, fmt.Errorf("%w: action %s is %s",
			convo.ErrActionAlreadyResolved, actionID, action.Status)
	}

	if !approve {
		updated, err := d.store.MarkRejected(actionID)
		if err != nil {
			return convo.PendingAction{}, err
		}
		notice := fmt.Sprintf("write_shell declined by operator.\nCommand: %s\nReason: %s",
			updated.Command, updated.Reason)
		if _, err := d.store.AppendMessage(updated.ConversationID, convo.RoleTool, notice, ToolWriteShell.String()); err != nil {
			d.logger.Warn("could not record rejection notice", "action_id", actionID, "error", err)
		}
		d.logger.Info("action rejected", "action_id", actionID)
		return updated, nil
	}

	if action.SessionID == "" {
		updated, err := d.store.MarkApproved(actionID, "missing session id for write_shell", nil)
		if err != nil {
			return convo.PendingAction{}, err
		}
		return updated, nil
	}

	result, execErr := d.runner.Exec(ctx, action.SessionID, action.Command)
	if execErr != nil {
		updated, err := d.store.MarkApproved(actionID, fmt.Sprintf("execution failed: %v", execErr), nil)
		if err != nil {
			return convo.PendingAction{}, err
		}
		toolNote := fmt.Sprintf("write_shell approved but execution failed.\nCommand: %s\n%v",
			updated.Command, execErr)
		if _, err := d.store.AppendMessage(updated.ConversationID, convo.RoleTool, toolNote, ToolWriteShell.String()); err != nil {
			d.logger.Warn("could not record execution failure", "action_id", actionID, "error", err)
		}
		d.logger.Warn("approved action failed to execute", "action_id", actionID, "error", execErr)
		return updated, nil
	}

	output := formatExecutionOutput(result.Stdout, result.Stderr, result.ExitCode)
	exitCode := result.ExitCode
	updated, err := d.store.MarkApproved(actionID, output, &exitCode)
	if err != nil {
		return convo.PendingAction{}, err
	}
	toolNote := fmt.Sprintf("write_shell executed.\nCommand: %s\nExit: %d\n%s",
		updated.Command, exitCode, output)
	if _, err := d.store.AppendMessage(updated.ConversationID, convo.RoleTool, toolNote, ToolWriteShell.String()); err != nil {
		d.logger.Warn("could not record execution result", "action_id", actionID, "error", err)
	}
	d.logger.Info("action approved and executed", "action_id", actionID, "exit_code", exitCode)
	return updated, nil
}

func (d *Dispatcher) claimResolution(actionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.resolving[actionID]; busy {
		return fmt.Errorf("%w: action %s resolution in flight", convo.ErrActionAlreadyResolved, actionID)
	}
	d.resolving[actionID] = struct{}{}
	return nil
}

func (d *Dispatcher) releaseResolution(actionID string) {
	d.mu.Lock()
	delete(d.resolving, actionID)
	d.mu.Unlock()
}
