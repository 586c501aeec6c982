// ABOUTME: Tests for the run engine and tool dispatcher
// ABOUTME: Uses a scripted model client and fake runner against the real store

package agent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eshell/opsconsole/internal/convo"
	"github.com/eshell/opsconsole/internal/events"
	"github.com/eshell/opsconsole/internal/session"
)

type modelStep struct {
	deltas []string
	resp   *ModelResponse
	err    error
}

// scriptedModel replays one step per Stream call. When block is set, calls
// wait on it before answering so tests can hold a run open.
type scriptedModel struct {
	mu    sync.Mutex
	steps []modelStep
	calls int
	block chan struct{}
}

func (m *scriptedModel) Stream(ctx context.Context, cfg ModelConfig, messages []ChatMessage, onDelta func(string)) (*ModelResponse, error) {
	m.mu.Lock()
	idx := m.calls
	m.calls++
	block := m.block
	m.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if idx >= len(m.steps) {
		return nil, fmt.Errorf("unexpected model call %d", idx)
	}
	step := m.steps[idx]
	if step.err != nil {
		return nil, step.err
	}
	for _, d := range step.deltas {
		if onDelta != nil {
			onDelta(d)
		}
	}
	return step.resp, nil
}

func (m *scriptedModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type fakeRunner struct {
	mu       sync.Mutex
	commands []string
	result   session.ExecResult
	err      error
}

func (f *fakeRunner) Exec(ctx context.Context, sessionID, command string) (session.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, command)
	if f.err != nil {
		return session.ExecResult{}, f.err
	}
	r := f.result
	r.SessionID = sessionID
	r.Command = command
	return r, nil
}

func (f *fakeRunner) executed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

type engineFixture struct {
	store       *convo.Store
	broadcaster *events.Broadcaster
	runner      *fakeRunner
	model       *scriptedModel
	engine      *Engine
}

func newEngineFixture(t *testing.T, model *scriptedModel, opts EngineOptions) *engineFixture {
	t.Helper()

	store, err := convo.NewStore(t.TempDir(), nil)
	require.NoError(t, err)

	broadcaster := events.NewBroadcaster(nil)
	t.Cleanup(broadcaster.Close)

	runner := &fakeRunner{result: session.ExecResult{Stdout: "ok\n", ExitCode: 0}}
	dispatcher := NewDispatcher(store, runner, broadcaster, nil)
	engine := NewEngine(store, dispatcher, broadcaster, model, opts, nil)

	return &engineFixture{
		store:       store,
		broadcaster: broadcaster,
		runner:      runner,
		model:       model,
		engine:      engine,
	}
}

func testModelConfig() ModelConfig {
	return ModelConfig{BaseURL: "http://model.test/v1", APIKey: "key", Model: "test-model"}
}

// collectUntil drains events until the predicate matches or the test times out.
func collectUntil(t *testing.T, ch <-chan *events.Event, done func(*events.Event) bool) []*events.Event {
	t.Helper()
	var got []*events.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "event channel closed before terminal event")
			got = append(got, ev)
			if done(ev) {
				return got
			}
		case <-deadline:
			t.Fatalf("timed out waiting for terminal event, got %d events", len(got))
		}
	}
}

func isTerminal(ev *events.Event) bool {
	return ev.Stage == events.StageCompleted || ev.Stage == events.StageError
}

// waitInactive blocks until the run deregisters. The terminal event is
// published just before the run exits, so resolution must not race it.
func waitInactive(t *testing.T, e *Engine, conversationID string) {
	t.Helper()
	require.Eventually(t, func() bool { return !e.Active(conversationID) },
		2*time.Second, 5*time.Millisecond)
}

func stages(evs []*events.Event) []events.Stage {
	out := make([]events.Stage, len(evs))
	for i, ev := range evs {
		out[i] = ev.Stage
	}
	return out
}

func TestEngine_PlainAnswerStreamsDeltas(t *testing.T) {
	model := &scriptedModel{steps: []modelStep{
		{deltas: []string{"The disk ", "is fine."}, resp: &ModelResponse{Text: "The disk is fine."}},
	}}
	fx := newEngineFixture(t, model, EngineOptions{})

	c, err := fx.store.Create("", "sess-1")
	require.NoError(t, err)
	ch, _ := fx.broadcaster.Subscribe(t.Context(), c.ID)

	runID, convID, err := fx.engine.Start(testModelConfig(), c.ID, "sess-1", "how is the disk?")
	require.NoError(t, err)
	assert.Equal(t, c.ID, convID)

	got := collectUntil(t, ch, isTerminal)
	require.Equal(t, []events.Stage{
		events.StageStarted, events.StageDelta, events.StageDelta, events.StageCompleted,
	}, stages(got))
	assert.Equal(t, "The disk ", got[1].Chunk)
	assert.Equal(t, "The disk is fine.", got[3].FullAnswer)
	for _, ev := range got {
		assert.Equal(t, runID, ev.RunID)
		assert.Equal(t, c.ID, ev.ConversationID)
	}

	stored, err := fx.store.Get(c.ID)
	require.NoError(t, err)
	require.Len(t, stored.Messages, 2)
	assert.Equal(t, convo.RoleUser, stored.Messages[0].Role)
	assert.Equal(t, convo.RoleAssistant, stored.Messages[1].Role)
	assert.Equal(t, "The disk is fine.", stored.Messages[1].Content)
}

func TestEngine_ReadToolExecutesWithoutApproval(t *testing.T) {
	model := &scriptedModel{steps: []modelStep{
		{resp: &ModelResponse{ToolCalls: []ToolCall{
			{ID: "call-1", Kind: ToolReadShell, Command: "df -h"},
		}}},
		{resp: &ModelResponse{Text: "Plenty of space left."}},
	}}
	fx := newEngineFixture(t, model, EngineOptions{})

	c, err := fx.store.Create("", "sess-1")
	require.NoError(t, err)
	ch, _ := fx.broadcaster.Subscribe(t.Context(), c.ID)

	_, _, err = fx.engine.Start(testModelConfig(), c.ID, "sess-1", "how is the disk?")
	require.NoError(t, err)

	got := collectUntil(t, ch, isTerminal)
	require.Equal(t, []events.Stage{
		events.StageStarted, events.StageToolRead, events.StageCompleted,
	}, stages(got))
	assert.Equal(t, "read_shell: df -h", got[1].Chunk)

	assert.Equal(t, []string{"df -h"}, fx.runner.executed())
	assert.Empty(t, fx.store.ListPendingActions("", false),
		"read tools never create pending actions")

	stored, err := fx.store.Get(c.ID)
	require.NoError(t, err)
	require.Len(t, stored.Messages, 3)
	assert.Equal(t, convo.RoleTool, stored.Messages[1].Role)
	assert.Contains(t, stored.Messages[1].Content, "read_shell executed.")
	assert.Contains(t, stored.Messages[1].Content, "stdout:\nok")
	assert.Equal(t, 2, model.callCount())
}

func TestEngine_WriteToolSuspendsForApproval(t *testing.T) {
	model := &scriptedModel{steps: []modelStep{
		{deltas: []string{"I need to clear the cache."}, resp: &ModelResponse{
			Text: "I need to clear the cache.",
			ToolCalls: []ToolCall{
				{ID: "call-1", Kind: ToolWriteShell, Command: "rm -rf /tmp/cache", Reason: "clear stale cache"},
			},
		}},
	}}
	fx := newEngineFixture(t, model, EngineOptions{})

	c, err := fx.store.Create("", "sess-1")
	require.NoError(t, err)
	ch, _ := fx.broadcaster.Subscribe(t.Context(), c.ID)

	_, _, err = fx.engine.Start(testModelConfig(), c.ID, "sess-1", "clean up temp files")
	require.NoError(t, err)

	got := collectUntil(t, ch, isTerminal)
	require.Equal(t, []events.Stage{
		events.StageStarted, events.StageDelta, events.StageRequiresApproval, events.StageCompleted,
	}, stages(got))

	approval := got[2]
	require.NotNil(t, approval.PendingAction)
	assert.Equal(t, "rm -rf /tmp/cache", approval.PendingAction.Command)
	assert.Equal(t, convo.ActionPending, approval.PendingAction.Status)
	assert.Equal(t, convo.RiskWrite, approval.PendingAction.RiskClass)
	require.NotNil(t, got[3].PendingAction)

	// Nothing ran, exactly one action queued, and the run has ended.
	assert.Empty(t, fx.runner.executed())
	require.Len(t, fx.store.ListPendingActions("sess-1", true), 1)
	assert.Eventually(t, func() bool { return !fx.engine.Active(c.ID) },
		2*time.Second, 10*time.Millisecond)
}

func TestEngine_ApproveExecutesAndContinuesRun(t *testing.T) {
	model := &scriptedModel{steps: []modelStep{
		{resp: &ModelResponse{ToolCalls: []ToolCall{
			{ID: "call-1", Kind: ToolWriteShell, Command: "systemctl restart nginx", Reason: "config changed"},
		}}},
		{resp: &ModelResponse{Text: "Restarted nginx, it is healthy."}},
	}}
	fx := newEngineFixture(t, model, EngineOptions{})

	c, err := fx.store.Create("", "sess-1")
	require.NoError(t, err)
	ch, _ := fx.broadcaster.Subscribe(t.Context(), c.ID)

	_, _, err = fx.engine.Start(testModelConfig(), c.ID, "sess-1", "restart nginx")
	require.NoError(t, err)
	collectUntil(t, ch, isTerminal)
	waitInactive(t, fx.engine, c.ID)

	actions := fx.store.ListPendingActions("sess-1", true)
	require.Len(t, actions, 1)

	resolved, err := fx.engine.Resolve(t.Context(), testModelConfig(), actions[0].ID, true)
	require.NoError(t, err)
	assert.Equal(t, convo.ActionApproved, resolved.Status)
	require.NotNil(t, resolved.ExecutionExitCode)
	assert.Equal(t, 0, *resolved.ExecutionExitCode)
	assert.Contains(t, resolved.ExecutionOutput, "stdout:\nok")
	assert.Equal(t, []string{"systemctl restart nginx"}, fx.runner.executed())

	// The continuation run reacts to the recorded tool result.
	got := collectUntil(t, ch, isTerminal)
	last := got[len(got)-1]
	assert.Equal(t, events.StageCompleted, last.Stage)
	assert.Equal(t, "Restarted nginx, it is healthy.", last.FullAnswer)
	assert.Equal(t, 2, model.callCount())

	stored, err := fx.store.Get(c.ID)
	require.NoError(t, err)
	var toolMsg *convo.Message
	for i := range stored.Messages {
		if stored.Messages[i].Role == convo.RoleTool {
			toolMsg = &stored.Messages[i]
		}
	}
	require.NotNil(t, toolMsg)
	assert.Contains(t, toolMsg.Content, "write_shell executed.")
	assert.Contains(t, toolMsg.Content, "Command: systemctl restart nginx")
}

func TestEngine_RejectExecutesNothing(t *testing.T) {
	model := &scriptedModel{steps: []modelStep{
		{resp: &ModelResponse{ToolCalls: []ToolCall{
			{ID: "call-1", Kind: ToolWriteShell, Command: "reboot", Reason: "kernel update"},
		}}},
	}}
	fx := newEngineFixture(t, model, EngineOptions{})

	c, err := fx.store.Create("", "sess-1")
	require.NoError(t, err)
	ch, _ := fx.broadcaster.Subscribe(t.Context(), c.ID)

	_, _, err = fx.engine.Start(testModelConfig(), c.ID, "sess-1", "apply the kernel update")
	require.NoError(t, err)
	collectUntil(t, ch, isTerminal)

	actions := fx.store.ListPendingActions("sess-1", true)
	require.Len(t, actions, 1)

	resolved, err := fx.engine.Resolve(t.Context(), testModelConfig(), actions[0].ID, false)
	require.NoError(t, err)
	assert.Equal(t, convo.ActionRejected, resolved.Status)
	assert.Empty(t, resolved.ExecutionOutput)
	assert.Nil(t, resolved.ExecutionExitCode)

	assert.Empty(t, fx.runner.executed())
	assert.Equal(t, 1, model.callCount(), "rejection starts no continuation run")

	stored, err := fx.store.Get(c.ID)
	require.NoError(t, err)
	last := stored.Messages[len(stored.Messages)-1]
	assert.Equal(t, convo.RoleTool, last.Role)
	assert.Contains(t, last.Content, "declined by operator")
}

func TestEngine_DoubleResolveFails(t *testing.T) {
	model := &scriptedModel{steps: []modelStep{
		{resp: &ModelResponse{ToolCalls: []ToolCall{
			{ID: "call-1", Kind: ToolWriteShell, Command: "true", Reason: "noop"},
		}}},
		{resp: &ModelResponse{Text: "done"}},
	}}
	fx := newEngineFixture(t, model, EngineOptions{})

	c, err := fx.store.Create("", "sess-1")
	require.NoError(t, err)
	ch, _ := fx.broadcaster.Subscribe(t.Context(), c.ID)

	_, _, err = fx.engine.Start(testModelConfig(), c.ID, "sess-1", "run a noop")
	require.NoError(t, err)
	collectUntil(t, ch, isTerminal)
	waitInactive(t, fx.engine, c.ID)

	actions := fx.store.ListPendingActions("sess-1", true)
	require.Len(t, actions, 1)

	_, err = fx.engine.Resolve(t.Context(), testModelConfig(), actions[0].ID, true)
	require.NoError(t, err)

	_, err = fx.engine.Resolve(t.Context(), testModelConfig(), actions[0].ID, true)
	assert.ErrorIs(t, err, convo.ErrActionAlreadyResolved)
	_, err = fx.engine.Resolve(t.Context(), testModelConfig(), actions[0].ID, false)
	assert.ErrorIs(t, err, convo.ErrActionAlreadyResolved)
}

func TestEngine_SecondRunOnSameConversationRejected(t *testing.T) {
	block := make(chan struct{})
	model := &scriptedModel{
		steps: []modelStep{{resp: &ModelResponse{Text: "slow answer"}}},
		block: block,
	}
	fx := newEngineFixture(t, model, EngineOptions{})

	c, err := fx.store.Create("", "sess-1")
	require.NoError(t, err)
	ch, _ := fx.broadcaster.Subscribe(t.Context(), c.ID)

	_, _, err = fx.engine.Start(testModelConfig(), c.ID, "sess-1", "first question")
	require.NoError(t, err)

	_, _, err = fx.engine.Start(testModelConfig(), c.ID, "sess-1", "second question")
	assert.ErrorIs(t, err, ErrRunActive)

	close(block)
	collectUntil(t, ch, isTerminal)
}

func TestEngine_StartValidation(t *testing.T) {
	fx := newEngineFixture(t, &scriptedModel{}, EngineOptions{})

	_, _, err := fx.engine.Start(testModelConfig(), "", "sess-1", "   ")
	assert.Error(t, err)

	bad := testModelConfig()
	bad.APIKey = ""
	_, _, err = fx.engine.Start(bad, "", "sess-1", "hello")
	assert.Error(t, err)
}

func TestEngine_ModelFailureEmitsErrorWithIDs(t *testing.T) {
	model := &scriptedModel{steps: []modelStep{{err: ErrUpstreamUnavailable}}}
	fx := newEngineFixture(t, model, EngineOptions{})

	c, err := fx.store.Create("", "sess-1")
	require.NoError(t, err)
	ch, _ := fx.broadcaster.Subscribe(t.Context(), c.ID)

	runID, _, err := fx.engine.Start(testModelConfig(), c.ID, "sess-1", "anything")
	require.NoError(t, err)

	got := collectUntil(t, ch, isTerminal)
	last := got[len(got)-1]
	assert.Equal(t, events.StageError, last.Stage)
	assert.Contains(t, last.Error, "model call failed")
	assert.Equal(t, runID, last.RunID)
	assert.Equal(t, c.ID, last.ConversationID)
}

func TestEngine_CancelStopsRun(t *testing.T) {
	block := make(chan struct{})
	model := &scriptedModel{
		steps: []modelStep{{resp: &ModelResponse{Text: "never delivered"}}},
		block: block,
	}
	defer close(block)
	fx := newEngineFixture(t, model, EngineOptions{})

	c, err := fx.store.Create("", "sess-1")
	require.NoError(t, err)
	ch, _ := fx.broadcaster.Subscribe(t.Context(), c.ID)

	runID, _, err := fx.engine.Start(testModelConfig(), c.ID, "sess-1", "long question")
	require.NoError(t, err)

	require.True(t, fx.engine.Cancel(runID))

	got := collectUntil(t, ch, isTerminal)
	last := got[len(got)-1]
	assert.Equal(t, events.StageError, last.Stage)
	assert.Contains(t, last.Error, "cancelled")
	assert.Equal(t, runID, last.RunID)

	assert.False(t, fx.engine.Cancel(runID), "finished run is no longer cancellable")
}

func TestEngine_ToolRoundLimit(t *testing.T) {
	loop := modelStep{resp: &ModelResponse{ToolCalls: []ToolCall{
		{ID: "call", Kind: ToolReadShell, Command: "uptime"},
	}}}
	model := &scriptedModel{steps: []modelStep{loop, loop, loop}}
	fx := newEngineFixture(t, model, EngineOptions{MaxToolRounds: 2})

	c, err := fx.store.Create("", "sess-1")
	require.NoError(t, err)
	ch, _ := fx.broadcaster.Subscribe(t.Context(), c.ID)

	_, _, err = fx.engine.Start(testModelConfig(), c.ID, "sess-1", "keep checking")
	require.NoError(t, err)

	got := collectUntil(t, ch, isTerminal)
	last := got[len(got)-1]
	assert.Equal(t, events.StageError, last.Stage)
	assert.Contains(t, last.Error, "exceeded 2 tool rounds")
	assert.Len(t, fx.runner.executed(), 2)
}

func TestEngine_ToolHistoryConvertedForModel(t *testing.T) {
	var captured []ChatMessage
	model := &scriptedModel{steps: []modelStep{
		{resp: &ModelResponse{ToolCalls: []ToolCall{
			{ID: "call-1", Kind: ToolReadShell, Command: "uptime"},
		}}},
		{resp: &ModelResponse{Text: "up 4 days"}},
	}}
	fx := newEngineFixture(t, model, EngineOptions{})

	// Wrap the scripted model to capture the second request's history.
	fx.engine.model = modelFunc(func(ctx context.Context, cfg ModelConfig, messages []ChatMessage, onDelta func(string)) (*ModelResponse, error) {
		if model.callCount() == 1 {
			captured = messages
		}
		return model.Stream(ctx, cfg, messages, onDelta)
	})

	c, err := fx.store.Create("", "sess-1")
	require.NoError(t, err)
	ch, _ := fx.broadcaster.Subscribe(t.Context(), c.ID)

	_, _, err = fx.engine.Start(testModelConfig(), c.ID, "sess-1", "how long has it been up?")
	require.NoError(t, err)
	collectUntil(t, ch, isTerminal)

	require.NotEmpty(t, captured)
	assert.Equal(t, "system", captured[0].Role)
	last := captured[len(captured)-1]
	assert.Equal(t, "user", last.Role)
	assert.Contains(t, last.Content, "[tool-result]\nread_shell executed.")
}

type modelFunc func(ctx context.Context, cfg ModelConfig, messages []ChatMessage, onDelta func(string)) (*ModelResponse, error)

func (f modelFunc) Stream(ctx context.Context, cfg ModelConfig, messages []ChatMessage, onDelta func(string)) (*ModelResponse, error) {
	return f(ctx, cfg, messages, onDelta)
}

func TestDispatcher_UnknownToolKind(t *testing.T) {
	fx := newEngineFixture(t, &scriptedModel{}, EngineOptions{})

	_, err := fx.engine.dispatcher.Dispatch(t.Context(), "run", "conv", "sess", ToolCall{Kind: ToolNone})
	assert.Error(t, err)
}

func TestDispatcher_ReadFailureBecomesToolResult(t *testing.T) {
	model := &scriptedModel{steps: []modelStep{
		{resp: &ModelResponse{ToolCalls: []ToolCall{
			{ID: "call-1", Kind: ToolReadShell, Command: "cat /nope"},
		}}},
		{resp: &ModelResponse{Text: "that file does not exist"}},
	}}
	fx := newEngineFixture(t, model, EngineOptions{})
	fx.runner.err = assert.AnError

	c, err := fx.store.Create("", "sess-1")
	require.NoError(t, err)
	ch, _ := fx.broadcaster.Subscribe(t.Context(), c.ID)

	_, _, err = fx.engine.Start(testModelConfig(), c.ID, "sess-1", "read that file")
	require.NoError(t, err)

	got := collectUntil(t, ch, isTerminal)
	assert.Equal(t, events.StageCompleted, got[len(got)-1].Stage,
		"command failure feeds back to the model instead of failing the run")

	stored, err := fx.store.Get(c.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.Messages[1].Content, "execution failed")
}

// gatedRunner holds the first execution open so a competing resolution can
// race it.
type gatedRunner struct {
	entered chan struct{}
	gate    chan struct{}
	execs   atomic.Int64
	once    sync.Once
}

func (r *gatedRunner) Exec(ctx context.Context, sessionID, command string) (session.ExecResult, error) {
	r.execs.Add(1)
	r.once.Do(func() { close(r.entered) })
	select {
	case <-r.gate:
	case <-ctx.Done():
		return session.ExecResult{}, ctx.Err()
	}
	return session.ExecResult{SessionID: sessionID, Command: command, Stdout: "ok\n", ExitCode: 0}, nil
}

func TestDispatcher_ConcurrentApprovalExecutesOnce(t *testing.T) {
	store, err := convo.NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	broadcaster := events.NewBroadcaster(nil)
	t.Cleanup(broadcaster.Close)

	runner := &gatedRunner{entered: make(chan struct{}), gate: make(chan struct{})}
	d := NewDispatcher(store, runner, broadcaster, nil)

	c, err := store.Create("", "sess-1")
	require.NoError(t, err)
	action, err := store.CreatePendingAction(c.ID, "sess-1", "systemctl restart nginx", "restart requested")
	require.NoError(t, err)

	type outcome struct {
		action convo.PendingAction
		err    error
	}
	first := make(chan outcome, 1)
	go func() {
		a, err := d.Resolve(context.Background(), action.ID, true)
		first <- outcome{a, err}
	}()

	select {
	case <-runner.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first approval never reached execution")
	}

	// The first approval is still mid-execution; the second must lose
	// without running anything.
	_, err = d.Resolve(t.Context(), action.ID, true)
	assert.ErrorIs(t, err, convo.ErrActionAlreadyResolved)

	close(runner.gate)
	got := <-first
	require.NoError(t, got.err)
	assert.Equal(t, convo.ActionApproved, got.action.Status)
	assert.EqualValues(t, 1, runner.execs.Load(), "stored command must execute at most once")
}
