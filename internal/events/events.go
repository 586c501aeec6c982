// ABOUTME: Streaming event types for agent runs
// ABOUTME: Stage enum plus the wire-shaped event payload

package events

import (
	"time"

	"github.com/eshell/opsconsole/internal/convo"
)

// Stage identifies where in its lifecycle a run event was emitted.
type Stage string

const (
	StageStarted          Stage = "started"
	StageDelta            Stage = "delta"
	StageToolRead         Stage = "tool_read"
	StageRequiresApproval Stage = "requires_approval"
	StageCompleted        Stage = "completed"
	StageError            Stage = "error"
)

// Event is one streamed agent-run notification. RunID and ConversationID are
// always set, including on error events, so subscribers can reconcile state.
type Event struct {
	RunID          string               `json:"runId"`
	ConversationID string               `json:"conversationId"`
	Stage          Stage                `json:"stage"`
	Chunk          string               `json:"chunk,omitempty"`
	FullAnswer     string               `json:"fullAnswer,omitempty"`
	PendingAction  *convo.PendingAction `json:"pendingAction,omitempty"`
	Error          string               `json:"error,omitempty"`
	CreatedAt      time.Time            `json:"createdAt"`
}
