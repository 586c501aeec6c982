// ABOUTME: Data types for agent conversations, messages, and pending actions
// ABOUTME: JSON field names match the persisted artifact layout (camelCase)

package convo

import (
	"strings"
	"time"
)

// DefaultTitle is the placeholder until the first user message derives one.
const DefaultTitle = "New Conversation"

const (
	autoTitleMaxChars = 10
	previewMaxChars   = 120
	titleMaxChars     = 24
)

// Role identifies who authored a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// RiskClass categorizes a requested shell action.
type RiskClass string

const (
	RiskRead  RiskClass = "read"
	RiskWrite RiskClass = "write"
)

// ActionStatus is the lifecycle state of a pending action. Transitions out
// of pending happen exactly once and are irreversible.
type ActionStatus string

const (
	ActionPending  ActionStatus = "pending"
	ActionApproved ActionStatus = "approved"
	ActionRejected ActionStatus = "rejected"
)

// Message is one append-only entry in a conversation log.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	ToolKind  string    `json:"toolKind,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Conversation is a full message log plus metadata.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	SessionID string    `json:"sessionId,omitempty"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Summary is the list-view projection of a conversation.
type Summary struct {
	ID                 string    `json:"id"`
	Title              string    `json:"title"`
	SessionID          string    `json:"sessionId,omitempty"`
	MessageCount       int       `json:"messageCount"`
	LastMessagePreview string    `json:"lastMessagePreview,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// PendingAction is a mutating command awaiting human approval.
type PendingAction struct {
	ID                string       `json:"id"`
	ConversationID    string       `json:"conversationId"`
	SessionID         string       `json:"sessionId,omitempty"`
	Command           string       `json:"command"`
	Reason            string       `json:"reason"`
	RiskClass         RiskClass    `json:"riskClass"`
	Status            ActionStatus `json:"status"`
	CreatedAt         time.Time    `json:"createdAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`
	ResolvedAt        *time.Time   `json:"resolvedAt,omitempty"`
	ExecutionOutput   string       `json:"executionOutput,omitempty"`
	ExecutionExitCode *int         `json:"executionExitCode,omitempty"`
}

func summarize(c *Conversation) Summary {
	s := Summary{
		ID:           c.ID,
		Title:        c.Title,
		SessionID:    c.SessionID,
		MessageCount: len(c.Messages),
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
	if len(c.Messages) > 0 {
		last := c.Messages[len(c.Messages)-1]
		preview := strings.ReplaceAll(strings.TrimSpace(last.Content), "\n", " ")
		if runes := []rune(preview); len(runes) > previewMaxChars {
			preview = string(runes[:previewMaxChars]) + "..."
		}
		s.LastMessagePreview = preview
	}
	return s
}

func deriveTitle(title string) string {
	source := strings.TrimSpace(title)
	if source == "" {
		return DefaultTitle
	}
	compact := strings.ReplaceAll(source, "\n", " ")
	runes := []rune(compact)
	if len(runes) > titleMaxChars {
		return string(runes[:titleMaxChars]) + "..."
	}
	return compact
}

func shouldAutoRenameTitle(current string) bool {
	normalized := strings.TrimSpace(current)
	return normalized == "" || normalized == DefaultTitle
}

// deriveTitleFromFirstUserPrompt compacts the prompt onto one line and takes
// its first 10 characters, appending an ellipsis marker when truncated.
func deriveTitleFromFirstUserPrompt(prompt string) string {
	compact := strings.ReplaceAll(prompt, "\r", " ")
	compact = strings.ReplaceAll(compact, "\n", " ")
	compact = strings.TrimSpace(compact)
	if compact == "" {
		return DefaultTitle
	}
	runes := []rune(compact)
	if len(runes) > autoTitleMaxChars {
		return string(runes[:autoTitleMaxChars]) + "..."
	}
	return compact
}
