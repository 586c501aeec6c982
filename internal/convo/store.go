// ABOUTME: Durable JSON-file store for conversations and pending actions
// ABOUTME: One list artifact plus one file per conversation, with legacy migration

package convo

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	legacyDataFile       = "ops_agent.json"
	conversationListFile = "ops_agent_conversation_list.json"
	conversationsDirName = "ops_agent_conversations"
)

var (
	// ErrNotFound means the conversation or action id resolves to nothing.
	ErrNotFound = errors.New("not found")
	// ErrActionAlreadyResolved guards against double resolution.
	ErrActionAlreadyResolved = errors.New("action is not pending and cannot be resolved again")
)

type storeData struct {
	Conversations        []*Conversation  `json:"conversations"`
	ActiveConversationID string           `json:"activeConversationId,omitempty"`
	PendingActions       []*PendingAction `json:"pendingActions"`
}

type listArtifact struct {
	Conversations        []Summary        `json:"conversations"`
	ActiveConversationID string           `json:"activeConversationId,omitempty"`
	PendingActions       []*PendingAction `json:"pendingActions"`
}

// Store persists conversations as JSON artifacts under a root directory.
type Store struct {
	logger           *slog.Logger
	listPath         string
	conversationsDir string

	mu   sync.RWMutex
	data storeData
}

// NewStore opens (or initializes) the store at root. Legacy single-file data
// is migrated into the per-conversation layout and then removed. A corrupt
// index is logged and rebuilt from whatever per-conversation artifacts still
// parse rather than failing startup.
func NewStore(root string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "conversation-store")

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating store root: %w", err)
	}

	s := &Store{
		logger:           logger,
		listPath:         filepath.Join(root, conversationListFile),
		conversationsDir: filepath.Join(root, conversationsDirName),
	}
	if err := os.MkdirAll(s.conversationsDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating conversations dir: %w", err)
	}

	legacyPath := filepath.Join(root, legacyDataFile)
	data, loadErr := loadData(s.listPath, s.conversationsDir, legacyPath)
	if loadErr != nil {
		// The index is gone but per-conversation logs may still be intact.
		// Salvage every readable one and leave unreadable files on disk.
		logger.Error("loading store failed, salvaging conversation artifacts", "error", loadErr)
		data = storeData{Conversations: salvageConversations(s.conversationsDir, logger)}
	}
	normalizeData(&data)
	s.data = data

	if err := s.persistAllLocked(loadErr == nil); err != nil {
		return nil, err
	}
	if err := removeIfExists(legacyPath); err != nil {
		return nil, fmt.Errorf("removing legacy artifact: %w", err)
	}
	return s, nil
}

// ListSummaries returns conversation summaries, most recently updated first.
func (s *Store) ListSummaries() []Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]Summary, 0, len(s.data.Conversations))
	for _, c := range s.data.Conversations {
		rows = append(rows, summarize(c))
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].UpdatedAt.After(rows[j].UpdatedAt) })
	return rows
}

// ActiveID returns the active conversation id, empty when none.
func (s *Store) ActiveID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.ActiveConversationID
}

// Get returns a copy of the conversation with its full message log.
func (s *Store) Get(id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := s.findLocked(id)
	if c == nil {
		return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, id)
	}
	return copyConversation(c), nil
}

// Create starts a new conversation and makes it active.
func (s *Store) Create(title, sessionID string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	c := &Conversation{
		ID:        uuid.New().String(),
		Title:     deriveTitle(title),
		SessionID: sessionID,
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.data.Conversations = append(s.data.Conversations, c)
	s.data.ActiveConversationID = c.ID

	if err := s.persistConversationLocked(c); err != nil {
		return nil, err
	}
	if err := s.persistListLocked(); err != nil {
		return nil, err
	}
	return copyConversation(c), nil
}

// Ensure returns the conversation with id, binding sessionID if the
// conversation has none yet, or creates a fresh one when id is empty.
func (s *Store) Ensure(id, sessionID string) (*Conversation, error) {
	if id == "" {
		return s.Create("", sessionID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.findLocked(id)
	if c == nil {
		return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, id)
	}

	if c.SessionID == "" && sessionID != "" {
		c.SessionID = sessionID
		c.UpdatedAt = time.Now()
		if err := s.persistConversationLocked(c); err != nil {
			return nil, err
		}
	}
	s.data.ActiveConversationID = c.ID
	if err := s.persistListLocked(); err != nil {
		return nil, err
	}
	return copyConversation(c), nil
}

// SetActive marks id as the active conversation.
func (s *Store) SetActive(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.findLocked(id) == nil {
		return fmt.Errorf("%w: conversation %s", ErrNotFound, id)
	}
	s.data.ActiveConversationID = id
	return s.persistListLocked()
}

// Delete removes the conversation, its artifact, and its pending actions.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, c := range s.data.Conversations {
		if c.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: conversation %s", ErrNotFound, id)
	}
	s.data.Conversations = append(s.data.Conversations[:idx], s.data.Conversations[idx+1:]...)

	kept := s.data.PendingActions[:0]
	for _, a := range s.data.PendingActions {
		if a.ConversationID != id {
			kept = append(kept, a)
		}
	}
	s.data.PendingActions = kept

	if s.findLocked(s.data.ActiveConversationID) == nil {
		s.data.ActiveConversationID = ""
		if len(s.data.Conversations) > 0 {
			s.data.ActiveConversationID = s.data.Conversations[0].ID
		}
	}

	if err := removeIfExists(s.conversationPath(id)); err != nil {
		return err
	}
	return s.persistListLocked()
}

// AppendMessage appends to the conversation log. The first user message
// derives the title exactly once while the placeholder is still in place.
func (s *Store) AppendMessage(conversationID string, role Role, content, toolKind string) (Message, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return Message{}, errors.New("message content cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.findLocked(conversationID)
	if c == nil {
		return Message{}, fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
	}

	autoTitle := role == RoleUser && shouldAutoRenameTitle(c.Title) && !hasUserMessage(c)

	msg := Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   trimmed,
		ToolKind:  toolKind,
		CreatedAt: time.Now(),
	}
	c.Messages = append(c.Messages, msg)
	if autoTitle {
		c.Title = deriveTitleFromFirstUserPrompt(trimmed)
	}
	c.UpdatedAt = time.Now()
	s.data.ActiveConversationID = conversationID

	if err := s.persistConversationLocked(c); err != nil {
		return Message{}, err
	}
	if err := s.persistListLocked(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// ListPendingActions filters by session and, optionally, pending status.
func (s *Store) ListPendingActions(sessionID string, onlyPending bool) []PendingAction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []PendingAction
	for _, a := range s.data.PendingActions {
		if sessionID != "" && a.SessionID != sessionID {
			continue
		}
		if onlyPending && a.Status != ActionPending {
			continue
		}
		rows = append(rows, *a)
	}
	return rows
}

// CreatePendingAction records a mutating command awaiting approval.
func (s *Store) CreatePendingAction(conversationID, sessionID, command, reason string) (PendingAction, error) {
	if strings.TrimSpace(command) == "" {
		return PendingAction{}, errors.New("tool command cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.findLocked(conversationID) == nil {
		return PendingAction{}, fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
	}

	now := time.Now()
	a := &PendingAction{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SessionID:      sessionID,
		Command:        strings.TrimSpace(command),
		Reason:         strings.TrimSpace(reason),
		RiskClass:      RiskWrite,
		Status:         ActionPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.data.PendingActions = append(s.data.PendingActions, a)

	if err := s.persistListLocked(); err != nil {
		return PendingAction{}, err
	}
	return *a, nil
}

// GetPendingAction returns a copy of the action.
func (s *Store) GetPendingAction(id string) (PendingAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a := s.findActionLocked(id)
	if a == nil {
		return PendingAction{}, fmt.Errorf("%w: action %s", ErrNotFound, id)
	}
	return *a, nil
}

// MarkApproved resolves the action as approved and records what the
// execution produced. exitCode is nil when the command never ran to
// completion. Fails with ErrActionAlreadyResolved when the action left
// pending state before.
func (s *Store) MarkApproved(id, output string, exitCode *int) (PendingAction, error) {
	return s.resolveAction(id, ActionApproved, output, exitCode)
}

// MarkRejected resolves the action as rejected without execution.
func (s *Store) MarkRejected(id string) (PendingAction, error) {
	return s.resolveAction(id, ActionRejected, "", nil)
}

func (s *Store) resolveAction(id string, status ActionStatus, output string, exitCode *int) (PendingAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.findActionLocked(id)
	if a == nil {
		return PendingAction{}, fmt.Errorf("%w: action %s", ErrNotFound, id)
	}
	if a.Status != ActionPending {
		return PendingAction{}, fmt.Errorf("%w: action %s is %s", ErrActionAlreadyResolved, id, a.Status)
	}

	now := time.Now()
	a.Status = status
	a.UpdatedAt = now
	a.ResolvedAt = &now
	a.ExecutionOutput = output
	a.ExecutionExitCode = exitCode

	if c := s.findLocked(a.ConversationID); c != nil {
		c.UpdatedAt = now
		if err := s.persistConversationLocked(c); err != nil {
			return PendingAction{}, err
		}
	}
	if err := s.persistListLocked(); err != nil {
		return PendingAction{}, err
	}
	return *a, nil
}

func (s *Store) findLocked(id string) *Conversation {
	for _, c := range s.data.Conversations {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (s *Store) findActionLocked(id string) *PendingAction {
	for _, a := range s.data.PendingActions {
		if a.ID == id {
			return a
		}
	}
	return nil
}

func (s *Store) conversationPath(id string) string {
	return filepath.Join(s.conversationsDir, id+".json")
}

func (s *Store) persistConversationLocked(c *Conversation) error {
	return writeJSON(s.conversationPath(c.ID), c)
}

func (s *Store) persistListLocked() error {
	artifact := listArtifact{
		Conversations:        make([]Summary, 0, len(s.data.Conversations)),
		ActiveConversationID: s.data.ActiveConversationID,
		PendingActions:       s.data.PendingActions,
	}
	for _, c := range s.data.Conversations {
		artifact.Conversations = append(artifact.Conversations, summarize(c))
	}
	if artifact.PendingActions == nil {
		artifact.PendingActions = []*PendingAction{}
	}
	return writeJSON(s.listPath, artifact)
}

// persistAllLocked rewrites every artifact. Orphan cleanup only runs after a
// clean load; a failed load means the in-memory set may be incomplete and
// files on disk must not be treated as garbage.
func (s *Store) persistAllLocked(cleanupOrphans bool) error {
	for _, c := range s.data.Conversations {
		if err := s.persistConversationLocked(c); err != nil {
			return err
		}
	}
	if cleanupOrphans {
		if err := s.cleanupOrphanedFiles(); err != nil {
			return err
		}
	}
	return s.persistListLocked()
}

// cleanupOrphanedFiles removes conversation artifacts with no matching entry.
func (s *Store) cleanupOrphanedFiles() error {
	entries, err := os.ReadDir(s.conversationsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	valid := make(map[string]bool, len(s.data.Conversations))
	for _, c := range s.data.Conversations {
		valid[c.ID] = true
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if !valid[id] {
			if err := removeIfExists(filepath.Join(s.conversationsDir, name)); err != nil {
				return err
			}
		}
	}
	return nil
}

func hasUserMessage(c *Conversation) bool {
	for _, m := range c.Messages {
		if m.Role == RoleUser {
			return true
		}
	}
	return false
}

func copyConversation(c *Conversation) *Conversation {
	dup := *c
	dup.Messages = append([]Message(nil), c.Messages...)
	return &dup
}

func normalizeData(data *storeData) {
	sort.SliceStable(data.Conversations, func(i, j int) bool {
		return data.Conversations[i].CreatedAt.Before(data.Conversations[j].CreatedAt)
	})

	activeValid := false
	for _, c := range data.Conversations {
		if c.ID == data.ActiveConversationID {
			activeValid = true
			break
		}
	}
	if !activeValid {
		data.ActiveConversationID = ""
		if len(data.Conversations) > 0 {
			data.ActiveConversationID = data.Conversations[0].ID
		}
	}
}

// loadData reads store state, preferring the list artifact, then detached
// conversation files, then the legacy single-file format.
func loadData(listPath, conversationsDir, legacyPath string) (storeData, error) {
	if _, err := os.Stat(listPath); err == nil {
		var list listArtifact
		if err := readJSON(listPath, &list); err != nil {
			return storeData{}, fmt.Errorf("reading %s: %w", filepath.Base(listPath), err)
		}
		conversations, err := readAllConversations(conversationsDir)
		if err != nil {
			return storeData{}, err
		}
		return storeData{
			Conversations:        orderByPreferred(conversations, list.Conversations),
			ActiveConversationID: list.ActiveConversationID,
			PendingActions:       list.PendingActions,
		}, nil
	}

	detached, err := readAllConversations(conversationsDir)
	if err != nil {
		return storeData{}, err
	}
	if len(detached) > 0 {
		return storeData{Conversations: detached}, nil
	}

	if _, err := os.Stat(legacyPath); err == nil {
		var legacy storeData
		if err := readJSON(legacyPath, &legacy); err != nil {
			return storeData{}, fmt.Errorf("reading legacy %s: %w", filepath.Base(legacyPath), err)
		}
		return legacy, nil
	}
	return storeData{}, nil
}

func orderByPreferred(conversations []*Conversation, preferred []Summary) []*Conversation {
	if len(preferred) == 0 {
		return conversations
	}

	byID := make(map[string]*Conversation, len(conversations))
	for _, c := range conversations {
		byID[c.ID] = c
	}

	ordered := make([]*Conversation, 0, len(conversations))
	for _, summary := range preferred {
		if c, ok := byID[summary.ID]; ok {
			ordered = append(ordered, c)
			delete(byID, summary.ID)
		}
	}

	remaining := make([]*Conversation, 0, len(byID))
	for _, c := range byID {
		remaining = append(remaining, c)
	}
	sort.Slice(remaining, func(i, j int) bool {
		return remaining[i].CreatedAt.Before(remaining[j].CreatedAt)
	})
	return append(ordered, remaining...)
}

// salvageConversations loads whatever per-conversation files still parse,
// skipping broken ones instead of failing.
func salvageConversations(dir string, logger *slog.Logger) []*Conversation {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var rows []*Conversation
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		var c Conversation
		if err := readJSON(filepath.Join(dir, name), &c); err != nil {
			logger.Warn("skipping unreadable conversation artifact", "file", name, "error", err)
			continue
		}
		if strings.TrimSpace(c.ID) != "" {
			rows = append(rows, &c)
		}
	}
	return rows
}

func readAllConversations(dir string) ([]*Conversation, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var rows []*Conversation
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		var c Conversation
		if err := readJSON(filepath.Join(dir, name), &c); err != nil {
			return nil, fmt.Errorf("reading conversation %s: %w", name, err)
		}
		if strings.TrimSpace(c.ID) != "" {
			rows = append(rows, &c)
		}
	}
	return rows, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func removeIfExists(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
