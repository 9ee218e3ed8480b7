package chatspace

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const DefaultPollInterval = 3 * time.Second

// Intent names used in logs, metrics and SyncError.
const (
	IntentBootstrap = "bootstrap"
	IntentSelect    = "select"
	IntentCreate    = "create"
	IntentSend      = "send"
	IntentArchive   = "archive"
	IntentRemove    = "remove"
)

// ============================================================================
// State
// ============================================================================

// State is a point-in-time copy of the engine's synchronization state.
type State struct {
	Conversations          []Conversation `json:"conversations"`
	ActiveConversations    []Conversation `json:"activeConversations"`
	ArchivedConversations  []Conversation `json:"archivedConversations"`
	SelectedConversationID string         `json:"selectedConversationId"`
	CurrentConversation    *Conversation  `json:"currentConversation"`
	PendingResponse        bool           `json:"pendingResponse"`
	// Version increases with every published state.
	Version uint64 `json:"version"`
}

// EngineOptions configures an Engine. The zero value is usable.
type EngineOptions struct {
	// PollInterval is the delay between background refreshes after a send.
	PollInterval time.Duration
	// MaxPollAttempts stops a poll after that many refreshes; 0 polls until
	// the next send, selection change or teardown.
	MaxPollAttempts int
	Logger          *zap.Logger
	Metrics         *Metrics
}

// ============================================================================
// Engine
// ============================================================================

// Engine owns the conversation state of one session and keeps it in step
// with the remote service. All methods are safe for concurrent use.
type Engine struct {
	emitter

	service ConversationService
	cache   *Cache
	session Session

	pollInterval    time.Duration
	maxPollAttempts int
	logger          *zap.Logger
	metrics         *Metrics

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu            sync.Mutex
	conversations []Conversation
	selectedID    string
	current       *Conversation
	pending       bool
	pollCancel    context.CancelFunc
	pollGen       uint64
	selectGen     uint64
	version       uint64
	closed        bool
}

// NewEngine creates an engine for session. opts may be nil.
func NewEngine(service ConversationService, cache *Cache, session Session, opts *EngineOptions) *Engine {
	if opts == nil {
		opts = &EngineOptions{}
	}
	e := &Engine{
		service:         service,
		cache:           cache,
		session:         session,
		pollInterval:    opts.PollInterval,
		maxPollAttempts: opts.MaxPollAttempts,
		logger:          opts.Logger,
		metrics:         opts.Metrics,
	}
	if e.pollInterval <= 0 {
		e.pollInterval = DefaultPollInterval
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.cache == nil {
		e.cache = NewCache(NewMemoryStorage())
	}
	e.baseCtx, e.cancel = context.WithCancel(context.Background())
	return e
}

// Session returns the identity the engine was created for.
func (e *Engine) Session() Session {
	return e.session
}

// Snapshot returns a deep copy of the current state.
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// ActiveConversations returns the conversations that are not archived.
func (e *Engine) ActiveConversations() []Conversation {
	return e.Snapshot().ActiveConversations
}

// ArchivedConversations returns the archived conversations.
func (e *Engine) ArchivedConversations() []Conversation {
	return e.Snapshot().ArchivedConversations
}

func (e *Engine) snapshotLocked() State {
	s := State{
		Conversations:          make([]Conversation, 0, len(e.conversations)),
		ActiveConversations:    []Conversation{},
		ArchivedConversations:  []Conversation{},
		SelectedConversationID: e.selectedID,
		PendingResponse:        e.pending,
		Version:                e.version,
	}
	for _, c := range e.conversations {
		s.Conversations = append(s.Conversations, c.Clone())
		if c.Archived {
			s.ArchivedConversations = append(s.ArchivedConversations, c.Clone())
		} else {
			s.ActiveConversations = append(s.ActiveConversations, c.Clone())
		}
	}
	if e.current != nil {
		cur := e.current.Clone()
		s.CurrentConversation = &cur
	}
	return s
}

// ============================================================================
// Intents
// ============================================================================

// Bootstrap paints the cached view, then loads the list from the server and
// settles the selection: the previous one if it still exists, else the first
// conversation.
func (e *Engine) Bootstrap(ctx context.Context) error {
	token := e.session.Token

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	painted := false
	if len(e.conversations) == 0 {
		if cached, ok := e.cache.Load(token); ok {
			e.conversations = cached
			if id, ok := e.cache.LoadSelection(token); ok && e.indexLocked(id) >= 0 {
				e.selectedID = id
			}
			painted = true
		}
	}
	e.mu.Unlock()
	if painted {
		e.publish()
	}

	list, err := e.service.ListConversations(ctx, token)
	if err != nil {
		return e.fail(IntentBootstrap, "", err)
	}
	if list == nil {
		list = []Conversation{}
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	e.conversations = list
	e.cache.Save(token, e.conversations)

	target := e.selectedID
	if e.indexLocked(target) < 0 {
		target = ""
		if len(list) > 0 {
			target = list[0].ID
		}
	}
	gen := e.selectLocked(target)
	e.mu.Unlock()
	e.publish()

	e.logger.Debug("conversations loaded", zap.Int("count", len(list)))
	if target == "" {
		return nil
	}
	return e.loadSelected(ctx, gen, target)
}

// Select makes id the active conversation and loads its messages. An empty
// id clears the selection. A failed load keeps the previous detail.
func (e *Engine) Select(ctx context.Context, id string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if id != "" && e.indexLocked(id) < 0 {
		e.mu.Unlock()
		return e.fail(IntentSelect, id, &ValidationError{Field: "conversationId", Reason: "unknown conversation " + id})
	}
	gen := e.selectLocked(id)
	e.mu.Unlock()
	e.publish()

	if id == "" {
		return nil
	}
	return e.loadSelected(ctx, gen, id)
}

// selectLocked moves the selection to id, persists it and returns the new
// selection generation.
func (e *Engine) selectLocked(id string) uint64 {
	e.stopPollLocked()
	e.pending = false
	e.selectGen++
	e.selectedID = id
	if id == "" {
		e.current = nil
		e.cache.ClearSelection(e.session.Token)
	} else {
		e.cache.SaveSelection(e.session.Token, id)
	}
	return e.selectGen
}

// loadSelected fetches the detail of id unless a newer selection replaced gen.
func (e *Engine) loadSelected(ctx context.Context, gen uint64, id string) error {
	conv, err := e.service.GetConversation(ctx, e.session.Token, id)
	if err != nil {
		return e.fail(IntentSelect, id, err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if gen != e.selectGen || e.selectedID != id {
		e.mu.Unlock()
		e.logger.Debug("discarding superseded conversation load", zap.String("conversation_id", id))
		return nil
	}
	cur := conv.Clone()
	e.current = &cur
	e.mu.Unlock()
	e.publish()
	return nil
}

// Create creates a conversation, appends it to the list and selects it.
// A failure to load the new conversation afterwards is reported as a
// sync.error event only.
func (e *Engine) Create(ctx context.Context, name string) (*Conversation, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, e.fail(IntentCreate, "", &ValidationError{Field: "name", Reason: "must not be blank"})
	}
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	conv, err := e.service.CreateConversation(ctx, e.session.Token, name)
	if err != nil {
		return nil, e.fail(IntentCreate, "", err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	e.conversations = append(e.conversations, conv.Clone())
	e.cache.Save(e.session.Token, e.conversations)
	e.mu.Unlock()
	e.publish()

	if err := e.Select(ctx, conv.ID); err != nil {
		e.logger.Warn("created conversation could not be loaded",
			zap.String("conversation_id", conv.ID), zap.Error(err))
	}
	return conv, nil
}

// Send posts text to the selected conversation, refreshes it, and starts
// polling for the automated reply.
func (e *Engine) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return e.fail(IntentSend, "", &ValidationError{Field: "text", Reason: "must not be blank"})
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	id := e.selectedID
	if id == "" {
		e.mu.Unlock()
		return e.fail(IntentSend, "", &ValidationError{Field: "conversationId", Reason: "no conversation selected"})
	}
	e.stopPollLocked()
	e.pending = true
	e.mu.Unlock()
	e.publish()

	token := e.session.Token
	if _, err := e.service.SendMessage(ctx, token, id, text); err != nil {
		e.mu.Lock()
		if e.selectedID == id {
			e.pending = false
		}
		e.mu.Unlock()
		e.publish()
		return e.fail(IntentSend, id, err)
	}

	conv, fetchErr := e.service.GetConversation(ctx, token, id)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if fetchErr == nil {
		e.applyLocked(conv)
	}
	// the poll runs even when the refresh failed so the thread still converges
	if e.selectedID == id {
		e.startPollLocked(id)
	}
	e.mu.Unlock()
	e.publish()

	if fetchErr != nil {
		e.reportFailure(IntentSend, id, fetchErr)
	}
	return nil
}

// SetArchived flags a conversation archived or active. State changes only
// after the server accepts the update.
func (e *Engine) SetArchived(ctx context.Context, id string, archived bool) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	known := e.indexLocked(id) >= 0
	e.mu.Unlock()
	if !known {
		return e.fail(IntentArchive, id, &ValidationError{Field: "conversationId", Reason: "unknown conversation " + id})
	}

	updated, err := e.service.UpdateConversation(ctx, e.session.Token, id, ConversationPatch{Archived: archived})
	if err != nil {
		return e.fail(IntentArchive, id, err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if i := e.indexLocked(id); i >= 0 {
		entry := &e.conversations[i]
		if updated.Name != "" {
			entry.Name = updated.Name
		}
		if updated.Author != "" {
			entry.Author = updated.Author
		}
		entry.Archived = updated.Archived
		if updated.Messages != nil {
			entry.Messages = updated.Clone().Messages
		}
	}
	if e.current != nil && e.current.ID == id {
		e.current.Archived = updated.Archived
	}
	e.cache.Save(e.session.Token, e.conversations)
	e.mu.Unlock()
	e.publish()
	return nil
}

func (e *Engine) Archive(ctx context.Context, id string) error {
	return e.SetArchived(ctx, id, true)
}

func (e *Engine) Unarchive(ctx context.Context, id string) error {
	return e.SetArchived(ctx, id, false)
}

// Remove deletes a conversation. When it was selected, the first remaining
// conversation becomes the selection; when none remain the cache is purged.
func (e *Engine) Remove(ctx context.Context, id string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	token := e.session.Token

	if err := e.service.DeleteConversation(ctx, token, id); err != nil {
		return e.fail(IntentRemove, id, err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if i := e.indexLocked(id); i >= 0 {
		e.conversations = append(e.conversations[:i:i], e.conversations[i+1:]...)
	}
	e.cache.Save(token, e.conversations)
	if e.current != nil && e.current.ID == id {
		e.current = nil
	}

	var (
		next string
		gen  uint64
	)
	if e.selectedID == id {
		if len(e.conversations) > 0 {
			next = e.conversations[0].ID
		}
		gen = e.selectLocked(next)
		if next == "" {
			e.cache.Purge(token)
		}
	}
	e.mu.Unlock()
	e.publish()

	if next != "" {
		if err := e.loadSelected(ctx, gen, next); err != nil {
			e.logger.Warn("replacement selection failed",
				zap.String("conversation_id", next), zap.Error(err))
		}
	}
	return nil
}

// Stop cancels background polling and waits for it to exit. The cache is
// kept for the next session; the engine accepts no further intents.
func (e *Engine) Stop() {
	e.shutdown(false)
}

// Teardown stops polling, purges the session's cache and resets state.
func (e *Engine) Teardown() {
	e.shutdown(true)
}

func (e *Engine) shutdown(purge bool) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.stopPollLocked()
	e.cancel()
	if purge {
		e.cache.Purge(e.session.Token)
		e.conversations = nil
		e.selectedID = ""
		e.current = nil
		e.pending = false
	}
	e.mu.Unlock()

	e.wg.Wait()
	if purge {
		e.publish()
	}
	e.removeAll()
}

// ============================================================================
// Polling
// ============================================================================

func (e *Engine) startPollLocked(id string) {
	e.stopPollLocked()
	ctx, cancel := context.WithCancel(e.baseCtx)
	e.pollCancel = cancel
	gen := e.pollGen

	e.wg.Add(1)
	go e.poll(ctx, gen, id)
}

// stopPollLocked cancels the running poll; the generation bump makes any
// in-flight result stale.
func (e *Engine) stopPollLocked() {
	if e.pollCancel != nil {
		e.pollCancel()
		e.pollCancel = nil
	}
	e.pollGen++
}

func (e *Engine) poll(ctx context.Context, gen uint64, id string) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		conv, err := e.service.GetConversation(ctx, e.session.Token, id)
		if ctx.Err() != nil {
			return
		}
		e.metrics.pollIteration(err)

		e.mu.Lock()
		if e.closed || gen != e.pollGen {
			e.mu.Unlock()
			return
		}
		if err == nil {
			e.applyLocked(conv)
		}
		e.pending = false
		last := e.maxPollAttempts > 0 && attempt >= e.maxPollAttempts
		if last {
			e.stopPollLocked()
		}
		e.mu.Unlock()

		if err != nil {
			e.logger.Warn("poll refresh failed", zap.String("conversation_id", id), zap.Error(err))
		}
		e.publish()
		e.emit(EventPollTick, PollResult{ConversationID: id, Attempt: attempt, Err: err})
		if last {
			return
		}
	}
}

// ============================================================================
// Helpers
// ============================================================================

// applyLocked merges a freshly fetched conversation into the list and, if it
// is still selected, into the detail, then persists the list.
func (e *Engine) applyLocked(conv *Conversation) {
	if i := e.indexLocked(conv.ID); i >= 0 {
		e.conversations[i] = conv.Clone()
	}
	if e.selectedID == conv.ID {
		cur := conv.Clone()
		e.current = &cur
	}
	e.cache.Save(e.session.Token, e.conversations)
}

func (e *Engine) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	for i := range e.conversations {
		if e.conversations[i].ID == id {
			return i
		}
	}
	return -1
}

func (e *Engine) checkOpen() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	return nil
}

func (e *Engine) publish() {
	e.mu.Lock()
	e.version++
	s := e.snapshotLocked()
	e.mu.Unlock()
	e.emit(EventStateChanged, s)
}

// fail reports err and returns it unchanged.
func (e *Engine) fail(intent, id string, err error) error {
	e.reportFailure(intent, id, err)
	return err
}

func (e *Engine) reportFailure(intent, id string, err error) {
	if errors.Is(err, context.Canceled) {
		e.logger.Debug("intent canceled", zap.String("intent", intent), zap.String("conversation_id", id))
	} else {
		e.logger.Warn("intent failed",
			zap.String("intent", intent),
			zap.String("conversation_id", id),
			zap.Error(err))
	}
	e.metrics.intentFailed(intent)
	e.emit(EventSyncError, &SyncError{Intent: intent, ConversationID: id, Err: err})
}
