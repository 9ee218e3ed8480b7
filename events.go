package chatspace

import (
	"fmt"
	"sync"
)

// Engine events.
const (
	// EventStateChanged carries a State snapshot after every state mutation.
	EventStateChanged = "state.changed"
	// EventSyncError carries a *SyncError for every failed intent.
	EventSyncError = "sync.error"
	// EventPollTick carries a PollResult after each background refresh.
	EventPollTick = "poll.tick"
)

// EventHandler receives engine events. Handlers run synchronously on the
// goroutine that caused the event; panics are recovered.
type EventHandler func(event string, payload any)

// SyncError describes an intent that did not complete.
type SyncError struct {
	Intent         string
	ConversationID string
	Err            error
}

func (e *SyncError) Error() string {
	if e.ConversationID != "" {
		return fmt.Sprintf("%s %s: %v", e.Intent, e.ConversationID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Intent, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// PollResult reports one background refresh of the active conversation.
type PollResult struct {
	ConversationID string
	Attempt        int
	Err            error
}

type listener struct {
	id      uint64
	handler EventHandler
}

type emitter struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[string][]listener
}

// On registers handler for event and returns a function that removes it.
func (e *emitter) On(event string, handler EventHandler) (off func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[string][]listener)
	}
	e.nextID++
	id := e.nextID
	e.listeners[event] = append(e.listeners[event], listener{id: id, handler: handler})

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		ls := e.listeners[event]
		for i, l := range ls {
			if l.id == id {
				e.listeners[event] = append(ls[:i:i], ls[i+1:]...)
				return
			}
		}
	}
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	ls := e.listeners[event]
	e.mu.RUnlock()
	for _, l := range ls {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			l.handler(event, payload)
		}()
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]listener)
}
