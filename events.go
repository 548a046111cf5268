package convsync

import (
	"log/slog"
	"sync"
)

// ============================================================================
// Engine Events
// ============================================================================

// Event names emitted by the engine.
const (
	EventMessagePending   = "message.pending"
	EventMessageConfirmed = "message.confirmed"
	EventMessageFailed    = "message.failed"
	EventSnapshotStale    = "snapshot.stale"
	EventStreamReconnect  = "stream.reconnected"
	EventReadAdvanced     = "read.advanced"
)

// MessageFailed is the payload of message.failed.
type MessageFailed struct {
	Message Message
	Err     error
}

// SnapshotStale is the payload of snapshot.stale: a snapshot refresh failed
// and the cache keeps its previous contents.
type SnapshotStale struct {
	ConversationID string
	Err            error
}

// EventHandler receives engine events. payload is a Message (pending,
// confirmed), MessageFailed, SnapshotStale, a ReadEvent (read.advanced), or
// the active conversation id (stream.reconnected).
type EventHandler func(event string, payload any)

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
	log       *slog.Logger
}

func newEmitter(log *slog.Logger) *emitter {
	return &emitter{listeners: make(map[string][]EventHandler), log: log}
}

func (e *emitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("event.handler_panic", "event", event, "panic", r)
				}
			}()
			h(event, payload)
		}()
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]EventHandler)
}
