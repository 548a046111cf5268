package convsync

import (
	"context"
	"log/slog"
	"sync"
)

// router applies stream events to the cache and index. Only the active
// conversation's message events reach the cache; correctness does not depend
// on delivery order or on at-most-once delivery.
type router struct {
	stream  Stream
	w       *writer
	index   *ConversationIndex
	events  *emitter
	metrics *Metrics
	log     *slog.Logger

	// onReconnect runs on the stream goroutine and must not block.
	onReconnect func()

	mu     sync.Mutex
	active string
}

func (r *router) activeConversation() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// switchTo leaves the previous conversation's channel before joining the new
// one. Membership is advisory: a stream that is down rejoins on reconnect.
func (r *router) switchTo(ctx context.Context, conversationID string) {
	r.mu.Lock()
	prev := r.active
	r.active = conversationID
	r.mu.Unlock()

	if r.stream == nil || prev == conversationID {
		return
	}
	if prev != "" {
		if err := r.stream.Leave(ctx, prev); err != nil {
			r.log.DebugContext(ctx, "router.leave_failed", "conversation_id", prev, "error", err)
		}
	}
	if conversationID != "" {
		if err := r.stream.Join(ctx, conversationID); err != nil {
			r.log.DebugContext(ctx, "router.join_failed", "conversation_id", conversationID, "error", err)
		}
	}
}

func (r *router) handle(ev StreamEvent) {
	switch ev.Type {
	case StreamMessage:
		r.handleMessage(ev)
	case StreamRead:
		re, err := decodeReadEvent(ev.Data, ev.ConversationID)
		if err != nil {
			r.log.Warn("router.bad_read_event", "error", err)
			return
		}
		if r.index.ApplyRead(re) {
			r.log.Debug("router.read", "conversation_id", re.ConversationID, "side", re.Side, "at", re.At)
			if r.events != nil {
				r.events.emit(EventReadAdvanced, re)
			}
		}
	case StreamReconnected:
		r.log.Info("stream.reconnected", "attempt", ev.Attempt)
		if r.onReconnect != nil {
			r.onReconnect()
		}
	case StreamDisconnected:
		r.log.Info("stream.disconnected", "error", ev.Err)
	case StreamReconnecting:
		r.log.Debug("stream.reconnecting", "attempt", ev.Attempt, "delay", ev.Delay)
	case StreamError:
		if ev.Err != nil {
			r.log.Warn("stream.error", "error", ev.Err)
		} else {
			r.log.Warn("stream.error", "data", string(ev.Data))
		}
	}
}

func (r *router) handleMessage(ev StreamEvent) {
	m, err := decodeMessage(ev.Data, ev.ConversationID)
	if err != nil {
		r.log.Warn("router.bad_message", "error", err)
		return
	}
	r.index.ApplyMessage(m)

	if active := r.activeConversation(); m.ConversationID != active {
		r.log.Debug("router.dropped_inactive", "conversation_id", m.ConversationID, "active", active)
		return
	}
	outcome := r.w.reconcile(m)
	r.metrics.observeReconcile(outcome)
	r.log.Debug("cache.reconcile", "conversation_id", m.ConversationID, "message_id", m.ID, "outcome", outcome.String())
}
