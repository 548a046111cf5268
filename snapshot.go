package convsync

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SnapshotLoader pulls authoritative history and conversation lists from the
// API and seeds the cache and index with them. A failed load never touches
// what is already cached.
type SnapshotLoader struct {
	api     API
	w       *writer
	cache   *Cache
	index   *ConversationIndex
	store   SnapshotStore
	metrics *Metrics
	log     *slog.Logger

	limit   int
	timeout time.Duration
}

// LoadMessages fetches the latest history of a conversation, seeds the cache
// with it and returns it sorted by (createdAt, id).
func (l *SnapshotLoader) LoadMessages(ctx context.Context, conversationID string) ([]Message, error) {
	ctx = WithConversation(ctx, conversationID)
	ctx, span := startSpan(ctx, "snapshot.load", trace.WithAttributes(
		attribute.String("conversation.id", conversationID),
		attribute.Int("snapshot.limit", l.limit),
	))
	defer span.End()

	t := l.w.begin(conversationID)
	fetchCtx, cancel := context.WithTimeout(ctx, l.timeout)
	msgs, err := l.api.ListMessages(fetchCtx, conversationID, l.limit)
	cancel()
	if err != nil {
		l.w.abort(conversationID, t)
		err = wrapTransport("load messages", err)
		l.metrics.Snapshot.WithLabelValues("failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.log.WarnContext(ctx, "snapshot.load_failed", "error", err, "kept", l.cache.Len(conversationID))
		return nil, err
	}

	for i := range msgs {
		msgs[i].ConversationID = conversationID
		msgs[i].Status = StatusConfirmed
	}
	l.w.seed(conversationID, t, msgs)
	l.metrics.Snapshot.WithLabelValues("ok").Inc()
	span.SetAttributes(attribute.Int("snapshot.messages", len(msgs)))
	l.log.DebugContext(ctx, "snapshot.seeded", "messages", len(msgs))

	if l.store != nil {
		if err := l.store.SaveMessages(conversationID, msgs); err != nil {
			l.log.WarnContext(ctx, "snapshot.persist_failed", "error", err)
		}
	}

	sorted := slices.Clone(msgs)
	slices.SortStableFunc(sorted, compareMessages)
	return sorted, nil
}

// LoadConversations fetches the conversation list and replaces the index.
func (l *SnapshotLoader) LoadConversations(ctx context.Context) ([]Conversation, error) {
	ctx, span := startSpan(ctx, "snapshot.conversations")
	defer span.End()

	fetchCtx, cancel := context.WithTimeout(ctx, l.timeout)
	convs, err := l.api.ListConversations(fetchCtx)
	cancel()
	if err != nil {
		err = wrapTransport("load conversations", err)
		l.metrics.Snapshot.WithLabelValues("failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.log.WarnContext(ctx, "snapshot.conversations_failed", "error", err)
		return nil, err
	}

	l.index.Replace(convs)
	l.metrics.Snapshot.WithLabelValues("ok").Inc()
	if l.store != nil {
		if err := l.store.SaveConversations(convs); err != nil {
			l.log.WarnContext(ctx, "snapshot.persist_failed", "error", err)
		}
	}
	return l.index.List(), nil
}

// hydrate seeds an empty timeline from the last persisted snapshot. It
// reports whether anything was restored.
func (l *SnapshotLoader) hydrate(ctx context.Context, conversationID string) bool {
	if l.store == nil || l.cache.Len(conversationID) > 0 {
		return false
	}
	msgs, ok, err := l.store.LoadMessages(conversationID)
	if err != nil {
		l.log.WarnContext(ctx, "snapshot.hydrate_failed", "conversation_id", conversationID, "error", err)
		return false
	}
	if !ok {
		return false
	}
	l.w.seed(conversationID, nil, msgs)
	l.log.InfoContext(ctx, "snapshot.hydrated", "conversation_id", conversationID, "messages", len(msgs))
	return true
}

// hydrateConversations fills an empty index from the persisted list.
func (l *SnapshotLoader) hydrateConversations(ctx context.Context) bool {
	if l.store == nil || len(l.index.List()) > 0 {
		return false
	}
	convs, err := l.store.LoadConversations()
	if err != nil || len(convs) == 0 {
		return false
	}
	l.index.Replace(convs)
	l.log.InfoContext(ctx, "snapshot.conversations_hydrated", "conversations", len(convs))
	return true
}

func compareMessages(a, b Message) int {
	switch {
	case messageLess(a, b):
		return -1
	case messageLess(b, a):
		return 1
	}
	return 0
}
