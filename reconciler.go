package convsync

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// reconciler heals a conversation after a transport outage by re-fetching
// its snapshot. Events emitted while disconnected are not replayed; the
// snapshot overwrite is the only recovery.
type reconciler struct {
	loader  *SnapshotLoader
	events  *emitter
	metrics *Metrics
	log     *slog.Logger

	group singleflight.Group
}

// heal reloads the conversation's messages and the conversation list.
// Concurrent heals of the same conversation share one fetch. On failure the
// cache keeps its contents and snapshot.stale is emitted.
func (r *reconciler) heal(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return nil
	}
	_, err, _ := r.group.Do(conversationID, func() (any, error) {
		r.metrics.Heals.Inc()

		var g errgroup.Group
		g.Go(func() error {
			_, err := r.loader.LoadMessages(ctx, conversationID)
			return err
		})
		g.Go(func() error {
			// Previews and read markers are best effort.
			if _, err := r.loader.LoadConversations(ctx); err != nil {
				r.log.DebugContext(ctx, "reconcile.conversations_failed", "error", err)
			}
			return nil
		})
		if err := g.Wait(); err != nil {
			r.log.WarnContext(ctx, "reconcile.failed", "conversation_id", conversationID, "error", err)
			r.events.emit(EventSnapshotStale, SnapshotStale{ConversationID: conversationID, Err: err})
			return nil, err
		}
		r.log.InfoContext(ctx, "reconcile.healed", "conversation_id", conversationID)
		return nil, nil
	})
	return err
}
