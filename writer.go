package convsync

import "sync"

// writer is the only code path that mutates the cache. It serializes
// snapshot seeds against live merges:
//
//   - a confirmed message merged while a snapshot of its conversation is in
//     flight is recorded and replayed over that snapshot, so a seed built from
//     an older fetch never drops it;
//   - optimistic entries whose send is still in flight are re-inserted after a
//     seed, unless the snapshot already carries their correlation token.
type writer struct {
	cache *Cache

	mu       sync.Mutex
	taps     map[string]map[*tap]struct{}
	inflight map[string]Message // by correlation token
}

// tap records confirmed merges for one conversation during a snapshot fetch.
type tap struct {
	msgs []Message
}

func newWriter(cache *Cache) *writer {
	return &writer{
		cache:    cache,
		taps:     make(map[string]map[*tap]struct{}),
		inflight: make(map[string]Message),
	}
}

// begin starts recording merges for conversationID. Every begin must be
// followed by seed or abort.
func (w *writer) begin(conversationID string) *tap {
	t := &tap{}
	w.mu.Lock()
	defer w.mu.Unlock()
	set := w.taps[conversationID]
	if set == nil {
		set = make(map[*tap]struct{})
		w.taps[conversationID] = set
	}
	set[t] = struct{}{}
	return t
}

func (w *writer) abort(conversationID string, t *tap) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dropTap(conversationID, t)
}

// seed overwrites the timeline with msgs, then replays what t recorded and
// restores in-flight optimistic entries.
func (w *writer) seed(conversationID string, t *tap, msgs []Message) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.cache.Seed(conversationID, msgs)
	if t != nil {
		for _, m := range t.msgs {
			w.cache.Reconcile(m)
		}
		w.dropTap(conversationID, t)
	}
	for _, m := range w.inflight {
		if m.ConversationID == conversationID {
			w.cache.InsertOptimistic(m)
		}
	}
}

// reconcile merges a confirmed message from any source.
func (w *writer) reconcile(m Message) ReconcileOutcome {
	w.mu.Lock()
	defer w.mu.Unlock()
	for t := range w.taps[m.ConversationID] {
		t.msgs = append(t.msgs, m)
	}
	return w.cache.Reconcile(m)
}

// insertPending adds an optimistic entry and marks its send in flight.
func (w *writer) insertPending(m Message) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.cache.InsertOptimistic(m) {
		return false
	}
	w.inflight[m.ClientMessageID] = m
	return true
}

// confirm resolves an in-flight send with its authoritative message.
func (w *writer) confirm(token string, m Message) ReconcileOutcome {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inflight, token)
	for t := range w.taps[m.ConversationID] {
		t.msgs = append(t.msgs, m)
	}
	return w.cache.Reconcile(m)
}

// fail ends an in-flight send and evicts its optimistic entry.
func (w *writer) fail(conversationID, token string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inflight, token)
	return w.cache.Evict(conversationID, token)
}

func (w *writer) dropTap(conversationID string, t *tap) {
	set := w.taps[conversationID]
	delete(set, t)
	if len(set) == 0 {
		delete(w.taps, conversationID)
	}
}
