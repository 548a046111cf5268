package convsync

import (
	"slices"
	"sort"
	"sync"
)

// ReconcileOutcome reports which branch of the merge rule Reconcile took.
type ReconcileOutcome int

const (
	// OutcomeReplaced: a pending entry with the same correlation token was
	// replaced by the confirmed message.
	OutcomeReplaced ReconcileOutcome = iota + 1
	// OutcomeDuplicate: the message was already applied and was discarded.
	OutcomeDuplicate
	// OutcomeInserted: the message was new and has been inserted.
	OutcomeInserted
	// OutcomeRejected: the message is not a confirmed message with an id.
	OutcomeRejected
)

func (o ReconcileOutcome) String() string {
	switch o {
	case OutcomeReplaced:
		return "replaced"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeInserted:
		return "inserted"
	case OutcomeRejected:
		return "rejected"
	}
	return "unknown"
}

// Cache holds one ordered timeline per conversation. Each timeline has its own
// lock; every mutation is applied and published while holding it, so readers
// never observe a half-applied or unsorted sequence.
type Cache struct {
	mu        sync.RWMutex
	timelines map[string]*timeline
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{timelines: make(map[string]*timeline)}
}

type timeline struct {
	mu       sync.Mutex
	msgs     []Message
	watchers map[int]chan []Message
	nextID   int
}

func (c *Cache) timeline(conversationID string, create bool) *timeline {
	c.mu.RLock()
	t := c.timelines[conversationID]
	c.mu.RUnlock()
	if t != nil || !create {
		return t
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if t = c.timelines[conversationID]; t == nil {
		t = &timeline{watchers: make(map[int]chan []Message)}
		c.timelines[conversationID] = t
	}
	return t
}

// ── Entry points ─────────────────────────────────────────

// Seed replaces the whole timeline with msgs. It is a full overwrite: any
// entry not present in msgs, pending ones included, is dropped.
func (c *Cache) Seed(conversationID string, msgs []Message) {
	sorted := make([]Message, 0, len(msgs))
	seenID := make(map[string]struct{}, len(msgs))
	seenToken := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		if _, dup := seenID[m.ID]; dup {
			continue
		}
		if m.ClientMessageID != "" {
			if _, dup := seenToken[m.ClientMessageID]; dup {
				continue
			}
			seenToken[m.ClientMessageID] = struct{}{}
		}
		seenID[m.ID] = struct{}{}
		m = cloneMessage(m)
		m.ConversationID = conversationID
		sorted = append(sorted, m)
	}
	sort.SliceStable(sorted, func(i, j int) bool { return messageLess(sorted[i], sorted[j]) })

	t := c.timeline(conversationID, true)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.msgs = sorted
	t.publish()
}

// InsertOptimistic adds a pending message keyed by its correlation token.
// It returns false when the token is missing or already present.
func (c *Cache) InsertOptimistic(m Message) bool {
	if m.ClientMessageID == "" || m.ConversationID == "" {
		return false
	}
	m = cloneMessage(m)
	m.Status = StatusPending
	if m.ID == "" {
		m.ID = m.ClientMessageID
	}

	t := c.timeline(m.ConversationID, true)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.indexByToken(m.ClientMessageID) >= 0 || t.indexByID(m.ID) >= 0 {
		return false
	}
	t.insert(m)
	t.publish()
	return true
}

// Reconcile merges a confirmed message:
//  1. a pending entry with the same correlation token is replaced by it;
//  2. otherwise, if the server id (or token) is already present, it is discarded;
//  3. otherwise it is inserted.
//
// Applying the same message any number of times, in any order relative to
// the other source, leaves exactly one entry.
func (c *Cache) Reconcile(m Message) ReconcileOutcome {
	if m.ID == "" || m.ConversationID == "" {
		return OutcomeRejected
	}
	m = cloneMessage(m)
	m.Status = StatusConfirmed

	t := c.timeline(m.ConversationID, true)
	t.mu.Lock()
	defer t.mu.Unlock()

	if m.ClientMessageID != "" {
		if i := t.indexByToken(m.ClientMessageID); i >= 0 {
			existing := t.msgs[i]
			if !existing.Pending() {
				return OutcomeDuplicate
			}
			t.remove(i)
			// The snapshot may already carry this server id.
			if t.indexByID(m.ID) < 0 {
				if m.UpdatedAt.IsZero() {
					m.UpdatedAt = m.CreatedAt
				}
				t.insert(m)
			}
			t.publish()
			return OutcomeReplaced
		}
	}

	if t.indexByID(m.ID) >= 0 {
		return OutcomeDuplicate
	}
	t.insert(m)
	t.publish()
	return OutcomeInserted
}

// Evict removes the pending entry for token. Confirmed entries are never
// evicted; it reports whether anything was removed.
func (c *Cache) Evict(conversationID, token string) bool {
	t := c.timeline(conversationID, false)
	if t == nil || token == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.indexByToken(token)
	if i < 0 || !t.msgs[i].Pending() {
		return false
	}
	t.remove(i)
	t.publish()
	return true
}

// ── Reads ────────────────────────────────────────────────

// Messages returns a sorted copy of the timeline.
func (c *Cache) Messages(conversationID string) []Message {
	t := c.timeline(conversationID, false)
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot()
}

// Len returns the number of entries in the timeline.
func (c *Cache) Len(conversationID string) int {
	t := c.timeline(conversationID, false)
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.msgs)
}

// ByToken looks an entry up by correlation token.
func (c *Cache) ByToken(conversationID, token string) (Message, bool) {
	t := c.timeline(conversationID, false)
	if t == nil {
		return Message{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if i := t.indexByToken(token); i >= 0 {
		return cloneMessage(t.msgs[i]), true
	}
	return Message{}, false
}

// PendingCount counts entries still awaiting confirmation across all timelines.
func (c *Cache) PendingCount() int {
	c.mu.RLock()
	all := make([]*timeline, 0, len(c.timelines))
	for _, t := range c.timelines {
		all = append(all, t)
	}
	c.mu.RUnlock()

	n := 0
	for _, t := range all {
		t.mu.Lock()
		for _, m := range t.msgs {
			if m.Pending() {
				n++
			}
		}
		t.mu.Unlock()
	}
	return n
}

// Watch subscribes to the timeline. The channel holds at most one snapshot:
// a slow reader skips intermediate states and always sees the latest one.
// The current state is delivered immediately. Snapshots are shared between
// watchers and must not be modified.
func (c *Cache) Watch(conversationID string) (<-chan []Message, func()) {
	t := c.timeline(conversationID, true)
	ch := make(chan []Message, 1)

	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.watchers[id] = ch
	ch <- t.snapshot()
	t.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.watchers, id)
			t.mu.Unlock()
		})
	}
}

// ── timeline internals (t.mu held) ───────────────────────

func (t *timeline) insert(m Message) {
	i := sort.Search(len(t.msgs), func(i int) bool { return messageLess(m, t.msgs[i]) })
	t.msgs = slices.Insert(t.msgs, i, m)
}

func (t *timeline) remove(i int) {
	t.msgs = slices.Delete(t.msgs, i, i+1)
}

func (t *timeline) indexByToken(token string) int {
	if token == "" {
		return -1
	}
	return slices.IndexFunc(t.msgs, func(m Message) bool { return m.ClientMessageID == token })
}

func (t *timeline) indexByID(id string) int {
	return slices.IndexFunc(t.msgs, func(m Message) bool { return m.ID == id })
}

func (t *timeline) snapshot() []Message {
	out := make([]Message, len(t.msgs))
	for i, m := range t.msgs {
		out[i] = cloneMessage(m)
	}
	return out
}

func (t *timeline) publish() {
	if len(t.watchers) == 0 {
		return
	}
	snap := t.snapshot()
	for _, ch := range t.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}
