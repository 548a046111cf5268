package convsync

import (
	"sort"
	"sync"
	"time"
)

// ConversationIndex keeps conversation metadata (previews and read markers).
type ConversationIndex struct {
	mu    sync.RWMutex
	convs map[string]Conversation
}

// NewConversationIndex creates an empty index.
func NewConversationIndex() *ConversationIndex {
	return &ConversationIndex{convs: make(map[string]Conversation)}
}

// Replace overwrites the index with a freshly loaded list. Read markers
// already known locally are kept when they are ahead of the loaded ones.
func (x *ConversationIndex) Replace(list []Conversation) {
	next := make(map[string]Conversation, len(list))
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, c := range list {
		if prev, ok := x.convs[c.ID]; ok {
			c.UserLastReadAt = latest(c.UserLastReadAt, prev.UserLastReadAt)
			c.VendorLastReadAt = latest(c.VendorLastReadAt, prev.VendorLastReadAt)
		}
		next[c.ID] = c
	}
	x.convs = next
}

// Upsert stores a single conversation.
func (x *ConversationIndex) Upsert(c Conversation) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if prev, ok := x.convs[c.ID]; ok {
		c.UserLastReadAt = latest(c.UserLastReadAt, prev.UserLastReadAt)
		c.VendorLastReadAt = latest(c.VendorLastReadAt, prev.VendorLastReadAt)
		if prev.LastMessageAt.After(c.LastMessageAt) {
			c.LastMessageAt = prev.LastMessageAt
			c.LastMessagePreview = prev.LastMessagePreview
		}
	}
	x.convs[c.ID] = c
}

// Get returns one conversation.
func (x *ConversationIndex) Get(id string) (Conversation, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	c, ok := x.convs[id]
	return c, ok
}

// List returns conversations, most recently active first.
func (x *ConversationIndex) List() []Conversation {
	x.mu.RLock()
	out := make([]Conversation, 0, len(x.convs))
	for _, c := range x.convs {
		out = append(out, c)
	}
	x.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ApplyMessage moves the preview forward when m is newer than the current one.
// Pending messages update the preview too, so the list reflects a send at once.
func (x *ConversationIndex) ApplyMessage(m Message) {
	x.mu.Lock()
	defer x.mu.Unlock()
	c, ok := x.convs[m.ConversationID]
	if !ok {
		c = Conversation{ID: m.ConversationID}
	}
	if m.CreatedAt.Before(c.LastMessageAt) {
		return
	}
	c.LastMessageAt = m.CreatedAt
	c.LastMessagePreview = m.Preview()
	x.convs[c.ID] = c
}

// RetractMessage undoes the preview set by an evicted message. It only acts
// while m is still the preview, so a newer message is never rolled back.
func (x *ConversationIndex) RetractMessage(m Message, at time.Time, preview string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	c, ok := x.convs[m.ConversationID]
	if !ok || !c.LastMessageAt.Equal(m.CreatedAt) || c.LastMessagePreview != m.Preview() {
		return false
	}
	c.LastMessageAt = at
	c.LastMessagePreview = preview
	x.convs[c.ID] = c
	return true
}

// ApplyRead advances one side's read marker. Markers never move backwards.
func (x *ConversationIndex) ApplyRead(ev ReadEvent) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	c, ok := x.convs[ev.ConversationID]
	if !ok {
		c = Conversation{ID: ev.ConversationID}
	}
	switch ev.Side {
	case SideUser:
		if !ev.At.After(c.UserLastReadAt) {
			return false
		}
		c.UserLastReadAt = ev.At
	case SideVendor:
		if !ev.At.After(c.VendorLastReadAt) {
			return false
		}
		c.VendorLastReadAt = ev.At
	default:
		return false
	}
	x.convs[c.ID] = c
	return true
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
