package convsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// The backend has served several message shapes over time (legacy "_id",
// "content", "senderType", single "attachment", epoch-ms timestamps).
// Everything is folded into Message here, once, at the decoding boundary.

// flexTime accepts RFC3339 strings, epoch milliseconds and null.
type flexTime struct{ time.Time }

func (t *flexTime) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" || string(b) == `""` {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			t.Time = time.UnixMilli(ms).UTC()
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("parse time %q: %w", s, err)
		}
		t.Time = parsed.UTC()
		return nil
	}
	ms, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("parse time %s: %w", b, err)
	}
	t.Time = time.UnixMilli(int64(ms)).UTC()
	return nil
}

type wireAttachment struct {
	FileID   string `json:"fileId"`
	ID       string `json:"id"`
	LegacyID string `json:"_id"`
	URL      string `json:"url"`
	FileURL  string `json:"fileUrl"`
	Name     string `json:"name"`
	FileName string `json:"fileName"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
	FileSize int64  `json:"fileSize"`
}

func (w wireAttachment) canonical() Attachment {
	return Attachment{
		FileID:   firstNonEmpty(w.FileID, w.ID, w.LegacyID),
		URL:      firstNonEmpty(w.URL, w.FileURL),
		Name:     firstNonEmpty(w.Name, w.FileName),
		MimeType: w.MimeType,
		Size:     max(w.Size, w.FileSize),
	}
}

type wireMessage struct {
	ID             string `json:"id"`
	LegacyID       string `json:"_id"`
	ConversationID string `json:"conversationId"`
	Conversation   string `json:"conversation"`

	Sender     string `json:"sender"`
	SenderType string `json:"senderType"`
	SenderRole string `json:"senderRole"`

	Type    string `json:"type"`
	Text    string `json:"text"`
	Content string `json:"content"`

	Attachment  *wireAttachment  `json:"attachment"`
	Attachments []wireAttachment `json:"attachments"`

	CreatedAt flexTime `json:"createdAt"`
	UpdatedAt flexTime `json:"updatedAt"`

	ClientMessageID string `json:"clientMessageId"`
	ClientMsgID     string `json:"clientMsgId"`
}

// decodeMessage normalizes one message payload. The payload may also be
// wrapped as {"message": {...}}. fallbackConv fills a missing conversation id.
func decodeMessage(data []byte, fallbackConv string) (Message, error) {
	var wrapped struct {
		Message json.RawMessage `json:"message"`
	}
	if json.Unmarshal(data, &wrapped) == nil && len(wrapped.Message) > 0 && wrapped.Message[0] == '{' {
		data = wrapped.Message
	}

	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return w.canonical(fallbackConv)
}

func (w wireMessage) canonical(fallbackConv string) (Message, error) {
	m := Message{
		ID:              firstNonEmpty(w.ID, w.LegacyID),
		ConversationID:  firstNonEmpty(w.ConversationID, w.Conversation, fallbackConv),
		Text:            firstNonEmpty(w.Text, w.Content),
		CreatedAt:       w.CreatedAt.Time,
		UpdatedAt:       w.UpdatedAt.Time,
		ClientMessageID: firstNonEmpty(w.ClientMessageID, w.ClientMsgID),
		Status:          StatusConfirmed,
	}
	if m.ID == "" {
		return Message{}, fmt.Errorf("message without id: %w", errInvalidPayload)
	}
	if m.ConversationID == "" {
		return Message{}, fmt.Errorf("message %s without conversation id: %w", m.ID, errInvalidPayload)
	}

	side, ok := ParseSide(firstNonEmpty(w.Sender, w.SenderType, w.SenderRole))
	if !ok {
		return Message{}, fmt.Errorf("message %s has unknown sender: %w", m.ID, errInvalidPayload)
	}
	m.Sender = side

	if m.CreatedAt.IsZero() {
		m.CreatedAt = m.UpdatedAt
	}
	if m.CreatedAt.IsZero() {
		return Message{}, fmt.Errorf("message %s without createdAt: %w", m.ID, errInvalidPayload)
	}

	for _, a := range w.Attachments {
		m.Attachments = append(m.Attachments, a.canonical())
	}
	if w.Attachment != nil {
		m.Attachments = append(m.Attachments, w.Attachment.canonical())
	}

	switch strings.ToLower(w.Type) {
	case "file", "image", "attachment":
		m.Type = MessageFile
	case "text":
		m.Type = MessageText
	default:
		if len(m.Attachments) > 0 {
			m.Type = MessageFile
		} else {
			m.Type = MessageText
		}
	}
	return m, nil
}

// decodeMessages accepts a bare array or an object holding one under
// "messages", "items" or "data". Entries that do not decode are left out and
// returned in skipped, so one bad row cannot blank a whole timeline.
func decodeMessages(data []byte, conversationID string) (msgs []Message, skipped []error, err error) {
	raw, err := unwrapList(data, "messages", "items", "data")
	if err != nil {
		return nil, nil, fmt.Errorf("decode messages: %w", err)
	}
	msgs = make([]Message, 0, len(raw))
	for i, item := range raw {
		m, err := decodeMessage(item, conversationID)
		if err != nil {
			skipped = append(skipped, fmt.Errorf("entry %d: %w", i, err))
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, skipped, nil
}

type wireParty struct {
	ID       string `json:"id"`
	LegacyID string `json:"_id"`
}

func (p *wireParty) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &p.ID)
	}
	type plain wireParty
	return json.Unmarshal(b, (*plain)(p))
}

type wireConversation struct {
	ID           string        `json:"id"`
	LegacyID     string        `json:"_id"`
	Participants *Participants `json:"participants"`
	UserID       string        `json:"userId"`
	VendorID     string        `json:"vendorId"`
	User         *wireParty    `json:"user"`
	Vendor       *wireParty    `json:"vendor"`

	LastMessagePreview string          `json:"lastMessagePreview"`
	LastMessage        json.RawMessage `json:"lastMessage"`
	LastMessageAt      flexTime        `json:"lastMessageAt"`
	UserLastReadAt     flexTime        `json:"userLastReadAt"`
	VendorLastReadAt   flexTime        `json:"vendorLastReadAt"`
}

func (w wireConversation) canonical() (Conversation, error) {
	c := Conversation{
		ID:                 firstNonEmpty(w.ID, w.LegacyID),
		LastMessagePreview: w.LastMessagePreview,
		LastMessageAt:      w.LastMessageAt.Time,
		UserLastReadAt:     w.UserLastReadAt.Time,
		VendorLastReadAt:   w.VendorLastReadAt.Time,
	}
	if c.ID == "" {
		return Conversation{}, fmt.Errorf("conversation without id: %w", errInvalidPayload)
	}
	if w.Participants != nil {
		c.Participants = *w.Participants
	}
	c.Participants.User = firstNonEmpty(c.Participants.User, w.UserID, w.User.id())
	c.Participants.Vendor = firstNonEmpty(c.Participants.Vendor, w.VendorID, w.Vendor.id())

	if c.LastMessagePreview == "" && len(w.LastMessage) > 0 {
		var s string
		if json.Unmarshal(w.LastMessage, &s) == nil {
			c.LastMessagePreview = s
		} else {
			var lm struct {
				Text    string   `json:"text"`
				Content string   `json:"content"`
				At      flexTime `json:"createdAt"`
			}
			if json.Unmarshal(w.LastMessage, &lm) == nil {
				c.LastMessagePreview = firstNonEmpty(lm.Text, lm.Content)
				if c.LastMessageAt.IsZero() {
					c.LastMessageAt = lm.At.Time
				}
			}
		}
	}
	return c, nil
}

func (p *wireParty) id() string {
	if p == nil {
		return ""
	}
	return firstNonEmpty(p.ID, p.LegacyID)
}

func decodeConversation(data []byte) (Conversation, error) {
	var wrapped struct {
		Conversation json.RawMessage `json:"conversation"`
	}
	if json.Unmarshal(data, &wrapped) == nil && len(wrapped.Conversation) > 0 && wrapped.Conversation[0] == '{' {
		data = wrapped.Conversation
	}
	var w wireConversation
	if err := json.Unmarshal(data, &w); err != nil {
		return Conversation{}, fmt.Errorf("decode conversation: %w", err)
	}
	return w.canonical()
}

func decodeConversations(data []byte) ([]Conversation, error) {
	raw, err := unwrapList(data, "conversations", "items", "data")
	if err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}
	out := make([]Conversation, 0, len(raw))
	for _, item := range raw {
		c, err := decodeConversation(item)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// decodeReadEvent decodes {"side","at"} (or "readAt"/"lastReadAt").
func decodeReadEvent(data []byte, conversationID string) (ReadEvent, error) {
	var w struct {
		ConversationID string   `json:"conversationId"`
		Side           string   `json:"side"`
		Reader         string   `json:"reader"`
		At             flexTime `json:"at"`
		ReadAt         flexTime `json:"readAt"`
		LastReadAt     flexTime `json:"lastReadAt"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return ReadEvent{}, fmt.Errorf("decode read event: %w", err)
	}
	side, ok := ParseSide(firstNonEmpty(w.Side, w.Reader))
	if !ok {
		return ReadEvent{}, fmt.Errorf("read event with unknown side: %w", errInvalidPayload)
	}
	ev := ReadEvent{
		ConversationID: firstNonEmpty(w.ConversationID, conversationID),
		Side:           side,
		At:             w.At.Time,
	}
	if ev.At.IsZero() {
		ev.At = w.ReadAt.Time
	}
	if ev.At.IsZero() {
		ev.At = w.LastReadAt.Time
	}
	if ev.At.IsZero() || ev.ConversationID == "" {
		return ReadEvent{}, fmt.Errorf("incomplete read event: %w", errInvalidPayload)
	}
	return ev, nil
}

func unwrapList(data []byte, keys ...string) ([]json.RawMessage, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	if data[0] == '[' {
		var list []json.RawMessage
		err := json.Unmarshal(data, &list)
		return list, err
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	for _, k := range keys {
		if v, ok := obj[k]; ok {
			return unwrapList(v, keys...)
		}
	}
	return nil, fmt.Errorf("no list under %v: %w", keys, errInvalidPayload)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
