package convsync

import (
	"encoding/json"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is the error object carried by the backend's response envelope.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// apiEnvelope is the optional {ok,data,error} wrapper some endpoints use.
// Endpoints that answer with a bare JSON document are accepted as well.
type apiEnvelope struct {
	OK    *bool           `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// ============================================================================
// Participants
// ============================================================================

// Side is one of the two parties of a conversation.
type Side string

const (
	SideUser   Side = "user"
	SideVendor Side = "vendor"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideUser || s == SideVendor
}

// Counterpart returns the other side of the conversation.
func (s Side) Counterpart() Side {
	if s == SideVendor {
		return SideUser
	}
	return SideVendor
}

// ParseSide maps the side spellings seen on the wire onto a Side.
func ParseSide(s string) (Side, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user", "client", "customer":
		return SideUser, true
	case "vendor", "provider", "seller":
		return SideVendor, true
	}
	return "", false
}

// Participants identifies the two parties of a conversation.
type Participants struct {
	User   string `json:"user"`
	Vendor string `json:"vendor"`
}

// ============================================================================
// Messages
// ============================================================================

// MessageType distinguishes plain text from attachment messages.
type MessageType string

const (
	MessageText MessageType = "text"
	MessageFile MessageType = "file"
)

// MessageStatus is the lifecycle state of a cached message.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusConfirmed MessageStatus = "confirmed"
)

// Attachment describes a file already stored by the upload service.
type Attachment struct {
	FileID   string `json:"fileId,omitempty"`
	URL      string `json:"url,omitempty"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is the canonical message shape used by every engine component.
//
// ID is the server id once confirmed. While pending it holds the correlation
// token, which is also kept in ClientMessageID after confirmation.
type Message struct {
	ID              string        `json:"id"`
	ConversationID  string        `json:"conversationId"`
	Sender          Side          `json:"sender"`
	Type            MessageType   `json:"type"`
	Text            string        `json:"text,omitempty"`
	Attachments     []Attachment  `json:"attachments,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt,omitzero"`
	ClientMessageID string        `json:"clientMessageId,omitempty"`
	Status          MessageStatus `json:"status"`
}

// Pending reports whether the message still awaits its authoritative echo.
func (m Message) Pending() bool {
	return m.Status == StatusPending
}

// Preview is the short text shown in conversation lists.
func (m Message) Preview() string {
	if m.Text != "" {
		return m.Text
	}
	if len(m.Attachments) > 0 {
		if name := m.Attachments[0].Name; name != "" {
			return name
		}
		return "Attachment"
	}
	return ""
}

// messageLess is the timeline order: createdAt ascending, id as tie-break.
func messageLess(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func cloneMessage(m Message) Message {
	if m.Attachments != nil {
		m.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	return m
}

// ============================================================================
// Conversations
// ============================================================================

// Conversation is the metadata kept for one two-sided conversation.
// It is a derived cache and never decides message order.
type Conversation struct {
	ID                 string       `json:"id"`
	Participants       Participants `json:"participants"`
	LastMessagePreview string       `json:"lastMessagePreview,omitempty"`
	LastMessageAt      time.Time    `json:"lastMessageAt,omitzero"`
	UserLastReadAt     time.Time    `json:"userLastReadAt,omitzero"`
	VendorLastReadAt   time.Time    `json:"vendorLastReadAt,omitzero"`
}

// LastReadAt returns the read marker of the given side.
func (c Conversation) LastReadAt(side Side) time.Time {
	if side == SideVendor {
		return c.VendorLastReadAt
	}
	return c.UserLastReadAt
}

// ReadEvent advances one side's read marker.
type ReadEvent struct {
	ConversationID string
	Side           Side
	At             time.Time
}

// ============================================================================
// Requests
// ============================================================================

// SendRequest is the body of POST conversations/{id}/messages.
type SendRequest struct {
	Type            MessageType  `json:"type"`
	Text            string       `json:"text,omitempty"`
	Attachments     []Attachment `json:"attachments,omitempty"`
	ClientMessageID string       `json:"clientMessageId"`
}

// FileUpload is a local file that must be stored before it can be sent.
type FileUpload struct {
	Name     string
	MimeType string
	Data     []byte
}

// Draft is a compose request handed to Engine.Send.
type Draft struct {
	ConversationID string
	Type           MessageType
	Text           string
	// Attachments already stored by the upload service.
	Attachments []Attachment
	// File is uploaded first; its handle is appended to Attachments.
	File *FileUpload
}
