package convsync

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// fakeAPI is a scripted backend. Zero hooks answer from the stored state.
type fakeAPI struct {
	mu        sync.Mutex
	convs     []Conversation
	history   map[string][]Message
	sent      []SendRequest
	listCalls  int
	convsCalls int
	reads      int

	listErr  error
	convsErr error
	markAt   time.Time
	markErr  error

	// onList runs inside ListMessages before it answers.
	onList func(ctx context.Context, conversationID string)
	onSend func(ctx context.Context, conversationID string, req SendRequest) (Message, error)
	onUpl  func(ctx context.Context, f FileUpload) (Attachment, error)
}

var (
	_ API      = (*fakeAPI)(nil)
	_ Uploader = (*fakeAPI)(nil)
)

func newFakeAPI() *fakeAPI {
	return &fakeAPI{history: make(map[string][]Message)}
}

func (f *fakeAPI) setHistory(conversationID string, msgs ...Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history[conversationID] = msgs
}

func (f *fakeAPI) ListConversations(ctx context.Context) ([]Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convsCalls++
	if f.convsErr != nil {
		return nil, f.convsErr
	}
	return slices.Clone(f.convs), nil
}

func (f *fakeAPI) GetOrCreateConversation(ctx context.Context, vendorID string) (Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.convs {
		if c.Participants.Vendor == vendorID {
			return c, nil
		}
	}
	c := Conversation{ID: "conv-" + vendorID, Participants: Participants{User: "u-1", Vendor: vendorID}}
	f.convs = append(f.convs, c)
	return c, nil
}

func (f *fakeAPI) ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	f.mu.Lock()
	f.listCalls++
	hook := f.onList
	f.mu.Unlock()
	if hook != nil {
		hook(ctx, conversationID)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return slices.Clone(f.history[conversationID]), nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, conversationID string, req SendRequest) (Message, error) {
	f.mu.Lock()
	f.sent = append(f.sent, req)
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		return hook(ctx, conversationID, req)
	}
	return Message{
		ID:              "srv-" + req.ClientMessageID,
		ConversationID:  conversationID,
		Sender:          SideUser,
		Type:            req.Type,
		Text:            req.Text,
		Attachments:     req.Attachments,
		CreatedAt:       time.Now().UTC(),
		ClientMessageID: req.ClientMessageID,
		Status:          StatusConfirmed,
	}, nil
}

func (f *fakeAPI) MarkRead(ctx context.Context, conversationID string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	return f.markAt, f.markErr
}

func (f *fakeAPI) Upload(ctx context.Context, up FileUpload) (Attachment, error) {
	f.mu.Lock()
	hook := f.onUpl
	f.mu.Unlock()
	if hook != nil {
		return hook(ctx, up)
	}
	return Attachment{FileID: "file-1", Name: up.Name, MimeType: up.MimeType, Size: int64(len(up.Data))}, nil
}

func (f *fakeAPI) conversationCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.convsCalls
}

func (f *fakeAPI) sends() []SendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.sent)
}

// fakeStream records membership calls and lets tests push events.
type fakeStream struct {
	mu         sync.Mutex
	calls      []string
	handler    func(StreamEvent)
	connected  bool
	connectErr error
}

var _ Stream = (*fakeStream)(nil)

func (s *fakeStream) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connectErr != nil {
		return s.connectErr
	}
	s.connected = true
	return nil
}

func (s *fakeStream) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

func (s *fakeStream) Join(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "join:"+id)
	return nil
}

func (s *fakeStream) Leave(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "leave:"+id)
	return nil
}

func (s *fakeStream) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeStream) Subscribe(h func(StreamEvent)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
	return func() {
		s.mu.Lock()
		s.handler = nil
		s.mu.Unlock()
	}
}

func (s *fakeStream) push(ev StreamEvent) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (s *fakeStream) pushMessage(t *testing.T, m Message) {
	t.Helper()
	data, err := json.Marshal(m)
	require.NoError(t, err)
	s.push(StreamEvent{Type: StreamMessage, ConversationID: m.ConversationID, Data: data})
}

func (s *fakeStream) membership() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

// eventLog collects engine events.
type eventLog struct {
	mu     sync.Mutex
	names  []string
	values []any
}

func (l *eventLog) record(e *Engine, events ...string) {
	for _, name := range events {
		e.On(name, func(event string, payload any) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.names = append(l.names, event)
			l.values = append(l.values, payload)
		})
	}
}

func (l *eventLog) seen() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.names)
}

func (l *eventLog) payload(i int) any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.values[i]
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, api API, stream Stream, tune func(*Options)) *Engine {
	t.Helper()
	opts := Options{
		Side:       SideUser,
		API:        api,
		Logger:     quietLogger(),
		Registerer: prometheus.NewRegistry(),
	}
	if stream != nil {
		opts.Stream = stream
	}
	if tune != nil {
		tune(&opts)
	}
	e, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}
