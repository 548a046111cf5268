// Package convsync keeps per-conversation message timelines consistent across
// optimistic local writes, snapshot fetches, a realtime event stream and
// reconnect recovery, for two-sided (user/vendor) marketplace conversations.
//
// Example:
//
//	client := convsync.NewClient(convsync.WithBaseURL("https://api.example.com"), convsync.WithToken(tok))
//	stream := convsync.NewStreamClient("wss://api.example.com", convsync.StreamConfig{Token: tok, AutoReconnect: true})
//
//	engine, _ := convsync.New(convsync.Options{Side: convsync.SideUser, API: client, Stream: stream})
//	_ = engine.Start(ctx)
//	defer engine.Close()
//
//	_ = engine.Open(ctx, "conv-123")
//	updates, cancel := engine.Watch("conv-123")
//	defer cancel()
//	msg, err := engine.Send(ctx, convsync.Draft{ConversationID: "conv-123", Text: "Hello"})
package convsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultTimeout = 30 * time.Second

	maxUploadBytes = 50 << 20
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the backend's conversation REST API.
type Client struct {
	mu    sync.RWMutex
	token string

	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
	malformed  prometheus.Counter
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(log *slog.Logger) ClientOption {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithRegisterer registers the client's counters on reg.
func WithRegisterer(reg prometheus.Registerer) ClientOption {
	return func(c *Client) { reg.MustRegister(c.malformed) }
}

// NewClient creates a REST client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		log:        slog.Default(),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "convsync",
			Name:      "malformed_messages_total",
			Help:      "Message entries dropped from a history page because they did not decode.",
		}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token, e.g. after a session refresh.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, op, method, path string, body any, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf("marshal request: %w", err)}
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf("create request: %w", err)}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, wrapTransport(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapTransport(op, err)
	}
	return unwrapResponse(op, resp.StatusCode, data)
}

func (c *Client) setHeaders(req *http.Request) {
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
}

// unwrapResponse classifies the status and strips the optional envelope.
func unwrapResponse(op string, status int, data []byte) ([]byte, error) {
	var env apiEnvelope
	isEnvelope := json.Unmarshal(data, &env) == nil && (env.OK != nil || env.Error != nil)

	if status < 200 || status >= 300 {
		e := &Error{Kind: classifyStatus(status), Op: op, Status: status}
		if e.Kind == "" {
			e.Kind = KindNetwork
		}
		if isEnvelope && env.Error != nil {
			e.Code, e.Message = env.Error.Code, env.Error.Message
		} else if len(data) > 0 && len(data) < 512 {
			e.Message = strings.TrimSpace(string(data))
		}
		return nil, e
	}

	if !isEnvelope {
		return data, nil
	}
	if env.OK != nil && !*env.OK {
		e := &Error{Kind: KindValidation, Op: op, Status: status}
		if env.Error != nil {
			e.Code, e.Message = env.Error.Code, env.Error.Message
			if strings.Contains(e.Code, "AUTH") || strings.Contains(e.Code, "UNAUTHORIZED") {
				e.Kind = KindAuth
			}
		}
		return nil, e
	}
	return env.Data, nil
}

// ============================================================================
// Conversation API
// ============================================================================

// ListConversations fetches the caller's conversation summaries.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	data, err := c.doRequest(ctx, "list conversations", http.MethodGet, "/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	convs, err := decodeConversations(data)
	if err != nil {
		return nil, &Error{Kind: KindValidation, Op: "list conversations", Err: err}
	}
	return convs, nil
}

// GetOrCreateConversation returns the caller's conversation with vendorID.
func (c *Client) GetOrCreateConversation(ctx context.Context, vendorID string) (Conversation, error) {
	body := map[string]string{"vendorId": vendorID}
	data, err := c.doRequest(ctx, "get or create conversation", http.MethodPost, "/conversations", body, nil)
	if err != nil {
		return Conversation{}, err
	}
	conv, err := decodeConversation(data)
	if err != nil {
		return Conversation{}, &Error{Kind: KindValidation, Op: "get or create conversation", Err: err}
	}
	return conv, nil
}

// ListMessages fetches up to limit most recent messages, sorted ascending.
func (c *Client) ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	var q url.Values
	if limit > 0 {
		q = url.Values{"limit": {strconv.Itoa(limit)}}
	}
	data, err := c.doRequest(ctx, "list messages", http.MethodGet, conversationPath(conversationID, "messages"), nil, q)
	if err != nil {
		return nil, err
	}
	msgs, skipped, err := decodeMessages(data, conversationID)
	if err != nil {
		return nil, &Error{Kind: KindValidation, Op: "list messages", Err: err}
	}
	for _, err := range skipped {
		c.malformed.Inc()
		c.log.WarnContext(ctx, "client.malformed_message", "conversation_id", conversationID, "error", err)
	}
	return msgs, nil
}

// SendMessage posts a message. The echo carries req.ClientMessageID unchanged.
func (c *Client) SendMessage(ctx context.Context, conversationID string, req SendRequest) (Message, error) {
	data, err := c.doRequest(ctx, "send message", http.MethodPost, conversationPath(conversationID, "messages"), req, nil)
	if err != nil {
		return Message{}, err
	}
	msg, err := decodeMessage(data, conversationID)
	if err != nil {
		return Message{}, &Error{Kind: KindValidation, Op: "send message", Err: err}
	}
	return msg, nil
}

// MarkRead advances the caller's read marker. The returned time is the
// server's marker, or zero when the response does not carry one.
func (c *Client) MarkRead(ctx context.Context, conversationID string) (time.Time, error) {
	data, err := c.doRequest(ctx, "mark read", http.MethodPost, conversationPath(conversationID, "read"), nil, nil)
	if err != nil {
		return time.Time{}, err
	}
	var r struct {
		ReadAt     flexTime `json:"readAt"`
		LastReadAt flexTime `json:"lastReadAt"`
		At         flexTime `json:"at"`
	}
	if len(bytes.TrimSpace(data)) == 0 || json.Unmarshal(data, &r) != nil {
		return time.Time{}, nil
	}
	for _, t := range []time.Time{r.ReadAt.Time, r.LastReadAt.Time, r.At.Time} {
		if !t.IsZero() {
			return t, nil
		}
	}
	return time.Time{}, nil
}

func conversationPath(id, tail string) string {
	return "/conversations/" + url.PathEscape(id) + "/" + tail
}

// ============================================================================
// Upload
// ============================================================================

// Upload stores a file with the upload service and returns its handle.
// Any failure other than an auth failure is reported as KindUpload.
func (c *Client) Upload(ctx context.Context, f FileUpload) (Attachment, error) {
	const op = "upload"
	if f.Name == "" {
		return Attachment{}, &Error{Kind: KindUpload, Op: op, Message: "file name is required"}
	}
	if len(f.Data) > maxUploadBytes {
		return Attachment{}, &Error{Kind: KindUpload, Op: op, Message: "file exceeds maximum size of 50 MB"}
	}
	mimeType := f.MimeType
	if mimeType == "" {
		mimeType = guessMimeType(f.Name)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", f.Name)
	if err != nil {
		return Attachment{}, &Error{Kind: KindUpload, Op: op, Err: err}
	}
	if _, err := part.Write(f.Data); err != nil {
		return Attachment{}, &Error{Kind: KindUpload, Op: op, Err: err}
	}
	_ = w.WriteField("mimeType", mimeType)
	_ = w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", &buf)
	if err != nil {
		return Attachment{}, &Error{Kind: KindUpload, Op: op, Err: err}
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Attachment{}, asUploadError(wrapTransport(op, err))
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Attachment{}, asUploadError(wrapTransport(op, err))
	}
	data, err = unwrapResponse(op, resp.StatusCode, data)
	if err != nil {
		return Attachment{}, asUploadError(err)
	}

	var wa wireAttachment
	if err := json.Unmarshal(data, &wa); err != nil {
		return Attachment{}, &Error{Kind: KindUpload, Op: op, Err: fmt.Errorf("decode upload: %w", err)}
	}
	a := wa.canonical()
	if a.FileID == "" {
		return Attachment{}, &Error{Kind: KindUpload, Op: op, Message: "upload response without fileId"}
	}
	a.Name = firstNonEmpty(a.Name, f.Name)
	a.MimeType = firstNonEmpty(a.MimeType, mimeType)
	if a.Size == 0 {
		a.Size = int64(len(f.Data))
	}
	return a, nil
}

func asUploadError(err error) error {
	if KindOf(err) == KindAuth {
		return err
	}
	if e, ok := err.(*Error); ok {
		cp := *e
		cp.Kind = KindUpload
		return &cp
	}
	return &Error{Kind: KindUpload, Op: "upload", Err: err}
}

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := filepath.Ext(fileName)
	if ext == "" {
		return "application/octet-stream"
	}
	fallback := map[string]string{
		".md": "text/markdown", ".webp": "image/webp", ".heic": "image/heic",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	if t := mime.TypeByExtension(ext); t != "" {
		// Strip charset parameter (e.g. "text/plain; charset=utf-8" → "text/plain")
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
