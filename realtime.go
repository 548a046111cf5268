package convsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Stream Events
// ============================================================================

// StreamEventType names a frame received from the server or a transport
// lifecycle change.
type StreamEventType string

const (
	StreamReady   StreamEventType = "ready"
	StreamMessage StreamEventType = "message"
	StreamRead    StreamEventType = "read"
	StreamPong    StreamEventType = "pong"
	StreamError   StreamEventType = "error"

	StreamConnected    StreamEventType = "connected"
	StreamDisconnected StreamEventType = "disconnected"
	StreamReconnecting StreamEventType = "reconnecting"
	StreamReconnected  StreamEventType = "reconnected"
)

// StreamEvent is delivered to subscribers in arrival order.
type StreamEvent struct {
	Type           StreamEventType
	ConversationID string
	Data           json.RawMessage

	// Lifecycle details.
	Err     error
	Attempt int
	Delay   time.Duration
}

// Stream is the realtime transport the engine depends on.
type Stream interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Join(ctx context.Context, conversationID string) error
	Leave(ctx context.Context, conversationID string) error
	Connected() bool
	// Subscribe registers h for every event. Handlers run on the stream's
	// read goroutine, one at a time, in arrival order.
	Subscribe(h func(StreamEvent)) (unsubscribe func())
}

// streamFrame is the wire format of every frame, in both directions.
type streamFrame struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversationId,omitempty"`
	RequestID      string          `json:"requestId,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// StreamConfig configures the realtime client.
type StreamConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	PingTimeout          time.Duration
	DialTimeout          time.Duration
	HTTPClient           *http.Client
	Logger               *slog.Logger
}

func (c *StreamConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 15 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// StreamState represents the connection state.
type StreamState string

const (
	StateDisconnected StreamState = "disconnected"
	StateConnecting   StreamState = "connecting"
	StateConnected    StreamState = "connected"
	StateReconnecting StreamState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *StreamConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	// A connection that stayed up for a minute starts a fresh backoff.
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// StreamClient
// ============================================================================

// StreamClient is a WebSocket realtime client with room membership,
// auto-reconnect and heartbeat.
type StreamClient struct {
	baseURL string
	config  *StreamConfig
	log     *slog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            StreamState
	intentionalClose bool
	lifeCancel       context.CancelFunc
	connCancel       context.CancelFunc
	rooms            map[string]struct{}
	recon            *reconnector

	hmu       sync.RWMutex
	handlers  map[int]func(StreamEvent)
	nextHndID int

	pingCounter  atomic.Int64
	pendingMu    sync.Mutex
	pendingPings map[string]chan struct{}
}

var _ Stream = (*StreamClient)(nil)

// NewStreamClient creates a realtime client for baseURL (http(s) or ws(s)).
func NewStreamClient(baseURL string, config StreamConfig) *StreamClient {
	config.defaults()
	return &StreamClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		config:       &config,
		log:          config.Logger.With("component", "stream"),
		state:        StateDisconnected,
		rooms:        make(map[string]struct{}),
		recon:        newReconnector(&config),
		handlers:     make(map[int]func(StreamEvent)),
		pendingPings: make(map[string]chan struct{}),
	}
}

// Subscribe registers a handler for every event.
func (s *StreamClient) Subscribe(h func(StreamEvent)) func() {
	s.hmu.Lock()
	id := s.nextHndID
	s.nextHndID++
	s.handlers[id] = h
	s.hmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.hmu.Lock()
			delete(s.handlers, id)
			s.hmu.Unlock()
		})
	}
}

// State returns the current connection state.
func (s *StreamClient) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether the socket is currently usable.
func (s *StreamClient) Connected() bool {
	return s.State() == StateConnected
}

// Connect dials the stream and waits for the server's ready frame. The
// connection, and any reconnect attempts, outlive ctx until Disconnect.
func (s *StreamClient) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.intentionalClose = false
	life, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.lifeCancel = cancel
	s.mu.Unlock()

	dialCtx, dialCancel := context.WithTimeout(ctx, s.config.DialTimeout)
	defer dialCancel()
	if err := s.dial(dialCtx, life); err != nil {
		cancel()
		s.setState(StateDisconnected)
		return err
	}
	s.recon.reset()
	s.recon.markConnected()
	s.rejoin(life)
	s.emit(StreamEvent{Type: StreamConnected})
	return nil
}

// Disconnect closes the connection and stops reconnecting.
func (s *StreamClient) Disconnect() error {
	s.mu.Lock()
	s.intentionalClose = true
	if s.lifeCancel != nil {
		s.lifeCancel()
		s.lifeCancel = nil
	}
	if s.connCancel != nil {
		s.connCancel()
		s.connCancel = nil
	}
	conn := s.conn
	s.conn = nil
	wasUp := s.state != StateDisconnected
	s.state = StateDisconnected
	s.mu.Unlock()

	s.clearPendingPings()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if wasUp {
		s.emit(StreamEvent{Type: StreamDisconnected})
	}
	return err
}

// Join subscribes to a conversation room. Membership is remembered and
// restored after every reconnect, so Join while disconnected is not lost.
func (s *StreamClient) Join(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	s.rooms[conversationID] = struct{}{}
	s.mu.Unlock()
	return s.send(ctx, streamFrame{Type: "join", ConversationID: conversationID})
}

// Leave unsubscribes from a conversation room.
func (s *StreamClient) Leave(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	delete(s.rooms, conversationID)
	s.mu.Unlock()
	return s.send(ctx, streamFrame{Type: "leave", ConversationID: conversationID})
}

// Ping sends a ping and waits for the matching pong.
func (s *StreamClient) Ping(ctx context.Context) error {
	requestID := fmt.Sprintf("ping-%d", s.pingCounter.Add(1))

	ch := make(chan struct{}, 1)
	s.pendingMu.Lock()
	s.pendingPings[requestID] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pendingPings, requestID)
		s.pendingMu.Unlock()
	}()

	if err := s.send(ctx, streamFrame{Type: "ping", RequestID: requestID}); err != nil {
		return err
	}

	timer := time.NewTimer(s.config.PingTimeout)
	defer timer.Stop()
	select {
	case _, ok := <-ch:
		if !ok {
			return &Error{Kind: KindStreamDisconnected, Op: "ping"}
		}
		return nil
	case <-timer.C:
		return &Error{Kind: KindTimeout, Op: "ping", Message: "pong not received"}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ── internals ────────────────────────────────────────────

func (s *StreamClient) streamURL() string {
	u := strings.Replace(s.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws?token=" + url.QueryEscape(s.config.Token)
}

// dial opens a socket, waits for "ready" and starts the read and heartbeat
// loops bound to life.
func (s *StreamClient) dial(ctx, life context.Context) error {
	conn, _, err := websocket.Dial(ctx, s.streamURL(), &websocket.DialOptions{HTTPClient: s.config.HTTPClient})
	if err != nil {
		return &Error{Kind: KindStreamDisconnected, Op: "stream dial", Err: err}
	}
	conn.SetReadLimit(1 << 20)

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return &Error{Kind: KindStreamDisconnected, Op: "stream handshake", Err: err}
	}
	var first streamFrame
	if err := json.Unmarshal(data, &first); err != nil || first.Type != string(StreamReady) {
		conn.Close(websocket.StatusPolicyViolation, "")
		if first.Type == string(StreamError) {
			return &Error{Kind: KindAuth, Op: "stream handshake", Message: string(first.Data)}
		}
		return &Error{Kind: KindStreamDisconnected, Op: "stream handshake", Message: fmt.Sprintf("expected 'ready', got '%s'", first.Type)}
	}

	connCtx, cancel := context.WithCancel(life)
	s.mu.Lock()
	if s.intentionalClose {
		s.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return &Error{Kind: KindStreamDisconnected, Op: "stream dial", Message: "closed during dial"}
	}
	s.conn = conn
	s.connCancel = cancel
	s.state = StateConnected
	s.mu.Unlock()

	go s.readLoop(connCtx, life, conn)
	go s.heartbeatLoop(connCtx, conn)
	return nil
}

func (s *StreamClient) send(ctx context.Context, f streamFrame) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return &Error{Kind: KindStreamDisconnected, Op: "stream " + f.Type, Message: "not connected"}
	}

	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return &Error{Kind: KindStreamDisconnected, Op: "stream " + f.Type, Err: err}
	}
	return nil
}

func (s *StreamClient) rejoin(ctx context.Context) {
	s.mu.Lock()
	rooms := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		rooms = append(rooms, id)
	}
	s.mu.Unlock()

	for _, id := range rooms {
		if err := s.send(ctx, streamFrame{Type: "join", ConversationID: id}); err != nil {
			s.log.Warn("stream.rejoin_failed", "conversation_id", id, "error", err)
		}
	}
}

func (s *StreamClient) readLoop(ctx, life context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.handleDrop(life, conn, err)
			return
		}

		var f streamFrame
		if err := json.Unmarshal(data, &f); err != nil {
			s.log.Debug("stream.bad_frame", "error", err)
			continue
		}

		if f.Type == string(StreamPong) && f.RequestID != "" {
			s.pendingMu.Lock()
			ch, ok := s.pendingPings[f.RequestID]
			if ok {
				delete(s.pendingPings, f.RequestID)
			}
			s.pendingMu.Unlock()
			if ok {
				ch <- struct{}{}
			}
		}

		s.emit(StreamEvent{
			Type:           StreamEventType(f.Type),
			ConversationID: f.ConversationID,
			Data:           f.Data,
		})
	}
}

func (s *StreamClient) handleDrop(life context.Context, conn *websocket.Conn, cause error) {
	s.mu.Lock()
	if s.intentionalClose || s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	if s.connCancel != nil {
		s.connCancel()
		s.connCancel = nil
	}
	s.state = StateDisconnected
	if s.config.AutoReconnect {
		s.state = StateReconnecting
	}
	s.mu.Unlock()

	conn.Close(websocket.StatusGoingAway, "")
	s.clearPendingPings()
	s.log.Warn("stream.disconnected", "error", cause)
	s.emit(StreamEvent{
		Type: StreamDisconnected,
		Err:  &Error{Kind: KindStreamDisconnected, Op: "stream read", Err: cause},
	})

	if s.config.AutoReconnect {
		go s.reconnectLoop(life)
	}
}

func (s *StreamClient) reconnectLoop(life context.Context) {
	for s.recon.shouldReconnect() {
		delay := s.recon.nextDelay()
		attempt := s.recon.attempt
		s.emit(StreamEvent{Type: StreamReconnecting, Attempt: attempt, Delay: delay})

		timer := time.NewTimer(delay)
		select {
		case <-life.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		dialCtx, cancel := context.WithTimeout(life, s.config.DialTimeout)
		err := s.dial(dialCtx, life)
		cancel()
		if err != nil {
			s.log.Debug("stream.reconnect_failed", "attempt", attempt, "error", err)
			continue
		}

		s.recon.markConnected()
		s.rejoin(life)
		s.log.Info("stream.reconnected", "attempt", attempt)
		s.emit(StreamEvent{Type: StreamConnected})
		s.emit(StreamEvent{Type: StreamReconnected, Attempt: attempt})
		return
	}

	s.setState(StateDisconnected)
	s.mu.Lock()
	if s.lifeCancel != nil {
		s.lifeCancel()
		s.lifeCancel = nil
	}
	s.mu.Unlock()
	s.emit(StreamEvent{
		Type: StreamError,
		Err:  &Error{Kind: KindStreamDisconnected, Op: "stream reconnect", Message: fmt.Sprintf("gave up after %d attempts", s.recon.attempt)},
	})
}

func (s *StreamClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				// The read loop observes the close and takes the drop path.
				s.log.Warn("stream.heartbeat_failed", "error", err)
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (s *StreamClient) emit(ev StreamEvent) {
	s.hmu.RLock()
	ids := make([]int, 0, len(s.handlers))
	for id := range s.handlers {
		ids = append(ids, id)
	}
	hs := make([]func(StreamEvent), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		hs = append(hs, s.handlers[id])
	}
	s.hmu.RUnlock()

	for _, h := range hs {
		s.safeCall(h, ev)
	}
}

func (s *StreamClient) safeCall(h func(StreamEvent), ev StreamEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("stream.handler_panic", "event", ev.Type, "panic", r)
		}
	}()
	h(ev)
}

func (s *StreamClient) setState(st StreamState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *StreamClient) clearPendingPings() {
	s.pendingMu.Lock()
	for k, ch := range s.pendingPings {
		close(ch)
		delete(s.pendingPings, k)
	}
	s.pendingMu.Unlock()
}
