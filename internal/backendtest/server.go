// Package backendtest runs an in-process marketplace chat backend: the REST
// routes and the realtime stream the engine consumes, plus controls for
// injecting failures, missed events and duplicate delivery.
package backendtest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Party is an authenticated caller.
type Party struct {
	ID   string
	Side string // "user" or "vendor"
}

// Attachment is a stored file reference.
type Attachment struct {
	FileID   string `json:"fileId"`
	URL      string `json:"url,omitempty"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is the server's persisted message.
type Message struct {
	ID              string
	ConversationID  string
	Sender          string
	Type            string
	Text            string
	Attachments     []Attachment
	CreatedAt       time.Time
	ClientMessageID string
}

// Conversation is the server's persisted conversation.
type Conversation struct {
	ID               string
	UserID           string
	VendorID         string
	UserLastReadAt   time.Time
	VendorLastReadAt time.Time
}

// Server is a fake backend. All exported methods are safe for concurrent use.
type Server struct {
	HTTP *httptest.Server
	URL  string

	log  *slog.Logger
	node *snowflake.Node
	now  func() time.Time

	mu            sync.Mutex
	parties       map[string]Party // by bearer token
	convs         map[string]*Conversation
	order         []string
	msgs          map[string][]Message
	files         map[string]Attachment
	sockets       map[*socket]struct{}
	failSends     []int
	sendDelay     time.Duration
	failUploads   int
	duplicate     bool
	legacy        bool
	lastCreatedAt time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithClock replaces the server clock.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New starts a server. Close it with Close.
func New(opts ...Option) *Server {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	s := &Server{
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		node:    node,
		now:     time.Now,
		parties: make(map[string]Party),
		convs:   make(map[string]*Conversation),
		msgs:    make(map[string][]Message),
		files:   make(map[string]Attachment),
		sockets: make(map[*socket]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/")
	api.Use(s.requireAuth())
	{
		api.GET("/conversations", s.listConversations)
		api.POST("/conversations", s.getOrCreateConversation)
		api.GET("/conversations/:id/messages", s.listMessages)
		api.POST("/conversations/:id/messages", s.createMessage)
		api.POST("/conversations/:id/read", s.markRead)
		api.POST("/upload", s.upload)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveStream)
	mux.Handle("/", router)

	s.HTTP = httptest.NewServer(mux)
	s.URL = s.HTTP.URL
	return s
}

// Close drops every socket and stops the server.
func (s *Server) Close() {
	s.DropConnections()
	s.HTTP.Close()
}

// ============================================================================
// Controls
// ============================================================================

// AddParty registers a bearer token.
func (s *Server) AddParty(token string, p Party) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parties[token] = p
}

// CreateConversation creates (or returns) the conversation of a pair.
func (s *Server) CreateConversation(userID, vendorID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationFor(userID, vendorID).ID
}

// FailNextSends makes the next len(statuses) message posts fail with the
// given HTTP statuses, in order.
func (s *Server) FailNextSends(statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSends = append(s.failSends, statuses...)
}

// FailNextUploads makes the next n uploads fail with 500.
func (s *Server) FailNextUploads(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failUploads += n
}

// SetSendDelay delays every message post response.
func (s *Server) SetSendDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendDelay = d
}

// SetDuplicateDelivery makes every stream message event be sent twice.
func (s *Server) SetDuplicateDelivery(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.duplicate = on
}

// SetLegacyShapes switches message payloads to the legacy wire shape
// (_id, content, senderType, epoch-millisecond timestamps).
func (s *Server) SetLegacyShapes(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.legacy = on
}

// Inject persists a message from side and broadcasts it, as if another
// client had sent it.
func (s *Server) Inject(conversationID, side, text string) Message {
	m := s.persist(conversationID, side, "text", text, nil, "")
	s.broadcastMessage(m)
	return m
}

// AppendSilently persists a message without broadcasting it, simulating an
// event missed while a client was disconnected.
func (s *Server) AppendSilently(conversationID, side, text string) Message {
	return s.persist(conversationID, side, "text", text, nil, "")
}

// DropConnections closes every stream socket abnormally.
func (s *Server) DropConnections() {
	s.mu.Lock()
	socks := make([]*socket, 0, len(s.sockets))
	for sk := range s.sockets {
		socks = append(socks, sk)
	}
	s.mu.Unlock()
	for _, sk := range socks {
		_ = sk.conn.Close(websocket.StatusGoingAway, "server restart")
	}
}

// Messages returns the persisted history of a conversation.
func (s *Server) Messages(conversationID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.msgs[conversationID])
}

// Members counts sockets joined to a conversation.
func (s *Server) Members(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for sk := range s.sockets {
		if sk.joined(conversationID) {
			n++
		}
	}
	return n
}

// Sockets counts open stream sockets.
func (s *Server) Sockets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sockets)
}

// ============================================================================
// REST handlers
// ============================================================================

func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		s.mu.Lock()
		p, ok := s.parties[token]
		s.mu.Unlock()
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("UNAUTHORIZED", "invalid session"))
			return
		}
		c.Set("party", p)
		c.Next()
	}
}

func party(c *gin.Context) Party {
	return c.MustGet("party").(Party)
}

func (s *Server) listConversations(c *gin.Context) {
	p := party(c)
	s.mu.Lock()
	out := make([]gin.H, 0)
	for _, id := range s.order {
		conv := s.convs[id]
		if conv.UserID == p.ID || conv.VendorID == p.ID {
			out = append(out, s.conversationJSON(conv))
		}
	}
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"ok": true, "data": gin.H{"conversations": out}})
}

func (s *Server) getOrCreateConversation(c *gin.Context) {
	p := party(c)
	var req struct {
		VendorID string `json:"vendorId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.VendorID == "" {
		c.JSON(http.StatusBadRequest, errorBody("INVALID_INPUT", "vendorId is required"))
		return
	}
	if p.Side != "user" {
		c.JSON(http.StatusForbidden, errorBody("FORBIDDEN", "only users open conversations"))
		return
	}
	s.mu.Lock()
	conv := s.conversationFor(p.ID, req.VendorID)
	body := s.conversationJSON(conv)
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"conversation": body})
}

func (s *Server) listMessages(c *gin.Context) {
	conv, ok := s.authorizedConversation(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	s.mu.Lock()
	msgs := s.msgs[conv.ID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]gin.H, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, s.messageJSON(m))
	}
	s.mu.Unlock()
	c.JSON(http.StatusOK, out)
}

func (s *Server) createMessage(c *gin.Context) {
	p := party(c)
	conv, ok := s.authorizedConversation(c)
	if !ok {
		return
	}

	var req struct {
		Type            string       `json:"type"`
		Text            string       `json:"text"`
		Attachments     []Attachment `json:"attachments"`
		ClientMessageID string       `json:"clientMessageId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("INVALID_INPUT", err.Error()))
		return
	}

	s.mu.Lock()
	delay := s.sendDelay
	status := 0
	if len(s.failSends) > 0 {
		status, s.failSends = s.failSends[0], s.failSends[1:]
	}
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-c.Request.Context().Done():
			return
		}
	}
	if status != 0 {
		c.JSON(status, errorBody("SEND_FAILED", http.StatusText(status)))
		return
	}

	switch {
	case req.ClientMessageID == "":
		c.JSON(http.StatusUnprocessableEntity, errorBody("INVALID_INPUT", "clientMessageId is required"))
		return
	case req.Type == "file" && len(req.Attachments) == 0:
		c.JSON(http.StatusUnprocessableEntity, errorBody("INVALID_INPUT", "file message without attachments"))
		return
	case strings.TrimSpace(req.Text) == "" && len(req.Attachments) == 0:
		c.JSON(http.StatusUnprocessableEntity, errorBody("INVALID_INPUT", "empty message"))
		return
	}

	// Retried posts with the same clientMessageId return the original.
	if m, found := s.byClientID(conv.ID, req.ClientMessageID); found {
		s.mu.Lock()
		body := s.messageJSON(m)
		s.mu.Unlock()
		c.JSON(http.StatusOK, gin.H{"message": body})
		return
	}

	typ := req.Type
	if typ == "" {
		typ = "text"
	}
	m := s.persist(conv.ID, p.Side, typ, req.Text, req.Attachments, req.ClientMessageID)
	s.broadcastMessage(m)

	s.mu.Lock()
	body := s.messageJSON(m)
	s.mu.Unlock()
	c.JSON(http.StatusCreated, gin.H{"message": body})
}

func (s *Server) markRead(c *gin.Context) {
	p := party(c)
	conv, ok := s.authorizedConversation(c)
	if !ok {
		return
	}
	at := s.now().UTC()

	s.mu.Lock()
	if p.Side == "vendor" {
		conv.VendorLastReadAt = at
	} else {
		conv.UserLastReadAt = at
	}
	s.mu.Unlock()

	data, _ := json.Marshal(gin.H{"side": p.Side, "at": at.Format(time.RFC3339Nano)})
	s.broadcast(conv.ID, frame{Type: "read", ConversationID: conv.ID, Data: data})
	c.JSON(http.StatusOK, gin.H{"readAt": at.Format(time.RFC3339Nano)})
}

func (s *Server) upload(c *gin.Context) {
	s.mu.Lock()
	fail := s.failUploads > 0
	if fail {
		s.failUploads--
	}
	s.mu.Unlock()
	if fail {
		c.JSON(http.StatusInternalServerError, errorBody("STORAGE_UNAVAILABLE", "upload failed"))
		return
	}

	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody("INVALID_INPUT", "file is required"))
		return
	}
	a := Attachment{
		FileID:   uuid.NewString(),
		Name:     fh.Filename,
		MimeType: c.PostForm("mimeType"),
		Size:     fh.Size,
	}
	a.URL = s.URL + "/files/" + a.FileID

	s.mu.Lock()
	s.files[a.FileID] = a
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"ok": true, "data": a})
}

// ============================================================================
// Internals
// ============================================================================

func errorBody(code, msg string) gin.H {
	return gin.H{"ok": false, "error": gin.H{"code": code, "message": msg}}
}

func (s *Server) authorizedConversation(c *gin.Context) (*Conversation, bool) {
	p := party(c)
	s.mu.Lock()
	conv, ok := s.convs[c.Param("id")]
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, errorBody("NOT_FOUND", "conversation not found"))
		return nil, false
	}
	if conv.UserID != p.ID && conv.VendorID != p.ID {
		c.JSON(http.StatusForbidden, errorBody("FORBIDDEN", "not a participant"))
		return nil, false
	}
	return conv, true
}

// conversationFor requires s.mu.
func (s *Server) conversationFor(userID, vendorID string) *Conversation {
	for _, id := range s.order {
		if c := s.convs[id]; c.UserID == userID && c.VendorID == vendorID {
			return c
		}
	}
	c := &Conversation{ID: "conv-" + s.node.Generate().String(), UserID: userID, VendorID: vendorID}
	s.convs[c.ID] = c
	s.order = append(s.order, c.ID)
	return c
}

func (s *Server) persist(conversationID, side, typ, text string, attachments []Attachment, clientID string) Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	at := s.now().UTC()
	// Strictly increasing timestamps keep history order unambiguous even
	// when the clock does not advance between two posts.
	if !at.After(s.lastCreatedAt) {
		at = s.lastCreatedAt.Add(time.Millisecond)
	}
	s.lastCreatedAt = at

	m := Message{
		ID:              s.node.Generate().String(),
		ConversationID:  conversationID,
		Sender:          side,
		Type:            typ,
		Text:            text,
		Attachments:     attachments,
		CreatedAt:       at,
		ClientMessageID: clientID,
	}
	s.msgs[conversationID] = append(s.msgs[conversationID], m)
	return m
}

func (s *Server) byClientID(conversationID, clientID string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.msgs[conversationID] {
		if m.ClientMessageID == clientID {
			return m, true
		}
	}
	return Message{}, false
}

// messageJSON requires s.mu.
func (s *Server) messageJSON(m Message) gin.H {
	if s.legacy {
		return gin.H{
			"_id":          m.ID,
			"conversation": m.ConversationID,
			"senderType":   m.Sender,
			"type":         m.Type,
			"content":      m.Text,
			"attachments":  m.Attachments,
			"createdAt":    m.CreatedAt.UnixMilli(),
			"clientMsgId":  m.ClientMessageID,
		}
	}
	return gin.H{
		"id":              m.ID,
		"conversationId":  m.ConversationID,
		"sender":          m.Sender,
		"type":            m.Type,
		"text":            m.Text,
		"attachments":     m.Attachments,
		"createdAt":       m.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt":       m.CreatedAt.Format(time.RFC3339Nano),
		"clientMessageId": m.ClientMessageID,
	}
}

// conversationJSON requires s.mu.
func (s *Server) conversationJSON(c *Conversation) gin.H {
	h := gin.H{
		"id":           c.ID,
		"participants": gin.H{"user": c.UserID, "vendor": c.VendorID},
	}
	if msgs := s.msgs[c.ID]; len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		h["lastMessagePreview"] = last.Text
		h["lastMessageAt"] = last.CreatedAt.Format(time.RFC3339Nano)
	}
	if !c.UserLastReadAt.IsZero() {
		h["userLastReadAt"] = c.UserLastReadAt.Format(time.RFC3339Nano)
	}
	if !c.VendorLastReadAt.IsZero() {
		h["vendorLastReadAt"] = c.VendorLastReadAt.Format(time.RFC3339Nano)
	}
	return h
}

func (s *Server) broadcastMessage(m Message) {
	s.mu.Lock()
	data, _ := json.Marshal(s.messageJSON(m))
	times := 1
	if s.duplicate {
		times = 2
	}
	s.mu.Unlock()

	f := frame{Type: "message", ConversationID: m.ConversationID, Data: data}
	for k := 0; k < times; k++ {
		s.broadcast(m.ConversationID, f)
	}
}

func (s *Server) broadcast(conversationID string, f frame) {
	s.mu.Lock()
	targets := make([]*socket, 0)
	for sk := range s.sockets {
		if sk.joined(conversationID) {
			targets = append(targets, sk)
		}
	}
	s.mu.Unlock()

	for _, sk := range targets {
		if err := sk.write(context.Background(), f); err != nil {
			s.log.Info("ws.write.fail", "party", sk.party.ID, "err", err)
		}
	}
}
