package backendtest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	writeTimeout = 5 * time.Second
	readLimit    = 1 << 20
)

type frame struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversationId,omitempty"`
	RequestID      string          `json:"requestId,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
}

type socket struct {
	conn  *websocket.Conn
	party Party

	mu    sync.Mutex
	rooms map[string]struct{}
}

func (sk *socket) joined(conversationID string) bool {
	sk.mu.Lock()
	defer sk.mu.Unlock()
	_, ok := sk.rooms[conversationID]
	return ok
}

func (sk *socket) write(parent context.Context, f frame) error {
	ctx, cancel := context.WithTimeout(parent, writeTimeout)
	defer cancel()
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return sk.conn.Write(ctx, websocket.MessageText, b)
}

// serveStream serves /ws?token=. The first frame is "ready", or "error"
// followed by a policy close when the token is unknown. It is mounted beside
// the gin router because gin's ResponseWriter refuses the upgrade hijack.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.log.Info("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()
	conn.SetReadLimit(readLimit)

	ctx := r.Context()
	s.mu.Lock()
	p, ok := s.parties[r.URL.Query().Get("token")]
	s.mu.Unlock()

	sk := &socket{conn: conn, party: p, rooms: make(map[string]struct{})}
	if !ok {
		data, _ := json.Marshal("invalid token")
		_ = sk.write(ctx, frame{Type: "error", Data: data})
		_ = conn.Close(websocket.StatusPolicyViolation, "unauthorized")
		return
	}

	s.mu.Lock()
	s.sockets[sk] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sockets, sk)
		s.mu.Unlock()
	}()

	if err := sk.write(ctx, frame{Type: "ready"}); err != nil {
		return
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if !isClosed(err) {
				s.log.Info("ws.read.fail", "party", p.ID, "err", err)
			}
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			msg, _ := json.Marshal("bad frame")
			_ = sk.write(ctx, frame{Type: "error", Data: msg})
			continue
		}
		s.handleFrame(ctx, sk, f)
	}
}

func (s *Server) handleFrame(ctx context.Context, sk *socket, f frame) {
	switch f.Type {
	case "join":
		if !s.participant(sk.party, f.ConversationID) {
			msg, _ := json.Marshal("not a participant")
			_ = sk.write(ctx, frame{Type: "error", ConversationID: f.ConversationID, Data: msg})
			return
		}
		sk.mu.Lock()
		sk.rooms[f.ConversationID] = struct{}{}
		sk.mu.Unlock()
	case "leave":
		sk.mu.Lock()
		delete(sk.rooms, f.ConversationID)
		sk.mu.Unlock()
	case "ping":
		_ = sk.write(ctx, frame{Type: "pong", RequestID: f.RequestID})
	default:
		s.log.Debug("ws.unknown_frame", "type", f.Type)
	}
}

func (s *Server) participant(p Party, conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	return ok && (c.UserID == p.ID || c.VendorID == p.ID)
}

func isClosed(err error) bool {
	return websocket.CloseStatus(err) != -1 ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF)
}
