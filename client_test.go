package convsync

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(WithBaseURL(srv.URL), WithToken("tok-1"), WithTimeout(5*time.Second))
}

func TestClient_HeadersAndEnvelope(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		assert.Equal(t, "/conversations", r.URL.Path)
		_, _ = io.WriteString(w, `{"ok":true,"data":{"conversations":[{"id":"c1","userId":"u1","vendorId":"v1"}]}}`)
	})

	convs, err := c.ListConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, Participants{User: "u1", Vendor: "v1"}, convs[0].Participants)
}

func TestClient_BareBody(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/conversations/c%201/messages", r.URL.EscapedPath())
		assert.Equal(t, "25", r.URL.Query().Get("limit"))
		_, _ = io.WriteString(w, `[{"id":"m1","sender":"vendor","text":"hi","createdAt":"2024-03-01T10:00:00Z"}]`)
	})

	msgs, err := c.ListMessages(context.Background(), "c 1", 25)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "c 1", msgs[0].ConversationID)
}

func TestClient_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   Kind
		code   string
	}{
		{http.StatusUnauthorized, `{"ok":false,"error":{"code":"UNAUTHORIZED","message":"expired"}}`, KindAuth, "UNAUTHORIZED"},
		{http.StatusForbidden, `forbidden`, KindAuth, ""},
		{http.StatusUnprocessableEntity, `{"error":{"code":"INVALID_INPUT","message":"empty"}}`, KindValidation, "INVALID_INPUT"},
		{http.StatusGatewayTimeout, ``, KindTimeout, ""},
		{http.StatusBadGateway, `<html>bad gateway</html>`, KindNetwork, ""},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})
			_, err := c.SendMessage(context.Background(), "c1", SendRequest{Type: MessageText, Text: "x", ClientMessageID: "temp-1"})
			require.Error(t, err)
			var e *Error
			require.ErrorAs(t, err, &e)
			assert.Equal(t, tt.want, e.Kind)
			assert.Equal(t, tt.status, e.Status)
			assert.Equal(t, tt.code, e.Code)
		})
	}
}

func TestClient_EnvelopeFailureOn200(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"ok":false,"error":{"code":"AUTH_EXPIRED","message":"log in again"}}`)
	})
	_, err := c.ListConversations(context.Background())
	assert.ErrorIs(t, err, ErrAuth)
}

func TestClient_SendMessage(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var req SendRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "temp-1", req.ClientMessageID)
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"message":{"id":"srv-42","sender":"user","text":"hi","createdAt":"2024-03-01T10:00:01Z","clientMessageId":"temp-1"}}`)
	})

	m, err := c.SendMessage(context.Background(), "c1", SendRequest{Type: MessageText, Text: "hi", ClientMessageID: "temp-1"})
	require.NoError(t, err)
	assert.Equal(t, "srv-42", m.ID)
	assert.Equal(t, "temp-1", m.ClientMessageID)
	assert.Equal(t, "c1", m.ConversationID)
}

func TestClient_MarkRead(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/conversations/c1/read" {
			_, _ = io.WriteString(w, `{"lastReadAt":"2024-03-01T10:00:00Z"}`)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	at, err := c.MarkRead(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), at)

	at, err = c.MarkRead(context.Background(), "c2")
	require.NoError(t, err)
	assert.True(t, at.IsZero())
}

func TestClient_TransportErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.ListConversations(ctx)
	assert.Equal(t, KindTimeout, KindOf(err))

	down := NewClient(WithBaseURL("http://127.0.0.1:1"))
	_, err = down.ListConversations(context.Background())
	assert.Equal(t, KindNetwork, KindOf(err))
}

func TestClient_Upload(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		f, fh, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer f.Close()
		body, _ := io.ReadAll(f)
		assert.Equal(t, "photo.png", fh.Filename)
		assert.Equal(t, []byte("png-bytes"), body)
		assert.Equal(t, "image/png", r.FormValue("mimeType"))
		_, _ = io.WriteString(w, `{"ok":true,"data":{"_id":"f-1","fileUrl":"https://cdn/f-1"}}`)
	})

	a, err := c.Upload(context.Background(), FileUpload{Name: "photo.png", Data: []byte("png-bytes")})
	require.NoError(t, err)
	assert.Equal(t, Attachment{FileID: "f-1", URL: "https://cdn/f-1", Name: "photo.png", MimeType: "image/png", Size: 9}, a)
}

func TestClient_UploadErrors(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusInternalServerError)
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
		_, _ = io.WriteString(w, `{}`)
	})

	_, err := c.Upload(context.Background(), FileUpload{Name: "a.txt", Data: []byte("x")})
	assert.ErrorIs(t, err, ErrUpload)

	status.Store(http.StatusUnauthorized)
	_, err = c.Upload(context.Background(), FileUpload{Name: "a.txt", Data: []byte("x")})
	assert.ErrorIs(t, err, ErrAuth, "auth failures keep their kind")

	status.Store(http.StatusOK)
	_, err = c.Upload(context.Background(), FileUpload{Name: "a.txt", Data: []byte("x")})
	assert.ErrorIs(t, err, ErrUpload, "a response without fileId is an upload failure")

	_, err = c.Upload(context.Background(), FileUpload{Data: []byte("x")})
	assert.ErrorIs(t, err, ErrUpload)
}

func TestClient_ListMessagesDropsMalformedRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"messages":[
			{"id":"m1","sender":"user","text":"a","createdAt":1},
			{"id":"m2","text":"no sender","createdAt":2},
			{"id":"m3","sender":"vendor","text":"b","createdAt":3}
		]}`)
	}))
	t.Cleanup(srv.Close)

	var logs bytes.Buffer
	reg := prometheus.NewRegistry()
	c := NewClient(
		WithBaseURL(srv.URL),
		WithLogger(slog.New(slog.NewTextHandler(&logs, nil))),
		WithRegisterer(reg),
	)

	msgs, err := c.ListMessages(context.Background(), "c1", 50)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m3", msgs[1].ID)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.malformed))
	assert.Contains(t, logs.String(), "client.malformed_message")
	assert.Contains(t, logs.String(), "conversation_id=c1")
	assert.Contains(t, logs.String(), "m2")
}

func TestClient_SetTokenWhileRequesting(t *testing.T) {
	var seen sync.Map
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get("Authorization"), true)
		_, _ = io.WriteString(w, `[]`)
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				c.SetToken("tok-" + strconv.Itoa(i))
				return
			}
			_, err := c.ListConversations(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	c.SetToken("tok-final")
	_, err := c.ListConversations(context.Background())
	require.NoError(t, err)
	_, ok := seen.Load("Bearer tok-final")
	assert.True(t, ok)
}
