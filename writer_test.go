package convsync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_SeedReplaysMergesDuringFetch(t *testing.T) {
	w := newWriter(NewCache())
	tp := w.begin("c1")

	// Arrives on the stream after the server built its response.
	w.reconcile(confirmedMsg("c1", "live", t0.Add(time.Minute), "live"))
	w.seed("c1", tp, []Message{confirmedMsg("c1", "old", t0, "old")})

	assert.Equal(t, []string{"old", "live"}, ids(w.cache.Messages("c1")))
	assert.Empty(t, w.taps)
}

func TestWriter_SeedRestoresInflightSends(t *testing.T) {
	w := newWriter(NewCache())
	require.True(t, w.insertPending(pendingMsg("c1", "temp-1", t0.Add(time.Minute), "sending")))
	require.True(t, w.insertPending(pendingMsg("c2", "temp-2", t0, "other conversation")))

	w.seed("c1", nil, []Message{confirmedMsg("c1", "a", t0, "a")})
	msgs := w.cache.Messages("c1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", msgs[0].ID)
	assert.True(t, msgs[1].Pending())

	// The snapshot already carries the confirmed send.
	done := confirmedMsg("c1", "srv-1", t0.Add(time.Minute), "sending")
	done.ClientMessageID = "temp-1"
	w.seed("c1", nil, []Message{confirmedMsg("c1", "a", t0, "a"), done})
	assert.Equal(t, []string{"a", "srv-1"}, ids(w.cache.Messages("c1")))

	assert.Equal(t, OutcomeDuplicate, w.confirm("temp-1", done))
	_, inflight := w.inflight["temp-1"]
	assert.False(t, inflight)
}

func TestWriter_FailEndsInflight(t *testing.T) {
	w := newWriter(NewCache())
	require.True(t, w.insertPending(pendingMsg("c1", "temp-1", t0, "x")))
	assert.True(t, w.fail("c1", "temp-1"))

	w.seed("c1", nil, nil)
	assert.Empty(t, w.cache.Messages("c1"), "a failed send is not restored")
}

func TestWriter_AbortDropsTap(t *testing.T) {
	w := newWriter(NewCache())
	tp := w.begin("c1")
	w.abort("c1", tp)
	w.reconcile(confirmedMsg("c1", "a", t0, "a"))
	assert.Empty(t, w.taps)
	assert.Equal(t, 1, w.cache.Len("c1"))
}

// A message delivered on the stream while Open's history request is in
// flight survives the seed built from that (older) response.
func TestEngine_OpenKeepsLiveMessagesFromDuringFetch(t *testing.T) {
	api := newFakeAPI()
	api.setHistory("c1", confirmedMsg("c1", "old", t0, "old"))
	stream := &fakeStream{}
	e := newTestEngine(t, api, stream, nil)
	require.NoError(t, e.Start(context.Background()))

	api.onList = func(ctx context.Context, id string) {
		stream.pushMessage(t, confirmedMsg("c1", "live", t0.Add(time.Minute), "live"))
	}
	require.NoError(t, e.Open(context.Background(), "c1"))
	assert.Equal(t, []string{"old", "live"}, ids(e.Messages("c1")))
}
