package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"booking/internal/domain"
)

type fakeChannel struct {
	id string

	mu     sync.Mutex
	frames [][]byte
	err    error
	closed bool
}

func (f *fakeChannel) ID() string { return f.id }

func (f *fakeChannel) Send(ctx context.Context, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) decoded(t *testing.T) []map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, b := range f.frames {
		var m map[string]any
		require.NoError(t, json.Unmarshal(b, &m))
		out = append(out, m)
	}
	return out
}

func TestDeliverScopesByRequest(t *testing.T) {
	h := NewHub(HubOptions{})
	ctx := context.Background()

	thread := &fakeChannel{id: "a"}
	elsewhere := &fakeChannel{id: "b"}
	inbox := &fakeChannel{id: "c"}
	for _, reg := range []struct {
		ch  *fakeChannel
		req int64
	}{{thread, 10}, {elsewhere, 11}, {inbox, 0}} {
		_, err := h.Register(ctx, 7, reg.req, reg.ch)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, h.Connections(7))

	require.NoError(t, h.Deliver(ctx, 7, 10, []byte(`{"type":"event"}`)))
	assert.Len(t, thread.frames, 1)
	assert.Empty(t, elsewhere.frames)
	assert.Len(t, inbox.frames, 1)

	assert.NoError(t, h.Deliver(ctx, 99, 10, []byte(`{}`)), "no connection is not a failure")
}

func TestDeliverReportsChannelFailure(t *testing.T) {
	h := NewHub(HubOptions{})
	ctx := context.Background()
	ok := &fakeChannel{id: "ok"}
	bad := &fakeChannel{id: "bad", err: errors.New("broken pipe")}
	_, err := h.Register(ctx, 7, 0, ok)
	require.NoError(t, err)
	_, err = h.Register(ctx, 7, 0, bad)
	require.NoError(t, err)

	err = h.Deliver(ctx, 7, 1, []byte(`{}`))
	var de domain.DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, int64(7), de.UserID)
	assert.Len(t, ok.frames, 1)
}

func TestUnregister(t *testing.T) {
	h := NewHub(HubOptions{})
	ch := &fakeChannel{id: "x"}
	done, err := h.Register(context.Background(), 7, 0, ch)
	require.NoError(t, err)
	done()
	done()
	assert.Zero(t, h.Connections(7))
	require.NoError(t, h.Deliver(context.Background(), 7, 1, []byte(`{}`)))
	assert.Empty(t, ch.frames)
}

func TestReconnectStormGetsHint(t *testing.T) {
	h := NewHub(HubOptions{ReconnectRPS: 0.001, ReconnectBurst: 1, HintDelay: 3 * time.Second})
	ctx := context.Background()

	_, err := h.Register(ctx, 7, 0, &fakeChannel{id: "first"})
	require.NoError(t, err)

	second := &fakeChannel{id: "second"}
	_, err = h.Register(ctx, 7, 0, second)
	require.ErrorIs(t, err, ErrThrottled)
	assert.True(t, second.closed)
	frames := second.decoded(t)
	require.Len(t, frames, 1)
	assert.Equal(t, FrameReconnectHint, frames[0]["type"])
	assert.Equal(t, float64(3), frames[0]["delay"])
	assert.Equal(t, 1, h.Connections(7))
}

func TestTypingAndPresenceCoalesce(t *testing.T) {
	h := NewHub(HubOptions{})
	ctx := context.Background()
	a := &fakeChannel{id: "a"}
	b := &fakeChannel{id: "b"}
	inbox := &fakeChannel{id: "inbox"}
	_, err := h.Register(ctx, 1, 10, a)
	require.NoError(t, err)
	_, err = h.Register(ctx, 2, 10, b)
	require.NoError(t, err)
	_, err = h.Register(ctx, 2, 0, inbox)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		h.Typing(10, 1)
	}
	h.Typing(10, 2)
	h.Presence(10, 1, "online")
	h.Presence(10, 1, "away")

	h.Flush(ctx)

	got := b.decoded(t)
	require.Len(t, got, 2, "one typing and one presence frame per interval")
	assert.Equal(t, FrameTyping, got[0]["type"])
	assert.Equal(t, []any{float64(1), float64(2)}, got[0]["users"])
	assert.Equal(t, FramePresence, got[1]["type"])
	assert.Equal(t, map[string]any{"1": "away"}, got[1]["updates"])
	assert.Len(t, a.frames, 2)
	assert.Empty(t, inbox.frames, "ephemeral frames stay in the thread")

	h.Flush(ctx)
	assert.Len(t, b.frames, 2, "nothing pending after a flush")
}

func TestEventFrame(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b, err := EventFrame(domain.OutboxEvent{
		ID: 5, Topic: domain.TopicQuoteCreated, BookingRequestID: 9,
		Payload: []byte(`{"quote_id":3}`), CreatedAt: at,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"event","id":5,"topic":"quote.created","booking_request_id":9,
		"payload":{"quote_id":3},"created_at":"2026-03-01T12:00:00Z"}`, string(b))
}

func TestReconnectHintRoundsUp(t *testing.T) {
	assert.JSONEq(t, `{"type":"reconnect_hint","delay":2}`, string(ReconnectHint(1500*time.Millisecond)))
	assert.JSONEq(t, `{"type":"reconnect_hint","delay":1}`, string(ReconnectHint(0)))
}
