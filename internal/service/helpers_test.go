package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"booking/internal/domain"
	"booking/internal/store"
	"booking/internal/store/memstore"
)

const (
	client int64 = 1
	artist int64 = 2
	other  int64 = 3
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	mem     *memstore.Store
	clock   *clock
	booking *BookingService
	thread  *ThreadService
	unread  *UnreadCounter
	wakes   int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{mem: memstore.New(), clock: newClock()}
	h.unread = NewUnreadCounter(h.mem, time.Minute)
	h.unread.Now = h.clock.Now
	wake := func() { h.wakes++ }
	h.booking = &BookingService{
		Store:          h.mem,
		Unread:         h.unread,
		AfterCommit:    wake,
		Now:            h.clock.Now,
		QuoteTTL:       7 * 24 * time.Hour,
		ReviewQuoteTTL: 7 * 24 * time.Hour,
	}
	h.thread = &ThreadService{Store: h.mem, Now: h.clock.Now, AfterCommit: wake, Unread: h.unread}
	return h
}

func (h *harness) create(t *testing.T) domain.BookingRequest {
	t.Helper()
	r, err := h.booking.Create(context.Background(), CreateInput{RequesterID: client, ProviderID: artist, Message: "wedding gig"})
	require.NoError(t, err)
	return r
}

func (h *harness) quote(t *testing.T, requestID int64, price domain.Money) domain.Quote {
	t.Helper()
	q, err := h.booking.SubmitQuote(context.Background(), QuoteInput{
		RequestID:  requestID,
		ProviderID: artist,
		Items:      []domain.QuoteItem{{Description: "Performance", Price: price}},
	})
	require.NoError(t, err)
	return q
}

func (h *harness) tx(t *testing.T, fn func(tx store.Tx) error) {
	t.Helper()
	require.NoError(t, h.mem.WithTx(context.Background(), fn))
}

func (h *harness) request(t *testing.T, id int64) domain.BookingRequest {
	t.Helper()
	var r domain.BookingRequest
	h.tx(t, func(tx store.Tx) error {
		var err error
		r, err = tx.GetRequest(context.Background(), id, false)
		return err
	})
	return r
}

func (h *harness) outbox(t *testing.T) []domain.OutboxEvent {
	t.Helper()
	var out []domain.OutboxEvent
	h.tx(t, func(tx store.Tx) error {
		var err error
		out, err = tx.ListOutbox(context.Background(), store.OutboxFilter{IncludeDead: true})
		return err
	})
	return out
}

func (h *harness) topics(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, ev := range h.outbox(t) {
		out = append(out, ev.Topic)
	}
	return out
}

func (h *harness) messageCount(t *testing.T, requestID int64) int {
	t.Helper()
	var n int
	h.tx(t, func(tx store.Tx) error {
		var err error
		n, err = tx.CountMessages(context.Background(), requestID)
		return err
	})
	return n
}

func systemMessages(ms []domain.Message) []domain.Message {
	var out []domain.Message
	for _, m := range ms {
		if m.Type == domain.MessageSystem {
			out = append(out, m)
		}
	}
	return out
}

// failingStore fails InsertOutbox for one topic, after everything before it
// in the transaction has been written.
type failingStore struct {
	store.Store
	topic string
}

var errInjected = errors.New("injected failure")

func (f failingStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return f.Store.WithTx(ctx, func(tx store.Tx) error {
		return fn(failingTx{Tx: tx, topic: f.topic})
	})
}

type failingTx struct {
	store.Tx
	topic string
}

func (f failingTx) InsertOutbox(ctx context.Context, ev *domain.OutboxEvent) error {
	if ev.Topic == f.topic {
		return errInjected
	}
	return f.Tx.InsertOutbox(ctx, ev)
}
