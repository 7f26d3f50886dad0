package worker

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
	"booking/internal/realtime"
	"booking/internal/service"
	"booking/internal/store"
	"booking/internal/store/memstore"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)} }

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

type delivery struct {
	userID    int64
	requestID int64
	eventID   int64
}

type fakeHub struct {
	mu      sync.Mutex
	got     []delivery
	failFor map[int64]bool
}

func (f *fakeHub) Deliver(ctx context.Context, userID, requestID int64, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[userID] {
		return errors.New("write timeout")
	}
	var ev struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(frame, &ev); err != nil {
		return err
	}
	f.got = append(f.got, delivery{userID, requestID, ev.ID})
	return nil
}

func (f *fakeHub) setFail(userID int64, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor == nil {
		f.failFor = map[int64]bool{}
	}
	f.failFor[userID] = fail
}

func (f *fakeHub) count(eventID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, d := range f.got {
		if d.eventID == eventID {
			n++
		}
	}
	return n
}

type invalidations struct {
	mu  sync.Mutex
	ids []int64
}

func (i *invalidations) Invalidate(ids ...int64) {
	i.mu.Lock()
	i.ids = append(i.ids, ids...)
	i.mu.Unlock()
}

func insertEvent(t *testing.T, st store.Store, requestID int64, recipients ...int64) int64 {
	t.Helper()
	ev := &domain.OutboxEvent{
		Topic:            domain.TopicMessageCreated,
		BookingRequestID: requestID,
		Recipients:       recipients,
		Payload:          []byte(`{}`),
		CreatedAt:        time.Now().UTC(),
	}
	require.NoError(t, st.WithTx(context.Background(), func(tx store.Tx) error {
		return tx.InsertOutbox(context.Background(), ev)
	}))
	return ev.ID
}

func getEvent(t *testing.T, st store.Store, id int64) domain.OutboxEvent {
	t.Helper()
	var ev domain.OutboxEvent
	require.NoError(t, st.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		ev, err = tx.GetOutbox(context.Background(), id)
		return err
	}))
	return ev
}

func newDrainer(st store.Store, hub Deliverer, c *clock) *Drainer {
	return &Drainer{
		Store:           st,
		Hub:             hub,
		Now:             c.Now,
		BatchSize:       50,
		Backoff:         Backoff{Base: time.Second, Max: time.Minute},
		DeliveryTimeout: time.Second,
	}
}

func TestDrainDeliversInOrder(t *testing.T) {
	st := memstore.New()
	hub := &fakeHub{}
	inv := &invalidations{}
	c := newClock()
	d := newDrainer(st, hub, c)
	d.Unread = inv

	a := insertEvent(t, st, 1, 10, 20)
	b := insertEvent(t, st, 1, 20)

	res, err := d.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Delivered: 2}, res)

	assert.Equal(t, []delivery{{10, 1, a}, {20, 1, a}, {20, 1, b}}, hub.got)
	assert.NotNil(t, getEvent(t, st, a).DeliveredAt)
	assert.NotNil(t, getEvent(t, st, b).DeliveredAt)
	assert.ElementsMatch(t, []int64{10, 20, 20}, inv.ids)

	res, err = d.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Delivered)
}

func TestDrainBackoffHoldsLane(t *testing.T) {
	st := memstore.New()
	hub := &fakeHub{}
	hub.setFail(10, true)
	c := newClock()
	d := newDrainer(st, hub, c)

	first := insertEvent(t, st, 1, 10)
	second := insertEvent(t, st, 1, 10, 20)
	other := insertEvent(t, st, 2, 20)

	res, err := d.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Delivered: 1, Failed: 1, Held: 1}, res)

	failed := getEvent(t, st, first)
	assert.Nil(t, failed.DeliveredAt)
	assert.Equal(t, 1, failed.AttemptCount)
	assert.Contains(t, failed.LastError, "deliver to user 10")
	require.NotNil(t, failed.DueAt)
	assert.Equal(t, c.Now().Add(time.Second), *failed.DueAt)

	assert.Zero(t, hub.count(second), "held behind the failed event for user 10")
	assert.Equal(t, 1, hub.count(other))

	// still inside the backoff window
	res, err = d.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Held: 2}, res)

	hub.setFail(10, false)
	c.Advance(time.Second)
	res, err = d.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Delivered: 2}, res)
	assert.Equal(t, 1, getEvent(t, st, first).AttemptCount, "attempt history is kept")
}

func TestDrainPagesPastHeldBacklog(t *testing.T) {
	st := memstore.New()
	hub := &fakeHub{}
	hub.setFail(7, true)
	c := newClock()
	d := newDrainer(st, hub, c)

	for i := 0; i < 60; i++ {
		insertEvent(t, st, 1, 7)
	}
	unrelated := insertEvent(t, st, 2, 8)

	res, err := d.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Delivered: 1, Failed: 1, Held: 59}, res)
	assert.Equal(t, 1, hub.count(unrelated))
	assert.NotNil(t, getEvent(t, st, unrelated).DeliveredAt)

	// user 7 keeps failing; later events for others still get through
	later := insertEvent(t, st, 3, 9)
	for i := 0; i < 3; i++ {
		c.Advance(time.Minute)
		_, err = d.DrainOnce(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, hub.count(later))
}

func TestDrainBatchSizeBoundsAttempts(t *testing.T) {
	st := memstore.New()
	hub := &fakeHub{}
	c := newClock()
	d := newDrainer(st, hub, c)
	d.BatchSize = 2

	insertEvent(t, st, 1, 10)
	insertEvent(t, st, 2, 20)
	last := insertEvent(t, st, 3, 30)

	res, err := d.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Delivered: 2}, res)
	assert.Zero(t, hub.count(last))

	res, err = d.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Delivered: 1}, res)
	assert.Equal(t, 1, hub.count(last))
}

func TestDrainDeadLetter(t *testing.T) {
	st := memstore.New()
	hub := &fakeHub{}
	hub.setFail(10, true)
	c := newClock()
	d := newDrainer(st, hub, c)
	d.DeadLetterAfter = 2

	id := insertEvent(t, st, 1, 10)

	_, err := d.DrainOnce(context.Background())
	require.NoError(t, err)
	c.Advance(time.Second)
	res, err := d.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	ev := getEvent(t, st, id)
	assert.Equal(t, 2, ev.AttemptCount)
	assert.NotNil(t, ev.DeadAt)

	c.Advance(time.Hour)
	res, err = d.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainResult{}, res, "dead events leave the drain path")

	require.NoError(t, st.WithTx(context.Background(), func(tx store.Tx) error {
		return tx.ResetOutbox(context.Background(), id)
	}))
	hub.setFail(10, false)
	res, err = d.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered, "replay revives a dead event")
}

func TestDrainWithoutConnectionsCountsAsDelivered(t *testing.T) {
	st := memstore.New()
	hub := realtime.NewHub(realtime.HubOptions{})
	d := newDrainer(st, hub, newClock())
	id := insertEvent(t, st, 1, 10)

	res, err := d.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.NotNil(t, getEvent(t, st, id).DeliveredAt)
}

// crashingStore loses every MarkDelivered, as if the process died between
// the push and the write.
type crashingStore struct{ store.Store }

var errCrash = errors.New("process killed")

func (s crashingStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.Store.WithTx(ctx, func(tx store.Tx) error { return fn(crashingTx{tx}) })
}

type crashingTx struct{ store.Tx }

func (crashingTx) MarkDelivered(ctx context.Context, id int64, now time.Time) error { return errCrash }

func TestAtLeastOnceAcrossRestart(t *testing.T) {
	st := memstore.New()
	c := newClock()
	unread := service.NewUnreadCounter(st, 0)
	bookings := &service.BookingService{Store: st, Unread: unread, Now: c.Now, QuoteTTL: 7 * 24 * time.Hour}
	threads := &service.ThreadService{Store: st, Unread: unread, Now: c.Now}

	r, err := bookings.Create(context.Background(), service.CreateInput{RequesterID: 1, ProviderID: 2, Message: "gig"})
	require.NoError(t, err)
	_, _, err = threads.Post(context.Background(), r.ID, 1, service.PostInput{Content: "hello"})
	require.NoError(t, err)

	before, err := unread.Get(context.Background(), 2)
	require.NoError(t, err)

	hub := &fakeHub{}
	crashed := newDrainer(crashingStore{st}, hub, c)
	_, err = crashed.DrainOnce(context.Background())
	require.ErrorIs(t, err, errCrash)

	var pending []domain.OutboxEvent
	require.NoError(t, st.WithTx(context.Background(), func(tx store.Tx) error {
		pending, err = tx.ListOutbox(context.Background(), store.OutboxFilter{Undelivered: true})
		return err
	}))
	require.NotEmpty(t, pending)

	restarted := newDrainer(st, hub, c)
	restarted.Unread = unread
	for i := 0; i < 3; i++ {
		_, err = restarted.DrainOnce(context.Background())
		require.NoError(t, err)
	}

	for _, ev := range pending {
		assert.NotNil(t, getEvent(t, st, ev.ID).DeliveredAt, "event %d", ev.ID)
	}
	assert.Equal(t, 2, hub.count(pending[0].ID), "the first event was pushed before the crash and again after")

	after, err := unread.Get(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, before, after, "redelivery does not change unread state")
}

func TestRunDrainsOnWake(t *testing.T) {
	st := memstore.New()
	hub := &fakeHub{}
	d := newDrainer(st, hub, newClock())
	d.Interval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	id := insertEvent(t, st, 1, 10)
	d.Wake()
	d.Wake()
	require.Eventually(t, func() bool { return hub.count(id) == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 10 * time.Second}
	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, time.Second, b.Delay(1))
	assert.Equal(t, 2*time.Second, b.Delay(2))
	assert.Equal(t, 8*time.Second, b.Delay(4))
	assert.Equal(t, 10*time.Second, b.Delay(5))
	assert.Equal(t, 10*time.Second, b.Delay(500))
	assert.Equal(t, time.Second, Backoff{}.Delay(3))
}
