package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"booking/internal/domain"
	"booking/internal/notify"
	"booking/internal/service"
	"booking/internal/store"
	"booking/internal/store/memstore"
)

const (
	requester int64 = 1
	provider  int64 = 2
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
	err    error
}

func (r *recordingNotifier) Send(ctx context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recordingNotifier) count(kind notify.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

type sweepFixture struct {
	st       *memstore.Store
	clock    *clock
	bookings *service.BookingService
	notifier *recordingNotifier
	sweeper  *Sweeper
}

func newSweepFixture(t *testing.T) *sweepFixture {
	t.Helper()
	f := &sweepFixture{st: memstore.New(), clock: newClock(), notifier: &recordingNotifier{}}
	f.bookings = &service.BookingService{Store: f.st, Now: f.clock.Now, QuoteTTL: 7 * 24 * time.Hour}
	f.sweeper = &Sweeper{
		Store:       f.st,
		Expirer:     f.bookings,
		Notifier:    f.notifier,
		Now:         f.clock.Now,
		WarningLead: 24 * time.Hour,
	}
	return f
}

func (f *sweepFixture) pendingQuote(t *testing.T) domain.Quote {
	t.Helper()
	ctx := context.Background()
	r, err := f.bookings.Create(ctx, service.CreateInput{RequesterID: requester, ProviderID: provider, Message: "gig"})
	require.NoError(t, err)
	q, err := f.bookings.SubmitQuote(ctx, service.QuoteInput{
		RequestID:  r.ID,
		ProviderID: provider,
		Items:      []domain.QuoteItem{{Description: "Set", Price: 100}},
	})
	require.NoError(t, err)
	return q
}

func (f *sweepFixture) load(t *testing.T, q domain.Quote) (domain.Quote, domain.BookingRequest) {
	t.Helper()
	var (
		gotQ domain.Quote
		gotR domain.BookingRequest
	)
	require.NoError(t, f.st.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		if gotQ, err = tx.GetQuote(context.Background(), q.ID, false); err != nil {
			return err
		}
		gotR, err = tx.GetRequest(context.Background(), q.BookingRequestID, false)
		return err
	}))
	return gotQ, gotR
}

func TestSweepWarnsOnceThenExpiresOnce(t *testing.T) {
	f := newSweepFixture(t)
	ctx := context.Background()
	q := f.pendingQuote(t)

	res, err := f.sweeper.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)

	f.clock.Advance(6*24*time.Hour + 12*time.Hour)
	res, err = f.sweeper.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Warned: 1}, res)

	res, err = f.sweeper.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res, "already warned")

	f.clock.Advance(12*time.Hour + time.Second)
	res, err = f.sweeper.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Expired: 1}, res)

	res, err = f.sweeper.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)

	assert.Equal(t, 1, f.notifier.count(notify.KindQuoteExpiringSoon))
	assert.Equal(t, 1, f.notifier.count(notify.KindQuoteExpired))
	for _, ev := range f.notifier.events {
		assert.Equal(t, requester, ev.UserID)
		assert.Equal(t, q.ID, ev.QuoteID)
		assert.NotEmpty(t, ev.ID)
	}

	gotQ, gotR := f.load(t, q)
	assert.Equal(t, domain.QuoteExpired, gotQ.Status)
	assert.Equal(t, domain.RequestQuoteRejected, gotR.Status)
}

func TestSweepPastDueWithoutWarning(t *testing.T) {
	f := newSweepFixture(t)
	q := f.pendingQuote(t)

	f.clock.Advance(8 * 24 * time.Hour)
	res, err := f.sweeper.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Expired: 1}, res)
	assert.Zero(t, f.notifier.count(notify.KindQuoteExpiringSoon), "lead window was never observed")
	assert.Equal(t, 1, f.notifier.count(notify.KindQuoteExpired))

	gotQ, _ := f.load(t, q)
	assert.Equal(t, domain.QuoteExpired, gotQ.Status)
}

func TestSweepStaysQuietForClosedRequests(t *testing.T) {
	f := newSweepFixture(t)
	ctx := context.Background()
	q := f.pendingQuote(t)
	_, err := f.bookings.Withdraw(ctx, q.BookingRequestID, requester)
	require.NoError(t, err)

	f.clock.Advance(6*24*time.Hour + 12*time.Hour)
	res, err := f.sweeper.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)

	f.clock.Advance(12*time.Hour + time.Second)
	res, err = f.sweeper.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Expired: 1}, res)

	assert.Empty(t, f.notifier.events)
	gotQ, gotR := f.load(t, q)
	assert.Equal(t, domain.QuoteExpired, gotQ.Status)
	assert.Equal(t, domain.RequestWithdrawn, gotR.Status)
}

type flakyExpirer struct {
	QuoteExpirer
	failID int64
	err    error
}

func (f flakyExpirer) ExpireQuote(ctx context.Context, quoteID int64) (domain.Quote, domain.BookingRequest, error) {
	if quoteID == f.failID {
		return domain.Quote{}, domain.BookingRequest{}, f.err
	}
	return f.QuoteExpirer.ExpireQuote(ctx, quoteID)
}

func TestSweepIsolatesFailures(t *testing.T) {
	f := newSweepFixture(t)
	broken := f.pendingQuote(t)
	healthy := f.pendingQuote(t)
	f.sweeper.Expirer = flakyExpirer{QuoteExpirer: f.bookings, failID: broken.ID, err: errors.New("db hiccup")}

	f.clock.Advance(8 * 24 * time.Hour)
	res, err := f.sweeper.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Expired: 1, Failed: 1}, res)

	gotBroken, _ := f.load(t, broken)
	assert.Equal(t, domain.QuotePending, gotBroken.Status)
	gotHealthy, _ := f.load(t, healthy)
	assert.Equal(t, domain.QuoteExpired, gotHealthy.Status)

	f.sweeper.Expirer = f.bookings
	res, err = f.sweeper.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Expired: 1}, res, "retried next tick")
}

func TestSweepSkipsQuoteClosedMeanwhile(t *testing.T) {
	f := newSweepFixture(t)
	q := f.pendingQuote(t)
	f.sweeper.Expirer = flakyExpirer{
		QuoteExpirer: f.bookings,
		failID:       q.ID,
		err:          domain.InvalidStateError{Entity: "quote", ID: q.ID, Expected: []string{"pending"}, Actual: "accepted"},
	}

	f.clock.Advance(8 * 24 * time.Hour)
	res, err := f.sweeper.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)
	assert.Zero(t, f.notifier.count(notify.KindQuoteExpired))
}

func TestSweepNotifierFailureDoesNotRollBack(t *testing.T) {
	f := newSweepFixture(t)
	f.notifier.err = errors.New("queue down")
	q := f.pendingQuote(t)

	f.clock.Advance(8 * 24 * time.Hour)
	res, err := f.sweeper.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Expired: 1}, res)

	gotQ, _ := f.load(t, q)
	assert.Equal(t, domain.QuoteExpired, gotQ.Status)
}
