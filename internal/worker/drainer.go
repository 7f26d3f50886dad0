package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"booking/internal/domain"
	"booking/internal/observability"
	"booking/internal/realtime"
	"booking/internal/store"
)

// Deliverer pushes a rendered frame to a user's live channels for a request.
type Deliverer interface {
	Deliver(ctx context.Context, userID, requestID int64, frame []byte) error
}

type UnreadInvalidator interface {
	Invalidate(userIDs ...int64)
}

// Drainer moves committed outbox events onto live connections. Delivery is
// at least once: an event is only marked delivered after every recipient
// push succeeded.
type Drainer struct {
	Store  store.Store
	Hub    Deliverer
	Unread UnreadInvalidator
	Now    func() time.Time

	Interval        time.Duration
	BatchSize       int
	Backoff         Backoff
	DeadLetterAfter int
	DeliveryTimeout time.Duration

	once sync.Once
	wake chan struct{}
}

type DrainResult struct {
	Delivered int
	Failed    int
	Held      int
}

// lane is the unit outbox ordering is kept in.
type lane struct {
	userID    int64
	requestID int64
}

func (d *Drainer) init() {
	d.once.Do(func() { d.wake = make(chan struct{}, 1) })
}

func (d *Drainer) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

// Wake asks Run for an early pass. Never blocks.
func (d *Drainer) Wake() {
	d.init()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Drainer) Run(ctx context.Context) error {
	d.init()
	interval := d.Interval
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	slog.Info("outbox drainer started", "interval", interval)
	for {
		if _, err := d.DrainOnce(ctx); err != nil && ctx.Err() == nil {
			slog.Error("outbox drain pass failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		case <-d.wake:
		}
	}
}

// DrainOnce makes one pass over undelivered events in id order. An event
// waiting out a backoff holds back later events sharing a recipient lane.
// Held events do not count against BatchSize: the pass pages on until it
// has attempted BatchSize events or reached the end of the table.
func (d *Drainer) DrainOnce(ctx context.Context) (DrainResult, error) {
	var res DrainResult
	limit := d.BatchSize
	if limit <= 0 {
		limit = 100
	}

	now := d.now()
	held := map[lane]bool{}
	var (
		after   int64
		scanned int
	)
	for res.Delivered+res.Failed < limit {
		var page []domain.OutboxEvent
		err := d.Store.WithTx(ctx, func(tx store.Tx) error {
			var err error
			page, err = tx.ListOutbox(ctx, store.OutboxFilter{AfterID: after, Undelivered: true, Limit: limit})
			return err
		})
		if err != nil {
			return res, err
		}

		for _, ev := range page {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			after = ev.ID
			scanned++
			if err := d.drainEvent(ctx, ev, held, now, &res); err != nil {
				return res, err
			}
			if res.Delivered+res.Failed >= limit {
				break
			}
		}
		if len(page) < limit {
			break
		}
	}
	observability.OutboxBacklog.Set(float64(scanned - res.Delivered))
	return res, nil
}

func (d *Drainer) drainEvent(ctx context.Context, ev domain.OutboxEvent, held map[lane]bool, now time.Time, res *DrainResult) error {
	lanes := lanesOf(ev)

	// 1) Respect backoff and per-lane order
	blocked := ev.DueAt != nil && ev.DueAt.After(now)
	for _, l := range lanes {
		if held[l] {
			blocked = true
		}
	}
	if blocked {
		for _, l := range lanes {
			held[l] = true
		}
		res.Held++
		return nil
	}

	// 2) Push to every recipient
	if derr := d.deliver(ctx, ev); derr != nil {
		for _, l := range lanes {
			held[l] = true
		}
		if err := d.fail(ctx, ev, derr, now); err != nil {
			return err
		}
		res.Failed++
		return nil
	}

	// 3) Record success
	if err := d.markDelivered(ctx, ev, now); err != nil {
		return err
	}
	res.Delivered++
	return nil
}

func lanesOf(ev domain.OutboxEvent) []lane {
	out := make([]lane, 0, len(ev.Recipients))
	for _, uid := range ev.Recipients {
		out = append(out, lane{userID: uid, requestID: ev.BookingRequestID})
	}
	return out
}

func (d *Drainer) deliver(ctx context.Context, ev domain.OutboxEvent) error {
	frame, err := realtime.EventFrame(ev)
	if err != nil {
		return err
	}
	timeout := d.DeliveryTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	var errs []error
	for _, uid := range ev.Recipients {
		dctx, cancel := context.WithTimeout(ctx, timeout)
		err := d.Hub.Deliver(dctx, uid, ev.BookingRequestID, frame)
		cancel()
		if err != nil {
			var de domain.DeliveryError
			if !errors.As(err, &de) {
				err = domain.DeliveryError{UserID: uid, Err: err}
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Drainer) markDelivered(ctx context.Context, ev domain.OutboxEvent, now time.Time) error {
	err := d.Store.WithTx(ctx, func(tx store.Tx) error {
		return tx.MarkDelivered(ctx, ev.ID, now)
	})
	switch {
	case errors.Is(err, domain.ErrConflict):
		// another drainer got there first
		observability.OutboxDeliveries.WithLabelValues("duplicate").Inc()
	case err != nil:
		return err
	default:
		observability.OutboxDeliveries.WithLabelValues("delivered").Inc()
	}
	if d.Unread != nil {
		d.Unread.Invalidate(ev.Recipients...)
	}
	return nil
}

func (d *Drainer) fail(ctx context.Context, ev domain.OutboxEvent, cause error, now time.Time) error {
	attempt := ev.AttemptCount + 1
	dead := d.DeadLetterAfter > 0 && attempt >= d.DeadLetterAfter
	in := store.OutboxFailure{
		ID:        ev.ID,
		LastError: cause.Error(),
		DueAt:     now.Add(d.Backoff.Delay(attempt)),
		Dead:      dead,
		Now:       now,
	}
	err := d.Store.WithTx(ctx, func(tx store.Tx) error {
		return tx.MarkFailed(ctx, in)
	})
	if errors.Is(err, domain.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}

	result := "retry"
	if dead {
		result = "dead"
	}
	observability.OutboxDeliveries.WithLabelValues(result).Inc()
	slog.Warn("outbox delivery failed",
		"event_id", ev.ID,
		"topic", ev.Topic,
		"attempt", attempt,
		"due_at", in.DueAt,
		"dead", dead,
		"err", cause,
	)
	return nil
}
