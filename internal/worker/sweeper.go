package worker

import (
	"context"
	"log/slog"
	"time"

	"booking/internal/domain"
	"booking/internal/notify"
	"booking/internal/observability"
	"booking/internal/store"
	"booking/internal/util"
)

// QuoteExpirer runs the expire_quote transition with its usual side effects.
type QuoteExpirer interface {
	ExpireQuote(ctx context.Context, quoteID int64) (domain.Quote, domain.BookingRequest, error)
}

// Sweeper expires pending quotes whose deadline has passed and warns
// requesters shortly before that happens. Every quote is handled on its
// own; one failure never stops the tick.
type Sweeper struct {
	Store    store.Store
	Expirer  QuoteExpirer
	Notifier notify.Dispatcher
	Now      func() time.Time

	Interval      time.Duration
	BatchSize     int
	WarningLead   time.Duration
	NotifyTimeout time.Duration
}

type SweepResult struct {
	Warned  int
	Expired int
	Failed  int
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return util.NowUTC()
}

func (s *Sweeper) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	slog.Info("expiration sweeper started", "interval", interval, "warning_lead", s.WarningLead)
	for {
		res, err := s.Tick(ctx)
		if err != nil && ctx.Err() == nil {
			slog.Error("sweep tick failed", "err", err)
		} else if res.Warned+res.Expired+res.Failed > 0 {
			slog.Info("sweep tick", "warned", res.Warned, "expired", res.Expired, "failed", res.Failed)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Tick runs one warn pass over quotes due within WarningLead, then one
// expire pass over quotes already due. A quote that was never warned before
// it fell due is expired without a warning.
func (s *Sweeper) Tick(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := s.now()
	limit := s.BatchSize
	if limit <= 0 {
		limit = 100
	}

	if s.WarningLead > 0 {
		var soon []domain.Quote
		err := s.Store.WithTx(ctx, func(tx store.Tx) error {
			var err error
			soon, err = tx.ListQuotesExpiringBy(ctx, now, now.Add(s.WarningLead), limit)
			return err
		})
		if err != nil {
			return res, err
		}
		for _, q := range soon {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			if s.warn(ctx, q, now) {
				res.Warned++
			}
		}
	}

	var due []domain.Quote
	err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		due, err = tx.ListExpiredQuotes(ctx, now, limit)
		return err
	})
	if err != nil {
		return res, err
	}
	for _, q := range due {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		switch s.expire(ctx, q) {
		case outcomeOK:
			res.Expired++
		case outcomeError:
			res.Failed++
		}
	}
	return res, nil
}

func (s *Sweeper) warn(ctx context.Context, q domain.Quote, now time.Time) bool {
	var (
		r      domain.BookingRequest
		marked bool
	)
	err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		r, err = tx.GetRequest(ctx, q.BookingRequestID, false)
		if err != nil {
			return err
		}
		marked, err = tx.MarkQuoteWarned(ctx, q.ID, now)
		return err
	})
	if err != nil {
		observability.SweepOutcomes.WithLabelValues("warn", "error").Inc()
		slog.Error("quote warning failed", "quote_id", q.ID, "err", err)
		return false
	}
	// a withdrawn or declined request has nobody left to warn
	if !marked || r.Status.Terminal() {
		observability.SweepOutcomes.WithLabelValues("warn", "skipped").Inc()
		return false
	}

	observability.SweepOutcomes.WithLabelValues("warn", "ok").Inc()
	s.dispatch(ctx, notify.Event{
		Kind:             notify.KindQuoteExpiringSoon,
		UserID:           r.RequesterID,
		BookingRequestID: r.ID,
		QuoteID:          q.ID,
		ExpiresAt:        q.ExpiresAt,
		At:               now,
	})
	return true
}

type outcome int

const (
	outcomeOK outcome = iota
	outcomeSkipped
	outcomeError
)

// expire notifies only the requester; the provider hears about it through
// the quote.expired outbox event. Quotes on closed requests expire silently.
func (s *Sweeper) expire(ctx context.Context, q domain.Quote) outcome {
	expired, r, err := s.Expirer.ExpireQuote(ctx, q.ID)
	switch {
	case domain.IsInvalidState(err):
		// accepted or rejected since it was listed
		observability.SweepOutcomes.WithLabelValues("expire", "skipped").Inc()
		slog.Info("quote no longer pending", "quote_id", q.ID, "err", err)
		return outcomeSkipped
	case err != nil:
		observability.SweepOutcomes.WithLabelValues("expire", "error").Inc()
		slog.Error("quote expiry failed", "quote_id", q.ID, "booking_request_id", q.BookingRequestID, "err", err)
		return outcomeError
	}

	observability.SweepOutcomes.WithLabelValues("expire", "ok").Inc()
	if r.Status.Terminal() {
		slog.Info("expired quote on closed request", "quote_id", q.ID, "booking_request_id", r.ID, "status", r.Status)
		return outcomeOK
	}
	s.dispatch(ctx, notify.Event{
		Kind:             notify.KindQuoteExpired,
		UserID:           r.RequesterID,
		BookingRequestID: r.ID,
		QuoteID:          expired.ID,
		ExpiresAt:        expired.ExpiresAt,
		At:               s.now(),
	})
	return outcomeOK
}

func (s *Sweeper) dispatch(ctx context.Context, ev notify.Event) {
	if s.Notifier == nil {
		return
	}
	ev.ID = util.NewID("ntf")
	timeout := s.NotifyTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	nctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.Notifier.Send(nctx, ev); err != nil {
		slog.Warn("notification dispatch failed",
			"kind", ev.Kind,
			"user_id", ev.UserID,
			"quote_id", ev.QuoteID,
			"err", err,
		)
	}
}
