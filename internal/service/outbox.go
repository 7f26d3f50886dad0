package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"booking/internal/domain"
	"booking/internal/observability"
	"booking/internal/store"
)

// effects collects what a transaction did so metrics and the drainer wake-up
// only fire once it has committed.
type effects struct {
	topics      []string
	transitions [][2]string
	touched     map[int64]struct{}
}

func (fx *effects) reset() {
	fx.topics = fx.topics[:0]
	fx.transitions = fx.transitions[:0]
	fx.touched = nil
}

func (fx *effects) transition(entity, status string) {
	fx.transitions = append(fx.transitions, [2]string{entity, status})
}

func (fx *effects) touch(userIDs ...int64) {
	if fx.touched == nil {
		fx.touched = map[int64]struct{}{}
	}
	for _, id := range userIDs {
		fx.touched[id] = struct{}{}
	}
}

// unitOfWork runs fn in one Entity Store transaction and publishes its
// effects after commit.
type unitOfWork struct {
	Store       store.Store
	AfterCommit func()
	Unread      *UnreadCounter
}

func (u unitOfWork) run(ctx context.Context, fn func(tx store.Tx, fx *effects) error) error {
	fx := &effects{}
	err := u.Store.WithTx(ctx, func(tx store.Tx) error {
		fx.reset()
		return fn(tx, fx)
	})
	if err != nil {
		return err
	}

	for _, t := range fx.topics {
		observability.OutboxEnqueued.WithLabelValues(t).Inc()
	}
	for _, t := range fx.transitions {
		observability.Transitions.WithLabelValues(t[0], t[1]).Inc()
	}
	if u.Unread != nil {
		for id := range fx.touched {
			u.Unread.Invalidate(id)
		}
	}
	if len(fx.topics) > 0 && u.AfterCommit != nil {
		u.AfterCommit()
	}
	return nil
}

// enqueue writes one outbox event inside tx. Recipients are fixed at write
// time so the drainer never has to reload the entity.
func enqueue(ctx context.Context, tx store.Tx, fx *effects, topic string, requestID int64, recipients []int64, payload any, now time.Time) error {
	if len(recipients) == 0 {
		return nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	ev := &domain.OutboxEvent{
		Topic:            topic,
		BookingRequestID: requestID,
		Recipients:       recipients,
		Payload:          b,
		CreatedAt:        now,
	}
	if err := tx.InsertOutbox(ctx, ev); err != nil {
		return fmt.Errorf("enqueue %s: %w", topic, err)
	}
	fx.topics = append(fx.topics, topic)
	return nil
}

// invalidRequestState reports a request that is not in one of expected.
func invalidRequestState(r domain.BookingRequest, expected ...domain.RequestStatus) error {
	exp := make([]string, len(expected))
	for i, s := range expected {
		exp[i] = string(s)
	}
	return domain.InvalidStateError{Entity: "booking_request", ID: r.ID, Expected: exp, Actual: string(r.Status)}
}

func invalidQuoteState(q domain.Quote) error {
	return domain.InvalidStateError{
		Entity:   "quote",
		ID:       q.ID,
		Expected: []string{string(domain.QuotePending)},
		Actual:   string(q.Status),
	}
}

func isConflict(err error) bool { return errors.Is(err, domain.ErrConflict) }
