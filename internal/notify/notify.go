// Package notify is the send_notification collaborator. Calls are best
// effort: callers log failures and never roll back on them.
package notify

import (
	"context"
	"log/slog"
	"time"
)

type Kind string

const (
	KindQuoteExpiringSoon Kind = "quote_expiring_soon"
	KindQuoteExpired      Kind = "quote_expired"
)

type Event struct {
	ID               string     `json:"id"`
	Kind             Kind       `json:"kind"`
	UserID           int64      `json:"user_id"`
	BookingRequestID int64      `json:"booking_request_id"`
	QuoteID          int64      `json:"quote_id,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	At               time.Time  `json:"at"`
}

// Dispatcher delivers one notification to ev.UserID.
type Dispatcher interface {
	Send(ctx context.Context, ev Event) error
}

// Log writes notifications to the structured log. Used when no queue
// backend is configured.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Send(ctx context.Context, ev Event) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification",
		"id", ev.ID,
		"kind", ev.Kind,
		"user_id", ev.UserID,
		"booking_request_id", ev.BookingRequestID,
		"quote_id", ev.QuoteID,
	)
	return nil
}
