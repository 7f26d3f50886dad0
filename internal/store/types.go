package store

import (
	"context"
	"time"

	"booking/internal/domain"
)

// Store is the Entity Store. Every mutation runs inside WithTx; if fn
// returns an error nothing it wrote is kept.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
}

// Tx is one atomic unit of work. Lookups return domain.NotFoundError when
// the row is missing. Conditional updates return domain.ErrConflict when
// the row was not in the expected state.
type Tx interface {
	GetService(ctx context.Context, id int64) (domain.Service, error)

	InsertRequest(ctx context.Context, r *domain.BookingRequest) error
	// GetRequest with forUpdate takes a row lock held until the tx ends.
	GetRequest(ctx context.Context, id int64, forUpdate bool) (domain.BookingRequest, error)
	SetRequestStatus(ctx context.Context, id int64, from, to domain.RequestStatus, now time.Time) error

	InsertQuote(ctx context.Context, q *domain.Quote) error
	GetQuote(ctx context.Context, id int64, forUpdate bool) (domain.Quote, error)
	SetQuoteStatus(ctx context.Context, id int64, from, to domain.QuoteStatus, now time.Time) error
	ListQuotes(ctx context.Context, requestID int64) ([]domain.Quote, error)
	ListExpiredQuotes(ctx context.Context, now time.Time, limit int) ([]domain.Quote, error)
	ListQuotesExpiringBy(ctx context.Context, now, until time.Time, limit int) ([]domain.Quote, error)
	// MarkQuoteWarned reports false when the quote was already warned.
	MarkQuoteWarned(ctx context.Context, id int64, now time.Time) (bool, error)

	InsertBilling(ctx context.Context, b *domain.BillingRecord) error
	ListBilling(ctx context.Context, requestID int64) ([]domain.BillingRecord, error)

	// InsertMessage inserts m and fills its ID. When m carries a system key
	// that already exists on the request, nothing is written, m is
	// overwritten with the stored row and inserted is false.
	InsertMessage(ctx context.Context, m *domain.Message) (inserted bool, err error)
	GetMessage(ctx context.Context, id int64) (domain.Message, error)
	ListMessages(ctx context.Context, f MessageFilter) ([]domain.Message, error)
	CountMessages(ctx context.Context, requestID int64) (int, error)
	TombstoneMessage(ctx context.Context, id int64, notice string, now time.Time) (domain.Message, error)
	MarkRead(ctx context.Context, requestID, viewerID int64, role domain.Role, now time.Time) (int, error)
	UnreadState(ctx context.Context, viewerID int64, now time.Time) (UnreadState, error)

	AddReaction(ctx context.Context, r domain.Reaction) (bool, error)
	RemoveReaction(ctx context.Context, messageID, userID int64, emoji string) (bool, error)
	ListReactions(ctx context.Context, messageID int64) ([]domain.Reaction, error)

	InsertOutbox(ctx context.Context, ev *domain.OutboxEvent) error
	GetOutbox(ctx context.Context, id int64) (domain.OutboxEvent, error)
	ListOutbox(ctx context.Context, f OutboxFilter) ([]domain.OutboxEvent, error)
	MarkDelivered(ctx context.Context, id int64, now time.Time) error
	MarkFailed(ctx context.Context, in OutboxFailure) error
	// ResetOutbox makes a delivered or dead event eligible for the sweep again.
	ResetOutbox(ctx context.Context, id int64) error
}

type MessageFilter struct {
	RequestID int64
	AfterID   int64
	Limit     int
	// Role limits rows to the visibilities this role can see. Empty means all.
	Role domain.Role
	// Now hides rows whose expires_at has passed. Zero means keep them.
	Now time.Time
}

type OutboxFilter struct {
	AfterID     int64
	Limit       int
	Undelivered bool
	IncludeDead bool
}

type OutboxFailure struct {
	ID        int64
	LastError string
	DueAt     time.Time
	Dead      bool
	Now       time.Time
}

// UnreadState summarizes the unread rows visible to one viewer.
type UnreadState struct {
	Total      int
	MaxID      int64
	LastChange time.Time
}
