package pg

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"booking/internal/domain"
	"booking/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) Ping(ctx context.Context) error { return s.DB.Ping(ctx) }

func (s *Store) Close() { s.DB.Close() }

func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&Tx{tx: tx}); err != nil {
		return err
	}
	return mapErr(tx.Commit(ctx), "transaction", 0)
}

// Tx implements store.Tx over one pgx transaction.
type Tx struct {
	tx pgx.Tx
}

func (t *Tx) GetService(ctx context.Context, id int64) (domain.Service, error) {
	var sv domain.Service
	err := t.tx.QueryRow(ctx, `SELECT id, provider_id, title, price FROM services WHERE id=$1`, id).
		Scan(&sv.ID, &sv.ProviderID, &sv.Title, &sv.Price)
	return sv, mapErr(err, "service", id)
}

func (t *Tx) InsertRequest(ctx context.Context, r *domain.BookingRequest) error {
	times, _ := json.Marshal(r.ProposedTimes)
	travel, _ := json.Marshal(r.Travel)
	err := t.tx.QueryRow(ctx, `
		INSERT INTO booking_requests (requester_id, provider_id, service_id, parent_id, status, message, proposed_times, travel, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)
		RETURNING id
	`, r.RequesterID, r.ProviderID, r.ServiceID, r.ParentID, r.Status, r.Message, times, travel, r.CreatedAt).Scan(&r.ID)
	if err != nil {
		return mapErr(err, "booking request", 0)
	}
	r.UpdatedAt = r.CreatedAt
	return nil
}

func (t *Tx) GetRequest(ctx context.Context, id int64, forUpdate bool) (domain.BookingRequest, error) {
	q := `
		SELECT id, requester_id, provider_id, service_id, parent_id, status, message, proposed_times, travel, created_at, updated_at
		FROM booking_requests WHERE id=$1`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	var (
		r             domain.BookingRequest
		times, travel []byte
	)
	err := t.tx.QueryRow(ctx, q, id).Scan(&r.ID, &r.RequesterID, &r.ProviderID, &r.ServiceID, &r.ParentID,
		&r.Status, &r.Message, &times, &travel, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return domain.BookingRequest{}, mapErr(err, "booking request", id)
	}
	_ = json.Unmarshal(times, &r.ProposedTimes)
	_ = json.Unmarshal(travel, &r.Travel)
	return r, nil
}

func (t *Tx) SetRequestStatus(ctx context.Context, id int64, from, to domain.RequestStatus, now time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE booking_requests SET status=$3, updated_at=$4 WHERE id=$1 AND status=$2
	`, id, from, to, now)
	if err != nil {
		return mapErr(err, "booking request", id)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	return nil
}

const quoteCols = `id, booking_request_id, provider_id, requester_id, items, sound_fee, travel_fee, subtotal, discount, total, status, expires_at, expiry_warned_at, created_at, updated_at`

func scanQuote(row pgx.Row) (domain.Quote, error) {
	var (
		q     domain.Quote
		items []byte
	)
	err := row.Scan(&q.ID, &q.BookingRequestID, &q.ProviderID, &q.RequesterID, &items, &q.SoundFee, &q.TravelFee,
		&q.Subtotal, &q.Discount, &q.Total, &q.Status, &q.ExpiresAt, &q.ExpiryWarnedAt, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return domain.Quote{}, err
	}
	_ = json.Unmarshal(items, &q.Items)
	return q, nil
}

func (t *Tx) queryQuotes(ctx context.Context, sql string, args ...any) ([]domain.Quote, error) {
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Quote
	for rows.Next() {
		q, err := scanQuote(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (t *Tx) InsertQuote(ctx context.Context, q *domain.Quote) error {
	items, _ := json.Marshal(q.Items)
	err := t.tx.QueryRow(ctx, `
		INSERT INTO quotes (booking_request_id, provider_id, requester_id, items, sound_fee, travel_fee, subtotal, discount, total, status, expires_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)
		RETURNING id
	`, q.BookingRequestID, q.ProviderID, q.RequesterID, items, q.SoundFee, q.TravelFee, q.Subtotal, q.Discount, q.Total,
		q.Status, q.ExpiresAt, q.CreatedAt).Scan(&q.ID)
	if err != nil {
		return mapErr(err, "quote", 0)
	}
	q.UpdatedAt = q.CreatedAt
	return nil
}

func (t *Tx) GetQuote(ctx context.Context, id int64, forUpdate bool) (domain.Quote, error) {
	sql := `SELECT ` + quoteCols + ` FROM quotes WHERE id=$1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	q, err := scanQuote(t.tx.QueryRow(ctx, sql, id))
	return q, mapErr(err, "quote", id)
}

func (t *Tx) SetQuoteStatus(ctx context.Context, id int64, from, to domain.QuoteStatus, now time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE quotes SET status=$3, updated_at=$4 WHERE id=$1 AND status=$2
	`, id, from, to, now)
	if err != nil {
		return mapErr(err, "quote", id)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (t *Tx) ListQuotes(ctx context.Context, requestID int64) ([]domain.Quote, error) {
	return t.queryQuotes(ctx, `SELECT `+quoteCols+` FROM quotes WHERE booking_request_id=$1 ORDER BY id`, requestID)
}

func (t *Tx) ListExpiredQuotes(ctx context.Context, now time.Time, limit int) ([]domain.Quote, error) {
	return t.queryQuotes(ctx, `
		SELECT `+quoteCols+` FROM quotes
		WHERE status='pending' AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at, id LIMIT $2
	`, now, limitArg(limit))
}

func (t *Tx) ListQuotesExpiringBy(ctx context.Context, now, until time.Time, limit int) ([]domain.Quote, error) {
	return t.queryQuotes(ctx, `
		SELECT `+quoteCols+` FROM quotes
		WHERE status='pending' AND expiry_warned_at IS NULL AND expires_at > $1 AND expires_at <= $2
		ORDER BY expires_at, id LIMIT $3
	`, now, until, limitArg(limit))
}

func (t *Tx) MarkQuoteWarned(ctx context.Context, id int64, now time.Time) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE quotes SET expiry_warned_at=$2 WHERE id=$1 AND expiry_warned_at IS NULL
	`, id, now)
	if err != nil {
		return false, mapErr(err, "quote", id)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *Tx) InsertBilling(ctx context.Context, b *domain.BillingRecord) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO billing_records (quote_id, booking_request_id, requester_id, provider_id, amount, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id
	`, b.QuoteID, b.BookingRequestID, b.RequesterID, b.ProviderID, b.Amount, b.Status, b.CreatedAt).Scan(&b.ID)
	return mapErr(err, "billing record", 0)
}

func (t *Tx) ListBilling(ctx context.Context, requestID int64) ([]domain.BillingRecord, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, quote_id, booking_request_id, requester_id, provider_id, amount, status, created_at
		FROM billing_records WHERE booking_request_id=$1 ORDER BY id
	`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.BillingRecord
	for rows.Next() {
		var b domain.BillingRecord
		if err := rows.Scan(&b.ID, &b.QuoteID, &b.BookingRequestID, &b.RequesterID, &b.ProviderID, &b.Amount, &b.Status, &b.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

const messageCols = `id, booking_request_id, sender_id, sender_role, type, visibility, content, COALESCE(system_key,''), action, quote_id, attachment_url, attachment_meta, reply_to_id, expires_at, is_read, created_at, updated_at`

func scanMessage(row pgx.Row) (domain.Message, error) {
	var (
		m    domain.Message
		meta []byte
	)
	err := row.Scan(&m.ID, &m.BookingRequestID, &m.SenderID, &m.SenderRole, &m.Type, &m.Visibility, &m.Content,
		&m.SystemKey, &m.Action, &m.QuoteID, &m.AttachmentURL, &meta, &m.ReplyToID, &m.ExpiresAt, &m.IsRead,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return domain.Message{}, err
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &m.AttachmentMeta)
	}
	return m, nil
}

func (t *Tx) InsertMessage(ctx context.Context, m *domain.Message) (bool, error) {
	var meta []byte
	if m.AttachmentMeta != nil {
		meta, _ = json.Marshal(m.AttachmentMeta)
	}
	err := t.tx.QueryRow(ctx, `
		INSERT INTO messages (booking_request_id, sender_id, sender_role, type, visibility, content, system_key, action,
			quote_id, attachment_url, attachment_meta, reply_to_id, expires_at, is_read, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$15)
		ON CONFLICT (booking_request_id, system_key) WHERE system_key IS NOT NULL DO NOTHING
		RETURNING id
	`, m.BookingRequestID, m.SenderID, m.SenderRole, m.Type, m.Visibility, m.Content, nullIfEmpty(m.SystemKey), m.Action,
		m.QuoteID, m.AttachmentURL, meta, m.ReplyToID, m.ExpiresAt, m.IsRead, m.CreatedAt).Scan(&m.ID)
	if err == nil {
		m.UpdatedAt = m.CreatedAt
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, mapErr(err, "message", 0)
	}
	existing, err := scanMessage(t.tx.QueryRow(ctx,
		`SELECT `+messageCols+` FROM messages WHERE booking_request_id=$1 AND system_key=$2`,
		m.BookingRequestID, m.SystemKey))
	if err != nil {
		return false, mapErr(err, "message", 0)
	}
	*m = existing
	return false, nil
}

func (t *Tx) GetMessage(ctx context.Context, id int64) (domain.Message, error) {
	m, err := scanMessage(t.tx.QueryRow(ctx, `SELECT `+messageCols+` FROM messages WHERE id=$1`, id))
	return m, mapErr(err, "message", id)
}

func (t *Tx) ListMessages(ctx context.Context, f store.MessageFilter) ([]domain.Message, error) {
	var now *time.Time
	if !f.Now.IsZero() {
		now = &f.Now
	}
	rows, err := t.tx.Query(ctx, `
		SELECT `+messageCols+` FROM messages
		WHERE booking_request_id=$1 AND id > $2
		  AND ($3::text[] IS NULL OR visibility = ANY($3))
		  AND ($4::timestamptz IS NULL OR expires_at IS NULL OR expires_at > $4)
		ORDER BY id LIMIT $5
	`, f.RequestID, f.AfterID, visibilitiesFor(f.Role), now, limitArg(f.Limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (t *Tx) CountMessages(ctx context.Context, requestID int64) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM messages WHERE booking_request_id=$1`, requestID).Scan(&n)
	return n, err
}

func (t *Tx) TombstoneMessage(ctx context.Context, id int64, notice string, now time.Time) (domain.Message, error) {
	m, err := scanMessage(t.tx.QueryRow(ctx, `
		UPDATE messages SET
			type='system', content=$2, system_key=$3, action='', quote_id=NULL,
			attachment_url='', attachment_meta=NULL, updated_at=$4
		WHERE id=$1
		RETURNING `+messageCols, id, notice, domain.TombstoneKey(id), now))
	return m, mapErr(err, "message", id)
}

func (t *Tx) MarkRead(ctx context.Context, requestID, viewerID int64, role domain.Role, now time.Time) (int, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE messages SET is_read=TRUE, updated_at=$4
		WHERE booking_request_id=$1 AND is_read=FALSE
		  AND (sender_id IS NULL OR sender_id <> $2)
		  AND visibility = ANY($3)
	`, requestID, viewerID, visibilitiesFor(role), now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (t *Tx) UnreadState(ctx context.Context, viewerID int64, now time.Time) (store.UnreadState, error) {
	var (
		st   store.UnreadState
		last *time.Time
	)
	err := t.tx.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(MAX(m.id), 0), MAX(m.updated_at)
		FROM messages m JOIN booking_requests r ON r.id = m.booking_request_id
		WHERE (r.requester_id=$1 OR r.provider_id=$1)
		  AND m.is_read=FALSE
		  AND (m.sender_id IS NULL OR m.sender_id <> $1)
		  AND (m.expires_at IS NULL OR m.expires_at > $2)
		  AND (m.visibility='both'
		       OR (m.visibility='artist_only' AND r.provider_id=$1)
		       OR (m.visibility='client_only' AND r.requester_id=$1))
	`, viewerID, now).Scan(&st.Total, &st.MaxID, &last)
	if err != nil {
		return store.UnreadState{}, err
	}
	if last != nil {
		st.LastChange = *last
	}
	return st, nil
}

func (t *Tx) AddReaction(ctx context.Context, r domain.Reaction) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO message_reactions (message_id, user_id, emoji, created_at) VALUES ($1,$2,$3,$4)
		ON CONFLICT DO NOTHING
	`, r.MessageID, r.UserID, r.Emoji, r.CreatedAt)
	if err != nil {
		return false, mapErr(err, "message", r.MessageID)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *Tx) RemoveReaction(ctx context.Context, messageID, userID int64, emoji string) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		DELETE FROM message_reactions WHERE message_id=$1 AND user_id=$2 AND emoji=$3
	`, messageID, userID, emoji)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *Tx) ListReactions(ctx context.Context, messageID int64) ([]domain.Reaction, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT message_id, user_id, emoji, created_at FROM message_reactions
		WHERE message_id=$1 ORDER BY created_at, user_id, emoji
	`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Reaction
	for rows.Next() {
		var r domain.Reaction
		if err := rows.Scan(&r.MessageID, &r.UserID, &r.Emoji, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const outboxCols = `id, topic, booking_request_id, recipients, payload, created_at, delivered_at, dead_at, attempt_count, last_error, due_at`

func scanOutbox(row pgx.Row) (domain.OutboxEvent, error) {
	var ev domain.OutboxEvent
	err := row.Scan(&ev.ID, &ev.Topic, &ev.BookingRequestID, &ev.Recipients, &ev.Payload, &ev.CreatedAt,
		&ev.DeliveredAt, &ev.DeadAt, &ev.AttemptCount, &ev.LastError, &ev.DueAt)
	return ev, err
}

func (t *Tx) InsertOutbox(ctx context.Context, ev *domain.OutboxEvent) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO outbox_events (topic, booking_request_id, recipients, payload, created_at)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id
	`, ev.Topic, ev.BookingRequestID, ev.Recipients, ev.Payload, ev.CreatedAt).Scan(&ev.ID)
	return mapErr(err, "outbox event", 0)
}

func (t *Tx) GetOutbox(ctx context.Context, id int64) (domain.OutboxEvent, error) {
	ev, err := scanOutbox(t.tx.QueryRow(ctx, `SELECT `+outboxCols+` FROM outbox_events WHERE id=$1`, id))
	return ev, mapErr(err, "outbox event", id)
}

func (t *Tx) ListOutbox(ctx context.Context, f store.OutboxFilter) ([]domain.OutboxEvent, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+outboxCols+` FROM outbox_events
		WHERE id > $1
		  AND (NOT $2 OR delivered_at IS NULL)
		  AND ($3 OR dead_at IS NULL)
		ORDER BY id LIMIT $4
	`, f.AfterID, f.Undelivered, f.IncludeDead, limitArg(f.Limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.OutboxEvent
	for rows.Next() {
		ev, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (t *Tx) MarkDelivered(ctx context.Context, id int64, now time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE outbox_events SET delivered_at=$2, due_at=NULL WHERE id=$1 AND delivered_at IS NULL
	`, id, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (t *Tx) MarkFailed(ctx context.Context, in store.OutboxFailure) error {
	var dead *time.Time
	if in.Dead {
		dead = &in.Now
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE outbox_events
		SET attempt_count=attempt_count+1, last_error=$2, due_at=$3, dead_at=$4
		WHERE id=$1 AND delivered_at IS NULL
	`, in.ID, in.LastError, in.DueAt, dead)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (t *Tx) ResetOutbox(ctx context.Context, id int64) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE outbox_events SET delivered_at=NULL, dead_at=NULL, due_at=NULL WHERE id=$1
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFoundError{Resource: "outbox event", ID: id}
	}
	return nil
}

func visibilitiesFor(r domain.Role) []string {
	switch r {
	case domain.RoleClient:
		return []string{string(domain.VisibleToBoth), string(domain.VisibleToClient)}
	case domain.RoleArtist:
		return []string{string(domain.VisibleToBoth), string(domain.VisibleToArtist)}
	}
	return nil
}

// limitArg turns a non-positive limit into NULL, which Postgres treats as
// LIMIT ALL.
func limitArg(n int) any {
	if n <= 0 {
		return nil
	}
	return n
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func mapErr(err error, resource string, id int64) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NotFoundError{Resource: resource, ID: id}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return domain.ErrConflict
		case "23503":
			return domain.NotFoundError{Resource: pgErr.ConstraintName, ID: id}
		case "23514":
			return domain.ValidationError{Field: pgErr.ConstraintName, Msg: pgErr.Message}
		}
	}
	return err
}
