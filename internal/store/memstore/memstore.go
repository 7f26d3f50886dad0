// Package memstore is an in-process Entity Store. It enforces the same
// uniqueness and conditional-update rules as the PostgreSQL schema and
// serializes transactions behind one mutex, which makes it suitable for
// tests and single-process development runs.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"booking/internal/domain"
	"booking/internal/store"
)

type reactionKey struct {
	messageID int64
	userID    int64
	emoji     string
}

type msgKey struct {
	requestID int64
	systemKey string
}

type data struct {
	seq       map[string]int64
	services  map[int64]domain.Service
	requests  map[int64]domain.BookingRequest
	quotes    map[int64]domain.Quote
	billing   map[int64]domain.BillingRecord
	messages  map[int64]domain.Message
	sysKeys   map[msgKey]int64
	reactions map[reactionKey]domain.Reaction
	outbox    map[int64]domain.OutboxEvent
}

func newData() *data {
	return &data{
		seq:       map[string]int64{},
		services:  map[int64]domain.Service{},
		requests:  map[int64]domain.BookingRequest{},
		quotes:    map[int64]domain.Quote{},
		billing:   map[int64]domain.BillingRecord{},
		messages:  map[int64]domain.Message{},
		sysKeys:   map[msgKey]int64{},
		reactions: map[reactionKey]domain.Reaction{},
		outbox:    map[int64]domain.OutboxEvent{},
	}
}

func (d *data) clone() *data {
	c := newData()
	for k, v := range d.seq {
		c.seq[k] = v
	}
	for k, v := range d.services {
		c.services[k] = v
	}
	for k, v := range d.requests {
		c.requests[k] = v
	}
	for k, v := range d.quotes {
		c.quotes[k] = v
	}
	for k, v := range d.billing {
		c.billing[k] = v
	}
	for k, v := range d.messages {
		c.messages[k] = v
	}
	for k, v := range d.sysKeys {
		c.sysKeys[k] = v
	}
	for k, v := range d.reactions {
		c.reactions[k] = v
	}
	for k, v := range d.outbox {
		c.outbox[k] = v
	}
	return c
}

func (d *data) next(table string) int64 {
	d.seq[table]++
	return d.seq[table]
}

type Store struct {
	mu sync.Mutex
	d  *data
}

func New() *Store { return &Store{d: newData()} }

func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &Tx{d: s.d.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	s.d = tx.d
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

// SeedService registers a provider service. Services are owned by the
// catalogue, not by this engine.
func (s *Store) SeedService(svc domain.Service) domain.Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	if svc.ID == 0 {
		svc.ID = s.d.next("services")
	} else if svc.ID > s.d.seq["services"] {
		s.d.seq["services"] = svc.ID
	}
	s.d.services[svc.ID] = svc
	return svc
}

type Tx struct {
	d *data
}

func (t *Tx) GetService(ctx context.Context, id int64) (domain.Service, error) {
	svc, ok := t.d.services[id]
	if !ok {
		return domain.Service{}, domain.NotFoundError{Resource: "service", ID: id}
	}
	return svc, nil
}

func (t *Tx) InsertRequest(ctx context.Context, r *domain.BookingRequest) error {
	if r.ParentID != nil {
		if _, ok := t.d.requests[*r.ParentID]; !ok {
			return domain.NotFoundError{Resource: "booking request", ID: *r.ParentID}
		}
	}
	r.ID = t.d.next("booking_requests")
	r.ProposedTimes = append([]time.Time(nil), r.ProposedTimes...)
	t.d.requests[r.ID] = *r
	return nil
}

func (t *Tx) GetRequest(ctx context.Context, id int64, forUpdate bool) (domain.BookingRequest, error) {
	r, ok := t.d.requests[id]
	if !ok {
		return domain.BookingRequest{}, domain.NotFoundError{Resource: "booking request", ID: id}
	}
	return r, nil
}

func (t *Tx) SetRequestStatus(ctx context.Context, id int64, from, to domain.RequestStatus, now time.Time) error {
	r, ok := t.d.requests[id]
	if !ok {
		return domain.NotFoundError{Resource: "booking request", ID: id}
	}
	if r.Status != from {
		return domain.ErrConflict
	}
	r.Status = to
	r.UpdatedAt = now
	t.d.requests[id] = r
	return nil
}

func (t *Tx) InsertQuote(ctx context.Context, q *domain.Quote) error {
	if _, ok := t.d.requests[q.BookingRequestID]; !ok {
		return domain.NotFoundError{Resource: "booking request", ID: q.BookingRequestID}
	}
	if q.Status == domain.QuoteAccepted && t.hasAccepted(q.BookingRequestID, 0) {
		return domain.ErrConflict
	}
	q.ID = t.d.next("quotes")
	q.Items = append([]domain.QuoteItem(nil), q.Items...)
	t.d.quotes[q.ID] = *q
	return nil
}

func (t *Tx) hasAccepted(requestID, except int64) bool {
	for id, q := range t.d.quotes {
		if id != except && q.BookingRequestID == requestID && q.Status == domain.QuoteAccepted {
			return true
		}
	}
	return false
}

func (t *Tx) GetQuote(ctx context.Context, id int64, forUpdate bool) (domain.Quote, error) {
	q, ok := t.d.quotes[id]
	if !ok {
		return domain.Quote{}, domain.NotFoundError{Resource: "quote", ID: id}
	}
	return q, nil
}

func (t *Tx) SetQuoteStatus(ctx context.Context, id int64, from, to domain.QuoteStatus, now time.Time) error {
	q, ok := t.d.quotes[id]
	if !ok {
		return domain.NotFoundError{Resource: "quote", ID: id}
	}
	if q.Status != from {
		return domain.ErrConflict
	}
	if to == domain.QuoteAccepted && t.hasAccepted(q.BookingRequestID, id) {
		return domain.ErrConflict
	}
	q.Status = to
	q.UpdatedAt = now
	t.d.quotes[id] = q
	return nil
}

func (t *Tx) ListQuotes(ctx context.Context, requestID int64) ([]domain.Quote, error) {
	var out []domain.Quote
	for _, q := range t.d.quotes {
		if q.BookingRequestID == requestID {
			out = append(out, q)
		}
	}
	sortQuotes(out)
	return out, nil
}

func (t *Tx) ListExpiredQuotes(ctx context.Context, now time.Time, limit int) ([]domain.Quote, error) {
	var out []domain.Quote
	for _, q := range t.d.quotes {
		if q.Status == domain.QuotePending && q.ExpiresAt != nil && !q.ExpiresAt.After(now) {
			out = append(out, q)
		}
	}
	sortQuotes(out)
	return truncate(out, limit), nil
}

func (t *Tx) ListQuotesExpiringBy(ctx context.Context, now, until time.Time, limit int) ([]domain.Quote, error) {
	var out []domain.Quote
	for _, q := range t.d.quotes {
		if q.Status != domain.QuotePending || q.ExpiresAt == nil || q.ExpiryWarnedAt != nil {
			continue
		}
		if q.ExpiresAt.After(now) && !q.ExpiresAt.After(until) {
			out = append(out, q)
		}
	}
	sortQuotes(out)
	return truncate(out, limit), nil
}

func (t *Tx) MarkQuoteWarned(ctx context.Context, id int64, now time.Time) (bool, error) {
	q, ok := t.d.quotes[id]
	if !ok {
		return false, domain.NotFoundError{Resource: "quote", ID: id}
	}
	if q.ExpiryWarnedAt != nil {
		return false, nil
	}
	at := now
	q.ExpiryWarnedAt = &at
	t.d.quotes[id] = q
	return true, nil
}

func (t *Tx) InsertBilling(ctx context.Context, b *domain.BillingRecord) error {
	for _, existing := range t.d.billing {
		if existing.QuoteID == b.QuoteID {
			return domain.ErrConflict
		}
	}
	b.ID = t.d.next("billing_records")
	t.d.billing[b.ID] = *b
	return nil
}

func (t *Tx) ListBilling(ctx context.Context, requestID int64) ([]domain.BillingRecord, error) {
	var out []domain.BillingRecord
	for _, b := range t.d.billing {
		if b.BookingRequestID == requestID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *Tx) InsertMessage(ctx context.Context, m *domain.Message) (bool, error) {
	if _, ok := t.d.requests[m.BookingRequestID]; !ok {
		return false, domain.NotFoundError{Resource: "booking request", ID: m.BookingRequestID}
	}
	if m.SystemKey != "" {
		if id, ok := t.d.sysKeys[msgKey{m.BookingRequestID, m.SystemKey}]; ok {
			*m = t.d.messages[id]
			return false, nil
		}
	}
	m.ID = t.d.next("messages")
	t.d.messages[m.ID] = *m
	if m.SystemKey != "" {
		t.d.sysKeys[msgKey{m.BookingRequestID, m.SystemKey}] = m.ID
	}
	return true, nil
}

func (t *Tx) GetMessage(ctx context.Context, id int64) (domain.Message, error) {
	m, ok := t.d.messages[id]
	if !ok {
		return domain.Message{}, domain.NotFoundError{Resource: "message", ID: id}
	}
	return m, nil
}

func (t *Tx) ListMessages(ctx context.Context, f store.MessageFilter) ([]domain.Message, error) {
	var out []domain.Message
	for _, m := range t.d.messages {
		if m.BookingRequestID != f.RequestID || m.ID <= f.AfterID {
			continue
		}
		if f.Role != "" && !m.Visibility.Includes(f.Role) {
			continue
		}
		if !f.Now.IsZero() && m.ExpiresAt != nil && !m.ExpiresAt.After(f.Now) {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return truncate(out, f.Limit), nil
}

func (t *Tx) CountMessages(ctx context.Context, requestID int64) (int, error) {
	n := 0
	for _, m := range t.d.messages {
		if m.BookingRequestID == requestID {
			n++
		}
	}
	return n, nil
}

func (t *Tx) TombstoneMessage(ctx context.Context, id int64, notice string, now time.Time) (domain.Message, error) {
	m, ok := t.d.messages[id]
	if !ok {
		return domain.Message{}, domain.NotFoundError{Resource: "message", ID: id}
	}
	if m.SystemKey != "" {
		delete(t.d.sysKeys, msgKey{m.BookingRequestID, m.SystemKey})
	}
	m.Type = domain.MessageSystem
	m.SystemKey = domain.TombstoneKey(id)
	m.Content = notice
	m.Action = domain.ActionNone
	m.QuoteID = nil
	m.AttachmentURL = ""
	m.AttachmentMeta = nil
	m.UpdatedAt = now
	t.d.messages[id] = m
	t.d.sysKeys[msgKey{m.BookingRequestID, m.SystemKey}] = id
	return m, nil
}

func (t *Tx) MarkRead(ctx context.Context, requestID, viewerID int64, role domain.Role, now time.Time) (int, error) {
	n := 0
	for id, m := range t.d.messages {
		if m.BookingRequestID != requestID || m.IsRead || !m.Visibility.Includes(role) {
			continue
		}
		if m.SenderID != nil && *m.SenderID == viewerID {
			continue
		}
		m.IsRead = true
		m.UpdatedAt = now
		t.d.messages[id] = m
		n++
	}
	return n, nil
}

func (t *Tx) UnreadState(ctx context.Context, viewerID int64, now time.Time) (store.UnreadState, error) {
	var st store.UnreadState
	for _, m := range t.d.messages {
		if m.IsRead {
			continue
		}
		if m.SenderID != nil && *m.SenderID == viewerID {
			continue
		}
		if m.ExpiresAt != nil && !m.ExpiresAt.After(now) {
			continue
		}
		r := t.d.requests[m.BookingRequestID]
		role, ok := r.RoleOf(viewerID)
		if !ok || !m.Visibility.Includes(role) {
			continue
		}
		st.Total++
		if m.ID > st.MaxID {
			st.MaxID = m.ID
		}
		if m.UpdatedAt.After(st.LastChange) {
			st.LastChange = m.UpdatedAt
		}
	}
	return st, nil
}

func (t *Tx) AddReaction(ctx context.Context, r domain.Reaction) (bool, error) {
	if _, ok := t.d.messages[r.MessageID]; !ok {
		return false, domain.NotFoundError{Resource: "message", ID: r.MessageID}
	}
	k := reactionKey{r.MessageID, r.UserID, r.Emoji}
	if _, ok := t.d.reactions[k]; ok {
		return false, nil
	}
	t.d.reactions[k] = r
	return true, nil
}

func (t *Tx) RemoveReaction(ctx context.Context, messageID, userID int64, emoji string) (bool, error) {
	k := reactionKey{messageID, userID, emoji}
	if _, ok := t.d.reactions[k]; !ok {
		return false, nil
	}
	delete(t.d.reactions, k)
	return true, nil
}

func (t *Tx) ListReactions(ctx context.Context, messageID int64) ([]domain.Reaction, error) {
	var out []domain.Reaction
	for k, r := range t.d.reactions {
		if k.messageID == messageID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Emoji < out[j].Emoji
	})
	return out, nil
}

func (t *Tx) InsertOutbox(ctx context.Context, ev *domain.OutboxEvent) error {
	ev.ID = t.d.next("outbox_events")
	ev.Recipients = append([]int64(nil), ev.Recipients...)
	t.d.outbox[ev.ID] = *ev
	return nil
}

func (t *Tx) GetOutbox(ctx context.Context, id int64) (domain.OutboxEvent, error) {
	ev, ok := t.d.outbox[id]
	if !ok {
		return domain.OutboxEvent{}, domain.NotFoundError{Resource: "outbox event", ID: id}
	}
	return ev, nil
}

func (t *Tx) ListOutbox(ctx context.Context, f store.OutboxFilter) ([]domain.OutboxEvent, error) {
	var out []domain.OutboxEvent
	for _, ev := range t.d.outbox {
		if ev.ID <= f.AfterID {
			continue
		}
		if f.Undelivered && ev.DeliveredAt != nil {
			continue
		}
		if !f.IncludeDead && ev.DeadAt != nil {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return truncate(out, f.Limit), nil
}

func (t *Tx) MarkDelivered(ctx context.Context, id int64, now time.Time) error {
	ev, ok := t.d.outbox[id]
	if !ok {
		return domain.NotFoundError{Resource: "outbox event", ID: id}
	}
	if ev.DeliveredAt != nil {
		return domain.ErrConflict
	}
	at := now
	ev.DeliveredAt = &at
	ev.DueAt = nil
	t.d.outbox[id] = ev
	return nil
}

func (t *Tx) MarkFailed(ctx context.Context, in store.OutboxFailure) error {
	ev, ok := t.d.outbox[in.ID]
	if !ok {
		return domain.NotFoundError{Resource: "outbox event", ID: in.ID}
	}
	if ev.DeliveredAt != nil {
		return domain.ErrConflict
	}
	ev.AttemptCount++
	ev.LastError = in.LastError
	due := in.DueAt
	ev.DueAt = &due
	if in.Dead {
		at := in.Now
		ev.DeadAt = &at
	}
	t.d.outbox[in.ID] = ev
	return nil
}

func (t *Tx) ResetOutbox(ctx context.Context, id int64) error {
	ev, ok := t.d.outbox[id]
	if !ok {
		return domain.NotFoundError{Resource: "outbox event", ID: id}
	}
	ev.DeliveredAt = nil
	ev.DeadAt = nil
	ev.DueAt = nil
	t.d.outbox[id] = ev
	return nil
}

func sortQuotes(qs []domain.Quote) {
	sort.Slice(qs, func(i, j int) bool { return qs[i].ID < qs[j].ID })
}

func truncate[T any](in []T, limit int) []T {
	if limit > 0 && len(in) > limit {
		return in[:limit]
	}
	return in
}
