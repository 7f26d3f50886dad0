package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"booking/internal/domain"
	"booking/internal/store"
)

// Geocoder resolves a venue address. ok is false when the address is unknown.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (lat, lng float64, ok bool, err error)
}

// QuoteRenderer is the render_pdf collaborator.
type QuoteRenderer interface {
	RenderQuote(q domain.Quote, r domain.BookingRequest) ([]byte, error)
}

const (
	KeyRequestCreated = "booking_request_created"

	geocodeTimeout = 3 * time.Second
	billingPending = "pending"
)

func quoteReviewKey(id int64) string   { return fmt.Sprintf("quote_review:%d", id) }
func quoteAcceptedKey(id int64) string { return fmt.Sprintf("quote_accepted:%d", id) }
func quoteRejectedKey(id int64) string { return fmt.Sprintf("quote_rejected:%d", id) }
func quoteExpiredKey(id int64) string  { return fmt.Sprintf("quote_expired:%d", id) }

// BookingService is the State Machine Engine. Every operation runs in one
// transaction: the status change, its system messages and its outbox events
// commit together or not at all.
type BookingService struct {
	Store       store.Store
	Geocoder    Geocoder
	Renderer    QuoteRenderer
	Unread      *UnreadCounter
	AfterCommit func()
	Now         func() time.Time

	QuoteTTL                  time.Duration
	ReviewQuoteTTL            time.Duration
	RequireArtistConfirmation bool
}

func (s *BookingService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *BookingService) uow() unitOfWork {
	return unitOfWork{Store: s.Store, AfterCommit: s.AfterCommit, Unread: s.Unread}
}

type CreateInput struct {
	RequesterID   int64
	ProviderID    int64
	ServiceID     *int64
	ParentID      *int64
	Message       string
	ProposedTimes []time.Time
	Travel        domain.TravelBreakdown
	// Draft stores the request without notifying the provider.
	Draft bool
}

func (s *BookingService) Create(ctx context.Context, in CreateInput) (domain.BookingRequest, error) {
	if in.RequesterID <= 0 || in.ProviderID <= 0 {
		return domain.BookingRequest{}, domain.ValidationError{Field: "provider_id", Msg: "requester and provider are required"}
	}
	if in.RequesterID == in.ProviderID {
		return domain.BookingRequest{}, domain.ValidationError{Field: "provider_id", Msg: "cannot book yourself"}
	}
	if len(in.Message) > maxContentLen {
		return domain.BookingRequest{}, domain.ValidationError{Field: "message", Msg: "too long"}
	}
	if in.Travel.Cost < 0 || in.Travel.DistanceKM < 0 {
		return domain.BookingRequest{}, domain.ValidationError{Field: "travel", Msg: "must not be negative"}
	}
	s.resolveVenue(ctx, &in.Travel)

	status := domain.RequestPendingQuote
	if in.Draft {
		status = domain.RequestDraft
	}
	r := domain.BookingRequest{
		RequesterID:   in.RequesterID,
		ProviderID:    in.ProviderID,
		ServiceID:     in.ServiceID,
		ParentID:      in.ParentID,
		Status:        status,
		Message:       in.Message,
		ProposedTimes: in.ProposedTimes,
		Travel:        in.Travel,
	}

	err := s.uow().run(ctx, func(tx store.Tx, fx *effects) error {
		now := s.now()
		r.ID, r.CreatedAt, r.UpdatedAt = 0, now, now

		// 1) referenced service must belong to the provider
		if in.ServiceID != nil {
			svc, err := tx.GetService(ctx, *in.ServiceID)
			if domain.IsNotFound(err) {
				return domain.ValidationError{Field: "service_id", Msg: "unknown service"}
			}
			if err != nil {
				return err
			}
			if svc.ProviderID != in.ProviderID {
				return domain.ValidationError{Field: "service_id", Msg: "service does not belong to provider"}
			}
		}

		// 2) parent must be live and the requester must be on it
		if in.ParentID != nil {
			parent, err := tx.GetRequest(ctx, *in.ParentID, true)
			if domain.IsNotFound(err) {
				return domain.ValidationError{Field: "parent_id", Msg: "unknown booking request"}
			}
			if err != nil {
				return err
			}
			if parent.Status.Terminal() {
				return domain.InvalidStateError{Entity: "booking_request", ID: parent.ID, Actual: string(parent.Status)}
			}
			if _, ok := parent.RoleOf(in.RequesterID); !ok {
				return domain.ForbiddenError{Action: "create_request", Reason: "not a party to the parent request"}
			}
		}

		// 3) row, then side effects
		if err := tx.InsertRequest(ctx, &r); err != nil {
			return err
		}
		fx.transition("booking_request", string(r.Status))
		if in.Draft {
			return nil
		}
		return s.emitCreated(ctx, tx, fx, r, now)
	})
	if err != nil {
		return domain.BookingRequest{}, err
	}
	return r, nil
}

func (s *BookingService) resolveVenue(ctx context.Context, tb *domain.TravelBreakdown) {
	if s.Geocoder == nil || tb.VenueAddr == "" || tb.VenueLat != 0 || tb.VenueLng != 0 {
		return
	}
	gctx, cancel := context.WithTimeout(ctx, geocodeTimeout)
	defer cancel()
	lat, lng, ok, err := s.Geocoder.Geocode(gctx, tb.VenueAddr)
	if err != nil || !ok {
		if err != nil {
			slog.Warn("geocode failed", "address", tb.VenueAddr, "err", err)
		}
		tb.Unresolved = true
		return
	}
	tb.VenueLat, tb.VenueLng = lat, lng
}

func (s *BookingService) emitCreated(ctx context.Context, tx store.Tx, fx *effects, r domain.BookingRequest, now time.Time) error {
	_, _, err := postTx(ctx, tx, fx, r, PostInput{
		SenderRole: domain.RoleSystem,
		Type:       domain.MessageSystem,
		Visibility: domain.VisibleToArtist,
		Content:    "New booking request. Review the details and send a quote.",
		SystemKey:  KeyRequestCreated,
		Action:     domain.ActionReviewRequest,
	}, now)
	if err != nil {
		return err
	}
	return enqueue(ctx, tx, fx, domain.TopicRequestCreated, r.ID, []int64{r.RequesterID, r.ProviderID}, requestPayload(r), now)
}

// SubmitDraft moves a draft to pending_quote and emits what Create would have.
func (s *BookingService) SubmitDraft(ctx context.Context, requestID, actorID int64) (domain.BookingRequest, error) {
	var out domain.BookingRequest
	err := s.uow().run(ctx, func(tx store.Tx, fx *effects) error {
		r, err := s.lockRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if r.RequesterID != actorID {
			return domain.OwnershipError{Resource: "booking_request", ID: r.ID, ActorID: actorID}
		}
		if r.Status != domain.RequestDraft {
			return invalidRequestState(r, domain.RequestDraft)
		}
		now := s.now()
		if err := s.moveRequest(ctx, tx, fx, &r, domain.RequestPendingQuote, now); err != nil {
			return err
		}
		out = r
		return s.emitCreated(ctx, tx, fx, r, now)
	})
	return out, err
}

type QuoteInput struct {
	RequestID  int64
	ProviderID int64
	Items      []domain.QuoteItem
	SoundFee   domain.Money
	TravelFee  domain.Money
	Discount   domain.Money
	// ExpiresAt defaults to now + QuoteTTL.
	ExpiresAt *time.Time
}

func validateQuote(in QuoteInput, now time.Time) (domain.Quote, error) {
	if len(in.Items) == 0 {
		return domain.Quote{}, domain.ValidationError{Field: "items", Msg: "at least one item is required"}
	}
	for i, it := range in.Items {
		if it.Description == "" {
			return domain.Quote{}, domain.ValidationError{Field: fmt.Sprintf("items[%d].description", i), Msg: "required"}
		}
		if it.Price < 0 {
			return domain.Quote{}, domain.ValidationError{Field: fmt.Sprintf("items[%d].price", i), Msg: "must not be negative"}
		}
	}
	if in.SoundFee < 0 || in.TravelFee < 0 {
		return domain.Quote{}, domain.ValidationError{Field: "fees", Msg: "must not be negative"}
	}
	if in.Discount < 0 {
		return domain.Quote{}, domain.ValidationError{Field: "discount", Msg: "must not be negative"}
	}
	if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
		return domain.Quote{}, domain.ValidationError{Field: "expires_at", Msg: "must be in the future"}
	}
	q := domain.Quote{
		Items:     append([]domain.QuoteItem(nil), in.Items...),
		SoundFee:  in.SoundFee,
		TravelFee: in.TravelFee,
		Discount:  in.Discount,
	}
	q.Price()
	if q.Discount > q.Subtotal {
		return domain.Quote{}, domain.ValidationError{Field: "discount", Msg: "exceeds subtotal"}
	}
	return q, nil
}

func (s *BookingService) SubmitQuote(ctx context.Context, in QuoteInput) (domain.Quote, error) {
	q, err := validateQuote(in, s.now())
	if err != nil {
		return domain.Quote{}, err
	}

	err = s.uow().run(ctx, func(tx store.Tx, fx *effects) error {
		now := s.now()

		// 1) serialize on the request row
		r, err := s.lockRequest(ctx, tx, in.RequestID)
		if err != nil {
			return err
		}
		if r.ProviderID != in.ProviderID {
			return domain.OwnershipError{Resource: "booking_request", ID: r.ID, ActorID: in.ProviderID}
		}
		if r.Status != domain.RequestPendingQuote {
			return invalidRequestState(r, domain.RequestPendingQuote)
		}

		// 2) quote row
		q.ID = 0
		q.BookingRequestID = r.ID
		q.ProviderID = r.ProviderID
		q.RequesterID = r.RequesterID
		q.Status = domain.QuotePending
		q.CreatedAt, q.UpdatedAt = now, now
		exp := now.Add(s.QuoteTTL)
		if in.ExpiresAt != nil {
			exp = in.ExpiresAt.UTC()
		}
		if s.QuoteTTL > 0 || in.ExpiresAt != nil {
			q.ExpiresAt = &exp
		}
		if err := tx.InsertQuote(ctx, &q); err != nil {
			return err
		}
		fx.transition("quote", string(q.Status))

		// 3) request status
		if err := s.moveRequest(ctx, tx, fx, &r, domain.RequestQuoteProvided, now); err != nil {
			return err
		}

		// 4) thread: the quote itself, then the review prompt for the client
		provider := r.ProviderID
		qid := q.ID
		if _, _, err := postTx(ctx, tx, fx, r, PostInput{
			SenderID:   &provider,
			SenderRole: domain.RoleArtist,
			Type:       domain.MessageQuote,
			Visibility: domain.VisibleToBoth,
			Content:    fmt.Sprintf("Quote #%d: total %s", q.ID, formatMoney(q.Total)),
			QuoteID:    &qid,
		}, now); err != nil {
			return err
		}
		reviewBy := now.Add(s.reviewTTL())
		if _, _, err := postTx(ctx, tx, fx, r, PostInput{
			SenderRole: domain.RoleSystem,
			Type:       domain.MessageSystem,
			Visibility: domain.VisibleToClient,
			Content:    "You have a new quote. Review it before it expires.",
			SystemKey:  quoteReviewKey(q.ID),
			Action:     domain.ActionReviewQuote,
			QuoteID:    &qid,
			ExpiresAt:  &reviewBy,
		}, now); err != nil {
			return err
		}

		// 5) outbox
		return enqueue(ctx, tx, fx, domain.TopicQuoteCreated, r.ID, []int64{r.RequesterID, r.ProviderID}, quotePayload(q, r), now)
	})
	if err != nil {
		return domain.Quote{}, err
	}
	return q, nil
}

func (s *BookingService) reviewTTL() time.Duration {
	if s.ReviewQuoteTTL > 0 {
		return s.ReviewQuoteTTL
	}
	return 7 * 24 * time.Hour
}

// AcceptQuote accepts a pending quote on behalf of the requester. Other
// pending quotes on the same request are left pending.
func (s *BookingService) AcceptQuote(ctx context.Context, quoteID, actorID int64) (domain.Quote, domain.BookingRequest, error) {
	var (
		q domain.Quote
		r domain.BookingRequest
	)
	err := s.uow().run(ctx, func(tx store.Tx, fx *effects) error {
		var err error
		q, r, err = s.lockQuote(ctx, tx, quoteID)
		if err != nil {
			return err
		}
		if r.RequesterID != actorID {
			return domain.OwnershipError{Resource: "quote", ID: q.ID, ActorID: actorID}
		}
		if q.Status != domain.QuotePending {
			return invalidQuoteState(q)
		}
		if r.Status != domain.RequestQuoteProvided {
			return invalidRequestState(r, domain.RequestQuoteProvided)
		}

		now := s.now()
		if err := s.moveQuote(ctx, tx, fx, &q, domain.QuoteAccepted, now); err != nil {
			return err
		}
		target := domain.RequestConfirmed
		if s.RequireArtistConfirmation {
			target = domain.RequestPendingArtistConfirmation
		}
		if err := s.moveRequest(ctx, tx, fx, &r, target, now); err != nil {
			return err
		}

		b := &domain.BillingRecord{
			QuoteID:          q.ID,
			BookingRequestID: r.ID,
			RequesterID:      r.RequesterID,
			ProviderID:       r.ProviderID,
			Amount:           q.Total,
			Status:           billingPending,
			CreatedAt:        now,
		}
		if err := tx.InsertBilling(ctx, b); err != nil {
			if isConflict(err) {
				return invalidQuoteState(q)
			}
			return err
		}

		content := "Quote accepted. The booking is confirmed."
		if s.RequireArtistConfirmation {
			content = "Quote accepted. Waiting for the artist to confirm."
		}
		qid := q.ID
		if _, _, err := postTx(ctx, tx, fx, r, PostInput{
			SenderRole: domain.RoleSystem,
			Type:       domain.MessageSystem,
			Visibility: domain.VisibleToBoth,
			Content:    content,
			SystemKey:  quoteAcceptedKey(q.ID),
			Action:     domain.ActionViewBooking,
			QuoteID:    &qid,
		}, now); err != nil {
			return err
		}
		return enqueue(ctx, tx, fx, domain.TopicQuoteAccepted, r.ID, []int64{r.RequesterID, r.ProviderID}, quotePayload(q, r), now)
	})
	return q, r, err
}

// RejectQuote is the requester's explicit refusal.
func (s *BookingService) RejectQuote(ctx context.Context, quoteID, actorID int64) (domain.Quote, domain.BookingRequest, error) {
	var (
		q domain.Quote
		r domain.BookingRequest
	)
	err := s.uow().run(ctx, func(tx store.Tx, fx *effects) error {
		var err error
		q, r, err = s.lockQuote(ctx, tx, quoteID)
		if err != nil {
			return err
		}
		if r.RequesterID != actorID {
			return domain.OwnershipError{Resource: "quote", ID: q.ID, ActorID: actorID}
		}
		return s.closeQuote(ctx, tx, fx, &q, &r, domain.QuoteRejected)
	})
	return q, r, err
}

// ExpireQuote is driven by the sweeper once expires_at has passed.
func (s *BookingService) ExpireQuote(ctx context.Context, quoteID int64) (domain.Quote, domain.BookingRequest, error) {
	var (
		q domain.Quote
		r domain.BookingRequest
	)
	err := s.uow().run(ctx, func(tx store.Tx, fx *effects) error {
		var err error
		q, r, err = s.lockQuote(ctx, tx, quoteID)
		if err != nil {
			return err
		}
		if q.Status == domain.QuotePending && (q.ExpiresAt == nil || q.ExpiresAt.After(s.now())) {
			return domain.ValidationError{Field: "expires_at", Msg: "quote is not due"}
		}
		return s.closeQuote(ctx, tx, fx, &q, &r, domain.QuoteExpired)
	})
	return q, r, err
}

func (s *BookingService) closeQuote(ctx context.Context, tx store.Tx, fx *effects, q *domain.Quote, r *domain.BookingRequest, to domain.QuoteStatus) error {
	if q.Status != domain.QuotePending {
		return invalidQuoteState(*q)
	}
	now := s.now()
	if err := s.moveQuote(ctx, tx, fx, q, to, now); err != nil {
		return err
	}
	// Only the quote currently on the table drags the request back.
	if r.Status == domain.RequestQuoteProvided {
		if err := s.moveRequest(ctx, tx, fx, r, domain.RequestQuoteRejected, now); err != nil {
			return err
		}
	}

	topic := domain.TopicQuoteRejected
	if to == domain.QuoteExpired {
		topic = domain.TopicQuoteExpired
	}
	// closed threads get no further notices
	if r.Status.Terminal() {
		return enqueue(ctx, tx, fx, topic, r.ID, []int64{r.RequesterID, r.ProviderID}, quotePayload(*q, *r), now)
	}

	qid := q.ID
	in := PostInput{
		SenderRole: domain.RoleSystem,
		Type:       domain.MessageSystem,
		QuoteID:    &qid,
	}
	switch to {
	case domain.QuoteRejected:
		in.Visibility = domain.VisibleToArtist
		in.Content = fmt.Sprintf("The client declined quote #%d.", q.ID)
		in.SystemKey = quoteRejectedKey(q.ID)
		in.Action = domain.ActionReviewRequest
	case domain.QuoteExpired:
		in.Visibility = domain.VisibleToBoth
		in.Content = fmt.Sprintf("Quote #%d expired.", q.ID)
		in.SystemKey = quoteExpiredKey(q.ID)
	}
	if _, _, err := postTx(ctx, tx, fx, *r, in, now); err != nil {
		return err
	}
	return enqueue(ctx, tx, fx, topic, r.ID, []int64{r.RequesterID, r.ProviderID}, quotePayload(*q, *r), now)
}

// Withdraw is the requester walking away.
func (s *BookingService) Withdraw(ctx context.Context, requestID, actorID int64) (domain.BookingRequest, error) {
	return s.exit(ctx, requestID, actorID, domain.RoleClient, domain.RequestWithdrawn, domain.TopicRequestWithdrawn,
		"The client withdrew this request.")
}

// Decline is the provider turning the request down.
func (s *BookingService) Decline(ctx context.Context, requestID, actorID int64) (domain.BookingRequest, error) {
	return s.exit(ctx, requestID, actorID, domain.RoleArtist, domain.RequestDeclined, domain.TopicRequestDeclined,
		"The artist declined this request.")
}

// ConfirmBooking is the artist acknowledging an accepted quote.
func (s *BookingService) ConfirmBooking(ctx context.Context, requestID, actorID int64) (domain.BookingRequest, error) {
	return s.advance(ctx, requestID, actorID, domain.RoleArtist, domain.RequestPendingArtistConfirmation,
		domain.RequestConfirmed, domain.TopicRequestConfirmed, "The artist confirmed the booking.", domain.ActionViewBooking)
}

// Complete closes a confirmed booking. Either party may call it.
func (s *BookingService) Complete(ctx context.Context, requestID, actorID int64) (domain.BookingRequest, error) {
	return s.advance(ctx, requestID, actorID, "", domain.RequestConfirmed,
		domain.RequestCompleted, domain.TopicRequestCompleted, "The booking was marked completed.", domain.ActionNone)
}

// Reopen lets the requester ask for a new quote after rejecting one.
func (s *BookingService) Reopen(ctx context.Context, requestID, actorID int64) (domain.BookingRequest, error) {
	return s.advance(ctx, requestID, actorID, domain.RoleClient, domain.RequestQuoteRejected,
		domain.RequestPendingQuote, domain.TopicRequestReopened, "The client asked for a new quote.", domain.ActionReviewRequest)
}

func (s *BookingService) exit(ctx context.Context, requestID, actorID int64, role domain.Role, to domain.RequestStatus, topic, notice string) (domain.BookingRequest, error) {
	var out domain.BookingRequest
	err := s.uow().run(ctx, func(tx store.Tx, fx *effects) error {
		r, err := s.lockRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if err := requireRole(r, actorID, role); err != nil {
			return err
		}
		if !domain.CanTransition(r.Status, to) {
			return domain.InvalidStateError{Entity: "booking_request", ID: r.ID, Actual: string(r.Status)}
		}
		now := s.now()
		if err := s.moveRequest(ctx, tx, fx, &r, to, now); err != nil {
			return err
		}
		if _, _, err := postTx(ctx, tx, fx, r, PostInput{
			SenderRole: domain.RoleSystem,
			Type:       domain.MessageSystem,
			Visibility: domain.VisibleToBoth,
			Content:    notice,
			SystemKey:  string(to),
		}, now); err != nil {
			return err
		}
		out = r
		return enqueue(ctx, tx, fx, topic, r.ID, []int64{r.RequesterID, r.ProviderID}, requestPayload(r), now)
	})
	return out, err
}

func (s *BookingService) advance(ctx context.Context, requestID, actorID int64, role domain.Role, from, to domain.RequestStatus, topic, notice string, action domain.Action) (domain.BookingRequest, error) {
	var out domain.BookingRequest
	err := s.uow().run(ctx, func(tx store.Tx, fx *effects) error {
		r, err := s.lockRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if err := requireRole(r, actorID, role); err != nil {
			return err
		}
		if r.Status != from {
			return invalidRequestState(r, from)
		}
		now := s.now()
		if err := s.moveRequest(ctx, tx, fx, &r, to, now); err != nil {
			return err
		}
		in := PostInput{
			SenderRole: domain.RoleSystem,
			Type:       domain.MessageSystem,
			Visibility: domain.VisibleToBoth,
			Content:    notice,
			Action:     action,
		}
		// Reopen can happen more than once; the others are one-way.
		if to != domain.RequestPendingQuote {
			in.SystemKey = string(to)
		}
		if _, _, err := postTx(ctx, tx, fx, r, in, now); err != nil {
			return err
		}
		out = r
		return enqueue(ctx, tx, fx, topic, r.ID, []int64{r.RequesterID, r.ProviderID}, requestPayload(r), now)
	})
	return out, err
}

// requireRole checks actorID is a party and, when role is set, plays it.
func requireRole(r domain.BookingRequest, actorID int64, role domain.Role) error {
	got, ok := r.RoleOf(actorID)
	if !ok || (role != "" && got != role) {
		return domain.OwnershipError{Resource: "booking_request", ID: r.ID, ActorID: actorID}
	}
	return nil
}

func (s *BookingService) Get(ctx context.Context, requestID, viewerID int64) (domain.BookingRequest, error) {
	var out domain.BookingRequest
	err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		r, err := tx.GetRequest(ctx, requestID, false)
		if err != nil {
			return err
		}
		if _, ok := r.RoleOf(viewerID); !ok {
			return domain.ForbiddenError{Action: "view", Reason: "not a party to this booking request"}
		}
		out = r
		return nil
	})
	return out, err
}

func (s *BookingService) ListQuotes(ctx context.Context, requestID, viewerID int64) ([]domain.Quote, error) {
	var out []domain.Quote
	err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		r, err := tx.GetRequest(ctx, requestID, false)
		if err != nil {
			return err
		}
		if _, ok := r.RoleOf(viewerID); !ok {
			return domain.ForbiddenError{Action: "list_quotes", Reason: "not a party to this booking request"}
		}
		out, err = tx.ListQuotes(ctx, requestID)
		return err
	})
	return out, err
}

func (s *BookingService) Billing(ctx context.Context, requestID, viewerID int64) ([]domain.BillingRecord, error) {
	var out []domain.BillingRecord
	err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		r, err := tx.GetRequest(ctx, requestID, false)
		if err != nil {
			return err
		}
		if _, ok := r.RoleOf(viewerID); !ok {
			return domain.ForbiddenError{Action: "billing", Reason: "not a party to this booking request"}
		}
		out, err = tx.ListBilling(ctx, requestID)
		return err
	})
	return out, err
}

// QuotePDF renders a quote for one of its parties.
func (s *BookingService) QuotePDF(ctx context.Context, quoteID, viewerID int64) ([]byte, error) {
	if s.Renderer == nil {
		return nil, fmt.Errorf("quote pdf: no renderer configured")
	}
	var (
		q domain.Quote
		r domain.BookingRequest
	)
	err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		q, err = tx.GetQuote(ctx, quoteID, false)
		if err != nil {
			return err
		}
		r, err = tx.GetRequest(ctx, q.BookingRequestID, false)
		if err != nil {
			return err
		}
		if _, ok := r.RoleOf(viewerID); !ok {
			return domain.ForbiddenError{Action: "render_pdf", Reason: "not a party to this quote"}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Renderer.RenderQuote(q, r)
}

func (s *BookingService) lockRequest(ctx context.Context, tx store.Tx, id int64) (domain.BookingRequest, error) {
	return tx.GetRequest(ctx, id, true)
}

// lockQuote locks the owning request before the quote so every writer takes
// row locks in the same order.
func (s *BookingService) lockQuote(ctx context.Context, tx store.Tx, quoteID int64) (domain.Quote, domain.BookingRequest, error) {
	peek, err := tx.GetQuote(ctx, quoteID, false)
	if err != nil {
		return domain.Quote{}, domain.BookingRequest{}, err
	}
	r, err := tx.GetRequest(ctx, peek.BookingRequestID, true)
	if err != nil {
		return domain.Quote{}, domain.BookingRequest{}, err
	}
	q, err := tx.GetQuote(ctx, quoteID, true)
	if err != nil {
		return domain.Quote{}, domain.BookingRequest{}, err
	}
	return q, r, nil
}

func (s *BookingService) moveRequest(ctx context.Context, tx store.Tx, fx *effects, r *domain.BookingRequest, to domain.RequestStatus, now time.Time) error {
	if !domain.CanTransition(r.Status, to) {
		return domain.InvalidStateError{Entity: "booking_request", ID: r.ID, Actual: string(r.Status)}
	}
	if err := tx.SetRequestStatus(ctx, r.ID, r.Status, to, now); err != nil {
		if isConflict(err) {
			return domain.InvalidStateError{Entity: "booking_request", ID: r.ID, Expected: []string{string(r.Status)}, Actual: "changed concurrently"}
		}
		return err
	}
	r.Status, r.UpdatedAt = to, now
	fx.transition("booking_request", string(to))
	return nil
}

func (s *BookingService) moveQuote(ctx context.Context, tx store.Tx, fx *effects, q *domain.Quote, to domain.QuoteStatus, now time.Time) error {
	if !domain.CanTransitionQuote(q.Status, to) {
		return invalidQuoteState(*q)
	}
	if err := tx.SetQuoteStatus(ctx, q.ID, q.Status, to, now); err != nil {
		if isConflict(err) {
			return domain.InvalidStateError{Entity: "quote", ID: q.ID, Expected: []string{string(q.Status)}, Actual: "changed concurrently"}
		}
		return err
	}
	q.Status, q.UpdatedAt = to, now
	fx.transition("quote", string(to))
	return nil
}

func requestPayload(r domain.BookingRequest) map[string]any {
	return map[string]any{
		"booking_request_id": r.ID,
		"status":             r.Status,
		"requester_id":       r.RequesterID,
		"provider_id":        r.ProviderID,
	}
}

func quotePayload(q domain.Quote, r domain.BookingRequest) map[string]any {
	return map[string]any{
		"booking_request_id": r.ID,
		"request_status":     r.Status,
		"quote":              q,
	}
}

func formatMoney(m domain.Money) string {
	sign := ""
	if m < 0 {
		sign, m = "-", -m
	}
	return fmt.Sprintf("%s%d.%02d", sign, m/100, m%100)
}
