package httpserver

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"booking/internal/auth"
	"booking/internal/domain"
	"booking/internal/realtime"
	"booking/internal/service"
)

type API struct {
	Bookings *service.BookingService
	Threads  *service.ThreadService
	Unread   *service.UnreadCounter
	Hub      *realtime.Hub
	Auth     *auth.Verifier
	Upgrader websocket.Upgrader
}

func (a *API) Register(m *mux.Router) {
	v1 := m.PathPrefix("/v1").Subrouter()
	v1.Use(Authenticate(a.Auth))

	v1.HandleFunc("/booking-requests", a.handleCreateRequest).Methods(http.MethodPost)
	v1.HandleFunc("/booking-requests/{id:[0-9]+}", a.handleGetRequest).Methods(http.MethodGet)
	v1.HandleFunc("/booking-requests/{id:[0-9]+}/{action:submit|withdraw|decline|confirm|complete|reopen}", a.handleRequestAction).Methods(http.MethodPost)
	v1.HandleFunc("/booking-requests/{id:[0-9]+}/quotes", a.handleSubmitQuote).Methods(http.MethodPost)
	v1.HandleFunc("/booking-requests/{id:[0-9]+}/quotes", a.handleListQuotes).Methods(http.MethodGet)
	v1.HandleFunc("/booking-requests/{id:[0-9]+}/billing", a.handleBilling).Methods(http.MethodGet)
	v1.HandleFunc("/quotes/{id:[0-9]+}/{action:accept|reject}", a.handleQuoteAction).Methods(http.MethodPost)
	v1.HandleFunc("/quotes/{id:[0-9]+}/pdf", a.handleQuotePDF).Methods(http.MethodGet)

	v1.HandleFunc("/booking-requests/{id:[0-9]+}/messages", a.handleListMessages).Methods(http.MethodGet)
	v1.HandleFunc("/booking-requests/{id:[0-9]+}/messages", a.handlePostMessage).Methods(http.MethodPost)
	v1.HandleFunc("/booking-requests/{id:[0-9]+}/messages/{mid:[0-9]+}", a.handleDeleteMessage).Methods(http.MethodDelete)
	v1.HandleFunc("/booking-requests/{id:[0-9]+}/read", a.handleMarkRead).Methods(http.MethodPost)
	v1.HandleFunc("/messages/{mid:[0-9]+}/reactions", a.handleReactions).Methods(http.MethodGet)
	v1.HandleFunc("/messages/{mid:[0-9]+}/reactions", a.handleReact).Methods(http.MethodPost, http.MethodDelete)
	v1.HandleFunc("/unread", a.handleUnread).Methods(http.MethodGet)

	v1.HandleFunc("/ws/booking-requests/{id:[0-9]+}", a.handleRequestSocket).Methods(http.MethodGet)
	v1.HandleFunc("/ws/notifications", a.handleNotificationSocket).Methods(http.MethodGet)
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	return id, err == nil && id > 0
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeBadRequest(w, ErrInvalidJSON, "")
		return false
	}
	return true
}

type createRequestBody struct {
	ProviderID    int64                  `json:"provider_id"`
	ServiceID     *int64                 `json:"service_id"`
	ParentID      *int64                 `json:"parent_id"`
	Message       string                 `json:"message"`
	ProposedTimes []time.Time            `json:"proposed_times"`
	Travel        domain.TravelBreakdown `json:"travel"`
	Draft         bool                   `json:"draft"`
}

func (a *API) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if !decode(w, r, &body) {
		return
	}
	req, err := a.Bookings.Create(r.Context(), service.CreateInput{
		RequesterID:   userID(r),
		ProviderID:    body.ProviderID,
		ServiceID:     body.ServiceID,
		ParentID:      body.ParentID,
		Message:       body.Message,
		ProposedTimes: body.ProposedTimes,
		Travel:        body.Travel,
		Draft:         body.Draft,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (a *API) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeBadRequest(w, ErrBadID, "id")
		return
	}
	req, err := a.Bookings.Get(r.Context(), id, userID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (a *API) handleRequestAction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeBadRequest(w, ErrBadID, "id")
		return
	}
	ctx, actor := r.Context(), userID(r)

	var (
		req domain.BookingRequest
		err error
	)
	switch mux.Vars(r)["action"] {
	case "submit":
		req, err = a.Bookings.SubmitDraft(ctx, id, actor)
	case "withdraw":
		req, err = a.Bookings.Withdraw(ctx, id, actor)
	case "decline":
		req, err = a.Bookings.Decline(ctx, id, actor)
	case "confirm":
		req, err = a.Bookings.ConfirmBooking(ctx, id, actor)
	case "complete":
		req, err = a.Bookings.Complete(ctx, id, actor)
	case "reopen":
		req, err = a.Bookings.Reopen(ctx, id, actor)
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type submitQuoteBody struct {
	Items     []domain.QuoteItem `json:"items"`
	SoundFee  domain.Money       `json:"sound_fee"`
	TravelFee domain.Money       `json:"travel_fee"`
	Discount  domain.Money       `json:"discount"`
	ExpiresAt *time.Time         `json:"expires_at"`
}

func (a *API) handleSubmitQuote(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeBadRequest(w, ErrBadID, "id")
		return
	}
	var body submitQuoteBody
	if !decode(w, r, &body) {
		return
	}
	q, err := a.Bookings.SubmitQuote(r.Context(), service.QuoteInput{
		RequestID:  id,
		ProviderID: userID(r),
		Items:      body.Items,
		SoundFee:   body.SoundFee,
		TravelFee:  body.TravelFee,
		Discount:   body.Discount,
		ExpiresAt:  body.ExpiresAt,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, q)
}

func (a *API) handleListQuotes(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeBadRequest(w, ErrBadID, "id")
		return
	}
	qs, err := a.Bookings.ListQuotes(r.Context(), id, userID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if qs == nil {
		qs = []domain.Quote{}
	}
	writeJSON(w, http.StatusOK, qs)
}

func (a *API) handleBilling(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeBadRequest(w, ErrBadID, "id")
		return
	}
	bs, err := a.Bookings.Billing(r.Context(), id, userID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if bs == nil {
		bs = []domain.BillingRecord{}
	}
	writeJSON(w, http.StatusOK, bs)
}

type quoteResult struct {
	Quote          domain.Quote          `json:"quote"`
	BookingRequest domain.BookingRequest `json:"booking_request"`
}

func (a *API) handleQuoteAction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeBadRequest(w, ErrBadID, "id")
		return
	}
	var (
		res quoteResult
		err error
	)
	if mux.Vars(r)["action"] == "accept" {
		res.Quote, res.BookingRequest, err = a.Bookings.AcceptQuote(r.Context(), id, userID(r))
	} else {
		res.Quote, res.BookingRequest, err = a.Bookings.RejectQuote(r.Context(), id, userID(r))
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleQuotePDF(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeBadRequest(w, ErrBadID, "id")
		return
	}
	doc, err := a.Bookings.QuotePDF(r.Context(), id, userID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", "inline; filename=quote-"+strconv.FormatInt(id, 10)+".pdf")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}
