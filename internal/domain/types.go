package domain

import (
	"strconv"
	"strings"
	"time"
)

type RequestStatus string

const (
	RequestDraft                     RequestStatus = "draft"
	RequestPendingQuote              RequestStatus = "pending_quote"
	RequestQuoteProvided             RequestStatus = "quote_provided"
	RequestPendingArtistConfirmation RequestStatus = "pending_artist_confirmation"
	RequestConfirmed                 RequestStatus = "request_confirmed"
	RequestCompleted                 RequestStatus = "request_completed"
	RequestDeclined                  RequestStatus = "request_declined"
	RequestWithdrawn                 RequestStatus = "request_withdrawn"
	RequestQuoteRejected             RequestStatus = "quote_rejected"
)

type QuoteStatus string

const (
	QuotePending  QuoteStatus = "pending"
	QuoteAccepted QuoteStatus = "accepted"
	QuoteRejected QuoteStatus = "rejected"
	QuoteExpired  QuoteStatus = "expired"
)

// Terminal reports whether no further quote transition is legal.
func (s QuoteStatus) Terminal() bool { return s != QuotePending }

// Role is the side a user plays in a booking request. RoleSystem only
// appears as a sender role on engine-generated messages.
type Role string

const (
	RoleClient Role = "client"
	RoleArtist Role = "artist"
	RoleSystem Role = "system"
)

type MessageType string

const (
	MessageUser   MessageType = "user"
	MessageQuote  MessageType = "quote"
	MessageSystem MessageType = "system"
)

type Visibility string

const (
	VisibleToArtist Visibility = "artist_only"
	VisibleToClient Visibility = "client_only"
	VisibleToBoth   Visibility = "both"
)

// Includes reports whether a viewer with the given role may see a message
// carrying this visibility.
func (v Visibility) Includes(r Role) bool {
	switch v {
	case VisibleToBoth:
		return true
	case VisibleToArtist:
		return r == RoleArtist
	case VisibleToClient:
		return r == RoleClient
	}
	return false
}

// Recipients narrows a pair of parties down to the ones this visibility reaches.
func (v Visibility) Recipients(requesterID, providerID int64) []int64 {
	switch v {
	case VisibleToBoth:
		return []int64{requesterID, providerID}
	case VisibleToArtist:
		return []int64{providerID}
	case VisibleToClient:
		return []int64{requesterID}
	}
	return nil
}

type Action string

const (
	ActionNone          Action = ""
	ActionReviewRequest Action = "review_request"
	ActionReviewQuote   Action = "review_quote"
	ActionViewBooking   Action = "view_booking"
)

type Money = int64 // minor units

type TravelBreakdown struct {
	Mode       string  `json:"mode,omitempty"`
	DistanceKM float64 `json:"distance_km,omitempty"`
	Cost       Money   `json:"cost,omitempty"`
	VenueAddr  string  `json:"venue_address,omitempty"`
	VenueLat   float64 `json:"venue_lat,omitempty"`
	VenueLng   float64 `json:"venue_lng,omitempty"`
	Unresolved bool    `json:"unresolved,omitempty"`
}

type BookingRequest struct {
	ID            int64           `json:"id"`
	RequesterID   int64           `json:"requester_id"`
	ProviderID    int64           `json:"provider_id"`
	ServiceID     *int64          `json:"service_id,omitempty"`
	ParentID      *int64          `json:"parent_id,omitempty"`
	Status        RequestStatus   `json:"status"`
	Message       string          `json:"message"`
	ProposedTimes []time.Time     `json:"proposed_times"`
	Travel        TravelBreakdown `json:"travel"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// RoleOf returns the role userID plays in the request, or false if the
// user is not a party.
func (r BookingRequest) RoleOf(userID int64) (Role, bool) {
	switch userID {
	case r.RequesterID:
		return RoleClient, true
	case r.ProviderID:
		return RoleArtist, true
	}
	return "", false
}

// Counterparty returns the other party's id.
func (r BookingRequest) Counterparty(userID int64) int64 {
	if userID == r.RequesterID {
		return r.ProviderID
	}
	return r.RequesterID
}

type Service struct {
	ID         int64  `json:"id"`
	ProviderID int64  `json:"provider_id"`
	Title      string `json:"title"`
	Price      Money  `json:"price"`
}

type QuoteItem struct {
	Description string `json:"description"`
	Price       Money  `json:"price"`
}

type Quote struct {
	ID               int64       `json:"id"`
	BookingRequestID int64       `json:"booking_request_id"`
	ProviderID       int64       `json:"provider_id"`
	RequesterID      int64       `json:"requester_id"`
	Items            []QuoteItem `json:"items"`
	SoundFee         Money       `json:"sound_fee"`
	TravelFee        Money       `json:"travel_fee"`
	Subtotal         Money       `json:"subtotal"`
	Discount         Money       `json:"discount"`
	Total            Money       `json:"total"`
	Status           QuoteStatus `json:"status"`
	ExpiresAt        *time.Time  `json:"expires_at,omitempty"`
	ExpiryWarnedAt   *time.Time  `json:"-"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// Price fills Subtotal and Total from the items, fees and discount. It is
// called once when the quote is written.
func (q *Quote) Price() {
	var sub Money
	for _, it := range q.Items {
		sub += it.Price
	}
	q.Subtotal = sub + q.SoundFee + q.TravelFee
	q.Total = q.Subtotal - q.Discount
}

// BillingRecord is derived from an accepted quote.
type BillingRecord struct {
	ID               int64     `json:"id"`
	QuoteID          int64     `json:"quote_id"`
	BookingRequestID int64     `json:"booking_request_id"`
	RequesterID      int64     `json:"requester_id"`
	ProviderID       int64     `json:"provider_id"`
	Amount           Money     `json:"amount"`
	Status           string    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
}

type Message struct {
	ID               int64          `json:"id"`
	BookingRequestID int64          `json:"booking_request_id"`
	SenderID         *int64         `json:"sender_id,omitempty"`
	SenderRole       Role           `json:"sender_role"`
	Type             MessageType    `json:"type"`
	Visibility       Visibility     `json:"visibility"`
	Content          string         `json:"content"`
	SystemKey        string         `json:"system_key,omitempty"`
	Action           Action         `json:"action,omitempty"`
	QuoteID          *int64         `json:"quote_id,omitempty"`
	AttachmentURL    string         `json:"attachment_url,omitempty"`
	AttachmentMeta   map[string]any `json:"attachment_meta,omitempty"`
	ReplyToID        *int64         `json:"reply_to_id,omitempty"`
	ExpiresAt        *time.Time     `json:"expires_at,omitempty"`
	IsRead           bool           `json:"is_read"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

const TombstonePrefix = "message_deleted:"

// UserKeyPrefix namespaces dedup keys chosen by thread parties so they can
// never collide with the keys the engine posts its notices under.
const UserKeyPrefix = "user:"

// UserKey returns key inside the party namespace. Already namespaced keys
// are returned as is.
func UserKey(key string) string {
	if key == "" || strings.HasPrefix(key, UserKeyPrefix) {
		return key
	}
	return UserKeyPrefix + key
}

// TombstoneKey is the system key a deleted message is rewritten to.
func TombstoneKey(id int64) string {
	return TombstonePrefix + strconv.FormatInt(id, 10)
}

// Tombstoned reports whether the row was rewritten by a delete.
func (m Message) Tombstoned() bool {
	return strings.HasPrefix(m.SystemKey, TombstonePrefix)
}

type Reaction struct {
	MessageID int64     `json:"message_id"`
	UserID    int64     `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

type OutboxEvent struct {
	ID               int64      `json:"id"`
	Topic            string     `json:"topic"`
	BookingRequestID int64      `json:"booking_request_id"`
	Recipients       []int64    `json:"recipients"`
	Payload          []byte     `json:"payload"`
	CreatedAt        time.Time  `json:"created_at"`
	DeliveredAt      *time.Time `json:"delivered_at,omitempty"`
	DeadAt           *time.Time `json:"dead_at,omitempty"`
	AttemptCount     int        `json:"attempt_count"`
	LastError        string     `json:"last_error,omitempty"`
	DueAt            *time.Time `json:"due_at,omitempty"`
}

// Outbox topics.
const (
	TopicRequestCreated   = "booking_request.created"
	TopicRequestWithdrawn = "booking_request.withdrawn"
	TopicRequestDeclined  = "booking_request.declined"
	TopicRequestConfirmed = "booking_request.confirmed"
	TopicRequestCompleted = "booking_request.completed"
	TopicRequestReopened  = "booking_request.reopened"
	TopicQuoteCreated     = "quote.created"
	TopicQuoteAccepted    = "quote.accepted"
	TopicQuoteRejected    = "quote.rejected"
	TopicQuoteExpired     = "quote.expired"
	TopicMessageCreated   = "message.created"
	TopicMessageDeleted   = "message.deleted"
	TopicMessageReaction  = "message.reaction"
	TopicMessagesRead     = "messages.read"
)
