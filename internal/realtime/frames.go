package realtime

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"time"

	"booking/internal/domain"
)

const (
	FrameEvent         = "event"
	FrameTyping        = "typing"
	FramePresence      = "presence"
	FrameReconnectHint = "reconnect_hint"
)

// Inbound is what clients may send on a channel. UserID is ignored in favour
// of the authenticated identity.
type Inbound struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id,omitempty"`
	Status string `json:"status,omitempty"`
}

type eventFrame struct {
	Type             string          `json:"type"`
	ID               int64           `json:"id"`
	Topic            string          `json:"topic"`
	BookingRequestID int64           `json:"booking_request_id"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// EventFrame renders an outbox event for the wire. Clients dedupe on id
// since delivery is at least once.
func EventFrame(ev domain.OutboxEvent) ([]byte, error) {
	f := eventFrame{
		Type:             FrameEvent,
		ID:               ev.ID,
		Topic:            ev.Topic,
		BookingRequestID: ev.BookingRequestID,
		CreatedAt:        ev.CreatedAt,
	}
	if len(ev.Payload) > 0 {
		f.Payload = json.RawMessage(ev.Payload)
	}
	return json.Marshal(f)
}

func typingFrame(users []int64) []byte {
	sorted := append([]int64(nil), users...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	b, _ := json.Marshal(struct {
		Type  string  `json:"type"`
		Users []int64 `json:"users"`
	}{FrameTyping, sorted})
	return b
}

func presenceFrame(updates map[int64]string) []byte {
	out := make(map[string]string, len(updates))
	for id, status := range updates {
		out[strconv.FormatInt(id, 10)] = status
	}
	b, _ := json.Marshal(struct {
		Type    string            `json:"type"`
		Updates map[string]string `json:"updates"`
	}{FramePresence, out})
	return b
}

// ReconnectHint tells a throttled client how many seconds to wait.
func ReconnectHint(delay time.Duration) []byte {
	secs := int(math.Ceil(delay.Seconds()))
	if secs < 1 {
		secs = 1
	}
	b, _ := json.Marshal(struct {
		Type  string `json:"type"`
		Delay int    `json:"delay"`
	}{FrameReconnectHint, secs})
	return b
}
