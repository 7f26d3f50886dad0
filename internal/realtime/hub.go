// Package realtime keeps the per-process registry of live channels and fans
// frames out to them. Nothing here is persisted.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"booking/internal/domain"
	"booking/internal/observability"
)

var ErrThrottled = errors.New("realtime: connect throttled")

// Channel is one live duplex connection.
type Channel interface {
	ID() string
	Send(ctx context.Context, frame []byte) error
	Close() error
}

type member struct {
	ch     Channel
	userID int64
	// requestID is zero for the user-level notifications channel.
	requestID int64
}

type room struct {
	typing   map[int64]struct{}
	presence map[int64]string
}

type HubOptions struct {
	CoalesceInterval time.Duration
	FrameTimeout     time.Duration
	ReconnectRPS     float64
	ReconnectBurst   int
	HintDelay        time.Duration
}

type Hub struct {
	coalesce     time.Duration
	frameTimeout time.Duration
	hintDelay    time.Duration
	limiter      *rate.Limiter

	mu    sync.RWMutex
	users map[int64]map[string]*member
	rooms map[int64]*room
}

func NewHub(opts HubOptions) *Hub {
	h := &Hub{
		coalesce:     opts.CoalesceInterval,
		frameTimeout: opts.FrameTimeout,
		hintDelay:    opts.HintDelay,
		users:        map[int64]map[string]*member{},
		rooms:        map[int64]*room{},
	}
	if h.coalesce <= 0 {
		h.coalesce = 500 * time.Millisecond
	}
	if h.frameTimeout <= 0 {
		h.frameTimeout = 5 * time.Second
	}
	if h.hintDelay <= 0 {
		h.hintDelay = 5 * time.Second
	}
	if opts.ReconnectRPS > 0 {
		burst := opts.ReconnectBurst
		if burst < 1 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(opts.ReconnectRPS), burst)
	}
	return h
}

// Register adds ch for userID. A zero requestID subscribes to everything
// addressed to the user. When connects arrive faster than the limiter allows
// the channel gets a reconnect_hint and is closed.
func (h *Hub) Register(ctx context.Context, userID, requestID int64, ch Channel) (func(), error) {
	if h.limiter != nil && !h.limiter.Allow() {
		sctx, cancel := context.WithTimeout(ctx, h.frameTimeout)
		_ = ch.Send(sctx, ReconnectHint(h.hintDelay))
		cancel()
		_ = ch.Close()
		observability.DroppedFrames.WithLabelValues("throttled").Inc()
		return nil, ErrThrottled
	}

	m := &member{ch: ch, userID: userID, requestID: requestID}
	h.mu.Lock()
	set, ok := h.users[userID]
	if !ok {
		set = map[string]*member{}
		h.users[userID] = set
	}
	set[ch.ID()] = m
	h.mu.Unlock()
	observability.LiveConnections.Inc()

	var once sync.Once
	return func() {
		once.Do(func() { h.remove(m) })
	}, nil
}

func (h *Hub) remove(m *member) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.users[m.userID]
	if set[m.ch.ID()] != m {
		return
	}
	delete(set, m.ch.ID())
	if len(set) == 0 {
		delete(h.users, m.userID)
	}
	observability.LiveConnections.Dec()
}

// Connections counts a user's open channels.
func (h *Hub) Connections(userID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

func (h *Hub) targets(userID, requestID int64) []*member {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*member
	for _, m := range h.users[userID] {
		if m.requestID == 0 || m.requestID == requestID {
			out = append(out, m)
		}
	}
	return out
}

// Deliver pushes frame to every channel userID holds for requestID plus
// their notifications channels. No open channel is not an error.
func (h *Hub) Deliver(ctx context.Context, userID, requestID int64, frame []byte) error {
	var errs []error
	for _, m := range h.targets(userID, requestID) {
		if err := m.ch.Send(ctx, frame); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", m.ch.ID(), err))
		}
	}
	if len(errs) > 0 {
		return domain.DeliveryError{UserID: userID, Err: errors.Join(errs...)}
	}
	return nil
}

func (h *Hub) pending(requestID int64) *room {
	r, ok := h.rooms[requestID]
	if !ok {
		r = &room{typing: map[int64]struct{}{}, presence: map[int64]string{}}
		h.rooms[requestID] = r
	}
	return r
}

// Typing records that userID is typing in requestID's thread. It goes out
// with the next flush.
func (h *Hub) Typing(requestID, userID int64) {
	h.mu.Lock()
	h.pending(requestID).typing[userID] = struct{}{}
	h.mu.Unlock()
}

// Presence records userID's latest status; later updates in the same
// interval overwrite earlier ones.
func (h *Hub) Presence(requestID, userID int64, status string) {
	h.mu.Lock()
	h.pending(requestID).presence[userID] = status
	h.mu.Unlock()
}

// Flush sends at most one typing and one presence frame per room and clears
// the pending state. Send failures drop the frame.
func (h *Hub) Flush(ctx context.Context) {
	h.mu.Lock()
	rooms := h.rooms
	h.rooms = map[int64]*room{}
	type out struct {
		frames  [][]byte
		members []*member
	}
	var batch []out
	for requestID, r := range rooms {
		var o out
		if len(r.typing) > 0 {
			users := make([]int64, 0, len(r.typing))
			for id := range r.typing {
				users = append(users, id)
			}
			o.frames = append(o.frames, typingFrame(users))
		}
		if len(r.presence) > 0 {
			o.frames = append(o.frames, presenceFrame(r.presence))
		}
		for _, set := range h.users {
			for _, m := range set {
				if m.requestID == requestID {
					o.members = append(o.members, m)
				}
			}
		}
		if len(o.frames) > 0 {
			batch = append(batch, o)
		}
	}
	h.mu.Unlock()

	for _, o := range batch {
		for _, m := range o.members {
			for _, f := range o.frames {
				sctx, cancel := context.WithTimeout(ctx, h.frameTimeout)
				err := m.ch.Send(sctx, f)
				cancel()
				if err != nil {
					observability.DroppedFrames.WithLabelValues("send_error").Inc()
					slog.Debug("ephemeral frame dropped", "user_id", m.userID, "channel", m.ch.ID(), "err", err)
				}
			}
		}
	}
}

// Run flushes ephemeral state every coalesce interval until ctx ends.
func (h *Hub) Run(ctx context.Context) error {
	t := time.NewTicker(h.coalesce)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			h.Flush(ctx)
		}
	}
}
