package service

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"booking/internal/store"
)

type Unread struct {
	Total int `json:"total"`
	// Token changes whenever the unread state behind Total changes.
	Token string `json:"-"`
}

type unreadEntry struct {
	val Unread
	at  time.Time
}

// UnreadCounter answers unread-count polls from a short-lived per-user cache.
// Writers that can change a user's unread state call Invalidate.
type UnreadCounter struct {
	Store store.Store
	TTL   time.Duration
	Now   func() time.Time

	mu    sync.Mutex
	cache map[int64]unreadEntry
	// gen is bumped by Invalidate; a read that raced one is not cached.
	gen map[int64]uint64
}

func NewUnreadCounter(st store.Store, ttl time.Duration) *UnreadCounter {
	return &UnreadCounter{Store: st, TTL: ttl, cache: map[int64]unreadEntry{}, gen: map[int64]uint64{}}
}

func (u *UnreadCounter) now() time.Time {
	if u.Now != nil {
		return u.Now().UTC()
	}
	return time.Now().UTC()
}

func (u *UnreadCounter) Get(ctx context.Context, viewerID int64) (Unread, error) {
	now := u.now()

	u.mu.Lock()
	if e, ok := u.cache[viewerID]; ok && now.Sub(e.at) < u.TTL {
		u.mu.Unlock()
		return e.val, nil
	}
	gen := u.gen[viewerID]
	u.mu.Unlock()

	var st store.UnreadState
	err := u.Store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		st, err = tx.UnreadState(ctx, viewerID, now)
		return err
	})
	if err != nil {
		return Unread{}, err
	}

	val := Unread{Total: st.Total, Token: unreadToken(viewerID, st)}
	if u.TTL > 0 {
		u.mu.Lock()
		if u.cache == nil {
			u.cache = map[int64]unreadEntry{}
		}
		if u.gen[viewerID] == gen {
			u.cache[viewerID] = unreadEntry{val: val, at: now}
		}
		u.mu.Unlock()
	}
	return val, nil
}

func (u *UnreadCounter) Invalidate(userIDs ...int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.gen == nil {
		u.gen = map[int64]uint64{}
	}
	for _, id := range userIDs {
		delete(u.cache, id)
		u.gen[id]++
	}
}

// unreadToken hashes everything that can move the count: the total, the
// newest unread id and the latest row change.
func unreadToken(viewerID int64, st store.UnreadState) string {
	var buf [32]byte
	binary.BigEndian.PutUint64(buf[0:], uint64(viewerID))
	binary.BigEndian.PutUint64(buf[8:], uint64(st.Total))
	binary.BigEndian.PutUint64(buf[16:], uint64(st.MaxID))
	var last int64
	if !st.LastChange.IsZero() {
		last = st.LastChange.UnixNano()
	}
	binary.BigEndian.PutUint64(buf[24:], uint64(last))
	sum := blake3.Sum256(buf[:])
	return hex.EncodeToString(sum[:16])
}
