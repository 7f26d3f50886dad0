package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"booking/internal/domain"
	"booking/internal/store"
	"booking/internal/store/memstore"
)

func TestUnreadCachedUntilTTL(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.create(t)

	first, err := h.unread.Get(ctx, artist)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Total)

	// Written behind the counter's back, so nothing invalidates the cache.
	h.tx(t, func(tx store.Tx) error {
		sender := client
		_, err := tx.InsertMessage(ctx, &domain.Message{
			BookingRequestID: r.ID,
			SenderID:         &sender,
			SenderRole:       domain.RoleClient,
			Type:             domain.MessageUser,
			Visibility:       domain.VisibleToBoth,
			Content:          "side door",
			CreatedAt:        h.clock.Now(),
			UpdatedAt:        h.clock.Now(),
		})
		return err
	})

	cached, err := h.unread.Get(ctx, artist)
	require.NoError(t, err)
	assert.Equal(t, first, cached)

	h.clock.Advance(time.Minute)
	fresh, err := h.unread.Get(ctx, artist)
	require.NoError(t, err)
	assert.Equal(t, 2, fresh.Total)
	assert.NotEqual(t, first.Token, fresh.Token)
}

func TestUnreadInvalidateOnPost(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.create(t)

	before, err := h.unread.Get(ctx, artist)
	require.NoError(t, err)

	_, _, err = h.thread.Post(ctx, r.ID, client, PostInput{Content: "are you free?"})
	require.NoError(t, err)

	after, err := h.unread.Get(ctx, artist)
	require.NoError(t, err)
	assert.Equal(t, before.Total+1, after.Total)
	assert.NotEqual(t, before.Token, after.Token)
}

func TestUnreadTokenStable(t *testing.T) {
	st := store.UnreadState{Total: 4, MaxID: 17, LastChange: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	a := unreadToken(artist, st)
	assert.Equal(t, a, unreadToken(artist, st))
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, unreadToken(client, st))

	st.LastChange = st.LastChange.Add(time.Nanosecond)
	assert.NotEqual(t, a, unreadToken(artist, st))
}

func TestUnreadZeroTTLSkipsCache(t *testing.T) {
	mem := newHarness(t).mem
	u := NewUnreadCounter(mem, 0)
	got, err := u.Get(context.Background(), artist)
	require.NoError(t, err)
	assert.Zero(t, got.Total)
	assert.Empty(t, u.cache)
}

// readHookStore runs afterRead once a transaction has finished, standing in
// for a writer that commits while Get is between its read and its cache write.
type readHookStore struct {
	store.Store
	reads     int
	afterRead func()
}

func (s *readHookStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	err := s.Store.WithTx(ctx, fn)
	s.reads++
	if s.afterRead != nil {
		hook := s.afterRead
		s.afterRead = nil
		hook()
	}
	return err
}

func TestUnreadInvalidateDuringReadIsNotLost(t *testing.T) {
	ctx := context.Background()
	st := &readHookStore{Store: memstore.New()}
	c := newClock()
	u := NewUnreadCounter(st, time.Minute)
	u.Now = c.Now
	st.afterRead = func() { u.Invalidate(artist) }

	_, err := u.Get(ctx, artist)
	require.NoError(t, err)
	assert.Equal(t, 1, st.reads)

	_, err = u.Get(ctx, artist)
	require.NoError(t, err)
	assert.Equal(t, 2, st.reads, "the raced read must not have been cached")

	_, err = u.Get(ctx, artist)
	require.NoError(t, err)
	assert.Equal(t, 2, st.reads, "an undisturbed read is cached")
}
