package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flaky struct {
	err   error
	calls int
}

func (f *flaky) Send(ctx context.Context, ev Event) error {
	f.calls++
	return f.err
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	backend := &flaky{err: errors.New("queue down")}
	b := NewBreaker("test", backend, 3)

	for i := 0; i < 3; i++ {
		err := b.Send(context.Background(), Event{Kind: KindQuoteExpired, UserID: 1})
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())

	err := b.Send(context.Background(), Event{Kind: KindQuoteExpired, UserID: 1})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 3, backend.calls, "open breaker must not reach the backend")
}

func TestBreakerPassesThroughSuccess(t *testing.T) {
	backend := &flaky{}
	b := NewBreaker("test", backend, 0)

	require.NoError(t, b.Send(context.Background(), Event{Kind: KindQuoteExpiringSoon, UserID: 7}))
	assert.Equal(t, 1, backend.calls)
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestLogNeverFails(t *testing.T) {
	require.NoError(t, Log{}.Send(context.Background(), Event{Kind: KindQuoteExpired, UserID: 2}))
}
