package notify

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"booking/internal/observability"
)

// Breaker guards a backend with a circuit breaker and a per-call timeout.
// While the circuit is open calls fail fast with gobreaker.ErrOpenState.
type Breaker struct {
	Backend string
	Next    Dispatcher
	Timeout time.Duration

	cb *gobreaker.CircuitBreaker
}

func NewBreaker(backend string, next Dispatcher, failures uint32) *Breaker {
	if failures == 0 {
		failures = 5
	}
	return &Breaker{
		Backend: backend,
		Next:    next,
		Timeout: 5 * time.Second,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "notify-" + backend,
			MaxRequests: 1,
			Timeout:     20 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= failures },
		}),
	}
}

func (b *Breaker) Send(ctx context.Context, ev Event) error {
	start := time.Now()
	_, err := b.cb.Execute(func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, b.Timeout)
		defer cancel()
		return nil, b.Next.Send(callCtx, ev)
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		observability.NotifyDispatch.WithLabelValues(b.Backend, "cb_open").Inc()
	case err != nil:
		observability.NotifyDispatch.WithLabelValues(b.Backend, "error").Inc()
	default:
		observability.NotifyDispatch.WithLabelValues(b.Backend, "ok").Inc()
		observability.NotifyLatency.Observe(time.Since(start).Seconds())
	}
	return err
}

// State exposes the breaker state for readiness checks and tests.
func (b *Breaker) State() gobreaker.State { return b.cb.State() }
