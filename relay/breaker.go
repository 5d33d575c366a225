package relay

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerClient gates Send through a circuit breaker. While the breaker is
// open, sends short-circuit to a transient failure and the rows stay queued.
// Ping bypasses the breaker; the heartbeat is its own probe.
type BreakerClient struct {
	inner Deliverer
	cb    *gobreaker.CircuitBreaker
}

func NewBreakerClient(inner Deliverer) *BreakerClient {
	return &BreakerClient{
		inner: inner,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "delivery",
			MaxRequests: 1,
			Interval:    0,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (b *BreakerClient) Send(ctx context.Context, ev Event, accessToken string) Outcome {
	res, err := b.cb.Execute(func() (any, error) {
		out := b.inner.Send(ctx, ev, accessToken)
		if out.Status == StatusTransient {
			return out, out.Err
		}
		return out, nil
	})
	if err != nil {
		// Either the breaker is open or the wrapped send failed in transit.
		if out, ok := res.(Outcome); ok {
			return out
		}
		return TransientOutcome(err)
	}
	return res.(Outcome)
}

func (b *BreakerClient) Ping(ctx context.Context, accessToken string) Outcome {
	return b.inner.Ping(ctx, accessToken)
}
