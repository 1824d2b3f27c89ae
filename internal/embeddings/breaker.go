package embeddings

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"aibox-memory/internal/logging"
)

// Embedder is the minimal contract the breaker wraps.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// BreakerEmbedder guards an embedder with a circuit breaker so a failing
// provider stops being hammered and callers fail fast.
type BreakerEmbedder struct {
	inner   Embedder
	breaker *gobreaker.CircuitBreaker
	logger  logging.Logger
}

// NewBreakerEmbedder wraps an embedder with a circuit breaker
func NewBreakerEmbedder(inner Embedder, logger logging.Logger) *BreakerEmbedder {
	if logger == nil {
		logger = logging.Default()
	}
	log := logger.WithComponent("embeddings_breaker")

	settings := gobreaker.Settings{
		Name:        "embeddings",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	}

	return &BreakerEmbedder{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  log,
	}
}

// Embed delegates through the breaker
func (b *BreakerEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	result, err := b.breaker.Execute(func() (interface{}, error) {
		return b.inner.Embed(ctx, text)
	})
	if err != nil {
		return nil, err
	}
	return result.([]float64), nil
}

// State reports the breaker's current state
func (b *BreakerEmbedder) State() gobreaker.State { return b.breaker.State() }
