package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/paveline/backend-pavedeck/internal/resilience"
)

// BreakerPool holds one circuit breaker per webhook endpoint so a dead
// subscriber stops consuming delivery attempts without affecting healthy ones.
type BreakerPool struct {
	mu           sync.Mutex
	breakers     map[uuid.UUID]*resilience.Breaker
	MinRequests  int
	FailureRatio float64
	OpenFor      time.Duration
}

// NewBreakerPool constructs a pool with the given trip thresholds.
func NewBreakerPool(minRequests int, failureRatio float64, openFor time.Duration) *BreakerPool {
	return &BreakerPool{
		breakers:     make(map[uuid.UUID]*resilience.Breaker),
		MinRequests:  minRequests,
		FailureRatio: failureRatio,
		OpenFor:      openFor,
	}
}

// For returns the breaker for an endpoint, creating it on first use.
func (p *BreakerPool) For(endpointID uuid.UUID) *resilience.Breaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.breakers == nil {
		p.breakers = make(map[uuid.UUID]*resilience.Breaker)
	}
	br, ok := p.breakers[endpointID]
	if !ok {
		br = resilience.NewBreaker(p.MinRequests, p.FailureRatio, p.OpenFor).
			WithTarget("webhook:" + endpointID.String())
		p.breakers[endpointID] = br
	}
	return br
}
