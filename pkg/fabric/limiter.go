package fabric

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/helm-fabric/pkg/kernel"
)

// producerLimiter holds one token bucket per producer worldline.
type producerLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[kernel.WorldlineID]*rate.Limiter
}

func newProducerLimiter(perSecond float64, burst int) *producerLimiter {
	if burst < 1 {
		burst = 1
	}
	return &producerLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[kernel.WorldlineID]*rate.Limiter),
	}
}

func (l *producerLimiter) allow(id kernel.WorldlineID) bool {
	l.mu.Lock()
	lim, ok := l.limiters[id]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[id] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
