package gateway

import (
	"math"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// IngressLimiter is a gateway-wide token bucket checked before the
// per-connection limiter. A zero rate disables it.
type IngressLimiter struct {
	limiter atomic.Pointer[rate.Limiter]
}

// NewIngressLimiter creates a global limiter. perSecond <= 0 disables it.
func NewIngressLimiter(perSecond float64, burst int) *IngressLimiter {
	l := &IngressLimiter{}
	l.Set(perSecond, burst)
	return l
}

// Set replaces the bucket. Tokens accumulated under the old settings are discarded.
func (l *IngressLimiter) Set(perSecond float64, burst int) {
	if perSecond <= 0 {
		l.limiter.Store(nil)
		return
	}
	if burst <= 0 {
		burst = int(math.Ceil(perSecond))
	}
	l.limiter.Store(rate.NewLimiter(rate.Limit(perSecond), burst))
}

// Enabled reports whether a global limit is in force.
func (l *IngressLimiter) Enabled() bool {
	return l.limiter.Load() != nil
}

// Allow takes one token, reporting false when the bucket is empty.
func (l *IngressLimiter) Allow() bool {
	lim := l.limiter.Load()
	if lim == nil {
		return true
	}
	return lim.Allow()
}
