package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

type Limiter struct {
	l *rate.Limiter
}

// NewRPS creates a token bucket allowing rps operations per second with the
// given burst. Non-positive rps disables limiting.
func NewRPS(rps float64, burst int) *Limiter {
	if rps <= 0 {
		return &Limiter{}
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{l: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil || l.l == nil {
		return ctx.Err()
	}
	return l.l.Wait(ctx)
}
