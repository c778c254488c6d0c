package forest

import (
	"context"
	"time"
)

type callerKey struct{}

// DetachCall returns a context for one remote call that survives cancellation
// of ctx and ends after timeout. The caller's context stays reachable through
// Caller so transports can stop retrying once the caller is gone.
func DetachCall(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	detached := context.WithValue(context.WithoutCancel(ctx), callerKey{}, ctx)
	return context.WithTimeout(detached, timeout)
}

// Caller returns the context a call was detached from, or ctx itself.
func Caller(ctx context.Context) context.Context {
	if c, ok := ctx.Value(callerKey{}).(context.Context); ok {
		return c
	}
	return ctx
}
