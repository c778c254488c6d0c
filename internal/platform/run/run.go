package run

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

type Runner struct {
	Logger          *zap.Logger
	ShutdownTimeout time.Duration

	hooks []hook
}

type hook struct {
	name string
	fn   func(context.Context) error
}

func New(log *zap.Logger) *Runner {
	return &Runner{Logger: log, ShutdownTimeout: 10 * time.Second}
}

// OnShutdown registers fn to run after start returns or a signal arrives.
// Hooks run in reverse registration order and share ShutdownTimeout.
func (r *Runner) OnShutdown(name string, fn func(context.Context) error) {
	r.hooks = append(r.hooks, hook{name: name, fn: fn})
}

// WithSignals runs start until it returns or SIGINT/SIGTERM arrives, then runs
// the shutdown hooks. It returns the process exit code.
func (r *Runner) WithSignals(start func(ctx context.Context) error) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return r.run(ctx, start)
}

func (r *Runner) run(ctx context.Context, start func(ctx context.Context) error) int {
	errCh := make(chan error, 1)
	go func() {
		errCh <- start(ctx)
	}()

	code := 0
	select {
	case <-ctx.Done():
		r.Logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.Logger.Error("service exited with error", zap.Error(err))
			code = 1
		}
	}
	r.Graceful()
	return code
}

// Graceful runs the registered hooks once.
func (r *Runner) Graceful() {
	hooks := r.hooks
	r.hooks = nil
	if len(hooks) == 0 {
		return
	}
	c, cancel := context.WithTimeout(context.Background(), r.ShutdownTimeout)
	defer cancel()
	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		if err := h.fn(c); err != nil {
			r.Logger.Warn("shutdown hook failed", zap.String("hook", h.name), zap.Error(err))
		}
	}
}

func Exit(code int) {
	os.Exit(code)
}
