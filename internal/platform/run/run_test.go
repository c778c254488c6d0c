package run

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"go.uber.org/zap"
)

func TestRun_HooksReverseOrder(t *testing.T) {
	r := New(zap.NewNop())
	var order []string
	r.OnShutdown("first", func(context.Context) error { order = append(order, "first"); return nil })
	r.OnShutdown("second", func(context.Context) error { order = append(order, "second"); return errors.New("ignored") })

	code := r.run(context.Background(), func(context.Context) error { return http.ErrServerClosed })
	if code != 0 {
		t.Fatalf("expected 0, got %d", code)
	}
	if len(order) != 2 || order[0] != "second" || order[1] != "first" {
		t.Fatalf("unexpected hook order %v", order)
	}

	r.Graceful()
	if len(order) != 2 {
		t.Fatal("hooks ran twice")
	}
}

func TestRun_StartError(t *testing.T) {
	r := New(zap.NewNop())
	code := r.run(context.Background(), func(context.Context) error { return errors.New("boom") })
	if code != 1 {
		t.Fatalf("expected 1, got %d", code)
	}
}

func TestRun_Cancelled(t *testing.T) {
	r := New(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ran := false
	r.OnShutdown("x", func(context.Context) error { ran = true; return nil })
	code := r.run(ctx, func(ctx context.Context) error { <-ctx.Done(); return nil })
	if code != 0 || !ran {
		t.Fatalf("code=%d ran=%v", code, ran)
	}
}
