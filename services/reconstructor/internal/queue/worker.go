// Package queue runs reconstruction jobs delivered over JetStream.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	StreamName         = "RECON"
	StreamSubjects     = "recon.>"
	SubjectReconstruct = "recon.jobs.reconstruct"
	SubjectDLQ         = "recon.jobs.dlq"
	durableReconstruct = "recon_reconstruct"
)

// ReconstructJob asks for one post to be reconstructed.
type ReconstructJob struct {
	PostRef   string `json:"post_ref"`
	RequestID string `json:"request_id,omitempty"`
	// Refresh bypasses any cached result.
	Refresh bool `json:"refresh,omitempty"`
}

// ErrPermanent marks a job failure that redelivery cannot fix.
var ErrPermanent = errors.New("permanent job failure")

type Handler func(ctx context.Context, job ReconstructJob) error

type Worker struct {
	Log     *zap.Logger
	NATS    *nats.Conn
	JS      nats.JetStreamContext
	Handler Handler

	MaxDeliver int
	FetchWait  time.Duration
	Backoff    Backoff
	Storage    nats.StorageType
}

func NewWorker(log *zap.Logger, nc *nats.Conn, handler Handler) (*Worker, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		Log:        log,
		NATS:       nc,
		JS:         js,
		Handler:    handler,
		MaxDeliver: 5,
		FetchWait:  2 * time.Second,
		Backoff:    defaultBackoff,
		Storage:    nats.FileStorage,
	}, nil
}

func (w *Worker) EnsureStream(ctx context.Context) error {
	info, err := w.JS.StreamInfo(StreamName, nats.Context(ctx))
	if err == nil {
		for _, s := range info.Config.Subjects {
			if s == StreamSubjects {
				return nil
			}
		}
		cfg := info.Config
		cfg.Subjects = []string{StreamSubjects}
		_, err := w.JS.UpdateStream(&cfg, nats.Context(ctx))
		return err
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return err
	}
	_, err = w.JS.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{StreamSubjects},
		Storage:  w.Storage,
		MaxAge:   7 * 24 * time.Hour,
	}, nats.Context(ctx))
	return err
}

// Enqueue publishes a job and waits for the stream to acknowledge it.
func (w *Worker) Enqueue(ctx context.Context, job ReconstructJob) error {
	if strings.TrimSpace(job.PostRef) == "" {
		return errors.New("post_ref is required")
	}
	b, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = w.JS.Publish(SubjectReconstruct, b, nats.Context(ctx))
	return err
}

func (w *Worker) Run(ctx context.Context) error {
	if err := w.EnsureStream(ctx); err != nil {
		return err
	}
	sub, err := w.JS.PullSubscribe(SubjectReconstruct, durableReconstruct)
	if err != nil {
		return err
	}
	return w.consumeLoop(ctx, sub)
}

func (w *Worker) consumeLoop(ctx context.Context, sub *nats.Subscription) error {
	w.Log.Info("consumer started", zap.String("subject", SubjectReconstruct))
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msgs, err := sub.Fetch(1, nats.MaxWait(w.FetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, m := range msgs {
			_ = w.handleMsg(ctx, m)
		}
	}
}

func (w *Worker) handleMsg(ctx context.Context, m *nats.Msg) error {
	md, _ := m.Metadata()
	numDelivered := uint64(1)
	if md != nil {
		numDelivered = md.NumDelivered
	}

	if w.MaxDeliver > 0 && int(numDelivered) > w.MaxDeliver {
		_ = w.publishDLQ(m.Data, fmt.Sprintf("max deliveries exceeded: %d", numDelivered))
		_ = m.Ack()
		return nil
	}

	var j ReconstructJob
	if err := json.Unmarshal(m.Data, &j); err != nil {
		w.Log.Warn("bad payload", zap.String("subject", m.Subject), zap.Error(err))
		_ = m.Ack()
		return nil
	}
	if strings.TrimSpace(j.PostRef) == "" {
		w.Log.Warn("missing post_ref", zap.String("subject", m.Subject))
		_ = m.Ack()
		return nil
	}

	if err := w.Handler(ctx, j); err != nil {
		if errors.Is(err, ErrPermanent) {
			w.Log.Warn("reconstruct job rejected", zap.String("post_ref", j.PostRef), zap.Error(err))
			_ = w.publishDLQ(m.Data, err.Error())
			_ = m.Ack()
			return err
		}
		w.Log.Warn("reconstruct job failed", zap.String("post_ref", j.PostRef), zap.Uint64("attempt", numDelivered), zap.Error(err))
		_ = m.NakWithDelay(w.Backoff.Delay(numDelivered))
		return err
	}
	_ = m.Ack()
	return nil
}

func (w *Worker) publishDLQ(data []byte, reason string) error {
	msg := map[string]any{"subject": SubjectReconstruct, "reason": reason, "payload": json.RawMessage(data)}
	b, _ := json.Marshal(msg)
	_, err := w.JS.Publish(SubjectDLQ, b)
	return err
}
