// Package jobs runs one reconstruction end to end: cache lookup, the
// reconstruction itself, run history, cache fill and completion events.
// Both the HTTP API and the queue worker go through it.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/example/threadrecon/internal/platform/events"
	"github.com/example/threadrecon/services/reconstructor/internal/cache"
	"github.com/example/threadrecon/services/reconstructor/internal/metrics"
	"github.com/example/threadrecon/services/reconstructor/internal/queue"
	"github.com/example/threadrecon/services/reconstructor/internal/recon"
	"github.com/example/threadrecon/services/reconstructor/internal/reddit"
	"github.com/example/threadrecon/services/reconstructor/internal/store"
)

// persistTimeout bounds saving a run and filling the cache after the
// reconstruction itself finished or timed out.
const persistTimeout = 5 * time.Second

// Reconstructor is the subset of *recon.Reconstructor used here.
type Reconstructor interface {
	Reconstruct(ctx context.Context, postRef string) (*recon.Result, error)
}

type Request struct {
	PostRef   string
	RequestID string
	Source    string
	// Refresh skips the cache lookup.
	Refresh bool
}

type Outcome struct {
	Result *recon.Result
	Cached bool
	// Shared is set when the call joined a reconstruction already running
	// for the same post.
	Shared bool
	RunID  string
}

type Reconstruct struct {
	Recon   Reconstructor
	Cache   cache.Cache
	Runs    store.RunStore
	Events  *events.Publisher
	Metrics *metrics.Metrics
	Log     *zap.Logger
	// Timeout bounds one reconstruction independently of the caller.
	Timeout time.Duration

	group singleflight.Group
}

// Run returns a reconstruction for req.PostRef. Concurrent requests for the
// same post share one reconstruction; a caller whose ctx ends stops waiting
// but does not cancel the shared work.
func (j *Reconstruct) Run(ctx context.Context, req Request) (Outcome, error) {
	log := j.logger()
	postID, err := reddit.ParsePostRef(req.PostRef)
	if err != nil {
		return Outcome{}, err
	}

	if !req.Refresh && j.Cache != nil {
		e, ok, err := j.Cache.Get(ctx, postID)
		if err != nil {
			log.Warn("cache get", zap.String("post_id", postID), zap.Error(err))
		}
		j.Metrics.CacheLookup(ok)
		if ok {
			return Outcome{Result: e.Result(), Cached: true}, nil
		}
	}

	ch := j.group.DoChan(postID, func() (any, error) {
		return j.reconstruct(postID, req)
	})
	select {
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return Outcome{}, r.Err
		}
		out := r.Val.(Outcome)
		out.Shared = r.Shared
		return out, nil
	}
}

func (j *Reconstruct) reconstruct(postID string, req Request) (Outcome, error) {
	log := j.logger()
	timeout := j.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	res, err := j.Recon.Reconstruct(ctx, req.PostRef)
	took := time.Since(start)
	j.Metrics.Reconstruction(req.Source, err, took)

	// The job deadline may already have passed; recording the outcome gets
	// its own short window.
	saveCtx, saveCancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer saveCancel()

	out := Outcome{Result: res}
	if j.Runs != nil {
		run, serr := j.Runs.Save(saveCtx, store.NewRun(postID, req.PostRef, req.Source, res, err, took))
		if serr != nil {
			log.Warn("save run", zap.String("post_id", postID), zap.Error(serr))
		}
		out.RunID = run.ID
	}

	if err != nil {
		j.Events.Publish(events.SubjectReconFailed, "recon.failed", req.RequestID, map[string]any{
			"post_id": postID,
			"source":  req.Source,
			"error":   err.Error(),
		})
		return Outcome{}, err
	}

	if j.Cache != nil {
		if cerr := j.Cache.Set(saveCtx, postID, cache.FromResult(res)); cerr != nil {
			log.Warn("cache set", zap.String("post_id", postID), zap.Error(cerr))
		}
	}
	j.Events.Publish(events.SubjectReconCompleted, "recon.completed", req.RequestID, map[string]any{
		"post_id":        res.Post.ID,
		"run_id":         out.RunID,
		"source":         req.Source,
		"sort":           string(res.Query.Sort),
		"supplemental":   res.Supplemental,
		"resolved_count": res.ResolvedCount,
		"reported_total": res.Post.ReportedTotal,
		"coverage":       res.Coverage(),
		"duration_ms":    took.Milliseconds(),
	})
	return out, nil
}

// HandleJob adapts Run to the queue worker. A failure is retried only when
// the remote looked unhealthy; anything else goes to the DLQ.
func (j *Reconstruct) HandleJob(ctx context.Context, job queue.ReconstructJob) error {
	_, err := j.Run(ctx, Request{
		PostRef:   job.PostRef,
		RequestID: job.RequestID,
		Source:    store.SourceQueue,
		Refresh:   job.Refresh,
	})
	if err == nil || retryable(err) {
		return err
	}
	return fmt.Errorf("%w: %w", queue.ErrPermanent, err)
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, gobreaker.ErrOpenState) {
		return true
	}
	var se *reddit.StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	var ne net.Error
	return errors.As(err, &ne)
}

func (j *Reconstruct) logger() *zap.Logger {
	if j.Log == nil {
		return zap.NewNop()
	}
	return j.Log
}
