// Package expand resolves continuation stubs of a forest into real subtrees
// through the remote children endpoint, under a request budget.
package expand

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/example/threadrecon/services/reconstructor/internal/forest"
)

// Unbounded disables the expansion budget.
const Unbounded = -1

const (
	defaultFanout      = 4
	maxFanout          = 8
	defaultCallTimeout = 15 * time.Second
)

// Call outcomes reported to an Observer.
const (
	OutcomeExpanded = "expanded"
	OutcomeFailed   = "failed"
	OutcomeTimeout  = "timeout"
)

// ChildrenFetcher resolves the ids listed by one stub in a single call.
type ChildrenFetcher interface {
	FetchChildren(ctx context.Context, postID string, childIDs []string) ([]forest.Item, error)
}

// ChildrenFetcherFunc adapts a function to ChildrenFetcher.
type ChildrenFetcherFunc func(ctx context.Context, postID string, childIDs []string) ([]forest.Item, error)

func (fn ChildrenFetcherFunc) FetchChildren(ctx context.Context, postID string, childIDs []string) ([]forest.Item, error) {
	return fn(ctx, postID, childIDs)
}

// Observer receives one event per issued children call.
type Observer interface {
	ExpansionCall(outcome string, took time.Duration)
}

// Options bound one Expand invocation.
type Options struct {
	// MaxExpansions caps children calls. Negative means unbounded; zero
	// issues no calls at all.
	MaxExpansions int
	// MinReportedCount leaves smaller stubs unresolved.
	MinReportedCount int
	// Fanout is the number of calls allowed in flight (1..8, default 4).
	Fanout int
	// CallTimeout bounds each children call.
	CallTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Fanout <= 0 {
		o.Fanout = defaultFanout
	}
	if o.Fanout > maxFanout {
		o.Fanout = maxFanout
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = defaultCallTimeout
	}
	return o
}

// Stats summarises one Expand invocation.
type Stats struct {
	Attempted     int `json:"attempted"`
	Expanded      int `json:"expanded"`
	Failed        int `json:"failed"`
	SkippedSmall  int `json:"skipped_small"`
	SkippedBudget int `json:"skipped_budget"`
	SkippedRepeat int `json:"skipped_repeat"`
	Cancelled     int `json:"cancelled"`
	Inserted      int `json:"inserted"`
	Remaining     int `json:"remaining"`
}

type Engine struct {
	Log      *zap.Logger
	Observer Observer
}

// Option configures the Engine.
type Option func(*Engine)

func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) { e.Log = log }
}

func WithObserver(o Observer) Option {
	return func(e *Engine) { e.Observer = o }
}

func New(opts ...Option) *Engine {
	e := &Engine{Log: zap.NewNop()}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Expand resolves the stubs of f in place. Calls run concurrently up to
// opts.Fanout but every mutation of f happens under one lock, so f must not
// be touched by the caller until Expand returns.
//
// A failed or timed-out call leaves its stub unresolved. Cancelling ctx stops
// new calls; calls already in flight run to completion or to their timeout.
func (e *Engine) Expand(ctx context.Context, f *forest.Forest, postID string, fetcher ChildrenFetcher, opts Options) Stats {
	opts = opts.withDefaults()
	log := e.Log
	if log == nil {
		log = zap.NewNop()
	}

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		st        Stats
		attempted = make(map[forest.Ref]struct{})
		seenIDs   = make(map[string]struct{})
	)
	sem := semaphore.NewWeighted(int64(opts.Fanout))

	// schedule is called with mu held.
	var schedule func(stubs []forest.Ref)
	schedule = func(stubs []forest.Ref) {
		for _, ref := range stubs {
			if _, ok := attempted[ref]; ok {
				continue
			}
			s, ok := f.Stub(ref)
			if !ok {
				continue
			}
			attempted[ref] = struct{}{}

			switch {
			case s.ReportedCount < opts.MinReportedCount:
				st.SkippedSmall++
				continue
			case opts.MaxExpansions >= 0 && st.Attempted >= opts.MaxExpansions:
				st.SkippedBudget++
				continue
			case ctx.Err() != nil:
				st.Cancelled++
				continue
			}
			key := strings.Join(s.ChildIDs, ",")
			if _, ok := seenIDs[key]; ok {
				st.SkippedRepeat++
				continue
			}
			seenIDs[key] = struct{}{}
			st.Attempted++

			wg.Add(1)
			go func(ref forest.Ref, s forest.Stub) {
				defer wg.Done()
				items, issued, err := e.call(ctx, sem, fetcher, postID, s, opts.CallTimeout)

				mu.Lock()
				defer mu.Unlock()
				if !issued {
					st.Attempted--
					st.Cancelled++
					return
				}
				if err != nil {
					st.Failed++
					log.Warn("expand: fetch children failed",
						zap.String("post_id", postID),
						zap.String("parent_id", s.ParentID),
						zap.Int("reported_count", s.ReportedCount),
						zap.Int("child_ids", len(s.ChildIDs)),
						zap.Error(err))
					return
				}
				trees, diag := forest.ParseItems(items)
				f.Diagnostics.Add(diag)
				inserted, ok := f.Replace(ref, trees)
				if !ok {
					return
				}
				st.Expanded++
				st.Inserted += len(inserted)
				schedule(f.StubsUnder(inserted))
			}(ref, s)
		}
	}

	mu.Lock()
	schedule(f.Stubs())
	mu.Unlock()
	wg.Wait()

	st.Remaining = len(f.Stubs())
	log.Debug("expand: done",
		zap.String("post_id", postID),
		zap.Int("attempted", st.Attempted),
		zap.Int("expanded", st.Expanded),
		zap.Int("failed", st.Failed),
		zap.Int("skipped_small", st.SkippedSmall),
		zap.Int("skipped_budget", st.SkippedBudget),
		zap.Int("remaining", st.Remaining))
	return st
}

// call issues one children request. issued is false when ctx was cancelled
// before a fan-out slot freed up. The request itself is detached from ctx's
// cancellation and bounded only by timeout.
func (e *Engine) call(ctx context.Context, sem *semaphore.Weighted, fetcher ChildrenFetcher, postID string, s forest.Stub, timeout time.Duration) ([]forest.Item, bool, error) {
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, false, nil
	}
	defer sem.Release(1)
	if ctx.Err() != nil {
		return nil, false, nil
	}

	callCtx, cancel := forest.DetachCall(ctx, timeout)
	defer cancel()

	start := time.Now()
	items, err := fetcher.FetchChildren(callCtx, postID, s.ChildIDs)
	e.observe(err, time.Since(start))
	if err != nil {
		return nil, true, &forest.RemoteFetchError{Op: forest.OpFetchChildren, PostID: postID, Err: err}
	}
	return items, true, nil
}

func (e *Engine) observe(err error, took time.Duration) {
	if e.Observer == nil {
		return
	}
	switch {
	case err == nil:
		e.Observer.ExpansionCall(OutcomeExpanded, took)
	case errors.Is(err, context.DeadlineExceeded):
		e.Observer.ExpansionCall(OutcomeTimeout, took)
	default:
		e.Observer.ExpansionCall(OutcomeFailed, took)
	}
}
