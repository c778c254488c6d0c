// Package recon reconstructs the comment forest of a post by trying several
// server-side orderings and keeping the one that resolves the most comments.
package recon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/threadrecon/services/reconstructor/internal/expand"
	"github.com/example/threadrecon/services/reconstructor/internal/forest"
)

// ErrReconstructionFailed is returned when no attempt produced a forest.
var ErrReconstructionFailed = errors.New("reconstruction failed")

// FailedError is the concrete ErrReconstructionFailed. It keeps the attempt
// log so failed runs can be recorded like successful ones.
type FailedError struct {
	PostRef  string
	Attempts []Attempt
	// Err joins the attempt errors; nil when nothing was attempted.
	Err error
}

func (e *FailedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v: post %s", ErrReconstructionFailed, e.PostRef)
	}
	return fmt.Sprintf("%v: post %s: %v", ErrReconstructionFailed, e.PostRef, e.Err)
}

func (e *FailedError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrReconstructionFailed}
	}
	return []error{ErrReconstructionFailed, e.Err}
}

// TreeFetcher loads the raw [post, comments] payload for one query.
type TreeFetcher interface {
	FetchTree(ctx context.Context, postRef string, q forest.Query) ([]byte, error)
}

// Observer receives attempt and children-call events.
type Observer interface {
	expand.Observer
	ObserveAttempt(a Attempt)
}

// Attempt records one fetch strategy.
type Attempt struct {
	Query        forest.Query  `json:"query"`
	Supplemental bool          `json:"supplemental"`
	Resolved     int           `json:"resolved"`
	Reported     int           `json:"reported"`
	Coverage     float64       `json:"coverage"`
	Expansion    expand.Stats  `json:"expansion"`
	Err          string        `json:"error,omitempty"`
	Duration     time.Duration `json:"duration"`
}

func (a Attempt) Failed() bool { return a.Err != "" }

// Result is the best reconstruction found.
type Result struct {
	Post          forest.PostSummary
	Forest        *forest.Forest
	ResolvedCount int
	Query         forest.Query
	Supplemental  bool
	Attempts      []Attempt
}

// Coverage is ResolvedCount over the post's reported total. A post that
// reports no comments is fully covered.
func (r *Result) Coverage() float64 {
	return coverage(r.ResolvedCount, r.Post.ReportedTotal)
}

func coverage(resolved, reported int) float64 {
	if reported <= 0 {
		return 1
	}
	return float64(resolved) / float64(reported)
}

type candidate struct {
	post         forest.PostSummary
	forest       *forest.Forest
	resolved     int
	query        forest.Query
	supplemental bool
}

func (c *candidate) coverage() float64 { return coverage(c.resolved, c.post.ReportedTotal) }

// better reports whether c strictly improves on incumbent.
func (c *candidate) better(incumbent *candidate) bool {
	return c != nil && (incumbent == nil || c.resolved > incumbent.resolved)
}

type Reconstructor struct {
	cfg      Config
	trees    TreeFetcher
	children expand.ChildrenFetcher
	engine   *expand.Engine
	log      *zap.Logger
	observer Observer
}

type Option func(*Reconstructor)

func WithLogger(log *zap.Logger) Option {
	return func(r *Reconstructor) { r.log = log }
}

func WithObserver(o Observer) Option {
	return func(r *Reconstructor) { r.observer = o }
}

func New(trees TreeFetcher, children expand.ChildrenFetcher, cfg Config, opts ...Option) (*Reconstructor, error) {
	if trees == nil || children == nil {
		return nil, errors.New("recon: tree and children fetchers are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("recon: invalid config: %w", err)
	}
	r := &Reconstructor{cfg: cfg, trees: trees, children: children, log: zap.NewNop()}
	for _, o := range opts {
		o(r)
	}
	eopts := []expand.Option{expand.WithLogger(r.log)}
	if r.observer != nil {
		eopts = append(eopts, expand.WithObserver(r.observer))
	}
	r.engine = expand.New(eopts...)
	return r, nil
}

func (r *Reconstructor) Config() Config { return r.cfg }

// Reconstruct returns the best forest any strategy produced. Low coverage is
// not an error; only the failure of every attempt is, reported as a
// *FailedError.
func (r *Reconstructor) Reconstruct(ctx context.Context, postRef string) (*Result, error) {
	var (
		best     *candidate
		attempts []Attempt
		errs     []error
	)
	if r.cfg.Parallelism > 1 {
		best, attempts, errs = r.runParallel(ctx, postRef)
	} else {
		best, attempts, errs = r.runSequential(ctx, postRef)
	}

	reached := best != nil && best.coverage() >= r.cfg.CoverageStopRatio
	if !reached && (best == nil || best.coverage() < r.cfg.SupplementalThresholdRatio) && ctx.Err() == nil {
		sort := r.cfg.Orderings[0]
		if best != nil {
			sort = best.query.Sort
		}
		r.log.Info("recon: supplemental pass",
			zap.String("post_ref", postRef),
			zap.String("sort", string(sort)),
			zap.Int("best_resolved", resolvedOf(best)))
		best, attempts, errs = r.runSupplemental(ctx, postRef, sort, best, attempts, errs)
	}

	if best == nil {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
		}
		return nil, &FailedError{PostRef: postRef, Attempts: attempts, Err: errors.Join(errs...)}
	}

	res := &Result{
		Post:          best.post,
		Forest:        best.forest,
		ResolvedCount: best.resolved,
		Query:         best.query,
		Supplemental:  best.supplemental,
		Attempts:      attempts,
	}
	r.log.Info("recon: done",
		zap.String("post_id", res.Post.ID),
		zap.String("sort", string(res.Query.Sort)),
		zap.Int("resolved", res.ResolvedCount),
		zap.Int("reported", res.Post.ReportedTotal),
		zap.Float64("coverage", res.Coverage()),
		zap.Int("attempts", len(attempts)))
	return res, nil
}

func (r *Reconstructor) runSequential(ctx context.Context, postRef string) (*candidate, []Attempt, []error) {
	var (
		best     *candidate
		attempts []Attempt
		errs     []error
	)
	for i, sort := range r.cfg.Orderings {
		if i > 0 && !sleep(ctx, r.cfg.AttemptDelay) {
			break
		}
		if ctx.Err() != nil {
			break
		}
		q := r.cfg.Query
		q.Sort = sort
		cand, a, err := r.attempt(ctx, postRef, q, false)
		attempts = append(attempts, a)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if cand.better(best) {
			best = cand
		}
		if best.coverage() >= r.cfg.CoverageStopRatio {
			break
		}
	}
	return best, attempts, errs
}

// runParallel runs orderings on a bounded pool. The first attempt reaching
// the stop ratio cancels the rest; attempts already running finish with what
// they have.
func (r *Reconstructor) runParallel(ctx context.Context, postRef string) (*candidate, []Attempt, []error) {
	actx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		ran  bool
		cand *candidate
		a    Attempt
		err  error
	}
	results := make([]outcome, len(r.cfg.Orderings))
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(r.cfg.Parallelism)
	for i, sort := range r.cfg.Orderings {
		i, sort := i, sort
		if actx.Err() != nil {
			break
		}
		g.Go(func() error {
			if actx.Err() != nil {
				return nil
			}
			q := r.cfg.Query
			q.Sort = sort
			cand, a, err := r.attempt(actx, postRef, q, false)

			mu.Lock()
			defer mu.Unlock()
			results[i] = outcome{ran: true, cand: cand, a: a, err: err}
			if err == nil && cand.coverage() >= r.cfg.CoverageStopRatio {
				cancel()
			}
			return nil
		})
	}
	_ = g.Wait()

	var (
		best     *candidate
		attempts []Attempt
		errs     []error
	)
	for _, o := range results {
		if !o.ran {
			continue
		}
		attempts = append(attempts, o.a)
		if o.err != nil {
			errs = append(errs, o.err)
			continue
		}
		if o.cand.better(best) {
			best = o.cand
		}
	}
	return best, attempts, errs
}

func (r *Reconstructor) runSupplemental(ctx context.Context, postRef string, sort forest.Sort, best *candidate, attempts []Attempt, errs []error) (*candidate, []Attempt, []error) {
	for i, q := range r.cfg.SupplementalQueries {
		if (i > 0 || len(attempts) > 0) && !sleep(ctx, r.cfg.AttemptDelay) {
			break
		}
		q.Sort = sort
		cand, a, err := r.attempt(ctx, postRef, q, true)
		attempts = append(attempts, a)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if cand.better(best) {
			best = cand
		}
		if best.coverage() >= r.cfg.CoverageStopRatio {
			break
		}
	}
	return best, attempts, errs
}

// attempt runs fetch, parse, expand and count for one query. The tree request
// is bounded by CallTimeout but not aborted by cancellation of ctx; expansion
// stops issuing new calls once ctx is done.
func (r *Reconstructor) attempt(ctx context.Context, postRef string, q forest.Query, supplemental bool) (*candidate, Attempt, error) {
	start := time.Now()
	a := Attempt{Query: q, Supplemental: supplemental}
	finish := func(err error) Attempt {
		a.Duration = time.Since(start)
		if err != nil {
			a.Err = err.Error()
			r.log.Warn("recon: attempt failed",
				zap.String("post_ref", postRef),
				zap.String("sort", string(q.Sort)),
				zap.Bool("supplemental", supplemental),
				zap.Error(err))
		}
		if r.observer != nil {
			r.observer.ObserveAttempt(a)
		}
		return a
	}

	raw, err := r.fetchTree(ctx, postRef, q)
	if err != nil {
		return nil, finish(err), err
	}
	post, f, err := forest.Parse(raw)
	if err != nil {
		err = fmt.Errorf("parse %s: %w", q, err)
		return nil, finish(err), err
	}

	a.Expansion = r.engine.Expand(ctx, f, post.ID, r.children, r.cfg.expandOptions())
	cand := &candidate{
		post:         post,
		forest:       f,
		resolved:     forest.Resolved(f),
		query:        q,
		supplemental: supplemental,
	}
	a.Resolved = cand.resolved
	a.Reported = post.ReportedTotal
	a.Coverage = cand.coverage()
	r.log.Debug("recon: attempt",
		zap.String("post_id", post.ID),
		zap.String("sort", string(q.Sort)),
		zap.Int("depth", q.Depth),
		zap.Int("limit", q.Limit),
		zap.Int("resolved", a.Resolved),
		zap.Int("reported", a.Reported),
		zap.Int("stub_count", a.Expansion.Remaining))
	return cand, finish(nil), nil
}

func (r *Reconstructor) fetchTree(ctx context.Context, postRef string, q forest.Query) ([]byte, error) {
	timeout := r.cfg.CallTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	callCtx, cancel := forest.DetachCall(ctx, timeout)
	defer cancel()

	raw, err := r.trees.FetchTree(callCtx, postRef, q)
	if err != nil {
		var rfe *forest.RemoteFetchError
		if errors.As(err, &rfe) {
			return nil, err
		}
		return nil, &forest.RemoteFetchError{Op: forest.OpFetchTree, PostID: postRef, Sort: q.Sort, Err: err}
	}
	return raw, nil
}

// sleep waits d unless ctx ends first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func resolvedOf(c *candidate) int {
	if c == nil {
		return 0
	}
	return c.resolved
}
