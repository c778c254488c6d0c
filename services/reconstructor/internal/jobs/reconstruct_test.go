package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/threadrecon/services/reconstructor/internal/cache"
	"github.com/example/threadrecon/services/reconstructor/internal/forest"
	"github.com/example/threadrecon/services/reconstructor/internal/metrics"
	"github.com/example/threadrecon/services/reconstructor/internal/queue"
	"github.com/example/threadrecon/services/reconstructor/internal/recon"
	"github.com/example/threadrecon/services/reconstructor/internal/reddit"
	"github.com/example/threadrecon/services/reconstructor/internal/store"
)

type fakeRecon struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	err     error
}

func (f *fakeRecon) Reconstruct(ctx context.Context, postRef string) (*recon.Result, error) {
	f.calls.Add(1)
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return nil, f.err
	}
	id, _ := reddit.ParsePostRef(postRef)
	return &recon.Result{
		Post: forest.PostSummary{ID: id, Title: "t", ReportedTotal: 2},
		Forest: forest.FromTrees([]forest.Tree{
			forest.CommentTree(forest.Comment{ID: "a", Author: "x", Body: "hi"}),
		}),
		ResolvedCount: 1,
		Query:         forest.Query{Sort: forest.SortTop, Depth: 25, Limit: 1000},
	}, nil
}

func newJob(r Reconstructor) (*Reconstruct, *store.InMemoryRunStore, *metrics.Metrics) {
	runs := store.NewInMemoryRunStore()
	m := metrics.New(prometheus.NewRegistry())
	return &Reconstruct{
		Recon:   r,
		Cache:   cache.NewMemoryCache(time.Minute),
		Runs:    runs,
		Metrics: m,
		Timeout: 5 * time.Second,
	}, runs, m
}

func TestRun_CachesResult(t *testing.T) {
	fr := &fakeRecon{}
	j, runs, m := newJob(fr)
	ctx := context.Background()

	out, err := j.Run(ctx, Request{PostRef: "https://www.reddit.com/r/go/comments/abc/x/", Source: store.SourceHTTP})
	require.NoError(t, err)
	assert.False(t, out.Cached)
	assert.NotEmpty(t, out.RunID)
	assert.Equal(t, 1, out.Result.ResolvedCount)

	out, err = j.Run(ctx, Request{PostRef: "abc", Source: store.SourceHTTP})
	require.NoError(t, err)
	assert.True(t, out.Cached)
	assert.Equal(t, "hi", forest.Flatten(out.Result.Forest)[0].Body)
	assert.Equal(t, int32(1), fr.calls.Load())

	list, err := runs.ListByPost(ctx, "abc", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, store.SourceHTTP, list[0].Source)
	assert.Equal(t, 0.5, list[0].Coverage)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reconstructions.WithLabelValues(store.SourceHTTP, "ok")))
}

func TestRun_RefreshBypassesCache(t *testing.T) {
	fr := &fakeRecon{}
	j, _, _ := newJob(fr)
	for i := 0; i < 2; i++ {
		out, err := j.Run(context.Background(), Request{PostRef: "abc", Refresh: true})
		require.NoError(t, err)
		assert.False(t, out.Cached)
	}
	assert.Equal(t, int32(2), fr.calls.Load())
}

func TestRun_ConcurrentRequestsShareWork(t *testing.T) {
	fr := &fakeRecon{started: make(chan struct{}, 4), release: make(chan struct{})}
	j, _, _ := newJob(fr)

	var wg sync.WaitGroup
	results := make([]Outcome, 2)
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = j.Run(context.Background(), Request{PostRef: "abc"})
	}()
	<-fr.started
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], errs[1] = j.Run(context.Background(), Request{PostRef: "t3_abc"})
	}()
	time.Sleep(50 * time.Millisecond)
	close(fr.release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, int32(1), fr.calls.Load())
	assert.Equal(t, "abc", results[1].Result.Post.ID)
}

func TestRun_CallerCancelDoesNotAbortWork(t *testing.T) {
	fr := &fakeRecon{started: make(chan struct{}, 1), release: make(chan struct{})}
	j, runs, _ := newJob(fr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := j.Run(ctx, Request{PostRef: "abc"})
		done <- err
	}()
	<-fr.started
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(fr.release)
	require.Eventually(t, func() bool {
		_, ok, _ := j.Cache.Get(context.Background(), "abc")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	list, err := runs.ListByPost(context.Background(), "abc", 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRun_InvalidRef(t *testing.T) {
	fr := &fakeRecon{}
	j, _, _ := newJob(fr)
	_, err := j.Run(context.Background(), Request{PostRef: "https://example.com/x"})
	assert.ErrorIs(t, err, reddit.ErrInvalidPostRef)
	assert.Zero(t, fr.calls.Load())
}

func TestRun_FailureIsRecordedNotCached(t *testing.T) {
	fr := &fakeRecon{err: &recon.FailedError{
		PostRef:  "abc",
		Attempts: []recon.Attempt{{Query: forest.Query{Sort: forest.SortTop}, Err: "boom"}},
		Err:      errors.New("boom"),
	}}
	j, runs, m := newJob(fr)

	_, err := j.Run(context.Background(), Request{PostRef: "abc", Source: store.SourceQueue})
	require.ErrorIs(t, err, recon.ErrReconstructionFailed)

	list, err := runs.ListByPost(context.Background(), "abc", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Contains(t, list[0].Error, "boom")
	require.Len(t, list[0].Attempts, 1)
	assert.Equal(t, forest.SortTop, list[0].Attempts[0].Query.Sort)

	_, ok, err := j.Cache.Get(context.Background(), "abc")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reconstructions.WithLabelValues(store.SourceQueue, "error")))
}

// ctxRunStore fails like pgx once its context is done.
type ctxRunStore struct {
	*store.InMemoryRunStore
}

func (s ctxRunStore) Save(ctx context.Context, r store.Run) (store.Run, error) {
	if err := ctx.Err(); err != nil {
		return store.Run{}, err
	}
	return s.InMemoryRunStore.Save(ctx, r)
}

type blockingRecon struct{}

func (blockingRecon) Reconstruct(ctx context.Context, postRef string) (*recon.Result, error) {
	<-ctx.Done()
	return nil, &recon.FailedError{PostRef: postRef, Err: ctx.Err()}
}

func TestRun_TimedOutRunIsRecorded(t *testing.T) {
	j, _, _ := newJob(blockingRecon{})
	runs := ctxRunStore{store.NewInMemoryRunStore()}
	j.Runs = runs
	j.Timeout = 20 * time.Millisecond

	_, err := j.Run(context.Background(), Request{PostRef: "abc", Source: store.SourceHTTP})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	list, err := runs.ListByPost(context.Background(), "abc", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Contains(t, list[0].Error, "deadline exceeded")
}

func TestHandleJob_Classification(t *testing.T) {
	remote := func(code int) error {
		return fmt.Errorf("%w: %w", recon.ErrReconstructionFailed, errors.Join(
			&forest.RemoteFetchError{Op: forest.OpFetchTree, PostID: "abc", Sort: forest.SortTop, Err: &reddit.StatusError{Code: code}},
		))
	}
	cases := []struct {
		name      string
		ref       string
		err       error
		permanent bool
	}{
		{name: "ok", ref: "abc"},
		{name: "bad ref", ref: "not a ref!", permanent: true},
		{name: "server error", ref: "abc", err: remote(503)},
		{name: "rate limited", ref: "abc", err: remote(429)},
		{name: "not found", ref: "abc", err: remote(404), permanent: true},
		{name: "malformed", ref: "abc", err: fmt.Errorf("%w: %w", recon.ErrReconstructionFailed, forest.ErrMalformedResponse), permanent: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			j, _, _ := newJob(&fakeRecon{err: tc.err})
			err := j.HandleJob(context.Background(), queue.ReconstructJob{PostRef: tc.ref, Refresh: true})
			if tc.err == nil && !tc.permanent {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tc.permanent, errors.Is(err, queue.ErrPermanent))
		})
	}
}
