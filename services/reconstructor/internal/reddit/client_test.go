package reddit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/threadrecon/services/reconstructor/internal/forest"
)

func TestParsePostRef(t *testing.T) {
	ok := map[string]string{
		"1abcde":      "1abcde",
		" t3_1ABCDE ": "1abcde",
		"https://www.reddit.com/r/golang/comments/1abcde/some_title/":      "1abcde",
		"https://old.reddit.com/r/golang/comments/1abcde/some_title/x9/":   "1abcde",
		"reddit.com/r/golang/comments/1abcde.json":                         "1abcde",
		"https://www.reddit.com/comments/1abcde/":                          "1abcde",
		"https://redd.it/1abcde":                                           "1abcde",
		"https://www.reddit.com/r/golang/comments/1abcde/t/?utm_source=x": "1abcde",
	}
	for in, want := range ok {
		got, err := ParsePostRef(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{"", "   ", "https://example.com/r/x/comments/abc", "https://www.reddit.com/r/golang/", "not an id!"} {
		_, err := ParsePostRef(in)
		assert.ErrorIs(t, err, ErrInvalidPostRef, in)
	}
}

func TestFetchTree_BuildsQuery(t *testing.T) {
	var gotPath, gotUA string
	var gotQuery map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query()
		gotUA = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte(`[{"kind":"Listing"}]`))
	}))
	defer srv.Close()

	c := New(ClientConfig{BaseURL: srv.URL, UserAgent: "test-agent/1"})
	b, err := c.FetchTree(context.Background(), "https://www.reddit.com/r/go/comments/abc/t/",
		forest.Query{Sort: forest.SortTop, Depth: 25, Limit: 1000, ShowMore: true})
	require.NoError(t, err)

	assert.Equal(t, `[{"kind":"Listing"}]`, string(b))
	assert.Equal(t, "/comments/abc.json", gotPath)
	assert.Equal(t, "test-agent/1", gotUA)
	assert.Equal(t, []string{"1000"}, gotQuery["limit"])
	assert.Equal(t, []string{"25"}, gotQuery["depth"])
	assert.Equal(t, []string{"top"}, gotQuery["sort"])
	assert.Equal(t, []string{"true"}, gotQuery["showmore"])
	assert.Equal(t, []string{"1"}, gotQuery["raw_json"])
}

func TestTreeURL_OmitsShowMore(t *testing.T) {
	c := New(ClientConfig{BaseURL: "https://api.test/"})
	u := c.TreeURL("abc", forest.Query{Sort: forest.SortBest, Depth: 50, Limit: 1000})
	assert.Equal(t, "https://api.test/comments/abc.json?depth=50&limit=1000&raw_json=1&sort=best", u)
}

func TestFetchTree_RejectsBadRef(t *testing.T) {
	c := New(ClientConfig{BaseURL: "http://127.0.0.1:1"})
	_, err := c.FetchTree(context.Background(), "https://example.com/nope", forest.Query{Depth: 1, Limit: 1})
	assert.ErrorIs(t, err, ErrInvalidPostRef)
}

func TestFetchChildren(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "/api/morechildren.json", r.URL.Path)
		assert.Equal(t, "t3_p1", q.Get("link_id"))
		assert.Equal(t, "t1_a,t1_b", q.Get("children"))
		assert.Equal(t, "false", q.Get("limit_children"))
		assert.Equal(t, "json", q.Get("api_type"))
		_, _ = w.Write([]byte(`{"json":{"errors":[],"data":{"things":[
			{"kind":"t1","data":{"id":"a","parent_id":"t1_x"}},
			{"kind":"t1","data":{"id":"b","parent_id":"t1_a"}}
		]}}}`))
	}))
	defer srv.Close()

	c := New(ClientConfig{BaseURL: srv.URL})
	items, err := c.FetchChildren(context.Background(), "p1", []string{"a", "t1_b"})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "t1", items[0].Kind)

	trees, _ := forest.ParseItems(items)
	require.Len(t, trees, 1)
	assert.Equal(t, "b", trees[0].Replies[0].Comment.ID)
}

func TestFetchChildren_APIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"json":{"errors":[["RATELIMIT","slow down","ratelimit"]]}}`))
	}))
	defer srv.Close()

	c := New(ClientConfig{BaseURL: srv.URL})
	_, err := c.FetchChildren(context.Background(), "p1", []string{"a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RATELIMIT")

	items, err := c.FetchChildren(context.Background(), "p1", nil)
	assert.NoError(t, err)
	assert.Nil(t, items)
}

func TestRetryOnServerError(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := New(ClientConfig{BaseURL: srv.URL, MaxRetries: 3, RetryBaseDelay: time.Millisecond})
	_, err := c.FetchTree(context.Background(), "abc", forest.Query{Depth: 1, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, int32(3), hits.Load())
}

func TestCallerCancelStopsRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(ClientConfig{BaseURL: srv.URL, MaxRetries: 2, RetryBaseDelay: 100 * time.Millisecond})
	caller, cancel := context.WithCancel(context.Background())
	callCtx, stop := forest.DetachCall(caller, time.Minute)
	defer stop()
	time.AfterFunc(30*time.Millisecond, cancel)

	start := time.Now()
	_, err := c.FetchTree(callCtx, "abc", forest.Query{Depth: 1, Limit: 1})
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 90*time.Millisecond)
	assert.Equal(t, int32(1), hits.Load())
	assert.NoError(t, callCtx.Err())
}

func TestNoRetryOnClientError(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(ClientConfig{BaseURL: srv.URL, MaxRetries: 3, RetryBaseDelay: time.Millisecond})
	_, err := c.FetchTree(context.Background(), "abc", forest.Query{Depth: 1, Limit: 1})

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Code)
	assert.False(t, IsOutage(err))
	assert.Equal(t, int32(1), hits.Load())
}

func TestCircuitBreakerOpens(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:         "reddit-test",
		Timeout:      time.Minute,
		ReadyToTrip:  func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 1 },
		IsSuccessful: func(err error) bool { return !IsOutage(err) },
	})
	c := New(ClientConfig{BaseURL: srv.URL}, WithCircuitBreaker(cb))

	_, err := c.FetchTree(context.Background(), "abc", forest.Query{Depth: 1, Limit: 1})
	require.Error(t, err)
	_, err = c.FetchTree(context.Background(), "abc", forest.Query{Depth: 1, Limit: 1})
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.Equal(t, int32(1), hits.Load())
}

func TestAppOnlyOAuth(t *testing.T) {
	var tokenRequests atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/access_token", func(w http.ResponseWriter, r *http.Request) {
		tokenRequests.Add(1)
		id, secret, ok := r.BasicAuth()
		if !ok || id != "cid" || secret != "csecret" {
			http.Error(w, "bad client", http.StatusUnauthorized)
			return
		}
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		assert.Equal(t, "ua/2", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok","token_type":"bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/comments/abc.json", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(ClientConfig{
		BaseURL:      srv.URL,
		TokenURL:     srv.URL + "/api/v1/access_token",
		ClientID:     "cid",
		ClientSecret: "csecret",
		UserAgent:    "ua/2",
	})
	for i := 0; i < 2; i++ {
		_, err := c.FetchTree(context.Background(), "abc", forest.Query{Depth: 1, Limit: 1})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), tokenRequests.Load())
}

func TestRetryAfterIsCapped(t *testing.T) {
	assert.Equal(t, 2*time.Second, retryAfter("2"))
	assert.Equal(t, maxRetryAfter, retryAfter("3600"))
	assert.Zero(t, retryAfter("Wed, 21 Oct 2015 07:28:00 GMT"))
}
