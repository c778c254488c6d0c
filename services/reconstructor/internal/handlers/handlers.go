// Package handlers exposes reconstructions over HTTP.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/example/threadrecon/internal/platform/api"
	"github.com/example/threadrecon/internal/platform/auth"
	"github.com/example/threadrecon/internal/platform/httpserver"
	"github.com/example/threadrecon/services/reconstructor/internal/digest"
	"github.com/example/threadrecon/services/reconstructor/internal/forest"
	"github.com/example/threadrecon/services/reconstructor/internal/jobs"
	"github.com/example/threadrecon/services/reconstructor/internal/queue"
	"github.com/example/threadrecon/services/reconstructor/internal/recon"
	"github.com/example/threadrecon/services/reconstructor/internal/reddit"
	"github.com/example/threadrecon/services/reconstructor/internal/store"
)

// Roles allowed to force a fresh reconstruction or enqueue one.
var operatorRoles = []string{"operator", "admin"}

type Runner interface {
	Run(ctx context.Context, req jobs.Request) (jobs.Outcome, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.ReconstructJob) error
}

type API struct {
	Jobs  Runner
	Runs  store.RunStore
	Queue Enqueuer
	// Verifier enables bearer auth on every /v1 route when set.
	Verifier *auth.JWTVerifier
	// Middleware wraps the /v1 routes, e.g. per-client rate limiting.
	Middleware []func(http.Handler) http.Handler
	Log        *zap.Logger
}

func (a API) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		for _, mw := range a.Middleware {
			r.Use(mw)
		}
		if a.Verifier != nil {
			r.Use(auth.RequireCaller(*a.Verifier))
		}
		r.Get("/v1/posts/{post_ref}/forest", a.getForest)
		r.Get("/v1/posts/{post_ref}/comments", a.getComments)
		r.Get("/v1/posts/{post_ref}/digest", a.getDigest)
		r.Get("/v1/posts/{post_ref}/runs", a.listRuns)
		r.Get("/v1/runs/{run_id}", a.getRun)

		r.Group(func(r chi.Router) {
			if a.Verifier != nil {
				r.Use(auth.RequireRole(operatorRoles...))
			}
			r.Post("/v1/reconstructions", a.enqueue)
		})
	})
}

type forestResponse struct {
	Post          forest.PostSummary `json:"post"`
	Query         forest.Query       `json:"query"`
	Supplemental  bool               `json:"supplemental"`
	ResolvedCount int                `json:"resolved_count"`
	ReportedTotal int                `json:"reported_total"`
	Coverage      float64            `json:"coverage"`
	Cached        bool               `json:"cached"`
	RunID         string             `json:"run_id,omitempty"`
	Attempts      []recon.Attempt    `json:"attempts,omitempty"`
	Diagnostics   forest.Diagnostics `json:"diagnostics"`
	Trees         []forest.Tree      `json:"trees"`
}

type commentsResponse struct {
	Post          forest.PostSummary `json:"post"`
	ResolvedCount int                `json:"resolved_count"`
	ReportedTotal int                `json:"reported_total"`
	Coverage      float64            `json:"coverage"`
	Cached        bool               `json:"cached"`
	Comments      []forest.Comment   `json:"comments"`
}

// getForest handles GET /v1/posts/{post_ref}/forest
func (a API) getForest(w http.ResponseWriter, r *http.Request) {
	out, ok := a.reconstruct(w, r)
	if !ok {
		return
	}
	res := out.Result
	trees := res.Forest.Trees()
	if trees == nil {
		trees = []forest.Tree{}
	}
	api.WriteJSON(w, http.StatusOK, forestResponse{
		Post:          res.Post,
		Query:         res.Query,
		Supplemental:  res.Supplemental,
		ResolvedCount: res.ResolvedCount,
		ReportedTotal: res.Post.ReportedTotal,
		Coverage:      res.Coverage(),
		Cached:        out.Cached,
		RunID:         out.RunID,
		Attempts:      res.Attempts,
		Diagnostics:   res.Forest.Diagnostics,
		Trees:         trees,
	})
}

// getComments handles GET /v1/posts/{post_ref}/comments
func (a API) getComments(w http.ResponseWriter, r *http.Request) {
	out, ok := a.reconstruct(w, r)
	if !ok {
		return
	}
	res := out.Result
	comments := forest.Flatten(res.Forest)
	if comments == nil {
		comments = []forest.Comment{}
	}
	api.WriteJSON(w, http.StatusOK, commentsResponse{
		Post:          res.Post,
		ResolvedCount: res.ResolvedCount,
		ReportedTotal: res.Post.ReportedTotal,
		Coverage:      res.Coverage(),
		Cached:        out.Cached,
		Comments:      comments,
	})
}

// getDigest handles GET /v1/posts/{post_ref}/digest
func (a API) getDigest(w http.ResponseWriter, r *http.Request) {
	rid := httpserver.RequestIDFromContext(r.Context())
	q := r.URL.Query()
	order, err := digest.ParseOrder(q.Get("order"))
	if err != nil {
		api.BadRequest(w, "VALIDATION_ORDER", "order must be threaded or bfs", rid, map[string]any{"order": q.Get("order")})
		return
	}
	maxBody := 0
	if v := strings.TrimSpace(q.Get("max_body")); v != "" {
		if maxBody, err = strconv.Atoi(v); err != nil || maxBody < 0 {
			api.BadRequest(w, "VALIDATION_MAX_BODY", "max_body must be a non-negative integer", rid, map[string]any{"max_body": v})
			return
		}
	}

	out, ok := a.reconstruct(w, r)
	if !ok {
		return
	}
	api.WriteText(w, http.StatusOK, digest.String(out.Result.Post, out.Result.Forest, digest.Options{Order: order, MaxBodyRunes: maxBody}))
}

// reconstruct runs the job for the {post_ref} param and writes any error.
func (a API) reconstruct(w http.ResponseWriter, r *http.Request) (jobs.Outcome, bool) {
	rid := httpserver.RequestIDFromContext(r.Context())
	ref, ok := postRefParam(w, r, rid)
	if !ok {
		return jobs.Outcome{}, false
	}
	refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))
	if refresh && a.Verifier != nil && !auth.HasRole(r, operatorRoles...) {
		api.WriteError(w, http.StatusForbidden, "FORBIDDEN", "refresh requires an operator role", rid, nil)
		return jobs.Outcome{}, false
	}

	out, err := a.Jobs.Run(r.Context(), jobs.Request{
		PostRef:   ref,
		RequestID: rid,
		Source:    store.SourceHTTP,
		Refresh:   refresh,
	})
	if err != nil {
		a.writeReconError(w, rid, ref, err)
		return jobs.Outcome{}, false
	}
	return out, true
}

type enqueueRequest struct {
	PostRef string `json:"post_ref"`
	Refresh bool   `json:"refresh"`
}

// enqueue handles POST /v1/reconstructions
func (a API) enqueue(w http.ResponseWriter, r *http.Request) {
	rid := httpserver.RequestIDFromContext(r.Context())
	if a.Queue == nil {
		api.Unavailable(w, "QUEUE_DISABLED", "background reconstruction is not enabled", rid)
		return
	}
	var body enqueueRequest
	if !decodeJSON(w, r, rid, &body) {
		return
	}
	postID, err := reddit.ParsePostRef(body.PostRef)
	if err != nil {
		api.BadRequest(w, "INVALID_POST_REF", "post_ref must be a post URL or id", rid, map[string]any{"post_ref": body.PostRef})
		return
	}
	if err := a.Queue.Enqueue(r.Context(), queue.ReconstructJob{PostRef: body.PostRef, RequestID: rid, Refresh: body.Refresh}); err != nil {
		a.logger().Error("enqueue", zap.String("post_id", postID), zap.Error(err))
		api.Unavailable(w, "ENQUEUE_FAILED", "could not enqueue reconstruction", rid)
		return
	}
	api.WriteJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "post_id": postID, "request_id": rid})
}

// listRuns handles GET /v1/posts/{post_ref}/runs
func (a API) listRuns(w http.ResponseWriter, r *http.Request) {
	rid := httpserver.RequestIDFromContext(r.Context())
	ref, ok := postRefParam(w, r, rid)
	if !ok {
		return
	}
	postID, err := reddit.ParsePostRef(ref)
	if err != nil {
		api.BadRequest(w, "INVALID_POST_REF", "post_ref must be a post URL or id", rid, map[string]any{"post_ref": ref})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := a.Runs.ListByPost(r.Context(), postID, limit)
	if err != nil {
		a.logger().Error("list runs", zap.String("post_id", postID), zap.Error(err))
		api.Internal(w, rid)
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// getRun handles GET /v1/runs/{run_id}
func (a API) getRun(w http.ResponseWriter, r *http.Request) {
	rid := httpserver.RequestIDFromContext(r.Context())
	id := strings.TrimSpace(chi.URLParam(r, "run_id"))
	run, err := a.Runs.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		api.NotFound(w, "NOT_FOUND", "run not found", rid)
		return
	}
	if err != nil {
		a.logger().Error("get run", zap.String("run_id", id), zap.Error(err))
		api.Internal(w, rid)
		return
	}
	api.WriteJSON(w, http.StatusOK, run)
}

func postRefParam(w http.ResponseWriter, r *http.Request, rid string) (string, bool) {
	raw := chi.URLParam(r, "post_ref")
	ref, err := url.PathUnescape(raw)
	if err != nil || strings.TrimSpace(ref) == "" {
		api.BadRequest(w, "MISSING_POST_REF", "post_ref is required", rid, nil)
		return "", false
	}
	return ref, true
}

func (a API) writeReconError(w http.ResponseWriter, rid, ref string, err error) {
	var se *reddit.StatusError
	switch {
	case errors.Is(err, reddit.ErrInvalidPostRef):
		api.BadRequest(w, "INVALID_POST_REF", "post_ref must be a post URL or id", rid, map[string]any{"post_ref": ref})
	case errors.As(err, &se) && se.Code == http.StatusNotFound:
		api.NotFound(w, "POST_NOT_FOUND", "post not found", rid)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		api.Unavailable(w, "UPSTREAM_UNAVAILABLE", "content API temporarily unavailable", rid)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		api.WriteError(w, http.StatusGatewayTimeout, "TIMEOUT", "reconstruction did not finish in time", rid, nil)
	case errors.Is(err, recon.ErrReconstructionFailed):
		a.logger().Warn("reconstruction failed", zap.String("post_ref", ref), zap.Error(err))
		api.BadGateway(w, "RECONSTRUCTION_FAILED", "every fetch strategy failed", rid, nil)
	default:
		a.logger().Error("reconstruct", zap.String("post_ref", ref), zap.Error(err))
		api.Internal(w, rid)
	}
}

func (a API) logger() *zap.Logger {
	if a.Log == nil {
		return zap.NewNop()
	}
	return a.Log
}
