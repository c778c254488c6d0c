// Package store keeps the history of reconstruction runs.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/example/threadrecon/services/reconstructor/internal/forest"
	"github.com/example/threadrecon/services/reconstructor/internal/recon"
)

var ErrNotFound = errors.New("run not found")

// Run sources.
const (
	SourceHTTP  = "http"
	SourceQueue = "queue"
)

// Run is one finished reconstruction, successful or not.
type Run struct {
	ID            string          `json:"id"`
	PostID        string          `json:"post_id"`
	PostRef       string          `json:"post_ref"`
	Title         string          `json:"title,omitempty"`
	Source        string          `json:"source"`
	Query         forest.Query    `json:"query"`
	Supplemental  bool            `json:"supplemental"`
	ResolvedCount int             `json:"resolved_count"`
	ReportedTotal int             `json:"reported_total"`
	Coverage      float64         `json:"coverage"`
	Attempts      []recon.Attempt `json:"attempts"`
	Error         string          `json:"error,omitempty"`
	Duration      time.Duration   `json:"duration"`
	CreatedAt     time.Time       `json:"created_at"`
}

// NewRun summarises a Reconstruct call. res may be nil when err is set.
func NewRun(postID, postRef, source string, res *recon.Result, err error, took time.Duration) Run {
	r := Run{PostID: postID, PostRef: postRef, Source: source, Duration: took}
	if res != nil {
		r.PostID = res.Post.ID
		r.Title = res.Post.Title
		r.Query = res.Query
		r.Supplemental = res.Supplemental
		r.ResolvedCount = res.ResolvedCount
		r.ReportedTotal = res.Post.ReportedTotal
		r.Coverage = res.Coverage()
		r.Attempts = res.Attempts
	}
	if err != nil {
		r.Error = err.Error()
		var fe *recon.FailedError
		if res == nil && errors.As(err, &fe) {
			r.Attempts = fe.Attempts
		}
	}
	return r
}

// RunStore defines the contract for run persistence.
type RunStore interface {
	Save(ctx context.Context, r Run) (Run, error)
	Get(ctx context.Context, id string) (Run, error)
	ListByPost(ctx context.Context, postID string, limit int) ([]Run, error)
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 100 {
		return 20
	}
	return limit
}
