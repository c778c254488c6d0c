package recon

import (
	"errors"
	"fmt"
	"time"

	"github.com/example/threadrecon/services/reconstructor/internal/expand"
	"github.com/example/threadrecon/services/reconstructor/internal/forest"
)

// Config tunes one Reconstructor. The two ratios are empirical and meant to be
// tuned per deployment.
type Config struct {
	// Orderings are tried in priority order; ties keep the earlier one.
	Orderings []forest.Sort
	// CoverageStopRatio ends the ordering loop once resolved/reported reaches it.
	CoverageStopRatio float64
	// SupplementalThresholdRatio triggers the supplemental pass when the best
	// coverage stays below it.
	SupplementalThresholdRatio float64
	// PerStrategyExpansionBudget caps children calls per attempt; negative is
	// unbounded.
	PerStrategyExpansionBudget int
	MinReportedCount           int

	// Query holds the depth/limit used for every ordering. Its Sort is ignored.
	Query forest.Query
	// SupplementalQueries are tried under the best ordering. Sort is ignored.
	SupplementalQueries []forest.Query

	// AttemptDelay separates sequential requests for the initial tree.
	AttemptDelay time.Duration
	// Parallelism above 1 runs orderings concurrently.
	Parallelism int

	ExpansionFanout int
	CallTimeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		Orderings:                  []forest.Sort{forest.SortTop, forest.SortBest, forest.SortNew, forest.SortControversial},
		CoverageStopRatio:          0.8,
		SupplementalThresholdRatio: 0.7,
		PerStrategyExpansionBudget: 64,
		Query:                      forest.Query{Depth: 25, Limit: 1000, ShowMore: true},
		SupplementalQueries: []forest.Query{
			{Depth: 50, Limit: 1000},
			{Depth: 25, Limit: 2000},
		},
		AttemptDelay:    200 * time.Millisecond,
		Parallelism:     1,
		ExpansionFanout: 4,
		CallTimeout:     15 * time.Second,
	}
}

func (c Config) Validate() error {
	var errs []error
	if len(c.Orderings) == 0 {
		errs = append(errs, errors.New("orderings: at least one required"))
	}
	seen := make(map[forest.Sort]bool, len(c.Orderings))
	for _, s := range c.Orderings {
		if _, err := forest.ParseSort(string(s)); err != nil {
			errs = append(errs, fmt.Errorf("orderings: %w", err))
		}
		if seen[s] {
			errs = append(errs, fmt.Errorf("orderings: %q listed twice", s))
		}
		seen[s] = true
	}
	if c.CoverageStopRatio <= 0 || c.CoverageStopRatio > 1 {
		errs = append(errs, fmt.Errorf("coverage stop ratio %v not in (0,1]", c.CoverageStopRatio))
	}
	if c.SupplementalThresholdRatio < 0 || c.SupplementalThresholdRatio > 1 {
		errs = append(errs, fmt.Errorf("supplemental threshold ratio %v not in [0,1]", c.SupplementalThresholdRatio))
	}
	if c.MinReportedCount < 0 {
		errs = append(errs, errors.New("min reported count must not be negative"))
	}
	for _, q := range append([]forest.Query{c.Query}, c.SupplementalQueries...) {
		if q.Depth <= 0 || q.Limit <= 0 {
			errs = append(errs, fmt.Errorf("query depth=%d limit=%d: both must be positive", q.Depth, q.Limit))
		}
	}
	if c.AttemptDelay < 0 {
		errs = append(errs, errors.New("attempt delay must not be negative"))
	}
	if c.Parallelism < 1 {
		errs = append(errs, errors.New("parallelism must be at least 1"))
	}
	return errors.Join(errs...)
}

func (c Config) expandOptions() expand.Options {
	budget := c.PerStrategyExpansionBudget
	if budget < 0 {
		budget = expand.Unbounded
	}
	return expand.Options{
		MaxExpansions:    budget,
		MinReportedCount: c.MinReportedCount,
		Fanout:           c.ExpansionFanout,
		CallTimeout:      c.CallTimeout,
	}
}
