package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/example/threadrecon/services/reconstructor/internal/expand"
	"github.com/example/threadrecon/services/reconstructor/internal/forest"
	"github.com/example/threadrecon/services/reconstructor/internal/recon"
)

func TestMetrics_Record(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ExpansionCall(expand.OutcomeExpanded, 100*time.Millisecond)
	m.ExpansionCall(expand.OutcomeTimeout, time.Second)
	m.ExpansionCall(expand.OutcomeExpanded, 10*time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ExpansionCalls.WithLabelValues(expand.OutcomeExpanded)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExpansionCalls.WithLabelValues(expand.OutcomeTimeout)))

	m.ObserveAttempt(recon.Attempt{Query: forest.Query{Sort: forest.SortTop}, Coverage: 0.5})
	m.ObserveAttempt(recon.Attempt{Query: forest.Query{Sort: forest.SortTop}, Supplemental: true, Err: "boom"})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Attempts.WithLabelValues("top", "false", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Attempts.WithLabelValues("top", "true", "error")))

	m.Reconstruction("http", nil, time.Second)
	m.Reconstruction("queue", errors.New("x"), time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reconstructions.WithLabelValues("http", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reconstructions.WithLabelValues("queue", "error")))

	m.CacheLookup(true)
	m.CacheLookup(false)
	m.CacheLookup(false)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("miss")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.ExpansionCall("x", time.Second)
	m.ObserveAttempt(recon.Attempt{})
	m.Reconstruction("http", nil, time.Second)
	m.CacheLookup(true)
}

func TestNew_RegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
