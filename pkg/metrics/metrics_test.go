package metrics

import (
	"testing"
	"time"

	"github.com/ignatij/leappflow/pkg/engine"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.ObserveResult("amrs", engine.Counts{Fetched: 10, Skipped: 2, Inserted: 3, Updated: 1, NotReady: 4})
	r.ObserveResult("amrs", engine.Counts{Fetched: 5})
	r.ObserveBulkFailures("amrs", 2)
	r.ObserveCycle("amrs", time.Now(), nil)
	r.ObserveCycle("emea", time.Now(), errors.New("boom"))

	assert.Equal(t, 15.0, testutil.ToFloat64(r.jobs.WithLabelValues("amrs", "fetched")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.jobs.WithLabelValues("amrs", "skipped")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.workflows.WithLabelValues("amrs", "inserted")))
	assert.Equal(t, 4.0, testutil.ToFloat64(r.workflows.WithLabelValues("amrs", "not_ready")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.bulkFailed.WithLabelValues("amrs")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.cycleErrors.WithLabelValues("emea")))
	assert.Zero(t, testutil.ToFloat64(r.cycleErrors.WithLabelValues("amrs")))
	assert.Greater(t, testutil.ToFloat64(r.lastSuccess.WithLabelValues("amrs")), 0.0)
	assert.Equal(t, 2, testutil.CollectAndCount(r.cycleDuration))
}

func TestDefaultIsSingleton(t *testing.T) {
	assert.Same(t, Default(), Default())
}
