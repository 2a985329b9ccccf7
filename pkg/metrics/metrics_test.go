package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectors(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.CacheLookup(true)
	m.CacheLookup(true)
	m.CacheLookup(false)
	m.ChunkWritten(3)
	m.QueriesInvalidated("delete", 4)
	m.InvalidationEvent("ok")
	m.Inversion("external", 120, 15*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheLookupsTotal.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookupsTotal.WithLabelValues("miss")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ChunkWritesTotal))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.InvalidatedQueriesTotal.WithLabelValues("delete")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InvalidationEventsTotal.WithLabelValues("ok")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.InversionRecords))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.CacheLookup(false)
		m.ChunkWritten(1)
		m.Inversion("memory", 1, time.Second)
		m.QueriesInvalidated("update", 1)
		m.InvalidationEvent("error")
	})
}
