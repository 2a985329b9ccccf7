package invalidation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/miracle2k/xappy-sub001/internal/hitlist"
	"github.com/miracle2k/xappy-sub001/internal/invert"
	"github.com/miracle2k/xappy-sub001/internal/kvstore"
	"github.com/miracle2k/xappy-sub001/internal/querycache"
	apperrors "github.com/miracle2k/xappy-sub001/pkg/errors"
	"github.com/miracle2k/xappy-sub001/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seeded(t *testing.T, strategy string) *querycache.Manager {
	t.Helper()
	inv, err := invert.New(strategy, t.TempDir(), nil)
	require.NoError(t, err)
	m, err := querycache.New(kvstore.NewMemoryStore(0), querycache.WithChunkSize(2), querycache.WithInverter(inv))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	require.NoError(t, m.SetHits(2, hitlist.HitList{3, 4, 5}))
	require.NoError(t, m.SetHits(3, hitlist.HitList{4, 5, 6, 4}))
	require.NoError(t, m.SetHits(1, hitlist.HitList{7, 2, 1}))
	return m
}

func hitsOf(t *testing.T, m *querycache.Manager, q hitlist.QueryID) hitlist.HitList {
	t.Helper()
	hits, err := m.GetHits(q)
	require.NoError(t, err)
	return hits
}

func TestAffectedQueries(t *testing.T) {
	m := seeded(t, "external")
	inv := New(m, nil)

	got, err := inv.AffectedQueries([]hitlist.DocID{4, 7, 99})
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.ElementsMatch(t, []querycache.RankDoc{{Rank: 1, DocID: 4}}, got[2])
	assert.ElementsMatch(t, []querycache.RankDoc{{Rank: 0, DocID: 4}, {Rank: 3, DocID: 4}}, got[3])
	assert.ElementsMatch(t, []querycache.RankDoc{{Rank: 0, DocID: 7}}, got[1])

	none, err := inv.AffectedQueries(nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestApplyDelete(t *testing.T) {
	for _, strategy := range []string{"memory", "external"} {
		t.Run(strategy, func(t *testing.T) {
			m := seeded(t, strategy)
			reg := prometheus.NewRegistry()
			mt := metrics.New(reg)
			inv := New(m, mt)

			n, err := inv.Apply(context.Background(), Event{ID: "e1", Op: OpDelete, DocIDs: []hitlist.DocID{4}})
			require.NoError(t, err)
			assert.Equal(t, 2, n)
			assert.Equal(t, hitlist.HitList{3, 5}, hitsOf(t, m, 2))
			assert.Equal(t, hitlist.HitList{5, 6}, hitsOf(t, m, 3))
			assert.Equal(t, hitlist.HitList{7, 2, 1}, hitsOf(t, m, 1))
			assert.Equal(t, 2.0, testutil.ToFloat64(mt.InvalidatedQueriesTotal.WithLabelValues("delete")))

			// the inversion reflects the rewrite
			again, err := inv.AffectedQueries([]hitlist.DocID{4})
			require.NoError(t, err)
			assert.Empty(t, again)
		})
	}
}

func TestApplyUpdate(t *testing.T) {
	m := seeded(t, "memory")
	inv := New(m, nil)

	n, err := inv.Apply(context.Background(), Event{ID: "e2", Op: OpUpdate, DocIDs: []hitlist.DocID{5, 1}})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	for _, q := range []hitlist.QueryID{1, 2, 3} {
		ok, err := m.HasHits(q)
		require.NoError(t, err)
		assert.False(t, ok, "query %d", q)
	}
}

func TestApplyUnknownDocIsNoop(t *testing.T) {
	m := seeded(t, "memory")
	n, err := New(m, nil).Apply(context.Background(), Event{Op: OpDelete, DocIDs: []hitlist.DocID{1000}})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, hitlist.HitList{3, 4, 5}, hitsOf(t, m, 2))
}

func TestHandleMessage(t *testing.T) {
	m := seeded(t, "external")
	mt := metrics.New(prometheus.NewRegistry())
	handler := HandleMessage(New(m, mt))
	ctx := context.Background()

	require.NoError(t, handler(ctx, []byte("k"), []byte("{not json")))
	require.NoError(t, handler(ctx, []byte("k"), []byte(`{"id":"x","op":"rename","doc_ids":[1]}`)))
	assert.Equal(t, 2.0, testutil.ToFloat64(mt.InvalidationEventsTotal.WithLabelValues("malformed")))

	body, err := json.Marshal(Event{ID: "e3", Op: OpDelete, DocIDs: []hitlist.DocID{7}})
	require.NoError(t, err)
	require.NoError(t, handler(ctx, []byte("e3"), body))
	assert.Equal(t, 1.0, testutil.ToFloat64(mt.InvalidationEventsTotal.WithLabelValues("ok")))
	assert.Equal(t, hitlist.HitList{2, 1}, hitsOf(t, m, 1))
}

func TestEventValidate(t *testing.T) {
	assert.NoError(t, Event{Op: OpUpdate}.Validate())
	assert.NoError(t, Event{Op: OpDelete}.Validate())
	assert.Error(t, Event{Op: "truncate"}.Validate())
}

type flakyStore struct {
	*kvstore.MemoryStore
	failures int
}

func (s *flakyStore) Flush() error {
	if s.failures > 0 {
		s.failures--
		return apperrors.NewStoreError("memory", "flush", errors.New("disk full"))
	}
	return s.MemoryStore.Flush()
}

func TestHandleMessageRetriesStoreFailures(t *testing.T) {
	store := &flakyStore{MemoryStore: kvstore.NewMemoryStore(0), failures: 1}
	m, err := querycache.New(store, querycache.WithChunkSize(2))
	require.NoError(t, err)
	defer m.Close()
	require.NoError(t, m.SetHits(1, hitlist.HitList{7, 2, 1}))

	mt := metrics.New(prometheus.NewRegistry())
	inv := New(m, mt)
	inv.Retry.InitialDelay = time.Millisecond
	handler := HandleMessage(inv)

	body, err := json.Marshal(Event{ID: "e4", Op: OpDelete, DocIDs: []hitlist.DocID{2}})
	require.NoError(t, err)
	require.NoError(t, handler(context.Background(), nil, body))
	assert.Equal(t, hitlist.HitList{7, 1}, hitsOf(t, m, 1))
	assert.Equal(t, 1.0, testutil.ToFloat64(mt.InvalidationEventsTotal.WithLabelValues("ok")))

	store.failures = 5
	body, err = json.Marshal(Event{ID: "e5", Op: OpUpdate, DocIDs: []hitlist.DocID{7}})
	require.NoError(t, err)
	err = handler(context.Background(), nil, body)
	assert.True(t, apperrors.IsStoreIO(err))
	assert.Equal(t, 1.0, testutil.ToFloat64(mt.InvalidationEventsTotal.WithLabelValues("error")))
}
