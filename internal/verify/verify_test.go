package verify

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/miracle2k/xappy-sub001/internal/hitlist"
	"github.com/miracle2k/xappy-sub001/internal/kvstore"
	"github.com/miracle2k/xappy-sub001/internal/querycache"
	"github.com/miracle2k/xappy-sub001/internal/results"
	apperrors "github.com/miracle2k/xappy-sub001/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func populated(t *testing.T) (*querycache.Manager, kvstore.Store) {
	t.Helper()
	store := kvstore.NewMemoryStore(0)
	m, err := querycache.New(store, querycache.WithChunkSize(2))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	for i, s := range []string{"alpha", "beta", "gamma"} {
		q, err := m.GetOrMakeQueryID(s)
		require.NoError(t, err)
		require.NoError(t, m.SetHits(q, hitlist.HitList{hitlist.DocID(i + 1), 10, 11, hitlist.DocID(i + 1)}))
	}
	return m, store
}

func TestRunConsistentCache(t *testing.T) {
	m, _ := populated(t)
	r, err := Run(context.Background(), m, Options{TempDir: t.TempDir()})
	require.NoError(t, err)
	assert.True(t, r.OK(), "failures: %v", r.Failures)
	assert.Equal(t, 3, r.Queries)
	assert.Equal(t, 5, r.Docs)
}

func TestRunFindsOrphanQuery(t *testing.T) {
	m, _ := populated(t)
	require.NoError(t, m.SetHits(77, hitlist.HitList{1}))

	r, err := Run(context.Background(), m, Options{TempDir: t.TempDir()})
	require.NoError(t, err)
	require.Len(t, r.Failures, 1)
	assert.Contains(t, r.Failures[0], "query id 77")
}

func TestRunFindsDuplicateQueryID(t *testing.T) {
	m, store := populated(t)
	require.NoError(t, store.Set([]byte("!q:delta"), binary.LittleEndian.AppendUint32(nil, 1)))

	r, err := Run(context.Background(), m, Options{TempDir: t.TempDir()})
	require.NoError(t, err)
	require.Len(t, r.Failures, 1)
	assert.Contains(t, r.Failures[0], "query id 1 is used by both")
}

func TestRunChecksDocuments(t *testing.T) {
	m, _ := populated(t)
	fetcher := results.FetcherFunc(func(_ context.Context, id hitlist.DocID) (*results.Document, error) {
		if id == 11 {
			return nil, apperrors.ErrDocumentNotFound
		}
		return &results.Document{ID: id}, nil
	})

	r, err := Run(context.Background(), m, Options{TempDir: t.TempDir(), Fetcher: fetcher})
	require.NoError(t, err)
	require.Len(t, r.Failures, 1)
	assert.Contains(t, r.Failures[0], "document 11")
}

func TestRunStopsAfterMaxFailures(t *testing.T) {
	m, _ := populated(t)
	for q := hitlist.QueryID(100); q < 105; q++ {
		require.NoError(t, m.SetHits(q, hitlist.HitList{1}))
	}
	r, err := Run(context.Background(), m, Options{TempDir: t.TempDir(), MaxFailures: 2})
	assert.True(t, errors.Is(err, ErrTooManyFailures))
	assert.Len(t, r.Failures, 2)
}
