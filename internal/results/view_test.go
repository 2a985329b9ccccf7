package results

import (
	"context"
	"errors"
	"testing"

	"github.com/miracle2k/xappy-sub001/internal/hitlist"
	apperrors "github.com/miracle2k/xappy-sub001/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingFetcher struct {
	calls   []hitlist.DocID
	missing hitlist.DocID
}

func (f *countingFetcher) GetDocument(_ context.Context, id hitlist.DocID) (*Document, error) {
	f.calls = append(f.calls, id)
	if id == f.missing {
		return nil, apperrors.ErrDocumentNotFound
	}
	return &Document{ID: id, Title: "doc"}, nil
}

func TestViewRandomAccess(t *testing.T) {
	ctx := context.Background()
	f := &countingFetcher{}
	v := NewView(f, hitlist.HitList{10, 20, 30}, 5)

	assert.Equal(t, 3, v.Len())
	assert.Equal(t, 5, v.StartRank())
	assert.Equal(t, 8, v.EndRank())
	assert.Empty(t, f.calls, "nothing is fetched up front")

	r, err := v.GetHit(ctx, 6)
	require.NoError(t, err)
	assert.Equal(t, hitlist.DocID(20), r.DocID)
	assert.Equal(t, hitlist.DocID(20), r.Document.ID)
	assert.Equal(t, 6, r.Rank)
	assert.Zero(t, r.Weight)
	assert.Zero(t, r.Percent)
	assert.Equal(t, []hitlist.DocID{20}, f.calls)

	for _, rank := range []int{4, 8, -1, 100} {
		_, err := v.GetHit(ctx, rank)
		assert.ErrorIs(t, err, apperrors.ErrRankOutOfRange, "rank %d", rank)
	}
	assert.Len(t, f.calls, 1)
}

func TestViewIterator(t *testing.T) {
	ctx := context.Background()
	f := &countingFetcher{}
	v := NewView(f, hitlist.HitList{10, 20, 30}, 5)

	it := v.Iter()
	var ranks []int
	for it.Next(ctx) {
		ranks = append(ranks, it.Val().Rank)
		assert.Len(t, f.calls, len(ranks), "one fetch per step")
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []int{5, 6, 7}, ranks)
	assert.Equal(t, []hitlist.DocID{10, 20, 30}, f.calls)
	assert.False(t, it.Next(ctx))
}

func TestViewIteratorStopsOnError(t *testing.T) {
	f := &countingFetcher{missing: 20}
	v := NewView(f, hitlist.HitList{10, 20, 30}, 0)

	results, err := v.All(context.Background())
	assert.True(t, errors.Is(err, apperrors.ErrDocumentNotFound))
	assert.Len(t, results, 1)
	assert.Equal(t, []hitlist.DocID{10, 20}, f.calls)
}

func TestViewSlice(t *testing.T) {
	f := &countingFetcher{}
	v := NewView(f, hitlist.HitList{10, 20, 30, 40}, 5)

	s := v.Slice(6, 8)
	assert.Equal(t, 6, s.StartRank())
	assert.Equal(t, 8, s.EndRank())
	assert.Equal(t, hitlist.HitList{20, 30}, s.DocIDs())

	assert.Equal(t, hitlist.HitList{30, 40}, v.Slice(7, -1).DocIDs())
	assert.Equal(t, hitlist.HitList{10, 20}, v.Slice(0, 7).DocIDs())
	empty := v.Slice(8, 6)
	assert.Equal(t, 0, empty.Len())
	assert.Equal(t, 8, empty.StartRank())
	assert.Equal(t, 0, v.Slice(50, 60).Len())
	assert.Empty(t, f.calls)
}

func TestFetcherFunc(t *testing.T) {
	var fetcher DocumentFetcher = FetcherFunc(func(_ context.Context, id hitlist.DocID) (*Document, error) {
		return &Document{ID: id}, nil
	})
	doc, err := fetcher.GetDocument(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, hitlist.DocID(9), doc.ID)
}

func TestPostgresFetcherRejectsBadTable(t *testing.T) {
	_, err := NewPostgresFetcher(nil, "documents; drop table x")
	assert.Error(t, err)
	_, err = NewPostgresFetcher(nil, "documents")
	assert.NoError(t, err)
}
