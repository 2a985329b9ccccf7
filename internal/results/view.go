// Package results renders cached hit lists as search results. Documents are
// fetched one at a time as results are accessed.
package results

import (
	"context"
	"fmt"

	"github.com/miracle2k/xappy-sub001/internal/hitlist"
	apperrors "github.com/miracle2k/xappy-sub001/pkg/errors"
)

// Document is a stored document as returned by the search engine.
type Document struct {
	ID    hitlist.DocID `json:"id"`
	Title string        `json:"title"`
	Body  string        `json:"body"`
}

// DocumentFetcher loads documents from the live search engine.
type DocumentFetcher interface {
	GetDocument(ctx context.Context, id hitlist.DocID) (*Document, error)
}

// Result is one entry of a result view. Relevance is not cached, so Weight
// and Percent are always zero for cached results.
type Result struct {
	Rank     int           `json:"rank"`
	DocID    hitlist.DocID `json:"doc_id"`
	Document *Document     `json:"document"`
	Weight   float64       `json:"weight"`
	Percent  int           `json:"percent"`
}

// View presents the cached hits at ranks [StartRank, EndRank).
type View struct {
	fetcher   DocumentFetcher
	hits      hitlist.HitList
	startRank int
}

// NewView returns a view over hits, the first of which has rank startRank.
func NewView(fetcher DocumentFetcher, hits hitlist.HitList, startRank int) *View {
	return &View{fetcher: fetcher, hits: hits, startRank: startRank}
}

func (v *View) Len() int { return len(v.hits) }

// StartRank is the rank of the first hit in the view.
func (v *View) StartRank() int { return v.startRank }

// EndRank is one past the rank of the last hit in the view.
func (v *View) EndRank() int { return v.startRank + len(v.hits) }

// DocIDs returns the hits in rank order without fetching anything.
func (v *View) DocIDs() hitlist.HitList {
	out := make(hitlist.HitList, len(v.hits))
	copy(out, v.hits)
	return out
}

// GetHit fetches the result at an absolute rank.
func (v *View) GetHit(ctx context.Context, rank int) (*Result, error) {
	if rank < v.StartRank() || rank >= v.EndRank() {
		return nil, fmt.Errorf("rank %d not in [%d,%d): %w",
			rank, v.StartRank(), v.EndRank(), apperrors.ErrRankOutOfRange)
	}
	return v.fetch(ctx, rank)
}

func (v *View) fetch(ctx context.Context, rank int) (*Result, error) {
	id := v.hits[rank-v.startRank]
	doc, err := v.fetcher.GetDocument(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetching document %d at rank %d: %w", id, rank, err)
	}
	return &Result{Rank: rank, DocID: id, Document: doc}, nil
}

// Slice returns the view of absolute ranks [start, end), clamped to this
// view. A negative end means up to EndRank.
func (v *View) Slice(start, end int) *View {
	if end < 0 || end > v.EndRank() {
		end = v.EndRank()
	}
	start = min(max(start, v.startRank), v.EndRank())
	end = max(end, start)
	return &View{
		fetcher:   v.fetcher,
		hits:      v.hits[start-v.startRank : end-v.startRank],
		startRank: start,
	}
}

// Iter returns an iterator over the view in rank order.
func (v *View) Iter() *Iterator {
	return &Iterator{view: v, next: v.startRank}
}

// All fetches every result of the view.
func (v *View) All(ctx context.Context) ([]*Result, error) {
	out := make([]*Result, 0, v.Len())
	it := v.Iter()
	for it.Next(ctx) {
		out = append(out, it.Val())
	}
	return out, it.Err()
}

// Iterator walks a View, fetching one document per call to Next.
//
//	it := view.Iter()
//	for it.Next(ctx) {
//		r := it.Val()
//	}
//	if err := it.Err(); err != nil { ... }
type Iterator struct {
	view *View
	next int
	cur  *Result
	err  error
}

// Next advances to the next result. It returns false at the end of the view
// or on the first fetch error.
func (it *Iterator) Next(ctx context.Context) bool {
	if it.err != nil || it.next >= it.view.EndRank() {
		return false
	}
	r, err := it.view.fetch(ctx, it.next)
	if err != nil {
		it.err = err
		it.cur = nil
		return false
	}
	it.cur = r
	it.next++
	return true
}

func (it *Iterator) Val() *Result { return it.cur }

func (it *Iterator) Err() error { return it.err }
