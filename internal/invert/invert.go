// Package invert turns the cached query -> hit list mapping around into
// docid -> (query, rank) groups, which is what invalidation needs.
//
// Two strategies are provided. Memory builds a map in process memory and is
// the reference for small caches and for checking External. External spills
// fixed-width records to a temporary file, sorts them in place through a
// memory mapping and streams the groups back.
package invert

import (
	"fmt"

	"github.com/miracle2k/xappy-sub001/internal/hitlist"
	"github.com/miracle2k/xappy-sub001/pkg/config"
	"github.com/miracle2k/xappy-sub001/pkg/metrics"
)

// Source is the forward mapping an Inverter reads from.
type Source interface {
	IterQueryIDs(fn func(hitlist.QueryID) error) error
	GetHits(q hitlist.QueryID) (hitlist.HitList, error)
}

// Posting is one reference to a document from a cached hit list.
type Posting struct {
	QueryID hitlist.QueryID `json:"query_id"`
	Rank    hitlist.Rank    `json:"rank"`
}

// Group holds every posting of one document. Postings must not be modified
// or retained after the callback returns.
type Group struct {
	DocID    hitlist.DocID `json:"doc_id"`
	Postings []Posting     `json:"postings"`
}

// Inverter builds and serves the inverse mapping of a Source.
type Inverter interface {
	// Prepare builds the inversion if none is held. Repeated calls without
	// an Invalidate in between do nothing.
	Prepare(src Source) error
	// Invalidate discards the built inversion without rebuilding it.
	Invalidate() error
	// IterByDocID prepares if needed and calls fn for every document in
	// ascending docid order.
	IterByDocID(src Source, fn func(Group) error) error
	// Name identifies the strategy in logs and metrics.
	Name() string
	Close() error
}

// New returns the named strategy. tempDir is only used by the external
// strategy; empty means the system temporary directory.
func New(strategy, tempDir string, mt *metrics.Metrics) (Inverter, error) {
	switch strategy {
	case config.InverterMemory:
		return NewMemory(mt), nil
	case config.InverterExternal, "":
		return NewExternal(tempDir, mt), nil
	default:
		return nil, fmt.Errorf("unknown inverter strategy %q", strategy)
	}
}

// spill feeds every (query, hit list) pair of src to add.
func spill(src Source, add func(hitlist.QueryID, hitlist.HitList) error) error {
	return src.IterQueryIDs(func(q hitlist.QueryID) error {
		hits, err := src.GetHits(q)
		if err != nil {
			return fmt.Errorf("reading hits of query %d: %w", q, err)
		}
		if err := hitlist.CheckLen(len(hits)); err != nil {
			return err
		}
		return add(q, hits)
	})
}
