package invert

import (
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/miracle2k/xappy-sub001/internal/hitlist"
	"github.com/miracle2k/xappy-sub001/pkg/config"
	"github.com/miracle2k/xappy-sub001/pkg/metrics"
)

// Memory keeps the whole inversion in a map. Postings of a document are kept
// in the order they were added; documents are sorted when iterated.
type Memory struct {
	index   map[hitlist.DocID][]Posting
	records int64
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewMemory(mt *metrics.Metrics) *Memory {
	return &Memory{
		metrics: mt,
		logger:  slog.Default().With("component", "inverter", "strategy", config.InverterMemory),
	}
}

func (m *Memory) Name() string { return config.InverterMemory }

func (m *Memory) Prepare(src Source) error {
	if m.index != nil {
		return nil
	}
	start := time.Now()
	index := make(map[hitlist.DocID][]Posting)
	var records int64
	err := spill(src, func(q hitlist.QueryID, hits hitlist.HitList) error {
		for rank, doc := range hits {
			index[doc] = append(index[doc], Posting{QueryID: q, Rank: hitlist.Rank(rank)})
		}
		records += int64(len(hits))
		return nil
	})
	if err != nil {
		return fmt.Errorf("building in-memory inversion: %w", err)
	}
	m.index = index
	m.records = records
	elapsed := time.Since(start)
	m.metrics.Inversion(m.Name(), records, elapsed)
	m.logger.Debug("inversion built", "docs", len(index), "records", records, "elapsed", elapsed)
	return nil
}

func (m *Memory) Invalidate() error {
	m.index = nil
	m.records = 0
	return nil
}

// Records returns the number of postings in the built inversion.
func (m *Memory) Records() int64 { return m.records }

func (m *Memory) IterByDocID(src Source, fn func(Group) error) error {
	if err := m.Prepare(src); err != nil {
		return err
	}
	// fn may invalidate; keep iterating the snapshot it was called with.
	index := m.index
	docs := make([]hitlist.DocID, 0, len(index))
	for d := range index {
		docs = append(docs, d)
	}
	slices.Sort(docs)
	for _, d := range docs {
		if err := fn(Group{DocID: d, Postings: index[d]}); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Close() error {
	return m.Invalidate()
}
