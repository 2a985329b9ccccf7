// Package invalidation applies document mutations to the query cache. The
// inverse mapping finds every cached query whose hit list references a
// changed document.
package invalidation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/RoaringBitmap/roaring"
	"github.com/miracle2k/xappy-sub001/internal/hitlist"
	"github.com/miracle2k/xappy-sub001/internal/invert"
	"github.com/miracle2k/xappy-sub001/internal/querycache"
	apperrors "github.com/miracle2k/xappy-sub001/pkg/errors"
	"github.com/miracle2k/xappy-sub001/pkg/kafka"
	"github.com/miracle2k/xappy-sub001/pkg/logger"
	"github.com/miracle2k/xappy-sub001/pkg/metrics"
	"github.com/miracle2k/xappy-sub001/pkg/resilience"
)

var errDone = errors.New("done")

type Invalidator struct {
	manager *querycache.Manager
	metrics *metrics.Metrics
	logger  *slog.Logger
	// Retry governs re-application of an event from HandleMessage. Only
	// store I/O failures are retried by default.
	Retry resilience.RetryConfig
}

func New(manager *querycache.Manager, mt *metrics.Metrics) *Invalidator {
	return &Invalidator{
		manager: manager,
		metrics: mt,
		logger:  slog.Default().With("component", "invalidator"),
		Retry: resilience.RetryConfig{
			MaxAttempts: 3,
			Retryable:   apperrors.IsStoreIO,
		},
	}
}

// AffectedQueries returns, per cached query, the hits that reference one of
// docIDs. Iteration stops once the largest requested docid has been passed.
func (inv *Invalidator) AffectedQueries(docIDs []hitlist.DocID) (map[hitlist.QueryID][]querycache.RankDoc, error) {
	affected := make(map[hitlist.QueryID][]querycache.RankDoc)
	if len(docIDs) == 0 {
		return affected, nil
	}
	targets := roaring.New()
	for _, d := range docIDs {
		targets.Add(uint32(d))
	}
	last := hitlist.DocID(targets.Maximum())

	err := inv.manager.IterByDocID(func(g invert.Group) error {
		if g.DocID > last {
			return errDone
		}
		if !targets.Contains(uint32(g.DocID)) {
			return nil
		}
		for _, p := range g.Postings {
			affected[p.QueryID] = append(affected[p.QueryID], querycache.RankDoc{Rank: p.Rank, DocID: g.DocID})
		}
		return nil
	})
	if err != nil && !errors.Is(err, errDone) {
		return nil, fmt.Errorf("finding affected queries: %w", err)
	}
	return affected, nil
}

// Apply runs one event against the cache and returns the number of queries
// it touched.
func (inv *Invalidator) Apply(ctx context.Context, ev Event) (int, error) {
	if err := ev.Validate(); err != nil {
		return 0, err
	}
	log := logger.FromContext(ctx).With("component", "invalidator")

	affected, err := inv.AffectedQueries(ev.DocIDs)
	if err != nil {
		return 0, err
	}
	queries := make([]hitlist.QueryID, 0, len(affected))
	for q := range affected {
		queries = append(queries, q)
	}
	slices.Sort(queries)

	for _, q := range queries {
		switch ev.Op {
		case OpDelete:
			err = inv.manager.RemoveHits(q, affected[q])
		case OpUpdate:
			err = inv.manager.Delete(q)
		}
		if err != nil {
			return 0, fmt.Errorf("applying %s to query %d: %w", ev.Op, q, err)
		}
		log.Debug("query invalidated", "op", ev.Op, "query_id", q, "hits", len(affected[q]))
	}
	if err := inv.manager.Flush(); err != nil {
		return 0, err
	}

	inv.metrics.QueriesInvalidated(string(ev.Op), len(queries))
	log.Info("invalidation applied", "op", ev.Op, "docs", len(ev.DocIDs), "queries", len(queries))
	return len(queries), nil
}

// HandleMessage returns a Kafka MessageHandler that applies invalidation
// events. Undecodable events are logged and committed. Store failures are
// retried; a failure that persists leaves the message uncommitted.
func HandleMessage(inv *Invalidator) kafka.MessageHandler {
	return func(ctx context.Context, key []byte, value []byte) error {
		ev, err := kafka.DecodeJSON[Event](value)
		if err == nil {
			err = ev.Validate()
		}
		if err != nil {
			inv.logger.Error("dropping malformed invalidation event",
				"error", err,
				"key", string(key),
			)
			inv.metrics.InvalidationEvent("malformed")
			return nil
		}

		ctx = logger.WithEventID(ctx, ev.ID)
		err = resilience.Retry(ctx, "apply invalidation", inv.Retry, func() error {
			_, err := inv.Apply(ctx, ev)
			return err
		})
		if err != nil {
			inv.metrics.InvalidationEvent("error")
			return fmt.Errorf("invalidation event %s: %w", ev.ID, err)
		}
		inv.metrics.InvalidationEvent("ok")
		return nil
	}
}
