// Package verify checks a query cache for internal consistency.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/miracle2k/xappy-sub001/internal/hitlist"
	"github.com/miracle2k/xappy-sub001/internal/invert"
	"github.com/miracle2k/xappy-sub001/internal/querycache"
	"github.com/miracle2k/xappy-sub001/internal/results"
	apperrors "github.com/miracle2k/xappy-sub001/pkg/errors"
)

// ErrTooManyFailures aborts a run once MaxFailures problems were found.
var ErrTooManyFailures = errors.New("too many verification failures")

const defaultMaxFailures = 100

type Options struct {
	// MaxFailures stops the run after this many failures. Zero means 100.
	MaxFailures int
	// TempDir holds the external inversion built for the cross-check.
	TempDir string
	// Fetcher, when set, is used to check that every cached document exists.
	Fetcher results.DocumentFetcher
}

// Report lists the problems found by Run.
type Report struct {
	Queries  int      `json:"queries"`
	Docs     int      `json:"docs"`
	Failures []string `json:"failures"`
	max      int
}

func (r *Report) OK() bool { return len(r.Failures) == 0 }

func (r *Report) fail(format string, args ...any) error {
	r.Failures = append(r.Failures, fmt.Sprintf(format, args...))
	if len(r.Failures) >= r.max {
		return ErrTooManyFailures
	}
	return nil
}

// Run checks that query strings map to distinct ids, that every cached
// query has a query string, optionally that every cached document can be
// fetched, and that both inversion strategies agree.
func Run(ctx context.Context, m *querycache.Manager, opts Options) (*Report, error) {
	log := slog.Default().With("component", "verify")
	r := &Report{max: opts.MaxFailures}
	if r.max <= 0 {
		r.max = defaultMaxFailures
	}

	log.Info("checking query string mapping")
	owners := make(map[hitlist.QueryID]string)
	err := m.IterQueryStrs(func(s string, q hitlist.QueryID) error {
		if prev, dup := owners[q]; dup {
			if err := r.fail("query id %d is used by both %q and %q", q, prev, s); err != nil {
				return err
			}
		}
		owners[q] = s
		return nil
	})
	if err != nil {
		return r, err
	}

	log.Info("checking cached query ids")
	err = m.IterQueryIDs(func(q hitlist.QueryID) error {
		r.Queries++
		if _, ok := owners[q]; !ok {
			return r.fail("query id %d has no query string", q)
		}
		return nil
	})
	if err != nil {
		return r, err
	}

	if opts.Fetcher != nil {
		log.Info("checking cached documents")
		if err := checkDocuments(ctx, m, opts.Fetcher, r); err != nil {
			return r, err
		}
	}

	log.Info("cross-checking inversion strategies")
	if err := crossCheck(m, opts.TempDir, r); err != nil {
		return r, err
	}
	log.Info("verification finished", "queries", r.Queries, "docs", r.Docs, "failures", len(r.Failures))
	return r, nil
}

func checkDocuments(ctx context.Context, m *querycache.Manager, fetcher results.DocumentFetcher, r *Report) error {
	return m.IterByDocID(func(g invert.Group) error {
		_, err := fetcher.GetDocument(ctx, g.DocID)
		if errors.Is(err, apperrors.ErrDocumentNotFound) {
			return r.fail("document %d is cached for %d hits but does not exist", g.DocID, len(g.Postings))
		}
		return err
	})
}

type group struct {
	doc      hitlist.DocID
	postings []invert.Posting
}

func snapshot(inv invert.Inverter, src invert.Source) ([]group, error) {
	defer inv.Close()
	var out []group
	err := inv.IterByDocID(src, func(g invert.Group) error {
		ps := slices.Clone(g.Postings)
		slices.SortFunc(ps, func(a, b invert.Posting) int {
			if a.QueryID != b.QueryID {
				return int(int64(a.QueryID) - int64(b.QueryID))
			}
			return int(int64(a.Rank) - int64(b.Rank))
		})
		out = append(out, group{g.DocID, ps})
		return nil
	})
	return out, err
}

func crossCheck(m *querycache.Manager, tempDir string, r *Report) error {
	mem, err := snapshot(invert.NewMemory(nil), m)
	if err != nil {
		return fmt.Errorf("in-memory inversion: %w", err)
	}
	ext, err := snapshot(invert.NewExternal(tempDir, nil), m)
	if err != nil {
		return fmt.Errorf("external inversion: %w", err)
	}
	r.Docs = len(mem)

	if len(mem) != len(ext) {
		return r.fail("strategies disagree on document count: %d in memory, %d external", len(mem), len(ext))
	}
	for i := range mem {
		if mem[i].doc != ext[i].doc {
			return r.fail("strategies disagree at group %d: doc %d in memory, %d external", i, mem[i].doc, ext[i].doc)
		}
		if !slices.Equal(mem[i].postings, ext[i].postings) {
			if err := r.fail("strategies disagree on postings of doc %d", mem[i].doc); err != nil {
				return err
			}
		}
	}
	return nil
}
