package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/miracle2k/xappy-sub001/internal/hitlist"
	"github.com/miracle2k/xappy-sub001/internal/invalidation"
	"github.com/miracle2k/xappy-sub001/internal/invert"
	"github.com/miracle2k/xappy-sub001/internal/kvstore"
	"github.com/miracle2k/xappy-sub001/internal/querycache"
	"github.com/miracle2k/xappy-sub001/internal/results"
	"github.com/miracle2k/xappy-sub001/internal/verify"
	"github.com/miracle2k/xappy-sub001/pkg/config"
	apperrors "github.com/miracle2k/xappy-sub001/pkg/errors"
	"github.com/miracle2k/xappy-sub001/pkg/kafka"
	"github.com/miracle2k/xappy-sub001/pkg/postgres"
)

// env holds the resources a command opens, closed when the command ends.
type env struct {
	cfg     *config.Config
	out     io.Writer
	manager *querycache.Manager
	pg      *postgres.Client
}

func (e *env) open() (*querycache.Manager, error) {
	if e.manager != nil {
		return e.manager, nil
	}
	store, err := kvstore.OpenConfigured(e.cfg)
	if err != nil {
		return nil, err
	}
	inv, err := invert.New(e.cfg.Cache.Inverter, e.cfg.Cache.TempDir, nil)
	if err != nil {
		store.Close()
		return nil, err
	}
	m, err := querycache.New(store,
		querycache.WithChunkSize(e.cfg.Cache.ChunkSizeOrZero()),
		querycache.WithInverter(inv),
	)
	if err != nil {
		inv.Close()
		store.Close()
		return nil, err
	}
	e.manager = m
	return m, nil
}

func (e *env) fetcher(table string) (results.DocumentFetcher, error) {
	if e.pg == nil {
		pg, err := postgres.New(e.cfg.Postgres)
		if err != nil {
			return nil, err
		}
		e.pg = pg
	}
	return results.NewPostgresFetcher(e.pg, table)
}

func (e *env) close() {
	if e.manager != nil {
		if err := e.manager.Close(); err != nil {
			slog.Error("closing cache", "error", err)
		}
	}
	if e.pg != nil {
		e.pg.Close()
	}
}

func (e *env) printJSON(v any) error {
	return json.NewEncoder(e.out).Encode(v)
}

func parseDocIDs(s string) ([]hitlist.DocID, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	ids := make([]hitlist.DocID, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseUint(strings.TrimSpace(p), 10, 32)
		if errors.Is(err, strconv.ErrRange) {
			return nil, fmt.Errorf("docid %s: %w", p, apperrors.ErrIDOverflow)
		}
		if err != nil {
			return nil, fmt.Errorf("docid %q: %w", p, err)
		}
		ids = append(ids, hitlist.DocID(n))
	}
	return ids, nil
}

func newFlags(name string) *flag.FlagSet {
	return flag.NewFlagSet("cachectl "+name, flag.ContinueOnError)
}

func cmdStats(_ context.Context, e *env, args []string) error {
	if err := newFlags("stats").Parse(args); err != nil {
		return errUsage
	}
	m, err := e.open()
	if err != nil {
		return err
	}
	var queries, hits, strs int
	err = m.IterQueryIDs(func(q hitlist.QueryID) error {
		n, err := m.Count(q)
		queries++
		hits += n
		return err
	})
	if err != nil {
		return err
	}
	if err := m.IterQueryStrs(func(string, hitlist.QueryID) error { strs++; return nil }); err != nil {
		return err
	}
	empty, err := m.IsEmpty()
	if err != nil {
		return err
	}
	return e.printJSON(map[string]any{
		"backend":       e.cfg.Cache.Backend,
		"chunk_size":    m.ChunkSize(),
		"queries":       queries,
		"query_strings": strs,
		"hits":          hits,
		"empty":         empty,
	})
}

type rangeFlags struct {
	query      string
	id         int64
	start, end int
}

func (r *rangeFlags) bind(fs *flag.FlagSet) {
	fs.StringVar(&r.query, "query", "", "query string")
	fs.Int64Var(&r.id, "id", -1, "query id")
	fs.IntVar(&r.start, "start", 0, "first rank")
	fs.IntVar(&r.end, "end", -1, "rank to stop at, -1 for all")
}

func (r *rangeFlags) resolve(m *querycache.Manager) (hitlist.QueryID, error) {
	if r.query != "" {
		q, ok, err := m.GetQueryID(r.query)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, fmt.Errorf("query %q has no id", r.query)
		}
		return q, nil
	}
	if r.id < 0 || r.id > int64(^uint32(0)) {
		return 0, fmt.Errorf("one of -query or a valid -id is required: %w", errUsage)
	}
	return hitlist.QueryID(r.id), nil
}

func cmdGet(_ context.Context, e *env, args []string) error {
	var rf rangeFlags
	fs := newFlags("get")
	rf.bind(fs)
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	m, err := e.open()
	if err != nil {
		return err
	}
	q, err := rf.resolve(m)
	if err != nil {
		return err
	}
	cached, err := m.HasHits(q)
	if err != nil {
		return err
	}
	hits, err := m.GetHitsRange(q, rf.start, rf.end)
	if err != nil {
		return err
	}
	if hits == nil {
		hits = hitlist.HitList{}
	}
	return e.printJSON(map[string]any{
		"query_id": q,
		"cached":   cached,
		"start":    rf.start,
		"hits":     hits,
	})
}

func cmdPut(_ context.Context, e *env, args []string) error {
	fs := newFlags("put")
	query := fs.String("query", "", "query string")
	hitsFlag := fs.String("hits", "", "comma separated docids in rank order")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *query == "" {
		return fmt.Errorf("-query is required: %w", errUsage)
	}
	hits, err := parseDocIDs(*hitsFlag)
	if err != nil {
		return err
	}
	m, err := e.open()
	if err != nil {
		return err
	}
	q, err := m.GetOrMakeQueryID(*query)
	if err != nil {
		return err
	}
	if err := m.SetHits(q, hits); err != nil {
		return err
	}
	if err := m.Flush(); err != nil {
		return err
	}
	return e.printJSON(map[string]any{"query_id": q, "hits": len(hits)})
}

func cmdShow(ctx context.Context, e *env, args []string) error {
	var rf rangeFlags
	fs := newFlags("show")
	rf.bind(fs)
	table := fs.String("documents", "documents", "documents table")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	m, err := e.open()
	if err != nil {
		return err
	}
	q, err := rf.resolve(m)
	if err != nil {
		return err
	}
	hits, err := m.GetHitsRange(q, rf.start, rf.end)
	if err != nil {
		return err
	}
	fetcher, err := e.fetcher(*table)
	if err != nil {
		return err
	}
	it := results.NewView(fetcher, hits, max(rf.start, 0)).Iter()
	for it.Next(ctx) {
		if err := e.printJSON(it.Val()); err != nil {
			return err
		}
	}
	return it.Err()
}

func cmdInvert(_ context.Context, e *env, args []string) error {
	fs := newFlags("invert")
	doc := fs.Int64("doc", -1, "only print this docid")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	m, err := e.open()
	if err != nil {
		return err
	}
	return m.IterByDocID(func(g invert.Group) error {
		if *doc >= 0 && int64(g.DocID) != *doc {
			return nil
		}
		return e.printJSON(g)
	})
}

func cmdVerify(ctx context.Context, e *env, args []string) error {
	fs := newFlags("verify")
	maxFailures := fs.Int("max-failures", 100, "stop after this many failures")
	table := fs.String("documents", "", "also check that cached docids exist in this table")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	m, err := e.open()
	if err != nil {
		return err
	}
	opts := verify.Options{MaxFailures: *maxFailures, TempDir: e.cfg.Cache.TempDir}
	if *table != "" {
		if opts.Fetcher, err = e.fetcher(*table); err != nil {
			return err
		}
	}
	report, err := verify.Run(ctx, m, opts)
	if report != nil {
		if perr := e.printJSON(report); perr != nil {
			return perr
		}
	}
	if err != nil {
		return err
	}
	if !report.OK() {
		return fmt.Errorf("%d verification failures", len(report.Failures))
	}
	return nil
}

func cmdClear(_ context.Context, e *env, args []string) error {
	fs := newFlags("clear")
	yes := fs.Bool("yes", false, "confirm")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if !*yes {
		return fmt.Errorf("refusing to clear without -yes: %w", errUsage)
	}
	m, err := e.open()
	if err != nil {
		return err
	}
	if err := m.Clear(); err != nil {
		return err
	}
	return m.Flush()
}

func cmdPublish(ctx context.Context, e *env, args []string) error {
	fs := newFlags("publish")
	op := fs.String("op", "", "update or delete")
	docs := fs.String("docs", "", "comma separated docids")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	ids, err := parseDocIDs(*docs)
	if err != nil {
		return err
	}
	ev := invalidation.Event{
		ID:       uuid.NewString(),
		Op:       invalidation.Op(*op),
		DocIDs:   ids,
		IssuedAt: time.Now().UTC(),
	}
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("%v: %w", err, errUsage)
	}

	producer := kafka.NewProducer(e.cfg.Kafka, e.cfg.Kafka.Topics.CacheInvalidate)
	defer producer.Close()
	if err := producer.Publish(ctx, kafka.Event{Key: ev.ID, Value: ev}); err != nil {
		return err
	}
	return e.printJSON(map[string]any{"id": ev.ID, "op": ev.Op, "docs": len(ids)})
}
