// Package querycache stores ranked hit lists per query in a kvstore.Store.
//
// A hit list is split into chunks of at most ChunkSize document ids, stored
// under "<queryid>#<chunk>". Chunk 0 starts with the total number of hits as
// a little-endian uint32, so an empty cached list is told apart from a query
// that was never cached. With chunking disabled the whole list is chunk 0.
//
// The manager also maps query strings to sequentially allocated query ids.
package querycache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/RoaringBitmap/roaring"
	"github.com/miracle2k/xappy-sub001/internal/hitlist"
	"github.com/miracle2k/xappy-sub001/internal/invert"
	"github.com/miracle2k/xappy-sub001/internal/kvstore"
	apperrors "github.com/miracle2k/xappy-sub001/pkg/errors"
	"github.com/miracle2k/xappy-sub001/pkg/metrics"
)

const (
	headerSize = 4

	queryStrPrefix = "!q:"
	nextIDKey      = "!nextid"
)

var errStopIteration = errors.New("stop iteration")

// RankDoc names one hit to remove. Rank is a hint: it may be larger than the
// hit's current rank but never smaller.
type RankDoc struct {
	Rank  hitlist.Rank
	DocID hitlist.DocID
}

// Manager is the chunked query cache. It is not safe for concurrent use.
type Manager struct {
	store     kvstore.Store
	chunkSize int
	inverter  invert.Inverter
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

type Option func(*Manager)

// WithChunkSize sets the number of hits per chunk. Zero disables chunking.
func WithChunkSize(n int) Option {
	return func(m *Manager) { m.chunkSize = n }
}

// WithInverter selects the inversion strategy. The manager takes ownership
// and closes it on Close.
func WithInverter(inv invert.Inverter) Option {
	return func(m *Manager) { m.inverter = inv }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// New creates a manager over store. Without WithInverter the in-memory
// strategy is used.
func New(store kvstore.Store, opts ...Option) (*Manager, error) {
	m := &Manager{
		store:  store,
		logger: slog.Default().With("component", "query-cache-manager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.chunkSize < 0 {
		return nil, fmt.Errorf("chunk size must not be negative, got %d", m.chunkSize)
	}
	if m.inverter == nil {
		m.inverter = invert.NewMemory(m.metrics)
	}
	if limit := kvstore.MaxValueSize(store); limit > 0 && m.chunkSize > 0 {
		if need := headerSize + m.chunkSize*hitlist.DocIDSize; need > limit {
			return nil, fmt.Errorf("chunk size %d needs %d bytes, store allows %d: %w",
				m.chunkSize, need, limit, apperrors.ErrValueTooLarge)
		}
	}
	return m, nil
}

// ChunkSize returns the configured chunk size, 0 when unchunked.
func (m *Manager) ChunkSize() int { return m.chunkSize }

// Inverter returns the inversion strategy in use.
func (m *Manager) Inverter() invert.Inverter { return m.inverter }

func chunkKey(q hitlist.QueryID, chunk int) []byte {
	return []byte(strconv.FormatUint(uint64(q), 10) + "#" + strconv.Itoa(chunk))
}

// parseChunkKey returns the query id of a hit chunk key.
func parseChunkKey(key []byte) (hitlist.QueryID, bool) {
	s := string(key)
	i := strings.IndexByte(s, '#')
	if i <= 0 {
		return 0, false
	}
	q, err := strconv.ParseUint(s[:i], 10, 32)
	if err != nil {
		return 0, false
	}
	if _, err := strconv.Atoi(s[i+1:]); err != nil {
		return 0, false
	}
	return hitlist.QueryID(q), true
}

// chunkOf returns the chunk holding rank r.
func (m *Manager) chunkOf(r int) int {
	if m.chunkSize == 0 {
		return 0
	}
	return r / m.chunkSize
}

// chunkStart returns the rank of the first hit stored in chunk c.
func (m *Manager) chunkStart(c int) int {
	return c * m.chunkSize
}

// readChunk returns the hits stored in chunk c and, for chunk 0, the total
// count from the header. ok is false when the chunk is absent.
func (m *Manager) readChunk(q hitlist.QueryID, c int) (hits hitlist.HitList, total int, ok bool, err error) {
	data, err := m.store.Get(chunkKey(q, c))
	if err != nil {
		return nil, 0, false, fmt.Errorf("reading chunk %d of query %d: %w", c, q, err)
	}
	if len(data) == 0 {
		return nil, 0, false, nil
	}
	if c == 0 {
		if len(data) < headerSize {
			return nil, 0, false, fmt.Errorf("chunk 0 of query %d: short header", q)
		}
		total = int(binary.LittleEndian.Uint32(data))
		data = data[headerSize:]
	}
	return hitlist.Decode(data), total, true, nil
}

// HasHits reports whether a hit list, possibly empty, is cached for q.
func (m *Manager) HasHits(q hitlist.QueryID) (bool, error) {
	data, err := m.store.Get(chunkKey(q, 0))
	if err != nil {
		return false, fmt.Errorf("reading chunk 0 of query %d: %w", q, err)
	}
	return len(data) > 0, nil
}

// GetHits returns the whole cached hit list for q. An uncached query yields
// an empty list.
func (m *Manager) GetHits(q hitlist.QueryID) (hitlist.HitList, error) {
	return m.GetHitsRange(q, 0, -1)
}

// Count returns the number of hits cached for q.
func (m *Manager) Count(q hitlist.QueryID) (int, error) {
	_, total, _, err := m.readChunk(q, 0)
	return total, err
}

// GetHitsRange returns the hits at ranks [start, end). A negative end means
// up to the last hit. Only the chunks covering the range are read when the
// list was written with the current chunk size; otherwise the chunks are
// walked from the first one.
func (m *Manager) GetHitsRange(q hitlist.QueryID, start, end int) (hitlist.HitList, error) {
	if start < 0 {
		start = 0
	}
	first, total, ok, err := m.readChunk(q, 0)
	if err != nil || !ok {
		return nil, err
	}
	if end < 0 || end > total {
		end = total
	}
	if start >= end {
		return hitlist.HitList{}, nil
	}

	c, base := 0, 0
	if m.layoutMatches(first, total) {
		c = m.chunkOf(start)
		base = m.chunkStart(c)
	} else {
		m.logger.Debug("hit list written with another chunk size", "query_id", q, "chunk0", len(first))
	}
	hits := make(hitlist.HitList, 0, end-start)
	for base < end {
		chunk := first
		if c > 0 {
			chunk, _, ok, err = m.readChunk(q, c)
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
		}
		lo := max(start-base, 0)
		hi := min(end-base, len(chunk))
		if lo < hi {
			hits = append(hits, chunk[lo:hi]...)
		}
		base += len(chunk)
		c++
	}
	if len(hits) != end-start {
		return nil, fmt.Errorf("query %d: read %d of %d hits in ranks [%d,%d): %w",
			q, len(hits), end-start, start, end, apperrors.ErrTruncatedHitList)
	}
	return hits, nil
}

// layoutMatches reports whether a list whose chunk 0 holds first was written
// with the current chunk size.
func (m *Manager) layoutMatches(first hitlist.HitList, total int) bool {
	want := total
	if m.chunkSize > 0 {
		want = min(m.chunkSize, total)
	}
	return len(first) == want
}

// encodeChunks splits hits, whose first element has rank startRank, into
// chunk values beginning at chunk startRank/chunkSize. The header of chunk 0
// carries total.
func (m *Manager) encodeChunks(hits hitlist.HitList, startRank, total int) ([][]byte, error) {
	limit := kvstore.MaxValueSize(m.store)
	var chunks [][]byte
	c := m.chunkOf(startRank)
	for offset := 0; ; c++ {
		n := len(hits) - offset
		if m.chunkSize > 0 && n > m.chunkSize {
			n = m.chunkSize
		}
		var buf []byte
		if c == 0 {
			buf = binary.LittleEndian.AppendUint32(make([]byte, 0, headerSize+n*hitlist.DocIDSize), uint32(total))
		}
		buf = hitlist.AppendEncoded(buf, hits[offset:offset+n])
		if limit > 0 && len(buf) > limit {
			return nil, fmt.Errorf("chunk %d is %d bytes, limit %d: %w", c, len(buf), limit, apperrors.ErrValueTooLarge)
		}
		if len(buf) == 0 {
			break
		}
		chunks = append(chunks, buf)
		offset += n
		if offset >= len(hits) {
			break
		}
	}
	return chunks, nil
}

// SetHits replaces the cached hit list for q.
func (m *Manager) SetHits(q hitlist.QueryID, hits hitlist.HitList) error {
	if err := hitlist.CheckLen(len(hits)); err != nil {
		return err
	}
	if err := m.writeFrom(q, hits, 0, len(hits)); err != nil {
		return err
	}
	m.logger.Debug("hits stored", "query_id", q, "hits", len(hits))
	return m.invalidate()
}

// writeFrom writes hits starting at the chunk holding startRank and drops any
// chunks past the new end. startRank must be a chunk boundary.
func (m *Manager) writeFrom(q hitlist.QueryID, hits hitlist.HitList, startRank, total int) error {
	chunks, err := m.encodeChunks(hits, startRank, total)
	if err != nil {
		return fmt.Errorf("storing hits for query %d: %w", q, err)
	}
	c := m.chunkOf(startRank)
	if c > 0 {
		if err := m.rewriteHeader(q, total); err != nil {
			return err
		}
	}
	for _, data := range chunks {
		if err := m.store.Set(chunkKey(q, c), data); err != nil {
			return fmt.Errorf("writing chunk %d of query %d: %w", c, q, err)
		}
		c++
	}
	m.metrics.ChunkWritten(len(chunks))
	return m.deleteChunksFrom(q, c)
}

func (m *Manager) rewriteHeader(q hitlist.QueryID, total int) error {
	key := chunkKey(q, 0)
	data, err := m.store.Get(key)
	if err != nil {
		return fmt.Errorf("reading chunk 0 of query %d: %w", q, err)
	}
	if len(data) < headerSize {
		return fmt.Errorf("chunk 0 of query %d: short header", q)
	}
	binary.LittleEndian.PutUint32(data, uint32(total))
	if err := m.store.Set(key, data); err != nil {
		return fmt.Errorf("writing chunk 0 of query %d: %w", q, err)
	}
	return nil
}

// deleteChunksFrom removes chunk c and every following chunk of q.
func (m *Manager) deleteChunksFrom(q hitlist.QueryID, c int) error {
	for ; ; c++ {
		key := chunkKey(q, c)
		data, err := m.store.Get(key)
		if err != nil {
			return fmt.Errorf("reading chunk %d of query %d: %w", c, q, err)
		}
		if len(data) == 0 {
			return nil
		}
		if err := m.store.Delete(key); err != nil {
			return fmt.Errorf("deleting chunk %d of query %d: %w", c, q, err)
		}
	}
}

// Delete drops the cached hit list for q. The query string mapping is kept.
func (m *Manager) Delete(q hitlist.QueryID) error {
	if err := m.deleteChunksFrom(q, 0); err != nil {
		return err
	}
	m.logger.Debug("hits deleted", "query_id", q)
	return m.invalidate()
}

// RemoveHits removes the given documents from the hit list of q. Only the
// chunks from the lowest hinted rank onwards are rewritten when every hint
// is exact; otherwise the whole list is searched downwards from each hint.
func (m *Manager) RemoveHits(q hitlist.QueryID, remove []RankDoc) error {
	if len(remove) == 0 {
		return nil
	}
	sorted := make([]RankDoc, len(remove))
	copy(sorted, remove)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Rank != sorted[j].Rank {
			return sorted[i].Rank > sorted[j].Rank
		}
		return sorted[i].DocID > sorted[j].DocID
	})

	first, total, _, err := m.readChunk(q, 0)
	if err != nil {
		return err
	}
	startRank := m.chunkStart(m.chunkOf(int(sorted[len(sorted)-1].Rank)))
	if startRank > total {
		startRank = m.chunkStart(m.chunkOf(total))
	}
	if !m.layoutMatches(first, total) {
		// Rewrite everything so the list ends up in the current layout.
		startRank = 0
	}
	hits, err := m.GetHitsRange(q, startRank, -1)
	if err != nil {
		return err
	}

	var unmatched []RankDoc
	for _, rd := range sorted {
		i := int(rd.Rank) - startRank
		if i >= 0 && i < len(hits) && hits[i] == rd.DocID {
			hits = append(hits[:i], hits[i+1:]...)
			continue
		}
		unmatched = append(unmatched, rd)
	}

	if len(unmatched) > 0 {
		head, err := m.GetHitsRange(q, 0, startRank)
		if err != nil {
			return err
		}
		hits = append(head, hits...)
		startRank = 0
		for _, rd := range unmatched {
			i := min(int(rd.Rank), len(hits)-1)
			for i >= 0 && hits[i] != rd.DocID {
				i--
			}
			if i < 0 {
				return fmt.Errorf("removing doc %d (rank hint %d) from query %d: %w",
					rd.DocID, rd.Rank, q, apperrors.ErrHitNotFound)
			}
			hits = append(hits[:i], hits[i+1:]...)
		}
	}

	if err := m.writeFrom(q, hits, startRank, startRank+len(hits)); err != nil {
		return err
	}
	m.logger.Debug("hits removed", "query_id", q, "removed", len(remove))
	return m.invalidate()
}

// IterQueryIDs calls fn once for every query id with cached hits, in
// ascending order. Each call rescans the store.
func (m *Manager) IterQueryIDs(fn func(hitlist.QueryID) error) error {
	ids := roaring.New()
	err := m.store.Keys(func(key []byte) error {
		if q, ok := parseChunkKey(key); ok {
			ids.Add(uint32(q))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("listing cached queries: %w", err)
	}
	it := ids.Iterator()
	for it.HasNext() {
		if err := fn(hitlist.QueryID(it.Next())); err != nil {
			return err
		}
	}
	return nil
}

// GetQueryID returns the id allocated to queryStr, if any.
func (m *Manager) GetQueryID(queryStr string) (hitlist.QueryID, bool, error) {
	data, err := m.store.Get([]byte(queryStrPrefix + queryStr))
	if err != nil {
		return 0, false, fmt.Errorf("looking up query string: %w", err)
	}
	if len(data) != 4 {
		return 0, false, nil
	}
	return hitlist.QueryID(binary.LittleEndian.Uint32(data)), true, nil
}

// GetOrMakeQueryID returns the id for queryStr, allocating the next free id
// when the string has not been seen before.
func (m *Manager) GetOrMakeQueryID(queryStr string) (hitlist.QueryID, error) {
	q, ok, err := m.GetQueryID(queryStr)
	if err != nil || ok {
		return q, err
	}
	next, err := m.store.Get([]byte(nextIDKey))
	if err != nil {
		return 0, fmt.Errorf("reading query id counter: %w", err)
	}
	var id uint64
	if len(next) == 8 {
		id = binary.LittleEndian.Uint64(next)
	}
	if id > math.MaxUint32 {
		return 0, fmt.Errorf("allocating query id: %w", apperrors.ErrIDOverflow)
	}
	if err := m.store.Set([]byte(queryStrPrefix+queryStr), binary.LittleEndian.AppendUint32(nil, uint32(id))); err != nil {
		return 0, fmt.Errorf("storing query string: %w", err)
	}
	if err := m.store.Set([]byte(nextIDKey), binary.LittleEndian.AppendUint64(nil, id+1)); err != nil {
		return 0, fmt.Errorf("advancing query id counter: %w", err)
	}
	m.logger.Debug("query id allocated", "query_id", id)
	return hitlist.QueryID(id), nil
}

// IterQueryStrs calls fn for every query string with an allocated id.
func (m *Manager) IterQueryStrs(fn func(queryStr string, q hitlist.QueryID) error) error {
	type entry struct {
		str string
		id  hitlist.QueryID
	}
	var entries []entry
	seen := make(map[string]struct{})
	err := m.store.Keys(func(key []byte) error {
		s, ok := strings.CutPrefix(string(key), queryStrPrefix)
		if !ok {
			return nil
		}
		// Scanning backends may report a key more than once.
		if _, dup := seen[s]; dup {
			return nil
		}
		seen[s] = struct{}{}
		q, found, err := m.GetQueryID(s)
		if err != nil {
			return err
		}
		if found {
			entries = append(entries, entry{s, q})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("listing query strings: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].str < entries[j].str })
	for _, e := range entries {
		if err := fn(e.str, e.id); err != nil {
			return err
		}
	}
	return nil
}

// IsEmpty reports whether the store holds no cache data at all.
func (m *Manager) IsEmpty() (bool, error) {
	empty := true
	err := m.store.Keys(func([]byte) error {
		empty = false
		return errStopIteration
	})
	if err != nil && !errors.Is(err, errStopIteration) {
		return false, fmt.Errorf("checking for cache data: %w", err)
	}
	return empty, nil
}

// Clear removes every hit list and query string mapping.
func (m *Manager) Clear() error {
	var keys [][]byte
	err := m.store.Keys(func(key []byte) error {
		keys = append(keys, append([]byte(nil), key...))
		return nil
	})
	if err != nil {
		return fmt.Errorf("listing keys to clear: %w", err)
	}
	for _, k := range keys {
		if err := m.store.Delete(k); err != nil {
			return fmt.Errorf("clearing cache: %w", err)
		}
	}
	m.logger.Info("cache cleared", "keys", len(keys))
	return m.invalidate()
}

// Prepare builds the docid inversion if the strategy has none.
func (m *Manager) Prepare() error {
	return m.inverter.Prepare(m)
}

// IterByDocID calls fn with every document that appears in a cached hit
// list, in ascending docid order.
func (m *Manager) IterByDocID(fn func(invert.Group) error) error {
	return m.inverter.IterByDocID(m, fn)
}

func (m *Manager) invalidate() error {
	if err := m.inverter.Invalidate(); err != nil {
		return fmt.Errorf("invalidating inversion: %w", err)
	}
	return nil
}

func (m *Manager) Flush() error {
	if err := m.store.Flush(); err != nil {
		return fmt.Errorf("flushing cache store: %w", err)
	}
	return nil
}

// Close releases the inverter and the store. Both are closed even if the
// first fails.
func (m *Manager) Close() error {
	ierr := m.inverter.Close()
	serr := m.store.Close()
	return errors.Join(ierr, serr)
}
