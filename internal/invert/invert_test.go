package invert

import (
	"errors"
	"math/rand"
	"os"
	"slices"
	"sort"
	"testing"

	"github.com/miracle2k/xappy-sub001/internal/hitlist"
	apperrors "github.com/miracle2k/xappy-sub001/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapSource struct {
	lists map[hitlist.QueryID]hitlist.HitList
	fail  hitlist.QueryID
}

func newMapSource() *mapSource {
	return &mapSource{lists: make(map[hitlist.QueryID]hitlist.HitList)}
}

func (s *mapSource) IterQueryIDs(fn func(hitlist.QueryID) error) error {
	ids := make([]hitlist.QueryID, 0, len(s.lists))
	for q := range s.lists {
		ids = append(ids, q)
	}
	slices.Sort(ids)
	for _, q := range ids {
		if err := fn(q); err != nil {
			return err
		}
	}
	return nil
}

func (s *mapSource) GetHits(q hitlist.QueryID) (hitlist.HitList, error) {
	if s.fail != 0 && q == s.fail {
		return nil, errors.New("disk on fire")
	}
	return s.lists[q], nil
}

type invertedGroup struct {
	Doc      hitlist.DocID
	Postings []Posting
}

// collect copies every group, with postings sorted so that both strategies
// can be compared.
func collect(t *testing.T, inv Inverter, src Source) []invertedGroup {
	t.Helper()
	var out []invertedGroup
	require.NoError(t, inv.IterByDocID(src, func(g Group) error {
		ps := slices.Clone(g.Postings)
		sort.Slice(ps, func(i, j int) bool {
			if ps[i].QueryID != ps[j].QueryID {
				return ps[i].QueryID < ps[j].QueryID
			}
			return ps[i].Rank < ps[j].Rank
		})
		out = append(out, invertedGroup{Doc: g.DocID, Postings: ps})
		return nil
	}))
	return out
}

func strategies(t *testing.T) map[string]Inverter {
	return map[string]Inverter{
		"memory":   NewMemory(nil),
		"external": NewExternal(t.TempDir(), nil),
	}
}

func sampleSource() *mapSource {
	src := newMapSource()
	src.lists[2] = hitlist.HitList{3, 4, 5}
	src.lists[3] = hitlist.HitList{4, 5, 6}
	src.lists[1] = hitlist.HitList{7, 2, 1}
	return src
}

func TestInversionOfSample(t *testing.T) {
	want := []invertedGroup{
		{1, []Posting{{1, 2}}},
		{2, []Posting{{1, 1}}},
		{3, []Posting{{2, 0}}},
		{4, []Posting{{2, 1}, {3, 0}}},
		{5, []Posting{{2, 2}, {3, 1}}},
		{6, []Posting{{3, 2}}},
		{7, []Posting{{1, 0}}},
	}
	for name, inv := range strategies(t) {
		t.Run(name, func(t *testing.T) {
			defer inv.Close()
			assert.Equal(t, want, collect(t, inv, sampleSource()))
		})
	}
}

func TestExternalGroupOrderFollowsSort(t *testing.T) {
	inv := NewExternal(t.TempDir(), nil)
	defer inv.Close()
	src := newMapSource()
	src.lists[9] = hitlist.HitList{5, 1, 5}
	src.lists[4] = hitlist.HitList{5}

	var got []Posting
	require.NoError(t, inv.IterByDocID(src, func(g Group) error {
		if g.DocID == 5 {
			got = slices.Clone(g.Postings)
		}
		return nil
	}))
	assert.Equal(t, []Posting{{4, 0}, {9, 0}, {9, 2}}, got)
}

func TestMemoryKeepsInsertionOrder(t *testing.T) {
	inv := NewMemory(nil)
	src := newMapSource()
	src.lists[9] = hitlist.HitList{5, 1, 5}
	src.lists[4] = hitlist.HitList{5}

	var got []Posting
	require.NoError(t, inv.IterByDocID(src, func(g Group) error {
		if g.DocID == 5 {
			got = slices.Clone(g.Postings)
		}
		return nil
	}))
	// source yields query 4 before query 9
	assert.Equal(t, []Posting{{4, 0}, {9, 0}, {9, 2}}, got)
}

func randomSource(rng *rand.Rand, queries, maxLen, docs int) *mapSource {
	src := newMapSource()
	for i := 0; i < queries; i++ {
		q := hitlist.QueryID(rng.Intn(queries * 4))
		n := rng.Intn(maxLen + 1)
		hits := make(hitlist.HitList, n)
		for j := range hits {
			hits[j] = hitlist.DocID(rng.Intn(docs))
		}
		src.lists[q] = hits
	}
	return src
}

func TestStrategiesAgreeWithBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	src := randomSource(rng, 200, 40, 300)

	var total int64
	expected := map[hitlist.DocID][]Posting{}
	for q, hits := range src.lists {
		total += int64(len(hits))
		for r, d := range hits {
			expected[d] = append(expected[d], Posting{q, hitlist.Rank(r)})
		}
	}

	mem := NewMemory(nil)
	ext := NewExternal(t.TempDir(), nil)
	defer ext.Close()

	memGroups := collect(t, mem, src)
	extGroups := collect(t, ext, src)
	assert.Equal(t, memGroups, extGroups)
	assert.Equal(t, total, mem.Records())
	assert.Equal(t, total, ext.Records())

	assert.Len(t, memGroups, len(expected))
	for i, g := range memGroups {
		if i > 0 {
			assert.Less(t, memGroups[i-1].Doc, g.Doc, "docids must ascend")
		}
		assert.ElementsMatch(t, expected[g.Doc], g.Postings)
		for _, p := range g.Postings {
			assert.Equal(t, g.Doc, src.lists[p.QueryID][p.Rank])
		}
	}
}

func TestPrepareIsIdempotentUntilInvalidated(t *testing.T) {
	for name, inv := range strategies(t) {
		t.Run(name, func(t *testing.T) {
			defer inv.Close()
			src := sampleSource()
			fresh := collect(t, NewMemory(nil), src)

			require.NoError(t, inv.Prepare(src))
			src.lists[8] = hitlist.HitList{100}
			require.NoError(t, inv.Prepare(src))
			assert.Equal(t, fresh, collect(t, inv, src), "a held inversion is not rebuilt")

			require.NoError(t, inv.Invalidate())
			require.NoError(t, inv.Prepare(src))
			assert.Equal(t, collect(t, NewMemory(nil), src), collect(t, inv, src))
		})
	}
}

func TestDeletedQueryDisappears(t *testing.T) {
	for name, inv := range strategies(t) {
		t.Run(name, func(t *testing.T) {
			defer inv.Close()
			src := sampleSource()
			before := collect(t, inv, src)

			delete(src.lists, 2)
			require.NoError(t, inv.Invalidate())
			after := collect(t, inv, src)

			var want []invertedGroup
			for _, g := range before {
				var ps []Posting
				for _, p := range g.Postings {
					if p.QueryID != 2 {
						ps = append(ps, p)
					}
				}
				if len(ps) > 0 {
					want = append(want, invertedGroup{g.Doc, ps})
				}
			}
			assert.Equal(t, want, after)
		})
	}
}

func TestEmptySource(t *testing.T) {
	for name, inv := range strategies(t) {
		t.Run(name, func(t *testing.T) {
			defer inv.Close()
			assert.Empty(t, collect(t, inv, newMapSource()))
		})
	}
}

func TestSourceErrorPropagates(t *testing.T) {
	dir := t.TempDir()
	src := sampleSource()
	src.fail = 3

	ext := NewExternal(dir, nil)
	err := ext.IterByDocID(src, func(Group) error { return nil })
	require.Error(t, err)
	assert.ErrorContains(t, err, "disk on fire")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "a failed spill must not leave its arena behind")

	assert.ErrorContains(t, NewMemory(nil).Prepare(src), "disk on fire")
}

func TestExternalDefersReleaseWhileIterating(t *testing.T) {
	dir := t.TempDir()
	ext := NewExternal(dir, nil)
	defer ext.Close()
	src := sampleSource()

	require.NoError(t, ext.Prepare(src))
	path := ext.arena.Path()

	seen := 0
	require.NoError(t, ext.IterByDocID(src, func(Group) error {
		if seen == 0 {
			require.NoError(t, ext.Invalidate())
			assert.FileExists(t, path)
		}
		seen++
		return nil
	}))
	assert.Equal(t, 7, seen)
	assert.NoFileExists(t, path)
	assert.Zero(t, ext.Records())

	// the next iteration rebuilds
	assert.Len(t, collect(t, ext, src), 7)
}

func TestExternalCloseRemovesArena(t *testing.T) {
	dir := t.TempDir()
	ext := NewExternal(dir, nil)
	require.NoError(t, ext.Prepare(sampleSource()))
	require.NoError(t, ext.Close())
	require.NoError(t, ext.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCallbackErrorStopsIteration(t *testing.T) {
	stop := errors.New("stop")
	for name, inv := range strategies(t) {
		t.Run(name, func(t *testing.T) {
			defer inv.Close()
			calls := 0
			err := inv.IterByDocID(sampleSource(), func(Group) error {
				calls++
				return stop
			})
			assert.ErrorIs(t, err, stop)
			assert.Equal(t, 1, calls)
		})
	}
}

func TestNewStrategy(t *testing.T) {
	inv, err := New("memory", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "memory", inv.Name())

	inv, err = New("external", t.TempDir(), nil)
	require.NoError(t, err)
	assert.Equal(t, "external", inv.Name())

	_, err = New("numpy", "", nil)
	assert.Error(t, err)
}

func TestHitListTooLongIsRejected(t *testing.T) {
	assert.ErrorIs(t, hitlist.CheckLen(hitlist.MaxLen+1), apperrors.ErrIDOverflow)
}
