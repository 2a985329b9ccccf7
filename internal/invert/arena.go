package invert

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/edsrzf/mmap-go"
	"github.com/miracle2k/xappy-sub001/internal/hitlist"
	apperrors "github.com/miracle2k/xappy-sub001/pkg/errors"
)

// RecordSize is the width of one (docid, queryid, rank) record.
const RecordSize = 12

const arenaBackend = "arena"

// Arena is a temporary file of fixed-width little-endian records. Records
// are appended, then Seal sorts the file in place through a memory mapping
// and Groups streams it back one document at a time.
//
// An Arena owns its file. Close unmaps and removes it and must be called on
// every path once the arena is no longer needed.
type Arena struct {
	file   *os.File
	w      *bufio.Writer
	data   mmap.MMap
	count  int64
	buf    [RecordSize]byte
	sealed bool
	closed bool
}

// NewArena creates the backing file in dir, or in the system temporary
// directory when dir is empty.
func NewArena(dir string) (*Arena, error) {
	f, err := os.CreateTemp(dir, "invdata-*")
	if err != nil {
		return nil, apperrors.NewStoreError(arenaBackend, "create", err)
	}
	return &Arena{
		file: f,
		w:    bufio.NewWriterSize(f, 64*1024),
	}, nil
}

// Path returns the backing file path.
func (a *Arena) Path() string { return a.file.Name() }

// Len returns the number of records appended.
func (a *Arena) Len() int64 { return a.count }

// Append writes one record per hit, ranked by position.
func (a *Arena) Append(q hitlist.QueryID, hits hitlist.HitList) error {
	if a.closed {
		return apperrors.ErrArenaClosed
	}
	if a.sealed {
		return errors.New("append to sealed arena")
	}
	for rank, doc := range hits {
		binary.LittleEndian.PutUint32(a.buf[0:], uint32(doc))
		binary.LittleEndian.PutUint32(a.buf[4:], uint32(q))
		binary.LittleEndian.PutUint32(a.buf[8:], uint32(rank))
		if _, err := a.w.Write(a.buf[:]); err != nil {
			return apperrors.NewStoreError(arenaBackend, "write", err)
		}
	}
	a.count += int64(len(hits))
	return nil
}

// Seal ends the spill phase and sorts the records by docid, then query id,
// then rank.
func (a *Arena) Seal() error {
	if a.closed {
		return apperrors.ErrArenaClosed
	}
	if a.sealed {
		return nil
	}
	if err := a.w.Flush(); err != nil {
		return apperrors.NewStoreError(arenaBackend, "flush", err)
	}
	if a.count > 0 {
		data, err := mmap.Map(a.file, mmap.RDWR, 0)
		if err != nil {
			return apperrors.NewStoreError(arenaBackend, "mmap", err)
		}
		a.data = data
		sort.Sort(records(a.data))
	}
	a.sealed = true
	return nil
}

// Groups calls fn once per distinct docid in ascending order. The arena
// must be sealed.
func (a *Arena) Groups(fn func(Group) error) error {
	if a.closed {
		return apperrors.ErrArenaClosed
	}
	if !a.sealed {
		return apperrors.ErrInputNotExhausted
	}
	recs := records(a.data)
	n := recs.Len()
	var postings []Posting
	for i := 0; i < n; {
		doc := recs.doc(i)
		postings = postings[:0]
		for ; i < n && recs.doc(i) == doc; i++ {
			postings = append(postings, Posting{QueryID: recs.query(i), Rank: recs.rank(i)})
		}
		if err := fn(Group{DocID: doc, Postings: postings}); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the mapping and removes the backing file. It is safe to
// call more than once.
func (a *Arena) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	var errs []error
	if a.data != nil {
		if err := a.data.Unmap(); err != nil {
			errs = append(errs, apperrors.NewStoreError(arenaBackend, "unmap", err))
		}
		a.data = nil
	}
	if err := a.file.Close(); err != nil {
		errs = append(errs, apperrors.NewStoreError(arenaBackend, "close", err))
	}
	if err := os.Remove(a.file.Name()); err != nil && !os.IsNotExist(err) {
		errs = append(errs, apperrors.NewStoreError(arenaBackend, "remove", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("releasing arena: %w", errors.Join(errs...))
	}
	return nil
}

// records is a sort.Interface over a buffer of encoded records.
type records []byte

func (r records) Len() int { return len(r) / RecordSize }

func (r records) field(i, off int) uint32 {
	return binary.LittleEndian.Uint32(r[i*RecordSize+off:])
}

func (r records) doc(i int) hitlist.DocID     { return hitlist.DocID(r.field(i, 0)) }
func (r records) query(i int) hitlist.QueryID { return hitlist.QueryID(r.field(i, 4)) }
func (r records) rank(i int) hitlist.Rank     { return hitlist.Rank(r.field(i, 8)) }

func (r records) Less(i, j int) bool {
	for off := 0; off < RecordSize; off += 4 {
		a, b := r.field(i, off), r.field(j, off)
		if a != b {
			return a < b
		}
	}
	return false
}

func (r records) Swap(i, j int) {
	var tmp [RecordSize]byte
	ri := r[i*RecordSize : (i+1)*RecordSize]
	rj := r[j*RecordSize : (j+1)*RecordSize]
	copy(tmp[:], ri)
	copy(ri, rj)
	copy(rj, tmp[:])
}
