// Package hitlist defines the identifiers shared by the query cache and the
// fixed-width codec used to store ordered document ids.
package hitlist

import (
	"encoding/binary"
	"fmt"
	"math"

	apperrors "github.com/miracle2k/xappy-sub001/pkg/errors"
)

// QueryID identifies a cached query.
type QueryID uint32

// DocID identifies a document in the search engine's corpus.
type DocID uint32

// Rank is the zero-based position of a DocID within a HitList.
type Rank uint32

// HitList is the ranked sequence of documents matching one query. Order is
// significant and duplicates are allowed.
type HitList []DocID

// DocIDSize is the encoded width of one DocID.
const DocIDSize = 4

// MaxLen is the longest HitList whose ranks fit in a Rank.
const MaxLen = math.MaxUint32

// CheckLen fails with ErrIDOverflow when a list of n hits cannot be ranked
// with 32-bit ranks.
func CheckLen(n int) error {
	if uint64(n) > MaxLen {
		return fmt.Errorf("hit list of %d entries: %w", n, apperrors.ErrIDOverflow)
	}
	return nil
}

// AppendEncoded appends the little-endian encoding of hits to dst.
func AppendEncoded(dst []byte, hits HitList) []byte {
	for _, d := range hits {
		dst = binary.LittleEndian.AppendUint32(dst, uint32(d))
	}
	return dst
}

// Decode parses a buffer produced by AppendEncoded. Trailing bytes that do not
// form a whole DocID are ignored.
func Decode(buf []byte) HitList {
	n := len(buf) / DocIDSize
	hits := make(HitList, n)
	for i := 0; i < n; i++ {
		hits[i] = DocID(binary.LittleEndian.Uint32(buf[i*DocIDSize:]))
	}
	return hits
}

// Equal reports whether a and b hold the same documents in the same order.
func Equal(a, b HitList) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
