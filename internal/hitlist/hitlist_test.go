package hitlist

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeDecodePreservesOrderAndDuplicates(t *testing.T) {
	hits := HitList{7, 2, 1, 2, 4294967295}
	buf := AppendEncoded(nil, hits)

	assert.Len(t, buf, len(hits)*DocIDSize)
	assert.Equal(t, hits, Decode(buf))
}

func TestDecodeIgnoresPartialTrailer(t *testing.T) {
	buf := AppendEncoded(nil, HitList{10, 20})
	buf = append(buf, 0xff, 0xff)

	assert.Equal(t, HitList{10, 20}, Decode(buf))
	assert.Empty(t, Decode(nil))
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(HitList{1, 2}, HitList{1, 2}))
	assert.False(t, Equal(HitList{1, 2}, HitList{2, 1}))
	assert.False(t, Equal(HitList{1}, HitList{1, 1}))
	assert.True(t, Equal(nil, HitList{}))
}

func TestCheckLen(t *testing.T) {
	assert.NoError(t, CheckLen(0))
	assert.NoError(t, CheckLen(1<<20))
}
