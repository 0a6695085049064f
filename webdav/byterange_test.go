package webdav

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRangeEmptyHeader(t *testing.T) {
	ranges, err := ParseRange("", 10)
	require.NoError(t, err)
	assert.Nil(t, ranges)
}

func TestParseRangeSimple(t *testing.T) {
	ranges, err := ParseRange("bytes=0-4", 10)
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	assert.Equal(t, ByteRange{Start: 0, Length: 5}, ranges[0])
}

func TestParseRangeSuffix(t *testing.T) {
	ranges, err := ParseRange("bytes=-3", 10)
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	assert.Equal(t, ByteRange{Start: 7, Length: 3}, ranges[0])
}

func TestParseRangeOpenEnded(t *testing.T) {
	ranges, err := ParseRange("bytes=5-", 10)
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	assert.Equal(t, ByteRange{Start: 5, Length: 5}, ranges[0])
}

// The spec's scenario 3: "bytes=0-0,-1" against a 10-byte file yields two
// ranges, since "-1" (the last byte, index 9) does not touch or overlap
// "0-0"; both are returned disjoint and sorted. The Handler only honors the
// first of multiple ranges per §4.G, so the caller picks ranges[0] rather
// than relying on ParseRange to drop the second.
func TestParseRangeMultipleCoalesceDisjoint(t *testing.T) {
	ranges, err := ParseRange("bytes=0-0,-1", 10)
	require.NoError(t, err)
	require.Len(t, ranges, 2)
	assert.Equal(t, ByteRange{Start: 0, Length: 1}, ranges[0])
	assert.Equal(t, ByteRange{Start: 9, Length: 1}, ranges[1])
}

func TestParseRangeCoalescesOverlapping(t *testing.T) {
	ranges, err := ParseRange("bytes=0-4,3-7", 10)
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	assert.Equal(t, ByteRange{Start: 0, Length: 8}, ranges[0])
}

func TestParseRangeCoalescesContiguous(t *testing.T) {
	ranges, err := ParseRange("bytes=0-3,4-7", 10)
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	assert.Equal(t, ByteRange{Start: 0, Length: 8}, ranges[0])
}

func TestParseRangeClampsToSize(t *testing.T) {
	ranges, err := ParseRange("bytes=5-100", 10)
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	assert.Equal(t, ByteRange{Start: 5, Length: 5}, ranges[0])
}

func TestParseRangeAllOutsideFile(t *testing.T) {
	_, err := ParseRange("bytes=20-30", 10)
	assert.ErrorIs(t, err, ErrRangeNotSatisfiable)
}

func TestParseRangeMalformed(t *testing.T) {
	for _, s := range []string{"bytes=", "bytes=abc-5", "bytes=5-abc", "bytes=10-5", "nofix=0-1"} {
		_, err := ParseRange(s, 10)
		assert.ErrorIs(t, err, ErrInvalidRange, "input %q", s)
	}
}

func TestParseRangeResultsSortedAndDisjoint(t *testing.T) {
	ranges, err := ParseRange("bytes=8-9,0-1,3-4", 10)
	require.NoError(t, err)
	require.Len(t, ranges, 3)
	for i := 1; i < len(ranges); i++ {
		assert.True(t, ranges[i].Start > ranges[i-1].Start+ranges[i-1].Length,
			"ranges must be disjoint and sorted: %+v", ranges)
	}
	var total int64
	for _, r := range ranges {
		total += r.Length
		assert.True(t, r.Start >= 0 && r.Start+r.Length <= 10)
	}
	assert.Equal(t, int64(6), total)
}

func TestByteRangeContentRange(t *testing.T) {
	r := ByteRange{Start: 0, Length: 1}
	assert.Equal(t, "bytes 0-0/10", r.ContentRange(10))
}
