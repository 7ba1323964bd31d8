package ddb

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockRangeSetAddCoalesces(t *testing.T) {
	s := NewBlockRangeSet()
	s.Add(10, 20)
	s.Add(30, 40)
	assert.Equal(t, int64(22), s.Count())
	assert.Equal(t, []Range{{10, 20}, {30, 40}}, s.Ranges())

	// touching range (gap of exactly one block) coalesces
	s.Add(21, 29)
	assert.Equal(t, []Range{{10, 40}}, s.Ranges())
	assert.Equal(t, int64(31), s.Count())
}

func TestBlockRangeSetAddGapOfTwoStaysSeparate(t *testing.T) {
	s := NewBlockRangeSet()
	s.Add(0, 5)
	s.Add(7, 10)
	require.Len(t, s.Ranges(), 2)
	assert.False(t, s.Has(6))
	assert.True(t, s.Has(5))
	assert.True(t, s.Has(7))
}

func TestBlockRangeSetAddOverlapAndSwallow(t *testing.T) {
	s := NewBlockRangeSet()
	s.Add(0, 2)
	s.Add(4, 6)
	s.Add(8, 10)
	s.Add(1, 9) // overlaps/touches all three
	assert.Equal(t, []Range{{0, 10}}, s.Ranges())
	assert.Equal(t, int64(11), s.Count())
}

func TestBlockRangeSetHas(t *testing.T) {
	s := NewBlockRangeSet()
	s.Add(5, 9)
	for b := int64(0); b < 20; b++ {
		want := b >= 5 && b <= 9
		assert.Equal(t, want, s.Has(b), "block %d", b)
	}
}

func TestBlockRangeSetSub(t *testing.T) {
	s := NewBlockRangeSet()
	s.Add(0, 10)
	s.Add(20, 30)
	sub := s.Sub(5, 25)
	assert.Equal(t, []Range{{5, 10}, {20, 25}}, sub.Ranges())
}

func TestUnionAndIntersect(t *testing.T) {
	a := NewBlockRangeSet()
	a.Add(0, 10)
	b := NewBlockRangeSet()
	b.Add(5, 15)
	c := NewBlockRangeSet()
	c.Add(8, 20)

	u := Union([]*BlockRangeSet{a, b, c})
	assert.Equal(t, []Range{{0, 20}}, u.Ranges())

	i := Intersect([]*BlockRangeSet{a, b, c})
	assert.Equal(t, []Range{{8, 10}}, i.Ranges())
}

func TestIntersectDisjointIsEmpty(t *testing.T) {
	a := NewBlockRangeSet()
	a.Add(0, 5)
	b := NewBlockRangeSet()
	b.Add(10, 15)
	i := Intersect([]*BlockRangeSet{a, b})
	assert.True(t, i.IsEmpty())
}

func TestBlockRangeSetClone(t *testing.T) {
	s := NewBlockRangeSet()
	s.Add(1, 5)
	clone := s.Clone()
	clone.Add(10, 15)
	assert.NotEqual(t, s.Ranges(), clone.Ranges())
	assert.Equal(t, []Range{{1, 5}}, s.Ranges())
}

func TestBlockRangeSetSaveLoadRoundTrip(t *testing.T) {
	s := NewBlockRangeSet()
	s.Add(0, 3)
	s.Add(100, 200)

	var buf bytes.Buffer
	require.NoError(t, s.Save(&buf))

	out, err := LoadBlockRangeSet(&buf)
	require.NoError(t, err)
	assert.Equal(t, s.Ranges(), out.Ranges())
	assert.Equal(t, s.Count(), out.Count())
}

func TestBlockRangeSetPrintReadRoundTrip(t *testing.T) {
	s := NewBlockRangeSet()
	s.Add(7, 7)
	s.Add(9, 12)

	var buf bytes.Buffer
	require.NoError(t, s.Print(&buf))
	assert.Equal(t, "7\n9:12\n", buf.String())

	out, err := ReadBlockRangeSet(&buf)
	require.NoError(t, err)
	assert.Equal(t, s.Ranges(), out.Ranges())
}

func TestLoadBlockRangeSetRejectsBadTrailer(t *testing.T) {
	s := NewBlockRangeSet()
	s.Add(0, 1)
	var buf bytes.Buffer
	require.NoError(t, s.Save(&buf))
	corrupt := buf.Bytes()
	corrupt[len(corrupt)-1] ^= 0xff

	_, err := LoadBlockRangeSet(bytes.NewReader(corrupt))
	require.Error(t, err)
	var de *Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, Invalid, de.Code)
}
