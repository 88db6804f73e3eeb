package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samsamfire/jpipclient/pkg/woi"
)

func TestMemCacheAppendAndGet(t *testing.T) {
	c := NewMemCache()
	id := woi.BinID{Class: woi.ClassPrecinct, CodestreamID: 0, Bin: 7}

	require.NoError(t, c.AddToDataBin(id, []byte("abc"), 0, false))
	data, complete, marked, ok := c.Get(id)
	require.True(t, ok)
	assert.Equal(t, []byte("abc"), data)
	assert.False(t, complete)
	assert.True(t, marked)

	require.NoError(t, c.AddToDataBin(id, []byte("def"), 3, true))
	data, complete, _, ok = c.Get(id)
	require.True(t, ok)
	assert.Equal(t, []byte("abcdef"), data)
	assert.True(t, complete)
}

func TestMemCacheGapIsZeroPadded(t *testing.T) {
	c := NewMemCache()
	id := woi.BinID{Class: woi.ClassMetadata, Bin: 1}

	require.NoError(t, c.AddToDataBin(id, []byte("xyz"), 5, false))
	data, _, _, ok := c.Get(id)
	require.True(t, ok)
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 'x', 'y', 'z'}, data)
}

func TestMemCacheOverlappingWriteIsIgnoredForCoveredBytes(t *testing.T) {
	c := NewMemCache()
	id := woi.BinID{Class: woi.ClassTileHeader, Bin: 1}

	require.NoError(t, c.AddToDataBin(id, []byte("hello"), 0, false))
	require.NoError(t, c.AddToDataBin(id, []byte("lo world"), 3, false))
	data, _, _, _ := c.Get(id)
	assert.Equal(t, []byte("hello world"), data)
}

func TestMemCacheMarkAndDelete(t *testing.T) {
	c := NewMemCache()
	id := woi.BinID{Class: woi.ClassMainHeader, Bin: 0}

	require.NoError(t, c.AddToDataBin(id, []byte("h"), 0, false))
	c.MarkDataBin(id, false)
	_, _, marked, ok := c.Get(id)
	require.True(t, ok)
	assert.False(t, marked)

	c.Delete(id)
	_, _, _, ok = c.Get(id)
	assert.False(t, ok)
}

func TestMemCacheBinsListsEveryKnownID(t *testing.T) {
	c := NewMemCache()
	a := woi.BinID{Class: woi.ClassPrecinct, Bin: 1}
	b := woi.BinID{Class: woi.ClassPrecinct, Bin: 2}
	require.NoError(t, c.AddToDataBin(a, []byte("a"), 0, false))
	require.NoError(t, c.AddToDataBin(b, []byte("b"), 0, false))

	ids := c.Bins()
	assert.ElementsMatch(t, []woi.BinID{a, b}, ids)
}
