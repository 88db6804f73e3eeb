package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samsamfire/jpipclient/pkg/cache"
	"github.com/samsamfire/jpipclient/pkg/woi"
)

type fakeMapper struct {
	bins []woi.BinID
}

func (f *fakeMapper) RelevantBins(w woi.WOI, codestream int, mainHeader []byte) ([]woi.BinID, error) {
	return f.bins, nil
}

func TestBuildStatementsOmitsByteCountForCompleteBins(t *testing.T) {
	c := cache.NewMemCache()
	id := woi.BinID{Class: woi.ClassPrecinct, Bin: 1}
	require.NoError(t, c.AddToDataBin(id, []byte("abc"), 0, true))

	m := New(&fakeMapper{bins: []woi.BinID{id}}, c)
	res, err := m.BuildStatements(woi.WOI{})
	require.NoError(t, err)
	require.Len(t, res.Statements, 1)
	assert.Equal(t, -1, res.Statements[0].ByteCount)
	assert.Equal(t, "P1", res.Statements[0].Text())
}

func TestBuildStatementsIncludesByteCountForPartialBins(t *testing.T) {
	c := cache.NewMemCache()
	id := woi.BinID{Class: woi.ClassPrecinct, Bin: 2}
	require.NoError(t, c.AddToDataBin(id, []byte("abcd"), 0, false))

	m := New(&fakeMapper{bins: []woi.BinID{id}}, c)
	res, err := m.BuildStatements(woi.WOI{})
	require.NoError(t, err)
	require.Len(t, res.Statements, 1)
	assert.Equal(t, "P2:4", res.Statements[0].Text())
}

func TestBuildStatementsSkipsUncommunicatedCodestreamOnceNoted(t *testing.T) {
	c := cache.NewMemCache()
	id := woi.BinID{Class: woi.ClassPrecinct, Bin: 1}
	require.NoError(t, c.AddToDataBin(id, []byte("a"), 0, false))
	c.MarkDataBin(id, false)

	m := New(&fakeMapper{bins: []woi.BinID{id}}, c)
	m.NoteCommunicated(0)

	res, err := m.BuildStatements(woi.WOI{Codestreams: []int{0}})
	require.NoError(t, err)
	assert.Empty(t, res.Statements)
}

func TestBuildStatementsTruncatesAtBudget(t *testing.T) {
	c := cache.NewMemCache()
	var ids []woi.BinID
	for i := 0; i < 5000; i++ {
		id := woi.BinID{Class: woi.ClassPrecinct, Bin: uint64(i)}
		require.NoError(t, c.AddToDataBin(id, []byte("x"), 0, true))
		ids = append(ids, id)
	}

	m := New(&fakeMapper{bins: ids}, c)
	res, err := m.BuildStatements(woi.WOI{})
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Less(t, len(res.Statements), len(ids))
}

func TestDeletedStatementRendersWithMinusPrefix(t *testing.T) {
	s := Statement{ID: woi.BinID{Class: woi.ClassMetadata, Bin: 9}, Deleted: true}
	assert.Equal(t, "-M9", s.Text())
}
