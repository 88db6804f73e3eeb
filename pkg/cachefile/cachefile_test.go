package cachefile

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samsamfire/jpipclient/pkg/cache"
	"github.com/samsamfire/jpipclient/pkg/woi"
)

func TestWriteReadRoundTrip(t *testing.T) {
	src := cache.NewMemCache()
	ids := []woi.BinID{
		{Class: woi.ClassMainHeader, Bin: 0},
		{Class: woi.ClassPrecinct, CodestreamID: 0, Bin: 4096},
		{Class: woi.ClassMetadata, Bin: 1},
	}
	for i, id := range ids {
		require.NoError(t, src.AddToDataBin(id, []byte{byte(i), byte(i + 1)}, 0, i%2 == 0))
	}

	h := Header{
		Host:     "jpip.example.org",
		Resource: "image.jpx",
		Target:   "image.jpx",
		TargetID: "abc123",
	}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, h, src))

	dst := cache.NewMemCache()
	gotHeader, err := Read(&buf, dst)
	require.NoError(t, err)
	assert.Equal(t, h.Host, gotHeader.Host)
	assert.Equal(t, h.TargetID, gotHeader.TargetID)

	for i, id := range ids {
		data, complete, _, ok := dst.Get(id)
		require.True(t, ok)
		assert.Equal(t, []byte{byte(i), byte(i + 1)}, data)
		assert.Equal(t, i%2 == 0, complete)
	}
}

func TestReadRejectsBadMagic(t *testing.T) {
	dst := cache.NewMemCache()
	_, err := Read(bytes.NewBufferString("not-a-cache-file\n"), dst)
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestWriteRejectsOverlongTargetID(t *testing.T) {
	src := cache.NewMemCache()
	h := Header{TargetID: string(make([]byte, 256))}
	var buf bytes.Buffer
	err := Write(&buf, h, src)
	assert.ErrorIs(t, err, ErrTargetIDTooLong)
}

func TestPreambleRoundTrip(t *testing.T) {
	src := cache.NewMemCache()
	h := Header{
		Preamble: []byte("jpp-stream preamble bytes"),
		Host:     "h",
		Target:   "t",
		TargetID: "id",
	}
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, h, src))

	dst := cache.NewMemCache()
	got, err := Read(&buf, dst)
	require.NoError(t, err)
	assert.Equal(t, h.Preamble, got.Preamble)
}
