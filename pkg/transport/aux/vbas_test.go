package aux

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samsamfire/jpipclient/pkg/woi"
)

func TestParseMessageHeaderSimplePrecinct(t *testing.T) {
	// B: extend=0, delta=3 (new class+codestream), final=0, bin-id nibble=5
	b := byte(0x60) | 0x05
	buf := []byte{
		b,
		0x04, // class-id VBAS: precinct class = 2 -> class_id = 2<<1 = 4 (even)
		0x00, // codestream-id VBAS = 0
		0x0a, // range-offset VBAS = 10
		0x14, // range-length VBAS = 20
	}
	state := &ParserState{}
	msg, consumed, err := ParseMessageHeader(buf, state)
	require.NoError(t, err)
	assert.Equal(t, woi.ClassPrecinct, msg.Class)
	assert.Equal(t, uint64(0), msg.CodestreamID)
	assert.Equal(t, uint64(5), msg.BinID)
	assert.Equal(t, 10, msg.RangeOffset)
	assert.Equal(t, 20, msg.RangeLength)
	assert.Equal(t, len(buf), consumed)
}

func TestParseMessageHeaderEOR(t *testing.T) {
	buf := []byte{0x00, byte(woi.EORWindowDone)}
	state := &ParserState{}
	msg, consumed, err := ParseMessageHeader(buf, state)
	require.NoError(t, err)
	assert.True(t, msg.IsEOR)
	assert.Equal(t, woi.EORWindowDone, msg.EORReason)
	assert.Equal(t, 2, consumed)
}

func TestParseMessageHeaderRejectsIllegalClassDelta(t *testing.T) {
	buf := []byte{0x00 | 0x10} // delta bits 00 but is_final set so first != 0
	state := &ParserState{}
	_, _, err := ParseMessageHeader(buf, state)
	assert.ErrorIs(t, err, ErrIllegalClassDelta)
}

func TestParseMessagesSequenceIncludingEOR(t *testing.T) {
	first := byte(0x60) | 0x01
	msg1 := []byte{first, 0x04, 0x00, 0x00, 0x03}
	payload1 := []byte{'a', 'b', 'c'}
	eor := []byte{0x00, byte(woi.EORImageDone)}

	buf := append(append([]byte{}, msg1...), payload1...)
	buf = append(buf, eor...)

	state := &ParserState{}
	msgs, err := ParseMessages(buf, state)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, payload1, msgs[0].Payload)
	assert.True(t, msgs[1].IsEOR)
}
