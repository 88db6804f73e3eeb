package aux

import (
	"errors"

	"github.com/samsamfire/jpipclient/pkg/woi"
)

// classDelta is the two-bit class-delta flag of a VBAS message header byte.
type classDelta uint8

const (
	classDeltaIllegal     classDelta = 0
	classDeltaReuse       classDelta = 1 // reuse last class and codestream
	classDeltaNewClass    classDelta = 2 // new class, same codestream
	classDeltaNewBoth     classDelta = 3 // new class and codestream
)

var (
	ErrIllegalClassDelta = errors.New("aux: illegal class-delta flag (0b00)")
	ErrTruncatedMessage  = errors.New("aux: truncated VBAS message")
)

// Message is one decoded JPIP data-bin message, ready to feed into the
// data-bin cache.
type Message struct {
	Class        woi.BinClass
	CodestreamID uint64
	BinID        uint64
	RangeOffset  int
	RangeLength  int
	IsFinal      bool
	IsEOR        bool
	EORReason    woi.EORReason
	Payload      []byte // filled in by the caller once RangeLength bytes are available
}

// ParserState carries the "reuse last class and codestream" context across
// successive messages within one response, per spec.md §4.F.
type ParserState struct {
	lastClass      woi.BinClass
	lastCodestream uint64
	started        bool
}

// reader is the minimal byte-at-a-time cursor the VBAS decoder needs over a
// chunk payload (after the 8-byte preamble has already been stripped).
type reader struct {
	buf []byte
	pos int
}

func (r *reader) byte() (byte, bool) {
	if r.pos >= len(r.buf) {
		return 0, false
	}
	b := r.buf[r.pos]
	r.pos++
	return b, true
}

// readVBAS decodes a 7-bit-continuation variable-length value: each byte
// contributes its low 7 bits; the MSB set means "more bytes follow".
func (r *reader) readVBAS() (uint64, error) {
	var v uint64
	for {
		b, ok := r.byte()
		if !ok {
			return 0, ErrTruncatedMessage
		}
		v = v<<7 | uint64(b&0x7f)
		if b&0x80 == 0 {
			return v, nil
		}
	}
}

// ParseMessageHeader decodes one message header (everything up to, but not
// including, the payload bytes) starting at buf[0], and returns the number
// of bytes consumed. The caller is responsible for slicing out
// msg.RangeLength payload bytes immediately following.
func ParseMessageHeader(buf []byte, state *ParserState) (Message, int, error) {
	r := &reader{buf: buf}
	first, ok := r.byte()
	if !ok {
		return Message{}, 0, ErrTruncatedMessage
	}

	if first == 0 {
		// EOR: one-byte reason code follows.
		reason, ok := r.byte()
		if !ok {
			return Message{}, 0, ErrTruncatedMessage
		}
		return Message{IsEOR: true, EORReason: woi.EORReason(reason)}, r.pos, nil
	}

	extend := first&0x80 != 0
	_ = extend // reserved for future extended-header forms; not otherwise interpreted
	delta := classDelta((first >> 5) & 0x3)
	if delta == classDeltaIllegal {
		return Message{}, 0, ErrIllegalClassDelta
	}
	isFinal := first&0x10 != 0
	binID := uint64(first & 0x0f)

	// Continuation bytes of the bin-id: while MSB is set, low 7 bits
	// contribute further, per spec.md §4.F.
	for {
		b, ok := r.byte()
		if !ok {
			return Message{}, 0, ErrTruncatedMessage
		}
		if b&0x80 == 0 {
			// Not a continuation byte: this was actually the class-id
			// field (or the first of it); rewind one byte before
			// proceeding to class-id parsing below.
			r.pos--
			break
		}
		binID = binID<<7 | uint64(b&0x7f)
	}

	var classID uint64
	var codestream uint64
	switch delta {
	case classDeltaReuse:
		classID = uint64(state.lastClass) << 1 // reconstructed so the class resolves to lastClass; the parity check below skips reuse
		codestream = state.lastCodestream
	case classDeltaNewClass:
		v, err := r.readVBAS()
		if err != nil {
			return Message{}, 0, err
		}
		classID = v
		codestream = state.lastCodestream
	case classDeltaNewBoth:
		v, err := r.readVBAS()
		if err != nil {
			return Message{}, 0, err
		}
		classID = v
		cs, err := r.readVBAS()
		if err != nil {
			return Message{}, 0, err
		}
		codestream = cs
	}

	if delta != classDeltaReuse && classID&1 != 0 {
		// Odd class-id: an additional aux VBAS (a second codestream
		// component, per spec.md's "If class-id is odd, an additional aux
		// VBAS follows") precedes range-offset/range-length.
		if _, err := r.readVBAS(); err != nil {
			return Message{}, 0, err
		}
	}

	rangeOffset, err := r.readVBAS()
	if err != nil {
		return Message{}, 0, err
	}
	rangeLength, err := r.readVBAS()
	if err != nil {
		return Message{}, 0, err
	}

	class := woi.BinClass(classID >> 1)
	state.lastClass = class
	state.lastCodestream = codestream
	state.started = true

	return Message{
		Class:        class,
		CodestreamID: codestream,
		BinID:        binID,
		RangeOffset:  int(rangeOffset),
		RangeLength:  int(rangeLength),
		IsFinal:      isFinal,
	}, r.pos, nil
}

// ParseMessages decodes every message in a chunk payload, including trailing
// EOR if present, attaching payload bytes as it goes.
func ParseMessages(payload []byte, state *ParserState) ([]Message, error) {
	var out []Message
	pos := 0
	for pos < len(payload) {
		msg, consumed, err := ParseMessageHeader(payload[pos:], state)
		if err != nil {
			return out, err
		}
		pos += consumed
		if msg.IsEOR {
			out = append(out, msg)
			break
		}
		end := pos + msg.RangeLength
		if end > len(payload) {
			return out, ErrTruncatedMessage
		}
		msg.Payload = payload[pos:end]
		pos = end
		out = append(out, msg)
	}
	return out, nil
}
