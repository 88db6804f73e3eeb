// Package cachefile reads and writes the on-disk cache file format of
// spec.md §6: a plain-text header followed by binary data-bin records.
//
// Grounded on the teacher's pkg/od/parser.go EDS-file header parsing
// idiom (line-oriented text header, then a structured body) — here the
// body is the binary data-bin record stream instead of an INI section.
package cachefile

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/samsamfire/jpipclient/pkg/cache"
	"github.com/samsamfire/jpipclient/pkg/woi"
)

const (
	magicV1 = "kjc/1.1"
	magicV2 = "kjc/1.2"

	maxTargetIDLen = 255
)

var (
	ErrBadMagic       = errors.New("cachefile: unrecognised magic line")
	ErrTargetIDTooLong = errors.New("cachefile: target-id exceeds 255 chars")
	ErrTruncated      = errors.New("cachefile: truncated record")
)

// Header mirrors the plain-text header lines of spec.md §6.
type Header struct {
	Preamble     []byte // only meaningful when version is 1.2
	Host         string
	Resource     string
	Target       string
	SubTarget    string
	TargetID     string
}

// Write serialises header and every bin in c to w, one record per bin in
// the layout documented on writeRecord.
func Write(w io.Writer, h Header, c cache.DataBinCache) error {
	if len(h.TargetID) > maxTargetIDLen {
		return ErrTargetIDTooLong
	}
	bw := bufio.NewWriter(w)

	magic := magicV1
	if len(h.Preamble) > 0 {
		magic = magicV2
	}
	fmt.Fprintf(bw, "%s\n", magic)
	if magic == magicV2 {
		fmt.Fprintf(bw, "Preamble-bytes:%d\n", len(h.Preamble))
		fmt.Fprintf(bw, "Preamble-bins:%d\n", countPreambleBins(h.Preamble))
	}
	fmt.Fprintf(bw, "Host:%s\n", h.Host)
	fmt.Fprintf(bw, "Resource:%s\n", h.Resource)
	fmt.Fprintf(bw, "Target:%s\n", h.Target)
	fmt.Fprintf(bw, "Sub-target:%s\n", h.SubTarget)
	fmt.Fprintf(bw, "Target-id:%s\n", h.TargetID)

	if len(h.Preamble) > 0 {
		if _, err := bw.Write(h.Preamble); err != nil {
			return err
		}
	}

	for _, id := range c.Bins() {
		data, complete, _, ok := c.Get(id)
		if !ok {
			continue
		}
		if err := writeRecord(bw, id, data, complete); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// countPreambleBins always reports 0: the preamble bytes are not inspected,
// and Write emits this value unchanged on the Preamble-bins header line.
func countPreambleBins(preamble []byte) int { return 0 }

// writeRecord lays out one data-bin record as:
//
//	byte 0   class (bit 0 = complete flag, bits 1-7 = BinClass)
//	byte 1   codestream-id width in bytes (0-8)
//	byte 2   bin-id width in bytes (1-8)
//	...      codestream-id, big-endian, width from byte 1
//	...      bin-id, big-endian, width from byte 2
//	4 bytes  payload length, big-endian uint32
//	...      payload
func writeRecord(w io.Writer, id woi.BinID, data []byte, complete bool) error {
	classByte := byte(id.Class) << 1
	if complete {
		classByte |= 1
	}

	csBuf := trimmedBE(id.CodestreamID)
	idBuf := trimmedBE(id.Bin)
	if len(idBuf) == 0 {
		idBuf = []byte{0}
	}

	header := []byte{classByte, byte(len(csBuf)), byte(len(idBuf))}
	if _, err := w.Write(header); err != nil {
		return err
	}
	if _, err := w.Write(csBuf); err != nil {
		return err
	}
	if _, err := w.Write(idBuf); err != nil {
		return err
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// trimmedBE returns v as a minimal-width big-endian byte slice (no leading
// zero bytes; zero itself encodes as an empty slice).
func trimmedBE(v uint64) []byte {
	var full [8]byte
	binary.BigEndian.PutUint64(full[:], v)
	i := 0
	for i < 8 && full[i] == 0 {
		i++
	}
	return full[i:]
}

// Read parses a cache file from r, populating dst, and returns the header.
func Read(r io.Reader, dst cache.DataBinCache) (Header, error) {
	br := bufio.NewReader(r)

	magicLine, err := readLine(br)
	if err != nil {
		return Header{}, err
	}
	var h Header
	var version int
	switch magicLine {
	case magicV1:
		version = 1
	case magicV2:
		version = 2
	default:
		return Header{}, ErrBadMagic
	}

	if version == 2 {
		preambleBytes, err := readIntField(br, "Preamble-bytes:")
		if err != nil {
			return Header{}, err
		}
		if _, err := readIntField(br, "Preamble-bins:"); err != nil {
			return Header{}, err
		}
		h.Preamble = make([]byte, preambleBytes)
	}

	h.Host, err = readStringField(br, "Host:")
	if err != nil {
		return Header{}, err
	}
	h.Resource, err = readStringField(br, "Resource:")
	if err != nil {
		return Header{}, err
	}
	h.Target, err = readStringField(br, "Target:")
	if err != nil {
		return Header{}, err
	}
	h.SubTarget, err = readStringField(br, "Sub-target:")
	if err != nil {
		return Header{}, err
	}
	h.TargetID, err = readStringField(br, "Target-id:")
	if err != nil {
		return Header{}, err
	}
	if len(h.TargetID) > maxTargetIDLen {
		return Header{}, ErrTargetIDTooLong
	}

	if len(h.Preamble) > 0 {
		if _, err := io.ReadFull(br, h.Preamble); err != nil {
			return Header{}, err
		}
	}

	for {
		id, data, complete, err := readRecord(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return Header{}, err
		}
		if err := dst.AddToDataBin(id, data, 0, complete); err != nil {
			return Header{}, err
		}
	}

	return h, nil
}

func readRecord(r *bufio.Reader) (woi.BinID, []byte, bool, error) {
	var header [3]byte
	n, err := io.ReadFull(r, header[:])
	if n == 0 && err == io.EOF {
		return woi.BinID{}, nil, false, io.EOF
	}
	if err != nil {
		return woi.BinID{}, nil, false, ErrTruncated
	}

	class := woi.BinClass(header[0] >> 1)
	complete := header[0]&1 != 0
	csWidth := int(header[1])
	idWidth := int(header[2])

	csBuf := make([]byte, csWidth)
	if csWidth > 0 {
		if _, err := io.ReadFull(r, csBuf); err != nil {
			return woi.BinID{}, nil, false, ErrTruncated
		}
	}
	idBuf := make([]byte, idWidth)
	if idWidth > 0 {
		if _, err := io.ReadFull(r, idBuf); err != nil {
			return woi.BinID{}, nil, false, ErrTruncated
		}
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return woi.BinID{}, nil, false, ErrTruncated
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return woi.BinID{}, nil, false, ErrTruncated
		}
	}

	return woi.BinID{Class: class, CodestreamID: beToUint64(csBuf), Bin: beToUint64(idBuf)}, payload, complete, nil
}

func beToUint64(buf []byte) uint64 {
	var v uint64
	for _, b := range buf {
		v = v<<8 | uint64(b)
	}
	return v
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\n"), nil
}

func readStringField(r *bufio.Reader, prefix string) (string, error) {
	line, err := readLine(r)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(line, prefix) {
		return "", fmt.Errorf("cachefile: expected %q, got %q", prefix, line)
	}
	return strings.TrimPrefix(line, prefix), nil
}

func readIntField(r *bufio.Reader, prefix string) (int, error) {
	s, err := readStringField(r, prefix)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(s)
}
