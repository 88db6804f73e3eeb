package aux

import (
	"fmt"
	"log/slog"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// Chunk is one received aux-channel chunk, preamble already parsed and the
// payload already ready for VBAS decoding.
type Chunk struct {
	Preamble Preamble
	Payload  []byte
	Seq      uint32 // for UDP: the datagram sequence number used for gap tracking
}

// ChunkListener receives chunks off an aux channel. Grounded on the
// teacher's can.FrameListener (pkg/can/bus.go), generalized from fixed CAN
// frames to variable-length JPIP aux chunks.
type ChunkListener interface {
	Handle(chunk Chunk)
}

// TCPChannel is a reliable aux channel: chunks arrive in order, so only the
// preamble framing and ack generation are needed (no gap tracking).
type TCPChannel struct {
	conn     net.Conn
	listener ChunkListener
	logger   *slog.Logger
}

func NewTCPChannel(conn net.Conn, listener ChunkListener, logger *slog.Logger) *TCPChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &TCPChannel{conn: conn, listener: listener, logger: logger.With("component", "[AUX-TCP]")}
}

// RunOnce reads and dispatches a single chunk. The caller drives the loop
// (typically the manager task's select/poll cycle).
func (c *TCPChannel) RunOnce() error {
	var preambleBuf [PreambleLen]byte
	if _, err := readFullConn(c.conn, preambleBuf[:]); err != nil {
		return fmt.Errorf("aux-tcp: read preamble: %w", err)
	}
	p, err := ParsePreamble(preambleBuf[:])
	if err != nil {
		return err
	}
	if int(p.ChunkLen) < PreambleLen {
		return fmt.Errorf("aux-tcp: chunk length %d shorter than preamble", p.ChunkLen)
	}
	payload := make([]byte, int(p.ChunkLen)-PreambleLen)
	if len(payload) > 0 {
		if _, err := readFullConn(c.conn, payload); err != nil {
			return fmt.Errorf("aux-tcp: read payload: %w", err)
		}
	}

	if _, err := c.conn.Write(TCPAck(preambleBuf[:])); err != nil {
		c.logger.Warn("ack write failed", "err", err)
	}

	c.listener.Handle(Chunk{Preamble: p, Payload: payload})
	return nil
}

func readFullConn(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// UDPChannel is an unreliable aux channel: each datagram is exactly one
// chunk and datagrams may be lost, duplicated, or reordered.
type UDPChannel struct {
	conn     net.PacketConn
	peer     net.Addr
	listener ChunkListener
	logger   *slog.Logger

	// MinUsecsPerByte implements the optional rate-throttling hook of
	// spec.md §4.F step 4 (aux_recv_gate += chunk_len * min_usecs_per_byte);
	// zero disables throttling, which is the default per the Open Question
	// decision recorded in DESIGN.md.
	MinUsecsPerByte float64
	recvGateUsecs   int64
}

func NewUDPChannel(conn net.PacketConn, peer net.Addr, listener ChunkListener, logger *slog.Logger) *UDPChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &UDPChannel{conn: conn, peer: peer, listener: listener, logger: logger.With("component", "[AUX-UDP]")}
}

// RunOnce reads and dispatches a single datagram.
func (u *UDPChannel) RunOnce() error {
	buf := make([]byte, 65536)
	n, addr, err := u.conn.ReadFrom(buf)
	if err != nil {
		return fmt.Errorf("aux-udp: read: %w", err)
	}
	if n < PreambleLen {
		return fmt.Errorf("aux-udp: datagram shorter than preamble (%d bytes)", n)
	}
	p, err := ParsePreamble(buf[:PreambleLen])
	if err != nil {
		return err
	}
	payload := append([]byte(nil), buf[PreambleLen:n]...)

	if _, err := u.conn.WriteTo(UDPAck(p.Seq), addr); err != nil {
		u.logger.Warn("ack write failed", "err", err)
	}

	if u.MinUsecsPerByte > 0 {
		u.recvGateUsecs += int64(float64(len(payload)) * u.MinUsecsPerByte)
	}

	u.listener.Handle(Chunk{Preamble: p, Payload: payload, Seq: p.Seq})
	return nil
}

// RecvGateUsecs reports the accumulated rate-throttling gate value.
func (u *UDPChannel) RecvGateUsecs() int64 { return u.recvGateUsecs }

// SetRecvBuffer grows the kernel receive buffer for the aux UDP socket so
// bursts of chunked JPIP datagrams don't get dropped before RunOnce drains
// them. Grounded on the teacher's socketcanv3.Bus setsockopt use
// (pkg/can/socketcanv3/socketcanv3.go, unix.SetsockoptTimeval /
// unix.SetsockoptInt over a raw fd), generalized from SO_RCVTIMEO on a CAN
// raw socket to SO_RCVBUF on the UDP datagram socket.
func (u *UDPChannel) SetRecvBuffer(bytes int) error {
	sc, ok := u.conn.(syscall.Conn)
	if !ok {
		return fmt.Errorf("aux-udp: connection does not expose a raw fd")
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, bytes)
	})
	if err != nil {
		return err
	}
	return sockErr
}
