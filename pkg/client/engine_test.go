package client

import (
	"bufio"
	"context"
	"encoding/binary"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samsamfire/jpipclient/pkg/cache"
	"github.com/samsamfire/jpipclient/pkg/woi"
)

type fakeMapper struct{}

func (fakeMapper) RelevantBins(w woi.WOI, codestream int, mainHeader []byte) ([]woi.BinID, error) {
	return nil, nil
}

type recordingNotifier struct {
	statuses []string
}

func (n *recordingNotifier) Notify(queueID int, status string) {
	n.statuses = append(n.statuses, status)
}

func TestAddQueueAndPostWindow(t *testing.T) {
	notifier := &recordingNotifier{}
	e := New(fakeMapper{}, cache.NewMemCache(), "", notifier, nil)

	h := e.AddQueue(1)
	added, err := e.PostWindow(h, woi.WOI{ResX: 512, ResY: 512}, false, "", 0)
	require.NoError(t, err)
	assert.True(t, added)
	assert.Contains(t, notifier.statuses, "Interactive transfer...")
}

func TestPostWindowUnknownHandleErrors(t *testing.T) {
	e := New(fakeMapper{}, cache.NewMemCache(), "", nil, nil)
	_, err := e.PostWindow(QueueHandle(999), woi.WOI{}, false, "", 0)
	assert.Error(t, err)
}

func TestDisconnectWithoutWaitReturnsImmediately(t *testing.T) {
	e := New(fakeMapper{}, cache.NewMemCache(), "", nil, nil)
	h := e.AddQueue(1)
	err := e.Disconnect(h, false, time.Second, false)
	assert.NoError(t, err)
}

func TestDisconnectWaitReleasesOnceQueueEmpty(t *testing.T) {
	e := New(fakeMapper{}, cache.NewMemCache(), "", nil, nil)
	h := e.AddQueue(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx, 5*time.Millisecond)
	defer e.Close()

	err := e.Disconnect(h, false, time.Second, true)
	assert.NoError(t, err)
}

func TestIsAliveFalseAfterClose(t *testing.T) {
	e := New(fakeMapper{}, cache.NewMemCache(), "", nil, nil)
	e.AddQueue(1)
	assert.True(t, e.IsAlive())
	require.NoError(t, e.Close())
	assert.False(t, e.IsAlive())
}

func TestGetWindowInProgressFalseWhenNoReply(t *testing.T) {
	e := New(fakeMapper{}, cache.NewMemCache(), "", nil, nil)
	h := e.AddQueue(1)
	_, ok := e.GetWindowInProgress(h)
	assert.False(t, ok)
}

func TestAttachAuxUDPDispatchesChunkIntoCache(t *testing.T) {
	c := cache.NewMemCache()
	e := New(fakeMapper{}, c, "", nil, nil)
	e.AddQueue(1)

	serverConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer serverConn.Close()

	clientConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer clientConn.Close()

	ch := e.AttachAuxUDP(1, serverConn, nil, nil)

	// One precinct-class message (final, bin-id 5, codestream 0) carrying a
	// 3-byte payload at range-offset 0.
	first := byte(0x60) | 0x10 | 0x05 // delta=new-class+codestream, final=1, bin-id nibble=5
	header := []byte{first, 0x04, 0x00, 0x00, 0x03}
	payload := []byte{'a', 'b', 'c'}
	vbasMsg := append(header, payload...)

	datagram := make([]byte, 8+len(vbasMsg))
	binary.BigEndian.PutUint16(datagram[0:2], uint16(len(datagram)))
	binary.BigEndian.PutUint16(datagram[2:4], 0)
	binary.BigEndian.PutUint32(datagram[4:8], 1)
	copy(datagram[8:], vbasMsg)

	_, err = clientConn.WriteTo(datagram, serverConn.LocalAddr())
	require.NoError(t, err)
	require.NoError(t, ch.RunOnce())

	data, complete, marked, ok := c.Get(woi.BinID{Class: woi.ClassPrecinct, CodestreamID: 0, Bin: 5})
	require.True(t, ok)
	assert.Equal(t, []byte("abc"), data)
	assert.True(t, complete)
	assert.True(t, marked)
}

// vbasResponseBody builds a tiny VBAS-encoded body: one final precinct-class
// message (codestream 0, bin 5, 3-byte payload) followed by an EOR, matching
// the wire shape pkg/transport/aux's parser tests exercise.
func vbasResponseBody() []byte {
	first := byte(0x60) | 0x10 | 0x05 // delta=new-class+codestream, final=1, bin-id nibble=5
	header := []byte{first, 0x04, 0x00, 0x00, 0x03}
	payload := []byte{'a', 'b', 'c'}
	eor := []byte{0x00, 0x02} // EORWindowDone
	out := append([]byte{}, header...)
	out = append(out, payload...)
	out = append(out, eor...)
	return out
}

// startFakeJPIPServer starts a one-shot HTTP-ish TCP server standing in for
// a JPIP primary channel: it reads a single request line/header block and
// replies with a fixed-length, non-persistent body.
func startFakeJPIPServer(t *testing.T, body []byte) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		br.ReadString('\n')
		for {
			line, err := br.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}
		resp := "HTTP/1.1 200 OK\r\nJPIP-tid:abc\r\nConnection:close\r\nContent-Length:" +
			strconv.Itoa(len(body)) + "\r\n\r\n"
		conn.Write([]byte(resp))
		conn.Write(body)
	}()
	return ln.Addr().String()
}

func TestEngineDrivesRealRequestReplyCycle(t *testing.T) {
	body := vbasResponseBody()
	addr := startFakeJPIPServer(t, body)

	c := cache.NewMemCache()
	e := New(fakeMapper{}, c, addr, nil, nil)
	h := e.AddQueue(1)
	require.NoError(t, e.SetTarget(h, "test.jp2"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx, 5*time.Millisecond)
	defer e.Close()

	added, err := e.PostWindow(h, woi.WOI{ResX: 256, ResY: 256}, false, "", 0)
	require.NoError(t, err)
	assert.True(t, added)

	require.Eventually(t, func() bool {
		_, complete, _, ok := c.Get(woi.BinID{Class: woi.ClassPrecinct, CodestreamID: 0, Bin: 5})
		return ok && complete
	}, 2*time.Second, 10*time.Millisecond)

	data, _, _, ok := c.Get(woi.BinID{Class: woi.ClassPrecinct, CodestreamID: 0, Bin: 5})
	require.True(t, ok)
	assert.Equal(t, []byte("abc"), data)
}
