package primary

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startFakeServer(t *testing.T, respond func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		respond(conn)
	}()
	return ln.Addr().String()
}

func TestSendActiveRequestAndReadReplyFixedLength(t *testing.T) {
	addr := startFakeServer(t, func(conn net.Conn) {
		defer conn.Close()
		br := bufio.NewReader(conn)
		br.ReadString('\n') // request line
		for {
			line, _ := br.ReadString('\n')
			if line == "\r\n" || line == "" {
				break
			}
		}
		conn.Write([]byte("HTTP/1.1 200 OK\r\nJPIP-tid:abc\r\nContent-Length:5\r\nConnection:keep-alive\r\n\r\nhello"))
	})

	ch := New(addr, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ch.SendActiveRequest(ctx, "/target.jpx?type=jpp-stream", nil))

	h, err := ch.ReadReply()
	require.NoError(t, err)
	assert.Equal(t, 200, h.StatusCode)
	assert.Equal(t, "abc", h.TID)
	assert.True(t, h.Persistent)
	assert.Equal(t, int64(5), h.ContentLength)

	body, done, err := ch.ReadBodyChunk(h, 0)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, []byte("hello"), body)
}

func TestReadReplyDetectsTargetChanged(t *testing.T) {
	addr := startFakeServer(t, func(conn net.Conn) {
		defer conn.Close()
		br := bufio.NewReader(conn)
		br.ReadString('\n')
		for {
			line, _ := br.ReadString('\n')
			if line == "\r\n" || line == "" {
				break
			}
		}
		conn.Write([]byte("HTTP/1.1 200 OK\r\nJPIP-tid:abc\r\nContent-Length:0\r\n\r\n"))
	})

	ch := New(addr, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ch.SendActiveRequest(ctx, "/target.jpx", nil))
	ch.knownTID = "different"

	_, err := ch.ReadReply()
	assert.ErrorIs(t, err, ErrTargetChanged)
}

func TestNonPersistentConnectionMarksChannelNotPersistent(t *testing.T) {
	addr := startFakeServer(t, func(conn net.Conn) {
		defer conn.Close()
		br := bufio.NewReader(conn)
		br.ReadString('\n')
		for {
			line, _ := br.ReadString('\n')
			if line == "\r\n" || line == "" {
				break
			}
		}
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length:0\r\nConnection:close\r\n\r\n"))
	})

	ch := New(addr, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ch.SendActiveRequest(ctx, "/target.jpx", nil))
	h, err := ch.ReadReply()
	require.NoError(t, err)
	assert.False(t, h.Persistent)
	assert.False(t, ch.Persistent())
}
