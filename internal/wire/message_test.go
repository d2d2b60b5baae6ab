package wire

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newTestConn adapts a net.Pipe half into the minimal surface Conn needs for
// these tests without going through TLS negotiation.
func newTestConn(t *testing.T) (*Conn, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	c := &Conn{raw: client, r: bufio.NewReader(client)}
	return c, server
}

func TestWriteMessageThenReadMessageRoundTrip(t *testing.T) {
	c, server := newTestConn(t)
	defer c.Close()
	defer server.Close()

	done := make(chan error, 1)
	go func() {
		done <- c.WriteMessage(context.Background(), KindQuery, []byte("SELECT 1"))
	}()

	buf := make([]byte, 5+8)
	_, err := io.ReadFull(server, buf)
	require.NoError(t, err)
	require.NoError(t, <-done)

	require.Equal(t, byte(KindQuery), buf[0])
	require.Equal(t, uint32(4+8), getUint32(buf[1:5]))
	require.Equal(t, "SELECT 1", string(buf[5:]))
}

func TestReadMessageRejectsOversizedLength(t *testing.T) {
	c, server := newTestConn(t)
	defer c.Close()
	defer server.Close()

	go func() {
		hdr := make([]byte, 5)
		hdr[0] = KindDataRow
		putUint32(hdr[1:5], 0xFFFFFFF0)
		server.Write(hdr)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := c.ReadMessage(ctx)
	require.Error(t, err)
}

func TestReadMessageIntoReusesScratch(t *testing.T) {
	c, server := newTestConn(t)
	defer c.Close()
	defer server.Close()

	go func() {
		server.Write(frame(KindDataRow, []byte("hello")))
	}()

	scratch := make([]byte, 0, 128)
	ctx := context.Background()
	msg, scratch, err := c.ReadMessageInto(ctx, scratch)
	require.NoError(t, err)
	require.Equal(t, "hello", string(msg.Payload))
	require.Equal(t, 128, cap(scratch))
}
