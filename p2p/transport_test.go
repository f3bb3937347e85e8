package p2p

import (
	"bytes"
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func pipeClients() (*TcpClient, *TcpClient) {
	a, b := net.Pipe()
	return NewTcpClient(a), NewTcpClient(b)
}

func TestFrame(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	small := []byte("hello peernet")
	require.Nil(writeFrame(&buf, small))
	require.Equal(TransportMessageHeaderSize+len(small), buf.Len())
	m, err := readFrame(&buf)
	require.Nil(err)
	require.Equal(uint8(0), m.Flags)
	require.Equal(small, m.Data)

	large := bytes.Repeat([]byte("peernet "), 1024)
	require.Nil(writeFrame(&buf, large))
	require.Less(buf.Len(), len(large))
	m, err = readFrame(&buf)
	require.Nil(err)
	require.Equal(uint8(TransportMessageFlagCompact), m.Flags)
	require.Equal(large, m.Data)

	require.ErrorIs(writeFrame(&buf, nil), ErrFrameTooLarge)
	require.ErrorIs(writeFrame(&buf, make([]byte, TransportMessageMaxSize+1)), ErrFrameTooLarge)

	_, err = readFrame(bytes.NewReader([]byte{TransportMessageVersion, 0, 0xff, 0xff, 0xff, 0xff}))
	require.ErrorIs(err, ErrFrameTooLarge)
	_, err = readFrame(bytes.NewReader([]byte{9, 0, 0, 0, 0, 1, 1}))
	require.ErrorIs(err, ErrFrameVersion)
	_, err = readFrame(bytes.NewReader([]byte{TransportMessageVersion, 0, 0, 0, 0, 8, 1}))
	require.NotNil(err)
	_, err = readFrame(bytes.NewReader([]byte{TransportMessageVersion, TransportMessageFlagCompact, 0, 0, 0, 2, 1, 2}))
	require.NotNil(err)
}

func TestPipeClient(t *testing.T) {
	require := require.New(t)

	a, b := pipeClients()
	defer a.Close()
	defer b.Close()

	go a.Send([]byte("ping"))
	m, err := b.Receive()
	require.Nil(err)
	require.Equal("ping", string(m.Data))

	a.Close()
	_, err = b.Receive()
	require.NotNil(err)
}

func testTransport(t *testing.T, network string) {
	require := require.New(t)

	_, err := NewTransport("udp", "127.0.0.1:0")
	require.ErrorIs(err, ErrUnknownNetwork)

	server, err := NewTransport(network, "127.0.0.1:0")
	require.Nil(err)
	require.Nil(server.Addr())
	require.Nil(server.Listen())
	defer server.Close()
	require.NotNil(server.Addr())

	wait := make(chan string)
	go func() {
		c, err := server.Accept(context.Background())
		if err != nil {
			wait <- err.Error()
			return
		}
		defer c.Close()
		m, err := c.Receive()
		if err != nil {
			wait <- err.Error()
			return
		}
		wait <- string(m.Data)
	}()

	dialer, err := NewTransport(network, "")
	require.Nil(err)
	client, err := dialer.Dial(context.Background(), server.Addr().String())
	require.Nil(err)
	defer client.Close()
	require.Nil(client.Send([]byte("hello peernet")))
	require.Equal("hello peernet", <-wait)
}

func TestTcpTransport(t *testing.T) {
	testTransport(t, "tcp")
}

func TestQuicTransport(t *testing.T) {
	testTransport(t, "quic")
}
