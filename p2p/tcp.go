package p2p

import (
	"context"
	"net"
	"time"
)

type TcpClient struct {
	conn net.Conn
}

type TcpTransport struct {
	addr     string
	listener net.Listener
}

func NewTcpTransport(addr string) *TcpTransport {
	return &TcpTransport{addr: addr}
}

// NewTcpClient wraps an established stream, e.g. one end of net.Pipe.
func NewTcpClient(conn net.Conn) *TcpClient {
	return &TcpClient{conn: conn}
}

func (t *TcpTransport) Listen() error {
	l, err := net.Listen("tcp", t.addr)
	if err != nil {
		return err
	}
	t.listener = l
	return nil
}

func (t *TcpTransport) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *TcpTransport) Dial(ctx context.Context, addr string) (Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewTcpClient(conn), nil
}

func (t *TcpTransport) Accept(ctx context.Context) (Client, error) {
	conn, err := t.listener.Accept()
	if err != nil {
		return nil, err
	}
	return NewTcpClient(conn), nil
}

func (t *TcpTransport) Close() error {
	if t.listener == nil {
		return nil
	}
	return t.listener.Close()
}

func (c *TcpClient) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *TcpClient) Receive() (*TransportMessage, error) {
	err := c.conn.SetReadDeadline(time.Now().Add(ReadDeadline))
	if err != nil {
		return nil, err
	}
	return readFrame(c.conn)
}

func (c *TcpClient) Send(data []byte) error {
	err := c.conn.SetWriteDeadline(time.Now().Add(WriteDeadline))
	if err != nil {
		return err
	}
	return writeFrame(c.conn, data)
}

func (c *TcpClient) Close() error {
	return c.conn.Close()
}
