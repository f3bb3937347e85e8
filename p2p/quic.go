package p2p

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"net"
	"time"

	"github.com/MixinNetwork/peernet/crypto"
	"github.com/quic-go/quic-go"
)

// /etc/sysctl.conf
// net.core.rmem_max=8388608
// net.core.wmem_max=8388608

const (
	QuicNextProto         = "peernet-quic"
	MaxIncomingStreams    = 16
	QuicHandshakeTimeout  = 10 * time.Second
	QuicIdleTimeout       = 600 * time.Second
	quicCloseErrorNoError = 0
)

type QuicClient struct {
	session quic.Connection
	stream  quic.Stream
}

type QuicTransport struct {
	addr     string
	listener *quic.Listener
}

func NewQuicTransport(addr string) *QuicTransport {
	return &QuicTransport{addr: addr}
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIncomingStreams:   MaxIncomingStreams,
		HandshakeIdleTimeout: QuicHandshakeTimeout,
		MaxIdleTimeout:       QuicIdleTimeout,
		KeepAlivePeriod:      QuicIdleTimeout / 2,
	}
}

func (t *QuicTransport) Listen() error {
	l, err := quic.ListenAddr(t.addr, generateTLSConfig(), quicConfig())
	if err != nil {
		return err
	}
	t.listener = l
	return nil
}

func (t *QuicTransport) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Dial skips certificate verification, peers are authenticated by the
// signed hello exchanged on top of the stream.
func (t *QuicTransport) Dial(ctx context.Context, addr string) (Client, error) {
	sess, err := quic.DialAddr(ctx, addr, &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{QuicNextProto},
	}, quicConfig())
	if err != nil {
		return nil, err
	}
	stm, err := sess.OpenStreamSync(ctx)
	if err != nil {
		sess.CloseWithError(quicCloseErrorNoError, "STREAM")
		return nil, err
	}
	return &QuicClient{session: sess, stream: stm}, nil
}

func (t *QuicTransport) Accept(ctx context.Context) (Client, error) {
	sess, err := t.listener.Accept(ctx)
	if errors.Is(err, quic.ErrServerClosed) {
		return nil, net.ErrClosed
	} else if err != nil {
		return nil, err
	}
	stm, err := sess.AcceptStream(ctx)
	if err != nil {
		sess.CloseWithError(quicCloseErrorNoError, "STREAM")
		return nil, err
	}
	return &QuicClient{session: sess, stream: stm}, nil
}

func (t *QuicTransport) Close() error {
	if t.listener == nil {
		return nil
	}
	return t.listener.Close()
}

func (c *QuicClient) RemoteAddr() net.Addr {
	return c.session.RemoteAddr()
}

func (c *QuicClient) Receive() (*TransportMessage, error) {
	err := c.stream.SetReadDeadline(time.Now().Add(ReadDeadline))
	if err != nil {
		return nil, err
	}
	return readFrame(c.stream)
}

func (c *QuicClient) Send(data []byte) error {
	err := c.stream.SetWriteDeadline(time.Now().Add(WriteDeadline))
	if err != nil {
		return err
	}
	return writeFrame(c.stream, data)
}

func (c *QuicClient) Close() error {
	c.stream.Close()
	return c.session.CloseWithError(quicCloseErrorNoError, "DONE")
}

func generateTLSConfig() *tls.Config {
	pub, priv, err := ed25519.GenerateKey(crypto.RandReader())
	if err != nil {
		panic(err)
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(time.Hour * 24 * 30),
		BasicConstraintsValid: true,
	}
	certDER, err := x509.CreateCertificate(crypto.RandReader(), &template, &template, pub, priv)
	if err != nil {
		panic(err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{certDER},
			PrivateKey:  priv,
		}},
		NextProtos: []string{QuicNextProto},
	}
}
