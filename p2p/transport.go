package p2p

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	TransportMessageVersion     = 1
	TransportMessageMaxSize     = 4 * 1024 * 1024
	TransportMessageHeaderSize  = 6
	TransportCompressThreshold  = 1024
	TransportMessageFlagCompact = 0x01

	ReadDeadline  = 300 * time.Second
	WriteDeadline = 10 * time.Second
)

var (
	ErrFrameTooLarge  = errors.New("p2p: frame too large")
	ErrFrameVersion   = errors.New("p2p: invalid frame version")
	ErrUnknownNetwork = errors.New("p2p: unknown transport")
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(TransportMessageMaxSize))
	if err != nil {
		panic(err)
	}
	zstdEncoder, zstdDecoder = enc, dec
}

type TransportMessage struct {
	Version uint8
	Flags   uint8
	Size    uint32
	Data    []byte
}

type Client interface {
	RemoteAddr() net.Addr
	Receive() (*TransportMessage, error)
	Send([]byte) error
	Close() error
}

type Transport interface {
	Listen() error
	Addr() net.Addr
	Dial(ctx context.Context, addr string) (Client, error)
	Accept(ctx context.Context) (Client, error)
	Close() error
}

func NewTransport(network, listen string) (Transport, error) {
	switch network {
	case "quic":
		return NewQuicTransport(listen), nil
	case "tcp":
		return NewTcpTransport(listen), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownNetwork, network)
}

func writeFrame(w io.Writer, data []byte) error {
	if l := len(data); l < 1 || l > TransportMessageMaxSize {
		return fmt.Errorf("%w: send %d", ErrFrameTooLarge, l)
	}
	var flags byte
	if len(data) > TransportCompressThreshold {
		compact := zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)))
		if len(compact) < len(data) {
			data, flags = compact, TransportMessageFlagCompact
		}
	}
	frame := make([]byte, TransportMessageHeaderSize+len(data))
	frame[0] = TransportMessageVersion
	frame[1] = flags
	binary.BigEndian.PutUint32(frame[2:], uint32(len(data)))
	copy(frame[TransportMessageHeaderSize:], data)
	_, err := w.Write(frame)
	return err
}

func readFrame(r io.Reader) (*TransportMessage, error) {
	header := make([]byte, TransportMessageHeaderSize)
	_, err := io.ReadFull(r, header)
	if err != nil {
		return nil, err
	}
	m := &TransportMessage{Version: header[0], Flags: header[1]}
	if m.Version != TransportMessageVersion {
		return nil, fmt.Errorf("%w: %d", ErrFrameVersion, m.Version)
	}
	m.Size = binary.BigEndian.Uint32(header[2:])
	if m.Size < 1 || m.Size > TransportMessageMaxSize {
		return nil, fmt.Errorf("%w: receive %d", ErrFrameTooLarge, m.Size)
	}
	m.Data = make([]byte, m.Size)
	_, err = io.ReadFull(r, m.Data)
	if err != nil {
		return nil, err
	}
	if m.Flags&TransportMessageFlagCompact == 0 {
		return m, nil
	}
	data, err := zstdDecoder.DecodeAll(m.Data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd.DecodeAll(%d) => %w", m.Size, err)
	}
	if len(data) > TransportMessageMaxSize {
		return nil, fmt.Errorf("%w: inflated %d", ErrFrameTooLarge, len(data))
	}
	m.Data = data
	return m, nil
}
