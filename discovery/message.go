package discovery

import (
	"fmt"

	"github.com/MixinNetwork/peernet/p2p"
)

const (
	PrefixRequest  = 0x30
	PrefixResponse = 0x31
)

var schema = map[uint64]int{
	PrefixRequest:  1,
	PrefixResponse: 1,
}

type Message interface {
	Encode() []byte
}

type Request struct {
	BucketSize uint8
}

type Response struct {
	Addresses []p2p.PeerAddress
}

func (m *Request) Encode() []byte {
	return p2p.EncodeMessage(PrefixRequest, m.BucketSize)
}

func (m *Response) Encode() []byte {
	addrs := m.Addresses
	if addrs == nil {
		addrs = []p2p.PeerAddress{}
	}
	return p2p.EncodeMessage(PrefixResponse, addrs)
}

func Decode(b []byte) (Message, error) {
	prefix, fields, err := p2p.DecodeFields(b, schema)
	if err != nil {
		return nil, err
	}
	switch prefix {
	case PrefixRequest:
		var m Request
		err = p2p.DecodeField(fields[0], &m.BucketSize)
		if err != nil {
			return nil, err
		}
		return &m, nil
	case PrefixResponse:
		var m Response
		err = p2p.DecodeField(fields[0], &m.Addresses)
		if err != nil {
			return nil, err
		}
		return &m, nil
	}
	panic(fmt.Errorf("discovery prefix %#x", prefix))
}
