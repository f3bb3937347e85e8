package p2p

import (
	"github.com/MixinNetwork/peernet/crypto"
)

const (
	PrefixSignedMessage       = 0x01
	PrefixHello               = 0x02
	PrefixNegotiationRequest  = 0x10
	PrefixNegotiationResponse = 0x11
	PrefixApplication         = 0x20
)

type Hello struct {
	Version    uint64
	PublicKey  crypto.Key
	Nonce      crypto.Hash
	ListenPort uint16
}

// SignedMessage binds a handshake payload to the long-term key of its sender.
type SignedMessage struct {
	Payload   []byte
	Signature crypto.Signature
}

type ExtensionOffer struct {
	Name     string
	Versions []uint64
}

type NegotiationRequest struct {
	Extensions []ExtensionOffer
}

type Decision struct {
	Name    string
	Allowed bool
	Version uint64
}

type NegotiationResponse struct {
	Decisions []Decision
}

type ApplicationMessage struct {
	Slot      uint64
	Encrypted bool
	Payload   []byte
}

func (m *Hello) Encode() []byte {
	return EncodeMessage(PrefixHello, m.Version, m.PublicKey, m.Nonce, m.ListenPort)
}

func DecodeHello(b []byte) (*Hello, error) {
	_, fields, err := DecodeFields(b, map[uint64]int{PrefixHello: 4})
	if err != nil {
		return nil, err
	}
	var m Hello
	for i, v := range []any{&m.Version, &m.PublicKey, &m.Nonce, &m.ListenPort} {
		err = DecodeField(fields[i], v)
		if err != nil {
			return nil, err
		}
	}
	return &m, nil
}

func (m *SignedMessage) Encode() []byte {
	return EncodeMessage(PrefixSignedMessage, m.Payload, m.Signature)
}

func DecodeSignedMessage(b []byte) (*SignedMessage, error) {
	_, fields, err := DecodeFields(b, map[uint64]int{PrefixSignedMessage: 2})
	if err != nil {
		return nil, err
	}
	var m SignedMessage
	err = DecodeField(fields[0], &m.Payload)
	if err != nil {
		return nil, err
	}
	err = DecodeField(fields[1], &m.Signature)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *NegotiationRequest) Encode() []byte {
	offers := make([]ExtensionOffer, len(m.Extensions))
	copy(offers, m.Extensions)
	for i := range offers {
		if offers[i].Versions == nil {
			offers[i].Versions = []uint64{}
		}
	}
	return EncodeMessage(PrefixNegotiationRequest, offers)
}

func DecodeNegotiationRequest(b []byte) (*NegotiationRequest, error) {
	_, fields, err := DecodeFields(b, map[uint64]int{PrefixNegotiationRequest: 1})
	if err != nil {
		return nil, err
	}
	var m NegotiationRequest
	err = DecodeField(fields[0], &m.Extensions)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *NegotiationResponse) Encode() []byte {
	decisions := m.Decisions
	if decisions == nil {
		decisions = []Decision{}
	}
	return EncodeMessage(PrefixNegotiationResponse, decisions)
}

func DecodeNegotiationResponse(b []byte) (*NegotiationResponse, error) {
	_, fields, err := DecodeFields(b, map[uint64]int{PrefixNegotiationResponse: 1})
	if err != nil {
		return nil, err
	}
	var m NegotiationResponse
	err = DecodeField(fields[0], &m.Decisions)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *ApplicationMessage) Encode() []byte {
	return EncodeMessage(PrefixApplication, m.Slot, m.Encrypted, m.Payload)
}

func DecodeApplicationMessage(b []byte) (*ApplicationMessage, error) {
	_, fields, err := DecodeFields(b, map[uint64]int{PrefixApplication: 3})
	if err != nil {
		return nil, err
	}
	var m ApplicationMessage
	for i, v := range []any{&m.Slot, &m.Encrypted, &m.Payload} {
		err = DecodeField(fields[i], v)
		if err != nil {
			return nil, err
		}
	}
	return &m, nil
}
