package p2p

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MixinNetwork/peernet/config"
	"github.com/MixinNetwork/peernet/crypto"
	"github.com/MixinNetwork/peernet/logger"
	"github.com/benbjohnson/clock"
)

type HandshakeState int32

const (
	HandshakeIdle HandshakeState = iota
	HandshakeAwaitingPeerHello
	HandshakeKeyAgreed
	HandshakeAuthenticated
)

var (
	ErrHandshakeAuthFailed = errors.New("p2p: handshake authentication failed")
	ErrHandshakeVersion    = errors.New("p2p: handshake version mismatch")
	ErrHandshakeReplay     = errors.New("p2p: handshake nonce replayed")
	ErrHandshakeTimeout    = errors.New("p2p: handshake timeout")
	ErrSelfConnection      = errors.New("p2p: connection to self")
)

type HandshakeResult struct {
	NodeId     NodeId
	PublicKey  crypto.Key
	ListenPort uint16
	Session    *Session
}

// Handshake authenticates both ends of a fresh client with their long-term
// keys and derives the session key. The initiator speaks first.
type Handshake struct {
	signer     crypto.Key
	listenPort uint16
	initiator  bool
	expect     *NodeId
	replay     *nonceCache
	sent       *MetricPool
	received   *MetricPool
	clock      clock.Clock
	state      HandshakeState
}

func NewHandshake(signer crypto.Key, listenPort uint16, initiator bool, expect *NodeId) *Handshake {
	return &Handshake{
		signer:     signer,
		listenPort: listenPort,
		initiator:  initiator,
		expect:     expect,
		clock:      clock.New(),
	}
}

func (h *Handshake) State() HandshakeState {
	return h.state
}

func (h *Handshake) Run(ctx context.Context, client Client, timeout time.Duration) (*HandshakeResult, error) {
	return runWithTimeout(ctx, h.clock, client, timeout, ErrHandshakeTimeout, func() (*HandshakeResult, error) {
		return h.exchange(client)
	})
}

func (h *Handshake) exchange(client Client) (*HandshakeResult, error) {
	if h.state != HandshakeIdle {
		panic(h.state)
	}
	mine := &Hello{
		Version:    config.ProtocolVersion,
		PublicKey:  h.signer.Public(),
		Nonce:      crypto.RandomHash(),
		ListenPort: h.listenPort,
	}

	if h.initiator {
		err := h.send(client, mine)
		if err != nil {
			return nil, err
		}
	}
	h.state = HandshakeAwaitingPeerHello

	tm, err := client.Receive()
	if err != nil {
		return nil, err
	}
	h.received.handle(PrefixSignedMessage)
	peer, err := h.verify(tm.Data)
	if err != nil {
		return nil, err
	}

	if !h.initiator {
		err := h.send(client, mine)
		if err != nil {
			return nil, err
		}
	}

	shared, err := crypto.KeyMult(&peer.PublicKey, &h.signer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeAuthFailed, err)
	}
	initiatorNonce, responderNonce := mine.Nonce, peer.Nonce
	if !h.initiator {
		initiatorNonce, responderNonce = peer.Nonce, mine.Nonce
	}
	key := deriveSessionKey(shared, initiatorNonce, responderNonce)
	h.state = HandshakeKeyAgreed

	session, err := NewSession(key, h.initiator)
	if err != nil {
		return nil, err
	}
	h.state = HandshakeAuthenticated
	return &HandshakeResult{
		NodeId:     NodeIdFromPublicKey(peer.PublicKey),
		PublicKey:  peer.PublicKey,
		ListenPort: peer.ListenPort,
		Session:    session,
	}, nil
}

func (h *Handshake) send(client Client, hello *Hello) error {
	payload := hello.Encode()
	msg := &SignedMessage{Payload: payload, Signature: h.signer.Sign(payload)}
	h.sent.handle(PrefixSignedMessage)
	return client.Send(msg.Encode())
}

func (h *Handshake) verify(b []byte) (*Hello, error) {
	msg, err := DecodeSignedMessage(b)
	if err != nil {
		return nil, err
	}
	hello, err := DecodeHello(msg.Payload)
	if err != nil {
		return nil, err
	}
	if !hello.PublicKey.Verify(msg.Payload, msg.Signature) {
		return nil, fmt.Errorf("%w: signature", ErrHandshakeAuthFailed)
	}
	if hello.Version != config.ProtocolVersion {
		return nil, fmt.Errorf("%w: %d", ErrHandshakeVersion, hello.Version)
	}
	node := NodeIdFromPublicKey(hello.PublicKey)
	if node == NodeIdFromPublicKey(h.signer.Public()) {
		return nil, ErrSelfConnection
	}
	if h.expect != nil && *h.expect != node {
		logger.Verbosef("handshake.verify(%s) expected %s", node, *h.expect)
		return nil, fmt.Errorf("%w: node %s", ErrHandshakeAuthFailed, node)
	}
	if h.replay != nil && h.replay.seen(hello.Nonce) {
		return nil, fmt.Errorf("%w: %s", ErrHandshakeReplay, hello.Nonce)
	}
	return hello, nil
}
