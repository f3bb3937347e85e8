package p2p

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/MixinNetwork/peernet/crypto"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

type handshakeOutcome struct {
	res *HandshakeResult
	err error
}

func runHandshakePair(initiator, responder *Handshake) (handshakeOutcome, handshakeOutcome) {
	a, b := pipeClients()
	done := make(chan handshakeOutcome)
	go func() {
		res, err := responder.Run(context.Background(), b, time.Second)
		if err != nil {
			b.Close()
		}
		done <- handshakeOutcome{res, err}
	}()
	res, err := initiator.Run(context.Background(), a, time.Second)
	if err != nil {
		a.Close()
	}
	return handshakeOutcome{res, err}, <-done
}

func TestHandshake(t *testing.T) {
	require := require.New(t)

	ka, kb := crypto.RandomKey(), crypto.RandomKey()
	idb := NodeIdFromPublicKey(kb.Public())
	initiator := NewHandshake(ka, 7239, true, &idb)
	responder := NewHandshake(kb, 7240, false, nil)
	responder.replay = newNonceCache()
	defer responder.replay.close()

	oa, ob := runHandshakePair(initiator, responder)
	require.Nil(oa.err)
	require.Nil(ob.err)
	require.Equal(HandshakeAuthenticated, initiator.State())
	require.Equal(HandshakeAuthenticated, responder.State())
	require.Equal(idb, oa.res.NodeId)
	require.Equal(NodeIdFromPublicKey(ka.Public()), ob.res.NodeId)
	require.Equal(uint16(7240), oa.res.ListenPort)
	require.Equal(uint16(7239), ob.res.ListenPort)
	require.Equal(oa.res.Session.key, ob.res.Session.key)

	for i := 0; i < 3; i++ {
		sealed, err := oa.res.Session.Seal([]byte("from initiator"))
		require.Nil(err)
		plain, err := ob.res.Session.Open(sealed)
		require.Nil(err)
		require.Equal("from initiator", string(plain))
		sealed, err = ob.res.Session.Seal([]byte("from responder"))
		require.Nil(err)
		plain, err = oa.res.Session.Open(sealed)
		require.Nil(err)
		require.Equal("from responder", string(plain))
	}

	oc, od := runHandshakePair(NewHandshake(ka, 0, true, nil), NewHandshake(kb, 0, false, nil))
	require.Nil(oc.err)
	require.Nil(od.err)
	require.NotEqual(oa.res.Session.key, oc.res.Session.key)
}

func TestHandshakeAuthFailed(t *testing.T) {
	require := require.New(t)

	ka, kb := crypto.RandomKey(), crypto.RandomKey()
	a, b := pipeClients()
	addr := NewPeerAddress(netip.MustParseAddr("127.0.0.1"), 7239)
	conn := newConnection(context.Background(), addr, b, false)
	require.Nil(conn.advance(eventStart))

	go func() {
		hello := &Hello{Version: 1, PublicKey: ka.Public(), ListenPort: 7239}
		crypto.ReadRand(hello.Nonce[:])
		payload := hello.Encode()
		msg := &SignedMessage{Payload: payload, Signature: kb.Sign(payload)}
		a.Send(msg.Encode())
	}()
	hs := NewHandshake(kb, 7240, false, nil)
	_, err := hs.Run(context.Background(), b, time.Second)
	require.ErrorIs(err, ErrHandshakeAuthFailed)
	require.Equal(HandshakeAwaitingPeerHello, hs.State())

	require.Nil(conn.advance(eventFailure))
	conn.teardown()
	require.Equal(StateClosed, conn.State())
	require.Nil(conn.Session())
	_, err = a.Receive()
	require.NotNil(err)
}

func TestHandshakeExpectMismatch(t *testing.T) {
	require := require.New(t)

	ka, kb := crypto.RandomKey(), crypto.RandomKey()
	other := NodeIdFromPublicKey(crypto.RandomKey().Public())
	oa, _ := runHandshakePair(NewHandshake(ka, 0, true, &other), NewHandshake(kb, 0, false, nil))
	require.ErrorIs(oa.err, ErrHandshakeAuthFailed)
	require.Nil(oa.res)
}

func TestHandshakeSelf(t *testing.T) {
	require := require.New(t)

	k := crypto.RandomKey()
	oa, ob := runHandshakePair(NewHandshake(k, 0, true, nil), NewHandshake(k, 0, false, nil))
	require.ErrorIs(ob.err, ErrSelfConnection)
	require.NotNil(oa.err)
}

func TestHandshakeReplay(t *testing.T) {
	require := require.New(t)

	ka, kb := crypto.RandomKey(), crypto.RandomKey()
	hello := &Hello{Version: 1, PublicKey: ka.Public(), ListenPort: 7239}
	crypto.ReadRand(hello.Nonce[:])
	payload := hello.Encode()
	msg := (&SignedMessage{Payload: payload, Signature: ka.Sign(payload)}).Encode()

	hs := NewHandshake(kb, 0, false, nil)
	hs.replay = newNonceCache()
	defer hs.replay.close()
	peer, err := hs.verify(msg)
	require.Nil(err)
	require.Equal(hello, peer)
	_, err = hs.verify(msg)
	require.ErrorIs(err, ErrHandshakeReplay)

	hello.Version = 2
	crypto.ReadRand(hello.Nonce[:])
	payload = hello.Encode()
	msg = (&SignedMessage{Payload: payload, Signature: ka.Sign(payload)}).Encode()
	_, err = hs.verify(msg)
	require.ErrorIs(err, ErrHandshakeVersion)

	_, err = hs.verify(payload)
	require.ErrorIs(err, ErrUnexpectedPrefix)
}

func TestHandshakeTimeout(t *testing.T) {
	require := require.New(t)

	a, b := pipeClients()
	hs := NewHandshake(crypto.RandomKey(), 0, false, nil)
	start := time.Now()
	res, err := hs.Run(context.Background(), b, 100*time.Millisecond)
	require.ErrorIs(err, ErrHandshakeTimeout)
	require.Nil(res)
	require.Less(time.Since(start), time.Second)
	_, err = a.Receive()
	require.NotNil(err)

	a, b = pipeClients()
	defer a.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewHandshake(crypto.RandomKey(), 0, true, nil).Run(ctx, b, time.Second)
	require.ErrorIs(err, context.Canceled)
}

func TestHandshakeTimeoutClock(t *testing.T) {
	require := require.New(t)

	a, b := pipeClients()
	defer a.Close()
	mock := clock.NewMock()
	hs := NewHandshake(crypto.RandomKey(), 0, false, nil)
	hs.clock = mock
	done := make(chan error, 1)
	go func() {
		_, err := hs.Run(context.Background(), b, time.Second)
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("handshake ended before the clock moved: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	require.Eventually(func() bool {
		mock.Add(time.Second)
		select {
		case err := <-done:
			require.ErrorIs(err, ErrHandshakeTimeout)
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}
