package p2p

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MixinNetwork/peernet/config"
	"github.com/MixinNetwork/peernet/crypto"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

type testEvent struct {
	kind    string
	node    NodeId
	version uint64
	data    []byte
	token   TimerToken
}

type testExtension struct {
	name       string
	versions   []uint64
	encryption bool
	timer      time.Duration
	api        Api
	events     chan testEvent
}

func newTestExtension(name string, versions []uint64, encryption bool) *testExtension {
	return &testExtension{
		name:       name,
		versions:   versions,
		encryption: encryption,
		events:     make(chan testEvent, 64),
	}
}

func (e *testExtension) Name() string         { return e.name }
func (e *testExtension) Versions() []uint64   { return e.versions }
func (e *testExtension) NeedEncryption() bool { return e.encryption }

func (e *testExtension) OnInitialize(api Api) {
	e.api = api
	if e.timer > 0 {
		err := api.SetTimer(1, e.timer)
		if err != nil {
			panic(err)
		}
		e.events <- testEvent{kind: "duplicate", data: []byte(api.SetTimer(1, e.timer).Error())}
	}
	e.events <- testEvent{kind: "init"}
}

func (e *testExtension) OnNodeAdded(node NodeId, version uint64) {
	e.events <- testEvent{kind: "added", node: node, version: version}
}

func (e *testExtension) OnNodeRemoved(node NodeId) {
	e.events <- testEvent{kind: "removed", node: node}
}

func (e *testExtension) OnMessage(node NodeId, data []byte) {
	e.events <- testEvent{kind: "message", node: node, data: data}
}

func (e *testExtension) OnTimeout(token TimerToken) {
	e.events <- testEvent{kind: "timeout", token: token}
}

func (e *testExtension) expect(t *testing.T, kind string) testEvent {
	select {
	case ev := <-e.events:
		require.Equal(t, kind, ev.kind)
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("%s: no %s event", e.name, kind)
	}
	return testEvent{}
}

type testNotifiee struct {
	sync.Mutex
	connected    map[NodeId]PeerAddress
	disconnected map[NodeId]PeerAddress
}

func (n *testNotifiee) Connected(node NodeId, addr PeerAddress) {
	n.Lock()
	defer n.Unlock()
	n.connected[node] = addr
}

func (n *testNotifiee) Disconnected(node NodeId, addr PeerAddress) {
	n.Lock()
	defer n.Unlock()
	n.disconnected[node] = addr
}

func testManager(t *testing.T, maxConnections int, clk clock.Clock) *Manager {
	custom := config.Default(crypto.RandomKey())
	custom.Network.Transport = "tcp"
	custom.Network.Listener = "127.0.0.1:0"
	custom.Network.MaxConnections = maxConnections
	custom.Network.Metric = true
	transport, err := NewTransport(custom.Network.Transport, custom.Network.Listener)
	require.Nil(t, err)
	return NewManager(custom, transport, clk)
}

func managerAddress(t *testing.T, m *Manager) PeerAddress {
	addr, err := PeerAddressFromNet(m.Addr())
	require.Nil(t, err)
	return addr
}

func TestManager(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	ma, mb := testManager(t, 8, clock.New()), testManager(t, 8, clock.New())
	echoA := newTestExtension("echo", []uint64{1, 2}, false)
	echoB := newTestExtension("echo", []uint64{2, 3}, false)
	secretA := newTestExtension("secret", []uint64{1}, true)
	secretB := newTestExtension("secret", []uint64{1}, true)
	onlyA := newTestExtension("only-a", []uint64{1}, false)
	require.Nil(ma.RegisterExtension(echoA))
	require.Nil(ma.RegisterExtension(secretA))
	require.Nil(ma.RegisterExtension(onlyA))
	require.ErrorIs(ma.RegisterExtension(echoA), ErrExtensionExists)
	require.Nil(mb.RegisterExtension(echoB))
	require.Nil(mb.RegisterExtension(secretB))
	notifiee := &testNotifiee{connected: make(map[NodeId]PeerAddress), disconnected: make(map[NodeId]PeerAddress)}
	mb.Notify(notifiee)

	require.ErrorIs(ma.Connect(ctx, PeerAddress{}, nil), ErrManagerNotStarted)
	require.Nil(ma.Start(ctx))
	require.Nil(mb.Start(ctx))
	require.ErrorIs(ma.Start(ctx), ErrManagerStarted)
	require.ErrorIs(ma.RegisterExtension(newTestExtension("late", []uint64{1}, false)), ErrManagerStarted)
	for _, e := range []*testExtension{echoA, echoB, secretA, secretB, onlyA} {
		e.expect(t, "init")
	}

	idb := mb.NodeId()
	require.Nil(ma.Connect(ctx, managerAddress(t, mb), &idb))
	ev := echoA.expect(t, "added")
	require.Equal(idb, ev.node)
	require.Equal(uint64(2), ev.version)
	ev = echoB.expect(t, "added")
	require.Equal(ma.NodeId(), ev.node)
	require.Equal(uint64(2), ev.version)
	secretA.expect(t, "added")
	secretB.expect(t, "added")
	require.True(ma.Established(idb))
	require.True(mb.Established(ma.NodeId()))

	require.Nil(echoA.api.Send(idb, []byte("ping")))
	ev = echoB.expect(t, "message")
	require.Equal(ma.NodeId(), ev.node)
	require.Equal("ping", string(ev.data))
	require.Nil(echoB.api.Send(ma.NodeId(), []byte("pong")))
	require.Equal("pong", string(echoA.expect(t, "message").data))
	require.Nil(secretB.api.Send(ma.NodeId(), []byte("secret")))
	require.Equal("secret", string(secretA.expect(t, "message").data))

	require.ErrorIs(onlyA.api.Send(idb, []byte("none")), ErrExtensionNotNegotiated)
	stranger := NodeIdFromPublicKey(crypto.RandomKey().Public())
	require.ErrorIs(echoA.api.Send(stranger, []byte("none")), ErrPeerNotConnected)

	addr, found := echoB.api.PeerAddress(ma.NodeId())
	require.True(found)
	require.Equal(managerAddress(t, ma), addr)
	_, found = echoB.api.PeerAddress(stranger)
	require.False(found)

	peers := mb.Peers()
	require.Len(peers, 1)
	require.Equal(StateEstablished, peers[0].State)
	require.False(peers[0].Outbound)
	require.Equal(managerAddress(t, ma), peers[0].Listen)
	require.Len(peers[0].Extensions, 2)
	notifiee.Lock()
	require.Equal(managerAddress(t, ma), notifiee.connected[ma.NodeId()])
	notifiee.Unlock()
	require.Len(ma.Metric(), 2)
	require.Greater(ma.Metric()["sent"].Snapshot()["application"], uint32(0))

	require.Nil(ma.Close())
	ev = echoB.expect(t, "removed")
	require.Equal(ma.NodeId(), ev.node)
	secretB.expect(t, "removed")
	require.Eventually(func() bool {
		return len(mb.Peers()) == 0
	}, 5*time.Second, 10*time.Millisecond)
	notifiee.Lock()
	require.Contains(notifiee.disconnected, ma.NodeId())
	notifiee.Unlock()
	require.False(mb.Established(ma.NodeId()))
	require.Nil(mb.Close())
}

func TestManagerTableFull(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	server := testManager(t, 1, clock.New())
	require.Nil(server.Start(ctx))
	defer server.Close()
	first, second := testManager(t, 8, clock.New()), testManager(t, 8, clock.New())
	require.Nil(first.Start(ctx))
	defer first.Close()
	require.Nil(second.Start(ctx))
	defer second.Close()

	require.Nil(first.Connect(ctx, managerAddress(t, server), nil))
	require.Eventually(func() bool {
		return server.Established(first.NodeId()) && first.Established(server.NodeId())
	}, 5*time.Second, 10*time.Millisecond)

	require.Nil(second.Connect(ctx, managerAddress(t, server), nil))
	require.Eventually(func() bool {
		return len(second.Peers()) == 0
	}, 5*time.Second, 10*time.Millisecond)
	require.False(second.Established(server.NodeId()))
	peers := server.Peers()
	require.Len(peers, 1)
	require.Equal(first.NodeId(), peers[0].Node)
	require.Equal(StateEstablished, peers[0].State)
}

func TestManagerAuthFailed(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	server := testManager(t, 8, clock.New())
	require.Nil(server.Start(ctx))
	defer server.Close()

	client, err := NewTcpTransport("").Dial(ctx, server.Addr().String())
	require.Nil(err)
	defer client.Close()
	ka, kb := crypto.RandomKey(), crypto.RandomKey()
	hello := &Hello{Version: 1, PublicKey: ka.Public(), ListenPort: 7239}
	crypto.ReadRand(hello.Nonce[:])
	payload := hello.Encode()
	require.Nil(client.Send((&SignedMessage{Payload: payload, Signature: kb.Sign(payload)}).Encode()))

	_, err = client.Receive()
	require.NotNil(err)
	require.Eventually(func() bool {
		return len(server.Peers()) == 0
	}, 5*time.Second, 10*time.Millisecond)
	require.False(server.Established(NodeIdFromPublicKey(ka.Public())))
}

func TestManagerTimer(t *testing.T) {
	require := require.New(t)

	mock := clock.NewMock()
	m := testManager(t, 8, mock)
	ext := newTestExtension("timer", []uint64{1}, false)
	ext.timer = 10 * time.Second
	require.Nil(m.RegisterExtension(ext))
	require.Nil(m.Start(context.Background()))

	ev := ext.expect(t, "duplicate")
	require.Contains(string(ev.data), ErrTimerExists.Error())
	ext.expect(t, "init")
	require.ErrorIs(ext.api.SetTimer(2, 0), ErrTimerInterval)

	mock.Add(5 * time.Second)
	select {
	case ev := <-ext.events:
		t.Fatalf("unexpected event %s", ev.kind)
	case <-time.After(50 * time.Millisecond):
	}
	for i := 0; i < 3; i++ {
		mock.Add(10 * time.Second)
		ev = ext.expect(t, "timeout")
		require.Equal(TimerToken(1), ev.token)
	}

	require.Nil(m.Close())
	require.ErrorIs(ext.api.SetTimer(3, time.Second), ErrTimersClosed)
}

func TestManagerSimultaneousOpen(t *testing.T) {
	for i := 0; i < 5; i++ {
		testSimultaneousOpen(t)
	}
}

func testSimultaneousOpen(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	ma, mb := testManager(t, 8, clock.New()), testManager(t, 8, clock.New())
	echoA := newTestExtension("echo", []uint64{1}, false)
	echoB := newTestExtension("echo", []uint64{1}, false)
	require.Nil(ma.RegisterExtension(echoA))
	require.Nil(mb.RegisterExtension(echoB))
	require.Nil(ma.Start(ctx))
	defer ma.Close()
	require.Nil(mb.Start(ctx))
	defer mb.Close()
	echoA.expect(t, "init")
	echoB.expect(t, "init")

	ida, idb := ma.NodeId(), mb.NodeId()
	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs[0] = ma.Connect(ctx, managerAddress(t, mb), &idb)
	}()
	go func() {
		defer wg.Done()
		errs[1] = mb.Connect(ctx, managerAddress(t, ma), &ida)
	}()
	wg.Wait()
	require.Nil(errs[0])
	require.Nil(errs[1])

	settled := func(m *Manager, remote NodeId) bool {
		peers := m.Peers()
		if len(peers) != 1 || peers[0].State != StateEstablished {
			return false
		}
		return peers[0].Node == remote && peers[0].Outbound == dialedBefore(m.NodeId(), remote)
	}
	require.Eventually(func() bool {
		return settled(ma, idb) && settled(mb, ida)
	}, 5*time.Second, 10*time.Millisecond)

	for _, e := range []*testExtension{echoA, echoB} {
		balance := 0
		for quiet := false; !quiet; {
			select {
			case ev := <-e.events:
				switch ev.kind {
				case "added":
					balance++
				case "removed":
					balance--
				}
			case <-time.After(200 * time.Millisecond):
				quiet = true
			}
		}
		require.Equal(1, balance)
	}
	require.Eventually(func() bool {
		return settled(ma, idb) && settled(mb, ida)
	}, 5*time.Second, 10*time.Millisecond)

	require.Nil(echoA.api.Send(idb, []byte("ping")))
	require.Equal("ping", string(echoB.expect(t, "message").data))
}

func TestManagerPlaintextForEncryptedExtension(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	ma, mb := testManager(t, 8, clock.New()), testManager(t, 8, clock.New())
	secretA := newTestExtension("secret", []uint64{1}, true)
	secretB := newTestExtension("secret", []uint64{1}, true)
	require.Nil(ma.RegisterExtension(secretA))
	require.Nil(mb.RegisterExtension(secretB))
	require.Nil(ma.Start(ctx))
	defer ma.Close()
	require.Nil(mb.Start(ctx))
	defer mb.Close()
	secretA.expect(t, "init")
	secretB.expect(t, "init")

	idb := mb.NodeId()
	require.Nil(ma.Connect(ctx, managerAddress(t, mb), &idb))
	secretA.expect(t, "added")
	secretB.expect(t, "added")

	conn := ma.table.GetByNode(idb)
	require.NotNil(conn)
	ext, found := conn.Table().Find("secret")
	require.True(found)
	require.Nil(conn.enqueue(ext.Slot, false, []byte("plain")))

	ev := secretB.expect(t, "removed")
	require.Equal(ma.NodeId(), ev.node)
	secretA.expect(t, "removed")
	require.Eventually(func() bool {
		return len(ma.Peers()) == 0 && len(mb.Peers()) == 0
	}, 5*time.Second, 10*time.Millisecond)
}
