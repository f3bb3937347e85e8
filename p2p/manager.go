package p2p

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MixinNetwork/peernet/config"
	"github.com/MixinNetwork/peernet/crypto"
	"github.com/MixinNetwork/peernet/logger"
	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"
)

var (
	ErrManagerStarted    = errors.New("p2p: manager started")
	ErrManagerNotStarted = errors.New("p2p: manager not started")
	ErrExtensionExists   = errors.New("p2p: extension exists")
)

// Notifiee observes connections entering and leaving the established state.
type Notifiee interface {
	Connected(node NodeId, addr PeerAddress)
	Disconnected(node NodeId, addr PeerAddress)
}

type PeerInfo struct {
	Id         string                `json:"id"`
	Node       NodeId                `json:"node"`
	Address    PeerAddress           `json:"address"`
	Listen     PeerAddress           `json:"listen"`
	Outbound   bool                  `json:"outbound"`
	State      ConnectionState       `json:"state"`
	Extensions []NegotiatedExtension `json:"extensions"`
}

type Manager struct {
	custom    *config.Custom
	signer    crypto.Key
	node      NodeId
	transport Transport
	clock     clock.Clock
	table     *LimitedTable
	timers    *timerService
	replay    *nonceCache
	limiter   *rate.Limiter

	sync.RWMutex
	workers     map[string]*extensionWorker
	descriptors []Descriptor
	notifiees   []Notifiee

	listenPort     uint16
	sentMetric     *MetricPool
	receivedMetric *MetricPool

	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool
	wg      sync.WaitGroup
}

func NewManager(custom *config.Custom, transport Transport, clk clock.Clock) *Manager {
	m := &Manager{
		custom:         custom,
		signer:         custom.Node.Signer,
		node:           NodeIdFromPublicKey(custom.Node.Signer.Public()),
		transport:      transport,
		clock:          clk,
		table:          NewLimitedTable(custom.Network.MaxConnections),
		replay:         newNonceCache(),
		limiter:        rate.NewLimiter(rate.Limit(custom.Network.AcceptRate), custom.Network.AcceptRate),
		workers:        make(map[string]*extensionWorker),
		sentMetric:     NewMetricPool(custom.Network.Metric),
		receivedMetric: NewMetricPool(custom.Network.Metric),
	}
	m.timers = newTimerService(clk, m.postTimeout)
	return m
}

func (m *Manager) NodeId() NodeId {
	return m.node
}

func (m *Manager) Addr() net.Addr {
	return m.transport.Addr()
}

func (m *Manager) RegisterExtension(ext Extension) error {
	m.Lock()
	defer m.Unlock()

	if m.started.Load() {
		return ErrManagerStarted
	}
	d := DescriptorOf(ext)
	if m.workers[d.Name] != nil {
		return fmt.Errorf("%w: %s", ErrExtensionExists, d.Name)
	}
	m.workers[d.Name] = newExtensionWorker(ext, d, &extensionApi{manager: m, name: d.Name})
	m.descriptors = append(m.descriptors, d)
	return nil
}

func (m *Manager) Notify(n Notifiee) {
	m.Lock()
	defer m.Unlock()

	m.notifiees = append(m.notifiees, n)
}

func (m *Manager) Start(ctx context.Context) error {
	m.Lock()
	defer m.Unlock()

	if m.started.Load() {
		return ErrManagerStarted
	}
	err := m.transport.Listen()
	if err != nil {
		return err
	}
	if addr := m.transport.Addr(); addr != nil {
		ap, _ := netip.ParseAddrPort(addr.String())
		m.listenPort = ap.Port()
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.started.Store(true)

	for _, w := range m.workers {
		go w.run()
		w.post(extensionEvent{kind: eventInitialize})
	}
	m.wg.Add(1)
	go m.loopAccept()
	logger.Printf("manager.Start(%s, %s)\n", m.node, m.transport.Addr())
	return nil
}

func (m *Manager) loopAccept() {
	defer m.wg.Done()

	for {
		client, err := m.transport.Accept(m.ctx)
		if err != nil {
			if m.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				logger.Printf("manager.loopAccept(%s) DONE %v\n", m.node, err)
				return
			}
			logger.Verbosef("transport.Accept(%s) => %v", m.node, err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if !m.limiter.Allow() {
			logger.Verbosef("manager.loopAccept(%s) rate limited", client.RemoteAddr())
			client.Close()
			continue
		}
		addr, err := PeerAddressFromNet(client.RemoteAddr())
		if err != nil {
			logger.Verbosef("PeerAddressFromNet(%s) => %v", client.RemoteAddr(), err)
			client.Close()
			continue
		}
		conn := m.newConnection(addr, client, false)
		err = m.admit(conn)
		if err != nil {
			logger.Verbosef("manager.admit(%s) => %v", addr, err)
			conn.Close()
			continue
		}
		m.wg.Add(1)
		go m.serve(conn, nil)
	}
}

// Connect dials addr and drives the new connection in the background. The
// returned error covers admission and dialing only.
func (m *Manager) Connect(ctx context.Context, addr PeerAddress, expect *NodeId) error {
	if !m.started.Load() {
		return ErrManagerNotStarted
	}
	if expect != nil && *expect == m.node {
		return ErrSelfConnection
	}
	conn := m.newConnection(addr, nil, true)
	err := m.admit(conn)
	if err != nil {
		return err
	}

	client, err := m.transport.Dial(ctx, addr.String())
	if err == nil {
		err = conn.attach(client)
	}
	if err != nil {
		m.release(conn, false)
		return err
	}
	m.wg.Add(1)
	go m.serve(conn, expect)
	return nil
}

func (m *Manager) newConnection(addr PeerAddress, client Client, outbound bool) *Connection {
	conn := newConnection(m.ctx, addr, client, outbound)
	conn.sentMetric = m.sentMetric
	conn.receivedMetric = m.receivedMetric
	return conn
}

func (m *Manager) admit(conn *Connection) error {
	evicted, err := m.table.Insert(conn.Address, conn)
	if err != nil {
		return err
	}
	if evicted != nil {
		evicted.log.Verbosef("manager.admit(%s) evicted in %s", conn.Id, evicted.State())
		evicted.Close()
	}
	return nil
}

func (m *Manager) serve(conn *Connection, expect *NodeId) {
	defer m.wg.Done()

	established, err := m.drive(conn, expect)
	conn.log.Printf("manager.serve(%s, %t) => %v", conn.Node(), established, err)
	m.release(conn, established)
}

func (m *Manager) drive(conn *Connection, expect *NodeId) (bool, error) {
	err := conn.advance(eventStart)
	if err != nil {
		return false, err
	}

	hs := NewHandshake(m.signer, m.listenPort, conn.Outbound, expect)
	hs.replay = m.replay
	hs.clock = m.clock
	hs.sent, hs.received = m.sentMetric, m.receivedMetric
	res, err := hs.Run(conn.ctx, conn.client, m.custom.HandshakeTimeout())
	if err != nil {
		return false, err
	}
	conn.authenticate(res)
	err = conn.advance(eventAuthenticated)
	if err != nil {
		return false, err
	}

	neg := NewNegotiation(m.descriptors, conn.Outbound, res.Session.Established())
	neg.sent, neg.received = m.sentMetric, m.receivedMetric
	neg.clock = m.clock
	table, err := neg.Run(conn.ctx, conn.client, m.custom.NegotiationTimeout())
	if err != nil {
		return false, err
	}
	conn.negotiated(table)
	replaced, err := m.table.Establish(conn, m.node)
	if err != nil {
		return false, err
	}

	node := conn.Node()
	if replaced != nil {
		// the node was already announced through the replaced connection
		conn.log.Printf("manager.drive(%s) replaced %s", node, replaced.Id)
		replaced.Close()
	} else {
		for _, ext := range table.Extensions() {
			m.workers[ext.Name].post(extensionEvent{kind: eventNodeAdded, node: node, version: ext.Version})
		}
		m.RLock()
		notifiees := m.notifiees
		m.RUnlock()
		for _, n := range notifiees {
			n.Connected(node, conn.Listen())
		}
	}
	conn.log.Printf("manager.drive(%s) established %d extensions", node, table.Len())

	for {
		ext, data, encrypted, err := conn.receive()
		if errors.Is(err, errUnknownSlot) {
			conn.log.Verbosef("connection.receive(%s) => %v", node, err)
			continue
		}
		if err != nil {
			return true, err
		}
		w := m.workers[ext.Name]
		if w.descriptor.NeedsEncryption && !encrypted {
			return true, fmt.Errorf("%w: %s", ErrEncryptionRequired, ext.Name)
		}
		w.post(extensionEvent{kind: eventMessage, node: node, data: data})
	}
}

func (m *Manager) release(conn *Connection, established bool) {
	err := conn.advance(eventFailure)
	if err != nil {
		panic(err)
	}
	conn.teardown()
	_, owned := m.table.Remove(conn.Address, conn)
	if !established || !owned {
		return
	}

	node := conn.Node()
	for _, ext := range conn.Table().Extensions() {
		m.workers[ext.Name].post(extensionEvent{kind: eventNodeRemoved, node: node})
	}
	m.RLock()
	notifiees := m.notifiees
	m.RUnlock()
	for _, n := range notifiees {
		n.Disconnected(node, conn.Listen())
	}
}

func (m *Manager) send(name string, node NodeId, data []byte) error {
	conn := m.table.GetByNode(node)
	if conn == nil {
		return ErrPeerNotConnected
	}
	ext, found := conn.Table().Find(name)
	if !found {
		return fmt.Errorf("%w: %s", ErrExtensionNotNegotiated, name)
	}
	return conn.enqueue(ext.Slot, m.workers[name].descriptor.NeedsEncryption, data)
}

func (m *Manager) postTimeout(name string, token TimerToken) bool {
	return m.workers[name].post(extensionEvent{kind: eventTimeout, token: token})
}

func (m *Manager) Peers() []*PeerInfo {
	var peers []*PeerInfo
	for _, c := range m.table.Slice() {
		peers = append(peers, &PeerInfo{
			Id:         c.Id.String(),
			Node:       c.Node(),
			Address:    c.Address,
			Listen:     c.Listen(),
			Outbound:   c.Outbound,
			State:      c.State(),
			Extensions: c.Table().Extensions(),
		})
	}
	return peers
}

func (m *Manager) Established(node NodeId) bool {
	c := m.table.GetByNode(node)
	return c != nil && c.State() == StateEstablished
}

func (m *Manager) Metric() map[string]*MetricPool {
	metrics := make(map[string]*MetricPool)
	if m.sentMetric.enabled {
		metrics["sent"] = m.sentMetric
	}
	if m.receivedMetric.enabled {
		metrics["received"] = m.receivedMetric
	}
	return metrics
}

func (m *Manager) Close() error {
	if !m.started.Load() {
		return ErrManagerNotStarted
	}
	m.cancel()
	err := m.transport.Close()
	m.timers.close()
	for _, c := range m.table.Slice() {
		c.Close()
	}
	m.wg.Wait()
	for _, w := range m.workers {
		err = multierr.Append(err, w.stop())
	}
	m.replay.close()
	logger.Printf("manager.Close(%s) => %v\n", m.node, err)
	return err
}
