package p2p

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/MixinNetwork/peernet/config"
	"github.com/MixinNetwork/peernet/logger"
	"github.com/gofrs/uuid"
)

type ConnectionState int32

const (
	StateConnecting ConnectionState = iota
	StateHandshaking
	StateNegotiating
	StateEstablished
	StateClosing
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateNegotiating:
		return "negotiating"
	case StateEstablished:
		return "established"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type connectionEvent int

const (
	eventStart connectionEvent = iota
	eventAuthenticated
	eventNegotiated
	eventFailure
	eventClosed
)

var (
	ErrInvalidTransition      = errors.New("p2p: invalid connection transition")
	ErrPeerNotConnected       = errors.New("p2p: peer not connected")
	ErrExtensionNotNegotiated = errors.New("p2p: extension not negotiated")
	ErrSendQueueFull          = errors.New("p2p: send queue full")
	ErrConnectionClosed       = errors.New("p2p: connection closed")
	ErrEncryptionRequired     = errors.New("p2p: plaintext frame for encrypted extension")

	errUnknownSlot = errors.New("p2p: unknown extension slot")
)

// transition is the whole connection lifecycle. A failure moves any live
// state to closing, closing only ends in closed.
func transition(s ConnectionState, e connectionEvent) (ConnectionState, error) {
	switch {
	case e == eventStart && s == StateConnecting:
		return StateHandshaking, nil
	case e == eventAuthenticated && s == StateHandshaking:
		return StateNegotiating, nil
	case e == eventNegotiated && s == StateNegotiating:
		return StateEstablished, nil
	case e == eventFailure && s < StateClosing:
		return StateClosing, nil
	case e == eventFailure && s == StateClosing:
		return StateClosing, nil
	case e == eventClosed && s == StateClosing:
		return StateClosed, nil
	}
	return s, fmt.Errorf("%w: event %d in %s", ErrInvalidTransition, e, s)
}

type outboundFrame struct {
	slot      uint64
	encrypted bool
	payload   []byte
}

type Connection struct {
	Id       uuid.UUID
	Address  PeerAddress
	Outbound bool

	sync.RWMutex
	node    NodeId
	listen  PeerAddress
	client  Client
	session *Session
	table   *NegotiatedTable

	state    atomic.Int32
	sequence uint64

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	outbound  chan *outboundFrame
	writing   chan struct{}

	sentMetric     *MetricPool
	receivedMetric *MetricPool
	log            *logger.Scope
}

func newConnection(ctx context.Context, addr PeerAddress, client Client, outbound bool) *Connection {
	c := &Connection{
		Id:       uuid.Must(uuid.NewV4()),
		Address:  addr,
		Outbound: outbound,
		listen:   addr,
		client:   client,
		outbound: make(chan *outboundFrame, config.SendQueueSize),
	}
	c.log = logger.With(fmt.Sprintf("conn %s %s", c.Id.String()[:8], addr))
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.state.Store(int32(StateConnecting))
	return c
}

func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

func (c *Connection) advance(e connectionEvent) error {
	for {
		cur := c.State()
		next, err := transition(cur, e)
		if err != nil {
			return err
		}
		if c.state.CompareAndSwap(int32(cur), int32(next)) {
			return nil
		}
	}
}

func (c *Connection) Node() NodeId {
	c.RLock()
	defer c.RUnlock()
	return c.node
}

// dialer is the node that opened the connection.
func (c *Connection) dialer(local NodeId) NodeId {
	if c.Outbound {
		return local
	}
	return c.Node()
}

// Listen is the address the peer accepts connections on, which differs from
// Address for inbound connections.
func (c *Connection) Listen() PeerAddress {
	c.RLock()
	defer c.RUnlock()
	return c.listen
}

func (c *Connection) Table() *NegotiatedTable {
	c.RLock()
	defer c.RUnlock()
	return c.table
}

func (c *Connection) Session() *Session {
	c.RLock()
	defer c.RUnlock()
	return c.session
}

func (c *Connection) attach(client Client) error {
	c.Lock()
	defer c.Unlock()

	if c.ctx.Err() != nil {
		client.Close()
		return ErrConnectionClosed
	}
	c.client = client
	return nil
}

func (c *Connection) authenticate(res *HandshakeResult) {
	c.Lock()
	defer c.Unlock()

	c.node = res.NodeId
	c.session = res.Session
	if !c.Outbound && res.ListenPort != 0 {
		c.listen = NewPeerAddress(c.Address.IP, res.ListenPort)
	}
}

func (c *Connection) negotiated(table *NegotiatedTable) {
	c.Lock()
	defer c.Unlock()

	c.table = table
	c.writing = make(chan struct{})
	go c.writeLoop(c.client, c.session, c.writing)
}

func (c *Connection) enqueue(slot uint64, encrypted bool, payload []byte) error {
	if c.State() != StateEstablished {
		return ErrPeerNotConnected
	}
	f := &outboundFrame{slot: slot, encrypted: encrypted, payload: payload}
	select {
	case c.outbound <- f:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		return ErrSendQueueFull
	}
}

func (c *Connection) writeLoop(client Client, session *Session, done chan struct{}) {
	defer close(done)

	for {
		var f *outboundFrame
		select {
		case <-c.ctx.Done():
			return
		case f = <-c.outbound:
		}
		msg := &ApplicationMessage{Slot: f.slot, Encrypted: f.encrypted, Payload: f.payload}
		if f.encrypted {
			sealed, err := session.Seal(f.payload)
			if err != nil {
				c.Close()
				return
			}
			msg.Payload = sealed
		}
		err := client.Send(msg.Encode())
		if err != nil {
			c.log.Verbosef("connection.writeLoop() => %v", err)
			c.Close()
			return
		}
		c.sentMetric.handle(PrefixApplication)
	}
}

// receive reads the next application frame. An encrypted frame is opened
// before the slot lookup so the inbound sequence never skips a frame.
func (c *Connection) receive() (NegotiatedExtension, []byte, bool, error) {
	var ext NegotiatedExtension
	tm, err := c.client.Receive()
	if err != nil {
		return ext, nil, false, err
	}
	msg, err := DecodeApplicationMessage(tm.Data)
	if err != nil {
		return ext, nil, false, err
	}
	c.receivedMetric.handle(PrefixApplication)
	payload := msg.Payload
	if msg.Encrypted {
		payload, err = c.session.Open(msg.Payload)
		if err != nil {
			return ext, nil, false, err
		}
	}
	ext, found := c.table.Lookup(msg.Slot)
	if !found {
		return ext, nil, msg.Encrypted, fmt.Errorf("%w: %d", errUnknownSlot, msg.Slot)
	}
	return ext, payload, msg.Encrypted, nil
}

// Close is idempotent and interrupts any pending read or write.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.RLock()
		client := c.client
		c.RUnlock()
		if client != nil {
			client.Close()
		}
	})
}

// teardown must be called exactly once, after Closing was entered.
func (c *Connection) teardown() {
	c.Close()
	c.RLock()
	writing, session := c.writing, c.session
	c.RUnlock()
	if writing != nil {
		<-writing
	}
	if session != nil {
		session.Zero()
	}
	err := c.advance(eventClosed)
	if err != nil {
		panic(err)
	}
}
