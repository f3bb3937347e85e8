package p2p

import (
	"bytes"
	"errors"
	"slices"
	"sync"
)

var (
	ErrTableFull           = errors.New("p2p: connection table full")
	ErrDuplicateConnection = errors.New("p2p: duplicate connection")
	ErrConnectionEvicted   = errors.New("p2p: connection evicted")
)

// LimitedTable holds at most capacity connections keyed by address, and at
// most one established connection per node. When full, the pending entry
// inserted first is evicted, established entries are never displaced.
type LimitedTable struct {
	sync.RWMutex
	capacity int
	sequence uint64
	entries  map[PeerAddress]*Connection
	nodes    map[NodeId]*Connection
}

func NewLimitedTable(capacity int) *LimitedTable {
	if capacity < 1 {
		panic(capacity)
	}
	return &LimitedTable{
		capacity: capacity,
		entries:  make(map[PeerAddress]*Connection),
		nodes:    make(map[NodeId]*Connection),
	}
}

// Insert returns the entry displaced by conn, which the caller must close.
func (t *LimitedTable) Insert(addr PeerAddress, conn *Connection) (*Connection, error) {
	t.Lock()
	defer t.Unlock()

	if old := t.entries[addr]; old != nil {
		if old.State() == StateEstablished {
			return nil, ErrDuplicateConnection
		}
		t.put(addr, conn)
		return old, nil
	}

	var evicted *Connection
	if len(t.entries) >= t.capacity {
		for _, c := range t.entries {
			if c.State() == StateEstablished {
				continue
			}
			if evicted == nil || c.sequence < evicted.sequence {
				evicted = c
			}
		}
		if evicted == nil {
			return nil, ErrTableFull
		}
		delete(t.entries, evicted.Address)
	}
	t.put(addr, conn)
	return evicted, nil
}

func (t *LimitedTable) put(addr PeerAddress, conn *Connection) {
	t.sequence++
	conn.sequence = t.sequence
	t.entries[addr] = conn
}

// Establish moves a negotiated connection to established, provided it still
// owns its slot. When its node already has an established connection, both
// ends keep the one dialed by the lower node id, local being our own id. The
// displaced connection is returned and the caller must close it.
func (t *LimitedTable) Establish(conn *Connection, local NodeId) (*Connection, error) {
	t.Lock()
	defer t.Unlock()

	if t.entries[conn.Address] != conn {
		return nil, ErrConnectionEvicted
	}
	node := conn.Node()
	old := t.nodes[node]
	if old == conn {
		old = nil
	}
	if old != nil && !dialedBefore(conn.dialer(local), old.dialer(local)) {
		return nil, ErrDuplicateConnection
	}
	err := conn.advance(eventNegotiated)
	if err != nil {
		return nil, err
	}
	t.nodes[node] = conn
	return old, nil
}

func dialedBefore(a, b NodeId) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

// Remove deletes addr only while it still maps to conn. The second result
// reports whether conn was the established connection of its node.
func (t *LimitedTable) Remove(addr PeerAddress, conn *Connection) (bool, bool) {
	t.Lock()
	defer t.Unlock()

	owned := t.nodes[conn.Node()] == conn
	if owned {
		delete(t.nodes, conn.Node())
	}
	if t.entries[addr] != conn {
		return false, owned
	}
	delete(t.entries, addr)
	return true, owned
}

func (t *LimitedTable) Get(addr PeerAddress) *Connection {
	t.RLock()
	defer t.RUnlock()

	return t.entries[addr]
}

func (t *LimitedTable) GetByNode(node NodeId) *Connection {
	t.RLock()
	defer t.RUnlock()

	return t.nodes[node]
}

func (t *LimitedTable) Len() int {
	t.RLock()
	defer t.RUnlock()

	return len(t.entries)
}

func (t *LimitedTable) Capacity() int {
	return t.capacity
}

// Slice returns the entries in insertion order.
func (t *LimitedTable) Slice() []*Connection {
	t.RLock()
	defer t.RUnlock()

	conns := make([]*Connection, 0, len(t.entries))
	for _, c := range t.entries {
		conns = append(conns, c)
	}
	slices.SortFunc(conns, func(a, b *Connection) int {
		if a.sequence < b.sequence {
			return -1
		}
		if a.sequence > b.sequence {
			return 1
		}
		return 0
	})
	return conns
}
