package routing

import (
	"sync"
	"time"

	"github.com/MixinNetwork/peernet/logger"
	"github.com/MixinNetwork/peernet/p2p"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Store persists known addresses across restarts.
type Store interface {
	WriteAddress(addr string, reachable bool) error
	RemoveAddress(addr string) error
	ReadAddresses() (map[string]bool, error)
}

// Table keeps reachable addresses, the ones with a live established
// connection, apart from candidates learned by gossip. Candidates are
// bounded and the least recently learned ones are dropped first.
type Table struct {
	sync.RWMutex
	reachable  map[p2p.PeerAddress]p2p.NodeId
	candidates *lru.Cache[p2p.PeerAddress, time.Time]
	store      Store
}

func NewTable(maxCandidates int, store Store) (*Table, error) {
	t := &Table{
		reachable: make(map[p2p.PeerAddress]p2p.NodeId),
		store:     store,
	}
	candidates, err := lru.NewWithEvict(maxCandidates, t.evicted)
	if err != nil {
		return nil, err
	}
	t.candidates = candidates
	if store == nil {
		return t, nil
	}

	addrs, err := store.ReadAddresses()
	if err != nil {
		return nil, err
	}
	for s := range addrs {
		addr, err := p2p.ParsePeerAddress(s)
		if err != nil {
			logger.Verbosef("routing.NewTable(%s) => %v", s, err)
			continue
		}
		// nothing is connected yet, every persisted address starts over as
		// a candidate
		t.candidates.Add(addr, time.Now())
	}
	return t, nil
}

func (t *Table) evicted(addr p2p.PeerAddress, _ time.Time) {
	if t.store == nil {
		return
	}
	err := t.store.RemoveAddress(addr.String())
	if err != nil {
		logger.Printf("routing.RemoveAddress(%s) => %v\n", addr, err)
	}
}

func (t *Table) write(addr p2p.PeerAddress, reachable bool) {
	if t.store == nil {
		return
	}
	err := t.store.WriteAddress(addr.String(), reachable)
	if err != nil {
		logger.Printf("routing.WriteAddress(%s, %t) => %v\n", addr, reachable, err)
	}
}

// ReachableAddresses excludes the requester itself, and private addresses
// when the requester is a public one.
func (t *Table) ReachableAddresses(requester p2p.PeerAddress) []p2p.PeerAddress {
	t.RLock()
	defer t.RUnlock()

	addrs := make([]p2p.PeerAddress, 0, len(t.reachable))
	for addr := range t.reachable {
		if addr == requester {
			continue
		}
		if addr.IsPrivate() && !requester.IsPrivate() {
			continue
		}
		addrs = append(addrs, addr)
	}
	return addrs
}

func (t *Table) AddCandidate(addr p2p.PeerAddress) {
	if !addr.IsValid() {
		return
	}

	t.Lock()
	defer t.Unlock()

	if _, found := t.reachable[addr]; found {
		return
	}
	known := t.candidates.Contains(addr)
	t.candidates.Add(addr, time.Now())
	if !known {
		t.write(addr, false)
	}
}

func (t *Table) RemoveCandidate(addr p2p.PeerAddress) {
	t.Lock()
	defer t.Unlock()

	t.candidates.Remove(addr)
}

// Connected promotes the listen address of an established peer.
func (t *Table) Connected(node p2p.NodeId, addr p2p.PeerAddress) {
	t.Lock()
	defer t.Unlock()

	t.candidates.Remove(addr)
	t.reachable[addr] = node
	t.write(addr, true)
}

// Disconnected demotes the address back to a candidate, unless another
// node took it over in the meantime.
func (t *Table) Disconnected(node p2p.NodeId, addr p2p.PeerAddress) {
	t.Lock()
	defer t.Unlock()

	if t.reachable[addr] != node {
		return
	}
	delete(t.reachable, addr)
	t.candidates.Add(addr, time.Now())
	t.write(addr, false)
}

// Candidates returns up to n candidates, most recently learned first.
func (t *Table) Candidates(n int) []p2p.PeerAddress {
	if n <= 0 {
		return nil
	}

	t.RLock()
	defer t.RUnlock()

	keys := t.candidates.Keys()
	addrs := make([]p2p.PeerAddress, 0, min(n, len(keys)))
	for i := len(keys) - 1; i >= 0 && len(addrs) < n; i-- {
		addrs = append(addrs, keys[i])
	}
	return addrs
}

func (t *Table) IsReachable(addr p2p.PeerAddress) bool {
	t.RLock()
	defer t.RUnlock()

	_, found := t.reachable[addr]
	return found
}

func (t *Table) IsCandidate(addr p2p.PeerAddress) bool {
	t.RLock()
	defer t.RUnlock()

	return t.candidates.Contains(addr)
}

type Snapshot struct {
	Reachable  map[string]p2p.NodeId `json:"reachable"`
	Candidates []p2p.PeerAddress     `json:"candidates"`
}

func (t *Table) Snapshot() *Snapshot {
	t.RLock()
	defer t.RUnlock()

	s := &Snapshot{
		Reachable:  make(map[string]p2p.NodeId, len(t.reachable)),
		Candidates: t.candidates.Keys(),
	}
	for addr, node := range t.reachable {
		s.Reachable[addr.String()] = node
	}
	return s
}
