package discovery

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/MixinNetwork/peernet/logger"
	"github.com/MixinNetwork/peernet/p2p"
)

const (
	Name = "unstructured-discovery"

	RefreshToken p2p.TimerToken = 0
)

type Config struct {
	BucketSize uint8
	TRefresh   time.Duration
}

// RoutingTable is the part of the routing layer discovery depends on. It
// only reads reachable addresses and only writes candidates.
type RoutingTable interface {
	ReachableAddresses(requester p2p.PeerAddress) []p2p.PeerAddress
	AddCandidate(addr p2p.PeerAddress)
}

// Extension gossips reachable addresses on request, and learns candidates
// from the responses of its peers.
type Extension struct {
	config Config

	sync.RWMutex
	api          p2p.Api
	routingTable RoutingTable
	nodes        map[p2p.NodeId]bool
}

func NewExtension(config Config) *Extension {
	return &Extension{
		config: config,
		nodes:  make(map[p2p.NodeId]bool),
	}
}

func (e *Extension) SetRoutingTable(t RoutingTable) {
	e.Lock()
	defer e.Unlock()
	e.routingTable = t
}

func (e *Extension) Name() string {
	return Name
}

func (e *Extension) Versions() []uint64 {
	return []uint64{0}
}

func (e *Extension) NeedEncryption() bool {
	return false
}

func (e *Extension) OnInitialize(api p2p.Api) {
	e.Lock()
	defer e.Unlock()

	err := api.SetTimer(RefreshToken, e.config.TRefresh)
	if err != nil {
		panic(fmt.Errorf("discovery refresh timer => %v", err))
	}
	e.api = api
}

func (e *Extension) OnNodeAdded(node p2p.NodeId, version uint64) {
	e.Lock()
	e.nodes[node] = true
	api := e.api
	e.Unlock()

	if api == nil {
		return
	}
	e.send(api, node, &Request{BucketSize: e.config.BucketSize})
}

func (e *Extension) OnNodeRemoved(node p2p.NodeId) {
	e.Lock()
	defer e.Unlock()
	delete(e.nodes, node)
}

func (e *Extension) OnMessage(node p2p.NodeId, data []byte) {
	msg, err := Decode(data)
	if err != nil {
		logger.Verbosef("discovery.Decode(%s) => %v", node, err)
		return
	}

	e.RLock()
	api, table := e.api, e.routingTable
	e.RUnlock()

	switch msg := msg.(type) {
	case *Request:
		if api == nil || table == nil {
			return
		}
		addr, found := api.PeerAddress(node)
		if !found {
			return
		}
		addrs := e.sample(table.ReachableAddresses(addr), msg.BucketSize)
		e.send(api, node, &Response{Addresses: addrs})
	case *Response:
		if table == nil {
			logger.Printf("discovery.OnMessage(%s) no routing table\n", node)
			return
		}
		for _, addr := range msg.Addresses {
			table.AddCandidate(addr)
		}
	}
}

// sample returns at most min(bucket size, n) distinct addresses in random
// order.
func (e *Extension) sample(addrs []p2p.PeerAddress, n uint8) []p2p.PeerAddress {
	limit := min(e.config.BucketSize, n)
	seen := make(map[p2p.PeerAddress]bool, len(addrs))
	unique := make([]p2p.PeerAddress, 0, len(addrs))
	for _, a := range addrs {
		if seen[a] {
			continue
		}
		seen[a] = true
		unique = append(unique, a)
	}
	rand.Shuffle(len(unique), func(i, j int) {
		unique[i], unique[j] = unique[j], unique[i]
	})
	if len(unique) > int(limit) {
		unique = unique[:limit]
	}
	return unique
}

func (e *Extension) OnTimeout(token p2p.TimerToken) {
	if token != RefreshToken {
		panic(fmt.Errorf("discovery unknown timer %d", token))
	}

	e.RLock()
	api := e.api
	nodes := make([]p2p.NodeId, 0, len(e.nodes))
	for n := range e.nodes {
		nodes = append(nodes, n)
	}
	e.RUnlock()

	if api == nil {
		return
	}
	req := &Request{BucketSize: e.config.BucketSize}
	for _, n := range nodes {
		e.send(api, n, req)
	}
}

func (e *Extension) Tracked() []p2p.NodeId {
	e.RLock()
	defer e.RUnlock()

	nodes := make([]p2p.NodeId, 0, len(e.nodes))
	for n := range e.nodes {
		nodes = append(nodes, n)
	}
	return nodes
}

func (e *Extension) send(api p2p.Api, node p2p.NodeId, msg Message) {
	err := api.Send(node, msg.Encode())
	if err != nil {
		logger.Verbosef("discovery.send(%s) => %v", node, err)
	}
}
