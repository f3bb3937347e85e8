package routing

import (
	"fmt"
	"net/netip"
	"sync"
	"testing"

	"github.com/MixinNetwork/peernet/crypto"
	"github.com/MixinNetwork/peernet/p2p"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	sync.Mutex
	addrs map[string]bool
}

func (s *memoryStore) WriteAddress(addr string, reachable bool) error {
	s.Lock()
	defer s.Unlock()
	s.addrs[addr] = reachable
	return nil
}

func (s *memoryStore) RemoveAddress(addr string) error {
	s.Lock()
	defer s.Unlock()
	delete(s.addrs, addr)
	return nil
}

func (s *memoryStore) ReadAddresses() (map[string]bool, error) {
	s.Lock()
	defer s.Unlock()
	addrs := make(map[string]bool, len(s.addrs))
	for k, v := range s.addrs {
		addrs[k] = v
	}
	return addrs, nil
}

func address(s string) p2p.PeerAddress {
	ap := netip.MustParseAddrPort(s)
	return p2p.NewPeerAddress(ap.Addr(), ap.Port())
}

func TestTable(t *testing.T) {
	require := require.New(t)

	table, err := NewTable(4, nil)
	require.Nil(err)

	a, b := address("10.0.0.1:7239"), address("8.8.8.8:7239")
	na, nb := p2p.NodeIdFromPublicKey(crypto.RandomKey().Public()), p2p.NodeIdFromPublicKey(crypto.RandomKey().Public())
	table.AddCandidate(a)
	table.AddCandidate(p2p.PeerAddress{})
	require.True(table.IsCandidate(a))
	require.False(table.IsReachable(a))
	require.Equal([]p2p.PeerAddress{a}, table.Candidates(8))

	table.Connected(na, a)
	table.Connected(nb, b)
	require.True(table.IsReachable(a))
	require.False(table.IsCandidate(a))
	table.AddCandidate(a)
	require.False(table.IsCandidate(a))

	requester := address("10.0.0.9:7239")
	require.ElementsMatch([]p2p.PeerAddress{a, b}, table.ReachableAddresses(requester))
	require.ElementsMatch([]p2p.PeerAddress{b}, table.ReachableAddresses(a))
	require.ElementsMatch([]p2p.PeerAddress{b}, table.ReachableAddresses(address("1.1.1.1:7239")))
	require.Len(table.ReachableAddresses(b), 0)

	table.Disconnected(nb, a)
	require.True(table.IsReachable(a))
	table.Disconnected(na, a)
	require.False(table.IsReachable(a))
	require.True(table.IsCandidate(a))

	for i := 0; i < 6; i++ {
		table.AddCandidate(address(fmt.Sprintf("10.0.1.%d:7239", i+1)))
	}
	require.Len(table.Candidates(8), 4)
	require.Equal(address("10.0.1.6:7239"), table.Candidates(1)[0])
	require.False(table.IsCandidate(a))
	require.Len(table.Candidates(0), 0)
	table.RemoveCandidate(address("10.0.1.6:7239"))
	require.Len(table.Candidates(8), 3)

	snapshot := table.Snapshot()
	require.Equal(nb, snapshot.Reachable[b.String()])
	require.Len(snapshot.Candidates, 3)
}

func TestTableStore(t *testing.T) {
	require := require.New(t)

	store := &memoryStore{addrs: make(map[string]bool)}
	table, err := NewTable(2, store)
	require.Nil(err)

	a, b, c := address("10.0.0.1:7239"), address("10.0.0.2:7239"), address("10.0.0.3:7239")
	node := p2p.NodeIdFromPublicKey(crypto.RandomKey().Public())
	table.AddCandidate(a)
	table.AddCandidate(b)
	table.Connected(node, a)
	require.Equal(map[string]bool{a.String(): true, b.String(): false}, store.addrs)
	table.AddCandidate(c)
	table.Disconnected(node, a)
	require.Equal(map[string]bool{a.String(): false, c.String(): false}, store.addrs)

	store.addrs["invalid"] = true
	restored, err := NewTable(8, store)
	require.Nil(err)
	require.ElementsMatch([]p2p.PeerAddress{a, c}, restored.Candidates(8))
	require.Len(restored.ReachableAddresses(b), 0)
}
