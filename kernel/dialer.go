package kernel

import (
	"context"
	"errors"

	"github.com/MixinNetwork/peernet/config"
	"github.com/MixinNetwork/peernet/logger"
	"github.com/MixinNetwork/peernet/p2p"
)

// loopDialCandidates tries the freshest routing candidates every dial gap
// while the table still has room, until ctx is done.
func (node *Node) loopDialCandidates(ctx context.Context) {
	ticker := node.clock.Ticker(config.PeerDialGap)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			node.dialCandidates(ctx)
		}
	}
}

// dialCandidates consumes every candidate it tries, an established peer
// comes back as reachable and returns to the candidates once disconnected.
func (node *Node) dialCandidates(ctx context.Context) {
	room := node.custom.Network.MaxConnections - len(node.Manager.Peers())
	for _, addr := range node.Routing.Candidates(room) {
		err := node.dial(ctx, addr, nil)
		if errors.Is(err, p2p.ErrTableFull) {
			return
		}
		node.Routing.RemoveCandidate(addr)
	}
}

func (node *Node) dial(ctx context.Context, addr p2p.PeerAddress, expect *p2p.NodeId) error {
	ctx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()

	err := node.Manager.Connect(ctx, addr, expect)
	logger.Verbosef("kernel.dial(%s, %v) => %v\n", addr, expect, err)
	return err
}
