package rpc

import (
	"fmt"
	"time"

	"github.com/MixinNetwork/peernet/config"
	"github.com/MixinNetwork/peernet/p2p"
)

var startedAt = time.Now()

func getInfo(custom *config.Custom, node Node) (map[string]any, error) {
	peers := node.Peers()
	established := 0
	for _, p := range peers {
		if p.State == p2p.StateEstablished {
			established++
		}
	}
	return map[string]any{
		"node":      node.NodeId(),
		"version":   config.BuildVersion,
		"protocol":  config.ProtocolVersion,
		"transport": custom.Network.Transport,
		"listener":  custom.Network.Listener,
		"uptime":    time.Since(startedAt).Round(time.Second).String(),
		"connections": map[string]any{
			"total":       len(peers),
			"established": established,
			"capacity":    custom.Network.MaxConnections,
		},
	}, nil
}

// listPeers takes an optional state name to filter on.
func listPeers(node Node, params []any) ([]*p2p.PeerInfo, error) {
	if len(params) > 1 {
		return nil, fmt.Errorf("invalid params count %d", len(params))
	}
	peers := node.Peers()
	if len(params) == 0 {
		return peers, nil
	}
	state, ok := params[0].(string)
	if !ok {
		return nil, fmt.Errorf("invalid state %v", params[0])
	}
	filtered := []*p2p.PeerInfo{}
	for _, p := range peers {
		if p.State.String() == state {
			filtered = append(filtered, p)
		}
	}
	return filtered, nil
}
