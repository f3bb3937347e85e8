package p2p

import (
	"encoding/json"
	"sync/atomic"
)

type MetricPool struct {
	enabled bool

	PeerMessageFamilyHandshake   uint32 `json:"handshake"`
	PeerMessageFamilyNegotiation uint32 `json:"negotiation"`
	PeerMessageFamilyApplication uint32 `json:"application"`
}

func NewMetricPool(enabled bool) *MetricPool {
	return &MetricPool{enabled: enabled}
}

func (mp *MetricPool) handle(prefix uint64) {
	if mp == nil || !mp.enabled {
		return
	}

	switch prefix {
	case PrefixSignedMessage, PrefixHello:
		atomic.AddUint32(&mp.PeerMessageFamilyHandshake, 1)
	case PrefixNegotiationRequest, PrefixNegotiationResponse:
		atomic.AddUint32(&mp.PeerMessageFamilyNegotiation, 1)
	case PrefixApplication:
		atomic.AddUint32(&mp.PeerMessageFamilyApplication, 1)
	}
}

func (mp *MetricPool) Snapshot() map[string]uint32 {
	return map[string]uint32{
		"handshake":   atomic.LoadUint32(&mp.PeerMessageFamilyHandshake),
		"negotiation": atomic.LoadUint32(&mp.PeerMessageFamilyNegotiation),
		"application": atomic.LoadUint32(&mp.PeerMessageFamilyApplication),
	}
}

func (mp *MetricPool) String() string {
	b, err := json.Marshal(mp.Snapshot())
	if err != nil {
		panic(err)
	}
	return string(b)
}
