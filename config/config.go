package config

import "time"

const (
	Debug           = true
	BuildVersion    = "v0.1.0-BUILD_VERSION"
	ProtocolVersion = 1

	DefaultTransport          = "quic"
	DefaultMaxConnections     = 64
	DefaultHandshakeTimeout   = 3000
	DefaultNegotiationTimeout = 3000
	DefaultAcceptRate         = 32
	DefaultBucketSize         = 16
	DefaultRefreshInterval    = 30000
	DefaultMaxCandidates      = 1024
	DefaultRPCPort            = 6860

	SendQueueSize  = 1024
	EventQueueSize = 4096
	PeerDialGap    = 5 * time.Second
)
