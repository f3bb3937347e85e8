package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/MixinNetwork/peernet/crypto"
	"github.com/pelletier/go-toml"
)

type Custom struct {
	Node struct {
		Signer    crypto.Key `toml:"-"`
		SignerStr string     `toml:"signer-key"`
		DataDir   string     `toml:"data-dir"`
	} `toml:"node"`
	Network struct {
		Transport          string   `toml:"transport"`
		Listener           string   `toml:"listener"`
		Seeds              []string `toml:"seeds"`
		MaxConnections     int      `toml:"max-connections"`
		HandshakeTimeout   int      `toml:"handshake-timeout"`
		NegotiationTimeout int      `toml:"negotiation-timeout"`
		AcceptRate         int      `toml:"accept-rate"`
		Metric             bool     `toml:"metric"`
	} `toml:"network"`
	Discovery struct {
		BucketSize int `toml:"bucket-size"`
		TRefresh   int `toml:"t-refresh"`
	} `toml:"discovery"`
	Routing struct {
		MaxCandidates int  `toml:"max-candidates"`
		Persist       bool `toml:"persist"`
	} `toml:"routing"`
	Storage struct {
		ValueLogGC bool `toml:"value-log-gc"`
	} `toml:"storage"`
	RPC struct {
		Port int `toml:"port"`
	} `toml:"rpc"`
}

func Initialize(file string) (*Custom, error) {
	f, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	var config Custom
	err = toml.Unmarshal(f, &config)
	if err != nil {
		return nil, err
	}
	key, err := crypto.KeyFromString(config.Node.SignerStr)
	if err != nil {
		return nil, err
	}
	if !key.CheckScalar() {
		return nil, fmt.Errorf("invalid signer key %s", config.Node.SignerStr)
	}
	config.Node.Signer = key
	config.fillDefaults()
	err = config.Validate()
	if err != nil {
		return nil, err
	}
	return &config, nil
}

// Default returns a configuration with every option at its default value
// and the given signer, mostly useful for tests and ephemeral nodes.
func Default(signer crypto.Key) *Custom {
	var config Custom
	config.Node.Signer = signer
	config.Node.SignerStr = signer.String()
	config.fillDefaults()
	return &config
}

func (c *Custom) fillDefaults() {
	if c.Network.Transport == "" {
		c.Network.Transport = DefaultTransport
	}
	if c.Network.MaxConnections == 0 {
		c.Network.MaxConnections = DefaultMaxConnections
	}
	if c.Network.HandshakeTimeout == 0 {
		c.Network.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Network.NegotiationTimeout == 0 {
		c.Network.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if c.Network.AcceptRate == 0 {
		c.Network.AcceptRate = DefaultAcceptRate
	}
	if c.Discovery.BucketSize == 0 {
		c.Discovery.BucketSize = DefaultBucketSize
	}
	if c.Discovery.TRefresh == 0 {
		c.Discovery.TRefresh = DefaultRefreshInterval
	}
	if c.Routing.MaxCandidates == 0 {
		c.Routing.MaxCandidates = DefaultMaxCandidates
	}
	if c.RPC.Port == 0 {
		c.RPC.Port = DefaultRPCPort
	}
}

// Validate rejects values the defaults can not repair, zero values are
// already filled at this point.
func (c *Custom) Validate() error {
	switch c.Network.Transport {
	case "quic", "tcp":
	default:
		return fmt.Errorf("invalid transport %s", c.Network.Transport)
	}
	if c.Network.MaxConnections < 1 {
		return fmt.Errorf("invalid max-connections %d", c.Network.MaxConnections)
	}
	if c.Network.HandshakeTimeout < 1 {
		return fmt.Errorf("invalid handshake-timeout %d", c.Network.HandshakeTimeout)
	}
	if c.Network.NegotiationTimeout < 1 {
		return fmt.Errorf("invalid negotiation-timeout %d", c.Network.NegotiationTimeout)
	}
	if c.Network.AcceptRate < 1 {
		return fmt.Errorf("invalid accept-rate %d", c.Network.AcceptRate)
	}
	if c.Discovery.BucketSize < 1 || c.Discovery.BucketSize > math.MaxUint8 {
		return fmt.Errorf("invalid bucket-size %d", c.Discovery.BucketSize)
	}
	if c.Discovery.TRefresh < 1 {
		return fmt.Errorf("invalid t-refresh %d", c.Discovery.TRefresh)
	}
	if c.Routing.MaxCandidates < 1 {
		return fmt.Errorf("invalid max-candidates %d", c.Routing.MaxCandidates)
	}
	if c.RPC.Port < 0 || c.RPC.Port > math.MaxUint16 {
		return fmt.Errorf("invalid rpc port %d", c.RPC.Port)
	}
	return nil
}

func (c *Custom) HandshakeTimeout() time.Duration {
	return time.Duration(c.Network.HandshakeTimeout) * time.Millisecond
}

func (c *Custom) NegotiationTimeout() time.Duration {
	return time.Duration(c.Network.NegotiationTimeout) * time.Millisecond
}

func (c *Custom) RefreshInterval() time.Duration {
	return time.Duration(c.Discovery.TRefresh) * time.Millisecond
}
