package p2p

import (
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strings"

	"github.com/MixinNetwork/peernet/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// NodeId is the stable identity of a peer, the Blake3 hash of its long-term
// public key.
type NodeId crypto.Hash

func NodeIdFromPublicKey(pub crypto.Key) NodeId {
	return NodeId(crypto.Blake3Hash(pub[:]))
}

func NodeIdFromString(s string) (NodeId, error) {
	h, err := crypto.HashFromString(s)
	return NodeId(h), err
}

func (id NodeId) HasValue() bool {
	return crypto.Hash(id).HasValue()
}

func (id NodeId) String() string {
	return hex.EncodeToString(id[:])
}

func (id NodeId) MarshalText() ([]byte, error) {
	return crypto.Hash(id).MarshalText()
}

// PeerAddress is a transport level location, IPv4 addresses are always kept
// in their 4-byte form so that equal addresses compare equal.
type PeerAddress struct {
	IP   netip.Addr
	Port uint16
}

func NewPeerAddress(ip netip.Addr, port uint16) PeerAddress {
	return PeerAddress{IP: ip.Unmap(), Port: port}
}

func ParsePeerAddress(s string) (PeerAddress, error) {
	ap, err := netip.ParseAddrPort(s)
	if err == nil {
		return validPeerAddress(NewPeerAddress(ap.Addr(), ap.Port()))
	}
	a, err := net.ResolveTCPAddr("tcp", s)
	if err != nil {
		return PeerAddress{}, fmt.Errorf("invalid address %s %v", s, err)
	}
	return PeerAddressFromNet(a)
}

func PeerAddressFromNet(a net.Addr) (PeerAddress, error) {
	var ap netip.AddrPort
	switch a := a.(type) {
	case nil:
		return PeerAddress{}, fmt.Errorf("invalid address %v", a)
	case *net.TCPAddr:
		ap = a.AddrPort()
	case *net.UDPAddr:
		ap = a.AddrPort()
	default:
		ap, _ = netip.ParseAddrPort(a.String())
	}
	return validPeerAddress(NewPeerAddress(ap.Addr(), ap.Port()))
}

// ParseSeed accepts "host:port" or "nodeid@host:port".
func ParseSeed(s string) (PeerAddress, *NodeId, error) {
	var expect *NodeId
	if i := strings.Index(s, "@"); i >= 0 {
		id, err := NodeIdFromString(s[:i])
		if err != nil {
			return PeerAddress{}, nil, fmt.Errorf("invalid seed node %s %v", s, err)
		}
		expect, s = &id, s[i+1:]
	}
	addr, err := ParsePeerAddress(s)
	return addr, expect, err
}

func validPeerAddress(a PeerAddress) (PeerAddress, error) {
	if !a.IsValid() {
		return PeerAddress{}, fmt.Errorf("invalid address %s", a)
	}
	return a, nil
}

func (a PeerAddress) IsValid() bool {
	return a.IP.IsValid() && !a.IP.IsUnspecified() && a.Port != 0
}

// IsPrivate reports whether the address is only meaningful inside a local
// network, loopback included.
func (a PeerAddress) IsPrivate() bool {
	return a.IP.IsPrivate() || a.IP.IsLoopback() || a.IP.IsLinkLocalUnicast()
}

func (a PeerAddress) String() string {
	return netip.AddrPortFrom(a.IP, a.Port).String()
}

func (a PeerAddress) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a PeerAddress) EncodeRLP(w io.Writer) error {
	if !a.IP.IsValid() {
		return fmt.Errorf("invalid address %s", a)
	}
	var ip []byte
	if a.IP.Is4() {
		b := a.IP.As4()
		ip = b[:]
	} else {
		b := a.IP.As16()
		ip = b[:]
	}
	return rlp.Encode(w, []any{ip, a.Port})
}

func (a *PeerAddress) DecodeRLP(s *rlp.Stream) error {
	_, err := s.List()
	if err != nil {
		return err
	}
	ip, err := s.Bytes()
	if err != nil {
		return err
	}
	port, err := s.Uint64()
	if err != nil {
		return err
	}
	if port > 0xffff {
		return fmt.Errorf("invalid port %d", port)
	}
	switch len(ip) {
	case 4:
		a.IP = netip.AddrFrom4([4]byte(ip))
	case 16:
		a.IP = netip.AddrFrom16([16]byte(ip)).Unmap()
	default:
		return fmt.Errorf("invalid ip size %d", len(ip))
	}
	a.Port = uint16(port)
	return s.ListEnd()
}
