package p2p

import (
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/MixinNetwork/peernet/crypto"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const sessionKeyInfo = "peernet session"

var (
	ErrSessionClosed = errors.New("p2p: session closed")
	ErrDecryption    = errors.New("p2p: decryption failed")
)

// Session holds the symmetric key of one authenticated connection. Each
// direction keeps its own sequence, frames are sealed and opened in order.
type Session struct {
	sync.Mutex
	key       [32]byte
	aead      cipher.AEAD
	initiator bool
	sent      uint64
	received  uint64
}

func deriveSessionKey(shared *crypto.Key, initiatorNonce, responderNonce crypto.Hash) [32]byte {
	salt := append(initiatorNonce[:], responderNonce[:]...)
	kdf := hkdf.New(sha256.New, shared[:], salt, []byte(sessionKeyInfo))
	var key [32]byte
	_, err := io.ReadFull(kdf, key[:])
	if err != nil {
		panic(err)
	}
	return key
}

func NewSession(key [32]byte, initiator bool) (*Session, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return &Session{key: key, aead: aead, initiator: initiator}, nil
}

func (s *Session) nonce(outbound bool, seq uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if outbound == s.initiator {
		nonce[0] = 1
	}
	binary.BigEndian.PutUint64(nonce[4:], seq)
	return nonce
}

func (s *Session) Seal(plain []byte) ([]byte, error) {
	s.Lock()
	defer s.Unlock()

	if s.aead == nil {
		return nil, ErrSessionClosed
	}
	out := s.aead.Seal(nil, s.nonce(true, s.sent), plain, nil)
	s.sent++
	return out, nil
}

func (s *Session) Open(sealed []byte) ([]byte, error) {
	s.Lock()
	defer s.Unlock()

	if s.aead == nil {
		return nil, ErrSessionClosed
	}
	plain, err := s.aead.Open(nil, s.nonce(false, s.received), sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: sequence %d", ErrDecryption, s.received)
	}
	s.received++
	return plain, nil
}

func (s *Session) Established() bool {
	s.Lock()
	defer s.Unlock()

	return s.aead != nil
}

// Zero wipes the key material, the session is unusable afterwards.
func (s *Session) Zero() {
	s.Lock()
	defer s.Unlock()

	for i := range s.key {
		s.key[i] = 0
	}
	s.aead = nil
}
