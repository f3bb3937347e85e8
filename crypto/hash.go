package crypto

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Hash is a 32-byte Blake3 digest, also used as a random 32-byte nonce.
type Hash [32]byte

func Blake3Hash(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

func RandomHash() Hash {
	var h Hash
	ReadRand(h[:])
	return h
}

func HashFromString(src string) (Hash, error) {
	var hash Hash
	err := hash.UnmarshalText([]byte(src))
	return hash, err
}

func (h Hash) HasValue() bool {
	return h != Hash{}
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(b []byte) error {
	if hex.DecodedLen(len(b)) != len(h) {
		return fmt.Errorf("invalid hash length %d", hex.DecodedLen(len(b)))
	}
	_, err := hex.Decode(h[:], b)
	return err
}
