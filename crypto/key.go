package crypto

import (
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"strconv"

	"filippo.io/edwards25519"
)

// Key holds either a private scalar or a compressed public point, both
// 32 bytes on edwards25519.
type Key [32]byte

func NewKeyFromSeed(seed []byte) Key {
	var src [64]byte
	copy(src[:], seed)
	s, err := edwards25519.NewScalar().SetUniformBytes(src[:])
	if err != nil {
		panic(err)
	}
	var key Key
	copy(key[:], s.Bytes())
	return key
}

func RandomKey() Key {
	seed := make([]byte, 64)
	ReadRand(seed)
	return NewKeyFromSeed(seed)
}

func KeyFromString(s string) (Key, error) {
	var key Key
	b, err := hex.DecodeString(s)
	if err != nil {
		return key, err
	}
	if len(b) != len(key) {
		return key, fmt.Errorf("invalid key size %d", len(b))
	}
	copy(key[:], b)
	return key, nil
}

func (k Key) CheckScalar() bool {
	_, err := edwards25519.NewScalar().SetCanonicalBytes(k[:])
	return err == nil
}

func (k Key) CheckKey() bool {
	_, err := k.point()
	return err == nil
}

// point decodes a public key and rejects points of small order, which
// would verify forged signatures and agree on a public shared key.
func (k Key) point() (*edwards25519.Point, error) {
	P, err := new(edwards25519.Point).SetBytes(k[:])
	if err != nil {
		return nil, err
	}
	if new(edwards25519.Point).MultByCofactor(P).Equal(edwards25519.NewIdentityPoint()) == 1 {
		return nil, fmt.Errorf("small order point %s", k)
	}
	return P, nil
}

func (k Key) Public() Key {
	x, err := edwards25519.NewScalar().SetCanonicalBytes(k[:])
	if err != nil {
		panic(fmt.Errorf("invalid private key %s", err))
	}
	var pub Key
	copy(pub[:], new(edwards25519.Point).ScalarBaseMult(x).Bytes())
	return pub
}

// KeyMult returns priv * pub, so KeyMult(A, b) == KeyMult(B, a) for key pairs
// (a, A) and (b, B).
func KeyMult(pub, priv *Key) (*Key, error) {
	P, err := pub.point()
	if err != nil {
		return nil, fmt.Errorf("invalid public key %s", err)
	}
	x, err := edwards25519.NewScalar().SetCanonicalBytes(priv[:])
	if err != nil {
		return nil, fmt.Errorf("invalid private key %s", err)
	}
	var key Key
	copy(key[:], new(edwards25519.Point).ScalarMult(x, P).Bytes())
	return &key, nil
}

func (k Key) Sign(message []byte) Signature {
	x, err := edwards25519.NewScalar().SetCanonicalBytes(k[:])
	if err != nil {
		panic(fmt.Errorf("invalid private key %s", err))
	}

	h := sha512.New()
	h.Write(k[:])
	digest1 := h.Sum(nil)
	h.Reset()
	h.Write(digest1[32:])
	h.Write(message)
	r, err := edwards25519.NewScalar().SetUniformBytes(h.Sum(nil))
	if err != nil {
		panic(err)
	}
	R := new(edwards25519.Point).ScalarBaseMult(r)

	pub := k.Public()
	h.Reset()
	h.Write(R.Bytes())
	h.Write(pub[:])
	h.Write(message)
	c, err := edwards25519.NewScalar().SetUniformBytes(h.Sum(nil))
	if err != nil {
		panic(err)
	}
	s := edwards25519.NewScalar().MultiplyAdd(c, x, r)

	var sig Signature
	copy(sig[:32], R.Bytes())
	copy(sig[32:], s.Bytes())
	return sig
}

func (k Key) Verify(message []byte, sig Signature) bool {
	A, err := k.point()
	if err != nil {
		return false
	}
	s, err := edwards25519.NewScalar().SetCanonicalBytes(sig[32:])
	if err != nil {
		return false
	}

	h := sha512.New()
	h.Write(sig[:32])
	h.Write(k[:])
	h.Write(message)
	c, err := edwards25519.NewScalar().SetUniformBytes(h.Sum(nil))
	if err != nil {
		return false
	}

	minusA := new(edwards25519.Point).Negate(A)
	R := new(edwards25519.Point).VarTimeDoubleScalarBaseMult(c, minusA, s)
	return string(R.Bytes()) == string(sig[:32])
}

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

func (k Key) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(k.String())), nil
}

func (k *Key) UnmarshalJSON(b []byte) error {
	unquoted, err := strconv.Unquote(string(b))
	if err != nil {
		return err
	}
	data, err := hex.DecodeString(unquoted)
	if err != nil {
		return err
	}
	if len(data) != len(k) {
		return fmt.Errorf("invalid key length %d", len(data))
	}
	copy(k[:], data)
	return nil
}
