package p2p

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

var (
	ErrMalformedEncoding = errors.New("p2p: malformed encoding")
	ErrUnexpectedPrefix  = errors.New("p2p: unexpected prefix")
	ErrInvalidFieldCount = errors.New("p2p: invalid field count")
)

// EncodeMessage list-encodes the prefix followed by the fields. It panics on
// values the list encoding does not support, which is a programming error.
func EncodeMessage(prefix uint64, fields ...any) []byte {
	b, err := rlp.EncodeToBytes(append([]any{prefix}, fields...))
	if err != nil {
		panic(fmt.Errorf("rlp.EncodeToBytes(%d) => %v", prefix, err))
	}
	return b
}

// SplitMessage checks the outer list of an untrusted message against a schema
// mapping each accepted prefix to its field count, without decoding fields.
func SplitMessage(b []byte, schema map[uint64]int) (uint64, error) {
	content, rest, err := rlp.SplitList(b)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedEncoding, err)
	}
	if len(rest) != 0 {
		return 0, fmt.Errorf("%w: %d trailing bytes", ErrMalformedEncoding, len(rest))
	}
	count, err := rlp.CountValues(content)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedEncoding, err)
	}
	if count < 1 {
		return 0, fmt.Errorf("%w: empty message", ErrInvalidFieldCount)
	}
	prefix, _, err := rlp.SplitUint64(content)
	if err != nil {
		return 0, fmt.Errorf("%w: prefix %v", ErrMalformedEncoding, err)
	}
	fields, found := schema[prefix]
	if !found {
		return prefix, fmt.Errorf("%w: %#x", ErrUnexpectedPrefix, prefix)
	}
	if count-1 != fields {
		return prefix, fmt.Errorf("%w: %#x has %d fields, want %d", ErrInvalidFieldCount, prefix, count-1, fields)
	}
	return prefix, nil
}

// DecodeFields validates b with SplitMessage and returns the raw fields after
// the prefix, ready for DecodeField.
func DecodeFields(b []byte, schema map[uint64]int) (uint64, []rlp.RawValue, error) {
	prefix, err := SplitMessage(b, schema)
	if err != nil {
		return prefix, nil, err
	}
	var raw []rlp.RawValue
	err = rlp.DecodeBytes(b, &raw)
	if err != nil {
		return prefix, nil, fmt.Errorf("%w: %v", ErrMalformedEncoding, err)
	}
	return prefix, raw[1:], nil
}

func DecodeField(raw rlp.RawValue, val any) error {
	err := rlp.DecodeBytes(raw, val)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEncoding, err)
	}
	return nil
}
