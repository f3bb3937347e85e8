package crypto

import (
	"crypto/rand"
	"fmt"
	"io"
)

type randReader struct{}

func (randReader) Read(b []byte) (int, error) {
	ReadRand(b)
	return len(b), nil
}

// RandReader panics instead of returning short reads or errors.
func RandReader() io.Reader {
	return randReader{}
}

// ReadRand fills buf from the system source and panics when the output
// looks degenerate.
func ReadRand(buf []byte) {
	if len(buf) == 0 {
		panic("crypto: empty random buffer")
	}
	_, err := io.ReadFull(rand.Reader, buf)
	if err != nil {
		panic(err)
	}
	if len(buf) < 16 {
		return
	}
	counts := make(map[byte]int)
	for _, b := range buf {
		counts[b]++
		if counts[b] >= len(buf)/3 {
			panic(fmt.Errorf("crypto: entropy not enough %d %d", b, counts[b]))
		}
	}
}
