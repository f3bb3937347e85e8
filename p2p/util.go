package p2p

import (
	"sync"
	"time"

	"github.com/MixinNetwork/peernet/crypto"
	"github.com/dgraph-io/ristretto/v2"
)

const replayWindow = 10 * time.Minute

// nonceCache remembers handshake nonces for replayWindow, a hello carrying
// a remembered nonce is a replay.
type nonceCache struct {
	sync.Mutex
	cache *ristretto.Cache[string, int64]
}

func newNonceCache() *nonceCache {
	cache, err := ristretto.NewCache(&ristretto.Config[string, int64]{
		NumCounters: 1024 * 64,
		MaxCost:     1024 * 16,
		BufferItems: 64,
	})
	if err != nil {
		panic(err)
	}
	return &nonceCache{cache: cache}
}

// seen stores the nonce and reports whether it was already present.
func (m *nonceCache) seen(nonce crypto.Hash) bool {
	m.Lock()
	defer m.Unlock()

	key := nonce.String()
	_, found := m.cache.Get(key)
	if found {
		return true
	}
	m.cache.SetWithTTL(key, time.Now().UnixNano(), 1, replayWindow)
	m.cache.Wait()
	return false
}

func (m *nonceCache) close() {
	m.cache.Close()
}
