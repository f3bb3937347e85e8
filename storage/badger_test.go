package storage

import (
	"os"
	"testing"

	"github.com/MixinNetwork/peernet/config"
	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
)

func TestBadger(t *testing.T) {
	require := require.New(t)
	custom, err := config.Initialize("../config/config.example.toml")
	require.Nil(err)

	root, err := os.MkdirTemp("", "peernet-badger-test")
	require.Nil(err)
	defer os.RemoveAll(root)

	store, err := NewBadgerStore(custom, root)
	require.Nil(err)
	require.NotNil(store)

	addrs, err := store.ReadAddresses()
	require.Nil(err)
	require.Len(addrs, 0)

	err = store.peersDB.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte("key-not-found"))
	})
	require.Nil(err)

	require.Nil(store.WriteAddress("10.0.0.1:7239", false))
	require.Nil(store.WriteAddress("10.0.0.2:7239", true))
	require.Nil(store.WriteAddress("10.0.0.1:7239", true))
	rec, err := store.ReadAddress("10.0.0.1:7239")
	require.Nil(err)
	require.Equal("10.0.0.1:7239", rec.Address)
	require.True(rec.Reachable)
	require.Greater(rec.UpdatedAt, int64(0))
	rec, err = store.ReadAddress("10.0.0.3:7239")
	require.Nil(err)
	require.Nil(rec)

	require.Nil(store.RemoveAddress("10.0.0.2:7239"))
	require.Nil(store.RemoveAddress("10.0.0.9:7239"))
	addrs, err = store.ReadAddresses()
	require.Nil(err)
	require.Equal(map[string]bool{"10.0.0.1:7239": true}, addrs)

	err = store.Close()
	require.Nil(err)

	store, err = NewBadgerStore(custom, root)
	require.Nil(err)
	defer store.Close()
	addrs, err = store.ReadAddresses()
	require.Nil(err)
	require.Equal(map[string]bool{"10.0.0.1:7239": true}, addrs)
}
