package storage

import (
	"sync/atomic"
	"time"

	"github.com/MixinNetwork/peernet/config"
	"github.com/MixinNetwork/peernet/logger"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

type BadgerStore struct {
	custom  *config.Custom
	peersDB *badger.DB
	closing atomic.Bool
}

func NewBadgerStore(custom *config.Custom, dir string) (*BadgerStore, error) {
	store := &BadgerStore{custom: custom}
	peersDB, err := openDB(dir+"/peers", true, store)
	if err != nil {
		return nil, err
	}
	store.peersDB = peersDB
	return store, nil
}

func (store *BadgerStore) Close() error {
	store.closing.Store(true)
	return store.peersDB.Close()
}

func openDB(dir string, sync bool, store *BadgerStore) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir)
	opts = opts.WithSyncWrites(sync)
	opts = opts.WithCompression(options.None)
	opts = opts.WithBlockCacheSize(0)
	opts = opts.WithIndexCacheSize(0)
	opts = opts.WithMetricsEnabled(false)
	opts = opts.WithLoggingLevel(badger.WARNING)
	opts = opts.WithNumVersionsToKeep(1)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	if store.custom != nil && store.custom.Storage.ValueLogGC {
		go func() {
			for !store.closing.Load() {
				lsm, vlog := db.Size()
				logger.Printf("Badger LSM %d VLOG %d\n", lsm, vlog)
				if lsm > 1024*1024*8 || vlog > 1024*1024*32 {
					err := db.RunValueLogGC(0.5)
					logger.Printf("Badger RunValueLogGC %v\n", err)
				}
				time.Sleep(5 * time.Minute)
			}
		}()
	}

	return db, nil
}
