package storage

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v4"
)

const graphPrefixAddress = "PEERS:ADDRESS:"

type AddressRecord struct {
	Address   string `msgpack:"A"`
	Reachable bool   `msgpack:"R"`
	UpdatedAt int64  `msgpack:"U"`
}

func (s *BadgerStore) WriteAddress(addr string, reachable bool) error {
	rec := &AddressRecord{
		Address:   addr,
		Reachable: reachable,
		UpdatedAt: time.Now().UnixNano(),
	}
	return s.peersDB.Update(func(txn *badger.Txn) error {
		return txn.Set(addressKey(addr), msgpackMarshalPanic(rec))
	})
}

func (s *BadgerStore) RemoveAddress(addr string) error {
	return s.peersDB.Update(func(txn *badger.Txn) error {
		return txn.Delete(addressKey(addr))
	})
}

func (s *BadgerStore) ReadAddress(addr string) (*AddressRecord, error) {
	txn := s.peersDB.NewTransaction(false)
	defer txn.Discard()

	item, err := txn.Get(addressKey(addr))
	if err == badger.ErrKeyNotFound {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	var rec AddressRecord
	err = msgpackUnmarshal(val, &rec)
	return &rec, err
}

func (s *BadgerStore) ReadAddresses() (map[string]bool, error) {
	txn := s.peersDB.NewTransaction(false)
	defer txn.Discard()

	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(graphPrefixAddress)
	it := txn.NewIterator(opts)
	defer it.Close()

	addrs := make(map[string]bool)
	for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
		val, err := it.Item().ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		var rec AddressRecord
		err = msgpackUnmarshal(val, &rec)
		if err != nil {
			return nil, err
		}
		addrs[rec.Address] = rec.Reachable
	}
	return addrs, nil
}

func addressKey(addr string) []byte {
	return []byte(graphPrefixAddress + addr)
}

func msgpackMarshalPanic(val any) []byte {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf).UseCompactEncoding(true).SortMapKeys(true)
	err := enc.Encode(val)
	if err != nil {
		panic(fmt.Errorf("msgpackMarshalPanic: %#v %s", val, err.Error()))
	}
	return buf.Bytes()
}

func msgpackUnmarshal(data []byte, val any) error {
	err := msgpack.Unmarshal(data, val)
	if err == nil {
		return err
	}
	return fmt.Errorf("msgpackUnmarshal: %s %s", hex.EncodeToString(data), err.Error())
}
