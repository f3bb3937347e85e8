package storage

type Store interface {
	Close() error

	WriteAddress(addr string, reachable bool) error
	RemoveAddress(addr string) error
	ReadAddress(addr string) (*AddressRecord, error)
	ReadAddresses() (map[string]bool, error)
}

var _ Store = (*BadgerStore)(nil)
