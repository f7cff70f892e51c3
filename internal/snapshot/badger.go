package snapshot

import (
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

var snapshotPrefix = []byte("snapshot/")

// BadgerStore archives snapshots in a badger database. Useful when the
// host already runs badger and wants diagnostics co-located with its
// other durable state.
type BadgerStore struct {
	db *badger.DB
}

var _ Store = (*BadgerStore)(nil)

// NewBadgerStore opens (or creates) the database at the given path.
func NewBadgerStore(dataPath string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dataPath)
	opts = opts.WithLogger(nil) // Disable badger's default logger

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) key(name string) []byte {
	return append(append([]byte{}, snapshotPrefix...), name...)
}

func (s *BadgerStore) Save(name string, data []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.key(name), data)
	})
}

func (s *BadgerStore) Load(name string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key(name))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	return value, err
}

// List returns snapshot names in key order. Timestamped names make this
// chronological.
func (s *BadgerStore) List() ([]string, error) {
	var names []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(snapshotPrefix); it.ValidForPrefix(snapshotPrefix); it.Next() {
			key := it.Item().Key()
			names = append(names, string(key[len(snapshotPrefix):]))
		}
		return nil
	})
	return names, err
}

// Prune deletes the oldest snapshots beyond the retention count.
func (s *BadgerStore) Prune(retain int) error {
	if retain < 0 {
		retain = 0
	}
	names, err := s.List()
	if err != nil {
		return err
	}
	if len(names) <= retain {
		return nil
	}
	victims := names[:len(names)-retain]

	return s.db.Update(func(txn *badger.Txn) error {
		for _, name := range victims {
			if err := txn.Delete(s.key(name)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
