package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
)

var _ Checkpointer = (*BadgerStore)(nil)

// BadgerStore is a Store backed by badger
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens or creates a badger database at path
func OpenBadger(path string, readOnly bool, opts ...Option) (*BadgerStore, error) {
	o := newOptions(opts)
	db, err := badger.Open(badger.DefaultOptions(path).
		WithLogger(engineLogger{log: o.logger}).
		WithReadOnly(readOnly))
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Engine() Engine { return BadgerDB }

func (s *BadgerStore) Get(key []byte) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

func (s *BadgerStore) Has(key []byte) (bool, error) {
	_, err := s.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *BadgerStore) Put(key, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

func (s *BadgerStore) Delete(key []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (s *BadgerStore) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(item.KeyCopy(nil), value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) NewBatch() Batch {
	return &badgerBatch{wb: s.db.NewWriteBatch()}
}

// Checkpoint streams a backup as of the current read timestamp and loads it
// into a fresh database at destDir.
func (s *BadgerStore) Checkpoint(destDir string) error {
	if _, err := os.Stat(destDir); err == nil {
		return fmt.Errorf("checkpoint destination %s: %w", destDir, os.ErrExist)
	}

	backup, err := os.CreateTemp(filepath.Dir(destDir), ".badger-backup-*")
	if err != nil {
		return err
	}
	defer os.Remove(backup.Name())
	defer backup.Close()

	if _, err := s.db.Backup(backup, 0); err != nil {
		return fmt.Errorf("badger backup failed: %w", err)
	}
	if _, err := backup.Seek(0, 0); err != nil {
		return err
	}

	opts := badger.DefaultOptions(destDir)
	opts.Logger = nil
	dst, err := badger.Open(opts)
	if err != nil {
		return err
	}
	if err := dst.Load(backup, 256); err != nil {
		dst.Close()
		return fmt.Errorf("badger load failed: %w", err)
	}
	return dst.Close()
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

type badgerBatch struct {
	wb *badger.WriteBatch
	n  int
}

func (b *badgerBatch) Put(key, value []byte) error {
	b.n++
	return b.wb.Set(append([]byte{}, key...), append([]byte{}, value...))
}

func (b *badgerBatch) Delete(key []byte) error {
	b.n++
	return b.wb.Delete(append([]byte{}, key...))
}

func (b *badgerBatch) Len() int { return b.n }

func (b *badgerBatch) Write() error {
	if b.n == 0 {
		b.wb.Cancel()
		return nil
	}
	return b.wb.Flush()
}
