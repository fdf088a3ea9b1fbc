package database

import (
	"errors"
	"fmt"
	"os"

	"github.com/cockroachdb/pebble"
)

var _ Checkpointer = (*PebbleStore)(nil)

// PebbleStore is a Store backed by pebble
type PebbleStore struct {
	db       *pebble.DB
	readOnly bool
}

// OpenPebble opens or creates a pebble database at path
func OpenPebble(path string, readOnly bool, opts ...Option) (*PebbleStore, error) {
	o := newOptions(opts)
	db, err := pebble.Open(path, &pebble.Options{
		ReadOnly: readOnly,
		Logger:   engineLogger{log: o.logger},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble database: %w", err)
	}
	return &PebbleStore{db: db, readOnly: readOnly}, nil
}

func (s *PebbleStore) Engine() Engine { return PebbleDB }

func (s *PebbleStore) Get(key []byte) ([]byte, error) {
	value, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte{}, value...), nil
}

func (s *PebbleStore) Has(key []byte) (bool, error) {
	_, err := s.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *PebbleStore) Put(key, value []byte) error {
	return s.db.Set(key, value, pebble.Sync)
}

func (s *PebbleStore) Delete(key []byte) error {
	return s.db.Delete(key, pebble.Sync)
}

func (s *PebbleStore) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	opts := &pebble.IterOptions{}
	if len(prefix) > 0 {
		opts.LowerBound = prefix
		opts.UpperBound = prefixUpperBound(prefix)
	}
	iter, err := s.db.NewIter(opts)
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(append([]byte{}, iter.Key()...), append([]byte{}, iter.Value()...)); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *PebbleStore) NewBatch() Batch {
	return &pebbleBatch{db: s.db, b: s.db.NewBatch()}
}

// Checkpoint writes a consistent copy of the database into destDir, which
// must not exist yet. Sstables are hard-linked where the filesystem allows it.
// A read-only open never writes an OPTIONS file, so it cannot be checkpointed.
func (s *PebbleStore) Checkpoint(destDir string) error {
	if s.readOnly {
		return errors.New("pebble checkpoint requires a writable open")
	}
	if _, err := os.Stat(destDir); err == nil {
		return fmt.Errorf("checkpoint destination %s: %w", destDir, os.ErrExist)
	}
	return s.db.Checkpoint(destDir, pebble.WithFlushedWAL())
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}

type pebbleBatch struct {
	db *pebble.DB
	b  *pebble.Batch
}

func (b *pebbleBatch) Put(key, value []byte) error { return b.b.Set(key, value, nil) }
func (b *pebbleBatch) Delete(key []byte) error     { return b.b.Delete(key, nil) }
func (b *pebbleBatch) Len() int                    { return int(b.b.Count()) }

func (b *pebbleBatch) Write() error {
	defer b.b.Close()
	if b.b.Empty() {
		return nil
	}
	return b.b.Commit(pebble.Sync)
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix, or nil when no such key exists.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
