package database

import (
	"errors"
	"fmt"
	"os"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/comparer"
	"github.com/syndtr/goleveldb/leveldb/memdb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var _ Checkpointer = (*MemoryStore)(nil)

// MemoryStore is a Store held entirely in memory. Nothing survives Close.
type MemoryStore struct {
	db *memdb.DB
}

// NewMemoryStore returns an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{db: memdb.New(comparer.DefaultComparer, 0)}
}

func (s *MemoryStore) Get(key []byte) ([]byte, error) {
	value, err := s.db.Get(key)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return append([]byte{}, value...), nil
}

func (s *MemoryStore) Has(key []byte) (bool, error) {
	return s.db.Contains(key), nil
}

func (s *MemoryStore) Put(key, value []byte) error {
	return s.db.Put(key, value)
}

func (s *MemoryStore) Delete(key []byte) error {
	if err := s.db.Delete(key); err != nil && !errors.Is(err, leveldb.ErrNotFound) {
		return err
	}
	return nil
}

func (s *MemoryStore) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	iter := s.db.NewIterator(util.BytesPrefix(prefix))
	defer iter.Release()
	for iter.Next() {
		if err := fn(append([]byte{}, iter.Key()...), append([]byte{}, iter.Value()...)); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *MemoryStore) Engine() Engine { return MemoryDB }

// Checkpoint copies the store into a new pebble database at destDir
func (s *MemoryStore) Checkpoint(destDir string) error {
	if _, err := os.Stat(destDir); err == nil {
		return fmt.Errorf("checkpoint destination %s: %w", destDir, os.ErrExist)
	}
	dst, err := OpenPebble(destDir, false)
	if err != nil {
		return err
	}
	if _, err := Copy(dst, s, 0); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

func (s *MemoryStore) NewBatch() Batch {
	return &replayBatch{w: s}
}

func (s *MemoryStore) Close() error {
	s.db.Reset()
	return nil
}

// replayBatch records writes in a leveldb batch and replays them onto w
type replayBatch struct {
	w Writer
	b leveldb.Batch
}

func (b *replayBatch) Put(key, value []byte) error { b.b.Put(key, value); return nil }
func (b *replayBatch) Delete(key []byte) error     { b.b.Delete(key); return nil }
func (b *replayBatch) Len() int                    { return b.b.Len() }

func (b *replayBatch) Write() error {
	r := &replayer{w: b.w}
	if err := b.b.Replay(r); err != nil {
		return err
	}
	return r.err
}

type replayer struct {
	w   Writer
	err error
}

func (r *replayer) Put(key, value []byte) {
	if r.err == nil {
		r.err = r.w.Put(key, value)
	}
}

func (r *replayer) Delete(key []byte) {
	if r.err == nil {
		r.err = r.w.Delete(key)
	}
}
