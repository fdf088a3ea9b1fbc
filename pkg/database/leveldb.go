package database

import (
	"errors"
	"fmt"
	"os"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var _ Checkpointer = (*LevelStore)(nil)

// LevelStore is a Store backed by goleveldb
type LevelStore struct {
	db *leveldb.DB
}

// OpenLevel opens or creates a leveldb database at path
func OpenLevel(path string, readOnly bool) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{ReadOnly: readOnly})
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb database: %w", err)
	}
	return &LevelStore{db: db}, nil
}

func (s *LevelStore) Engine() Engine { return LevelDB }

func (s *LevelStore) Get(key []byte) ([]byte, error) {
	value, err := s.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

func (s *LevelStore) Has(key []byte) (bool, error) {
	return s.db.Has(key, nil)
}

func (s *LevelStore) Put(key, value []byte) error {
	return s.db.Put(key, value, &opt.WriteOptions{Sync: true})
}

func (s *LevelStore) Delete(key []byte) error {
	return s.db.Delete(key, &opt.WriteOptions{Sync: true})
}

func (s *LevelStore) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	for iter.Next() {
		if err := fn(append([]byte{}, iter.Key()...), append([]byte{}, iter.Value()...)); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *LevelStore) NewBatch() Batch {
	return &levelBatch{db: s.db}
}

// Checkpoint copies a snapshot of the database into a new database at destDir
func (s *LevelStore) Checkpoint(destDir string) error {
	if _, err := os.Stat(destDir); err == nil {
		return fmt.Errorf("checkpoint destination %s: %w", destDir, os.ErrExist)
	}

	snap, err := s.db.GetSnapshot()
	if err != nil {
		return err
	}
	defer snap.Release()

	dst, err := leveldb.OpenFile(destDir, &opt.Options{ErrorIfExist: true})
	if err != nil {
		return err
	}

	iter := snap.NewIterator(nil, nil)
	batch := new(leveldb.Batch)
	for iter.Next() {
		batch.Put(iter.Key(), iter.Value())
		if batch.Len() >= 10000 {
			if err := dst.Write(batch, nil); err != nil {
				iter.Release()
				dst.Close()
				return err
			}
			batch.Reset()
		}
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

func (s *LevelStore) Close() error {
	return s.db.Close()
}

type levelBatch struct {
	db *leveldb.DB
	b  leveldb.Batch
}

func (b *levelBatch) Put(key, value []byte) error { b.b.Put(key, value); return nil }
func (b *levelBatch) Delete(key []byte) error     { b.b.Delete(key); return nil }
func (b *levelBatch) Len() int                    { return b.b.Len() }

func (b *levelBatch) Write() error {
	if b.b.Len() == 0 {
		return nil
	}
	return b.db.Write(&b.b, &opt.WriteOptions{Sync: true})
}
