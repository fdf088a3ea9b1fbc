package database

import (
	"bytes"
	"errors"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/comparer"
	"github.com/syndtr/goleveldb/leveldb/memdb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	tagDeleted byte = 0x00
	tagValue   byte = 0x01
)

// Overlay is a write-back layer over a base store. Reads see pending writes
// first. Nothing reaches the base until Flush; Discard drops everything
// pending. Overlays nest: the base may itself be an Overlay.
//
// Callbacks passed to Iterate must not write to the overlay.
type Overlay struct {
	base Store

	// mu is held shared by reads and writes and exclusively by Flush and Discard
	mu  sync.RWMutex
	mem *memdb.DB
}

// NewOverlay returns an empty overlay on top of base
func NewOverlay(base Store) *Overlay {
	return &Overlay{
		base: base,
		mem:  memdb.New(comparer.DefaultComparer, 0),
	}
}

// Base returns the store underneath the overlay
func (o *Overlay) Base() Store { return o.base }

func (o *Overlay) Get(key []byte) ([]byte, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	tagged, err := o.mem.Get(key)
	switch {
	case err == nil:
		if tagged[0] == tagDeleted {
			return nil, ErrNotFound
		}
		return append([]byte{}, tagged[1:]...), nil
	case !errors.Is(err, leveldb.ErrNotFound):
		return nil, err
	}
	return o.base.Get(key)
}

func (o *Overlay) Has(key []byte) (bool, error) {
	_, err := o.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (o *Overlay) Put(key, value []byte) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	tagged := make([]byte, 1+len(value))
	tagged[0] = tagValue
	copy(tagged[1:], value)
	return o.mem.Put(key, tagged)
}

func (o *Overlay) Delete(key []byte) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.mem.Put(key, []byte{tagDeleted})
}

type pendingEntry struct {
	key     []byte
	value   []byte
	deleted bool
}

func (o *Overlay) pending(prefix []byte) []pendingEntry {
	iter := o.mem.NewIterator(util.BytesPrefix(prefix))
	defer iter.Release()

	var out []pendingEntry
	for iter.Next() {
		tagged := iter.Value()
		out = append(out, pendingEntry{
			key:     append([]byte{}, iter.Key()...),
			value:   append([]byte{}, tagged[1:]...),
			deleted: tagged[0] == tagDeleted,
		})
	}
	return out
}

// Iterate merges pending writes with the base in key order
func (o *Overlay) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	o.mu.RLock()
	defer o.mu.RUnlock()

	pending := o.pending(prefix)
	i := 0
	// emit pending entries ordered before key, or all of them when key is nil
	drain := func(key []byte) error {
		for ; i < len(pending); i++ {
			if key != nil && bytes.Compare(pending[i].key, key) >= 0 {
				return nil
			}
			if pending[i].deleted {
				continue
			}
			if err := fn(pending[i].key, pending[i].value); err != nil {
				return err
			}
		}
		return nil
	}

	err := o.base.Iterate(prefix, func(key, value []byte) error {
		if err := drain(key); err != nil {
			return err
		}
		if i < len(pending) && bytes.Equal(pending[i].key, key) {
			e := pending[i]
			i++
			if e.deleted {
				return nil
			}
			return fn(e.key, e.value)
		}
		return fn(key, value)
	})
	if err != nil {
		return err
	}
	return drain(nil)
}

func (o *Overlay) NewBatch() Batch {
	return &replayBatch{w: o}
}

// Pending reports the number of keys written since the last Flush or Discard
func (o *Overlay) Pending() int {
	return o.mem.Len()
}

// WriteTo applies the pending writes to dst without clearing them
func (o *Overlay) WriteTo(dst Store) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.writeTo(dst)
}

func (o *Overlay) writeTo(dst Store) error {
	batch := dst.NewBatch()
	for _, e := range o.pending(nil) {
		var err error
		if e.deleted {
			err = batch.Delete(e.key)
		} else {
			err = batch.Put(e.key, e.value)
		}
		if err != nil {
			return err
		}
	}
	return batch.Write()
}

// Flush writes every pending change to the base in one batch and clears the overlay
func (o *Overlay) Flush() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.mem.Len() == 0 {
		return nil
	}
	if err := o.writeTo(o.base); err != nil {
		return err
	}
	o.mem.Reset()
	return nil
}

// Discard drops every pending change
func (o *Overlay) Discard() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.mem.Reset()
}

// Close discards pending changes. The base store is left open.
func (o *Overlay) Close() error {
	o.Discard()
	return nil
}
