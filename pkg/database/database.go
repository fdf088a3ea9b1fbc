package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/luxfi/express/pkg/application"
)

// Engine names a storage backend
type Engine string

const (
	PebbleDB Engine = "pebbledb"
	BadgerDB Engine = "badgerdb"
	LevelDB  Engine = "leveldb"
	MemoryDB Engine = "memdb"
)

// ErrNotFound is returned by Get when a key is absent
var ErrNotFound = errors.New("not found")

// Reader is the read half of a key-value store. Iterate visits keys with the
// given prefix in ascending order and stops at the first error fn returns.
type Reader interface {
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	Iterate(prefix []byte, fn func(key, value []byte) error) error
}

// Writer is the write half of a key-value store
type Writer interface {
	Put(key, value []byte) error
	Delete(key []byte) error
}

// Batch collects writes that are applied together by Write
type Batch interface {
	Writer
	Len() int
	Write() error
}

// Store is a key-value store
type Store interface {
	Reader
	Writer
	NewBatch() Batch
	Close() error
}

// Checkpointer is a store that can materialize a consistent point-in-time
// copy of itself into an empty directory using the engine's native primitive.
type Checkpointer interface {
	Store
	Engine() Engine
	Checkpoint(destDir string) error
}

// SnapshotEngine names the engine that reads the directories c.Checkpoint writes
func SnapshotEngine(c Checkpointer) Engine {
	if c.Engine() == MemoryDB {
		return PebbleDB
	}
	return c.Engine()
}

// Open opens a store at path. An empty engine is detected from the files on disk.
func Open(path string, engine Engine, readOnly bool, opts ...Option) (Store, error) {
	if engine == "" {
		engine = DetectEngine(path)
	}
	switch engine {
	case PebbleDB:
		return OpenPebble(path, readOnly, opts...)
	case BadgerDB:
		return OpenBadger(path, readOnly, opts...)
	case LevelDB:
		return OpenLevel(path, readOnly)
	case MemoryDB:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store engine: %s", engine)
	}
}

// DetectEngine tries to determine the engine that wrote path
func DetectEngine(dbPath string) Engine {
	// Check if directory exists
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		// Default to PebbleDB for new databases
		return PebbleDB
	}

	// Badger keeps its values in .vlog files
	matches, _ := filepath.Glob(filepath.Join(dbPath, "*.vlog"))
	if len(matches) > 0 {
		return BadgerDB
	}

	// Check for LevelDB markers (LDB files and the legacy LOG layout)
	matches, _ = filepath.Glob(filepath.Join(dbPath, "*.ldb"))
	if len(matches) > 0 {
		return LevelDB
	}

	// Pebble writes OPTIONS files, leveldb does not
	matches, _ = filepath.Glob(filepath.Join(dbPath, "OPTIONS-*"))
	if len(matches) > 0 {
		return PebbleDB
	}
	matches, _ = filepath.Glob(filepath.Join(dbPath, "MANIFEST-*"))
	if len(matches) > 0 {
		return LevelDB
	}

	// Default to PebbleDB
	return PebbleDB
}

// Copy writes every entry of src into dst in batches
func Copy(dst Store, src Reader, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 10000
	}
	var (
		batch = dst.NewBatch()
		total int
	)
	err := src.Iterate(nil, func(key, value []byte) error {
		if err := batch.Put(key, value); err != nil {
			return err
		}
		total++
		if batch.Len() >= batchSize {
			if err := batch.Write(); err != nil {
				return err
			}
			batch = dst.NewBatch()
		}
		return nil
	})
	if err != nil {
		return total, err
	}
	return total, batch.Write()
}

// Manager handles database operations
type Manager struct {
	app *application.Express
}

// New creates a new database Manager
func New(app *application.Express) *Manager {
	return &Manager{app: app}
}

// Stats summarizes the keys of a store
type Stats struct {
	Engine    Engine
	TotalKeys int
	ByPrefix  map[byte]int
}

// Prefixes returns the observed key prefixes in ascending order
func (s *Stats) Prefixes() []byte {
	out := make([]byte, 0, len(s.ByPrefix))
	for p := range s.ByPrefix {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CheckStatus opens dbPath read-only and counts keys per prefix byte
func (m *Manager) CheckStatus(dbPath string) (*Stats, error) {
	engine := DetectEngine(dbPath)
	db, err := Open(dbPath, engine, true, WithLogger(m.app.Log))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	stats := &Stats{Engine: engine, ByPrefix: make(map[byte]int)}
	err = db.Iterate(nil, func(key, _ []byte) error {
		if len(key) > 0 {
			stats.ByPrefix[key[0]]++
		}
		stats.TotalKeys++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterator error: %w", err)
	}

	m.app.Log.Info("Database scanned", "path", dbPath, "engine", engine, "keys", stats.TotalKeys)
	return stats, nil
}
