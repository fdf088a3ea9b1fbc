package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/shirou/gopsutil/process"

	"github.com/luxfi/express/pkg/core"
)

// Holder describes the process holding a data directory
type Holder struct {
	Dir   string
	PID   int
	Since time.Time
}

// Guard is the running-instance lock of one data directory. It is held for
// the lifetime of the node process that owns the directory.
type Guard struct {
	dir  string
	path string
	lock *flock.Flock
}

// CanonicalDir returns the absolute, symlink-resolved form of dataDir
func CanonicalDir(dataDir string) (string, error) {
	abs, err := filepath.Abs(dataDir)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return filepath.Clean(abs), nil
}

// LockPath returns the lock file guarding dataDir
func LockPath(dataDir string) (string, error) {
	dir, err := CanonicalDir(dataDir)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(dir))
	return filepath.Join(os.TempDir(), "express-"+hex.EncodeToString(sum[:8])+".lock"), nil
}

// Acquire takes the guard for dataDir or fails with BusyError
func Acquire(dataDir string) (*Guard, error) {
	dir, err := CanonicalDir(dataDir)
	if err != nil {
		return nil, err
	}
	path, err := LockPath(dir)
	if err != nil {
		return nil, err
	}

	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	if !ok {
		pid, _, _ := readPID(path)
		return nil, core.BusyError{Dir: dir, PID: pid}
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("failed to record holder in %s: %w", path, err)
	}
	return &Guard{dir: dir, path: path, lock: lock}, nil
}

// Dir returns the canonical directory the guard protects
func (g *Guard) Dir() string { return g.dir }

// Release clears the holder PID and drops the lock. The lock file stays.
func (g *Guard) Release() error {
	if !g.lock.Locked() {
		return nil
	}
	if err := os.Truncate(g.path, 0); err != nil && !errors.Is(err, os.ErrNotExist) {
		g.lock.Unlock()
		return err
	}
	return g.lock.Unlock()
}

// Inspect reports the live process holding dataDir, or nil when the directory
// is idle. It never takes the lock itself. A recorded PID whose process is
// gone, or was started after the lock was written, is stale.
func Inspect(dataDir string) (*Holder, error) {
	dir, err := CanonicalDir(dataDir)
	if err != nil {
		return nil, err
	}
	path, err := LockPath(dir)
	if err != nil {
		return nil, err
	}

	pid, since, err := readPID(path)
	if err != nil || pid <= 0 {
		return nil, nil
	}

	alive, err := process.PidExists(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("failed to query process %d: %w", pid, err)
	}
	if !alive {
		return nil, nil
	}
	if p, err := process.NewProcess(int32(pid)); err == nil {
		if created, err := p.CreateTime(); err == nil && time.UnixMilli(created).After(since.Add(time.Second)) {
			return nil, nil
		}
	}
	return &Holder{Dir: dir, PID: pid, Since: since}, nil
}

// Check fails with BusyError when dataDir is held by a live process
func Check(dataDir string) error {
	holder, err := Inspect(dataDir)
	if err != nil {
		return err
	}
	if holder != nil {
		return core.BusyError{Dir: holder.Dir, PID: holder.PID}
	}
	return nil
}

func readPID(path string) (int, time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, time.Time{}, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, time.Time{}, err
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return 0, info.ModTime(), nil
	}
	pid, err := strconv.Atoi(text)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("malformed lock file %s: %w", path, err)
	}
	return pid, info.ModTime(), nil
}
