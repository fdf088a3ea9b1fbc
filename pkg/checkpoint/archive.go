// Package checkpoint creates and restores point-in-time archives of a node's
// chain storage and guards data directories against concurrent use.
package checkpoint

import (
	"archive/tar"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/luxfi/express/pkg/core"
	"github.com/luxfi/express/pkg/database"
	"github.com/luxfi/express/pkg/keys"
)

// HeaderLen is the size of the fixed archive header
const HeaderLen = 4 + keys.ScriptHashLen

// Extension is the conventional file extension of checkpoint archives
const Extension = ".express-checkpoint"

// Header identifies the chain an archive belongs to
type Header struct {
	Magic             uint32
	GenesisScriptHash keys.ScriptHash
}

func (h Header) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HeaderLen)
	binary.LittleEndian.PutUint32(buf, h.Magic)
	copy(buf[4:], h.GenesisScriptHash[:])
	return buf, nil
}

func (h *Header) UnmarshalBinary(b []byte) error {
	if len(b) != HeaderLen {
		return core.ErrInvalidf("checkpoint header is %d bytes, expected %d", len(b), HeaderLen)
	}
	h.Magic = binary.LittleEndian.Uint32(b)
	copy(h.GenesisScriptHash[:], b[4:])
	return nil
}

func (h Header) matches(magic uint32, hash keys.ScriptHash) error {
	if h.Magic != magic || h.GenesisScriptHash != hash {
		return core.ErrInvalidf("checkpoint belongs to chain %d/%s, not %d/%s",
			h.Magic, h.GenesisScriptHash, magic, hash)
	}
	return nil
}

// Archive is an immutable checkpoint file
type Archive struct {
	Path   string
	Header Header
}

// ReadHeader reads the header of the archive at path
func ReadHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()
	return readHeader(f)
}

func readHeader(r io.Reader) (Header, error) {
	buf := make([]byte, HeaderLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, core.ErrInvalidf("checkpoint header unreadable: %v", err)
	}
	var h Header
	return h, h.UnmarshalBinary(buf)
}

// Create snapshots src into a new archive at destPath using the engine's
// native checkpoint. The source store is not modified and may keep serving
// reads and writes while the snapshot is taken.
func Create(ctx context.Context, src database.Checkpointer, destPath string, magic uint32, hash keys.ScriptHash) (*Archive, error) {
	return create(ctx, destPath, Header{Magic: magic, GenesisScriptHash: hash}, func(dir string) error {
		if err := src.Checkpoint(dir); err != nil {
			return core.StateError{Op: "checkpoint " + string(src.Engine()), Err: err}
		}
		return nil
	})
}

// CreateLayered snapshots base and then applies the writes pending in
// overlay to the copy, so the archive reflects what readers of overlay see.
// The caller must keep overlay from being flushed until it returns.
func CreateLayered(ctx context.Context, base database.Checkpointer, overlay *database.Overlay, destPath string, magic uint32, hash keys.ScriptHash) (*Archive, error) {
	return create(ctx, destPath, Header{Magic: magic, GenesisScriptHash: hash}, func(dir string) error {
		if err := base.Checkpoint(dir); err != nil {
			return core.StateError{Op: "checkpoint " + string(base.Engine()), Err: err}
		}
		if overlay.Pending() == 0 {
			return nil
		}
		copied, err := database.Open(dir, database.SnapshotEngine(base), false)
		if err != nil {
			return core.StateError{Op: "open checkpoint", Err: err}
		}
		if err := overlay.WriteTo(copied); err != nil {
			copied.Close()
			return core.StateError{Op: "apply pending writes", Err: err}
		}
		return copied.Close()
	})
}

func create(ctx context.Context, destPath string, header Header, snapshot func(dir string) error) (*Archive, error) {
	if _, err := os.Lstat(destPath); err == nil {
		return nil, core.ErrExists(destPath)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	parent := filepath.Dir(destPath)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, err
	}
	staging, err := os.MkdirTemp(parent, ".express-checkpoint-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(staging)

	dir := filepath.Join(staging, "data")
	if err := snapshot(dir); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrCancelled, err)
	}

	tmp := filepath.Join(staging, "archive")
	if err := writeArchive(ctx, tmp, header, dir); err != nil {
		return nil, err
	}

	// link refuses to replace an existing file, unlike rename
	if err := os.Link(tmp, destPath); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, core.ErrExists(destPath)
		}
		return nil, fmt.Errorf("failed to publish checkpoint: %w", err)
	}
	return &Archive{Path: destPath, Header: header}, nil
}

// CreateFromDir snapshots the store of a stopped node, holding the
// directory's guard until the archive is written. A directory held by a
// running node fails with BusyError; running nodes are checkpointed through
// their RPC endpoint instead.
func CreateFromDir(ctx context.Context, dataDir string, engine database.Engine, destPath string, magic uint32, hash keys.ScriptHash) (*Archive, error) {
	if _, err := os.Stat(dataDir); err != nil {
		return nil, core.ErrInvalidf("no chain data at %s", dataDir)
	}
	if engine == database.MemoryDB {
		return nil, core.ErrInvalidf("%s keeps no state on disk, checkpoint the running node instead", engine)
	}
	guard, err := Acquire(dataDir)
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	store, err := database.Open(dataDir, engine, false)
	if err != nil {
		return nil, core.StateError{Op: "open " + dataDir, Err: err}
	}
	defer store.Close()

	src, ok := store.(database.Checkpointer)
	if !ok {
		return nil, core.StateError{Op: "checkpoint", Err: fmt.Errorf("store at %s cannot be checkpointed", dataDir)}
	}
	return Create(ctx, src, destPath, magic, hash)
}

func writeArchive(ctx context.Context, path string, header Header, srcDir string) (err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o444)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	raw, _ := header.MarshalBinary()
	if _, err := f.Write(raw); err != nil {
		return err
	}

	enc, err := zstd.NewWriter(f)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(enc)

	err = filepath.WalkDir(srcDir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", core.ErrCancelled, err)
		}
		rel, err := filepath.Rel(srcDir, p)
		if err != nil || rel == "." {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsDir() && !info.Mode().IsRegular() {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.Mode().IsDir() {
			return nil
		}
		src, err := os.Open(p)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	})
	if err != nil {
		enc.Close()
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return f.Sync()
}

// Restore validates the archive against (magic, hash) and installs its
// contents at destDir. The payload is extracted beside destDir and moved into
// place with a single rename, so destDir is never left partially populated.
// A populated destDir is replaced only when force is set.
func Restore(ctx context.Context, archivePath, destDir string, magic uint32, hash keys.ScriptHash, force bool) error {
	if err := Check(destDir); err != nil {
		return err
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	header, err := readHeader(f)
	if err != nil {
		return err
	}
	if err := header.matches(magic, hash); err != nil {
		return err
	}

	exists, populated, err := inspectDir(destDir)
	if err != nil {
		return err
	}
	if populated && !force {
		return core.ErrExists(destDir)
	}

	parent := filepath.Dir(filepath.Clean(destDir))
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return err
	}
	staging, err := os.MkdirTemp(parent, ".express-restore-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	extracted := filepath.Join(staging, "data")
	if err := extract(ctx, f, extracted); err != nil {
		return err
	}

	if !exists {
		return os.Rename(extracted, destDir)
	}

	previous := filepath.Join(staging, "previous")
	if err := os.Rename(destDir, previous); err != nil {
		return err
	}
	if err := os.Rename(extracted, destDir); err != nil {
		if rerr := os.Rename(previous, destDir); rerr != nil {
			return fmt.Errorf("restore failed (%v) and %s could not be put back: %w", err, destDir, rerr)
		}
		return err
	}
	return nil
}

// RestoreTemp restores the archive into a fresh temporary directory for a
// disposable run. The returned cleanup removes it.
func RestoreTemp(ctx context.Context, archivePath string, magic uint32, hash keys.ScriptHash) (string, func(), error) {
	root, err := os.MkdirTemp("", "express-run-*")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { os.RemoveAll(root) }

	dir := filepath.Join(root, "data")
	if err := Restore(ctx, archivePath, dir, magic, hash, false); err != nil {
		cleanup()
		return "", nil, err
	}
	return dir, cleanup, nil
}

func inspectDir(dir string) (exists, populated bool, err error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return true, len(entries) > 0, nil
}

func extract(ctx context.Context, r io.Reader, destDir string) error {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return core.ErrInvalidf("checkpoint payload unreadable: %v", err)
	}
	defer dec.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}

	root := filepath.Clean(destDir) + string(filepath.Separator)
	tr := tar.NewReader(dec)
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", core.ErrCancelled, err)
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return core.ErrInvalidf("checkpoint payload corrupt: %v", err)
		}

		name := filepath.FromSlash(hdr.Name)
		target := filepath.Join(destDir, name)
		if filepath.IsAbs(name) || !strings.HasPrefix(target, root) {
			return core.ErrInvalidf("checkpoint entry %q escapes the data directory", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := writeFile(target, tr); err != nil {
				return err
			}
		default:
			return core.ErrInvalidf("checkpoint entry %q has unsupported type %c", hdr.Name, hdr.Typeflag)
		}
	}
}

func writeFile(path string, r io.Reader) error {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
