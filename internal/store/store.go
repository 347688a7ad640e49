// Package store is the on-disk object backend each node keeps for the
// objects it is currently responsible for, mirroring
// original_source/sheep/sheep_priv.h's struct store_driver (the "default"
// driver backed by plain files, one per object, named by oid).
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cuemby/herd/internal/types"
)

// ErrNoObj is returned by Read/Write/Remove/Hash when the object file
// does not exist.
var ErrNoObj = errors.New("store: no such object")

// Store is the local, file-backed object driver. One object == one file,
// named by its hex-encoded oid, under rootDir. A per-oid mutex
// serializes create_and_write against concurrent callers, matching the
// store_driver contract's "create_and_write must be an atomic operation".
type Store struct {
	rootDir string

	locksMu sync.Mutex
	locks   map[types.Oid]*sync.Mutex
}

// Open prepares rootDir as the object store's working directory.
func Open(rootDir string) (*Store, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create root dir: %w", err)
	}
	return &Store{rootDir: rootDir, locks: make(map[types.Oid]*sync.Mutex)}, nil
}

func (s *Store) objPath(oid types.Oid) string {
	return filepath.Join(s.rootDir, oid.String())
}

func (s *Store) lockFor(oid types.Oid) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[oid]
	if !ok {
		l = &sync.Mutex{}
		s.locks[oid] = l
	}
	return l
}

// Exists reports whether oid has a backing file.
func (s *Store) Exists(oid types.Oid) bool {
	_, err := os.Stat(s.objPath(oid))
	return err == nil
}

// CreateAndWrite atomically creates the object (failing if it already
// exists) and writes data at offset — a temp-file-then-rename so a
// concurrent reader never observes a partially written file.
func (s *Store) CreateAndWrite(ctx context.Context, oid types.Oid, offset int64, data []byte) error {
	l := s.lockFor(oid)
	l.Lock()
	defer l.Unlock()

	path := s.objPath(oid)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("store: object %s already exists", oid)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("store: create temp file: %w", err)
	}
	if _, err := f.WriteAt(data, offset); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("store: write: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store: close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store: rename temp file: %w", err)
	}
	return nil
}

// Write overwrites data at offset in an existing object.
func (s *Store) Write(ctx context.Context, oid types.Oid, offset int64, data []byte) error {
	l := s.lockFor(oid)
	l.Lock()
	defer l.Unlock()

	f, err := os.OpenFile(s.objPath(oid), os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNoObj
		}
		return fmt.Errorf("store: open for write: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteAt(data, offset); err != nil {
		return fmt.Errorf("store: write: %w", err)
	}
	return nil
}

// Read reads length bytes at offset from oid.
func (s *Store) Read(ctx context.Context, oid types.Oid, offset int64, length int) ([]byte, error) {
	f, err := os.Open(s.objPath(oid))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoObj
		}
		return nil, fmt.Errorf("store: open for read: %w", err)
	}
	defer f.Close()

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("store: read: %w", err)
	}
	return buf[:n], nil
}

// ReadTrimmed reads length bytes at offset and drops the leading and
// trailing all-zero runs, reporting the leading run's extent via
// trimOffset — the live read
// path's zero-run trimming (spec.md 4.F): the peer reply carries only
// [trimOffset, trimOffset+len(data)) of the requested window, and the
// gateway zero-fills the rest back out to length before replying to
// the client.
func (s *Store) ReadTrimmed(ctx context.Context, oid types.Oid, offset int64, length int) (data []byte, trimOffset int64, err error) {
	full, err := s.Read(ctx, oid, offset, length)
	if err != nil {
		return nil, 0, err
	}
	trimmed, off := types.TrimZeroRun(full)
	return trimmed, int64(off), nil
}

// ObjectSize reports the current byte length of oid's backing file.
func (s *Store) ObjectSize(ctx context.Context, oid types.Oid) (int64, error) {
	info, err := os.Stat(s.objPath(oid))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNoObj
		}
		return 0, fmt.Errorf("store: stat: %w", err)
	}
	return info.Size(), nil
}

// ListObjects returns every oid currently held in the store, for farm's
// save pipeline to enumerate (spec.md 4.H).
func (s *Store) ListObjects() ([]types.Oid, error) {
	entries, err := os.ReadDir(s.rootDir)
	if err != nil {
		return nil, fmt.Errorf("store: list objects: %w", err)
	}
	oids := make([]types.Oid, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if len(name) > 4 && name[len(name)-4:] == ".tmp" {
			continue
		}
		var raw uint64
		if _, err := fmt.Sscanf(name, "0x%016x", &raw); err != nil {
			continue
		}
		oids = append(oids, types.Oid(raw))
	}
	return oids, nil
}

// Remove deletes oid's backing file.
func (s *Store) Remove(ctx context.Context, oid types.Oid) error {
	if err := os.Remove(s.objPath(oid)); err != nil {
		if os.IsNotExist(err) {
			return ErrNoObj
		}
		return fmt.Errorf("store: remove: %w", err)
	}
	return nil
}

// GetHash computes oid's content-addressing hash (types.ContentHash) over
// the whole object — the same digest farm uses as its content-addressed
// key (spec.md 4.D), so a farm save can probe this peer RPC (OpGetObjHash)
// to detect an unchanged object without transferring it.
func (s *Store) GetHash(ctx context.Context, oid types.Oid) ([20]byte, error) {
	var sum [20]byte
	info, err := os.Stat(s.objPath(oid))
	if err != nil {
		if os.IsNotExist(err) {
			return sum, ErrNoObj
		}
		return sum, fmt.Errorf("store: stat for hash: %w", err)
	}

	f, err := os.Open(s.objPath(oid))
	if err != nil {
		return sum, fmt.Errorf("store: open for hash: %w", err)
	}
	defer f.Close()

	raw := make([]byte, info.Size())
	if _, err := io.ReadFull(f, raw); err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return sum, fmt.Errorf("store: hash: %w", err)
	}

	return types.ContentHash(raw), nil
}
