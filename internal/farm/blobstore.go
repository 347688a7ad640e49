// Package farm is the content-addressed snapshot archive
// (original_source/collie/farm/{farm,sha1_file}.c, spec.md 4.D "farm"):
// objects are hashed (after trimming the leading and trailing runs of
// zero bytes; the trim works on single bytes, not 512-byte sectors) and
// stored once under objects/<sha1[0:2]>/<sha1[2:]>, refcounted across
// snapshots via the user.farm.count extended attribute so a blob shared
// by several trunks is only removed once its last referencing trunk is.
package farm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/herd/internal/types"
	"github.com/pkg/xattr"
)

const refcountAttr = "user.farm.count"

// ErrBlobNotFound is returned when a sha1 has no corresponding blob file.
var ErrBlobNotFound = errors.New("farm: blob not found")

// BlobStore is the sha1-addressed object directory under root/objects.
type BlobStore struct {
	root string
}

// OpenBlobStore creates the 256 two-hex-digit shard directories under
// root/objects (original_source/collie/farm/farm.c's create_directory)
// if they don't already exist.
func OpenBlobStore(root string) (*BlobStore, error) {
	objDir := filepath.Join(root, "objects")
	for i := 0; i < 256; i++ {
		shard := filepath.Join(objDir, fmt.Sprintf("%02x", i))
		if err := os.MkdirAll(shard, 0o755); err != nil {
			return nil, fmt.Errorf("farm: create shard dir: %w", err)
		}
	}
	return &BlobStore{root: objDir}, nil
}

func (b *BlobStore) path(sum [20]byte) string {
	hex := fmt.Sprintf("%040x", sum)
	return filepath.Join(b.root, hex[:2], hex[2:])
}

// TrimZeroSectors drops a leading and trailing all-zero run from data,
// mirroring sha1_file.c's trim_zero_sectors: sparse VDI regions hash and
// store identically regardless of how much of their zero padding the
// caller happened to read.
func TrimZeroSectors(data []byte) (trimmed []byte, offset int) {
	return types.TrimZeroRun(data)
}

// Hash computes the content-addressing sha1: sha1(offset || length ||
// trimmed-data), exactly as get_sha1 does, so two reads of the same
// logical object that differ only in how much zero padding they include
// hash identically. internal/store.GetHash computes the same digest for
// its peer hash-probe RPC, via the shared types.ContentHash.
func Hash(data []byte) [20]byte {
	return types.ContentHash(data)
}

// Exists reports whether a blob for sum is already stored.
func (b *BlobStore) Exists(sum [20]byte) bool {
	_, err := os.Stat(b.path(sum))
	return err == nil
}

// Put writes data's trimmed content under its content hash, creating the
// file only if absent, and increments its reference count — sha1_buffer_write
// + get_sha1_file combined into one call, since every Put site in this
// package already knows it is adding one more reference.
func (b *BlobStore) Put(data []byte) ([20]byte, error) {
	sum := Hash(data)
	path := b.path(sum)
	trimmed, _ := TrimZeroSectors(data)

	if !b.Exists(sum) {
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, trimmed, 0o644); err != nil {
			return sum, fmt.Errorf("farm: write blob: %w", err)
		}
		if err := os.Rename(tmp, path); err != nil {
			os.Remove(tmp)
			return sum, fmt.Errorf("farm: publish blob: %w", err)
		}
	}
	if err := b.incRef(path); err != nil {
		return sum, err
	}
	return sum, nil
}

// Ref increments sum's reference count without supplying its content,
// for the case where a caller already knows (via a hash probe) that the
// blob exists and only needs another snapshot to reference it.
func (b *BlobStore) Ref(sum [20]byte) error {
	if !b.Exists(sum) {
		return ErrBlobNotFound
	}
	return b.incRef(b.path(sum))
}

// Get reads back a blob's content by its hash.
func (b *BlobStore) Get(sum [20]byte) ([]byte, error) {
	data, err := os.ReadFile(b.path(sum))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("farm: read blob: %w", err)
	}
	return data, nil
}

// Release drops one reference, deleting the blob once its count reaches
// zero (sha1_file_try_delete / put_sha1_file).
func (b *BlobStore) Release(sum [20]byte) error {
	path := b.path(sum)
	count, err := b.refCount(path)
	if err != nil {
		return err
	}
	count--
	if count == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("farm: remove blob: %w", err)
		}
		return nil
	}
	return b.setRefCount(path, count)
}

func (b *BlobStore) incRef(path string) error {
	count, err := b.refCount(path)
	if err != nil {
		if !errors.Is(err, xattr.ENOATTR) {
			return err
		}
		count = 0
	}
	return b.setRefCount(path, count+1)
}

func (b *BlobStore) refCount(path string) (uint32, error) {
	data, err := xattr.Get(path, refcountAttr)
	if err != nil {
		return 0, err
	}
	if len(data) != 4 {
		return 0, fmt.Errorf("farm: malformed refcount attr on %s", path)
	}
	return binary.BigEndian.Uint32(data), nil
}

func (b *BlobStore) setRefCount(path string, count uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], count)
	if err := xattr.Set(path, refcountAttr, buf[:]); err != nil {
		return fmt.Errorf("farm: set refcount: %w", err)
	}
	return nil
}
