package vdi

import (
	"encoding/binary"
	"fmt"
)

// Fixed-width inode encoding: name and tag are stored in 256-byte
// null-padded fields (spec.md 3 "Vdi" name length bound), followed by the
// fixed numeric fields. This mirrors internal/wire's explicit byte-offset
// style rather than reflection-based encoding.
const (
	maxNameLen       = 256
	maxTagLen        = 256
	inodeEncodedSize = maxNameLen + maxTagLen + 8 + 1 + 4 + 4 + 4 + 8
)

func encodeInode(inode Inode) ([]byte, error) {
	if len(inode.Name) > maxNameLen || len(inode.Tag) > maxTagLen {
		return nil, fmt.Errorf("vdi: name/tag exceeds %d bytes", maxNameLen)
	}

	buf := make([]byte, inodeEncodedSize)
	off := 0
	copy(buf[off:off+maxNameLen], inode.Name)
	off += maxNameLen
	copy(buf[off:off+maxTagLen], inode.Tag)
	off += maxTagLen

	binary.BigEndian.PutUint64(buf[off:], inode.Size)
	off += 8
	buf[off] = inode.Copies
	off++
	binary.BigEndian.PutUint32(buf[off:], inode.BaseVid)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], inode.SnapID)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], inode.VID)
	off += 4
	binary.BigEndian.PutUint64(buf[off:], uint64(inode.CreatedAt))

	return buf, nil
}

func decodeInode(data []byte) (Inode, error) {
	if len(data) < inodeEncodedSize {
		return Inode{}, fmt.Errorf("vdi: inode data too short: %d bytes", len(data))
	}

	off := 0
	name := trimNull(data[off : off+maxNameLen])
	off += maxNameLen
	tag := trimNull(data[off : off+maxTagLen])
	off += maxTagLen

	size := binary.BigEndian.Uint64(data[off:])
	off += 8
	copies := data[off]
	off++
	baseVid := binary.BigEndian.Uint32(data[off:])
	off += 4
	snapID := binary.BigEndian.Uint32(data[off:])
	off += 4
	vid := binary.BigEndian.Uint32(data[off:])
	off += 4
	createdAt := binary.BigEndian.Uint64(data[off:])

	return Inode{
		Name:      name,
		Tag:       tag,
		Size:      size,
		Copies:    copies,
		BaseVid:   baseVid,
		SnapID:    snapID,
		VID:       vid,
		CreatedAt: int64(createdAt),
	}, nil
}

func trimNull(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
