package farm

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cuemby/herd/internal/types"
)

// TrunkEntry records one archived object: its oid, the replica count it
// was stored with, and the content hash of its data (struct trunk_entry).
type TrunkEntry struct {
	Oid      types.Oid
	Copies   uint8
	Sha1     [20]byte
}

const trunkEntrySize = 8 + 1 + 20

func encodeTrunk(entries []TrunkEntry) []byte {
	buf := make([]byte, len(entries)*trunkEntrySize)
	for i, e := range entries {
		off := i * trunkEntrySize
		binary.BigEndian.PutUint64(buf[off:], uint64(e.Oid))
		buf[off+8] = e.Copies
		copy(buf[off+9:off+trunkEntrySize], e.Sha1[:])
	}
	return buf
}

func decodeTrunk(data []byte) ([]TrunkEntry, error) {
	if len(data)%trunkEntrySize != 0 {
		return nil, fmt.Errorf("farm: malformed trunk data, %d bytes", len(data))
	}
	n := len(data) / trunkEntrySize
	entries := make([]TrunkEntry, n)
	for i := 0; i < n; i++ {
		off := i * trunkEntrySize
		entries[i].Oid = types.Oid(binary.BigEndian.Uint64(data[off:]))
		entries[i].Copies = data[off+8]
		copy(entries[i].Sha1[:], data[off+9:off+trunkEntrySize])
	}
	return entries, nil
}

// SnapLogEntry is one line of the append-only snapshot log: the
// (sequence index, tag) pair pointing at a snap-file's hash
// (original_source/collie/farm/farm.c's struct snap_log via snap_log_read).
type SnapLogEntry struct {
	Idx      uint32
	Tag      string
	SnapSha1 [20]byte
}

const (
	maxTagLen      = 256
	snapLogEntrySize = 4 + maxTagLen + 20
)

func encodeSnapLog(entries []SnapLogEntry) []byte {
	buf := make([]byte, len(entries)*snapLogEntrySize)
	for i, e := range entries {
		off := i * snapLogEntrySize
		binary.BigEndian.PutUint32(buf[off:], e.Idx)
		copy(buf[off+4:off+4+maxTagLen], e.Tag)
		copy(buf[off+4+maxTagLen:off+snapLogEntrySize], e.SnapSha1[:])
	}
	return buf
}

func decodeSnapLog(data []byte) ([]SnapLogEntry, error) {
	if len(data)%snapLogEntrySize != 0 {
		return nil, fmt.Errorf("farm: malformed snap log data, %d bytes", len(data))
	}
	n := len(data) / snapLogEntrySize
	entries := make([]SnapLogEntry, n)
	for i := 0; i < n; i++ {
		off := i * snapLogEntrySize
		entries[i].Idx = binary.BigEndian.Uint32(data[off:])
		entries[i].Tag = trimNullBytes(data[off+4 : off+4+maxTagLen])
		copy(entries[i].SnapSha1[:], data[off+4+maxTagLen:off+snapLogEntrySize])
	}
	return entries, nil
}

func trimNullBytes(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func nowUnix() int64 { return time.Now().Unix() }
