package types

import (
	"crypto/sha1"
	"encoding/binary"
)

// TrimZeroRun drops a leading and trailing all-zero run from data and
// reports the offset of the first retained byte within data. Shared by
// the farm archive's content hashing (spec.md 4.D) and the live object
// read path's zero-run trimming (spec.md 4.F): both need the same
// notion of "the non-zero middle of a sparse object".
func TrimZeroRun(data []byte) (trimmed []byte, offset int) {
	start := 0
	for start < len(data) && data[start] == 0 {
		start++
	}
	if start == len(data) {
		return nil, 0
	}
	end := len(data)
	for end > start && data[end-1] == 0 {
		end--
	}
	return data[start:end], start
}

// ContentHash computes sha1(offset || length || trimmed-data) over
// data's zero-trimmed middle (get_sha1's algorithm): two reads of the
// same logical object that differ only in how much zero padding they
// include hash identically. internal/farm's archive keys and
// internal/store's peer hash-probe RPC both use this digest so the
// latter can stand in for the former without transferring the object.
func ContentHash(data []byte) [20]byte {
	trimmed, offset := TrimZeroRun(data)
	h := sha1.New()
	var hdr [12]byte
	binary.LittleEndian.PutUint64(hdr[0:8], uint64(offset))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(trimmed)))
	h.Write(hdr[:])
	h.Write(trimmed)
	var sum [20]byte
	copy(sum[:], h.Sum(nil))
	return sum
}
