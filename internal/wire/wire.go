// Package wire implements the fixed-size request/response header framing
// described in spec.md 6. Every RPC on the data plane (gateway -> peer) and
// every client request encodes this way: a fixed header, followed by
// data_length bytes of body when CmdWrite is set (request) or
// DataLength bytes of payload (response).
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cuemby/herd/internal/types"
)

const (
	requestHeaderSize  = 1 + 4 + 4 + 4 + 8 + 8 + 1 + 8 + 4 + 4 + 1 + 3 // 50 bytes, the last 3 unused padding
	responseHeaderSize = 1 + 4 + 4 + 4 + 8 + 4 + 1 + 3
)

// WriteRequest writes the fixed header and, if present, the body.
func WriteRequest(w io.Writer, hdr types.RequestHeader, body []byte) error {
	buf := make([]byte, requestHeaderSize)
	buf[0] = byte(hdr.Opcode)
	binary.BigEndian.PutUint32(buf[1:5], uint32(hdr.Flags))
	binary.BigEndian.PutUint32(buf[5:9], hdr.Epoch)
	binary.BigEndian.PutUint32(buf[9:13], hdr.DataLength)
	binary.BigEndian.PutUint64(buf[13:21], uint64(hdr.Oid))
	binary.BigEndian.PutUint64(buf[21:29], hdr.Offset)
	buf[29] = hdr.Copies
	binary.BigEndian.PutUint64(buf[30:38], uint64(hdr.CowOid))
	binary.BigEndian.PutUint32(buf[38:42], hdr.VdiID)
	binary.BigEndian.PutUint32(buf[42:46], hdr.SnapID)
	buf[46] = hdr.VdiState

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("wire: write request header: %w", err)
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return fmt.Errorf("wire: write request body: %w", err)
		}
	}
	return nil
}

// ReadRequest reads the fixed header, then the body if Flags has CmdWrite
// set or DataLength is otherwise non-zero for this opcode.
func ReadRequest(r io.Reader) (types.RequestHeader, []byte, error) {
	var hdr types.RequestHeader
	buf := make([]byte, requestHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return hdr, nil, fmt.Errorf("wire: read request header: %w", err)
	}
	hdr.Opcode = types.Opcode(buf[0])
	hdr.Flags = types.CommandFlag(binary.BigEndian.Uint32(buf[1:5]))
	hdr.Epoch = binary.BigEndian.Uint32(buf[5:9])
	hdr.DataLength = binary.BigEndian.Uint32(buf[9:13])
	hdr.Oid = types.Oid(binary.BigEndian.Uint64(buf[13:21]))
	hdr.Offset = binary.BigEndian.Uint64(buf[21:29])
	hdr.Copies = buf[29]
	hdr.CowOid = types.Oid(binary.BigEndian.Uint64(buf[30:38]))
	hdr.VdiID = binary.BigEndian.Uint32(buf[38:42])
	hdr.SnapID = binary.BigEndian.Uint32(buf[42:46])
	hdr.VdiState = buf[46]

	var body []byte
	if hdr.DataLength > 0 {
		body = make([]byte, hdr.DataLength)
		if _, err := io.ReadFull(r, body); err != nil {
			return hdr, nil, fmt.Errorf("wire: read request body: %w", err)
		}
	}
	return hdr, body, nil
}

// WriteResponse writes the fixed response header and, if present, the payload.
func WriteResponse(w io.Writer, hdr types.ResponseHeader, payload []byte) error {
	buf := make([]byte, responseHeaderSize)
	buf[0] = byte(hdr.Opcode)
	binary.BigEndian.PutUint32(buf[1:5], uint32(hdr.Result))
	binary.BigEndian.PutUint32(buf[5:9], hdr.Epoch)
	binary.BigEndian.PutUint32(buf[9:13], hdr.DataLength)
	binary.BigEndian.PutUint64(buf[13:21], hdr.TrimOffset)
	binary.BigEndian.PutUint32(buf[21:25], hdr.TrimLength)
	buf[25] = hdr.Copies

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("wire: write response header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("wire: write response payload: %w", err)
		}
	}
	return nil
}

// ReadResponse reads the fixed response header and its payload.
func ReadResponse(r io.Reader) (types.ResponseHeader, []byte, error) {
	var hdr types.ResponseHeader
	buf := make([]byte, responseHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return hdr, nil, fmt.Errorf("wire: read response header: %w", err)
	}
	hdr.Opcode = types.Opcode(buf[0])
	hdr.Result = types.Result(binary.BigEndian.Uint32(buf[1:5]))
	hdr.Epoch = binary.BigEndian.Uint32(buf[5:9])
	hdr.DataLength = binary.BigEndian.Uint32(buf[9:13])
	hdr.TrimOffset = binary.BigEndian.Uint64(buf[13:21])
	hdr.TrimLength = binary.BigEndian.Uint32(buf[21:25])
	hdr.Copies = buf[25]

	var payload []byte
	if hdr.DataLength > 0 {
		payload = make([]byte, hdr.DataLength)
		if _, err := io.ReadFull(r, payload); err != nil {
			return hdr, nil, fmt.Errorf("wire: read response payload: %w", err)
		}
	}
	return hdr, payload, nil
}
