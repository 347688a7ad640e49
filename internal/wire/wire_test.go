package wire_test

import (
	"bytes"
	"testing"

	"github.com/cuemby/herd/internal/types"
	"github.com/cuemby/herd/internal/wire"
	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	hdr := types.RequestHeader{
		Opcode:     types.OpWriteObj,
		Flags:      types.CmdWrite | types.CmdCreat,
		Epoch:      7,
		DataLength: 4,
		Oid:        types.NewDataOid(1, 2),
		Offset:     4096,
		Copies:     3,
		CowOid:     types.NewDataOid(1, 1),
	}
	body := []byte{0xAB, 0xAB, 0xAB, 0xAB}

	var buf bytes.Buffer
	require.NoError(t, wire.WriteRequest(&buf, hdr, body))

	got, gotBody, err := wire.ReadRequest(&buf)
	require.NoError(t, err)
	require.Equal(t, hdr, got)
	require.Equal(t, body, gotBody)
}

func TestResponseRoundTrip(t *testing.T) {
	hdr := types.ResponseHeader{
		Opcode:     types.OpReadObj,
		Result:     types.Success,
		Epoch:      3,
		DataLength: 3,
		TrimOffset: 1 << 20,
		TrimLength: 3 << 20,
		Copies:     3,
	}
	payload := []byte{0x5A, 0x5A, 0x5A}

	var buf bytes.Buffer
	require.NoError(t, wire.WriteResponse(&buf, hdr, payload))

	got, gotPayload, err := wire.ReadResponse(&buf)
	require.NoError(t, err)
	require.Equal(t, hdr, got)
	require.Equal(t, payload, gotPayload)
}
