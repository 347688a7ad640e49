package peer_test

import (
	"context"
	"testing"

	"github.com/cuemby/herd/internal/peer"
	"github.com/cuemby/herd/internal/router"
	"github.com/cuemby/herd/internal/store"
	"github.com/cuemby/herd/internal/types"
	"github.com/stretchr/testify/require"
)

func newHandlers(t *testing.T) *peer.Handlers {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	return &peer.Handlers{Store: s}
}

func TestCreateAndWriteThenReadRoundTrips(t *testing.T) {
	h := newHandlers(t)
	ctx := context.Background()
	oid := types.NewDataOid(1, 0)

	resp, err := h.CreateAndWrite(ctx, router.Request{
		Header: types.RequestHeader{Oid: oid, DataLength: 5},
		Data:   []byte("hello"),
	})
	require.NoError(t, err)
	require.Equal(t, types.Success, resp.Result)

	resp, err = h.Read(ctx, router.Request{
		Header: types.RequestHeader{Oid: oid, Offset: 0, DataLength: 5},
	})
	require.NoError(t, err)
	require.Equal(t, types.Success, resp.Result)
	require.Equal(t, []byte("hello"), resp.Data)
}

func TestWriteToMissingObjectReturnsNoObj(t *testing.T) {
	h := newHandlers(t)
	resp, err := h.Write(context.Background(), router.Request{
		Header: types.RequestHeader{Oid: types.NewDataOid(1, 0)},
		Data:   []byte("x"),
	})
	require.NoError(t, err)
	require.Equal(t, types.ResNoObj, resp.Result)
}

func TestReadMissingObjectReturnsNoObj(t *testing.T) {
	h := newHandlers(t)
	resp, err := h.Read(context.Background(), router.Request{
		Header: types.RequestHeader{Oid: types.NewDataOid(1, 0), DataLength: 4},
	})
	require.NoError(t, err)
	require.Equal(t, types.ResNoObj, resp.Result)
}

func TestRemoveThenReadReturnsNoObj(t *testing.T) {
	h := newHandlers(t)
	ctx := context.Background()
	oid := types.NewDataOid(1, 0)

	_, err := h.CreateAndWrite(ctx, router.Request{
		Header: types.RequestHeader{Oid: oid, DataLength: 3},
		Data:   []byte("abc"),
	})
	require.NoError(t, err)

	resp, err := h.Remove(ctx, router.Request{Header: types.RequestHeader{Oid: oid}})
	require.NoError(t, err)
	require.Equal(t, types.Success, resp.Result)

	resp, err = h.Read(ctx, router.Request{Header: types.RequestHeader{Oid: oid, DataLength: 3}})
	require.NoError(t, err)
	require.Equal(t, types.ResNoObj, resp.Result)
}

func TestReadReportsTrimOffsetForZeroPaddedData(t *testing.T) {
	h := newHandlers(t)
	ctx := context.Background()
	oid := types.NewDataOid(1, 0)

	padded := make([]byte, 16)
	copy(padded[10:], []byte("xyz"))
	_, err := h.CreateAndWrite(ctx, router.Request{
		Header: types.RequestHeader{Oid: oid, DataLength: uint32(len(padded))},
		Data:   padded,
	})
	require.NoError(t, err)

	resp, err := h.Read(ctx, router.Request{
		Header: types.RequestHeader{Oid: oid, DataLength: uint32(len(padded))},
	})
	require.NoError(t, err)
	require.Equal(t, types.Success, resp.Result)
	require.Equal(t, uint32(10), resp.TrimOffset)
	require.Equal(t, []byte("xyz"), resp.Data)
	require.Equal(t, uint32(len(resp.Data)), resp.TrimLength)
}

func TestGetHashIsStableForSameContent(t *testing.T) {
	h := newHandlers(t)
	ctx := context.Background()
	oidA := types.NewDataOid(1, 0)
	oidB := types.NewDataOid(2, 0)

	for _, oid := range []types.Oid{oidA, oidB} {
		_, err := h.CreateAndWrite(ctx, router.Request{
			Header: types.RequestHeader{Oid: oid, DataLength: 9},
			Data:   []byte("identical"),
		})
		require.NoError(t, err)
	}

	respA, err := h.GetHash(ctx, router.Request{Header: types.RequestHeader{Oid: oidA}})
	require.NoError(t, err)
	respB, err := h.GetHash(ctx, router.Request{Header: types.RequestHeader{Oid: oidB}})
	require.NoError(t, err)
	require.Equal(t, respA.Data, respB.Data)
}

func TestRegisterWiresAllPeerOpcodes(t *testing.T) {
	h := newHandlers(t)
	r := router.New(func() bool { return true }, nil)
	peer.Register(r, h)

	for _, opcode := range []types.Opcode{
		types.OpCreateAndWritePeer,
		types.OpWritePeer,
		types.OpReadPeer,
		types.OpRemovePeer,
		types.OpGetObjHash,
	} {
		resp, err := r.Dispatch(context.Background(), router.Request{
			Header: types.RequestHeader{Opcode: opcode, Oid: types.NewDataOid(9, 0), DataLength: 1},
			Data:   []byte("x"),
		})
		require.NoError(t, err)
		require.NotEqual(t, types.ResNoSupport, resp.Result)
	}
}
