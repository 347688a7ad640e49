package gateway_test

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/cuemby/herd/internal/epoch"
	"github.com/cuemby/herd/internal/gateway"
	"github.com/cuemby/herd/internal/router"
	"github.com/cuemby/herd/internal/types"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	mu      sync.Mutex
	calls   []string
	failFor map[string]bool

	// trimmed/trimOffset, when set, make Send reply as a peer would after
	// stripping a leading all-zero run, instead of the plain "ok" reply.
	trimmed    []byte
	trimOffset uint32
}

func newFakeClient() *fakeClient { return &fakeClient{failFor: map[string]bool{}} }

func (f *fakeClient) Send(ctx context.Context, target types.Node, req router.Request) (router.Response, error) {
	key := fmt.Sprintf("%v", target.Addr)
	f.mu.Lock()
	f.calls = append(f.calls, key)
	fail := f.failFor[key]
	f.mu.Unlock()
	if fail {
		return router.Response{}, fmt.Errorf("simulated failure for %s", key)
	}
	if f.trimmed != nil {
		return router.Response{
			Result:     types.Success,
			Data:       f.trimmed,
			TrimOffset: f.trimOffset,
			TrimLength: uint32(len(f.trimmed)),
		}, nil
	}
	return router.Response{Result: types.Success, Data: []byte("ok")}, nil
}

func mkNode(ip string) types.Node {
	return types.Node{Addr: net.ParseIP(ip), Port: 7000}
}

func threeNodeMgr(t *testing.T) *epoch.Manager {
	mgr := epoch.NewManager()
	view := epoch.NewView([]epoch.Member{
		{Node: mkNode("10.0.0.1")},
		{Node: mkNode("10.0.0.2")},
		{Node: mkNode("10.0.0.3")},
	})
	mgr.Publish(view)
	return mgr
}

func TestGatewayWriteFansOutToAllReplicas(t *testing.T) {
	client := newFakeClient()
	g := gateway.New(threeNodeMgr(t), client, mkNode("10.0.0.1"))

	req := router.Request{Header: types.RequestHeader{
		Opcode: types.OpCreateAndWriteObj,
		Oid:    types.NewDataOid(1, 0),
		Copies: 3,
	}}
	resp, err := g.Write(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, types.Success, resp.Result)
	require.Len(t, client.calls, 3)
}

func TestGatewayWriteFailsIfAnyReplicaFails(t *testing.T) {
	client := newFakeClient()
	client.failFor["10.0.0.2"] = true
	g := gateway.New(threeNodeMgr(t), client, mkNode("10.0.0.1"))

	req := router.Request{Header: types.RequestHeader{
		Opcode: types.OpWriteObj,
		Oid:    types.NewDataOid(1, 0),
		Copies: 3,
	}}
	resp, err := g.Write(context.Background(), req)
	require.Error(t, err)
	require.Equal(t, types.ResEIO, resp.Result)
}

func TestGatewayReadFailsOverToNextReplica(t *testing.T) {
	client := newFakeClient()

	req := router.Request{Header: types.RequestHeader{
		Opcode:     types.OpReadObj,
		Oid:        types.NewDataOid(1, 0),
		Copies:     3,
		DataLength: 2,
	}}

	mgr := threeNodeMgr(t)
	h := mgr.Acquire()
	targets := h.View().Place(req.Header.Oid, 3)
	h.Release()
	require.Len(t, targets, 3)
	client.failFor[fmt.Sprintf("%v", targets[0].Addr)] = true

	g := gateway.New(mgr, client, mkNode("10.0.0.1"))
	resp, err := g.Read(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, types.Success, resp.Result)
	require.Equal(t, "ok", string(resp.Data))
	require.Equal(t, uint8(2), resp.Copies)
}

func TestGatewayReadExpandsZeroTrimmedReply(t *testing.T) {
	client := newFakeClient()
	client.trimmed = []byte("payload")
	client.trimOffset = 1 << 20 // 1 MiB

	g := gateway.New(threeNodeMgr(t), client, mkNode("10.0.0.1"))
	req := router.Request{Header: types.RequestHeader{
		Opcode:     types.OpReadObj,
		Oid:        types.NewDataOid(1, 0),
		Copies:     3,
		DataLength: 4 << 20, // 4 MiB
	}}

	resp, err := g.Read(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, types.Success, resp.Result)
	require.Len(t, resp.Data, 4<<20)
	require.Equal(t, make([]byte, 1<<20), resp.Data[:1<<20])
	require.Equal(t, "payload", string(resp.Data[1<<20:1<<20+7]))
	require.Equal(t, make([]byte, (4<<20)-(1<<20)-7), resp.Data[1<<20+7:])
}

func TestGatewayUnsupportedOpcodeReturnsNoSupport(t *testing.T) {
	client := newFakeClient()
	g := gateway.New(threeNodeMgr(t), client, mkNode("10.0.0.1"))

	req := router.Request{Header: types.RequestHeader{Opcode: types.OpNewVdi, Oid: types.NewDataOid(1, 0), Copies: 3}}
	_, err := g.Write(context.Background(), req)
	require.Error(t, err)
}
