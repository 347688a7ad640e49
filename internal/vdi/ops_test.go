package vdi_test

import (
	"context"
	"testing"

	"github.com/cuemby/herd/internal/clusterop"
	"github.com/cuemby/herd/internal/router"
	"github.com/cuemby/herd/internal/types"
	"github.com/cuemby/herd/internal/vdi"
	"github.com/stretchr/testify/require"
)

type loopbackDriver struct {
	handler func(sender types.Node, payload []byte)
}

func (d *loopbackDriver) Notify(_ context.Context, payload []byte) error {
	d.handler(types.Node{}, payload)
	return nil
}

// fakeGateway stands in for *gateway.Gateway: Write records what it was
// asked to persist instead of fanning out over the network, and Read
// serves it back.
type fakeGateway struct {
	writes []router.Request
	stored map[types.Oid][]byte
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{stored: make(map[types.Oid][]byte)}
}

func (g *fakeGateway) Write(ctx context.Context, req router.Request) (router.Response, error) {
	g.writes = append(g.writes, req)
	g.stored[req.Header.Oid] = req.Data
	return router.Response{Result: types.Success, Copies: req.Header.Copies}, nil
}

func (g *fakeGateway) Read(ctx context.Context, req router.Request) (router.Response, error) {
	data, ok := g.stored[req.Header.Oid]
	if !ok {
		return router.Response{Result: types.ResNoObj}, nil
	}
	return router.Response{Result: types.Success, Data: data}, nil
}

func TestRegisterWiresNewVdiThroughRouterAndApplier(t *testing.T) {
	m := newManager(t)
	driver := &loopbackDriver{}
	applier := clusterop.New(driver)
	driver.handler = applier.NotifyHandler

	r := router.New(func() bool { return true }, applier)
	vdi.Register(r, applier, m)

	body, err := vdi.EncodeCreateRequest(vdi.CreateParams{Name: "disk0", Size: 4096, Copies: 3})
	require.NoError(t, err)

	resp, err := r.Dispatch(context.Background(), router.Request{
		Header: types.RequestHeader{Opcode: types.OpNewVdi},
		Data:   body,
	})
	require.NoError(t, err)
	require.Equal(t, types.Success, resp.Result)

	vid, err := vdi.DecodeVidResponse(resp.Data)
	require.NoError(t, err)
	require.NotZero(t, vid)

	got, err := m.Lookup(context.Background(), "disk0", "")
	require.NoError(t, err)
	require.Equal(t, vid, got)
}

func TestNewVdiRejectsZeroSize(t *testing.T) {
	m := newManager(t)
	driver := &loopbackDriver{}
	applier := clusterop.New(driver)
	driver.handler = applier.NotifyHandler
	r := router.New(func() bool { return true }, applier)
	vdi.Register(r, applier, m)

	body, err := vdi.EncodeCreateRequest(vdi.CreateParams{Name: "empty"})
	require.NoError(t, err)

	resp, err := r.Dispatch(context.Background(), router.Request{
		Header: types.RequestHeader{Opcode: types.OpNewVdi},
		Data:   body,
	})
	require.Error(t, err)
	require.Equal(t, types.ResInvalidParms, resp.Result)
}

func TestNewVdiWritesInodeViaGatewayExactlyOnce(t *testing.T) {
	m := newManager(t)
	gw := newFakeGateway()
	m.SetGateway(gw, 3)

	driver := &loopbackDriver{}
	applier := clusterop.New(driver)
	driver.handler = applier.NotifyHandler
	r := router.New(func() bool { return true }, applier)
	vdi.Register(r, applier, m)

	body, err := vdi.EncodeCreateRequest(vdi.CreateParams{Name: "disk0", Size: 4096, Copies: 3})
	require.NoError(t, err)

	resp, err := r.Dispatch(context.Background(), router.Request{
		Header: types.RequestHeader{Opcode: types.OpNewVdi},
		Data:   body,
	})
	require.NoError(t, err)
	require.Equal(t, types.Success, resp.Result)
	require.Len(t, gw.writes, 1)
	require.Equal(t, uint8(3), gw.writes[0].Header.Copies)

	vid, err := vdi.DecodeVidResponse(resp.Data)
	require.NoError(t, err)
	inode, err := m.ReadInode(context.Background(), vid)
	require.NoError(t, err)
	require.Equal(t, "disk0", inode.Name)
}

func TestHandleNewVdiProcessMainNeverTouchesGateway(t *testing.T) {
	m := newManager(t)
	gw := newFakeGateway()
	m.SetGateway(gw, 3)

	body, err := vdi.EncodeCreateRequest(vdi.CreateParams{Name: "disk0", Size: 4096, Copies: 3})
	require.NoError(t, err)

	// Simulate process_main running on a follower node: the Executor
	// itself must allocate/register without ever writing the inode.
	resp, err := m.HandleNewVdi(context.Background(), router.Request{Data: body})
	require.NoError(t, err)
	require.Equal(t, types.Success, resp.Result)
	require.Empty(t, gw.writes)
}

func TestGetVdiInfoResolvesExistingName(t *testing.T) {
	m := newManager(t)
	driver := &loopbackDriver{}
	applier := clusterop.New(driver)
	driver.handler = applier.NotifyHandler
	r := router.New(func() bool { return true }, applier)
	vdi.Register(r, applier, m)

	createBody, _ := vdi.EncodeCreateRequest(vdi.CreateParams{Name: "disk1", Size: 1024, Copies: 1})
	createResp, err := r.Dispatch(context.Background(), router.Request{
		Header: types.RequestHeader{Opcode: types.OpNewVdi},
		Data:   createBody,
	})
	require.NoError(t, err)
	wantVid, _ := vdi.DecodeVidResponse(createResp.Data)

	infoBody, _ := vdi.EncodeCreateRequest(vdi.CreateParams{Name: "disk1"})
	infoResp, err := r.Dispatch(context.Background(), router.Request{
		Header: types.RequestHeader{Opcode: types.OpGetVdiInfo},
		Data:   infoBody,
	})
	require.NoError(t, err)
	require.Equal(t, types.Success, infoResp.Result)
	gotVid, _ := vdi.DecodeVidResponse(infoResp.Data)
	require.Equal(t, wantVid, gotVid)
}
