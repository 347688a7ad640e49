package router_test

import (
	"context"
	"testing"

	"github.com/cuemby/herd/internal/router"
	"github.com/cuemby/herd/internal/types"
	"github.com/stretchr/testify/require"
)

type fakeApplier struct {
	called bool
	resp   router.Response
}

func (f *fakeApplier) Apply(ctx context.Context, op types.Opcode, req router.Request) (router.Response, error) {
	f.called = true
	return f.resp, nil
}

func TestDispatchUnknownOpcodeReturnsNoSupport(t *testing.T) {
	r := router.New(func() bool { return true }, nil)
	resp, err := r.Dispatch(context.Background(), router.Request{Header: types.RequestHeader{Opcode: types.OpReadObj}})
	require.NoError(t, err)
	require.Equal(t, types.ResNoSupport, resp.Result)
}

func TestDispatchGatesNonForceOpsWhenNotReady(t *testing.T) {
	r := router.New(func() bool { return false }, nil)
	r.Register(types.OpReadObj, &router.Op{
		Name: "read_obj",
		Type: types.TypeLocal,
		Handler: func(ctx context.Context, req router.Request) (router.Response, error) {
			return router.Response{Result: types.Success}, nil
		},
	})

	resp, err := r.Dispatch(context.Background(), router.Request{Header: types.RequestHeader{Opcode: types.OpReadObj}})
	require.NoError(t, err)
	require.Equal(t, types.ResWaitForJoin, resp.Result)
}

func TestDispatchForceOpBypassesGate(t *testing.T) {
	r := router.New(func() bool { return false }, nil)
	r.Register(types.OpShutdown, &router.Op{
		Name:  "shutdown",
		Type:  types.TypeLocal,
		Force: true,
		Handler: func(ctx context.Context, req router.Request) (router.Response, error) {
			return router.Response{Result: types.Success}, nil
		},
	})

	resp, err := r.Dispatch(context.Background(), router.Request{Header: types.RequestHeader{Opcode: types.OpShutdown}})
	require.NoError(t, err)
	require.Equal(t, types.Success, resp.Result)
}

func TestDispatchClusterOpGoesThroughApplier(t *testing.T) {
	applier := &fakeApplier{resp: router.Response{Result: types.Success}}
	r := router.New(func() bool { return true }, applier)
	r.Register(types.OpNewVdi, &router.Op{Name: "new_vdi", Type: types.TypeCluster})

	resp, err := r.Dispatch(context.Background(), router.Request{Header: types.RequestHeader{Opcode: types.OpNewVdi}})
	require.NoError(t, err)
	require.True(t, applier.called)
	require.Equal(t, types.Success, resp.Result)
}

func TestRegisterDuplicateOpcodePanics(t *testing.T) {
	r := router.New(nil, nil)
	r.Register(types.OpReadObj, &router.Op{Name: "a", Type: types.TypeLocal})
	require.Panics(t, func() {
		r.Register(types.OpReadObj, &router.Op{Name: "b", Type: types.TypeLocal})
	})
}
