// Package peer is the thin PEER-type operation adapter
// (original_source/sheep/sheep_priv.h's struct store_driver, called from
// ops.c's peer_* family): it translates a decoded request directly into
// internal/store calls on the node that actually holds the object,
// without any cluster-ordering or replication concern — that belongs to
// internal/gateway, one layer up.
package peer

import (
	"context"
	"fmt"

	"github.com/cuemby/herd/internal/router"
	"github.com/cuemby/herd/internal/store"
	"github.com/cuemby/herd/internal/types"
)

// Handlers adapts a *store.Store into router.Handler functions for each
// PEER opcode (spec.md 5).
type Handlers struct {
	Store *store.Store
}

func (h *Handlers) CreateAndWrite(ctx context.Context, req router.Request) (router.Response, error) {
	oid := req.Header.Oid
	if err := h.Store.CreateAndWrite(ctx, oid, int64(req.Header.Offset), req.Data); err != nil {
		return router.Response{Result: types.ResEIO}, fmt.Errorf("peer: create_and_write: %w", err)
	}
	return router.Response{Result: types.Success}, nil
}

func (h *Handlers) Write(ctx context.Context, req router.Request) (router.Response, error) {
	oid := req.Header.Oid
	if err := h.Store.Write(ctx, oid, int64(req.Header.Offset), req.Data); err != nil {
		if err == store.ErrNoObj {
			return router.Response{Result: types.ResNoObj}, nil
		}
		return router.Response{Result: types.ResEIO}, fmt.Errorf("peer: write: %w", err)
	}
	return router.Response{Result: types.Success}, nil
}

func (h *Handlers) Read(ctx context.Context, req router.Request) (router.Response, error) {
	oid := req.Header.Oid
	data, trimOffset, err := h.Store.ReadTrimmed(ctx, oid, int64(req.Header.Offset), int(req.Header.DataLength))
	if err != nil {
		if err == store.ErrNoObj {
			return router.Response{Result: types.ResNoObj}, nil
		}
		return router.Response{Result: types.ResEIO}, fmt.Errorf("peer: read: %w", err)
	}
	return router.Response{
		Result:     types.Success,
		Data:       data,
		TrimOffset: uint32(trimOffset),
		TrimLength: uint32(len(data)),
	}, nil
}

func (h *Handlers) Remove(ctx context.Context, req router.Request) (router.Response, error) {
	oid := req.Header.Oid
	if err := h.Store.Remove(ctx, oid); err != nil {
		if err == store.ErrNoObj {
			return router.Response{Result: types.ResNoObj}, nil
		}
		return router.Response{Result: types.ResEIO}, fmt.Errorf("peer: remove: %w", err)
	}
	return router.Response{Result: types.Success}, nil
}

func (h *Handlers) GetHash(ctx context.Context, req router.Request) (router.Response, error) {
	oid := req.Header.Oid
	sum, err := h.Store.GetHash(ctx, oid)
	if err != nil {
		if err == store.ErrNoObj {
			return router.Response{Result: types.ResNoObj}, nil
		}
		return router.Response{Result: types.ResEIO}, fmt.Errorf("peer: get_hash: %w", err)
	}
	return router.Response{Result: types.Success, Data: sum[:]}, nil
}

// Register wires all PEER opcodes into r.
func Register(r *router.Router, h *Handlers) {
	r.Register(types.OpCreateAndWritePeer, &router.Op{Name: "create_and_write_peer", Type: types.TypePeer, Handler: h.CreateAndWrite})
	r.Register(types.OpWritePeer, &router.Op{Name: "write_peer", Type: types.TypePeer, Handler: h.Write})
	r.Register(types.OpReadPeer, &router.Op{Name: "read_peer", Type: types.TypePeer, Handler: h.Read})
	r.Register(types.OpRemovePeer, &router.Op{Name: "remove_peer", Type: types.TypePeer, Handler: h.Remove})
	r.Register(types.OpGetObjHash, &router.Op{Name: "get_obj_hash", Type: types.TypePeer, Handler: h.GetHash})
}
