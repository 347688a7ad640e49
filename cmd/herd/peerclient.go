package main

import (
	"context"
	"fmt"

	"github.com/cuemby/herd/internal/router"
	"github.com/cuemby/herd/internal/sockpool"
	"github.com/cuemby/herd/internal/types"
	"github.com/cuemby/herd/internal/wire"
)

// sockPeerClient implements gateway.PeerClient over the sock-pool: borrow
// a cached connection, frame the request with internal/wire, read the
// response, and release or discard the connection depending on outcome
// (spec.md 4.B "failure semantics").
type sockPeerClient struct {
	pool *sockpool.Pool
}

func newSockPeerClient(pool *sockpool.Pool) *sockPeerClient {
	return &sockPeerClient{pool: pool}
}

func (c *sockPeerClient) Send(ctx context.Context, target types.Node, req router.Request) (router.Response, error) {
	h, err := c.pool.Get(ctx, target)
	if err != nil {
		return router.Response{}, fmt.Errorf("peerclient: get connection to %v: %w", target, err)
	}

	hdr := req.Header
	hdr.DataLength = uint32(len(req.Data))
	if err := wire.WriteRequest(h.Conn, hdr, req.Data); err != nil {
		c.pool.Del(target, h)
		return router.Response{}, fmt.Errorf("peerclient: write request: %w", err)
	}

	respHdr, payload, err := wire.ReadResponse(h.Conn)
	if err != nil {
		c.pool.Del(target, h)
		return router.Response{}, fmt.Errorf("peerclient: read response: %w", err)
	}

	c.pool.Put(target, h)
	return router.Response{
		Result:     respHdr.Result,
		Data:       payload,
		TrimOffset: uint32(respHdr.TrimOffset),
		TrimLength: respHdr.TrimLength,
		Copies:     respHdr.Copies,
	}, nil
}
