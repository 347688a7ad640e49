// Package gateway is the GATEWAY-type operation layer
// (original_source/sheep/sheep_priv.h struct request + ops.c's gateway_*
// family, spec.md 4.E): it takes a client-facing OBJ opcode, looks up the
// oid's replica set from the current epoch view, and fans the
// translated PEER opcode out to every replica for writes, or tries
// replicas in order until one succeeds for reads.
package gateway

import (
	"context"
	"fmt"

	"github.com/cuemby/herd/internal/epoch"
	"github.com/cuemby/herd/internal/router"
	"github.com/cuemby/herd/internal/types"
	"github.com/cuemby/herd/pkg/log"
	"github.com/cuemby/herd/pkg/metrics"
	"golang.org/x/sync/errgroup"
)

// PeerClient sends a translated PEER request to a specific node and
// returns its response. cmd/herd's sockPeerClient implements this over
// the sock-pool; there is no loopback implementation, so a request
// targeting this node's own store also goes through it.
type PeerClient interface {
	Send(ctx context.Context, target types.Node, req router.Request) (router.Response, error)
}

// Gateway dispatches OBJ-class requests across the replica set an
// epoch.View places an oid on.
type Gateway struct {
	epochMgr *epoch.Manager
	client   PeerClient
	self     types.Node
}

// New builds a Gateway that resolves replica placement from mgr and
// sends translated requests through client.
func New(mgr *epoch.Manager, client PeerClient, self types.Node) *Gateway {
	return &Gateway{epochMgr: mgr, client: client, self: self}
}

func (g *Gateway) replicas(oid types.Oid, n int) []types.Node {
	h := g.epochMgr.Acquire()
	defer h.Release()
	return h.View().Place(oid, n)
}

// Write fans the CreateAndWrite/Write/Remove request out to all n
// replicas in parallel and fails the whole write (returning ResEIO, the
// sheepdog convention) if any replica fails — spec.md 4.E "write
// durability".
func (g *Gateway) Write(ctx context.Context, req router.Request) (router.Response, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.GatewayWriteDuration)

	peerOp, ok := types.GatewayToPeerOpcode(req.Header.Opcode)
	if !ok {
		return router.Response{Result: types.ResNoSupport}, fmt.Errorf("gateway: opcode %v has no peer counterpart", req.Header.Opcode)
	}

	copies := int(req.Header.Copies)
	targets := g.replicas(req.Header.Oid, copies)
	peerReq := req
	peerReq.Header.Opcode = peerOp

	grp, gctx := errgroup.WithContext(ctx)
	for _, target := range targets {
		target := target
		grp.Go(func() error {
			resp, err := g.client.Send(gctx, target, peerReq)
			if err != nil {
				return fmt.Errorf("gateway: write to %v: %w", target, err)
			}
			if resp.Result != types.Success {
				return fmt.Errorf("gateway: write to %v rejected: %s", target, resp.Result)
			}
			return nil
		})
	}

	if err := grp.Wait(); err != nil {
		metrics.GatewayWriteErrorsTotal.Inc()
		log.WithComponent("gateway").Error().Err(err).Uint64("oid", uint64(req.Header.Oid)).Msg("write fan-out failed")
		return router.Response{Result: types.ResEIO}, err
	}
	return router.Response{Result: types.Success, Copies: req.Header.Copies}, nil
}

// Read tries replicas in placement order, failing over to the next one
// on error — spec.md 4.E "read failover".
func (g *Gateway) Read(ctx context.Context, req router.Request) (router.Response, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.GatewayReadDuration)

	peerOp, ok := types.GatewayToPeerOpcode(req.Header.Opcode)
	if !ok {
		return router.Response{Result: types.ResNoSupport}, fmt.Errorf("gateway: opcode %v has no peer counterpart", req.Header.Opcode)
	}

	copies := int(req.Header.Copies)
	targets := g.replicas(req.Header.Oid, copies)
	peerReq := req
	peerReq.Header.Opcode = peerOp

	var lastErr error
	for i, target := range targets {
		if i > 0 {
			metrics.GatewayReadFailoverTotal.Inc()
		}
		resp, err := g.client.Send(ctx, target, peerReq)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Result != types.Success {
			lastErr = fmt.Errorf("gateway: read from %v: %s", target, resp.Result)
			continue
		}
		resp.Data = expandZeroTrim(resp.Data, resp.TrimOffset, int(req.Header.DataLength))
		resp.Copies = uint8(i + 1)
		return resp, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("gateway: no replicas available for oid %s", req.Header.Oid)
	}
	return router.Response{Result: types.ResEIO}, lastErr
}

// expandZeroTrim restores a peer's zero-trimmed reply to the full
// requested length, re-inserting the zero padding the peer stripped
// (spec.md 4.F) — scenario S4's "gateway presents 4 MiB with a zero
// prefix" from a peer reply of offset=1MiB, length=3MiB.
func expandZeroTrim(trimmed []byte, trimOffset uint32, total int) []byte {
	if int(trimOffset)+len(trimmed) == total && trimOffset == 0 {
		return trimmed
	}
	full := make([]byte, total)
	copy(full[trimOffset:], trimmed)
	return full
}

// Register wires all GATEWAY opcodes into r.
func Register(r *router.Router, g *Gateway) {
	r.Register(types.OpCreateAndWriteObj, &router.Op{Name: "create_and_write", Type: types.TypeGateway, Handler: g.Write})
	r.Register(types.OpWriteObj, &router.Op{Name: "write_obj", Type: types.TypeGateway, Handler: g.Write})
	r.Register(types.OpRemoveObj, &router.Op{Name: "remove_obj", Type: types.TypeGateway, Handler: g.Write})
	r.Register(types.OpReadObj, &router.Op{Name: "read_obj", Type: types.TypeGateway, Handler: g.Read})
}
