// Package router is the sd_op_template-equivalent dispatch table
// (original_source/sheep/ops.c): it maps an opcode to its operation type
// (cluster/local/gateway/peer) and handler pair, and decides whether a
// request may bypass the "cluster not running" gate (spec.md 5 "Force
// ops").
package router

import (
	"context"
	"fmt"

	"github.com/cuemby/herd/internal/types"
	"github.com/cuemby/herd/pkg/metrics"
)

// Request is the decoded unit of work a Handler processes, pairing the
// wire header with its body.
type Request struct {
	Header types.RequestHeader
	Data   []byte
}

// Response is what a Handler produces. Router does not touch the wire
// header; cmd/herd's tcpServer builds the response header from this
// before replying.
type Response struct {
	Result     types.Result
	Data       []byte
	TrimOffset uint32
	TrimLength uint32
	Copies     uint8
}

// Handler executes one request. For LOCAL/GATEWAY/PEER ops it runs
// directly. For SD_OP_TYPE_CLUSTER ops it is optional: when absent,
// Dispatch submits the request straight to the cluster applier
// (process_main only); when present, it owns that submission itself and
// may run a process_work step around it (spec.md 4.C), as
// internal/vdi's NEW_VDI op does to replicate its inode write exactly
// once instead of once per node.
type Handler func(ctx context.Context, req Request) (Response, error)

// Op mirrors struct sd_op_template: a named, typed dispatch table entry.
type Op struct {
	Name    string
	Type    types.OpType
	Force   bool // processed even when the cluster isn't ready (spec.md 5)
	Handler Handler
}

// ClusterApplier submits a cluster op for total-order execution and waits
// for the committed result — the same role Manager.Apply plays for
// orchestration commands, here applied to CLUSTER-type storage ops.
type ClusterApplier interface {
	Apply(ctx context.Context, op types.Opcode, req Request) (Response, error)
}

// Router is the request dispatcher: it looks up the registered Op for an
// incoming opcode, checks the cluster-ready gate, and invokes the
// appropriate handler.
type Router struct {
	ops      map[types.Opcode]*Op
	applier  ClusterApplier
	readyFn  func() bool
}

// New builds a Router. readyFn reports whether the cluster is ready to
// process non-force ops (spec.md 5); applier is used for CLUSTER-type ops.
func New(readyFn func() bool, applier ClusterApplier) *Router {
	return &Router{
		ops:     make(map[types.Opcode]*Op),
		applier: applier,
		readyFn: readyFn,
	}
}

// Register adds an Op to the dispatch table. Panics on duplicate opcode
// registration — a programming error, not a runtime condition.
func (r *Router) Register(opcode types.Opcode, op *Op) {
	if _, exists := r.ops[opcode]; exists {
		panic(fmt.Sprintf("router: opcode %v already registered", opcode))
	}
	r.ops[opcode] = op
}

// Dispatch routes one request to its handler, enforcing the cluster-ready
// gate for non-force ops and recording per-opcode timing.
func (r *Router) Dispatch(ctx context.Context, req Request) (Response, error) {
	op, ok := r.ops[req.Header.Opcode]
	if !ok {
		return Response{Result: types.ResNoSupport}, nil
	}

	if !op.Force && r.readyFn != nil && !r.readyFn() {
		return Response{Result: types.ResWaitForJoin}, nil
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.OpDispatchDuration, opcodeLabel(req.Header.Opcode), typeLabel(op.Type))

	if op.Type == types.TypeCluster {
		if op.Handler != nil {
			return op.Handler(ctx, req)
		}
		if r.applier == nil {
			return Response{Result: types.ResSystemError}, fmt.Errorf("router: no cluster applier configured")
		}
		return r.applier.Apply(ctx, req.Header.Opcode, req)
	}
	return op.Handler(ctx, req)
}

func opcodeLabel(op types.Opcode) string {
	return fmt.Sprintf("%d", op)
}

func typeLabel(t types.OpType) string {
	switch t {
	case types.TypeCluster:
		return "cluster"
	case types.TypeLocal:
		return "local"
	case types.TypeGateway:
		return "gateway"
	case types.TypePeer:
		return "peer"
	default:
		return "unknown"
	}
}
