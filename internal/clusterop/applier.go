// Package clusterop bridges router.ClusterApplier to a membership
// driver's ordered NOTIFY broadcast, giving CLUSTER-type ops the dispatch
// rule spec.md 4.E describes: the originator submits once, and
// process_main — here, the registered Executor — runs exactly once per
// node, in the driver's total order, including on the originator itself
// (spec.md 8 property 7).
package clusterop

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cuemby/herd/internal/router"
	"github.com/cuemby/herd/internal/types"
	"github.com/cuemby/herd/internal/wire"
	"github.com/cuemby/herd/pkg/log"
)

// Broadcaster is the slice of cluster.Driver this package depends on —
// kept narrow so tests don't need a full membership driver.
type Broadcaster interface {
	Notify(ctx context.Context, payload []byte) error
}

// Executor runs one cluster op's process_main phase against local state.
type Executor func(ctx context.Context, req router.Request) (router.Response, error)

type pendingResult struct {
	resp router.Response
	err  error
}

// Applier implements router.ClusterApplier by round-tripping every
// request through the driver's NOTIFY broadcast.
type Applier struct {
	driver Broadcaster

	mu        sync.RWMutex
	executors map[types.Opcode]Executor

	seq     atomic.Uint64
	pending sync.Map // uint64 -> chan pendingResult
}

// New builds an Applier that broadcasts through driver.
func New(driver Broadcaster) *Applier {
	return &Applier{driver: driver, executors: make(map[types.Opcode]Executor)}
}

// Register binds an Executor to opcode's process_main phase.
func (a *Applier) Register(opcode types.Opcode, exec Executor) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.executors[opcode] = exec
}

// Apply submits req for total-order execution and blocks for this node's
// own delivery of it, returning the Executor's result.
func (a *Applier) Apply(ctx context.Context, opcode types.Opcode, req router.Request) (router.Response, error) {
	id := a.seq.Add(1)
	payload, err := encode(id, opcode, req)
	if err != nil {
		return router.Response{Result: types.ResSystemError}, err
	}

	ch := make(chan pendingResult, 1)
	a.pending.Store(id, ch)
	defer a.pending.Delete(id)

	if err := a.driver.Notify(ctx, payload); err != nil {
		return router.Response{Result: types.ResNetworkError}, fmt.Errorf("clusterop: notify: %w", err)
	}

	select {
	case r := <-ch:
		return r.resp, r.err
	case <-ctx.Done():
		return router.Response{Result: types.ResSystemError}, ctx.Err()
	}
}

// NotifyHandler is registered as cluster.Upcalls.NotifyHandler: it decodes
// the op this NOTIFY carries and runs its Executor — on every node,
// including the one that called Apply, in the driver's delivery order.
func (a *Applier) NotifyHandler(sender types.Node, payload []byte) {
	id, opcode, req, err := decode(payload)
	if err != nil {
		log.WithComponent("clusterop").Error().Err(err).Msg("malformed cluster op payload")
		return
	}

	a.mu.RLock()
	exec, ok := a.executors[opcode]
	a.mu.RUnlock()

	var resp router.Response
	if !ok {
		resp, err = router.Response{Result: types.ResNoSupport}, fmt.Errorf("clusterop: no executor for opcode %v", opcode)
	} else {
		resp, err = exec(context.Background(), req)
	}

	if ch, ok := a.pending.Load(id); ok {
		ch.(chan pendingResult) <- pendingResult{resp: resp, err: err}
	}
}

// encode packs (id, opcode, request) into one NOTIFY payload: an 8-byte
// big-endian id followed by the request wire-encoded exactly as
// internal/wire frames it for the data plane, reusing that codec rather
// than inventing a second one.
func encode(id uint64, opcode types.Opcode, req router.Request) ([]byte, error) {
	var buf bytes.Buffer
	idBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(idBuf, id)
	buf.Write(idBuf)

	hdr := req.Header
	hdr.Opcode = opcode
	hdr.DataLength = uint32(len(req.Data))
	if err := wire.WriteRequest(&buf, hdr, req.Data); err != nil {
		return nil, fmt.Errorf("clusterop: encode: %w", err)
	}
	return buf.Bytes(), nil
}

func decode(payload []byte) (uint64, types.Opcode, router.Request, error) {
	if len(payload) < 8 {
		return 0, 0, router.Request{}, fmt.Errorf("clusterop: payload too short")
	}
	id := binary.BigEndian.Uint64(payload[:8])
	hdr, body, err := wire.ReadRequest(bytes.NewReader(payload[8:]))
	if err != nil {
		return 0, 0, router.Request{}, fmt.Errorf("clusterop: decode: %w", err)
	}
	return id, hdr.Opcode, router.Request{Header: hdr, Data: body}, nil
}
