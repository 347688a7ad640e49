package vdi

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/cuemby/herd/internal/clusterop"
	"github.com/cuemby/herd/internal/router"
	"github.com/cuemby/herd/internal/types"
)

// EncodeCreateRequest packs CreateParams into a NEW_VDI request body: two
// 256-byte null-padded name/tag fields (inode_codec.go's convention)
// followed by size, copies, base_vid and a create-snapshot flag.
func EncodeCreateRequest(p CreateParams) ([]byte, error) {
	if len(p.Name) > maxNameLen || len(p.Tag) > maxTagLen {
		return nil, fmt.Errorf("vdi: name/tag exceeds %d bytes", maxNameLen)
	}
	buf := make([]byte, maxNameLen+maxTagLen+8+1+4+1)
	off := 0
	copy(buf[off:off+maxNameLen], p.Name)
	off += maxNameLen
	copy(buf[off:off+maxTagLen], p.Tag)
	off += maxTagLen
	binary.BigEndian.PutUint64(buf[off:], p.Size)
	off += 8
	buf[off] = p.Copies
	off++
	binary.BigEndian.PutUint32(buf[off:], p.BaseVid)
	off += 4
	if p.CreateSnapshot {
		buf[off] = 1
	}
	return buf, nil
}

func decodeCreateRequest(data []byte) (CreateParams, error) {
	want := maxNameLen + maxTagLen + 8 + 1 + 4 + 1
	if len(data) < want {
		return CreateParams{}, fmt.Errorf("vdi: create request too short: %d bytes", len(data))
	}
	off := 0
	name := trimNull(data[off : off+maxNameLen])
	off += maxNameLen
	tag := trimNull(data[off : off+maxTagLen])
	off += maxTagLen
	size := binary.BigEndian.Uint64(data[off:])
	off += 8
	copies := data[off]
	off++
	baseVid := binary.BigEndian.Uint32(data[off:])
	off += 4
	snapshot := data[off] != 0

	return CreateParams{
		Name: name, Tag: tag, Size: size, Copies: copies,
		BaseVid: baseVid, CreateSnapshot: snapshot,
	}, nil
}

// EncodeVidResponse is the body every NEW_VDI/GET_VDI_INFO response
// carries: the resolved vid.
func EncodeVidResponse(vid uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, vid)
	return buf
}

// DecodeVidResponse is the inverse of EncodeVidResponse.
func DecodeVidResponse(data []byte) (uint32, error) {
	if len(data) < 4 {
		return 0, fmt.Errorf("vdi: vid response too short")
	}
	return binary.BigEndian.Uint32(data), nil
}

// HandleNewVdi is the NEW_VDI cluster op's process_main: allocate a vid
// and register it in the name directory, run once per node in the
// driver's total order (spec.md 4.I). It never writes the inode itself —
// that is dispatchNewVdi's process_work step, run once, not once per
// node.
func (m *Manager) HandleNewVdi(ctx context.Context, req router.Request) (router.Response, error) {
	params, err := decodeCreateRequest(req.Data)
	if err != nil {
		return router.Response{Result: types.ResInvalidParms}, err
	}
	params.CreatedAt = req.Header.Offset // createdAt piggy-backed on the otherwise-unused offset field

	inode, err := m.allocateAndRegister(params)
	if err != nil {
		return router.Response{Result: types.AsResult(err)}, err
	}
	return router.Response{Result: types.Success, Data: EncodeVidResponse(inode.VID)}, nil
}

// dispatchNewVdi wraps the NEW_VDI cluster op with its process_work
// step: it submits the op for total-order execution (committing the vid
// allocation on every node via HandleNewVdi), then — once, on this node
// only, since only the node a client's request lands on ever calls this
// — writes the inode object via the gateway, replicated to its own
// Copies/placement exactly like a regular OBJ write (spec.md 4.I
// "vdi_create ... writes the inode object via the gateway, and on
// success sets the bit"). A failure here leaves the vid committed
// cluster-wide (process_main already ran everywhere) but reports EIO to
// the client; recovery, not rollback, is how sheepdog-derived systems
// handle this case.
func (m *Manager) dispatchNewVdi(applier *clusterop.Applier) router.Handler {
	return func(ctx context.Context, req router.Request) (router.Response, error) {
		resp, err := applier.Apply(ctx, types.OpNewVdi, req)
		if err != nil || resp.Result != types.Success {
			return resp, err
		}

		vid, err := DecodeVidResponse(resp.Data)
		if err != nil {
			return router.Response{Result: types.ResSystemError}, err
		}
		params, err := decodeCreateRequest(req.Data)
		if err != nil {
			return router.Response{Result: types.ResInvalidParms}, err
		}

		inode := Inode{
			Name:      params.Name,
			Tag:       params.Tag,
			Size:      params.Size,
			Copies:    params.Copies,
			BaseVid:   params.BaseVid,
			VID:       vid,
			CreatedAt: req.Header.Offset,
		}
		if err := m.writeInode(ctx, inode); err != nil {
			return router.Response{Result: types.ResEIO}, fmt.Errorf("vdi: process_work write inode: %w", err)
		}
		return resp, nil
	}
}

// HandleGetVdiInfo resolves a name/tag pair to its current vid.
func (m *Manager) HandleGetVdiInfo(ctx context.Context, req router.Request) (router.Response, error) {
	params, err := decodeCreateRequest(req.Data)
	if err != nil {
		return router.Response{Result: types.ResInvalidParms}, err
	}
	vid, err := m.Lookup(ctx, params.Name, params.Tag)
	if err != nil {
		return router.Response{Result: types.AsResult(err)}, err
	}
	return router.Response{Result: types.Success, Data: EncodeVidResponse(vid)}, nil
}

// Register wires NEW_VDI/GET_VDI_INFO into both the router's dispatch
// table (as CLUSTER-type, so Router.Dispatch hands them to applier) and
// the applier's executor map (the process_main phase that actually
// runs). NEW_VDI additionally gets a router Handler — dispatchNewVdi —
// for its process_work follow-up; GET_VDI_INFO has no process_work step
// so it keeps Router.Dispatch's default direct-to-applier behavior.
func Register(r *router.Router, applier *clusterop.Applier, m *Manager) {
	applier.Register(types.OpNewVdi, m.HandleNewVdi)
	applier.Register(types.OpGetVdiInfo, m.HandleGetVdiInfo)
	r.Register(types.OpNewVdi, &router.Op{Name: "new_vdi", Type: types.TypeCluster, Handler: m.dispatchNewVdi(applier)})
	r.Register(types.OpGetVdiInfo, &router.Op{Name: "get_vdi_info", Type: types.TypeCluster})
}
