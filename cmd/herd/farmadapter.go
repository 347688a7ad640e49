package main

import (
	"context"

	"github.com/cuemby/herd/internal/store"
	"github.com/cuemby/herd/internal/types"
	"github.com/cuemby/herd/internal/vdi"
)

// storeFarmAdapter satisfies farm.ObjectSource, farm.ObjectSink and
// farm.VdiNotifier over a node's own store and vdi directory, so Farm's
// save/load orchestration never needs to know about either concretely
// (spec.md 4.H).
type storeFarmAdapter struct {
	store         *store.Store
	vdis          *vdi.Manager
	defaultCopies uint8
}

func newStoreFarmAdapter(s *store.Store, m *vdi.Manager, defaultCopies uint8) *storeFarmAdapter {
	return &storeFarmAdapter{store: s, vdis: m, defaultCopies: defaultCopies}
}

func (a *storeFarmAdapter) Read(ctx context.Context, oid types.Oid, offset int64, length int) ([]byte, error) {
	return a.store.Read(ctx, oid, offset, length)
}

func (a *storeFarmAdapter) ObjectSize(ctx context.Context, oid types.Oid) (int64, error) {
	return a.store.ObjectSize(ctx, oid)
}

// GetHash satisfies farm.ObjectSource's hash-probe: it's the same local
// store call a peer's GET_OBJ_HASH RPC handler makes (internal/peer),
// reused directly here since the farm save runs on the node that already
// holds the replica.
func (a *storeFarmAdapter) GetHash(ctx context.Context, oid types.Oid) ([20]byte, error) {
	return a.store.GetHash(ctx, oid)
}

// Copies reports the replica count an object's owning vdi was created
// with, falling back to the node's configured default for an object
// whose inode can't be resolved (e.g. the inode object itself, saved
// before its own Copies field means anything to read back).
func (a *storeFarmAdapter) Copies(oid types.Oid) uint8 {
	inode, err := a.vdis.ReadInode(context.Background(), oid.Vid())
	if err != nil {
		return a.defaultCopies
	}
	return inode.Copies
}

func (a *storeFarmAdapter) CreateAndWrite(ctx context.Context, oid types.Oid, offset int64, data []byte) error {
	return a.store.CreateAndWrite(ctx, oid, offset, data)
}

// NotifyVdiAdd adopts a vdi inode object LoadSnapshot just restored into
// the live directory, so a lookup by name succeeds without re-running
// NEW_VDI (notify_vdi_add's effect, spec.md 4.H/4.I).
func (a *storeFarmAdapter) NotifyVdiAdd(ctx context.Context, vid uint32, copies uint8) error {
	return a.vdis.AdoptVid(ctx, vid)
}
