// Package vdi implements VDI (virtual disk) lifecycle operations:
// allocating a fresh vid from the cluster-wide bitmap, naming/looking up
// a vdi by name and optional tag, and chaining a new snapshot's
// inode to its base (original_source/sheep/ops.c's cluster_new_vdi /
// cluster_get_vdi_info / post_cluster_new_vdi, spec.md 4.I).
package vdi

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/herd/internal/router"
	"github.com/cuemby/herd/internal/types"
)

// Inode is the on-disk vdi metadata object addressed by NewVdiOid(vid).
// Name/Tag identify it to clients; BaseVid chains a snapshot to its base;
// SnapID is encoded and decoded but nothing in this package assigns it,
// so it stays 0; Size/Copies describe the virtual disk itself
// (spec.md 3 "Vdi").
type Inode struct {
	Name      string
	Tag       string
	Size      uint64
	Copies    uint8
	BaseVid   uint32
	SnapID    uint32
	VID       uint32
	CreatedAt int64
}

// Allocator hands out fresh vids from the cluster-wide SdNrVdis-bit
// bitmap. spec.md 9's open question ("is the allocator or the FNV hash
// authoritative for vid assignment") is resolved in favor of the
// allocator: it is the single source of truth, committed as part of the
// same cluster op that creates the vdi, so two concurrent NEW_VDI
// requests can never collide.
type Allocator struct {
	mu    sync.Mutex
	inUse [types.SdNrVdis / 64]uint64
}

// NewAllocator builds an empty allocator (vid 0 reserved, never handed out).
func NewAllocator() *Allocator {
	a := &Allocator{}
	a.inUse[0] |= 1 // reserve vid 0
	return a
}

// Alloc returns the lowest-numbered free vid and marks it in use.
func (a *Allocator) Alloc() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for word := 0; word < len(a.inUse); word++ {
		if a.inUse[word] == ^uint64(0) {
			continue
		}
		for bit := 0; bit < 64; bit++ {
			if a.inUse[word]&(1<<uint(bit)) == 0 {
				a.inUse[word] |= 1 << uint(bit)
				return uint32(word*64 + bit), nil
			}
		}
	}
	return 0, fmt.Errorf("vdi: no free vid, bitmap exhausted")
}

// Mark commits a specific vid as in use — used to replay an allocation
// decided elsewhere in the cluster's total order (e.g. on a follower
// applying a committed NEW_VDI event).
func (a *Allocator) Mark(vid uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inUse[vid/64] |= 1 << (vid % 64)
}

// Free releases vid back to the pool (vdi deletion).
func (a *Allocator) Free(vid uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inUse[vid/64] &^= 1 << (vid % 64)
}

// InodeStore persists/reads vdi inode objects; internal/store.Store
// satisfies the subset this package needs. It is the fallback path when
// no ObjGateway is wired (the standalone farm CLI, and unit tests that
// exercise the Manager directly against a single node's local store).
type InodeStore interface {
	CreateAndWrite(ctx context.Context, oid types.Oid, offset int64, data []byte) error
	Read(ctx context.Context, oid types.Oid, offset int64, length int) ([]byte, error)
}

// ObjGateway is the subset of *gateway.Gateway this package needs: it
// fans an inode write out to the oid's placed replica set, and reads it
// back through the same placement-aware failover path regular OBJ
// traffic uses (spec.md 4.I "vdi_create ... writes the inode object via
// the gateway").
type ObjGateway interface {
	Write(ctx context.Context, req router.Request) (router.Response, error)
	Read(ctx context.Context, req router.Request) (router.Response, error)
}

// Manager is the cluster-side vdi directory: name -> (vid, snapshots).
// One Manager instance runs per node, but only the committed sequence of
// NEW_VDI ops applied through the cluster op applier (HandleNewVdi,
// spec.md 4.C) is authoritative — every node replays the same sequence.
// Create and Snapshot act on this node only, and there is no delete.
type Manager struct {
	alloc *Allocator
	store InodeStore
	gw    ObjGateway // optional; nil falls back to store

	// inodeCopies is the replica count used to place an inode read before
	// its own Copies field has been decoded — mirrors vdi_copies, the
	// cluster-wide fallback get_vdi_copy_number uses until an inode's
	// actual replication factor is known.
	inodeCopies uint8

	mu     sync.RWMutex
	byName map[nameTag][]uint32 // name+tag -> vids in creation order, latest last
}

// SetGateway wires gw as the inode replication path and inodeCopies as
// the placement width for reading an inode back before its own Copies
// field is known. cmd/herd/serve.go calls this once the gateway exists,
// since the Manager is constructed before it to break the
// gateway/vdi-allocator construction cycle.
func (m *Manager) SetGateway(gw ObjGateway, inodeCopies uint8) {
	m.gw = gw
	m.inodeCopies = inodeCopies
}

type nameTag struct {
	name string
	tag  string
}

// NewManager builds a vdi directory backed by alloc and store.
func NewManager(alloc *Allocator, store InodeStore) *Manager {
	return &Manager{alloc: alloc, store: store, byName: make(map[nameTag][]uint32)}
}

// CreateParams mirrors struct vdi_iocb's creation fields.
type CreateParams struct {
	Name           string
	Tag            string
	Size           uint64
	Copies         uint8
	BaseVid        uint32 // 0 for a fresh vdi
	CreateSnapshot bool
	CreatedAt      int64
}

// Create allocates a vid, writes its inode, and records it in the name
// directory, for a caller that owns the whole operation itself with no
// cluster op driving it (the standalone farm CLI, and tests against a
// bare Manager). The clustered NEW_VDI path does not use this method:
// HandleNewVdi's process_main calls allocateAndRegister directly, and
// the gateway inode write happens once, from dispatchNewVdi, after the
// cluster op commits (spec.md 4.I).
func (m *Manager) Create(ctx context.Context, p CreateParams) (uint32, error) {
	inode, err := m.allocateAndRegister(p)
	if err != nil {
		return 0, err
	}
	if err := m.writeInode(ctx, inode); err != nil {
		m.freeAndDeregister(inode.VID, p)
		return 0, err
	}
	return inode.VID, nil
}

// allocateAndRegister is the NEW_VDI cluster op's process_main: allocate
// the next vid from the cluster-wide bitmap and record the name ->
// vid mapping. It runs identically, deterministically, on every node in
// the driver's total order (spec.md 4.C), so it never performs I/O —
// the actual inode content write is a separate step (see writeInode,
// dispatchNewVdi) that runs exactly once, not once per node.
func (m *Manager) allocateAndRegister(p CreateParams) (Inode, error) {
	if p.Size == 0 {
		return Inode{}, types.ResInvalidParms.Err()
	}
	vid, err := m.alloc.Alloc()
	if err != nil {
		return Inode{}, fmt.Errorf("vdi: create %q: %w", p.Name, err)
	}

	inode := Inode{
		Name:      p.Name,
		Tag:       p.Tag,
		Size:      p.Size,
		Copies:    p.Copies,
		BaseVid:   p.BaseVid,
		VID:       vid,
		CreatedAt: p.CreatedAt,
	}

	m.mu.Lock()
	key := nameTag{name: p.Name, tag: p.Tag}
	m.byName[key] = append(m.byName[key], vid)
	m.mu.Unlock()
	return inode, nil
}

// freeAndDeregister undoes allocateAndRegister's bookkeeping for a
// single-node failure — only safe to call on a Manager that is not
// replaying a committed cluster op, since every other node's bitmap and
// directory already agree the vid is in use.
func (m *Manager) freeAndDeregister(vid uint32, p CreateParams) {
	m.alloc.Free(vid)
	m.mu.Lock()
	key := nameTag{name: p.Name, tag: p.Tag}
	vids := m.byName[key]
	for i, v := range vids {
		if v == vid {
			m.byName[key] = append(vids[:i], vids[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
}

// writeInode is the NEW_VDI cluster op's process_work: the actual inode
// content write, replicated to inode.Copies replicas of its oid through
// the gateway exactly like a client OBJ write would be — run once, by
// whichever node is driving the create, never replayed by HandleNewVdi's
// process_main phase (spec.md 4.I).
func (m *Manager) writeInode(ctx context.Context, inode Inode) error {
	data, err := encodeInode(inode)
	if err != nil {
		return fmt.Errorf("vdi: encode inode: %w", err)
	}
	oid := types.NewVdiOid(inode.VID)

	if m.gw == nil {
		if err := m.store.CreateAndWrite(ctx, oid, 0, data); err != nil {
			return fmt.Errorf("vdi: write inode: %w", err)
		}
		return nil
	}

	resp, err := m.gw.Write(ctx, router.Request{
		Header: types.RequestHeader{
			Opcode:     types.OpCreateAndWriteObj,
			Oid:        oid,
			DataLength: uint32(len(data)),
			Copies:     inode.Copies,
		},
		Data: data,
	})
	if err != nil {
		return fmt.Errorf("vdi: write inode via gateway: %w", err)
	}
	if resp.Result != types.Success {
		return fmt.Errorf("vdi: write inode via gateway: %s", resp.Result)
	}
	return nil
}

// Lookup resolves a name (and optional tag) to its current vid — the
// newest entry created for that name, mirroring vdi_lookup's "most
// recent undeleted vdi" semantics. Returns ResNoVdi if the name is
// unknown.
func (m *Manager) Lookup(ctx context.Context, name, tag string) (uint32, error) {
	m.mu.RLock()
	vids := m.byName[nameTag{name: name, tag: tag}]
	m.mu.RUnlock()
	if len(vids) == 0 {
		return 0, types.ResNoVdi.Err()
	}
	return vids[len(vids)-1], nil
}

// ReadInode loads a vdi's inode metadata back, through the gateway's
// placement-aware failover when one is wired, otherwise straight from
// this node's local store.
func (m *Manager) ReadInode(ctx context.Context, vid uint32) (Inode, error) {
	oid := types.NewVdiOid(vid)

	if m.gw == nil {
		data, err := m.store.Read(ctx, oid, 0, inodeEncodedSize)
		if err != nil {
			return Inode{}, fmt.Errorf("vdi: read inode %d: %w", vid, err)
		}
		return decodeInode(data)
	}

	resp, err := m.gw.Read(ctx, router.Request{
		Header: types.RequestHeader{
			Opcode:     types.OpReadObj,
			Oid:        oid,
			DataLength: inodeEncodedSize,
			Copies:     m.inodeCopies,
		},
	})
	if err != nil {
		return Inode{}, fmt.Errorf("vdi: read inode %d via gateway: %w", vid, err)
	}
	if resp.Result != types.Success {
		return Inode{}, fmt.Errorf("vdi: read inode %d via gateway: %s", vid, resp.Result)
	}
	return decodeInode(resp.Data)
}

// AdoptVid registers a vid that was restored out-of-band (a farm load
// recovering an inode object directly) into both the allocator's in-use
// bitmap and the name directory, mirroring notify_vdi_add's effect on a
// live NEW_VDI op without re-running allocation (spec.md 4.H "farm load
// must leave the cluster's vdi directory consistent with what it
// restored").
func (m *Manager) AdoptVid(ctx context.Context, vid uint32) error {
	inode, err := m.ReadInode(ctx, vid)
	if err != nil {
		return fmt.Errorf("vdi: adopt vid %d: %w", vid, err)
	}
	m.alloc.Mark(vid)

	m.mu.Lock()
	key := nameTag{name: inode.Name, tag: inode.Tag}
	m.byName[key] = append(m.byName[key], vid)
	m.mu.Unlock()
	return nil
}

// Snapshot creates a new vdi whose BaseVid points at base, sharing its
// name so later lookups by name return the newest snapshot
// (original_source/sheep/ops.c cluster_new_vdi with snapid set).
func (m *Manager) Snapshot(ctx context.Context, base Inode, createdAt int64) (uint32, error) {
	return m.Create(ctx, CreateParams{
		Name:           base.Name,
		Tag:            base.Tag,
		Size:           base.Size,
		Copies:         base.Copies,
		BaseVid:        base.VID,
		CreateSnapshot: true,
		CreatedAt:      createdAt,
	})
}
