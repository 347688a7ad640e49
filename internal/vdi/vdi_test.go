package vdi_test

import (
	"context"
	"testing"

	"github.com/cuemby/herd/internal/store"
	"github.com/cuemby/herd/internal/types"
	"github.com/cuemby/herd/internal/vdi"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) *vdi.Manager {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	return vdi.NewManager(vdi.NewAllocator(), s)
}

func TestAllocatorSkipsReservedVidZero(t *testing.T) {
	a := vdi.NewAllocator()
	vid, err := a.Alloc()
	require.NoError(t, err)
	require.NotEqual(t, uint32(0), vid)
}

func TestAllocatorNeverDoublesOutAVid(t *testing.T) {
	a := vdi.NewAllocator()
	seen := make(map[uint32]bool)
	for i := 0; i < 100; i++ {
		vid, err := a.Alloc()
		require.NoError(t, err)
		require.False(t, seen[vid])
		seen[vid] = true
	}
}

func TestAllocatorFreeAllowsReuse(t *testing.T) {
	a := vdi.NewAllocator()
	vid, err := a.Alloc()
	require.NoError(t, err)
	a.Free(vid)
	vid2, err := a.Alloc()
	require.NoError(t, err)
	require.Equal(t, vid, vid2)
}

func TestCreateThenLookupReturnsSameVid(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	vid, err := m.Create(ctx, vdi.CreateParams{Name: "disk0", Size: 1 << 30, Copies: 3})
	require.NoError(t, err)

	got, err := m.Lookup(ctx, "disk0", "")
	require.NoError(t, err)
	require.Equal(t, vid, got)
}

func TestLookupUnknownNameReturnsNoVdi(t *testing.T) {
	m := newManager(t)
	_, err := m.Lookup(context.Background(), "missing", "")
	require.ErrorIs(t, err, types.ResNoVdi.Err())
}

func TestCreateRejectsZeroSize(t *testing.T) {
	m := newManager(t)
	_, err := m.Create(context.Background(), vdi.CreateParams{Name: "bad", Size: 0})
	require.ErrorIs(t, err, types.ResInvalidParms.Err())
}

func TestSnapshotChainsToBaseAndUpdatesLookup(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	baseVid, err := m.Create(ctx, vdi.CreateParams{Name: "disk0", Size: 1 << 20, Copies: 3})
	require.NoError(t, err)
	base, err := m.ReadInode(ctx, baseVid)
	require.NoError(t, err)

	snapVid, err := m.Snapshot(ctx, base, 1000)
	require.NoError(t, err)
	require.NotEqual(t, baseVid, snapVid)

	snap, err := m.ReadInode(ctx, snapVid)
	require.NoError(t, err)
	require.Equal(t, baseVid, snap.BaseVid)

	latest, err := m.Lookup(ctx, "disk0", "")
	require.NoError(t, err)
	require.Equal(t, snapVid, latest)
}

func TestInodeRoundTripPreservesFields(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	vid, err := m.Create(ctx, vdi.CreateParams{Name: "roundtrip", Tag: "tagged", Size: 42, Copies: 2, CreatedAt: 12345})
	require.NoError(t, err)

	inode, err := m.ReadInode(ctx, vid)
	require.NoError(t, err)
	require.Equal(t, "roundtrip", inode.Name)
	require.Equal(t, "tagged", inode.Tag)
	require.Equal(t, uint64(42), inode.Size)
	require.Equal(t, uint8(2), inode.Copies)
	require.Equal(t, int64(12345), inode.CreatedAt)
	require.Equal(t, vid, inode.VID)
}
