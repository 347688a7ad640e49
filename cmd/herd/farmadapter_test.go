package main

import (
	"context"
	"testing"

	"github.com/cuemby/herd/internal/store"
	"github.com/cuemby/herd/internal/types"
	"github.com/cuemby/herd/internal/vdi"
	"github.com/stretchr/testify/require"
)

func TestStoreFarmAdapterCopiesResolvesFromOwningInode(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	m := vdi.NewManager(vdi.NewAllocator(), s)

	vid, err := m.Create(context.Background(), vdi.CreateParams{Name: "disk0", Size: 4096, Copies: 2})
	require.NoError(t, err)

	adapter := newStoreFarmAdapter(s, m, 3)
	dataOid := types.NewDataOid(vid, 0)
	require.Equal(t, uint8(2), adapter.Copies(dataOid))
}

func TestStoreFarmAdapterCopiesFallsBackToDefault(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	m := vdi.NewManager(vdi.NewAllocator(), s)

	adapter := newStoreFarmAdapter(s, m, 3)
	require.Equal(t, uint8(3), adapter.Copies(types.NewDataOid(99, 0)))
}

func TestStoreFarmAdapterReadWriteRoundTrips(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	m := vdi.NewManager(vdi.NewAllocator(), s)
	adapter := newStoreFarmAdapter(s, m, 3)

	oid := types.NewDataOid(1, 0)
	require.NoError(t, adapter.CreateAndWrite(context.Background(), oid, 0, []byte("hello")))
	got, err := adapter.Read(context.Background(), oid, 0, 5)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
}
