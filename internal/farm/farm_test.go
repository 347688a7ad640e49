package farm_test

import (
	"context"
	"testing"

	"github.com/cuemby/herd/internal/farm"
	"github.com/cuemby/herd/internal/types"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	data      map[types.Oid][]byte
	copies    uint8
	hashCalls []types.Oid
	readCalls []types.Oid
}

func (f *fakeSource) Read(_ context.Context, oid types.Oid, offset int64, length int) ([]byte, error) {
	f.readCalls = append(f.readCalls, oid)
	d := f.data[oid]
	end := int(offset) + length
	if end > len(d) {
		end = len(d)
	}
	return d[offset:end], nil
}

func (f *fakeSource) ObjectSize(_ context.Context, oid types.Oid) (int64, error) {
	return int64(len(f.data[oid])), nil
}

func (f *fakeSource) Copies(types.Oid) uint8 { return f.copies }

func (f *fakeSource) GetHash(_ context.Context, oid types.Oid) ([20]byte, error) {
	f.hashCalls = append(f.hashCalls, oid)
	return farm.Hash(f.data[oid]), nil
}

type fakeSink struct {
	written map[types.Oid][]byte
}

func (s *fakeSink) CreateAndWrite(_ context.Context, oid types.Oid, _ int64, data []byte) error {
	if s.written == nil {
		s.written = make(map[types.Oid][]byte)
	}
	cp := append([]byte(nil), data...)
	s.written[oid] = cp
	return nil
}

type fakeNotifier struct {
	adds map[uint32]uint8
}

func (n *fakeNotifier) NotifyVdiAdd(_ context.Context, vid uint32, copies uint8) error {
	if n.adds == nil {
		n.adds = make(map[uint32]uint8)
	}
	n.adds[vid] = copies
	return nil
}

func TestSaveThenLoadRoundTripsObjectContent(t *testing.T) {
	f, err := farm.Open(t.TempDir())
	require.NoError(t, err)

	oidA := types.NewDataOid(1, 0)
	oidB := types.NewDataOid(1, 1)
	src := &fakeSource{
		data: map[types.Oid][]byte{
			oidA: []byte("hello world"),
			oidB: []byte("goodbye world"),
		},
		copies: 3,
	}

	err = f.SaveSnapshot(context.Background(), "v1", []types.Oid{oidA, oidB}, src)
	require.NoError(t, err)
	require.True(t, f.ContainsSnapshot(1, "v1"))
	require.True(t, f.ContainsSnapshot(0, "v1"))
	require.False(t, f.ContainsSnapshot(0, "nope"))

	sink := &fakeSink{}
	err = f.LoadSnapshot(context.Background(), 1, "v1", sink, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), sink.written[oidA])
	require.Equal(t, []byte("goodbye world"), sink.written[oidB])
}

func TestLoadFiresVdiNotifierForVdiOids(t *testing.T) {
	f, err := farm.Open(t.TempDir())
	require.NoError(t, err)

	vdiOid := types.NewVdiOid(7)
	src := &fakeSource{
		data:   map[types.Oid][]byte{vdiOid: []byte("inode-bytes")},
		copies: 2,
	}
	require.NoError(t, f.SaveSnapshot(context.Background(), "snap", []types.Oid{vdiOid}, src))

	sink := &fakeSink{}
	notifier := &fakeNotifier{}
	require.NoError(t, f.LoadSnapshot(context.Background(), 1, "snap", sink, notifier))
	require.Equal(t, uint8(2), notifier.adds[7])
}

func TestLoadUnknownSnapshotReturnsError(t *testing.T) {
	f, err := farm.Open(t.TempDir())
	require.NoError(t, err)

	err = f.LoadSnapshot(context.Background(), 99, "missing", &fakeSink{}, nil)
	require.Error(t, err)
}

func TestSaveDeduplicatesIdenticalBlobs(t *testing.T) {
	f, err := farm.Open(t.TempDir())
	require.NoError(t, err)

	oids := make([]types.Oid, 0, 10)
	data := make(map[types.Oid][]byte)
	for i := 0; i < 10; i++ {
		oid := types.NewDataOid(1, uint32(i))
		oids = append(oids, oid)
		data[oid] = []byte("identical content")
	}
	src := &fakeSource{data: data, copies: 1}

	require.NoError(t, f.SaveSnapshot(context.Background(), "dup", oids, src))

	sink := &fakeSink{}
	require.NoError(t, f.LoadSnapshot(context.Background(), 1, "dup", sink, nil))
	for _, oid := range oids {
		require.Equal(t, []byte("identical content"), sink.written[oid])
	}
}

func TestSaveSkipsReadWhenHashProbeMatchesPriorSnapshot(t *testing.T) {
	f, err := farm.Open(t.TempDir())
	require.NoError(t, err)

	unchanged := types.NewDataOid(1, 0)
	changed := types.NewDataOid(1, 1)
	src1 := &fakeSource{data: map[types.Oid][]byte{
		unchanged: []byte("stable content"),
		changed:   []byte("v1 content"),
	}, copies: 2}
	require.NoError(t, f.SaveSnapshot(context.Background(), "v1", []types.Oid{unchanged, changed}, src1))

	src2 := &fakeSource{data: map[types.Oid][]byte{
		unchanged: []byte("stable content"),
		changed:   []byte("v2 content"),
	}, copies: 2}
	require.NoError(t, f.SaveSnapshot(context.Background(), "v2", []types.Oid{unchanged, changed}, src2))

	require.Contains(t, src2.hashCalls, unchanged)
	require.Contains(t, src2.hashCalls, changed)
	require.NotContains(t, src2.readCalls, unchanged, "unchanged object's hash matched the prior snapshot, should not be re-read")
	require.Contains(t, src2.readCalls, changed, "changed object's hash missed, must fall through to a full read")

	sink := &fakeSink{}
	require.NoError(t, f.LoadSnapshot(context.Background(), 2, "v2", sink, nil))
	require.Equal(t, []byte("stable content"), sink.written[unchanged])
	require.Equal(t, []byte("v2 content"), sink.written[changed])
}

func TestSecondSnapshotAppendsToLogWithIncrementingIdx(t *testing.T) {
	f, err := farm.Open(t.TempDir())
	require.NoError(t, err)

	oid := types.NewDataOid(1, 0)
	src := &fakeSource{data: map[types.Oid][]byte{oid: []byte("v1 data")}, copies: 1}
	require.NoError(t, f.SaveSnapshot(context.Background(), "v1", []types.Oid{oid}, src))

	src2 := &fakeSource{data: map[types.Oid][]byte{oid: []byte("v2 data")}, copies: 1}
	require.NoError(t, f.SaveSnapshot(context.Background(), "v2", []types.Oid{oid}, src2))

	require.True(t, f.ContainsSnapshot(1, ""))
	require.True(t, f.ContainsSnapshot(2, ""))

	sink := &fakeSink{}
	require.NoError(t, f.LoadSnapshot(context.Background(), 1, "", sink, nil))
	require.Equal(t, []byte("v1 data"), sink.written[oid])

	sink2 := &fakeSink{}
	require.NoError(t, f.LoadSnapshot(context.Background(), 2, "", sink2, nil))
	require.Equal(t, []byte("v2 data"), sink2.written[oid])
}
