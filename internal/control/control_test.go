package control_test

import (
	"context"
	"net"
	"testing"

	"github.com/cuemby/herd/internal/control"
	"github.com/cuemby/herd/internal/types"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

type fakeAdmin struct {
	joined []types.Node
	err    error
}

func (f *fakeAdmin) Join(_ context.Context, self types.Node, _ []byte) error {
	if f.err != nil {
		return f.err
	}
	f.joined = append(f.joined, self)
	return nil
}

type fakeView struct {
	epoch uint32
	nodes []types.Node
}

func (f *fakeView) Epoch() uint32        { return f.epoch }
func (f *fakeView) Nodes() []types.Node  { return f.nodes }

func dialServer(t *testing.T, admin *fakeAdmin, view *fakeView) (*grpc.ClientConn, func()) {
	lis := bufconn.Listen(1024 * 1024)
	gs := grpc.NewServer()
	control.Register(gs, control.NewServer(admin, view))
	go gs.Serve(lis)

	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	return cc, func() { cc.Close(); gs.Stop() }
}

func TestJoinAcceptsValidAddress(t *testing.T) {
	admin := &fakeAdmin{}
	cc, closeFn := dialServer(t, admin, &fakeView{})
	defer closeFn()

	client := control.NewClient(cc)
	err := client.Join(context.Background(), types.Node{Addr: net.ParseIP("10.0.0.5"), Port: 7000}, []byte("hello"))
	require.NoError(t, err)
	require.Len(t, admin.joined, 1)
	require.Equal(t, "10.0.0.5", admin.joined[0].Addr.String())
}

func TestJoinPropagatesAdminRejection(t *testing.T) {
	admin := &fakeAdmin{err: context.DeadlineExceeded}
	cc, closeFn := dialServer(t, admin, &fakeView{})
	defer closeFn()

	client := control.NewClient(cc)
	err := client.Join(context.Background(), types.Node{Addr: net.ParseIP("10.0.0.5"), Port: 7000}, nil)
	require.Error(t, err)
}

func TestStatusReportsEpochAndNodes(t *testing.T) {
	view := &fakeView{
		epoch: 4,
		nodes: []types.Node{
			{Addr: net.ParseIP("10.0.0.1"), Port: 7000},
			{Addr: net.ParseIP("10.0.0.2"), Port: 7000, Gone: true},
		},
	}
	cc, closeFn := dialServer(t, &fakeAdmin{}, view)
	defer closeFn()

	client := control.NewClient(cc)
	status, err := client.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, float64(4), status.Fields["epoch"].GetNumberValue())
	require.Len(t, status.Fields["nodes"].GetListValue().Values, 1)
}
