// Package control is the gRPC-based admin control surface that sits
// alongside the raw wire data plane (internal/wire): join negotiation for
// operators bootstrapping a node into a running cluster, and read-only
// cluster status queries. It deliberately does not touch object bytes —
// that path is the fixed-header wire protocol the sock-pool and gateway
// already speak (spec.md 6).
//
// There is no .proto file here: every message exchanged is a
// google.golang.org/protobuf well-known type (structpb.Struct,
// emptypb.Empty), so the service method table below is hand-assembled the
// same shape protoc-gen-go-grpc would emit, without generating anything.
package control

import (
	"context"
	"fmt"

	"github.com/cuemby/herd/internal/node"
	"github.com/cuemby/herd/internal/types"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ClusterAdmin is the subset of a running node's cluster membership a Join
// RPC needs: hand the opaque join payload to the membership driver the
// same way a local CheckJoin/Join call would (spec.md 4.C).
type ClusterAdmin interface {
	Join(ctx context.Context, self types.Node, opaque []byte) error
}

// ClusterView answers Status: current epoch and node list, read from the
// same epoch.Manager the data plane uses for placement.
type ClusterView interface {
	Epoch() uint32
	Nodes() []types.Node
}

// Server implements the Control service: Join and Status.
type Server struct {
	admin ClusterAdmin
	view  ClusterView
}

// NewServer builds a control-plane server backed by admin and view.
func NewServer(admin ClusterAdmin, view ClusterView) *Server {
	return &Server{admin: admin, view: view}
}

// Join admits a new node: req must carry an "address" string field
// (node.Format-style "addr:port" or "addr:port,io-addr:io-port") and may
// carry an opaque "payload" byte-string the membership driver's
// check_join_cb inspects.
func (s *Server) Join(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	addrField, ok := req.Fields["address"]
	if !ok {
		return nil, fmt.Errorf("control: join request missing address field")
	}
	self, err := node.Parse(addrField.GetStringValue())
	if err != nil {
		return nil, fmt.Errorf("control: join request: %w", err)
	}

	var opaque []byte
	if p, ok := req.Fields["payload"]; ok {
		opaque = []byte(p.GetStringValue())
	}

	if err := s.admin.Join(ctx, self, opaque); err != nil {
		return nil, fmt.Errorf("control: join rejected: %w", err)
	}
	return structpb.NewStruct(map[string]interface{}{"result": "accepted"})
}

// Status reports the current epoch and member addresses.
func (s *Server) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	nodes := s.view.Nodes()
	addrs := make([]interface{}, 0, len(nodes))
	for _, n := range nodes {
		if n.Gone {
			continue
		}
		addrs = append(addrs, node.Format(n))
	}
	return structpb.NewStruct(map[string]interface{}{
		"epoch": float64(s.view.Epoch()),
		"nodes": addrs,
	})
}

// serviceName is the RPC path prefix Register/Invoke use; there being no
// .proto package, it is just a stable string, not a compiled descriptor.
const serviceName = "herd.control.Control"

// controlServer is what the hand-written method handlers below dispatch
// against — satisfied by *Server.
type controlServer interface {
	Join(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

func joinHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(controlServer).Join(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Join"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(controlServer).Join(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func statusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(controlServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Status"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(controlServer).Status(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// serviceDesc is assembled by hand in the shape protoc-gen-go-grpc would
// generate from a Control service .proto — there is no .proto, so this is
// written directly against the well-known message types above.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*controlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Join", Handler: joinHandler},
		{MethodName: "Status", Handler: statusHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/control/control.go",
}

// Register attaches srv to gs under the Control service name.
func Register(gs *grpc.Server, srv *Server) {
	gs.RegisterService(&serviceDesc, srv)
}

// Client is a thin caller for the Control service, used by operator
// tooling (cmd/herd's "join" subcommand) to reach a running node's admin
// port without pulling in the full data-plane wire codec.
type Client struct {
	cc *grpc.ClientConn
}

// NewClient wraps cc, a connection the caller has already dialed, for
// control-plane calls; it does no dialing itself. The admin surface serves
// operator tooling on a trusted management network, not the replicated
// data path.
func NewClient(cc *grpc.ClientConn) *Client {
	return &Client{cc: cc}
}

// Join calls the remote node's Join RPC.
func (c *Client) Join(ctx context.Context, self types.Node, opaque []byte) error {
	req, err := structpb.NewStruct(map[string]interface{}{
		"address": node.Format(self),
		"payload": string(opaque),
	})
	if err != nil {
		return fmt.Errorf("control: build join request: %w", err)
	}
	out := new(structpb.Struct)
	return c.cc.Invoke(ctx, "/"+serviceName+"/Join", req, out)
}

// Status calls the remote node's Status RPC and returns the raw struct
// (epoch, nodes) for the caller to render.
func (c *Client) Status(ctx context.Context) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Status", new(emptypb.Empty), out); err != nil {
		return nil, fmt.Errorf("control: status: %w", err)
	}
	return out, nil
}
