package main

import (
	"context"
	"errors"
	"net"

	"github.com/cuemby/herd/internal/router"
	"github.com/cuemby/herd/internal/types"
	"github.com/cuemby/herd/internal/wire"
	"github.com/cuemby/herd/pkg/log"
	"github.com/rs/zerolog"
)

// tcpServer is the data-plane listener: one raw TCP connection per
// client/peer, framed with internal/wire, every request handed to a
// router.Router (spec.md 4.E/5's dispatch surface, original_source's
// do_process_work request loop).
type tcpServer struct {
	ln     net.Listener
	router *router.Router
}

func newTCPServer(addr string, r *router.Router) (*tcpServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tcpServer{ln: ln, router: r}, nil
}

func (s *tcpServer) Addr() net.Addr { return s.ln.Addr() }

func (s *tcpServer) Serve(ctx context.Context) error {
	logger := log.WithComponent("tcpserver")
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, conn, logger)
	}
}

func (s *tcpServer) Close() error { return s.ln.Close() }

func (s *tcpServer) handleConn(ctx context.Context, conn net.Conn, logger zerolog.Logger) {
	defer conn.Close()
	for {
		hdr, body, err := wire.ReadRequest(conn)
		if err != nil {
			return
		}

		resp, err := s.router.Dispatch(ctx, router.Request{Header: hdr, Data: body})
		if err != nil {
			logger.Error().Err(err).Str("opcode", opcodeName(hdr.Opcode)).Msg("request failed")
		}

		respHdr := types.ResponseHeader{
			Opcode:     hdr.Opcode,
			Result:     resp.Result,
			DataLength: uint32(len(resp.Data)),
			TrimOffset: uint64(resp.TrimOffset),
			TrimLength: resp.TrimLength,
			Copies:     resp.Copies,
		}
		if err := wire.WriteResponse(conn, respHdr, resp.Data); err != nil {
			return
		}
	}
}

func opcodeName(op types.Opcode) string {
	return [...]string{
		"read_obj", "write_obj", "create_and_write_obj", "remove_obj", "get_obj_hash",
		"read_peer", "write_peer", "create_and_write_peer", "remove_peer",
		"new_vdi", "get_vdi_info", "lock_vdi", "get_vdi_attr",
		"notify_vdi_add",
		"make_fs_format", "shutdown", "stat_cluster_status",
		"kill", "force_recover",
	}[op]
}
