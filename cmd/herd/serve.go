package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/cuemby/herd/internal/clusterop"
	"github.com/cuemby/herd/internal/cluster"
	_ "github.com/cuemby/herd/internal/cluster/raftdrv"
	_ "github.com/cuemby/herd/internal/cluster/zkdrv"
	"github.com/cuemby/herd/internal/control"
	"github.com/cuemby/herd/internal/epoch"
	"github.com/cuemby/herd/internal/gateway"
	"github.com/cuemby/herd/internal/node"
	"github.com/cuemby/herd/internal/peer"
	"github.com/cuemby/herd/internal/router"
	"github.com/cuemby/herd/internal/sockpool"
	"github.com/cuemby/herd/internal/store"
	"github.com/cuemby/herd/internal/types"
	"github.com/cuemby/herd/internal/vdi"
	"github.com/cuemby/herd/pkg/log"
	"github.com/cuemby/herd/pkg/metrics"
	"google.golang.org/grpc"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a herd storage node",
	RunE:  runServe,
}

var serveConfigPath string

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "Path to a YAML config file")
}

// daemon bundles every long-lived component one node runs, so shutdown can
// tear them down in reverse order.
type daemon struct {
	cfg Config

	ready atomic.Bool

	tcp        *tcpServer
	grpcServer *grpc.Server
	driver     cluster.Driver
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(serveConfigPath)
	if err != nil {
		return err
	}
	if cfg.BindAddr == "" {
		return fmt.Errorf("herd: bindAddr is required")
	}

	self, err := node.Parse(cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("herd: parse bindAddr %q: %w", cfg.BindAddr, err)
	}
	if cfg.IOAddr != "" {
		ioNode, err := node.Parse(cfg.IOAddr)
		if err != nil {
			return fmt.Errorf("herd: parse ioAddr %q: %w", cfg.IOAddr, err)
		}
		self.IOAddr = ioNode.Addr
		self.IOPort = ioNode.Port
	}

	d := &daemon{cfg: cfg}
	return d.run(self)
}

func (d *daemon) run(self types.Node) error {
	logger := log.WithComponent("herd")

	metrics.RegisterComponent("cluster", false, "not yet joined")
	metrics.RegisterComponent("store", false, "not yet opened")

	objStore, err := store.Open(d.cfg.DataDir)
	if err != nil {
		return fmt.Errorf("herd: open store: %w", err)
	}
	metrics.UpdateComponent("store", true, "")

	alloc := vdi.NewAllocator()
	vdis := vdi.NewManager(alloc, objStore)

	epochMgr := epoch.NewManager()

	driver, ok := cluster.New(d.cfg.ClusterName)
	if !ok {
		return fmt.Errorf("herd: unknown cluster driver %q", d.cfg.ClusterName)
	}
	d.driver = driver

	applier := clusterop.New(driver)
	bridge := newMembershipBridge(self, epochMgr, applier)

	r := router.New(func() bool { return d.ready.Load() }, applier)
	peer.Register(r, &peer.Handlers{Store: objStore})
	pool := sockpool.New(nil)
	gw := gateway.New(epochMgr, newSockPeerClient(pool), self)
	gateway.Register(r, gw)
	vdis.SetGateway(gw, d.cfg.DefaultCopies)
	vdi.Register(r, applier, vdis)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := driver.Init(ctx, d.cfg.ClusterOpt, bridge); err != nil {
		return fmt.Errorf("herd: init cluster driver: %w", err)
	}
	if err := driver.Join(ctx, self, nil); err != nil {
		return fmt.Errorf("herd: join cluster: %w", err)
	}
	d.ready.Store(true)
	metrics.UpdateComponent("cluster", true, "")

	dataPlaneAddr := net.JoinHostPort(self.Addr.String(), portString(self.Port))
	if self.HasIO() {
		dataPlaneAddr = net.JoinHostPort(self.IOAddr.String(), portString(self.IOPort))
	}
	tcp, err := newTCPServer(dataPlaneAddr, r)
	if err != nil {
		return fmt.Errorf("herd: start data-plane listener: %w", err)
	}
	d.tcp = tcp
	go func() {
		if err := tcp.Serve(ctx); err != nil {
			logger.Error().Err(err).Msg("tcp server stopped")
		}
	}()

	grpcServer := grpc.NewServer()
	control.Register(grpcServer, control.NewServer(driver, bridge))
	d.grpcServer = grpcServer
	controlLn, err := net.Listen("tcp", d.cfg.ControlAddr)
	if err != nil {
		return fmt.Errorf("herd: start control listener: %w", err)
	}
	go func() {
		if err := grpcServer.Serve(controlLn); err != nil {
			logger.Error().Err(err).Msg("control server stopped")
		}
	}()

	httpMux := http.NewServeMux()
	httpMux.Handle("/metrics", metrics.Handler())
	httpMux.HandleFunc("/healthz", metrics.HealthHandler())
	httpMux.HandleFunc("/readyz", metrics.ReadyHandler())
	httpMux.HandleFunc("/livez", metrics.LivenessHandler())
	httpServer := &http.Server{Addr: d.cfg.MetricsAddr, Handler: httpMux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	logger.Info().Str("node", node.Format(self)).Str("data_plane", tcp.Addr().String()).
		Str("control_plane", d.cfg.ControlAddr).Msg("herd node started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	d.ready.Store(false)
	_ = driver.Leave(context.Background())
	grpcServer.GracefulStop()
	tcp.Close()
	_ = httpServer.Close()
	return nil
}

func portString(p uint16) string {
	return fmt.Sprintf("%d", p)
}
