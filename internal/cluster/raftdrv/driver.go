package raftdrv

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/herd/internal/cluster"
	"github.com/cuemby/herd/internal/types"
	"github.com/cuemby/herd/pkg/log"
	"github.com/cuemby/herd/pkg/metrics"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

func init() {
	cluster.Register("raft", func() cluster.Driver { return &Driver{} })
}

// options parsed out of the Init option string.
type config struct {
	nodeID   string
	bindAddr string
	dataDir  string
}

func parseOption(option string) (config, error) {
	cfg := config{}
	for _, field := range strings.Split(option, ";") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		kv := strings.SplitN(field, "=", 2)
		if len(kv) != 2 {
			return cfg, fmt.Errorf("raftdrv: malformed option field %q", field)
		}
		switch kv[0] {
		case "node_id":
			cfg.nodeID = kv[1]
		case "bind":
			cfg.bindAddr = kv[1]
		case "data_dir":
			cfg.dataDir = kv[1]
		}
	}
	if cfg.nodeID == "" || cfg.bindAddr == "" || cfg.dataDir == "" {
		return cfg, fmt.Errorf("raftdrv: option must set node_id, bind and data_dir")
	}
	return cfg, nil
}

// Driver is the raft-backed realization of the shepherd membership
// contract (spec.md 4.C), registered under the name "raft".
type Driver struct {
	cfg config

	mu        sync.RWMutex
	r         *raft.Raft
	loop      *cluster.EventLoop
	upcalls   cluster.Upcalls
	eventSeq  atomic.Uint64
	nodeTree  []types.Node // mirrors the committed membership; updated from upcalls
	treeMu    sync.RWMutex
	transport *raft.NetworkTransport
}

// Init configures raft (log store, stable store, snapshot store, TCP
// transport) but does not yet join or bootstrap a cluster — callers do
// that explicitly via Join, following cuemby-warren/pkg/manager's
// Bootstrap/Join split (manager.go), but merged into the single Join entry
// point spec.md 4.C's contract specifies.
func (d *Driver) Init(ctx context.Context, option string, upcalls cluster.Upcalls) error {
	cfg, err := parseOption(option)
	if err != nil {
		return err
	}
	d.cfg = cfg
	d.upcalls = upcalls
	d.loop = cluster.NewEventLoop(upcalls)

	if err := os.MkdirAll(cfg.dataDir, 0o755); err != nil {
		return fmt.Errorf("raftdrv: create data dir: %w", err)
	}
	return nil
}

// raftConfig builds a raft.Config tuned for fast failover, the same
// timeout values cuemby-warren/pkg/manager.Bootstrap uses (target <10s
// failover on a LAN-latency cluster).
func (d *Driver) raftConfig() *raft.Config {
	c := raft.DefaultConfig()
	c.LocalID = raft.ServerID(d.cfg.nodeID)
	c.HeartbeatTimeout = 500 * time.Millisecond
	c.ElectionTimeout = 500 * time.Millisecond
	c.CommitTimeout = 50 * time.Millisecond
	c.LeaderLeaseTimeout = 250 * time.Millisecond
	return c
}

func (d *Driver) buildRaft() (*raft.Raft, error) {
	addr, err := net.ResolveTCPAddr("tcp", d.cfg.bindAddr)
	if err != nil {
		return nil, fmt.Errorf("raftdrv: resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(d.cfg.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("raftdrv: create transport: %w", err)
	}
	d.transport = transport

	snapStore, err := raft.NewFileSnapshotStore(d.cfg.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("raftdrv: create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(d.cfg.dataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("raftdrv: create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(d.cfg.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("raftdrv: create stable store: %w", err)
	}

	f := newFSM(d.loop)
	r, err := raft.NewRaft(d.raftConfig(), f, logStore, stableStore, snapStore, transport)
	if err != nil {
		return nil, fmt.Errorf("raftdrv: create raft: %w", err)
	}
	return r, nil
}

// Join realizes spec.md 4.C's join contract. opaque carries an optional
// "leader=<raft-bind-addr>" hint; when absent this call bootstraps a new
// single-node cluster and becomes its own master — the MASTER-TRANSFER
// bootstrap case spec.md 4.C/8 scenario S6 describes. When present, Join
// only starts this node's own raft instance and waits up to 10 seconds to
// see itself in the configuration. It does not ask the leader to add it,
// and nothing in cmd/herd or the control-plane RPC calls AddVoter, so the
// join succeeds only if the node is admitted to the leader's
// configuration by other means within that time.
func (d *Driver) Join(ctx context.Context, self types.Node, opaque []byte) error {
	r, err := d.buildRaft()
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.r = r
	d.mu.Unlock()

	leaderHint := parseLeaderHint(opaque)
	if leaderHint == "" {
		cfgRaft := raft.Configuration{Servers: []raft.Server{{
			ID:      raft.ServerID(d.cfg.nodeID),
			Address: d.transport.LocalAddr(),
		}}}
		if err := r.BootstrapCluster(cfgRaft).Error(); err != nil {
			return fmt.Errorf("raftdrv: bootstrap: %w", err)
		}
		d.recordJoin(self, types.JoinMasterTransfer)
		return nil
	}

	// Non-bootstrap join: this node waits to observe itself admitted to
	// the configuration (AddVoter having been issued against the leader
	// out of band) before declaring success.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		cfgFuture := r.GetConfiguration()
		if err := cfgFuture.Error(); err == nil {
			for _, srv := range cfgFuture.Configuration().Servers {
				if srv.ID == raft.ServerID(d.cfg.nodeID) {
					d.recordJoin(self, types.JoinSuccess)
					return nil
				}
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("raftdrv: timed out waiting to join via leader %s", leaderHint)
}

func parseLeaderHint(opaque []byte) string {
	const prefix = "leader="
	s := string(opaque)
	if strings.HasPrefix(s, prefix) {
		return strings.TrimPrefix(s, prefix)
	}
	return ""
}

func (d *Driver) recordJoin(self types.Node, result types.JoinResult) {
	d.treeMu.Lock()
	d.nodeTree = append(d.nodeTree, self)
	tree := append([]types.Node(nil), d.nodeTree...)
	d.treeMu.Unlock()

	evt := types.ClusterEvent{
		ID:         d.eventSeq.Add(1),
		Kind:       types.EventJoinResponse,
		Sender:     self,
		NodeList:   tree,
		JoinResult: result,
	}
	if err := d.loop.Push(evt); err != nil {
		log.WithComponent("raftdrv").Error().Err(err).Msg("push join event")
	}
}

// AddVoter admits a new node to the raft configuration; raft accepts it
// only on the current leader. No code in this module calls it: the
// control-plane Join RPC calls Driver.Join, not AddVoter.
func (d *Driver) AddVoter(ctx context.Context, nodeID, raftAddr string) error {
	d.mu.RLock()
	r := d.r
	d.mu.RUnlock()
	if r == nil {
		return fmt.Errorf("raftdrv: raft not started")
	}
	return r.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(raftAddr), 0, 0).Error()
}

// Leave removes this node from the raft configuration and shuts raft down.
func (d *Driver) Leave(ctx context.Context) error {
	d.mu.RLock()
	r := d.r
	d.mu.RUnlock()
	if r == nil {
		return nil
	}
	if r.State() == raft.Leader {
		if err := r.RemoveServer(raft.ServerID(d.cfg.nodeID), 0, 0).Error(); err != nil {
			log.WithComponent("raftdrv").Warn().Err(err).Msg("remove self from configuration")
		}
	}
	return r.Shutdown().Error()
}

// Notify applies a NOTIFY event through raft, giving it the same total
// order as every other membership event (spec.md 4.C).
func (d *Driver) Notify(ctx context.Context, payload []byte) error {
	return d.apply(types.ClusterEvent{
		ID:      d.eventSeq.Add(1),
		Kind:    types.EventNotify,
		Payload: payload,
	})
}

// Block applies a BLOCK event; only the local BlockHandler runs it (per
// node, at the head of its own blocked queue) once the nonblocked queue is
// drained (spec.md 4.C "BLOCK/UNBLOCK protocol").
func (d *Driver) Block(ctx context.Context) error {
	return d.apply(types.ClusterEvent{
		ID:   d.eventSeq.Add(1),
		Kind: types.EventBlock,
	})
}

// Unblock applies the paired UNBLOCK, carrying the resulting NOTIFY payload.
func (d *Driver) Unblock(ctx context.Context, payload []byte) error {
	return d.apply(types.ClusterEvent{
		ID:      d.eventSeq.Add(1),
		Kind:    types.EventUnblock,
		Payload: payload,
	})
}

// UpdateNode republishes this node's own identity as a NOTIFY.
func (d *Driver) UpdateNode(ctx context.Context, self types.Node) error {
	data, err := json.Marshal(self)
	if err != nil {
		return fmt.Errorf("raftdrv: marshal self: %w", err)
	}
	return d.Notify(ctx, data)
}

func (d *Driver) apply(evt types.ClusterEvent) error {
	d.mu.RLock()
	r := d.r
	d.mu.RUnlock()
	if r == nil {
		return fmt.Errorf("raftdrv: raft not started")
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("raftdrv: marshal event: %w", err)
	}

	timer := metrics.NewTimer()
	future := r.Apply(data, 10*time.Second)
	err = future.Error()
	timer.ObserveDuration(metrics.RaftApplyDuration)
	if err != nil {
		return fmt.Errorf("raftdrv: apply: %w", err)
	}
	if res := future.Response(); res != nil {
		if applyErr, ok := res.(error); ok {
			return applyErr
		}
	}
	return nil
}

// IsLeader reports whether this node currently holds the raft leadership —
// the spec's "master" (spec.md 4.C master election).
func (d *Driver) IsLeader() bool {
	d.mu.RLock()
	r := d.r
	d.mu.RUnlock()
	if r == nil {
		return false
	}
	leader := r.State() == raft.Leader
	if leader {
		metrics.RaftLeader.Set(1)
	} else {
		metrics.RaftLeader.Set(0)
	}
	return leader
}

// LeaderAddr returns the current raft leader's transport address, if known.
func (d *Driver) LeaderAddr() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.r == nil {
		return ""
	}
	addr, _ := d.r.LeaderWithID()
	return string(addr)
}

