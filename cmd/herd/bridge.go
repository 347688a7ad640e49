package main

import (
	"sync"

	"github.com/cuemby/herd/internal/clusterop"
	"github.com/cuemby/herd/internal/epoch"
	"github.com/cuemby/herd/internal/node"
	"github.com/cuemby/herd/internal/types"
	"github.com/cuemby/herd/pkg/log"
	"github.com/cuemby/herd/pkg/metrics"
)

// membershipBridge implements cluster.Upcalls: it is the single point
// where a driver's ordered event stream (spec.md 4.C) turns into a new
// epoch.View publication and a clusterop.Applier dispatch. One instance
// per node, handed to Driver.Init.
type membershipBridge struct {
	self     types.Node
	epochMgr *epoch.Manager
	applier  *clusterop.Applier

	mu      sync.RWMutex
	members []epoch.Member
}

func newMembershipBridge(self types.Node, epochMgr *epoch.Manager, applier *clusterop.Applier) *membershipBridge {
	return &membershipBridge{self: self, epochMgr: epochMgr, applier: applier}
}

// CheckJoin admits every joining node; herd carries no membership ACL of
// its own (spec.md 4.C check_join_cb is a hook the CLI front-end would
// populate, and that front-end is out of scope).
func (b *membershipBridge) CheckJoin(joining types.Node, opaque []byte) types.JoinResult {
	return types.JoinSuccess
}

func (b *membershipBridge) JoinHandler(joining types.Node, nodes []types.Node, result types.JoinResult, opaque []byte) {
	if result != types.JoinSuccess {
		return
	}
	b.publish(nodes)
	log.WithComponent("cluster").Info().Str("node", node.Format(joining)).Msg("node joined")
}

func (b *membershipBridge) LeaveHandler(leaver types.Node, nodes []types.Node) {
	b.publish(nodes)
	log.WithComponent("cluster").Info().Str("node", node.Format(leaver)).Msg("node left")
}

func (b *membershipBridge) NotifyHandler(sender types.Node, payload []byte) {
	b.applier.NotifyHandler(sender, payload)
}

// BlockHandler has no local critical section to prepare: herd's own
// recovery/rebalance path isn't implemented (spec.md Non-goals, automatic
// rebalancing), so the block may proceed immediately.
func (b *membershipBridge) BlockHandler(sender types.Node) bool {
	return true
}

func (b *membershipBridge) publish(nodes []types.Node) {
	members := make([]epoch.Member, 0, len(nodes))
	live := 0
	for _, n := range nodes {
		if n.Gone {
			continue
		}
		members = append(members, epoch.Member{Node: n, Weight: 1})
		live++
	}

	b.mu.Lock()
	b.members = members
	b.mu.Unlock()

	epochNum := b.epochMgr.Publish(epoch.NewView(members))
	metrics.NodesTotal.WithLabelValues("live").Set(float64(live))
	metrics.NodesTotal.WithLabelValues("gone").Set(float64(len(nodes) - live))

	if master, ok := node.Master(nodes); ok && node.Equal(master, b.self) {
		metrics.IsMaster.Set(1)
	} else {
		metrics.IsMaster.Set(0)
	}
	log.WithComponent("epoch").Info().Uint32("epoch", epochNum).Int("nodes", live).Msg("view published")
}

// Nodes returns the last published, live membership list — satisfies
// control.ClusterView for the admin status RPC.
func (b *membershipBridge) Nodes() []types.Node {
	b.mu.RLock()
	defer b.mu.RUnlock()
	nodes := make([]types.Node, 0, len(b.members))
	for _, m := range b.members {
		nodes = append(nodes, m.Node)
	}
	return nodes
}

func (b *membershipBridge) Epoch() uint32 {
	return b.epochMgr.Epoch()
}
