// Package raftdrv is the shepherd-equivalent membership driver: it
// realizes spec.md 4.C's single-coordinator total order by running every
// JOIN/LEAVE/NOTIFY/BLOCK/UNBLOCK event through a Raft log instead of a
// bespoke TCP broadcast server. Raft's elected leader plays the role
// original_source/sheep/cluster/shepherd.c gives its single shepherd
// process; every node's FSM.Apply feeds the committed, totally-ordered
// event into the shared cluster.EventLoop from internal/cluster.
package raftdrv

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/cuemby/herd/internal/cluster"
	"github.com/cuemby/herd/internal/types"
	"github.com/hashicorp/raft"
)

// fsm adapts cluster.EventLoop to the raft.FSM interface, following
// cuemby-warren/pkg/manager/fsm.go's Apply/Snapshot/Restore shape, but
// applying cluster membership events instead of orchestration CRUD
// commands.
type fsm struct {
	loop *cluster.EventLoop
}

func newFSM(loop *cluster.EventLoop) *fsm {
	return &fsm{loop: loop}
}

// Apply decodes and delivers one committed membership event. This is the
// single place every node observes the identical total order
// (spec.md 8 property 1).
func (f *fsm) Apply(log *raft.Log) interface{} {
	var evt types.ClusterEvent
	if err := json.Unmarshal(log.Data, &evt); err != nil {
		return fmt.Errorf("raftdrv: unmarshal event: %w", err)
	}
	return f.loop.Push(evt)
}

// snapshot is a no-op: it persists no membership state. Nothing in the
// daemon writes the epoch log (internal/epoch.Store) either, so membership
// history lives only in the raft log itself.
type snapshot struct{}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	return sink.Close()
}

func (s *snapshot) Release() {}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	return &snapshot{}, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	return rc.Close()
}
