package cluster_test

import (
	"sync"
	"testing"

	"github.com/cuemby/herd/internal/cluster"
	"github.com/cuemby/herd/internal/node"
	"github.com/cuemby/herd/internal/types"
	"github.com/stretchr/testify/require"
)

type recordingUpcalls struct {
	mu          sync.Mutex
	order       []string
	blockResult bool
}

func (r *recordingUpcalls) CheckJoin(types.Node, []byte) types.JoinResult { return types.JoinSuccess }
func (r *recordingUpcalls) JoinHandler(types.Node, []types.Node, types.JoinResult, []byte) {
	r.mu.Lock()
	r.order = append(r.order, "join")
	r.mu.Unlock()
}
func (r *recordingUpcalls) LeaveHandler(types.Node, []types.Node) {
	r.mu.Lock()
	r.order = append(r.order, "leave")
	r.mu.Unlock()
}
func (r *recordingUpcalls) NotifyHandler(types.Node, []byte) {
	r.mu.Lock()
	r.order = append(r.order, "notify")
	r.mu.Unlock()
}
func (r *recordingUpcalls) BlockHandler(types.Node) bool {
	r.mu.Lock()
	r.order = append(r.order, "block")
	r.mu.Unlock()
	return r.blockResult
}

func mustNode(t *testing.T, s string) types.Node {
	t.Helper()
	n, err := node.Parse(s)
	require.NoError(t, err)
	return n
}

func TestNonblockedDrainsBeforeBlockHead(t *testing.T) {
	up := &recordingUpcalls{blockResult: true}
	loop := cluster.NewEventLoop(up)
	sender := mustNode(t, "10.0.0.1:7000")

	require.NoError(t, loop.Push(types.ClusterEvent{Kind: types.EventNotify, Sender: sender}))
	require.NoError(t, loop.Push(types.ClusterEvent{Kind: types.EventLeave, Sender: sender}))
	require.NoError(t, loop.Push(types.ClusterEvent{Kind: types.EventBlock, Sender: sender}))

	up.mu.Lock()
	order := append([]string(nil), up.order...)
	up.mu.Unlock()

	require.Equal(t, []string{"notify", "leave", "block"}, order)
}

func TestUnblockWithoutBlockIsReportedNotSilent(t *testing.T) {
	up := &recordingUpcalls{}
	loop := cluster.NewEventLoop(up)
	sender := mustNode(t, "10.0.0.1:7000")

	err := loop.Push(types.ClusterEvent{Kind: types.EventUnblock, Sender: sender})
	require.ErrorIs(t, err, cluster.ErrUnblockWithoutBlock)
}

func TestBlockHandlerIsRetriedUntilItReturnsTrue(t *testing.T) {
	up := &recordingUpcalls{blockResult: false}
	loop := cluster.NewEventLoop(up)
	sender := mustNode(t, "10.0.0.1:7000")

	require.NoError(t, loop.Push(types.ClusterEvent{Kind: types.EventBlock, Sender: sender}))
	require.NoError(t, loop.Push(types.ClusterEvent{Kind: types.EventNotify, Sender: sender}))
	require.NoError(t, loop.Push(types.ClusterEvent{Kind: types.EventLeave, Sender: sender}))

	up.mu.Lock()
	calls := 0
	for _, e := range up.order {
		if e == "block" {
			calls++
		}
	}
	up.mu.Unlock()

	// Each Push drains the nonblocked queue then retries the sticky BLOCK
	// head; since blockResult is false it must never be marked handled.
	require.Equal(t, 3, calls)

	up.mu.Lock()
	up.blockResult = true
	up.mu.Unlock()
	require.NoError(t, loop.Push(types.ClusterEvent{Kind: types.EventUnblock, Sender: sender}))
}

func TestUnblockDequeuesMatchingBlock(t *testing.T) {
	up := &recordingUpcalls{blockResult: true}
	loop := cluster.NewEventLoop(up)
	sender := mustNode(t, "10.0.0.1:7000")

	require.NoError(t, loop.Push(types.ClusterEvent{Kind: types.EventBlock, Sender: sender}))
	require.NoError(t, loop.Push(types.ClusterEvent{Kind: types.EventUnblock, Sender: sender}))

	// A second BLOCK/UNBLOCK pair must work too, proving the head was
	// actually dequeued rather than stuck.
	require.NoError(t, loop.Push(types.ClusterEvent{Kind: types.EventBlock, Sender: sender}))
	err := loop.Push(types.ClusterEvent{Kind: types.EventUnblock, Sender: sender})
	require.NoError(t, err)
}
