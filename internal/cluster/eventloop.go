package cluster

import (
	"sync"

	"github.com/cuemby/herd/internal/node"
	"github.com/cuemby/herd/internal/types"
	"github.com/cuemby/herd/pkg/log"
	"github.com/cuemby/herd/pkg/metrics"
)

// EventLoop reproduces original_source/sheep/cluster/shepherd.c's
// sph_process_event ordering rule: two FIFO queues, non-blocking events
// (JOIN-RESPONSE/LEAVE/NOTIFY/UNBLOCK) drained first and in full before a
// BLOCK event at the head of the blocked queue is allowed to run its
// handler; the BLOCK stays at the head, sticky, until a paired UNBLOCK
// dequeues it (spec.md 4.C "BLOCK/UNBLOCK protocol").
type EventLoop struct {
	mu         sync.Mutex
	nonblocked []types.ClusterEvent
	blocked    []types.ClusterEvent
	headCalled bool
	upcalls    Upcalls
}

// NewEventLoop builds a loop that delivers events to upcalls.
func NewEventLoop(upcalls Upcalls) *EventLoop {
	return &EventLoop{upcalls: upcalls}
}

// Push enqueues an event and drains as much of the queue as ordering
// allows. BLOCK events go to the blocked queue; everything else, including
// UNBLOCK, goes to the nonblocked queue — but an UNBLOCK first pops the
// blocked queue's head, exactly as shepherd.c's msg_notify_forward does
// before pushing the paired NOTIFY.
func (l *EventLoop) Push(e types.ClusterEvent) error {
	l.mu.Lock()
	var err error
	if e.Kind == types.EventBlock {
		l.blocked = append(l.blocked, e)
	} else {
		if e.Kind == types.EventUnblock {
			err = l.removeOneBlockEventLocked()
		}
		l.nonblocked = append(l.nonblocked, e)
	}
	l.mu.Unlock()

	metrics.ClusterEventsTotal.WithLabelValues(kindLabel(e.Kind)).Inc()
	l.drain()
	return err
}

// removeOneBlockEventLocked pops the blocked queue's head. Must be called
// with l.mu held. Returns ErrUnblockWithoutBlock (logged) when the blocked
// queue is empty, resolving spec.md 9's open question explicitly rather
// than silently no-op'ing as the original C code does.
func (l *EventLoop) removeOneBlockEventLocked() error {
	if len(l.blocked) == 0 {
		log.WithComponent("cluster").Error().Msg("unblock event with no pending block")
		return ErrUnblockWithoutBlock
	}
	l.blocked = l.blocked[1:]
	l.headCalled = false
	return nil
}

func (l *EventLoop) drain() {
	for {
		l.mu.Lock()
		if len(l.nonblocked) == 0 {
			break
		}
		e := l.nonblocked[0]
		l.nonblocked = l.nonblocked[1:]
		l.mu.Unlock()
		l.deliver(e)
	}

	// Nonblocked queue is empty: a BLOCK at head may now run, but only
	// once per head (it stays pending until a paired UNBLOCK removes it).
	// A false return means the caller isn't ready yet; leave headCalled
	// false so the next drain() retries the same head event.
	if len(l.blocked) > 0 && !l.headCalled {
		head := l.blocked[0]
		l.mu.Unlock()
		if l.upcalls.BlockHandler(head.Sender) {
			l.mu.Lock()
			if len(l.blocked) > 0 && node.Equal(l.blocked[0].Sender, head.Sender) {
				l.headCalled = true
			}
			l.mu.Unlock()
		}
		return
	}
	l.mu.Unlock()
}

func (l *EventLoop) deliver(e types.ClusterEvent) {
	switch e.Kind {
	case types.EventJoinResponse:
		l.upcalls.JoinHandler(e.Sender, e.NodeList, e.JoinResult, e.Payload)
	case types.EventLeave:
		l.upcalls.LeaveHandler(e.Sender, e.NodeList)
	case types.EventNotify, types.EventUnblock:
		l.upcalls.NotifyHandler(e.Sender, e.Payload)
	}
}

func kindLabel(k types.EventKind) string {
	switch k {
	case types.EventJoinRequest:
		return "join_request"
	case types.EventJoinResponse:
		return "join_response"
	case types.EventLeave:
		return "leave"
	case types.EventBlock:
		return "block"
	case types.EventUnblock:
		return "unblock"
	case types.EventNotify:
		return "notify"
	default:
		return "unknown"
	}
}
