// Package sockpool implements spec.md 4.B: a refcounted pool of long-lived
// TCP connections to peers, keyed by node identity, with dynamic growth and
// crash-driven invalidation. It is a direct port of
// original_source/sheep/sockfd_cache.c's entry/slot model: each node gets a
// fixed-width array of connection slots that doubles under contention.
package sockpool

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/cuemby/herd/internal/node"
	"github.com/cuemby/herd/internal/types"
	"github.com/cuemby/herd/pkg/log"
	"github.com/cuemby/herd/pkg/metrics"
)

// initialWidth is sockfd_cache.c's FDS_WATERMARK base: K = 8 slots per node.
const initialWidth = 8

// Dialer opens a raw connection to a node. Split out so tests can fake it
// without a real listener.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

func defaultDialer(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

type slot struct {
	conn   net.Conn
	inUse  atomic.Bool
	exists atomic.Bool // false until a connection has ever been placed here
}

type entry struct {
	mu     sync.RWMutex // guards slots slice identity (grow swaps it)
	node   types.Node
	slots  []*slot
	growMu sync.Mutex // single-flight guard, == sockfd_cache.c's fds_in_grow CAS
}

// Handle is what get returns: either a cached slot (Idx >= 0) or a one-shot
// connection (Idx == -1) that put/del must close rather than release.
type Handle struct {
	Conn net.Conn
	Idx  int
}

// Pool is the node-id -> connection-slots map described in spec.md 4.B.
// insert/erase/grow take the writer lock; slot acquire/release take the
// reader lock, matching the shared-resource rule in spec.md 4.B/5.
type Pool struct {
	mu      sync.RWMutex
	entries map[string]*entry
	dial    Dialer
}

// New creates an empty sock-pool.
func New(dial Dialer) *Pool {
	if dial == nil {
		dial = defaultDialer
	}
	return &Pool{entries: make(map[string]*entry), dial: dial}
}

func dialTargets(n types.Node) []string {
	targets := make([]string, 0, 2)
	if n.HasIO() {
		targets = append(targets, net.JoinHostPort(n.IOAddr.String(), fmtPort(n.IOPort)))
	}
	targets = append(targets, net.JoinHostPort(n.Addr.String(), fmtPort(n.Port)))
	return targets
}

func fmtPort(p uint16) string { return fmt.Sprintf("%d", p) }

// revalidate connects to node n, preferring the io-pair and falling back to
// the primary pair (sockfd_cache.c's revalidate_node / SUPPLEMENTED
// FEATURES 1 in SPEC_FULL.md).
func (p *Pool) revalidate(ctx context.Context, n types.Node) (net.Conn, error) {
	var lastErr error
	for _, addr := range dialTargets(n) {
		conn, err := p.dial(ctx, addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("sockpool: revalidate %s: %w", node.Format(n), lastErr)
}

func (p *Pool) getEntry(n types.Node) (*entry, bool) {
	p.mu.RLock()
	e, ok := p.entries[node.Key(n)]
	p.mu.RUnlock()
	return e, ok
}

func (p *Pool) insertEntry(n types.Node, first net.Conn) *entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[node.Key(n)]; ok {
		return e
	}
	e := &entry{node: n, slots: make([]*slot, initialWidth)}
	for i := range e.slots {
		e.slots[i] = &slot{}
	}
	e.slots[0].conn = first
	e.slots[0].exists.Store(true)
	e.slots[0].inUse.Store(true)
	p.entries[node.Key(n)] = e
	metrics.SockPoolEntries.Set(float64(len(p.entries)))
	return e
}

func (p *Pool) destroyEntry(n types.Node) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, node.Key(n))
	metrics.SockPoolEntries.Set(float64(len(p.entries)))
}

// Get reserves a free slot for node, connecting and inserting a new entry if
// none exists yet. Falls back to a one-shot (Idx == -1) connection when
// every slot in an existing entry is busy.
func (p *Pool) Get(ctx context.Context, n types.Node) (Handle, error) {
	e, ok := p.getEntry(n)
	if !ok {
		conn, err := p.revalidate(ctx, n)
		if err != nil {
			metrics.SockPoolMissTotal.WithLabelValues("revalidate_failed").Inc()
			return Handle{}, err
		}
		e = p.insertEntry(n, conn)
		metrics.SockPoolMissTotal.WithLabelValues("revalidated").Inc()
		return Handle{Conn: conn, Idx: 0}, nil
	}

	e.mu.RLock()
	width := len(e.slots)
	var acquired *slot
	idx := -1
	for i, s := range e.slots {
		// CAS against inUse (not exists) so two concurrent Get calls can
		// never both claim the same slot, whether or not it already holds
		// a live connection (spec.md 8 property 6).
		if s.inUse.CompareAndSwap(false, true) {
			acquired = s
			idx = i
			break
		}
	}
	e.mu.RUnlock()

	if acquired == nil {
		// Every slot busy: one-shot fallback (spec.md 4.B get contract).
		return p.oneShot(ctx, n)
	}

	if !acquired.exists.Load() {
		conn, err := p.revalidate(ctx, n)
		if err != nil {
			acquired.inUse.Store(false)
			return p.oneShot(ctx, n)
		}
		acquired.conn = conn
		acquired.exists.Store(true)
	}

	p.maybeGrow(e, idx, width)
	return Handle{Conn: acquired.conn, Idx: idx}, nil
}

func (p *Pool) oneShot(ctx context.Context, n types.Node) (Handle, error) {
	conn, err := p.revalidate(ctx, n)
	if err != nil {
		return Handle{}, err
	}
	return Handle{Conn: conn, Idx: -1}, nil
}

// watermark is do_grow_fds's 3/4 * K trigger.
func watermark(width int) int { return width * 3 / 4 }

// maybeGrow enqueues an asynchronous, single-flight width doubling once the
// acquired index crosses the watermark (sockfd_cache.c's do_grow_fds /
// fds_in_grow CAS; SPEC_FULL.md 12.2: growth never happens inline).
func (p *Pool) maybeGrow(e *entry, idx, width int) {
	if idx < watermark(width) {
		return
	}
	if !e.growMu.TryLock() {
		return // another grow already in flight
	}
	go func() {
		defer e.growMu.Unlock()
		e.mu.Lock()
		newWidth := len(e.slots) * 2
		grown := make([]*slot, newWidth)
		copy(grown, e.slots)
		for i := len(e.slots); i < newWidth; i++ {
			grown[i] = &slot{}
		}
		e.slots = grown
		e.mu.Unlock()
		metrics.SockPoolGrowTotal.Inc()
		log.WithComponent("sockpool").Debug().
			Str("node", node.Format(e.node)).
			Int("width", newWidth).
			Msg("grew sock-pool width")
	}()
}

// Put releases a handle back to the pool. A one-shot handle (Idx == -1) is
// closed and discarded.
func (p *Pool) Put(n types.Node, h Handle) {
	if h.Idx < 0 {
		_ = h.Conn.Close()
		return
	}
	e, ok := p.getEntry(n)
	if !ok {
		_ = h.Conn.Close()
		return
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if h.Idx >= len(e.slots) {
		return
	}
	e.slots[h.Idx].inUse.Store(false)
}

// Del invalidates the slot behind a handle after an I/O error, closing the
// fd and freeing the slot. If every slot in the entry is now free, the
// entry itself is torn down so the next Get revalidates the node
// (spec.md 4.B "failure semantics").
func (p *Pool) Del(n types.Node, h Handle) {
	if h.Idx < 0 {
		_ = h.Conn.Close()
		return
	}
	e, ok := p.getEntry(n)
	if !ok {
		_ = h.Conn.Close()
		return
	}

	e.mu.RLock()
	if h.Idx >= len(e.slots) {
		e.mu.RUnlock()
		return
	}
	s := e.slots[h.Idx]
	allFree := true
	for i, sl := range e.slots {
		if i == h.Idx {
			continue
		}
		if sl.exists.Load() && sl.inUse.Load() {
			allFree = false
			break
		}
	}
	e.mu.RUnlock()

	_ = s.conn.Close()
	s.exists.Store(false)
	s.inUse.Store(false)

	if allFree {
		p.destroyEntry(n)
	}
}

// Len reports how many node entries the pool currently holds (test/metric helper).
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}
