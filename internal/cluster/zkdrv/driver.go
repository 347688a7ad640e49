// Package zkdrv is the ZooKeeper-backed membership driver, a direct port
// of original_source/sheep/cluster/zookeeper.c's design: a sequential
// znode queue under baseZnode+"/queue" gives every node the same totally
// ordered event stream, ephemeral znodes under baseZnode+"/member" record
// the live members (ZooKeeper drops them on session loss, but nothing here
// watches them, so that produces no LEAVE event), and a single ephemeral
// baseZnode+"/master" znode decides which node bootstraps the cluster.
package zkdrv

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/herd/internal/cluster"
	"github.com/cuemby/herd/internal/node"
	"github.com/cuemby/herd/internal/types"
	"github.com/cuemby/herd/pkg/log"
	"github.com/go-zookeeper/zk"
)

func init() {
	cluster.Register("zookeeper", func() cluster.Driver { return &Driver{} })
}

const (
	baseZnode   = "/herd"
	queueZnode  = baseZnode + "/queue"
	memberZnode = baseZnode + "/member"
	masterZnode = baseZnode + "/master"

	sessionTimeout = 30 * time.Second
)

// Driver is the ZooKeeper cluster.Driver implementation, registered under
// the name "zookeeper".
type Driver struct {
	conn *zk.Conn
	self types.Node

	loop     *cluster.EventLoop
	upcalls  cluster.Upcalls
	seq      atomic.Uint64
	queuePos atomic.Int64

	stop chan struct{}
	wg   sync.WaitGroup
}

// Init connects to the ensemble named in option ("zk_hosts=a:2181,b:2181")
// and prepares the persistent queue/member/master znodes.
func (d *Driver) Init(ctx context.Context, option string, upcalls cluster.Upcalls) error {
	hosts, err := parseHosts(option)
	if err != nil {
		return err
	}
	d.upcalls = upcalls
	d.loop = cluster.NewEventLoop(upcalls)
	d.stop = make(chan struct{})

	conn, _, err := zk.Connect(hosts, sessionTimeout)
	if err != nil {
		return fmt.Errorf("zkdrv: connect: %w", err)
	}
	d.conn = conn

	for _, p := range []string{baseZnode, queueZnode, memberZnode} {
		if err := d.ensurePersistent(p); err != nil {
			return err
		}
	}
	return nil
}

func parseHosts(option string) ([]string, error) {
	for _, field := range strings.Split(option, ";") {
		field = strings.TrimSpace(field)
		if kv := strings.SplitN(field, "=", 2); len(kv) == 2 && kv[0] == "zk_hosts" {
			hosts := strings.Split(kv[1], ",")
			if len(hosts) == 0 || hosts[0] == "" {
				return nil, fmt.Errorf("zkdrv: zk_hosts is empty")
			}
			return hosts, nil
		}
	}
	return nil, fmt.Errorf("zkdrv: option must set zk_hosts")
}

func (d *Driver) ensurePersistent(p string) error {
	_, err := d.conn.Create(p, nil, 0, zk.WorldACL(zk.PermAll))
	if err != nil && err != zk.ErrNodeExists {
		return fmt.Errorf("zkdrv: create %s: %w", p, err)
	}
	return nil
}

// Join registers this node's identity as an ephemeral member znode and
// enters the join-request sequence, mirroring zk_join: the first node to
// create the ephemeral master znode bootstraps the cluster. Every node
// then pushes a JOIN_REQUEST; Join returns once it is queued and does not
// wait for a JOIN_RESPONSE (this driver never pushes one).
func (d *Driver) Join(ctx context.Context, self types.Node, opaque []byte) error {
	d.self = self
	d.wg.Add(1)
	go d.watchQueue()

	memberPath := path.Join(memberZnode, node.Key(self))
	if exists, _, err := d.conn.Exists(memberPath); err != nil {
		return fmt.Errorf("zkdrv: check member exists: %w", err)
	} else if exists {
		return fmt.Errorf("zkdrv: a previous session for %s still exists", node.Format(self))
	}

	for {
		children, _, err := d.conn.Children(memberZnode)
		if err != nil {
			return fmt.Errorf("zkdrv: list members: %w", err)
		}
		if len(children) > 0 {
			break
		}
		_, err = d.conn.Create(masterZnode, nil, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
		if err == nil {
			break // bootstrapped: I'm the first master
		}
		if err != zk.ErrNodeExists {
			return fmt.Errorf("zkdrv: create master znode: %w", err)
		}
		time.Sleep(50 * time.Millisecond)
	}

	data, err := json.Marshal(self)
	if err != nil {
		return fmt.Errorf("zkdrv: marshal node: %w", err)
	}
	if _, err := d.conn.Create(memberPath, data, zk.FlagEphemeral, zk.WorldACL(zk.PermAll)); err != nil {
		return fmt.Errorf("zkdrv: create member znode: %w", err)
	}

	return d.pushEvent(types.ClusterEvent{
		ID:      d.uniqID(),
		Kind:    types.EventJoinRequest,
		Sender:  self,
		Payload: opaque,
	})
}

// Leave pushes a LEAVE event and deletes this node's ephemeral member
// znode, same order as zk_leave.
func (d *Driver) Leave(ctx context.Context) error {
	close(d.stop)
	if err := d.pushEvent(types.ClusterEvent{ID: d.uniqID(), Kind: types.EventLeave, Sender: d.self}); err != nil {
		log.WithComponent("zkdrv").Warn().Err(err).Msg("push leave event")
	}
	memberPath := path.Join(memberZnode, node.Key(d.self))
	if err := d.conn.Delete(memberPath, -1); err != nil && err != zk.ErrNoNode {
		return fmt.Errorf("zkdrv: delete member znode: %w", err)
	}
	d.wg.Wait()
	d.conn.Close()
	return nil
}

func (d *Driver) Notify(ctx context.Context, payload []byte) error {
	return d.pushEvent(types.ClusterEvent{ID: d.uniqID(), Kind: types.EventNotify, Sender: d.self, Payload: payload})
}

func (d *Driver) Block(ctx context.Context) error {
	return d.pushEvent(types.ClusterEvent{ID: d.uniqID(), Kind: types.EventBlock, Sender: d.self})
}

func (d *Driver) Unblock(ctx context.Context, payload []byte) error {
	return d.pushEvent(types.ClusterEvent{ID: d.uniqID(), Kind: types.EventUnblock, Sender: d.self, Payload: payload})
}

// UpdateNode rewrites this node's member znode data in place, as
// zk_update_node does, without pushing a queue event.
func (d *Driver) UpdateNode(ctx context.Context, self types.Node) error {
	data, err := json.Marshal(self)
	if err != nil {
		return fmt.Errorf("zkdrv: marshal node: %w", err)
	}
	memberPath := path.Join(memberZnode, node.Key(self))
	_, err = d.conn.Set(memberPath, data, -1)
	if err != nil && err != zk.ErrNoNode {
		return fmt.Errorf("zkdrv: update member znode: %w", err)
	}
	return nil
}

// uniqID mirrors get_uniq_id: an FNV-1a hash of this node's identity
// folded with a monotonically increasing local sequence number, giving a
// value unique enough to find this driver's own pending queue entries
// during a retry (see pushEvent).
func (d *Driver) uniqID() uint64 {
	n := d.seq.Add(1)
	h := fnv.New64a()
	h.Write(d.self.IdentityBytes())
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	h.Write(buf[:])
	return h.Sum64()
}

// pushEvent creates a sequential znode under queueZnode. On timeout or
// connection-loss the caller cannot tell whether the znode was actually
// created, so — like zk_queue_push's "again" retry loop — it scans every
// child of queueZnode looking for an entry with this event's ID before
// giving up and retrying the create.
func (d *Driver) pushEvent(evt types.ClusterEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("zkdrv: marshal event: %w", err)
	}

	for {
		_, err := d.conn.CreateProtectedEphemeralSequential(queueZnode+"/", data, zk.WorldACL(zk.PermAll))
		if err == nil {
			return nil
		}
		if err == zk.ErrConnectionClosed || err == context.DeadlineExceeded {
			if found, ferr := d.findSeqNode(evt.ID); ferr == nil && found {
				return nil
			}
			continue
		}
		return fmt.Errorf("zkdrv: push event: %w", err)
	}
}

func (d *Driver) findSeqNode(id uint64) (bool, error) {
	children, _, err := d.conn.Children(queueZnode)
	if err != nil {
		return false, err
	}
	for _, c := range children {
		data, _, err := d.conn.Get(path.Join(queueZnode, c))
		if err != nil {
			continue
		}
		var evt types.ClusterEvent
		if json.Unmarshal(data, &evt) == nil && evt.ID == id {
			return true, nil
		}
	}
	return false, nil
}

// watchQueue is the equivalent of zk_event_handler's eventfd-driven loop:
// it watches queueZnode's children, and on every change delivers any new
// sequence nodes — sorted by their sequence suffix, hence in creation
// order — into the shared
// EventLoop, which itself enforces the nonblocked/blocked ordering rule.
func (d *Driver) watchQueue() {
	defer d.wg.Done()
	delivered := map[string]bool{}

	for {
		select {
		case <-d.stop:
			return
		default:
		}

		children, _, events, err := d.conn.ChildrenW(queueZnode)
		if err != nil {
			log.WithComponent("zkdrv").Error().Err(err).Msg("watch queue children")
			time.Sleep(time.Second)
			continue
		}
		sort.Slice(children, func(i, j int) bool { return seqSuffix(children[i]) < seqSuffix(children[j]) })
		for _, c := range children {
			if delivered[c] {
				continue
			}
			data, _, err := d.conn.Get(path.Join(queueZnode, c))
			if err != nil {
				continue
			}
			var evt types.ClusterEvent
			if err := json.Unmarshal(data, &evt); err != nil {
				log.WithComponent("zkdrv").Error().Err(err).Msg("decode queue event")
				continue
			}
			delivered[c] = true
			d.queuePos.Store(seqSuffix(c))
			if perr := d.loop.Push(evt); perr != nil {
				log.WithComponent("zkdrv").Error().Err(perr).Msg("push queue event")
			}
		}

		select {
		case <-events:
		case <-d.stop:
			return
		}
	}
}

func seqSuffix(znode string) int64 {
	idx := strings.LastIndexByte(znode, '-')
	if idx < 0 {
		return 0
	}
	n, _ := strconv.ParseInt(znode[idx+1:], 10, 64)
	return n
}
