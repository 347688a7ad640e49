// Package epoch implements spec.md 4.D: the monotone epoch counter, the
// node -> vnode consistent-hash ring, and publication of immutable,
// refcounted view snapshots.
package epoch

import (
	"encoding/binary"
	"hash/fnv"
	"sort"

	"github.com/cuemby/herd/internal/node"
	"github.com/cuemby/herd/internal/types"
)

// vnodesPerWeight mirrors sheepdog's fixed vnode multiplier: each unit of
// node weight contributes this many points to the ring.
const vnodesPerWeight = 128

// Member is a node plus its placement weight.
type Member struct {
	Node   types.Node
	Weight uint32
}

type vnodeEntry struct {
	hash uint64
	node types.Node
}

// View is an immutable snapshot of the consistent-hash ring computed from a
// node list and per-node weights (spec.md 3 "Vnode"). Build a new View on
// every membership change; never mutate one in place.
type View struct {
	members []Member
	ring    []vnodeEntry
}

// NewView builds a ring from members. Weight 0 defaults to 1 so a freshly
// joined node with unset weight still participates.
func NewView(members []Member) *View {
	v := &View{members: append([]Member(nil), members...)}
	for _, m := range v.members {
		weight := m.Weight
		if weight == 0 {
			weight = 1
		}
		for i := uint32(0); i < weight*vnodesPerWeight; i++ {
			v.ring = append(v.ring, vnodeEntry{hash: vnodeHash(m.Node, i), node: m.Node})
		}
	}
	sort.Slice(v.ring, func(i, j int) bool { return v.ring[i].hash < v.ring[j].hash })
	return v
}

func vnodeHash(n types.Node, i uint32) uint64 {
	h := fnv.New64a()
	h.Write(n.IdentityBytes())
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], i)
	h.Write(b[:])
	return h.Sum64()
}

// HashOid is the oid -> ring-position hash (spec.md 3 "hash(oid)").
func HashOid(oid types.Oid) uint64 {
	h := fnv.New64a()
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(oid))
	h.Write(b[:])
	return h.Sum64()
}

// Place returns the n distinct physical nodes responsible for oid, walking
// the ring clockwise from hash(oid) and skipping vnodes that map back to a
// physical node already chosen (spec.md 3 "Vnode", testable property 3).
func (v *View) Place(oid types.Oid, n int) []types.Node {
	if len(v.ring) == 0 || n <= 0 {
		return nil
	}
	start := sort.Search(len(v.ring), func(i int) bool { return v.ring[i].hash >= HashOid(oid) })

	result := make([]types.Node, 0, n)
	seen := make(map[string]bool, n)
	for i := 0; i < len(v.ring) && len(result) < n; i++ {
		ve := v.ring[(start+i)%len(v.ring)]
		key := node.Key(ve.node)
		if seen[key] {
			continue
		}
		seen[key] = true
		result = append(result, ve.node)
	}
	return result
}

// Members returns the node list this view was built from.
func (v *View) Members() []Member {
	return append([]Member(nil), v.members...)
}

// Nodes returns just the node identities, in the order supplied to NewView.
func (v *View) Nodes() []types.Node {
	nodes := make([]types.Node, len(v.members))
	for i, m := range v.members {
		nodes[i] = m.Node
	}
	return nodes
}
