package types

import "net"

// Node is a cluster member's identity: a primary address/port pair used for
// control traffic, and an optional io-address/io-port pair preferred by the
// data plane when present (spec.md 3 "Node").
type Node struct {
	Addr   net.IP
	Port   uint16
	IOAddr net.IP
	IOPort uint16

	// Gone marks a node removed from the live membership tree. Kept on the
	// struct (rather than a separate set) because master election and
	// vnode placement both need "smallest-ordered non-gone node" queries
	// against the full historical tree.
	Gone bool
}

// HasIO reports whether the node advertises a distinct data-plane listener.
func (n Node) HasIO() bool {
	return len(n.IOAddr) != 0 && n.IOPort != 0
}

// IdentityBytes renders the identity (addr, port, io-addr, io-port) as a
// flat, fixed 36-byte string (16+2+16+2; an absent address is all zeros)
// for lexicographic comparison. Two nodes compare equal iff these byte
// strings are equal, which is also the comparison the membership driver
// uses for master election (smallest-ordered non-gone node).
func (n Node) IdentityBytes() []byte {
	var buf [16 + 2 + 16 + 2]byte
	copy(buf[0:16], n.Addr.To16())
	buf[16], buf[17] = byte(n.Port>>8), byte(n.Port)
	copy(buf[18:34], n.IOAddr.To16())
	buf[34], buf[35] = byte(n.IOPort>>8), byte(n.IOPort)
	return buf[:]
}

// ClusterEvent is the tagged record broadcast by the membership driver
// (spec.md 3 "Cluster event").
type EventKind uint8

const (
	EventJoinRequest EventKind = iota
	EventJoinResponse
	EventLeave
	EventBlock
	EventUnblock
	EventNotify
)

type JoinResult uint8

const (
	JoinSuccess JoinResult = iota
	JoinFail
	JoinLater
	JoinMasterTransfer
)

type ClusterEvent struct {
	ID         uint64
	Kind       EventKind
	Sender     Node
	Payload    []byte
	NodeList   []Node // optional piggy-backed node list (join response / unblock)
	JoinResult JoinResult
}
