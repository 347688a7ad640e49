// Package node implements spec.md 4.A: comparable, hashable node identities
// used as map keys throughout the sock-pool, vnode ring and membership tree.
package node

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/cuemby/herd/internal/types"
)

// Compare gives the total order over node identities required by master
// election ("first non-gone node by order is master", spec.md 4.C). It
// compares the raw identity bytes lexicographically, grounded on
// sheep_priv.h's node_id byte-compare used for the node rbtree.
func Compare(a, b types.Node) int {
	return bytes.Compare(a.IdentityBytes(), b.IdentityBytes())
}

// Equal reports whether two nodes share the same identity bytes.
func Equal(a, b types.Node) bool {
	return Compare(a, b) == 0
}

// Key returns a value usable as a Go map key for a node identity.
func Key(n types.Node) string {
	return string(n.IdentityBytes())
}

// Format renders a node as "addr:port" or "addr:port,io-addr:io-port" when
// an io-pair is present.
func Format(n types.Node) string {
	s := net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port)))
	if n.HasIO() {
		s += "," + net.JoinHostPort(n.IOAddr.String(), strconv.Itoa(int(n.IOPort)))
	}
	return s
}

// Parse is the inverse of Format.
func Parse(s string) (types.Node, error) {
	var n types.Node
	parts := strings.SplitN(s, ",", 2)

	host, portStr, err := net.SplitHostPort(parts[0])
	if err != nil {
		return n, fmt.Errorf("node: parse primary address %q: %w", parts[0], err)
	}
	addr := net.ParseIP(host)
	if addr == nil {
		return n, fmt.Errorf("node: invalid primary address %q", host)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return n, fmt.Errorf("node: invalid primary port %q: %w", portStr, err)
	}
	n.Addr = addr
	n.Port = uint16(port)

	if len(parts) == 2 {
		ioHost, ioPortStr, err := net.SplitHostPort(parts[1])
		if err != nil {
			return n, fmt.Errorf("node: parse io address %q: %w", parts[1], err)
		}
		ioAddr := net.ParseIP(ioHost)
		if ioAddr == nil {
			return n, fmt.Errorf("node: invalid io address %q", ioHost)
		}
		ioPort, err := strconv.ParseUint(ioPortStr, 10, 16)
		if err != nil {
			return n, fmt.Errorf("node: invalid io port %q: %w", ioPortStr, err)
		}
		n.IOAddr = ioAddr
		n.IOPort = uint16(ioPort)
	}

	return n, nil
}

// Less is a convenience wrapper for sort.Slice / slices.SortFunc callers.
func Less(a, b types.Node) bool {
	return Compare(a, b) < 0
}

// Master returns the smallest-ordered non-gone node in nodes, or false if
// none qualifies (spec.md 4.C master election rule).
func Master(nodes []types.Node) (types.Node, bool) {
	var (
		best  types.Node
		found bool
	)
	for _, n := range nodes {
		if n.Gone {
			continue
		}
		if !found || Less(n, best) {
			best = n
			found = true
		}
	}
	return best, found
}
