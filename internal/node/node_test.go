package node_test

import (
	"testing"

	"github.com/cuemby/herd/internal/node"
	"github.com/cuemby/herd/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, s string) types.Node {
	t.Helper()
	n, err := node.Parse(s)
	require.NoError(t, err)
	return n
}

func TestParseFormatRoundTrip(t *testing.T) {
	n := mustParse(t, "10.0.0.1:7000")
	assert.Equal(t, "10.0.0.1:7000", node.Format(n))
	assert.False(t, n.HasIO())

	withIO := mustParse(t, "10.0.0.1:7000,10.0.1.1:7001")
	assert.True(t, withIO.HasIO())
	assert.Equal(t, "10.0.0.1:7000,10.0.1.1:7001", node.Format(withIO))
}

func TestCompareTotalOrder(t *testing.T) {
	a := mustParse(t, "10.0.0.1:7000")
	b := mustParse(t, "10.0.0.2:7000")
	assert.Less(t, node.Compare(a, b), 0)
	assert.Greater(t, node.Compare(b, a), 0)
	assert.True(t, node.Equal(a, a))
}

func TestMasterSkipsGoneNodes(t *testing.T) {
	a := mustParse(t, "10.0.0.1:7000")
	b := mustParse(t, "10.0.0.2:7000")
	a.Gone = true

	m, ok := node.Master([]types.Node{a, b})
	require.True(t, ok)
	assert.True(t, node.Equal(m, b))
}

func TestMasterNoCandidates(t *testing.T) {
	a := mustParse(t, "10.0.0.1:7000")
	a.Gone = true

	_, ok := node.Master([]types.Node{a})
	assert.False(t, ok)
}
