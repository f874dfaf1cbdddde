package router

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oxideterm/core/events"
	"github.com/oxideterm/core/sshpool"
)

func newTestRouter() *Router {
	bus := events.NewBus()
	pool := sshpool.New(nil, sshpool.Config{}, nil, nil)
	return New(nil, pool, bus, nil)
}

func TestCreateAndListNodes(t *testing.T) {
	r := newTestRouter()
	id := r.CreateNode(Node{DisplayName: "bastion", Host: "10.0.0.1", Port: 22})
	require.NotEmpty(t, id)

	nodes := r.ListNodes()
	require.Len(t, nodes, 1)
	require.Equal(t, "bastion", nodes[0].DisplayName)
}

func TestDrillSetsParentAndOrigin(t *testing.T) {
	r := newTestRouter()
	parentID := r.CreateNode(Node{DisplayName: "A", Host: "a.example", Port: 22})
	childID, err := r.Drill(parentID, Node{DisplayName: "B", Host: "b.internal", Port: 22})
	require.NoError(t, err)

	nodes := r.ListNodes()
	var child *Node
	for _, n := range nodes {
		if n.ID == childID {
			child = n
		}
	}
	require.NotNil(t, child)
	require.Equal(t, parentID, child.ParentID)
	require.Equal(t, OriginDrillDown, child.Origin)
}

func TestDrillUnknownParent(t *testing.T) {
	r := newTestRouter()
	_, err := r.Drill("nonexistent", Node{DisplayName: "B"})
	require.Error(t, err)
}

func TestDescendantsIsTransitive(t *testing.T) {
	r := newTestRouter()
	a := r.CreateNode(Node{DisplayName: "A"})
	b, err := r.Drill(a, Node{DisplayName: "B"})
	require.NoError(t, err)
	c, err := r.Drill(b, Node{DisplayName: "C"})
	require.NoError(t, err)

	desc := r.Descendants(a)
	require.ElementsMatch(t, []string{b, c}, desc)
}

func TestReadinessDefaultsToDisconnected(t *testing.T) {
	r := newTestRouter()
	id := r.CreateNode(Node{DisplayName: "A"})
	ready, err := r.Readiness(id)
	require.NoError(t, err)
	require.Equal(t, ReadinessDisconnected, ready)
}

func TestAttachDetachTerminal(t *testing.T) {
	r := newTestRouter()
	id := r.CreateNode(Node{DisplayName: "A"})

	require.NoError(t, r.AttachTerminal(id, "term-1"))
	open, err := r.OpenTerminals(id)
	require.NoError(t, err)
	require.Equal(t, []string{"term-1"}, open)

	require.NoError(t, r.DetachTerminal(id, "term-1"))
	open, err = r.OpenTerminals(id)
	require.NoError(t, err)
	require.Empty(t, open)
}

func TestMarkLinkDownClearsConnectionID(t *testing.T) {
	r := newTestRouter()
	id := r.CreateNode(Node{DisplayName: "A"})

	require.NoError(t, r.Rebind(id, sshpool.ConnectionID("conn-stale")))
	connID, ok, err := r.ConnectionOf(id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, sshpool.ConnectionID("conn-stale"), connID)

	r.MarkLinkDown(id)

	_, ok, err = r.ConnectionOf(id)
	require.NoError(t, err)
	require.False(t, ok, "MarkLinkDown must clear the stale connection id so Acquire re-dials")

	ready, err := r.Readiness(id)
	require.NoError(t, err)
	require.Equal(t, ReadinessLinkDown, ready)
}

func TestClearConnectionResetsReadiness(t *testing.T) {
	r := newTestRouter()
	id := r.CreateNode(Node{DisplayName: "A"})
	require.NoError(t, r.Rebind(id, sshpool.ConnectionID("conn-1")))

	require.NoError(t, r.ClearConnection(id))
	_, ok, err := r.ConnectionOf(id)
	require.NoError(t, err)
	require.False(t, ok)

	ready, err := r.Readiness(id)
	require.NoError(t, err)
	require.Equal(t, ReadinessDisconnected, ready)
}

func TestRemoveNodeClearsState(t *testing.T) {
	r := newTestRouter()
	id := r.CreateNode(Node{DisplayName: "A"})
	require.NoError(t, r.RemoveNode(id))

	_, err := r.Readiness(id)
	require.Error(t, err)
}
