package core

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oxideterm/core/sshpool"
	"github.com/oxideterm/core/vault"
	"github.com/oxideterm/core/wire"
)

func newTestCore(t *testing.T) *Core {
	t.Helper()
	c, err := New(nil, Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	return c
}

func TestCreateListRemoveNode(t *testing.T) {
	c := newTestCore(t)

	id, err := c.CreateNode(NodeSpec{
		DisplayName: "bastion",
		Host:        "bastion.example",
		Port:        22,
		Username:    "root",
		Auth:        sshpool.Auth{Kind: sshpool.AuthPassword, Password: "hunter2"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	nodes := c.ListNodes()
	require.Len(t, nodes, 1)
	require.Equal(t, "bastion.example", nodes[0].Host)

	descriptors, err := c.nodeStore.Load()
	require.NoError(t, err)
	require.Len(t, descriptors, 1)
	require.Equal(t, "password", descriptors[0].AuthMethod)

	require.NoError(t, c.RemoveNode(id))
	require.Empty(t, c.ListNodes())

	descriptors, err = c.nodeStore.Load()
	require.NoError(t, err)
	require.Empty(t, descriptors)
}

func TestDrillNodePersistsParentLinkage(t *testing.T) {
	c := newTestCore(t)

	parentID, err := c.CreateNode(NodeSpec{
		DisplayName: "bastion",
		Host:        "bastion.example",
		Port:        22,
		Username:    "root",
		Auth:        sshpool.Auth{Kind: sshpool.AuthPrivateKey},
	})
	require.NoError(t, err)

	childID, err := c.DrillNode(parentID, NodeSpec{
		DisplayName: "db",
		Host:        "db.internal",
		Port:        22,
		Username:    "svc",
		Auth:        sshpool.Auth{Kind: sshpool.AuthPrivateKey},
	})
	require.NoError(t, err)

	descriptors, err := c.nodeStore.Load()
	require.NoError(t, err)
	require.Len(t, descriptors, 2)

	var child *vault.NodeDescriptor
	for i := range descriptors {
		if descriptors[i].ID == childID {
			child = &descriptors[i]
		}
	}
	require.NotNil(t, child)
	require.Equal(t, parentID, child.ParentID)
	require.Equal(t, "drill-down", child.Origin)
}

func TestVaultUnlockCreatesOnFirstUse(t *testing.T) {
	c := newTestCore(t)

	require.NoError(t, c.UnlockVault("correct horse battery staple"))
	require.NoError(t, c.SaveSecret("node-1", []byte("sekrit")))

	got, err := c.Secret("node-1")
	require.NoError(t, err)
	require.Equal(t, []byte("sekrit"), got)

	require.NoError(t, c.ForgetSecret("node-1"))
	_, err = c.Secret("node-1")
	require.Error(t, err)
}

func TestGroupsRoundTrip(t *testing.T) {
	c := newTestCore(t)

	require.NoError(t, c.SaveGroups([]vault.Group{{ID: "g1", Name: "Production"}}))
	got, err := c.Groups()
	require.NoError(t, err)
	require.Equal(t, []vault.Group{{ID: "g1", Name: "Production"}}, got)
}

func TestAttachDetachPeerDispatchesOutput(t *testing.T) {
	c := newTestCore(t)

	var buf bytes.Buffer
	f := wire.New(&buf)

	c.AttachPeer("pty-1", f)
	c.dispatch("pty-1", []byte("hello"))

	frame, err := f.Decode()
	require.NoError(t, err)
	require.Equal(t, wire.TypeOutput, frame.Type)
	require.Equal(t, []byte("hello"), frame.Payload)

	c.DetachPeer("pty-1")
	c.dispatch("pty-1", []byte("ignored"))
	require.Equal(t, 0, buf.Len())
}
