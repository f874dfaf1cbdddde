package vault

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVaultRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.oxv")

	v := New(path)
	require.NoError(t, v.Create("hunter2"))
	require.NoError(t, v.Save("node-x", []byte("super-secret-key-material")))

	v2 := New(path)
	err := v2.Unlock("wrong")
	require.Error(t, err)

	v3 := New(path)
	require.NoError(t, v3.Unlock("hunter2"))
	got, err := v3.Get("node-x")
	require.NoError(t, err)
	require.Equal(t, []byte("super-secret-key-material"), got)
}

func TestVaultForget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.oxv")
	v := New(path)
	require.NoError(t, v.Create("pw"))
	require.NoError(t, v.Save("node-a", []byte("a-secret")))
	require.NoError(t, v.Forget("node-a"))

	_, err := v.Get("node-a")
	require.Error(t, err)
}

func TestVaultExportChecksum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.oxv")
	exportPath := filepath.Join(t.TempDir(), "export.oxv")

	v := New(path)
	require.NoError(t, v.Create("pw"))
	require.NoError(t, v.Save("node-x", []byte("secret")))
	require.NoError(t, v.Export(exportPath))
	require.NoError(t, VerifyExport(exportPath))
}

func TestDescriptorStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.yaml")
	store := NewDescriptorStore(path)

	nodes, err := store.Load()
	require.NoError(t, err)
	require.Empty(t, nodes)

	want := []NodeDescriptor{
		{ID: "node-1", DisplayName: "bastion", Host: "bastion.example", Port: 22, Username: "root", AuthMethod: "key"},
		{ID: "node-2", DisplayName: "db", Host: "db.internal", Port: 22, Username: "svc", AuthMethod: "key", ParentID: "node-1"},
	}
	require.NoError(t, store.Save(want))

	got, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestGroupStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "groups.yaml")
	store := NewGroupStore(path)

	require.NoError(t, store.Save([]Group{{ID: "g1", Name: "Production"}}))
	got, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, []Group{{ID: "g1", Name: "Production"}}, got)
}
