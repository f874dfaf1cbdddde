package vault

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestKnownHostsTrustOnFirstUseThenVerifies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	kh, err := NewKnownHosts(path)
	require.NoError(t, err)

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)

	remote := &net.TCPAddr{IP: net.ParseIP("10.0.0.5"), Port: 22}

	cb, err := kh.Callback()
	require.NoError(t, err)
	err = cb("10.0.0.5:22", remote, sshPub)
	require.True(t, IsUnknownHost(err))

	require.NoError(t, kh.Trust("10.0.0.5:22", remote, sshPub))

	cb2, err := kh.Callback()
	require.NoError(t, err)
	require.NoError(t, cb2("10.0.0.5:22", remote, sshPub))
}

func TestKnownHostsMismatchAfterTrust(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	kh, err := NewKnownHosts(path)
	require.NoError(t, err)

	pub1, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub1, err := ssh.NewPublicKey(pub1)
	require.NoError(t, err)

	remote := &net.TCPAddr{IP: net.ParseIP("10.0.0.6"), Port: 22}
	require.NoError(t, kh.Trust("10.0.0.6:22", remote, sshPub1))

	pub2, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub2, err := ssh.NewPublicKey(pub2)
	require.NoError(t, err)

	cb, err := kh.Callback()
	require.NoError(t, err)
	err = cb("10.0.0.6:22", remote, sshPub2)
	require.Error(t, err)
	require.False(t, IsUnknownHost(err))
}
