package sshpool

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// startTestSSHServer spins up a minimal in-process SSH server accepting
// password auth and replying true to every global request, standing in
// for a real node during pool tests.
func startTestSSHServer(t *testing.T, password string) (addr string, stop func()) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromSigner(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if string(pass) == password {
				return nil, nil
			}
			return nil, errUnauthorized
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				<-done
				conn.Close()
			}()
			go func() {
				sc, chans, reqs, err := ssh.NewServerConn(conn, cfg)
				if err != nil {
					return
				}
				defer sc.Close()
				go ssh.DiscardRequests(chans2reqs(chans))
				for req := range reqs {
					if req.WantReply {
						req.Reply(true, nil)
					}
				}
			}()
		}
	}()

	return ln.Addr().String(), func() {
		close(done)
		ln.Close()
	}
}

// chans2reqs discards incoming channel-open requests (the tests never
// open a channel against the embedded server).
func chans2reqs(chans <-chan ssh.NewChannel) <-chan *ssh.Request {
	out := make(chan *ssh.Request)
	go func() {
		defer close(out)
		for nc := range chans {
			nc.Reject(ssh.Prohibited, "no channels in test server")
		}
	}()
	return out
}

type unauthorizedErr struct{}

func (unauthorizedErr) Error() string { return "unauthorized" }

var errUnauthorized = unauthorizedErr{}

func hostPort(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		panic(err)
	}
	var port int
	for _, c := range portStr {
		port = port*10 + int(c-'0')
	}
	return host, port
}

func testDescriptor(t *testing.T, addr, password string) Descriptor {
	host, port := hostPort(addr)
	return Descriptor{
		Host:     host,
		Port:     port,
		Username: "tester",
		Auth:     Auth{Kind: AuthPassword, Password: password},
	}
}

func TestAcquireBorrowReleaseRefcount(t *testing.T) {
	addr, stop := startTestSSHServer(t, "secret")
	defer stop()

	cfg := defaultConfig()
	cfg.KeepAliveInterval = 50 * time.Millisecond
	pool := New(nil, cfg, nil, nil)

	desc := testDescriptor(t, addr, "secret")
	conn, err := Dial(context.Background(), desc)
	require.NoError(t, err)

	connID, err := pool.Acquire(context.Background(), "node-a", desc, conn)
	require.NoError(t, err)

	state, err := pool.State(connID)
	require.NoError(t, err)
	require.Equal(t, StateActive, state)

	_, err = pool.Borrow(connID)
	require.NoError(t, err)
	rc, err := pool.RefCount(connID)
	require.NoError(t, err)
	require.Equal(t, 1, rc)

	require.NoError(t, pool.Release(connID))
	rc, err = pool.RefCount(connID)
	require.NoError(t, err)
	require.Equal(t, 0, rc)

	require.NoError(t, pool.ForceClose(connID, "test done"))
	_, err = pool.State(connID)
	require.Error(t, err)
}

func TestAcquireWrongPasswordFails(t *testing.T) {
	addr, stop := startTestSSHServer(t, "secret")
	defer stop()

	pool := New(nil, defaultConfig(), nil, nil)
	desc := testDescriptor(t, addr, "wrong")
	conn, err := Dial(context.Background(), desc)
	require.NoError(t, err)

	_, err = pool.Acquire(context.Background(), "node-a", desc, conn)
	require.Error(t, err)
}

func TestKeepaliveMarksLinkDownAfterServerCloses(t *testing.T) {
	addr, stop := startTestSSHServer(t, "secret")

	cfg := defaultConfig()
	cfg.KeepAliveInterval = 30 * time.Millisecond

	linkDown := make(chan ConnectionID, 1)
	pool := New(nil, cfg, func(id ConnectionID, nodeID string) {
		linkDown <- id
	}, nil)

	desc := testDescriptor(t, addr, "secret")
	conn, err := Dial(context.Background(), desc)
	require.NoError(t, err)
	connID, err := pool.Acquire(context.Background(), "node-a", desc, conn)
	require.NoError(t, err)

	stop() // sever the transport; keep-alive probes will now fail

	select {
	case gotID := <-linkDown:
		require.Equal(t, connID, gotID)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for link-down callback")
	}
}

func TestIdleSweeperForceClosesExpiredConnection(t *testing.T) {
	addr, stop := startTestSSHServer(t, "secret")
	defer stop()

	cfg := defaultConfig()
	cfg.KeepAliveInterval = 20 * time.Millisecond
	cfg.IdleTimeout = 30 * time.Millisecond

	evicted := make(chan ConnectionID, 1)
	pool := New(nil, cfg, nil, func(id ConnectionID, nodeID string) {
		evicted <- id
	})

	desc := testDescriptor(t, addr, "secret")
	conn, err := Dial(context.Background(), desc)
	require.NoError(t, err)
	connID, err := pool.Acquire(context.Background(), "node-a", desc, conn)
	require.NoError(t, err)

	select {
	case gotID := <-evicted:
		require.Equal(t, connID, gotID)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for idle-evict callback")
	}

	_, err = pool.State(connID)
	require.Error(t, err)
}

func TestDialUnreachableAddressFails(t *testing.T) {
	desc := Descriptor{Host: "127.0.0.1", Port: 1, Username: "tester"}
	_, err := Dial(context.Background(), desc)
	require.Error(t, err)
}
