package sftpsvc

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/oxideterm/core/events"
)

// startTestSFTPServer spins up an in-process SSH server that serves the
// "sftp" subsystem over pkg/sftp's own server implementation, standing
// in for a real node's SFTP subsystem during Open/Rebind tests.
func startTestSFTPServer(t *testing.T) (dial func() *ssh.Client, stop func()) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromSigner(priv)
	require.NoError(t, err)

	serverCfg := &ssh.ServerConfig{NoClientAuth: true}
	serverCfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSFTPConn(conn, serverCfg)
		}
	}()

	clientCfg := &ssh.ClientConfig{HostKeyCallback: ssh.InsecureIgnoreHostKey()}
	dial = func() *ssh.Client {
		client, err := ssh.Dial("tcp", ln.Addr().String(), clientCfg)
		require.NoError(t, err)
		return client
	}
	return dial, func() { ln.Close() }
}

func serveSFTPConn(conn net.Conn, cfg *ssh.ServerConfig) {
	sc, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	defer sc.Close()
	go ssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			nc.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, chReqs, err := nc.Accept()
		if err != nil {
			continue
		}
		go func() {
			for req := range chReqs {
				req.Reply(req.Type == "subsystem", nil)
			}
		}()
		go func() {
			defer ch.Close()
			server, err := sftp.NewServer(ch)
			if err != nil {
				return
			}
			server.Serve()
		}()
	}
}

func TestStateStrings(t *testing.T) {
	require.Equal(t, "pending", StatePending.String())
	require.Equal(t, "active", StateActive.String())
	require.Equal(t, "errored", StateErrored.String())
}

func TestEmitProgressThrottled(t *testing.T) {
	bus := events.NewBus()
	var seen []int64
	bus.Subscribe(func(e events.Event) {
		if p, ok := e.(events.TransferProgress); ok {
			seen = append(seen, p.Transferred)
		}
	})

	s := &Session{cfg: Config{ProgressInterval: 50 * time.Millisecond}, bus: bus}
	tr := &Transfer{ID: "xfer-1", Total: 100, state: StateActive}

	tr.transferred = 10
	s.emitProgress(tr, false)
	tr.transferred = 20
	s.emitProgress(tr, false) // suppressed, too soon

	require.Len(t, seen, 1)
	require.Equal(t, int64(10), seen[0])

	time.Sleep(60 * time.Millisecond)
	tr.transferred = 30
	s.emitProgress(tr, false)
	require.Len(t, seen, 2)
}

func TestRebindPreservesTransfersAndSwapsClient(t *testing.T) {
	dial, stop := startTestSFTPServer(t)
	defer stop()

	bus := events.NewBus()
	sess, err := Open(nil, bus, "node-a", dial(), defaultConfig())
	require.NoError(t, err)
	defer sess.Close()

	tr := sess.newTransfer(DirectionUpload, "/tmp/local", "/tmp/remote", 100)
	tr.mu.Lock()
	tr.transferred = 42
	tr.state = StateErrored
	tr.resumeAt = 42
	tr.mu.Unlock()

	oldClient := sess.client

	require.NoError(t, sess.Rebind(dial()))

	require.NotSame(t, oldClient, sess.client, "Rebind must swap in a new sftp.Client")

	got, err := sess.Get(tr.ID)
	require.NoError(t, err)
	require.Same(t, tr, got, "Rebind must preserve the existing Transfer record, not replace the session")
	transferred, state := got.snapshotState()
	require.Equal(t, int64(42), transferred)
	require.Equal(t, StateErrored, state)

	_, err = sess.List("/")
	require.NoError(t, err, "the rebound client must be usable")
}

func TestEmitProgressForceAlwaysEmits(t *testing.T) {
	bus := events.NewBus()
	var count int
	bus.Subscribe(func(events.Event) { count++ })

	s := &Session{cfg: Config{ProgressInterval: time.Hour}, bus: bus}
	tr := &Transfer{ID: "xfer-2", Total: 10, state: StateCompleted}
	s.emitProgress(tr, true)
	s.emitProgress(tr, true)
	require.Equal(t, 2, count)
}
