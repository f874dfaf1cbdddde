package forwardmgr

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeOpener stands in for an *ssh.Client borrowed from the connection
// pool: Dial connects straight to destAddr regardless of the requested
// address, mirroring how a test node stands in for a real one in
// sshpool_test.go.
type fakeOpener struct {
	destAddr string
}

func (o fakeOpener) Dial(network, addr string) (net.Conn, error) {
	return net.Dial("tcp", o.destAddr)
}

func (o fakeOpener) Listen(network, addr string) (net.Listener, error) {
	return net.Listen("tcp", "127.0.0.1:0")
}

// startEchoServer accepts one connection and echoes everything it reads
// back to the writer, standing in for the forwarded destination.
func startEchoServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	return ln.Addr().String(), func() { ln.Close() }
}

// freePort reserves an ephemeral port and immediately releases it so a
// forward can bind to a known address.
func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestAddLocalForwardSplicesBytes(t *testing.T) {
	echoAddr, stopEcho := startEchoServer(t)
	defer stopEcho()

	m := New(nil)
	bind := freePort(t)
	id, err := m.Add(fakeOpener{destAddr: echoAddr}, Spec{
		Direction: DirectionLocal,
		BindAddr:  bind,
		DestHost:  "ignored",
		DestPort:  1,
	})
	require.NoError(t, err)
	require.Contains(t, string(id), "fwd-")

	state, err := m.State(id)
	require.NoError(t, err)
	require.Equal(t, StateActive, state)

	conn, err := net.DialTimeout("tcp", bind, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))

	require.NoError(t, m.Remove(id))
	_, err = m.State(id)
	require.Error(t, err)
}

func TestSuspendThenRearm(t *testing.T) {
	echoAddr, stopEcho := startEchoServer(t)
	defer stopEcho()

	m := New(nil)
	bind := freePort(t)
	id, err := m.Add(fakeOpener{destAddr: echoAddr}, Spec{
		Direction: DirectionLocal,
		BindAddr:  bind,
	})
	require.NoError(t, err)

	require.NoError(t, m.Suspend(id))
	state, err := m.State(id)
	require.NoError(t, err)
	require.Equal(t, StateSuspended, state)

	require.NoError(t, m.Rearm(id, fakeOpener{destAddr: echoAddr}))
	state, err = m.State(id)
	require.NoError(t, err)
	require.Equal(t, StateActive, state)
}

func TestRemoveUnknownForwardReturnsNotFound(t *testing.T) {
	m := New(nil)
	err := m.Remove(ID("fwd-missing"))
	require.Error(t, err)
}

func TestListReturnsAllForwardIDs(t *testing.T) {
	echoAddr, stopEcho := startEchoServer(t)
	defer stopEcho()

	m := New(nil)
	id1, err := m.Add(fakeOpener{destAddr: echoAddr}, Spec{Direction: DirectionLocal, BindAddr: freePort(t)})
	require.NoError(t, err)
	id2, err := m.Add(fakeOpener{destAddr: echoAddr}, Spec{Direction: DirectionLocal, BindAddr: freePort(t)})
	require.NoError(t, err)

	ids := m.List()
	require.ElementsMatch(t, []ID{id1, id2}, ids)
}
