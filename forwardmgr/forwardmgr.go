// Package forwardmgr implements the forwarding manager of spec §4.4: local
// bind listeners, remote-bind requests, and dynamic SOCKS5 listeners, each
// running as an independent task that splices bytes between a TCP
// connection and an SSH channel. Splicing is single-task-owned per
// channel, mirroring the no-shared-mutable-handle discipline used by the
// teacher's endpointForwarder.join (spec §5).
package forwardmgr

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/inconshreveable/log15/v3"
	"golang.org/x/crypto/ssh"

	socks5 "github.com/armon/go-socks5"

	"github.com/oxideterm/core/errs"
)

// Direction is a forward's kind (spec §3).
type Direction int

const (
	DirectionLocal Direction = iota
	DirectionRemote
	DirectionDynamic
)

func (d Direction) String() string {
	switch d {
	case DirectionLocal:
		return "local"
	case DirectionRemote:
		return "remote"
	case DirectionDynamic:
		return "dynamic"
	default:
		return "unknown"
	}
}

// State is a forward's lifecycle state (spec §3).
type State int

const (
	StateActive State = iota
	StateSuspended
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateSuspended:
		return "suspended"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Spec describes a forward to create.
type Spec struct {
	Direction   Direction
	BindAddr    string // local/dynamic: address to listen on; remote: address requested on the peer
	DestHost    string // local/remote: destination host; unused for dynamic
	DestPort    int
	IdleTimeout time.Duration // default 300s, spec §4.4
}

// ChannelOpener is the subset of *ssh.Client a forward needs: opening a
// direct-tcpip channel to a destination, and (for remote-bind) listening
// for forwarded connections on the peer.
type ChannelOpener interface {
	Dial(network, addr string) (net.Conn, error)
	Listen(network, addr string) (net.Listener, error)
}

// ID identifies one forward record.
type ID string

// forward is one managed forwarding task.
type forward struct {
	id   ID
	spec Spec

	mu    sync.Mutex
	state State

	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Manager owns all forwards for a process. One Manager instance is
// typically shared across nodes; forwards are keyed by their own id, not
// by node, mirroring the teacher's per-endpoint independence.
type Manager struct {
	log log15.Logger

	mu       sync.Mutex
	forwards map[ID]*forward
	opener   map[ID]ChannelOpener
}

// New constructs an empty Manager.
func New(logger log15.Logger) *Manager {
	if logger == nil {
		logger = log15.New()
	}
	return &Manager{
		log:      logger.New("obj", "forwardmgr"),
		forwards: make(map[ID]*forward),
		opener:   make(map[ID]ChannelOpener),
	}
}

// Add creates and starts a new forward over opener (normally the
// *ssh.Client borrowed from the connection pool for the owning node),
// per spec §4.4.
func (m *Manager) Add(opener ChannelOpener, spec Spec) (ID, error) {
	if spec.IdleTimeout == 0 {
		spec.IdleTimeout = 300 * time.Second
	}

	id := ID("fwd-" + uuid.NewString())
	f := &forward{id: id, spec: spec, state: StateActive}

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel

	switch spec.Direction {
	case DirectionLocal, DirectionDynamic:
		ln, err := net.Listen("tcp", spec.BindAddr)
		if err != nil {
			cancel()
			return "", errs.ErrResourceExhausted{Inner: err, Context: errs.ResourceExhaustedContext{Resource: "bind address " + spec.BindAddr}}
		}
		f.listener = ln
		f.wg.Add(1)
		go m.acceptLoop(ctx, f, opener)
	case DirectionRemote:
		ln, err := opener.Listen("tcp", spec.BindAddr)
		if err != nil {
			cancel()
			return "", errs.ErrUnreachable{Inner: err, Context: errs.UnreachableContext{Address: spec.BindAddr}}
		}
		f.listener = ln
		f.wg.Add(1)
		go m.acceptRemoteLoop(ctx, f)
	default:
		cancel()
		return "", errs.ErrUnsupported{Context: errs.UnsupportedContext{Reason: "unknown forward direction"}}
	}

	m.mu.Lock()
	m.forwards[id] = f
	m.opener[id] = opener
	m.mu.Unlock()

	m.log.Info("forward added", "id", id, "direction", spec.Direction, "bind", spec.BindAddr)
	return id, nil
}

// acceptLoop runs a local-bind or dynamic listener, dispatching each
// accepted connection to its own splice task.
func (m *Manager) acceptLoop(ctx context.Context, f *forward, opener ChannelOpener) {
	defer f.wg.Done()
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			return
		}
		go m.handleLocal(ctx, f, opener, conn)
	}
}

func (m *Manager) handleLocal(ctx context.Context, f *forward, opener ChannelOpener, conn net.Conn) {
	defer conn.Close()

	var dest net.Conn
	var err error
	if f.spec.Direction == DirectionDynamic {
		dest, err = m.socksHandshake(ctx, opener, conn)
	} else {
		dest, err = opener.Dial("tcp", fmt.Sprintf("%s:%d", f.spec.DestHost, f.spec.DestPort))
	}
	if err != nil {
		m.log.Warn("forward dial failed", "id", f.id, "err", err)
		return
	}
	defer dest.Close()

	splice(conn, dest, f.spec.IdleTimeout)
}

// socksHandshake runs a one-shot SOCKS5 negotiation on conn, using
// armon/go-socks5's protocol parsing against an in-process dialer that
// hands channel-opening off to the SSH transport (dynamic forwarding,
// spec §4.4; DNS resolution happens remote-side per spec §9's resolved
// open question).
func (m *Manager) socksHandshake(ctx context.Context, opener ChannelOpener, conn net.Conn) (net.Conn, error) {
	var dialed net.Conn
	var dialErr error

	srv, err := socks5.New(&socks5.Config{
		Resolver: remoteResolver{},
		Dial: func(_ context.Context, network, addr string) (net.Conn, error) {
			dialed, dialErr = opener.Dial(network, addr)
			return dialed, dialErr
		},
	})
	if err != nil {
		return nil, errs.ErrInternal{Inner: err, Context: errs.InternalContext{Detail: "socks5 server init"}}
	}
	if err := srv.ServeConn(conn); err != nil {
		if dialErr != nil {
			return nil, errs.ErrUnreachable{Inner: dialErr}
		}
		return nil, errs.ErrProtocolViolation{Inner: err, Context: errs.ProtocolViolationContext{Reason: "socks5 negotiation failed"}}
	}
	// ServeConn owns the full proxy loop itself (it splices conn<->dialed
	// internally), so by the time it returns there is nothing left for the
	// caller to splice; signal completion with a closed pipe.
	r, w := io.Pipe()
	w.Close()
	return readOnlyConn{r}, nil
}

// remoteResolver leaves a SOCKS5 request's hostname unresolved, so the
// dial through the SSH transport receives the name and the peer resolves
// it.
type remoteResolver struct{}

func (remoteResolver) Resolve(ctx context.Context, name string) (context.Context, net.IP, error) {
	return ctx, nil, nil
}

// readOnlyConn adapts an io.Reader that is already at EOF into a net.Conn
// so handleLocal's splice call is a harmless no-op after socksHandshake
// has already completed the proxying itself.
type readOnlyConn struct {
	io.Reader
}

func (readOnlyConn) Write(p []byte) (int, error)        { return len(p), nil }
func (readOnlyConn) Close() error                       { return nil }
func (readOnlyConn) LocalAddr() net.Addr                { return nil }
func (readOnlyConn) RemoteAddr() net.Addr               { return nil }
func (readOnlyConn) SetDeadline(t time.Time) error      { return nil }
func (readOnlyConn) SetReadDeadline(t time.Time) error  { return nil }
func (readOnlyConn) SetWriteDeadline(t time.Time) error { return nil }

// acceptRemoteLoop accepts peer-announced connections for a remote-bind
// forward and routes each to the configured local destination.
func (m *Manager) acceptRemoteLoop(ctx context.Context, f *forward) {
	defer f.wg.Done()
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			return
		}
		go m.handleRemote(f, conn)
	}
}

func (m *Manager) handleRemote(f *forward, peerConn net.Conn) {
	defer peerConn.Close()

	local, err := net.Dial("tcp", fmt.Sprintf("%s:%d", f.spec.DestHost, f.spec.DestPort))
	if err != nil {
		m.log.Warn("remote-bind local dial failed", "id", f.id, "err", err)
		return
	}
	defer local.Close()

	splice(peerConn, local, f.spec.IdleTimeout)
}

// splice copies bytes bidirectionally between a and b, grounded on the
// teacher's endpointForwarder.join, closing both sides once either
// direction ends or the idle timeout elapses with zero bytes transferred.
func splice(a, b net.Conn, idleTimeout time.Duration) {
	var wg sync.WaitGroup
	wg.Add(2)

	copyOne := func(dst, src net.Conn) {
		defer wg.Done()
		defer dst.Close()
		buf := make([]byte, 32*1024)
		for {
			if idleTimeout > 0 {
				_ = src.SetReadDeadline(time.Now().Add(idleTimeout))
			}
			n, err := src.Read(buf)
			if n > 0 {
				if _, werr := dst.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}

	go copyOne(b, a)
	go copyOne(a, b)
	wg.Wait()
}

// Rearm restores a suspended forward after a successful reconnection
// (spec §4.7 phase 5): for local/dynamic it re-opens the listener if it
// was torn down, and for remote-bind it re-issues the listen request on
// the new transport.
func (m *Manager) Rearm(id ID, opener ChannelOpener) error {
	m.mu.Lock()
	f, ok := m.forwards[id]
	if ok {
		m.opener[id] = opener
	}
	m.mu.Unlock()
	if !ok {
		return errs.ErrNotFound{Context: errs.NotFoundContext{Kind: "forward", ID: string(id)}}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateSuspended {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel

	switch f.spec.Direction {
	case DirectionLocal, DirectionDynamic:
		if f.listener == nil {
			ln, err := net.Listen("tcp", f.spec.BindAddr)
			if err != nil {
				f.state = StateFailed
				return errs.ErrResourceExhausted{Inner: err, Context: errs.ResourceExhaustedContext{Resource: "bind address " + f.spec.BindAddr}}
			}
			f.listener = ln
		}
		f.wg.Add(1)
		go m.acceptLoop(ctx, f, opener)
	case DirectionRemote:
		ln, err := opener.Listen("tcp", f.spec.BindAddr)
		if err != nil {
			f.state = StateFailed
			return errs.ErrUnreachable{Inner: err}
		}
		f.listener = ln
		f.wg.Add(1)
		go m.acceptRemoteLoop(ctx, f)
	}

	f.state = StateActive
	m.log.Info("forward rearmed", "id", id)
	return nil
}

// Suspend transitions a forward to suspended on link-down (spec §4.4):
// the manager stops accepting new connections but keeps the UI-visible
// record.
func (m *Manager) Suspend(id ID) error {
	f, err := m.get(id)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateActive {
		return nil
	}
	if f.cancel != nil {
		f.cancel()
	}
	if f.spec.Direction == DirectionRemote && f.listener != nil {
		_ = f.listener.Close()
		f.listener = nil
	} else if f.listener != nil {
		_ = f.listener.Close()
		f.listener = nil
	}
	f.state = StateSuspended
	return nil
}

// Remove permanently tears down a forward.
func (m *Manager) Remove(id ID) error {
	f, err := m.get(id)
	if err != nil {
		return err
	}
	f.mu.Lock()
	if f.cancel != nil {
		f.cancel()
	}
	if f.listener != nil {
		_ = f.listener.Close()
	}
	f.mu.Unlock()

	m.mu.Lock()
	delete(m.forwards, id)
	delete(m.opener, id)
	m.mu.Unlock()
	return nil
}

// State reports a forward's current state.
func (m *Manager) State(id ID) (State, error) {
	f, err := m.get(id)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, nil
}

// List returns the ids of every forward the manager knows about.
func (m *Manager) List() []ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]ID, 0, len(m.forwards))
	for id := range m.forwards {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) get(id ID) (*forward, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.forwards[id]
	if !ok {
		return nil, errs.ErrNotFound{Context: errs.NotFoundContext{Kind: "forward", ID: string(id)}}
	}
	return f, nil
}

// sshChannelOpener adapts an *ssh.Client to the ChannelOpener interface,
// the concrete type the router wires into Add/Rearm.
type sshChannelOpener struct {
	client *ssh.Client
}

// NewSSHOpener wraps an *ssh.Client as a ChannelOpener.
func NewSSHOpener(client *ssh.Client) ChannelOpener {
	return sshChannelOpener{client: client}
}

func (o sshChannelOpener) Dial(network, addr string) (net.Conn, error) {
	return o.client.Dial(network, addr)
}

func (o sshChannelOpener) Listen(network, addr string) (net.Listener, error) {
	return o.client.Listen(network, addr)
}
