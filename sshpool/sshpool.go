// Package sshpool implements the SSH connection pool of spec §4.3: a
// mapping from connection id to a record holding the live SSH transport,
// the owning node id, a machine-state, a reference count over dependents,
// and an idle deadline. The pool never retries on its own (spec §4.3);
// retry is the reconnection orchestrator's responsibility
// (package reconnect).
package sshpool

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/inconshreveable/log15/v3"
	"golang.org/x/crypto/ssh"

	"github.com/oxideterm/core/errs"
)

// State is a connection's lifecycle state (spec §3).
type State int

const (
	StateConnecting State = iota
	StateActive
	StateLinkDown
	StateReconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateLinkDown:
		return "link-down"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// AuthKind enumerates the node authentication methods of spec §3.
type AuthKind int

const (
	AuthPassword AuthKind = iota
	AuthPrivateKey
	AuthAgent
	AuthCertificate
	AuthInteractive
)

// Auth describes how to authenticate to a node.
type Auth struct {
	Kind             AuthKind
	Password         string
	PrivateKeyPEM    []byte
	Passphrase       string
	CertificatePEM   []byte
	InteractivePrompt func(instruction string, questions []string, echos []bool) ([]string, error)
	AgentSigners     func() ([]ssh.Signer, error)
}

// AuthMethods converts an Auth descriptor into golang.org/x/crypto/ssh
// AuthMethods.
func (a Auth) AuthMethods() ([]ssh.AuthMethod, error) {
	switch a.Kind {
	case AuthPassword:
		return []ssh.AuthMethod{ssh.Password(a.Password)}, nil
	case AuthPrivateKey:
		var signer ssh.Signer
		var err error
		if a.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(a.PrivateKeyPEM, []byte(a.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(a.PrivateKeyPEM)
		}
		if err != nil {
			return nil, errs.ErrAuthFailed{Inner: err}
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	case AuthAgent:
		if a.AgentSigners == nil {
			return nil, errs.ErrUnsupported{Context: errs.UnsupportedContext{Reason: "no ssh-agent configured"}}
		}
		return []ssh.AuthMethod{ssh.PublicKeysCallback(a.AgentSigners)}, nil
	case AuthCertificate:
		signer, err := ssh.ParsePrivateKey(a.CertificatePEM)
		if err != nil {
			return nil, errs.ErrAuthFailed{Inner: err}
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	case AuthInteractive:
		if a.InteractivePrompt == nil {
			return nil, errs.ErrAuthRequired{}
		}
		return []ssh.AuthMethod{ssh.KeyboardInteractive(a.InteractivePrompt)}, nil
	default:
		return nil, errs.ErrUnsupported{Context: errs.UnsupportedContext{Reason: "unknown auth kind"}}
	}
}

// Descriptor is the information the pool needs to dial and authenticate
// to a node, a subset of spec §3's Node attributes.
type Descriptor struct {
	Host     string
	Port     int
	Username string
	Auth     Auth
	// HostKeyCallback verifies the remote host key, normally backed by the
	// vault package's known_hosts store (spec §6).
	HostKeyCallback ssh.HostKeyCallback
}

func (d Descriptor) addr() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// ConnectionID identifies one pooled transport.
type ConnectionID string

// LinkDownFunc is invoked when a connection's keep-alive probes fail three
// consecutive times (spec §4.3). The pool calls it with the connection's
// owning node id; the router/orchestrator layer is responsible for
// resolving the transitive set of dependent node ids for the link-down
// event (spec §4.6).
type LinkDownFunc func(connID ConnectionID, nodeID string)

// IdleEvictFunc is invoked after the sweeper force-closes a connection
// whose reference count reached zero and whose idle deadline expired
// (spec §3's connection destruction clause). The router uses it to clear
// the owning node's stale connection id.
type IdleEvictFunc func(connID ConnectionID, nodeID string)

// record is a pooled connection. Its own lock (distinct from the pool's
// map lock) covers refcount and state, per spec §5(b).
type record struct {
	id       ConnectionID
	nodeID   string
	client   *ssh.Client
	desc     Descriptor

	mu       sync.Mutex
	state    State
	refCount int

	idleDeadline time.Time
	missedProbes int

	stopKeepalive chan struct{}
}

// Config tunes pool-wide defaults (spec §4.3).
type Config struct {
	IdleTimeout       time.Duration // default 30 min
	KeepAliveInterval time.Duration // default 15 s
	ChannelOpenTimeout time.Duration // default 10 s
	AcquireTimeout     time.Duration // default 30 s
}

func defaultConfig() Config {
	return Config{
		IdleTimeout:        30 * time.Minute,
		KeepAliveInterval:  15 * time.Second,
		ChannelOpenTimeout: 10 * time.Second,
		AcquireTimeout:     30 * time.Second,
	}
}

// Pool owns all live SSH transports (spec §4.3). Its map lock (mu) is
// only ever held long enough to read or mutate the records map, never
// across I/O (spec §5(a)).
type Pool struct {
	log         log15.Logger
	cfg         Config
	onLink      LinkDownFunc
	onIdleEvict IdleEvictFunc

	mu      sync.Mutex
	records map[ConnectionID]*record

	stopSweep chan struct{}
}

// New constructs a Pool and starts its idle-connection sweeper.
// onLinkDown and onIdleEvict may both be nil.
func New(logger log15.Logger, cfg Config, onLinkDown LinkDownFunc, onIdleEvict IdleEvictFunc) *Pool {
	if logger == nil {
		logger = log15.New()
	}
	if cfg == (Config{}) {
		cfg = defaultConfig()
	}
	p := &Pool{
		log:         logger.New("obj", "sshpool"),
		cfg:         cfg,
		onLink:      onLinkDown,
		onIdleEvict: onIdleEvict,
		records:     make(map[ConnectionID]*record),
		stopSweep:   make(chan struct{}),
	}
	go p.sweepLoop()
	return p
}

// Dial establishes the first-hop raw TCP connection to desc (used when a
// node has no parent). Callers acquiring through a bastion chain instead
// open a direct-tcpip channel via DialThrough on the parent's client.
func Dial(ctx context.Context, desc Descriptor) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", desc.addr())
	if err != nil {
		return nil, errs.ErrUnreachable{Inner: err, Context: errs.UnreachableContext{Address: desc.addr()}}
	}
	return conn, nil
}

// DialThrough opens a direct-tcpip channel through an already-established
// parent connection, implementing the bastion chain hop of spec §4.6.
func (p *Pool) DialThrough(parent ConnectionID, desc Descriptor) (net.Conn, error) {
	rec, err := p.get(parent)
	if err != nil {
		return nil, err
	}
	conn, err := rec.client.Dial("tcp", desc.addr())
	if err != nil {
		return nil, errs.ErrUnreachable{Inner: err, Context: errs.UnreachableContext{Address: desc.addr()}}
	}
	return conn, nil
}

// Acquire performs the SSH handshake over conn and registers the
// resulting transport under a freshly minted connection id owned by
// nodeID (spec §4.3). conn is typically the result of Dial or
// DialThrough.
func (p *Pool) Acquire(ctx context.Context, nodeID string, desc Descriptor, conn net.Conn) (ConnectionID, error) {
	clientCfg := &ssh.ClientConfig{
		User:            desc.Username,
		HostKeyCallback: desc.HostKeyCallback,
		Timeout:         p.cfg.AcquireTimeout,
	}
	methods, err := desc.Auth.AuthMethods()
	if err != nil {
		conn.Close()
		return "", err
	}
	clientCfg.Auth = methods
	if clientCfg.HostKeyCallback == nil {
		clientCfg.HostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec // overridden by vault-backed callback in production wiring
	}

	type result struct {
		client *ssh.Client
		err    error
	}
	done := make(chan result, 1)
	go func() {
		sshConn, chans, reqs, err := ssh.NewClientConn(conn, desc.addr(), clientCfg)
		if err != nil {
			done <- result{nil, err}
			return
		}
		done <- result{ssh.NewClient(sshConn, chans, reqs), nil}
	}()

	select {
	case <-ctx.Done():
		conn.Close()
		return "", errs.ErrTimeout{Inner: ctx.Err(), Context: errs.TimeoutContext{Operation: "connection acquisition"}}
	case res := <-done:
		if res.err != nil {
			return "", classifyDialError(res.err, desc)
		}
		return p.register(nodeID, desc, res.client), nil
	}
}

func classifyDialError(err error, desc Descriptor) error {
	if _, ok := err.(*ssh.ExitMissingError); ok {
		return errs.ErrInternal{Inner: err}
	}
	// golang.org/x/crypto/ssh reports both wrong credentials and protocol
	// negotiation failures as generic errors; treat anything past a
	// successful TCP dial as an authentication failure, matching the
	// node's perspective described in spec §7.
	return errs.ErrAuthFailed{Inner: err, Context: errs.AuthFailedContext{NodeID: desc.Username + "@" + desc.addr()}}
}

func (p *Pool) register(nodeID string, desc Descriptor, client *ssh.Client) ConnectionID {
	id := ConnectionID("conn-" + uuid.NewString())
	rec := &record{
		id:            id,
		nodeID:        nodeID,
		client:        client,
		desc:          desc,
		state:         StateActive,
		idleDeadline:  time.Now().Add(p.cfg.IdleTimeout),
		stopKeepalive: make(chan struct{}),
	}

	p.mu.Lock()
	p.records[id] = rec
	p.mu.Unlock()

	go p.keepaliveLoop(rec)

	p.log.Info("connection acquired", "conn", id, "node", nodeID, "addr", desc.addr())
	return id
}

// keepaliveLoop sends keep-alive probes at cfg.KeepAliveInterval and marks
// the connection link-down after three consecutive missed probes (spec
// §4.3).
func (p *Pool) keepaliveLoop(rec *record) {
	rec.mu.Lock()
	stop := rec.stopKeepalive
	rec.mu.Unlock()

	ticker := time.NewTicker(p.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			_, _, err := rec.client.SendRequest("keepalive@oxideterm", true, nil)
			rec.mu.Lock()
			if err != nil {
				rec.missedProbes++
			} else {
				rec.missedProbes = 0
			}
			missed := rec.missedProbes
			state := rec.state
			rec.mu.Unlock()

			if missed >= 3 && state != StateLinkDown {
				rec.mu.Lock()
				rec.state = StateLinkDown
				rec.mu.Unlock()
				p.log.Warn("connection link-down", "conn", rec.id, "node", rec.nodeID)
				if p.onLink != nil {
					p.onLink(rec.id, rec.nodeID)
				}
				return
			}
		}
	}
}

// Borrow returns the live *ssh.Client for opening channels (terminal
// sessions, SFTP subsystem, direct-tcpip forwards) and increments the
// connection's reference count, per spec §4.3's "borrow(connection id) ->
// channel-opener".
func (p *Pool) Borrow(id ConnectionID) (*ssh.Client, error) {
	rec, err := p.get(id)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	rec.refCount++
	rec.idleDeadline = time.Time{}
	rec.mu.Unlock()
	return rec.client, nil
}

// Release decrements the reference count acquired by Borrow. When it
// reaches zero the connection becomes eligible for idle-timeout closure.
func (p *Pool) Release(id ConnectionID) error {
	rec, err := p.get(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	if rec.refCount > 0 {
		rec.refCount--
	}
	if rec.refCount == 0 {
		rec.idleDeadline = time.Now().Add(p.cfg.IdleTimeout)
	}
	rec.mu.Unlock()
	return nil
}

// RefCount reports the current dependent count for id, used by property
// tests verifying invariant I3.
func (p *Pool) RefCount(id ConnectionID) (int, error) {
	rec, err := p.get(id)
	if err != nil {
		return 0, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.refCount, nil
}

// State reports a connection's current lifecycle state.
func (p *Pool) State(id ConnectionID) (State, error) {
	rec, err := p.get(id)
	if err != nil {
		return 0, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.state, nil
}

// SetState forcibly transitions a connection's state.
func (p *Pool) SetState(id ConnectionID, state State) error {
	rec, err := p.get(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	rec.state = state
	rec.mu.Unlock()
	return nil
}

// ForceClose tears down the transport and removes it from the pool
// regardless of reference count, per spec §4.3.
func (p *Pool) ForceClose(id ConnectionID, reason string) error {
	rec, err := p.get(id)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	close(rec.stopKeepalive)
	rec.mu.Unlock()
	_ = rec.client.Close()

	p.mu.Lock()
	delete(p.records, id)
	p.mu.Unlock()

	p.log.Info("connection closed", "conn", id, "reason", reason)
	return nil
}

// sweepLoop periodically force-closes zero-refcount connections whose
// idle deadline has passed (spec §3: a connection is "destroyed when
// reference count falls to zero and the idle deadline expires"),
// grounded on keepaliveLoop's own ticker-driven pattern.
func (p *Pool) sweepLoop() {
	ticker := time.NewTicker(p.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopSweep:
			return
		case <-ticker.C:
			p.sweepIdle()
		}
	}
}

func (p *Pool) sweepIdle() {
	now := time.Now()
	p.mu.Lock()
	var expired []*record
	for _, rec := range p.records {
		rec.mu.Lock()
		if rec.refCount == 0 && !rec.idleDeadline.IsZero() && now.After(rec.idleDeadline) {
			expired = append(expired, rec)
		}
		rec.mu.Unlock()
	}
	p.mu.Unlock()

	for _, rec := range expired {
		p.log.Info("connection idle-expired", "conn", rec.id, "node", rec.nodeID)
		if err := p.ForceClose(rec.id, "idle-timeout"); err != nil {
			continue
		}
		if p.onIdleEvict != nil {
			p.onIdleEvict(rec.id, rec.nodeID)
		}
	}
}

func (p *Pool) get(id ConnectionID) (*record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[id]
	if !ok {
		return nil, errs.ErrNotFound{Context: errs.NotFoundContext{Kind: "connection", ID: string(id)}}
	}
	return rec, nil
}

// Client returns a connection's live *ssh.Client without touching its
// reference count, used by callers (the reconnection orchestrator) that
// already hold a borrow through a dependent relationship and just need
// the current handle after a rebind.
func (p *Pool) Client(id ConnectionID) (*ssh.Client, error) {
	rec, err := p.get(id)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.client, nil
}

// NodeOf returns the owning node id for a connection.
func (p *Pool) NodeOf(id ConnectionID) (string, error) {
	rec, err := p.get(id)
	if err != nil {
		return "", err
	}
	return rec.nodeID, nil
}

// Drain force-closes every pooled connection, used at process shutdown
// (spec §9: "a narrow invariant ... drain at shutdown").
func (p *Pool) Drain() {
	select {
	case <-p.stopSweep:
	default:
		close(p.stopSweep)
	}

	p.mu.Lock()
	ids := make([]ConnectionID, 0, len(p.records))
	for id := range p.records {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		_ = p.ForceClose(id, "shutdown")
	}
}
