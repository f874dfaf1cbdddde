// Package router implements the node router of spec §4.6: the
// authoritative map from stable node identifiers to the current
// connection id, the only place in the system that translates a node id
// to a volatile connection id, and therefore the only place that needs
// to change during reconnection (spec §9).
package router

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/inconshreveable/log15/v3"
	"golang.org/x/crypto/ssh"

	"github.com/oxideterm/core/errs"
	"github.com/oxideterm/core/events"
	"github.com/oxideterm/core/sshpool"
)

// Origin is how a node came to exist (spec §3).
type Origin int

const (
	OriginManual Origin = iota
	OriginDrillDown
	OriginAutoRoute
	OriginImportedPreset
)

// Node is the stable identity a user manipulates (spec §3). It is
// mutated only by edits and destroyed only by explicit removal; runtime
// state (current connection, link status, open terminal ids) is held
// separately in nodeState and cleared on disconnect.
type Node struct {
	ID          string
	DisplayName string
	Host        string
	Port        int
	Username    string
	Auth        sshpool.Auth
	ParentID    string // "" for a root node
	Origin      Origin
}

func (n *Node) descriptor(hostKeyCB ssh.HostKeyCallback) sshpool.Descriptor {
	return sshpool.Descriptor{
		Host:            n.Host,
		Port:            n.Port,
		Username:        n.Username,
		Auth:            n.Auth,
		HostKeyCallback: hostKeyCB,
	}
}

// Readiness mirrors a node's current lifecycle label (spec §4.6).
type Readiness string

const (
	ReadinessConnecting   Readiness = "connecting"
	ReadinessActive       Readiness = "active"
	ReadinessLinkDown     Readiness = "link-down"
	ReadinessReconnecting Readiness = "reconnecting"
	ReadinessDisconnected Readiness = "disconnected"
)

// nodeState is a node's runtime state (spec §3), cleared on disconnect.
type nodeState struct {
	mu           sync.Mutex
	connectionID sshpool.ConnectionID
	readiness    Readiness
	terminalIDs  map[string]struct{}
}

// HostKeyVerifier resolves the ssh.HostKeyCallback to use for a node,
// normally backed by the vault package's known_hosts store (spec §6).
type HostKeyVerifier func(nodeID string) ssh.HostKeyCallback

// Router is the central indirection of spec §4.6. It owns the node
// index and drives bastion-chain acquisition; the connection pool
// remains the sole owner of live transports.
type Router struct {
	log  log15.Logger
	pool *sshpool.Pool
	bus  *events.Bus
	hkv  HostKeyVerifier

	mu     sync.RWMutex
	nodes  map[string]*Node
	states map[string]*nodeState

	// chainLocks serializes concurrent chain builds through the same
	// ancestor set, keyed by the shallowest ancestor's node id (spec
	// §4.6: "holds a chain lock that prevents concurrent chain builds
	// through the same ancestor set").
	chainLocks sync.Map // nodeID -> *sync.Mutex
}

// New constructs a Router over pool, publishing events on bus.
func New(logger log15.Logger, pool *sshpool.Pool, bus *events.Bus, hkv HostKeyVerifier) *Router {
	if logger == nil {
		logger = log15.New()
	}
	return &Router{
		log:    logger.New("obj", "router"),
		pool:   pool,
		bus:    bus,
		hkv:    hkv,
		nodes:  make(map[string]*Node),
		states: make(map[string]*nodeState),
	}
}

// CreateNode registers a new node (spec §4.6, control surface
// node.create).
func (r *Router) CreateNode(n Node) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n.ID == "" {
		n.ID = "node-" + uuid.NewString()
	}
	node := n
	r.nodes[node.ID] = &node
	r.states[node.ID] = &nodeState{readiness: ReadinessDisconnected, terminalIDs: make(map[string]struct{})}
	return node.ID
}

// Drill creates a child node whose parent is parentID, per spec §4.6's
// origin type drill-down-from-parent.
func (r *Router) Drill(parentID string, child Node) (string, error) {
	r.mu.RLock()
	_, ok := r.nodes[parentID]
	r.mu.RUnlock()
	if !ok {
		return "", errs.ErrNotFound{Context: errs.NotFoundContext{Kind: "node", ID: parentID}}
	}
	child.ParentID = parentID
	child.Origin = OriginDrillDown
	return r.CreateNode(child), nil
}

// RemoveNode destroys a node's identity record. Callers are expected to
// have already disconnected any runtime state.
func (r *Router) RemoveNode(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[id]; !ok {
		return errs.ErrNotFound{Context: errs.NotFoundContext{Kind: "node", ID: id}}
	}
	delete(r.nodes, id)
	delete(r.states, id)
	return nil
}

// ListNodes returns every registered node.
func (r *Router) ListNodes() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	return out
}

func (r *Router) node(id string) (*Node, *nodeState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return nil, nil, errs.ErrNotFound{Context: errs.NotFoundContext{Kind: "node", ID: id}}
	}
	return n, r.states[id], nil
}

// Readiness reports a node's current lifecycle label.
func (r *Router) Readiness(id string) (Readiness, error) {
	_, st, err := r.node(id)
	if err != nil {
		return "", err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.readiness, nil
}

// ConnectionOf reports a node's current connection id, if any.
func (r *Router) ConnectionOf(id string) (sshpool.ConnectionID, bool, error) {
	_, st, err := r.node(id)
	if err != nil {
		return "", false, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.connectionID, st.connectionID != "", nil
}

func (r *Router) setReadiness(n *Node, st *nodeState, ready Readiness) {
	st.mu.Lock()
	st.readiness = ready
	st.mu.Unlock()
	r.bus.EmitReadiness(n.ID, string(ready))
}

// chainLockFor returns the mutex serializing chain builds rooted at the
// shallowest ancestor of id (the node itself, if it has no parent).
func (r *Router) chainLockFor(rootID string) *sync.Mutex {
	v, _ := r.chainLocks.LoadOrStore(rootID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (r *Router) shallowestAncestor(n *Node) string {
	root := n
	for root.ParentID != "" {
		r.mu.RLock()
		parent, ok := r.nodes[root.ParentID]
		r.mu.RUnlock()
		if !ok {
			break
		}
		root = parent
	}
	return root.ID
}

// Acquire resolves a live connection id for nodeID, recursively
// acquiring ancestor transports first when the node has a parent (spec
// §4.6's bastion chain acquisition). Depth is unbounded; acquisition is
// linear in depth and holds the chain lock for the node's ancestor set
// for its duration.
func (r *Router) Acquire(ctx context.Context, nodeID string) (sshpool.ConnectionID, error) {
	n, st, err := r.node(nodeID)
	if err != nil {
		return "", err
	}

	st.mu.Lock()
	if st.connectionID != "" {
		id := st.connectionID
		st.mu.Unlock()
		return id, nil
	}
	st.mu.Unlock()

	lock := r.chainLockFor(r.shallowestAncestor(n))
	if !lock.TryLock() {
		return "", errs.ErrBusyRetryLater{Context: errs.BusyRetryLaterContext{Tag: errs.TagChainLockBusy}}
	}
	defer lock.Unlock()

	// Re-check under the lock: another goroutine may have completed the
	// build between the first check and taking the lock.
	st.mu.Lock()
	if st.connectionID != "" {
		id := st.connectionID
		st.mu.Unlock()
		return id, nil
	}
	st.mu.Unlock()

	return r.acquireChain(ctx, n, st, 1)
}

func (r *Router) acquireChain(ctx context.Context, n *Node, st *nodeState, position int) (sshpool.ConnectionID, error) {
	r.setReadiness(n, st, ReadinessConnecting)

	conn, err := r.dialHop(ctx, n, position)
	if err != nil {
		r.setReadiness(n, st, ReadinessDisconnected)
		r.bus.EmitNodeEvent(n.ID, "Unreachable", string(errs.ChainFailedTag(position, position)), err.Error())
		return "", err
	}

	connID, err := r.pool.Acquire(ctx, n.ID, n.descriptor(r.hostKeyCallback(n.ID)), conn)
	return r.finishAcquire(n, st, connID, err)
}

// dialHop opens the raw net.Conn for one link in the bastion chain: a
// direct TCP dial for a root node, or a direct-tcpip channel through the
// parent's already-acquired transport otherwise (spec §4.6).
func (r *Router) dialHop(ctx context.Context, n *Node, position int) (net.Conn, error) {
	if n.ParentID == "" {
		return sshpool.Dial(ctx, n.descriptor(r.hostKeyCallback(n.ID)))
	}
	parent, parentSt, err := r.node(n.ParentID)
	if err != nil {
		return nil, err
	}
	parentConnID, err := r.acquireNoLock(ctx, parent, parentSt, position+1)
	if err != nil {
		return nil, errs.ErrUnreachable{Inner: err, Context: errs.UnreachableContext{Address: n.Host}}
	}
	return r.pool.DialThrough(parentConnID, n.descriptor(r.hostKeyCallback(n.ID)))
}

func (r *Router) finishAcquire(n *Node, st *nodeState, connID sshpool.ConnectionID, err error) (sshpool.ConnectionID, error) {
	if err != nil {
		r.setReadiness(n, st, ReadinessDisconnected)
		r.bus.EmitNodeEvent(n.ID, classifyErrKind(err), "", err.Error())
		return "", err
	}

	st.mu.Lock()
	st.connectionID = connID
	st.mu.Unlock()

	r.bus.EmitNodeEvent(n.ID, "connection-bound", "", string(connID))
	r.setReadiness(n, st, ReadinessActive)
	return connID, nil
}

// acquireNoLock is used internally while already holding an ancestor's
// chain lock, to avoid self-deadlock during recursive chain builds.
func (r *Router) acquireNoLock(ctx context.Context, n *Node, st *nodeState, position int) (sshpool.ConnectionID, error) {
	st.mu.Lock()
	if st.connectionID != "" {
		id := st.connectionID
		st.mu.Unlock()
		return id, nil
	}
	st.mu.Unlock()
	return r.acquireChain(ctx, n, st, position)
}

func (r *Router) hostKeyCallback(nodeID string) ssh.HostKeyCallback {
	if r.hkv == nil {
		return nil
	}
	return r.hkv(nodeID)
}

func classifyErrKind(err error) string {
	var authFailed errs.ErrAuthFailed
	if errors.As(err, &authFailed) {
		return "AuthFailed"
	}
	var timeout errs.ErrTimeout
	if errors.As(err, &timeout) {
		return "Timeout"
	}
	var unreachable errs.ErrUnreachable
	if errors.As(err, &unreachable) {
		return "Unreachable"
	}
	return "error"
}

// Rebind publishes a new connection id to a node after a successful
// reconnection (spec §4.7 phase 4), without re-running the dial.
func (r *Router) Rebind(nodeID string, connID sshpool.ConnectionID) error {
	n, st, err := r.node(nodeID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	st.connectionID = connID
	st.mu.Unlock()
	r.bus.EmitNodeEvent(n.ID, "connection-bound", "", string(connID))
	return nil
}

// MarkLinkDown transitions a node to link-down and returns the set of
// descendant node ids affected, per spec §4.6's link-down event. It also
// clears the node's connection id (spec §3: runtime state is "cleared
// on disconnect"), so a subsequent Acquire cannot hand back the now-dead
// transport and is forced to re-dial through acquireChain.
func (r *Router) MarkLinkDown(nodeID string) []string {
	n, st, err := r.node(nodeID)
	if err != nil {
		return nil
	}
	st.mu.Lock()
	downConnID := st.connectionID
	st.connectionID = ""
	st.mu.Unlock()
	r.setReadiness(n, st, ReadinessLinkDown)

	descendants := r.Descendants(nodeID)
	r.bus.EmitConnectionStatusChanged(nodeID, string(downConnID), "link-down", descendants)
	return descendants
}

// Descendants returns every node id whose ancestor chain includes
// nodeID, used to compute the transitive affected set for a link-down
// event (spec §4.3, §4.6).
func (r *Router) Descendants(nodeID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	var walk func(parent string)
	walk = func(parent string) {
		for id, n := range r.nodes {
			if n.ParentID == parent {
				out = append(out, id)
				walk(id)
			}
		}
	}
	walk(nodeID)
	return out
}

// ClearConnection clears a node's runtime connection state, per spec
// §3's "cleared on disconnect".
func (r *Router) ClearConnection(nodeID string) error {
	n, st, err := r.node(nodeID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	st.connectionID = ""
	st.mu.Unlock()
	r.setReadiness(n, st, ReadinessDisconnected)
	return nil
}

// AttachTerminal records that terminalID is open on nodeID, per spec
// §3's node runtime state (open terminal ids).
func (r *Router) AttachTerminal(nodeID, terminalID string) error {
	_, st, err := r.node(nodeID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	st.terminalIDs[terminalID] = struct{}{}
	st.mu.Unlock()
	r.bus.EmitTerminalAttached(nodeID, terminalID)
	return nil
}

// DetachTerminal reverses AttachTerminal.
func (r *Router) DetachTerminal(nodeID, terminalID string) error {
	_, st, err := r.node(nodeID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	delete(st.terminalIDs, terminalID)
	st.mu.Unlock()
	r.bus.EmitTerminalDetached(nodeID, terminalID)
	return nil
}

// OpenTerminals lists the terminal ids currently open on nodeID.
func (r *Router) OpenTerminals(nodeID string) ([]string, error) {
	_, st, err := r.node(nodeID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]string, 0, len(st.terminalIDs))
	for id := range st.terminalIDs {
		out = append(out, id)
	}
	return out, nil
}

// Borrow resolves nodeID to a connection (acquiring if necessary) and
// returns a live *ssh.Client, incrementing the connection's reference
// count. This is the single indirection point referenced throughout
// spec §4.6 and §9: dependents hold a node id, never a connection id.
func (r *Router) Borrow(ctx context.Context, nodeID string) (sshpool.ConnectionID, *ssh.Client, error) {
	connID, err := r.Acquire(ctx, nodeID)
	if err != nil {
		return "", nil, err
	}
	client, err := r.pool.Borrow(connID)
	if err != nil {
		return "", nil, err
	}
	return connID, client, nil
}

// Release returns a borrowed connection reference.
func (r *Router) Release(connID sshpool.ConnectionID) error {
	return r.pool.Release(connID)
}

// ClientFor returns the live *ssh.Client for an already-acquired
// connection id, used by the reconnection orchestrator's restore phase
// (spec §4.7 phase 5) to hand dependents the freshly rebound handle.
func (r *Router) ClientFor(connID sshpool.ConnectionID) (*ssh.Client, error) {
	return r.pool.Client(connID)
}

// SetReadinessReconnecting forces a node's readiness label to
// reconnecting without touching its connection state, used at the start
// of an orchestrator run (spec §4.7).
func (r *Router) SetReadinessReconnecting(nodeID string) {
	n, st, err := r.node(nodeID)
	if err != nil {
		return
	}
	r.setReadiness(n, st, ReadinessReconnecting)
}

// SetReadinessActive forces a node's readiness label to active, used by
// the orchestrator's announce phase (spec §4.7 phase 6) after a
// successful restore.
func (r *Router) SetReadinessActive(nodeID string) {
	n, st, err := r.node(nodeID)
	if err != nil {
		return
	}
	r.setReadiness(n, st, ReadinessActive)
}
