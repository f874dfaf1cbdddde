// Package reconnect implements the reconnection orchestrator of spec
// §4.7: a single-flight pipeline that recovers a node after its
// transport fails, running six phases and restoring the node's
// registered dependents; descendants receive a parent-recovered hint
// and are not re-dialed by that run.
package reconnect

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/inconshreveable/log15/v3"
	"github.com/jpillora/backoff"
	"golang.org/x/crypto/ssh"

	"github.com/oxideterm/core/errs"
	"github.com/oxideterm/core/events"
	"github.com/oxideterm/core/router"
	"github.com/oxideterm/core/sshpool"
)

// Dependent is the uniform capability set of spec §9: "a terminal
// session, an SFTP session, a forward, and a profiler are all dependents
// of a connection... plus a uniform capability set {suspend, rebind,
// restore, close}". Concrete registries (termreg, sftpsvc, forwardmgr)
// adapt to this interface instead of the orchestrator knowing their
// internal shapes.
type Dependent interface {
	Kind() string // "terminal", "sftp", "forward", "profiler"
	ID() string
	// Drain suspends the dependent and preserves whatever state survival
	// requires (scrollback, transfer offset, listener config), per spec
	// §4.7 phase 2.
	Drain() error
	// Restore re-establishes the dependent's live resource against the
	// freshly rebound client, per spec §4.7 phase 5.
	Restore(client *ssh.Client) error
}

// Result is the outcome of one orchestrator run (spec §4.7's "reporting
// a partial-success result").
type Result struct {
	NodeID    string
	Succeeded []string // dependent ids restored successfully
	Failed    map[string]error
	Err       error // non-nil only on a pipeline-aborting failure (e.g. AuthFailed)
}

// Config tunes orchestrator-wide defaults (spec §4.7).
type Config struct {
	MaxRetries     int           // default 3
	DebounceWindow time.Duration // default 500ms
	BackoffMin     time.Duration
	BackoffMax     time.Duration
}

func defaultConfig() Config {
	return Config{
		MaxRetries:     3,
		DebounceWindow: 500 * time.Millisecond,
		BackoffMin:     500 * time.Millisecond,
		BackoffMax:     30 * time.Second,
	}
}

// Orchestrator drives recovery (spec §4.7). At most one pipeline runs at
// a time process-wide, enforced by chainLock; a second, per-node lock
// prevents duplicate scheduling for the same node.
type Orchestrator struct {
	log    log15.Logger
	router *router.Router
	bus    *events.Bus
	cfg    Config

	chainLock sync.Mutex

	mu          sync.Mutex
	nodeLocks   map[string]*sync.Mutex
	dependents  map[string][]Dependent
	debounce    map[string]*time.Timer
	pendingRoot map[string]struct{}
}

// New constructs an Orchestrator driving recovery through r and
// publishing events on bus.
func New(logger log15.Logger, r *router.Router, bus *events.Bus, cfg Config) *Orchestrator {
	if logger == nil {
		logger = log15.New()
	}
	if cfg == (Config{}) {
		cfg = defaultConfig()
	}
	return &Orchestrator{
		log:         logger.New("obj", "reconnect"),
		router:      r,
		bus:         bus,
		cfg:         cfg,
		nodeLocks:   make(map[string]*sync.Mutex),
		dependents:  make(map[string][]Dependent),
		debounce:    make(map[string]*time.Timer),
		pendingRoot: make(map[string]struct{}),
	}
}

// RegisterDependent attaches dep to nodeID's dependent set, so the
// orchestrator's drain/restore phases (2 and 5) reach it.
func (o *Orchestrator) RegisterDependent(nodeID string, dep Dependent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dependents[nodeID] = append(o.dependents[nodeID], dep)
}

// UnregisterDependent removes dep from nodeID's dependent set (on
// explicit close, not link-down).
func (o *Orchestrator) UnregisterDependent(nodeID, depID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	deps := o.dependents[nodeID]
	for i, d := range deps {
		if d.ID() == depID {
			o.dependents[nodeID] = append(deps[:i], deps[i+1:]...)
			return
		}
	}
}

func (o *Orchestrator) nodeLock(nodeID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.nodeLocks[nodeID]
	if !ok {
		l = &sync.Mutex{}
		o.nodeLocks[nodeID] = l
	}
	return l
}

// OnLinkDown is wired as the sshpool.LinkDownFunc: it debounces repeated
// link-down notifications for the same node observed within
// cfg.DebounceWindow, so that they collapse into one orchestrated
// recovery of that node (spec §4.7). Debouncing is keyed by node id
// only: notifications for different nodes, such as a bastion and its
// descendants, each schedule their own run, and a run is not re-rooted
// at the shallowest affected node.
func (o *Orchestrator) OnLinkDown(nodeID string) {
	descendants := o.router.MarkLinkDown(nodeID)
	o.log.Warn("link-down observed", "node", nodeID, "descendants", descendants)

	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.debounce[nodeID]; ok {
		t.Stop()
	}
	o.pendingRoot[nodeID] = struct{}{}
	o.debounce[nodeID] = time.AfterFunc(o.cfg.DebounceWindow, func() {
		o.mu.Lock()
		delete(o.pendingRoot, nodeID)
		delete(o.debounce, nodeID)
		o.mu.Unlock()
		go o.Run(context.Background(), nodeID)
	})
}

// Run executes the six-phase recovery pipeline for nodeID (spec §4.7).
// Running it against a node that is already active is a no-op (spec
// §8's orchestrator idempotence property).
func (o *Orchestrator) Run(ctx context.Context, nodeID string) Result {
	if ready, err := o.router.Readiness(nodeID); err == nil && ready == router.ReadinessActive {
		return Result{NodeID: nodeID, Succeeded: nil, Failed: map[string]error{}}
	}

	nl := o.nodeLock(nodeID)
	if !nl.TryLock() {
		return Result{NodeID: nodeID, Err: errs.ErrBusyRetryLater{Context: errs.BusyRetryLaterContext{Tag: errs.TagNodeLockBusy}}}
	}
	defer nl.Unlock()

	if !o.chainLock.TryLock() {
		return Result{NodeID: nodeID, Err: errs.ErrBusyRetryLater{Context: errs.BusyRetryLaterContext{Tag: errs.TagChainLockBusy}}}
	}
	defer o.chainLock.Unlock()

	o.router.SetReadinessReconnecting(nodeID)

	// Phase 1: snapshot.
	o.mu.Lock()
	deps := append([]Dependent(nil), o.dependents[nodeID]...)
	o.mu.Unlock()

	// Phase 2: drain.
	for _, d := range deps {
		if err := d.Drain(); err != nil {
			o.log.Warn("drain failed", "node", nodeID, "dependent", d.ID(), "err", err)
		}
	}

	// Phase 3: transport.
	connID, err := o.acquireWithRetry(ctx, nodeID)
	if err != nil {
		o.bus.EmitNodeEvent(nodeID, "error", "", err.Error())
		var authFailed errs.ErrAuthFailed
		if errors.As(err, &authFailed) {
			o.bus.EmitNodeEvent(nodeID, "AuthRequired", "", "reconnection requires user interaction")
		}
		return Result{NodeID: nodeID, Err: err}
	}

	client, err := o.router.ClientFor(connID)
	if err != nil {
		return Result{NodeID: nodeID, Err: err}
	}

	// Phase 4: rebind.
	if err := o.router.Rebind(nodeID, connID); err != nil {
		return Result{NodeID: nodeID, Err: err}
	}

	// Phase 5: restore. A single dependent's unrecoverable failure does
	// not abort the sibling restores (spec §4.7's partial-success
	// semantics).
	succeeded := make([]string, 0, len(deps))
	failed := make(map[string]error)
	for _, d := range deps {
		if err := d.Restore(client); err != nil {
			failed[d.ID()] = err
			o.bus.EmitNodeEvent(nodeID, "error", "", d.Kind()+" "+d.ID()+" failed to restore: "+err.Error())
			continue
		}
		succeeded = append(succeeded, d.ID())
	}

	// Phase 6: announce.
	o.router.SetReadinessActive(nodeID)
	for _, childID := range o.router.Descendants(nodeID) {
		o.bus.EmitNodeEvent(childID, "parent-recovered", "", nodeID)
	}

	return Result{NodeID: nodeID, Succeeded: succeeded, Failed: failed}
}

// acquireWithRetry retries transient acquisition failures up to
// cfg.MaxRetries with backoff, aborting immediately on AuthFailed (spec
// §4.7's failure semantics: "Authentication failures abort the
// pipeline ... Network failures are retried"), grounded on the
// teacher's reconnectingSession.connect backoff loop.
func (o *Orchestrator) acquireWithRetry(ctx context.Context, nodeID string) (sshpool.ConnectionID, error) {
	boff := &backoff.Backoff{
		Min:    o.cfg.BackoffMin,
		Max:    o.cfg.BackoffMax,
		Factor: 2,
	}

	var lastErr error
	for attempt := 0; attempt <= o.cfg.MaxRetries; attempt++ {
		connID, err := o.router.Acquire(ctx, nodeID)
		if err == nil {
			return connID, nil
		}
		lastErr = err

		var authFailed errs.ErrAuthFailed
		if errors.As(err, &authFailed) {
			return "", err
		}

		if attempt == o.cfg.MaxRetries {
			break
		}

		wait := boff.Duration()
		o.log.Warn("transport acquisition failed, retrying", "node", nodeID, "attempt", attempt+1, "wait", wait)
		select {
		case <-ctx.Done():
			return "", errs.ErrCancelled{Inner: ctx.Err()}
		case <-time.After(wait):
		}
	}
	return "", errs.ErrTransient{Inner: lastErr, Context: errs.TransientContext{Operation: "connection acquisition for " + nodeID}}
}
