// Package core implements the control-surface facade of spec §6: the
// single entry point that wires the node router, the SSH connection
// pool, the reconnection orchestrator, the local PTY and terminal
// session registries, the SFTP transfer queue, the forwarding manager,
// and the persistent vault/descriptor stores into the operations a UI
// front-end drives (node.*, terminal.*, sftp.*, forward.*, pty.*,
// auth.unlock, vault.*).
package core

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/inconshreveable/log15/v3"
	"golang.org/x/crypto/ssh"

	"github.com/oxideterm/core/events"
	"github.com/oxideterm/core/forwardmgr"
	"github.com/oxideterm/core/ptyreg"
	"github.com/oxideterm/core/reconnect"
	"github.com/oxideterm/core/router"
	"github.com/oxideterm/core/sftpsvc"
	"github.com/oxideterm/core/sshpool"
	"github.com/oxideterm/core/termreg"
	"github.com/oxideterm/core/vault"
	"github.com/oxideterm/core/wire"
)

// Config tunes a Core's persistent state location and subsystem
// defaults.
type Config struct {
	DataDir   string // holds nodes.yaml, groups.yaml, known_hosts, vault.oxv
	Pool      sshpool.Config
	Reconnect reconnect.Config
	SFTP      sftpsvc.Config
	Scrollback int // termreg scrollback cap override, 0 for default
}

// Core is the facade wiring every subsystem of spec §4 into the
// control-surface operations of spec §6.
type Core struct {
	log log15.Logger
	cfg Config
	bus *events.Bus

	pool         *sshpool.Pool
	router       *router.Router
	orchestrator *reconnect.Orchestrator
	ptys         *ptyreg.Registry
	terms        *termreg.Registry
	forwards     *forwardmgr.Manager

	vault      *vault.Vault
	nodeStore  *vault.DescriptorStore
	groupStore *vault.GroupStore
	knownHosts *vault.KnownHosts

	mu            sync.Mutex
	sftpSessions  map[string]*sftpsvc.Session     // nodeID -> session
	sftpConns     map[string]sshpool.ConnectionID // nodeID -> borrowed connection
	termConns     map[string]sshpool.ConnectionID // termID -> borrowed connection
	forwardConns  map[forwardmgr.ID]sshpool.ConnectionID
	forwardNodes  map[forwardmgr.ID]string
	peers         map[string]*wire.Framer        // terminal/pty id -> bound UI peer
	profilers     map[string]*profilerState      // nodeID -> running sampler
	profilerConns map[string]sshpool.ConnectionID // nodeID -> borrowed connection
}

// New constructs a Core backed by the state files under cfg.DataDir,
// wiring every subsystem together (spec §6).
func New(logger log15.Logger, cfg Config) (*Core, error) {
	if logger == nil {
		logger = log15.New()
	}

	c := &Core{
		log:          logger.New("obj", "core"),
		cfg:          cfg,
		bus:          events.NewBus(),
		vault:        vault.New(filepath.Join(cfg.DataDir, "vault.oxv")),
		nodeStore:    vault.NewDescriptorStore(filepath.Join(cfg.DataDir, "nodes.yaml")),
		groupStore:   vault.NewGroupStore(filepath.Join(cfg.DataDir, "groups.yaml")),
		sftpSessions:  make(map[string]*sftpsvc.Session),
		sftpConns:     make(map[string]sshpool.ConnectionID),
		termConns:     make(map[string]sshpool.ConnectionID),
		forwardConns:  make(map[forwardmgr.ID]sshpool.ConnectionID),
		forwardNodes:  make(map[forwardmgr.ID]string),
		peers:         make(map[string]*wire.Framer),
		profilers:     make(map[string]*profilerState),
		profilerConns: make(map[string]sshpool.ConnectionID),
	}

	kh, err := vault.NewKnownHosts(filepath.Join(cfg.DataDir, "known_hosts"))
	if err != nil {
		return nil, err
	}
	c.knownHosts = kh

	// The pool's link-down callback must reach the orchestrator, but the
	// orchestrator needs the router, which needs the pool. orch is wired
	// through a closure and assigned once construction completes; the
	// pool never invokes it before then (only a later keepalive probe
	// failure can trigger it).
	var orch *reconnect.Orchestrator
	c.pool = sshpool.New(logger, cfg.Pool,
		func(_ sshpool.ConnectionID, nodeID string) {
			if orch != nil {
				orch.OnLinkDown(nodeID)
			}
		},
		func(_ sshpool.ConnectionID, nodeID string) {
			if c.router != nil {
				_ = c.router.ClearConnection(nodeID)
			}
		},
	)
	c.router = router.New(logger, c.pool, c.bus, c.hostKeyVerifier)
	orch = reconnect.New(logger, c.router, c.bus, cfg.Reconnect)
	c.orchestrator = orch

	var termOpts []termreg.Option
	if cfg.Scrollback > 0 {
		termOpts = append(termOpts, termreg.WithScrollbackCap(cfg.Scrollback))
	}
	c.ptys = ptyreg.New(logger, c.dispatchPTYOutput)
	c.terms = termreg.New(logger, c.dispatchTermOutput, termOpts...)
	c.forwards = forwardmgr.New(logger)

	return c, nil
}

// Events returns the event bus UI front-ends subscribe to for
// node.readiness, node.event, connection.status_changed,
// transfer.progress, terminal.attached/detached (spec §6).
func (c *Core) Events() *events.Bus { return c.bus }

func (c *Core) hostKeyVerifier(nodeID string) ssh.HostKeyCallback {
	cb, err := c.knownHosts.Callback()
	if err != nil {
		c.log.Error("known_hosts callback unavailable", "err", err)
		return nil
	}
	return cb
}

func (c *Core) dispatchPTYOutput(ptyID string, data []byte) { c.dispatch(ptyID, data) }
func (c *Core) dispatchTermOutput(termID string, data []byte) { c.dispatch(termID, data) }

// dispatch forwards output bytes to the UI peer currently bound to id,
// if any, as an Output frame (spec §4.1).
func (c *Core) dispatch(id string, data []byte) {
	c.mu.Lock()
	f := c.peers[id]
	c.mu.Unlock()
	if f == nil {
		return
	}
	if err := f.Encode(wire.TypeOutput, data); err != nil {
		c.log.Warn("output dispatch failed", "id", id, "err", err)
	}
}

// AttachPeer binds framer as id's UI peer, replacing any previously
// bound peer (spec §3's "binds at most one UI peer at a time").
func (c *Core) AttachPeer(id string, framer *wire.Framer) {
	c.mu.Lock()
	c.peers[id] = framer
	c.mu.Unlock()
}

// DetachPeer releases id's UI peer binding without affecting the
// underlying terminal or PTY.
func (c *Core) DetachPeer(id string) {
	c.mu.Lock()
	delete(c.peers, id)
	c.mu.Unlock()
}

// ServePeer runs the decode loop for a bound wire endpoint, dispatching
// Input and Resize frames to the terminal or PTY identified by id until
// the transport errors or ctx is cancelled (spec §4.1). kind is
// "terminal" or "pty".
func (c *Core) ServePeer(ctx context.Context, kind, id string, framer *wire.Framer) error {
	c.AttachPeer(id, framer)
	defer c.DetachPeer(id)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		frame, err := framer.Decode()
		if err != nil {
			return err
		}
		switch frame.Type {
		case wire.TypeInput:
			if werr := c.writeTo(kind, id, frame.Payload); werr != nil {
				_ = framer.EncodeProtocolError(werr.Error())
			}
		case wire.TypeResize:
			rows, cols, rerr := wire.DecodeResize(frame.Payload)
			if rerr != nil {
				_ = framer.EncodeProtocolError(rerr.Error())
				continue
			}
			_ = c.resizeOf(kind, id, rows, cols)
		case wire.TypeProtocolError:
			return &wire.ProtocolError{Reason: string(frame.Payload)}
		}
	}
}

func (c *Core) writeTo(kind, id string, data []byte) error {
	if kind == "pty" {
		return c.ptys.Write(id, data)
	}
	return c.terms.Write(id, data)
}

func (c *Core) resizeOf(kind, id string, rows, cols uint16) error {
	if kind == "pty" {
		return c.ptys.Resize(id, rows, cols)
	}
	return c.terms.Resize(id, rows, cols)
}

// Close drains every pooled connection and the PTY registry, for
// process shutdown (spec §9).
func (c *Core) Close() {
	c.pool.Drain()
	for _, id := range c.ptys.List() {
		_ = c.ptys.Close(id)
	}
}
