package core

import (
	"golang.org/x/crypto/ssh"

	"github.com/oxideterm/core/forwardmgr"
	"github.com/oxideterm/core/termreg"
)

// terminalDependent adapts termreg.Registry to reconnect.Dependent for
// one terminal session, implementing spec §9's uniform capability set
// over the session registry.
type terminalDependent struct {
	terms *termreg.Registry
	id    string
}

func (d *terminalDependent) Kind() string { return "terminal" }
func (d *terminalDependent) ID() string   { return d.id }

func (d *terminalDependent) Drain() error {
	return d.terms.MarkAwaitingReattach(d.id)
}

func (d *terminalDependent) Restore(client *ssh.Client) error {
	return d.terms.Rebind(d.id, client)
}

// forwardDependent adapts forwardmgr.Manager to reconnect.Dependent for
// one forward.
type forwardDependent struct {
	forwards *forwardmgr.Manager
	id       forwardmgr.ID
}

func (d *forwardDependent) Kind() string { return "forward" }
func (d *forwardDependent) ID() string   { return string(d.id) }

func (d *forwardDependent) Drain() error {
	return d.forwards.Suspend(d.id)
}

func (d *forwardDependent) Restore(client *ssh.Client) error {
	return d.forwards.Rearm(d.id, forwardmgr.NewSSHOpener(client))
}

// sftpDependent adapts a sftpsvc.Session to reconnect.Dependent. Because
// the SFTP subsystem channel itself dies with the transport, Drain closes
// it but leaves the session object (and its transfer map) in place;
// Restore reopens the channel on the same session via Rebind instead of
// replacing it, so an errored transfer's preserved offset survives the
// reconnection.
type sftpDependent struct {
	core   *Core
	nodeID string
}

func (d *sftpDependent) Kind() string { return "sftp" }
func (d *sftpDependent) ID() string   { return d.nodeID }

func (d *sftpDependent) Drain() error {
	d.core.mu.Lock()
	sess, ok := d.core.sftpSessions[d.nodeID]
	d.core.mu.Unlock()
	if !ok {
		return nil
	}
	return sess.Close()
}

func (d *sftpDependent) Restore(client *ssh.Client) error {
	d.core.mu.Lock()
	sess, ok := d.core.sftpSessions[d.nodeID]
	d.core.mu.Unlock()
	if !ok {
		return nil
	}
	return sess.Rebind(client)
}

// profilerDependent adapts the resource-sampling loop of spec §3
// ("profiler") to reconnect.Dependent: drain stops the node's sampler
// timer, restore starts a fresh one against the rebound client and
// publishes samples on the bus.
type profilerDependent struct {
	core   *Core
	nodeID string
}

func (d *profilerDependent) Kind() string { return "profiler" }
func (d *profilerDependent) ID() string   { return d.nodeID }

func (d *profilerDependent) Drain() error {
	d.core.stopProfiler(d.nodeID)
	return nil
}

func (d *profilerDependent) Restore(client *ssh.Client) error {
	d.core.startProfiler(d.nodeID, client)
	return nil
}
