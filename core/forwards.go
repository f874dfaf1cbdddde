package core

import (
	"context"

	"github.com/oxideterm/core/forwardmgr"
)

// AddForward borrows nodeID's connection and starts a new forward over
// it, registering the forward with the reconnection orchestrator (spec
// §6 forward.add, §4.4).
func (c *Core) AddForward(ctx context.Context, nodeID string, spec forwardmgr.Spec) (forwardmgr.ID, error) {
	connID, client, err := c.router.Borrow(ctx, nodeID)
	if err != nil {
		return "", err
	}

	id, err := c.forwards.Add(forwardmgr.NewSSHOpener(client), spec)
	if err != nil {
		_ = c.router.Release(connID)
		return "", err
	}

	c.mu.Lock()
	c.forwardConns[id] = connID
	c.forwardNodes[id] = nodeID
	c.mu.Unlock()

	c.orchestrator.RegisterDependent(nodeID, &forwardDependent{forwards: c.forwards, id: id})
	return id, nil
}

// RemoveForward tears down a forward and releases its borrowed
// connection (spec §6 forward.remove).
func (c *Core) RemoveForward(id forwardmgr.ID) error {
	c.mu.Lock()
	connID, hasConn := c.forwardConns[id]
	nodeID, hasNode := c.forwardNodes[id]
	delete(c.forwardConns, id)
	delete(c.forwardNodes, id)
	c.mu.Unlock()

	if err := c.forwards.Remove(id); err != nil {
		return err
	}
	if hasNode {
		c.orchestrator.UnregisterDependent(nodeID, string(id))
	}
	if hasConn {
		_ = c.router.Release(connID)
	}
	return nil
}

// ListForwards returns every forward id the manager knows about (spec
// §6 forward.list).
func (c *Core) ListForwards() []forwardmgr.ID {
	return c.forwards.List()
}
