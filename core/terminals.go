package core

import "context"

// OpenTerminal borrows nodeID's connection and opens an interactive
// shell channel over it, registering the session with the reconnection
// orchestrator so it survives a link-down/rebind cycle (spec §6
// terminal.open, §4.7).
func (c *Core) OpenTerminal(ctx context.Context, nodeID string, rows, cols uint16) (string, error) {
	connID, client, err := c.router.Borrow(ctx, nodeID)
	if err != nil {
		return "", err
	}

	termID, err := c.terms.Open(nodeID, client, rows, cols)
	if err != nil {
		_ = c.router.Release(connID)
		return "", err
	}

	if err := c.router.AttachTerminal(nodeID, termID); err != nil {
		_ = c.terms.Close(termID)
		_ = c.router.Release(connID)
		return "", err
	}

	c.mu.Lock()
	c.termConns[termID] = connID
	c.mu.Unlock()

	c.orchestrator.RegisterDependent(nodeID, &terminalDependent{terms: c.terms, id: termID})
	return termID, nil
}

// ResizeTerminal changes a terminal session's rows/cols (spec §6
// terminal.resize).
func (c *Core) ResizeTerminal(termID string, rows, cols uint16) error {
	return c.terms.Resize(termID, rows, cols)
}

// WriteTerminal sends raw bytes to a terminal session's channel,
// equivalent to an Input frame delivered outside ServePeer.
func (c *Core) WriteTerminal(termID string, data []byte) error {
	return c.terms.Write(termID, data)
}

// CloseTerminal tears down a terminal session, detaches it from its
// node, releases the borrowed connection, and unregisters it from the
// orchestrator (spec §6 terminal.close).
func (c *Core) CloseTerminal(termID string) error {
	nodeID, err := c.terms.NodeOf(termID)
	if err != nil {
		return err
	}

	_ = c.terms.Close(termID)
	_ = c.router.DetachTerminal(nodeID, termID)
	c.orchestrator.UnregisterDependent(nodeID, termID)

	c.mu.Lock()
	connID, ok := c.termConns[termID]
	delete(c.termConns, termID)
	delete(c.peers, termID)
	c.mu.Unlock()

	if ok {
		_ = c.router.Release(connID)
	}
	return nil
}

// ListTerminals returns the terminal ids currently open on nodeID (spec
// §6, backing terminal.open's companion listing use in the UI).
func (c *Core) ListTerminals(nodeID string) ([]string, error) {
	return c.router.OpenTerminals(nodeID)
}

// Scrollback returns a terminal session's retained scrollback.
func (c *Core) Scrollback(termID string) ([]byte, error) {
	return c.terms.Scrollback(termID)
}
