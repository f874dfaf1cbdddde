package core

import "github.com/oxideterm/core/ptyreg"

// SpawnPTY starts a local child process attached to a new pseudo
// terminal (spec §6 pty.spawn, §4.2). Local PTYs have no owning node
// and are never dependents of the reconnection orchestrator.
func (c *Core) SpawnPTY(spec ptyreg.Spec) (string, error) {
	return c.ptys.Spawn(spec)
}

// WritePTY sends bytes to a PTY's child process, equivalent to an
// Input frame delivered outside ServePeer.
func (c *Core) WritePTY(ptyID string, data []byte) error {
	return c.ptys.Write(ptyID, data)
}

// ResizePTY changes a PTY's rows/cols (spec §6 pty control, §4.2).
func (c *Core) ResizePTY(ptyID string, rows, cols uint16) error {
	return c.ptys.Resize(ptyID, rows, cols)
}

// ClosePTY terminates a PTY's child process (spec §6 pty.close).
func (c *Core) ClosePTY(ptyID string) error {
	c.mu.Lock()
	delete(c.peers, ptyID)
	c.mu.Unlock()
	return c.ptys.Close(ptyID)
}

// ListPTYs returns every PTY id currently tracked (spec §6 pty.list).
func (c *Core) ListPTYs() []string {
	return c.ptys.List()
}

// CleanupPTYs removes registry entries for PTYs whose child has already
// exited, returning their ids (spec §6 pty.cleanup).
func (c *Core) CleanupPTYs() []string {
	return c.ptys.DrainCleanup()
}
