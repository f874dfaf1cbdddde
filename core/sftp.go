package core

import (
	"context"
	"os"

	"github.com/oxideterm/core/sftpsvc"
)

// OpenSFTP lazily opens (or returns the existing) SFTP session for
// nodeID, borrowing the node's connection on first use and registering
// the session with the reconnection orchestrator (spec §6 sftp.open,
// §4.5).
func (c *Core) OpenSFTP(ctx context.Context, nodeID string) (*sftpsvc.Session, error) {
	c.mu.Lock()
	if sess, ok := c.sftpSessions[nodeID]; ok {
		c.mu.Unlock()
		return sess, nil
	}
	c.mu.Unlock()

	connID, client, err := c.router.Borrow(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	sess, err := sftpsvc.Open(c.log, c.bus, nodeID, client, c.cfg.SFTP)
	if err != nil {
		_ = c.router.Release(connID)
		return nil, err
	}

	c.mu.Lock()
	c.sftpSessions[nodeID] = sess
	c.sftpConns[nodeID] = connID
	c.mu.Unlock()

	c.orchestrator.RegisterDependent(nodeID, &sftpDependent{core: c, nodeID: nodeID})
	return sess, nil
}

// CloseSFTP tears down nodeID's SFTP session and releases its borrowed
// connection.
func (c *Core) CloseSFTP(nodeID string) error {
	c.mu.Lock()
	sess, ok := c.sftpSessions[nodeID]
	connID := c.sftpConns[nodeID]
	delete(c.sftpSessions, nodeID)
	delete(c.sftpConns, nodeID)
	c.mu.Unlock()
	if !ok {
		return nil
	}

	c.orchestrator.UnregisterDependent(nodeID, nodeID)
	err := sess.Close()
	_ = c.router.Release(connID)
	return err
}

// ListSFTP lists directory entries at path on nodeID's SFTP session
// (spec §6 sftp.list).
func (c *Core) ListSFTP(ctx context.Context, nodeID, path string) ([]os.FileInfo, error) {
	sess, err := c.OpenSFTP(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	return sess.List(path)
}

// StartSFTPUpload starts an upload transfer on nodeID's SFTP session
// (spec §6 sftp.transfer start).
func (c *Core) StartSFTPUpload(ctx context.Context, nodeID, localPath, remotePath string) (*sftpsvc.Transfer, error) {
	sess, err := c.OpenSFTP(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	return sess.StartUpload(localPath, remotePath)
}

// StartSFTPDownload starts a download transfer on nodeID's SFTP session.
func (c *Core) StartSFTPDownload(ctx context.Context, nodeID, remotePath, localPath string) (*sftpsvc.Transfer, error) {
	sess, err := c.OpenSFTP(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	return sess.StartDownload(remotePath, localPath)
}

// PauseSFTPTransfer, ResumeSFTPTransfer, CancelSFTPTransfer implement
// spec §6's sftp.transfer {pause, resume, cancel} against an
// already-open session.
func (c *Core) PauseSFTPTransfer(nodeID, transferID string) error {
	sess, err := c.sftpSessionFor(nodeID)
	if err != nil {
		return err
	}
	return sess.Pause(transferID)
}

func (c *Core) ResumeSFTPTransfer(nodeID, transferID string) error {
	sess, err := c.sftpSessionFor(nodeID)
	if err != nil {
		return err
	}
	return sess.Resume(transferID)
}

func (c *Core) CancelSFTPTransfer(nodeID, transferID string) error {
	sess, err := c.sftpSessionFor(nodeID)
	if err != nil {
		return err
	}
	return sess.Cancel(transferID)
}

func (c *Core) sftpSessionFor(nodeID string) (*sftpsvc.Session, error) {
	c.mu.Lock()
	sess, ok := c.sftpSessions[nodeID]
	c.mu.Unlock()
	if !ok {
		return nil, errNoSFTPSession(nodeID)
	}
	return sess, nil
}
