package core

import "github.com/oxideterm/core/errs"

func errNoSFTPSession(nodeID string) error {
	return errs.ErrNotFound{Context: errs.NotFoundContext{Kind: "sftp session", ID: nodeID}}
}
