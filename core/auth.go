package core

import (
	"path/filepath"

	"github.com/oxideterm/core/vault"
)

// UnlockVault creates the vault under passphrase on first use, or
// unlocks the existing one, per spec §6's auth.unlock (exit code 10 on
// failure, mapped by the CLI entry point).
func (c *Core) UnlockVault(passphrase string) error {
	if vault.Exists(c.vaultPath()) {
		return c.vault.Unlock(passphrase)
	}
	return c.vault.Create(passphrase)
}

func (c *Core) vaultPath() string {
	return filepath.Join(c.cfg.DataDir, "vault.oxv")
}

// SaveSecret stores nodeID's credential material in the vault (spec §6
// vault.save).
func (c *Core) SaveSecret(nodeID string, secret []byte) error {
	return c.vault.Save(nodeID, secret)
}

// Secret returns nodeID's stored credential material.
func (c *Core) Secret(nodeID string) ([]byte, error) {
	return c.vault.Get(nodeID)
}

// ForgetSecret deletes nodeID's stored credential material (spec §6
// vault.forget).
func (c *Core) ForgetSecret(nodeID string) error {
	return c.vault.Forget(nodeID)
}

// Groups returns the persisted folder list used to organize nodes (spec
// §6).
func (c *Core) Groups() ([]vault.Group, error) {
	return c.groupStore.Load()
}

// SaveGroups overwrites the persisted folder list.
func (c *Core) SaveGroups(groups []vault.Group) error {
	return c.groupStore.Save(groups)
}
