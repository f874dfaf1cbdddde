package core

import (
	"github.com/oxideterm/core/router"
	"github.com/oxideterm/core/sshpool"
	"github.com/oxideterm/core/vault"
)

// NodeSpec describes a node to create, the control-surface input for
// node.create and node.drill (spec §6).
type NodeSpec struct {
	DisplayName string
	Host        string
	Port        int
	Username    string
	Auth        sshpool.Auth
	GroupID     string
}

// CreateNode registers a new root node and persists its descriptor
// (spec §6 node.create).
func (c *Core) CreateNode(spec NodeSpec) (string, error) {
	id := c.router.CreateNode(router.Node{
		DisplayName: spec.DisplayName,
		Host:        spec.Host,
		Port:        spec.Port,
		Username:    spec.Username,
		Auth:        spec.Auth,
		Origin:      router.OriginManual,
	})
	if err := c.saveDescriptor(id, "", spec); err != nil {
		return "", err
	}
	return id, nil
}

// DrillNode creates a child node whose parent is parentID (spec §6
// node.drill, origin drill-down-from-parent).
func (c *Core) DrillNode(parentID string, spec NodeSpec) (string, error) {
	id, err := c.router.Drill(parentID, router.Node{
		DisplayName: spec.DisplayName,
		Host:        spec.Host,
		Port:        spec.Port,
		Username:    spec.Username,
		Auth:        spec.Auth,
	})
	if err != nil {
		return "", err
	}
	if err := c.saveDescriptor(id, parentID, spec); err != nil {
		return "", err
	}
	return id, nil
}

// RemoveNode destroys a node's identity, its vault secret, and its
// descriptor record (spec §6 node.remove).
func (c *Core) RemoveNode(id string) error {
	if err := c.router.RemoveNode(id); err != nil {
		return err
	}
	_ = c.vault.Forget(id)

	nodes, err := c.nodeStore.Load()
	if err != nil {
		return err
	}
	kept := nodes[:0]
	for _, n := range nodes {
		if n.ID != id {
			kept = append(kept, n)
		}
	}
	return c.nodeStore.Save(kept)
}

// ListNodes returns every registered node (spec §6 node.list).
func (c *Core) ListNodes() []*router.Node {
	return c.router.ListNodes()
}

func (c *Core) saveDescriptor(id, parentID string, spec NodeSpec) error {
	nodes, err := c.nodeStore.Load()
	if err != nil {
		return err
	}
	nodes = append(nodes, vault.NodeDescriptor{
		ID:          id,
		DisplayName: spec.DisplayName,
		Host:        spec.Host,
		Port:        spec.Port,
		Username:    spec.Username,
		AuthMethod:  authMethodTag(spec.Auth.Kind),
		ParentID:    parentID,
		Origin:      originTag(parentID),
		GroupID:     spec.GroupID,
	})
	return c.nodeStore.Save(nodes)
}

func authMethodTag(kind sshpool.AuthKind) string {
	switch kind {
	case sshpool.AuthPassword:
		return "password"
	case sshpool.AuthPrivateKey:
		return "key"
	case sshpool.AuthAgent:
		return "agent"
	case sshpool.AuthCertificate:
		return "certificate"
	case sshpool.AuthInteractive:
		return "interactive"
	default:
		return "unknown"
	}
}

func originTag(parentID string) string {
	if parentID == "" {
		return "manual"
	}
	return "drill-down"
}
