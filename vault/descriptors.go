// Descriptor and group stores: the human-editable, non-secret half of
// spec §6's persistent state layout — "a node-descriptor store (ordered
// list of nodes with parent linkage and auth-method tags), a group store
// (folder names)". Secrets themselves live only in the Vault.
package vault

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/oxideterm/core/errs"
)

// NodeDescriptor is the on-disk record for one node (spec §3, minus the
// secret payload which lives in the vault).
type NodeDescriptor struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Username    string `yaml:"username"`
	AuthMethod  string `yaml:"auth_method"`
	ParentID    string `yaml:"parent_id,omitempty"`
	Origin      string `yaml:"origin"`
	GroupID     string `yaml:"group_id,omitempty"`
}

// Group is a folder name used to organize nodes in the presentation
// layer (spec §6).
type Group struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DescriptorStore persists an ordered list of node descriptors as YAML,
// matching the teacher's configuration-file conventions (gopkg.in/yaml.v3).
type DescriptorStore struct {
	path string
}

// NewDescriptorStore constructs a store backed by the file at path.
func NewDescriptorStore(path string) *DescriptorStore {
	return &DescriptorStore{path: path}
}

// Load reads the ordered node list from disk. A missing file is treated
// as an empty store, not an error, matching first-run behavior.
func (s *DescriptorStore) Load() ([]NodeDescriptor, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.ErrInternal{Inner: err, Context: errs.InternalContext{Detail: "read node descriptor store"}}
	}
	var nodes []NodeDescriptor
	if err := yaml.Unmarshal(raw, &nodes); err != nil {
		return nil, errs.ErrProtocolViolation{Inner: err, Context: errs.ProtocolViolationContext{Reason: "malformed node descriptor store"}}
	}
	return nodes, nil
}

// Save overwrites the store with nodes, preserving their given order.
func (s *DescriptorStore) Save(nodes []NodeDescriptor) error {
	raw, err := yaml.Marshal(nodes)
	if err != nil {
		return errs.ErrInternal{Inner: err}
	}
	if err := os.WriteFile(s.path, raw, 0o600); err != nil {
		return errs.ErrInternal{Inner: err, Context: errs.InternalContext{Detail: "write node descriptor store"}}
	}
	return nil
}

// GroupStore persists the folder-name list used to group nodes.
type GroupStore struct {
	path string
}

// NewGroupStore constructs a store backed by the file at path.
func NewGroupStore(path string) *GroupStore {
	return &GroupStore{path: path}
}

// Load reads the group list from disk; a missing file is an empty store.
func (s *GroupStore) Load() ([]Group, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.ErrInternal{Inner: err, Context: errs.InternalContext{Detail: "read group store"}}
	}
	var groups []Group
	if err := yaml.Unmarshal(raw, &groups); err != nil {
		return nil, errs.ErrProtocolViolation{Inner: err, Context: errs.ProtocolViolationContext{Reason: "malformed group store"}}
	}
	return groups, nil
}

// Save overwrites the group store.
func (s *GroupStore) Save(groups []Group) error {
	raw, err := yaml.Marshal(groups)
	if err != nil {
		return errs.ErrInternal{Inner: err}
	}
	if err := os.WriteFile(s.path, raw, 0o600); err != nil {
		return errs.ErrInternal{Inner: err, Context: errs.InternalContext{Detail: "write group store"}}
	}
	return nil
}
