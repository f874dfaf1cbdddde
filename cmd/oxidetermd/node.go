package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oxideterm/core/core"
	"github.com/oxideterm/core/sshpool"
)

type nodeFlags struct {
	name     string
	host     string
	port     int
	user     string
	password string
	keyPath  string
	group    string
}

func (f *nodeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.name, "name", "", "display name")
	cmd.Flags().StringVar(&f.host, "host", "", "hostname or address (required)")
	cmd.Flags().IntVar(&f.port, "port", 22, "SSH port")
	cmd.Flags().StringVar(&f.user, "user", "", "SSH username (required)")
	cmd.Flags().StringVar(&f.password, "password", "", "password authentication")
	cmd.Flags().StringVar(&f.keyPath, "identity-file", "", "private key path for public-key authentication")
	cmd.Flags().StringVar(&f.group, "group", "", "group id to file the node under")
}

func (f *nodeFlags) spec() (core.NodeSpec, error) {
	if f.host == "" || f.user == "" {
		return core.NodeSpec{}, exitErr(exitUsage, fmt.Errorf("--host and --user are required"))
	}

	auth := sshpool.Auth{Kind: sshpool.AuthPassword, Password: f.password}
	if f.keyPath != "" {
		pem, err := os.ReadFile(f.keyPath)
		if err != nil {
			return core.NodeSpec{}, exitErr(exitUsage, fmt.Errorf("reading identity file: %w", err))
		}
		auth = sshpool.Auth{Kind: sshpool.AuthPrivateKey, PrivateKeyPEM: pem}
	}

	name := f.name
	if name == "" {
		name = f.host
	}

	return core.NodeSpec{
		DisplayName: name,
		Host:        f.host,
		Port:        f.port,
		Username:    f.user,
		Auth:        auth,
		GroupID:     f.group,
	}, nil
}

func newNodeCommand(c **core.Core) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Manage SSH nodes (spec node.create, node.list, node.remove, node.drill)",
	}
	cmd.AddCommand(newNodeCreateCommand(c), newNodeListCommand(c), newNodeRemoveCommand(c), newNodeDrillCommand(c))
	return cmd
}

func newNodeCreateCommand(c **core.Core) *cobra.Command {
	var f nodeFlags
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a new root node",
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := f.spec()
			if err != nil {
				return err
			}
			id, err := (*c).CreateNode(spec)
			if err != nil {
				return classifyErr(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newNodeDrillCommand(c **core.Core) *cobra.Command {
	var f nodeFlags
	cmd := &cobra.Command{
		Use:   "drill <parent-id>",
		Short: "Create a child node reachable through an already-connected parent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := f.spec()
			if err != nil {
				return err
			}
			id, err := (*c).DrillNode(args[0], spec)
			if err != nil {
				return classifyErr(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newNodeListCommand(c **core.Core) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every registered node",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, n := range (*c).ListNodes() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s@%s:%d\tparent=%s\n", n.ID, n.DisplayName, n.Username, n.Host, n.Port, n.ParentID)
			}
			return nil
		},
	}
}

func newNodeRemoveCommand(c **core.Core) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a node's identity, descriptor, and stored secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := (*c).RemoveNode(args[0]); err != nil {
				return classifyErr(err)
			}
			return nil
		},
	}
}
