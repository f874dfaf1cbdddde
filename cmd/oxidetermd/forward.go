package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/oxideterm/core/core"
	"github.com/oxideterm/core/forwardmgr"
)

func newForwardCommand(c **core.Core) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forward",
		Short: "Manage port forwards over a node's connection (spec forward.add, forward.remove, forward.list)",
	}
	cmd.AddCommand(newForwardAddCommand(c), newForwardRemoveCommand(c), newForwardListCommand(c))
	return cmd
}

func newForwardAddCommand(c **core.Core) *cobra.Command {
	var direction, bindAddr, destHost string
	var destPort int
	var idleTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "add <node-id>",
		Short: "Start a local, remote-bind, or dynamic SOCKS5 forward over a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := parseDirection(direction)
			if err != nil {
				return exitErr(exitUsage, err)
			}
			id, err := (*c).AddForward(cmd.Context(), args[0], forwardmgr.Spec{
				Direction:   dir,
				BindAddr:    bindAddr,
				DestHost:    destHost,
				DestPort:    destPort,
				IdleTimeout: idleTimeout,
			})
			if err != nil {
				return classifyErr(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&direction, "direction", "local", "local, remote, or dynamic")
	cmd.Flags().StringVar(&bindAddr, "bind", "127.0.0.1:0", "local/dynamic: address to listen on; remote: address requested on the peer")
	cmd.Flags().StringVar(&destHost, "dest-host", "", "local/remote: destination host")
	cmd.Flags().IntVar(&destPort, "dest-port", 0, "local/remote: destination port")
	cmd.Flags().DurationVar(&idleTimeout, "idle-timeout", 0, "idle timeout before closing a spliced connection (default 300s)")
	return cmd
}

func parseDirection(s string) (forwardmgr.Direction, error) {
	switch s {
	case "local":
		return forwardmgr.DirectionLocal, nil
	case "remote":
		return forwardmgr.DirectionRemote, nil
	case "dynamic":
		return forwardmgr.DirectionDynamic, nil
	default:
		return 0, fmt.Errorf("unknown --direction %q (want local, remote, or dynamic)", s)
	}
}

func newForwardRemoveCommand(c **core.Core) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <forward-id>",
		Short: "Tear down a forward",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := (*c).RemoveForward(forwardmgr.ID(args[0])); err != nil {
				return classifyErr(err)
			}
			return nil
		},
	}
}

func newForwardListCommand(c **core.Core) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every forward the manager knows about",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, id := range (*c).ListForwards() {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}
