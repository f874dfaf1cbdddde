package main

import (
	"github.com/spf13/cobra"

	"github.com/oxideterm/core/core"
)

// newProfilerCommand exposes the resource-monitoring dependent of spec
// §3/§9, started and stopped independently of any terminal, SFTP
// session, or forward over the same connection.
func newProfilerCommand(c **core.Core) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiler",
		Short: "Sample resource usage over a node's connection (profiler.sample events)",
	}
	cmd.AddCommand(newProfilerStartCommand(c), newProfilerStopCommand(c))
	return cmd
}

func newProfilerStartCommand(c **core.Core) *cobra.Command {
	return &cobra.Command{
		Use:   "start <node-id>",
		Short: "Start periodic resource sampling for a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := (*c).StartProfiler(cmd.Context(), args[0]); err != nil {
				return classifyErr(err)
			}
			return nil
		},
	}
}

func newProfilerStopCommand(c **core.Core) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <node-id>",
		Short: "Stop resource sampling for a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := (*c).StopProfiler(args[0]); err != nil {
				return classifyErr(err)
			}
			return nil
		},
	}
}
