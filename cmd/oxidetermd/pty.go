package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oxideterm/core/core"
	"github.com/oxideterm/core/ptyreg"
)

func newPTYCommand(c **core.Core) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pty",
		Short: "Manage local pseudo-terminals (spec pty.spawn, pty.list, pty.close, pty.cleanup)",
	}
	cmd.AddCommand(newPTYSpawnCommand(c), newPTYListCommand(c), newPTYCloseCommand(c), newPTYCleanupCommand(c))
	return cmd
}

func newPTYSpawnCommand(c **core.Core) *cobra.Command {
	var shell, dir string
	var rows, cols uint16
	cmd := &cobra.Command{
		Use:   "spawn",
		Short: "Start a child process attached to a new pseudo-terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := (*c).SpawnPTY(ptyreg.Spec{
				Shell: shell,
				Dir:   dir,
				Size:  ptyreg.Size{Rows: rows, Cols: cols},
			})
			if err != nil {
				return classifyErr(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&shell, "shell", defaultShell(), "shell to spawn")
	cmd.Flags().StringVar(&dir, "dir", "", "working directory")
	cmd.Flags().Uint16Var(&rows, "rows", 24, "initial rows")
	cmd.Flags().Uint16Var(&cols, "cols", 80, "initial cols")
	return cmd
}

func newPTYListCommand(c **core.Core) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every PTY currently tracked",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, id := range (*c).ListPTYs() {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}

func newPTYCloseCommand(c **core.Core) *cobra.Command {
	return &cobra.Command{
		Use:   "close <pty-id>",
		Short: "Terminate a PTY's child process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := (*c).ClosePTY(args[0]); err != nil {
				return classifyErr(err)
			}
			return nil
		},
	}
}

func newPTYCleanupCommand(c **core.Core) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove registry entries for PTYs whose child has already exited",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, id := range (*c).CleanupPTYs() {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}

func defaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}
