package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oxideterm/core/core"
)

func newVaultCommand(c **core.Core) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Store or remove a node's credential material (spec vault.save, vault.forget)",
	}
	cmd.AddCommand(newVaultSaveCommand(c), newVaultForgetCommand(c))
	return cmd
}

func newVaultSaveCommand(c **core.Core) *cobra.Command {
	var secretFlag string
	cmd := &cobra.Command{
		Use:   "save <node-id>",
		Short: "Save a node's credential material into the unlocked vault",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secretFlag == "" {
				line, err := readSecret(cmd, "credential material")
				if err != nil {
					return classifyErr(err)
				}
				secretFlag = line
			}
			if err := (*c).SaveSecret(args[0], []byte(secretFlag)); err != nil {
				return classifyErr(err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&secretFlag, "secret", "", "credential material (prompted on stdin if omitted)")
	return cmd
}

func newVaultForgetCommand(c **core.Core) *cobra.Command {
	return &cobra.Command{
		Use:   "forget <node-id>",
		Short: "Delete a node's stored credential material",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := (*c).ForgetSecret(args[0]); err != nil {
				return classifyErr(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "forgotten")
			return nil
		},
	}
}
