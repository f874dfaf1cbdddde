package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oxideterm/core/core"
)

func newSFTPCommand(c **core.Core) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sftp",
		Short: "Transfer files over a node's SFTP session (spec sftp.open, sftp.list, sftp.transfer)",
	}
	cmd.AddCommand(
		newSFTPListCommand(c),
		newSFTPUploadCommand(c),
		newSFTPDownloadCommand(c),
		newSFTPPauseCommand(c),
		newSFTPResumeCommand(c),
		newSFTPCancelCommand(c),
		newSFTPCloseCommand(c),
	)
	return cmd
}

func newSFTPListCommand(c **core.Core) *cobra.Command {
	return &cobra.Command{
		Use:   "list <node-id> <path>",
		Short: "List a directory on a node's SFTP session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := (*c).ListSFTP(cmd.Context(), args[0], args[1])
			if err != nil {
				return classifyErr(err)
			}
			for _, e := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\t%s\n", e.Mode(), e.Size(), e.Name())
			}
			return nil
		},
	}
}

func newSFTPUploadCommand(c **core.Core) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <node-id> <local-path> <remote-path>",
		Short: "Start an upload transfer",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			tr, err := (*c).StartSFTPUpload(cmd.Context(), args[0], args[1], args[2])
			if err != nil {
				return classifyErr(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tr.ID)
			return nil
		},
	}
}

func newSFTPDownloadCommand(c **core.Core) *cobra.Command {
	return &cobra.Command{
		Use:   "download <node-id> <remote-path> <local-path>",
		Short: "Start a download transfer",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			tr, err := (*c).StartSFTPDownload(cmd.Context(), args[0], args[1], args[2])
			if err != nil {
				return classifyErr(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tr.ID)
			return nil
		},
	}
}

func newSFTPPauseCommand(c **core.Core) *cobra.Command {
	return &cobra.Command{
		Use:   "pause <node-id> <transfer-id>",
		Short: "Pause a transfer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := (*c).PauseSFTPTransfer(args[0], args[1]); err != nil {
				return classifyErr(err)
			}
			return nil
		},
	}
}

func newSFTPResumeCommand(c **core.Core) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <node-id> <transfer-id>",
		Short: "Resume a paused transfer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := (*c).ResumeSFTPTransfer(args[0], args[1]); err != nil {
				return classifyErr(err)
			}
			return nil
		},
	}
}

func newSFTPCancelCommand(c **core.Core) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <node-id> <transfer-id>",
		Short: "Cancel a transfer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := (*c).CancelSFTPTransfer(args[0], args[1]); err != nil {
				return classifyErr(err)
			}
			return nil
		},
	}
}

func newSFTPCloseCommand(c **core.Core) *cobra.Command {
	return &cobra.Command{
		Use:   "close <node-id>",
		Short: "Close a node's SFTP session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := (*c).CloseSFTP(args[0]); err != nil {
				return classifyErr(err)
			}
			return nil
		},
	}
}
