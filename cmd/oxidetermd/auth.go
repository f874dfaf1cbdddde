package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/oxideterm/core/core"
)

func newAuthCommand(c **core.Core) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Unlock the secrets vault (spec auth.unlock)",
	}
	cmd.AddCommand(newAuthUnlockCommand(c))
	return cmd
}

func newAuthUnlockCommand(c **core.Core) *cobra.Command {
	var passphraseFlag string
	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Create the vault on first use, or unlock the existing one",
		RunE: func(cmd *cobra.Command, args []string) error {
			passphrase := passphraseFlag
			if passphrase == "" {
				read, err := readSecret(cmd, "vault passphrase")
				if err != nil {
					return exitErr(exitUnlockFailed, err)
				}
				passphrase = read
			}
			if err := (*c).UnlockVault(passphrase); err != nil {
				return exitErr(exitUnlockFailed, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&passphraseFlag, "passphrase", "", "vault passphrase (prompted on stdin if omitted)")
	return cmd
}

// readSecret prompts on the controlling terminal without echoing input,
// falling back to a plain buffered read when stdin isn't a TTY (e.g.
// piped input in scripts).
func readSecret(cmd *cobra.Command, prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: ", prompt)
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return trimNewline(line), nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
