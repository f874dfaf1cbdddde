// Command oxidetermd is the CLI entry point for the backend session
// core: it wires a core.Core against an on-disk data directory and
// exposes the control surface of spec §6 as cobra subcommands, with
// exit codes as described there (0 success; 2 usage; 10 unlock-failed;
// 20 connection-failed; 30 protocol-violation; 40 internal-error).
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/inconshreveable/log15/v3"
	"github.com/spf13/cobra"

	"github.com/oxideterm/core/core"
	"github.com/oxideterm/core/errs"
)

// version is injected at build time via -ldflags.
var version = "devel"

const (
	exitOK                = 0
	exitUsage             = 2
	exitUnlockFailed      = 10
	exitConnectionFailed  = 20
	exitProtocolViolation = 30
	exitInternal          = 40
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx))
}

func run(ctx context.Context) int {
	logger := log15.Root()
	logger.SetHandler(log15.LvlFilterHandler(log15.LvlInfo, log15.StderrHandler))

	var dataDir string
	root := &cobra.Command{
		Use:           "oxidetermd",
		Short:         "Backend session core for a multi-session terminal workstation",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dataDir, "data-dir", defaultDataDir(), "directory holding nodes.yaml, groups.yaml, known_hosts, vault.oxv")

	var c *core.Core
	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return exitErr(exitInternal, err)
		}
		opened, err := core.New(logger, core.Config{DataDir: dataDir})
		if err != nil {
			return exitErr(exitInternal, err)
		}
		c = opened
		return nil
	}

	root.AddCommand(
		newNodeCommand(&c),
		newAuthCommand(&c),
		newVaultCommand(&c),
		newPTYCommand(&c),
		newForwardCommand(&c),
		newSFTPCommand(&c),
		newProfilerCommand(&c),
		newServeCommand(&c),
	)

	if err := root.ExecuteContext(ctx); err != nil {
		var ce *cliErr
		if errors.As(err, &ce) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", ce.err)
			return ce.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitUsage
	}
	return exitOK
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir + "/oxidetermd"
	}
	return ".oxidetermd"
}

// cliErr pins a command failure to the §6 exit code it should produce,
// surfaced through cobra's generic error return.
type cliErr struct {
	code int
	err  error
}

func (e *cliErr) Error() string { return e.err.Error() }
func (e *cliErr) Unwrap() error { return e.err }

func exitErr(code int, err error) error {
	return &cliErr{code: code, err: err}
}

// classifyErr maps a typed errs.Error kind to its §6 exit code for
// commands that do not pin a single fixed code (everything but
// auth.unlock, which always reports unlock-failed).
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	var protoErr errs.ErrProtocolViolation
	if errors.As(err, &protoErr) {
		return exitErr(exitProtocolViolation, err)
	}
	var unreachable errs.ErrUnreachable
	var authFailed errs.ErrAuthFailed
	var authRequired errs.ErrAuthRequired
	var hostKey errs.ErrHostKeyMismatch
	var timeout errs.ErrTimeout
	if errors.As(err, &unreachable) || errors.As(err, &authFailed) || errors.As(err, &authRequired) ||
		errors.As(err, &hostKey) || errors.As(err, &timeout) {
		return exitErr(exitConnectionFailed, err)
	}
	return exitErr(exitInternal, err)
}
