package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oxideterm/core/core"
	"github.com/oxideterm/core/events"
)

// newServeCommand runs the core as a long-lived daemon: every
// subsystem stays wired and every node's reconnection orchestrator
// keeps running, with bus events logged until the process receives
// SIGINT/SIGTERM (propagated through the command's context, spec §9).
func newServeCommand(c **core.Core) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the session core until interrupted, logging bus events",
		RunE: func(cmd *cobra.Command, args []string) error {
			bus := (*c).Events()
			unsubscribe := bus.Subscribe(func(e events.Event) {
				fmt.Fprintf(cmd.OutOrStdout(), "gen=%d %T %+v\n", e.Generation(), e, e)
			})
			defer unsubscribe()

			<-cmd.Context().Done()
			(*c).Close()
			return nil
		},
	}
}
