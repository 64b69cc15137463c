package cli

import (
	"github.com/spf13/cobra"

	"github.com/drblury/rflow/internal/runtime/config"
	"github.com/drblury/rflow/internal/runtime/master"
	"github.com/drblury/rflow/internal/runtime/process"
	"github.com/drblury/rflow/internal/runtime/worker"
)

// NewWorkerCommand creates the hidden command a process shard runs for each
// replica. The payload arrives on stdin.
func NewWorkerCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Run one shard replica (started by the master)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var p worker.Payload
			if err := process.ReadPayload(cmd.InOrStdin(), &p); err != nil {
				return failStartup(err)
			}
			settings, err := config.FromGraph(p.Graph)
			if err != nil {
				return failStartup(err)
			}
			logs, err := controllerLogs(settings, rootOpts.LogFormat)
			if err != nil {
				return failStartup(err)
			}
			defer logs.Close()
			return worker.RunProcess(cmd.Context(), p, worker.ProcessOptions{Logs: logs.Controller})
		},
	}
}

// NewBrokerCommand creates the hidden command that relays one many-to-many
// connection. The payload arrives on stdin.
func NewBrokerCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:    "broker",
		Short:  "Relay one many-to-many connection (started by the master)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var p master.BrokerPayload
			if err := process.ReadPayload(cmd.InOrStdin(), &p); err != nil {
				return failStartup(err)
			}
			settings, err := config.FromGraph(p.Graph)
			if err != nil {
				return failStartup(err)
			}
			logs, err := controllerLogs(settings, rootOpts.LogFormat)
			if err != nil {
				return failStartup(err)
			}
			defer logs.Close()
			return master.RunBroker(cmd.Context(), p, master.BrokerOptions{Logs: logs.Controller})
		},
	}
}
