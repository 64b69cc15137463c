package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/drblury/rflow/internal/runtime/config"
	"github.com/drblury/rflow/internal/runtime/graph"
	"github.com/drblury/rflow/internal/runtime/master"
	"github.com/drblury/rflow/internal/runtime/process"
)

// StartOptions holds flags of the start command.
type StartOptions struct {
	Daemonize bool
}

// NewStartCommand creates the start command.
func NewStartCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StartOptions{}

	cmd := &cobra.Command{
		Use:   "start <graph.yaml>",
		Short: "Run a graph",
		Long: `Run a graph until SIGTERM, SIGINT or SIGQUIT.

SIGUSR1 reopens log and output files, SIGUSR2 toggles debug logging.
With --daemonize the command returns once the detached master reports
that every shard started, or fails with the master's startup error.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, rootOpts, opts, args[0])
		},
	}

	cmd.Flags().BoolVarP(&opts.Daemonize, "daemonize", "d", false, "detach and run in the background")
	return cmd
}

func runStart(cmd *cobra.Command, rootOpts *RootOptions, opts *StartOptions, path string) error {
	g, err := graph.Load(path)
	if err != nil {
		return failStartup(err)
	}
	settings, err := config.FromGraph(g)
	if err != nil {
		return failStartup(err)
	}

	if opts.Daemonize && !process.Daemonized() {
		logs, err := openLogs(settings, rootOpts.LogFormat)
		if err != nil {
			return err
		}
		defer logs.Close()
		pid, err := process.Daemonize(cmd.Context(), os.Args[1:], process.DefaultReadyTimeout, logs.Logger)
		if err != nil {
			return fmt.Errorf("daemonize: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s started, pid %d\n", settings.ApplicationName, pid)
		return nil
	}

	logs, err := openLogs(settings, rootOpts.LogFormat)
	if err != nil {
		return failStartup(err)
	}
	defer logs.Close()

	m, err := master.New(cmd.Context(), master.Config{
		Graph:      g,
		Logs:       logs.Controller,
		Logger:     logs.Logger,
		WorkerArgs: []string{"worker", "--log-format", rootOpts.LogFormat},
		BrokerArgs: []string{"broker", "--log-format", rootOpts.LogFormat},
	})
	if err != nil {
		return failStartup(err)
	}
	return m.Run(cmd.Context())
}

// failStartup reports err to a parent waiting for readiness, if any, and
// returns it.
func failStartup(err error) error {
	_ = process.NotifyFailed(err)
	return err
}
