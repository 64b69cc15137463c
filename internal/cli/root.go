// Package cli holds the rflow command tree: start and validate for
// operators, and the hidden worker and broker roles the master re-executes
// itself into.
package cli

import (
	"context"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/drblury/rflow/internal/runtime/registry"

	// every bundled transport registers itself with the default registry
	_ "github.com/drblury/rflow/transport/transports"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	// LogFormat is "text", "json" or "zap".
	LogFormat string
}

// LogFormats lists the accepted --log-format values.
var LogFormats = []string{"text", "json", "zap"}

// NewRootCommand creates the root command of the rflow binary.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "rflow",
		Short: "RFlow dataflow runtime",
		Long:  "Runs a graph of components connected through ports, spread over sharded worker processes.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(LogFormats, opts.LogFormat) {
				return fmt.Errorf("invalid log format %q: must be one of %v", opts.LogFormat, LogFormats)
			}
			if _, ok := registry.FromContext(cmd.Context()); ok {
				return nil
			}
			reg, err := registry.NewDefault()
			if err != nil {
				return failStartup(err)
			}
			cmd.SetContext(registry.WithContext(cmd.Context(), reg))
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "text", "log format (text|json|zap)")

	cmd.AddCommand(NewStartCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewWorkerCommand(opts))
	cmd.AddCommand(NewBrokerCommand(opts))

	return cmd
}

// Execute runs the command tree against os.Args. A registry already carried
// by ctx replaces the default one.
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}
