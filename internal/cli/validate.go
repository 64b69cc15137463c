package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/drblury/rflow/internal/runtime/config"
	"github.com/drblury/rflow/internal/runtime/connection"
	errspkg "github.com/drblury/rflow/internal/runtime/errors"
	"github.com/drblury/rflow/internal/runtime/graph"
	"github.com/drblury/rflow/internal/runtime/jsoncodec"
	"github.com/drblury/rflow/internal/runtime/registry"
)

// ValidateOptions holds flags of the validate command.
type ValidateOptions struct {
	JSON bool
}

// ConnectionPlan is how one connection will be realized.
type ConnectionPlan struct {
	Name          string `json:"name"`
	ID            string `json:"id"`
	Strategy      string `json:"strategy"`
	Transport     string `json:"transport"`
	Delivery      string `json:"delivery"`
	OutputShard   string `json:"output_shard"`
	InputShard    string `json:"input_shard"`
	OutputAddress string `json:"output_address"`
	InputAddress  string `json:"input_address"`
	BrokerIn      string `json:"broker_in,omitempty"`
	BrokerOut     string `json:"broker_out,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(_ *RootOptions) *cobra.Command {
	opts := &ValidateOptions{}

	cmd := &cobra.Command{
		Use:   "validate <graph.yaml>",
		Short: "Validate a graph and print the chosen strategies",
		Long: `Load and validate a graph, resolve every connection and print how each
one will be realized. Nothing is started.`,
		Args:          cobra.ExactArgs(1),
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			plans, err := planGraph(cmd.Context(), args[0])
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "invalid graph: %v\n", err)
				return err
			}
			if opts.JSON {
				raw, err := jsoncodec.MarshalIndent(plans, "", "  ")
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(raw))
				return err
			}
			return writePlans(cmd.OutOrStdout(), plans)
		},
	}

	cmd.Flags().BoolVar(&opts.JSON, "json", false, "print the plan as JSON")
	return cmd
}

func planGraph(ctx context.Context, path string) ([]ConnectionPlan, error) {
	g, err := graph.Load(path)
	if err != nil {
		return nil, err
	}
	settings, err := config.FromGraph(g)
	if err != nil {
		return nil, err
	}
	reg, ok := registry.FromContext(ctx)
	if !ok {
		return nil, errspkg.ErrRegistryRequired
	}
	resolutions, err := connection.Resolver{
		Graph:      g,
		Config:     settings,
		Transports: reg.Transports,
		Ports:      reg,
	}.ResolveAll()
	if err != nil {
		return nil, err
	}

	plans := make([]ConnectionPlan, 0, len(resolutions))
	for _, res := range resolutions {
		plan := ConnectionPlan{
			Name:          res.Name(),
			ID:            res.ID,
			Strategy:      string(res.Strategy),
			Transport:     res.Transport,
			Delivery:      string(res.Delivery),
			OutputShard:   fmt.Sprintf("%s/%d", res.OutputShard.Name, res.OutputShard.Count),
			InputShard:    fmt.Sprintf("%s/%d", res.InputShard.Name, res.InputShard.Count),
			OutputAddress: res.Output.Address,
			InputAddress:  res.Input.Address,
		}
		if res.Broker != nil {
			plan.BrokerIn = res.Broker.InAddress
			plan.BrokerOut = res.Broker.OutAddress
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

func writePlans(w io.Writer, plans []ConnectionPlan) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CONNECTION\tSTRATEGY\tTRANSPORT\tDELIVERY\tSHARDS\tADDRESSES")
	for _, p := range plans {
		addresses := p.OutputAddress
		if p.InputAddress != p.OutputAddress {
			addresses += " -> " + p.InputAddress
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s -> %s\t%s\n",
			p.Name, p.Strategy, p.Transport, p.Delivery, p.OutputShard, p.InputShard, addresses)
	}
	return tw.Flush()
}
