package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/loom/pkg/engine"
	"github.com/openfroyo/loom/pkg/plugins"
)

func newPluginsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List the plugins events can bind",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			registry := engine.NewRegistry()
			closePlugins, err := plugins.Register(cmd.Context(), registry, plugins.Options{
				Out:    cmd.OutOrStdout(),
				Logger: commandLogger("plugins"),
			})
			if err != nil {
				return err
			}
			defer func() { _ = closePlugins(cmd.Context()) }()

			infos := registry.Describe()
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), infos)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SYMBOL\tDESCRIPTION\tCAVEATS")
			for _, info := range infos {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", info.Symbol, info.Description, info.Caveats)
			}
			return tw.Flush()
		},
	}
}
