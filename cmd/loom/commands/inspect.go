package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/loom/pkg/config"
	"github.com/openfroyo/loom/pkg/engine"
)

// graphReport is the JSON form of inspect.
type graphReport struct {
	Root        string                 `json:"root"`
	Levels      [][]string             `json:"levels"`
	Cycles      []string               `json:"cycles,omitempty"`
	Unreachable []string               `json:"unreachable,omitempty"`
	Operations  []string               `json:"operations,omitempty"`
	Nodes       []*engine.NodeSnapshot `json:"nodes"`
}

func newInspectCommand() *cobra.Command {
	var dot bool

	cmd := &cobra.Command{
		Use:   "inspect <graph>",
		Short: "Show the structure of a graph",
		Long: `Inspect loads a graph and prints its engines by distance from the root,
engine cycles, engines only reachable by command and adhoc operations.

With --dot the graph is written in Graphviz DOT format.`,
		Example: `  # Show the engine levels
  loom inspect workflow.cue

  # Render the graph
  loom inspect workflow.cue --dot | dot -Tsvg > workflow.svg`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			graph, err := config.NewLoader(cfg.StarlarkTimeout).Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			world, err := engine.Load(graph)
			if err != nil {
				return fmt.Errorf("failed to load graph: %w", err)
			}

			out := cmd.OutOrStdout()
			if dot {
				_, err := fmt.Fprint(out, engine.ToDOT(world))
				return err
			}

			report := buildReport(world)
			if jsonOutput {
				return writeJSON(out, report)
			}

			fmt.Fprintf(out, "Root: %s\n\n", report.Root)
			for i, level := range report.Levels {
				fmt.Fprintf(out, "Level %d: %s\n", i, strings.Join(level, ", "))
			}
			for _, c := range report.Cycles {
				fmt.Fprintf(out, "Cycle: %s\n", c)
			}
			if len(report.Unreachable) > 0 {
				fmt.Fprintf(out, "Started by command only: %s\n", strings.Join(report.Unreachable, ", "))
			}
			if len(report.Operations) > 0 {
				fmt.Fprintf(out, "Operations: %s\n", strings.Join(report.Operations, ", "))
			}

			fmt.Fprintln(out)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tKIND\tENGINE\tPLUGIN\tTRANSITION")
			for _, n := range report.Nodes {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", n.ID, n.Name, n.Kind, n.Engine, n.Symbol, n.Transition)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&dot, "dot", false, "write Graphviz DOT")

	return cmd
}

func buildReport(world *engine.World) *graphReport {
	topo := engine.BuildTopology(world)
	names := func(ids []engine.NodeID) []string {
		out := make([]string, 0, len(ids))
		for _, id := range ids {
			if n, err := world.Node(id); err == nil {
				out = append(out, n.Name)
			}
		}
		return out
	}

	report := &graphReport{
		Root:        strings.Join(names([]engine.NodeID{world.Root()}), ""),
		Unreachable: names(topo.Unreachable()),
		Operations:  world.AdhocOperations(),
		// A scheduler that never ticks only reads the world.
		Nodes: engine.NewScheduler(world, engine.NewRegistry()).Snapshots(),
	}
	for _, level := range topo.Levels() {
		report.Levels = append(report.Levels, names(level))
	}
	for _, c := range topo.Cycles() {
		report.Cycles = append(report.Cycles, topo.FormatCycle(c))
	}
	return report
}
