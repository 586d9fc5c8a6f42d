package commands

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/loom/pkg/stores"
)

type runHistory struct {
	Run       *stores.Run                  `json:"run"`
	Commands  []*stores.CommandRecord      `json:"commands"`
	Errors    []*stores.ErrorContextRecord `json:"errors"`
	Snapshots []*stores.NodeSnapshotRecord `json:"snapshots"`
}

func newHistoryCommand() *cobra.Command {
	var (
		dbPath  string
		runID   string
		outcome string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show journaled runs",
		Long: `History reads the run journal. Without --run it lists recent runs; with --run
it shows the commands, error contexts and final node snapshots of one run.`,
		Example: `  # List recent runs
  loom history --db loom.db

  # Show denied commands of one run
  loom history --db loom.db --run 6f1c... --outcome denied`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if dbPath == "" {
				dbPath = cfg.Database.Path
			}
			if dbPath == "" {
				return fmt.Errorf("no journal database: set --db or database.path")
			}

			store, err := openStore(cmd.Context(), dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if runID == "" {
				runs, err := store.ListRuns(cmd.Context(), limit, 0)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(out, runs)
				}
				return printRuns(out, runs)
			}

			h := &runHistory{}
			if h.Run, err = store.GetRun(cmd.Context(), runID); err != nil {
				return err
			}
			var filter *string
			if outcome != "" {
				filter = &outcome
			}
			if h.Commands, err = store.ListCommands(cmd.Context(), runID, filter, limit, 0); err != nil {
				return err
			}
			if h.Errors, err = store.ListErrorContexts(cmd.Context(), runID); err != nil {
				return err
			}
			if h.Snapshots, err = store.ListSnapshots(cmd.Context(), runID); err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(out, h)
			}
			return printRunHistory(out, h)
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "journal database path (overrides config)")
	cmd.Flags().StringVar(&runID, "run", "", "show one run")
	cmd.Flags().StringVar(&outcome, "outcome", "", "only commands with this outcome (applied, denied, failed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")

	return cmd
}

func printRuns(out io.Writer, runs []*stores.Run) error {
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tGRAPH\tSTATUS\tSTARTED\tDURATION")
	for _, r := range runs {
		duration := "-"
		if r.CompletedAt != nil {
			duration = r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.GraphPath, r.Status, r.StartedAt.Format(time.RFC3339), duration)
	}
	return tw.Flush()
}

func printRunHistory(out io.Writer, h *runHistory) error {
	fmt.Fprintf(out, "Run %s (%s) %s\n", h.Run.ID, h.Run.GraphPath, h.Run.Status)
	if h.Run.Error != nil {
		fmt.Fprintf(out, "Error: %s\n", *h.Run.Error)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nCOMMAND\tNODE\tOUTCOME\tREASON")
	for _, c := range h.Commands {
		reason := ""
		if c.Reason != nil {
			reason = *c.Reason
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", c.Kind, c.Node, c.Outcome, reason)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, e := range h.Errors {
		fmt.Fprintf(out, "✗ node %d [%s] %s\n", e.Node, e.Code, e.Message)
	}

	tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nNODE\tNAME\tSTATUS\tRUNS")
	for _, s := range h.Snapshots {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\n", s.Node, s.Name, s.Status, s.Runs)
	}
	return tw.Flush()
}
