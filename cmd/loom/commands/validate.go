package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/loom/pkg/config"
	"github.com/openfroyo/loom/pkg/engine"
)

func newValidateCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "validate <graph>",
		Short: "Validate a graph document",
		Long: `Validate parses a graph document, checks it against the graph schema and
loads it into a world without running it.

With --watch the document is validated again every time it changes.`,
		Example: `  # Validate a CUE graph
  loom validate workflow.cue

  # Keep validating while editing
  loom validate workflow.yaml --watch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			loader := config.NewLoader(cfg.StarlarkTimeout)
			out := cmd.OutOrStdout()

			err = validateGraph(cmd.Context(), loader, args[0], out)
			if !watch {
				return err
			}

			logger := commandLogger("validate")
			watcher := config.NewWatcher(logger, 200*time.Millisecond)
			return watcher.Watch(cmd.Context(), []string{args[0]}, func(string) {
				_ = validateGraph(cmd.Context(), loader, args[0], out)
			})
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "revalidate when the document changes")

	return cmd
}

func validateGraph(ctx context.Context, loader *config.Loader, path string, out io.Writer) error {
	parsed, err := loader.Parse(ctx, path)
	if err != nil {
		return err
	}

	if parsed.Err() == nil {
		if _, err := engine.Load(parsed.Graph); err != nil {
			parsed.Errors = append(parsed.Errors, config.ValidationError{
				File:     path,
				Message:  err.Error(),
				Severity: "error",
			})
		}
	}

	if jsonOutput {
		if err := writeJSON(out, parsed); err != nil {
			return err
		}
		return parsed.Err()
	}

	if err := parsed.Err(); err != nil {
		for _, e := range parsed.Errors {
			fmt.Fprintf(out, "✗ %s\n", e.String())
		}
		return err
	}
	fmt.Fprintf(out, "✓ %s is valid (%s, %d engine(s), %d operation(s))\n",
		path, parsed.Format, len(parsed.Graph.Engines), len(parsed.Graph.Operations))
	return nil
}
