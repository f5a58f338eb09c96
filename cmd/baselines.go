package cmd

import (
	"fmt"
	"time"

	"github.com/agentic-research/citefold/internal/graph"
	"github.com/agentic-research/citefold/internal/shape"
	"github.com/spf13/cobra"
)

var baselinesCmd = &cobra.Command{
	Use:   "baselines",
	Short: "Compute corpus-wide baseline shares into the graph database",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		start := time.Now()
		g, err := graph.OpenSQLiteGraph(cfg.Graph.Path)
		if err != nil {
			return err
		}
		table, err := graph.ComputeBaselines(cmd.Context(), g, shape.Dimensions())
		_ = g.Close()
		if err != nil {
			return fmt.Errorf("compute baselines: %w", err)
		}

		w, err := graph.NewSQLiteWriter(cfg.Graph.Path)
		if err != nil {
			return err
		}
		if err := w.WriteBaselines(table); err != nil {
			_ = w.Close()
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}
		logger.Info("wrote baselines", "graph", cfg.Graph.Path, "rows", table.Len(), "duration", time.Since(start))
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d baseline rows to %s.\n", table.Len(), cfg.Graph.Path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(baselinesCmd)
}
