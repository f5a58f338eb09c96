package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/agentic-research/citefold/internal/breakdown"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var (
	buildRoots   string
	buildAll     bool
	buildMetrics string
)

func init() {
	buildCmd.Flags().StringVar(&buildRoots, "roots", "", "Comma-separated root ids to build")
	buildCmd.Flags().BoolVar(&buildAll, "all", false, "Build every root entity of the type")
	buildCmd.Flags().StringVar(&buildMetrics, "metrics-file", "", "Write Prometheus metrics to this file when done")
	buildCmd.MarkFlagsMutuallyExclusive("roots", "all")
	buildCmd.MarkFlagsOneRequired("roots", "all")
	rootCmd.AddCommand(buildCmd)
}

var buildCmd = &cobra.Command{
	Use:   "build <entity> [breakdown]",
	Short: "Compute and persist breakdown trees ahead of queries",
	Long: `Compute and persist breakdown trees ahead of queries.

Without a breakdown, every registered breakdown of the entity type is built,
sharing one pass over each root's citation links.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		entity, breakdownID := args[0], "all"
		if len(args) == 2 {
			breakdownID = args[1]
		}

		svc, closeFn, err := openService(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = closeFn() }()

		var roots []uint32
		if buildAll {
			if roots, err = svc.Roots(entity); err != nil {
				return err
			}
		} else if roots, err = parseRoots(buildRoots); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Building %s/%s for %d roots...\n", entity, breakdownID, len(roots))
		var (
			report  breakdown.WarmReport
			warmErr error
		)
		if len(args) == 2 {
			report, warmErr = svc.Warm(cmd.Context(), entity, breakdownID, roots)
		} else {
			report, warmErr = svc.WarmAll(cmd.Context(), entity, roots)
		}
		stats := svc.Stats()
		fmt.Fprintf(cmd.OutOrStdout(), "Done in %v: %d built, %d skipped, %d failed (%d computed, %d already persisted).\n",
			report.Duration, report.Warmed, report.Skipped, report.Failed, stats.Computations, stats.Recovered)

		if buildMetrics != "" {
			if err := prometheus.WriteToTextfile(buildMetrics, prometheus.DefaultGatherer); err != nil {
				return fmt.Errorf("write metrics: %w", err)
			}
		}
		return warmErr
	},
}

func parseRoots(s string) ([]uint32, error) {
	var roots []uint32
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parse root id %q: %w", part, err)
		}
		roots = append(roots, uint32(id))
	}
	if len(roots) == 0 {
		return nil, fmt.Errorf("no root ids given")
	}
	return roots, nil
}
