package cmd

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/agentic-research/citefold/api"
	"github.com/agentic-research/citefold/internal/stream"
	"github.com/spf13/cobra"
)

var (
	treePeriod int
	treeSpill  bool
	treeFilter string
	treeSelect string
)

func init() {
	treeCmd.Flags().IntVarP(&treePeriod, "period", "p", 0, "Period index (0 covers all time)")
	treeCmd.Flags().BoolVar(&treeSpill, "spill", false, "Force the disk-spill path if the tree is computed")
	treeCmd.Flags().StringVarP(&treeFilter, "filter", "f", "", "Connection filter, e.g. 30,10")
	treeCmd.Flags().StringVarP(&treeSelect, "select", "s", "", "JSONPath evaluated against the tree")
	rootCmd.AddCommand(treeCmd)
}

var treeCmd = &cobra.Command{
	Use:   "tree <entity> <breakdown> <root>",
	Short: "Print the breakdown tree of one root entity as JSON",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := strconv.ParseUint(args[2], 10, 32)
		if err != nil {
			return fmt.Errorf("parse root id %q: %w", args[2], err)
		}
		filter, err := stream.ParseFilter(treeFilter)
		if err != nil {
			return err
		}

		svc, closeFn, err := openService(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = closeFn() }()

		resp, err := svc.Tree(cmd.Context(), api.Query{
			Entity:     args[0],
			Breakdown:  args[1],
			Root:       uint32(root),
			Period:     treePeriod,
			ForceSpill: treeSpill,
			Filter:     filter.Prefix,
			Select:     treeSelect,
		})
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if treeSelect != "" {
			return enc.Encode(resp.Selection)
		}
		return enc.Encode(resp)
	},
}
