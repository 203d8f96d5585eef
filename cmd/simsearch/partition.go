// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.
package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/simsearch/services/search/evaluator"
	"github.com/AleutianAI/simsearch/services/search/orchestrator"
	"github.com/AleutianAI/simsearch/services/search/simulation"
)

func newPartitionCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "partition",
		Short: "Print how the instance pool splits into groups",
		Long: `Loads the configuration and prints each group's active instances and
holdout without connecting to any simulation.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			pool := simulation.NewPool(cfg.Simulation.Endpoints)
			slices, err := orchestrator.Partition(pool, cfg.Orchestrator.Groups)
			if err != nil {
				return err
			}

			p := newPrinter(cmd.OutOrStdout(), opts.noColor)
			p.Title(fmt.Sprintf("%d instances in %d groups", len(pool), len(slices)))
			p.Partition(slices, unusedIDs(pool, slices))
			return nil
		},
	}
	cmd.Flags().IntVarP(&opts.groups, "groups", "g", 0, "number of parallel instance groups")
	return cmd
}

// unusedIDs lists pool members left over by an uneven split.
func unusedIDs(pool []evaluator.Instance, slices []orchestrator.Slice) []string {
	used := 0
	for _, s := range slices {
		used += len(s.Active) + 1
	}
	var ids []string
	for _, inst := range pool[used:] {
		ids = append(ids, inst.ID())
	}
	return ids
}
