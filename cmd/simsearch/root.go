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
	"io"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/simsearch/services/search/config"
)

// cliOptions are the flags shared by every command.
type cliOptions struct {
	configPath string
	noColor    bool

	// Overrides applied after config.Load when the flag was set.
	iterations int
	groups     int
	version    int
	seedRoot   bool
	logLevel   string
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:   "simsearch",
		Short: "LLM-driven tree search over live simulation instances",
		Long: `simsearch grows a tree of programs. Each iteration samples a parent,
asks the model to extend its conversation, runs the new code chunk by chunk
on a group of simulation instances and stores every executed chunk as a
child scored by its advantage over a holdout instance.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"YAML or JSON config file (env SIMSEARCH_* overrides it)")
	root.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "disable coloured output")

	root.AddCommand(
		newRunCmd(opts),
		newPartitionCmd(opts),
		newChunkCmd(opts),
	)
	return root
}

// execute runs the command line and prints a failure once.
func execute(stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	root := newRootCmd(stdout, stderr)
	root.SetIn(stdin)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		noColor, _ := root.PersistentFlags().GetBool("no-color")
		newPrinter(stderr, noColor).Error(err.Error())
		return err
	}
	return nil
}

// loadConfig loads the file and applies the flags the user set.
func loadConfig(cmd *cobra.Command, opts *cliOptions) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return config.Config{}, err
	}

	flags := cmd.Flags()
	changed := false
	if flags.Changed("iterations") {
		cfg.Search.Iterations = opts.iterations
		changed = true
	}
	if flags.Changed("groups") {
		cfg.Orchestrator.Groups = opts.groups
		changed = true
	}
	if flags.Changed("version") {
		cfg.Search.Version = opts.version
		changed = true
	}
	if flags.Changed("seed-root") {
		cfg.Search.SeedRoot = opts.seedRoot
		changed = true
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = opts.logLevel
		changed = true
	}
	if changed {
		if err := cfg.Validate(); err != nil {
			return config.Config{}, fmt.Errorf("after flag overrides: %w", err)
		}
	}
	return cfg, nil
}
