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
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/simsearch/services/search/chunker"
	"github.com/AleutianAI/simsearch/services/search/engine"
)

func newChunkCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chunk <file>",
		Short: "Print the chunks a program file splits into",
		Long: `Splits a Python program, or a model reply holding fenced code, on its
top-level docstrings the same way generated programs are split. Use - to
read standard input.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := readSource(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			code := engine.StripFences(src)

			chunks, err := chunker.New().Split(cmd.Context(), code)
			if err != nil {
				return err
			}

			p := newPrinter(cmd.OutOrStdout(), opts.noColor)
			if len(chunks) == 0 {
				p.Warning("no top-level docstrings; the program runs as a single chunk")
				return nil
			}
			p.Title(fmt.Sprintf("%d chunks", len(chunks)))
			p.Chunks(chunks)
			return nil
		},
	}
}

func readSource(stdin io.Reader, path string) (string, error) {
	if path == "-" {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(b), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(b), nil
}
