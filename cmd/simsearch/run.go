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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/simsearch/pkg/logging"
	"github.com/AleutianAI/simsearch/pkg/telemetry"
	"github.com/AleutianAI/simsearch/services/llm"
	"github.com/AleutianAI/simsearch/services/search/api"
	"github.com/AleutianAI/simsearch/services/search/chunker"
	"github.com/AleutianAI/simsearch/services/search/config"
	"github.com/AleutianAI/simsearch/services/search/conversation"
	"github.com/AleutianAI/simsearch/services/search/engine"
	"github.com/AleutianAI/simsearch/services/search/evaluator"
	"github.com/AleutianAI/simsearch/services/search/orchestrator"
	"github.com/AleutianAI/simsearch/services/search/progress"
	"github.com/AleutianAI/simsearch/services/search/sampler"
	"github.com/AleutianAI/simsearch/services/search/simulation"
	"github.com/AleutianAI/simsearch/services/search/storage/badger"
)

func newRunCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the search over the configured instance pool",
		Long: `Partitions the simulation pool into groups and runs the configured
number of iterations in every group in parallel. SIGINT or SIGTERM lets each
group finish its current chunk, persist it and stop.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			p := newPrinter(cmd.OutOrStdout(), opts.noColor)
			p.Title("simsearch")
			p.Info("version", fmt.Sprint(cfg.Search.Version))
			p.Info("groups", fmt.Sprint(cfg.Orchestrator.Groups))
			p.Info("iterations", fmt.Sprint(cfg.Search.Iterations))

			stats, err := runSearch(ctx, cfg, runDeps{})
			if len(stats) > 0 {
				fmt.Fprintln(cmd.OutOrStdout())
				p.Summary(stats)
			}
			if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
				p.Warning("run interrupted; executed chunks were persisted")
				return nil
			}
			if err == nil {
				p.Success("run complete")
			}
			return err
		},
	}

	flags := cmd.Flags()
	flags.IntVarP(&opts.iterations, "iterations", "n", 0, "iterations per group")
	flags.IntVarP(&opts.groups, "groups", "g", 0, "number of parallel instance groups")
	flags.IntVar(&opts.version, "version", 0, "program tree version")
	flags.BoolVar(&opts.seedRoot, "seed-root", false, "insert a root program when the tree is empty")
	flags.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")
	return cmd
}

// runDeps replaces externally backed components. Nil fields are built
// from the configuration.
type runDeps struct {
	model llm.Client
	pool  []evaluator.Instance
}

// runSearch wires every component from cfg and runs the search.
//
// Description:
//
//	Builds the logger, telemetry, program store, progress reporter, LLM
//	client, context compressor and instance pool, then one evaluator,
//	sampler and engine per group. The status API is served for the length
//	of the run when an address is configured. Everything is torn down
//	before returning.
//
// Outputs:
//   - []orchestrator.GroupStats: Per-group counters, also on failure once
//     the groups ran.
//   - error: Setup errors, or the joined group errors from the run.
func runSearch(ctx context.Context, cfg config.Config, deps runDeps) ([]orchestrator.GroupStats, error) {
	logs, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	defer logs.Close()
	logger := logs.Slog()
	slog.SetDefault(logger)

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if serr := shutdownTelemetry(sctx); serr != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", serr.Error()))
		}
	}()

	storageCfg := cfg.Storage
	storageCfg.Logger = logger.With(slog.String("component", "badger"))
	db, err := badger.Open(storageCfg)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	store, err := badger.NewProgramStore(db)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	runID := uuid.NewString()
	reporterOpts := []progress.Option{
		progress.WithBufferSize(cfg.Progress.BufferSize),
		progress.WithLogger(logger),
	}
	if cfg.Progress.Prometheus {
		reporterOpts = append(reporterOpts, progress.WithSink(progress.NewPrometheusSink(nil)))
	}
	if cfg.Progress.Influx.URL != "" {
		reporterOpts = append(reporterOpts, progress.WithSink(progress.NewInfluxSink(cfg.Progress.Influx, runID)))
	}
	reporter := progress.New(reporterOpts...)
	defer reporter.Stop()

	model := deps.model
	if model == nil {
		client, err := llm.NewOpenAIClient(cfg.LLM, logger)
		if err != nil {
			return nil, fmt.Errorf("init llm client: %w", err)
		}
		model = client
	}

	compressor, err := conversation.New(cfg.Compression,
		conversation.NewLLMSummarizer(model, cfg.Compression.SummaryMaxTokens),
		conversation.WithCache(badger.NewSummaryCache(db)),
		conversation.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	pool := deps.pool
	if pool == nil {
		pool = simulation.NewPool(cfg.Simulation.Endpoints,
			simulation.WithDialTimeout(cfg.Simulation.DialTimeout),
			simulation.WithLogger(logger))
	}

	var tracer *engine.SearchTracer
	if cfg.Search.Tracing {
		tracer = engine.NewSearchTracer(logger, true)
	}

	build := func(s orchestrator.Slice) (*orchestrator.Group, error) {
		glog := logger.With(slog.Int("group", s.GroupID))
		ev, err := evaluator.New(s.Active, s.Holdout, cfg.Evaluator,
			evaluator.WithReporter(reporter),
			evaluator.WithLogger(glog))
		if err != nil {
			return nil, err
		}
		smp, err := sampler.New(cfg.Sampler, store, sampler.WithLogger(glog))
		if err != nil {
			_ = ev.Close()
			return nil, err
		}
		engineOpts := []engine.Option{engine.WithLogger(glog)}
		if tracer != nil {
			engineOpts = append(engineOpts, engine.WithTracer(tracer))
		}
		eng, err := engine.New(engine.Components{
			Sampler:    smp,
			Compressor: compressor,
			LLM:        model,
			Splitter:   chunker.New(),
			Evaluator:  ev,
			Store:      store,
		}, engine.Config{
			GroupID:      s.GroupID,
			Version:      cfg.Search.Version,
			SkipFailures: cfg.Evaluator.SkipFailures,
			SeedRoot:     cfg.Search.SeedRoot,
			SystemPrompt: cfg.Search.SystemPrompt,
			SeedPrompt:   cfg.Search.SeedPrompt,
			Generation:   cfg.Search.Generation,
		}, engineOpts...)
		if err != nil {
			_ = ev.Close()
			return nil, err
		}
		return &orchestrator.Group{Engine: eng, Evaluator: ev}, nil
	}

	orch, err := orchestrator.New(cfg.Orchestrator, pool, build,
		orchestrator.WithReporter(reporter),
		orchestrator.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	defer orch.Cleanup()

	if cfg.Server.Addr != "" {
		srv := api.New(api.Deps{
			Progress: reporter,
			Groups:   orch,
			Programs: store,
			Metrics:  telemetry.MetricsHandler(),
		}, api.WithLogger(logger))
		addr, err := srv.Start(cfg.Server.Addr)
		if err != nil {
			return nil, fmt.Errorf("start status server: %w", err)
		}
		logger.Info("status server listening", slog.String("addr", addr))
		timeout := cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
			defer cancel()
			if serr := srv.Shutdown(sctx); serr != nil {
				logger.Warn("status server shutdown failed", slog.String("error", serr.Error()))
			}
		}()
	}

	logger.Info("search starting",
		slog.String("run_id", runID),
		slog.Int("groups", len(orch.Groups())),
		slog.Int("iterations", cfg.Search.Iterations),
		slog.Int("version", cfg.Search.Version))

	err = orch.Run(ctx, cfg.Search.Iterations)
	return orch.Stats(), err
}
