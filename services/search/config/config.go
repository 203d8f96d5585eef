// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the simsearch run configuration.
//
// Values are layered: defaults, then a YAML (or JSON) file, then
// SIMSEARCH_* environment variables. The result is checked with struct
// tags and a few cross-field rules before anything is started.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/simsearch/pkg/logging"
	"github.com/AleutianAI/simsearch/pkg/telemetry"
	"github.com/AleutianAI/simsearch/services/llm"
	"github.com/AleutianAI/simsearch/services/search/conversation"
	"github.com/AleutianAI/simsearch/services/search/engine"
	"github.com/AleutianAI/simsearch/services/search/evaluator"
	"github.com/AleutianAI/simsearch/services/search/orchestrator"
	"github.com/AleutianAI/simsearch/services/search/progress"
	"github.com/AleutianAI/simsearch/services/search/sampler"
	"github.com/AleutianAI/simsearch/services/search/simulation"
	"github.com/AleutianAI/simsearch/services/search/storage/badger"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the full run configuration.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after Load.
type Config struct {
	// Search holds the per-run knobs.
	Search SearchConfig `yaml:"search" json:"search"`

	Orchestrator orchestrator.Config `yaml:"orchestrator" json:"orchestrator"`
	Evaluator    evaluator.Config    `yaml:"evaluator" json:"evaluator"`
	Sampler      sampler.Config      `yaml:"sampler" json:"sampler"`
	Compression  conversation.Config `yaml:"compression" json:"compression"`
	LLM          llm.OpenAIConfig    `yaml:"llm" json:"llm"`
	Simulation   SimulationConfig    `yaml:"simulation" json:"simulation"`
	Storage      badger.Config       `yaml:"storage" json:"storage"`
	Progress     ProgressConfig      `yaml:"progress" json:"progress"`
	Server       ServerConfig        `yaml:"server" json:"server"`
	Telemetry    telemetry.Config    `yaml:"telemetry" json:"telemetry"`
	Logging      logging.Config      `yaml:"logging" json:"logging"`
}

// SearchConfig holds what one run searches for.
type SearchConfig struct {
	// Version selects the program tree.
	Version int `yaml:"version" json:"version" validate:"gte=0"`

	// Iterations is the number of iterations per group.
	Iterations int `yaml:"iterations" json:"iterations" validate:"gte=1"`

	// SeedRoot inserts a root program when the tree is empty.
	SeedRoot bool `yaml:"seed_root" json:"seed_root"`

	// SystemPrompt and SeedPrompt form the root conversation.
	SystemPrompt string `yaml:"system_prompt" json:"system_prompt"`
	SeedPrompt   string `yaml:"seed_prompt" json:"seed_prompt" validate:"required_if=SeedRoot true"`

	Generation engine.GenerationConfig `yaml:"generation" json:"generation"`

	// Tracing enables engine spans.
	Tracing bool `yaml:"tracing" json:"tracing"`
}

// SimulationConfig lists the instance pool.
type SimulationConfig struct {
	// Endpoints is the flat pool, partitioned in order.
	Endpoints []simulation.Endpoint `yaml:"endpoints" json:"endpoints" validate:"required,min=2,dive"`

	// DialTimeout bounds a single connection attempt.
	DialTimeout time.Duration `yaml:"dial_timeout" json:"dial_timeout" validate:"gte=0"`
}

// ProgressConfig configures the progress reporter and its sinks.
type ProgressConfig struct {
	BufferSize int `yaml:"buffer_size" json:"buffer_size" validate:"gte=0"`

	// Prometheus exports numeric progress fields as gauges.
	Prometheus bool `yaml:"prometheus" json:"prometheus"`

	// Influx writes progress points when its URL is set.
	Influx progress.InfluxConfig `yaml:"influx" json:"influx"`
}

// ServerConfig configures the status API.
type ServerConfig struct {
	// Addr is the listen address. Empty disables the server.
	Addr string `yaml:"addr" json:"addr" validate:"omitempty,hostname_port"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" validate:"gte=0"`
}

// Default returns the built-in configuration. It has no simulation
// endpoints, so it does not validate on its own.
func Default() Config {
	storage := badger.DefaultConfig()
	storage.Path = "data/programs"
	return Config{
		Search: SearchConfig{
			Version:    0,
			Iterations: 10,
			Generation: engine.GenerationConfig{
				Temperature: 0.7,
				MaxTokens:   2048,
			},
		},
		Orchestrator: orchestrator.DefaultConfig(),
		Evaluator: evaluator.Config{
			AccrualDelay:  10 * time.Second,
			PenaltyReward: -10,
		},
		Sampler:     sampler.DefaultConfig(),
		Compression: conversation.DefaultConfig(),
		LLM: llm.OpenAIConfig{
			Model:             "gpt-4o-mini",
			RequestsPerSecond: 2,
			Burst:             4,
			Timeout:           2 * time.Minute,
			Breaker:           llm.DefaultBreakerConfig(),
		},
		Simulation: SimulationConfig{
			DialTimeout: 10 * time.Second,
		},
		Storage: storage,
		Progress: ProgressConfig{
			BufferSize: 1024,
			Prometheus: true,
			Influx: progress.InfluxConfig{
				WriteTimeout: 5 * time.Second,
			},
		},
		Server: ServerConfig{
			Addr:            "127.0.0.1:9464",
			ShutdownTimeout: 5 * time.Second,
		},
		Telemetry: telemetry.DefaultConfig(),
		Logging: logging.Config{
			Level:   "info",
			Service: "simsearch",
		},
	}
}

// Load builds the configuration with priority env > file > defaults.
//
// Inputs:
//   - path: YAML or JSON file. Empty or missing uses defaults only.
//
// Outputs:
//   - Config: The merged configuration.
//   - error: File read or parse errors, or ErrInvalidConfig.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, fmt.Errorf("apply environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

// applyEnv overrides selected fields from SIMSEARCH_* variables.
func applyEnv(cfg *Config) error {
	var errs []error
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			i, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = i
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	setInt("SIMSEARCH_VERSION", &cfg.Search.Version)
	setInt("SIMSEARCH_ITERATIONS", &cfg.Search.Iterations)
	setInt("SIMSEARCH_GROUPS", &cfg.Orchestrator.Groups)
	setBool("SIMSEARCH_SEED_ROOT", &cfg.Search.SeedRoot)
	setBool("SIMSEARCH_SKIP_FAILURES", &cfg.Evaluator.SkipFailures)
	setBool("SIMSEARCH_TRACING", &cfg.Search.Tracing)
	if v := os.Getenv("SIMSEARCH_ACCRUAL_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("SIMSEARCH_ACCRUAL_DELAY: %w", err))
		} else {
			cfg.Evaluator.AccrualDelay = d
		}
	}
	if v := os.Getenv("SIMSEARCH_SAMPLER"); v != "" {
		cfg.Sampler.Strategy = sampler.Strategy(v)
	}

	setString("SIMSEARCH_LLM_MODEL", &cfg.LLM.Model)
	setString("SIMSEARCH_LLM_BASE_URL", &cfg.LLM.BaseURL)
	setString("SIMSEARCH_LLM_API_KEY_FILE", &cfg.LLM.APIKeyFile)

	setString("SIMSEARCH_STORAGE_PATH", &cfg.Storage.Path)
	setBool("SIMSEARCH_STORAGE_IN_MEMORY", &cfg.Storage.InMemory)

	if v := os.Getenv("SIMSEARCH_SIM_ENDPOINTS"); v != "" {
		eps, err := ParseEndpoints(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("SIMSEARCH_SIM_ENDPOINTS: %w", err))
		} else {
			cfg.Simulation.Endpoints = eps
		}
	}

	setString("SIMSEARCH_INFLUX_URL", &cfg.Progress.Influx.URL)
	setString("SIMSEARCH_INFLUX_TOKEN", &cfg.Progress.Influx.Token)
	setString("SIMSEARCH_LISTEN_ADDR", &cfg.Server.Addr)
	setString("SIMSEARCH_LOG_LEVEL", &cfg.Logging.Level)
	setString("SIMSEARCH_LOG_DIR", &cfg.Logging.LogDir)

	return errors.Join(errs...)
}

// ParseEndpoints parses "id=url,id=url". An entry without "id=" gets the
// ID "sim-<index>".
func ParseEndpoints(s string) ([]simulation.Endpoint, error) {
	parts := strings.Split(s, ",")
	eps := make([]simulation.Endpoint, 0, len(parts))
	for i, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, url, ok := strings.Cut(part, "=")
		if !ok {
			id, url = fmt.Sprintf("sim-%d", i), part
		}
		if id == "" || url == "" {
			return nil, fmt.Errorf("malformed endpoint %q", part)
		}
		eps = append(eps, simulation.Endpoint{ID: id, URL: url})
	}
	return eps, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the rules that span fields.
//
// Outputs:
//   - error: ErrInvalidConfig describing every violation, or nil.
func (c Config) Validate() error {
	var errs []error
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
		} else {
			errs = append(errs, err)
		}
	}

	pool := len(c.Simulation.Endpoints)
	if groups := c.Orchestrator.Groups; groups >= 1 && pool/groups < 2 {
		errs = append(errs, fmt.Errorf("%d simulation endpoints cannot form %d groups of an active instance plus a holdout", pool, groups))
	}
	seen := make(map[string]bool, pool)
	for _, ep := range c.Simulation.Endpoints {
		if seen[ep.ID] {
			errs = append(errs, fmt.Errorf("duplicate simulation endpoint id %q", ep.ID))
		}
		seen[ep.ID] = true
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
