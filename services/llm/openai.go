// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/simsearch/services/search/datatypes"
)

var tracer = otel.Tracer("simsearch.llm.openai")

// DefaultAPIKeyFile is where a mounted secret is looked up when neither the
// config nor OPENAI_API_KEY carries a key.
const DefaultAPIKeyFile = "/run/secrets/openai_api_key"

// OpenAIConfig configures an OpenAI-compatible chat endpoint.
type OpenAIConfig struct {
	// Model is the chat model name.
	Model string `yaml:"model" json:"model" validate:"required"`

	// BaseURL points at a compatible server. Empty means api.openai.com.
	BaseURL string `yaml:"base_url" json:"base_url" validate:"omitempty,url"`

	// APIKey is never read from files; set it programmatically or through
	// OPENAI_API_KEY.
	APIKey string `yaml:"-" json:"-"`

	// APIKeyFile is read when no key is set. Default: DefaultAPIKeyFile.
	APIKeyFile string `yaml:"api_key_file" json:"api_key_file"`

	// RequestsPerSecond limits outgoing calls. Zero disables the limit.
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second" validate:"gte=0"`

	// Burst is the limiter bucket size. Default: 1.
	Burst int `yaml:"burst" json:"burst" validate:"gte=0"`

	// Timeout bounds one HTTP exchange. Default: 5m.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	Breaker BreakerConfig `yaml:"breaker" json:"breaker"`
}

// OpenAIClient implements Client over go-openai.
//
// The API key lives in a memguard enclave and is only decrypted while a
// request is being sent.
//
// Thread Safety: Safe for concurrent use.
type OpenAIClient struct {
	client  *openai.Client
	model   string
	limiter *rate.Limiter
	breaker *Breaker
	logger  *slog.Logger
}

// NewOpenAIClient builds a client from cfg.
//
// Inputs:
//   - cfg: Endpoint configuration. A key is required unless BaseURL is set.
//   - logger: Logger; nil means slog.Default().
//
// Outputs:
//   - *OpenAIClient: Ready client.
//   - error: ErrMissingAPIKey when no key could be found for api.openai.com.
func NewOpenAIClient(cfg OpenAIConfig, logger *slog.Logger) (*OpenAIClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("openai model not set")
	}

	key, source := resolveAPIKey(cfg)
	if key == "" && cfg.BaseURL == "" {
		return nil, ErrMissingAPIKey
	}

	var enclave *memguard.Enclave
	if key != "" {
		enclave = memguard.NewEnclave([]byte(key))
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	oc := openai.DefaultConfig("")
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	oc.HTTPClient = &http.Client{
		Timeout:   timeout,
		Transport: &enclaveTransport{base: http.DefaultTransport, key: enclave},
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	logger.Info("initializing openai client",
		slog.String("model", cfg.Model),
		slog.String("base_url", oc.BaseURL),
		slog.String("key_source", source))

	return &OpenAIClient{
		client:  openai.NewClientWithConfig(oc),
		model:   cfg.Model,
		limiter: rate.NewLimiter(limit, burst),
		breaker: NewBreaker(cfg.Breaker),
		logger:  logger,
	}, nil
}

func resolveAPIKey(cfg OpenAIConfig) (string, string) {
	if cfg.APIKey != "" {
		return cfg.APIKey, "config"
	}
	if k := os.Getenv("OPENAI_API_KEY"); k != "" {
		return k, "env"
	}
	path := cfg.APIKeyFile
	if path == "" {
		path = DefaultAPIKeyFile
	}
	if b, err := os.ReadFile(path); err == nil {
		if k := strings.TrimSpace(string(b)); k != "" {
			return k, "file"
		}
	}
	return "", "none"
}

// Complete implements Client.
func (c *OpenAIClient) Complete(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "llm.OpenAIClient.Complete",
		trace.WithAttributes(
			attribute.String("llm.model", c.model),
			attribute.Int("llm.messages", len(messages)),
		))
	defer span.End()

	if err := c.limiter.Wait(ctx); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("llm rate limit: %w", err)
	}

	req := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: toOpenAIMessages(messages),
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}

	var content string
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		resp, err := c.client.CreateChatCompletion(ctx, req)
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return ErrEmptyResponse
		}
		content = resp.Choices[0].Message.Content
		span.SetAttributes(
			attribute.Int("llm.prompt_tokens", resp.Usage.PromptTokens),
			attribute.Int("llm.completion_tokens", resp.Usage.CompletionTokens),
			attribute.String("llm.finish_reason", string(resp.Choices[0].FinishReason)),
		)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		c.logger.Warn("openai completion failed",
			slog.String("model", c.model),
			slog.String("breaker", c.breaker.State().String()),
			slog.String("error", err.Error()))
		return "", fmt.Errorf("openai completion: %w", err)
	}
	return content, nil
}

// BreakerStats exposes the breaker counters.
func (c *OpenAIClient) BreakerStats() BreakerStats {
	return c.breaker.Stats()
}

func toOpenAIMessages(messages []datatypes.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case datatypes.RoleSystem:
			role = openai.ChatMessageRoleSystem
		case datatypes.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}

// enclaveTransport sets the Authorization header from the enclave on every
// request.
type enclaveTransport struct {
	base http.RoundTripper
	key  *memguard.Enclave
}

func (t *enclaveTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.key == nil {
		return t.base.RoundTrip(req)
	}
	buf, err := t.key.Open()
	if err != nil {
		return nil, fmt.Errorf("open api key enclave: %w", err)
	}
	defer buf.Destroy()

	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+buf.String())
	return t.base.RoundTrip(r)
}
