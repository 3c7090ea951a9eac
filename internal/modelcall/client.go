// Package modelcall wraps the OpenAI chat completion API and drives the
// trace context binder around each call, so every invocation's telemetry is
// bound to the context that started it rather than to process-wide state.
package modelcall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/invoketrace/invoketrace/internal/binder"
	"github.com/invoketrace/invoketrace/internal/record"
)

const providerName = "openai"

// TelemetryConfig carries the caller-supplied trace identity for one call.
type TelemetryConfig struct {
	IsEnabled  bool
	FunctionID string
	Metadata   map[string]any
}

// Request is one chat completion invocation.
type Request struct {
	Model     string
	Prompt    string
	System    string
	MaxTokens int
	Telemetry TelemetryConfig
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Result is the outcome of one call. Record is nil when telemetry was
// disabled for the request; otherwise it is the trace record emitted for
// this invocation, so callers can compare the expected function id against
// what the tracing pipeline actually attached.
type Result struct {
	Text   string
	Model  string
	Usage  Usage
	Record *record.Record
}

// Options configures a Client.
type Options struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Binder     binder.Binder
	Logger     *slog.Logger
}

// Client calls the model upstream with per-invocation trace binding.
type Client struct {
	api    *openai.Client
	binder binder.Binder
	logger *slog.Logger
}

func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("api key is required")
	}

	cfg := openai.DefaultConfig(opts.APIKey)
	if baseURL := strings.TrimSpace(opts.BaseURL); baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if opts.HTTPClient != nil {
		cfg.HTTPClient = opts.HTTPClient
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		api:    openai.NewClientWithConfig(cfg),
		binder: opts.Binder,
		logger: logger,
	}, nil
}

// GenerateText runs one chat completion. When telemetry is enabled the call
// is wrapped in a fresh execution context: Begin before dialing the
// upstream, tracing reads after the response arrives (an asynchronous
// suspension point), End on completion or failure.
func (c *Client) GenerateText(ctx context.Context, req Request) (*Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, errors.New("prompt is required")
	}

	traced := c.binder != nil && req.Telemetry.IsEnabled
	if traced {
		ctx, _ = c.binder.Begin(ctx, binder.Invocation{
			FunctionID: req.Telemetry.FunctionID,
			Metadata:   req.Telemetry.Metadata,
		})
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if system := strings.TrimSpace(req.System); system != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		if traced {
			c.binder.End(ctx, binder.Outcome{
				Provider: providerName,
				Model:    req.Model,
				Prompt:   req.Prompt,
				Err:      err,
			})
		}
		return nil, fmt.Errorf("chat completion: %w", err)
	}

	text := ""
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
	}

	result := &Result{
		Text:  text,
		Model: resp.Model,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}

	if traced {
		// Resumption point: the model response has arrived and other
		// invocations may have begun and ended in the meantime. Every
		// tracing call from here on resolves through ctx.
		binder.SetAttribute(ctx, "finish_reason", finishReason(resp))
		result.Record = c.binder.End(ctx, binder.Outcome{
			Provider:     providerName,
			Model:        resp.Model,
			Prompt:       req.Prompt,
			Completion:   text,
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		})
		if result.Record == nil {
			c.logger.WarnContext(ctx, "no trace record emitted for invocation",
				"function_id", req.Telemetry.FunctionID,
			)
		}
	}

	return result, nil
}

func finishReason(resp openai.ChatCompletionResponse) string {
	if len(resp.Choices) == 0 {
		return ""
	}
	return string(resp.Choices[0].FinishReason)
}
