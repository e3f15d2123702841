// Package llm is the client for the grading oracle, an OpenAI-compatible chat
// completions endpoint whose replies are treated as untrusted text.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/pavelanni/essayexam/internal/apperr"
	"github.com/pavelanni/essayexam/internal/llm/prompts"
)

// DefaultTimeout bounds every oracle request.
const DefaultTimeout = 60 * time.Second

const (
	gradeTemperature   = 0.2
	disputeTemperature = 0.1
)

const (
	gradeSystemPrompt = "You are an expert educator grading essay exams. " +
		"Follow the rubric exactly and reply with a single JSON object and nothing else."
	disputeSystemPrompt = "You are an impartial appeals reviewer for essay exam grades. " +
		"Keep the original grade unless the student demonstrates a concrete grading error. " +
		"Reply with a single JSON object and nothing else."
)

// completer is the subset of the go-openai client used here.
type completer interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	ListModels(ctx context.Context) (openai.ModelsList, error)
}

// Config configures a Client.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Variant prompts.PromptVariant
	Timeout time.Duration
	// Prompts overrides the embedded templates.
	Prompts *prompts.Set
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api     completer
	prompts *prompts.Set
	model   string
	variant prompts.PromptVariant
	timeout time.Duration
}

// New creates a new oracle client.
func New(cfg Config) (*Client, error) {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	return newClient(openai.NewClientWithConfig(config), cfg)
}

func newClient(api completer, cfg Config) (*Client, error) {
	set := cfg.Prompts
	if set == nil {
		var err error
		if set, err = prompts.Default(); err != nil {
			return nil, fmt.Errorf("load prompts: %w", err)
		}
	}
	variant := cfg.Variant
	if variant == "" {
		variant = prompts.PromptStandard
	}
	if !prompts.IsValidVariant(string(variant)) {
		return nil, fmt.Errorf("invalid prompt variant: %s", variant)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{api: api, prompts: set, model: cfg.Model, variant: variant, timeout: timeout}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Ping verifies the endpoint is reachable by listing models.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if _, err := c.api.ListModels(ctx); err != nil {
		return classify(err)
	}
	return nil
}

// complete sends one system+user exchange and returns the raw reply text.
func (c *Client) complete(ctx context.Context, op, system, user string, temperature float32) (string, error) {
	callID := uuid.NewString()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: temperature,
	})
	if err != nil {
		slog.Warn("oracle call failed", "call_id", callID, "op", op, "elapsed", time.Since(start), "error", err)
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		slog.Warn("oracle returned no choices", "call_id", callID, "op", op)
		return "", malformedErr(&MalformedError{Reason: "no choices in response"})
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("oracle response", "call_id", callID, "op", op, "elapsed", time.Since(start), "raw", raw)
	return raw, nil
}

// decode extracts the JSON payload of raw into v, logging the raw text on failure.
func decode(op, raw string, v any) error {
	if err := ExtractJSON(raw, v); err != nil {
		var me *MalformedError
		if errors.As(err, &me) {
			slog.Warn("malformed oracle response", "op", op, "offset", me.Offset, "reason", me.Reason, "raw", raw)
		}
		return malformedErr(err)
	}
	return nil
}

func malformedErr(err error) error {
	return &apperr.Error{
		Kind:    apperr.KindOracleMalformed,
		Entity:  "oracle",
		Message: "the grading service returned an unreadable response",
		Err:     err,
	}
}

func unavailable(msg string, retryable bool, err error) error {
	return &apperr.Error{
		Kind:      apperr.KindOracleUnavailable,
		Entity:    "oracle",
		Message:   msg,
		Retryable: retryable,
		Err:       err,
	}
}

// classify maps transport failures onto OracleUnavailable, marking timeouts,
// rate limits and server errors as retryable.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return unavailable("the grading service timed out", true, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return unavailable("the grading service timed out", true, err)
	}
	if errors.Is(err, context.Canceled) {
		return unavailable("the request was cancelled", false, err)
	}

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	switch {
	case status == http.StatusTooManyRequests:
		return unavailable("the grading service is rate limited", true, err)
	case status >= 500:
		return unavailable("the grading service is unavailable", true, err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return unavailable("the grading service rejected our credentials", false, err)
	case status != 0:
		return unavailable("the grading service rejected the request", false, err)
	default:
		return unavailable("the grading service could not be reached", true, err)
	}
}
