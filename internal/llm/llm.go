// Package llm is the gateway to the text-generation oracle. It owns the
// network call and its timeout; retry policy is left to callers.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"toetscoach/internal/model"

	openai "github.com/sashabaranov/go-openai"
)

// ErrNoAPIKey is returned when no oracle credential is configured. It is
// fatal to the request but not to the process; every call fails identically
// until the key is provided.
var ErrNoAPIKey = errors.New("oracle API key is not configured (set TOETSCOACH_LLM_KEY)")

// UpstreamError wraps a network or service failure from the oracle. The
// gateway surfaces it exactly once per call and never retries on its own.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	if e.Err == nil {
		return "oracle " + e.Op + " failed"
	}
	return fmt.Sprintf("oracle %s failed: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// MalformedOutputError reports oracle output that lacks the required JSON
// envelope. Raw carries the full text so callers can build a fallback.
type MalformedOutputError struct {
	Raw string
	Err error
}

func (e *MalformedOutputError) Error() string {
	return fmt.Sprintf("oracle output has no parseable envelope: %v", e.Err)
}

func (e *MalformedOutputError) Unwrap() error { return e.Err }

// Fragment is one streamed piece of oracle output. A non-nil Err terminates
// the stream; Content is empty in that case.
type Fragment struct {
	Content string
	Err     error
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api    *openai.Client
	model  string
	apiKey string
}

// New creates a new oracle client. A missing key is not fatal here: requests
// fail with ErrNoAPIKey per call so the process can keep serving.
func New(baseURL, apiKey, modelName string) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:    openai.NewClientWithConfig(config),
		model:  modelName,
		apiKey: apiKey,
	}
}

// Generate sends a prompt and returns the complete response text.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	if c.apiKey == "" {
		return "", ErrNoAPIKey
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0.3,
	})
	if err != nil {
		return "", &UpstreamError{Op: "completion", Err: err}
	}
	if len(resp.Choices) == 0 {
		return "", &UpstreamError{Op: "completion", Err: errors.New("no choices returned")}
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("oracle response", "chars", len(raw))
	return raw, nil
}

// GenerateStream sends a prompt and returns a channel of fragments in
// arrival order. The channel is closed when the upstream stream ends; a
// stream error is delivered as the final fragment. The sequence is finite
// and not restartable: retrying means a new call. Cancelling ctx abandons
// the underlying transport.
func (c *Client) GenerateStream(ctx context.Context, prompt string) (<-chan Fragment, error) {
	if c.apiKey == "" {
		return nil, ErrNoAPIKey
	}

	stream, err := c.api.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0.3,
		Stream:      true,
	})
	if err != nil {
		return nil, &UpstreamError{Op: "stream open", Err: err}
	}

	ch := make(chan Fragment, 16)
	go func() {
		defer close(ch)
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				deliver(ctx, ch, Fragment{Err: &UpstreamError{Op: "stream receive", Err: err}})
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			if !deliver(ctx, ch, Fragment{Content: delta}) {
				return
			}
		}
	}()
	return ch, nil
}

func deliver(ctx context.Context, ch chan<- Fragment, f Fragment) bool {
	select {
	case ch <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

// AnalyzeExam runs an initial-analysis prompt and decodes the required JSON
// envelope. Unlike continue turns, a missing envelope here is an error, not
// a degradation.
func (c *Client) AnalyzeExam(ctx context.Context, prompt string) (*model.AnalysisEnvelope, error) {
	raw, err := c.Generate(ctx, prompt)
	if err != nil {
		return nil, err
	}
	return DecodeEnvelope(raw)
}

// DecodeEnvelope extracts the analysis envelope from oracle text. Models
// often wrap JSON in prose or code fences, so the object is located between
// the first '{' and the last '}'.
func DecodeEnvelope(raw string) (*model.AnalysisEnvelope, error) {
	open := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if open < 0 || end <= open {
		return nil, &MalformedOutputError{Raw: raw, Err: errors.New("no JSON object found")}
	}

	var env model.AnalysisEnvelope
	if err := json.Unmarshal([]byte(raw[open:end+1]), &env); err != nil {
		return nil, &MalformedOutputError{Raw: raw, Err: err}
	}
	if env.TotalQuestions < 1 {
		env.TotalQuestions = 1
	}
	env.InitialGrade = model.ClampGrade(env.InitialGrade)
	return &env, nil
}
