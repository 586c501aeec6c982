// ABOUTME: OpenAI-compatible streaming chat client with shell tool schemas
// ABOUTME: Parses SSE deltas, accumulates indexed tool-call fragments

package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

var (
	// ErrRateLimited means the model endpoint returned a quota response.
	ErrRateLimited = errors.New("upstream rate limited")
	// ErrUpstreamUnavailable means the model endpoint failed or is unreachable.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// ModelConfig describes one model endpoint profile.
type ModelConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
}

// Validate checks the fields a request cannot be built without.
func (c ModelConfig) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return errors.New("model baseUrl cannot be empty")
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return errors.New("model apiKey cannot be empty")
	}
	if strings.TrimSpace(c.Model) == "" {
		return errors.New("model name cannot be empty")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("model temperature %v out of range [0, 2]", c.Temperature)
	}
	if c.MaxTokens < 0 {
		return errors.New("model maxTokens cannot be negative")
	}
	return nil
}

// ChatMessage is one wire-format conversation entry.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ModelResponse is the final accumulated result of one streamed model call.
type ModelResponse struct {
	Text      string
	ToolCalls []ToolCall
}

// ModelClient streams one chat completion, invoking onDelta for each text
// fragment as it arrives.
type ModelClient interface {
	Stream(ctx context.Context, cfg ModelConfig, messages []ChatMessage, onDelta func(string)) (*ModelResponse, error)
}

// OpenAIClient talks to an OpenAI-compatible /chat/completions endpoint.
type OpenAIClient struct {
	httpClient *http.Client
}

// NewOpenAIClient creates a client. httpClient may be nil for the default.
func NewOpenAIClient(httpClient *http.Client) *OpenAIClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &OpenAIClient{httpClient: httpClient}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`
	Tools       []toolSchema  `json:"tools,omitempty"`
}

type toolSchema struct {
	Type     string         `json:"type"`
	Function functionSchema `json:"function"`
}

type functionSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type toolCallArguments struct {
	Command string `json:"command"`
	Reason  string `json:"reason"`
}

// Stream sends the conversation with the shell tool schemas attached and
// consumes the SSE response until [DONE].
func (c *OpenAIClient) Stream(ctx context.Context, cfg ModelConfig, messages []ChatMessage, onDelta func(string)) (*ModelResponse, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	payload := chatRequest{
		Model:       cfg.Model,
		Messages:    messages,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Stream:      true,
		Tools:       shellToolSchemas(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding chat request: %w", err)
	}

	endpoint := strings.TrimRight(cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: status=%d", ErrRateLimited, resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status=%d", ErrUpstreamUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("chat request failed: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	return consumeStream(resp.Body, onDelta)
}

type toolCallAccumulator struct {
	id        string
	name      string
	arguments strings.Builder
}

func consumeStream(body io.Reader, onDelta func(string)) (*ModelResponse, error) {
	var text strings.Builder
	calls := make(map[int]*toolCallAccumulator)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil, fmt.Errorf("%w: malformed stream chunk: %v", ErrUpstreamUnavailable, err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta

		if delta.Content != "" {
			text.WriteString(delta.Content)
			if onDelta != nil {
				onDelta(delta.Content)
			}
		}
		for _, tc := range delta.ToolCalls {
			acc, ok := calls[tc.Index]
			if !ok {
				acc = &toolCallAccumulator{}
				calls[tc.Index] = acc
			}
			if tc.ID != "" {
				acc.id = tc.ID
			}
			if tc.Function.Name != "" {
				acc.name = tc.Function.Name
			}
			acc.arguments.WriteString(tc.Function.Arguments)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading stream: %v", ErrUpstreamUnavailable, err)
	}

	resp := &ModelResponse{Text: text.String()}

	indexes := make([]int, 0, len(calls))
	for idx := range calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		acc := calls[idx]
		kind, ok := ParseToolKind(acc.name)
		if !ok {
			return nil, fmt.Errorf("model requested unknown tool %q", acc.name)
		}
		var args toolCallArguments
		raw := acc.arguments.String()
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				return nil, fmt.Errorf("malformed %s arguments: %w", acc.name, err)
			}
		}
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID:      acc.id,
			Kind:    kind,
			Command: args.Command,
			Reason:  args.Reason,
		})
	}
	return resp, nil
}

func shellToolSchemas() []toolSchema {
	commandProperty := map[string]any{
		"type":        "string",
		"description": "The shell command to run on the bound session",
	}
	reasonProperty := map[string]any{
		"type":        "string",
		"description": "Why this command is needed",
	}
	return []toolSchema{
		{
			Type: "function",
			Function: functionSchema{
				Name:        toolNameReadShell,
				Description: "Run a read-only diagnostic shell command. Executed immediately without approval.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"command": commandProperty,
						"reason":  reasonProperty,
					},
					"required": []string{"command"},
				},
			},
		},
		{
			Type: "function",
			Function: functionSchema{
				Name:        toolNameWriteShell,
				Description: "Request a mutating shell command. Queued for human approval, never executed directly.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"command": commandProperty,
						"reason":  reasonProperty,
					},
					"required": []string{"command", "reason"},
				},
			},
		},
	}
}
