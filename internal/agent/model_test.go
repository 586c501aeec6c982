// ABOUTME: Tests for the OpenAI-compatible streaming client
// ABOUTME: Serves canned SSE responses through httptest

package agent

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseHandler(t *testing.T, lines []string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var req chatRequest
		require.NoError(t, json.Unmarshal(body, &req))
		assert.True(t, req.Stream)
		assert.Len(t, req.Tools, 2)

		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			_, _ = io.WriteString(w, line+"\n\n")
		}
	}
}

func streamConfig(baseURL string) ModelConfig {
	return ModelConfig{BaseURL: baseURL + "/v1", APIKey: "test-key", Model: "test-model"}
}

func TestOpenAIClient_StreamsTextDeltas(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, []string{
		`data: {"choices":[{"delta":{"content":"Hello"}}]}`,
		`data: {"choices":[{"delta":{"content":" world"}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`data: [DONE]`,
	}))
	defer srv.Close()

	client := NewOpenAIClient(srv.Client())
	var deltas []string
	resp, err := client.Stream(t.Context(), streamConfig(srv.URL), []ChatMessage{
		{Role: "user", Content: "hi"},
	}, func(chunk string) { deltas = append(deltas, chunk) })
	require.NoError(t, err)

	assert.Equal(t, "Hello world", resp.Text)
	assert.Equal(t, []string{"Hello", " world"}, deltas)
	assert.Empty(t, resp.ToolCalls)
}

func TestOpenAIClient_AccumulatesToolCallFragments(t *testing.T) {
	// Arguments for one call arrive split across chunks, and a second call
	// shares the stream under another index.
	srv := httptest.NewServer(sseHandler(t, []string{
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_a","function":{"name":"read_shell","arguments":"{\"comm"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"and\":\"df -h\"}"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":1,"id":"call_b","function":{"name":"write_shell","arguments":"{\"command\":\"rm x\",\"reason\":\"stale\"}"}}]}}]}`,
		`data: [DONE]`,
	}))
	defer srv.Close()

	client := NewOpenAIClient(srv.Client())
	resp, err := client.Stream(t.Context(), streamConfig(srv.URL), nil, nil)
	require.NoError(t, err)

	require.Len(t, resp.ToolCalls, 2)
	assert.Equal(t, "call_a", resp.ToolCalls[0].ID)
	assert.Equal(t, ToolReadShell, resp.ToolCalls[0].Kind)
	assert.Equal(t, "df -h", resp.ToolCalls[0].Command)
	assert.Equal(t, "call_b", resp.ToolCalls[1].ID)
	assert.Equal(t, ToolWriteShell, resp.ToolCalls[1].Kind)
	assert.Equal(t, "rm x", resp.ToolCalls[1].Command)
	assert.Equal(t, "stale", resp.ToolCalls[1].Reason)
}

func TestOpenAIClient_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewOpenAIClient(srv.Client())
	_, err := client.Stream(t.Context(), streamConfig(srv.URL), nil, nil)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestOpenAIClient_ServerErrorIsUpstreamUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewOpenAIClient(srv.Client())
	_, err := client.Stream(t.Context(), streamConfig(srv.URL), nil, nil)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestOpenAIClient_BadRequestIncludesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"model not found"}`)
	}))
	defer srv.Close()

	client := NewOpenAIClient(srv.Client())
	_, err := client.Stream(t.Context(), streamConfig(srv.URL), nil, nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRateLimited)
	assert.NotErrorIs(t, err, ErrUpstreamUnavailable)
	assert.Contains(t, err.Error(), "model not found")
}

func TestOpenAIClient_UnknownToolRejected(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, []string{
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"x","function":{"name":"delete_everything","arguments":"{}"}}]}}]}`,
		`data: [DONE]`,
	}))
	defer srv.Close()

	client := NewOpenAIClient(srv.Client())
	_, err := client.Stream(t.Context(), streamConfig(srv.URL), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tool")
}

func TestOpenAIClient_MalformedArgumentsRejected(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, []string{
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"x","function":{"name":"read_shell","arguments":"{not json"}}]}}]}`,
		`data: [DONE]`,
	}))
	defer srv.Close()

	client := NewOpenAIClient(srv.Client())
	_, err := client.Stream(t.Context(), streamConfig(srv.URL), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed read_shell arguments")
}

func TestModelConfig_Validate(t *testing.T) {
	valid := ModelConfig{BaseURL: "https://api.test/v1", APIKey: "k", Model: "m", Temperature: 0.7}
	assert.NoError(t, valid.Validate())

	cases := map[string]ModelConfig{
		"empty baseUrl":        {APIKey: "k", Model: "m"},
		"empty apiKey":         {BaseURL: "u", Model: "m"},
		"empty model":          {BaseURL: "u", APIKey: "k"},
		"temperature too high": {BaseURL: "u", APIKey: "k", Model: "m", Temperature: 2.5},
		"negative temperature": {BaseURL: "u", APIKey: "k", Model: "m", Temperature: -0.1},
		"negative maxTokens":   {BaseURL: "u", APIKey: "k", Model: "m", MaxTokens: -1},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestFormatExecutionOutput(t *testing.T) {
	assert.Equal(t, "stdout:\nhello\n\nexitCode: 0", formatExecutionOutput("hello\n", "", 0))
	assert.Equal(t, "stderr:\noops\n\nexitCode: 1", formatExecutionOutput("", "oops", 1))
	assert.Equal(t, "stdout:\na\n\nstderr:\nb\n\nexitCode: 2", formatExecutionOutput("a", "b", 2))
	assert.Equal(t, "<empty output>\n\nexitCode: 0", formatExecutionOutput("  ", "\n", 0))
}
