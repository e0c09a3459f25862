package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/graphmind/llm"
)

func TestNew_Defaults(t *testing.T) {
	p := New(Config{}, nil)
	assert.Equal(t, "ollama", p.Name())
	assert.Equal(t, "http://localhost:11434", p.cfg.BaseURL)
}

// ---------------------------------------------------------------------------
// Generate
// ---------------------------------------------------------------------------

func TestProvider_Generate_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)

		var body chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "llama3", body.Model)
		assert.False(t, body.Stream)

		fmt.Fprint(w, `{
			"model": "llama3",
			"message": {"role": "assistant", "content": "Hi there"},
			"done": true,
			"prompt_eval_count": 12,
			"eval_count": 3
		}`)
	}))
	t.Cleanup(server.Close)

	p := New(Config{BaseURL: server.URL, DefaultModel: "llama3"}, zap.NewNop())
	text, usage, err := p.Generate(context.Background(), []llm.Message{llm.UserMessage("hi")}, llm.GenerateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Hi there", text)
	assert.Equal(t, 12, usage.PromptTokens)
	assert.Equal(t, 3, usage.CompletionTokens)
	assert.Equal(t, 15, usage.TotalTokens)
}

func TestProvider_Generate_OptionsForwarded(t *testing.T) {
	var received chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"ok"},"done":true}`)
	}))
	t.Cleanup(server.Close)

	p := New(Config{BaseURL: server.URL, DefaultModel: "llama3"}, zap.NewNop())
	_, _, err := p.Generate(context.Background(), []llm.Message{llm.UserMessage("hi")},
		llm.GenerateOptions{Temperature: 0.2, MaxTokens: 100})
	require.NoError(t, err)
	require.NotNil(t, received.Options)
	assert.InDelta(t, 0.2, received.Options.Temperature, 1e-6)
	assert.Equal(t, 100, received.Options.NumPredict)
}

func TestProvider_Generate_ModelMissing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"model 'nope' not found"}`)
	}))
	t.Cleanup(server.Close)

	p := New(Config{BaseURL: server.URL, DefaultModel: "nope"}, zap.NewNop())
	_, _, err := p.Generate(context.Background(), []llm.Message{llm.UserMessage("hi")}, llm.GenerateOptions{})
	require.Error(t, err)
	var llmErr *llm.Error
	require.ErrorAs(t, err, &llmErr)
	assert.Contains(t, llmErr.Message, "not found")
	assert.Equal(t, "ollama", llmErr.Provider)
}

func TestProvider_Generate_InlineError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":"out of memory"}`)
	}))
	t.Cleanup(server.Close)

	p := New(Config{BaseURL: server.URL, DefaultModel: "llama3"}, zap.NewNop())
	_, _, err := p.Generate(context.Background(), []llm.Message{llm.UserMessage("hi")}, llm.GenerateOptions{})
	require.Error(t, err)
	var llmErr *llm.Error
	require.ErrorAs(t, err, &llmErr)
	assert.Equal(t, llm.ErrUpstreamError, llmErr.Code)
	assert.Equal(t, "out of memory", llmErr.Message)
}

// ---------------------------------------------------------------------------
// GenerateStream
// ---------------------------------------------------------------------------

func TestProvider_Stream_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.True(t, body.Stream)

		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Hel"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"lo"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true,"prompt_eval_count":8,"eval_count":2}`)
	}))
	t.Cleanup(server.Close)

	p := New(Config{BaseURL: server.URL, DefaultModel: "llama3"}, zap.NewNop())
	ch, err := p.GenerateStream(context.Background(), []llm.Message{llm.UserMessage("hi")}, llm.GenerateOptions{})
	require.NoError(t, err)

	var text string
	var final *llm.StreamChunk
	for chunk := range ch {
		require.NoError(t, chunk.Err)
		text += chunk.Delta
		if chunk.Done {
			c := chunk
			final = &c
		}
	}
	assert.Equal(t, "Hello", text)
	require.NotNil(t, final)
	require.NotNil(t, final.Usage)
	assert.Equal(t, 10, final.Usage.TotalTokens)
}

func TestProvider_Stream_MidStreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"part"},"done":false}`)
		fmt.Fprintln(w, `{"error":"model crashed"}`)
	}))
	t.Cleanup(server.Close)

	p := New(Config{BaseURL: server.URL, DefaultModel: "llama3"}, zap.NewNop())
	ch, err := p.GenerateStream(context.Background(), []llm.Message{llm.UserMessage("hi")}, llm.GenerateOptions{})
	require.NoError(t, err)

	var text string
	var streamErr error
	for chunk := range ch {
		if chunk.Err != nil {
			streamErr = chunk.Err
			break
		}
		text += chunk.Delta
	}
	assert.Equal(t, "part", text)
	require.Error(t, streamErr)
	var llmErr *llm.Error
	require.ErrorAs(t, streamErr, &llmErr)
	assert.Equal(t, "model crashed", llmErr.Message)
}

func TestProvider_Stream_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":"loading model"}`)
	}))
	t.Cleanup(server.Close)

	p := New(Config{BaseURL: server.URL, DefaultModel: "llama3"}, zap.NewNop())
	_, err := p.GenerateStream(context.Background(), []llm.Message{llm.UserMessage("hi")}, llm.GenerateOptions{})
	require.Error(t, err)
	var llmErr *llm.Error
	require.ErrorAs(t, err, &llmErr)
	assert.Equal(t, llm.ErrProviderUnavailable, llmErr.Code)
	assert.True(t, llmErr.Retryable)
}
