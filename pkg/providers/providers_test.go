package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/openai/openai-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/dotmemory/pkg/config"
)

func TestCreateEmbedder_LocalDefault(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Embedding.Provider = ""

	emb, err := CreateEmbedder(cfg)
	require.NoError(t, err)
	assert.Equal(t, "dotmemory-chargram-384-v1", emb.ModelID())
	assert.Equal(t, 384, emb.Dimensions())
}

func TestCreateEmbedder_Unsupported(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Embedding.Provider = "carrier-pigeon"

	_, err := CreateEmbedder(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported embedding provider")
}

func TestCreateEmbedder_OpenAIRequiresKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	cfg := config.DefaultConfig()
	cfg.Embedding.Provider = EmbedderOpenAI

	_, err := CreateEmbedder(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPENAI_API_KEY")
}

func TestCreateSummarizer_NoneIsNil(t *testing.T) {
	summarize, err := CreateSummarizer(config.DefaultConfig())
	require.NoError(t, err)
	assert.Nil(t, summarize)
}

func TestSupportedProviders(t *testing.T) {
	assert.Equal(t, []string{EmbedderLocal, EmbedderOpenAI}, SupportedEmbedders())
	assert.Equal(t, []string{SummarizerAnthropic, SummarizerNone}, SupportedSummarizers())
}

func TestOpenAIEmbedder_Embed(t *testing.T) {
	var seenAuth, seenPath string
	var seenReq map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
		seenPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&seenReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","model":"text-embedding-3-small","data":[{"object":"embedding","index":0,"embedding":[0.25,-0.5,1]}],"usage":{"prompt_tokens":3,"total_tokens":3}}`))
	}))
	defer server.Close()

	emb, err := NewOpenAIEmbedder(OpenAIEmbedderConfig{
		APIKey:     "sk-test",
		BaseURL:    server.URL + "/v1",
		Dimensions: 3,
	})
	require.NoError(t, err)

	vec, err := emb.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.25, -0.5, 1}, vec)
	assert.Equal(t, "Bearer sk-test", seenAuth)
	assert.Equal(t, "/v1/embeddings", seenPath)
	assert.Equal(t, "text-embedding-3-small", seenReq["model"])
	assert.Equal(t, "hello world", seenReq["input"])
	assert.EqualValues(t, 3, seenReq["dimensions"])
	assert.Equal(t, 3, emb.Dimensions())
}

func TestOpenAIEmbedder_ErrorCarriesHint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Incorrect API key provided: sk-bad","type":"invalid_request_error","code":"invalid_api_key"}}`))
	}))
	defer server.Close()

	emb, err := NewOpenAIEmbedder(OpenAIEmbedderConfig{APIKey: "sk-bad", BaseURL: server.URL})
	require.NoError(t, err)

	_, err = emb.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Hint:")

	var apiErr *openai.Error
	require.True(t, errors.As(err, &apiErr), "SDK error stays in the chain: %v", err)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestOpenAIEmbedder_DeadlineStaysDetectable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	emb, err := NewOpenAIEmbedder(OpenAIEmbedderConfig{APIKey: "sk-test", BaseURL: server.URL + "/v1"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = emb.Embed(ctx, "hello")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "expected deadline in chain, got %v", err)
}

func TestOpenAIEmbedder_LocalModelNameFallsBack(t *testing.T) {
	emb, err := NewOpenAIEmbedder(OpenAIEmbedderConfig{APIKey: "sk-test", Model: "dotmemory-chargram-384-v1"})
	require.NoError(t, err)
	assert.Equal(t, defaultOpenAIEmbeddingModel, emb.ModelID())
	assert.Equal(t, 1536, emb.Dimensions())
}

func TestAnthropicSummarizer_Summarize(t *testing.T) {
	var seenKey, seenPath string
	var seenReq map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenKey = r.Header.Get("X-Api-Key")
		seenPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&seenReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-3-5-haiku-latest","content":[{"type":"text","text":"User chose Postgres for the ledger."}],"stop_reason":"end_turn","usage":{"input_tokens":10,"output_tokens":8}}`))
	}))
	defer server.Close()

	summarize, err := NewAnthropicSummarizer(AnthropicSummarizerConfig{
		APIKey:  "ak-test",
		BaseURL: server.URL,
	})
	require.NoError(t, err)

	got, err := summarize(context.Background(), "[2026-01-01T00:00:00Z] user: let's go with postgres")
	require.NoError(t, err)
	assert.Equal(t, "User chose Postgres for the ledger.", got)
	assert.Equal(t, "ak-test", seenKey)
	assert.Equal(t, "/v1/messages", seenPath)
	assert.Equal(t, defaultAnthropicSummaryModel, seenReq["model"])
	assert.EqualValues(t, 256, seenReq["max_tokens"])

	msgs, ok := seenReq["messages"].([]interface{})
	require.True(t, ok)
	require.Len(t, msgs, 1)
	raw, _ := json.Marshal(msgs[0])
	assert.True(t, strings.Contains(string(raw), "let's go with postgres"))
}

func TestAnthropicSummarizer_EmptyTranscriptSkipsCall(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	summarize, err := NewAnthropicSummarizer(AnthropicSummarizerConfig{APIKey: "ak-test", BaseURL: server.URL})
	require.NoError(t, err)

	got, err := summarize(context.Background(), "   ")
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.False(t, called)
}

func TestAnthropicSummarizer_RequiresKey(t *testing.T) {
	_, err := NewAnthropicSummarizer(AnthropicSummarizerConfig{})
	require.Error(t, err)
}
