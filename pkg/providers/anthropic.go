package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dotsetgreg/dotmemory/pkg/config"
	"github.com/dotsetgreg/dotmemory/pkg/memory"
)

const (
	defaultAnthropicSummaryModel = "claude-3-5-haiku-latest"
	summaryPrompt                = "Summarize this excerpt of a conversation in two or three sentences. Keep names, decisions, commitments and stated preferences. Reply with the summary only.\n\n"
)

func init() {
	RegisterSummarizer(SummarizerAnthropic, newAnthropicSummarizerFromConfig, validateAnthropicConfig)
}

func validateAnthropicConfig(cfg *config.Config) error {
	if resolveAPIKey(cfg.Summarizer.APIKey, "ANTHROPIC_API_KEY") == "" {
		return fmt.Errorf("anthropic summarizer requires summarizer.api_key or ANTHROPIC_API_KEY")
	}
	return nil
}

func newAnthropicSummarizerFromConfig(cfg *config.Config) (memory.SummaryFunc, error) {
	return NewAnthropicSummarizer(AnthropicSummarizerConfig{
		APIKey:    resolveAPIKey(cfg.Summarizer.APIKey, "ANTHROPIC_API_KEY"),
		BaseURL:   cfg.Summarizer.APIBase,
		Model:     cfg.Summarizer.Model,
		MaxTokens: cfg.Summarizer.MaxTokens,
		Timeout:   time.Duration(cfg.Summarizer.TimeoutMS) * time.Millisecond,
	})
}

type AnthropicSummarizerConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxTokens  int
	MaxRetries int
	Timeout    time.Duration
	HTTPClient *http.Client
}

// NewAnthropicSummarizer returns a SummaryFunc backed by the Messages API.
func NewAnthropicSummarizer(cfg AnthropicSummarizerConfig) (memory.SummaryFunc, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: api key required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultAnthropicSummaryModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 256
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, option.WithMaxRetries(cfg.MaxRetries))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	client := anthropic.NewClient(opts...)

	return func(ctx context.Context, transcript string) (string, error) {
		if strings.TrimSpace(transcript) == "" {
			return "", nil
		}
		msg, err := client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(model),
			MaxTokens: int64(maxTokens),
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(summaryPrompt + transcript)),
			},
		})
		if err != nil {
			return "", fmt.Errorf("anthropic summary: %w", err)
		}
		parts := []string{}
		for _, block := range msg.Content {
			if block.Type == "text" && strings.TrimSpace(block.Text) != "" {
				parts = append(parts, strings.TrimSpace(block.Text))
			}
		}
		return strings.Join(parts, "\n"), nil
	}, nil
}
