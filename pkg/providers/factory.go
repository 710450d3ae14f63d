package providers

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/dotsetgreg/dotmemory/pkg/config"
	"github.com/dotsetgreg/dotmemory/pkg/memory"
)

const (
	EmbedderLocal  = "local"
	EmbedderOpenAI = "openai"

	SummarizerNone      = "none"
	SummarizerAnthropic = "anthropic"
)

type embedderFactory struct {
	build    func(cfg *config.Config) (memory.Embedder, error)
	validate func(cfg *config.Config) error
}

type summarizerFactory struct {
	build    func(cfg *config.Config) (memory.SummaryFunc, error)
	validate func(cfg *config.Config) error
}

var (
	factoryMu           sync.RWMutex
	embedderFactories   = map[string]embedderFactory{}
	summarizerFactories = map[string]summarizerFactory{}
	registrationErr     error
)

func init() {
	RegisterEmbedder(EmbedderLocal, func(cfg *config.Config) (memory.Embedder, error) {
		return memory.NewLocalEmbedder(cfg.Embedding.Model), nil
	}, nil)
	RegisterSummarizer(SummarizerNone, func(*config.Config) (memory.SummaryFunc, error) {
		return nil, nil
	}, nil)
}

func RegisterEmbedder(name string, build func(cfg *config.Config) (memory.Embedder, error), validate func(cfg *config.Config) error) {
	name = normalizeName(name, EmbedderLocal)
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if build == nil {
		registrationErr = errors.Join(registrationErr, fmt.Errorf("providers: embedder %q build func is required", name))
		return
	}
	embedderFactories[name] = embedderFactory{build: build, validate: validate}
}

func RegisterSummarizer(name string, build func(cfg *config.Config) (memory.SummaryFunc, error), validate func(cfg *config.Config) error) {
	name = normalizeName(name, SummarizerNone)
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if build == nil {
		registrationErr = errors.Join(registrationErr, fmt.Errorf("providers: summarizer %q build func is required", name))
		return
	}
	summarizerFactories[name] = summarizerFactory{build: build, validate: validate}
}

func normalizeName(name, fallback string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return fallback
	}
	return name
}

func SupportedEmbedders() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	out := make([]string, 0, len(embedderFactories))
	for name := range embedderFactories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func SupportedSummarizers() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	out := make([]string, 0, len(summarizerFactories))
	for name := range summarizerFactories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CreateEmbedder builds the embedder selected by cfg.Embedding.Provider.
func CreateEmbedder(cfg *config.Config) (memory.Embedder, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	name := normalizeName(cfg.Embedding.Provider, EmbedderLocal)

	factoryMu.RLock()
	regErr := registrationErr
	factory, ok := embedderFactories[name]
	factoryMu.RUnlock()
	if regErr != nil {
		return nil, regErr
	}
	if !ok {
		return nil, fmt.Errorf("unsupported embedding provider %q (supported: %s)", name, strings.Join(SupportedEmbedders(), ", "))
	}
	if factory.validate != nil {
		if err := factory.validate(cfg); err != nil {
			return nil, err
		}
	}
	return factory.build(cfg)
}

// CreateSummarizer builds the summarizer selected by cfg.Summarizer.Provider.
// The "none" provider yields a nil func.
func CreateSummarizer(cfg *config.Config) (memory.SummaryFunc, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	name := normalizeName(cfg.Summarizer.Provider, SummarizerNone)

	factoryMu.RLock()
	regErr := registrationErr
	factory, ok := summarizerFactories[name]
	factoryMu.RUnlock()
	if regErr != nil {
		return nil, regErr
	}
	if !ok {
		return nil, fmt.Errorf("unsupported summarizer provider %q (supported: %s)", name, strings.Join(SupportedSummarizers(), ", "))
	}
	if factory.validate != nil {
		if err := factory.validate(cfg); err != nil {
			return nil, err
		}
	}
	return factory.build(cfg)
}

// resolveAPIKey prefers the configured key and falls back to the vendor's
// conventional environment variable.
func resolveAPIKey(configured, envVar string) string {
	if key := strings.TrimSpace(configured); key != "" {
		return key
	}
	return strings.TrimSpace(os.Getenv(envVar))
}
