package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/dotsetgreg/dotmemory/pkg/memory"
)

type Config struct {
	Storage      StorageConfig      `json:"storage"`
	Conversation ConversationConfig `json:"conversation"`
	Chunking     ChunkingConfig     `json:"chunking"`
	Retrieval    RetrievalConfig    `json:"retrieval"`
	Importance   ImportanceConfig   `json:"importance"`
	Embedding    EmbeddingConfig    `json:"embedding"`
	Summarizer   SummarizerConfig   `json:"summarizer"`
	Maintenance  MaintenanceConfig  `json:"maintenance"`
	Logging      LoggingConfig      `json:"logging"`
	mu           sync.RWMutex
}

type StorageConfig struct {
	Workspace string `json:"workspace" env:"DOTMEMORY_STORAGE_WORKSPACE"`
	DBPath    string `json:"db_path,omitempty" env:"DOTMEMORY_STORAGE_DB_PATH"`
}

type ConversationConfig struct {
	PrimaryBufferSize int `json:"primary_buffer_size" env:"DOTMEMORY_CONVERSATION_PRIMARY_BUFFER_SIZE"`
}

type ChunkingConfig struct {
	MinMessages      int     `json:"min_messages" env:"DOTMEMORY_CHUNKING_MIN_MESSAGES"`
	MaxMessages      int     `json:"max_messages" env:"DOTMEMORY_CHUNKING_MAX_MESSAGES"`
	TargetTokens     int     `json:"target_tokens" env:"DOTMEMORY_CHUNKING_TARGET_TOKENS"`
	MaxTokens        int     `json:"max_tokens" env:"DOTMEMORY_CHUNKING_MAX_TOKENS"`
	TimeGapHours     float64 `json:"time_gap_hours" env:"DOTMEMORY_CHUNKING_TIME_GAP_HOURS"`
	BoundaryOverage  int     `json:"boundary_overage" env:"DOTMEMORY_CHUNKING_BOUNDARY_OVERAGE"`
	PersistAttempts  int     `json:"persist_attempts" env:"DOTMEMORY_CHUNKING_PERSIST_ATTEMPTS"`
	PersistBackoffMS int     `json:"persist_backoff_ms" env:"DOTMEMORY_CHUNKING_PERSIST_BACKOFF_MS"`
}

type RetrievalConfig struct {
	SemanticWeight      float64 `json:"semantic_weight" env:"DOTMEMORY_RETRIEVAL_SEMANTIC_WEIGHT"`
	RecencyWeight       float64 `json:"recency_weight" env:"DOTMEMORY_RETRIEVAL_RECENCY_WEIGHT"`
	RecencyDecayHours   float64 `json:"recency_decay_hours" env:"DOTMEMORY_RETRIEVAL_RECENCY_DECAY_HOURS"`
	SimilarityThreshold float64 `json:"similarity_threshold" env:"DOTMEMORY_RETRIEVAL_SIMILARITY_THRESHOLD"`
	MaxChunksToRetrieve int     `json:"max_chunks_to_retrieve" env:"DOTMEMORY_RETRIEVAL_MAX_CHUNKS"`
	ReserveTokens       int     `json:"reserve_tokens" env:"DOTMEMORY_RETRIEVAL_RESERVE_TOKENS"`
	DefaultSimilarity   float64 `json:"default_similarity" env:"DOTMEMORY_RETRIEVAL_DEFAULT_SIMILARITY"`
	DefaultBudgetTokens int     `json:"default_budget_tokens" env:"DOTMEMORY_RETRIEVAL_DEFAULT_BUDGET_TOKENS"`
}

type ImportanceConfig struct {
	Mode        string             `json:"mode" env:"DOTMEMORY_IMPORTANCE_MODE"` // max | compound
	Cap         float64            `json:"cap" env:"DOTMEMORY_IMPORTANCE_CAP"`
	Multipliers map[string]float64 `json:"multipliers" env:"DOTMEMORY_IMPORTANCE_MULTIPLIERS"`
}

type EmbeddingConfig struct {
	Provider           string `json:"provider" env:"DOTMEMORY_EMBEDDING_PROVIDER"` // local | openai
	Model              string `json:"model" env:"DOTMEMORY_EMBEDDING_MODEL"`
	APIKey             string `json:"api_key,omitempty" env:"DOTMEMORY_EMBEDDING_API_KEY"`
	APIBase            string `json:"api_base,omitempty" env:"DOTMEMORY_EMBEDDING_API_BASE"`
	Dimensions         int    `json:"dimensions,omitempty" env:"DOTMEMORY_EMBEDDING_DIMENSIONS"`
	MaxInputChars      int    `json:"max_input_chars" env:"DOTMEMORY_EMBEDDING_MAX_INPUT_CHARS"`
	TimeoutMS          int    `json:"timeout_ms" env:"DOTMEMORY_EMBEDDING_TIMEOUT_MS"`
	CacheSize          int    `json:"cache_size" env:"DOTMEMORY_EMBEDDING_CACHE_SIZE"`
	DisableVectorIndex bool   `json:"disable_vector_index" env:"DOTMEMORY_EMBEDDING_DISABLE_VECTOR_INDEX"`
}

type SummarizerConfig struct {
	Provider  string `json:"provider" env:"DOTMEMORY_SUMMARIZER_PROVIDER"` // none | anthropic
	Model     string `json:"model" env:"DOTMEMORY_SUMMARIZER_MODEL"`
	APIKey    string `json:"api_key,omitempty" env:"DOTMEMORY_SUMMARIZER_API_KEY"`
	APIBase   string `json:"api_base,omitempty" env:"DOTMEMORY_SUMMARIZER_API_BASE"`
	MaxTokens int    `json:"max_tokens" env:"DOTMEMORY_SUMMARIZER_MAX_TOKENS"`
	TimeoutMS int    `json:"timeout_ms" env:"DOTMEMORY_SUMMARIZER_TIMEOUT_MS"`
}

type MaintenanceConfig struct {
	WorkerEnabled      bool   `json:"worker_enabled" env:"DOTMEMORY_MAINTENANCE_WORKER_ENABLED"`
	WorkerPollMS       int    `json:"worker_poll_ms" env:"DOTMEMORY_MAINTENANCE_WORKER_POLL_MS"`
	WorkerLeaseSeconds int    `json:"worker_lease_seconds" env:"DOTMEMORY_MAINTENANCE_WORKER_LEASE_SECONDS"`
	SweepSchedule      string `json:"sweep_schedule" env:"DOTMEMORY_MAINTENANCE_SWEEP_SCHEDULE"`
	SweepLimit         int    `json:"sweep_limit" env:"DOTMEMORY_MAINTENANCE_SWEEP_LIMIT"`
	BackfillBatch      int    `json:"backfill_batch" env:"DOTMEMORY_MAINTENANCE_BACKFILL_BATCH"`
}

type LoggingConfig struct {
	Level string `json:"level" env:"DOTMEMORY_LOG_LEVEL"`
	JSON  bool   `json:"json" env:"DOTMEMORY_LOG_JSON"`
}

func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Workspace: "~/.dotmemory",
		},
		Conversation: ConversationConfig{
			PrimaryBufferSize: memory.DefaultPrimaryBufferSize,
		},
		Chunking: ChunkingConfig{
			MinMessages:      3,
			MaxMessages:      10,
			TargetTokens:     450,
			MaxTokens:        600,
			TimeGapHours:     4,
			BoundaryOverage:  5,
			PersistAttempts:  4,
			PersistBackoffMS: 50,
		},
		Retrieval: RetrievalConfig{
			SemanticWeight:      0.7,
			RecencyWeight:       0.3,
			RecencyDecayHours:   24,
			SimilarityThreshold: 0.7,
			MaxChunksToRetrieve: 10,
			ReserveTokens:       100,
			DefaultSimilarity:   0.8,
			DefaultBudgetTokens: 4000,
		},
		Importance: ImportanceConfig{
			Mode: memory.ImportanceMax,
			Cap:  2.5,
			Multipliers: map[string]float64{
				memory.FlagDecision:   1.5,
				memory.FlagCommitment: 1.5,
				memory.FlagInsight:    1.3,
				memory.FlagPreference: 1.4,
			},
		},
		Embedding: EmbeddingConfig{
			Provider:      "local",
			Model:         "dotmemory-chargram-384-v1",
			MaxInputChars: 8000,
			TimeoutMS:     5000,
			CacheSize:     512,
		},
		Summarizer: SummarizerConfig{
			Provider:  "none",
			Model:     "claude-3-5-haiku-latest",
			MaxTokens: 256,
			TimeoutMS: 20000,
		},
		Maintenance: MaintenanceConfig{
			WorkerEnabled:      true,
			WorkerPollMS:       800,
			WorkerLeaseSeconds: 45,
			SweepSchedule:      "*/10 * * * *",
			SweepLimit:         100,
			BackfillBatch:      20,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads path over the defaults, then applies DOTMEMORY_*
// environment overrides. A missing file is not an error. An
// importance.multipliers object in the file replaces the default table.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
		// json merges into the default map; a file that lists multipliers
		// replaces the whole table.
		var table struct {
			Importance struct {
				Multipliers map[string]float64 `json:"multipliers"`
			} `json:"importance"`
		}
		if err := json.Unmarshal(data, &table); err != nil {
			return nil, err
		}
		if table.Importance.Multipliers != nil {
			cfg.Importance.Multipliers = table.Importance.Multipliers
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Storage.Workspace)
}

// MemoryConfig translates the file/env layout into the engine's config.
func (c *Config) MemoryConfig() memory.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	multipliers := make(map[string]float64, len(c.Importance.Multipliers))
	for k, v := range c.Importance.Multipliers {
		multipliers[k] = v
	}
	localEmbedder := ""
	if c.Embedding.Provider == "" || c.Embedding.Provider == "local" {
		localEmbedder = c.Embedding.Model
	}
	sweep := c.Maintenance.SweepSchedule

	return memory.Config{
		Workspace:         expandHome(c.Storage.Workspace),
		DBPath:            expandHome(c.Storage.DBPath),
		PrimaryBufferSize: c.Conversation.PrimaryBufferSize,
		Chunking: memory.ChunkingConfig{
			MinMessages:     c.Chunking.MinMessages,
			MaxMessages:     c.Chunking.MaxMessages,
			TargetTokens:    c.Chunking.TargetTokens,
			MaxTokens:       c.Chunking.MaxTokens,
			TimeGap:         time.Duration(c.Chunking.TimeGapHours * float64(time.Hour)),
			BoundaryOverage: c.Chunking.BoundaryOverage,
			PersistAttempts: c.Chunking.PersistAttempts,
			PersistBackoff:  time.Duration(c.Chunking.PersistBackoffMS) * time.Millisecond,
		},
		Retrieval: memory.RetrievalConfig{
			SemanticWeight:      c.Retrieval.SemanticWeight,
			RecencyWeight:       c.Retrieval.RecencyWeight,
			RecencyDecayHours:   c.Retrieval.RecencyDecayHours,
			SimilarityThreshold: c.Retrieval.SimilarityThreshold,
			MaxChunksToRetrieve: c.Retrieval.MaxChunksToRetrieve,
			ReserveTokens:       c.Retrieval.ReserveTokens,
			DefaultSimilarity:   c.Retrieval.DefaultSimilarity,
			DefaultBudgetTokens: c.Retrieval.DefaultBudgetTokens,
		},
		Embedding: memory.EmbeddingConfig{
			MaxInputChars: c.Embedding.MaxInputChars,
			Timeout:       time.Duration(c.Embedding.TimeoutMS) * time.Millisecond,
			CacheSize:     c.Embedding.CacheSize,
		},
		Importance: memory.ImportanceConfig{
			Multipliers: multipliers,
			Mode:        c.Importance.Mode,
			Cap:         c.Importance.Cap,
		},
		LocalEmbedder:      localEmbedder,
		DisableVectorIndex: c.Embedding.DisableVectorIndex,
		DisableWorker:      !c.Maintenance.WorkerEnabled,
		WorkerLease:        time.Duration(c.Maintenance.WorkerLeaseSeconds) * time.Second,
		WorkerPoll:         time.Duration(c.Maintenance.WorkerPollMS) * time.Millisecond,
		SweepSchedule:      sweep,
		SweepLimit:         c.Maintenance.SweepLimit,
		BackfillBatch:      c.Maintenance.BackfillBatch,
	}
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
