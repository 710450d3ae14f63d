package memory

import (
	"context"
	"time"
)

// Store provides durable persistence for conversations, chunks and vectors.
type Store interface {
	Close() error

	GetOrCreateConversation(ctx context.Context, userID string, bufferSize int) (Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (Conversation, error)
	GetConversationByUser(ctx context.Context, userID string) (Conversation, error)
	ListConversationsOverPrimary(ctx context.Context, factor int, limit int) ([]string, error)

	AppendMessage(ctx context.Context, conversationID string, msg Message) (Message, error)
	ListPrimaryMessages(ctx context.Context, conversationID string, limit int, oldestFirst bool) ([]Message, error)
	CountPrimaryMessages(ctx context.Context, conversationID string) (int, error)
	ListMessagesInRange(ctx context.Context, conversationID string, startSeq, endSeq int64) ([]Message, error)
	SearchMessages(ctx context.Context, conversationID, ftsQuery, substring string, limit int) ([]Message, error)

	CreateChunk(ctx context.Context, chunk Chunk) error
	RecoverChunk(ctx context.Context, chunk Chunk) error
	GetChunk(ctx context.Context, chunkID string) (Chunk, error)
	GetChunks(ctx context.Context, chunkIDs []string) ([]Chunk, error)
	ListChunks(ctx context.Context, conversationID string) ([]Chunk, error)
	ListRecentChunks(ctx context.Context, conversationID string, limit int) ([]Chunk, error)
	RecordRetrievals(ctx context.Context, chunkIDs []string, at time.Time) error

	ArchiveChunkMembers(ctx context.Context, chunk Chunk) (int, error)
	ListOrphanedArchived(ctx context.Context, conversationID string) ([]Message, error)
	DeleteChunk(ctx context.Context, chunkID string) error
	SyncConversationCounters(ctx context.Context, conversationID string) (bool, error)

	UpsertEmbedding(ctx context.Context, emb Embedding) error
	GetEmbedding(ctx context.Context, chunkID string) (Embedding, bool, error)
	DeleteEmbedding(ctx context.Context, chunkID string) error
	ListEmbeddings(ctx context.Context, conversationID string) ([]Embedding, error)
	ListUnembeddedChunks(ctx context.Context, conversationID string, limit int) ([]Chunk, error)

	Stats(ctx context.Context, conversationID string) (ConversationStats, error)

	EnqueueJob(ctx context.Context, job Job) error
	ClaimNextJob(ctx context.Context, nowMS, leaseForMS int64) (Job, bool, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id, errMsg string) error
	RequeueExpiredJobs(ctx context.Context, nowMS int64) error

	AddMetric(ctx context.Context, metric string, value float64, labels map[string]string) error
}

// Embedder converts text to a fixed-length vector.
type Embedder interface {
	ModelID() string
	Dimensions() int
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorIndex is an in-process nearest-neighbour index over chunk vectors,
// partitioned by conversation.
type VectorIndex interface {
	Loaded(conversationID string) bool
	Load(ctx context.Context, conversationID string, embeddings []Embedding) error
	Upsert(ctx context.Context, conversationID, chunkID string, vector []float32) error
	Delete(ctx context.Context, conversationID, chunkID string) error
	Query(ctx context.Context, conversationID string, vector []float32, limit int) ([]SimilarityHit, error)
}

// SimilarityHit is one semantic search match.
type SimilarityHit struct {
	ChunkID    string
	Similarity float64
}

// TokenEstimator approximates token counts when no exact count is supplied.
type TokenEstimator interface {
	EstimateTokens(text string) int
}

// SummaryFunc generates a short summary for a chunk transcript.
type SummaryFunc func(ctx context.Context, transcript string) (string, error)
