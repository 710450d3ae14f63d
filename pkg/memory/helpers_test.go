package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

var testEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state", "memory.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type testEnv struct {
	store      *SQLiteStore
	stream     *ConversationStream
	embeddings *EmbeddingService
	chunker    *ChunkingEngine
	assembler  *ContextAssembler
}

type testEnvOptions struct {
	bufferSize int
	chunking   ChunkingConfig
	retrieval  RetrievalConfig
	embedding  EmbeddingConfig
	embedder   Embedder
	noIndex    bool
}

func newTestEnv(t *testing.T, opts testEnvOptions) *testEnv {
	t.Helper()
	store := newTestStore(t)
	stream := NewConversationStream(store, RuneTokenEstimator{}, opts.bufferSize)
	embedder := opts.embedder
	if embedder == nil {
		embedder = NewLocalEmbedder("")
	}
	var index VectorIndex
	if !opts.noIndex {
		index = NewChromemIndex()
	}
	embeddings := NewEmbeddingService(embedder, store, index, opts.embedding)
	return &testEnv{
		store:      store,
		stream:     stream,
		embeddings: embeddings,
		chunker:    NewChunkingEngine(opts.chunking, DefaultImportanceConfig(), stream, store, embeddings, nil),
		assembler:  NewContextAssembler(opts.retrieval, stream, store, embeddings),
	}
}

func (e *testEnv) conversation(t *testing.T, userID string) Conversation {
	t.Helper()
	conv, err := e.stream.GetOrCreate(context.Background(), userID)
	if err != nil {
		t.Fatalf("get or create conversation: %v", err)
	}
	return conv
}

// appendTurns appends n messages alternating user/assistant, one minute
// apart, starting at the given offset from testEpoch.
func (e *testEnv) appendTurns(t *testing.T, conv Conversation, n int, tokens int, offset int) []Message {
	t.Helper()
	out := make([]Message, 0, n)
	for i := 0; i < n; i++ {
		role := RoleUser
		if (offset+i)%2 == 1 {
			role = RoleAssistant
		}
		msg, err := e.stream.Append(context.Background(), conv.ID, MessageInput{
			Role:       role,
			Content:    fmt.Sprintf("%s note %d about the garden plan", role, offset+i),
			TokenCount: tokens,
			CreatedAt:  testEpoch.Add(time.Duration(offset+i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("append message %d: %v", offset+i, err)
		}
		out = append(out, msg)
	}
	return out
}

// chunkOldest archives the n oldest primary messages as one chunk.
func (e *testEnv) chunkOldest(t *testing.T, conv Conversation, n int) Chunk {
	t.Helper()
	ctx := context.Background()
	msgs, err := e.stream.OldestPrimaryMessages(ctx, conv.ID, n)
	if err != nil {
		t.Fatalf("oldest primary messages: %v", err)
	}
	chunk, err := e.chunker.CreateChunk(ctx, conv, msgs, "")
	if err != nil {
		t.Fatalf("create chunk: %v", err)
	}
	return chunk
}

// rolesToMessages builds an ascending in-memory window from a role pattern
// such as "uaua", where s marks a system message.
func rolesToMessages(pattern string, tokens int) []Message {
	out := make([]Message, 0, len(pattern))
	for i, r := range pattern {
		role := RoleUser
		switch r {
		case 'a':
			role = RoleAssistant
		case 's':
			role = RoleSystem
		}
		out = append(out, Message{
			ID:              fmt.Sprintf("m%d", i+1),
			ConversationID:  "conv-test",
			Role:            role,
			Content:         "x",
			TokenCount:      tokens,
			CreatedAt:       testEpoch.Add(time.Duration(i) * time.Minute),
			Sequence:        int64(i + 1),
			InPrimaryBuffer: true,
		})
	}
	return out
}

type countingEmbedder struct {
	Embedder
	mu    sync.Mutex
	calls int
	texts []string
}

func (e *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.calls++
	e.texts = append(e.texts, text)
	e.mu.Unlock()
	return e.Embedder.Embed(ctx, text)
}

func (e *countingEmbedder) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// stallingEmbedder blocks until the caller's context is done.
type stallingEmbedder struct{}

func (stallingEmbedder) ModelID() string { return "stall" }
func (stallingEmbedder) Dimensions() int { return 3 }

func (stallingEmbedder) Embed(ctx context.Context, _ string) ([]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
