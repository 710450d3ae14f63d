package memory

import (
	"context"
	"fmt"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// ChromemIndex keeps one in-memory chromem collection per conversation.
type ChromemIndex struct {
	db          *chromem.DB
	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

func NewChromemIndex() *ChromemIndex {
	return &ChromemIndex{
		db:          chromem.NewDB(),
		collections: map[string]*chromem.Collection{},
	}
}

func (ix *ChromemIndex) collection(conversationID string, create bool) (*chromem.Collection, error) {
	ix.mu.RLock()
	col, ok := ix.collections[conversationID]
	ix.mu.RUnlock()
	if ok || !create {
		return col, nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if col, ok := ix.collections[conversationID]; ok {
		return col, nil
	}
	// Embeddings are always supplied, so no embedding func.
	col, err := ix.db.GetOrCreateCollection("conv_"+conversationID, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	ix.collections[conversationID] = col
	return col, nil
}

func (ix *ChromemIndex) Loaded(conversationID string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.collections[conversationID]
	return ok
}

// Load creates the conversation collection and adds every usable vector.
func (ix *ChromemIndex) Load(ctx context.Context, conversationID string, embeddings []Embedding) error {
	col, err := ix.collection(conversationID, true)
	if err != nil {
		return err
	}
	docs := make([]chromem.Document, 0, len(embeddings))
	for _, emb := range embeddings {
		if vectorNorm(emb.Vector) == 0 {
			continue
		}
		docs = append(docs, chromem.Document{
			ID:        emb.ChunkID,
			Content:   emb.ChunkID,
			Embedding: emb.Vector,
			Metadata:  map[string]string{"model": emb.ModelID},
		})
	}
	if len(docs) == 0 {
		return nil
	}
	if err := col.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("load documents: %w", err)
	}
	return nil
}

func (ix *ChromemIndex) Upsert(ctx context.Context, conversationID, chunkID string, vector []float32) error {
	col, err := ix.collection(conversationID, true)
	if err != nil {
		return err
	}
	if vectorNorm(vector) == 0 {
		return col.Delete(ctx, nil, nil, chunkID)
	}
	if err := col.AddDocument(ctx, chromem.Document{
		ID:        chunkID,
		Content:   chunkID,
		Embedding: vector,
	}); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

func (ix *ChromemIndex) Delete(ctx context.Context, conversationID, chunkID string) error {
	col, err := ix.collection(conversationID, false)
	if err != nil || col == nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, chunkID); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// Query returns up to limit hits ordered by similarity.
func (ix *ChromemIndex) Query(ctx context.Context, conversationID string, vector []float32, limit int) ([]SimilarityHit, error) {
	col, err := ix.collection(conversationID, false)
	if err != nil || col == nil {
		return nil, err
	}
	n := minInt(limit, col.Count())
	if n <= 0 || vectorNorm(vector) == 0 {
		return nil, nil
	}
	results, err := col.QueryEmbedding(ctx, vector, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query embedding: %w", err)
	}
	hits := make([]SimilarityHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, SimilarityHit{ChunkID: r.ID, Similarity: float64(r.Similarity)})
	}
	return hits, nil
}
