package memory

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dotsetgreg/dotmemory/pkg/logger"
)

const (
	defaultEmbeddingModel = "dotmemory-chargram-384-v1"
	hashEmbeddingModel    = "dotmemory-hash-256-v1"
)

var tokenPattern = regexp.MustCompile(`[A-Za-z0-9_\-]+`)

// NewLocalEmbedder returns a deterministic in-process embedder. It needs no
// network and is the default when no provider is configured.
func NewLocalEmbedder(name string) Embedder {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case hashEmbeddingModel, "hash", "hash-256":
		return &hashEmbedder{dims: 256, modelID: hashEmbeddingModel}
	default:
		return &chargramEmbedder{dims: 384, modelID: defaultEmbeddingModel}
	}
}

type hashEmbedder struct {
	dims    int
	modelID string
}

func (e *hashEmbedder) ModelID() string { return e.modelID }
func (e *hashEmbedder) Dimensions() int { return e.dims }

func (e *hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	if strings.TrimSpace(text) == "" {
		return vec, nil
	}
	for _, token := range tokenize(text) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(token))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dims))
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		weight := float32(1 + (len(token) / 8))
		vec[idx] += sign * weight
	}
	normalizeVector(vec)
	return vec, nil
}

type chargramEmbedder struct {
	dims    int
	modelID string
}

func (e *chargramEmbedder) ModelID() string { return e.modelID }
func (e *chargramEmbedder) Dimensions() int { return e.dims }

func (e *chargramEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return vec, nil
	}
	window := "#" + normalized + "#"
	for i := 0; i+3 <= len(window); i++ {
		gram := window[i : i+3]
		h := fnv.New64a()
		_, _ = h.Write([]byte(gram))
		idx := int(h.Sum64() % uint64(e.dims))
		vec[idx] += 1
	}
	for _, token := range tokenize(normalized) {
		h := fnv.New64a()
		_, _ = h.Write([]byte("tok:" + token))
		idx := int(h.Sum64() % uint64(e.dims))
		vec[idx] += 1.25
	}
	normalizeVector(vec)
	return vec, nil
}

func tokenize(text string) []string {
	text = strings.ToLower(text)
	matches := tokenPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return []string{text}
	}
	return matches
}

func vectorNorm(vec []float32) float64 {
	if len(vec) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

func normalizeVector(vec []float32) {
	n := vectorNorm(vec)
	if n == 0 {
		return
	}
	inv := float32(1.0 / n)
	for i := range vec {
		vec[i] *= inv
	}
}

// CosineSimilarity returns a value in [-1, 1]. Empty, zero-norm or
// mismatched vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	na, nb := vectorNorm(a), vectorNorm(b)
	if na == 0 || nb == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	sim := dot / (na * nb)
	if sim > 1 {
		return 1
	}
	if sim < -1 {
		return -1
	}
	return sim
}

// EmbeddingConfig bounds provider calls.
type EmbeddingConfig struct {
	MaxInputChars int
	Timeout       time.Duration
	CacheSize     int
}

func DefaultEmbeddingConfig() EmbeddingConfig {
	return EmbeddingConfig{
		MaxInputChars: 8000,
		Timeout:       5 * time.Second,
		CacheSize:     512,
	}
}

// EmbeddingService generates, stores and searches chunk vectors.
type EmbeddingService struct {
	cfg      EmbeddingConfig
	embedder Embedder
	store    Store
	index    VectorIndex
	cache    *lru.Cache[string, []float32]
}

// NewEmbeddingService wires an embedder to the store. A nil index means
// semantic search scans stored vectors directly.
func NewEmbeddingService(embedder Embedder, store Store, index VectorIndex, cfg EmbeddingConfig) *EmbeddingService {
	def := DefaultEmbeddingConfig()
	if cfg.MaxInputChars <= 0 {
		cfg.MaxInputChars = def.MaxInputChars
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}
	cache, _ := lru.New[string, []float32](cfg.CacheSize)
	return &EmbeddingService{cfg: cfg, embedder: embedder, store: store, index: index, cache: cache}
}

func (es *EmbeddingService) ModelID() string {
	if es == nil || es.embedder == nil {
		return ""
	}
	return es.embedder.ModelID()
}

func truncateRunes(text string, max int) string {
	if max <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max])
}

func (es *EmbeddingService) cacheKey(text string) string {
	h := sha1.Sum([]byte(text))
	return es.embedder.ModelID() + "|" + hex.EncodeToString(h[:])
}

// GenerateEmbedding embeds text after truncating it, bounded by the
// configured timeout.
func (es *EmbeddingService) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if es == nil || es.embedder == nil {
		return nil, &EmbeddingProviderError{Err: ErrNoEmbedder}
	}
	text = truncateRunes(strings.TrimSpace(text), es.cfg.MaxInputChars)
	if text == "" {
		return nil, &EmbeddingProviderError{Model: es.embedder.ModelID(), Err: errors.New("empty input")}
	}
	key := es.cacheKey(text)
	if vec, ok := es.cache.Get(key); ok {
		return vec, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, es.cfg.Timeout)
	defer cancel()
	vec, err := es.embedder.Embed(callCtx, text)
	if err != nil {
		return nil, &EmbeddingProviderError{Model: es.embedder.ModelID(), Err: err}
	}
	if len(vec) == 0 {
		return nil, &EmbeddingProviderError{Model: es.embedder.ModelID(), Err: errors.New("empty vector")}
	}
	es.cache.Add(key, vec)
	return vec, nil
}

// StoreEmbedding upserts the vector for a chunk and mirrors it into the index.
func (es *EmbeddingService) StoreEmbedding(ctx context.Context, conversationID, chunkID string, vector []float32) error {
	if err := es.store.UpsertEmbedding(ctx, Embedding{
		ChunkID:        chunkID,
		ConversationID: conversationID,
		Vector:         vector,
		ModelID:        es.ModelID(),
		UpdatedAt:      time.Now(),
	}); err != nil {
		return wrapStorage("store embedding", err)
	}
	if es.index != nil && es.index.Loaded(conversationID) {
		if err := es.index.Upsert(ctx, conversationID, chunkID, vector); err != nil {
			logger.WarnCF("embedding", "Vector index upsert failed", map[string]interface{}{
				"chunk_id": chunkID,
				"error":    err.Error(),
			})
		}
	}
	return nil
}

func (es *EmbeddingService) GetEmbedding(ctx context.Context, chunkID string) (Embedding, bool, error) {
	emb, ok, err := es.store.GetEmbedding(ctx, chunkID)
	if err != nil {
		return Embedding{}, false, wrapStorage("get embedding", err)
	}
	return emb, ok, nil
}

func (es *EmbeddingService) DeleteEmbedding(ctx context.Context, conversationID, chunkID string) error {
	if err := es.store.DeleteEmbedding(ctx, chunkID); err != nil {
		return wrapStorage("delete embedding", err)
	}
	if es.index != nil {
		_ = es.index.Delete(ctx, conversationID, chunkID)
	}
	return nil
}

// EmbedAndStore vectorizes a chunk. A failure leaves the chunk unembedded,
// which only excludes it from semantic search.
func (es *EmbeddingService) EmbedAndStore(ctx context.Context, conversationID, chunkID, text string) error {
	vec, err := es.GenerateEmbedding(ctx, text)
	if err != nil {
		return err
	}
	return es.StoreEmbedding(ctx, conversationID, chunkID, vec)
}

// SemanticSearch returns chunks whose similarity to query is at least
// threshold, best first, capped at limit.
func (es *EmbeddingService) SemanticSearch(ctx context.Context, conversationID string, query []float32, threshold float64, limit int) ([]SimilarityHit, error) {
	if limit <= 0 || vectorNorm(query) == 0 {
		return nil, nil
	}

	if es.index != nil {
		hits, err := es.indexSearch(ctx, conversationID, query, limit)
		if err == nil {
			return filterHits(hits, threshold, limit), nil
		}
		logger.WarnCF("embedding", "Vector index search failed; scanning stored vectors", map[string]interface{}{
			"conversation_id": conversationID,
			"error":           err.Error(),
		})
	}

	embeddings, err := es.store.ListEmbeddings(ctx, conversationID)
	if err != nil {
		return nil, wrapStorage("list embeddings", err)
	}
	hits := make([]SimilarityHit, 0, len(embeddings))
	for _, emb := range embeddings {
		if vectorNorm(emb.Vector) == 0 {
			continue
		}
		hits = append(hits, SimilarityHit{ChunkID: emb.ChunkID, Similarity: CosineSimilarity(query, emb.Vector)})
	}
	return filterHits(hits, threshold, limit), nil
}

func (es *EmbeddingService) indexSearch(ctx context.Context, conversationID string, query []float32, limit int) ([]SimilarityHit, error) {
	if !es.index.Loaded(conversationID) {
		embeddings, err := es.store.ListEmbeddings(ctx, conversationID)
		if err != nil {
			return nil, wrapStorage("list embeddings", err)
		}
		if err := es.index.Load(ctx, conversationID, embeddings); err != nil {
			return nil, fmt.Errorf("hydrate vector index: %w", err)
		}
	}
	return es.index.Query(ctx, conversationID, query, limit)
}

func filterHits(hits []SimilarityHit, threshold float64, limit int) []SimilarityHit {
	out := make([]SimilarityHit, 0, len(hits))
	for _, h := range hits {
		if h.Similarity >= threshold {
			out = append(out, h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// BackfillEmbeddings embeds up to limit chunks that have no vector yet.
func (es *EmbeddingService) BackfillEmbeddings(ctx context.Context, conversationID string, limit int) (int, error) {
	if es == nil || es.embedder == nil {
		return 0, nil
	}
	chunks, err := es.store.ListUnembeddedChunks(ctx, conversationID, limit)
	if err != nil {
		return 0, wrapStorage("list unembedded chunks", err)
	}
	done := 0
	for _, c := range chunks {
		if err := es.EmbedAndStore(ctx, conversationID, c.ID, embeddingText(c)); err != nil {
			return done, err
		}
		done++
	}
	return done, nil
}

// embeddingText is what gets vectorized for a chunk.
func embeddingText(c Chunk) string {
	if strings.TrimSpace(c.Summary) == "" {
		return c.Content
	}
	return c.Summary + "\n\n" + c.Content
}
