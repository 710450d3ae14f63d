package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dotsetgreg/dotmemory/pkg/logger"
)

// RetrievalConfig tunes archive ranking and budget handling.
type RetrievalConfig struct {
	SemanticWeight      float64
	RecencyWeight       float64
	RecencyDecayHours   float64
	SimilarityThreshold float64
	MaxChunksToRetrieve int
	ReserveTokens       int
	DefaultSimilarity   float64
	DefaultBudgetTokens int
}

func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{
		SemanticWeight:      0.7,
		RecencyWeight:       0.3,
		RecencyDecayHours:   24,
		SimilarityThreshold: 0.7,
		MaxChunksToRetrieve: 10,
		ReserveTokens:       100,
		DefaultSimilarity:   0.8,
		DefaultBudgetTokens: 4000,
	}
}

func (c RetrievalConfig) withDefaults() RetrievalConfig {
	def := DefaultRetrievalConfig()
	if c.SemanticWeight < 0 || c.RecencyWeight < 0 || c.SemanticWeight+c.RecencyWeight == 0 {
		c.SemanticWeight = def.SemanticWeight
		c.RecencyWeight = def.RecencyWeight
	}
	if c.RecencyDecayHours <= 0 {
		c.RecencyDecayHours = def.RecencyDecayHours
	}
	if c.SimilarityThreshold < -1 || c.SimilarityThreshold > 1 {
		c.SimilarityThreshold = def.SimilarityThreshold
	}
	if c.MaxChunksToRetrieve <= 0 {
		c.MaxChunksToRetrieve = def.MaxChunksToRetrieve
	}
	if c.ReserveTokens < 0 {
		c.ReserveTokens = def.ReserveTokens
	}
	if c.DefaultSimilarity <= 0 || c.DefaultSimilarity > 1 {
		c.DefaultSimilarity = def.DefaultSimilarity
	}
	if c.DefaultBudgetTokens <= 0 {
		c.DefaultBudgetTokens = def.DefaultBudgetTokens
	}
	return c
}

// RecencyScore is 1 at age zero and decays toward 0 as age grows.
func RecencyScore(ageHours, decayHours float64) float64 {
	if ageHours < 0 {
		ageHours = 0
	}
	if decayHours <= 0 {
		decayHours = 24
	}
	return 1 / (1 + ageHours/decayHours)
}

// ContextAssembler builds token-budgeted context from both tiers.
type ContextAssembler struct {
	cfg        RetrievalConfig
	stream     *ConversationStream
	store      Store
	embeddings *EmbeddingService
	now        func() time.Time

	bookkeeping sync.WaitGroup
}

func NewContextAssembler(cfg RetrievalConfig, stream *ConversationStream, store Store, embeddings *EmbeddingService) *ContextAssembler {
	return &ContextAssembler{
		cfg:        cfg.withDefaults(),
		stream:     stream,
		store:      store,
		embeddings: embeddings,
		now:        time.Now,
	}
}

type archiveCandidate struct {
	chunk      Chunk
	similarity float64
}

// Assemble returns the primary buffer in full plus the best archived chunks
// that fit the remaining budget.
func (ca *ContextAssembler) Assemble(ctx context.Context, conv Conversation, opts ContextOptions) (RetrievalResult, error) {
	if opts.BudgetTokens < 0 {
		return RetrievalResult{}, newValidationError("budget_tokens", "must not be negative")
	}
	budget := opts.BudgetTokens
	if budget == 0 {
		budget = ca.cfg.DefaultBudgetTokens
	}
	query := strings.TrimSpace(opts.Query)

	result := RetrievalResult{
		ConversationID: conv.ID,
		BudgetTokens:   budget,
		Query:          query,
		SearchMethod:   SearchNone,
	}

	var primary []Message
	var candidates []archiveCandidate
	method := SearchNone

	g, gctx := errgroup.WithContext(ctx)
	if !opts.ExcludePrimary {
		g.Go(func() error {
			msgs, err := ca.stream.ReadPrimaryBuffer(gctx, conv, 0)
			if err != nil {
				return err
			}
			for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
				msgs[i], msgs[j] = msgs[j], msgs[i]
			}
			primary = msgs
			return nil
		})
	}
	g.Go(func() error {
		candidates, method = ca.fetchArchive(gctx, conv.ID, query)
		return nil
	})
	if err := g.Wait(); err != nil {
		return RetrievalResult{}, err
	}

	result.PrimaryMessages = primary
	result.PrimaryTokens = sumMessageTokens(primary)
	remaining := budget - result.PrimaryTokens

	if remaining >= ca.cfg.ReserveTokens {
		result.SearchMethod = method
		if len(candidates) > 0 {
			result.RetrievedChunks, result.Scores = ca.selectChunks(candidates, remaining)
		}
	}

	for _, c := range result.RetrievedChunks {
		result.ArchiveTokens += c.TokenCount
	}
	result.TotalTokens = result.PrimaryTokens + result.ArchiveTokens

	if len(result.RetrievedChunks) > 0 {
		ca.recordRetrievals(conv.ID, result.RetrievedChunks)
	}
	return result, nil
}

// fetchArchive never fails; problems degrade the search method instead.
func (ca *ContextAssembler) fetchArchive(ctx context.Context, conversationID, query string) ([]archiveCandidate, string) {
	if query != "" && ca.embeddings != nil {
		candidates, err := ca.semanticCandidates(ctx, conversationID, query)
		if err == nil {
			return candidates, SearchSemantic
		}
		logger.WarnCF("assembler", "Semantic search unavailable; using recent chunks", map[string]interface{}{
			"conversation_id": conversationID,
			"error":           err.Error(),
		})
	}

	recent, err := ca.store.ListRecentChunks(ctx, conversationID, ca.cfg.MaxChunksToRetrieve)
	if err != nil {
		logger.WarnCF("assembler", "Archive fetch failed; returning primary buffer only", map[string]interface{}{
			"conversation_id": conversationID,
			"error":           err.Error(),
		})
		return nil, SearchNone
	}
	out := make([]archiveCandidate, 0, len(recent))
	for _, c := range recent {
		out = append(out, archiveCandidate{chunk: c, similarity: ca.cfg.DefaultSimilarity})
	}
	return out, SearchRecency
}

func (ca *ContextAssembler) semanticCandidates(ctx context.Context, conversationID, query string) ([]archiveCandidate, error) {
	vec, err := ca.embeddings.GenerateEmbedding(ctx, query)
	if err != nil {
		return nil, err
	}
	hits, err := ca.embeddings.SemanticSearch(ctx, conversationID, vec, ca.cfg.SimilarityThreshold, ca.cfg.MaxChunksToRetrieve)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.ChunkID)
	}
	chunks, err := ca.store.GetChunks(ctx, ids)
	if err != nil {
		return nil, wrapStorage("get chunks", err)
	}
	byID := make(map[string]Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}
	out := make([]archiveCandidate, 0, len(hits))
	for _, h := range hits {
		c, ok := byID[h.ChunkID]
		if !ok {
			continue
		}
		out = append(out, archiveCandidate{chunk: c, similarity: h.Similarity})
	}
	return out, nil
}

// selectChunks ranks candidates and greedily admits those that fit. The
// admitted chunks come back in chronological order; scores stay in rank order.
func (ca *ContextAssembler) selectChunks(candidates []archiveCandidate, remaining int) ([]Chunk, []ChunkScore) {
	now := ca.now()
	type ranked struct {
		chunk Chunk
		score ChunkScore
	}
	items := make([]ranked, 0, len(candidates))
	for _, cand := range candidates {
		importance := cand.chunk.ImportanceScore
		if importance <= 0 {
			importance = 1.0
		}
		recency := RecencyScore(now.Sub(cand.chunk.CreatedAt).Hours(), ca.cfg.RecencyDecayHours)
		combined := (cand.similarity*ca.cfg.SemanticWeight + recency*ca.cfg.RecencyWeight) * importance
		items = append(items, ranked{
			chunk: cand.chunk,
			score: ChunkScore{
				ChunkID:       cand.chunk.ID,
				Similarity:    cand.similarity,
				RecencyScore:  recency,
				Importance:    importance,
				CombinedScore: combined,
				TokenCount:    cand.chunk.TokenCount,
			},
		})
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].score.CombinedScore != items[j].score.CombinedScore {
			return items[i].score.CombinedScore > items[j].score.CombinedScore
		}
		if !items[i].chunk.CreatedAt.Equal(items[j].chunk.CreatedAt) {
			return items[i].chunk.CreatedAt.After(items[j].chunk.CreatedAt)
		}
		return items[i].chunk.EndSequence > items[j].chunk.EndSequence
	})

	admitted := []Chunk{}
	scores := make([]ChunkScore, 0, len(items))
	for _, it := range items {
		if remaining >= ca.cfg.ReserveTokens && it.chunk.TokenCount <= remaining {
			it.score.Admitted = true
			admitted = append(admitted, it.chunk)
			remaining -= it.chunk.TokenCount
		}
		scores = append(scores, it.score)
	}

	sort.SliceStable(admitted, func(i, j int) bool { return admitted[i].StartSequence < admitted[j].StartSequence })
	return admitted, scores
}

func (ca *ContextAssembler) recordRetrievals(conversationID string, chunks []Chunk) {
	ids := make([]string, 0, len(chunks))
	for _, c := range chunks {
		ids = append(ids, c.ID)
	}
	at := ca.now()
	ca.bookkeeping.Add(1)
	go func() {
		defer ca.bookkeeping.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ca.store.RecordRetrievals(ctx, ids, at); err != nil {
			logger.WarnCF("assembler", "Retrieval bookkeeping failed", map[string]interface{}{
				"conversation_id": conversationID,
				"error":           err.Error(),
			})
		}
	}()
}

// Wait blocks until background retrieval bookkeeping has finished.
func (ca *ContextAssembler) Wait() {
	ca.bookkeeping.Wait()
}
