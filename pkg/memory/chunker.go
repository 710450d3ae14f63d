package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/dotsetgreg/dotmemory/pkg/logger"
)

// ChunkingConfig controls when and where runs of primary messages are cut.
type ChunkingConfig struct {
	MinMessages     int
	MaxMessages     int
	TargetTokens    int
	MaxTokens       int
	TimeGap         time.Duration
	BoundaryOverage int
	PersistAttempts int
	PersistBackoff  time.Duration
	TopicLimit      int
}

func DefaultChunkingConfig() ChunkingConfig {
	return ChunkingConfig{
		MinMessages:     3,
		MaxMessages:     10,
		TargetTokens:    450,
		MaxTokens:       600,
		TimeGap:         4 * time.Hour,
		BoundaryOverage: 5,
		PersistAttempts: 4,
		PersistBackoff:  50 * time.Millisecond,
		TopicLimit:      5,
	}
}

func (c ChunkingConfig) withDefaults() ChunkingConfig {
	def := DefaultChunkingConfig()
	if c.MinMessages <= 0 {
		c.MinMessages = def.MinMessages
	}
	if c.MaxMessages <= 0 {
		c.MaxMessages = def.MaxMessages
	}
	if c.MaxMessages < c.MinMessages {
		c.MaxMessages = c.MinMessages
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = def.MaxTokens
	}
	if c.TargetTokens <= 0 || c.TargetTokens > c.MaxTokens {
		c.TargetTokens = minInt(def.TargetTokens, c.MaxTokens)
	}
	if c.TimeGap <= 0 {
		c.TimeGap = def.TimeGap
	}
	if c.BoundaryOverage < 0 {
		c.BoundaryOverage = 0
	}
	if c.PersistAttempts <= 0 {
		c.PersistAttempts = def.PersistAttempts
	}
	if c.PersistBackoff <= 0 {
		c.PersistBackoff = def.PersistBackoff
	}
	if c.TopicLimit <= 0 {
		c.TopicLimit = def.TopicLimit
	}
	return c
}

// ChunkingEngine moves aging runs of primary messages into chunks.
type ChunkingEngine struct {
	cfg        ChunkingConfig
	importance ImportanceConfig
	stream     *ConversationStream
	store      Store
	embeddings *EmbeddingService
	summarize  SummaryFunc
}

// NewChunkingEngine builds an engine. embeddings and summarize may be nil.
func NewChunkingEngine(cfg ChunkingConfig, importance ImportanceConfig, stream *ConversationStream, store Store, embeddings *EmbeddingService, summarize SummaryFunc) *ChunkingEngine {
	if len(importance.Multipliers) == 0 {
		importance = DefaultImportanceConfig()
	}
	return &ChunkingEngine{
		cfg:        cfg.withDefaults(),
		importance: importance,
		stream:     stream,
		store:      store,
		embeddings: embeddings,
		summarize:  summarize,
	}
}

func (ce *ChunkingEngine) Config() ChunkingConfig { return ce.cfg }

// ShouldChunk reports whether msgs (ascending) hold enough history to cut.
func (ce *ChunkingEngine) ShouldChunk(msgs []Message) bool {
	if len(msgs) < ce.cfg.MinMessages {
		return false
	}
	if len(msgs) >= ce.cfg.MaxMessages {
		return true
	}
	if sumMessageTokens(msgs) >= ce.cfg.MaxTokens {
		return true
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Sub(msgs[i-1].CreatedAt) >= ce.cfg.TimeGap {
			return true
		}
	}
	return false
}

// FindChunkBoundary returns how many leading messages of msgs form the next
// chunk. A cut never falls between a user message and the assistant reply
// directly after it.
func (ce *ChunkingEngine) FindChunkBoundary(msgs []Message) int {
	n := len(msgs)
	if n < ce.cfg.MinMessages {
		return n
	}
	limit := minInt(n, ce.cfg.MaxMessages)
	lo := ce.cfg.MinMessages

	valid := func(k int) bool { return validCut(msgs, k) }

	target := limit
	cumulative := 0
	for i := 0; i < limit; i++ {
		if i > 0 && i >= lo && msgs[i].CreatedAt.Sub(msgs[i-1].CreatedAt) >= ce.cfg.TimeGap && valid(i) {
			return i
		}
		cumulative += msgs[i].TokenCount
		if cumulative < ce.cfg.TargetTokens {
			continue
		}
		switch {
		case msgs[i].Role == RoleUser:
			target = i
		case i > 0 && msgs[i-1].Role == RoleUser:
			target = i - 1
		default:
			target = i + 1
		}
		break
	}
	if target < lo {
		target = lo
	}
	if target > limit {
		target = limit
	}

	for k := target; k >= lo; k-- {
		if valid(k) {
			return k
		}
	}
	for k := target + 1; k <= limit; k++ {
		if valid(k) {
			return k
		}
	}
	return limit
}

// validCut reports whether the first k messages can be archived without
// separating a user message from the assistant reply right after it.
func validCut(msgs []Message, k int) bool {
	n := len(msgs)
	if k < 1 || k > n {
		return false
	}
	if msgs[k-1].Role != RoleUser {
		return true
	}
	// The reply to a trailing user message may not be in the window yet.
	if k == n {
		return false
	}
	return msgs[k].Role != RoleAssistant
}

// boundaryWithin lowers a cut so at most limit messages leave the primary
// buffer. It returns 0 when no valid cut of at least MinMessages fits.
func (ce *ChunkingEngine) boundaryWithin(msgs []Message, k, limit int) int {
	if k <= limit {
		return k
	}
	for k = limit; k >= ce.cfg.MinMessages; k-- {
		if validCut(msgs, k) {
			return k
		}
	}
	return 0
}

func formatChunkContent(msgs []Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[%s] %s: %s", messageTimestamp(m), m.Role, strings.TrimSpace(m.Content))
	}
	return b.String()
}

func validateChunkMembers(conversationID string, msgs []Message, wantPrimary bool) error {
	if len(msgs) == 0 {
		return newValidationError("messages", "chunk needs at least one message")
	}
	for i, m := range msgs {
		if m.ConversationID != conversationID {
			return newValidationError("messages", fmt.Sprintf("message %s belongs to another conversation", m.ID))
		}
		if wantPrimary && !m.InPrimaryBuffer {
			return newValidationError("messages", fmt.Sprintf("message %s is already archived", m.ID))
		}
		if i > 0 && m.Sequence != msgs[i-1].Sequence+1 {
			return newValidationError("messages", fmt.Sprintf("sequence gap between %d and %d", msgs[i-1].Sequence, m.Sequence))
		}
	}
	return nil
}

func (ce *ChunkingEngine) buildChunk(conversationID string, msgs []Message, summary string) Chunk {
	flags := detectImportanceFlags(msgs)
	return Chunk{
		ID:              "chunk-" + uuid.NewString(),
		ConversationID:  conversationID,
		Content:         formatChunkContent(msgs),
		Summary:         strings.TrimSpace(summary),
		TokenCount:      sumMessageTokens(msgs),
		MessageCount:    len(msgs),
		StartSequence:   msgs[0].Sequence,
		EndSequence:     msgs[len(msgs)-1].Sequence,
		StartTime:       msgs[0].CreatedAt,
		EndTime:         msgs[len(msgs)-1].CreatedAt,
		CreatedAt:       time.Now(),
		Topics:          extractTopics(msgs, ce.cfg.TopicLimit),
		ImportanceFlags: flags,
		ImportanceScore: ce.importance.Score(flags),
	}
}

func (ce *ChunkingEngine) summaryFor(ctx context.Context, conversationID string, content string) string {
	if ce.summarize == nil {
		return ""
	}
	summary, err := ce.summarize(ctx, content)
	if err != nil {
		logger.WarnCF("chunker", "Chunk summary failed; storing without summary", map[string]interface{}{
			"conversation_id": conversationID,
			"error":           err.Error(),
		})
		return ""
	}
	return summary
}

// CreateChunk archives msgs (ascending, contiguous, primary) as one chunk.
// The chunk row and the member flags are written in a single transaction.
func (ce *ChunkingEngine) CreateChunk(ctx context.Context, conv Conversation, msgs []Message, summary string) (Chunk, error) {
	if err := validateChunkMembers(conv.ID, msgs, true); err != nil {
		return Chunk{}, err
	}
	chunk := ce.buildChunk(conv.ID, msgs, summary)
	if chunk.Summary == "" {
		chunk.Summary = strings.TrimSpace(ce.summaryFor(ctx, conv.ID, chunk.Content))
	}

	if err := ce.persist(ctx, func() error { return ce.store.CreateChunk(ctx, chunk) }); err != nil {
		return Chunk{}, err
	}

	logger.InfoCF("chunker", "Chunk created", map[string]interface{}{
		"conversation_id": conv.ID,
		"chunk_id":        chunk.ID,
		"messages":        chunk.MessageCount,
		"tokens":          chunk.TokenCount,
		"start_sequence":  chunk.StartSequence,
		"end_sequence":    chunk.EndSequence,
	})
	ce.embed(ctx, chunk)
	return chunk, nil
}

func (ce *ChunkingEngine) persist(ctx context.Context, write func() error) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = ce.cfg.PersistBackoff
	expo.MaxInterval = ce.cfg.PersistBackoff * 20

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := write()
		if err == nil {
			return struct{}{}, nil
		}
		if IsValidation(err) || IsIntegrity(err) || errors.Is(err, ErrConversationNotFound) {
			return struct{}{}, backoff.Permanent(err)
		}
		logger.WarnCF("chunker", "Chunk write failed; retrying", map[string]interface{}{
			"error": err.Error(),
		})
		return struct{}{}, err
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(uint(ce.cfg.PersistAttempts)))
	return wrapStorage("create chunk", err)
}

func (ce *ChunkingEngine) embed(ctx context.Context, chunk Chunk) {
	if ce.embeddings == nil {
		return
	}
	if err := ce.embeddings.EmbedAndStore(ctx, chunk.ConversationID, chunk.ID, embeddingText(chunk)); err != nil {
		logger.WarnCF("chunker", "Chunk left unembedded", map[string]interface{}{
			"conversation_id": chunk.ConversationID,
			"chunk_id":        chunk.ID,
			"error":           err.Error(),
		})
	}
}

// AutoChunk repairs any partial state, then cuts at most one chunk from the
// oldest primary messages when the buffer has overflowed. It is a no-op when
// nothing new has been appended.
func (ce *ChunkingEngine) AutoChunk(ctx context.Context, conv Conversation) (ChunkOutcome, error) {
	report, err := ce.Reconcile(ctx, conv.ID)
	if err != nil {
		return ChunkOutcome{}, err
	}
	outcome := ChunkOutcome{Repaired: report}

	need, err := ce.stream.NeedsChunking(ctx, conv, conv.PrimaryBufferSize)
	if err != nil {
		return outcome, err
	}
	if !need {
		outcome.Reason = "primary buffer within size"
		return ce.withRemaining(ctx, conv.ID, outcome)
	}

	// Only the overflow past the buffer size may be archived.
	primary, err := ce.store.CountPrimaryMessages(ctx, conv.ID)
	if err != nil {
		return outcome, wrapStorage("count primary messages", err)
	}
	overflow := primary - conv.PrimaryBufferSize
	if overflow < ce.cfg.MinMessages {
		outcome.Reason = "overflow shorter than a chunk"
		outcome.Remaining = primary
		return outcome, nil
	}

	window, err := ce.stream.OldestPrimaryMessages(ctx, conv.ID, ce.cfg.MaxMessages+ce.cfg.BoundaryOverage)
	if err != nil {
		return outcome, err
	}
	if !ce.ShouldChunk(window) {
		outcome.Reason = "no chunk trigger in oldest run"
		return ce.withRemaining(ctx, conv.ID, outcome)
	}

	k := ce.boundaryWithin(window, ce.FindChunkBoundary(window), overflow)
	if k == 0 {
		outcome.Reason = "no turn boundary inside overflow"
		outcome.Remaining = primary
		return outcome, nil
	}
	chunk, err := ce.CreateChunk(ctx, conv, window[:k], "")
	if err != nil {
		return outcome, err
	}
	outcome.Created = true
	outcome.Chunk = chunk
	outcome.Reason = "chunk created"
	return ce.withRemaining(ctx, conv.ID, outcome)
}

func (ce *ChunkingEngine) withRemaining(ctx context.Context, conversationID string, outcome ChunkOutcome) (ChunkOutcome, error) {
	n, err := ce.store.CountPrimaryMessages(ctx, conversationID)
	if err != nil {
		return outcome, wrapStorage("count primary messages", err)
	}
	outcome.Remaining = n
	return outcome, nil
}

// Reconcile detects and repairs partial chunk state for a conversation:
// overlapping chunks, members still flagged primary, archived messages no
// chunk covers, and drifted counters.
func (ce *ChunkingEngine) Reconcile(ctx context.Context, conversationID string) (IntegrityReport, error) {
	report := IntegrityReport{}

	chunks, err := ce.store.ListChunks(ctx, conversationID)
	if err != nil {
		return report, wrapStorage("list chunks", err)
	}

	kept := make([]Chunk, 0, len(chunks))
	var lastEnd int64
	for i, c := range chunks {
		if i > 0 && len(kept) > 0 && c.StartSequence <= lastEnd {
			logIntegrity(&ChunkIntegrityError{
				ConversationID: conversationID,
				ChunkID:        c.ID,
				Detail:         fmt.Sprintf("range %d..%d overlaps earlier chunk ending at %d", c.StartSequence, c.EndSequence, lastEnd),
			})
			if err := ce.store.DeleteChunk(ctx, c.ID); err != nil {
				return report, wrapStorage("drop duplicate chunk", err)
			}
			if ce.embeddings != nil && ce.embeddings.index != nil {
				_ = ce.embeddings.index.Delete(ctx, conversationID, c.ID)
			}
			report.DuplicatesDropped++
			continue
		}
		kept = append(kept, c)
		lastEnd = c.EndSequence
	}

	for _, c := range kept {
		n, err := ce.store.ArchiveChunkMembers(ctx, c)
		if err != nil {
			return report, wrapStorage("repair chunk members", err)
		}
		if n > 0 {
			logIntegrity(&ChunkIntegrityError{
				ConversationID: conversationID,
				ChunkID:        c.ID,
				Detail:         fmt.Sprintf("%d member messages were not archived under the chunk", n),
			})
			report.FlagsRepaired += n
		}
	}

	orphans, err := ce.store.ListOrphanedArchived(ctx, conversationID)
	if err != nil {
		return report, wrapStorage("list orphaned messages", err)
	}
	for _, run := range contiguousRuns(orphans) {
		logIntegrity(&ChunkIntegrityError{
			ConversationID: conversationID,
			Detail:         fmt.Sprintf("archived messages %d..%d have no chunk", run[0].Sequence, run[len(run)-1].Sequence),
		})
		chunk := ce.buildChunk(conversationID, run, "")
		if err := ce.persist(ctx, func() error { return ce.store.RecoverChunk(ctx, chunk) }); err != nil {
			return report, err
		}
		ce.embed(ctx, chunk)
		report.OrphansRecovered += len(run)
	}

	fixed, err := ce.store.SyncConversationCounters(ctx, conversationID)
	if err != nil {
		return report, wrapStorage("sync counters", err)
	}
	if fixed {
		logIntegrity(&ChunkIntegrityError{ConversationID: conversationID, Detail: "conversation counters drifted"})
	}
	report.CountersFixed = fixed

	if !report.Clean() {
		logger.InfoCF("chunker", "Reconciled chunk state", map[string]interface{}{
			"conversation_id":    conversationID,
			"flags_repaired":     report.FlagsRepaired,
			"orphans_recovered":  report.OrphansRecovered,
			"duplicates_dropped": report.DuplicatesDropped,
			"counters_fixed":     report.CountersFixed,
		})
	}
	return report, nil
}

func logIntegrity(err *ChunkIntegrityError) {
	logger.WarnCF("chunker", "Chunk integrity problem detected", map[string]interface{}{
		"conversation_id": err.ConversationID,
		"chunk_id":        err.ChunkID,
		"error":           err.Error(),
	})
}

func contiguousRuns(msgs []Message) [][]Message {
	runs := [][]Message{}
	start := 0
	for i := 1; i <= len(msgs); i++ {
		if i == len(msgs) || msgs[i].Sequence != msgs[i-1].Sequence+1 {
			if i > start {
				runs = append(runs, msgs[start:i])
			}
			start = i
		}
	}
	return runs
}
