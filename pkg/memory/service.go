package memory

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/dotsetgreg/dotmemory/pkg/logger"
)

const DefaultPrimaryBufferSize = 20

// Config configures the memory subsystem.
type Config struct {
	Workspace         string
	DBPath            string
	PrimaryBufferSize int

	Chunking   ChunkingConfig
	Retrieval  RetrievalConfig
	Embedding  EmbeddingConfig
	Importance ImportanceConfig

	// LocalEmbedder selects the in-process embedder used when no provider
	// is passed to NewService.
	LocalEmbedder      string
	DisableVectorIndex bool

	DisableWorker bool
	WorkerLease   time.Duration
	WorkerPoll    time.Duration
	SweepSchedule string
	SweepLimit    int
	BackfillBatch int
}

// Service is the external surface of the memory engine.
type Service struct {
	cfg        Config
	store      Store
	stream     *ConversationStream
	embeddings *EmbeddingService
	chunker    *ChunkingEngine
	assembler  *ContextAssembler
	locks      *KeyedLocker

	cronDue   func(expr string, ref ...time.Time) (bool, error)
	lastSweep time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// NewService opens the store and starts the background worker. A nil
// embedder selects the local embedder; a nil summarize stores chunks
// without summaries.
func NewService(cfg Config, embedder Embedder, summarize SummaryFunc) (*Service, error) {
	dbPath := strings.TrimSpace(cfg.DBPath)
	if dbPath == "" {
		if strings.TrimSpace(cfg.Workspace) == "" {
			return nil, fmt.Errorf("memory workspace or db path is required")
		}
		dbPath = filepath.Join(cfg.Workspace, "state", "memory.db")
	}
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		return nil, err
	}
	svc, err := newServiceWithStore(cfg, store, embedder, summarize)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return svc, nil
}

func newServiceWithStore(cfg Config, store Store, embedder Embedder, summarize SummaryFunc) (*Service, error) {
	if cfg.PrimaryBufferSize <= 0 {
		cfg.PrimaryBufferSize = DefaultPrimaryBufferSize
	}
	if cfg.WorkerLease <= 0 {
		cfg.WorkerLease = 45 * time.Second
	}
	if cfg.WorkerPoll <= 0 {
		cfg.WorkerPoll = 800 * time.Millisecond
	}
	if cfg.SweepLimit <= 0 {
		cfg.SweepLimit = 100
	}
	if cfg.BackfillBatch <= 0 {
		cfg.BackfillBatch = 20
	}
	if len(cfg.Importance.Multipliers) == 0 {
		cfg.Importance = DefaultImportanceConfig()
	}

	cron := gronx.New()
	if cfg.SweepSchedule != "" && !cron.IsValid(cfg.SweepSchedule) {
		return nil, newValidationError("sweep_schedule", fmt.Sprintf("invalid cron expression %q", cfg.SweepSchedule))
	}

	if embedder == nil {
		embedder = NewLocalEmbedder(cfg.LocalEmbedder)
	}
	var index VectorIndex
	if !cfg.DisableVectorIndex {
		index = NewChromemIndex()
	}

	stream := NewConversationStream(store, RuneTokenEstimator{}, cfg.PrimaryBufferSize)
	embeddings := NewEmbeddingService(embedder, store, index, cfg.Embedding)
	svc := &Service{
		cfg:        cfg,
		store:      store,
		stream:     stream,
		embeddings: embeddings,
		chunker:    NewChunkingEngine(cfg.Chunking, cfg.Importance, stream, store, embeddings, summarize),
		assembler:  NewContextAssembler(cfg.Retrieval, stream, store, embeddings),
		locks:      NewKeyedLocker(),
		cronDue:    cron.IsDue,
		stopCh:     make(chan struct{}),
	}

	if !cfg.DisableWorker {
		svc.wg.Add(1)
		go svc.runWorker()
	}
	return svc, nil
}

func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		s.assembler.Wait()
		s.closeErr = s.store.Close()
	})
	return s.closeErr
}

func (s *Service) CreateOrGetConversation(ctx context.Context, userID string) (string, error) {
	conv, err := s.stream.GetOrCreate(ctx, userID)
	if err != nil {
		return "", err
	}
	return conv.ID, nil
}

// AppendMessage stores a message on the user's stream, creating the stream
// on first use. A chunk job is queued once the primary buffer overflows.
func (s *Service) AppendMessage(ctx context.Context, userID string, in MessageInput) (Message, error) {
	conv, err := s.stream.GetOrCreate(ctx, userID)
	if err != nil {
		return Message{}, err
	}
	unlock := s.locks.Lock(conv.ID)
	defer unlock()

	msg, err := s.stream.Append(ctx, conv.ID, in)
	if err != nil {
		logger.ErrorCF("memory", "Append failed", map[string]interface{}{
			"conversation_id": conv.ID,
			"error":           err.Error(),
		})
		return Message{}, err
	}

	over, err := s.stream.NeedsChunking(ctx, conv, conv.PrimaryBufferSize)
	if err != nil {
		logger.WarnCF("memory", "Primary buffer check failed", map[string]interface{}{
			"conversation_id": conv.ID,
			"error":           err.Error(),
		})
		return msg, nil
	}
	if over {
		s.scheduleJob(ctx, JobChunk, conv.ID, 50)
	}
	return msg, nil
}

func (s *Service) conversationFor(ctx context.Context, userID string) (Conversation, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Conversation{}, newValidationError("user_id", "must not be empty")
	}
	conv, err := s.store.GetConversationByUser(ctx, userID)
	if err != nil {
		return Conversation{}, wrapStorage("get conversation", err)
	}
	return conv, nil
}

// GetContext assembles the token-budgeted context for one inference call.
func (s *Service) GetContext(ctx context.Context, userID string, opts ContextOptions) (RetrievalResult, error) {
	conv, err := s.conversationFor(ctx, userID)
	if err != nil {
		return RetrievalResult{}, err
	}
	unlock := s.locks.Lock(conv.ID)
	defer unlock()

	result, err := s.assembler.Assemble(ctx, conv, opts)
	if err != nil {
		return RetrievalResult{}, err
	}
	_ = s.store.AddMetric(ctx, "memory.context.chunks", float64(len(result.RetrievedChunks)), map[string]string{
		"conversation_id": conv.ID,
		"search_method":   result.SearchMethod,
	})
	logger.DebugCF("memory", "Context assembled", map[string]interface{}{
		"conversation_id": conv.ID,
		"primary":         len(result.PrimaryMessages),
		"chunks":          len(result.RetrievedChunks),
		"total_tokens":    result.TotalTokens,
		"budget_tokens":   result.BudgetTokens,
		"search_method":   result.SearchMethod,
	})
	return result, nil
}

// ForceChunk runs one chunking pass immediately.
func (s *Service) ForceChunk(ctx context.Context, userID string) (ChunkOutcome, error) {
	conv, err := s.conversationFor(ctx, userID)
	if err != nil {
		return ChunkOutcome{}, err
	}
	return s.autoChunk(ctx, conv)
}

func (s *Service) autoChunk(ctx context.Context, conv Conversation) (ChunkOutcome, error) {
	unlock := s.locks.Lock(conv.ID)
	defer unlock()

	outcome, err := s.chunker.AutoChunk(ctx, conv)
	if err != nil {
		if IsIntegrity(err) {
			s.scheduleJob(ctx, JobReconcile, conv.ID, 10)
		}
		return outcome, err
	}
	if outcome.Created {
		_ = s.store.AddMetric(ctx, "memory.chunk.created", float64(outcome.Chunk.MessageCount), map[string]string{
			"conversation_id": conv.ID,
		})
	}
	return outcome, nil
}

// Reconcile repairs partial chunk state for the user's conversation.
func (s *Service) Reconcile(ctx context.Context, userID string) (IntegrityReport, error) {
	conv, err := s.conversationFor(ctx, userID)
	if err != nil {
		return IntegrityReport{}, err
	}
	unlock := s.locks.Lock(conv.ID)
	defer unlock()
	return s.chunker.Reconcile(ctx, conv.ID)
}

// SearchHistory is a keyword search over every message of the user.
func (s *Service) SearchHistory(ctx context.Context, userID, query string, limit int) ([]Message, error) {
	conv, err := s.conversationFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(conv.ID)
	defer unlock()
	return s.stream.TextSearch(ctx, conv.ID, query, limit)
}

func (s *Service) GetStats(ctx context.Context, userID string) (ConversationStats, error) {
	conv, err := s.conversationFor(ctx, userID)
	if err != nil {
		return ConversationStats{}, err
	}
	unlock := s.locks.Lock(conv.ID)
	defer unlock()
	return s.stream.Stats(ctx, conv.ID)
}

// BackfillEmbeddings embeds chunks that were stored without a vector.
func (s *Service) BackfillEmbeddings(ctx context.Context, userID string, limit int) (int, error) {
	conv, err := s.conversationFor(ctx, userID)
	if err != nil {
		return 0, err
	}
	if limit <= 0 {
		limit = s.cfg.BackfillBatch
	}
	unlock := s.locks.Lock(conv.ID)
	defer unlock()
	return s.embeddings.BackfillEmbeddings(ctx, conv.ID, limit)
}

func (s *Service) FormatContext(result RetrievalResult) string {
	return FormatContextForLLM(result)
}

// RunPendingJobs drains queued maintenance synchronously. Short-lived
// processes call it before exiting since the worker may not have run.
func (s *Service) RunPendingJobs() {
	s.processPendingJobs()
}

func (s *Service) scheduleJob(ctx context.Context, jobType, conversationID string, priority int) {
	now := time.Now().UnixMilli()
	err := s.store.EnqueueJob(ctx, Job{
		ID:             maintenanceJobID(jobType, conversationID),
		JobType:        jobType,
		ConversationID: conversationID,
		Status:         JobPending,
		Priority:       priority,
		RunAfterMS:     now,
		CreatedAtMS:    now,
		UpdatedAtMS:    now,
	})
	if err != nil {
		logger.WarnCF("worker", "Enqueue failed", map[string]interface{}{
			"job_type":        jobType,
			"conversation_id": conversationID,
			"error":           err.Error(),
		})
	}
}

func (s *Service) runWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.WorkerPoll)
	defer ticker.Stop()

	// Run once at startup so pending jobs from prior process lifetime begin immediately.
	s.processPendingJobs()

	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.maybeSweep(now)
			s.processPendingJobs()
		}
	}
}

// maybeSweep queues chunk jobs for every conversation whose primary buffer
// is more than twice its size, at most once per due cron minute.
func (s *Service) maybeSweep(now time.Time) {
	if s.cfg.SweepSchedule == "" {
		return
	}
	minute := now.Truncate(time.Minute)
	if minute.Equal(s.lastSweep) {
		return
	}
	due, err := s.cronDue(s.cfg.SweepSchedule, minute)
	if err != nil || !due {
		return
	}
	s.lastSweep = minute
	s.sweep(context.Background())
}

func (s *Service) sweep(ctx context.Context) int {
	ids, err := s.store.ListConversationsOverPrimary(ctx, 2, s.cfg.SweepLimit)
	if err != nil {
		logger.WarnCF("worker", "Sweep failed", map[string]interface{}{"error": err.Error()})
		return 0
	}
	for _, id := range ids {
		s.scheduleJob(ctx, JobChunk, id, 80)
	}
	if len(ids) > 0 {
		logger.InfoCF("worker", "Sweep queued chunk jobs", map[string]interface{}{"conversations": len(ids)})
	}
	return len(ids)
}

func (s *Service) processPendingJobs() {
	const maxBatch = 32
	now := time.Now().UnixMilli()
	ctx := context.Background()
	_ = s.store.RequeueExpiredJobs(ctx, now)

	leaseForMS := int64(s.cfg.WorkerLease / time.Millisecond)
	if leaseForMS <= 0 {
		leaseForMS = int64((45 * time.Second) / time.Millisecond)
	}

	for i := 0; i < maxBatch; i++ {
		job, ok, err := s.store.ClaimNextJob(ctx, time.Now().UnixMilli(), leaseForMS)
		if err != nil || !ok {
			return
		}

		if err := s.handleJob(ctx, job); err != nil {
			logger.WarnCF("worker", "Job failed", map[string]interface{}{
				"job_id":          job.ID,
				"job_type":        job.JobType,
				"conversation_id": job.ConversationID,
				"error":           err.Error(),
			})
			_ = s.store.FailJob(ctx, job.ID, err.Error())
			_ = s.store.AddMetric(ctx, "memory.job.failed", 1, map[string]string{"type": job.JobType})
			continue
		}
		_ = s.store.CompleteJob(ctx, job.ID)
		_ = s.store.AddMetric(ctx, "memory.job.completed", 1, map[string]string{"type": job.JobType})
	}
}

func (s *Service) handleJob(ctx context.Context, job Job) error {
	if strings.TrimSpace(job.ConversationID) == "" {
		return fmt.Errorf("invalid %s job: missing conversation id", job.JobType)
	}
	conv, err := s.store.GetConversation(ctx, job.ConversationID)
	if err != nil {
		return err
	}

	switch job.JobType {
	case JobChunk:
		// Catch up on large backlogs, one chunk per pass.
		const maxPasses = 16
		for i := 0; i < maxPasses; i++ {
			outcome, err := s.autoChunk(ctx, conv)
			if err != nil {
				return err
			}
			if !outcome.Created || outcome.Remaining <= conv.PrimaryBufferSize {
				break
			}
		}
		unlock := s.locks.Lock(conv.ID)
		_, err := s.embeddings.BackfillEmbeddings(ctx, conv.ID, s.cfg.BackfillBatch)
		unlock()
		if err != nil && !IsEmbeddingProvider(err) {
			return err
		}
		return nil
	case JobReconcile:
		unlock := s.locks.Lock(conv.ID)
		defer unlock()
		_, err := s.chunker.Reconcile(ctx, conv.ID)
		return err
	default:
		return fmt.Errorf("unknown memory job type: %s", job.JobType)
	}
}

func maintenanceJobID(jobType, conversationID string) string {
	h := sha1.Sum([]byte(jobType + "|" + conversationID))
	return "job-" + hex.EncodeToString(h[:8])
}
