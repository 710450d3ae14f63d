package memory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestSQLiteStore_MessagePersistence(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "state", "memory.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	conv, err := store.GetOrCreateConversation(ctx, "user-1", 20)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	for i, content := range []string{"hello", "hi there", "how are you"} {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		msg, err := store.AppendMessage(ctx, conv.ID, Message{Role: role, Content: content, TokenCount: 3})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if msg.Sequence != int64(i+1) {
			t.Fatalf("expected sequence %d, got %d", i+1, msg.Sequence)
		}
		if !msg.InPrimaryBuffer || msg.ChunkID != "" {
			t.Fatalf("new message should be primary and unchunked: %#v", msg)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store2, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store2.Close()

	again, err := store2.GetOrCreateConversation(ctx, "user-1", 99)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if again.ID != conv.ID {
		t.Fatalf("expected stable conversation id %s, got %s", conv.ID, again.ID)
	}
	if again.PrimaryBufferSize != 20 {
		t.Fatalf("buffer size should not change on reuse, got %d", again.PrimaryBufferSize)
	}
	if again.TotalMessages != 3 {
		t.Fatalf("expected 3 total messages, got %d", again.TotalMessages)
	}
	msgs, err := store2.ListPrimaryMessages(ctx, conv.ID, 10, true)
	if err != nil {
		t.Fatalf("list primary: %v", err)
	}
	if len(msgs) != 3 || msgs[0].Content != "hello" || msgs[2].Content != "how are you" {
		t.Fatalf("unexpected messages after reopen: %#v", msgs)
	}
}

func TestSQLiteStore_AppendToUnknownConversation(t *testing.T) {
	store := newTestStore(t)
	_, err := store.AppendMessage(context.Background(), "conv-missing", Message{Role: RoleUser, Content: "hi"})
	if !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
	if _, err := store.GetConversationByUser(context.Background(), "nobody"); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound for unknown user, got %v", err)
	}
}

func TestSQLiteStore_CreateChunkArchivesMembers(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, testEnvOptions{bufferSize: 20})
	conv := env.conversation(t, "user-1")
	env.appendTurns(t, conv, 5, 10, 0)

	chunk := env.chunkOldest(t, conv, 3)
	if chunk.StartSequence != 1 || chunk.EndSequence != 3 || chunk.MessageCount != 3 {
		t.Fatalf("unexpected chunk range: %#v", chunk)
	}
	if chunk.TokenCount != 30 {
		t.Fatalf("expected 30 chunk tokens, got %d", chunk.TokenCount)
	}

	msgs, err := env.store.ListMessagesInRange(ctx, conv.ID, 1, 5)
	if err != nil {
		t.Fatalf("list range: %v", err)
	}
	for _, m := range msgs {
		archived := m.Sequence <= 3
		if m.InPrimaryBuffer == archived {
			t.Fatalf("message %d primary=%v", m.Sequence, m.InPrimaryBuffer)
		}
		if archived && m.ChunkID != chunk.ID {
			t.Fatalf("message %d should point at %s, got %q", m.Sequence, chunk.ID, m.ChunkID)
		}
	}

	got, err := env.store.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if got.TotalChunks != 1 || got.TotalMessages != 5 {
		t.Fatalf("unexpected counters: %#v", got)
	}

	stored, err := env.store.GetChunk(ctx, chunk.ID)
	if err != nil {
		t.Fatalf("get chunk: %v", err)
	}
	if stored.Content != chunk.Content || !stored.StartTime.Equal(chunk.StartTime) {
		t.Fatalf("stored chunk differs: %#v vs %#v", stored, chunk)
	}
	if _, err := env.store.GetChunk(ctx, "chunk-missing"); !errors.Is(err, ErrChunkNotFound) {
		t.Fatalf("expected ErrChunkNotFound, got %v", err)
	}
}

func TestSQLiteStore_CreateChunkRejectsOverlap(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, testEnvOptions{bufferSize: 20})
	conv := env.conversation(t, "user-1")
	env.appendTurns(t, conv, 5, 10, 0)
	first := env.chunkOldest(t, conv, 3)

	overlap := first
	overlap.ID = "chunk-overlap"
	overlap.StartSequence = 3
	overlap.EndSequence = 4
	overlap.MessageCount = 2
	err := env.store.CreateChunk(ctx, overlap)
	if !IsIntegrity(err) || !errors.Is(err, ErrChunkOverlap) {
		t.Fatalf("expected overlap integrity error, got %v", err)
	}

	n, err := env.store.CountPrimaryMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("count primary: %v", err)
	}
	if n != 2 {
		t.Fatalf("rejected chunk must not archive anything, primary=%d", n)
	}
	if _, err := env.store.GetChunk(ctx, "chunk-overlap"); !errors.Is(err, ErrChunkNotFound) {
		t.Fatalf("rejected chunk row must not exist, got %v", err)
	}
}

func TestSQLiteStore_CreateChunkRollsBackOnMissingMember(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, testEnvOptions{bufferSize: 20})
	conv := env.conversation(t, "user-1")
	env.appendTurns(t, conv, 4, 10, 0)

	// Message 2 is archived behind the engine's back.
	if _, err := env.store.db.Exec(`UPDATE messages SET in_primary_buffer = 0 WHERE conversation_id = ? AND sequence_num = 2`, conv.ID); err != nil {
		t.Fatalf("archive message 2: %v", err)
	}

	err := env.store.CreateChunk(ctx, Chunk{
		ID:             "chunk-partial",
		ConversationID: conv.ID,
		Content:        "partial",
		TokenCount:     30,
		MessageCount:   3,
		StartSequence:  1,
		EndSequence:    3,
		StartTime:      testEpoch,
		EndTime:        testEpoch.Add(2 * time.Minute),
	})
	if !IsIntegrity(err) || !errors.Is(err, ErrChunkMembers) {
		t.Fatalf("expected member integrity error, got %v", err)
	}

	msgs, err := env.store.ListMessagesInRange(ctx, conv.ID, 1, 3)
	if err != nil {
		t.Fatalf("list range: %v", err)
	}
	if !msgs[0].InPrimaryBuffer || !msgs[2].InPrimaryBuffer {
		t.Fatalf("failed chunk write must leave members untouched: %#v", msgs)
	}
	chunks, err := env.store.ListChunks(ctx, conv.ID)
	if err != nil {
		t.Fatalf("list chunks: %v", err)
	}
	if len(chunks) != 0 {
		t.Fatalf("expected no chunks, got %d", len(chunks))
	}
}

func TestSQLiteStore_CreateChunkValidatesRange(t *testing.T) {
	store := newTestStore(t)
	err := store.CreateChunk(context.Background(), Chunk{ID: "chunk-x", ConversationID: "c", StartSequence: 1, EndSequence: 5, MessageCount: 2})
	if !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSQLiteStore_SearchMessages(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	conv, err := store.GetOrCreateConversation(ctx, "user-1", 20)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	other, err := store.GetOrCreateConversation(ctx, "user-2", 20)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	for _, content := range []string{"We picked Postgres for the ledger", "the garden needs water", "postgres vacuum ran overnight", "a 50% discount applies", "500 items shipped"} {
		if _, err := store.AppendMessage(ctx, conv.ID, Message{Role: RoleUser, Content: content, TokenCount: 5}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := store.AppendMessage(ctx, other.ID, Message{Role: RoleUser, Content: "postgres elsewhere", TokenCount: 2}); err != nil {
		t.Fatalf("append other: %v", err)
	}

	found, err := store.SearchMessages(ctx, conv.ID, buildFTSQuery("postgres"), "postgres", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("expected 2 matches, got %#v", found)
	}
	if found[0].Sequence != 3 || found[1].Sequence != 1 {
		t.Fatalf("expected newest first, got %d then %d", found[0].Sequence, found[1].Sequence)
	}

	literal, err := store.SearchMessages(ctx, conv.ID, "", "50%", 10)
	if err != nil {
		t.Fatalf("substring search: %v", err)
	}
	if len(literal) != 1 || literal[0].Sequence != 4 {
		t.Fatalf("expected escaped substring match on message 4, got %#v", literal)
	}
}

func TestSQLiteStore_JobQueue(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Now().UnixMilli()

	if err := store.EnqueueJob(ctx, Job{ID: "job-low", JobType: JobChunk, ConversationID: "c1", Priority: 80, RunAfterMS: now}); err != nil {
		t.Fatalf("enqueue low: %v", err)
	}
	if err := store.EnqueueJob(ctx, Job{ID: "job-high", JobType: JobReconcile, ConversationID: "c1", Priority: 10, RunAfterMS: now}); err != nil {
		t.Fatalf("enqueue high: %v", err)
	}

	job, ok, err := store.ClaimNextJob(ctx, now, 1000)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if job.ID != "job-high" || job.Attempts != 1 || job.Status != JobRunning {
		t.Fatalf("expected high priority job claimed first, got %#v", job)
	}

	// Re-enqueueing a running job leaves the lease in place.
	if err := store.EnqueueJob(ctx, Job{ID: "job-high", JobType: JobReconcile, ConversationID: "c1", Priority: 10, RunAfterMS: now}); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	next, ok, err := store.ClaimNextJob(ctx, now, 1000)
	if err != nil || !ok || next.ID != "job-low" {
		t.Fatalf("expected job-low next, got %#v ok=%v err=%v", next, ok, err)
	}
	if _, ok, _ := store.ClaimNextJob(ctx, now, 1000); ok {
		t.Fatalf("no job should be claimable while both are leased")
	}

	// An expired lease becomes claimable again.
	if err := store.RequeueExpiredJobs(ctx, now+2000); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	again, ok, err := store.ClaimNextJob(ctx, now+2000, 1000)
	if err != nil || !ok || again.ID != "job-high" || again.Attempts != 2 {
		t.Fatalf("expected job-high reclaimed with 2 attempts, got %#v ok=%v err=%v", again, ok, err)
	}

	if err := store.CompleteJob(ctx, "job-high"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := store.FailJob(ctx, "job-low", "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if _, ok, _ := store.ClaimNextJob(ctx, now+5000, 1000); ok {
		t.Fatalf("completed and failed jobs must not be claimed")
	}
}

func TestSQLiteStore_ListConversationsOverPrimary(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	busy, _ := store.GetOrCreateConversation(ctx, "busy", 2)
	quiet, _ := store.GetOrCreateConversation(ctx, "quiet", 2)
	for i := 0; i < 5; i++ {
		if _, err := store.AppendMessage(ctx, busy.ID, Message{Role: RoleUser, Content: "x", TokenCount: 1}); err != nil {
			t.Fatalf("append busy: %v", err)
		}
	}
	for i := 0; i < 4; i++ {
		if _, err := store.AppendMessage(ctx, quiet.ID, Message{Role: RoleUser, Content: "x", TokenCount: 1}); err != nil {
			t.Fatalf("append quiet: %v", err)
		}
	}
	ids, err := store.ListConversationsOverPrimary(ctx, 2, 10)
	if err != nil {
		t.Fatalf("list over primary: %v", err)
	}
	if len(ids) != 1 || ids[0] != busy.ID {
		t.Fatalf("expected only %s, got %v", busy.ID, ids)
	}
}
