package memory

import (
	"context"
	"testing"
)

func TestReconcile_RepairsMemberFlags(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, testEnvOptions{})
	conv := env.conversation(t, "user-1")
	env.appendTurns(t, conv, 5, 5, 0)
	chunk := env.chunkOldest(t, conv, 3)

	// Simulate a crash that left message 2 flagged primary.
	if _, err := env.store.db.Exec(`UPDATE messages SET in_primary_buffer = 1, chunk_id = '' WHERE conversation_id = ? AND sequence_num = 2`, conv.ID); err != nil {
		t.Fatalf("corrupt flags: %v", err)
	}

	report, err := env.chunker.Reconcile(ctx, conv.ID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.FlagsRepaired != 1 {
		t.Fatalf("expected 1 repaired flag, got %#v", report)
	}
	msgs, err := env.store.ListMessagesInRange(ctx, conv.ID, 2, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if msgs[0].InPrimaryBuffer || msgs[0].ChunkID != chunk.ID {
		t.Fatalf("message 2 not repaired: %#v", msgs[0])
	}
}

func TestReconcile_RecoversOrphanedMessages(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, testEnvOptions{})
	conv := env.conversation(t, "user-1")
	env.appendTurns(t, conv, 6, 5, 0)

	// Members were archived but the chunk row never landed.
	if _, err := env.store.db.Exec(`UPDATE messages SET in_primary_buffer = 0, chunk_id = 'chunk-lost' WHERE conversation_id = ? AND sequence_num BETWEEN 1 AND 3`, conv.ID); err != nil {
		t.Fatalf("orphan messages: %v", err)
	}

	report, err := env.chunker.Reconcile(ctx, conv.ID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.OrphansRecovered != 3 {
		t.Fatalf("expected 3 recovered messages, got %#v", report)
	}

	chunks, err := env.store.ListChunks(ctx, conv.ID)
	if err != nil {
		t.Fatalf("list chunks: %v", err)
	}
	if len(chunks) != 1 || chunks[0].StartSequence != 1 || chunks[0].EndSequence != 3 {
		t.Fatalf("expected one recovered chunk over 1..3, got %#v", chunks)
	}
	msgs, err := env.store.ListMessagesInRange(ctx, conv.ID, 1, 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, m := range msgs {
		if m.ChunkID != chunks[0].ID {
			t.Fatalf("message %d should point at the recovered chunk, got %q", m.Sequence, m.ChunkID)
		}
	}
	got, err := env.store.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if got.TotalChunks != 1 {
		t.Fatalf("expected total_chunks 1, got %d", got.TotalChunks)
	}
	if _, ok, _ := env.store.GetEmbedding(ctx, chunks[0].ID); !ok {
		t.Fatalf("recovered chunk should be embedded")
	}
}

func TestReconcile_DropsOverlappingChunk(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, testEnvOptions{})
	conv := env.conversation(t, "user-1")
	env.appendTurns(t, conv, 6, 5, 0)
	first := env.chunkOldest(t, conv, 3)

	if _, err := env.store.db.Exec(`
INSERT INTO chunks(id, conversation_id, content, token_count, message_count, start_sequence, end_sequence, start_time_ms, end_time_ms, created_at_ms)
VALUES('chunk-dup', ?, 'dup', 15, 3, 2, 4, 0, 0, 0)`, conv.ID); err != nil {
		t.Fatalf("insert duplicate: %v", err)
	}
	if _, err := env.store.db.Exec(`UPDATE messages SET in_primary_buffer = 0, chunk_id = 'chunk-dup' WHERE conversation_id = ? AND sequence_num = 4`, conv.ID); err != nil {
		t.Fatalf("flag message 4: %v", err)
	}

	report, err := env.chunker.Reconcile(ctx, conv.ID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.DuplicatesDropped != 1 {
		t.Fatalf("expected 1 dropped duplicate, got %#v", report)
	}

	chunks, err := env.store.ListChunks(ctx, conv.ID)
	if err != nil {
		t.Fatalf("list chunks: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected the original chunk plus a recovered one, got %#v", chunks)
	}
	if chunks[0].ID != first.ID {
		t.Fatalf("the earlier chunk must survive, got %s", chunks[0].ID)
	}
	if chunks[1].StartSequence != 4 || chunks[1].EndSequence != 4 {
		t.Fatalf("message 4 should be recovered into its own chunk, got %#v", chunks[1])
	}
	got, _ := env.store.GetConversation(ctx, conv.ID)
	if got.TotalChunks != 2 {
		t.Fatalf("expected total_chunks 2, got %d", got.TotalChunks)
	}
}

func TestReconcile_FixesCountersAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, testEnvOptions{})
	conv := env.conversation(t, "user-1")
	env.appendTurns(t, conv, 4, 5, 0)

	if _, err := env.store.db.Exec(`UPDATE conversations SET total_messages = 99, total_chunks = 7 WHERE id = ?`, conv.ID); err != nil {
		t.Fatalf("corrupt counters: %v", err)
	}
	report, err := env.chunker.Reconcile(ctx, conv.ID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !report.CountersFixed {
		t.Fatalf("expected counters fixed, got %#v", report)
	}
	got, _ := env.store.GetConversation(ctx, conv.ID)
	if got.TotalMessages != 4 || got.TotalChunks != 0 {
		t.Fatalf("unexpected counters after repair: %#v", got)
	}

	again, err := env.chunker.Reconcile(ctx, conv.ID)
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if !again.Clean() {
		t.Fatalf("second reconcile should find nothing, got %#v", again)
	}
}

func TestContiguousRuns(t *testing.T) {
	msgs := []Message{{Sequence: 1}, {Sequence: 2}, {Sequence: 5}, {Sequence: 6}, {Sequence: 7}, {Sequence: 9}}
	runs := contiguousRuns(msgs)
	if len(runs) != 3 || len(runs[0]) != 2 || len(runs[1]) != 3 || len(runs[2]) != 1 {
		t.Fatalf("unexpected runs: %#v", runs)
	}
	if len(contiguousRuns(nil)) != 0 {
		t.Fatalf("no messages should yield no runs")
	}
}
