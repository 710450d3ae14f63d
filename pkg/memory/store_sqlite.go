package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the canonical persistent memory storage.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the memory database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create memory db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single-process memory service. Use one shared connection to avoid
	// writer lock contention with SQLite under concurrent goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL UNIQUE,
			primary_buffer_size INTEGER NOT NULL,
			total_messages INTEGER NOT NULL DEFAULT 0,
			total_chunks INTEGER NOT NULL DEFAULT 0,
			last_message_at_ms INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sequence_num INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			token_count INTEGER NOT NULL,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL,
			in_primary_buffer INTEGER NOT NULL DEFAULT 1,
			chunk_id TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS messages_conversation_seq ON messages(conversation_id, sequence_num);`,
		`CREATE INDEX IF NOT EXISTS messages_primary_idx ON messages(conversation_id, in_primary_buffer, sequence_num);`,
		`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			content TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			token_count INTEGER NOT NULL,
			message_count INTEGER NOT NULL,
			start_sequence INTEGER NOT NULL,
			end_sequence INTEGER NOT NULL,
			start_time_ms INTEGER NOT NULL,
			end_time_ms INTEGER NOT NULL,
			created_at_ms INTEGER NOT NULL,
			topics_json TEXT NOT NULL DEFAULT '[]',
			importance_flags_json TEXT NOT NULL DEFAULT '[]',
			importance_score REAL NOT NULL DEFAULT 1.0,
			retrieval_count INTEGER NOT NULL DEFAULT 0,
			last_retrieved_at_ms INTEGER NOT NULL DEFAULT 0,
			is_compacted INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS chunks_range_idx ON chunks(conversation_id, start_sequence, end_sequence);`,
		`CREATE INDEX IF NOT EXISTS chunks_recent_idx ON chunks(conversation_id, created_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS chunk_embeddings (
			chunk_id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			model TEXT NOT NULL,
			dims INTEGER NOT NULL,
			vector_json TEXT NOT NULL,
			norm REAL NOT NULL DEFAULT 0,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS chunk_embeddings_conversation_idx ON chunk_embeddings(conversation_id);`,
		`CREATE TABLE IF NOT EXISTS memory_jobs (
			id TEXT PRIMARY KEY,
			job_type TEXT NOT NULL,
			conversation_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 100,
			payload_json TEXT NOT NULL DEFAULT '{}',
			error TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			run_after_ms INTEGER NOT NULL,
			lease_until_ms INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			completed_at_ms INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS memory_jobs_claim_idx ON memory_jobs(status, run_after_ms, lease_until_ms, priority, created_at_ms);`,
		`CREATE TABLE IF NOT EXISTS memory_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			metric TEXT NOT NULL,
			value REAL NOT NULL,
			labels_json TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS memory_metrics_metric_idx ON memory_metrics(metric, created_at_ms DESC);`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(message_id UNINDEXED, conversation_id UNINDEXED, content, tokenize='unicode61 remove_diacritics 2');`,
		`CREATE TRIGGER IF NOT EXISTS messages_ai AFTER INSERT ON messages BEGIN
			INSERT INTO messages_fts(message_id, conversation_id, content) VALUES (new.id, new.conversation_id, new.content);
		END;`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema failed on %q: %w", trimSQL(stmt), err)
		}
	}
	return nil
}

func trimSQL(sql string) string {
	line := strings.TrimSpace(sql)
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}

func nowMS() int64 { return time.Now().UnixMilli() }

func msToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func timeToMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func encodeMap(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeMap(raw string) map[string]string {
	if raw == "" {
		return map[string]string{}
	}
	out := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]string{}
	}
	return out
}

func encodeList(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeList(raw string) []string {
	if raw == "" {
		return nil
	}
	out := []string{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func encodeVector(vec []float32) string {
	if len(vec) == 0 {
		return "[]"
	}
	b, err := json.Marshal(vec)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeVector(raw string) []float32 {
	if raw == "" {
		return nil
	}
	out := []float32{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const conversationColumns = `id, user_id, primary_buffer_size, total_messages, total_chunks, last_message_at_ms, created_at_ms`

func scanConversation(row interface{ Scan(...any) error }) (Conversation, error) {
	var c Conversation
	var lastMS, createdMS int64
	if err := row.Scan(&c.ID, &c.UserID, &c.PrimaryBufferSize, &c.TotalMessages, &c.TotalChunks, &lastMS, &createdMS); err != nil {
		return Conversation{}, err
	}
	c.LastMessageAt = msToTime(lastMS)
	c.CreatedAt = msToTime(createdMS)
	return c, nil
}

func (s *SQLiteStore) GetOrCreateConversation(ctx context.Context, userID string, bufferSize int) (Conversation, error) {
	if strings.TrimSpace(userID) == "" {
		return Conversation{}, newValidationError("user_id", "must not be empty")
	}
	if bufferSize <= 0 {
		bufferSize = DefaultPrimaryBufferSize
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO conversations(id, user_id, primary_buffer_size, total_messages, total_chunks, last_message_at_ms, created_at_ms)
VALUES(?, ?, ?, 0, 0, 0, ?)
ON CONFLICT(user_id) DO NOTHING`, "conv-"+uuid.NewString(), userID, bufferSize, nowMS())
	if err != nil {
		return Conversation{}, fmt.Errorf("ensure conversation: %w", err)
	}
	return s.GetConversationByUser(ctx, userID)
}

func (s *SQLiteStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, conversationID)
	c, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, ErrConversationNotFound
		}
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) GetConversationByUser(ctx context.Context, userID string) (Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE user_id = ?`, userID)
	c, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, ErrConversationNotFound
		}
		return Conversation{}, fmt.Errorf("get conversation by user: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) ListConversationsOverPrimary(ctx context.Context, factor int, limit int) ([]string, error) {
	if factor <= 0 {
		factor = 1
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT c.id
FROM conversations c
WHERE (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id AND m.in_primary_buffer = 1) > c.primary_buffer_size * ?
ORDER BY c.last_message_at_ms DESC
LIMIT ?`, factor, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations over primary: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan conversation id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, conversationID string, msg Message) (Message, error) {
	if strings.TrimSpace(conversationID) == "" {
		return Message{}, newValidationError("conversation_id", "must not be empty")
	}
	if msg.Role == "" {
		return Message{}, newValidationError("role", "must not be empty")
	}
	if msg.ID == "" {
		msg.ID = "msg-" + uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.ConversationID = conversationID
	msg.InPrimaryBuffer = true
	msg.ChunkID = ""
	created := msg.CreatedAt.UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("append message begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
UPDATE conversations
SET total_messages = total_messages + 1, last_message_at_ms = ?
WHERE id = ?`, created, conversationID)
	if err != nil {
		return Message{}, fmt.Errorf("append message update conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Message{}, ErrConversationNotFound
	}

	var lastSeq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence_num), 0) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&lastSeq); err != nil {
		return Message{}, fmt.Errorf("append message next sequence: %w", err)
	}
	msg.Sequence = lastSeq + 1

	if _, err := tx.ExecContext(ctx, `
INSERT INTO messages(id, conversation_id, sequence_num, role, content, token_count, metadata_json, created_at_ms, in_primary_buffer, chunk_id)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, 1, '')`, msg.ID, conversationID, msg.Sequence, string(msg.Role), msg.Content, msg.TokenCount, encodeMap(msg.Metadata), created); err != nil {
		return Message{}, fmt.Errorf("append message insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("append message commit: %w", err)
	}
	return msg, nil
}

const messageColumns = `id, conversation_id, sequence_num, role, content, token_count, metadata_json, created_at_ms, in_primary_buffer, chunk_id`

func scanMessages(rows *sql.Rows) ([]Message, error) {
	out := []Message{}
	for rows.Next() {
		var m Message
		var role, metaRaw string
		var createdMS int64
		var primary int
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Sequence, &role, &m.Content, &m.TokenCount, &metaRaw, &createdMS, &primary, &m.ChunkID); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = Role(role)
		m.Metadata = decodeMap(metaRaw)
		m.CreatedAt = time.UnixMilli(createdMS)
		m.InPrimaryBuffer = primary != 0
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) ListPrimaryMessages(ctx context.Context, conversationID string, limit int, oldestFirst bool) ([]Message, error) {
	if limit <= 0 {
		limit = 1
	}
	order := "DESC"
	if oldestFirst {
		order = "ASC"
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+messageColumns+`
FROM messages
WHERE conversation_id = ? AND in_primary_buffer = 1
ORDER BY sequence_num `+order+`
LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list primary messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *SQLiteStore) CountPrimaryMessages(ctx context.Context, conversationID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND in_primary_buffer = 1`, conversationID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count primary messages: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) ListMessagesInRange(ctx context.Context, conversationID string, startSeq, endSeq int64) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+messageColumns+`
FROM messages
WHERE conversation_id = ? AND sequence_num BETWEEN ? AND ?
ORDER BY sequence_num ASC`, conversationID, startSeq, endSeq)
	if err != nil {
		return nil, fmt.Errorf("list messages in range: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// SearchMessages runs an FTS5 keyword match and falls back to a substring
// LIKE scan when the keyword query is empty, fails, or finds nothing.
func (s *SQLiteStore) SearchMessages(ctx context.Context, conversationID, ftsQuery, substring string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	if strings.TrimSpace(ftsQuery) != "" {
		rows, err := s.db.QueryContext(ctx, `
SELECT m.id, m.conversation_id, m.sequence_num, m.role, m.content, m.token_count, m.metadata_json, m.created_at_ms, m.in_primary_buffer, m.chunk_id
FROM messages_fts f
JOIN messages m ON m.id = f.message_id
WHERE f.content MATCH ? AND f.conversation_id = ?
ORDER BY m.sequence_num DESC
LIMIT ?`, ftsQuery, conversationID, limit)
		if err == nil {
			found, scanErr := scanMessages(rows)
			rows.Close()
			if scanErr == nil && len(found) > 0 {
				return found, nil
			}
		}
	}

	substring = strings.TrimSpace(substring)
	if substring == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+messageColumns+`
FROM messages
WHERE conversation_id = ? AND content LIKE ? ESCAPE '\'
ORDER BY sequence_num DESC
LIMIT ?`, conversationID, "%"+escapeLike(substring)+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

const chunkColumns = `id, conversation_id, content, summary, token_count, message_count, start_sequence, end_sequence, start_time_ms, end_time_ms, created_at_ms, topics_json, importance_flags_json, importance_score, retrieval_count, last_retrieved_at_ms, is_compacted`

func scanChunks(rows *sql.Rows) ([]Chunk, error) {
	out := []Chunk{}
	for rows.Next() {
		var c Chunk
		var startMS, endMS, createdMS, retrievedMS int64
		var topicsRaw, flagsRaw string
		var compacted int
		if err := rows.Scan(&c.ID, &c.ConversationID, &c.Content, &c.Summary, &c.TokenCount, &c.MessageCount, &c.StartSequence, &c.EndSequence, &startMS, &endMS, &createdMS, &topicsRaw, &flagsRaw, &c.ImportanceScore, &c.RetrievalCount, &retrievedMS, &compacted); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		c.StartTime = msToTime(startMS)
		c.EndTime = msToTime(endMS)
		c.CreatedAt = msToTime(createdMS)
		c.LastRetrievedAt = msToTime(retrievedMS)
		c.Topics = decodeList(topicsRaw)
		c.ImportanceFlags = decodeList(flagsRaw)
		c.IsCompacted = compacted != 0
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return out, nil
}

// CreateChunk inserts the chunk and archives its member messages in one
// transaction. Every message in the range must still be primary.
func (s *SQLiteStore) CreateChunk(ctx context.Context, chunk Chunk) error {
	return s.insertChunk(ctx, chunk, true)
}

// RecoverChunk inserts a chunk over messages that are already archived but
// not covered by any chunk.
func (s *SQLiteStore) RecoverChunk(ctx context.Context, chunk Chunk) error {
	return s.insertChunk(ctx, chunk, false)
}

func (s *SQLiteStore) insertChunk(ctx context.Context, chunk Chunk, fromPrimary bool) error {
	if chunk.ID == "" {
		return newValidationError("chunk_id", "must not be empty")
	}
	if chunk.MessageCount <= 0 || chunk.EndSequence-chunk.StartSequence+1 != int64(chunk.MessageCount) {
		return newValidationError("chunk_range", fmt.Sprintf("range %d..%d does not match %d messages", chunk.StartSequence, chunk.EndSequence, chunk.MessageCount))
	}
	if chunk.CreatedAt.IsZero() {
		chunk.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create chunk begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var overlapping int
	if err := tx.QueryRowContext(ctx, `
SELECT COUNT(*) FROM chunks
WHERE conversation_id = ? AND start_sequence <= ? AND end_sequence >= ?`, chunk.ConversationID, chunk.EndSequence, chunk.StartSequence).Scan(&overlapping); err != nil {
		return fmt.Errorf("create chunk overlap check: %w", err)
	}
	if overlapping > 0 {
		return &ChunkIntegrityError{ConversationID: chunk.ConversationID, ChunkID: chunk.ID, Detail: fmt.Sprintf("range %d..%d overlaps an existing chunk", chunk.StartSequence, chunk.EndSequence), Err: ErrChunkOverlap}
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO chunks(`+chunkColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?)`,
		chunk.ID,
		chunk.ConversationID,
		chunk.Content,
		chunk.Summary,
		chunk.TokenCount,
		chunk.MessageCount,
		chunk.StartSequence,
		chunk.EndSequence,
		timeToMS(chunk.StartTime),
		timeToMS(chunk.EndTime),
		chunk.CreatedAt.UnixMilli(),
		encodeList(chunk.Topics),
		encodeList(chunk.ImportanceFlags),
		chunk.ImportanceScore,
		boolToInt(chunk.IsCompacted),
	); err != nil {
		return fmt.Errorf("create chunk insert: %w", err)
	}

	primaryFlag := 0
	if fromPrimary {
		primaryFlag = 1
	}
	res, err := tx.ExecContext(ctx, `
UPDATE messages
SET in_primary_buffer = 0, chunk_id = ?
WHERE conversation_id = ? AND sequence_num BETWEEN ? AND ? AND in_primary_buffer = ?`,
		chunk.ID, chunk.ConversationID, chunk.StartSequence, chunk.EndSequence, primaryFlag)
	if err != nil {
		return fmt.Errorf("create chunk archive members: %w", err)
	}
	if n, _ := res.RowsAffected(); n != int64(chunk.MessageCount) {
		return &ChunkIntegrityError{ConversationID: chunk.ConversationID, ChunkID: chunk.ID, Detail: fmt.Sprintf("expected %d member messages, flipped %d", chunk.MessageCount, n), Err: ErrChunkMembers}
	}

	res, err = tx.ExecContext(ctx, `UPDATE conversations SET total_chunks = total_chunks + 1 WHERE id = ?`, chunk.ConversationID)
	if err != nil {
		return fmt.Errorf("create chunk update conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConversationNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("create chunk commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetChunk(ctx context.Context, chunkID string) (Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE id = ?`, chunkID)
	if err != nil {
		return Chunk{}, fmt.Errorf("get chunk: %w", err)
	}
	defer rows.Close()
	chunks, err := scanChunks(rows)
	if err != nil {
		return Chunk{}, err
	}
	if len(chunks) == 0 {
		return Chunk{}, ErrChunkNotFound
	}
	return chunks[0], nil
}

func (s *SQLiteStore) GetChunks(ctx context.Context, chunkIDs []string) ([]Chunk, error) {
	if len(chunkIDs) == 0 {
		return nil, nil
	}
	ids := uniqueStrings(chunkIDs)
	placeholders, args := inClause(ids)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM chunks WHERE id IN (%s)`, chunkColumns, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("get chunks: %w", err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

func (s *SQLiteStore) ListChunks(ctx context.Context, conversationID string) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+chunkColumns+`
FROM chunks
WHERE conversation_id = ?
ORDER BY start_sequence ASC, created_at_ms ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

func (s *SQLiteStore) ListRecentChunks(ctx context.Context, conversationID string, limit int) ([]Chunk, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+chunkColumns+`
FROM chunks
WHERE conversation_id = ?
ORDER BY created_at_ms DESC, end_sequence DESC
LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent chunks: %w", err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

func (s *SQLiteStore) RecordRetrievals(ctx context.Context, chunkIDs []string, at time.Time) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	placeholders, args := inClause(uniqueStrings(chunkIDs))
	args = append([]interface{}{at.UnixMilli()}, args...)
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
UPDATE chunks
SET retrieval_count = retrieval_count + 1, last_retrieved_at_ms = ?
WHERE id IN (%s)`, placeholders), args...)
	if err != nil {
		return fmt.Errorf("record retrievals: %w", err)
	}
	return nil
}

// ArchiveChunkMembers re-points every message in the chunk's range at the
// chunk and clears its primary flag. It returns how many rows needed repair.
func (s *SQLiteStore) ArchiveChunkMembers(ctx context.Context, chunk Chunk) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE messages
SET in_primary_buffer = 0, chunk_id = ?
WHERE conversation_id = ? AND sequence_num BETWEEN ? AND ?
AND (in_primary_buffer = 1 OR chunk_id <> ?)`, chunk.ID, chunk.ConversationID, chunk.StartSequence, chunk.EndSequence, chunk.ID)
	if err != nil {
		return 0, fmt.Errorf("archive chunk members: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) ListOrphanedArchived(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT m.id, m.conversation_id, m.sequence_num, m.role, m.content, m.token_count, m.metadata_json, m.created_at_ms, m.in_primary_buffer, m.chunk_id
FROM messages m
WHERE m.conversation_id = ? AND m.in_primary_buffer = 0
AND NOT EXISTS (
	SELECT 1 FROM chunks c
	WHERE c.conversation_id = m.conversation_id
	AND m.sequence_num BETWEEN c.start_sequence AND c.end_sequence
)
ORDER BY m.sequence_num ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list orphaned archived: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *SQLiteStore) DeleteChunk(ctx context.Context, chunkID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete chunk begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var conversationID string
	if err := tx.QueryRowContext(ctx, `SELECT conversation_id FROM chunks WHERE id = ?`, chunkID).Scan(&conversationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("delete chunk lookup: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE id = ?`, chunkID); err != nil {
		return fmt.Errorf("delete chunk: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunk_embeddings WHERE chunk_id = ?`, chunkID); err != nil {
		return fmt.Errorf("delete chunk embedding: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET total_chunks = MAX(total_chunks - 1, 0) WHERE id = ?`, conversationID); err != nil {
		return fmt.Errorf("delete chunk update conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete chunk commit: %w", err)
	}
	return nil
}

// SyncConversationCounters recomputes total_messages/total_chunks from the
// tables and reports whether the stored values had drifted.
func (s *SQLiteStore) SyncConversationCounters(ctx context.Context, conversationID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE conversations
SET total_messages = (SELECT COUNT(*) FROM messages WHERE conversation_id = conversations.id),
	total_chunks = (SELECT COUNT(*) FROM chunks WHERE conversation_id = conversations.id)
WHERE id = ?
AND (total_messages <> (SELECT COUNT(*) FROM messages WHERE conversation_id = conversations.id)
	OR total_chunks <> (SELECT COUNT(*) FROM chunks WHERE conversation_id = conversations.id))`, conversationID)
	if err != nil {
		return false, fmt.Errorf("sync conversation counters: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) UpsertEmbedding(ctx context.Context, emb Embedding) error {
	if emb.UpdatedAt.IsZero() {
		emb.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO chunk_embeddings(chunk_id, conversation_id, model, dims, vector_json, norm, updated_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(chunk_id) DO UPDATE SET
	model = excluded.model,
	dims = excluded.dims,
	vector_json = excluded.vector_json,
	norm = excluded.norm,
	updated_at_ms = excluded.updated_at_ms`, emb.ChunkID, emb.ConversationID, emb.ModelID, len(emb.Vector), encodeVector(emb.Vector), vectorNorm(emb.Vector), emb.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert embedding: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetEmbedding(ctx context.Context, chunkID string) (Embedding, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT chunk_id, conversation_id, model, vector_json, updated_at_ms
FROM chunk_embeddings WHERE chunk_id = ?`, chunkID)
	var emb Embedding
	var raw string
	var updatedMS int64
	if err := row.Scan(&emb.ChunkID, &emb.ConversationID, &emb.ModelID, &raw, &updatedMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Embedding{}, false, nil
		}
		return Embedding{}, false, fmt.Errorf("get embedding: %w", err)
	}
	emb.Vector = decodeVector(raw)
	emb.UpdatedAt = msToTime(updatedMS)
	return emb, true, nil
}

func (s *SQLiteStore) DeleteEmbedding(ctx context.Context, chunkID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chunk_embeddings WHERE chunk_id = ?`, chunkID); err != nil {
		return fmt.Errorf("delete embedding: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListEmbeddings(ctx context.Context, conversationID string) ([]Embedding, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT chunk_id, conversation_id, model, vector_json, updated_at_ms
FROM chunk_embeddings WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list embeddings: %w", err)
	}
	defer rows.Close()

	out := []Embedding{}
	for rows.Next() {
		var emb Embedding
		var raw string
		var updatedMS int64
		if err := rows.Scan(&emb.ChunkID, &emb.ConversationID, &emb.ModelID, &raw, &updatedMS); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		emb.Vector = decodeVector(raw)
		emb.UpdatedAt = msToTime(updatedMS)
		out = append(out, emb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate embeddings: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) ListUnembeddedChunks(ctx context.Context, conversationID string, limit int) ([]Chunk, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT c.id, c.conversation_id, c.content, c.summary, c.token_count, c.message_count, c.start_sequence, c.end_sequence, c.start_time_ms, c.end_time_ms, c.created_at_ms, c.topics_json, c.importance_flags_json, c.importance_score, c.retrieval_count, c.last_retrieved_at_ms, c.is_compacted
FROM chunks c
LEFT JOIN chunk_embeddings e ON e.chunk_id = c.id
WHERE c.conversation_id = ? AND e.chunk_id IS NULL
ORDER BY c.created_at_ms ASC
LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list unembedded chunks: %w", err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

func (s *SQLiteStore) Stats(ctx context.Context, conversationID string) (ConversationStats, error) {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return ConversationStats{}, err
	}
	out := ConversationStats{
		ConversationID:    conv.ID,
		UserID:            conv.UserID,
		PrimaryBufferSize: conv.PrimaryBufferSize,
		TotalMessages:     conv.TotalMessages,
		TotalChunks:       conv.TotalChunks,
		LastMessageAt:     conv.LastMessageAt,
		CreatedAt:         conv.CreatedAt,
	}
	row := s.db.QueryRowContext(ctx, `
SELECT
	COALESCE(SUM(CASE WHEN in_primary_buffer = 1 THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN in_primary_buffer = 0 THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN in_primary_buffer = 1 THEN token_count ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN in_primary_buffer = 0 THEN token_count ELSE 0 END), 0)
FROM messages WHERE conversation_id = ?`, conversationID)
	if err := row.Scan(&out.PrimaryMessages, &out.ArchivedMessages, &out.PrimaryTokens, &out.ArchivedTokens); err != nil {
		return ConversationStats{}, fmt.Errorf("stats messages: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunk_embeddings WHERE conversation_id = ?`, conversationID).Scan(&out.EmbeddedChunks); err != nil {
		return ConversationStats{}, fmt.Errorf("stats embeddings: %w", err)
	}
	return out, nil
}

func uniqueStrings(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func inClause(ids []string) (string, []interface{}) {
	placeholders := strings.TrimRight(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	return placeholders, args
}

func (s *SQLiteStore) EnqueueJob(ctx context.Context, job Job) error {
	now := nowMS()
	if job.ID == "" {
		job.ID = "job-" + uuid.NewString()
	}
	if job.Status == "" {
		job.Status = JobPending
	}
	if job.Priority == 0 {
		job.Priority = 100
	}
	if job.RunAfterMS == 0 {
		job.RunAfterMS = now
	}
	if job.CreatedAtMS == 0 {
		job.CreatedAtMS = now
	}
	if job.UpdatedAtMS == 0 {
		job.UpdatedAtMS = now
	}

	// Re-enqueueing a job that is currently leased leaves it alone.
	_, err := s.db.ExecContext(ctx, `
INSERT INTO memory_jobs(id, job_type, conversation_id, status, priority, payload_json, error, attempts, run_after_ms, lease_until_ms, created_at_ms, updated_at_ms, completed_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	status = excluded.status,
	priority = excluded.priority,
	payload_json = excluded.payload_json,
	error = excluded.error,
	run_after_ms = excluded.run_after_ms,
	lease_until_ms = excluded.lease_until_ms,
	updated_at_ms = excluded.updated_at_ms,
	completed_at_ms = excluded.completed_at_ms
WHERE memory_jobs.status <> 'running'`,
		job.ID,
		job.JobType,
		job.ConversationID,
		job.Status,
		job.Priority,
		encodeMap(job.Payload),
		job.Error,
		job.RunAfterMS,
		job.LeaseUntilMS,
		job.CreatedAtMS,
		job.UpdatedAtMS,
		job.CompletedAtMS,
	)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ClaimNextJob(ctx context.Context, nowMS, leaseForMS int64) (Job, bool, error) {
	if leaseForMS <= 0 {
		leaseForMS = 60_000
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, false, fmt.Errorf("claim next job begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
SELECT id, job_type, conversation_id, status, priority, payload_json, error, attempts, run_after_ms, lease_until_ms, created_at_ms, updated_at_ms, completed_at_ms
FROM memory_jobs
WHERE run_after_ms <= ?
AND (status = ? OR (status = ? AND lease_until_ms <= ?))
ORDER BY priority ASC, created_at_ms ASC
LIMIT 1`, nowMS, JobPending, JobRunning, nowMS)

	var job Job
	var payloadRaw string
	if err := row.Scan(&job.ID, &job.JobType, &job.ConversationID, &job.Status, &job.Priority, &payloadRaw, &job.Error, &job.Attempts, &job.RunAfterMS, &job.LeaseUntilMS, &job.CreatedAtMS, &job.UpdatedAtMS, &job.CompletedAtMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, false, nil
		}
		return Job{}, false, fmt.Errorf("claim next job select: %w", err)
	}

	leaseUntil := nowMS + leaseForMS
	res, err := tx.ExecContext(ctx, `
UPDATE memory_jobs
SET status = ?, lease_until_ms = ?, updated_at_ms = ?, error = '', attempts = attempts + 1
WHERE id = ? AND (status = ? OR (status = ? AND lease_until_ms <= ?))`, JobRunning, leaseUntil, nowMS, job.ID, JobPending, JobRunning, nowMS)
	if err != nil {
		return Job{}, false, fmt.Errorf("claim next job update: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return Job{}, false, nil
	}

	if err := tx.Commit(); err != nil {
		return Job{}, false, fmt.Errorf("claim next job commit: %w", err)
	}

	job.Status = JobRunning
	job.Attempts++
	job.LeaseUntilMS = leaseUntil
	job.UpdatedAtMS = nowMS
	job.Payload = decodeMap(payloadRaw)
	return job, true, nil
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, id string) error {
	now := nowMS()
	_, err := s.db.ExecContext(ctx, `
UPDATE memory_jobs
SET status = ?, completed_at_ms = ?, updated_at_ms = ?, lease_until_ms = 0
WHERE id = ?`, JobCompleted, now, now, id)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FailJob(ctx context.Context, id, errMsg string) error {
	now := nowMS()
	_, err := s.db.ExecContext(ctx, `
UPDATE memory_jobs
SET status = ?, error = ?, updated_at_ms = ?, lease_until_ms = 0
WHERE id = ?`, JobFailed, errMsg, now, id)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RequeueExpiredJobs(ctx context.Context, nowMS int64) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE memory_jobs
SET status = ?, updated_at_ms = ?, error = ''
WHERE status = ? AND lease_until_ms > 0 AND lease_until_ms <= ?`, JobPending, nowMS, JobRunning, nowMS)
	if err != nil {
		return fmt.Errorf("requeue expired jobs: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AddMetric(ctx context.Context, metric string, value float64, labels map[string]string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO memory_metrics(metric, value, labels_json, created_at_ms)
VALUES(?, ?, ?, ?)`, metric, value, encodeMap(labels), nowMS())
	if err != nil {
		return fmt.Errorf("add metric: %w", err)
	}
	return nil
}

// countMetric is used by tests.
func (s *SQLiteStore) countMetric(ctx context.Context, metric string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_metrics WHERE metric = ?`, metric).Scan(&n); err != nil {
		return 0, fmt.Errorf("count metric: %w", err)
	}
	return n, nil
}
