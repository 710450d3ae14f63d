package memory

import (
	"fmt"
	"strings"
	"time"
)

// Role is the closed set of message authors.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ParseRole normalizes and validates a role string.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleUser, RoleAssistant, RoleSystem:
		return r, nil
	default:
		return "", newValidationError("role", fmt.Sprintf("unknown role %q", s))
	}
}

// Conversation is the single continuous stream owned by one user.
type Conversation struct {
	ID                string
	UserID            string
	PrimaryBufferSize int
	TotalMessages     int
	TotalChunks       int
	LastMessageAt     time.Time
	CreatedAt         time.Time
}

// Message is one entry of the conversation log. Only the tier fields
// (InPrimaryBuffer, ChunkID) ever change after insertion.
type Message struct {
	ID              string
	ConversationID  string
	Role            Role
	Content         string
	TokenCount      int
	CreatedAt       time.Time
	Sequence        int64
	InPrimaryBuffer bool
	ChunkID         string
	Metadata        map[string]string
}

// MessageInput is the caller-supplied part of a new message.
type MessageInput struct {
	Role       Role
	Content    string
	TokenCount int // 0 means estimate
	Metadata   map[string]string
	CreatedAt  time.Time // zero means now
}

// Chunk is an immutable archived run of messages.
type Chunk struct {
	ID              string
	ConversationID  string
	Content         string
	Summary         string
	TokenCount      int
	MessageCount    int
	StartSequence   int64
	EndSequence     int64
	StartTime       time.Time
	EndTime         time.Time
	CreatedAt       time.Time
	Topics          []string
	ImportanceFlags []string
	ImportanceScore float64
	RetrievalCount  int
	LastRetrievedAt time.Time
	IsCompacted     bool
}

// Embedding is the vector stored for a chunk.
type Embedding struct {
	ChunkID        string
	ConversationID string
	Vector         []float32
	ModelID        string
	UpdatedAt      time.Time
}

// Search methods recorded on a RetrievalResult.
const (
	SearchSemantic = "semantic"
	SearchRecency  = "recency"
	SearchNone     = "none"
)

// ChunkScore is the per-candidate ranking breakdown.
type ChunkScore struct {
	ChunkID       string
	Similarity    float64
	RecencyScore  float64
	Importance    float64
	CombinedScore float64
	TokenCount    int
	Admitted      bool
}

// RetrievalResult is the assembled context for one inference call.
type RetrievalResult struct {
	ConversationID  string
	PrimaryMessages []Message // chronological
	RetrievedChunks []Chunk   // chronological
	PrimaryTokens   int
	ArchiveTokens   int
	TotalTokens     int
	BudgetTokens    int
	Scores          []ChunkScore
	Query           string
	SearchMethod    string
}

// ContextOptions controls GetContext.
type ContextOptions struct {
	Query          string
	BudgetTokens   int
	ExcludePrimary bool
}

// ConversationStats is an aggregate snapshot of one conversation.
type ConversationStats struct {
	ConversationID    string
	UserID            string
	PrimaryBufferSize int
	TotalMessages     int
	PrimaryMessages   int
	ArchivedMessages  int
	TotalChunks       int
	EmbeddedChunks    int
	PrimaryTokens     int
	ArchivedTokens    int
	LastMessageAt     time.Time
	CreatedAt         time.Time
}

// ChunkOutcome reports what an AutoChunk pass did.
type ChunkOutcome struct {
	Created   bool
	Chunk     Chunk
	Reason    string
	Repaired  IntegrityReport
	Remaining int
}

// IntegrityReport lists what Reconcile found and repaired.
type IntegrityReport struct {
	FlagsRepaired     int
	OrphansRecovered  int
	DuplicatesDropped int
	CountersFixed     bool
}

// Clean reports whether nothing needed repair.
func (r IntegrityReport) Clean() bool {
	return r.FlagsRepaired == 0 && r.OrphansRecovered == 0 && r.DuplicatesDropped == 0 && !r.CountersFixed
}

// JobType values for background memory workers.
const (
	JobChunk     = "chunk"
	JobReconcile = "reconcile"
)

// JobStatus values.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Job is a durable background memory task.
type Job struct {
	ID             string
	JobType        string
	ConversationID string
	Status         string
	Priority       int
	Payload        map[string]string
	Error          string
	Attempts       int
	RunAfterMS     int64
	LeaseUntilMS   int64
	CreatedAtMS    int64
	UpdatedAtMS    int64
	CompletedAtMS  int64
}
