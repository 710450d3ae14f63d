package memory

import (
	"context"
	"regexp"
	"strings"
	"time"
)

// ConversationStream is the append-only message log for each user.
type ConversationStream struct {
	store             Store
	tokens            TokenEstimator
	primaryBufferSize int
}

func NewConversationStream(store Store, tokens TokenEstimator, primaryBufferSize int) *ConversationStream {
	if tokens == nil {
		tokens = RuneTokenEstimator{}
	}
	if primaryBufferSize <= 0 {
		primaryBufferSize = DefaultPrimaryBufferSize
	}
	return &ConversationStream{store: store, tokens: tokens, primaryBufferSize: primaryBufferSize}
}

func (cs *ConversationStream) GetOrCreate(ctx context.Context, userID string) (Conversation, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Conversation{}, newValidationError("user_id", "must not be empty")
	}
	conv, err := cs.store.GetOrCreateConversation(ctx, userID, cs.primaryBufferSize)
	if err != nil {
		return Conversation{}, wrapStorage("get or create conversation", err)
	}
	return conv, nil
}

// Append validates in and stores it as the next primary message.
func (cs *ConversationStream) Append(ctx context.Context, conversationID string, in MessageInput) (Message, error) {
	role, err := ParseRole(string(in.Role))
	if err != nil {
		return Message{}, err
	}
	if strings.TrimSpace(in.Content) == "" {
		return Message{}, newValidationError("content", "must not be empty")
	}
	if in.TokenCount < 0 {
		return Message{}, newValidationError("token_count", "must not be negative")
	}
	tokens := in.TokenCount
	if tokens == 0 {
		tokens = cs.tokens.EstimateTokens(in.Content)
	}
	meta := map[string]string{}
	for k, v := range in.Metadata {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		meta[k] = v
	}

	msg, err := cs.store.AppendMessage(ctx, conversationID, Message{
		Role:       role,
		Content:    in.Content,
		TokenCount: tokens,
		CreatedAt:  in.CreatedAt,
		Metadata:   meta,
	})
	if err != nil {
		return Message{}, wrapStorage("append message", err)
	}
	return msg, nil
}

// ReadPrimaryBuffer returns up to the buffer size of the newest primary
// messages, newest first.
func (cs *ConversationStream) ReadPrimaryBuffer(ctx context.Context, conv Conversation, limit int) ([]Message, error) {
	size := conv.PrimaryBufferSize
	if size <= 0 {
		size = cs.primaryBufferSize
	}
	if limit <= 0 || limit > size {
		limit = size
	}
	msgs, err := cs.store.ListPrimaryMessages(ctx, conv.ID, limit, false)
	if err != nil {
		return nil, wrapStorage("read primary buffer", err)
	}
	return msgs, nil
}

// NeedsChunking reports whether the primary count exceeds threshold, or
// twice the buffer size when threshold is not positive.
func (cs *ConversationStream) NeedsChunking(ctx context.Context, conv Conversation, threshold int) (bool, error) {
	if threshold <= 0 {
		size := conv.PrimaryBufferSize
		if size <= 0 {
			size = cs.primaryBufferSize
		}
		threshold = 2 * size
	}
	n, err := cs.store.CountPrimaryMessages(ctx, conv.ID)
	if err != nil {
		return false, wrapStorage("count primary messages", err)
	}
	return n > threshold, nil
}

func (cs *ConversationStream) OldestPrimaryMessages(ctx context.Context, conversationID string, count int) ([]Message, error) {
	if count <= 0 {
		return nil, nil
	}
	msgs, err := cs.store.ListPrimaryMessages(ctx, conversationID, count, true)
	if err != nil {
		return nil, wrapStorage("oldest primary messages", err)
	}
	return msgs, nil
}

var searchTokenPattern = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// TextSearch is a keyword match over both tiers, newest first.
func (cs *ConversationStream) TextSearch(ctx context.Context, conversationID, query string, limit int) ([]Message, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, newValidationError("query", "must not be empty")
	}
	msgs, err := cs.store.SearchMessages(ctx, conversationID, buildFTSQuery(query), query, limit)
	if err != nil {
		return nil, wrapStorage("text search", err)
	}
	return msgs, nil
}

func buildFTSQuery(query string) string {
	tokens := searchTokenPattern.FindAllString(strings.ToLower(query), -1)
	if len(tokens) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		quoted = append(quoted, `"`+tok+`"`)
	}
	return strings.Join(quoted, " OR ")
}

func (cs *ConversationStream) Stats(ctx context.Context, conversationID string) (ConversationStats, error) {
	stats, err := cs.store.Stats(ctx, conversationID)
	if err != nil {
		return ConversationStats{}, wrapStorage("stats", err)
	}
	return stats, nil
}

func messageTimestamp(m Message) string {
	return m.CreatedAt.UTC().Format(time.RFC3339)
}
