package memory

import (
	"errors"
	"fmt"
)

var (
	// ErrConversationNotFound is returned when a conversation id or user has no stream.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrNoEmbedder is returned by embedding operations when no provider is configured.
	ErrNoEmbedder = errors.New("no embedding provider configured")
	// ErrChunkNotFound is returned when a chunk id is unknown.
	ErrChunkNotFound = errors.New("chunk not found")
	// ErrChunkOverlap is the cause when a new chunk range intersects an existing one.
	ErrChunkOverlap = errors.New("chunk range overlaps an existing chunk")
	// ErrChunkMembers is the cause when not every member message could be archived.
	ErrChunkMembers = errors.New("chunk member messages not in the expected tier")
)

// StorageError means persistence was unreachable or rejected a write.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// EmbeddingProviderError means vectorization failed; callers degrade instead of failing.
type EmbeddingProviderError struct {
	Model string
	Err   error
}

func (e *EmbeddingProviderError) Error() string {
	if e.Model == "" {
		return fmt.Sprintf("embedding provider: %v", e.Err)
	}
	return fmt.Sprintf("embedding provider %s: %v", e.Model, e.Err)
}

func (e *EmbeddingProviderError) Unwrap() error { return e.Err }

// ChunkIntegrityError describes partial or duplicate chunk state.
type ChunkIntegrityError struct {
	ConversationID string
	ChunkID        string
	Detail         string
	Err            error
}

func (e *ChunkIntegrityError) Error() string {
	if e.ChunkID == "" {
		return fmt.Sprintf("chunk integrity (conversation %s): %s", e.ConversationID, e.Detail)
	}
	return fmt.Sprintf("chunk integrity (conversation %s, chunk %s): %s", e.ConversationID, e.ChunkID, e.Detail)
}

func (e *ChunkIntegrityError) Unwrap() error { return e.Err }

// ValidationError rejects malformed input before any mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func newValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func wrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return err
	}
	var ie *ChunkIntegrityError
	if errors.As(err, &ie) {
		return err
	}
	if errors.Is(err, ErrConversationNotFound) || errors.Is(err, ErrChunkNotFound) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

func IsIntegrity(err error) bool {
	var ie *ChunkIntegrityError
	return errors.As(err, &ie)
}

func IsEmbeddingProvider(err error) bool {
	var pe *EmbeddingProviderError
	return errors.As(err, &pe)
}
