package memory

import (
	"context"
	"errors"
	"time"

	"turodesk/internal/models"
)

var (
	// ErrMemoryDisabled is returned by every operation on a nil Service.
	ErrMemoryDisabled = errors.New("memory is disabled")
	// ErrInvalidKey is returned when a fact key canonicalizes to nothing.
	ErrInvalidKey = errors.New("invalid fact key")
	// ErrEmptyContent is returned when a memory or fact has no text.
	ErrEmptyContent = errors.New("memory content is required")
	// ErrNotFound is returned by stores when a document id is unknown.
	ErrNotFound = errors.New("memory not found")
)

const (
	defaultTopK        = 5
	maxTopK            = 20
	defaultListLimit   = 50
	defaultImportance  = 0.5
	profileImportance  = 0.8
	minExchangeRunes   = 12
	sourceConversation = "conversation"
)

// Store is the vector storage backend. Implementations live under store/.
type Store interface {
	// Upsert inserts or replaces the document with the same ID.
	Upsert(ctx context.Context, doc *models.MemoryDocument) error
	// Get returns ErrNotFound when the user has no document with that id.
	Get(ctx context.Context, userID, id string) (*models.MemoryDocument, error)
	// Find lists documents matching the filter, most recently updated first.
	Find(ctx context.Context, filter models.MemoryFilter, limit int) ([]models.MemoryDocument, error)
	// Query returns the documents closest to embedding, most similar first.
	Query(ctx context.Context, filter models.MemoryFilter, embedding []float32, topK int) ([]models.MemoryDocument, error)
	// Delete removes matching documents and reports how many were removed.
	Delete(ctx context.Context, filter models.MemoryFilter) (int, error)
}

// Embedder converts text to vector embeddings.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Service is the long-term memory of the assistant: a single profile summary
// per user plus free-form memories searchable by similarity.
type Service struct {
	store    Store
	embedder Embedder
	topK     int
	now      func() time.Time
}

// NewService wires a store and an embedder. topK is the number of related
// memories injected into prompts by Retrieve.
func NewService(store Store, embedder Embedder, topK int) *Service {
	if topK <= 0 {
		topK = defaultTopK
	}
	if topK > maxTopK {
		topK = maxTopK
	}
	return &Service{
		store:    store,
		embedder: embedder,
		topK:     topK,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Enabled reports whether the service can be used.
func (s *Service) Enabled() bool {
	return s != nil && s.store != nil && s.embedder != nil
}

func (s *Service) ready() error {
	if !s.Enabled() {
		return ErrMemoryDisabled
	}
	return nil
}

func clampTopK(topK int) int {
	if topK <= 0 {
		return defaultTopK
	}
	if topK > maxTopK {
		return maxTopK
	}
	return topK
}
