package models

import "time"

const (
	CategoryConversation = "conversation"
	CategoryChat         = "chat"
	CategoryUserProfile  = "user_profile"

	KindProfileSummary = "profile_summary"
	KindFact           = "fact"
	KindExchange       = "exchange"
)

// MemoryMetadata is stored alongside each long-term memory document.
type MemoryMetadata struct {
	ThreadID        string            `json:"thread_id,omitempty"`
	UserID          string            `json:"user_id"`
	Category        string            `json:"category"`
	Kind            string            `json:"kind,omitempty"`
	Key             string            `json:"key,omitempty"`
	Tags            []string          `json:"tags,omitempty"`
	ImportanceScore float64           `json:"importance_score"`
	SourceType      string            `json:"source_type,omitempty"`
	Timestamp       string            `json:"timestamp,omitempty"`
	Keys            map[string]string `json:"keys,omitempty"`
}

// MemoryDocument is a long-term memory entry with its embedding.
type MemoryDocument struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Content   string         `json:"content"`
	Embedding []float32      `json:"-"`
	Metadata  MemoryMetadata `json:"metadata"`
	Score     float32        `json:"score,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// MemoryFilter narrows store lookups; empty fields match anything.
type MemoryFilter struct {
	UserID   string
	Category string
	Kind     string
	Key      string
}

// Matches reports whether md satisfies every non-empty field of the filter.
func (f MemoryFilter) Matches(md MemoryMetadata) bool {
	if f.UserID != "" && md.UserID != f.UserID {
		return false
	}
	if f.Category != "" && md.Category != f.Category {
		return false
	}
	if f.Kind != "" && md.Kind != f.Kind {
		return false
	}
	if f.Key != "" && md.Key != f.Key {
		return false
	}
	return true
}
