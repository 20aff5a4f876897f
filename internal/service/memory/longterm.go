package memory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"turodesk/internal/models"
)

// AddMemoryInput describes a free-form memory. Zero values take defaults:
// category conversation, importance 0.5.
type AddMemoryInput struct {
	ThreadID        string
	UserID          string
	Content         string
	Category        string
	Kind            string
	Key             string
	Tags            []string
	ImportanceScore *float64
}

// AddMemory embeds and stores one memory document.
func (s *Service) AddMemory(ctx context.Context, in AddMemoryInput) (*models.MemoryDocument, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	if in.UserID == "" {
		return nil, errors.New("user id is required")
	}
	category := in.Category
	if category == "" {
		category = models.CategoryConversation
	}
	importance := defaultImportance
	if in.ImportanceScore != nil {
		importance = *in.ImportanceScore
	}
	tags := in.Tags
	if tags == nil {
		tags = []string{}
	}
	embedding, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return nil, fmt.Errorf("embed memory: %w", err)
	}
	now := s.now()
	doc := &models.MemoryDocument{
		ID:        uuid.NewString(),
		UserID:    in.UserID,
		Content:   content,
		Embedding: embedding,
		Metadata: models.MemoryMetadata{
			ThreadID:        in.ThreadID,
			UserID:          in.UserID,
			Category:        category,
			Kind:            in.Kind,
			Key:             in.Key,
			Tags:            tags,
			ImportanceScore: importance,
			SourceType:      sourceConversation,
			Timestamp:       now.Format(time.RFC3339),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Upsert(ctx, doc); err != nil {
		return nil, fmt.Errorf("store memory: %w", err)
	}
	return doc, nil
}

// Search returns the user's memories most similar to query. topK is clamped
// to 1..20 and defaults to 5.
func (s *Service) Search(ctx context.Context, userID, query string, topK int) ([]models.MemoryDocument, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("query is required")
	}
	embedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	docs, err := s.store.Query(ctx, models.MemoryFilter{UserID: userID}, embedding, clampTopK(topK))
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	return docs, nil
}

// ListUserFacts returns the user's documents, newest first.
func (s *Service) ListUserFacts(ctx context.Context, userID string, limit int) ([]models.MemoryDocument, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.store.Find(ctx, models.MemoryFilter{UserID: userID}, limit)
}

// DeleteUserFactByKey removes standalone fact documents stored under key.
func (s *Service) DeleteUserFactByKey(ctx context.Context, userID, key string) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	canonical, err := CanonicalKey(key)
	if err != nil {
		return 0, err
	}
	return s.store.Delete(ctx, models.MemoryFilter{UserID: userID, Kind: models.KindFact, Key: canonical})
}

// DeleteByCategory removes the user's memories of one category, or all of
// them when category is empty.
func (s *Service) DeleteByCategory(ctx context.Context, userID, category string) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	if userID == "" {
		return 0, errors.New("user id is required")
	}
	return s.store.Delete(ctx, models.MemoryFilter{UserID: userID, Category: category})
}

// UpsertUserFact replaces the standalone fact stored under key.
func (s *Service) UpsertUserFact(ctx context.Context, userID, key, content string, tags []string) (*models.MemoryDocument, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	canonical, err := CanonicalKey(key)
	if err != nil {
		return nil, err
	}
	if _, err := s.DeleteUserFactByKey(ctx, userID, canonical); err != nil {
		return nil, fmt.Errorf("replace fact %s: %w", canonical, err)
	}
	if len(tags) == 0 {
		tags = []string{"user_fact"}
	}
	importance := profileImportance
	return s.AddMemory(ctx, AddMemoryInput{
		ThreadID:        "user:" + userID,
		UserID:          userID,
		Content:         RenderSentence(canonical, content),
		Category:        models.CategoryUserProfile,
		Kind:            models.KindFact,
		Key:             canonical,
		Tags:            tags,
		ImportanceScore: &importance,
	})
}

// Retrieve builds the memory block injected into the system prompt: the
// profile summary followed by memories related to query.
func (s *Service) Retrieve(ctx context.Context, userID, query string) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	summary, err := s.ProfileSummary(ctx, userID)
	if err != nil {
		return "", err
	}
	var related []models.MemoryDocument
	if strings.TrimSpace(query) != "" {
		related, err = s.Search(ctx, userID, query, s.topK)
		if err != nil {
			return "", err
		}
	}

	var b strings.Builder
	if summary != "" {
		b.WriteString("Known facts about the user: ")
		b.WriteString(summary)
	}
	written := 0
	for _, doc := range related {
		if doc.Metadata.Kind == models.KindProfileSummary {
			continue
		}
		if written == 0 {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString("Relevant memories:")
		}
		b.WriteString("\n- ")
		b.WriteString(doc.Content)
		written++
	}
	log.Printf("[memory] retrieved profile=%t related=%d for user %s", summary != "", written, userID)
	return b.String(), nil
}

// RecordExchange stores a user/assistant exchange as a conversation memory.
// Exchanges whose user turn is too short to carry information are skipped.
func (s *Service) RecordExchange(ctx context.Context, userID, sessionID, userText, assistantText string) error {
	if err := s.ready(); err != nil {
		return err
	}
	userText = strings.TrimSpace(userText)
	assistantText = strings.TrimSpace(assistantText)
	if utf8.RuneCountInString(userText) < minExchangeRunes || assistantText == "" {
		return nil
	}
	_, err := s.AddMemory(ctx, AddMemoryInput{
		ThreadID: sessionID,
		UserID:   userID,
		Content:  fmt.Sprintf("User: %s\nAssistant: %s", userText, assistantText),
		Category: models.CategoryConversation,
		Kind:     models.KindExchange,
	})
	return err
}
