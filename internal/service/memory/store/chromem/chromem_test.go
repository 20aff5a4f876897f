package chromem

import (
	"context"
	"errors"
	"testing"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"turodesk/internal/models"
	"turodesk/internal/service/memory"
	"turodesk/internal/service/memory/embedder/mock"
)

func addDoc(t *testing.T, s *Store, id, user, content, category string, updated time.Time) {
	t.Helper()
	emb, _ := mock.New(16).Embed(context.Background(), content)
	err := s.Upsert(context.Background(), &models.MemoryDocument{
		ID:        id,
		UserID:    user,
		Content:   content,
		Embedding: emb,
		Metadata: models.MemoryMetadata{
			UserID:          user,
			Category:        category,
			Tags:            []string{"t"},
			ImportanceScore: 0.5,
		},
		CreatedAt: updated,
		UpdatedAt: updated,
	})
	if err != nil {
		t.Fatalf("upsert %s: %v", id, err)
	}
}

func TestStoreRoundTrip(t *testing.T) {
	s := New(16)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	addDoc(t, s, "a", "u1", "first memory", models.CategoryConversation, base)
	addDoc(t, s, "b", "u1", "second memory", models.CategoryUserProfile, base.Add(time.Minute))
	addDoc(t, s, "a", "u1", "first memory edited", models.CategoryConversation, base.Add(2*time.Minute))

	got, err := s.Get(ctx, "u1", "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Content != "first memory edited" || len(got.Metadata.Tags) != 1 || !got.UpdatedAt.Equal(base.Add(2*time.Minute)) {
		t.Fatalf("unexpected document: %+v", got)
	}
	if _, err := s.Get(ctx, "u1", "missing"); !errors.Is(err, memory.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	docs, err := s.Find(ctx, models.MemoryFilter{UserID: "u1"}, 0)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(docs) != 2 || docs[0].ID != "a" {
		t.Fatalf("expected newest first, got %+v", docs)
	}

	emb, _ := mock.New(16).Embed(ctx, "second memory")
	hits, err := s.Query(ctx, models.MemoryFilter{UserID: "u1", Category: models.CategoryUserProfile}, emb, 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "b" || hits[0].Score < 0.99 {
		t.Fatalf("unexpected hits: %+v", hits)
	}

	n, err := s.Delete(ctx, models.MemoryFilter{UserID: "u1", Category: models.CategoryConversation})
	if err != nil || n != 1 {
		t.Fatalf("delete: n=%d err=%v", n, err)
	}
	docs, _ = s.Find(ctx, models.MemoryFilter{UserID: "u1"}, 0)
	if len(docs) != 1 || docs[0].ID != "b" {
		t.Fatalf("unexpected documents after delete: %+v", docs)
	}
}

func TestQueryEmptyCollection(t *testing.T) {
	s := New(16)
	emb, _ := mock.New(16).Embed(context.Background(), "anything")
	hits, err := s.Query(context.Background(), models.MemoryFilter{UserID: "nobody"}, emb, 5)
	if err != nil || len(hits) != 0 {
		t.Fatalf("expected no hits, got %v %v", hits, err)
	}
	n, err := s.Delete(context.Background(), models.MemoryFilter{UserID: "nobody"})
	if err != nil || n != 0 {
		t.Fatalf("expected nothing deleted, got %d %v", n, err)
	}
}

func TestPersistentStoreReopens(t *testing.T) {
	dir := t.TempDir()
	s, err := NewPersistent(dir, 16)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	addDoc(t, s, "p", "u1", "persisted", models.CategoryConversation, time.Now().UTC())

	reopened, err := NewPersistent(dir, 16)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.Get(context.Background(), "u1", "p")
	if err != nil || got.Content != "persisted" {
		t.Fatalf("document not persisted: %+v %v", got, err)
	}
}

func TestGetReportsDamagedMetadata(t *testing.T) {
	s := New(16)
	ctx := context.Background()
	addDoc(t, s, "good", "u1", "likes tea", models.CategoryConversation, time.Now())

	col, err := s.collection("u1")
	if err != nil {
		t.Fatalf("collection: %v", err)
	}
	emb, _ := mock.New(16).Embed(ctx, "profile")
	if err := col.AddDocument(ctx, chromem.Document{
		ID:        "bad",
		Content:   "The user's name is Arthur.",
		Embedding: emb,
		Metadata:  map[string]string{metaUserID: "u1", metaKeys: `{"name":`},
	}); err != nil {
		t.Fatalf("add raw document: %v", err)
	}

	if _, err := s.Get(ctx, "u1", "bad"); err == nil || errors.Is(err, memory.ErrNotFound) {
		t.Fatalf("expected decode error, got %v", err)
	}
	docs, err := s.Find(ctx, models.MemoryFilter{UserID: "u1"}, 0)
	if err != nil || len(docs) != 2 {
		t.Fatalf("damaged document should stay listed: %d %v", len(docs), err)
	}
	n, err := s.Delete(ctx, models.MemoryFilter{UserID: "u1"})
	if err != nil || n != 2 {
		t.Fatalf("delete: n=%d err=%v", n, err)
	}
}
