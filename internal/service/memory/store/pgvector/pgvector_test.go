package pgvector

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	pgv "github.com/pgvector/pgvector-go"

	"turodesk/internal/models"
	"turodesk/internal/service/memory/embedder/mock"
	"turodesk/internal/storage"
)

func TestRowDocument(t *testing.T) {
	vec := pgv.NewVector([]float32{0.5, -1, 0.25})
	r := row{
		ID:        "m1",
		UserID:    "u1",
		Content:   "likes tea",
		Embedding: &vec,
		Metadata:  []byte(`{"category":"conversation","keys":{"name":"The user's name is Arthur."}}`),
		Score:     0.75,
	}
	doc, err := r.document()
	if err != nil {
		t.Fatalf("document: %v", err)
	}
	if len(doc.Embedding) != 3 || doc.Embedding[1] != -1 || doc.Score != 0.75 {
		t.Fatalf("unexpected document %+v", doc)
	}
	if doc.Metadata.Category != models.CategoryConversation || doc.Metadata.Keys["name"] == "" {
		t.Fatalf("metadata not decoded: %+v", doc.Metadata)
	}

	r.Metadata = []byte(`{"keys":`)
	if _, err := r.document(); err == nil {
		t.Fatalf("expected damaged metadata to be reported")
	}
	if docs := documents([]row{r}); len(docs) != 1 || docs[0].ID != "m1" {
		t.Fatalf("damaged row should stay listed: %+v", docs)
	}
}

func TestWhereClauseNumbersPlaceholders(t *testing.T) {
	where, args := whereClause(models.MemoryFilter{UserID: "u1", Category: "chat", Key: "name"}, 2)
	want := "user_id = $2 AND metadata->>'category' = $3 AND metadata->>'key' = $4"
	if where != want {
		t.Fatalf("where mismatch:\n got %s\nwant %s", where, want)
	}
	if len(args) != 3 || args[0] != "u1" || args[2] != "name" {
		t.Fatalf("unexpected args %v", args)
	}
}

func TestStoreAgainstPostgres(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URI")
	if dsn == "" {
		t.Skip("set TEST_DATABASE_URI to run pgvector tests")
	}
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	table := "test_memories_" + strings.ReplaceAll(uuid.NewString()[:8], "-", "")
	if err := storage.MigrateVectorStore(db, table, 8); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	defer db.Exec("DROP TABLE IF EXISTS " + table)

	ctx := context.Background()
	s := New(db, table)
	emb := mock.New(8)
	now := time.Now().UTC()
	var firstID string
	var firstVec []float32
	for i, content := range []string{"likes green tea", "works remotely"} {
		vec, _ := emb.Embed(ctx, content)
		doc := &models.MemoryDocument{
			ID:        uuid.NewString(),
			UserID:    "u1",
			Content:   content,
			Embedding: vec,
			Metadata:  models.MemoryMetadata{UserID: "u1", Category: models.CategoryConversation, ImportanceScore: 0.5},
			CreatedAt: now,
			UpdatedAt: now.Add(time.Duration(i) * time.Second),
		}
		if err := s.Upsert(ctx, doc); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		if i == 0 {
			firstID, firstVec = doc.ID, vec
		}
	}
	got, err := s.Get(ctx, "u1", firstID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Embedding) != len(firstVec) || got.Embedding[0] != firstVec[0] {
		t.Fatalf("embedding not read back: %v", got.Embedding)
	}
	query, _ := emb.Embed(ctx, "works remotely")
	hits, err := s.Query(ctx, models.MemoryFilter{UserID: "u1"}, query, 1)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(hits) != 1 || hits[0].Content != "works remotely" {
		t.Fatalf("unexpected hits %+v", hits)
	}
	n, err := s.Delete(ctx, models.MemoryFilter{UserID: "u1", Category: models.CategoryConversation})
	if err != nil || n != 2 {
		t.Fatalf("delete: n=%d err=%v", n, err)
	}
}
