package pgvector

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	pgv "github.com/pgvector/pgvector-go"

	"turodesk/internal/models"
	"turodesk/internal/service/memory"
)

// Store keeps memories in a postgres table with a pgvector column.
type Store struct {
	db    *sqlx.DB
	table string
}

// New returns a store over an already migrated table.
func New(db *sqlx.DB, table string) *Store {
	return &Store{db: db, table: table}
}

type row struct {
	ID        string    `db:"id"`
	UserID    string    `db:"user_id"`
	Content   string    `db:"content"`
	Embedding *pgv.Vector `db:"embedding"`
	Metadata  []byte      `db:"metadata"`
	Score     float64     `db:"score"`
	CreatedAt time.Time   `db:"created_at"`
	UpdatedAt time.Time   `db:"updated_at"`
}

func (r row) document() (models.MemoryDocument, error) {
	doc := models.MemoryDocument{
		ID:        r.ID,
		UserID:    r.UserID,
		Content:   r.Content,
		Score:     float32(r.Score),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.Embedding != nil {
		doc.Embedding = r.Embedding.Slice()
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &doc.Metadata); err != nil {
			return doc, fmt.Errorf("decode memory %s metadata: %w", r.ID, err)
		}
	}
	return doc, nil
}

// Upsert inserts the document or overwrites the row with the same id.
func (s *Store) Upsert(ctx context.Context, doc *models.MemoryDocument) error {
	if doc == nil || doc.ID == "" {
		return errors.New("document id is required")
	}
	meta, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, user_id, content, embedding, metadata, importance_score, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding,
			metadata = EXCLUDED.metadata,
			importance_score = EXCLUDED.importance_score,
			updated_at = EXCLUDED.updated_at`, s.table)
	if _, err := s.db.ExecContext(ctx, query,
		doc.ID, doc.UserID, doc.Content, pgv.NewVector(doc.Embedding), string(meta),
		doc.Metadata.ImportanceScore, doc.CreatedAt, doc.UpdatedAt,
	); err != nil {
		return fmt.Errorf("upsert memory: %w", err)
	}
	return nil
}

// Get loads one document of the user.
func (s *Store) Get(ctx context.Context, userID, id string) (*models.MemoryDocument, error) {
	var r row
	query := fmt.Sprintf(`SELECT id, user_id, content, embedding, metadata, 0 AS score, created_at, updated_at
		FROM %s WHERE id = $1 AND user_id = $2`, s.table)
	if err := s.db.GetContext(ctx, &r, query, id, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, memory.ErrNotFound
		}
		return nil, fmt.Errorf("get memory: %w", err)
	}
	doc, err := r.document()
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// Find lists matching documents, newest first.
func (s *Store) Find(ctx context.Context, filter models.MemoryFilter, limit int) ([]models.MemoryDocument, error) {
	where, args := whereClause(filter, 1)
	query := fmt.Sprintf(`SELECT id, user_id, content, metadata, 0 AS score, created_at, updated_at
		FROM %s WHERE %s ORDER BY updated_at DESC`, s.table, where)
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	return documents(rows), nil
}

// Query orders the user's documents by cosine distance to embedding and
// bumps their access counters.
func (s *Store) Query(ctx context.Context, filter models.MemoryFilter, embedding []float32, topK int) ([]models.MemoryDocument, error) {
	where, args := whereClause(filter, 2)
	args = append([]any{pgv.NewVector(embedding)}, args...)
	args = append(args, topK)
	query := fmt.Sprintf(`SELECT id, user_id, content, metadata, 1 - (embedding <=> $1) AS score, created_at, updated_at
		FROM %s WHERE %s ORDER BY embedding <=> $1 LIMIT $%d`, s.table, where, len(args))
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}
	if len(rows) > 0 {
		ids := make([]string, 0, len(rows))
		for _, r := range rows {
			ids = append(ids, r.ID)
		}
		touch, targs, err := sqlx.In(fmt.Sprintf(
			`UPDATE %s SET access_count = access_count + 1, last_accessed = NOW() WHERE id IN (?)`, s.table), ids)
		if err == nil {
			_, err = s.db.ExecContext(ctx, s.db.Rebind(touch), targs...)
		}
		if err != nil {
			return nil, fmt.Errorf("touch memories: %w", err)
		}
	}
	return documents(rows), nil
}

// Delete removes matching documents.
func (s *Store) Delete(ctx context.Context, filter models.MemoryFilter) (int, error) {
	where, args := whereClause(filter, 1)
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s`, s.table, where), args...)
	if err != nil {
		return 0, fmt.Errorf("delete memories: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// whereClause renders filter as SQL with placeholders numbered from first.
func whereClause(filter models.MemoryFilter, first int) (string, []any) {
	conds := []string{fmt.Sprintf("user_id = $%d", first)}
	args := []any{filter.UserID}
	add := func(field, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		conds = append(conds, fmt.Sprintf("metadata->>'%s' = $%d", field, first+len(args)-1))
	}
	add("category", filter.Category)
	add("kind", filter.Kind)
	add("key", filter.Key)
	return strings.Join(conds, " AND "), args
}

// documents keeps rows with damaged metadata so they can still be found and
// deleted.
func documents(rows []row) []models.MemoryDocument {
	docs := make([]models.MemoryDocument, 0, len(rows))
	for _, r := range rows {
		doc, err := r.document()
		if err != nil {
			log.Printf("[memory] %v", err)
		}
		docs = append(docs, doc)
	}
	return docs
}
