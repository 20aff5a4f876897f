package chromem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"turodesk/internal/models"
	"turodesk/internal/service/memory"
)

const (
	metaUserID     = "user_id"
	metaThreadID   = "thread_id"
	metaCategory   = "category"
	metaKind       = "kind"
	metaKey        = "key"
	metaTags       = "tags"
	metaKeys       = "keys"
	metaImportance = "importance_score"
	metaSource     = "source_type"
	metaTimestamp  = "timestamp"
	metaCreatedAt  = "created_at"
	metaUpdatedAt  = "updated_at"
)

// Store keeps memories in chromem-go, one collection per user.
type Store struct {
	db          *chromem.DB
	dims        int
	mu          sync.Mutex
	collections map[string]*chromem.Collection
}

// New creates an in-memory store.
func New(dims int) *Store {
	return &Store{
		db:          chromem.NewDB(),
		dims:        dims,
		collections: make(map[string]*chromem.Collection),
	}
}

// NewPersistent creates a store persisted as gob files under dir.
func NewPersistent(dir string, dims int) (*Store, error) {
	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, fmt.Errorf("open chromem db %s: %w", dir, err)
	}
	return &Store{
		db:          db,
		dims:        dims,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

func (s *Store) collection(userID string) (*chromem.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[userID]; ok {
		return col, nil
	}
	col, err := s.db.GetOrCreateCollection("user_"+userID, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	s.collections[userID] = col
	return col, nil
}

// Upsert adds the document; chromem overwrites an existing id in place.
func (s *Store) Upsert(ctx context.Context, doc *models.MemoryDocument) error {
	if doc == nil || doc.ID == "" {
		return fmt.Errorf("document id is required")
	}
	if len(doc.Embedding) == 0 {
		return fmt.Errorf("document %s has no embedding", doc.ID)
	}
	col, err := s.collection(doc.UserID)
	if err != nil {
		return err
	}
	meta, err := encodeMetadata(doc)
	if err != nil {
		return err
	}
	if err := col.AddDocument(ctx, chromem.Document{
		ID:        doc.ID,
		Metadata:  meta,
		Embedding: doc.Embedding,
		Content:   doc.Content,
	}); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

// Get loads one document by id.
func (s *Store) Get(ctx context.Context, userID, id string) (*models.MemoryDocument, error) {
	col, err := s.collection(userID)
	if err != nil {
		return nil, err
	}
	raw, err := col.GetByID(ctx, id)
	if err != nil {
		return nil, memory.ErrNotFound
	}
	doc, err := decodeDocument(raw.ID, raw.Content, raw.Metadata, 0)
	if err != nil {
		return nil, err
	}
	doc.Embedding = raw.Embedding
	return &doc, nil
}

// Find returns matching documents ordered by last update.
func (s *Store) Find(ctx context.Context, filter models.MemoryFilter, limit int) ([]models.MemoryDocument, error) {
	docs, err := s.all(ctx, filter)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(docs, func(i, j int) bool {
		return docs[i].UpdatedAt.After(docs[j].UpdatedAt)
	})
	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

// Query runs a cosine similarity search inside the user's collection.
func (s *Store) Query(ctx context.Context, filter models.MemoryFilter, embedding []float32, topK int) ([]models.MemoryDocument, error) {
	col, err := s.collection(filter.UserID)
	if err != nil {
		return nil, err
	}
	n := col.Count()
	if n == 0 {
		return nil, nil
	}
	if topK > n {
		topK = n
	}
	where := whereClause(filter)
	var results []chromem.Result
	// chromem rejects nResults above the number of matching documents
	for limit := topK; limit >= 1; limit-- {
		results, err = col.QueryEmbedding(ctx, embedding, limit, where, nil)
		if err == nil {
			break
		}
		if !isInsufficientDocs(err) {
			return nil, fmt.Errorf("chromem query: %w", err)
		}
		if limit == 1 {
			return nil, nil
		}
	}
	docs := make([]models.MemoryDocument, 0, len(results))
	for _, r := range results {
		docs = append(docs, decodeListed(r.ID, r.Content, r.Metadata, r.Similarity))
	}
	return docs, nil
}

// Delete removes every document matching filter.
func (s *Store) Delete(ctx context.Context, filter models.MemoryFilter) (int, error) {
	docs, err := s.all(ctx, filter)
	if err != nil || len(docs) == 0 {
		return 0, err
	}
	col, err := s.collection(filter.UserID)
	if err != nil {
		return 0, err
	}
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return 0, fmt.Errorf("chromem delete: %w", err)
	}
	log.Printf("[chromem] deleted %d memories for user %s", len(ids), filter.UserID)
	return len(ids), nil
}

// all lists every document of the user that matches filter. chromem has no
// scan API, so this queries the whole collection with a neutral vector.
func (s *Store) all(ctx context.Context, filter models.MemoryFilter) ([]models.MemoryDocument, error) {
	col, err := s.collection(filter.UserID)
	if err != nil {
		return nil, err
	}
	n := col.Count()
	if n == 0 {
		return nil, nil
	}
	results, err := col.QueryEmbedding(ctx, s.neutralVector(), n, map[string]string{metaUserID: filter.UserID}, nil)
	if err != nil {
		if isInsufficientDocs(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("chromem scan: %w", err)
	}
	docs := make([]models.MemoryDocument, 0, len(results))
	for _, r := range results {
		doc := decodeListed(r.ID, r.Content, r.Metadata, 0)
		if filter.Matches(doc.Metadata) {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

func (s *Store) neutralVector() []float32 {
	dims := s.dims
	if dims <= 0 {
		dims = 1
	}
	v := make([]float32, dims)
	val := float32(1 / math.Sqrt(float64(dims)))
	for i := range v {
		v[i] = val
	}
	return v
}

func whereClause(filter models.MemoryFilter) map[string]string {
	where := map[string]string{metaUserID: filter.UserID}
	if filter.Category != "" {
		where[metaCategory] = filter.Category
	}
	if filter.Kind != "" {
		where[metaKind] = filter.Kind
	}
	if filter.Key != "" {
		where[metaKey] = filter.Key
	}
	return where
}

func isInsufficientDocs(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") || strings.Contains(msg, "number of documents")
}

func encodeMetadata(doc *models.MemoryDocument) (map[string]string, error) {
	md := doc.Metadata
	meta := map[string]string{
		metaUserID:     doc.UserID,
		metaThreadID:   md.ThreadID,
		metaCategory:   md.Category,
		metaKind:       md.Kind,
		metaKey:        md.Key,
		metaImportance: strconv.FormatFloat(md.ImportanceScore, 'f', -1, 64),
		metaSource:     md.SourceType,
		metaTimestamp:  md.Timestamp,
		metaCreatedAt:  doc.CreatedAt.UTC().Format(time.RFC3339Nano),
		metaUpdatedAt:  doc.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if len(md.Tags) > 0 {
		raw, err := json.Marshal(md.Tags)
		if err != nil {
			return nil, fmt.Errorf("encode tags: %w", err)
		}
		meta[metaTags] = string(raw)
	}
	if len(md.Keys) > 0 {
		raw, err := json.Marshal(md.Keys)
		if err != nil {
			return nil, fmt.Errorf("encode profile keys: %w", err)
		}
		meta[metaKeys] = string(raw)
	}
	return meta, nil
}

// decodeListed keeps documents with damaged metadata in listings so they can
// still be found and deleted.
func decodeListed(id, content string, meta map[string]string, score float32) models.MemoryDocument {
	doc, err := decodeDocument(id, content, meta, score)
	if err != nil {
		log.Printf("[memory] %v", err)
	}
	return doc
}

func decodeDocument(id, content string, meta map[string]string, score float32) (models.MemoryDocument, error) {
	doc := models.MemoryDocument{
		ID:      id,
		UserID:  meta[metaUserID],
		Content: content,
		Score:   score,
		Metadata: models.MemoryMetadata{
			ThreadID:   meta[metaThreadID],
			UserID:     meta[metaUserID],
			Category:   meta[metaCategory],
			Kind:       meta[metaKind],
			Key:        meta[metaKey],
			SourceType: meta[metaSource],
			Timestamp:  meta[metaTimestamp],
		},
	}
	var errs []error
	if raw := meta[metaImportance]; raw != "" {
		score, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("importance score: %w", err))
		}
		doc.Metadata.ImportanceScore = score
	}
	if raw := meta[metaTags]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &doc.Metadata.Tags); err != nil {
			errs = append(errs, fmt.Errorf("tags: %w", err))
		}
	}
	if raw := meta[metaKeys]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &doc.Metadata.Keys); err != nil {
			errs = append(errs, fmt.Errorf("profile keys: %w", err))
		}
	}
	for _, ts := range []struct {
		name string
		dst  *time.Time
	}{{metaCreatedAt, &doc.CreatedAt}, {metaUpdatedAt, &doc.UpdatedAt}} {
		raw := meta[ts.name]
		if raw == "" {
			continue
		}
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ts.name, err))
			continue
		}
		*ts.dst = parsed
	}
	if err := errors.Join(errs...); err != nil {
		return doc, fmt.Errorf("decode memory %s: %w", id, err)
	}
	return doc, nil
}
