package localstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"turodesk/internal/models"
)

const (
	appDir        = "turodesk"
	identityFile  = "user.json"
	historyDir    = "history"
	fallbackLocal = "local_user"
)

// Store keeps the desktop-only files: the local identity and per-session
// history backups. Everything lives under <dataDir>/turodesk.
type Store struct {
	base string
	mu   sync.Mutex
}

// New creates the directory tree under dataDir.
func New(dataDir string) (*Store, error) {
	base := filepath.Join(dataDir, appDir)
	if err := os.MkdirAll(filepath.Join(base, historyDir), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Store{base: base}, nil
}

type identity struct {
	UserID string `json:"userId"`
}

// UserID returns the stable local user id, generating and persisting one on
// first use. A corrupt identity file yields "local_user".
func (s *Store) UserID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.base, identityFile)
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		var id identity
		if err := json.Unmarshal(raw, &id); err != nil || id.UserID == "" {
			log.Printf("[localstore] unreadable %s, using %s", path, fallbackLocal)
			return fallbackLocal, nil
		}
		return id.UserID, nil
	case errors.Is(err, os.ErrNotExist):
	default:
		return "", fmt.Errorf("read identity: %w", err)
	}

	id := identity{UserID: uuid.NewString()}
	if err := writeJSON(path, id); err != nil {
		return "", fmt.Errorf("write identity: %w", err)
	}
	return id.UserID, nil
}

type historyEntry struct {
	Role      models.Role `json:"role"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"createdAt"`
}

func (s *Store) historyPath(sessionID string) string {
	return filepath.Join(s.base, historyDir, filepath.Base(sessionID)+".json")
}

// LoadHistory returns the backup history of a session. Missing or unreadable
// files yield an empty history.
func (s *Store) LoadHistory(sessionID string) []*models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return toMessages(sessionID, s.readHistory(sessionID))
}

// AppendHistory appends messages to the session backup file.
func (s *Store) AppendHistory(sessionID string, msgs ...*models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.readHistory(sessionID)
	for _, m := range msgs {
		created := m.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		entries = append(entries, historyEntry{Role: m.Role, Content: m.Content, CreatedAt: created})
	}
	if err := writeJSON(s.historyPath(sessionID), entries); err != nil {
		return fmt.Errorf("write history %s: %w", sessionID, err)
	}
	return nil
}

// RemoveHistory deletes the session backup file.
func (s *Store) RemoveHistory(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.historyPath(sessionID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove history %s: %w", sessionID, err)
	}
	return nil
}

func (s *Store) readHistory(sessionID string) []historyEntry {
	raw, err := os.ReadFile(s.historyPath(sessionID))
	if err != nil {
		return nil
	}
	var entries []historyEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		log.Printf("[localstore] ignoring corrupt history for %s: %v", sessionID, err)
		return nil
	}
	return entries
}

func toMessages(sessionID string, entries []historyEntry) []*models.Message {
	msgs := make([]*models.Message, 0, len(entries))
	for _, e := range entries {
		msgs = append(msgs, &models.Message{
			SessionID: sessionID,
			Role:      models.ParseRole(string(e.Role)),
			Content:   e.Content,
			CreatedAt: e.CreatedAt,
		})
	}
	return msgs
}

// writeJSON replaces path atomically with the indented encoding of v.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
