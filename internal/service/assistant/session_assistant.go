package assistant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"turodesk/internal/models"
)

// CreateSession inserts a new session for the user and returns the record.
// A blank title becomes the default one.
func (s *Service) CreateSession(ctx context.Context, userID, title string) (*models.Session, error) {
	if userID == "" {
		return nil, errors.New("user_id is required")
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = models.DefaultSessionTitle
	}
	now := time.Now().UTC()
	session := &models.Session{ID: uuid.NewString(), UserID: userID, Title: title, CreatedAt: now, UpdatedAt: now}
	if _, err := s.db.ExecContext(ctx,
		s.db.Rebind(`INSERT INTO sessions (id, user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`),
		session.ID, session.UserID, session.Title, session.CreatedAt, session.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

// ListSessions returns all sessions for a user ordered by last activity.
func (s *Service) ListSessions(ctx context.Context, userID string) ([]models.Session, error) {
	sessions := []models.Session{}
	if err := s.db.SelectContext(ctx, &sessions,
		s.db.Rebind(`SELECT id, user_id, title, created_at, updated_at FROM sessions WHERE user_id = ? ORDER BY updated_at DESC`),
		userID,
	); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// GetSession returns one session of the user.
func (s *Service) GetSession(ctx context.Context, userID, sessionID string) (*models.Session, error) {
	var session models.Session
	err := s.db.GetContext(ctx, &session,
		s.db.Rebind(`SELECT id, user_id, title, created_at, updated_at FROM sessions WHERE id = ? AND user_id = ?`),
		sessionID, userID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &session, nil
}

// RenameSession sets the title and bumps updated_at. A blank title keeps the
// current one.
func (s *Service) RenameSession(ctx context.Context, userID, sessionID, title string) (*models.Session, error) {
	session, err := s.GetSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if title = strings.TrimSpace(title); title != "" {
		session.Title = title
	}
	session.UpdatedAt = time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE sessions SET title = ?, updated_at = ? WHERE id = ? AND user_id = ?`),
		session.Title, session.UpdatedAt, sessionID, userID,
	); err != nil {
		return nil, fmt.Errorf("update session title: %w", err)
	}
	return session, nil
}

// DeleteSession removes a session with its messages and its history backup.
func (s *Service) DeleteSession(ctx context.Context, userID, sessionID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		tx.Rebind(`DELETE FROM messages WHERE session_id = ? AND user_id = ?`), sessionID, userID,
	); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		tx.Rebind(`DELETE FROM sessions WHERE id = ? AND user_id = ?`), sessionID, userID,
	)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session rows affected: %w", err)
	}
	if affected == 0 {
		return ErrSessionNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete session: %w", err)
	}
	if s.local != nil {
		if err := s.local.RemoveHistory(sessionID); err != nil {
			log.Printf("[assistant] %v", err)
		}
	}
	return nil
}

// GetMessages returns the session history in order. When the database holds
// nothing for the session the local backup file is used instead.
func (s *Service) GetMessages(ctx context.Context, userID, sessionID string) ([]*models.Message, error) {
	if _, err := s.GetSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	var messages []*models.Message
	if err := s.db.SelectContext(ctx, &messages,
		s.db.Rebind(`SELECT id, user_id, session_id, role, content, created_at FROM messages
			WHERE session_id = ? ORDER BY seq ASC, created_at ASC`),
		sessionID,
	); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if len(messages) == 0 && s.local != nil {
		messages = s.local.LoadHistory(sessionID)
		for _, m := range messages {
			m.UserID = userID
		}
	}
	if messages == nil {
		messages = []*models.Message{}
	}
	return messages, nil
}

// AppendExchange appends messages to the session in one transaction, touches
// updated_at, and mirrors them into the history backup file.
func (s *Service) AppendExchange(ctx context.Context, userID, sessionID string, msgs ...*models.Message) ([]*models.Message, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.GetContext(ctx, &exists,
		tx.Rebind(`SELECT EXISTS(SELECT 1 FROM sessions WHERE id = ? AND user_id = ?)`), sessionID, userID,
	); err != nil {
		return nil, fmt.Errorf("verify session: %w", err)
	}
	if !exists {
		return nil, ErrSessionNotFound
	}
	var seq int64
	if err := tx.GetContext(ctx, &seq,
		tx.Rebind(`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE session_id = ?`), sessionID,
	); err != nil {
		return nil, fmt.Errorf("next sequence: %w", err)
	}

	now := time.Now().UTC()
	stored := make([]*models.Message, 0, len(msgs))
	for _, m := range msgs {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		seq++
		msg := &models.Message{
			ID:        uuid.NewString(),
			UserID:    userID,
			SessionID: sessionID,
			Role:      m.Role,
			Content:   content,
			CreatedAt: now,
		}
		if _, err := tx.ExecContext(ctx,
			tx.Rebind(`INSERT INTO messages (id, user_id, session_id, role, content, created_at, seq) VALUES (?, ?, ?, ?, ?, ?, ?)`),
			msg.ID, msg.UserID, msg.SessionID, string(msg.Role), msg.Content, msg.CreatedAt, seq,
		); err != nil {
			return nil, fmt.Errorf("insert message: %w", err)
		}
		stored = append(stored, msg)
	}
	if _, err := tx.ExecContext(ctx,
		tx.Rebind(`UPDATE sessions SET updated_at = ? WHERE id = ?`), now, sessionID,
	); err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit messages: %w", err)
	}
	if s.local != nil {
		if err := s.local.AppendHistory(sessionID, stored...); err != nil {
			log.Printf("[assistant] history backup: %v", err)
		}
	}
	return stored, nil
}
