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
	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/bcrypt"

	"turodesk/internal/localstore"
	"turodesk/internal/models"
)

var (
	ErrSessionNotFound       = errors.New("session not found")
	ErrUserExists            = errors.New("username already taken")
	ErrInvalidCredentials    = errors.New("invalid credentials")
	ErrKeyEncryptionDisabled = errors.New("provider key storage is disabled")
	ErrAPIKeyMissing         = errors.New("api token not configured")
)

// Service handles users, sessions, message history and provider keys.
type Service struct {
	db     *sqlx.DB
	local  *localstore.Store
	cipher *tokenCipher
}

// NewService builds the service. local may be nil, in which case no history
// backup files are written. Provider key storage is enabled only when the
// encryption key env var is set.
func NewService(db *sqlx.DB, local *localstore.Store) (*Service, error) {
	cipher, err := newTokenCipherFromEnv()
	if err != nil {
		if !errors.Is(err, errCipherKeyUnset) {
			return nil, err
		}
		log.Printf("[assistant] %v, per-user provider keys disabled", err)
		cipher = nil
	}
	return &Service{db: db, local: local, cipher: cipher}, nil
}

// RegisterUser creates a user with the supplied credentials.
func (s *Service) RegisterUser(ctx context.Context, username, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)
	if username == "" || password == "" {
		return nil, errors.New("username and password are required")
	}

	var exists bool
	if err := s.db.GetContext(ctx, &exists,
		s.db.Rebind(`SELECT EXISTS(SELECT 1 FROM users WHERE username = ?)`), username,
	); err != nil {
		return nil, fmt.Errorf("check username: %w", err)
	}
	if exists {
		return nil, ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	user := &models.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	if _, err := s.db.ExecContext(ctx,
		s.db.Rebind(`INSERT INTO users (id, username, password_hash, created_at) VALUES (?, ?, ?, ?)`),
		user.ID, user.Username, user.PasswordHash, user.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// Login validates credentials and returns the user profile.
func (s *Service) Login(ctx context.Context, username, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)
	if username == "" || password == "" {
		return nil, errors.New("username and password are required")
	}

	var user models.User
	if err := s.db.GetContext(ctx, &user,
		s.db.Rebind(`SELECT id, username, password_hash, created_at FROM users WHERE username = ?`), username,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	if user.PasswordHash == "" {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &user, nil
}

// EnsureUser creates the passwordless local user if it does not exist yet.
func (s *Service) EnsureUser(ctx context.Context, id, username string) error {
	if id == "" {
		return errors.New("user id is required")
	}
	var exists bool
	if err := s.db.GetContext(ctx, &exists,
		s.db.Rebind(`SELECT EXISTS(SELECT 1 FROM users WHERE id = ?)`), id,
	); err != nil {
		return fmt.Errorf("check user: %w", err)
	}
	if exists {
		return nil
	}
	if username == "" {
		username = "local-" + id
	}
	if _, err := s.db.ExecContext(ctx,
		s.db.Rebind(`INSERT INTO users (id, username, password_hash, created_at) VALUES (?, ?, '', ?)`),
		id, username, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("create local user: %w", err)
	}
	return nil
}

// GetUser loads one user by id.
func (s *Service) GetUser(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	if err := s.db.GetContext(ctx, &user,
		s.db.Rebind(`SELECT id, username, password_hash, created_at FROM users WHERE id = ?`), id,
	); err != nil {
		return nil, err
	}
	return &user, nil
}

// DeleteUser removes a user and cascaded data, then the history backups of
// the user's sessions.
func (s *Service) DeleteUser(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("invalid user id")
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete user: %w", err)
	}
	defer tx.Rollback()

	var sessionIDs []string
	if err := tx.SelectContext(ctx, &sessionIDs,
		tx.Rebind(`SELECT id FROM sessions WHERE user_id = ?`), id,
	); err != nil {
		return fmt.Errorf("list user sessions: %w", err)
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM users WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete user: %w", err)
	}
	if s.local != nil {
		for _, sessionID := range sessionIDs {
			if err := s.local.RemoveHistory(sessionID); err != nil {
				log.Printf("[assistant] %v", err)
			}
		}
	}
	return nil
}

// EnsureAIReady returns the key to call provider with: the user's stored key
// when there is one, otherwise fallback.
func (s *Service) EnsureAIReady(ctx context.Context, userID, provider, fallback string) (string, error) {
	token, err := s.UserToken(ctx, userID, provider)
	if err != nil {
		return "", err
	}
	if token == "" {
		token = fallback
	}
	if token == "" {
		return "", ErrAPIKeyMissing
	}
	return token, nil
}

// UserToken returns the decrypted key stored for the user/provider pair, or
// "" when none is stored or key storage is disabled.
func (s *Service) UserToken(ctx context.Context, userID, provider string) (string, error) {
	if s.cipher == nil {
		return "", nil
	}
	provider = strings.TrimSpace(provider)
	if userID == "" || provider == "" {
		return "", errors.New("user id and provider are required")
	}
	var stored string
	err := s.db.GetContext(ctx, &stored,
		s.db.Rebind(`SELECT encrypted_key FROM api_keys WHERE user_id = ? AND provider = ?`),
		userID, provider,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("lookup api token: %w", err)
	}
	plain, err := s.cipher.Decrypt(stored)
	if err != nil {
		// rows written before encryption was enabled hold the key as is
		return stored, nil
	}
	return plain, nil
}

// SetUserToken stores or replaces the encrypted key for a user/provider pair.
func (s *Service) SetUserToken(ctx context.Context, userID, provider, token string) error {
	if s.cipher == nil {
		return ErrKeyEncryptionDisabled
	}
	provider = strings.TrimSpace(provider)
	token = strings.TrimSpace(token)
	if userID == "" || provider == "" {
		return errors.New("user id and provider are required")
	}
	if token == "" {
		return errors.New("token is required")
	}
	sealed, err := s.cipher.Encrypt(token)
	if err != nil {
		return fmt.Errorf("encrypt token: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		tx.Rebind(`DELETE FROM api_keys WHERE user_id = ? AND provider = ?`), userID, provider,
	); err != nil {
		return fmt.Errorf("replace token: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		tx.Rebind(`INSERT INTO api_keys (user_id, provider, encrypted_key, updated_at) VALUES (?, ?, ?, ?)`),
		userID, provider, sealed, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("store token: %w", err)
	}
	return tx.Commit()
}

// ListUserTokens lists the providers the user stored a key for.
func (s *Service) ListUserTokens(ctx context.Context, userID string) ([]models.ProviderKey, error) {
	keys := []models.ProviderKey{}
	if err := s.db.SelectContext(ctx, &keys,
		s.db.Rebind(`SELECT provider, updated_at FROM api_keys WHERE user_id = ? ORDER BY provider`), userID,
	); err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	return keys, nil
}

// DeleteUserToken removes the stored key for a user/provider pair.
func (s *Service) DeleteUserToken(ctx context.Context, userID, provider string) error {
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return errors.New("provider is required")
	}
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`DELETE FROM api_keys WHERE user_id = ? AND provider = ?`), userID, provider,
	)
	if err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
