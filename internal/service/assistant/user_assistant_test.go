package assistant

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"turodesk/internal/config"
	"turodesk/internal/localstore"
	"turodesk/internal/models"
	"turodesk/internal/storage"
)

func TestRegisterAndLogin(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := newTestService(t, db, nil)
	ctx := context.Background()

	user, err := svc.RegisterUser(ctx, "alice", "s3cret")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if user.PasswordHash == "s3cret" || !strings.HasPrefix(user.PasswordHash, "$2") {
		t.Fatalf("password not hashed with bcrypt: %q", user.PasswordHash)
	}
	if _, err := svc.RegisterUser(ctx, "alice", "other"); !errors.Is(err, ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
	got, err := svc.Login(ctx, "alice", "s3cret")
	if err != nil || got.ID != user.ID {
		t.Fatalf("login: %+v %v", got, err)
	}
	if _, err := svc.Login(ctx, "alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.Login(ctx, "nobody", "x"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
}

func TestEnsureUserIsIdempotentAndCannotLogin(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := newTestService(t, db, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := svc.EnsureUser(ctx, "local-id", "desktop"); err != nil {
			t.Fatalf("ensure user: %v", err)
		}
	}
	if _, err := svc.Login(ctx, "desktop", "anything"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("passwordless user must not log in, got %v", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	local, err := localstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("localstore: %v", err)
	}
	svc := newTestService(t, db, local)
	ctx := context.Background()
	userID := insertTestUser(t, db, "bob")

	first, err := svc.CreateSession(ctx, userID, "  ")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if first.Title != models.DefaultSessionTitle {
		t.Fatalf("expected default title, got %q", first.Title)
	}
	second, err := svc.CreateSession(ctx, userID, "Trip planning")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	stored, err := svc.AppendExchange(ctx, userID, first.ID,
		&models.Message{Role: models.RoleUser, Content: "hello"},
		&models.Message{Role: models.RoleAssistant, Content: "hi!"},
	)
	if err != nil || len(stored) != 2 {
		t.Fatalf("append exchange: %v (%d stored)", err, len(stored))
	}

	sessions, err := svc.ListSessions(ctx, userID)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 2 || sessions[0].ID != first.ID || sessions[1].ID != second.ID {
		t.Fatalf("expected most recently active first, got %+v", sessions)
	}

	msgs, err := svc.GetMessages(ctx, userID, first.ID)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != models.RoleUser || msgs[1].Content != "hi!" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
	if backup := local.LoadHistory(first.ID); len(backup) != 2 {
		t.Fatalf("expected history backup, got %d entries", len(backup))
	}

	renamed, err := svc.RenameSession(ctx, userID, second.ID, "")
	if err != nil || renamed.Title != "Trip planning" {
		t.Fatalf("blank rename should keep title: %+v %v", renamed, err)
	}
	renamed, err = svc.RenameSession(ctx, userID, second.ID, "Lisbon trip")
	if err != nil || renamed.Title != "Lisbon trip" {
		t.Fatalf("rename: %+v %v", renamed, err)
	}

	if _, err := svc.GetSession(ctx, "someone-else", first.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for foreign user, got %v", err)
	}

	if err := svc.DeleteSession(ctx, userID, first.ID); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, err := svc.GetMessages(ctx, userID, first.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after delete, got %v", err)
	}
	if backup := local.LoadHistory(first.ID); len(backup) != 0 {
		t.Fatalf("history backup survived delete")
	}
	var count int
	if err := db.Get(&count, `SELECT COUNT(*) FROM messages WHERE session_id = ?`, first.ID); err != nil || count != 0 {
		t.Fatalf("messages survived delete: %d %v", count, err)
	}
	if err := svc.DeleteSession(ctx, userID, first.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound on second delete, got %v", err)
	}
}

func TestDeleteUserRemovesSessionsAndHistory(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	local, err := localstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("localstore: %v", err)
	}
	svc := newTestService(t, db, local)
	ctx := context.Background()
	userID := insertTestUser(t, db, "dave")
	otherID := insertTestUser(t, db, "erin")

	var sessionIDs []string
	for _, owner := range []string{userID, userID, otherID} {
		session, err := svc.CreateSession(ctx, owner, "")
		if err != nil {
			t.Fatalf("create session: %v", err)
		}
		if _, err := svc.AppendExchange(ctx, owner, session.ID,
			&models.Message{Role: models.RoleUser, Content: "hello"},
			&models.Message{Role: models.RoleAssistant, Content: "hi"},
		); err != nil {
			t.Fatalf("append exchange: %v", err)
		}
		sessionIDs = append(sessionIDs, session.ID)
	}

	if err := svc.DeleteUser(ctx, userID); err != nil {
		t.Fatalf("delete user: %v", err)
	}
	var count int
	if err := db.Get(&count, `SELECT COUNT(*) FROM sessions WHERE user_id = ?`, userID); err != nil || count != 0 {
		t.Fatalf("sessions survived user delete: %d %v", count, err)
	}
	for _, id := range sessionIDs[:2] {
		if backup := local.LoadHistory(id); len(backup) != 0 {
			t.Fatalf("history backup of session %s survived user delete", id)
		}
	}
	if backup := local.LoadHistory(sessionIDs[2]); len(backup) != 2 {
		t.Fatalf("other user's history backup was touched: %d entries", len(backup))
	}
	if err := svc.DeleteUser(ctx, userID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows on second delete, got %v", err)
	}
}

func TestGetMessagesFallsBackToHistoryFile(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	local, _ := localstore.New(t.TempDir())
	svc := newTestService(t, db, local)
	ctx := context.Background()
	userID := insertTestUser(t, db, "carol")
	session, err := svc.CreateSession(ctx, userID, "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := local.AppendHistory(session.ID, &models.Message{Role: models.RoleUser, Content: "from backup"}); err != nil {
		t.Fatalf("append history: %v", err)
	}
	msgs, err := svc.GetMessages(ctx, userID, session.ID)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "from backup" || msgs[0].UserID != userID {
		t.Fatalf("unexpected fallback messages: %+v", msgs)
	}
}

func TestSetUserTokenEncryptsData(t *testing.T) {
	t.Setenv(apiTokenKeyEnv, strings.Repeat("a", 32))
	db := openTestDB(t)
	defer db.Close()
	svc := newTestService(t, db, nil)
	userID := insertTestUser(t, db, "alice")

	if err := svc.SetUserToken(context.Background(), userID, "openai", "secret-token"); err != nil {
		t.Fatalf("set token: %v", err)
	}
	var stored string
	if err := db.Get(&stored, `SELECT encrypted_key FROM api_keys WHERE user_id = ? AND provider = ?`, userID, "openai"); err != nil {
		t.Fatalf("query stored token: %v", err)
	}
	if stored == "secret-token" {
		t.Fatalf("token stored in plaintext")
	}
	got, err := svc.UserToken(context.Background(), userID, "openai")
	if err != nil || got != "secret-token" {
		t.Fatalf("expected decrypted token, got %q %v", got, err)
	}
	key, err := svc.EnsureAIReady(context.Background(), userID, "openai", "config-key")
	if err != nil || key != "secret-token" {
		t.Fatalf("stored key should win over config key, got %q %v", key, err)
	}
}

func TestUserTokenAllowsLegacyPlaintext(t *testing.T) {
	t.Setenv(apiTokenKeyEnv, strings.Repeat("b", 32))
	db := openTestDB(t)
	defer db.Close()
	svc := newTestService(t, db, nil)
	userID := insertTestUser(t, db, "bob")
	if _, err := db.Exec(`INSERT INTO api_keys (user_id, provider, encrypted_key, updated_at) VALUES (?, ?, ?, ?)`,
		userID, "openai", "legacy-token", time.Now()); err != nil {
		t.Fatalf("insert legacy token: %v", err)
	}
	got, err := svc.UserToken(context.Background(), userID, "openai")
	if err != nil || got != "legacy-token" {
		t.Fatalf("expected legacy token, got %q %v", got, err)
	}
}

func TestListAndDeleteUserTokens(t *testing.T) {
	t.Setenv(apiTokenKeyEnv, strings.Repeat("c", 32))
	db := openTestDB(t)
	defer db.Close()
	svc := newTestService(t, db, nil)
	userID := insertTestUser(t, db, "carol")
	ctx := context.Background()

	if err := svc.SetUserToken(ctx, userID, "openai", "token-1"); err != nil {
		t.Fatalf("set token openai: %v", err)
	}
	if err := svc.SetUserToken(ctx, userID, "gemini", "token-2"); err != nil {
		t.Fatalf("set token gemini: %v", err)
	}
	if err := svc.SetUserToken(ctx, userID, "gemini", "token-3"); err != nil {
		t.Fatalf("replace token gemini: %v", err)
	}

	tokens, err := svc.ListUserTokens(ctx, userID)
	if err != nil {
		t.Fatalf("list tokens: %v", err)
	}
	if len(tokens) != 2 || tokens[0].Provider != "gemini" {
		t.Fatalf("unexpected tokens: %+v", tokens)
	}

	if err := svc.DeleteUserToken(ctx, userID, "openai"); err != nil {
		t.Fatalf("delete token: %v", err)
	}
	tokens, _ = svc.ListUserTokens(ctx, userID)
	if len(tokens) != 1 || tokens[0].Provider != "gemini" {
		t.Fatalf("unexpected tokens after delete: %+v", tokens)
	}
	if err := svc.DeleteUserToken(ctx, userID, "missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestProviderKeysDisabledWithoutEnv(t *testing.T) {
	t.Setenv(apiTokenKeyEnv, "")
	db := openTestDB(t)
	defer db.Close()
	svc := newTestService(t, db, nil)
	userID := insertTestUser(t, db, "dave")

	if err := svc.SetUserToken(context.Background(), userID, "openai", "x"); !errors.Is(err, ErrKeyEncryptionDisabled) {
		t.Fatalf("expected ErrKeyEncryptionDisabled, got %v", err)
	}
	key, err := svc.EnsureAIReady(context.Background(), userID, "openai", "config-key")
	if err != nil || key != "config-key" {
		t.Fatalf("expected config key fallback, got %q %v", key, err)
	}
	if _, err := svc.EnsureAIReady(context.Background(), userID, "openai", ""); !errors.Is(err, ErrAPIKeyMissing) {
		t.Fatalf("expected ErrAPIKeyMissing, got %v", err)
	}
}

func TestTokenCipherRoundTrip(t *testing.T) {
	c, err := newTokenCipher([]byte(strings.Repeat("k", 32)))
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	sealed, err := c.Encrypt("sk-123")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	plain, err := c.Decrypt(sealed)
	if err != nil || plain != "sk-123" {
		t.Fatalf("decrypt: %q %v", plain, err)
	}
	if _, err := c.Decrypt("not-base64!"); !errors.Is(err, errInvalidCiphertext) {
		t.Fatalf("expected errInvalidCiphertext, got %v", err)
	}
	if _, err := decodeKey("short"); err == nil {
		t.Fatalf("expected short key to be rejected")
	}
}

func newTestService(t *testing.T, db *sqlx.DB, local *localstore.Store) *Service {
	t.Helper()
	svc, err := NewService(db, local)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return db
}

func insertTestUser(t *testing.T, db *sqlx.DB, username string) string {
	t.Helper()
	id := "user-" + username
	if _, err := db.Exec(`INSERT INTO users (id, username, password_hash, created_at) VALUES (?, ?, '', ?)`,
		id, username, time.Now().UTC()); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	return id
}
