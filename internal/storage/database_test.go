package storage

import (
	"strings"
	"testing"
	"time"

	"turodesk/internal/config"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
}

func TestOpenAndMigrateSQLite(t *testing.T) {
	db, err := Open("sqlite3", memoryConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if err := Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// running twice must be harmless
	if err := Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	now := time.Now().UTC()
	if _, err := db.Exec(db.Rebind(`INSERT INTO users (id, username, password_hash, created_at) VALUES (?, ?, ?, ?)`),
		"u1", "alice", "x", now); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	if _, err := db.Exec(db.Rebind(`INSERT INTO sessions (id, user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`),
		"s1", "u1", "hello", now, now); err != nil {
		t.Fatalf("insert session: %v", err)
	}
	if _, err := db.Exec(db.Rebind(`INSERT INTO messages (id, user_id, session_id, role, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`),
		"m1", "u1", "s1", "user", "hi", now); err != nil {
		t.Fatalf("insert message: %v", err)
	}
	if _, err := db.Exec(`DELETE FROM sessions WHERE id = 's1'`); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	var count int
	if err := db.Get(&count, `SELECT COUNT(*) FROM messages`); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected cascade delete of messages, got %d", count)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	cfg := memoryConfig()
	cfg.Databases["oracle"] = config.DatabaseConfig{DSN: "x"}
	if _, err := Open("oracle", cfg); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
	if _, err := Open("mysql", cfg); err == nil {
		t.Fatalf("expected missing config error")
	}
}

func TestPostgresDSNFromFields(t *testing.T) {
	dsn := postgresDSN(config.DatabaseConfig{
		Host:     "db",
		Username: "turodesk",
		Password: "p@ss",
		DBName:   "turodesk",
	})
	if !strings.HasPrefix(dsn, "postgres://turodesk:p%40ss@db:5432/turodesk") {
		t.Fatalf("unexpected dsn %s", dsn)
	}
	if !strings.HasSuffix(dsn, "sslmode=disable") {
		t.Fatalf("expected default sslmode, got %s", dsn)
	}
}

func TestMigrateVectorStoreRejectsBadInput(t *testing.T) {
	db, err := Open("sqlite3", memoryConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if err := MigrateVectorStore(db, "memories; DROP TABLE users", 1536); err == nil {
		t.Fatalf("expected identifier rejection")
	}
	if err := MigrateVectorStore(db, "long_term_memories", 0); err == nil {
		t.Fatalf("expected dimension rejection")
	}
}
