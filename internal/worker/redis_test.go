package worker

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"turodesk/internal/config"
	"turodesk/internal/models"
	"turodesk/internal/redis"
)

func TestStateCacheStoreLoadAndInvalidate(t *testing.T) {
	sc, cleanup := newRedisStateCache(t)
	defer cleanup()

	history := []*models.Message{
		{ID: "m1", UserID: "u77", SessionID: "s101", Role: models.RoleUser, Content: "hello"},
		{ID: "m2", UserID: "u77", SessionID: "s101", Role: models.RoleAssistant, Content: "hi there"},
	}
	sc.cacheHistory("u77", "s101", history)

	got, ok := sc.loadHistory("u77", "s101")
	if !ok || len(got) != len(history) {
		t.Fatalf("history mismatch: want %d got %d (ok=%t)", len(history), len(got), ok)
	}
	if got[1].Content != "hi there" || got[1].Role != models.RoleAssistant {
		t.Fatalf("unexpected cached message %+v", got[1])
	}
	if _, ok := sc.loadHistory("someone-else", "s101"); ok {
		t.Fatalf("history of another user must not load")
	}

	sc.invalidateSession("s101")
	if _, ok := sc.loadHistory("u77", "s101"); ok {
		t.Fatalf("expected history invalidated")
	}
}

func TestNilStateCacheIsNoop(t *testing.T) {
	sc := newStateCache(nil)
	sc.cacheHistory("u1", "s1", nil)
	if _, ok := sc.loadHistory("u1", "s1"); ok {
		t.Fatalf("nil cache must miss")
	}
	sc.invalidateSession("s1")
	sc.publishInvalidation(invalidateMessage{UserID: "u1", Scope: scopeUser})
	sc.startListener(func(invalidateMessage) {})
}

func TestStateCachePubSub(t *testing.T) {
	sc, cleanup := newRedisStateCache(t)
	defer cleanup()

	ch := make(chan invalidateMessage, 1)
	sc.startListener(func(msg invalidateMessage) {
		ch <- msg
	})
	// subscription is established asynchronously
	time.Sleep(100 * time.Millisecond)

	msg := invalidateMessage{UserID: "u5", SessionID: "s6", Scope: scopeSession}
	sc.publishInvalidation(msg)
	select {
	case got := <-ch:
		if got != msg {
			t.Fatalf("unexpected message %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("did not receive pubsub message")
	}
}

func newRedisStateCache(t *testing.T) (*stateRedis, func()) {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed worker tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("atoi port: %v", err)
	}
	db := 0
	if v := os.Getenv("TEST_REDIS_DB"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			db = parsed
		}
	}
	cfg := &config.Config{
		Redis: config.RedisConfig{
			Host: host,
			Port: port,
			DB:   db,
		},
	}
	client, err := redis.NewRedisClient(cfg)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	if raw := client.Raw(); raw != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := raw.FlushDB(ctx).Err(); err != nil {
			t.Fatalf("flush db: %v", err)
		}
	}
	sc := newStateCache(client)
	cleanup := func() {
		client.Close()
	}
	return sc, cleanup
}
