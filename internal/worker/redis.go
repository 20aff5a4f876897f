package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"turodesk/internal/models"
	"turodesk/internal/redis"
)

const (
	redisInvalidateChannel = "worker:invalidate"
	redisStateTTL          = 30 * time.Minute
	redisHistoryPrefix     = "worker:history:"
)

const (
	scopeUser    = "user"
	scopeSession = "session"
)

type invalidateMessage struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id,omitempty"`
	Scope     string `json:"scope"`
}

type cachedHistory struct {
	UserID   string            `json:"user_id"`
	Messages []*models.Message `json:"messages"`
}

// stateRedis mirrors session history into redis so that other processes
// sharing the database can skip reloading it. Every method is a no-op
// without a client.
type stateRedis struct {
	client *redis.Client
	cancel context.CancelFunc
}

func newStateCache(client *redis.Client) *stateRedis {
	return &stateRedis{client: client}
}

// startListener redis listener using sub chan
func (r *stateRedis) startListener(handler func(invalidateMessage)) {
	if r == nil || r.client == nil || handler == nil {
		return
	}
	raw := r.client.Raw()
	if raw == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go func() {
		pubsub := raw.Subscribe(ctx, redisInvalidateChannel)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var inv invalidateMessage
				if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
					log.Printf("[worker] invalidation decode failed: %v", err)
					continue
				}
				handler(inv)
			}
		}
	}()
}

func (r *stateRedis) stopListener() {
	if r != nil && r.cancel != nil {
		r.cancel()
	}
}

// publishInvalidation broadcast invalidate msg
func (r *stateRedis) publishInvalidation(msg invalidateMessage) {
	if r == nil || r.client == nil {
		return
	}
	raw := r.client.Raw()
	if raw == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[worker] invalidation marshal failed: %v", err)
		return
	}
	if err := raw.Publish(context.Background(), redisInvalidateChannel, payload).Err(); err != nil {
		log.Printf("[worker] publish invalidation failed: %v", err)
	}
}

func (r *stateRedis) cacheHistory(userID, sessionID string, history []*models.Message) {
	if r == nil || r.client == nil || sessionID == "" {
		return
	}
	err := r.client.SetJSON(context.Background(), redisHistoryPrefix+sessionID, cachedHistory{UserID: userID, Messages: history}, redisStateTTL)
	if err != nil {
		log.Printf("[worker] cache history failed: %v", err)
	}
}

// loadHistory returns the cached history when it belongs to userID.
func (r *stateRedis) loadHistory(userID, sessionID string) ([]*models.Message, bool) {
	if r == nil || r.client == nil || sessionID == "" {
		return nil, false
	}
	var cached cachedHistory
	if err := r.client.GetJSON(context.Background(), redisHistoryPrefix+sessionID, &cached); err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			log.Printf("[worker] load history failed: %v", err)
		}
		return nil, false
	}
	if cached.UserID != userID {
		return nil, false
	}
	return cached.Messages, true
}

func (r *stateRedis) invalidateSession(sessionID string) {
	if r == nil || r.client == nil || sessionID == "" {
		return
	}
	if err := r.client.Del(context.Background(), redisHistoryPrefix+sessionID); err != nil && !errors.Is(err, redis.ErrCacheMiss) {
		log.Printf("[worker] invalidate history failed: %v", err)
	}
}
