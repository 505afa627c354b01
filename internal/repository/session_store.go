package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"session-gateway/internal/domain"
	"session-gateway/internal/observability"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	// ErrCASConflict means the stored token family no longer matches the
	// expectation; a concurrent rotation won the race.
	ErrCASConflict = errors.New("session record changed concurrently")
)

// SessionStore is the durable mapping from session id to the latest-valid
// token family and refresh-token hash. All writes go through CompareAndSwap
// so that rotation is serialized per session id across process instances.
type SessionStore interface {
	Get(ctx context.Context, sessionID string) (*domain.Session, error)
	// CompareAndSwap writes rec if the stored record's token family equals
	// expectedFamily. An empty expectedFamily means "create": the key must
	// not exist yet.
	CompareAndSwap(ctx context.Context, sessionID, expectedFamily string, rec *domain.Session, ttl time.Duration) error
	// Delete removes the record. Deleting an absent session is not an error.
	Delete(ctx context.Context, sessionID string) error
}

// casScript runs the whole check-and-overwrite as one server-side step.
// Redis executes scripts atomically, which gives the per-key mutual
// exclusion the rotation contract requires without any in-process locking.
var casScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if ARGV[1] == "" then
  if current then return -1 end
  redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
  return 1
end
if not current then return 0 end
local record = cjson.decode(current)
if record.token_family ~= ARGV[1] then return -1 end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return 1
`)

type RedisSessionStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisSessionStore(client redis.UniversalClient, prefix string) *RedisSessionStore {
	if prefix == "" {
		prefix = "session"
	}
	return &RedisSessionStore{client: client, prefix: prefix}
}

func (s *RedisSessionStore) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	raw, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if err == redis.Nil {
		observability.RecordSessionStoreOperation(ctx, "get", "not_found")
		return nil, ErrSessionNotFound
	}
	if err != nil {
		observability.RecordSessionStoreOperation(ctx, "get", "error")
		return nil, fmt.Errorf("get session record: %w", err)
	}
	var rec domain.Session
	if err := json.Unmarshal(raw, &rec); err != nil {
		observability.RecordSessionStoreOperation(ctx, "get", "error")
		return nil, fmt.Errorf("decode session record: %w", err)
	}
	observability.RecordSessionStoreOperation(ctx, "get", "success")
	return &rec, nil
}

func (s *RedisSessionStore) CompareAndSwap(ctx context.Context, sessionID, expectedFamily string, rec *domain.Session, ttl time.Duration) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session record: %w", err)
	}
	if ttl <= 0 {
		ttl = time.Millisecond
	}
	res, err := casScript.Run(ctx, s.client, []string{s.key(sessionID)}, expectedFamily, payload, ttl.Milliseconds()).Int()
	if err != nil {
		observability.RecordSessionStoreOperation(ctx, "cas", "error")
		return fmt.Errorf("swap session record: %w", err)
	}
	switch res {
	case 1:
		observability.RecordSessionStoreOperation(ctx, "cas", "success")
		return nil
	case 0:
		observability.RecordSessionStoreOperation(ctx, "cas", "not_found")
		return ErrSessionNotFound
	default:
		observability.RecordSessionStoreOperation(ctx, "cas", "conflict")
		return ErrCASConflict
	}
}

func (s *RedisSessionStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		observability.RecordSessionStoreOperation(ctx, "delete", "error")
		return fmt.Errorf("delete session record: %w", err)
	}
	observability.RecordSessionStoreOperation(ctx, "delete", "success")
	return nil
}

func (s *RedisSessionStore) key(sessionID string) string {
	return s.prefix + ":" + sessionID
}
