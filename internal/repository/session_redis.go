package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/digkill/PresetStudio/internal/config"
	"github.com/digkill/PresetStudio/internal/models"
)

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(cfg config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: cfg.RedisPoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Slot values are "pending:<token>:<leaseUntilMs>" or "done".
var claimSlotScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return {-1} end
local cur = redis.call('HGET', KEYS[2], ARGV[1])
local claim = 'pending:' .. ARGV[2] .. ':' .. ARGV[3]
if not cur then
  redis.call('HSET', KEYS[2], ARGV[1], claim)
  local ttl = redis.call('PTTL', KEYS[1])
  if ttl > 0 then redis.call('PEXPIRE', KEYS[2], ttl) end
  return {0}
end
if cur == 'done' then
  return {1, redis.call('HGET', KEYS[3], ARGV[1]) or ''}
end
local lease = tonumber(string.match(cur, ':(%d+)$'))
if lease and lease <= tonumber(ARGV[4]) then
  redis.call('HSET', KEYS[2], ARGV[1], claim)
  return {0}
end
return {2}
`)

var releaseSlotScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur and string.match(cur, '^pending:(.+):%d+$') == ARGV[2] then
  redis.call('HDEL', KEYS[1], ARGV[1])
  return 1
end
return 0
`)

var completeSlotScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local cur = redis.call('HGET', KEYS[2], ARGV[1])
if not cur or string.match(cur, '^pending:(.+):%d+$') ~= ARGV[2] then return -2 end
local expires = tonumber(redis.call('HGET', KEYS[1], 'expires_at'))
if tonumber(ARGV[4]) >= expires then return -3 end
local completed = tonumber(redis.call('HGET', KEYS[1], 'completed'))
local expected = tonumber(redis.call('HGET', KEYS[1], 'expected'))
if completed >= expected then return -4 end
redis.call('HSET', KEYS[2], ARGV[1], 'done')
redis.call('HSET', KEYS[3], ARGV[1], ARGV[3])
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then redis.call('PEXPIRE', KEYS[3], ttl) end
return redis.call('HINCRBY', KEYS[1], 'completed', 1)
`)

var settleScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
if redis.call('HEXISTS', KEYS[1], 'settled_at') == 1 then return 0 end
redis.call('HSET', KEYS[1], 'settled_at', ARGV[3])
redis.call('HSET', KEYS[1], 'refunded', ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`)

// RedisSessionRepository keeps sessions in Redis. All state transitions run as
// Lua scripts so they are atomic on the server.
type RedisSessionRepository struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

func NewRedisSessionRepository(client *redis.Client, prefix string, retention time.Duration) *RedisSessionRepository {
	return &RedisSessionRepository{client: client, prefix: prefix, retention: retention}
}

func (r *RedisSessionRepository) sessionKey(id string) string {
	return fmt.Sprintf("%s:sess:%s", r.prefix, id)
}

func (r *RedisSessionRepository) slotsKey(id string) string {
	return r.sessionKey(id) + ":slots"
}

func (r *RedisSessionRepository) resultsKey(id string) string {
	return r.sessionKey(id) + ":results"
}

func (r *RedisSessionRepository) expiryKey() string {
	return r.prefix + ":sessions:expiry"
}

func (r *RedisSessionRepository) Create(ctx context.Context, s *models.GenerationSession) error {
	key := r.sessionKey(s.ID)
	ttl := s.ExpiresAt.Sub(s.CreatedAt) + r.retention
	fields := map[string]interface{}{
		"user_id":          s.UserID,
		"preset_id":        s.PresetID,
		"style_id":         s.StyleID,
		"source_image_ref": s.SourceImageRef,
		"expected":         s.ExpectedImageCount,
		"completed":        0,
		"is_free":          boolFlag(s.IsFreeGeneration),
		"record_id":        s.GenerationRecordID,
		"refunded":         0,
		"created_at":       s.CreatedAt.UnixMilli(),
		"expires_at":       s.ExpiresAt.UnixMilli(),
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, ttl)
		pipe.ZAdd(ctx, r.expiryKey(), &redis.Z{Score: float64(s.ExpiresAt.UnixMilli()), Member: s.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

func (r *RedisSessionRepository) Get(ctx context.Context, id string) (*models.GenerationSession, error) {
	values, err := r.client.HGetAll(ctx, r.sessionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if len(values) == 0 {
		return nil, nil
	}
	return parseSessionHash(id, values)
}

func (r *RedisSessionRepository) ClaimSlot(ctx context.Context, sessionID string, index int, token string, leaseUntil, now time.Time) (models.SlotClaim, error) {
	keys := []string{r.sessionKey(sessionID), r.slotsKey(sessionID), r.resultsKey(sessionID)}
	res, err := claimSlotScript.Run(ctx, r.client, keys, index, token, leaseUntil.UnixMilli(), now.UnixMilli()).Slice()
	if err != nil {
		return models.SlotClaim{}, fmt.Errorf("claim slot: %w", err)
	}
	if len(res) == 0 {
		return models.SlotClaim{}, fmt.Errorf("claim slot: empty script reply")
	}
	code, _ := res[0].(int64)
	switch code {
	case -1:
		return models.SlotClaim{}, ErrSessionNotFound
	case 0:
		return models.SlotClaim{State: models.ClaimAcquired}, nil
	case 1:
		claim := models.SlotClaim{State: models.ClaimDone}
		if len(res) > 1 {
			if raw, ok := res[1].(string); ok && raw != "" {
				if err := json.Unmarshal([]byte(raw), &claim.Result); err != nil {
					return models.SlotClaim{}, fmt.Errorf("decode slot result: %w", err)
				}
			}
		}
		return claim, nil
	default:
		return models.SlotClaim{State: models.ClaimInFlight}, nil
	}
}

func (r *RedisSessionRepository) ReleaseSlot(ctx context.Context, sessionID string, index int, token string) error {
	if err := releaseSlotScript.Run(ctx, r.client, []string{r.slotsKey(sessionID)}, index, token).Err(); err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	return nil
}

func (r *RedisSessionRepository) CompleteSlot(ctx context.Context, sessionID string, index int, token string, result models.SlotResult, now time.Time) (int, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return 0, fmt.Errorf("encode slot result: %w", err)
	}
	keys := []string{r.sessionKey(sessionID), r.slotsKey(sessionID), r.resultsKey(sessionID)}
	code, err := completeSlotScript.Run(ctx, r.client, keys, index, token, string(payload), now.UnixMilli()).Int64()
	if err != nil {
		return 0, fmt.Errorf("complete slot: %w", err)
	}
	switch code {
	case -1:
		return 0, ErrSessionNotFound
	case -2:
		return 0, ErrSlotLost
	case -3:
		return 0, ErrSessionExpired
	case -4:
		return 0, ErrSessionFull
	}
	return int(code), nil
}

func (r *RedisSessionRepository) ListExpiredUnsettled(ctx context.Context, now time.Time, limit int) ([]models.GenerationSession, error) {
	ids, err := r.client.ZRangeByScore(ctx, r.expiryKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}

	sessions := make([]models.GenerationSession, 0, len(ids))
	for _, id := range ids {
		s, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if s == nil {
			// hash already evicted by its TTL
			r.client.ZRem(ctx, r.expiryKey(), id)
			continue
		}
		if s.SettledAt != nil {
			continue
		}
		sessions = append(sessions, *s)
	}
	return sessions, nil
}

func (r *RedisSessionRepository) MarkSettled(ctx context.Context, sessionID string, refunded bool, now time.Time) (bool, error) {
	keys := []string{r.sessionKey(sessionID), r.expiryKey()}
	n, err := settleScript.Run(ctx, r.client, keys, sessionID, boolFlag(refunded), now.UnixMilli()).Int64()
	if err != nil {
		return false, fmt.Errorf("mark session settled: %w", err)
	}
	return n == 1, nil
}

// PurgeSettled is a no-op: session keys carry their own TTL.
func (r *RedisSessionRepository) PurgeSettled(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func parseSessionHash(id string, values map[string]string) (*models.GenerationSession, error) {
	s := &models.GenerationSession{
		ID:                 id,
		UserID:             values["user_id"],
		PresetID:           values["preset_id"],
		StyleID:            values["style_id"],
		SourceImageRef:     values["source_image_ref"],
		GenerationRecordID: values["record_id"],
		IsFreeGeneration:   values["is_free"] == "1",
		Refunded:           values["refunded"] == "1",
	}
	var err error
	if s.ExpectedImageCount, err = strconv.Atoi(values["expected"]); err != nil {
		return nil, fmt.Errorf("parse expected count: %w", err)
	}
	if s.CompletedCount, err = strconv.Atoi(values["completed"]); err != nil {
		return nil, fmt.Errorf("parse completed count: %w", err)
	}
	if s.CreatedAt, err = parseMillis(values["created_at"]); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if s.ExpiresAt, err = parseMillis(values["expires_at"]); err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	if raw, ok := values["settled_at"]; ok {
		settled, err := parseMillis(raw)
		if err != nil {
			return nil, fmt.Errorf("parse settled_at: %w", err)
		}
		s.SettledAt = &settled
	}
	return s, nil
}

func parseMillis(raw string) (time.Time, error) {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

func boolFlag(v bool) int {
	if v {
		return 1
	}
	return 0
}
