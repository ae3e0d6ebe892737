package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"abuse-guard/internal/client"
	"abuse-guard/internal/models"
	"abuse-guard/internal/repository"
	"abuse-guard/internal/util"
)

const (
	rateRecordPrefix = "rate_record:"

	fieldAttempts     = "attempts"
	fieldLastAttempt  = "last_attempt"
	fieldBlockedUntil = "blocked_until"
)

// createScript writes the hash only when the key is absent.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
    return 0
end
redis.call('HSET', KEYS[1], 'attempts', ARGV[1], 'last_attempt', ARGV[2])
if ARGV[3] ~= '' then
    redis.call('HSET', KEYS[1], 'blocked_until', ARGV[3])
end
return 1
`)

// updateScript applies a partial update in one step. Empty arguments leave the
// field as is; ARGV[4] == '1' removes blocked_until.
var updateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return 0
end
if ARGV[1] ~= '' then
    redis.call('HSET', KEYS[1], 'attempts', ARGV[1])
end
if ARGV[2] ~= '' then
    redis.call('HSET', KEYS[1], 'last_attempt', ARGV[2])
end
if ARGV[4] == '1' then
    redis.call('HDEL', KEYS[1], 'blocked_until')
elseif ARGV[3] ~= '' then
    redis.call('HSET', KEYS[1], 'blocked_until', ARGV[3])
end
return 1
`)

// RateRecordCache stores rate records as Redis hashes. Timestamps are unix
// nanoseconds. Records carry no TTL.
type RateRecordCache struct {
	client *client.RedisClient
}

var _ repository.CounterStore = (*RateRecordCache)(nil)

func NewRateRecordCache(client *client.RedisClient) *RateRecordCache {
	return &RateRecordCache{client: client}
}

func (c *RateRecordCache) Get(ctx context.Context, key string) (*models.RateRecord, error) {
	fields, err := c.client.HGetAll(ctx, rateRecordPrefix+key)
	if err != nil {
		util.Error("Failed to read rate record", zap.String("key", key), zap.Error(err))
		return nil, fmt.Errorf("failed to read rate record: %w", err)
	}
	if len(fields) == 0 {
		return nil, repository.ErrRecordNotFound
	}

	record, err := decodeRecord(key, fields)
	if err != nil {
		util.Error("Invalid rate record format", zap.String("key", key), zap.Error(err))
		return nil, err
	}
	return record, nil
}

func (c *RateRecordCache) Create(ctx context.Context, key string, record models.RateRecord) error {
	blocked := ""
	if record.BlockedUntil != nil {
		blocked = encodeTime(*record.BlockedUntil)
	}

	res, err := c.client.RunScript(ctx, createScript, []string{rateRecordPrefix + key},
		strconv.Itoa(record.Attempts), encodeTime(record.LastAttempt), blocked)
	if err != nil {
		util.Error("Failed to create rate record", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("failed to create rate record: %w", err)
	}
	if created, _ := res.(int64); created == 0 {
		return fmt.Errorf("%w: %s", repository.ErrRecordExists, key)
	}

	util.Debug("Rate record created", zap.String("key", key), zap.Int("attempts", record.Attempts))
	return nil
}

func (c *RateRecordCache) Update(ctx context.Context, key string, update models.RecordUpdate) error {
	var attempts, last, blocked, clear string
	if update.Attempts != nil {
		attempts = strconv.Itoa(*update.Attempts)
	}
	if update.LastAttempt != nil {
		last = encodeTime(*update.LastAttempt)
	}
	if update.BlockedUntil != nil {
		blocked = encodeTime(*update.BlockedUntil)
	}
	if update.ClearBlock {
		clear = "1"
	}

	res, err := c.client.RunScript(ctx, updateScript, []string{rateRecordPrefix + key},
		attempts, last, blocked, clear)
	if err != nil {
		util.Error("Failed to update rate record", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("failed to update rate record: %w", err)
	}
	if updated, _ := res.(int64); updated == 0 {
		return fmt.Errorf("%w: %s", repository.ErrRecordNotFound, key)
	}
	return nil
}

func (c *RateRecordCache) HealthCheck(ctx context.Context) error {
	return c.client.HealthCheck(ctx)
}

func decodeRecord(key string, fields map[string]string) (*models.RateRecord, error) {
	attempts, err := strconv.Atoi(fields[fieldAttempts])
	if err != nil {
		return nil, fmt.Errorf("invalid attempts for %s: %w", key, err)
	}
	last, err := decodeTime(fields[fieldLastAttempt])
	if err != nil {
		return nil, fmt.Errorf("invalid last_attempt for %s: %w", key, err)
	}

	record := &models.RateRecord{Key: key, Attempts: attempts, LastAttempt: last}
	if raw, ok := fields[fieldBlockedUntil]; ok && raw != "" {
		until, err := decodeTime(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid blocked_until for %s: %w", key, err)
		}
		record.BlockedUntil = &until
	}
	return record, nil
}

func encodeTime(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}

func decodeTime(raw string) (time.Time, error) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, n).UTC(), nil
}
