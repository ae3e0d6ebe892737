package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"abuse-guard/internal/client"
	"abuse-guard/internal/models"
	"abuse-guard/internal/repository"
)

func newTestCache(t *testing.T) (*RateRecordCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRateRecordCache(client.WrapRedisClient(rdb)), mr
}

func TestRateRecordCache_GetMissing(t *testing.T) {
	c, _ := newTestCache(t)
	_, err := c.Get(context.Background(), "nobody_login")
	assert.ErrorIs(t, err, repository.ErrRecordNotFound)
}

func TestRateRecordCache_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)
	now := time.Date(2026, 2, 3, 4, 5, 6, 7, time.UTC)

	require.NoError(t, c.Create(ctx, "u1_login", models.RateRecord{Attempts: 1, LastAttempt: now}))

	got, err := c.Get(ctx, "u1_login")
	require.NoError(t, err)
	assert.Equal(t, "u1_login", got.Key)
	assert.Equal(t, 1, got.Attempts)
	assert.True(t, got.LastAttempt.Equal(now))
	assert.Nil(t, got.BlockedUntil)

	assert.Equal(t, "1", mr.HGet("rate_record:u1_login", "attempts"))
	assert.Equal(t, time.Duration(0), mr.TTL("rate_record:u1_login"), "records must not expire")
}

func TestRateRecordCache_CreateExisting(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)
	now := time.Now().UTC()

	require.NoError(t, c.Create(ctx, "k", models.RateRecord{Attempts: 1, LastAttempt: now}))
	err := c.Create(ctx, "k", models.RateRecord{Attempts: 7, LastAttempt: now})
	assert.ErrorIs(t, err, repository.ErrRecordExists)

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
}

func TestRateRecordCache_UpdateBlockAndClear(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)
	now := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	require.NoError(t, c.Create(ctx, "k", models.RateRecord{Attempts: 5, LastAttempt: now}))

	attempts := 6
	later := now.Add(time.Minute)
	until := later.Add(30 * time.Minute)
	require.NoError(t, c.Update(ctx, "k", models.RecordUpdate{
		Attempts:     &attempts,
		LastAttempt:  &later,
		BlockedUntil: &until,
	}))

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 6, got.Attempts)
	assert.True(t, got.LastAttempt.Equal(later))
	require.NotNil(t, got.BlockedUntil)
	assert.True(t, got.BlockedUntil.Equal(until))

	zero := 0
	require.NoError(t, c.Update(ctx, "k", models.RecordUpdate{Attempts: &zero, ClearBlock: true}))
	got, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 0, got.Attempts)
	assert.Nil(t, got.BlockedUntil)
	assert.True(t, got.LastAttempt.Equal(later))
	assert.Empty(t, mr.HGet("rate_record:k", "blocked_until"))
}

func TestRateRecordCache_UpdateMissing(t *testing.T) {
	c, mr := newTestCache(t)
	one := 1
	err := c.Update(context.Background(), "ghost", models.RecordUpdate{Attempts: &one})
	assert.ErrorIs(t, err, repository.ErrRecordNotFound)
	assert.False(t, mr.Exists("rate_record:ghost"), "update must not create partial records")
}

func TestRateRecordCache_StoreDown(t *testing.T) {
	c, mr := newTestCache(t)
	mr.Close()

	_, err := c.Get(context.Background(), "k")
	require.Error(t, err)
	assert.NotErrorIs(t, err, repository.ErrRecordNotFound)
}

func TestRateRecordCache_CorruptRecord(t *testing.T) {
	c, mr := newTestCache(t)
	mr.HSet("rate_record:bad", "attempts", "many", "last_attempt", "0")

	_, err := c.Get(context.Background(), "bad")
	assert.Error(t, err)
}
