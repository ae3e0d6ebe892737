package scylla

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"abuse-guard/internal/bucketing"
	"abuse-guard/internal/models"
	"abuse-guard/internal/repository"
	"abuse-guard/internal/util"
)

const (
	selectRateRecord = `
        SELECT attempts, last_attempt, blocked_until
        FROM rate_records WHERE record_bucket = ? AND record_key = ?`

	insertRateRecord = `
        INSERT INTO rate_records (record_bucket, record_key, attempts, last_attempt, blocked_until, updated_at)
        VALUES (?, ?, ?, ?, ?, ?) IF NOT EXISTS`
)

// RateRecordRepository keeps rate records in ScyllaDB. Every write is a
// lightweight transaction so create never overwrites and update never
// resurrects a missing row.
type RateRecordRepository struct {
	client       *ScyllaClient
	bucketingMgr *bucketing.BucketingManager
	now          func() time.Time
}

var _ repository.CounterStore = (*RateRecordRepository)(nil)

func NewRateRecordRepository(client *ScyllaClient, bucketingMgr *bucketing.BucketingManager) *RateRecordRepository {
	return &RateRecordRepository{
		client:       client,
		bucketingMgr: bucketingMgr,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (r *RateRecordRepository) Get(ctx context.Context, key string) (*models.RateRecord, error) {
	var (
		attempts     int
		lastAttempt  time.Time
		blockedUntil time.Time
	)

	query := r.client.Query(ctx, selectRateRecord, r.bucketingMgr.GetRecordBucket(key), key)
	if err := r.client.ScanWithRetry(ctx, query, &attempts, &lastAttempt, &blockedUntil); err != nil {
		err = readResult(err)
		if !errors.Is(err, repository.ErrRecordNotFound) {
			util.Error("Failed to get rate record", zap.String("key", key), zap.Error(err))
		}
		return nil, err
	}

	return toRecord(key, attempts, lastAttempt, blockedUntil), nil
}

func (r *RateRecordRepository) Create(ctx context.Context, key string, record models.RateRecord) error {
	var blocked interface{}
	if record.BlockedUntil != nil {
		blocked = record.BlockedUntil.UTC()
	}

	query := r.client.Query(ctx, insertRateRecord,
		r.bucketingMgr.GetRecordBucket(key), key, record.Attempts,
		record.LastAttempt.UTC(), blocked, r.now())

	applied, err := query.MapScanCAS(map[string]interface{}{})
	if err := casResult("create", key, applied, err, repository.ErrRecordExists); err != nil {
		if !errors.Is(err, repository.ErrRecordExists) {
			util.Error("Failed to create rate record", zap.String("key", key), zap.Error(err))
		}
		return err
	}

	util.Debug("Rate record created", zap.String("key", key), zap.Int("attempts", record.Attempts))
	return nil
}

func (r *RateRecordRepository) Update(ctx context.Context, key string, update models.RecordUpdate) error {
	stmt, args := buildUpdate(update, r.now())
	args = append(args, r.bucketingMgr.GetRecordBucket(key), key)

	applied, err := r.client.Query(ctx, stmt, args...).MapScanCAS(map[string]interface{}{})
	if err := casResult("update", key, applied, err, repository.ErrRecordNotFound); err != nil {
		if !errors.Is(err, repository.ErrRecordNotFound) {
			util.Error("Failed to update rate record", zap.String("key", key), zap.Error(err))
		}
		return err
	}
	return nil
}

func (r *RateRecordRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck(ctx)
}

// buildUpdate renders a single-row conditional UPDATE for the fields set in u.
// The bucket and key arguments are appended by the caller.
func buildUpdate(u models.RecordUpdate, now time.Time) (string, []interface{}) {
	var (
		sets []string
		args []interface{}
	)
	if u.Attempts != nil {
		sets = append(sets, "attempts = ?")
		args = append(args, *u.Attempts)
	}
	if u.LastAttempt != nil {
		sets = append(sets, "last_attempt = ?")
		args = append(args, u.LastAttempt.UTC())
	}
	if u.ClearBlock {
		sets = append(sets, "blocked_until = ?")
		args = append(args, nil)
	} else if u.BlockedUntil != nil {
		sets = append(sets, "blocked_until = ?")
		args = append(args, u.BlockedUntil.UTC())
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, now)

	stmt := "UPDATE rate_records SET " + strings.Join(sets, ", ") +
		" WHERE record_bucket = ? AND record_key = ? IF EXISTS"
	return stmt, args
}

// readResult maps a single-row read error onto the store contract.
func readResult(err error) error {
	if errors.Is(err, gocql.ErrNotFound) {
		return repository.ErrRecordNotFound
	}
	return fmt.Errorf("failed to get rate record: %w", err)
}

// casResult maps a lightweight transaction outcome onto the store contract.
// An unapplied statement reports notApplied for key.
func casResult(op, key string, applied bool, err error, notApplied error) error {
	if err != nil {
		return fmt.Errorf("failed to %s rate record: %w", op, err)
	}
	if !applied {
		return fmt.Errorf("%w: %s", notApplied, key)
	}
	return nil
}

func toRecord(key string, attempts int, lastAttempt, blockedUntil time.Time) *models.RateRecord {
	record := &models.RateRecord{
		Key:         key,
		Attempts:    attempts,
		LastAttempt: lastAttempt.UTC(),
	}
	if !blockedUntil.IsZero() {
		until := blockedUntil.UTC()
		record.BlockedUntil = &until
	}
	return record
}
