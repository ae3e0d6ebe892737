package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"abuse-guard/internal/bucketing"
	"abuse-guard/internal/encryption"
	"abuse-guard/internal/models"
	"abuse-guard/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

type memorySink struct {
	mu      sync.Mutex
	events  []models.SecurityEvent
	batches int
	err     error
}

func (s *memorySink) Name() string { return "memory" }

func (s *memorySink) Write(_ context.Context, events []models.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, events...)
	s.batches++
	return nil
}

func (s *memorySink) snapshot() []models.SecurityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.SecurityEvent(nil), s.events...)
}

type blockingSink struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *blockingSink) Name() string { return "blocking" }

func (s *blockingSink) Write(ctx context.Context, _ []models.SecurityEvent) error {
	s.once.Do(func() { close(s.started) })
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	return nil
}

func guardEvent(identity, eventType string) models.GuardEvent {
	until := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return models.GuardEvent{
		Type:         eventType,
		Identity:     identity,
		Action:       "login",
		Attempts:     6,
		BlockedUntil: &until,
		OccurredAt:   until.Add(-30 * time.Minute),
	}
}

func closeDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))
}

func TestDispatcher_FlushesFullBatch(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := &memorySink{}
	d := NewDispatcher([]Sink{sink}, nil, nil, Options{BatchSize: 2, FlushInterval: time.Hour}, zap.NewNop())
	defer closeDispatcher(t, d)

	d.Notify(context.Background(), guardEvent("a@example.com", models.EventRateLimitBlocked))
	d.Notify(context.Background(), guardEvent("b@example.com", models.EventRateLimitDenied))

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestDispatcher_FlushesOnInterval(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := &memorySink{}
	d := NewDispatcher([]Sink{sink}, nil, nil, Options{BatchSize: 100, FlushInterval: 10 * time.Millisecond}, zap.NewNop())
	defer closeDispatcher(t, d)

	d.Notify(context.Background(), guardEvent("a@example.com", models.EventRateLimitCleared))

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestDispatcher_CloseDrainsQueue(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := &memorySink{}
	d := NewDispatcher([]Sink{sink}, nil, nil, Options{BatchSize: 100, FlushInterval: time.Hour}, zap.NewNop())

	for i := 0; i < 3; i++ {
		d.Notify(context.Background(), guardEvent("a@example.com", models.EventRateLimitDenied))
	}
	closeDispatcher(t, d)

	assert.Len(t, sink.snapshot(), 3)
	assert.Zero(t, d.Pending())
}

func TestDispatcher_DropsWhenQueueFull(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := &blockingSink{started: make(chan struct{}), release: make(chan struct{})}
	d := NewDispatcher([]Sink{sink}, nil, nil, Options{BufferSize: 1, BatchSize: 1, FlushInterval: time.Hour}, zap.NewNop())

	d.Notify(context.Background(), guardEvent("a@example.com", models.EventRateLimitBlocked))
	<-sink.started

	d.Notify(context.Background(), guardEvent("b@example.com", models.EventRateLimitBlocked))
	d.Notify(context.Background(), guardEvent("c@example.com", models.EventRateLimitBlocked))

	assert.Equal(t, int64(1), d.Dropped())

	close(sink.release)
	closeDispatcher(t, d)
}

func TestDispatcher_NotifyAfterCloseDrops(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := &memorySink{}
	d := NewDispatcher([]Sink{sink}, nil, nil, Options{}, zap.NewNop())
	closeDispatcher(t, d)

	d.Notify(context.Background(), guardEvent("a@example.com", models.EventRateLimitDenied))

	assert.Equal(t, int64(1), d.Dropped())
	assert.Empty(t, sink.snapshot())
	require.NoError(t, d.Close(context.Background()))
}

func TestDispatcher_FailingSinkDoesNotStarveOthers(t *testing.T) {
	defer goleak.VerifyNone(t)

	bad := &memorySink{err: errors.New("broker down")}
	good := &memorySink{}
	d := NewDispatcher([]Sink{bad, good}, nil, nil, Options{BatchSize: 1, FlushInterval: time.Hour}, zap.NewNop())
	defer closeDispatcher(t, d)

	d.Notify(context.Background(), guardEvent("a@example.com", models.EventRateLimitBlocked))

	require.Eventually(t, func() bool { return len(good.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, bad.snapshot())
}

func TestDispatcher_ProtectsIdentity(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := &memorySink{}
	enc := encryption.NewWithKMS(nil, "")
	buckets := bucketing.New(64, 16)
	d := NewDispatcher([]Sink{sink}, enc, buckets, Options{BatchSize: 100, FlushInterval: time.Hour}, zap.NewNop())

	failure := guardEvent("alice@example.com", models.EventRateLimitFailOpen)
	failure.Err = errors.New("redis: connection refused")
	d.Notify(context.Background(), failure)
	closeDispatcher(t, d)

	events := sink.snapshot()
	require.Len(t, events, 1)
	event := events[0]

	hash := util.HashIdentity("alice@example.com")
	assert.NotEmpty(t, event.EventID)
	assert.Equal(t, hash, event.IdentityHash)
	assert.Equal(t, buckets.GetEventBucket(hash), event.EventBucket)
	assert.Equal(t, "2026-01-02", event.EventDate)
	assert.Equal(t, models.EventRateLimitFailOpen, event.EventType)
	assert.Equal(t, "login", event.Action)
	assert.Equal(t, 6, event.Attempts)
	assert.Equal(t, "redis: connection refused", event.Details)

	raw, err := json.Marshal(event)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "alice@example.com")

	plain, err := enc.DecryptField(context.Background(), &encryption.EncryptedData{
		EncryptedValue: event.IdentityEncrypted,
		EncryptedDEK:   event.IdentityDEK,
		KeyID:          event.IdentityKeyID,
	}, identityKeyPurpose)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", plain)
}
