package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"abuse-guard/internal/bucketing"
	"abuse-guard/internal/encryption"
	"abuse-guard/internal/models"
	"abuse-guard/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const identityKeyPurpose = "security_event_identity"

// Sink persists a batch of security events. Sinks run concurrently on the
// same slice and must not modify it.
type Sink interface {
	Name() string
	Write(ctx context.Context, events []models.SecurityEvent) error
}

// Encryptor protects the raw identity carried by an event.
type Encryptor interface {
	EncryptField(ctx context.Context, plaintext, keyPurpose string) (*encryption.EncryptedData, error)
}

type Options struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.BufferSize <= 0 {
		o.BufferSize = 1024
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 2 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	return o
}

// Dispatcher turns guard events into security events and ships them to every
// sink in batches. Notify never blocks: when the queue is full the event is
// dropped and counted.
type Dispatcher struct {
	sinks     []Sink
	encryptor Encryptor
	buckets   *bucketing.BucketingManager
	opts      Options
	logger    *zap.Logger

	queue     chan models.GuardEvent
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Int64
}

// NewDispatcher starts the background worker. encryptor may be nil, in which
// case events carry only the identity hash.
func NewDispatcher(sinks []Sink, encryptor Encryptor, buckets *bucketing.BucketingManager, opts Options, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = util.Get()
	}
	if buckets == nil {
		buckets = bucketing.New(1, 1)
	}
	opts = opts.withDefaults()

	d := &Dispatcher{
		sinks:     sinks,
		encryptor: encryptor,
		buckets:   buckets,
		opts:      opts,
		logger:    logger,
		queue:     make(chan models.GuardEvent, opts.BufferSize),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go d.run()
	return d
}

// Notify enqueues event for delivery.
func (d *Dispatcher) Notify(_ context.Context, event models.GuardEvent) {
	select {
	case <-d.stop:
		d.drop(event, "dispatcher closed")
		return
	default:
	}

	select {
	case d.queue <- event:
	default:
		d.drop(event, "queue full")
	}
}

func (d *Dispatcher) drop(event models.GuardEvent, reason string) {
	total := d.dropped.Add(1)
	d.logger.Warn("Security event dropped",
		zap.String("reason", reason),
		zap.String("event_type", event.Type),
		zap.String("action", event.Action),
		zap.Int64("total_dropped", total))
}

// Dropped returns how many events were discarded.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Pending returns the number of queued events not yet picked up.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Close stops accepting events, flushes what is queued and waits for the
// worker until ctx expires.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeOnce.Do(func() { close(d.stop) })

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("security event dispatcher did not drain: %w", ctx.Err())
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)

	batch := make([]models.GuardEvent, 0, d.opts.BatchSize)
	ticker := time.NewTicker(d.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case event := <-d.queue:
			batch = append(batch, event)
			if len(batch) >= d.opts.BatchSize {
				d.flush(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				d.flush(batch)
				batch = batch[:0]
			}

		case <-d.stop:
			batch = d.drain(batch)
			if len(batch) > 0 {
				d.flush(batch)
			}
			return
		}
	}
}

func (d *Dispatcher) drain(batch []models.GuardEvent) []models.GuardEvent {
	for {
		select {
		case event := <-d.queue:
			batch = append(batch, event)
		default:
			return batch
		}
	}
}

func (d *Dispatcher) flush(batch []models.GuardEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.WriteTimeout)
	defer cancel()

	events := make([]models.SecurityEvent, 0, len(batch))
	for _, e := range batch {
		events = append(events, d.toSecurityEvent(ctx, e))
	}

	var g errgroup.Group
	for _, sink := range d.sinks {
		sink := sink
		g.Go(func() error {
			if err := sink.Write(ctx, events); err != nil {
				d.logger.Error("Failed to write security events",
					zap.String("sink", sink.Name()),
					zap.Int("count", len(events)),
					zap.Error(err))
				return err
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Dispatcher) toSecurityEvent(ctx context.Context, e models.GuardEvent) models.SecurityEvent {
	identityHash := util.HashIdentity(e.Identity)
	occurred := e.OccurredAt.UTC()

	event := models.SecurityEvent{
		EventID:      uuid.NewString(),
		EventBucket:  d.buckets.GetEventBucket(identityHash),
		EventDate:    d.buckets.GetDateBucket(occurred),
		EventTime:    occurred,
		EventType:    e.Type,
		Action:       e.Action,
		IdentityHash: identityHash,
		Attempts:     e.Attempts,
		BlockedUntil: e.BlockedUntil,
	}
	if e.Err != nil {
		event.Details = e.Err.Error()
	}

	if d.encryptor != nil {
		enc, err := d.encryptor.EncryptField(ctx, e.Identity, identityKeyPurpose)
		if err != nil {
			d.logger.Warn("Failed to encrypt event identity",
				zap.String("event_id", event.EventID),
				zap.Error(err))
			return event
		}
		event.IdentityEncrypted = enc.EncryptedValue
		event.IdentityKeyID = enc.KeyID
		event.IdentityDEK = enc.EncryptedDEK
	}
	return event
}
