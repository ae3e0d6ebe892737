package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"abuse-guard/internal/models"
	"abuse-guard/internal/repository"
	"abuse-guard/internal/util"

	"go.uber.org/zap"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrInvalidPolicy    = errors.New("invalid rate guard policy")
	ErrRecordNotFound   = errors.New("rate record not found")
	ErrStoreUnavailable = errors.New("counter store unavailable")
)

// Policy is the attempt budget for one action.
type Policy struct {
	MaxAttempts   int
	Window        time.Duration
	BlockDuration time.Duration
}

// DefaultPolicy allows 5 attempts per 15 minutes and blocks for 30 minutes.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   5,
		Window:        15 * time.Minute,
		BlockDuration: 30 * time.Minute,
	}
}

func (p Policy) validate() error {
	if p.MaxAttempts <= 0 || p.Window <= 0 || p.BlockDuration <= 0 {
		return fmt.Errorf("%w: %+v", ErrInvalidPolicy, p)
	}
	return nil
}

// Clock is the guard's time source.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Notifier receives guard events. Implementations must not block.
type Notifier interface {
	Notify(ctx context.Context, event models.GuardEvent)
}

// RateGuardConfig configures a RateGuard. Zero values fall back to
// DefaultPolicy, the system clock and no notifier.
type RateGuardConfig struct {
	Default Policy
	Actions map[string]Policy
	// StoreTimeout bounds each store round-trip. Zero means no extra bound
	// beyond the caller's context.
	StoreTimeout time.Duration
	Clock        Clock
	Notifier     Notifier
}

// RateGuard decides whether an (identity, action) attempt is permitted and
// records it. Same-key calls within the process are serialized; store
// failures fail open.
type RateGuard struct {
	store        repository.CounterStore
	def          Policy
	actions      map[string]Policy
	storeTimeout time.Duration
	clock        Clock
	notifier     Notifier
	locks        *keyLocker
	logger       *zap.Logger
}

func NewRateGuard(store repository.CounterStore, cfg RateGuardConfig, logger *zap.Logger) (*RateGuard, error) {
	if store == nil {
		return nil, fmt.Errorf("counter store is required")
	}
	if cfg.Default == (Policy{}) {
		cfg.Default = DefaultPolicy()
	}
	if err := cfg.Default.validate(); err != nil {
		return nil, err
	}

	actions := make(map[string]Policy, len(cfg.Actions))
	for action, p := range cfg.Actions {
		if err := p.validate(); err != nil {
			return nil, fmt.Errorf("action %q: %w", action, err)
		}
		actions[action] = p
	}

	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	if logger == nil {
		logger = util.Get()
	}

	return &RateGuard{
		store:        store,
		def:          cfg.Default,
		actions:      actions,
		storeTimeout: cfg.StoreTimeout,
		clock:        cfg.Clock,
		notifier:     cfg.Notifier,
		locks:        newKeyLocker(),
		logger:       logger,
	}, nil
}

// RecordKey is the store key for an (identity, action) pair.
func RecordKey(identity, action string) string {
	return identity + "_" + action
}

// PolicyFor returns the policy applied to action.
func (g *RateGuard) PolicyFor(action string) Policy {
	if p, ok := g.actions[action]; ok {
		return p
	}
	return g.def
}

// CheckAndRecord decides whether the attempt is allowed and records it.
// identity and action are used verbatim, so "alice " and "alice" are distinct
// subjects; only empty strings are rejected. The only error it returns is
// ErrInvalidInput. Store failures, and a ctx that expires while waiting on a
// concurrent call for the same key, produce an allowed Decision with no
// remaining count or block time.
func (g *RateGuard) CheckAndRecord(ctx context.Context, identity, action string) (models.Decision, error) {
	if err := validateInput(identity, action); err != nil {
		return models.Decision{}, err
	}

	key := RecordKey(identity, action)
	unlock, err := g.locks.lock(ctx, key)
	if err != nil {
		return g.failOpen(ctx, identity, action, g.clock.Now(), err), nil
	}
	defer unlock()

	policy := g.PolicyFor(action)
	now := g.clock.Now()

	decision, event, err := g.decide(ctx, key, policy, now)
	if err != nil {
		return g.failOpen(ctx, identity, action, now, err), nil
	}

	if event != nil {
		event.Identity = identity
		event.Action = action
		event.OccurredAt = now
		g.notify(ctx, *event)
	}

	g.logger.Debug("Rate guard decision",
		zap.String("action", action),
		zap.Bool("allowed", decision.Allowed),
		zap.Any("remaining_attempts", decision.RemainingAttempts),
		zap.Any("blocked_until", decision.BlockedUntil))

	return decision, nil
}

func (g *RateGuard) failOpen(ctx context.Context, identity, action string, now time.Time, err error) models.Decision {
	g.logger.Warn("Rate guard store failure, failing open",
		zap.String("action", action),
		zap.String("identity_hash", util.HashIdentity(identity)),
		zap.Error(err))
	g.notify(ctx, models.GuardEvent{
		Type:       models.EventRateLimitFailOpen,
		Identity:   identity,
		Action:     action,
		OccurredAt: now,
		Err:        err,
	})
	return models.Decision{Allowed: true}
}

func (g *RateGuard) decide(ctx context.Context, key string, policy Policy, now time.Time) (models.Decision, *models.GuardEvent, error) {
	record, err := g.get(ctx, key)
	if errors.Is(err, repository.ErrRecordNotFound) {
		err = g.create(ctx, key, models.RateRecord{Attempts: 1, LastAttempt: now})
		if err == nil {
			return allowed(policy.MaxAttempts - 1), nil, nil
		}
		if !errors.Is(err, repository.ErrRecordExists) {
			return models.Decision{}, nil, err
		}
		// Another writer created the record first; evaluate against theirs.
		record, err = g.get(ctx, key)
	}
	if err != nil {
		return models.Decision{}, nil, err
	}

	if record.IsBlocked(now) {
		until := *record.BlockedUntil
		return denied(until), &models.GuardEvent{
			Type:         models.EventRateLimitDenied,
			Attempts:     record.Attempts,
			BlockedUntil: &until,
		}, nil
	}

	if record.LastAttempt.Before(now.Add(-policy.Window)) {
		one := 1
		if err := g.update(ctx, key, models.RecordUpdate{
			Attempts:    &one,
			LastAttempt: &now,
			ClearBlock:  true,
		}); err != nil {
			return models.Decision{}, nil, err
		}
		return allowed(policy.MaxAttempts - 1), nil, nil
	}

	attempts := record.Attempts + 1
	if attempts > policy.MaxAttempts {
		until := now.Add(policy.BlockDuration)
		if err := g.update(ctx, key, models.RecordUpdate{
			Attempts:     &attempts,
			LastAttempt:  &now,
			BlockedUntil: &until,
		}); err != nil {
			return models.Decision{}, nil, err
		}
		return denied(until), &models.GuardEvent{
			Type:         models.EventRateLimitBlocked,
			Attempts:     attempts,
			BlockedUntil: &until,
		}, nil
	}

	if err := g.update(ctx, key, models.RecordUpdate{
		Attempts:    &attempts,
		LastAttempt: &now,
	}); err != nil {
		return models.Decision{}, nil, err
	}
	return allowed(policy.MaxAttempts - attempts), nil, nil
}

// RecordSuccess clears the counter and any block for the pair. A missing
// record is a no-op and store failures are logged, never returned.
func (g *RateGuard) RecordSuccess(ctx context.Context, identity, action string) error {
	if err := validateInput(identity, action); err != nil {
		return err
	}

	key := RecordKey(identity, action)
	unlock, err := g.locks.lock(ctx, key)
	if err != nil {
		g.logger.Warn("Rate guard could not lock record on success",
			zap.String("action", action),
			zap.String("identity_hash", util.HashIdentity(identity)),
			zap.Error(err))
		return nil
	}
	defer unlock()

	record, err := g.get(ctx, key)
	if errors.Is(err, repository.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		g.logger.Warn("Rate guard could not read record on success",
			zap.String("action", action),
			zap.String("identity_hash", util.HashIdentity(identity)),
			zap.Error(err))
		return nil
	}

	zero := 0
	if err := g.update(ctx, key, models.RecordUpdate{Attempts: &zero, ClearBlock: true}); err != nil {
		g.logger.Warn("Rate guard could not clear record on success",
			zap.String("action", action),
			zap.String("identity_hash", util.HashIdentity(identity)),
			zap.Error(err))
		return nil
	}

	g.notify(ctx, models.GuardEvent{
		Type:         models.EventRateLimitCleared,
		Identity:     identity,
		Action:       action,
		Attempts:     record.Attempts,
		BlockedUntil: record.BlockedUntil,
		OccurredAt:   g.clock.Now(),
	})
	return nil
}

// Inspect returns the stored record without modifying it.
func (g *RateGuard) Inspect(ctx context.Context, identity, action string) (*models.RateRecord, error) {
	if err := validateInput(identity, action); err != nil {
		return nil, err
	}

	record, err := g.get(ctx, RecordKey(identity, action))
	if errors.Is(err, repository.ErrRecordNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return record, nil
}

// Now reads the guard's clock.
func (g *RateGuard) Now() time.Time {
	return g.clock.Now()
}

func (g *RateGuard) HealthCheck(ctx context.Context) error {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	return g.store.HealthCheck(ctx)
}

func (g *RateGuard) get(ctx context.Context, key string) (*models.RateRecord, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	return g.store.Get(ctx, key)
}

func (g *RateGuard) create(ctx context.Context, key string, record models.RateRecord) error {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	return g.store.Create(ctx, key, record)
}

func (g *RateGuard) update(ctx context.Context, key string, update models.RecordUpdate) error {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	return g.store.Update(ctx, key, update)
}

func (g *RateGuard) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.storeTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, g.storeTimeout)
}

func (g *RateGuard) notify(ctx context.Context, event models.GuardEvent) {
	if g.notifier != nil {
		g.notifier.Notify(ctx, event)
	}
}

func validateInput(identity, action string) error {
	if identity == "" {
		return fmt.Errorf("%w: identity is required", ErrInvalidInput)
	}
	if action == "" {
		return fmt.Errorf("%w: action is required", ErrInvalidInput)
	}
	return nil
}

func allowed(remaining int) models.Decision {
	return models.Decision{Allowed: true, RemainingAttempts: &remaining}
}

func denied(until time.Time) models.Decision {
	return models.Decision{Allowed: false, BlockedUntil: &until}
}
