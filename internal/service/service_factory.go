package service

import (
	"abuse-guard/internal/config"
	"abuse-guard/internal/repository"

	"go.uber.org/zap"
)

// ServiceFactory builds the services that sit on top of a counter store.
type ServiceFactory struct {
	store     repository.CounterStore
	guardCfg  config.GuardConfig
	notifier  Notifier
	logger    *zap.Logger
	rateGuard *RateGuard
}

func NewServiceFactory(store repository.CounterStore, guardCfg config.GuardConfig, notifier Notifier, logger *zap.Logger) *ServiceFactory {
	return &ServiceFactory{
		store:    store,
		guardCfg: guardCfg,
		notifier: notifier,
		logger:   logger,
	}
}

// RateGuard returns the shared guard, creating it on first use.
func (f *ServiceFactory) RateGuard() (*RateGuard, error) {
	if f.rateGuard != nil {
		return f.rateGuard, nil
	}

	guard, err := NewRateGuard(f.store, GuardConfigFrom(f.guardCfg, f.notifier), f.logger)
	if err != nil {
		return nil, err
	}
	f.rateGuard = guard
	return guard, nil
}

// GuardConfigFrom converts loaded configuration into a RateGuardConfig.
func GuardConfigFrom(cfg config.GuardConfig, notifier Notifier) RateGuardConfig {
	actions := make(map[string]Policy, len(cfg.Actions))
	for action, p := range cfg.Actions {
		actions[action] = policyFrom(p)
	}
	return RateGuardConfig{
		Default:      policyFrom(cfg.Default),
		Actions:      actions,
		StoreTimeout: cfg.StoreTimeout,
		Notifier:     notifier,
	}
}

func policyFrom(p config.PolicyConfig) Policy {
	return Policy{
		MaxAttempts:   p.MaxAttempts,
		Window:        p.Window,
		BlockDuration: p.BlockDuration,
	}
}
