// Package memory provides an in-process CounterStore for tests and
// single-instance development runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"abuse-guard/internal/models"
	"abuse-guard/internal/repository"
)

type Store struct {
	mu      sync.RWMutex
	records map[string]models.RateRecord
}

var _ repository.CounterStore = (*Store)(nil)

func NewStore() *Store {
	return &Store{records: make(map[string]models.RateRecord)}
}

func (s *Store) Get(ctx context.Context, key string) (*models.RateRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[key]
	if !ok {
		return nil, repository.ErrRecordNotFound
	}
	return cloneRecord(record), nil
}

func (s *Store) Create(ctx context.Context, key string, record models.RateRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[key]; ok {
		return fmt.Errorf("%w: %s", repository.ErrRecordExists, key)
	}
	record.Key = key
	s.records[key] = *cloneRecord(record)
	return nil
}

func (s *Store) Update(ctx context.Context, key string, update models.RecordUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[key]
	if !ok {
		return fmt.Errorf("%w: %s", repository.ErrRecordNotFound, key)
	}
	s.records[key] = update.Apply(record)
	return nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	return ctx.Err()
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func cloneRecord(r models.RateRecord) *models.RateRecord {
	if r.BlockedUntil != nil {
		t := *r.BlockedUntil
		r.BlockedUntil = &t
	}
	return &r
}
