// Package repository defines the counter store contract the guard persists
// rate records through. Implementations live in the memory, redis and scylla
// subpackages.
package repository

import (
	"context"
	"errors"

	"abuse-guard/internal/models"
)

var (
	ErrRecordNotFound = errors.New("rate record not found")
	ErrRecordExists   = errors.New("rate record already exists")
)

// CounterStore persists RateRecords by key.
//
// Update must apply every field of a RecordUpdate in one atomic write.
// Nothing is assumed about isolation across separate calls.
type CounterStore interface {
	// Get returns ErrRecordNotFound when the key has no record.
	Get(ctx context.Context, key string) (*models.RateRecord, error)
	// Create returns ErrRecordExists instead of overwriting.
	Create(ctx context.Context, key string, record models.RateRecord) error
	Update(ctx context.Context, key string, update models.RecordUpdate) error
	HealthCheck(ctx context.Context) error
}
