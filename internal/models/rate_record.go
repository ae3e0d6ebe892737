package models

import "time"

// RateRecord is the persisted attempt counter for one (identity, action) pair.
type RateRecord struct {
	Key          string     `json:"key" db:"record_key"`
	Attempts     int        `json:"attempts" db:"attempts"`
	LastAttempt  time.Time  `json:"last_attempt" db:"last_attempt"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty" db:"blocked_until"`
}

// IsBlocked reports whether the record denies attempts at now.
func (r *RateRecord) IsBlocked(now time.Time) bool {
	return r.BlockedUntil != nil && now.Before(*r.BlockedUntil)
}

// RecordUpdate is a partial write. Nil fields are left untouched; ClearBlock
// removes BlockedUntil and wins over a non-nil BlockedUntil.
type RecordUpdate struct {
	Attempts     *int
	LastAttempt  *time.Time
	BlockedUntil *time.Time
	ClearBlock   bool
}

// Apply returns a copy of r with u applied.
func (u RecordUpdate) Apply(r RateRecord) RateRecord {
	if u.Attempts != nil {
		r.Attempts = *u.Attempts
	}
	if u.LastAttempt != nil {
		r.LastAttempt = *u.LastAttempt
	}
	if u.ClearBlock {
		r.BlockedUntil = nil
	} else if u.BlockedUntil != nil {
		t := *u.BlockedUntil
		r.BlockedUntil = &t
	}
	return r
}

// Decision is the outcome of a guarded attempt.
type Decision struct {
	Allowed           bool       `json:"allowed"`
	RemainingAttempts *int       `json:"remaining_attempts,omitempty"`
	BlockedUntil      *time.Time `json:"blocked_until,omitempty"`
}
