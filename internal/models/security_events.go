package models

import "time"

const (
	EventRateLimitBlocked  = "rate_limit_blocked"
	EventRateLimitDenied   = "rate_limit_denied"
	EventRateLimitCleared  = "rate_limit_cleared"
	EventRateLimitFailOpen = "rate_limit_fail_open"
)

type SecurityEvent struct {
	EventID           string     `json:"event_id" db:"event_id"`
	EventBucket       int        `json:"event_bucket" db:"event_bucket"`
	EventDate         string     `json:"event_date" db:"event_date"`
	EventTime         time.Time  `json:"event_time" db:"event_time"`
	EventType         string     `json:"event_type" db:"event_type"`
	Action            string     `json:"action" db:"action"`
	IdentityHash      string     `json:"identity_hash" db:"identity_hash"`
	IdentityEncrypted string     `json:"identity_encrypted,omitempty" db:"identity_encrypted"`
	IdentityKeyID     string     `json:"identity_key_id,omitempty" db:"identity_key_id"`
	IdentityDEK       string     `json:"identity_dek,omitempty" db:"identity_dek"`
	Attempts          int        `json:"attempts" db:"attempts"`
	BlockedUntil      *time.Time `json:"blocked_until,omitempty" db:"blocked_until"`
	Details           string     `json:"details,omitempty" db:"details"`
}

// GuardEvent is what the guard reports about a decision. It still carries the
// raw identity; the events pipeline hashes and encrypts it before it leaves
// the process.
type GuardEvent struct {
	Type         string
	Identity     string
	Action       string
	Attempts     int
	BlockedUntil *time.Time
	OccurredAt   time.Time
	Err          error
}
