package models

import (
	"encoding/json"
	"time"
)

// FlaggedBySystem is the actor recorded for automatic flags.
const FlaggedBySystem = "system"

// TransactionFlag is a manual or automatic fraud flag on a ledger row.
type TransactionFlag struct {
	ID              string     `json:"id" db:"id"`
	TransactionID   string     `json:"transaction_id" db:"transaction_id"`
	Reason          string     `json:"reason" db:"reason"`
	FlaggedBy       string     `json:"flagged_by" db:"flagged_by"`
	ResolvedBy      *string    `json:"resolved_by,omitempty" db:"resolved_by"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
	ResolutionNotes *string    `json:"resolution_notes,omitempty" db:"resolution_notes"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
}

// Resolved reports whether the flag reached its terminal state.
func (f *TransactionFlag) Resolved() bool {
	return f.ResolvedAt != nil
}

// Clone returns a detached copy.
func (f *TransactionFlag) Clone() *TransactionFlag {
	c := *f
	return &c
}

// AuditLogEntry is an append-only record of a sensitive state transition.
type AuditLogEntry struct {
	ID           string          `json:"id" db:"id"`
	ActorID      string          `json:"actor_id" db:"actor_id"`
	Action       string          `json:"action" db:"action"`
	ResourceType string          `json:"resource_type" db:"resource_type"`
	ResourceID   string          `json:"resource_id" db:"resource_id"`
	OldValues    json.RawMessage `json:"old_values,omitempty" db:"old_values"`
	NewValues    json.RawMessage `json:"new_values,omitempty" db:"new_values"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}
