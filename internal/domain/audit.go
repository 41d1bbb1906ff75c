package domain

import (
	"time"

	"github.com/google/uuid"
)

// ReviewAction is one append-only audit row. Rows are never updated or
// deleted; the trail is the authoritative history of every transition.
type ReviewAction struct {
	ID             uuid.UUID `json:"id"`
	EntityType     string    `json:"entity_type"` // request kind
	EntityID       uuid.UUID `json:"entity_id"`
	Reviewer       string    `json:"reviewer"`
	PreviousStatus Status    `json:"previous_status"`
	NewStatus      Status    `json:"new_status"`
	Note           string    `json:"note,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// AuditFilter narrows audit queries. Zero fields match everything.
type AuditFilter struct {
	EntityType string
	EntityID   uuid.UUID
	From       time.Time
	To         time.Time
	NewStatus  Status
}

// Matches reports whether a satisfies the filter.
func (f AuditFilter) Matches(a ReviewAction) bool {
	if f.EntityType != "" && a.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != uuid.Nil && a.EntityID != f.EntityID {
		return false
	}
	if f.NewStatus != "" && a.NewStatus != f.NewStatus {
		return false
	}
	if !f.From.IsZero() && a.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && a.CreatedAt.After(f.To) {
		return false
	}
	return true
}
