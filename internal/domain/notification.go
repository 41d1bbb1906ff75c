package domain

import (
	"time"

	"github.com/google/uuid"
)

type NotificationStatus string

const (
	NotificationUnread NotificationStatus = "unread"
	NotificationRead   NotificationStatus = "read"
)

// Notification is the record enqueued for the affected user on every
// committed transition. Delivery is an external collaborator's concern.
type Notification struct {
	ID        uuid.UUID          `json:"id"`
	UserID    string             `json:"user_id"`
	Type      string             `json:"type"` // e.g. "withdrawal_approved"
	Message   string             `json:"message"`
	Status    NotificationStatus `json:"status"`
	CreatedAt time.Time          `json:"created_at"`
}
