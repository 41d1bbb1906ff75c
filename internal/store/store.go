// Package store persists the engine's entities. Two backends exist: a
// Postgres implementation used in production and an in-memory arena used in
// development mode and tests. Both serialize transitions through WithinTx and
// detect racing reviewers with a compare-and-set on the stored status.
package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/fundflow/reviewops/internal/domain"
)

// RequestFilter narrows ListRequests. Zero fields match everything.
type RequestFilter struct {
	Kind   domain.RequestKind
	Status domain.Status
	UserID string
}

func (f RequestFilter) matches(r domain.ReviewRequest) bool {
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.UserID != "" && r.UserID != f.UserID {
		return false
	}
	return true
}

// Store is the read surface plus the transactional entry point. All writes
// happen inside WithinTx; the callback's error aborts every staged effect.
type Store interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	GetRequest(ctx context.Context, id uuid.UUID) (domain.ReviewRequest, error)
	ListRequests(ctx context.Context, f RequestFilter) ([]domain.ReviewRequest, error)
	GetBalance(ctx context.Context, userID, currency string) (domain.AccountBalance, error)
	ListAudit(ctx context.Context, f domain.AuditFilter) ([]domain.ReviewAction, error)
	ListNotifications(ctx context.Context, userID string) ([]domain.Notification, error)
	MarkNotificationRead(ctx context.Context, id uuid.UUID) error

	Close()
}

// Tx is the write surface visible inside one transaction.
type Tx interface {
	GetRequestForUpdate(ctx context.Context, id uuid.UUID) (domain.ReviewRequest, error)
	InsertRequest(ctx context.Context, r domain.ReviewRequest) error

	// UpdateRequestCAS persists r only if the stored status still equals
	// assumed. A lost race returns domain.ErrConflict.
	UpdateRequestCAS(ctx context.Context, r domain.ReviewRequest, assumed domain.Status) error

	// UpdateLoanTerms rewrites the loan columns of an existing request.
	UpdateLoanTerms(ctx context.Context, id uuid.UUID, terms domain.LoanTerms) error

	// GetBalanceForUpdate locks and returns the balance row, or a zero-valued
	// row carrying the key if none exists yet.
	GetBalanceForUpdate(ctx context.Context, userID, currency string) (domain.AccountBalance, error)
	PutBalance(ctx context.Context, b domain.AccountBalance) error

	InsertAudit(ctx context.Context, a domain.ReviewAction) error
	InsertNotification(ctx context.Context, n domain.Notification) error

	// ClaimSettlement records key as applied. It returns false, without
	// error, when the key was already claimed by an earlier transaction.
	ClaimSettlement(ctx context.Context, key domain.SettlementKey) (bool, error)
}
