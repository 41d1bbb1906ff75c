// Package ledger owns every mutation of an account balance. Callers never
// touch available/reserved directly; the five primitives here are the only
// path, and each one runs against a locked balance row inside the caller's
// transaction.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fundflow/reviewops/internal/domain"
)

// BalanceStore is the slice of the store transaction the manager needs.
type BalanceStore interface {
	GetBalanceForUpdate(ctx context.Context, userID, currency string) (domain.AccountBalance, error)
	PutBalance(ctx context.Context, b domain.AccountBalance) error
}

type Manager struct {
	now func() time.Time
}

func NewManager() *Manager {
	return &Manager{now: time.Now}
}

// Reserve moves amount from available to reserved, pending the outcome of a
// request. Fails with InsufficientBalance when available < amount.
func (m *Manager) Reserve(ctx context.Context, bs BalanceStore, userID, currency string, amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	b, err := bs.GetBalanceForUpdate(ctx, userID, currency)
	if err != nil {
		return err
	}
	if b.Available.LessThan(amount) {
		return fmt.Errorf("reserve %s %s for user %s: available %s: %w",
			amount, currency, userID, b.Available, domain.ErrInsufficientBalance)
	}
	b.Available = b.Available.Sub(amount)
	b.Reserved = b.Reserved.Add(amount)
	b.UpdatedAt = m.now()
	return bs.PutBalance(ctx, b)
}

// Release returns reserved funds to available, undoing a reservation.
func (m *Manager) Release(ctx context.Context, bs BalanceStore, userID, currency string, amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	b, err := bs.GetBalanceForUpdate(ctx, userID, currency)
	if err != nil {
		return err
	}
	if b.Reserved.LessThan(amount) {
		return fmt.Errorf("release %s %s for user %s: reserved %s: %w",
			amount, currency, userID, b.Reserved, domain.ErrInvalidReservation)
	}
	b.Reserved = b.Reserved.Sub(amount)
	b.Available = b.Available.Add(amount)
	b.UpdatedAt = m.now()
	return bs.PutBalance(ctx, b)
}

// Commit removes reserved funds permanently; the money has left the system.
func (m *Manager) Commit(ctx context.Context, bs BalanceStore, userID, currency string, amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	b, err := bs.GetBalanceForUpdate(ctx, userID, currency)
	if err != nil {
		return err
	}
	if b.Reserved.LessThan(amount) {
		return fmt.Errorf("commit %s %s for user %s: reserved %s: %w",
			amount, currency, userID, b.Reserved, domain.ErrInvalidReservation)
	}
	b.Reserved = b.Reserved.Sub(amount)
	b.UpdatedAt = m.now()
	return bs.PutBalance(ctx, b)
}

// Credit adds amount to available funds.
func (m *Manager) Credit(ctx context.Context, bs BalanceStore, userID, currency string, amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	b, err := bs.GetBalanceForUpdate(ctx, userID, currency)
	if err != nil {
		return err
	}
	b.Available = b.Available.Add(amount)
	b.UpdatedAt = m.now()
	return bs.PutBalance(ctx, b)
}

// Debit subtracts amount from available funds, guarded against going negative.
func (m *Manager) Debit(ctx context.Context, bs BalanceStore, userID, currency string, amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	b, err := bs.GetBalanceForUpdate(ctx, userID, currency)
	if err != nil {
		return err
	}
	if b.Available.LessThan(amount) {
		return fmt.Errorf("debit %s %s for user %s: available %s: %w",
			amount, currency, userID, b.Available, domain.ErrInsufficientBalance)
	}
	b.Available = b.Available.Sub(amount)
	b.UpdatedAt = m.now()
	return bs.PutBalance(ctx, b)
}

func checkAmount(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("negative amount %s: %w", amount, domain.ErrValidation)
	}
	return nil
}
