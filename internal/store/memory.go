package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fundflow/reviewops/internal/domain"
)

// Memory is an arena-backed store keyed by request ID and (user, currency).
// One mutex serializes transactions: writes are staged on the Tx and applied
// only when the callback succeeds, so a failed transition leaves no trace.
type Memory struct {
	mu            sync.Mutex
	requests      map[uuid.UUID]domain.ReviewRequest
	balances      map[domain.BalanceKey]domain.AccountBalance
	audits        []domain.ReviewAction
	notifications []domain.Notification
	settlements   map[domain.SettlementKey]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		requests:    make(map[uuid.UUID]domain.ReviewRequest),
		balances:    make(map[domain.BalanceKey]domain.AccountBalance),
		settlements: make(map[domain.SettlementKey]struct{}),
	}
}

func (m *Memory) Close() {}

func (m *Memory) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{
		base:        m,
		requests:    make(map[uuid.UUID]domain.ReviewRequest),
		balances:    make(map[domain.BalanceKey]domain.AccountBalance),
		settlements: make(map[domain.SettlementKey]struct{}),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.apply()
	return nil
}

func (m *Memory) GetRequest(ctx context.Context, id uuid.UUID) (domain.ReviewRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok {
		return domain.ReviewRequest{}, fmt.Errorf("request %s: %w", id, domain.ErrNotFound)
	}
	return r.Clone(), nil
}

func (m *Memory) ListRequests(ctx context.Context, f RequestFilter) ([]domain.ReviewRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.ReviewRequest
	for _, r := range m.requests {
		if f.matches(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (m *Memory) GetBalance(ctx context.Context, userID, currency string) (domain.AccountBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.balances[domain.BalanceKey{UserID: userID, Currency: currency}]
	if !ok {
		return zeroBalance(userID, currency), nil
	}
	return b, nil
}

func (m *Memory) ListAudit(ctx context.Context, f domain.AuditFilter) ([]domain.ReviewAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.ReviewAction
	for _, a := range m.audits {
		if f.Matches(a) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *Memory) ListNotifications(ctx context.Context, userID string) ([]domain.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Notification
	for _, n := range m.notifications {
		if userID == "" || n.UserID == userID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *Memory) MarkNotificationRead(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.notifications {
		if m.notifications[i].ID == id {
			m.notifications[i].Status = domain.NotificationRead
			return nil
		}
	}
	return fmt.Errorf("notification %s: %w", id, domain.ErrNotFound)
}

// memTx stages writes against the arena and applies them on commit. The
// store mutex is held for the whole transaction, so reads are consistent.
type memTx struct {
	base        *Memory
	requests    map[uuid.UUID]domain.ReviewRequest
	balances    map[domain.BalanceKey]domain.AccountBalance
	audits      []domain.ReviewAction
	notifs      []domain.Notification
	settlements map[domain.SettlementKey]struct{}
}

func (t *memTx) apply() {
	for id, r := range t.requests {
		t.base.requests[id] = r
	}
	for k, b := range t.balances {
		t.base.balances[k] = b
	}
	t.base.audits = append(t.base.audits, t.audits...)
	t.base.notifications = append(t.base.notifications, t.notifs...)
	for k := range t.settlements {
		t.base.settlements[k] = struct{}{}
	}
}

func (t *memTx) get(id uuid.UUID) (domain.ReviewRequest, bool) {
	if r, ok := t.requests[id]; ok {
		return r, true
	}
	r, ok := t.base.requests[id]
	return r, ok
}

func (t *memTx) GetRequestForUpdate(ctx context.Context, id uuid.UUID) (domain.ReviewRequest, error) {
	r, ok := t.get(id)
	if !ok {
		return domain.ReviewRequest{}, fmt.Errorf("request %s: %w", id, domain.ErrNotFound)
	}
	return r.Clone(), nil
}

func (t *memTx) InsertRequest(ctx context.Context, r domain.ReviewRequest) error {
	if _, ok := t.get(r.ID); ok {
		return fmt.Errorf("request %s already exists: %w", r.ID, domain.ErrConflict)
	}
	t.requests[r.ID] = r.Clone()
	return nil
}

func (t *memTx) UpdateRequestCAS(ctx context.Context, r domain.ReviewRequest, assumed domain.Status) error {
	stored, ok := t.get(r.ID)
	if !ok {
		return fmt.Errorf("request %s: %w", r.ID, domain.ErrNotFound)
	}
	if stored.Status != assumed {
		return fmt.Errorf("request %s moved to %s: %w", r.ID, stored.Status, domain.ErrConflict)
	}
	t.requests[r.ID] = r.Clone()
	return nil
}

func (t *memTx) UpdateLoanTerms(ctx context.Context, id uuid.UUID, terms domain.LoanTerms) error {
	stored, ok := t.get(id)
	if !ok {
		return fmt.Errorf("request %s: %w", id, domain.ErrNotFound)
	}
	stored = stored.Clone()
	stored.Loan = &terms
	t.requests[id] = stored
	return nil
}

func (t *memTx) GetBalanceForUpdate(ctx context.Context, userID, currency string) (domain.AccountBalance, error) {
	key := domain.BalanceKey{UserID: userID, Currency: currency}
	if b, ok := t.balances[key]; ok {
		return b, nil
	}
	if b, ok := t.base.balances[key]; ok {
		return b, nil
	}
	return zeroBalance(userID, currency), nil
}

func (t *memTx) PutBalance(ctx context.Context, b domain.AccountBalance) error {
	t.balances[b.Key()] = b
	return nil
}

func (t *memTx) InsertAudit(ctx context.Context, a domain.ReviewAction) error {
	t.audits = append(t.audits, a)
	return nil
}

func (t *memTx) InsertNotification(ctx context.Context, n domain.Notification) error {
	t.notifs = append(t.notifs, n)
	return nil
}

func (t *memTx) ClaimSettlement(ctx context.Context, key domain.SettlementKey) (bool, error) {
	if _, ok := t.settlements[key]; ok {
		return false, nil
	}
	if _, ok := t.base.settlements[key]; ok {
		return false, nil
	}
	t.settlements[key] = struct{}{}
	return true, nil
}

func zeroBalance(userID, currency string) domain.AccountBalance {
	return domain.AccountBalance{
		UserID:    userID,
		Currency:  currency,
		Available: decimal.Zero,
		Reserved:  decimal.Zero,
	}
}
