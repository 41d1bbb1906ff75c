package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/fundflow/reviewops/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS requests (
    id                    TEXT PRIMARY KEY,
    kind                  TEXT NOT NULL,
    user_id               TEXT NOT NULL,
    currency              TEXT NOT NULL,
    requested_amount      NUMERIC NOT NULL,
    approved_amount       NUMERIC NOT NULL DEFAULT 0,
    proof_ref             TEXT NOT NULL DEFAULT '',
    network               TEXT NOT NULL DEFAULT '',
    tx_hash               TEXT NOT NULL DEFAULT '',
    to_address            TEXT NOT NULL DEFAULT '',
    fee                   NUMERIC NOT NULL DEFAULT 0,
    loan_id               TEXT NOT NULL DEFAULT '',
    interest_rate         NUMERIC,
    repayment_period_days INT,
    due_date              TIMESTAMPTZ,
    remaining_balance     NUMERIC,
    overdue_amount        NUMERIC,
    status                TEXT NOT NULL,
    reviewer              TEXT NOT NULL DEFAULT '',
    review_note           TEXT NOT NULL DEFAULT '',
    created_at            TIMESTAMPTZ NOT NULL,
    updated_at            TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_requests_user ON requests (user_id);
CREATE INDEX IF NOT EXISTS idx_requests_kind_status ON requests (kind, status);

CREATE TABLE IF NOT EXISTS balances (
    user_id    TEXT NOT NULL,
    currency   TEXT NOT NULL,
    available  NUMERIC NOT NULL DEFAULT 0,
    reserved   NUMERIC NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (user_id, currency)
);

CREATE TABLE IF NOT EXISTS review_actions (
    id              TEXT PRIMARY KEY,
    entity_type     TEXT NOT NULL,
    entity_id       TEXT NOT NULL,
    reviewer        TEXT NOT NULL,
    previous_status TEXT NOT NULL,
    new_status      TEXT NOT NULL,
    note            TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_review_actions_entity ON review_actions (entity_type, entity_id);

CREATE TABLE IF NOT EXISTS notifications (
    id         TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL,
    type       TEXT NOT NULL,
    message    TEXT NOT NULL,
    status     TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications (user_id);

CREATE TABLE IF NOT EXISTS settlements (
    request_id    TEXT NOT NULL,
    target_status TEXT NOT NULL,
    applied_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (request_id, target_status)
);
`

// Postgres backs the store with a pgx pool. Balance rows are serialized with
// FOR UPDATE; racing reviewers are caught by the conditional status update.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("schema apply failed: %w", err)
	}
	return nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

const requestColumns = `id, kind, user_id, currency, requested_amount, approved_amount,
	proof_ref, network, tx_hash, to_address, fee, loan_id,
	interest_rate, repayment_period_days, due_date, remaining_balance, overdue_amount,
	status, reviewer, review_note, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (domain.ReviewRequest, error) {
	var (
		r          domain.ReviewRequest
		idStr      string
		loanIDStr  string
		rate       decimal.NullDecimal
		remaining  decimal.NullDecimal
		overdue    decimal.NullDecimal
		periodDays *int
		dueDate    *time.Time
	)
	err := row.Scan(
		&idStr, &r.Kind, &r.UserID, &r.Currency, &r.RequestedAmount, &r.ApprovedAmount,
		&r.ProofRef, &r.Network, &r.TxHash, &r.ToAddress, &r.Fee, &loanIDStr,
		&rate, &periodDays, &dueDate, &remaining, &overdue,
		&r.Status, &r.Reviewer, &r.ReviewNote, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return domain.ReviewRequest{}, err
	}
	if r.ID, err = uuid.Parse(idStr); err != nil {
		return domain.ReviewRequest{}, fmt.Errorf("corrupt request id %q: %w", idStr, err)
	}
	if loanIDStr != "" {
		if r.LoanID, err = uuid.Parse(loanIDStr); err != nil {
			return domain.ReviewRequest{}, fmt.Errorf("corrupt loan id %q: %w", loanIDStr, err)
		}
	}
	if rate.Valid {
		terms := domain.LoanTerms{
			InterestRate:     rate.Decimal,
			RemainingBalance: remaining.Decimal,
			OverdueAmount:    overdue.Decimal,
		}
		if periodDays != nil {
			terms.RepaymentPeriodDays = *periodDays
		}
		if dueDate != nil {
			terms.DueDate = *dueDate
		}
		r.Loan = &terms
	}
	return r, nil
}

func loanArgs(r domain.ReviewRequest) (rate, remaining, overdue decimal.NullDecimal, periodDays *int, dueDate *time.Time) {
	if r.Loan == nil {
		return
	}
	rate = decimal.NullDecimal{Decimal: r.Loan.InterestRate, Valid: true}
	remaining = decimal.NullDecimal{Decimal: r.Loan.RemainingBalance, Valid: true}
	overdue = decimal.NullDecimal{Decimal: r.Loan.OverdueAmount, Valid: true}
	periodDays = &r.Loan.RepaymentPeriodDays
	if !r.Loan.DueDate.IsZero() {
		d := r.Loan.DueDate
		dueDate = &d
	}
	return
}

func loanIDArg(r domain.ReviewRequest) string {
	if r.LoanID == uuid.Nil {
		return ""
	}
	return r.LoanID.String()
}

func (p *Postgres) GetRequest(ctx context.Context, id uuid.UUID) (domain.ReviewRequest, error) {
	row := p.pool.QueryRow(ctx, "SELECT "+requestColumns+" FROM requests WHERE id = $1", id.String())
	r, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ReviewRequest{}, fmt.Errorf("request %s: %w", id, domain.ErrNotFound)
	}
	return r, err
}

func (p *Postgres) ListRequests(ctx context.Context, f RequestFilter) ([]domain.ReviewRequest, error) {
	var (
		where []string
		args  []any
	)
	if f.Kind != "" {
		args = append(args, string(f.Kind))
		where = append(where, fmt.Sprintf("kind = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.UserID != "" {
		args = append(args, f.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	query := "SELECT " + requestColumns + " FROM requests"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ReviewRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) GetBalance(ctx context.Context, userID, currency string) (domain.AccountBalance, error) {
	b := zeroBalance(userID, currency)
	err := p.pool.QueryRow(ctx,
		"SELECT available, reserved, updated_at FROM balances WHERE user_id = $1 AND currency = $2",
		userID, currency,
	).Scan(&b.Available, &b.Reserved, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return zeroBalance(userID, currency), nil
	}
	if err != nil {
		return domain.AccountBalance{}, err
	}
	return b, nil
}

func (p *Postgres) ListAudit(ctx context.Context, f domain.AuditFilter) ([]domain.ReviewAction, error) {
	var (
		where []string
		args  []any
	)
	if f.EntityType != "" {
		args = append(args, f.EntityType)
		where = append(where, fmt.Sprintf("entity_type = $%d", len(args)))
	}
	if f.EntityID != uuid.Nil {
		args = append(args, f.EntityID.String())
		where = append(where, fmt.Sprintf("entity_id = $%d", len(args)))
	}
	if f.NewStatus != "" {
		args = append(args, string(f.NewStatus))
		where = append(where, fmt.Sprintf("new_status = $%d", len(args)))
	}
	if !f.From.IsZero() {
		args = append(args, f.From)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		where = append(where, fmt.Sprintf("created_at <= $%d", len(args)))
	}
	query := "SELECT id, entity_type, entity_id, reviewer, previous_status, new_status, note, created_at FROM review_actions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ReviewAction
	for rows.Next() {
		var (
			a           domain.ReviewAction
			idStr       string
			entityIDStr string
		)
		if err := rows.Scan(&idStr, &a.EntityType, &entityIDStr, &a.Reviewer, &a.PreviousStatus, &a.NewStatus, &a.Note, &a.CreatedAt); err != nil {
			return nil, err
		}
		if a.ID, err = uuid.Parse(idStr); err != nil {
			return nil, fmt.Errorf("corrupt audit id %q: %w", idStr, err)
		}
		if a.EntityID, err = uuid.Parse(entityIDStr); err != nil {
			return nil, fmt.Errorf("corrupt audit entity id %q: %w", entityIDStr, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) ListNotifications(ctx context.Context, userID string) ([]domain.Notification, error) {
	query := "SELECT id, user_id, type, message, status, created_at FROM notifications"
	var args []any
	if userID != "" {
		query += " WHERE user_id = $1"
		args = append(args, userID)
	}
	query += " ORDER BY created_at, id"

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Notification
	for rows.Next() {
		var (
			n     domain.Notification
			idStr string
		)
		if err := rows.Scan(&idStr, &n.UserID, &n.Type, &n.Message, &n.Status, &n.CreatedAt); err != nil {
			return nil, err
		}
		if n.ID, err = uuid.Parse(idStr); err != nil {
			return nil, fmt.Errorf("corrupt notification id %q: %w", idStr, err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkNotificationRead(ctx context.Context, id uuid.UUID) error {
	tag, err := p.pool.Exec(ctx,
		"UPDATE notifications SET status = $1 WHERE id = $2",
		string(domain.NotificationRead), id.String(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("notification %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetRequestForUpdate(ctx context.Context, id uuid.UUID) (domain.ReviewRequest, error) {
	row := t.tx.QueryRow(ctx, "SELECT "+requestColumns+" FROM requests WHERE id = $1 FOR UPDATE", id.String())
	r, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ReviewRequest{}, fmt.Errorf("request %s: %w", id, domain.ErrNotFound)
	}
	return r, err
}

func (t *pgTx) InsertRequest(ctx context.Context, r domain.ReviewRequest) error {
	rate, remaining, overdue, periodDays, dueDate := loanArgs(r)
	_, err := t.tx.Exec(ctx, `
		INSERT INTO requests (
			id, kind, user_id, currency, requested_amount, approved_amount,
			proof_ref, network, tx_hash, to_address, fee, loan_id,
			interest_rate, repayment_period_days, due_date, remaining_balance, overdue_amount,
			status, reviewer, review_note, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
		r.ID.String(), string(r.Kind), r.UserID, r.Currency, r.RequestedAmount, r.ApprovedAmount,
		r.ProofRef, r.Network, r.TxHash, r.ToAddress, r.Fee, loanIDArg(r),
		rate, periodDays, dueDate, remaining, overdue,
		string(r.Status), r.Reviewer, r.ReviewNote, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("request insert failed: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateRequestCAS(ctx context.Context, r domain.ReviewRequest, assumed domain.Status) error {
	rate, remaining, overdue, periodDays, dueDate := loanArgs(r)
	tag, err := t.tx.Exec(ctx, `
		UPDATE requests SET
			approved_amount = $1, tx_hash = $2, fee = $3,
			interest_rate = $4, repayment_period_days = $5, due_date = $6,
			remaining_balance = $7, overdue_amount = $8,
			status = $9, reviewer = $10, review_note = $11, updated_at = $12
		WHERE id = $13 AND status = $14`,
		r.ApprovedAmount, r.TxHash, r.Fee,
		rate, periodDays, dueDate,
		remaining, overdue,
		string(r.Status), r.Reviewer, r.ReviewNote, r.UpdatedAt,
		r.ID.String(), string(assumed),
	)
	if err != nil {
		return fmt.Errorf("request update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var current string
		err := t.tx.QueryRow(ctx, "SELECT status FROM requests WHERE id = $1", r.ID.String()).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("request %s: %w", r.ID, domain.ErrNotFound)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("request %s moved to %s: %w", r.ID, current, domain.ErrConflict)
	}
	return nil
}

func (t *pgTx) UpdateLoanTerms(ctx context.Context, id uuid.UUID, terms domain.LoanTerms) error {
	var dueDate *time.Time
	if !terms.DueDate.IsZero() {
		dueDate = &terms.DueDate
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE requests SET
			interest_rate = $1, repayment_period_days = $2, due_date = $3,
			remaining_balance = $4, overdue_amount = $5
		WHERE id = $6`,
		terms.InterestRate, terms.RepaymentPeriodDays, dueDate,
		terms.RemainingBalance, terms.OverdueAmount,
		id.String(),
	)
	if err != nil {
		return fmt.Errorf("loan terms update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("request %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (t *pgTx) GetBalanceForUpdate(ctx context.Context, userID, currency string) (domain.AccountBalance, error) {
	b := zeroBalance(userID, currency)
	err := t.tx.QueryRow(ctx,
		"SELECT available, reserved, updated_at FROM balances WHERE user_id = $1 AND currency = $2 FOR UPDATE",
		userID, currency,
	).Scan(&b.Available, &b.Reserved, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return zeroBalance(userID, currency), nil
	}
	if err != nil {
		return domain.AccountBalance{}, fmt.Errorf("balance lock failed: %w", err)
	}
	return b, nil
}

func (t *pgTx) PutBalance(ctx context.Context, b domain.AccountBalance) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO balances (user_id, currency, available, reserved, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, currency)
		DO UPDATE SET available = $3, reserved = $4, updated_at = $5`,
		b.UserID, b.Currency, b.Available, b.Reserved, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("balance write failed: %w", err)
	}
	return nil
}

func (t *pgTx) InsertAudit(ctx context.Context, a domain.ReviewAction) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO review_actions (id, entity_type, entity_id, reviewer, previous_status, new_status, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID.String(), a.EntityType, a.EntityID.String(), a.Reviewer,
		string(a.PreviousStatus), string(a.NewStatus), a.Note, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit insert failed: %w", err)
	}
	return nil
}

func (t *pgTx) InsertNotification(ctx context.Context, n domain.Notification) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO notifications (id, user_id, type, message, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		n.ID.String(), n.UserID, n.Type, n.Message, string(n.Status), n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("notification insert failed: %w", err)
	}
	return nil
}

func (t *pgTx) ClaimSettlement(ctx context.Context, key domain.SettlementKey) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO settlements (request_id, target_status)
		VALUES ($1, $2)
		ON CONFLICT (request_id, target_status) DO NOTHING`,
		key.RequestID.String(), string(key.TargetStatus),
	)
	if err != nil {
		return false, fmt.Errorf("settlement claim failed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
