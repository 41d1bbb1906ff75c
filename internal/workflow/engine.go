// Package workflow is the review engine: one parametrized state machine
// driving every request kind through its policy, with all four side effects
// of a transition (state write, settlement, audit, notification) committed as
// a single unit.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fundflow/reviewops/internal/domain"
	"github.com/fundflow/reviewops/internal/ledger"
	"github.com/fundflow/reviewops/internal/settlement"
	"github.com/fundflow/reviewops/internal/store"
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "review_transitions_total",
		Help: "Review transitions processed, labeled by outcome",
	}, []string{"kind", "target", "outcome"})

	submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "review_submissions_total",
		Help: "Request submissions processed, labeled by outcome",
	}, []string{"kind", "outcome"})
)

type Engine struct {
	store    store.Store
	settle   *settlement.Service
	policies map[domain.RequestKind]Policy
	log      *zap.SugaredLogger
	now      func() time.Time
}

func NewEngine(st store.Store, logger *zap.SugaredLogger) *Engine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Engine{
		store:    st,
		settle:   settlement.NewService(ledger.NewManager()),
		policies: DefaultPolicies(),
		log:      logger,
		now:      time.Now,
	}
}

// SetPolicy replaces the policy for p.Kind. Intended for deployment-specific
// tuning (e.g. enabling DebitPayer for loan payments).
func (e *Engine) SetPolicy(p Policy) {
	e.policies[p.Kind] = p
}

// SubmitInput is the intake payload for a new request.
type SubmitInput struct {
	Kind                domain.RequestKind
	UserID              string
	Currency            string
	Amount              decimal.Decimal
	ProofRef            string
	Network             string
	TxHash              string
	ToAddress           string
	Fee                 decimal.Decimal
	InterestRate        decimal.Decimal
	RepaymentPeriodDays int
	LoanID              uuid.UUID
}

// Submit creates a request in pending. Withdrawal submissions reserve the
// requested amount; a failed reservation means no request row is created.
func (e *Engine) Submit(ctx context.Context, in SubmitInput) (domain.ReviewRequest, error) {
	req, err := e.buildRequest(in)
	if err != nil {
		submissionsTotal.WithLabelValues(string(in.Kind), "invalid").Inc()
		return domain.ReviewRequest{}, err
	}

	err = e.store.WithinTx(ctx, func(tx store.Tx) error {
		if req.Kind == domain.KindLoanPayment {
			loan, err := tx.GetRequestForUpdate(ctx, req.LoanID)
			if err != nil {
				return err
			}
			if loan.Kind != domain.KindLoan {
				return fmt.Errorf("request %s is not a loan: %w", req.LoanID, domain.ErrValidation)
			}
			if loan.Status != domain.StatusActive {
				return fmt.Errorf("loan %s is %s, not active: %w", loan.ID, loan.Status, domain.ErrValidation)
			}
			req.Currency = loan.Currency
		}
		if err := tx.InsertRequest(ctx, req); err != nil {
			return err
		}
		if req.Kind == domain.KindWithdrawal {
			policy := e.policies[req.Kind]
			if _, err := e.settle.Apply(ctx, tx, &req, domain.StatusPending, policy.DebitPayer); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		submissionsTotal.WithLabelValues(string(in.Kind), "failed").Inc()
		return domain.ReviewRequest{}, err
	}

	submissionsTotal.WithLabelValues(string(in.Kind), "created").Inc()
	e.log.Infow("request submitted",
		"kind", req.Kind, "request_id", req.ID, "user_id", req.UserID, "amount", req.RequestedAmount)
	return req, nil
}

func (e *Engine) buildRequest(in SubmitInput) (domain.ReviewRequest, error) {
	if !in.Kind.Valid() {
		return domain.ReviewRequest{}, fmt.Errorf("unknown request kind %q: %w", in.Kind, domain.ErrValidation)
	}
	if in.UserID == "" {
		return domain.ReviewRequest{}, fmt.Errorf("user id required: %w", domain.ErrValidation)
	}
	if !in.Amount.IsPositive() {
		return domain.ReviewRequest{}, fmt.Errorf("amount must be positive: %w", domain.ErrValidation)
	}

	now := e.now()
	req := domain.ReviewRequest{
		ID:              uuid.New(),
		Kind:            in.Kind,
		UserID:          in.UserID,
		Currency:        in.Currency,
		RequestedAmount: in.Amount,
		ApprovedAmount:  decimal.Zero,
		ProofRef:        in.ProofRef,
		Network:         in.Network,
		TxHash:          in.TxHash,
		Fee:             decimal.Zero,
		Status:          domain.StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	switch in.Kind {
	case domain.KindDeposit:
		if in.Currency == "" {
			return domain.ReviewRequest{}, fmt.Errorf("currency required: %w", domain.ErrValidation)
		}
	case domain.KindWithdrawal:
		if in.Currency == "" {
			return domain.ReviewRequest{}, fmt.Errorf("currency required: %w", domain.ErrValidation)
		}
		if in.ToAddress == "" {
			return domain.ReviewRequest{}, fmt.Errorf("destination address required: %w", domain.ErrValidation)
		}
		if in.Fee.IsNegative() || in.Fee.GreaterThan(in.Amount) {
			return domain.ReviewRequest{}, fmt.Errorf("fee must be between 0 and the amount: %w", domain.ErrValidation)
		}
		req.ToAddress = in.ToAddress
		req.Fee = in.Fee
	case domain.KindLoan:
		if in.Currency == "" {
			return domain.ReviewRequest{}, fmt.Errorf("currency required: %w", domain.ErrValidation)
		}
		if in.InterestRate.IsNegative() {
			return domain.ReviewRequest{}, fmt.Errorf("interest rate must not be negative: %w", domain.ErrValidation)
		}
		if in.RepaymentPeriodDays <= 0 {
			return domain.ReviewRequest{}, fmt.Errorf("repayment period required: %w", domain.ErrValidation)
		}
		req.Loan = &domain.LoanTerms{
			InterestRate:        in.InterestRate,
			RepaymentPeriodDays: in.RepaymentPeriodDays,
			RemainingBalance:    decimal.Zero,
			OverdueAmount:       decimal.Zero,
		}
	case domain.KindLoanPayment:
		if in.LoanID == uuid.Nil {
			return domain.ReviewRequest{}, fmt.Errorf("loan id required: %w", domain.ErrValidation)
		}
		req.LoanID = in.LoanID
	}
	return req, nil
}

// Transition moves a request to target on behalf of reviewer. The stored
// status is compare-and-set: a reviewer who validated against a stale status
// gets Conflict and must re-fetch. Re-invoking with target equal to the
// current committed status is a successful no-op.
func (e *Engine) Transition(ctx context.Context, id uuid.UUID, target domain.Status, reviewer domain.Reviewer, note string, approvedAmount *decimal.Decimal) (domain.ReviewRequest, error) {
	req, err := e.store.GetRequest(ctx, id)
	if err != nil {
		return domain.ReviewRequest{}, err
	}

	if req.Status == target {
		transitionsTotal.WithLabelValues(string(req.Kind), string(target), "noop").Inc()
		return req, nil
	}

	updated, err := e.validateTransition(req, target, reviewer, note, approvedAmount)
	if err != nil {
		transitionsTotal.WithLabelValues(string(req.Kind), string(target), "invalid").Inc()
		return domain.ReviewRequest{}, err
	}

	policy := e.policies[req.Kind]
	assumed := req.Status

	err = e.store.WithinTx(ctx, func(tx store.Tx) error {
		if err := tx.UpdateRequestCAS(ctx, updated, assumed); err != nil {
			return err
		}
		res, err := e.settle.Apply(ctx, tx, &updated, target, policy.DebitPayer)
		if err != nil {
			return err
		}
		if err := e.recordTransition(ctx, tx, updated, assumed, reviewer.ID, note); err != nil {
			return err
		}
		if res.LoanCompleted != nil {
			return e.recordTransition(ctx, tx, *res.LoanCompleted, domain.StatusActive, reviewer.ID, res.LoanCompleted.ReviewNote)
		}
		return nil
	})
	if err != nil {
		outcome := "failed"
		if errors.Is(err, domain.ErrConflict) {
			outcome = "conflict"
		}
		transitionsTotal.WithLabelValues(string(req.Kind), string(target), outcome).Inc()
		e.log.Warnw("transition aborted",
			"kind", req.Kind, "request_id", id, "target", target, "reviewer", reviewer.ID, "error", err)
		return domain.ReviewRequest{}, err
	}

	transitionsTotal.WithLabelValues(string(req.Kind), string(target), "committed").Inc()
	e.log.Infow("transition committed",
		"kind", req.Kind, "request_id", id, "from", assumed, "target", target, "reviewer", reviewer.ID)
	return updated, nil
}

func (e *Engine) validateTransition(req domain.ReviewRequest, target domain.Status, reviewer domain.Reviewer, note string, approvedAmount *decimal.Decimal) (domain.ReviewRequest, error) {
	policy, ok := e.policies[req.Kind]
	if !ok {
		return domain.ReviewRequest{}, fmt.Errorf("no policy for kind %q: %w", req.Kind, domain.ErrValidation)
	}
	if reviewer.ID == "" || !reviewer.Role.Valid() {
		return domain.ReviewRequest{}, fmt.Errorf("reviewer identity required: %w", domain.ErrPermissionDenied)
	}
	if !reviewer.Role.AtLeast(policy.MinRole) {
		return domain.ReviewRequest{}, fmt.Errorf("%s review requires role %s: %w", req.Kind, policy.MinRole, domain.ErrPermissionDenied)
	}
	if !policy.Allows(req.Status, target) {
		return domain.ReviewRequest{}, fmt.Errorf("%s cannot move %s -> %s: %w", req.Kind, req.Status, target, domain.ErrInvalidStateTransition)
	}
	if target == domain.StatusRejected && strings.TrimSpace(note) == "" {
		return domain.ReviewRequest{}, fmt.Errorf("rejection requires a note: %w", domain.ErrValidation)
	}

	updated := req.Clone()
	updated.Status = target
	updated.Reviewer = reviewer.ID
	updated.ReviewNote = note
	updated.UpdatedAt = e.now()

	switch {
	case target == domain.StatusApproved:
		amount := req.RequestedAmount
		if approvedAmount != nil {
			amount = *approvedAmount
		}
		limit := req.RequestedAmount.Mul(policy.MaxApproveFactor)
		if !amount.IsPositive() || amount.GreaterThan(limit) {
			return domain.ReviewRequest{}, fmt.Errorf("approved amount %s outside (0, %s]: %w", amount, limit, domain.ErrValidation)
		}
		updated.ApprovedAmount = amount
	case approvedAmount != nil:
		return domain.ReviewRequest{}, fmt.Errorf("approved amount only applies to approval: %w", domain.ErrValidation)
	}

	return updated, nil
}

func (e *Engine) recordTransition(ctx context.Context, tx store.Tx, req domain.ReviewRequest, from domain.Status, reviewerID, note string) error {
	now := e.now()
	if err := tx.InsertAudit(ctx, domain.ReviewAction{
		ID:             uuid.New(),
		EntityType:     string(req.Kind),
		EntityID:       req.ID,
		Reviewer:       reviewerID,
		PreviousStatus: from,
		NewStatus:      req.Status,
		Note:           note,
		CreatedAt:      now,
	}); err != nil {
		return err
	}
	return tx.InsertNotification(ctx, domain.Notification{
		ID:        uuid.New(),
		UserID:    req.UserID,
		Type:      fmt.Sprintf("%s_%s", req.Kind, req.Status),
		Message:   fmt.Sprintf("Your %s request %s moved from %s to %s.", req.Kind, req.ID, from, req.Status),
		Status:    domain.NotificationUnread,
		CreatedAt: now,
	})
}
