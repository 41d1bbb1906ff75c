// Package settlement translates committed workflow transitions into ledger
// calls, exactly once per (request, target-state) pair.
package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fundflow/reviewops/internal/domain"
	"github.com/fundflow/reviewops/internal/ledger"
	"github.com/fundflow/reviewops/internal/store"
)

var hundred = decimal.NewFromInt(100)

type Service struct {
	ledger *ledger.Manager
	now    func() time.Time
}

func NewService(l *ledger.Manager) *Service {
	return &Service{ledger: l, now: time.Now}
}

// Result reports side effects beyond the request's own row.
type Result struct {
	// LoanCompleted is set when a loan payment drove the parent loan's
	// remaining balance to zero; the loan row has already been moved to
	// completed inside this transaction.
	LoanCompleted *domain.ReviewRequest
}

// Apply performs the balance effect of req reaching target. The effect is
// keyed by (req.ID, target); a key claimed by an earlier transaction makes
// Apply a successful no-op. Apply may mutate req's loan terms; the caller
// persists the row.
func (s *Service) Apply(ctx context.Context, tx store.Tx, req *domain.ReviewRequest, target domain.Status, debitPayer bool) (Result, error) {
	claimed, err := tx.ClaimSettlement(ctx, domain.SettlementKey{RequestID: req.ID, TargetStatus: target})
	if err != nil {
		return Result{}, err
	}
	if !claimed {
		return Result{}, nil
	}

	switch req.Kind {
	case domain.KindDeposit:
		return Result{}, s.applyDeposit(ctx, tx, req, target)
	case domain.KindWithdrawal:
		return Result{}, s.applyWithdrawal(ctx, tx, req, target)
	case domain.KindLoan:
		return Result{}, s.applyLoan(ctx, tx, req, target)
	case domain.KindLoanPayment:
		return s.applyLoanPayment(ctx, tx, req, target, debitPayer)
	}
	return Result{}, fmt.Errorf("unknown request kind %q: %w", req.Kind, domain.ErrValidation)
}

func (s *Service) applyDeposit(ctx context.Context, tx store.Tx, req *domain.ReviewRequest, target domain.Status) error {
	if target != domain.StatusApproved {
		return nil
	}
	return s.ledger.Credit(ctx, tx, req.UserID, req.Currency, req.ApprovedAmount)
}

func (s *Service) applyWithdrawal(ctx context.Context, tx store.Tx, req *domain.ReviewRequest, target domain.Status) error {
	switch target {
	case domain.StatusPending:
		// Submission-time reservation; approval can then never fail for
		// insufficient funds.
		return s.ledger.Reserve(ctx, tx, req.UserID, req.Currency, req.RequestedAmount)
	case domain.StatusCompleted:
		if err := s.ledger.Commit(ctx, tx, req.UserID, req.Currency, req.ApprovedAmount); err != nil {
			return err
		}
		remainder := req.RequestedAmount.Sub(req.ApprovedAmount)
		if remainder.IsPositive() {
			return s.ledger.Release(ctx, tx, req.UserID, req.Currency, remainder)
		}
		return nil
	case domain.StatusRejected, domain.StatusFailed:
		return s.ledger.Release(ctx, tx, req.UserID, req.Currency, req.RequestedAmount)
	}
	return nil
}

func (s *Service) applyLoan(ctx context.Context, tx store.Tx, req *domain.ReviewRequest, target domain.Status) error {
	if req.Loan == nil {
		return fmt.Errorf("loan request %s has no terms: %w", req.ID, domain.ErrValidation)
	}
	switch target {
	case domain.StatusActive:
		// Disbursement: credit the principal and establish the repayment
		// balance with interest.
		if err := s.ledger.Credit(ctx, tx, req.UserID, req.Currency, req.ApprovedAmount); err != nil {
			return err
		}
		terms := *req.Loan
		terms.RemainingBalance = req.ApprovedAmount.Mul(decimal.NewFromInt(1).Add(terms.InterestRate.Div(hundred)))
		terms.DueDate = s.now().AddDate(0, 0, terms.RepaymentPeriodDays)
		req.Loan = &terms
		return tx.UpdateLoanTerms(ctx, req.ID, terms)
	case domain.StatusDefaulted:
		terms := *req.Loan
		terms.OverdueAmount = terms.RemainingBalance
		req.Loan = &terms
		return tx.UpdateLoanTerms(ctx, req.ID, terms)
	}
	return nil
}

func (s *Service) applyLoanPayment(ctx context.Context, tx store.Tx, req *domain.ReviewRequest, target domain.Status, debitPayer bool) (Result, error) {
	if target != domain.StatusApproved {
		return Result{}, nil
	}

	loan, err := tx.GetRequestForUpdate(ctx, req.LoanID)
	if err != nil {
		return Result{}, err
	}
	if loan.Kind != domain.KindLoan || loan.Loan == nil {
		return Result{}, fmt.Errorf("request %s is not a loan: %w", req.LoanID, domain.ErrValidation)
	}
	if loan.Status != domain.StatusActive {
		return Result{}, fmt.Errorf("loan %s is %s, not active: %w", loan.ID, loan.Status, domain.ErrConflict)
	}

	amount := req.ApprovedAmount
	if amount.GreaterThan(loan.Loan.RemainingBalance) {
		return Result{}, fmt.Errorf("payment %s exceeds remaining balance %s: %w",
			amount, loan.Loan.RemainingBalance, domain.ErrValidation)
	}

	if debitPayer {
		if err := s.ledger.Debit(ctx, tx, req.UserID, loan.Currency, amount); err != nil {
			return Result{}, err
		}
	}

	terms := *loan.Loan
	terms.RemainingBalance = terms.RemainingBalance.Sub(amount)
	loan.Loan = &terms

	if terms.RemainingBalance.IsZero() {
		// Chained effect: the fully repaid loan completes in the same commit.
		if _, err := tx.ClaimSettlement(ctx, domain.SettlementKey{RequestID: loan.ID, TargetStatus: domain.StatusCompleted}); err != nil {
			return Result{}, err
		}
		loan.Status = domain.StatusCompleted
		loan.Reviewer = req.Reviewer
		loan.ReviewNote = "loan repaid in full"
		loan.UpdatedAt = s.now()
		if err := tx.UpdateRequestCAS(ctx, loan, domain.StatusActive); err != nil {
			return Result{}, err
		}
		return Result{LoanCompleted: &loan}, nil
	}

	return Result{}, tx.UpdateLoanTerms(ctx, loan.ID, terms)
}
