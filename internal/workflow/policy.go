package workflow

import (
	"github.com/shopspring/decimal"

	"github.com/fundflow/reviewops/internal/domain"
)

// Policy parametrizes the shared state machine for one request kind. All
// transition rules live here, server-side; reviewer input is intent only.
type Policy struct {
	Kind domain.RequestKind

	// Transitions lists the permitted direct successors per stored status.
	Transitions map[domain.Status][]domain.Status

	// MinRole is the weakest reviewer role allowed to transition this kind.
	MinRole domain.Role

	// MaxApproveFactor bounds a reviewer-overridden approval amount to
	// requested × factor.
	MaxApproveFactor decimal.Decimal

	// DebitPayer makes approved loan payments draw from the payer's balance
	// instead of arriving with external proof.
	DebitPayer bool
}

// Allows reports whether target is a permitted direct successor of from.
func (p Policy) Allows(from, target domain.Status) bool {
	for _, s := range p.Transitions[from] {
		if s == target {
			return true
		}
	}
	return false
}

// DefaultPolicies returns the production policy set.
//
// Deposits and withdrawals share pending → approved|rejected and
// approved → processing → completed|failed (processing parks a request while
// an external confirmation, e.g. a chain transfer, is awaited). Loans add
// approved → active (disbursement) and active → completed|defaulted. Loan
// payments are a single review step; repayment completion chains through
// settlement.
func DefaultPolicies() map[domain.RequestKind]Policy {
	one := decimal.NewFromInt(1)
	moneyFlow := map[domain.Status][]domain.Status{
		domain.StatusPending:    {domain.StatusApproved, domain.StatusRejected},
		domain.StatusApproved:   {domain.StatusProcessing},
		domain.StatusProcessing: {domain.StatusCompleted, domain.StatusFailed},
	}

	return map[domain.RequestKind]Policy{
		domain.KindDeposit: {
			Kind:             domain.KindDeposit,
			Transitions:      moneyFlow,
			MinRole:          domain.RoleReviewer,
			MaxApproveFactor: one,
		},
		domain.KindWithdrawal: {
			Kind:             domain.KindWithdrawal,
			Transitions:      moneyFlow,
			MinRole:          domain.RoleReviewer,
			MaxApproveFactor: one,
		},
		domain.KindLoan: {
			Kind: domain.KindLoan,
			Transitions: map[domain.Status][]domain.Status{
				domain.StatusPending:  {domain.StatusApproved, domain.StatusRejected},
				domain.StatusApproved: {domain.StatusActive},
				domain.StatusActive:   {domain.StatusCompleted, domain.StatusDefaulted},
			},
			MinRole: domain.RoleAdmin,
			// The credit-check collaborator permits approving up to twice
			// the requested principal.
			MaxApproveFactor: decimal.NewFromInt(2),
		},
		domain.KindLoanPayment: {
			Kind: domain.KindLoanPayment,
			Transitions: map[domain.Status][]domain.Status{
				domain.StatusPending: {domain.StatusApproved, domain.StatusRejected},
			},
			MinRole:          domain.RoleReviewer,
			MaxApproveFactor: one,
		},
	}
}
