package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RequestKind discriminates the review flows sharing the workflow engine.
type RequestKind string

const (
	KindDeposit     RequestKind = "deposit"
	KindWithdrawal  RequestKind = "withdrawal"
	KindLoan        RequestKind = "loan"
	KindLoanPayment RequestKind = "loan_payment"
)

func (k RequestKind) Valid() bool {
	switch k {
	case KindDeposit, KindWithdrawal, KindLoan, KindLoanPayment:
		return true
	}
	return false
}

// Status is the stored workflow state of a request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusActive     Status = "active"
	StatusDefaulted  Status = "defaulted"
)

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusCompleted, StatusFailed, StatusDefaulted:
		return true
	}
	return false
}

// LoanTerms carries the loan-specific columns of a request row.
type LoanTerms struct {
	InterestRate        decimal.Decimal `json:"interest_rate"` // percent, e.g. 12.5
	RepaymentPeriodDays int             `json:"repayment_period_days"`
	DueDate             time.Time       `json:"due_date,omitzero"`
	RemainingBalance    decimal.Decimal `json:"remaining_balance"`
	OverdueAmount       decimal.Decimal `json:"overdue_amount"`
}

// ReviewRequest is the uniform row behind every reviewable flow. Kind-specific
// fields are zero for the kinds that do not use them; LoanTerms is non-nil only
// for KindLoan.
type ReviewRequest struct {
	ID              uuid.UUID       `json:"id"`
	Kind            RequestKind     `json:"kind"`
	UserID          string          `json:"user_id"`
	Currency        string          `json:"currency"`
	RequestedAmount decimal.Decimal `json:"requested_amount"`
	ApprovedAmount  decimal.Decimal `json:"approved_amount"`
	ProofRef        string          `json:"proof_ref,omitempty"`
	Network         string          `json:"network,omitempty"`
	TxHash          string          `json:"tx_hash,omitempty"`
	ToAddress       string          `json:"to_address,omitempty"`
	Fee             decimal.Decimal `json:"fee"`
	LoanID          uuid.UUID       `json:"loan_id,omitzero"` // parent loan, loan payments only
	Loan            *LoanTerms      `json:"loan,omitempty"`
	Status          Status          `json:"status"`
	Reviewer        string          `json:"reviewer,omitempty"`
	ReviewNote      string          `json:"review_note,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Clone returns a deep copy safe to mutate without aliasing Loan.
func (r ReviewRequest) Clone() ReviewRequest {
	out := r
	if r.Loan != nil {
		terms := *r.Loan
		out.Loan = &terms
	}
	return out
}

// SettlementKey identifies one at-most-once balance effect.
type SettlementKey struct {
	RequestID    uuid.UUID
	TargetStatus Status
}
