package workflow_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fundflow/reviewops/internal/domain"
	"github.com/fundflow/reviewops/internal/store"
	"github.com/fundflow/reviewops/internal/workflow"
)

var (
	reviewer = domain.Reviewer{ID: "rev-1", Role: domain.RoleReviewer}
	admin    = domain.Reviewer{ID: "adm-1", Role: domain.RoleAdmin}
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newEngine(m store.Store) *workflow.Engine {
	return workflow.NewEngine(m, zap.NewNop().Sugar())
}

func fund(t *testing.T, m *store.Memory, userID, currency, amount string) {
	t.Helper()
	err := m.WithinTx(context.Background(), func(tx store.Tx) error {
		return tx.PutBalance(context.Background(), domain.AccountBalance{
			UserID:    userID,
			Currency:  currency,
			Available: dec(amount),
			Reserved:  decimal.Zero,
			UpdatedAt: time.Now(),
		})
	})
	require.NoError(t, err)
}

func balance(t *testing.T, m *store.Memory, userID, currency string) domain.AccountBalance {
	t.Helper()
	b, err := m.GetBalance(context.Background(), userID, currency)
	require.NoError(t, err)
	return b
}

func TestDepositApprovalCreditsBalance(t *testing.T) {
	m := store.NewMemory()
	e := newEngine(m)
	ctx := context.Background()

	req, err := e.Submit(ctx, workflow.SubmitInput{
		Kind:     domain.KindDeposit,
		UserID:   "u1",
		Currency: "USDT",
		Amount:   dec("100"),
		ProofRef: "proofs/abc.png",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, req.Status)
	assert.True(t, balance(t, m, "u1", "USDT").Available.IsZero())

	got, err := e.Transition(ctx, req.ID, domain.StatusApproved, reviewer, "", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, got.Status)
	assert.True(t, got.ApprovedAmount.Equal(dec("100")))
	assert.Equal(t, reviewer.ID, got.Reviewer)

	b := balance(t, m, "u1", "USDT")
	assert.True(t, b.Available.Equal(dec("100")))
	assert.True(t, b.Reserved.IsZero())

	actions, err := m.ListAudit(ctx, domain.AuditFilter{EntityID: req.ID})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, domain.StatusPending, actions[0].PreviousStatus)
	assert.Equal(t, domain.StatusApproved, actions[0].NewStatus)
	assert.Equal(t, reviewer.ID, actions[0].Reviewer)

	notifs, err := m.ListNotifications(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, notifs, 1)
	assert.Equal(t, "deposit_approved", notifs[0].Type)
	assert.Equal(t, domain.NotificationUnread, notifs[0].Status)
}

func TestWithdrawalReservesAtSubmissionAndReleasesOnReject(t *testing.T) {
	m := store.NewMemory()
	e := newEngine(m)
	ctx := context.Background()

	fund(t, m, "u1", "USDT", "100")

	req, err := e.Submit(ctx, workflow.SubmitInput{
		Kind:      domain.KindWithdrawal,
		UserID:    "u1",
		Currency:  "USDT",
		Amount:    dec("50"),
		ToAddress: "addr-1",
	})
	require.NoError(t, err)

	b := balance(t, m, "u1", "USDT")
	assert.True(t, b.Available.Equal(dec("50")))
	assert.True(t, b.Reserved.Equal(dec("50")))

	got, err := e.Transition(ctx, req.ID, domain.StatusRejected, reviewer, "unverified destination", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, got.Status)

	b = balance(t, m, "u1", "USDT")
	assert.True(t, b.Available.Equal(dec("100")))
	assert.True(t, b.Reserved.IsZero())
}

func TestWithdrawalInsufficientBalanceAtSubmission(t *testing.T) {
	m := store.NewMemory()
	e := newEngine(m)
	ctx := context.Background()

	fund(t, m, "u1", "USDT", "10")

	_, err := e.Submit(ctx, workflow.SubmitInput{
		Kind:      domain.KindWithdrawal,
		UserID:    "u1",
		Currency:  "USDT",
		Amount:    dec("50"),
		ToAddress: "addr-1",
	})
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	// The failed reservation aborts the whole submission.
	reqs, err := m.ListRequests(ctx, store.RequestFilter{})
	require.NoError(t, err)
	assert.Empty(t, reqs)
}

func TestWithdrawalCompletionCommitsApprovedAndReleasesRemainder(t *testing.T) {
	m := store.NewMemory()
	e := newEngine(m)
	ctx := context.Background()

	fund(t, m, "u1", "USDT", "100")

	req, err := e.Submit(ctx, workflow.SubmitInput{
		Kind:      domain.KindWithdrawal,
		UserID:    "u1",
		Currency:  "USDT",
		Amount:    dec("50"),
		ToAddress: "addr-1",
	})
	require.NoError(t, err)

	approved := dec("40")
	_, err = e.Transition(ctx, req.ID, domain.StatusApproved, reviewer, "", &approved)
	require.NoError(t, err)
	_, err = e.Transition(ctx, req.ID, domain.StatusProcessing, reviewer, "", nil)
	require.NoError(t, err)
	_, err = e.Transition(ctx, req.ID, domain.StatusCompleted, reviewer, "", nil)
	require.NoError(t, err)

	b := balance(t, m, "u1", "USDT")
	assert.True(t, b.Available.Equal(dec("60")), "available %s", b.Available)
	assert.True(t, b.Reserved.IsZero(), "reserved %s", b.Reserved)
}

func TestLoanLifecycleWithChainedCompletion(t *testing.T) {
	m := store.NewMemory()
	e := newEngine(m)
	ctx := context.Background()

	loan, err := e.Submit(ctx, workflow.SubmitInput{
		Kind:                domain.KindLoan,
		UserID:              "u1",
		Currency:            "USDT",
		Amount:              dec("200"),
		InterestRate:        dec("12.5"),
		RepaymentPeriodDays: 30,
	})
	require.NoError(t, err)

	_, err = e.Transition(ctx, loan.ID, domain.StatusApproved, admin, "", nil)
	require.NoError(t, err)
	assert.True(t, balance(t, m, "u1", "USDT").Available.IsZero(), "approval must not disburse")

	active, err := e.Transition(ctx, loan.ID, domain.StatusActive, admin, "", nil)
	require.NoError(t, err)
	require.NotNil(t, active.Loan)
	assert.True(t, active.Loan.RemainingBalance.Equal(dec("225")), "remaining %s", active.Loan.RemainingBalance)
	assert.False(t, active.Loan.DueDate.IsZero())
	assert.True(t, balance(t, m, "u1", "USDT").Available.Equal(dec("200")))

	payment, err := e.Submit(ctx, workflow.SubmitInput{
		Kind:     domain.KindLoanPayment,
		UserID:   "u1",
		Amount:   dec("225"),
		ProofRef: "proofs/payment.png",
		LoanID:   loan.ID,
	})
	require.NoError(t, err)

	_, err = e.Transition(ctx, payment.ID, domain.StatusApproved, reviewer, "", nil)
	require.NoError(t, err)

	stored, err := m.GetRequest(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status)
	assert.True(t, stored.Loan.RemainingBalance.IsZero())

	// Default policy: payments arrive with external proof, no balance effect.
	assert.True(t, balance(t, m, "u1", "USDT").Available.Equal(dec("200")))

	actions, err := m.ListAudit(ctx, domain.AuditFilter{EntityID: loan.ID, NewStatus: domain.StatusCompleted})
	require.NoError(t, err)
	require.Len(t, actions, 1, "chained completion must be audited")
	assert.Equal(t, domain.StatusActive, actions[0].PreviousStatus)
}

func TestLoanPaymentDebitsPayerWhenPolicyEnabled(t *testing.T) {
	m := store.NewMemory()
	e := newEngine(m)
	ctx := context.Background()

	policies := workflow.DefaultPolicies()
	p := policies[domain.KindLoanPayment]
	p.DebitPayer = true
	e.SetPolicy(p)

	loan, err := e.Submit(ctx, workflow.SubmitInput{
		Kind:                domain.KindLoan,
		UserID:              "u1",
		Currency:            "USDT",
		Amount:              dec("200"),
		InterestRate:        dec("12.5"),
		RepaymentPeriodDays: 30,
	})
	require.NoError(t, err)
	_, err = e.Transition(ctx, loan.ID, domain.StatusApproved, admin, "", nil)
	require.NoError(t, err)
	_, err = e.Transition(ctx, loan.ID, domain.StatusActive, admin, "", nil)
	require.NoError(t, err)

	payment, err := e.Submit(ctx, workflow.SubmitInput{
		Kind:   domain.KindLoanPayment,
		UserID: "u1",
		Amount: dec("100"),
		LoanID: loan.ID,
	})
	require.NoError(t, err)
	_, err = e.Transition(ctx, payment.ID, domain.StatusApproved, reviewer, "", nil)
	require.NoError(t, err)

	assert.True(t, balance(t, m, "u1", "USDT").Available.Equal(dec("100")))

	stored, err := m.GetRequest(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, stored.Status)
	assert.True(t, stored.Loan.RemainingBalance.Equal(dec("125")))
}

func TestLoanPaymentExceedingRemainingBalance(t *testing.T) {
	m := store.NewMemory()
	e := newEngine(m)
	ctx := context.Background()

	loan, err := e.Submit(ctx, workflow.SubmitInput{
		Kind:                domain.KindLoan,
		UserID:              "u1",
		Currency:            "USDT",
		Amount:              dec("200"),
		InterestRate:        dec("12.5"),
		RepaymentPeriodDays: 30,
	})
	require.NoError(t, err)
	_, err = e.Transition(ctx, loan.ID, domain.StatusApproved, admin, "", nil)
	require.NoError(t, err)
	_, err = e.Transition(ctx, loan.ID, domain.StatusActive, admin, "", nil)
	require.NoError(t, err)

	payment, err := e.Submit(ctx, workflow.SubmitInput{
		Kind:   domain.KindLoanPayment,
		UserID: "u1",
		Amount: dec("300"),
		LoanID: loan.ID,
	})
	require.NoError(t, err)

	_, err = e.Transition(ctx, payment.ID, domain.StatusApproved, reviewer, "", nil)
	require.ErrorIs(t, err, domain.ErrValidation)

	stored, err := m.GetRequest(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, stored.Status, "failed settlement must not move the request")
}

func TestLoanDefaultRecordsOverdue(t *testing.T) {
	m := store.NewMemory()
	e := newEngine(m)
	ctx := context.Background()

	loan, err := e.Submit(ctx, workflow.SubmitInput{
		Kind:                domain.KindLoan,
		UserID:              "u1",
		Currency:            "USDT",
		Amount:              dec("200"),
		InterestRate:        dec("12.5"),
		RepaymentPeriodDays: 30,
	})
	require.NoError(t, err)
	_, err = e.Transition(ctx, loan.ID, domain.StatusApproved, admin, "", nil)
	require.NoError(t, err)
	_, err = e.Transition(ctx, loan.ID, domain.StatusActive, admin, "", nil)
	require.NoError(t, err)

	got, err := e.Transition(ctx, loan.ID, domain.StatusDefaulted, admin, "90 days overdue", nil)
	require.NoError(t, err)
	assert.True(t, got.Loan.OverdueAmount.Equal(dec("225")))
}

func TestLoanRequiresAdminRole(t *testing.T) {
	m := store.NewMemory()
	e := newEngine(m)
	ctx := context.Background()

	loan, err := e.Submit(ctx, workflow.SubmitInput{
		Kind:                domain.KindLoan,
		UserID:              "u1",
		Currency:            "USDT",
		Amount:              dec("200"),
		InterestRate:        dec("12.5"),
		RepaymentPeriodDays: 30,
	})
	require.NoError(t, err)

	_, err = e.Transition(ctx, loan.ID, domain.StatusApproved, reviewer, "", nil)
	require.ErrorIs(t, err, domain.ErrPermissionDenied)
}

func TestLoanApprovalBound(t *testing.T) {
	m := store.NewMemory()
	e := newEngine(m)
	ctx := context.Background()

	loan, err := e.Submit(ctx, workflow.SubmitInput{
		Kind:                domain.KindLoan,
		UserID:              "u1",
		Currency:            "USDT",
		Amount:              dec("200"),
		InterestRate:        dec("10"),
		RepaymentPeriodDays: 30,
	})
	require.NoError(t, err)

	tooMuch := dec("401")
	_, err = e.Transition(ctx, loan.ID, domain.StatusApproved, admin, "", &tooMuch)
	require.ErrorIs(t, err, domain.ErrValidation)

	double := dec("400")
	got, err := e.Transition(ctx, loan.ID, domain.StatusApproved, admin, "", &double)
	require.NoError(t, err)
	assert.True(t, got.ApprovedAmount.Equal(dec("400")))
}

func TestRejectionRequiresNote(t *testing.T) {
	m := store.NewMemory()
	e := newEngine(m)
	ctx := context.Background()

	req, err := e.Submit(ctx, workflow.SubmitInput{
		Kind:     domain.KindDeposit,
		UserID:   "u1",
		Currency: "USDT",
		Amount:   dec("100"),
	})
	require.NoError(t, err)

	_, err = e.Transition(ctx, req.ID, domain.StatusRejected, reviewer, "  ", nil)
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestApprovedAmountBoundForDeposit(t *testing.T) {
	m := store.NewMemory()
	e := newEngine(m)
	ctx := context.Background()

	req, err := e.Submit(ctx, workflow.SubmitInput{
		Kind:     domain.KindDeposit,
		UserID:   "u1",
		Currency: "USDT",
		Amount:   dec("100"),
	})
	require.NoError(t, err)

	over := dec("101")
	_, err = e.Transition(ctx, req.ID, domain.StatusApproved, reviewer, "", &over)
	require.ErrorIs(t, err, domain.ErrValidation)
	assert.True(t, balance(t, m, "u1", "USDT").Available.IsZero())
}

func TestTerminalStateIsFinal(t *testing.T) {
	m := store.NewMemory()
	e := newEngine(m)
	ctx := context.Background()

	req, err := e.Submit(ctx, workflow.SubmitInput{
		Kind:     domain.KindDeposit,
		UserID:   "u1",
		Currency: "USDT",
		Amount:   dec("100"),
	})
	require.NoError(t, err)

	_, err = e.Transition(ctx, req.ID, domain.StatusRejected, reviewer, "no proof attached", nil)
	require.NoError(t, err)

	_, err = e.Transition(ctx, req.ID, domain.StatusApproved, reviewer, "", nil)
	require.ErrorIs(t, err, domain.ErrInvalidStateTransition)

	stored, err := m.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, stored.Status)
	assert.True(t, balance(t, m, "u1", "USDT").Available.IsZero())
}

func TestTransitionIdempotence(t *testing.T) {
	m := store.NewMemory()
	e := newEngine(m)
	ctx := context.Background()

	req, err := e.Submit(ctx, workflow.SubmitInput{
		Kind:     domain.KindDeposit,
		UserID:   "u1",
		Currency: "USDT",
		Amount:   dec("100"),
	})
	require.NoError(t, err)

	_, err = e.Transition(ctx, req.ID, domain.StatusApproved, reviewer, "", nil)
	require.NoError(t, err)

	got, err := e.Transition(ctx, req.ID, domain.StatusApproved, reviewer, "", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, got.Status)

	assert.True(t, balance(t, m, "u1", "USDT").Available.Equal(dec("100")), "no double credit")

	actions, err := m.ListAudit(ctx, domain.AuditFilter{EntityID: req.ID})
	require.NoError(t, err)
	assert.Len(t, actions, 1, "no duplicate audit entry")
}

func TestUnknownRequest(t *testing.T) {
	m := store.NewMemory()
	e := newEngine(m)

	_, err := e.Transition(context.Background(), uuid.New(), domain.StatusApproved, reviewer, "", nil)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

// raceStore holds both reviewers at a barrier after their validation read, so
// both act on the same stored pending status.
type raceStore struct {
	*store.Memory
	barrier sync.WaitGroup
}

func (r *raceStore) GetRequest(ctx context.Context, id uuid.UUID) (domain.ReviewRequest, error) {
	req, err := r.Memory.GetRequest(ctx, id)
	r.barrier.Done()
	r.barrier.Wait()
	return req, err
}

func TestConcurrentReviewersExactlyOneWins(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	setup := newEngine(m)
	fund(t, m, "u1", "USDT", "100")
	req, err := setup.Submit(ctx, workflow.SubmitInput{
		Kind:      domain.KindWithdrawal,
		UserID:    "u1",
		Currency:  "USDT",
		Amount:    dec("50"),
		ToAddress: "addr-1",
	})
	require.NoError(t, err)

	rs := &raceStore{Memory: m}
	rs.barrier.Add(2)
	racing := newEngine(rs)

	second := domain.Reviewer{ID: "rev-2", Role: domain.RoleReviewer}
	errs := make(chan error, 2)
	for _, rev := range []domain.Reviewer{reviewer, second} {
		go func(rev domain.Reviewer) {
			_, err := racing.Transition(ctx, req.ID, domain.StatusApproved, rev, "", nil)
			errs <- err
		}(rev)
	}

	var won, conflicted int
	for i := 0; i < 2; i++ {
		err := <-errs
		if err == nil {
			won++
		} else {
			require.ErrorIs(t, err, domain.ErrConflict)
			conflicted++
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, 1, conflicted)

	stored, err := m.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, stored.Status)

	b := balance(t, m, "u1", "USDT")
	assert.True(t, b.Reserved.Equal(dec("50")), "reservation untouched by approval race")

	actions, err := m.ListAudit(ctx, domain.AuditFilter{EntityID: req.ID})
	require.NoError(t, err)
	assert.Len(t, actions, 1)
}

func TestPaymentSubmissionRequiresActiveLoan(t *testing.T) {
	m := store.NewMemory()
	e := newEngine(m)
	ctx := context.Background()

	loan, err := e.Submit(ctx, workflow.SubmitInput{
		Kind:                domain.KindLoan,
		UserID:              "u1",
		Currency:            "USDT",
		Amount:              dec("200"),
		InterestRate:        dec("10"),
		RepaymentPeriodDays: 30,
	})
	require.NoError(t, err)

	_, err = e.Submit(ctx, workflow.SubmitInput{
		Kind:   domain.KindLoanPayment,
		UserID: "u1",
		Amount: dec("50"),
		LoanID: loan.ID,
	})
	require.ErrorIs(t, err, domain.ErrValidation)
}
