package loan

import (
	"context"
	"log/slog"
	"time"

	loanmodel "github.com/mkopo-labs/mkopo/internal/core/datamodel/loan"
)

// Repository is the persistence contract for repayments. CreateIfAbsent
// reports whether a row was actually inserted, which is how redelivered
// completion events become no-ops.
type Repository interface {
	CreateIfAbsent(ctx context.Context, repayment *loanmodel.LoanRepayment) (bool, error)
	GetByIntentRef(ctx context.Context, intentRef string) (*loanmodel.LoanRepayment, error)
	ListByLoanRef(ctx context.Context, loanRef string) ([]*loanmodel.LoanRepayment, error)
	TotalForLoan(ctx context.Context, loanRef string) (int64, error)
	MarkReversed(ctx context.Context, intentRef string, reversedAt time.Time) error
}

// RepaymentService applies completed payments to loan balances, exactly once
// per intent ref.
type RepaymentService struct {
	repo   Repository
	logger *slog.Logger
}

func NewRepaymentService(repo Repository, logger *slog.Logger) *RepaymentService {
	return &RepaymentService{repo: repo, logger: logger}
}

// ApplyCompletedPayment credits a loan with a settled collection. Applying
// the same intent ref again is a no-op.
func (s *RepaymentService) ApplyCompletedPayment(ctx context.Context, loanRef, intentRef string, amountCents int64, receipt string) error {
	repayment := &loanmodel.LoanRepayment{
		LoanRef:     loanRef,
		IntentRef:   intentRef,
		AmountCents: amountCents,
		Receipt:     receipt,
		AppliedAt:   time.Now(),
	}

	inserted, err := s.repo.CreateIfAbsent(ctx, repayment)
	if err != nil {
		return err
	}

	if !inserted {
		s.logger.Info("repayment already applied, ignoring duplicate notification",
			"loan_ref", loanRef,
			"intent_ref", intentRef)
		return nil
	}

	s.logger.Info("repayment applied to loan",
		"loan_ref", loanRef,
		"intent_ref", intentRef,
		"amount_cents", amountCents,
		"receipt", receipt)

	return nil
}

// UnapplyReversedPayment flags a previously applied repayment as reversed so
// the loan balance stops counting it. The row itself stays, it is a
// financial record.
func (s *RepaymentService) UnapplyReversedPayment(ctx context.Context, intentRef string) error {
	if err := s.repo.MarkReversed(ctx, intentRef, time.Now()); err != nil {
		return err
	}
	s.logger.Info("repayment flagged as reversed", "intent_ref", intentRef)
	return nil
}

func (s *RepaymentService) ListRepayments(ctx context.Context, loanRef string) ([]*loanmodel.LoanRepayment, error) {
	return s.repo.ListByLoanRef(ctx, loanRef)
}

func (s *RepaymentService) TotalRepaid(ctx context.Context, loanRef string) (int64, error) {
	return s.repo.TotalForLoan(ctx, loanRef)
}
