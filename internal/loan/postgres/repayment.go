package postgres

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	loanmodel "github.com/mkopo-labs/mkopo/internal/core/datamodel/loan"
	loanpkg "github.com/mkopo-labs/mkopo/internal/loan"
)

type RepaymentRepository struct {
	db *gorm.DB
}

func NewRepaymentRepository(db *gorm.DB) loanpkg.Repository {
	return &RepaymentRepository{db: db}
}

// CreateIfAbsent inserts the repayment unless one already exists for the
// intent ref. The unique index plus ON CONFLICT DO NOTHING make this safe
// under concurrent redelivery.
func (r *RepaymentRepository) CreateIfAbsent(ctx context.Context, repayment *loanmodel.LoanRepayment) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "intent_ref"}},
			DoNothing: true,
		}).
		Create(repayment)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *RepaymentRepository) GetByIntentRef(ctx context.Context, intentRef string) (*loanmodel.LoanRepayment, error) {
	var repayment loanmodel.LoanRepayment
	err := r.db.WithContext(ctx).Where("intent_ref = ?", intentRef).First(&repayment).Error
	if err != nil {
		return nil, err
	}
	return &repayment, nil
}

func (r *RepaymentRepository) ListByLoanRef(ctx context.Context, loanRef string) ([]*loanmodel.LoanRepayment, error) {
	var repayments []*loanmodel.LoanRepayment
	err := r.db.WithContext(ctx).
		Where("loan_ref = ?", loanRef).
		Order("applied_at DESC").
		Find(&repayments).Error
	return repayments, err
}

func (r *RepaymentRepository) TotalForLoan(ctx context.Context, loanRef string) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).
		Model(&loanmodel.LoanRepayment{}).
		Where("loan_ref = ? AND reversed = ?", loanRef, false).
		Select("COALESCE(SUM(amount_cents), 0)").
		Scan(&total).Error
	return total, err
}

func (r *RepaymentRepository) MarkReversed(ctx context.Context, intentRef string, reversedAt time.Time) error {
	return r.db.WithContext(ctx).
		Model(&loanmodel.LoanRepayment{}).
		Where("intent_ref = ?", intentRef).
		Updates(map[string]interface{}{
			"reversed":    true,
			"reversed_at": reversedAt,
		}).Error
}
