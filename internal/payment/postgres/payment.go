package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	apperrors "github.com/mkopo-labs/mkopo/internal"
	paymentmodel "github.com/mkopo-labs/mkopo/internal/core/datamodel/payment"
	paymentpkg "github.com/mkopo-labs/mkopo/internal/payment"
)

type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) paymentpkg.Repository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) CreateIntent(ctx context.Context, intent *paymentmodel.PaymentIntent) error {
	return r.db.WithContext(ctx).Create(intent).Error
}

// CreateRetryIntent persists the child intent and its retry link in one
// transaction, so a chain row can never point at a missing child.
func (r *PaymentRepository) CreateRetryIntent(ctx context.Context, child *paymentmodel.PaymentIntent, parentID int64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(child).Error; err != nil {
			return err
		}
		link := &paymentmodel.RetryLink{
			ParentIntentID: parentID,
			ChildIntentID:  child.ID,
			Attempt:        child.Attempt,
		}
		return tx.Create(link).Error
	})
}

func (r *PaymentRepository) GetByIntentRef(ctx context.Context, intentRef string) (*paymentmodel.PaymentIntent, error) {
	var intent paymentmodel.PaymentIntent
	err := r.db.WithContext(ctx).Where("intent_ref = ?", intentRef).First(&intent).Error
	if err != nil {
		return nil, translateErr(err)
	}
	return &intent, nil
}

func (r *PaymentRepository) GetByID(ctx context.Context, id int64) (*paymentmodel.PaymentIntent, error) {
	var intent paymentmodel.PaymentIntent
	err := r.db.WithContext(ctx).First(&intent, id).Error
	if err != nil {
		return nil, translateErr(err)
	}
	return &intent, nil
}

func (r *PaymentRepository) GetByCheckoutID(ctx context.Context, checkoutID string) (*paymentmodel.PaymentIntent, error) {
	var intent paymentmodel.PaymentIntent
	err := r.db.WithContext(ctx).Where("checkout_id = ?", checkoutID).First(&intent).Error
	if err != nil {
		return nil, translateErr(err)
	}
	return &intent, nil
}

func (r *PaymentRepository) ListSentPastDeadline(ctx context.Context, now time.Time, limit int) ([]*paymentmodel.PaymentIntent, error) {
	var intents []*paymentmodel.PaymentIntent
	err := r.db.WithContext(ctx).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at < ?", paymentmodel.StatusSent, now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&intents).Error
	return intents, err
}

func (r *PaymentRepository) ListCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*paymentmodel.PaymentIntent, error) {
	var intents []*paymentmodel.PaymentIntent
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", paymentmodel.StatusCreated, cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&intents).Error
	return intents, err
}

func (r *PaymentRepository) SettlementForIntent(ctx context.Context, intentID int64) (*paymentmodel.SettlementRecord, error) {
	var settle paymentmodel.SettlementRecord
	err := r.db.WithContext(ctx).Where("intent_id = ?", intentID).First(&settle).Error
	if err != nil {
		return nil, translateErr(err)
	}
	return &settle, nil
}

func (r *PaymentRepository) SettlementByReceipt(ctx context.Context, receipt string) (*paymentmodel.SettlementRecord, error) {
	var settle paymentmodel.SettlementRecord
	err := r.db.WithContext(ctx).Where("receipt = ?", receipt).First(&settle).Error
	if err != nil {
		return nil, translateErr(err)
	}
	return &settle, nil
}

func (r *PaymentRepository) RetryLinkForChild(ctx context.Context, childID int64) (*paymentmodel.RetryLink, error) {
	var link paymentmodel.RetryLink
	err := r.db.WithContext(ctx).Where("child_intent_id = ?", childID).First(&link).Error
	if err != nil {
		return nil, translateErr(err)
	}
	return &link, nil
}

func (r *PaymentRepository) SaveDeadLetter(ctx context.Context, dl *paymentmodel.DeadLetterCallback) error {
	return r.db.WithContext(ctx).Create(dl).Error
}

// UpdateLocked is the per-intent mutual exclusion every transition out of
// sent relies on: SELECT ... FOR UPDATE on the intent row, re-read of the
// current state inside the lock, then the mutation and the optional
// settlement insert commit together or not at all.
func (r *PaymentRepository) UpdateLocked(ctx context.Context, intentRef string, apply func(intent *paymentmodel.PaymentIntent) (*paymentmodel.SettlementRecord, error)) (*paymentmodel.PaymentIntent, error) {
	var result *paymentmodel.PaymentIntent
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx
		// SQLite serializes writers on its own and rejects FOR UPDATE.
		if tx.Dialector.Name() != "sqlite" {
			query = query.Clauses(clause.Locking{Strength: "UPDATE"})
		}

		var intent paymentmodel.PaymentIntent
		if err := query.
			Where("intent_ref = ?", intentRef).
			First(&intent).Error; err != nil {
			return translateErr(err)
		}

		settle, err := apply(&intent)
		if err != nil {
			return err
		}

		if err := tx.Save(&intent).Error; err != nil {
			return err
		}
		if settle != nil {
			if err := tx.Create(settle).Error; err != nil {
				// Two intents racing to claim one receipt both pass the
				// pre-check; the unique index decides, and the loser must
				// surface as a classified anomaly, not a driver error.
				if isUniqueViolation(err) {
					return apperrors.NewIntegrityError(
						fmt.Sprintf("receipt %s is already attached to another intent", settle.Receipt),
						apperrors.ErrCodeReceiptConflict)
				}
				return err
			}
		}

		result = &intent
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func translateErr(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return paymentpkg.ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	// SQLite in the test suite reports the same condition as a constraint
	// message rather than a typed error.
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
