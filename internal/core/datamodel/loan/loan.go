package loan

import (
	"time"
)

// LoanRepayment is one completed mobile-money collection applied to a loan
// balance. The unique intent_ref is what makes application exactly-once: a
// redelivered completion event inserts nothing.
type LoanRepayment struct {
	ID          int64      `gorm:"primaryKey"`
	LoanRef     string     `gorm:"column:loan_ref;not null;index"`
	IntentRef   string     `gorm:"column:intent_ref;not null;uniqueIndex"`
	AmountCents int64      `gorm:"column:amount_cents;not null"`
	Receipt     string     `gorm:"column:receipt"`
	Reversed    bool       `gorm:"column:reversed;default:false"`
	ReversedAt  *time.Time `gorm:"column:reversed_at"`
	AppliedAt   time.Time  `gorm:"column:applied_at"`
	CreatedAt   time.Time  `gorm:"column:created_at;default:CURRENT_TIMESTAMP"`
}

func (LoanRepayment) TableName() string { return "loan_repayments" }
