package payment

import (
	"encoding/json"
	"time"
)

// Intent lifecycle states. Terminal states are completed, failed and expired;
// completed additionally permits the reversal transition.
const (
	StatusCreated   = "created"
	StatusSent      = "sent"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusExpired   = "expired"
	StatusReversed  = "reversed"
)

var legalTransitions = map[string][]string{
	StatusCreated:   {StatusSent, StatusFailed},
	StatusSent:      {StatusCompleted, StatusFailed, StatusExpired},
	StatusCompleted: {StatusReversed},
}

// CanTransition reports whether from -> to is a legal state machine move.
func CanTransition(from, to string) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status permits no further transition except
// the completed -> reversed unwind.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusExpired, StatusReversed:
		return true
	}
	return false
}

// PaymentIntent is one attempt to collect money from a payer via the gateway.
// Intents are never deleted; every state change is driven by the callback
// processor, the reconciler or the retry/reversal coordinator.
type PaymentIntent struct {
	ID               int64      `gorm:"primaryKey"`
	IntentRef        string     `gorm:"column:intent_ref;not null;uniqueIndex"`
	LoanRef          string     `gorm:"column:loan_ref;not null;index"`
	PayerPhone       string     `gorm:"column:payer_phone;not null"`
	AmountCents      int64      `gorm:"column:amount_cents;not null"`
	AccountRef       string     `gorm:"column:account_ref;not null"`
	Attempt          int        `gorm:"column:attempt;not null;default:1"`
	Status           string     `gorm:"column:status;not null;default:created;index"`
	CheckoutID       *string    `gorm:"column:checkout_id;uniqueIndex"`
	MerchantRef      *string    `gorm:"column:merchant_ref;uniqueIndex"`
	FailureCode      *string    `gorm:"column:failure_code"`
	FailureReason    *string    `gorm:"column:failure_reason"`
	ReversalID       *string    `gorm:"column:reversal_id"`
	ReversalReason   *string    `gorm:"column:reversal_reason"`
	SentAt           *time.Time `gorm:"column:sent_at"`
	ExpiresAt        *time.Time `gorm:"column:expires_at;index"`
	LastTransitionAt time.Time  `gorm:"column:last_transition_at"`
	CreatedAt        time.Time  `gorm:"column:created_at;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time  `gorm:"column:updated_at;default:CURRENT_TIMESTAMP"`
}

func (PaymentIntent) TableName() string { return "payment_intents" }

func (p *PaymentIntent) IsTerminal() bool { return IsTerminal(p.Status) }

// Expired reports whether a sent intent has outlived its deadline.
func (p *PaymentIntent) Expired(now time.Time) bool {
	return p.Status == StatusSent && p.ExpiresAt != nil && now.After(*p.ExpiresAt)
}

// CanRetry reports whether a fresh attempt may be spawned from this intent.
func (p *PaymentIntent) CanRetry() bool {
	return p.Status == StatusFailed || p.Status == StatusExpired
}

// SettlementRecord is the gateway's confirmation of a completed transfer.
// At most one per intent; a receipt is never attached to two intents.
type SettlementRecord struct {
	ID          int64     `gorm:"primaryKey"`
	IntentID    int64     `gorm:"column:intent_id;not null;uniqueIndex"`
	Receipt     string    `gorm:"column:receipt;not null;uniqueIndex"`
	AmountCents int64     `gorm:"column:amount_cents;not null"`
	PayerPhone  string    `gorm:"column:payer_phone"`
	SettledAt   time.Time `gorm:"column:settled_at"`
	CreatedAt   time.Time `gorm:"column:created_at;default:CURRENT_TIMESTAMP"`
}

func (SettlementRecord) TableName() string { return "settlement_records" }

// RetryLink records that a child intent was spawned as a retry of a parent.
// A child has at most one parent, so chains are forward-only and acyclic.
type RetryLink struct {
	ID             int64     `gorm:"primaryKey"`
	ParentIntentID int64     `gorm:"column:parent_intent_id;not null;index"`
	ChildIntentID  int64     `gorm:"column:child_intent_id;not null;uniqueIndex"`
	Attempt        int       `gorm:"column:attempt;not null"`
	CreatedAt      time.Time `gorm:"column:created_at;default:CURRENT_TIMESTAMP"`
}

func (RetryLink) TableName() string { return "retry_links" }

// DeadLetterCallback holds a gateway notification that matched no known
// intent after the grace period. Kept for manual or automatic correlation,
// never discarded.
type DeadLetterCallback struct {
	ID          int64           `gorm:"primaryKey"`
	CheckoutID  string          `gorm:"column:checkout_id;index"`
	MerchantRef string          `gorm:"column:merchant_ref"`
	Payload     json.RawMessage `gorm:"column:payload;type:jsonb"`
	Reason      string          `gorm:"column:reason"`
	ReceivedAt  time.Time       `gorm:"column:received_at"`
	CreatedAt   time.Time       `gorm:"column:created_at;default:CURRENT_TIMESTAMP"`
}

func (DeadLetterCallback) TableName() string { return "dead_letter_callbacks" }
