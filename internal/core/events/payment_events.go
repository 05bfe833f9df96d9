package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventTypePaymentCompleted = "payment.completed"
	EventTypePaymentFailed    = "payment.failed"
	EventTypePaymentExpired   = "payment.expired"
	EventTypePaymentReversed  = "payment.reversed"
)

// PaymentCompletedEvent is published exactly once per intent, when the
// settlement record is attached. Consumers apply the amount to the loan
// balance keyed by IntentRef and must treat redelivery as a no-op.
type PaymentCompletedEvent struct {
	BaseEvent
	IntentRef   string `json:"intent_ref"`
	LoanRef     string `json:"loan_ref"`
	AmountCents int64  `json:"amount_cents"`
	Receipt     string `json:"receipt"`
	PayerPhone  string `json:"payer_phone"`
}

func NewPaymentCompletedEvent(intentRef, loanRef string, amountCents int64, receipt, payerPhone string) *PaymentCompletedEvent {
	return &PaymentCompletedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypePaymentCompleted,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"intent_ref":   intentRef,
				"loan_ref":     loanRef,
				"amount_cents": amountCents,
				"receipt":      receipt,
				"payer_phone":  payerPhone,
			},
		},
		IntentRef:   intentRef,
		LoanRef:     loanRef,
		AmountCents: amountCents,
		Receipt:     receipt,
		PayerPhone:  payerPhone,
	}
}

type PaymentFailedEvent struct {
	BaseEvent
	IntentRef     string `json:"intent_ref"`
	LoanRef       string `json:"loan_ref"`
	AmountCents   int64  `json:"amount_cents"`
	FailureReason string `json:"failure_reason"`
	Attempt       int    `json:"attempt"`
}

func NewPaymentFailedEvent(intentRef, loanRef string, amountCents int64, failureReason string, attempt int) *PaymentFailedEvent {
	return &PaymentFailedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypePaymentFailed,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"intent_ref":     intentRef,
				"loan_ref":       loanRef,
				"amount_cents":   amountCents,
				"failure_reason": failureReason,
				"attempt":        attempt,
			},
		},
		IntentRef:     intentRef,
		LoanRef:       loanRef,
		AmountCents:   amountCents,
		FailureReason: failureReason,
		Attempt:       attempt,
	}
}

type PaymentExpiredEvent struct {
	BaseEvent
	IntentRef   string `json:"intent_ref"`
	LoanRef     string `json:"loan_ref"`
	AmountCents int64  `json:"amount_cents"`
	Attempt     int    `json:"attempt"`
}

func NewPaymentExpiredEvent(intentRef, loanRef string, amountCents int64, attempt int) *PaymentExpiredEvent {
	return &PaymentExpiredEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypePaymentExpired,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"intent_ref":   intentRef,
				"loan_ref":     loanRef,
				"amount_cents": amountCents,
				"attempt":      attempt,
			},
		},
		IntentRef:   intentRef,
		LoanRef:     loanRef,
		AmountCents: amountCents,
		Attempt:     attempt,
	}
}

type PaymentReversedEvent struct {
	BaseEvent
	IntentRef      string `json:"intent_ref"`
	LoanRef        string `json:"loan_ref"`
	AmountCents    int64  `json:"amount_cents"`
	Receipt        string `json:"receipt"`
	ReversalID     string `json:"reversal_id"`
	ReversalReason string `json:"reversal_reason"`
}

func NewPaymentReversedEvent(intentRef, loanRef string, amountCents int64, receipt, reversalID, reversalReason string) *PaymentReversedEvent {
	return &PaymentReversedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypePaymentReversed,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"intent_ref":      intentRef,
				"loan_ref":        loanRef,
				"amount_cents":    amountCents,
				"receipt":         receipt,
				"reversal_id":     reversalID,
				"reversal_reason": reversalReason,
			},
		},
		IntentRef:      intentRef,
		LoanRef:        loanRef,
		AmountCents:    amountCents,
		Receipt:        receipt,
		ReversalID:     reversalID,
		ReversalReason: reversalReason,
	}
}
