package payment

import (
	"time"

	errors "github.com/mkopo-labs/mkopo/internal"
	"github.com/mkopo-labs/mkopo/internal/core/common/validation"
	paymentmodel "github.com/mkopo-labs/mkopo/internal/core/datamodel/payment"
)

// InitiatePaymentRequest is the collaborator-facing request to collect a
// repayment from a payer's phone.
type InitiatePaymentRequest struct {
	LoanRef     string `json:"loan_ref"`
	PayerPhone  string `json:"payer_phone"`
	AmountCents int64  `json:"amount_cents"`
}

func (r *InitiatePaymentRequest) Validate() error {
	validator := validation.NewValidator()

	validator.Field("loan_ref", r.LoanRef).Required().MaxLength(64)
	validator.Field("payer_phone", r.PayerPhone).Required().Msisdn()
	validator.Field("amount_cents", r.AmountCents).Required().MinInt(100, errors.ErrCodeInvalidAmount)

	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

type InitiatePaymentResponse struct {
	IntentRef string `json:"intent_ref"`
	Status    string `json:"status"`
	Attempt   int    `json:"attempt"`
}

type PaymentStateResponse struct {
	IntentRef   string     `json:"intent_ref"`
	LoanRef     string     `json:"loan_ref"`
	Status      string     `json:"status"`
	Attempt     int        `json:"attempt"`
	AmountCents int64      `json:"amount_cents"`
	Receipt     string     `json:"receipt,omitempty"`
	FailureCode string     `json:"failure_code,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// StateResponseFrom maps an intent to its external representation, without
// the settlement lookup GetState does.
func StateResponseFrom(intent *paymentmodel.PaymentIntent) PaymentStateResponse {
	resp := PaymentStateResponse{
		IntentRef:   intent.IntentRef,
		LoanRef:     intent.LoanRef,
		Status:      intent.Status,
		Attempt:     intent.Attempt,
		AmountCents: intent.AmountCents,
		ExpiresAt:   intent.ExpiresAt,
		UpdatedAt:   intent.UpdatedAt,
	}
	if intent.FailureCode != nil {
		resp.FailureCode = *intent.FailureCode
	}
	return resp
}

type ReversePaymentRequest struct {
	Reason string `json:"reason"`
}

func (r *ReversePaymentRequest) Validate() error {
	validator := validation.NewValidator()
	validator.Field("reason", r.Reason).Required().MaxLength(200)
	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

type RetryPaymentResponse struct {
	IntentRef       string `json:"intent_ref"`
	ParentIntentRef string `json:"parent_intent_ref"`
	Attempt         int    `json:"attempt"`
	Status          string `json:"status"`
}

// Settlement carries the gateway's confirmation details for a completed
// transfer, presented by the callback processor or the reconciler.
type Settlement struct {
	Receipt     string
	AmountCents int64
	PayerPhone  string
	SettledAt   time.Time
}
