package gateway

import (
	"errors"
)

// Outcome is the internal reading of a gateway result code. The numeric
// vocabulary the gateway speaks is mapped into exactly one of these.
type Outcome string

const (
	OutcomeSuccess   Outcome = "SUCCESS"
	OutcomeFailed    Outcome = "FAILED"
	OutcomeNotFound  Outcome = "NOT_FOUND"
	OutcomeAmbiguous Outcome = "AMBIGUOUS"
)

type PushRequest struct {
	PayerPhone  string `json:"payer_phone"`
	AmountCents int64  `json:"amount_cents"`
	AccountRef  string `json:"account_ref"`
}

func (r *PushRequest) Validate() error {
	if r.PayerPhone == "" {
		return errors.New("payer_phone is required")
	}
	if r.AmountCents <= 0 {
		return errors.New("amount_cents must be greater than 0")
	}
	if r.AccountRef == "" {
		return errors.New("account_ref is required")
	}
	return nil
}

// PushAck is the synchronous acknowledgement of a push request. It confirms
// the gateway accepted the prompt, not that the payer has paid.
type PushAck struct {
	CheckoutID  string `json:"checkout_id"`
	MerchantRef string `json:"merchant_ref"`
}

// StatusResult is the gateway's answer to a status query.
type StatusResult struct {
	Outcome     Outcome `json:"outcome"`
	ResultCode  string  `json:"result_code"`
	Description string  `json:"description"`
	Receipt     string  `json:"receipt,omitempty"`
	AmountCents int64   `json:"amount_cents,omitempty"`
	PayerPhone  string  `json:"payer_phone,omitempty"`
}

type ReversalResult struct {
	ReversalID string `json:"reversal_id"`
}
