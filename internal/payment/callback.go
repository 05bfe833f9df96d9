package payment

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	apperrors "github.com/mkopo-labs/mkopo/internal"
	gatewaytypes "github.com/mkopo-labs/mkopo/internal/core/datamodel/gateway"
	paymentmodel "github.com/mkopo-labs/mkopo/internal/core/datamodel/payment"
	"github.com/mkopo-labs/mkopo/internal/gateway"
)

// CallbackRequest is the gateway's asynchronous notification of a push
// outcome, keyed by the correlation ids issued at push time.
type CallbackRequest struct {
	CheckoutID  string `json:"checkout_request_id"`
	MerchantRef string `json:"merchant_request_id"`
	ResultCode  string `json:"result_code"`
	ResultDesc  string `json:"result_description"`
	Receipt     string `json:"receipt_number,omitempty"`
	AmountCents int64  `json:"amount"`
	PayerPhone  string `json:"phone_number,omitempty"`
	Timestamp   string `json:"transaction_date,omitempty"`
}

// CallbackProcessor ingests gateway notifications and applies them to the
// ledger idempotently. Callbacks can arrive before the push response is
// durably stored, so an unmatched checkout id is retried for a grace period
// before it is dead-lettered.
type CallbackProcessor struct {
	ledger      *LedgerService
	repo        Repository
	logger      *slog.Logger
	gracePeriod time.Duration
}

func NewCallbackProcessor(ledger *LedgerService, repo Repository, gracePeriod time.Duration, logger *slog.Logger) *CallbackProcessor {
	if gracePeriod <= 0 {
		gracePeriod = 30 * time.Second
	}
	return &CallbackProcessor{
		ledger:      ledger,
		repo:        repo,
		logger:      logger,
		gracePeriod: gracePeriod,
	}
}

// Process applies one notification. It returns nil for every anomaly the
// system absorbs (duplicates, conflicts, unmatched callbacks) so the webhook
// handler can ack the gateway and stop redelivery; only infrastructure
// failures propagate.
func (p *CallbackProcessor) Process(ctx context.Context, req *CallbackRequest) error {
	if req.CheckoutID == "" {
		p.deadLetter(ctx, req, "callback without checkout id")
		return nil
	}

	intent, err := p.matchIntent(ctx, req.CheckoutID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			p.logger.Warn("callback matched no intent after grace period, dead-lettering",
				"checkout_id", req.CheckoutID,
				"result_code", req.ResultCode)
			p.deadLetter(ctx, req, "no intent for checkout id after grace period")
			return nil
		}
		return err
	}

	outcome := gateway.MapResultCode(req.ResultCode)
	p.logger.Info("processing gateway callback",
		"intent_ref", intent.IntentRef,
		"checkout_id", req.CheckoutID,
		"result_code", req.ResultCode,
		"outcome", outcome,
		"current_status", intent.Status)

	switch outcome {
	case gatewaytypes.OutcomeSuccess:
		err = p.ledger.Complete(ctx, intent.IntentRef, Settlement{
			Receipt:     req.Receipt,
			AmountCents: req.AmountCents,
			PayerPhone:  req.PayerPhone,
			SettledAt:   parseCallbackTime(req.Timestamp),
		})
	case gatewaytypes.OutcomeFailed:
		err = p.ledger.Fail(ctx, intent.IntentRef, req.ResultCode, req.ResultDesc)
	default:
		// Ambiguous result codes carry no verdict; leave the intent for the
		// reconciler rather than guess.
		p.logger.Warn("callback with ambiguous result code ignored",
			"intent_ref", intent.IntentRef,
			"result_code", req.ResultCode)
		return nil
	}

	if err != nil {
		if appErr, ok := apperrors.IsAppError(err); ok {
			switch appErr.Type {
			case apperrors.ErrorTypeConflict:
				// First terminal transition won; this redelivery disagrees.
				p.logger.Error("conflicting callback ignored, first terminal outcome wins",
					"intent_ref", intent.IntentRef,
					"result_code", req.ResultCode,
					"error", appErr)
				return nil
			case apperrors.ErrorTypeIntegrity:
				// Data defect (e.g. receipt attached elsewhere): ack the
				// gateway, alert internally.
				p.logger.Error("integrity violation while applying callback",
					"intent_ref", intent.IntentRef,
					"checkout_id", req.CheckoutID,
					"error", appErr)
				p.deadLetter(ctx, req, appErr.Error())
				return nil
			}
		}
		return err
	}
	return nil
}

// matchIntent looks up the intent for a checkout id, retrying with backoff
// for the race where the callback beats the push response to storage.
func (p *CallbackProcessor) matchIntent(ctx context.Context, checkoutID string) (*paymentmodel.PaymentIntent, error) {
	var intent *paymentmodel.PaymentIntent

	backoff := retry.WithMaxDuration(p.gracePeriod, retry.NewExponential(100*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		found, err := p.repo.GetByCheckoutID(ctx, checkoutID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return retry.RetryableError(err)
			}
			return err
		}
		intent = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return intent, nil
}

// DeadLetter records a callback that will never be applied, keeping the
// payload available for manual correlation.
func (p *CallbackProcessor) DeadLetter(ctx context.Context, req *CallbackRequest, reason string) {
	p.deadLetter(ctx, req, reason)
}

func (p *CallbackProcessor) deadLetter(ctx context.Context, req *CallbackRequest, reason string) {
	payload, _ := json.Marshal(req)
	dl := &paymentmodel.DeadLetterCallback{
		CheckoutID:  req.CheckoutID,
		MerchantRef: req.MerchantRef,
		Payload:     payload,
		Reason:      reason,
		ReceivedAt:  time.Now(),
	}
	if err := p.repo.SaveDeadLetter(ctx, dl); err != nil {
		p.logger.Error("failed to persist dead-letter callback",
			"checkout_id", req.CheckoutID, "error", err)
	}
}

func parseCallbackTime(raw string) time.Time {
	if raw != "" {
		if t, err := time.Parse("20060102150405", raw); err == nil {
			return t
		}
	}
	return time.Now()
}
