package payment

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/mkopo-labs/mkopo/internal"
	paymentmodel "github.com/mkopo-labs/mkopo/internal/core/datamodel/payment"
	"github.com/mkopo-labs/mkopo/internal/gateway"
)

// Coordinator drives the two operator-facing flows that spawn or unwind
// money movement: retrying a dead attempt and reversing a completed one.
type Coordinator struct {
	ledger      *LedgerService
	repo        Repository
	gateway     GatewayAPI
	logger      *slog.Logger
	maxAttempts int
}

func NewCoordinator(ledger *LedgerService, repo Repository, gw GatewayAPI, maxAttempts int, logger *slog.Logger) *Coordinator {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Coordinator{
		ledger:      ledger,
		repo:        repo,
		gateway:     gw,
		logger:      logger,
		maxAttempts: maxAttempts,
	}
}

// Retry spawns a fresh attempt from a failed or expired intent. The parent is
// never mutated; the child starts its own correlation lifecycle in created
// and is linked to the parent through a retry link.
func (c *Coordinator) Retry(ctx context.Context, intentRef string) (*paymentmodel.PaymentIntent, error) {
	parent, err := c.ledger.GetIntent(ctx, intentRef)
	if err != nil {
		return nil, err
	}

	if !parent.CanRetry() {
		return nil, apperrors.ErrNotRetryable
	}

	if parent.Attempt >= c.maxAttempts {
		c.logger.Warn("retry refused, attempts exhausted",
			"intent_ref", parent.IntentRef,
			"attempt", parent.Attempt,
			"max_attempts", c.maxAttempts)
		return nil, apperrors.ErrRetriesExhausted
	}

	child := &paymentmodel.PaymentIntent{
		IntentRef:        uuid.NewString(),
		LoanRef:          parent.LoanRef,
		PayerPhone:       parent.PayerPhone,
		AmountCents:      parent.AmountCents,
		AccountRef:       parent.AccountRef,
		Attempt:          parent.Attempt + 1,
		Status:           paymentmodel.StatusCreated,
		LastTransitionAt: time.Now(),
	}

	if err := c.repo.CreateRetryIntent(ctx, child, parent.ID); err != nil {
		return nil, apperrors.NewInternalError("failed to create retry intent", err)
	}

	c.logger.Info("retry intent created",
		"intent_ref", child.IntentRef,
		"parent_intent_ref", parent.IntentRef,
		"attempt", child.Attempt)

	return c.ledger.Send(ctx, child)
}

// Reverse unwinds a completed intent through the gateway. On gateway error
// the intent stays completed and the failure is reported to the caller;
// reversal is never retried automatically.
func (c *Coordinator) Reverse(ctx context.Context, intentRef, reason string) error {
	intent, err := c.ledger.GetIntent(ctx, intentRef)
	if err != nil {
		return err
	}

	if intent.Status != paymentmodel.StatusCompleted {
		return apperrors.ErrNotReversible
	}

	settle, err := c.repo.SettlementForIntent(ctx, intent.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// A completed intent without a settlement record is a broken
			// invariant, not a business condition.
			return apperrors.NewIntegrityError(
				"completed intent has no settlement record",
				apperrors.ErrCodeReceiptConflict)
		}
		return apperrors.NewInternalError("failed to load settlement record", err)
	}

	result, err := c.gateway.Reverse(ctx, settle.Receipt, settle.AmountCents, reason)
	if err != nil {
		c.logger.Error("gateway reversal failed, intent remains completed",
			"intent_ref", intent.IntentRef,
			"receipt", settle.Receipt,
			"error", err)

		var transportErr *gateway.TransportError
		if errors.As(err, &transportErr) {
			return apperrors.NewRetryableError(
				"reversal outcome unknown, re-invoke explicitly after checking the gateway",
				apperrors.ErrCodeGatewayUnreachable, err)
		}
		return apperrors.NewTerminalError(
			"gateway rejected the reversal",
			apperrors.ErrCodeReversalFailed, err)
	}

	return c.ledger.MarkReversed(ctx, intent.IntentRef, result.ReversalID, reason)
}

// Chain walks the retry lineage of an intent back to the first attempt,
// most recent first.
func (c *Coordinator) Chain(ctx context.Context, intentRef string) ([]*paymentmodel.PaymentIntent, error) {
	intent, err := c.ledger.GetIntent(ctx, intentRef)
	if err != nil {
		return nil, err
	}

	chain := []*paymentmodel.PaymentIntent{intent}
	current := intent
	for {
		link, err := c.repo.RetryLinkForChild(ctx, current.ID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				break
			}
			return nil, apperrors.NewInternalError("failed to walk retry chain", err)
		}
		parent, err := c.repo.GetByID(ctx, link.ParentIntentID)
		if err != nil {
			return nil, apperrors.NewInternalError("failed to walk retry chain", err)
		}
		chain = append(chain, parent)
		current = parent
	}
	return chain, nil
}
