package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/mkopo-labs/mkopo/internal"
	gatewaytypes "github.com/mkopo-labs/mkopo/internal/core/datamodel/gateway"
	paymentmodel "github.com/mkopo-labs/mkopo/internal/core/datamodel/payment"
	"github.com/mkopo-labs/mkopo/internal/core/events"
	"github.com/mkopo-labs/mkopo/internal/gateway"
)

// ErrNotFound is returned by repositories when no row matches.
var ErrNotFound = errors.New("record not found")

// Repository is the persistence contract of the ledger. UpdateLocked is the
// concurrency primitive every transition out of SENT goes through: it opens a
// transaction, takes a row lock on the intent, re-reads its state and applies
// the mutation plus the optional settlement insert atomically.
type Repository interface {
	CreateIntent(ctx context.Context, intent *paymentmodel.PaymentIntent) error
	CreateRetryIntent(ctx context.Context, child *paymentmodel.PaymentIntent, parentID int64) error
	GetByIntentRef(ctx context.Context, intentRef string) (*paymentmodel.PaymentIntent, error)
	GetByID(ctx context.Context, id int64) (*paymentmodel.PaymentIntent, error)
	GetByCheckoutID(ctx context.Context, checkoutID string) (*paymentmodel.PaymentIntent, error)
	ListSentPastDeadline(ctx context.Context, now time.Time, limit int) ([]*paymentmodel.PaymentIntent, error)
	ListCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*paymentmodel.PaymentIntent, error)
	SettlementForIntent(ctx context.Context, intentID int64) (*paymentmodel.SettlementRecord, error)
	SettlementByReceipt(ctx context.Context, receipt string) (*paymentmodel.SettlementRecord, error)
	RetryLinkForChild(ctx context.Context, childID int64) (*paymentmodel.RetryLink, error)
	SaveDeadLetter(ctx context.Context, dl *paymentmodel.DeadLetterCallback) error
	UpdateLocked(ctx context.Context, intentRef string, apply func(intent *paymentmodel.PaymentIntent) (*paymentmodel.SettlementRecord, error)) (*paymentmodel.PaymentIntent, error)
}

// GatewayAPI is the slice of the gateway client the ledger needs.
type GatewayAPI interface {
	Push(ctx context.Context, req *gatewaytypes.PushRequest) (*gatewaytypes.PushAck, error)
	QueryStatus(ctx context.Context, checkoutID string) (*gatewaytypes.StatusResult, error)
	Reverse(ctx context.Context, receipt string, amountCents int64, reason string) (*gatewaytypes.ReversalResult, error)
}

// LedgerService owns the payment intent state machine. It is the only code
// that transitions intents; handlers, the callback processor, the reconciler
// and the coordinator all go through it.
type LedgerService struct {
	repo         Repository
	gateway      GatewayAPI
	eventBus     *events.EventBus
	logger       *slog.Logger
	expiryWindow time.Duration
}

func NewLedgerService(repo Repository, gw GatewayAPI, eventBus *events.EventBus, expiryWindow time.Duration, logger *slog.Logger) *LedgerService {
	if expiryWindow <= 0 {
		expiryWindow = 5 * time.Minute
	}
	return &LedgerService{
		repo:         repo,
		gateway:      gw,
		eventBus:     eventBus,
		logger:       logger,
		expiryWindow: expiryWindow,
	}
}

// Initiate creates a payment intent and pushes it to the payer's device. A
// transport failure on the push leaves the intent in created so retry logic
// has a clean state to act on; a gateway rejection fails it immediately.
func (s *LedgerService) Initiate(ctx context.Context, req *InitiatePaymentRequest) (*paymentmodel.PaymentIntent, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	intent := &paymentmodel.PaymentIntent{
		IntentRef:        uuid.NewString(),
		LoanRef:          req.LoanRef,
		PayerPhone:       req.PayerPhone,
		AmountCents:      req.AmountCents,
		AccountRef:       req.LoanRef,
		Attempt:          1,
		Status:           paymentmodel.StatusCreated,
		LastTransitionAt: time.Now(),
	}

	if err := s.repo.CreateIntent(ctx, intent); err != nil {
		return nil, apperrors.NewInternalError("failed to persist payment intent", err)
	}

	s.logger.Info("payment intent created",
		"intent_ref", intent.IntentRef,
		"loan_ref", intent.LoanRef,
		"amount_cents", intent.AmountCents)

	return s.Send(ctx, intent)
}

// Send pushes a created intent to the gateway and, on acknowledgement,
// transitions it to sent with the correlation ids and the expiry deadline.
func (s *LedgerService) Send(ctx context.Context, intent *paymentmodel.PaymentIntent) (*paymentmodel.PaymentIntent, error) {
	ack, err := s.gateway.Push(ctx, &gatewaytypes.PushRequest{
		PayerPhone:  intent.PayerPhone,
		AmountCents: intent.AmountCents,
		AccountRef:  intent.AccountRef,
	})
	if err != nil {
		var transportErr *gateway.TransportError
		if errors.As(err, &transportErr) {
			// Outcome unknown: the gateway may or may not have the request.
			// The intent stays in created; never sent without a confirmed ack.
			s.logger.Warn("push outcome unknown, intent left in created",
				"intent_ref", intent.IntentRef, "error", err)
			return intent, apperrors.NewRetryableError(
				"gateway unreachable, payment outcome unknown",
				apperrors.ErrCodeGatewayUnreachable, err)
		}

		var requestErr *gateway.RequestError
		if errors.As(err, &requestErr) {
			if failErr := s.Fail(ctx, intent.IntentRef, requestErr.Code, requestErr.Description); failErr != nil {
				s.logger.Error("failed to record push rejection",
					"intent_ref", intent.IntentRef, "error", failErr)
			}
			return intent, apperrors.NewTerminalError(
				"gateway rejected the payment request",
				apperrors.ErrCodeGatewayRejected, err)
		}

		return intent, apperrors.NewInternalError("push failed", err)
	}

	expiresAt := time.Now().Add(s.expiryWindow)
	updated, err := s.repo.UpdateLocked(ctx, intent.IntentRef, func(current *paymentmodel.PaymentIntent) (*paymentmodel.SettlementRecord, error) {
		if current.Status != paymentmodel.StatusCreated {
			return nil, illegalTransition(current, paymentmodel.StatusSent)
		}
		now := time.Now()
		current.Status = paymentmodel.StatusSent
		current.CheckoutID = &ack.CheckoutID
		current.MerchantRef = &ack.MerchantRef
		current.SentAt = &now
		current.ExpiresAt = &expiresAt
		current.LastTransitionAt = now
		return nil, nil
	})
	if err != nil {
		return intent, err
	}

	s.logger.Info("payment intent sent",
		"intent_ref", updated.IntentRef,
		"checkout_id", ack.CheckoutID,
		"expires_at", expiresAt)

	return updated, nil
}

// Complete performs SENT -> COMPLETED atomically with the settlement record
// creation. Presenting the same settlement for an already completed intent is
// a no-op; a conflicting terminal outcome is rejected, first writer wins.
func (s *LedgerService) Complete(ctx context.Context, intentRef string, settle Settlement) error {
	if existing, err := s.repo.SettlementByReceipt(ctx, settle.Receipt); err == nil {
		owner, ownerErr := s.repo.GetByIntentRef(ctx, intentRef)
		if ownerErr == nil && existing.IntentID == owner.ID {
			// Same receipt, same intent: a redelivered confirmation.
			return nil
		}
		return apperrors.NewIntegrityError(
			fmt.Sprintf("receipt %s is already attached to another intent", settle.Receipt),
			apperrors.ErrCodeReceiptConflict)
	} else if !errors.Is(err, ErrNotFound) {
		return apperrors.NewInternalError("failed to check settlement receipt", err)
	}

	updated, err := s.repo.UpdateLocked(ctx, intentRef, func(current *paymentmodel.PaymentIntent) (*paymentmodel.SettlementRecord, error) {
		switch current.Status {
		case paymentmodel.StatusCompleted, paymentmodel.StatusReversed:
			// Terminal with the same outcome: idempotent no-op.
			return nil, errAlreadyApplied
		case paymentmodel.StatusFailed, paymentmodel.StatusExpired:
			return nil, apperrors.NewConflictError(
				fmt.Sprintf("intent %s already terminal as %s, completion rejected", current.IntentRef, current.Status),
				apperrors.ErrCodeDuplicateCallback)
		case paymentmodel.StatusSent:
			now := time.Now()
			current.Status = paymentmodel.StatusCompleted
			current.LastTransitionAt = now
			return &paymentmodel.SettlementRecord{
				IntentID:    current.ID,
				Receipt:     settle.Receipt,
				AmountCents: settle.AmountCents,
				PayerPhone:  settle.PayerPhone,
				SettledAt:   settle.SettledAt,
			}, nil
		default:
			return nil, illegalTransition(current, paymentmodel.StatusCompleted)
		}
	})
	if err != nil {
		if errors.Is(err, errAlreadyApplied) {
			return nil
		}
		return err
	}

	s.logger.Info("payment intent completed",
		"intent_ref", updated.IntentRef,
		"receipt", settle.Receipt,
		"amount_cents", settle.AmountCents)

	s.eventBus.Publish(ctx, events.NewPaymentCompletedEvent(
		updated.IntentRef, updated.LoanRef, updated.AmountCents, settle.Receipt, settle.PayerPhone))

	return nil
}

// Fail records a definitive gateway failure. Legal from created (push
// rejected) and sent (callback or query reported failure). Repeating the
// same failure is a no-op.
func (s *LedgerService) Fail(ctx context.Context, intentRef, code, reason string) error {
	updated, err := s.repo.UpdateLocked(ctx, intentRef, func(current *paymentmodel.PaymentIntent) (*paymentmodel.SettlementRecord, error) {
		switch current.Status {
		case paymentmodel.StatusFailed:
			return nil, errAlreadyApplied
		case paymentmodel.StatusCompleted, paymentmodel.StatusExpired, paymentmodel.StatusReversed:
			return nil, apperrors.NewConflictError(
				fmt.Sprintf("intent %s already terminal as %s, failure rejected", current.IntentRef, current.Status),
				apperrors.ErrCodeDuplicateCallback)
		case paymentmodel.StatusCreated, paymentmodel.StatusSent:
			current.Status = paymentmodel.StatusFailed
			current.FailureCode = &code
			current.FailureReason = &reason
			current.LastTransitionAt = time.Now()
			return nil, nil
		default:
			return nil, illegalTransition(current, paymentmodel.StatusFailed)
		}
	})
	if err != nil {
		if errors.Is(err, errAlreadyApplied) {
			return nil
		}
		return err
	}

	s.logger.Info("payment intent failed",
		"intent_ref", updated.IntentRef,
		"failure_code", code,
		"failure_reason", reason)

	s.eventBus.Publish(ctx, events.NewPaymentFailedEvent(
		updated.IntentRef, updated.LoanRef, updated.AmountCents, reason, updated.Attempt))

	return nil
}

// Expire is the reconciler's verdict when the deadline has passed with no
// callback and the gateway has no usable record.
func (s *LedgerService) Expire(ctx context.Context, intentRef string) error {
	updated, err := s.repo.UpdateLocked(ctx, intentRef, func(current *paymentmodel.PaymentIntent) (*paymentmodel.SettlementRecord, error) {
		switch current.Status {
		case paymentmodel.StatusExpired:
			return nil, errAlreadyApplied
		case paymentmodel.StatusCompleted, paymentmodel.StatusFailed, paymentmodel.StatusReversed:
			return nil, apperrors.NewConflictError(
				fmt.Sprintf("intent %s already terminal as %s, expiry rejected", current.IntentRef, current.Status),
				apperrors.ErrCodeDuplicateCallback)
		case paymentmodel.StatusSent:
			current.Status = paymentmodel.StatusExpired
			current.LastTransitionAt = time.Now()
			return nil, nil
		default:
			return nil, illegalTransition(current, paymentmodel.StatusExpired)
		}
	})
	if err != nil {
		if errors.Is(err, errAlreadyApplied) {
			return nil
		}
		return err
	}

	s.logger.Info("payment intent expired", "intent_ref", updated.IntentRef)

	s.eventBus.Publish(ctx, events.NewPaymentExpiredEvent(
		updated.IntentRef, updated.LoanRef, updated.AmountCents, updated.Attempt))

	return nil
}

// MarkReversed records a successful gateway reversal. Only legal from
// completed; the settlement record stays in place as the audit trail.
func (s *LedgerService) MarkReversed(ctx context.Context, intentRef, reversalID, reason string) error {
	updated, err := s.repo.UpdateLocked(ctx, intentRef, func(current *paymentmodel.PaymentIntent) (*paymentmodel.SettlementRecord, error) {
		if current.Status != paymentmodel.StatusCompleted {
			return nil, illegalTransition(current, paymentmodel.StatusReversed)
		}
		current.Status = paymentmodel.StatusReversed
		current.ReversalID = &reversalID
		current.ReversalReason = &reason
		current.LastTransitionAt = time.Now()
		return nil, nil
	})
	if err != nil {
		return err
	}

	settle, settleErr := s.repo.SettlementForIntent(ctx, updated.ID)
	receipt := ""
	if settleErr == nil {
		receipt = settle.Receipt
	}

	s.logger.Info("payment intent reversed",
		"intent_ref", updated.IntentRef,
		"reversal_id", reversalID,
		"reason", reason)

	s.eventBus.Publish(ctx, events.NewPaymentReversedEvent(
		updated.IntentRef, updated.LoanRef, updated.AmountCents, receipt, reversalID, reason))

	return nil
}

// GetState returns the current intent together with its settlement receipt
// when one exists.
func (s *LedgerService) GetState(ctx context.Context, intentRef string) (*PaymentStateResponse, error) {
	intent, err := s.repo.GetByIntentRef(ctx, intentRef)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperrors.ErrIntentNotFound
		}
		return nil, apperrors.NewInternalError("failed to load payment intent", err)
	}

	resp := &PaymentStateResponse{
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
	if intent.Status == paymentmodel.StatusCompleted || intent.Status == paymentmodel.StatusReversed {
		if settle, err := s.repo.SettlementForIntent(ctx, intent.ID); err == nil {
			resp.Receipt = settle.Receipt
		}
	}
	return resp, nil
}

func (s *LedgerService) GetIntent(ctx context.Context, intentRef string) (*paymentmodel.PaymentIntent, error) {
	intent, err := s.repo.GetByIntentRef(ctx, intentRef)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperrors.ErrIntentNotFound
		}
		return nil, apperrors.NewInternalError("failed to load payment intent", err)
	}
	return intent, nil
}

// errAlreadyApplied signals an idempotent re-delivery inside an UpdateLocked
// closure; it aborts the transaction without treating it as a failure.
var errAlreadyApplied = errors.New("transition already applied")

func illegalTransition(current *paymentmodel.PaymentIntent, to string) *apperrors.AppError {
	// Illegal transitions are defects, not business outcomes. Fail loudly.
	return apperrors.NewIntegrityError(
		fmt.Sprintf("illegal transition %s -> %s for intent %s", current.Status, to, current.IntentRef),
		apperrors.ErrCodeIllegalTransition)
}

func isConflict(err error) (*apperrors.AppError, bool) {
	if appErr, ok := apperrors.IsAppError(err); ok && appErr.Type == apperrors.ErrorTypeConflict {
		return appErr, true
	}
	return nil, false
}
