package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	gatewaytypes "github.com/mkopo-labs/mkopo/internal/core/datamodel/gateway"
	paymentmodel "github.com/mkopo-labs/mkopo/internal/core/datamodel/payment"
	"github.com/mkopo-labs/mkopo/internal/gateway"
)

// Reconciler is the backstop against lost callbacks. On a fixed interval it
// picks up sent intents whose deadline has passed, asks the gateway for the
// authoritative state and repairs the ledger. Every write goes through the
// ledger's per-intent lock, so running concurrently with the callback
// processor on the same intent is safe.
type Reconciler struct {
	ledger       *LedgerService
	repo         Repository
	gateway      GatewayAPI
	logger       *slog.Logger
	interval     time.Duration
	batchSize    int
	workers      int
	createdGrace time.Duration
}

func NewReconciler(ledger *LedgerService, repo Repository, gw GatewayAPI, interval time.Duration, batchSize, workers int, createdGrace time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if workers <= 0 {
		workers = 10
	}
	if createdGrace <= 0 {
		createdGrace = 5 * time.Minute
	}
	return &Reconciler{
		ledger:       ledger,
		repo:         repo,
		gateway:      gw,
		logger:       logger,
		interval:     interval,
		batchSize:    batchSize,
		workers:      workers,
		createdGrace: createdGrace,
	}
}

// Start runs the sweep loop until the context is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	r.logger.Info("starting reconciliation sweep",
		"interval", r.interval.String(),
		"batch_size", r.batchSize,
		"workers", r.workers)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopping due to context cancellation")
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.logger.Error("reconciliation sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs a single reconciliation pass. Exported so the worker command
// and tests can drive it directly.
func (r *Reconciler) Sweep(ctx context.Context) error {
	now := time.Now()

	overdue, err := r.repo.ListSentPastDeadline(ctx, now, r.batchSize)
	if err != nil {
		return fmt.Errorf("failed to list overdue intents: %w", err)
	}

	stale, err := r.repo.ListCreatedBefore(ctx, now.Add(-r.createdGrace), r.batchSize)
	if err != nil {
		return fmt.Errorf("failed to list stale created intents: %w", err)
	}

	if len(overdue) == 0 && len(stale) == 0 {
		return nil
	}

	r.logger.Info("reconciliation sweep picked up intents",
		"overdue", len(overdue),
		"stale_created", len(stale))

	pool, err := ants.NewPool(r.workers)
	if err != nil {
		return fmt.Errorf("failed to create reconciler pool: %w", err)
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for _, intent := range overdue {
		intent := intent
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			r.reconcileIntent(ctx, intent)
		}); err != nil {
			wg.Done()
			r.logger.Error("failed to submit reconcile task", "intent_ref", intent.IntentRef, "error", err)
		}
	}
	for _, intent := range stale {
		intent := intent
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			r.failStaleCreated(ctx, intent)
		}); err != nil {
			wg.Done()
			r.logger.Error("failed to submit stale-intent task", "intent_ref", intent.IntentRef, "error", err)
		}
	}
	wg.Wait()

	return nil
}

func (r *Reconciler) reconcileIntent(ctx context.Context, intent *paymentmodel.PaymentIntent) {
	if intent.CheckoutID == nil {
		r.logger.Error("sent intent without checkout id, cannot reconcile",
			"intent_ref", intent.IntentRef)
		return
	}

	status, err := r.gateway.QueryStatus(ctx, *intent.CheckoutID)
	if err != nil {
		var transportErr *gateway.TransportError
		if errors.As(err, &transportErr) {
			// Unknown outcome: leave the intent for the next sweep.
			r.logger.Warn("status query failed at transport level, will retry next sweep",
				"intent_ref", intent.IntentRef, "error", err)
			return
		}
		// The gateway answered but rejected the query; past the deadline an
		// unusable answer expires the intent.
		r.logger.Warn("status query rejected by gateway, expiring overdue intent",
			"intent_ref", intent.IntentRef, "error", err)
		r.apply(ctx, intent, func() error { return r.ledger.Expire(ctx, intent.IntentRef) })
		return
	}

	switch status.Outcome {
	case gatewaytypes.OutcomeSuccess:
		amount := status.AmountCents
		if amount == 0 {
			amount = intent.AmountCents
		}
		r.apply(ctx, intent, func() error {
			return r.ledger.Complete(ctx, intent.IntentRef, Settlement{
				Receipt:     status.Receipt,
				AmountCents: amount,
				PayerPhone:  status.PayerPhone,
				SettledAt:   time.Now(),
			})
		})
	case gatewaytypes.OutcomeFailed:
		r.apply(ctx, intent, func() error {
			return r.ledger.Fail(ctx, intent.IntentRef, status.ResultCode, status.Description)
		})
	case gatewaytypes.OutcomeNotFound, gatewaytypes.OutcomeAmbiguous:
		// Past the deadline with no usable gateway record.
		r.apply(ctx, intent, func() error { return r.ledger.Expire(ctx, intent.IntentRef) })
	}
}

// failStaleCreated cleans up intents whose push never produced a confirmed
// acknowledgement. They were never sent to the gateway as far as the ledger
// knows, so there is nothing to query.
func (r *Reconciler) failStaleCreated(ctx context.Context, intent *paymentmodel.PaymentIntent) {
	r.apply(ctx, intent, func() error {
		return r.ledger.Fail(ctx, intent.IntentRef, "PUSH_UNCONFIRMED", "push was never acknowledged by the gateway")
	})
}

// apply runs a ledger transition and absorbs the benign outcome of losing the
// race to a concurrent callback: a conflict here means someone else already
// settled the intent.
func (r *Reconciler) apply(ctx context.Context, intent *paymentmodel.PaymentIntent, fn func() error) {
	if err := fn(); err != nil {
		if appErr, ok := isConflict(err); ok {
			r.logger.Info("intent already settled by a concurrent writer",
				"intent_ref", intent.IntentRef, "detail", appErr.Message)
			return
		}
		r.logger.Error("reconciliation transition failed",
			"intent_ref", intent.IntentRef, "error", err)
	}
}
