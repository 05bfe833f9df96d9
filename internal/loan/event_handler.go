package loan

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mkopo-labs/mkopo/internal/core/events"
)

type EventHandler struct {
	repayments *RepaymentService
	logger     *slog.Logger
}

func NewEventHandler(repayments *RepaymentService, logger *slog.Logger) *EventHandler {
	return &EventHandler{
		repayments: repayments,
		logger:     logger,
	}
}

func (h *EventHandler) HandlePaymentCompleted(ctx context.Context, event events.Event) error {
	completed, ok := event.(*events.PaymentCompletedEvent)
	if !ok {
		h.logger.Error("invalid event type for payment completed handler", "event_type", event.EventType())
		return fmt.Errorf("expected PaymentCompletedEvent, got %T", event)
	}

	return h.repayments.ApplyCompletedPayment(ctx,
		completed.LoanRef,
		completed.IntentRef,
		completed.AmountCents,
		completed.Receipt)
}

func (h *EventHandler) HandlePaymentReversed(ctx context.Context, event events.Event) error {
	reversed, ok := event.(*events.PaymentReversedEvent)
	if !ok {
		h.logger.Error("invalid event type for payment reversed handler", "event_type", event.EventType())
		return fmt.Errorf("expected PaymentReversedEvent, got %T", event)
	}

	return h.repayments.UnapplyReversedPayment(ctx, reversed.IntentRef)
}

func (h *EventHandler) RegisterEventHandlers(eventBus *events.EventBus) {
	eventBus.Subscribe(events.EventTypePaymentCompleted, h.HandlePaymentCompleted)
	eventBus.Subscribe(events.EventTypePaymentReversed, h.HandlePaymentReversed)

	h.logger.Info("loan repayment event handlers registered",
		"handlers", []string{events.EventTypePaymentCompleted, events.EventTypePaymentReversed})
}
