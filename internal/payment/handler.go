package payment

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"

	errors "github.com/mkopo-labs/mkopo/internal"
	"github.com/mkopo-labs/mkopo/internal/transport"
)

// Handler exposes the collaborator interface the surrounding loan system
// consumes: initiate, inspect, retry, reverse.
type Handler struct {
	*transport.BaseHandler
	Ledger      *LedgerService
	Coordinator *Coordinator
	Logger      *slog.Logger
}

func NewHandler(baseHandler *transport.BaseHandler, ledger *LedgerService, coordinator *Coordinator, logger *slog.Logger) *Handler {
	return &Handler{
		BaseHandler: baseHandler,
		Ledger:      ledger,
		Coordinator: coordinator,
		Logger:      logger,
	}
}

// InitiatePayment handles POST /payments
func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	var req InitiatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Error("InitiatePayment: failed to parse request body", "error", err)
		h.HandleError(w, errors.NewValidationError("invalid request body", errors.ErrCodeValidationFailed))
		return
	}

	intent, err := h.Ledger.Initiate(r.Context(), &req)
	if err != nil {
		if appErr, ok := errors.IsAppError(err); ok && appErr.IsRetryable() && intent != nil {
			// The intent exists but its outcome at the gateway is unknown.
			// Surface the ref so the caller can poll while we reconcile.
			h.WriteJSON(w, http.StatusAccepted, map[string]interface{}{
				"intent_ref": intent.IntentRef,
				"status":     intent.Status,
				"detail":     appErr.Message,
			})
			return
		}
		h.Logger.Error("InitiatePayment: service error", "error", err, "loan_ref", req.LoanRef)
		h.HandleServiceError(w, err)
		return
	}

	h.Logger.Info("InitiatePayment: payment initiated",
		"intent_ref", intent.IntentRef,
		"loan_ref", req.LoanRef,
		"amount_cents", req.AmountCents)

	h.WriteJSON(w, http.StatusCreated, InitiatePaymentResponse{
		IntentRef: intent.IntentRef,
		Status:    intent.Status,
		Attempt:   intent.Attempt,
	})
}

// GetPaymentState handles GET /payments/{intentRef}
func (h *Handler) GetPaymentState(w http.ResponseWriter, r *http.Request) {
	intentRef := chi.URLParam(r, "intentRef")

	state, err := h.Ledger.GetState(r.Context(), intentRef)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, state)
}

// RetryPayment handles POST /payments/{intentRef}/retry
func (h *Handler) RetryPayment(w http.ResponseWriter, r *http.Request) {
	intentRef := chi.URLParam(r, "intentRef")

	child, err := h.Coordinator.Retry(r.Context(), intentRef)
	if err != nil {
		if appErr, ok := errors.IsAppError(err); ok && appErr.IsRetryable() && child != nil {
			h.WriteJSON(w, http.StatusAccepted, RetryPaymentResponse{
				IntentRef:       child.IntentRef,
				ParentIntentRef: intentRef,
				Attempt:         child.Attempt,
				Status:          child.Status,
			})
			return
		}
		h.Logger.Error("RetryPayment: service error", "error", err, "intent_ref", intentRef)
		h.HandleServiceError(w, err)
		return
	}

	h.Logger.Info("RetryPayment: retry initiated",
		"parent_intent_ref", intentRef,
		"intent_ref", child.IntentRef,
		"attempt", child.Attempt)

	h.WriteJSON(w, http.StatusCreated, RetryPaymentResponse{
		IntentRef:       child.IntentRef,
		ParentIntentRef: intentRef,
		Attempt:         child.Attempt,
		Status:          child.Status,
	})
}

// GetPaymentChain handles GET /payments/{intentRef}/chain
func (h *Handler) GetPaymentChain(w http.ResponseWriter, r *http.Request) {
	intentRef := chi.URLParam(r, "intentRef")

	chain, err := h.Coordinator.Chain(r.Context(), intentRef)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	attempts := make([]PaymentStateResponse, 0, len(chain))
	for _, intent := range chain {
		attempts = append(attempts, StateResponseFrom(intent))
	}

	h.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"intent_ref": intentRef,
		"attempts":   attempts,
	})
}

// ReversePayment handles POST /payments/{intentRef}/reverse
func (h *Handler) ReversePayment(w http.ResponseWriter, r *http.Request) {
	intentRef := chi.URLParam(r, "intentRef")

	var req ReversePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.HandleError(w, errors.NewValidationError("invalid request body", errors.ErrCodeValidationFailed))
		return
	}
	if err := req.Validate(); err != nil {
		h.HandleServiceError(w, err)
		return
	}

	if err := h.Coordinator.Reverse(r.Context(), intentRef, req.Reason); err != nil {
		h.Logger.Error("ReversePayment: service error", "error", err, "intent_ref", intentRef)
		h.HandleServiceError(w, err)
		return
	}

	h.Logger.Info("ReversePayment: payment reversed", "intent_ref", intentRef)

	h.WriteJSON(w, http.StatusOK, map[string]string{
		"intent_ref": intentRef,
		"status":     "reversed",
	})
}
