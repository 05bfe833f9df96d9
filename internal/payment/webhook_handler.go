package payment

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mkopo-labs/mkopo/internal/transport"
)

// CallbackAck is the acknowledgement shape the gateway expects. It is
// returned for every inbound callback regardless of internal outcome, so the
// gateway stops redelivering; anomalies are recorded internally instead.
type CallbackAck struct {
	ResultCode string `json:"result_code"`
	ResultDesc string `json:"result_description"`
}

type WebhookHandler struct {
	*transport.BaseHandler
	processor      *CallbackProcessor
	callbackSecret string
	logger         *slog.Logger
}

func NewWebhookHandler(baseHandler *transport.BaseHandler, processor *CallbackProcessor, callbackSecret string, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		BaseHandler:    baseHandler,
		processor:      processor,
		callbackSecret: callbackSecret,
		logger:         logger,
	}
}

// HandleCallback ingests a gateway notification. Every path acks.
func (h *WebhookHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	ack := CallbackAck{ResultCode: "0", ResultDesc: "Accepted"}

	if !h.verifySignature(r) {
		h.logger.Error("callback with invalid signature dropped",
			"remote_addr", r.RemoteAddr)
		// Keep the payload for manual correlation; it is never applied.
		var req CallbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			h.processor.DeadLetter(r.Context(), &req, "invalid callback signature")
		}
		h.WriteJSON(w, http.StatusOK, ack)
		return
	}

	var req CallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("malformed callback payload", "error", err)
		h.WriteJSON(w, http.StatusOK, ack)
		return
	}

	h.logger.Info("received gateway callback",
		"checkout_id", req.CheckoutID,
		"merchant_ref", req.MerchantRef,
		"result_code", req.ResultCode)

	if err := h.processor.Process(r.Context(), &req); err != nil {
		// Infrastructure failure: still ack so the gateway does not storm us
		// with redelivery; the reconciler will repair the intent.
		h.logger.Error("callback processing failed",
			"checkout_id", req.CheckoutID,
			"error", err)
	}

	h.WriteJSON(w, http.StatusOK, ack)
}

// verifySignature checks the HMAC token the gateway signs callbacks with.
// When no secret is configured (development against a simulator) the check
// is skipped.
func (h *WebhookHandler) verifySignature(r *http.Request) bool {
	if h.callbackSecret == "" {
		return true
	}

	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return false
	}

	token, err := jwt.Parse(authHeader[7:], func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(h.callbackSecret), nil
	})
	return err == nil && token.Valid
}
