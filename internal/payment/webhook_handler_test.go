package payment_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/golang-jwt/jwt/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mkopo-labs/mkopo/internal/core/datamodel/payment"
	"github.com/mkopo-labs/mkopo/internal/core/events"
	paymentPkg "github.com/mkopo-labs/mkopo/internal/payment"
	"github.com/mkopo-labs/mkopo/internal/transport"
)

var _ = Describe("WebhookHandler", func() {
	const callbackSecret = "test-callback-secret"

	var (
		repo    *mockRepository
		handler *paymentPkg.WebhookHandler
	)

	newHandler := func(secret string) *paymentPkg.WebhookHandler {
		gw := newMockGateway()
		eventBus := events.NewEventBus(testLogger())
		ledger := paymentPkg.NewLedgerService(repo, gw, eventBus, 5*time.Minute, testLogger())
		processor := paymentPkg.NewCallbackProcessor(ledger, repo, 200*time.Millisecond, testLogger())
		return paymentPkg.NewWebhookHandler(transport.NewBaseHandler(testLogger()), processor, secret, testLogger())
	}

	signedToken := func(secret string) string {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"iss": "gateway",
			"exp": time.Now().Add(time.Minute).Unix(),
		})
		signed, err := token.SignedString([]byte(secret))
		Expect(err).ToNot(HaveOccurred())
		return signed
	}

	post := func(handler *paymentPkg.WebhookHandler, body []byte, authorization string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/callback", bytes.NewReader(body))
		if authorization != "" {
			req.Header.Set("Authorization", authorization)
		}
		rec := httptest.NewRecorder()
		handler.HandleCallback(rec, req)
		return rec
	}

	callbackBody := func(checkoutID, resultCode, receipt string) []byte {
		body, err := json.Marshal(paymentPkg.CallbackRequest{
			CheckoutID:  checkoutID,
			ResultCode:  resultCode,
			Receipt:     receipt,
			AmountCents: 150000,
		})
		Expect(err).ToNot(HaveOccurred())
		return body
	}

	expectAck := func(rec *httptest.ResponseRecorder) {
		Expect(rec.Code).To(Equal(http.StatusOK))
		var ack paymentPkg.CallbackAck
		Expect(json.Unmarshal(rec.Body.Bytes(), &ack)).To(Succeed())
		Expect(ack.ResultCode).To(Equal("0"))
	}

	BeforeEach(func() {
		repo = newMockRepository()
		handler = newHandler(callbackSecret)
	})

	Context("with a valid signature", func() {
		It("should process the callback and ack", func() {
			sentIntent(repo, "intent-1", "ws_CO_1", 150000)

			rec := post(handler, callbackBody("ws_CO_1", "0", "NLJ7RT61SV"), "Bearer "+signedToken(callbackSecret))

			expectAck(rec)
			Expect(repo.intentState("intent-1")).To(Equal(payment.StatusCompleted))
		})
	})

	Context("with a bad signature", func() {
		It("should dead-letter the callback but still ack", func() {
			sentIntent(repo, "intent-1", "ws_CO_1", 150000)

			rec := post(handler, callbackBody("ws_CO_1", "0", "NLJ7RT61SV"), "Bearer "+signedToken("wrong-secret"))

			expectAck(rec)
			Expect(repo.intentState("intent-1")).To(Equal(payment.StatusSent))
			Expect(repo.deadLetters).To(HaveLen(1))
			Expect(repo.deadLetters[0].Reason).To(Equal("invalid callback signature"))
			Expect(repo.deadLetters[0].CheckoutID).To(Equal("ws_CO_1"))
		})

		It("should dead-letter a callback without a bearer token", func() {
			sentIntent(repo, "intent-1", "ws_CO_1", 150000)

			rec := post(handler, callbackBody("ws_CO_1", "0", "NLJ7RT61SV"), "")

			expectAck(rec)
			Expect(repo.intentState("intent-1")).To(Equal(payment.StatusSent))
			Expect(repo.deadLetters).To(HaveLen(1))
		})
	})

	Context("with no secret configured", func() {
		It("should accept unsigned callbacks", func() {
			handler = newHandler("")
			sentIntent(repo, "intent-1", "ws_CO_1", 150000)

			rec := post(handler, callbackBody("ws_CO_1", "0", "NLJ7RT61SV"), "")

			expectAck(rec)
			Expect(repo.intentState("intent-1")).To(Equal(payment.StatusCompleted))
		})
	})

	Context("with a malformed payload", func() {
		It("should still ack so the gateway stops redelivering", func() {
			rec := post(handler, []byte("{not-json"), "Bearer "+signedToken(callbackSecret))

			expectAck(rec)
		})
	})

	Context("when the callback matches nothing", func() {
		It("should ack and dead-letter internally", func() {
			rec := post(handler, callbackBody("ws_CO_unknown", "0", "NLJ7RT61SV"), "Bearer "+signedToken(callbackSecret))

			expectAck(rec)
			Expect(repo.deadLetters).To(HaveLen(1))
		})
	})
})

var _ = Describe("context usage", func() {
	It("propagates the request context into processing", func() {
		repo := newMockRepository()
		gw := newMockGateway()
		eventBus := events.NewEventBus(testLogger())
		ledger := paymentPkg.NewLedgerService(repo, gw, eventBus, 5*time.Minute, testLogger())
		processor := paymentPkg.NewCallbackProcessor(ledger, repo, 5*time.Second, testLogger())

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		// Cancelled context aborts the grace-period match instead of waiting
		// out the full window; the failure propagates as infrastructure error.
		start := time.Now()
		err := processor.Process(ctx, &paymentPkg.CallbackRequest{CheckoutID: "ws_CO_none", ResultCode: "0"})
		Expect(time.Since(start)).To(BeNumerically("<", time.Second))
		Expect(err).To(HaveOccurred())
	})
})
