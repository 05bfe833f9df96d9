package payment_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/go-chi/chi"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	gatewaytypes "github.com/mkopo-labs/mkopo/internal/core/datamodel/gateway"
	"github.com/mkopo-labs/mkopo/internal/core/datamodel/payment"
	"github.com/mkopo-labs/mkopo/internal/core/events"
	"github.com/mkopo-labs/mkopo/internal/gateway"
	paymentPkg "github.com/mkopo-labs/mkopo/internal/payment"
	"github.com/mkopo-labs/mkopo/internal/transport"
)

var _ = Describe("Handler", func() {
	var (
		repo   *mockRepository
		gw     *mockGateway
		ledger *paymentPkg.LedgerService
		router *chi.Mux
	)

	BeforeEach(func() {
		repo = newMockRepository()
		gw = newMockGateway()
		eventBus := events.NewEventBus(testLogger())
		ledger = paymentPkg.NewLedgerService(repo, gw, eventBus, 5*time.Minute, testLogger())
		coordinator := paymentPkg.NewCoordinator(ledger, repo, gw, 3, testLogger())
		handler := paymentPkg.NewHandler(transport.NewBaseHandler(testLogger()), ledger, coordinator, testLogger())

		router = chi.NewRouter()
		router.Post("/payments", handler.InitiatePayment)
		router.Get("/payments/{intentRef}", handler.GetPaymentState)
		router.Get("/payments/{intentRef}/chain", handler.GetPaymentChain)
		router.Post("/payments/{intentRef}/retry", handler.RetryPayment)
		router.Post("/payments/{intentRef}/reverse", handler.ReversePayment)
	})

	do := func(method, path string, body interface{}) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		if body != nil {
			Expect(json.NewEncoder(&buf).Encode(body)).To(Succeed())
		}
		req := httptest.NewRequest(method, path, &buf)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	Describe("POST /payments", func() {
		It("returns 201 with the intent ref when the push is acknowledged", func() {
			rec := do(http.MethodPost, "/payments", paymentPkg.InitiatePaymentRequest{
				LoanRef:     "LN-1",
				PayerPhone:  "254708374149",
				AmountCents: 150000,
			})

			Expect(rec.Code).To(Equal(http.StatusCreated))
			var resp paymentPkg.InitiatePaymentResponse
			Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp.IntentRef).ToNot(BeEmpty())
			Expect(resp.Status).To(Equal(payment.StatusSent))
		})

		It("returns 400 for an invalid body", func() {
			rec := do(http.MethodPost, "/payments", map[string]interface{}{
				"loan_ref": "LN-1",
			})

			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("returns 202 with the intent ref when the push outcome is unknown", func() {
			gw.pushErr = &gateway.TransportError{Op: "push", Err: http.ErrHandlerTimeout}

			rec := do(http.MethodPost, "/payments", paymentPkg.InitiatePaymentRequest{
				LoanRef:     "LN-1",
				PayerPhone:  "254708374149",
				AmountCents: 150000,
			})

			Expect(rec.Code).To(Equal(http.StatusAccepted))
			var resp map[string]interface{}
			Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp["intent_ref"]).ToNot(BeEmpty())
			Expect(resp["status"]).To(Equal(payment.StatusCreated))
		})

		It("returns 422 when the gateway rejects the push", func() {
			gw.pushErr = &gateway.RequestError{Code: "1", Description: "invalid initiator"}

			rec := do(http.MethodPost, "/payments", paymentPkg.InitiatePaymentRequest{
				LoanRef:     "LN-1",
				PayerPhone:  "254708374149",
				AmountCents: 150000,
			})

			Expect(rec.Code).To(Equal(http.StatusUnprocessableEntity))
		})
	})

	Describe("GET /payments/{intentRef}", func() {
		It("returns the current state", func() {
			sentIntent(repo, "intent-1", "ws_CO_1", 150000)

			rec := do(http.MethodGet, "/payments/intent-1", nil)

			Expect(rec.Code).To(Equal(http.StatusOK))
			var state paymentPkg.PaymentStateResponse
			Expect(json.Unmarshal(rec.Body.Bytes(), &state)).To(Succeed())
			Expect(state.Status).To(Equal(payment.StatusSent))
		})

		It("returns 404 for an unknown ref", func() {
			rec := do(http.MethodGet, "/payments/unknown", nil)

			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})
	})

	Describe("POST /payments/{intentRef}/retry", func() {
		It("returns 201 with the child attempt", func() {
			sentIntent(repo, "intent-1", "ws_CO_1", 150000)
			Expect(ledger.Fail(context.Background(), "intent-1", "1", "insufficient funds")).To(Succeed())

			rec := do(http.MethodPost, "/payments/intent-1/retry", nil)

			Expect(rec.Code).To(Equal(http.StatusCreated))
			var resp paymentPkg.RetryPaymentResponse
			Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp.Attempt).To(Equal(2))
			Expect(resp.ParentIntentRef).To(Equal("intent-1"))
		})

		It("returns 409 for a non-retryable intent", func() {
			sentIntent(repo, "intent-1", "ws_CO_1", 150000)

			rec := do(http.MethodPost, "/payments/intent-1/retry", nil)

			Expect(rec.Code).To(Equal(http.StatusConflict))
		})
	})

	Describe("POST /payments/{intentRef}/reverse", func() {
		It("reverses a completed payment", func() {
			sentIntent(repo, "intent-1", "ws_CO_1", 150000)
			Expect(ledger.Complete(context.Background(), "intent-1", paymentPkg.Settlement{
				Receipt: "NLJ7RT61SV", AmountCents: 150000, SettledAt: time.Now(),
			})).To(Succeed())

			rec := do(http.MethodPost, "/payments/intent-1/reverse", paymentPkg.ReversePaymentRequest{
				Reason: "customer dispute",
			})

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(repo.intentState("intent-1")).To(Equal(payment.StatusReversed))
		})

		It("requires a reason", func() {
			rec := do(http.MethodPost, "/payments/intent-1/reverse", paymentPkg.ReversePaymentRequest{})

			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("GET /payments/{intentRef}/chain", func() {
		It("lists every attempt, most recent first", func() {
			sentIntent(repo, "intent-1", "ws_CO_1", 150000)
			Expect(ledger.Fail(context.Background(), "intent-1", "1", "insufficient funds")).To(Succeed())
			gw.pushAck = &gatewaytypes.PushAck{CheckoutID: "ws_CO_2", MerchantRef: "29115-2"}
			retryRec := do(http.MethodPost, "/payments/intent-1/retry", nil)
			Expect(retryRec.Code).To(Equal(http.StatusCreated))
			var retryResp paymentPkg.RetryPaymentResponse
			Expect(json.Unmarshal(retryRec.Body.Bytes(), &retryResp)).To(Succeed())

			rec := do(http.MethodGet, "/payments/"+retryResp.IntentRef+"/chain", nil)

			Expect(rec.Code).To(Equal(http.StatusOK))
			var resp struct {
				Attempts []paymentPkg.PaymentStateResponse `json:"attempts"`
			}
			Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp.Attempts).To(HaveLen(2))
			Expect(resp.Attempts[0].Attempt).To(Equal(2))
			Expect(resp.Attempts[1].IntentRef).To(Equal("intent-1"))
		})
	})
})
