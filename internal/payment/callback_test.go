package payment_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mkopo-labs/mkopo/internal/core/datamodel/payment"
	"github.com/mkopo-labs/mkopo/internal/core/events"
	paymentPkg "github.com/mkopo-labs/mkopo/internal/payment"
)

var _ = Describe("CallbackProcessor", func() {
	var (
		repo      *mockRepository
		gw        *mockGateway
		ledger    *paymentPkg.LedgerService
		processor *paymentPkg.CallbackProcessor
		ctx       context.Context
	)

	BeforeEach(func() {
		repo = newMockRepository()
		gw = newMockGateway()
		eventBus := events.NewEventBus(testLogger())
		ledger = paymentPkg.NewLedgerService(repo, gw, eventBus, 5*time.Minute, testLogger())
		// Short grace period so unmatched-callback specs do not stall the suite.
		processor = paymentPkg.NewCallbackProcessor(ledger, repo, time.Second, testLogger())
		ctx = context.Background()
	})

	Context("when a success callback matches a sent intent", func() {
		It("should complete the intent and attach the settlement", func() {
			sentIntent(repo, "intent-1", "ws_CO_1", 150000)

			err := processor.Process(ctx, &paymentPkg.CallbackRequest{
				CheckoutID:  "ws_CO_1",
				MerchantRef: "ws_CO_1-m",
				ResultCode:  "0",
				ResultDesc:  "The service request is processed successfully.",
				Receipt:     "NLJ7RT61SV",
				AmountCents: 150000,
				PayerPhone:  "254708374149",
				Timestamp:   "20240312174530",
			})

			Expect(err).ToNot(HaveOccurred())
			Expect(repo.intentState("intent-1")).To(Equal(payment.StatusCompleted))
			Expect(repo.settlementCount()).To(Equal(1))
		})
	})

	Context("when a failure callback matches a sent intent", func() {
		It("should fail the intent with the gateway's code", func() {
			sentIntent(repo, "intent-1", "ws_CO_1", 150000)

			err := processor.Process(ctx, &paymentPkg.CallbackRequest{
				CheckoutID: "ws_CO_1",
				ResultCode: "1032",
				ResultDesc: "Request cancelled by user",
			})

			Expect(err).ToNot(HaveOccurred())
			stored, getErr := repo.GetByIntentRef(ctx, "intent-1")
			Expect(getErr).ToNot(HaveOccurred())
			Expect(stored.Status).To(Equal(payment.StatusFailed))
			Expect(*stored.FailureCode).To(Equal("1032"))
		})
	})

	Context("when the same callback is delivered twice", func() {
		It("should apply it once and absorb the redelivery", func() {
			sentIntent(repo, "intent-1", "ws_CO_1", 150000)
			req := &paymentPkg.CallbackRequest{
				CheckoutID: "ws_CO_1", ResultCode: "0",
				Receipt: "NLJ7RT61SV", AmountCents: 150000,
			}

			Expect(processor.Process(ctx, req)).To(Succeed())
			Expect(processor.Process(ctx, req)).To(Succeed())

			Expect(repo.settlementCount()).To(Equal(1))
			Expect(repo.intentState("intent-1")).To(Equal(payment.StatusCompleted))
		})
	})

	Context("when a callback conflicts with an earlier terminal outcome", func() {
		It("should keep the first outcome and report no error upstream", func() {
			sentIntent(repo, "intent-1", "ws_CO_1", 150000)
			Expect(ledger.Fail(ctx, "intent-1", "1", "insufficient funds")).To(Succeed())

			err := processor.Process(ctx, &paymentPkg.CallbackRequest{
				CheckoutID: "ws_CO_1", ResultCode: "0",
				Receipt: "NLJ7RT61SV", AmountCents: 150000,
			})

			Expect(err).ToNot(HaveOccurred())
			Expect(repo.intentState("intent-1")).To(Equal(payment.StatusFailed))
			Expect(repo.settlementCount()).To(Equal(0))
		})
	})

	Context("when the callback matches no intent", func() {
		It("should dead-letter it after the grace period and still report success", func() {
			err := processor.Process(ctx, &paymentPkg.CallbackRequest{
				CheckoutID: "ws_CO_unknown", ResultCode: "0", Receipt: "NLJ7RT61SV",
			})

			Expect(err).ToNot(HaveOccurred())
			Expect(repo.deadLetters).To(HaveLen(1))
			Expect(repo.deadLetters[0].CheckoutID).To(Equal("ws_CO_unknown"))
		})

		It("should match an intent that becomes visible within the grace period", func() {
			go func() {
				defer GinkgoRecover()
				time.Sleep(120 * time.Millisecond)
				sentIntent(repo, "intent-late", "ws_CO_late", 90000)
			}()

			err := processor.Process(ctx, &paymentPkg.CallbackRequest{
				CheckoutID: "ws_CO_late", ResultCode: "0",
				Receipt: "LATE1", AmountCents: 90000,
			})

			Expect(err).ToNot(HaveOccurred())
			Expect(repo.deadLetters).To(BeEmpty())
			Expect(repo.intentState("intent-late")).To(Equal(payment.StatusCompleted))
		})
	})

	Context("when the callback has no checkout id", func() {
		It("should dead-letter it immediately", func() {
			err := processor.Process(ctx, &paymentPkg.CallbackRequest{
				ResultCode: "0", Receipt: "NLJ7RT61SV",
			})

			Expect(err).ToNot(HaveOccurred())
			Expect(repo.deadLetters).To(HaveLen(1))
		})
	})

	Context("when the result code carries no verdict", func() {
		It("should leave the intent in sent for the reconciler", func() {
			sentIntent(repo, "intent-1", "ws_CO_1", 150000)

			err := processor.Process(ctx, &paymentPkg.CallbackRequest{
				CheckoutID: "ws_CO_1", ResultCode: "1037", ResultDesc: "DS timeout",
			})

			Expect(err).ToNot(HaveOccurred())
			Expect(repo.intentState("intent-1")).To(Equal(payment.StatusSent))
		})
	})

	Context("when the receipt is already attached to another intent", func() {
		It("should dead-letter the callback and keep the target intent untouched", func() {
			first := sentIntent(repo, "intent-1", "ws_CO_1", 150000)
			sentIntent(repo, "intent-2", "ws_CO_2", 90000)
			Expect(ledger.Complete(ctx, first.IntentRef, paymentPkg.Settlement{
				Receipt: "NLJ7RT61SV", AmountCents: 150000, SettledAt: time.Now(),
			})).To(Succeed())

			err := processor.Process(ctx, &paymentPkg.CallbackRequest{
				CheckoutID: "ws_CO_2", ResultCode: "0",
				Receipt: "NLJ7RT61SV", AmountCents: 90000,
			})

			Expect(err).ToNot(HaveOccurred())
			Expect(repo.intentState("intent-2")).To(Equal(payment.StatusSent))
			Expect(repo.deadLetters).To(HaveLen(1))
		})
	})
})
