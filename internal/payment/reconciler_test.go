package payment_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	gatewaytypes "github.com/mkopo-labs/mkopo/internal/core/datamodel/gateway"
	"github.com/mkopo-labs/mkopo/internal/core/datamodel/payment"
	"github.com/mkopo-labs/mkopo/internal/core/events"
	"github.com/mkopo-labs/mkopo/internal/gateway"
	paymentPkg "github.com/mkopo-labs/mkopo/internal/payment"
)

// overdueIntent seeds a sent intent whose deadline already passed, so the
// sweep will pick it up.
func overdueIntent(repo *mockRepository, intentRef, checkoutID string, amountCents int64) *payment.PaymentIntent {
	intent := sentIntent(repo, intentRef, checkoutID, amountCents)
	repo.mu.Lock()
	expired := time.Now().Add(-time.Minute)
	repo.intents[intentRef].ExpiresAt = &expired
	repo.mu.Unlock()
	return intent
}

var _ = Describe("Reconciler", func() {
	var (
		repo       *mockRepository
		gw         *mockGateway
		ledger     *paymentPkg.LedgerService
		reconciler *paymentPkg.Reconciler
		ctx        context.Context
	)

	BeforeEach(func() {
		repo = newMockRepository()
		gw = newMockGateway()
		eventBus := events.NewEventBus(testLogger())
		ledger = paymentPkg.NewLedgerService(repo, gw, eventBus, 5*time.Minute, testLogger())
		reconciler = paymentPkg.NewReconciler(ledger, repo, gw, time.Minute, 100, 4, 5*time.Minute, testLogger())
		ctx = context.Background()
	})

	Context("when the gateway reports success for an overdue intent", func() {
		It("should complete the intent with the queried settlement", func() {
			overdueIntent(repo, "intent-1", "ws_CO_1", 150000)
			gw.statusResult = &gatewaytypes.StatusResult{
				Outcome:     gatewaytypes.OutcomeSuccess,
				ResultCode:  "0",
				Receipt:     "NLJ7RT61SV",
				AmountCents: 150000,
				PayerPhone:  "254708374149",
			}

			Expect(reconciler.Sweep(ctx)).To(Succeed())

			Expect(repo.intentState("intent-1")).To(Equal(payment.StatusCompleted))
			Expect(repo.settlementCount()).To(Equal(1))
		})

		It("should fall back to the intent amount when the query omits it", func() {
			intent := overdueIntent(repo, "intent-1", "ws_CO_1", 150000)
			gw.statusResult = &gatewaytypes.StatusResult{
				Outcome:    gatewaytypes.OutcomeSuccess,
				ResultCode: "0",
				Receipt:    "NLJ7RT61SV",
			}

			Expect(reconciler.Sweep(ctx)).To(Succeed())

			settle, err := repo.SettlementForIntent(ctx, intent.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(settle.AmountCents).To(Equal(int64(150000)))
		})
	})

	Context("when the gateway reports failure", func() {
		It("should fail the intent", func() {
			overdueIntent(repo, "intent-1", "ws_CO_1", 150000)
			gw.statusResult = &gatewaytypes.StatusResult{
				Outcome:     gatewaytypes.OutcomeFailed,
				ResultCode:  "1032",
				Description: "Request cancelled by user",
			}

			Expect(reconciler.Sweep(ctx)).To(Succeed())

			stored, err := repo.GetByIntentRef(ctx, "intent-1")
			Expect(err).ToNot(HaveOccurred())
			Expect(stored.Status).To(Equal(payment.StatusFailed))
			Expect(*stored.FailureCode).To(Equal("1032"))
		})
	})

	Context("when the gateway has no record of the request", func() {
		It("should expire the intent", func() {
			overdueIntent(repo, "intent-1", "ws_CO_1", 150000)
			gw.statusResult = &gatewaytypes.StatusResult{
				Outcome:    gatewaytypes.OutcomeNotFound,
				ResultCode: "404.001.04",
			}

			Expect(reconciler.Sweep(ctx)).To(Succeed())
			Expect(repo.intentState("intent-1")).To(Equal(payment.StatusExpired))
		})
	})

	Context("when the gateway's answer is ambiguous past the deadline", func() {
		It("should expire the intent", func() {
			overdueIntent(repo, "intent-1", "ws_CO_1", 150000)
			gw.statusResult = &gatewaytypes.StatusResult{
				Outcome:    gatewaytypes.OutcomeAmbiguous,
				ResultCode: "1037",
			}

			Expect(reconciler.Sweep(ctx)).To(Succeed())
			Expect(repo.intentState("intent-1")).To(Equal(payment.StatusExpired))
		})
	})

	Context("when the status query fails at transport level", func() {
		It("should leave the intent for the next sweep", func() {
			overdueIntent(repo, "intent-1", "ws_CO_1", 150000)
			gw.statusErr = &gateway.TransportError{Op: "query", Err: errors.New("timeout")}

			Expect(reconciler.Sweep(ctx)).To(Succeed())
			Expect(repo.intentState("intent-1")).To(Equal(payment.StatusSent))
		})
	})

	Context("when the gateway rejects the status query", func() {
		It("should expire the overdue intent", func() {
			overdueIntent(repo, "intent-1", "ws_CO_1", 150000)
			gw.statusErr = &gateway.RequestError{Code: "500.001.1001", Description: "invalid checkout id"}

			Expect(reconciler.Sweep(ctx)).To(Succeed())
			Expect(repo.intentState("intent-1")).To(Equal(payment.StatusExpired))
		})
	})

	Context("when a callback settled the intent between listing and querying", func() {
		It("should absorb the lost race and keep the callback's outcome", func() {
			intent := overdueIntent(repo, "intent-1", "ws_CO_1", 150000)
			Expect(ledger.Complete(ctx, intent.IntentRef, paymentPkg.Settlement{
				Receipt: "NLJ7RT61SV", AmountCents: 150000, SettledAt: time.Now(),
			})).To(Succeed())
			gw.statusResult = &gatewaytypes.StatusResult{
				Outcome:    gatewaytypes.OutcomeFailed,
				ResultCode: "1",
			}

			// The completed intent is no longer listed, so this sweep sees
			// nothing to repair.
			Expect(reconciler.Sweep(ctx)).To(Succeed())
			Expect(repo.intentState("intent-1")).To(Equal(payment.StatusCompleted))
		})
	})

	Context("when a created intent outlives the push-confirmation grace", func() {
		It("should fail it as unconfirmed", func() {
			intent := &payment.PaymentIntent{
				IntentRef: "intent-stale", LoanRef: "LN-9", PayerPhone: "254708374149",
				AmountCents: 5000, AccountRef: "LN-9", Attempt: 1,
				Status: payment.StatusCreated, LastTransitionAt: time.Now(),
			}
			Expect(repo.CreateIntent(ctx, intent)).To(Succeed())
			repo.mu.Lock()
			repo.intents["intent-stale"].CreatedAt = time.Now().Add(-time.Hour)
			repo.mu.Unlock()

			Expect(reconciler.Sweep(ctx)).To(Succeed())

			stored, err := repo.GetByIntentRef(ctx, "intent-stale")
			Expect(err).ToNot(HaveOccurred())
			Expect(stored.Status).To(Equal(payment.StatusFailed))
			Expect(*stored.FailureCode).To(Equal("PUSH_UNCONFIRMED"))
			Expect(gw.queryCalls).To(Equal(0))
		})
	})

	Context("when many intents are overdue", func() {
		It("should resolve the whole batch in one sweep", func() {
			for _, ref := range []string{"a", "b", "c", "d", "e", "f"} {
				overdueIntent(repo, "intent-"+ref, "ws_CO_"+ref, 10000)
			}
			gw.statusResult = &gatewaytypes.StatusResult{
				Outcome:    gatewaytypes.OutcomeNotFound,
				ResultCode: "404",
			}

			Expect(reconciler.Sweep(ctx)).To(Succeed())

			for _, ref := range []string{"a", "b", "c", "d", "e", "f"} {
				Expect(repo.intentState("intent-" + ref)).To(Equal(payment.StatusExpired))
			}
		})
	})
})
