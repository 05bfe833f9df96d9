package payment_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	apperrors "github.com/mkopo-labs/mkopo/internal"
	"github.com/mkopo-labs/mkopo/internal/core/datamodel/payment"
	"github.com/mkopo-labs/mkopo/internal/core/events"
	"github.com/mkopo-labs/mkopo/internal/gateway"
	paymentPkg "github.com/mkopo-labs/mkopo/internal/payment"
)

var _ = Describe("Coordinator", func() {
	var (
		repo        *mockRepository
		gw          *mockGateway
		ledger      *paymentPkg.LedgerService
		coordinator *paymentPkg.Coordinator
		ctx         context.Context
	)

	BeforeEach(func() {
		repo = newMockRepository()
		gw = newMockGateway()
		eventBus := events.NewEventBus(testLogger())
		ledger = paymentPkg.NewLedgerService(repo, gw, eventBus, 5*time.Minute, testLogger())
		coordinator = paymentPkg.NewCoordinator(ledger, repo, gw, 3, testLogger())
		ctx = context.Background()
	})

	failedIntent := func(intentRef, checkoutID string) *payment.PaymentIntent {
		intent := sentIntent(repo, intentRef, checkoutID, 150000)
		Expect(ledger.Fail(ctx, intentRef, "1", "insufficient funds")).To(Succeed())
		return intent
	}

	Describe("Retry", func() {
		It("should spawn a child attempt from a failed intent and push it", func() {
			failedIntent("intent-1", "ws_CO_1")

			child, err := coordinator.Retry(ctx, "intent-1")

			Expect(err).ToNot(HaveOccurred())
			Expect(child.IntentRef).ToNot(Equal("intent-1"))
			Expect(child.Attempt).To(Equal(2))
			Expect(child.Status).To(Equal(payment.StatusSent))
			Expect(child.LoanRef).To(Equal("LN-1"))
			Expect(child.AmountCents).To(Equal(int64(150000)))

			link, err := repo.RetryLinkForChild(ctx, child.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(link.Attempt).To(Equal(2))
		})

		It("should leave the parent untouched", func() {
			failedIntent("intent-1", "ws_CO_1")

			_, err := coordinator.Retry(ctx, "intent-1")
			Expect(err).ToNot(HaveOccurred())

			parent, err := repo.GetByIntentRef(ctx, "intent-1")
			Expect(err).ToNot(HaveOccurred())
			Expect(parent.Status).To(Equal(payment.StatusFailed))
			Expect(parent.Attempt).To(Equal(1))
		})

		It("should retry an expired intent", func() {
			sentIntent(repo, "intent-1", "ws_CO_1", 150000)
			Expect(ledger.Expire(ctx, "intent-1")).To(Succeed())

			child, err := coordinator.Retry(ctx, "intent-1")

			Expect(err).ToNot(HaveOccurred())
			Expect(child.Attempt).To(Equal(2))
		})

		It("should refuse to retry a sent intent", func() {
			sentIntent(repo, "intent-1", "ws_CO_1", 150000)

			_, err := coordinator.Retry(ctx, "intent-1")

			Expect(err).To(Equal(apperrors.ErrNotRetryable))
		})

		It("should refuse to retry a completed intent", func() {
			intent := sentIntent(repo, "intent-1", "ws_CO_1", 150000)
			Expect(ledger.Complete(ctx, intent.IntentRef, paymentPkg.Settlement{
				Receipt: "R1", AmountCents: 150000, SettledAt: time.Now(),
			})).To(Succeed())

			_, err := coordinator.Retry(ctx, "intent-1")

			Expect(err).To(Equal(apperrors.ErrNotRetryable))
		})

		It("should stop the chain once attempts are exhausted", func() {
			failedIntent("intent-1", "ws_CO_1")

			// attempt 2
			child, err := coordinator.Retry(ctx, "intent-1")
			Expect(err).ToNot(HaveOccurred())
			Expect(ledger.Fail(ctx, child.IntentRef, "1", "insufficient funds")).To(Succeed())

			// attempt 3
			grandchild, err := coordinator.Retry(ctx, child.IntentRef)
			Expect(err).ToNot(HaveOccurred())
			Expect(grandchild.Attempt).To(Equal(3))
			Expect(ledger.Fail(ctx, grandchild.IntentRef, "1", "insufficient funds")).To(Succeed())

			_, err = coordinator.Retry(ctx, grandchild.IntentRef)
			Expect(err).To(Equal(apperrors.ErrRetriesExhausted))
		})

		It("should surface a retryable error when the child's push is unconfirmed", func() {
			failedIntent("intent-1", "ws_CO_1")
			gw.pushErr = &gateway.TransportError{Op: "push", Err: errors.New("timeout")}

			child, err := coordinator.Retry(ctx, "intent-1")

			Expect(err).To(HaveOccurred())
			appErr, ok := apperrors.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.IsRetryable()).To(BeTrue())
			Expect(repo.intentState(child.IntentRef)).To(Equal(payment.StatusCreated))
		})
	})

	Describe("Reverse", func() {
		completedIntent := func(intentRef, checkoutID, receipt string) *payment.PaymentIntent {
			intent := sentIntent(repo, intentRef, checkoutID, 150000)
			Expect(ledger.Complete(ctx, intentRef, paymentPkg.Settlement{
				Receipt: receipt, AmountCents: 150000, SettledAt: time.Now(),
			})).To(Succeed())
			return intent
		}

		It("should reverse a completed intent", func() {
			completedIntent("intent-1", "ws_CO_1", "NLJ7RT61SV")

			Expect(coordinator.Reverse(ctx, "intent-1", "customer dispute")).To(Succeed())

			stored, err := repo.GetByIntentRef(ctx, "intent-1")
			Expect(err).ToNot(HaveOccurred())
			Expect(stored.Status).To(Equal(payment.StatusReversed))
			Expect(*stored.ReversalID).To(Equal("rev-1"))
			Expect(gw.reverseCalls).To(Equal(1))
		})

		It("should refuse to reverse anything not completed", func() {
			sentIntent(repo, "intent-1", "ws_CO_1", 150000)

			err := coordinator.Reverse(ctx, "intent-1", "customer dispute")

			Expect(err).To(Equal(apperrors.ErrNotReversible))
			Expect(gw.reverseCalls).To(Equal(0))
		})

		It("should refuse a second reversal of the same intent", func() {
			completedIntent("intent-1", "ws_CO_1", "NLJ7RT61SV")
			Expect(coordinator.Reverse(ctx, "intent-1", "customer dispute")).To(Succeed())

			err := coordinator.Reverse(ctx, "intent-1", "again")

			Expect(err).To(Equal(apperrors.ErrNotReversible))
		})

		It("should keep the intent completed when the gateway rejects the reversal", func() {
			completedIntent("intent-1", "ws_CO_1", "NLJ7RT61SV")
			gw.reverseErr = &gateway.RequestError{Code: "R001", Description: "recipient already withdrew"}

			err := coordinator.Reverse(ctx, "intent-1", "customer dispute")

			Expect(err).To(HaveOccurred())
			appErr, ok := apperrors.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.Type).To(Equal(apperrors.ErrorTypeTerminal))
			Expect(appErr.Code).To(Equal(apperrors.ErrCodeReversalFailed))
			Expect(repo.intentState("intent-1")).To(Equal(payment.StatusCompleted))
		})

		It("should report an unknown outcome without auto-retrying", func() {
			completedIntent("intent-1", "ws_CO_1", "NLJ7RT61SV")
			gw.reverseErr = &gateway.TransportError{Op: "reverse", Err: errors.New("timeout")}

			err := coordinator.Reverse(ctx, "intent-1", "customer dispute")

			Expect(err).To(HaveOccurred())
			appErr, ok := apperrors.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.IsRetryable()).To(BeTrue())
			Expect(repo.intentState("intent-1")).To(Equal(payment.StatusCompleted))
			// One call only: re-invoking is the operator's decision.
			Expect(gw.reverseCalls).To(Equal(1))
		})

		It("should flag a completed intent without a settlement as an integrity defect", func() {
			intent := sentIntent(repo, "intent-1", "ws_CO_1", 150000)
			repo.mu.Lock()
			repo.intents["intent-1"].Status = payment.StatusCompleted
			repo.mu.Unlock()
			_ = intent

			err := coordinator.Reverse(ctx, "intent-1", "customer dispute")

			Expect(err).To(HaveOccurred())
			appErr, ok := apperrors.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.Type).To(Equal(apperrors.ErrorTypeIntegrity))
		})
	})

	Describe("Chain", func() {
		It("should walk the lineage back to the first attempt", func() {
			failedIntent("intent-1", "ws_CO_1")
			child, err := coordinator.Retry(ctx, "intent-1")
			Expect(err).ToNot(HaveOccurred())
			Expect(ledger.Fail(ctx, child.IntentRef, "1", "insufficient funds")).To(Succeed())
			grandchild, err := coordinator.Retry(ctx, child.IntentRef)
			Expect(err).ToNot(HaveOccurred())

			chain, err := coordinator.Chain(ctx, grandchild.IntentRef)

			Expect(err).ToNot(HaveOccurred())
			Expect(chain).To(HaveLen(3))
			Expect(chain[0].IntentRef).To(Equal(grandchild.IntentRef))
			Expect(chain[1].IntentRef).To(Equal(child.IntentRef))
			Expect(chain[2].IntentRef).To(Equal("intent-1"))
		})

		It("should return a single element for a first attempt", func() {
			sentIntent(repo, "intent-1", "ws_CO_1", 150000)

			chain, err := coordinator.Chain(ctx, "intent-1")

			Expect(err).ToNot(HaveOccurred())
			Expect(chain).To(HaveLen(1))
		})
	})
})
