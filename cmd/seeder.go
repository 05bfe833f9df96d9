package cmd

import (
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	paymentmodel "github.com/mkopo-labs/mkopo/internal/core/datamodel/payment"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with sample data",
	Long:  `Seed the database with sample payment intents for development and testing purposes.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(".")
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}

		db, err := initDB(cfg.Database)
		if err != nil {
			log.Fatalf("failed to init db: %v", err)
		}
		gormDB, err := initGorm(db)
		if err != nil {
			log.Fatalf("failed to init gorm: %v", err)
		}

		if clearData {
			for _, table := range []string{"loan_repayments", "dead_letter_callbacks", "retry_links", "settlement_records", "payment_intents"} {
				if err := gormDB.Exec("DELETE FROM " + table).Error; err != nil {
					log.Fatalf("failed to clear %s: %v", table, err)
				}
			}
			fmt.Println("Cleared existing payment data")
		}

		now := time.Now()

		completedRef := uuid.NewString()
		checkout := "ws_CO_" + uuid.NewString()
		merchant := "29115-" + uuid.NewString()
		sentAt := now.Add(-10 * time.Minute)
		expiresAt := sentAt.Add(cfg.Payments.ExpiryWindow)
		completed := &paymentmodel.PaymentIntent{
			IntentRef:        completedRef,
			LoanRef:          "LN-2024-0001",
			PayerPhone:       "254708374149",
			AmountCents:      150000,
			AccountRef:       "LN-2024-0001",
			Attempt:          1,
			Status:           paymentmodel.StatusCompleted,
			CheckoutID:       &checkout,
			MerchantRef:      &merchant,
			SentAt:           &sentAt,
			ExpiresAt:        &expiresAt,
			LastTransitionAt: now.Add(-9 * time.Minute),
		}
		if err := gormDB.Create(completed).Error; err != nil {
			log.Fatalf("failed to seed completed intent: %v", err)
		}
		settle := &paymentmodel.SettlementRecord{
			IntentID:    completed.ID,
			Receipt:     "NLJ7RT61SV",
			AmountCents: completed.AmountCents,
			PayerPhone:  completed.PayerPhone,
			SettledAt:   now.Add(-9 * time.Minute),
		}
		if err := gormDB.Create(settle).Error; err != nil {
			log.Fatalf("failed to seed settlement: %v", err)
		}
		fmt.Println("Seeded completed intent:", completedRef)

		failedRef := uuid.NewString()
		failedCheckout := "ws_CO_" + uuid.NewString()
		failedMerchant := "29115-" + uuid.NewString()
		failureCode := "1032"
		failureReason := "Request cancelled by user"
		failedSentAt := now.Add(-20 * time.Minute)
		failedExpiresAt := failedSentAt.Add(cfg.Payments.ExpiryWindow)
		failed := &paymentmodel.PaymentIntent{
			IntentRef:        failedRef,
			LoanRef:          "LN-2024-0002",
			PayerPhone:       "254708374150",
			AmountCents:      250000,
			AccountRef:       "LN-2024-0002",
			Attempt:          1,
			Status:           paymentmodel.StatusFailed,
			CheckoutID:       &failedCheckout,
			MerchantRef:      &failedMerchant,
			FailureCode:      &failureCode,
			FailureReason:    &failureReason,
			SentAt:           &failedSentAt,
			ExpiresAt:        &failedExpiresAt,
			LastTransitionAt: now.Add(-19 * time.Minute),
		}
		if err := gormDB.Create(failed).Error; err != nil {
			log.Fatalf("failed to seed failed intent: %v", err)
		}
		fmt.Println("Seeded failed intent (retryable):", failedRef)

		pendingRef := uuid.NewString()
		pendingCheckout := "ws_CO_" + uuid.NewString()
		pendingMerchant := "29115-" + uuid.NewString()
		pendingSentAt := now.Add(-1 * time.Minute)
		pendingExpiresAt := pendingSentAt.Add(cfg.Payments.ExpiryWindow)
		pending := &paymentmodel.PaymentIntent{
			IntentRef:        pendingRef,
			LoanRef:          "LN-2024-0003",
			PayerPhone:       "254708374151",
			AmountCents:      50000,
			AccountRef:       "LN-2024-0003",
			Attempt:          1,
			Status:           paymentmodel.StatusSent,
			CheckoutID:       &pendingCheckout,
			MerchantRef:      &pendingMerchant,
			SentAt:           &pendingSentAt,
			ExpiresAt:        &pendingExpiresAt,
			LastTransitionAt: pendingSentAt,
		}
		if err := gormDB.Create(pending).Error; err != nil {
			log.Fatalf("failed to seed pending intent: %v", err)
		}
		fmt.Println("Seeded pending (sent) intent:", pendingRef)

		// A dev API key so the collaborator routes can be exercised locally.
		devKey := "dev-api-key"
		hash, err := bcrypt.GenerateFromPassword([]byte(devKey), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("failed to hash dev api key: %v", err)
		}
		fmt.Println("Dev API key:", devKey)
		fmt.Println("Set security.api_key_hash to:", string(hash))
	},
}
