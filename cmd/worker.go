package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mkopo-labs/mkopo/internal/core/events"
	"github.com/mkopo-labs/mkopo/internal/gateway"
	"github.com/mkopo-labs/mkopo/internal/loan"
	loanPostgres "github.com/mkopo-labs/mkopo/internal/loan/postgres"
	"github.com/mkopo-labs/mkopo/internal/payment"
	paymentPostgres "github.com/mkopo-labs/mkopo/internal/payment/postgres"
	"github.com/mkopo-labs/mkopo/pkg/logger"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start background workers",
	Long:  `Start and manage background workers such as the reconciliation sweep.`,
}

// Reconciler worker command
var reconcilerWorkerCmd = &cobra.Command{
	Use:   "reconciler",
	Short: "Start the reconciliation sweep worker",
	Long:  `Run the periodic sweep that resolves sent intents past their deadline against the gateway`,
	Run: func(cmd *cobra.Command, args []string) {
		startReconcilerWorker()
	},
}

var (
	sweepInterval  time.Duration
	sweepBatchSize int
	sweepWorkers   int
)

func startReconcilerWorker() {
	config, err := loadConfig(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(os.Getenv("APP_ENV"))
	appLogger := logger.LoggerWrapper()

	db, err := initDB(config.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize database: %v\n", err)
		os.Exit(1)
	}

	gormDB, err := initGorm(db)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize gorm: %v\n", err)
		os.Exit(1)
	}

	// Flag overrides beat config values
	interval := getDurationFlag(sweepInterval, config.Payments.SweepInterval)
	batchSize := getIntFlag(sweepBatchSize, config.Payments.SweepBatchSize)
	workers := getIntFlag(sweepWorkers, config.Payments.SweepWorkers)

	appLogger.Info("starting reconciler worker",
		"sweep_interval", interval,
		"batch_size", batchSize,
		"workers", workers)

	eventBus := events.NewEventBus(appLogger)
	gatewayClient := gateway.NewClient(config.Gateway, appLogger)
	paymentRepo := paymentPostgres.NewPaymentRepository(gormDB)
	ledger := payment.NewLedgerService(paymentRepo, gatewayClient, eventBus, config.Payments.ExpiryWindow, appLogger)

	// The worker resolves completions, so repayment application must be
	// subscribed here too.
	repaymentRepo := loanPostgres.NewRepaymentRepository(gormDB)
	repayments := loan.NewRepaymentService(repaymentRepo, appLogger)
	loan.NewEventHandler(repayments, appLogger).RegisterEventHandlers(eventBus)

	reconciler := payment.NewReconciler(ledger, paymentRepo, gatewayClient,
		interval, batchSize, workers, config.Payments.ExpiryWindow, appLogger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reconciler.Start(ctx)
		close(done)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	appLogger.Info("reconciler worker is running. Press Ctrl+C to stop.")

	sig := <-sigChan
	appLogger.Info("received signal, shutting down reconciler worker", "signal", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	select {
	case <-done:
		appLogger.Info("reconciler worker shutdown complete")
	case <-shutdownCtx.Done():
		appLogger.Warn("shutdown timeout reached, forcing exit")
	}

	if err := db.Close(); err != nil {
		appLogger.Error("database close error", "error", err)
	}
}

func getIntFlag(flagValue, configValue int) int {
	if flagValue > 0 {
		return flagValue
	}
	return configValue
}

func getDurationFlag(flagValue, configValue time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	return configValue
}

func init() {
	reconcilerWorkerCmd.Flags().DurationVar(&sweepInterval, "interval", 0, "Sweep interval (overrides config)")
	reconcilerWorkerCmd.Flags().IntVar(&sweepBatchSize, "batch-size", 0, "Intents per sweep (overrides config)")
	reconcilerWorkerCmd.Flags().IntVar(&sweepWorkers, "workers", 0, "Concurrent status queries per sweep (overrides config)")

	workerCmd.AddCommand(reconcilerWorkerCmd)

	rootCmd.AddCommand(workerCmd)
}
