package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mkopo-labs/mkopo/internal"
	"github.com/mkopo-labs/mkopo/internal/core/events"
	"github.com/mkopo-labs/mkopo/internal/gateway"
	"github.com/mkopo-labs/mkopo/internal/loan"
	loanPostgres "github.com/mkopo-labs/mkopo/internal/loan/postgres"
	"github.com/mkopo-labs/mkopo/internal/payment"
	paymentPostgres "github.com/mkopo-labs/mkopo/internal/payment/postgres"
	"github.com/mkopo-labs/mkopo/internal/transport"
	"github.com/mkopo-labs/mkopo/internal/transport/middleware"
	"github.com/mkopo-labs/mkopo/internal/transport/rest"
	"github.com/mkopo-labs/mkopo/pkg/logger"

	"github.com/go-chi/chi"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	gormPostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var httpServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start HTTP server",
	Long:  `Start the HTTP server to handle API requests`,
	Run: func(cmd *cobra.Command, args []string) {
		startHTTPServer()
	},
}

type Dependencies struct {
	Config     *internal.Config
	DB         *sqlx.DB
	Router     *chi.Mux
	Reconciler *payment.Reconciler
	Logger     *slog.Logger
}

func startHTTPServer() {
	deps, err := initializeDependencies()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}

	addr := fmt.Sprintf(":%d", deps.Config.Server.Port)
	deps.Logger.Info("starting HTTP server", "address", addr)

	server := &http.Server{
		Addr:         addr,
		Handler:      deps.Router,
		ReadTimeout:  deps.Config.Server.ReadTimeout,
		WriteTimeout: deps.Config.Server.WriteTimeout,
		IdleTimeout:  deps.Config.Server.IdleTimeout,
	}

	// The reconciliation sweep runs alongside the server and stops with it.
	reconcilerCtx, stopReconciler := context.WithCancel(context.Background())
	go deps.Reconciler.Start(reconcilerCtx)

	// Signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- server.ListenAndServe()
	}()

	select {
	case sig := <-sigChan:
		deps.Logger.Info("received signal, shutting down...", "signal", sig)
		stopReconciler()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			deps.Logger.Error("server shutdown error", "error", err)
		}
		if err := deps.DB.Close(); err != nil {
			deps.Logger.Error("database close error", "error", err)
		}
	case err := <-serverErrChan:
		stopReconciler()
		if err != nil && err != http.ErrServerClosed {
			deps.Logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}

	deps.Logger.Info("server stopped")
}

func initializeDependencies() (*Dependencies, error) {
	config, err := loadConfig(".")
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.Init(os.Getenv("APP_ENV"))
	appLogger := logger.LoggerWrapper()

	db, err := initDB(config.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	gormDB, err := initGorm(db)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize gorm: %w", err)
	}

	eventBus := events.NewEventBus(appLogger)

	gatewayClient := gateway.NewClient(config.Gateway, appLogger)

	paymentRepo := paymentPostgres.NewPaymentRepository(gormDB)
	ledger := payment.NewLedgerService(paymentRepo, gatewayClient, eventBus, config.Payments.ExpiryWindow, appLogger)
	processor := payment.NewCallbackProcessor(ledger, paymentRepo, config.Payments.CallbackGracePeriod, appLogger)
	coordinator := payment.NewCoordinator(ledger, paymentRepo, gatewayClient, config.Payments.MaxAttempts, appLogger)
	reconciler := payment.NewReconciler(ledger, paymentRepo, gatewayClient,
		config.Payments.SweepInterval,
		config.Payments.SweepBatchSize,
		config.Payments.SweepWorkers,
		config.Payments.ExpiryWindow,
		appLogger)

	repaymentRepo := loanPostgres.NewRepaymentRepository(gormDB)
	repayments := loan.NewRepaymentService(repaymentRepo, appLogger)
	loan.NewEventHandler(repayments, appLogger).RegisterEventHandlers(eventBus)

	baseHandler := transport.NewBaseHandler(appLogger)
	paymentHandler := payment.NewHandler(baseHandler, ledger, coordinator, appLogger)
	webhookHandler := payment.NewWebhookHandler(baseHandler, processor, config.Security.CallbackSecret, appLogger)
	loanHandler := loan.NewHandler(baseHandler, repayments, appLogger)

	router := chi.NewRouter()
	router.Use(middleware.LoggingMiddleware(appLogger))
	rest.RegisterAllRoutes(router, db.DB, paymentHandler, webhookHandler, loanHandler, config.Security.APIKeyHash, appLogger)

	return &Dependencies{
		Config:     config,
		Logger:     appLogger,
		DB:         db,
		Router:     router,
		Reconciler: reconciler,
	}, nil
}

// initDB initializes the database connection
func initDB(cfg internal.DatabaseConfig) (*sqlx.DB, error) {
	const driver = "pgx"

	dbConn, err := sqlx.Connect(driver, cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to open db connection: %w", err)
	}

	dbConn.SetMaxIdleConns(cfg.MaxIdleConns)
	dbConn.SetMaxOpenConns(cfg.MaxOpenConns)
	dbConn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	dbConn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	// verify connection; close underlying *sql.DB on failure
	if err := dbConn.Ping(); err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return dbConn, nil
}

// initGorm wraps the already open pgx connection so gorm and the health
// check share one pool.
func initGorm(db *sqlx.DB) (*gorm.DB, error) {
	return gorm.Open(gormPostgres.New(gormPostgres.Config{Conn: db.DB}), &gorm.Config{})
}
