package rest

import (
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	chiMiddleware "github.com/go-chi/chi/middleware"

	"github.com/mkopo-labs/mkopo/internal/loan"
	"github.com/mkopo-labs/mkopo/internal/payment"
	"github.com/mkopo-labs/mkopo/internal/transport/middleware"
	"github.com/mkopo-labs/mkopo/internal/transport/swagger"
)

func RegisterAllRoutes(router *chi.Mux, db *sql.DB, paymentHandler *payment.Handler, webhookHandler *payment.WebhookHandler, loanHandler *loan.Handler, apiKeyHash string, logger *slog.Logger) {
	healthHandler := NewHealthHandler(db)

	// Apply global middleware
	router.Use(middleware.CORS)
	router.Use(chiMiddleware.RequestID)
	router.Use(middleware.RecoveryMiddleware(logger))

	// Serve OpenAPI spec at root (outside API prefix)
	router.Get("/openapi.yml", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, "./api/openapi.yml")
	})
	// Swagger UI route at root
	router.Handle("/swagger/*", swagger.Handler())

	// Mount API under /api/v1 to match OpenAPI basePath
	router.Route("/api/v1", func(r chi.Router) {
		// Health check route
		r.Get("/health", healthHandler.healthCheckHandler)
		r.Get("/ping", healthHandler.pingHandler)

		// Gateway callback: authenticated by its own signed token, never by
		// the collaborator API key.
		if webhookHandler != nil {
			r.Post("/payments/callback", webhookHandler.HandleCallback)
		}

		// Collaborator routes behind the shared API key
		r.Group(func(pr chi.Router) {
			pr.Use(middleware.APIKey(apiKeyHash, logger))

			if paymentHandler != nil {
				pr.Route("/payments", func(pmr chi.Router) {
					pmr.Post("/", paymentHandler.InitiatePayment)               // POST /payments
					pmr.Get("/{intentRef}", paymentHandler.GetPaymentState)     // GET /payments/:intentRef
					pmr.Get("/{intentRef}/chain", paymentHandler.GetPaymentChain)
					pmr.Post("/{intentRef}/retry", paymentHandler.RetryPayment) // POST /payments/:intentRef/retry
					pmr.Post("/{intentRef}/reverse", paymentHandler.ReversePayment)
				})
			}

			if loanHandler != nil {
				pr.Get("/loans/{loanRef}/repayments", loanHandler.GetRepayments)
			}
		})
	})
}
