package loan

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"

	"github.com/mkopo-labs/mkopo/internal/transport"
)

type Handler struct {
	*transport.BaseHandler
	Repayments *RepaymentService
	Logger     *slog.Logger
}

func NewHandler(baseHandler *transport.BaseHandler, repayments *RepaymentService, logger *slog.Logger) *Handler {
	return &Handler{
		BaseHandler: baseHandler,
		Repayments:  repayments,
		Logger:      logger,
	}
}

// GetRepayments handles GET /loans/{loanRef}/repayments
func (h *Handler) GetRepayments(w http.ResponseWriter, r *http.Request) {
	loanRef := chi.URLParam(r, "loanRef")

	repayments, err := h.Repayments.ListRepayments(r.Context(), loanRef)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	total, err := h.Repayments.TotalRepaid(r.Context(), loanRef)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"loan_ref":          loanRef,
		"total_repaid":      total,
		"repayments":        repayments,
		"repayments_count":  len(repayments),
	})
}
