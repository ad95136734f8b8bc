package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pvhao2002/Pharmacy/internal/platform/auth"
	"github.com/pvhao2002/Pharmacy/internal/platform/requestctx"
	"github.com/pvhao2002/Pharmacy/internal/services"
)

type reconcilePayload struct {
	Checked   int       `json:"checked"`
	Paid      int       `json:"paid"`
	Failed    int       `json:"failed"`
	Pending   int       `json:"pending"`
	Errors    int       `json:"errors"`
	StartedAt time.Time `json:"startedAt"`
}

// InternalHandlers expose maintenance jobs to Cloud Scheduler. The /internal group is guarded by
// OIDC middleware configured on the router.
type InternalHandlers struct {
	payments  services.PaymentService
	olderThan time.Duration
	limit     int
}

// NewInternalHandlers builds the scheduler endpoints. Zero olderThan or limit falls back to the
// reconcile defaults.
func NewInternalHandlers(payments services.PaymentService, olderThan time.Duration, limit int) *InternalHandlers {
	return &InternalHandlers{payments: payments, olderThan: olderThan, limit: limit}
}

func (h *InternalHandlers) Routes(r chi.Router) {
	r.Post("/payments:reconcile", h.reconcile)
}

func (h *InternalHandlers) reconcile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	report, err := h.payments.ReconcilePending(ctx, services.ReconcileCommand{
		OlderThan: h.olderThan,
		Limit:     h.limit,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	if caller, ok := auth.ServiceIdentityFromContext(ctx); ok {
		requestctx.Logger(ctx).Info("reconcile triggered",
			zap.String("caller", caller.Email),
			zap.Int("checked", report.Checked),
		)
	}
	writeJSON(w, http.StatusOK, reconcilePayload{
		Checked:   report.Checked,
		Paid:      report.Paid,
		Failed:    report.Failed,
		Pending:   report.Pending,
		Errors:    report.Errors,
		StartedAt: report.StartedAt,
	})
}
