package handlers

import (
	"log/slog"
	"net/http"

	"github.com/voxly/interview-gateway/pkg/gateway/apierror"
	"github.com/voxly/interview-gateway/pkg/gateway/auth"
	"github.com/voxly/interview-gateway/pkg/gateway/config"
	"github.com/voxly/interview-gateway/pkg/gateway/guard"
	"github.com/voxly/interview-gateway/pkg/gateway/metrics"
	"github.com/voxly/interview-gateway/pkg/gateway/mw"
)

// BalanceHandler serves GET /v1/billing/balance: a read-through to the
// credit ledger for display purposes. Authorization decisions never use
// this value; the debit at setup time is the only check that counts.
type BalanceHandler struct {
	Config  config.Config
	Guards  *guard.Chain
	Ledger  Ledger
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func (h BalanceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodGet {
		writeErrorJSON(w, reqID, &apierror.Error{
			Type:    apierror.ErrInvalidRequest,
			Code:    "method_not_allowed",
			Message: "method not allowed",
		}, http.StatusMethodNotAllowed)
		return
	}

	principal, hasPrincipal := auth.PrincipalFrom(r.Context())
	denial, err := h.Guards.Evaluate(r.Context(), guard.Request{
		Principal:    principal,
		HasPrincipal: hasPrincipal,
		Destination:  r.URL.Path,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if denial != nil {
		h.Metrics.RecordGuardDenial(string(denial.Reason))
		writeDenial(w, r, denial)
		return
	}

	balance, err := h.Ledger.Balance(r.Context(), principal.UserID)
	if err != nil {
		h.Logger.Warn("balance read failed", "request_id", reqID, "user_id", principal.UserID, "error", err)
		writeErrorJSON(w, reqID, &apierror.Error{
			Type:    apierror.ErrBilling,
			Message: "balance is unavailable right now",
			Action:  apierror.ActionRetry,
		}, http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"balance": balance})
}
