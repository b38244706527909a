package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/voxly/interview-gateway/pkg/gateway/apierror"
	"github.com/voxly/interview-gateway/pkg/gateway/auth"
	"github.com/voxly/interview-gateway/pkg/gateway/config"
	"github.com/voxly/interview-gateway/pkg/gateway/guard"
	"github.com/voxly/interview-gateway/pkg/gateway/metrics"
	"github.com/voxly/interview-gateway/pkg/gateway/mw"
	"github.com/voxly/interview-gateway/pkg/gateway/store"
)

// AttemptHandler serves GET /v1/interviews/attempts/{id}. The feedback
// page reads the finished attempt by id.
type AttemptHandler struct {
	Config   config.Config
	Guards   *guard.Chain
	Attempts store.Store
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

func (h AttemptHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
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

	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeErrorJSON(w, reqID, &apierror.Error{
			Type:    apierror.ErrInvalidRequest,
			Message: "attempt id is required",
			Param:   "id",
		}, http.StatusBadRequest)
		return
	}

	att, err := h.Attempts.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeErrorJSON(w, reqID, &apierror.Error{
			Type:    apierror.ErrNotFound,
			Message: "attempt not found",
		}, http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	if att.UserID != principal.UserID {
		// Do not reveal that the attempt exists.
		writeErrorJSON(w, reqID, &apierror.Error{
			Type:    apierror.ErrNotFound,
			Message: "attempt not found",
		}, http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, att)
}
