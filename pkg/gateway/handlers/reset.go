package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/voxly/interview-gateway/pkg/gateway/apierror"
	"github.com/voxly/interview-gateway/pkg/gateway/auth"
	"github.com/voxly/interview-gateway/pkg/gateway/config"
	"github.com/voxly/interview-gateway/pkg/gateway/flow"
	"github.com/voxly/interview-gateway/pkg/gateway/guard"
	"github.com/voxly/interview-gateway/pkg/gateway/metrics"
	"github.com/voxly/interview-gateway/pkg/gateway/mw"
)

// ResetHandler serves POST /v1/interviews/reset: the explicit "back to
// dashboard" abandon. The flow returns to idle and the abandon hook
// invalidates any unspent session token.
type ResetHandler struct {
	Config  config.Config
	Guards  *guard.Chain
	Flows   *flow.Registry
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func (h ResetHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodPost {
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

	var req struct {
		ClientSession string `json:"client_session"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeErrorJSON(w, reqID, &apierror.Error{
			Type:    apierror.ErrInvalidRequest,
			Message: "invalid json body",
		}, http.StatusBadRequest)
		return
	}
	req.ClientSession = strings.TrimSpace(req.ClientSession)
	if req.ClientSession == "" {
		writeErrorJSON(w, reqID, &apierror.Error{
			Type:    apierror.ErrInvalidRequest,
			Message: "client_session is required",
			Param:   "client_session",
		}, http.StatusBadRequest)
		return
	}

	if st, ok := h.Flows.Peek(req.ClientSession); ok {
		st.Reset(r.Context())
	}
	writeJSON(w, http.StatusOK, map[string]string{"stage": string(flow.StageIdle)})
}
