package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/voxly/interview-gateway/pkg/gateway/apierror"
	"github.com/voxly/interview-gateway/pkg/gateway/auth"
	"github.com/voxly/interview-gateway/pkg/gateway/billing"
	"github.com/voxly/interview-gateway/pkg/gateway/config"
	"github.com/voxly/interview-gateway/pkg/gateway/flow"
	"github.com/voxly/interview-gateway/pkg/gateway/guard"
	"github.com/voxly/interview-gateway/pkg/gateway/metrics"
	"github.com/voxly/interview-gateway/pkg/gateway/mw"
	"github.com/voxly/interview-gateway/pkg/gateway/store"
	"github.com/voxly/interview-gateway/pkg/gateway/token"
)

// Ledger is the billing surface the handlers consume.
type Ledger interface {
	Debit(ctx context.Context, userID, attemptID string) error
	Restore(ctx context.Context, userID, attemptID string) error
	Balance(ctx context.Context, userID string) (int64, error)
}

type setupRequest struct {
	ClientSession  string `json:"client_session"`
	CandidateName  string `json:"candidate_name"`
	TargetRole     string `json:"target_role"`
	TargetCompany  string `json:"target_company"`
	JobDescription string `json:"job_description"`
	ResumeRef      string `json:"resume_ref"`
}

type setupResponse struct {
	AttemptID string    `json:"attempt_id"`
	Stage     string    `json:"stage"`
	TokenID   string    `json:"token_id"`
	ExpiresAt time.Time `json:"expires_at"`
	LivePath  string    `json:"live_path"`
}

// SetupHandler runs the setup form submit: admission, debit, token mint,
// attempt record, stage advance to live. The debit is the one
// authoritative balance check; there is no separate pre-check.
type SetupHandler struct {
	Config   config.Config
	Guards   *guard.Chain
	Flows    *flow.Registry
	Tokens   *token.Store
	Ledger   Ledger
	Attempts store.Store
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

func (h SetupHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
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

	var req setupRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
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
	if strings.TrimSpace(req.TargetRole) == "" {
		writeErrorJSON(w, reqID, &apierror.Error{
			Type:    apierror.ErrInvalidRequest,
			Message: "target_role is required",
			Param:   "target_role",
		}, http.StatusBadRequest)
		return
	}

	denial, err := h.Guards.Evaluate(r.Context(), guard.Request{
		Principal:     principal,
		HasPrincipal:  hasPrincipal,
		Destination:   r.URL.Path,
		ClientSession: req.ClientSession,
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

	st := h.Flows.Get(req.ClientSession)
	if st.Stage() == flow.StageWrapup {
		// Previous attempt is finished; a new submit starts the next one.
		st.Reset(r.Context())
	}
	attemptID, started := st.StartAttempt()
	if !started {
		// An attempt is already in progress for this client session;
		// duplicate submits from re-renders land here.
		writeErrorJSON(w, reqID, &apierror.Error{
			Type:    apierror.ErrInvalidRequest,
			Code:    "attempt_in_progress",
			Message: "an attempt is already in progress",
		}, http.StatusConflict)
		return
	}
	if err := st.SetMetadata(flow.Metadata{
		CandidateName:  strings.TrimSpace(req.CandidateName),
		TargetRole:     strings.TrimSpace(req.TargetRole),
		TargetCompany:  strings.TrimSpace(req.TargetCompany),
		JobDescription: strings.TrimSpace(req.JobDescription),
		ResumeRef:      strings.TrimSpace(req.ResumeRef),
	}); err != nil {
		st.Reset(r.Context())
		writeError(w, r, err)
		return
	}

	// Debit before mint. Fails closed: no credit, no token, no live page.
	if err := h.Ledger.Debit(r.Context(), principal.UserID, attemptID); err != nil {
		st.Reset(r.Context())
		if errors.Is(err, billing.ErrInsufficientBalance) {
			h.Metrics.RecordDebit("insufficient")
			h.Metrics.RecordSetup("insufficient_balance")
			writeErrorJSON(w, reqID, &apierror.Error{
				Type:     apierror.ErrBilling,
				Code:     "insufficient_balance",
				Message:  "you have no interview credits left",
				Redirect: h.Config.BillingPath,
				Action:   apierror.ActionBilling,
			}, http.StatusPaymentRequired)
			return
		}
		h.Metrics.RecordDebit("error")
		h.Metrics.RecordSetup("debit_error")
		h.Logger.Error("debit failed", "request_id", reqID, "attempt_id", attemptID, "error", err)
		writeErrorJSON(w, reqID, &apierror.Error{
			Type:    apierror.ErrBilling,
			Message: "cannot start session right now",
			Action:  apierror.ActionRetry,
		}, http.StatusBadGateway)
		return
	}
	h.Metrics.RecordDebit("ok")

	minted, err := h.Tokens.Mint(r.Context(), req.ClientSession, attemptID, principal.UserID)
	if err != nil {
		// Fail closed. The debited credit is not restored here: restore
		// is reserved for verified pre-connect vendor failures.
		st.Reset(r.Context())
		h.Metrics.RecordSetup("mint_error")
		h.Logger.Error("token mint failed", "request_id", reqID, "attempt_id", attemptID, "error", err)
		writeErrorJSON(w, reqID, &apierror.Error{
			Type:    apierror.ErrAPI,
			Message: "cannot start session, contact support if your credit was used",
			Action:  apierror.ActionSupport,
		}, http.StatusInternalServerError)
		return
	}

	if err := h.Attempts.Create(r.Context(), store.Attempt{
		ID:            attemptID,
		UserID:        principal.UserID,
		ClientSession: req.ClientSession,
		Metadata:      st.Metadata(),
		Status:        store.StatusCreated,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		h.Logger.Error("attempt record create failed", "request_id", reqID, "attempt_id", attemptID, "error", err)
	}

	st.SetStage(r.Context(), flow.StageLive)
	h.Metrics.RecordSetup("ok")

	h.Logger.Info("attempt set up",
		"request_id", reqID,
		"attempt_id", attemptID,
		"user_id", principal.UserID,
	)
	writeJSON(w, http.StatusCreated, setupResponse{
		AttemptID: attemptID,
		Stage:     string(flow.StageLive),
		TokenID:   minted.ID,
		ExpiresAt: minted.ExpiresAt,
		LivePath:  "/v1/interviews/live",
	})
}
