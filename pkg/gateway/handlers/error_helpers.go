package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/voxly/interview-gateway/pkg/gateway/apierror"
	"github.com/voxly/interview-gateway/pkg/gateway/guard"
	"github.com/voxly/interview-gateway/pkg/gateway/mw"
)

func writeErrorJSON(w http.ResponseWriter, reqID string, apiErr *apierror.Error, status int) {
	if apiErr != nil && apiErr.RequestID == "" {
		apiErr.RequestID = reqID
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apierror.Envelope{Error: apiErr})
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	apiErr, status := apierror.FromError(err, reqID)
	writeErrorJSON(w, reqID, apiErr, status)
}

// writeDenial reports a guard denial. The SPA follows the redirect; the
// status stays in the 4xx range so API callers see a definite refusal.
func writeDenial(w http.ResponseWriter, r *http.Request, d *guard.Denial) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	writeErrorJSON(w, reqID, &apierror.Error{
		Type:      apierror.ErrAdmission,
		Code:      string(d.Reason),
		Message:   denialMessage(d.Reason),
		RequestID: reqID,
		Redirect:  d.RedirectTo,
		Action:    apierror.ActionHome,
	}, http.StatusForbidden)
}

func denialMessage(reason guard.Reason) string {
	switch reason {
	case guard.ReasonSignedOut:
		return "sign in to continue"
	case guard.ReasonOnboarding:
		return "finish onboarding to continue"
	case guard.ReasonExpired:
		return "this session has expired, start a new interview from your dashboard"
	case guard.ReasonDirectEntry, guard.ReasonMissing:
		return "start your interview from the setup page"
	default:
		return "not allowed"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
