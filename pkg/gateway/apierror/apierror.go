package apierror

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type Type string

const (
	ErrInvalidRequest Type = "invalid_request_error"
	ErrAuthentication Type = "authentication_error"
	ErrAdmission      Type = "admission_error"
	ErrPermission     Type = "permission_error"
	ErrNotFound       Type = "not_found_error"
	ErrBilling        Type = "billing_error"
	ErrVendor         Type = "vendor_error"
	ErrRateLimit      Type = "rate_limit_error"
	ErrAPI            Type = "api_error"
)

// Action is the single recovery action offered alongside a failure. The user
// is never shown a raw error code; each failure maps to one of these.
type Action string

const (
	ActionRetry   Action = "retry"
	ActionBilling Action = "billing"
	ActionSupport Action = "support"
	ActionHome    Action = "home"
)

type Error struct {
	Type      Type   `json:"type"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message"`
	Param     string `json:"param,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	// Redirect is the recovery destination for admission-class failures.
	// Admission failures are always resolved by redirect, never by a
	// dead-end error screen.
	Redirect string `json:"redirect,omitempty"`
	Action   Action `json:"action,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Code) == "" {
		return fmt.Sprintf("%s: %s", e.Type, e.Message)
	}
	return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
}

type Envelope struct {
	Error *Error `json:"error"`
}

// FromError converts an arbitrary error into the canonical wire error and an
// HTTP status. Unknown errors are reported as internal without leaking
// detail.
func FromError(err error, requestID string) (*Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{
			Type:      ErrAPI,
			Message:   "request timeout",
			Code:      "timeout",
			RequestID: requestID,
			Action:    ActionRetry,
		}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &Error{
			Type:      ErrAPI,
			Message:   "request cancelled",
			Code:      "cancelled",
			RequestID: requestID,
		}, http.StatusRequestTimeout
	}

	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr != nil {
		out := *apiErr
		if out.RequestID == "" {
			out.RequestID = requestID
		}
		return &out, StatusFromType(out.Type)
	}

	return &Error{
		Type:      ErrAPI,
		Message:   "internal error",
		RequestID: requestID,
		Action:    ActionSupport,
	}, http.StatusInternalServerError
}

func StatusFromType(t Type) int {
	switch t {
	case ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrAuthentication:
		return http.StatusUnauthorized
	case ErrAdmission:
		// Admission denials carry a redirect; 403 plus a Location-style
		// redirect field keeps API callers and browsers on one contract.
		return http.StatusForbidden
	case ErrPermission:
		return http.StatusForbidden
	case ErrNotFound:
		return http.StatusNotFound
	case ErrBilling:
		return http.StatusPaymentRequired
	case ErrVendor:
		return http.StatusBadGateway
	case ErrRateLimit:
		return http.StatusTooManyRequests
	case ErrAPI:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
