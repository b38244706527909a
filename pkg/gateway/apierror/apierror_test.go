package apierror

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestFromError_Nil(t *testing.T) {
	apiErr, status := FromError(nil, "req_1")
	if apiErr != nil || status != http.StatusOK {
		t.Fatalf("got (%v, %d), want (nil, 200)", apiErr, status)
	}
}

func TestFromError_ContextErrors(t *testing.T) {
	apiErr, status := FromError(context.DeadlineExceeded, "req_1")
	if status != http.StatusGatewayTimeout {
		t.Fatalf("status=%d, want 504", status)
	}
	if apiErr.Code != "timeout" || apiErr.RequestID != "req_1" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}

	apiErr, status = FromError(context.Canceled, "req_2")
	if status != http.StatusRequestTimeout || apiErr.Code != "cancelled" {
		t.Fatalf("got (%+v, %d), want cancelled/408", apiErr, status)
	}
}

func TestFromError_CanonicalErrorPreserved(t *testing.T) {
	in := &Error{Type: ErrAdmission, Code: "MISSING", Message: "session token missing", Redirect: "/dashboard"}
	wrapped := fmt.Errorf("guard: %w", in)

	apiErr, status := FromError(wrapped, "req_3")
	if status != http.StatusForbidden {
		t.Fatalf("status=%d, want 403", status)
	}
	if apiErr.Code != "MISSING" || apiErr.Redirect != "/dashboard" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
	if apiErr.RequestID != "req_3" {
		t.Fatalf("RequestID=%q, want req_3", apiErr.RequestID)
	}
	// The input must not be mutated.
	if in.RequestID != "" {
		t.Fatalf("input mutated: %+v", in)
	}
}

func TestFromError_UnknownIsInternal(t *testing.T) {
	apiErr, status := FromError(errors.New("pg: connection refused"), "req_4")
	if status != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", status)
	}
	if apiErr.Message != "internal error" {
		t.Fatalf("detail leaked: %+v", apiErr)
	}
}

func TestStatusFromType(t *testing.T) {
	cases := map[Type]int{
		ErrInvalidRequest: http.StatusBadRequest,
		ErrAuthentication: http.StatusUnauthorized,
		ErrAdmission:      http.StatusForbidden,
		ErrPermission:     http.StatusForbidden,
		ErrNotFound:       http.StatusNotFound,
		ErrBilling:        http.StatusPaymentRequired,
		ErrVendor:         http.StatusBadGateway,
		ErrRateLimit:      http.StatusTooManyRequests,
		ErrAPI:            http.StatusInternalServerError,
		Type("bogus"):     http.StatusInternalServerError,
	}
	for typ, want := range cases {
		if got := StatusFromType(typ); got != want {
			t.Fatalf("StatusFromType(%s)=%d, want %d", typ, got, want)
		}
	}
}
