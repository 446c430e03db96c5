package api

import (
	"encoding/json"
	"net/http"

	"github.com/hustlexp/backend/internal/hxerr"
)

// apiError is the wire shape for every failure response.
type apiError struct {
	Code    string `json:"code"`
	HXCode  string `json:"hx_code,omitempty"`
	Message string `json:"message"`
}

var (
	errAuthRequired = hxerr.New(hxerr.Authentication, "authentication required")
	errAdminOnly    = hxerr.New(hxerr.Authorization, "admin only")
	errRateLimited  = hxerr.New(hxerr.Retryable, "rate limited, slow down")
)

func statusFor(err error) int {
	if err == errRateLimited {
		return http.StatusTooManyRequests
	}
	switch hxerr.KindOf(err) {
	case hxerr.Validation:
		return http.StatusBadRequest
	case hxerr.Authentication:
		return http.StatusUnauthorized
	case hxerr.Authorization:
		return http.StatusForbidden
	case hxerr.NotFound:
		return http.StatusNotFound
	case hxerr.ConflictInvariant, hxerr.ConflictState:
		return http.StatusConflict
	case hxerr.Retryable:
		return http.StatusServiceUnavailable
	case hxerr.FatalProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func codeFor(err error) string {
	if err == errRateLimited {
		return "RATE_LIMITED"
	}
	return hxerr.KindOf(err).String()
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := apiError{
		Code:   codeFor(err),
		HXCode: hxerr.CodeOf(err),
	}
	if status >= 500 {
		// Internal details stay in the logs.
		body.Message = "something went wrong, please retry"
	} else {
		body.Message = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]apiError{"error": body})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
