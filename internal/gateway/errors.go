package gateway

import (
	"encoding/json"
	"net/http"
)

// Code identifies a gateway failure in the structured error body.
type Code string

const (
	CodeMissingAuthHeader      Code = "MISSING_AUTH_HEADER"
	CodeInvalidAuthFormat      Code = "INVALID_AUTH_FORMAT"
	CodeTokenExpired           Code = "TOKEN_EXPIRED"
	CodeInvalidToken           Code = "INVALID_TOKEN"
	CodeTokenRevoked           Code = "TOKEN_REVOKED"
	CodeInsufficientRole       Code = "INSUFFICIENT_ROLE"
	CodeInsufficientPermission Code = "INSUFFICIENT_PERMISSION"
	CodeTenantAccessDenied     Code = "TENANT_ACCESS_DENIED"
	CodeServiceUnavailable     Code = "SERVICE_UNAVAILABLE"
	CodeRateLimited            Code = "RATE_LIMITED"
	CodeInternal               Code = "INTERNAL_ERROR"
)

// ErrorResponse is the body of every gateway-produced failure.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  Code   `json:"code"`
}

// WriteError emits the structured failure body with the given status.
func WriteError(w http.ResponseWriter, status int, code Code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: msg, Code: code})
}
