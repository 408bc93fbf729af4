package common

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorCode is a stable, machine-readable failure identifier returned to clients.
type ErrorCode string

const (
	CodeInvalidRequest       ErrorCode = "invalid_request"
	CodeInvalidGrant         ErrorCode = "invalid_grant"
	CodeInvalidClient        ErrorCode = "invalid_client"
	CodeUnsupportedGrantType ErrorCode = "unsupported_grant_type"
	CodeAccessDenied         ErrorCode = "access_denied"
	CodeUnauthorized         ErrorCode = "unauthorized"
	CodeInsufficientScope    ErrorCode = "insufficient_scope"
	CodeRateLimited          ErrorCode = "rate_limited"
	CodeValidation           ErrorCode = "validation_error"
	CodeContentFlagged       ErrorCode = "content_flagged"
	CodeTierLimitExceeded    ErrorCode = "tier_limit_exceeded"
	CodeUpstreamFailure      ErrorCode = "upstream_failure"
	CodeUndoExpired          ErrorCode = "undo_expired"
	CodeNotFound             ErrorCode = "not_found"
	CodeConflict             ErrorCode = "conflict"
	CodeServerError          ErrorCode = "server_error"
)

type codeInfo struct {
	status int
	hint   string
}

var codeTable = map[ErrorCode]codeInfo{
	CodeInvalidRequest:       {http.StatusBadRequest, "Fix the request parameters and retry."},
	CodeInvalidGrant:         {http.StatusBadRequest, "Restart the authorization flow to obtain a new grant."},
	CodeInvalidClient:        {http.StatusUnauthorized, "Check the client credentials or register the client again."},
	CodeUnsupportedGrantType: {http.StatusBadRequest, "Use grant_type authorization_code or refresh_token."},
	CodeAccessDenied:         {http.StatusForbidden, "The user declined the authorization request."},
	CodeUnauthorized:         {http.StatusUnauthorized, "Re-authenticate or refresh the access token."},
	CodeInsufficientScope:    {http.StatusForbidden, "Re-authorize with the required scope."},
	CodeRateLimited:          {http.StatusTooManyRequests, "Wait until the rate limit window resets, then retry."},
	CodeValidation:           {http.StatusUnprocessableEntity, "Correct the listed fields and retry."},
	CodeContentFlagged:       {http.StatusUnprocessableEntity, "Revise the content to comply with the content policy."},
	CodeTierLimitExceeded:    {http.StatusPaymentRequired, "Upgrade the subscription tier to use this feature."},
	CodeUpstreamFailure:      {http.StatusBadGateway, "Retry later; the downstream service did not complete the request."},
	CodeUndoExpired:          {http.StatusConflict, "The undo window has closed; the action is final."},
	CodeNotFound:             {http.StatusNotFound, "Check the identifier and retry."},
	CodeConflict:             {http.StatusConflict, "The resource changed state; fetch it again before retrying."},
	CodeServerError:          {http.StatusInternalServerError, "Retry later."},
}

// HTTPStatus returns the HTTP status associated with the code.
func (c ErrorCode) HTTPStatus() int {
	if info, ok := codeTable[c]; ok {
		return info.status
	}
	return http.StatusInternalServerError
}

// Hint returns the default recovery hint for the code.
func (c ErrorCode) Hint() string {
	return codeTable[c].hint
}

// GatewayError is the error type surfaced to clients. It carries a stable
// code, a human message, a recovery hint and optional structured details.
type GatewayError struct {
	Code       ErrorCode
	Message    string
	Hint       string
	Details    map[string]any
	RetryAfter time.Duration
	Retryable  bool
	Err        error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Is matches any GatewayError carrying the same code.
func (e *GatewayError) Is(target error) bool {
	t, ok := target.(*GatewayError)
	return ok && t.Code == e.Code
}

// WithDetail returns e after recording a detail key.
func (e *GatewayError) WithDetail(key string, value any) *GatewayError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// NewError builds a GatewayError with the code's default hint.
func NewError(code ErrorCode, message string) *GatewayError {
	return &GatewayError{Code: code, Message: message, Hint: code.Hint()}
}

// Errorf builds a GatewayError with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *GatewayError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// WrapError builds a GatewayError around a cause.
func WrapError(code ErrorCode, message string, err error) *GatewayError {
	ge := NewError(code, message)
	ge.Err = err
	return ge
}

// AsGatewayError extracts a GatewayError from err. Anything else becomes
// server_error so that internal details never leak to clients.
func AsGatewayError(err error) *GatewayError {
	if err == nil {
		return nil
	}
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge
	}
	return WrapError(CodeServerError, "internal error", err)
}

// CodeOf returns the ErrorCode carried by err, or "" for nil.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	return AsGatewayError(err).Code
}

// ErrorBody is the JSON rendering of a GatewayError on every transport.
type ErrorBody struct {
	Error      string         `json:"error"`
	Code       ErrorCode      `json:"code"`
	Hint       string         `json:"hint,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	RetryAfter int            `json:"retry_after,omitempty"`
}

// Body renders e for clients. RetryAfter is rounded up to whole seconds.
func (e *GatewayError) Body() ErrorBody {
	body := ErrorBody{Error: e.Message, Code: e.Code, Hint: e.Hint, Details: e.Details}
	if e.RetryAfter > 0 {
		body.RetryAfter = int((e.RetryAfter + time.Second - 1) / time.Second)
	}
	return body
}
